// Package store holds destination registrations and delivery records. It
// backs the delivery Registry and RecordStore with PostgreSQL, SQLite or
// process memory.
package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harborguard/internal/delivery"
)

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid destination")
)

const (
	DefaultRecordLimit = 50
	MaxRecordLimit     = 500
	secretBytes        = 32
	// MinSecretLength applies to secrets supplied by the caller.
	MinSecretLength = 32
)

// NewDestination is the input to CreateDestination. Secret is generated
// when empty.
type NewDestination struct {
	TenantID string   `json:"tenantId"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"-"`
}

// Store is implemented by every backend.
type Store interface {
	delivery.Registry
	delivery.RecordStore

	CreateDestination(ctx context.Context, nd NewDestination) (delivery.Destination, error)
	GetDestination(ctx context.Context, tenantID, id string) (delivery.Destination, error)
	ListDestinations(ctx context.Context, tenantID string) ([]delivery.Destination, error)
	SetDestinationEnabled(ctx context.Context, tenantID, id string, enabled bool) (delivery.Destination, error)
	ListDeliveryRecords(ctx context.Context, tenantID, destinationID string, limit int) ([]delivery.Record, error)
	Ping(ctx context.Context) error
	Close() error
}

// GenerateSecret returns n random bytes, base64url encoded.
func GenerateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// prepare validates nd and fills in the generated fields. Only the shape of
// the URL is checked here; address policy is enforced on every dispatch.
func prepare(nd NewDestination) (delivery.Destination, error) {
	if nd.TenantID == "" || nd.URL == "" {
		return delivery.Destination{}, fmt.Errorf("%w: tenantId and url are required", ErrInvalid)
	}
	u, err := url.ParseRequestURI(nd.URL)
	if err != nil {
		return delivery.Destination{}, fmt.Errorf("%w: invalid url: %v", ErrInvalid, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return delivery.Destination{}, fmt.Errorf("%w: url scheme must be http or https", ErrInvalid)
	}
	if u.Host == "" {
		return delivery.Destination{}, fmt.Errorf("%w: url host is required", ErrInvalid)
	}

	var events []string
	for _, e := range nd.Events {
		e = strings.TrimSpace(e)
		if e != "" && !slices.Contains(events, e) {
			events = append(events, e)
		}
	}
	if len(events) == 0 {
		return delivery.Destination{}, fmt.Errorf("%w: at least one event is required", ErrInvalid)
	}

	secret := nd.Secret
	if secret != "" && len(secret) < MinSecretLength {
		return delivery.Destination{}, fmt.Errorf("%w: secret must be at least %d characters", ErrInvalid, MinSecretLength)
	}
	if secret == "" {
		secret, err = GenerateSecret(secretBytes)
		if err != nil {
			return delivery.Destination{}, fmt.Errorf("generate secret: %w", err)
		}
	}

	return delivery.Destination{
		ID:               uuid.NewString(),
		TenantID:         nd.TenantID,
		URL:              nd.URL,
		Secret:           secret,
		SubscribedEvents: events,
		Enabled:          true,
		CreatedAt:        time.Now().UTC(),
	}, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecordLimit
	}
	return min(limit, MaxRecordLimit)
}
