// Package delivery signs and dispatches event payloads to tenant-registered
// destinations and records the outcome of every attempt.
package delivery

import (
	"context"
	"encoding/json"
	"slices"
	"time"
)

// Destination is a tenant-owned webhook registration. The secret never
// leaves the process through JSON.
type Destination struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenantId"`
	URL              string    `json:"url"`
	Secret           string    `json:"-"`
	SubscribedEvents []string  `json:"subscribedEvents"`
	Enabled          bool      `json:"enabled"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Subscribes reports whether the destination wants event.
func (d Destination) Subscribes(event string) bool {
	return slices.Contains(d.SubscribedEvents, event)
}

// Payload is the JSON body delivered to every destination of a fan-out.
type Payload struct {
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	TenantID  string         `json:"tenantId"`
	Data      map[string]any `json:"data"`
}

// Record is the append-only audit entry written for each attempt. ID is the
// delivery id sent to the destination.
type Record struct {
	ID            string          `json:"id"`
	DestinationID string          `json:"destinationId"`
	TenantID      string          `json:"tenantId"`
	Event         string          `json:"event"`
	Payload       json.RawMessage `json:"payload"`
	HTTPStatus    *int            `json:"httpStatus"`
	Succeeded     bool            `json:"succeeded"`
	DurationMs    int64           `json:"durationMs"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Outcome kinds, also the "outcome" metric label.
const (
	KindDelivered    = "delivered"
	KindHTTPError    = "http_error"
	KindNetworkError = "network_error"
	KindBlocked      = "blocked"
	KindPanic        = "panic"
)

// Outcome is the result of one dispatch.
type Outcome struct {
	Record Record `json:"record"`
	Kind   string `json:"kind"`
}

// Registry looks up the destinations a fan-out should reach.
type Registry interface {
	FindEnabledDestinations(ctx context.Context, tenantID, event string) ([]Destination, error)
}

// RecordStore persists delivery records.
type RecordStore interface {
	InsertDeliveryRecord(ctx context.Context, rec Record) error
}
