package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harborguard/internal/db"
	"github.com/austindbirch/harborguard/internal/delivery"
)

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{name: "memory", open: func(t *testing.T) Store { return NewMemory() }},
		{name: "sqlite", open: func(t *testing.T) Store {
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "nested", "hg.db"))
			if err != nil {
				t.Fatalf("OpenSQLite() error: %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
		{name: "postgres", open: func(t *testing.T) Store {
			dsn := os.Getenv("HARBORGUARD_TEST_DATABASE_URL")
			if dsn == "" {
				t.Skip("HARBORGUARD_TEST_DATABASE_URL not set")
			}
			ctx := context.Background()
			pool, err := db.Connect(ctx, dsn)
			if err != nil {
				t.Fatalf("Connect() error: %v", err)
			}
			if err := db.Migrate(ctx, pool); err != nil {
				t.Fatalf("Migrate() error: %v", err)
			}
			s := NewPostgres(pool)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
	}
}

// tenant returns a tenant id unique to the test so shared databases do not
// leak rows between runs.
func tenant(t *testing.T, name string) string {
	return fmt.Sprintf("%s-%s-%d", name, t.Name(), time.Now().UnixNano())
}

func TestCreateDestination(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			tid := tenant(t, "t")

			d, err := s.CreateDestination(ctx, NewDestination{
				TenantID: tid,
				URL:      "https://hooks.example.com/in",
				Events:   []string{"card.created", " card.moved ", "card.created", ""},
			})
			if err != nil {
				t.Fatalf("CreateDestination() error: %v", err)
			}
			if d.ID == "" || !d.Enabled || d.CreatedAt.IsZero() {
				t.Errorf("destination = %+v", d)
			}
			raw, err := base64.RawURLEncoding.DecodeString(d.Secret)
			if err != nil || len(raw) != 32 {
				t.Errorf("secret %q should be 32 random bytes base64url encoded", d.Secret)
			}
			if len(d.SubscribedEvents) != 2 || d.SubscribedEvents[0] != "card.created" || d.SubscribedEvents[1] != "card.moved" {
				t.Errorf("SubscribedEvents = %v, want [card.created card.moved]", d.SubscribedEvents)
			}

			got, err := s.GetDestination(ctx, tid, d.ID)
			if err != nil {
				t.Fatalf("GetDestination() error: %v", err)
			}
			if got.Secret != d.Secret || got.URL != d.URL {
				t.Errorf("GetDestination() = %+v, want %+v", got, d)
			}
		})
	}
}

const providedSecret = "whsec_0123456789abcdef0123456789abcdef"

func TestCreateDestination_KeepsProvidedSecret(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			d, err := s.CreateDestination(context.Background(), NewDestination{
				TenantID: tenant(t, "t"), URL: "https://example.com/hook", Events: []string{"card.moved"}, Secret: providedSecret,
			})
			if err != nil {
				t.Fatalf("CreateDestination() error: %v", err)
			}
			if d.Secret != providedSecret {
				t.Errorf("Secret = %q, want %q", d.Secret, providedSecret)
			}
		})
	}
}

func TestCreateDestination_Invalid(t *testing.T) {
	tests := []struct {
		name string
		nd   NewDestination
	}{
		{name: "missing tenant", nd: NewDestination{URL: "https://example.com", Events: []string{"e"}}},
		{name: "missing url", nd: NewDestination{TenantID: "t", Events: []string{"e"}}},
		{name: "relative url", nd: NewDestination{TenantID: "t", URL: "hooks/in", Events: []string{"e"}}},
		{name: "ftp url", nd: NewDestination{TenantID: "t", URL: "ftp://example.com/x", Events: []string{"e"}}},
		{name: "no host", nd: NewDestination{TenantID: "t", URL: "https:///x", Events: []string{"e"}}},
		{name: "no events", nd: NewDestination{TenantID: "t", URL: "https://example.com"}},
		{name: "blank events", nd: NewDestination{TenantID: "t", URL: "https://example.com", Events: []string{" ", ""}}},
		{name: "short secret", nd: NewDestination{TenantID: "t", URL: "https://example.com", Events: []string{"e"}, Secret: "s3cr3t"}},
		{name: "secret one short", nd: NewDestination{TenantID: "t", URL: "https://example.com", Events: []string{"e"}, Secret: providedSecret[:MinSecretLength-1]}},
	}

	s := NewMemory()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.CreateDestination(context.Background(), tt.nd)
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("CreateDestination() error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestFindEnabledDestinations(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			t1, t2 := tenant(t, "a"), tenant(t, "b")

			created, _ := s.CreateDestination(ctx, NewDestination{TenantID: t1, URL: "https://a.example.com", Events: []string{"card.created"}})
			_, _ = s.CreateDestination(ctx, NewDestination{TenantID: t1, URL: "https://b.example.com", Events: []string{"card.deleted"}})
			disabled, _ := s.CreateDestination(ctx, NewDestination{TenantID: t1, URL: "https://c.example.com", Events: []string{"card.created"}})
			_, _ = s.CreateDestination(ctx, NewDestination{TenantID: t2, URL: "https://d.example.com", Events: []string{"card.created"}})

			if _, err := s.SetDestinationEnabled(ctx, t1, disabled.ID, false); err != nil {
				t.Fatalf("SetDestinationEnabled() error: %v", err)
			}

			got, err := s.FindEnabledDestinations(ctx, t1, "card.created")
			if err != nil {
				t.Fatalf("FindEnabledDestinations() error: %v", err)
			}
			if len(got) != 1 || got[0].ID != created.ID {
				t.Fatalf("FindEnabledDestinations() = %+v, want only %s", got, created.ID)
			}
			if got[0].Secret == "" {
				t.Error("registry lookup must carry the signing secret")
			}

			none, err := s.FindEnabledDestinations(ctx, t1, "card.archived")
			if err != nil || len(none) != 0 {
				t.Errorf("FindEnabledDestinations(unsubscribed) = %v, %v", none, err)
			}
		})
	}
}

func TestSetDestinationEnabled(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			tid := tenant(t, "t")
			d, _ := s.CreateDestination(ctx, NewDestination{TenantID: tid, URL: "https://a.example.com", Events: []string{"e"}})

			got, err := s.SetDestinationEnabled(ctx, tid, d.ID, false)
			if err != nil || got.Enabled {
				t.Fatalf("disable = %+v, %v", got, err)
			}
			got, err = s.SetDestinationEnabled(ctx, tid, d.ID, true)
			if err != nil || !got.Enabled {
				t.Fatalf("enable = %+v, %v", got, err)
			}

			if _, err := s.SetDestinationEnabled(ctx, "someone-else", d.ID, false); !errors.Is(err, ErrNotFound) {
				t.Errorf("cross-tenant update error = %v, want ErrNotFound", err)
			}
			if _, err := s.GetDestination(ctx, "someone-else", d.ID); !errors.Is(err, ErrNotFound) {
				t.Errorf("cross-tenant get error = %v, want ErrNotFound", err)
			}
			if _, err := s.SetDestinationEnabled(ctx, tid, "00000000-0000-0000-0000-000000000000", false); !errors.Is(err, ErrNotFound) {
				t.Errorf("unknown id error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestListDestinations(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			tid := tenant(t, "t")
			for _, u := range []string{"https://a.example.com", "https://b.example.com"} {
				if _, err := s.CreateDestination(ctx, NewDestination{TenantID: tid, URL: u, Events: []string{"e"}}); err != nil {
					t.Fatalf("CreateDestination() error: %v", err)
				}
			}
			_, _ = s.CreateDestination(ctx, NewDestination{TenantID: tenant(t, "other"), URL: "https://c.example.com", Events: []string{"e"}})

			got, err := s.ListDestinations(ctx, tid)
			if err != nil {
				t.Fatalf("ListDestinations() error: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("ListDestinations() = %d entries, want 2", len(got))
			}
		})
	}
}

func TestDeliveryRecords(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			tid := tenant(t, "t")
			d, _ := s.CreateDestination(ctx, NewDestination{TenantID: tid, URL: "https://a.example.com", Events: []string{"e"}})
			other, _ := s.CreateDestination(ctx, NewDestination{TenantID: tid, URL: "https://b.example.com", Events: []string{"e"}})

			status := 500
			base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			recs := []delivery.Record{
				{ID: uuid.NewString(), DestinationID: d.ID, TenantID: tid, Event: "e", Payload: []byte(`{"n":1}`), Error: "hostname \"localhost\" is blocked", CreatedAt: base},
				{ID: uuid.NewString(), DestinationID: d.ID, TenantID: tid, Event: "e", Payload: []byte(`{"n":2}`), HTTPStatus: &status, DurationMs: 12, Error: "http_5xx: unexpected status 500", CreatedAt: base.Add(time.Second)},
				{ID: uuid.NewString(), DestinationID: other.ID, TenantID: tid, Event: "e", Payload: []byte(`{"n":3}`), CreatedAt: base.Add(2 * time.Second)},
			}
			for _, r := range recs {
				if err := s.InsertDeliveryRecord(ctx, r); err != nil {
					t.Fatalf("InsertDeliveryRecord() error: %v", err)
				}
			}

			got, err := s.ListDeliveryRecords(ctx, tid, d.ID, 0)
			if err != nil {
				t.Fatalf("ListDeliveryRecords() error: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("ListDeliveryRecords() = %d records, want 2", len(got))
			}
			if got[0].ID != recs[1].ID {
				t.Errorf("first record = %s, want newest %s", got[0].ID, recs[1].ID)
			}
			if got[0].HTTPStatus == nil || *got[0].HTTPStatus != 500 {
				t.Errorf("HTTPStatus = %v, want 500", got[0].HTTPStatus)
			}
			if got[1].HTTPStatus != nil {
				t.Errorf("blocked record HTTPStatus = %d, want nil", *got[1].HTTPStatus)
			}
			if string(got[1].Payload) != `{"n":1}` {
				t.Errorf("Payload = %s, want byte-identical body", got[1].Payload)
			}
			if got[1].Error == "" || got[1].Succeeded {
				t.Errorf("blocked record = %+v", got[1])
			}

			all, _ := s.ListDeliveryRecords(ctx, tid, "", 0)
			if len(all) != 3 {
				t.Errorf("ListDeliveryRecords(all) = %d, want 3", len(all))
			}
			limited, _ := s.ListDeliveryRecords(ctx, tid, "", 1)
			if len(limited) != 1 || limited[0].ID != recs[2].ID {
				t.Errorf("ListDeliveryRecords(limit 1) = %+v", limited)
			}
			foreign, _ := s.ListDeliveryRecords(ctx, "someone-else", d.ID, 0)
			if len(foreign) != 0 {
				t.Errorf("cross-tenant listing returned %d records", len(foreign))
			}
		})
	}
}

func TestConcurrentInserts(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			tid := tenant(t, "t")
			d, _ := s.CreateDestination(ctx, NewDestination{TenantID: tid, URL: "https://a.example.com", Events: []string{"e"}})

			const n = 20
			var wg sync.WaitGroup
			errs := make(chan error, n)
			for range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					errs <- s.InsertDeliveryRecord(ctx, delivery.Record{
						ID:            uuid.NewString(),
						DestinationID: d.ID,
						TenantID:      tid,
						Event:         "e",
						Payload:       []byte(`{}`),
						CreatedAt:     time.Now(),
					})
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Errorf("InsertDeliveryRecord() error: %v", err)
				}
			}

			got, _ := s.ListDeliveryRecords(ctx, tid, d.ID, MaxRecordLimit)
			if len(got) != n {
				t.Errorf("records = %d, want %d", len(got), n)
			}
		})
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, DefaultRecordLimit},
		{-5, DefaultRecordLimit},
		{10, 10},
		{MaxRecordLimit + 1, MaxRecordLimit},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.in); got != tt.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestOpenSQLite_EmptyPath(t *testing.T) {
	if _, err := OpenSQLite(context.Background(), ""); err == nil {
		t.Error("OpenSQLite(\"\") expected error")
	}
}
