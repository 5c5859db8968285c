package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/harborguard/internal/delivery"
	"github.com/austindbirch/harborguard/internal/tracing"
)

// Postgres is the production store, using the harborguard schema applied by
// db.Migrate.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const pgDestinationCols = `id::text, tenant_id, url, secret, subscribed_events, enabled, created_at`

func (p *Postgres) CreateDestination(ctx context.Context, nd NewDestination) (delivery.Destination, error) {
	d, err := prepare(nd)
	if err != nil {
		return delivery.Destination{}, err
	}
	tracing.AddSpanEvent(ctx, "db.insert_destination")
	err = p.pool.QueryRow(ctx, `
		INSERT INTO harborguard.destinations(id, tenant_id, url, secret, subscribed_events, enabled)
		VALUES ($1, $2, $3, $4, $5, true)
		RETURNING created_at`,
		d.ID, d.TenantID, d.URL, d.Secret, d.SubscribedEvents,
	).Scan(&d.CreatedAt)
	if err != nil {
		return delivery.Destination{}, fmt.Errorf("insert destination: %w", err)
	}
	return d, nil
}

func (p *Postgres) GetDestination(ctx context.Context, tenantID, id string) (delivery.Destination, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+pgDestinationCols+` FROM harborguard.destinations
		WHERE id::text = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return delivery.Destination{}, fmt.Errorf("query destination: %w", err)
	}
	d, err := pgx.CollectExactlyOneRow(rows, scanPGDestination)
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Destination{}, ErrNotFound
	}
	return d, err
}

func (p *Postgres) ListDestinations(ctx context.Context, tenantID string) ([]delivery.Destination, error) {
	return p.queryDestinations(ctx, `
		SELECT `+pgDestinationCols+` FROM harborguard.destinations
		WHERE tenant_id = $1
		ORDER BY created_at, id`, tenantID)
}

func (p *Postgres) SetDestinationEnabled(ctx context.Context, tenantID, id string, enabled bool) (delivery.Destination, error) {
	ct, err := p.pool.Exec(ctx, `
		UPDATE harborguard.destinations SET enabled = $3
		WHERE id::text = $1 AND tenant_id = $2`, id, tenantID, enabled)
	if err != nil {
		return delivery.Destination{}, fmt.Errorf("update destination: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return delivery.Destination{}, ErrNotFound
	}
	return p.GetDestination(ctx, tenantID, id)
}

func (p *Postgres) FindEnabledDestinations(ctx context.Context, tenantID, event string) ([]delivery.Destination, error) {
	tracing.AddSpanEvent(ctx, "db.find_enabled_destinations")
	return p.queryDestinations(ctx, `
		SELECT `+pgDestinationCols+` FROM harborguard.destinations
		WHERE tenant_id = $1 AND enabled AND $2 = ANY(subscribed_events)
		ORDER BY created_at, id`, tenantID, event)
}

func (p *Postgres) queryDestinations(ctx context.Context, query string, args ...any) ([]delivery.Destination, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query destinations: %w", err)
	}
	return pgx.CollectRows(rows, scanPGDestination)
}

func scanPGDestination(row pgx.CollectableRow) (delivery.Destination, error) {
	var d delivery.Destination
	err := row.Scan(&d.ID, &d.TenantID, &d.URL, &d.Secret, &d.SubscribedEvents, &d.Enabled, &d.CreatedAt)
	return d, err
}

func (p *Postgres) InsertDeliveryRecord(ctx context.Context, rec delivery.Record) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO harborguard.delivery_records(
			id, destination_id, tenant_id, event, payload, http_status, succeeded, duration_ms, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.DestinationID, rec.TenantID, rec.Event, string(rec.Payload), rec.HTTPStatus,
		rec.Succeeded, rec.DurationMs, rec.Error, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery record: %w", err)
	}
	return nil
}

// ListDeliveryRecords returns the newest records first.
func (p *Postgres) ListDeliveryRecords(ctx context.Context, tenantID, destinationID string, limit int) ([]delivery.Record, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id::text, destination_id::text, tenant_id, event, payload, http_status, succeeded, duration_ms, error, created_at
		FROM harborguard.delivery_records
		WHERE tenant_id = $1 AND ($2 = '' OR destination_id::text = $2)
		ORDER BY created_at DESC
		LIMIT $3`, tenantID, destinationID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query delivery records: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (delivery.Record, error) {
		var (
			r       delivery.Record
			payload string
		)
		err := row.Scan(&r.ID, &r.DestinationID, &r.TenantID, &r.Event, &payload, &r.HTTPStatus,
			&r.Succeeded, &r.DurationMs, &r.Error, &r.CreatedAt)
		r.Payload = json.RawMessage(payload)
		return r, err
	})
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
