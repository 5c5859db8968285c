package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/austindbirch/harborguard/internal/delivery"
)

// sqliteTime sorts lexically in chronological order.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

// SQLite is a single-file store for small deployments and tests.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; concurrent fan-out inserts queue here.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := bootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func bootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS destinations (
  id                TEXT PRIMARY KEY,
  tenant_id         TEXT NOT NULL,
  url               TEXT NOT NULL,
  secret            TEXT NOT NULL,
  subscribed_events JSON NOT NULL DEFAULT '[]',
  enabled           INTEGER NOT NULL DEFAULT 1,
  created_at        TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS delivery_records (
  id             TEXT PRIMARY KEY,
  destination_id TEXT NOT NULL REFERENCES destinations(id),
  tenant_id      TEXT NOT NULL,
  event          TEXT NOT NULL,
  payload        TEXT NOT NULL,
  http_status    INTEGER,
  succeeded      INTEGER NOT NULL,
  duration_ms    INTEGER NOT NULL,
  error          TEXT NOT NULL DEFAULT '',
  created_at     TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS destinations_tenant_idx ON destinations(tenant_id, enabled);`,
		`CREATE INDEX IF NOT EXISTS delivery_records_destination_idx ON delivery_records(destination_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}

const sqliteDestinationCols = `id, tenant_id, url, secret, subscribed_events, enabled, created_at`

func (s *SQLite) CreateDestination(ctx context.Context, nd NewDestination) (delivery.Destination, error) {
	d, err := prepare(nd)
	if err != nil {
		return delivery.Destination{}, err
	}
	events, err := json.Marshal(d.SubscribedEvents)
	if err != nil {
		return delivery.Destination{}, fmt.Errorf("encode events: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO destinations(`+sqliteDestinationCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TenantID, d.URL, d.Secret, string(events), d.Enabled, d.CreatedAt.UTC().Format(sqliteTime),
	)
	if err != nil {
		return delivery.Destination{}, fmt.Errorf("insert destination: %w", err)
	}
	return d, nil
}

func (s *SQLite) GetDestination(ctx context.Context, tenantID, id string) (delivery.Destination, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqliteDestinationCols+` FROM destinations
		WHERE id = ? AND tenant_id = ?`, id, tenantID)
	d, err := scanSQLiteDestination(row)
	if errors.Is(err, sql.ErrNoRows) {
		return delivery.Destination{}, ErrNotFound
	}
	return d, err
}

func (s *SQLite) ListDestinations(ctx context.Context, tenantID string) ([]delivery.Destination, error) {
	return s.queryDestinations(ctx, `
		SELECT `+sqliteDestinationCols+` FROM destinations
		WHERE tenant_id = ?
		ORDER BY created_at, id`, tenantID)
}

func (s *SQLite) SetDestinationEnabled(ctx context.Context, tenantID, id string, enabled bool) (delivery.Destination, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE destinations SET enabled = ?
		WHERE id = ? AND tenant_id = ?`, enabled, id, tenantID)
	if err != nil {
		return delivery.Destination{}, fmt.Errorf("update destination: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return delivery.Destination{}, ErrNotFound
	}
	return s.GetDestination(ctx, tenantID, id)
}

func (s *SQLite) FindEnabledDestinations(ctx context.Context, tenantID, event string) ([]delivery.Destination, error) {
	return s.queryDestinations(ctx, `
		SELECT `+sqliteDestinationCols+` FROM destinations d
		WHERE d.tenant_id = ? AND d.enabled = 1
		  AND EXISTS (SELECT 1 FROM json_each(d.subscribed_events) WHERE json_each.value = ?)
		ORDER BY d.created_at, d.id`, tenantID, event)
}

func (s *SQLite) queryDestinations(ctx context.Context, query string, args ...any) ([]delivery.Destination, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query destinations: %w", err)
	}
	defer rows.Close()

	var out []delivery.Destination
	for rows.Next() {
		d, err := scanSQLiteDestination(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteDestination(row rowScanner) (delivery.Destination, error) {
	var (
		d         delivery.Destination
		events    string
		createdAt string
	)
	if err := row.Scan(&d.ID, &d.TenantID, &d.URL, &d.Secret, &events, &d.Enabled, &createdAt); err != nil {
		return delivery.Destination{}, err
	}
	if err := json.Unmarshal([]byte(events), &d.SubscribedEvents); err != nil {
		return delivery.Destination{}, fmt.Errorf("decode events of %s: %w", d.ID, err)
	}
	t, err := time.Parse(sqliteTime, createdAt)
	if err != nil {
		return delivery.Destination{}, fmt.Errorf("decode created_at of %s: %w", d.ID, err)
	}
	d.CreatedAt = t
	return d, nil
}

func (s *SQLite) InsertDeliveryRecord(ctx context.Context, rec delivery.Record) error {
	var status sql.NullInt64
	if rec.HTTPStatus != nil {
		status = sql.NullInt64{Int64: int64(*rec.HTTPStatus), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_records(id, destination_id, tenant_id, event, payload, http_status, succeeded, duration_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.DestinationID, rec.TenantID, rec.Event, string(rec.Payload), status,
		rec.Succeeded, rec.DurationMs, rec.Error, rec.CreatedAt.UTC().Format(sqliteTime),
	)
	if err != nil {
		return fmt.Errorf("insert delivery record: %w", err)
	}
	return nil
}

// ListDeliveryRecords returns the newest records first.
func (s *SQLite) ListDeliveryRecords(ctx context.Context, tenantID, destinationID string, limit int) ([]delivery.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, destination_id, tenant_id, event, payload, http_status, succeeded, duration_ms, error, created_at
		FROM delivery_records
		WHERE tenant_id = ? AND (? = '' OR destination_id = ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, tenantID, destinationID, destinationID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query delivery records: %w", err)
	}
	defer rows.Close()

	var out []delivery.Record
	for rows.Next() {
		var (
			r         delivery.Record
			payload   string
			status    sql.NullInt64
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.DestinationID, &r.TenantID, &r.Event, &payload, &status,
			&r.Succeeded, &r.DurationMs, &r.Error, &createdAt); err != nil {
			return nil, err
		}
		r.Payload = json.RawMessage(payload)
		if status.Valid {
			v := int(status.Int64)
			r.HTTPStatus = &v
		}
		if r.CreatedAt, err = time.Parse(sqliteTime, createdAt); err != nil {
			return nil, fmt.Errorf("decode created_at of %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
