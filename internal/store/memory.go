package store

import (
	"context"
	"slices"
	"sync"

	"github.com/austindbirch/harborguard/internal/delivery"
)

// Memory keeps everything in process. Used by tests and DB_DRIVER=memory.
type Memory struct {
	mu      sync.RWMutex
	dests   map[string]delivery.Destination
	order   []string
	records []delivery.Record
}

func NewMemory() *Memory {
	return &Memory{dests: make(map[string]delivery.Destination)}
}

func (m *Memory) CreateDestination(_ context.Context, nd NewDestination) (delivery.Destination, error) {
	d, err := prepare(nd)
	if err != nil {
		return delivery.Destination{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dests[d.ID] = d
	m.order = append(m.order, d.ID)
	return clone(d), nil
}

func (m *Memory) GetDestination(_ context.Context, tenantID, id string) (delivery.Destination, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.dests[id]
	if !ok || d.TenantID != tenantID {
		return delivery.Destination{}, ErrNotFound
	}
	return clone(d), nil
}

func (m *Memory) ListDestinations(_ context.Context, tenantID string) ([]delivery.Destination, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []delivery.Destination
	for _, id := range m.order {
		if d := m.dests[id]; d.TenantID == tenantID {
			out = append(out, clone(d))
		}
	}
	return out, nil
}

func (m *Memory) SetDestinationEnabled(_ context.Context, tenantID, id string, enabled bool) (delivery.Destination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dests[id]
	if !ok || d.TenantID != tenantID {
		return delivery.Destination{}, ErrNotFound
	}
	d.Enabled = enabled
	m.dests[id] = d
	return clone(d), nil
}

func (m *Memory) FindEnabledDestinations(_ context.Context, tenantID, event string) ([]delivery.Destination, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []delivery.Destination
	for _, id := range m.order {
		d := m.dests[id]
		if d.TenantID == tenantID && d.Enabled && d.Subscribes(event) {
			out = append(out, clone(d))
		}
	}
	return out, nil
}

func (m *Memory) InsertDeliveryRecord(_ context.Context, rec delivery.Record) error {
	rec.Payload = slices.Clone(rec.Payload)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// ListDeliveryRecords returns the newest records first.
func (m *Memory) ListDeliveryRecords(_ context.Context, tenantID, destinationID string, limit int) ([]delivery.Record, error) {
	limit = clampLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []delivery.Record
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		r := m.records[i]
		if r.TenantID == tenantID && (destinationID == "" || r.DestinationID == destinationID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func clone(d delivery.Destination) delivery.Destination {
	d.SubscribedEvents = slices.Clone(d.SubscribedEvents)
	return d
}
