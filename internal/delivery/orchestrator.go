package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harborguard/internal/logging"
	"github.com/austindbirch/harborguard/internal/metrics"
	"github.com/austindbirch/harborguard/internal/tracing"
)

// Orchestrator fans one event out to every subscribed destination of a tenant.
type Orchestrator struct {
	registry   Registry
	dispatcher *Dispatcher
	logger     *logging.Logger
	now        func() time.Time
}

func NewOrchestrator(registry Registry, dispatcher *Dispatcher, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Orchestrator{registry: registry, dispatcher: dispatcher, logger: logger, now: time.Now}
}

// FireEvent delivers event to all matching destinations and returns once
// every attempt has settled. Failures surface only as delivery records and
// log lines.
func (o *Orchestrator) FireEvent(ctx context.Context, tenantID, event string, data map[string]any) {
	_ = o.Fire(ctx, tenantID, event, data)
}

// Fire is FireEvent returning the per-destination outcomes. Cancelling ctx
// does not abort dispatches already started; each is bounded by its own
// timeout.
func (o *Orchestrator) Fire(ctx context.Context, tenantID, event string, data map[string]any) (outcomes []Outcome) {
	ctx = context.WithoutCancel(ctx)
	logger := o.logger.WithContext(ctx).WithTenant(tenantID).WithEvent(event)

	defer func() {
		if p := recover(); p != nil {
			logger.WithField("panic", fmt.Sprint(p)).Error("fan-out panicked")
		}
	}()

	ctx, span := tracing.StartFanout(ctx, tenantID, event)
	defer span.End()

	dests, err := o.registry.FindEnabledDestinations(ctx, tenantID, event)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		logger.WithError(err).Error("destination lookup failed, event not delivered")
		return nil
	}

	targets := make([]Destination, 0, len(dests))
	for _, d := range dests {
		if d.Enabled && d.TenantID == tenantID && d.Subscribes(event) {
			targets = append(targets, d)
		}
	}
	span.SetAttributes(attribute.Int("destinations", len(targets)))
	if len(targets) == 0 {
		logger.Debug("no subscribed destinations")
		return nil
	}

	metrics.RecordFanout(tenantID)
	metrics.FanoutsInFlight.Inc()
	defer metrics.FanoutsInFlight.Dec()

	if data == nil {
		data = map[string]any{}
	}
	payload := Payload{
		Event:     event,
		Timestamp: o.now().UTC().Format(time.RFC3339Nano),
		TenantID:  tenantID,
		Data:      data,
	}
	body, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		marshalErr = fmt.Errorf("serialize payload: %w", marshalErr)
		tracing.SetSpanError(ctx, marshalErr)
	}

	outcomes = make([]Outcome, len(targets))
	var wg conc.WaitGroup
	for i, dest := range targets {
		wg.Go(func() {
			if marshalErr != nil {
				outcomes[i] = o.dispatcher.Fail(ctx, dest, event, nil, marshalErr)
				return
			}
			outcomes[i] = o.dispatcher.Dispatch(ctx, dest, payload, body)
		})
	}
	if p := wg.WaitAndRecover(); p != nil {
		logger.WithField("panic", p.String()).Error("dispatch goroutine panicked")
	}

	logger.WithField("destinations", len(targets)).Info("fan-out complete")
	return outcomes
}
