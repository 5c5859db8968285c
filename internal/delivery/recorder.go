package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/austindbirch/harborguard/internal/logging"
	"github.com/austindbirch/harborguard/internal/metrics"
	"github.com/austindbirch/harborguard/internal/tracing"
)

const defaultRecordTimeout = 5 * time.Second

// Recorder persists delivery records. Failures are logged and counted but
// never returned.
type Recorder struct {
	store   RecordStore
	logger  *logging.Logger
	timeout time.Duration
}

func NewRecorder(store RecordStore, logger *logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.Default()
	}
	return &Recorder{store: store, logger: logger, timeout: defaultRecordTimeout}
}

// Record writes rec. It detaches from ctx cancellation so that a timed out
// dispatch still gets its record written.
func (r *Recorder) Record(ctx context.Context, rec Record) {
	entry := r.logger.WithContext(ctx).
		WithTenant(rec.TenantID).
		WithDestination(rec.DestinationID).
		WithDelivery(rec.ID).
		WithEvent(rec.Event)

	defer func() {
		if p := recover(); p != nil {
			metrics.RecordPersistFailure()
			entry.WithField("panic", fmt.Sprint(p)).Error("delivery record store panicked")
		}
	}()

	if r.store == nil {
		metrics.RecordPersistFailure()
		entry.Warn("no record store configured, delivery record dropped")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	tracing.AddSpanEvent(ctx, "db.insert_delivery_record")
	if err := r.store.InsertDeliveryRecord(ctx, rec); err != nil {
		metrics.RecordPersistFailure()
		tracing.SetSpanError(ctx, err)
		entry.WithError(err).Error("failed to persist delivery record")
	}
}
