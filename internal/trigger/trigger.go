// Package trigger carries fan-out requests over NSQ so that API callers are
// never held open while an event is delivered.
package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harborguard/internal/config"
	"github.com/austindbirch/harborguard/internal/logging"
	"github.com/austindbirch/harborguard/internal/tracing"
)

// Message is the NSQ body of one fan-out request.
type Message struct {
	TenantID     string            `json:"tenant_id"`
	Event        string            `json:"event"`
	Data         map[string]any    `json:"data"`
	PublishedAt  string            `json:"published_at"`            // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// Producer is the subset of *nsq.Producer used for publishing.
type Producer interface {
	Publish(topic string, body []byte) error
}

type Publisher struct {
	producer Producer
	topic    string
}

func NewPublisher(producer Producer, topic string) *Publisher {
	return &Publisher{producer: producer, topic: topic}
}

// Publish enqueues a fan-out of event for tenantID.
func (p *Publisher) Publish(ctx context.Context, tenantID, event string, data map[string]any) error {
	if tenantID == "" || event == "" {
		return errors.New("tenant and event are required")
	}
	ctx, span := tracing.StartPublish(ctx, p.topic, tenantID, event)
	defer span.End()

	b, err := json.Marshal(Message{
		TenantID:     tenantID,
		Event:        event,
		Data:         data,
		PublishedAt:  time.Now().UTC().Format(time.RFC3339),
		TraceHeaders: tracing.Carrier(ctx),
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("encode trigger: %w", err)
	}
	if err := p.producer.Publish(p.topic, b); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("publish %s: %w", p.topic, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published", attribute.String("topic", p.topic))
	return nil
}

// Firer runs a fan-out. *delivery.Orchestrator implements it.
type Firer interface {
	FireEvent(ctx context.Context, tenantID, event string, data map[string]any)
}

// Handler consumes trigger messages. Every message is finished: a fan-out
// is attempted at most once.
type Handler struct {
	firer  Firer
	logger *logging.Logger
}

func NewHandler(firer Firer, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{firer: firer, logger: logger}
}

func (h *Handler) HandleMessage(m *nsq.Message) error {
	var msg Message
	dec := json.NewDecoder(bytes.NewReader(m.Body))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		h.logger.Plain().WithError(err).Error("bad trigger payload")
		return nil
	}
	if msg.TenantID == "" || msg.Event == "" {
		h.logger.Plain().WithFields(map[string]any{"tenant_id": msg.TenantID, "event": msg.Event}).
			Error("trigger missing tenant or event")
		return nil
	}

	ctx, span := tracing.StartConsume(context.Background(), msg.TraceHeaders, msg.TenantID, msg.Event,
		attribute.Int("attempts", int(m.Attempts)))
	defer span.End()

	h.logger.WithContext(ctx).WithTenant(msg.TenantID).WithEvent(msg.Event).
		WithField("published_at", msg.PublishedAt).Debug("trigger received")
	h.firer.FireEvent(ctx, msg.TenantID, msg.Event, msg.Data)
	return nil
}

// NewConsumer builds a consumer on the events topic with handler attached
// concurrency times. Connect it with Connect.
func NewConsumer(cfg config.NSQ, handler nsq.Handler, concurrency int) (*nsq.Consumer, error) {
	conf := nsq.NewConfig()
	if concurrency < 1 {
		concurrency = 1
	}
	conf.MaxInFlight = concurrency
	// Redelivery would repeat webhooks that were already sent.
	conf.MaxAttempts = 1

	consumer, err := nsq.NewConsumer(cfg.EventsTopic, cfg.WorkerChannel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer: %w", err)
	}
	consumer.AddConcurrentHandlers(handler, concurrency)
	return consumer, nil
}

// Connect attaches consumer to nsqd directly when configured, else to lookupd.
func Connect(consumer *nsq.Consumer, cfg config.NSQ) error {
	if cfg.NsqdTCPAddr != "" {
		if err := consumer.ConnectToNSQD(cfg.NsqdTCPAddr); err != nil {
			return fmt.Errorf("connect to nsqd: %w", err)
		}
		return nil
	}
	if cfg.LookupHTTPAddr == "" {
		return errors.New("no nsqd or nsqlookupd address configured")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.LookupHTTPAddr); err != nil {
		return fmt.Errorf("connect to lookupd: %w", err)
	}
	return nil
}
