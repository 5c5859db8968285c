package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harborguard/internal/guard"
	"github.com/austindbirch/harborguard/internal/logging"
	"github.com/austindbirch/harborguard/internal/metrics"
	"github.com/austindbirch/harborguard/internal/signing"
	"github.com/austindbirch/harborguard/internal/tracing"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultHeaderPrefix = "X-Harborguard"
)

type DispatcherConfig struct {
	Validator *guard.Validator
	Recorder  *Recorder
	Logger    *logging.Logger
	// Timeout bounds validation, connect, request and response drain.
	Timeout time.Duration
	// HeaderPrefix names the product headers, e.g. "X-Harborguard".
	HeaderPrefix string
	// PinHTTPS dials the validated address for https destinations too. TLS
	// still verifies the certificate against the URL hostname.
	PinHTTPS bool
	// TLSConfig overrides the client TLS settings (root CAs in tests).
	TLSConfig *tls.Config
}

// Dispatcher performs single delivery attempts.
type Dispatcher struct {
	validator *guard.Validator
	recorder  *Recorder
	logger    *logging.Logger
	timeout   time.Duration
	prefix    string
	pinHTTPS  bool
	tlsConfig *tls.Config
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		validator: cfg.Validator,
		recorder:  cfg.Recorder,
		logger:    cfg.Logger,
		timeout:   cfg.Timeout,
		prefix:    strings.TrimSuffix(cfg.HeaderPrefix, "-"),
		pinHTTPS:  cfg.PinHTTPS,
		tlsConfig: cfg.TLSConfig,
	}
	if d.validator == nil {
		d.validator = guard.New(guard.Config{})
	}
	if d.recorder == nil {
		d.recorder = NewRecorder(nil, cfg.Logger)
	}
	if d.logger == nil {
		d.logger = logging.Default()
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	if d.prefix == "" {
		d.prefix = DefaultHeaderPrefix
	}
	return d
}

func (d *Dispatcher) EventHeader() string { return d.prefix + "-Event" }
func (d *Dispatcher) SignatureHeader() string { return d.prefix + "-Signature-256" }
func (d *Dispatcher) DeliveryHeader() string { return d.prefix + "-Delivery" }

// attempt carries the state of one dispatch until it is recorded.
type attempt struct {
	rec    Record
	kind   string
	reason string
	start  time.Time
}

func (d *Dispatcher) newAttempt(dest Destination, event string, body []byte) *attempt {
	now := time.Now()
	return &attempt{
		rec: Record{
			ID:            uuid.NewString(),
			DestinationID: dest.ID,
			TenantID:      dest.TenantID,
			Event:         event,
			Payload:       json.RawMessage(body),
			CreatedAt:     now.UTC(),
		},
		start: now,
	}
}

// Dispatch validates dest, signs body and POSTs it. It never panics and
// always hands the outcome to the Recorder before returning.
func (d *Dispatcher) Dispatch(ctx context.Context, dest Destination, payload Payload, body []byte) (out Outcome) {
	a := d.newAttempt(dest, payload.Event, body)

	ctx, span := tracing.StartDelivery(ctx, a.rec.ID, dest.TenantID, dest.ID, payload.Event)
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			a.kind = KindPanic
			a.reason = fmt.Sprintf("dispatch panicked: %v", p)
			a.rec.HTTPStatus = nil
			a.rec.Succeeded = false
		}
		out = d.finish(ctx, a)
	}()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	tracing.AddSpanEvent(ctx, "guard.validate")
	res, err := d.validator.Validate(ctx, dest.URL)
	if err != nil {
		a.reason = err.Error()
		a.kind = KindBlocked
		if re, ok := guard.AsReject(err); ok {
			span.SetAttributes(attribute.String("blocked_reason", re.Code))
			if re.Code == guard.CodeDNSFailure {
				a.kind = KindNetworkError
			} else {
				metrics.RecordBlocked(re.Code)
			}
		}
		return
	}

	tracing.AddSpanEvent(ctx, "http.sign_request")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, res.URL.String(), bytes.NewReader(body))
	if err != nil {
		a.kind = KindBlocked
		a.reason = fmt.Sprintf("build request: %v", err)
		return
	}
	req.Host = res.URL.Host
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Harborguard-Webhooks/1.0")
	req.Header.Set(d.EventHeader(), payload.Event)
	req.Header.Set(d.SignatureHeader(), signing.SignHeader(body, dest.Secret))
	req.Header.Set(d.DeliveryHeader(), a.rec.ID)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	client, transport := d.client(res)
	defer transport.CloseIdleConnections()

	tracing.AddSpanEvent(ctx, "http.send_webhook", attribute.String("pinned_addr", res.PinnedAddr()))
	resp, err := client.Do(req)
	if err != nil {
		a.kind = KindNetworkError
		a.reason = fmt.Sprintf("%s: %v", classifyReason(err, 0), err)
		return
	}
	_, drainErr := io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	status := resp.StatusCode
	a.rec.HTTPStatus = &status
	span.SetAttributes(attribute.Int("http.status_code", status))

	if status >= 200 && status < 300 {
		a.kind = KindDelivered
		a.rec.Succeeded = true
		if drainErr != nil {
			d.logger.WithContext(ctx).WithDelivery(a.rec.ID).WithError(drainErr).Debug("response body drain failed")
		}
		return
	}
	a.kind = KindHTTPError
	a.reason = fmt.Sprintf("%s: unexpected status %d", classifyReason(nil, status), status)
	return
}

// Fail records an attempt that could not be dispatched at all, for example
// because the payload could not be serialized.
func (d *Dispatcher) Fail(ctx context.Context, dest Destination, event string, body []byte, cause error) Outcome {
	a := d.newAttempt(dest, event, body)
	a.kind = KindBlocked
	a.reason = cause.Error()
	return d.finish(ctx, a)
}

func (d *Dispatcher) finish(ctx context.Context, a *attempt) Outcome {
	elapsed := time.Since(a.start)
	a.rec.DurationMs = elapsed.Milliseconds()
	a.rec.Error = a.reason
	if a.rec.Payload == nil {
		a.rec.Payload = json.RawMessage("null")
	}

	metrics.RecordDelivery(a.kind, a.rec.TenantID, elapsed)
	if a.rec.HTTPStatus != nil {
		metrics.RecordHTTPDelivery(a.rec.TenantID, strconv.Itoa(*a.rec.HTTPStatus), elapsed)
	}

	entry := d.logger.WithContext(ctx).
		WithTenant(a.rec.TenantID).
		WithDestination(a.rec.DestinationID).
		WithDelivery(a.rec.ID).
		WithEvent(a.rec.Event).
		WithFields(map[string]any{"outcome": a.kind, "duration_ms": a.rec.DurationMs})
	if a.rec.HTTPStatus != nil {
		entry = entry.WithField("http_status", *a.rec.HTTPStatus)
	}
	switch a.kind {
	case KindDelivered:
		entry.Info("webhook delivered")
	case KindPanic:
		tracing.SetSpanError(ctx, errors.New(a.reason))
		entry.WithField("reason", a.reason).Error("webhook dispatch panicked")
	default:
		tracing.SetSpanError(ctx, errors.New(a.reason))
		entry.WithField("reason", a.reason).Warn("webhook delivery failed")
	}

	d.recorder.Record(ctx, a.rec)
	return Outcome{Record: a.rec, Kind: a.kind}
}

// client builds a single-use client whose dialer connects only to the
// validated address and re-checks it at connect time.
func (d *Dispatcher) client(res guard.Result) (*http.Client, *http.Transport) {
	dialer := &net.Dialer{Timeout: d.timeout, Control: d.validator.Control}

	transport := &http.Transport{
		Proxy:                  nil,
		DisableKeepAlives:      true,
		TLSHandshakeTimeout:    d.timeout,
		ResponseHeaderTimeout:  d.timeout,
		MaxResponseHeaderBytes: 64 << 10,
	}
	if d.tlsConfig != nil {
		transport.TLSClientConfig = d.tlsConfig.Clone()
	}

	if res.URL.Scheme == "http" || d.pinHTTPS {
		pinned := res.PinnedAddr()
		transport.DialContext = func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, pinned)
		}
	} else {
		transport.DialContext = d.resolvingDial(dialer)
	}

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return client, transport
}

// resolvingDial re-resolves the hostname at connect time. Every candidate
// address still passes through the dialer's Control guard.
func (d *Dispatcher) resolvingDial(dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	resolver := d.validator.Resolver()
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		if _, err := netip.ParseAddr(host); err == nil {
			return dialer.DialContext(ctx, network, addr)
		}
		ips, err := resolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", host, err)
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("resolve %s: no addresses", host)
		}
		var errs []error
		for _, ip := range ips {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.Unmap().String(), port))
			if err == nil {
				return conn, nil
			}
			errs = append(errs, err)
		}
		return nil, errors.Join(errs...)
	}
}

func classifyReason(err error, status int) string {
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return "timeout"
		}
		errLower := strings.ToLower(err.Error())
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "connect guard") {
			return "connect_guard"
		}
		if strings.Contains(errLower, "tls") || strings.Contains(errLower, "x509") || strings.Contains(errLower, "certificate") {
			return "tls_error"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	switch {
	case status >= 500:
		return "http_5xx"
	case status == http.StatusTooManyRequests:
		return "http_429"
	case status >= 400:
		return "http_4xx"
	case status >= 300:
		return "http_3xx"
	}
	return "other"
}
