// Command fake-receiver is a webhook destination for local testing. It
// verifies signatures, can fail or stall on demand, and logs what it got.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/austindbirch/harborguard/internal/config"
	"github.com/austindbirch/harborguard/internal/logging"
	"github.com/austindbirch/harborguard/internal/signing"
)

type receiver struct {
	secret     string
	prefix     string
	failFirstN int64
	delay      time.Duration
	reqCount   atomic.Int64
	logger     *logging.Logger
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("fake-receiver")
	defer logger.Sync()

	rcv := &receiver{
		secret: os.Getenv("ENDPOINT_SECRET"),
		prefix: cfg.Delivery.HeaderPrefix,
		logger: logger,
	}
	// Parse fail first settings
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			rcv.failFirstN = n
		}
	}
	if v := os.Getenv("RESPONSE_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			rcv.delay = time.Duration(n) * time.Millisecond
		}
	}

	addr := os.Getenv("RECEIVER_ADDR")
	if addr == "" {
		addr = ":8081"
	}
	srv := &http.Server{Addr: addr, Handler: rcv.routes(), ReadHeaderTimeout: 5 * time.Second}
	logger.Plain().WithField("addr", addr).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil {
		logger.Plain().WithError(err).Fatal("fake-receiver stopped")
	}
}

func (rc *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", rc.handleHook)
	return mux
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	n := rc.reqCount.Add(1)
	b, _ := io.ReadAll(io.LimitReader(r.Body, signing.DefaultMaxBody))
	defer r.Body.Close()

	log := rc.logger.Plain().
		WithEvent(r.Header.Get(rc.prefix+"-Event")).
		WithDelivery(r.Header.Get(rc.prefix+"-Delivery")).
		WithField("trace_id", r.Header.Get("X-Trace-Id"))

	if rc.secret != "" && !signing.VerifyHeader(b, rc.secret, r.Header.Get(rc.prefix+"-Signature-256")) {
		log.Warn("fake-receiver failed to verify signature")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if rc.delay > 0 {
		select {
		case <-time.After(rc.delay):
		case <-r.Context().Done():
			return
		}
	}

	// Simulate flakiness: first N request -> 500
	if n <= rc.failFirstN {
		log.WithField("body", truncate(string(b), 160)).Warnf("FAILING (%d/%d)", n, rc.failFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.WithField("body", truncate(string(b), 160)).Info("fake-receiver OK")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
