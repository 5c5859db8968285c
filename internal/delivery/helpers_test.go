package delivery

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/austindbirch/harborguard/internal/guard"
	"github.com/austindbirch/harborguard/internal/logging"
)

// hostsResolver maps hostnames to a single address.
type hostsResolver map[string]string

func (h hostsResolver) LookupNetIP(_ context.Context, network, host string) ([]netip.Addr, error) {
	ip, ok := h[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return answer(network, netip.MustParseAddr(ip)), nil
}

func answer(network string, a netip.Addr) []netip.Addr {
	if (network == "ip4" && !a.Is4()) || (network == "ip6" && !a.Is6()) {
		return nil
	}
	return []netip.Addr{a}
}

// rebindingResolver answers validation lookups (ip4/ip6) with one address
// and connect-time lookups (ip) with another.
type rebindingResolver struct {
	validate string
	connect  string
}

func (r rebindingResolver) LookupNetIP(_ context.Context, network, _ string) ([]netip.Addr, error) {
	if network == "ip" {
		return []netip.Addr{netip.MustParseAddr(r.connect)}, nil
	}
	return answer(network, netip.MustParseAddr(r.validate)), nil
}

// recordSink is an in-memory RecordStore.
type recordSink struct {
	mu       sync.Mutex
	recs     []Record
	at       []time.Time
	err      error
	panicMsg string
}

func (s *recordSink) InsertDeliveryRecord(_ context.Context, rec Record) error {
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	s.at = append(s.at, time.Now())
	return s.err
}

func (s *recordSink) records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.recs...)
}

func (s *recordSink) recordedAt(destinationID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.recs {
		if r.DestinationID == destinationID {
			return s.at[i], true
		}
	}
	return time.Time{}, false
}

// staticRegistry returns every destination of the tenant, unfiltered.
type staticRegistry struct {
	mu    sync.Mutex
	dests []Destination
	err   error
}

func (r *staticRegistry) FindEnabledDestinations(_ context.Context, tenantID, _ string) ([]Destination, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var out []Destination
	for _, d := range r.dests {
		if d.TenantID == tenantID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *staticRegistry) setEnabled(id string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.dests {
		if r.dests[i].ID == id {
			r.dests[i].Enabled = enabled
		}
	}
}

type testEnv struct {
	resolver hostsResolver
	dns      guard.Resolver // overrides resolver when set
	sink     *recordSink
	timeout  time.Duration
	tls      *tls.Config
	pinHTTPS bool
}

func newTestEnv() *testEnv {
	return &testEnv{
		resolver: hostsResolver{},
		sink:     &recordSink{},
		timeout:  2 * time.Second,
		pinHTTPS: true,
	}
}

func quietLogger() *logging.Logger {
	return logging.NewWithZap("test", zap.NewNop())
}

func (e *testEnv) dispatcher() *Dispatcher {
	var dns guard.Resolver = e.resolver
	if e.dns != nil {
		dns = e.dns
	}
	v := guard.New(guard.Config{
		Resolver: dns,
		Allow: []netip.Prefix{
			netip.MustParsePrefix("127.0.0.0/8"),
			netip.MustParsePrefix("::1/128"),
		},
	})
	return NewDispatcher(DispatcherConfig{
		Validator:    v,
		Recorder:     NewRecorder(e.sink, quietLogger()),
		Logger:       quietLogger(),
		Timeout:      e.timeout,
		HeaderPrefix: "X-Harborguard",
		PinHTTPS:     e.pinHTTPS,
		TLSConfig:    e.tls,
	})
}

func (e *testEnv) orchestrator(reg Registry) *Orchestrator {
	return NewOrchestrator(reg, e.dispatcher(), quietLogger())
}

// hostURL rewrites srv's URL so that it names host, and maps host to the
// server's loopback address.
func (e *testEnv) hostURL(t *testing.T, srv *httptest.Server, host, path string) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	e.resolver[host] = u.Hostname()
	u.Host = net.JoinHostPort(host, u.Port())
	u.Path = path
	return u.String()
}

func hangingServer(t *testing.T) *httptest.Server {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	return srv
}

func statusServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte("response body"))
	}))
	t.Cleanup(srv.Close)
	return srv
}
