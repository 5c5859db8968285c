package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/austindbirch/harborguard/internal/auth"
	"github.com/austindbirch/harborguard/internal/delivery"
	"github.com/austindbirch/harborguard/internal/logging"
	"github.com/austindbirch/harborguard/internal/signing"
	"github.com/austindbirch/harborguard/internal/store"
)

const (
	testIssuer   = "harborguard-test"
	testAudience = "harborguard"
	inboundKey   = "inbound-secret"
)

var testKey = sync.OnceValue(func() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
})

type fireCall struct {
	ctx      context.Context
	tenantID string
	event    string
	data     map[string]any
}

type fakeFanout struct {
	mu       sync.Mutex
	calls    []fireCall
	outcomes []delivery.Outcome
}

func (f *fakeFanout) Fire(ctx context.Context, tenantID, event string, data map[string]any) []delivery.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fireCall{ctx: ctx, tenantID: tenantID, event: event, data: data})
	return f.outcomes
}

func (f *fakeFanout) fired() []fireCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fireCall(nil), f.calls...)
}

type fakePublisher struct {
	err   error
	calls int
}

func (p *fakePublisher) Publish(context.Context, string, string, map[string]any) error {
	p.calls++
	return p.err
}

type testServer struct {
	srv    *Server
	store  *store.Memory
	fanout *fakeFanout
	h      http.Handler
}

func newTestServer(t *testing.T, pub Publisher) *testServer {
	t.Helper()
	st := store.NewMemory()
	fan := &fakeFanout{}
	srv := New(Config{InboundSecret: inboundKey}, Deps{
		Store:     st,
		Fanout:    fan,
		Publisher: pub,
		Auth:      auth.NewJWTValidatorFromKey(&testKey().PublicKey, testIssuer, testAudience),
		Gatherer:  prometheus.NewRegistry(),
		Logger:    logging.NewWithZap("test", zap.NewNop()),
	})
	return &testServer{srv: srv, store: st, fanout: fan, h: srv.Routes()}
}

func token(t *testing.T, tenantID string) string {
	t.Helper()
	now := time.Now()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, auth.Claims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}).SignedString(testKey())
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func (ts *testServer) do(t *testing.T, tenantID, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if tenantID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, tenantID))
	}
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func (ts *testServer) createDestination(t *testing.T, tenantID, url string, events ...string) delivery.Destination {
	t.Helper()
	d, err := ts.store.CreateDestination(context.Background(), store.NewDestination{TenantID: tenantID, URL: url, Events: events})
	if err != nil {
		t.Fatalf("CreateDestination() error = %v", err)
	}
	return d
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, path := range []string{"/healthz", "/metrics"} {
		rec := ts.do(t, "", http.MethodGet, path, "")
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, rec.Code)
		}
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t, nil)

	routes := []struct{ method, path string }{
		{http.MethodPost, "/v1/destinations"},
		{http.MethodGet, "/v1/destinations"},
		{http.MethodPost, "/v1/destinations/x/disable"},
		{http.MethodPost, "/v1/destinations/x/enable"},
		{http.MethodGet, "/v1/destinations/x/deliveries"},
		{http.MethodPost, "/v1/events"},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			rec := ts.do(t, "", rt.method, rt.path, "{}")
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}

	t.Run("auth not configured", func(t *testing.T) {
		srv := New(Config{}, Deps{Store: store.NewMemory(), Fanout: &fakeFanout{}})
		req := httptest.NewRequest(http.MethodGet, "/v1/destinations", nil)
		rec := httptest.NewRecorder()
		srv.Routes().ServeHTTP(rec, req)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
	})
}

func TestCreateDestination(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, "tenant-a", http.MethodPost, "/v1/destinations",
		`{"url":"https://hooks.example.com/in","events":["card.moved","card.created"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var created map[string]any
	decodeBody(t, rec, &created)
	if s, _ := created["secret"].(string); s == "" {
		t.Error("create response should include the generated secret")
	}
	if created["tenantId"] != "tenant-a" {
		t.Errorf("tenantId = %v, want tenant-a", created["tenantId"])
	}
	if created["enabled"] != true {
		t.Errorf("enabled = %v, want true", created["enabled"])
	}

	rec = ts.do(t, "tenant-a", http.MethodGet, "/v1/destinations", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Errorf("list response leaks the secret: %s", rec.Body.String())
	}
	var list struct {
		Destinations []delivery.Destination `json:"destinations"`
	}
	decodeBody(t, rec, &list)
	if len(list.Destinations) != 1 || list.Destinations[0].ID != created["id"] {
		t.Errorf("destinations = %+v, want the created destination", list.Destinations)
	}

	rec = ts.do(t, "tenant-b", http.MethodGet, "/v1/destinations", "")
	decodeBody(t, rec, &list)
	if len(list.Destinations) != 0 {
		t.Errorf("other tenant sees %d destinations, want 0", len(list.Destinations))
	}
}

func TestCreateDestination_BadRequests(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: `{"url":`},
		{name: "missing url", body: `{"events":["a"]}`},
		{name: "unsupported scheme", body: `{"url":"ftp://files.example.com/x","events":["a"]}`},
		{name: "short secret", body: `{"url":"https://hooks.example.com/in","events":["a"],"secret":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, "tenant-a", http.MethodPost, "/v1/destinations", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestSetEnabled(t *testing.T) {
	ts := newTestServer(t, nil)
	d := ts.createDestination(t, "tenant-a", "https://hooks.example.com/in", "card.moved")

	rec := ts.do(t, "tenant-a", http.MethodPost, "/v1/destinations/"+d.ID+"/disable", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("disable status = %d, want 200", rec.Code)
	}
	var got delivery.Destination
	decodeBody(t, rec, &got)
	if got.Enabled {
		t.Error("destination still enabled after disable")
	}

	rec = ts.do(t, "tenant-a", http.MethodPost, "/v1/destinations/"+d.ID+"/enable", "")
	decodeBody(t, rec, &got)
	if rec.Code != http.StatusOK || !got.Enabled {
		t.Errorf("enable: status = %d enabled = %v", rec.Code, got.Enabled)
	}

	for _, tc := range []struct{ tenant, id string }{
		{"tenant-b", d.ID},
		{"tenant-a", "00000000-0000-0000-0000-000000000000"},
	} {
		rec = ts.do(t, tc.tenant, http.MethodPost, "/v1/destinations/"+tc.id+"/disable", "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("disable(%s, %s) status = %d, want 404", tc.tenant, tc.id, rec.Code)
		}
	}
}

func TestListDeliveries(t *testing.T) {
	ts := newTestServer(t, nil)
	d := ts.createDestination(t, "tenant-a", "https://hooks.example.com/in", "card.moved")

	for i := 0; i < 3; i++ {
		status := 200
		err := ts.store.InsertDeliveryRecord(context.Background(), delivery.Record{
			ID:            "rec-" + string(rune('a'+i)),
			DestinationID: d.ID,
			TenantID:      "tenant-a",
			Event:         "card.moved",
			Payload:       json.RawMessage(`{"event":"card.moved"}`),
			HTTPStatus:    &status,
			Succeeded:     true,
			CreatedAt:     time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("InsertDeliveryRecord() error = %v", err)
		}
	}

	rec := ts.do(t, "tenant-a", http.MethodGet, "/v1/destinations/"+d.ID+"/deliveries?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Deliveries []delivery.Record `json:"deliveries"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Deliveries) != 2 {
		t.Fatalf("got %d deliveries, want 2", len(resp.Deliveries))
	}
	if resp.Deliveries[0].ID != "rec-c" {
		t.Errorf("first delivery = %s, want newest rec-c", resp.Deliveries[0].ID)
	}

	tests := []struct {
		name   string
		tenant string
		path   string
		want   int
	}{
		{name: "bad limit", tenant: "tenant-a", path: "/v1/destinations/" + d.ID + "/deliveries?limit=abc", want: http.StatusBadRequest},
		{name: "negative limit", tenant: "tenant-a", path: "/v1/destinations/" + d.ID + "/deliveries?limit=-1", want: http.StatusBadRequest},
		{name: "other tenant", tenant: "tenant-b", path: "/v1/destinations/" + d.ID + "/deliveries", want: http.StatusNotFound},
		{name: "unknown destination", tenant: "tenant-a", path: "/v1/destinations/nope/deliveries", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.tenant, http.MethodGet, tt.path, "")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestFireEvent_Wait(t *testing.T) {
	ts := newTestServer(t, nil)
	status := 200
	ts.fanout.outcomes = []delivery.Outcome{
		{Kind: delivery.KindDelivered, Record: delivery.Record{ID: "d1", DestinationID: "dest-1", HTTPStatus: &status, Succeeded: true}},
		{Kind: delivery.KindBlocked, Record: delivery.Record{ID: "d2", DestinationID: "dest-2", Error: "blocked_hostname"}},
	}

	rec := ts.do(t, "tenant-a", http.MethodPost, "/v1/events?wait=true", `{"event":"card.moved","data":{"cardId":"c1"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp fireEventResponse
	decodeBody(t, rec, &resp)
	if resp.Status != "completed" || len(resp.Outcomes) != 2 {
		t.Fatalf("response = %+v, want 2 completed outcomes", resp)
	}
	if resp.Outcomes[1].Kind != delivery.KindBlocked || resp.Outcomes[1].Succeeded {
		t.Errorf("outcome[1] = %+v, want blocked", resp.Outcomes[1])
	}

	calls := ts.fanout.fired()
	if len(calls) != 1 {
		t.Fatalf("Fire called %d times, want 1", len(calls))
	}
	if calls[0].tenantID != "tenant-a" || calls[0].event != "card.moved" || calls[0].data["cardId"] != "c1" {
		t.Errorf("Fire call = %+v", calls[0])
	}
}

func TestFireEvent_KeepsLargeIntegers(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, "tenant-a", http.MethodPost, "/v1/events?wait=true", `{"event":"card.moved","data":{"seq":9007199254740993}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	calls := ts.fanout.fired()
	if len(calls) != 1 {
		t.Fatalf("Fire called %d times, want 1", len(calls))
	}
	out, err := json.Marshal(calls[0].data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want := `{"seq":9007199254740993}`; string(out) != want {
		t.Errorf("data = %s, want %s", out, want)
	}
}

func TestFireEvent_Queued(t *testing.T) {
	pub := &fakePublisher{}
	ts := newTestServer(t, pub)

	rec := ts.do(t, "tenant-a", http.MethodPost, "/v1/events", `{"event":"card.moved"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	var resp fireEventResponse
	decodeBody(t, rec, &resp)
	if resp.Status != "queued" {
		t.Errorf("status = %q, want queued", resp.Status)
	}
	ts.srv.Wait()
	if pub.calls != 1 {
		t.Errorf("Publish called %d times, want 1", pub.calls)
	}
	if n := len(ts.fanout.fired()); n != 0 {
		t.Errorf("Fire called %d times, want 0 when queued", n)
	}
}

func TestFireEvent_Detached(t *testing.T) {
	tests := []struct {
		name string
		pub  Publisher
	}{
		{name: "no publisher"},
		{name: "publish failure falls back", pub: &fakePublisher{err: errors.New("nsqd unavailable")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.pub)

			rec := ts.do(t, "tenant-a", http.MethodPost, "/v1/events", `{"event":"card.moved"}`)
			if rec.Code != http.StatusAccepted {
				t.Fatalf("status = %d, want 202", rec.Code)
			}
			var resp fireEventResponse
			decodeBody(t, rec, &resp)
			if resp.Status != "accepted" {
				t.Errorf("status = %q, want accepted", resp.Status)
			}

			ts.srv.Wait()
			calls := ts.fanout.fired()
			if len(calls) != 1 {
				t.Fatalf("Fire called %d times, want 1", len(calls))
			}
			if err := calls[0].ctx.Err(); err != nil {
				t.Errorf("detached fan-out context = %v, want live", err)
			}
		})
	}
}

func TestFireEvent_BadRequests(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, body := range []string{`{"data":{}}`, `{"event":"   "}`, `not json`} {
		rec := ts.do(t, "tenant-a", http.MethodPost, "/v1/events", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
	if n := len(ts.fanout.fired()); n != 0 {
		t.Errorf("Fire called %d times, want 0", n)
	}
}

func TestInbound(t *testing.T) {
	ts := newTestServer(t, nil)
	body := []byte(`{"type":"ping"}`)

	tests := []struct {
		name      string
		signature string
		want      int
	}{
		{name: "signed", signature: signing.SignHeader(body, inboundKey), want: http.StatusAccepted},
		{name: "wrong secret", signature: signing.SignHeader(body, "other"), want: http.StatusUnauthorized},
		{name: "unsigned", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/inbound/partner", bytes.NewReader(body))
			if tt.signature != "" {
				req.Header.Set(delivery.DefaultHeaderPrefix+"-Signature-256", tt.signature)
			}
			rec := httptest.NewRecorder()
			ts.h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
