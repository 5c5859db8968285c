package signing

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMiddleware(t *testing.T) {
	const header = "X-Harborguard-Signature-256"
	body := `{"event":"partner.updated"}`

	tests := []struct {
		name       string
		secret     string
		signature  string
		body       string
		maxBody    int64
		wantStatus int
	}{
		{name: "valid signature", secret: "inbound", signature: SignHeader([]byte(body), "inbound"), body: body, wantStatus: http.StatusOK},
		{name: "bare digest", secret: "inbound", signature: Sign([]byte(body), "inbound"), body: body, wantStatus: http.StatusOK},
		{name: "wrong secret", secret: "inbound", signature: SignHeader([]byte(body), "other"), body: body, wantStatus: http.StatusUnauthorized},
		{name: "missing header", secret: "inbound", body: body, wantStatus: http.StatusUnauthorized},
		{name: "no secret configured", secret: "", signature: SignHeader([]byte(body), ""), body: body, wantStatus: http.StatusUnauthorized},
		{name: "body too large", secret: "inbound", signature: SignHeader([]byte(body), "inbound"), body: body, maxBody: 4, wantStatus: http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				b, _ := io.ReadAll(r.Body)
				seen = string(b)
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodPost, "/v1/inbound/partner", strings.NewReader(tt.body))
			if tt.signature != "" {
				req.Header.Set(header, tt.signature)
			}
			rr := httptest.NewRecorder()

			Middleware(tt.secret, header, tt.maxBody)(next).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && seen != tt.body {
				t.Errorf("next handler saw body %q, want %q", seen, tt.body)
			}
		})
	}
}
