package signing

import (
	"bytes"
	"io"
	"net/http"

	"github.com/austindbirch/harborguard/internal/logging"
)

// DefaultMaxBody bounds the body read while verifying an inbound webhook.
const DefaultMaxBody int64 = 1 << 20

// Middleware rejects requests whose header does not carry a valid signature
// of the raw body under secret. The body is restored for the next handler.
// An empty secret rejects everything.
func Middleware(secret, header string, maxBody int64) func(http.Handler) http.Handler {
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := logging.WithContext(r.Context())

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
			_ = r.Body.Close()
			if err != nil {
				logger.WithError(err).Warn("inbound webhook body rejected")
				http.Error(w, "request body too large or unreadable", http.StatusRequestEntityTooLarge)
				return
			}

			if !Verify(body, secret, r.Header.Get(header)) {
				logger.WithField("path", r.URL.Path).Warn("inbound webhook signature verification failed")
				http.Error(w, "invalid signature", http.StatusUnauthorized)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
			next.ServeHTTP(w, r)
		})
	}
}
