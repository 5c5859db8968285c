// Package signing computes and verifies the HMAC-SHA256 signatures carried
// by outbound and inbound webhooks.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Prefix is prepended to the hex digest in the signature header.
const Prefix = "sha256="

// Sign returns the hex-encoded HMAC-SHA256 of body keyed by secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// FormatHeader renders a hex digest as a signature header value.
func FormatHeader(hexDigest string) string {
	return Prefix + hexDigest
}

// SignHeader is FormatHeader(Sign(body, secret)).
func SignHeader(body []byte, secret string) string {
	return FormatHeader(Sign(body, secret))
}

// Verify reports whether presented is a valid signature of body under secret.
// presented may be a bare hex digest or carry the "sha256=" prefix. Any
// decoding problem, including a wrong length, yields false.
func Verify(body []byte, secret, presented string) bool {
	return verify(body, secret, strings.TrimPrefix(strings.TrimSpace(presented), Prefix))
}

// VerifyHeader is Verify for header values that must carry the "sha256=" prefix.
func VerifyHeader(body []byte, secret, header string) bool {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, Prefix) {
		return false
	}
	return verify(body, secret, header[len(Prefix):])
}

func verify(body []byte, secret, hexDigest string) bool {
	if secret == "" || hexDigest == "" {
		return false
	}
	got, err := hex.DecodeString(hexDigest)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
