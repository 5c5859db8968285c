package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const DefaultTokenTTL = time.Hour

// Issuer mints tenant tokens for local development and tests. Production
// tokens come from the identity provider whose key JWT_PUBLIC_KEY_PEM holds.
type Issuer struct {
	privateKey *rsa.PrivateKey
	issuer     string
	audience   string
	keyID      string
}

// NewIssuer parses a PEM encoded RSA private key (PKCS1 or PKCS8).
func NewIssuer(privateKeyPEM, issuer, audience string) (*Issuer, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, errors.New("failed to decode PEM private key")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		parsed, err8 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err8 != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		var ok bool
		if key, ok = parsed.(*rsa.PrivateKey); !ok {
			return nil, errors.New("private key is not RSA")
		}
	}
	return &Issuer{privateKey: key, issuer: issuer, audience: audience, keyID: issuer + "-key-1"}, nil
}

// Mint signs an RS256 token for tenantID valid for ttl (DefaultTokenTTL when
// zero).
func (i *Issuer) Mint(tenantID string, ttl time.Duration) (string, error) {
	if tenantID == "" {
		return "", errors.New("tenant_id is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			Subject:   tenantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	token.Header["kid"] = i.keyID
	return token.SignedString(i.privateKey)
}

// PublicKeyPEM returns the PKIX encoded public half, suitable for
// JWT_PUBLIC_KEY_PEM.
func (i *Issuer) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&i.privateKey.PublicKey)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// GenerateKeyPair returns a fresh 2048-bit RSA key as PKCS1 private and PKIX
// public PEM blocks.
func GenerateKeyPair() (privatePEM, publicPEM string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate RSA key: %w", err)
	}
	privatePEM = string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", err
	}
	publicPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	return privatePEM, publicPEM, nil
}
