package integration

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testKeyID       = "shelter-es256-1"
	testIssuer      = "https://auth.shelter.test"
	testAudience    = "adoption-api-test"
	signingAlg      = "ES256"
	coordinateBytes = 32
)

// TestClaims describes the caller a test token is minted for.
type TestClaims struct {
	SubjectID string
	Email     string
	Roles     []string
}

// shelterClaims is the token body the identity provider issues.
type shelterClaims struct {
	jwt.RegisteredClaims
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// tokenIssuer plays the identity provider: it signs ES256 tokens and
// publishes the matching public key as a JWKS document.
type tokenIssuer struct {
	t    *testing.T
	key  *ecdsa.PrivateKey
	jwks *httptest.Server
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	doc, err := json.Marshal(map[string]any{"keys": []map[string]string{publicJWK(testKeyID, &key.PublicKey)}})
	if err != nil {
		t.Fatalf("encode jwks: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/jwk-set+json")
		w.Write(doc)
	}))
	t.Cleanup(srv.Close)

	return &tokenIssuer{t: t, key: key, jwks: srv}
}

func publicJWK(kid string, pub *ecdsa.PublicKey) map[string]string {
	coord := func(b []byte) string {
		padded := make([]byte, coordinateBytes)
		copy(padded[coordinateBytes-len(b):], b)
		return base64.RawURLEncoding.EncodeToString(padded)
	}
	return map[string]string{
		"kid": kid,
		"kty": "EC",
		"crv": "P-256",
		"alg": signingAlg,
		"use": "sig",
		"x":   coord(pub.X.Bytes()),
		"y":   coord(pub.Y.Bytes()),
	}
}

// GenerateToken mints a token valid for the next hour.
func (ti *tokenIssuer) GenerateToken(c TestClaims) string {
	now := time.Now()
	return ti.sign(ti.claims(c, testAudience, now, now.Add(time.Hour)))
}

// GenerateExpiredToken mints a token whose lifetime ended an hour ago, well
// outside the verifier's clock skew.
func (ti *tokenIssuer) GenerateExpiredToken(c TestClaims) string {
	now := time.Now()
	return ti.sign(ti.claims(c, testAudience, now.Add(-2*time.Hour), now.Add(-time.Hour)))
}

// GenerateTokenFor mints an otherwise valid token for another audience.
func (ti *tokenIssuer) GenerateTokenFor(audience string, c TestClaims) string {
	now := time.Now()
	return ti.sign(ti.claims(c, audience, now, now.Add(time.Hour)))
}

func (ti *tokenIssuer) claims(c TestClaims, audience string, issuedAt, expiresAt time.Time) shelterClaims {
	return shelterClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   c.SubjectID,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Email: c.Email,
		Roles: c.Roles,
	}
}

func (ti *tokenIssuer) sign(claims jwt.Claims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(ti.key)
	if err != nil {
		ti.t.Fatalf("sign token: %v", err)
	}
	return signed
}

// JWKSURL is where the verifier fetches signing keys.
func (ti *tokenIssuer) JWKSURL() string { return ti.jwks.URL }

// Issuer is the iss value on every minted token.
func (ti *tokenIssuer) Issuer() string { return testIssuer }

// Audience is the aud value the server is configured to accept.
func (ti *tokenIssuer) Audience() string { return testAudience }
