package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testIssuer   = "https://id.visualflow.test"
	testAudience = "visualflow-api"
)

type jwksFixture struct {
	privateKey *rsa.PrivateKey
	server     *httptest.Server
	requests   int
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	fixture := &jwksFixture{privateKey: privateKey}

	publicKey := privateKey.PublicKey
	jwksResponse := map[string]any{
		"keys": []any{map[string]string{
			"kty": "RSA",
			"alg": "RS256",
			"kid": "test-key",
			"use": "sig",
			"n":   encodeBigInt(publicKey.N),
			"e":   encodeBigInt(publicKey.E),
		}},
	}

	fixture.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fixture.requests++
		_ = json.NewEncoder(w).Encode(jwksResponse)
	}))
	t.Cleanup(fixture.server.Close)

	return fixture
}

func (f *jwksFixture) signToken(t *testing.T, claims jwt.MapClaims, method jwt.SigningMethod, key interface{}) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = "test-key"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func defaultClaims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"aud":   testAudience,
		"iss":   testIssuer,
		"sub":   "user-123",
		"email": "dana@example.com",
		"name":  "Dana",
		"exp":   now.Add(5 * time.Minute).Unix(),
		"iat":   now.Unix(),
	}
}

func newTestVerifier(t *testing.T, fixture *jwksFixture, clock func() time.Time) *Verifier {
	t.Helper()
	verifier, err := NewVerifier(VerifierConfig{
		Issuer:     testIssuer,
		Audience:   testAudience,
		JWKSURL:    fixture.server.URL,
		HTTPClient: fixture.server.Client(),
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return verifier
}

func TestVerifierValidatesTokenUsingJWKS(t *testing.T) {
	fixture := newJWKSFixture(t)
	now := time.Now().UTC()

	signed := fixture.signToken(t, defaultClaims(now), jwt.SigningMethodRS256, fixture.privateKey)
	verifier := newTestVerifier(t, fixture, func() time.Time { return now })

	verified, err := verifier.Verify(context.Background(), signed)
	if err != nil {
		t.Fatalf("expected verification to succeed: %v", err)
	}

	if verified.Subject != "user-123" {
		t.Fatalf("unexpected subject %s", verified.Subject)
	}
	if verified.Email != "dana@example.com" {
		t.Fatalf("unexpected email %s", verified.Email)
	}
	if verified.DisplayName != "Dana" {
		t.Fatalf("unexpected display name %s", verified.DisplayName)
	}
}

func TestVerifierRejectsExpiredToken(t *testing.T) {
	fixture := newJWKSFixture(t)
	now := time.Now().UTC()

	claims := defaultClaims(now)
	claims["exp"] = now.Add(-time.Minute).Unix()
	claims["iat"] = now.Add(-time.Hour).Unix()
	signed := fixture.signToken(t, claims, jwt.SigningMethodRS256, fixture.privateKey)

	verifier := newTestVerifier(t, fixture, func() time.Time { return now })

	_, err := verifier.Verify(context.Background(), signed)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestVerifierRejectsWrongAudience(t *testing.T) {
	fixture := newJWKSFixture(t)
	now := time.Now().UTC()

	claims := defaultClaims(now)
	claims["aud"] = "some-other-service"
	signed := fixture.signToken(t, claims, jwt.SigningMethodRS256, fixture.privateKey)

	verifier := newTestVerifier(t, fixture, func() time.Time { return now })

	_, err := verifier.Verify(context.Background(), signed)
	if !errors.Is(err, ErrWrongAudience) {
		t.Fatalf("expected audience error, got %v", err)
	}
}

func TestVerifierRejectsUntrustedIssuer(t *testing.T) {
	fixture := newJWKSFixture(t)
	now := time.Now().UTC()

	claims := defaultClaims(now)
	claims["iss"] = "https://attacker.example.com"
	signed := fixture.signToken(t, claims, jwt.SigningMethodRS256, fixture.privateKey)

	verifier := newTestVerifier(t, fixture, func() time.Time { return now })

	_, err := verifier.Verify(context.Background(), signed)
	if !errors.Is(err, ErrUntrustedIssuer) {
		t.Fatalf("expected issuer error, got %v", err)
	}
}

func TestVerifierRejectsNonRS256Algorithm(t *testing.T) {
	fixture := newJWKSFixture(t)
	now := time.Now().UTC()

	signed := fixture.signToken(t, defaultClaims(now), jwt.SigningMethodHS256, []byte("shared-secret"))
	verifier := newTestVerifier(t, fixture, func() time.Time { return now })

	_, err := verifier.Verify(context.Background(), signed)
	if err == nil {
		t.Fatal("expected HS256 token to be rejected")
	}
}

func TestVerifierRejectsTamperedSignature(t *testing.T) {
	fixture := newJWKSFixture(t)
	now := time.Now().UTC()

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	signed := fixture.signToken(t, defaultClaims(now), jwt.SigningMethodRS256, otherKey)

	verifier := newTestVerifier(t, fixture, func() time.Time { return now })

	_, err = verifier.Verify(context.Background(), signed)
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected signature error, got %v", err)
	}
}

func TestVerifierRejectsMissingEmailClaim(t *testing.T) {
	fixture := newJWKSFixture(t)
	now := time.Now().UTC()

	claims := defaultClaims(now)
	delete(claims, "email")
	signed := fixture.signToken(t, claims, jwt.SigningMethodRS256, fixture.privateKey)

	verifier := newTestVerifier(t, fixture, func() time.Time { return now })

	_, err := verifier.Verify(context.Background(), signed)
	if !errors.Is(err, ErrMissingEmail) {
		t.Fatalf("expected missing email error, got %v", err)
	}
}

func TestVerifierRejectsEmptyToken(t *testing.T) {
	fixture := newJWKSFixture(t)
	verifier := newTestVerifier(t, fixture, time.Now)

	_, err := verifier.Verify(context.Background(), "   ")
	if !errors.Is(err, ErrTokenMissing) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestVerifierCachesSigningKeys(t *testing.T) {
	fixture := newJWKSFixture(t)
	now := time.Now().UTC()

	signed := fixture.signToken(t, defaultClaims(now), jwt.SigningMethodRS256, fixture.privateKey)
	verifier := newTestVerifier(t, fixture, func() time.Time { return now })

	for i := 0; i < 3; i++ {
		if _, err := verifier.Verify(context.Background(), signed); err != nil {
			t.Fatalf("verification %d failed: %v", i, err)
		}
	}

	if fixture.requests != 1 {
		t.Fatalf("expected a single JWKS fetch within the cache window, got %d", fixture.requests)
	}
}

func TestVerifierRefetchesAfterCacheExpiry(t *testing.T) {
	fixture := newJWKSFixture(t)
	now := time.Now().UTC()
	current := now

	verifier, err := NewVerifier(VerifierConfig{
		Issuer:     testIssuer,
		Audience:   testAudience,
		JWKSURL:    fixture.server.URL,
		HTTPClient: fixture.server.Client(),
		CacheTTL:   time.Minute,
		Clock:      func() time.Time { return current },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	signed := fixture.signToken(t, defaultClaims(now), jwt.SigningMethodRS256, fixture.privateKey)
	if _, err := verifier.Verify(context.Background(), signed); err != nil {
		t.Fatalf("initial verification failed: %v", err)
	}

	current = now.Add(2 * time.Minute)
	refreshed := fixture.signToken(t, defaultClaims(current), jwt.SigningMethodRS256, fixture.privateKey)
	if _, err := verifier.Verify(context.Background(), refreshed); err != nil {
		t.Fatalf("post-expiry verification failed: %v", err)
	}

	if fixture.requests != 2 {
		t.Fatalf("expected a second JWKS fetch after cache expiry, got %d", fixture.requests)
	}
}

func TestNewVerifierValidatesConfig(t *testing.T) {
	cases := []struct {
		name    string
		cfg     VerifierConfig
		missing error
	}{
		{
			name:    "missing issuer",
			cfg:     VerifierConfig{Audience: testAudience, JWKSURL: "https://example.com/jwks"},
			missing: errMissingIssuerConfig,
		},
		{
			name:    "missing audience",
			cfg:     VerifierConfig{Issuer: testIssuer, JWKSURL: "https://example.com/jwks"},
			missing: errMissingAudienceConfig,
		},
		{
			name:    "missing jwks url",
			cfg:     VerifierConfig{Issuer: testIssuer, Audience: testAudience, JWKSURL: "  "},
			missing: errMissingJWKSURL,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewVerifier(tc.cfg)
			if !errors.Is(err, ErrInvalidVerifierConfig) {
				t.Fatalf("expected invalid verifier config error, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.missing.Error()) {
				t.Fatalf("expected %v to be reported, got %v", tc.missing, err)
			}
		})
	}
}

func encodeBigInt(value interface{}) string {
	switch v := value.(type) {
	case *big.Int:
		return base64.RawURLEncoding.EncodeToString(v.Bytes())
	case int:
		return base64.RawURLEncoding.EncodeToString(big.NewInt(int64(v)).Bytes())
	default:
		return ""
	}
}
