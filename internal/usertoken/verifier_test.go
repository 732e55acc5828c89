package usertoken

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
	"sync/atomic"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"balungpisah/pkg/domain"
)

func TestNewVerifierRequiresJWKSURL(t *testing.T) {
	if _, err := NewVerifier(context.Background(), Config{}); err == nil {
		t.Fatalf("expected missing jwks url to fail")
	}
}

func TestVerifyReturnsIdentityAndRefreshesOnRotation(t *testing.T) {
	key1, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key1: %v", err)
	}
	key2, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key2: %v", err)
	}
	var active atomic.Value
	active.Store("kid-1")
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		kid := active.Load().(string)
		pub := key1.PublicKey
		if kid == "kid-2" {
			pub = key2.PublicKey
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{toJWK(kid, pub)}})
	}))
	defer jwks.Close()

	v, err := NewVerifier(context.Background(), Config{JWKSURL: jwks.URL, Issuer: "issuer-a", Audience: "aud-a"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	user, err := v.Verify(context.Background(), sign(t, key1, "kid-1", "citizen-1", "org-jkt", "citizen", time.Now()))
	if err != nil {
		t.Fatalf("verify token1: %v", err)
	}
	if user != (domain.AuthenticatedUser{UserID: "citizen-1", OrgID: "org-jkt", Role: domain.RoleCitizen}) {
		t.Fatalf("unexpected identity %+v", user)
	}

	// Rotation: the verifier must refresh on an unknown kid. The minimum refresh
	// interval is bypassed by expiring the cached keys.
	active.Store("kid-2")
	v.mu.Lock()
	v.keysExpire = time.Now().Add(-time.Second)
	v.mu.Unlock()
	user, err = v.Verify(context.Background(), sign(t, key2, "kid-2", "citizen-2", "", "", time.Now()))
	if err != nil {
		t.Fatalf("verify token2: %v", err)
	}
	if user.UserID != "citizen-2" || user.Role != domain.RoleCitizen {
		t.Fatalf("unexpected identity after rotation %+v", user)
	}
}

func TestVerifyRejectsFutureIssuedAt(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{toJWK("kid-1", key.PublicKey)}})
	}))
	defer jwks.Close()

	v, err := NewVerifier(context.Background(), Config{JWKSURL: jwks.URL, Issuer: "issuer-a", Audience: "aud-a", Leeway: 5 * time.Second})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	_, err = v.Verify(context.Background(), sign(t, key, "kid-1", "citizen-1", "", "", time.Now().Add(2*time.Minute)))
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected future iat token to fail, got %v", err)
	}
}

func TestCacheMaxAge(t *testing.T) {
	if got := cacheMaxAge("public, max-age=120"); got != 2*time.Minute {
		t.Fatalf("unexpected max-age %s", got)
	}
	if got := cacheMaxAge("no-store"); got != 0 {
		t.Fatalf("expected zero without max-age, got %s", got)
	}
}

func sign(t *testing.T, key *rsa.PrivateKey, kid, subject, org, role string, issuedAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "issuer-a",
			Audience:  jwt.ClaimStrings{"aud-a"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(time.Now().Add(-time.Second)),
		},
		OrgID: org,
		Role:  role,
	})
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func toJWK(kid string, key rsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "RSA",
		"kid": kid,
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}
