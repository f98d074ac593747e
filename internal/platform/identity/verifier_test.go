package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://id.example.com/"
	testAudience = "https://api.example"
	testKid      = "test-key"
)

func TestVerify_ValidToken(t *testing.T) {
	v, key := NewTestVerifier(t)
	tok := SignTestToken(t, key, testKid, jwt.MapClaims{"sub": "user-123", "scope": "read:me"})

	claims, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-123", claims.Subject)
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, []string{testAudience}, claims.Audience)
	assert.False(t, claims.ExpiresAt.IsZero())
}

func TestVerify_Rejects(t *testing.T) {
	v, key := NewTestVerifier(t)
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	cases := map[string]string{
		"wrong key":       SignTestToken(t, otherKey, testKid, jwt.MapClaims{"sub": "u"}),
		"wrong audience":  SignTestToken(t, key, testKid, jwt.MapClaims{"sub": "u", "aud": "other"}),
		"wrong issuer":    SignTestToken(t, key, testKid, jwt.MapClaims{"sub": "u", "iss": "https://evil.example/"}),
		"expired":         SignTestToken(t, key, testKid, jwt.MapClaims{"sub": "u", "exp": time.Now().Add(-time.Hour).Unix()}),
		"missing subject": SignTestToken(t, key, testKid, jwt.MapClaims{}),
		"garbage":         "not-a-jwt",
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(tok)
			assert.Error(t, err)
		})
	}
}

func TestNewVerifier_RequiresIssuerAndAudience(t *testing.T) {
	_, err := NewVerifier(context.Background(), "", testAudience, "")
	assert.Error(t, err)
	_, err = NewVerifier(context.Background(), testIssuer, "", "")
	assert.Error(t, err)
}

func TestNormalizeIssuer(t *testing.T) {
	assert.Equal(t, "https://a.example/", normalizeIssuer(" https://a.example "))
	assert.Equal(t, "", normalizeIssuer("  "))
}

func TestClaimsContext(t *testing.T) {
	_, ok := ClaimsFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithClaims(context.Background(), &Claims{Subject: "s"})
	c, ok := ClaimsFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "s", c.Subject)
}

// NewTestVerifier serves a single RSA key over an httptest JWKS endpoint.
func NewTestVerifier(t *testing.T) (*Verifier, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwks := newJWKS(key, testKid)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	v, err := NewVerifier(ctx, testIssuer, testAudience, server.URL)
	require.NoError(t, err)
	return v, key
}

// SignTestToken signs claims with defaults for iss, aud, exp and iat filled in.
func SignTestToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	now := time.Now()
	defaults := jwt.MapClaims{
		"iss": testIssuer,
		"aud": testAudience,
		"exp": now.Add(10 * time.Minute).Unix(),
		"iat": now.Unix(),
	}
	for k, v := range defaults {
		if _, ok := claims[k]; !ok {
			claims[k] = v
		}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	s, err := token.SignedString(key)
	require.NoError(t, err)
	return s
}

type jwksPayload struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func newJWKS(key *rsa.PrivateKey, kid string) jwksPayload {
	n := base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes())
	return jwksPayload{Keys: []jwk{{Kty: "RSA", Kid: kid, Use: "sig", Alg: "RS256", N: n, E: e}}}
}
