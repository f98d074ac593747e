package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fatflowers/resumecredits/internal/app/api/handlers"
	mw "github.com/fatflowers/resumecredits/internal/app/api/middleware"
	"github.com/fatflowers/resumecredits/internal/app/service/billing"
	"github.com/fatflowers/resumecredits/internal/app/service/ledger"
	"github.com/fatflowers/resumecredits/internal/app/service/statistics"
	"github.com/fatflowers/resumecredits/internal/platform/identity"
	cfgpkg "github.com/fatflowers/resumecredits/pkg/config"
	"github.com/fatflowers/resumecredits/pkg/types"
)

type noStats struct{}

func (noStats) GetUsageStatistic(context.Context, *statistics.UsageStatisticRequest) (*statistics.UsageStatisticResponse, error) {
	return &statistics.UsageStatisticResponse{}, nil
}

type subjectVerifier string

func (v subjectVerifier) Verify(string) (*identity.Claims, error) {
	return &identity.Claims{Subject: string(v)}, nil
}

func newTestServer(t *testing.T, cfg *cfgpkg.Config) (*gin.Engine, ledger.Ledger) {
	t.Helper()
	return newTestServerWithVerifier(t, cfg, nil)
}

func newTestServerWithVerifier(t *testing.T, cfg *cfgpkg.Config, verifier mw.TokenVerifier) (*gin.Engine, ledger.Ledger) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop().Sugar()
	l := ledger.NewService(ledger.NewMemoryStore(), nil, nil, cfg, log)
	r := newEngine(cfg)
	mountRoutes(r, cfg, log, routes{
		ledger:   l,
		billing:  billing.NewService(cfg, nil, l, nil, log),
		stats:    noStats{},
		limiter:  mw.NewRateLimiter(100, 100),
		verifier: verifier,
	})
	return r, l
}

func serve(r http.Handler, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRoutes_Protection(t *testing.T) {
	cfg := &cfgpkg.Config{Env: cfgpkg.EnvProd, Plans: types.DefaultPlans()}
	r, _ := newTestServer(t, cfg)

	w := serve(r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(mw.RequestIDHeader))

	// no database handle, no readiness route
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/readyz", nil).Code)

	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/api/v1/credits/balance", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodPost, "/api/v1/billing/checkout", nil).Code)
	assert.Equal(t, http.StatusForbidden, serve(r, http.MethodPost, "/api/v1/admin/list_consumptions", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(r, http.MethodPost, "/api/v1/billing/webhook/stripe", nil).Code)
}

func TestRoutes_AdminToken(t *testing.T) {
	cfg := &cfgpkg.Config{Env: cfgpkg.EnvProd, Plans: types.DefaultPlans(), Admin: cfgpkg.AdminConfig{Token: "s3cret"}}
	r, _ := newTestServer(t, cfg)

	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodPost, "/api/v1/admin/list_consumptions", map[string]string{mw.AdminTokenHeader: "nope"}).Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodPost, "/api/v1/admin/list_consumptions", map[string]string{mw.AdminTokenHeader: "s3cret"}).Code)
}

func TestRoutes_DevSubject(t *testing.T) {
	cfg := &cfgpkg.Config{
		Env:   cfgpkg.EnvDev,
		Plans: types.DefaultPlans(),
		Auth:  cfgpkg.AuthConfig{Disabled: true, DevSubject: "dev-user"},
	}
	r, l := newTestServer(t, cfg)

	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/api/v1/credits/balance", nil).Code)

	_, err := l.CreateSubscription(context.Background(), ledger.CreateSubscriptionRequest{UserID: "dev-user", Plan: types.PlanBasic})
	require.NoError(t, err)
	w := serve(r, http.MethodGet, "/api/v1/credits/balance", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"remainingCredits":10`)

	// billing is not configured in tests
	assert.Equal(t, http.StatusServiceUnavailable, serve(r, http.MethodPost, "/api/v1/billing/portal", nil).Code)
}

func TestRoutes_UsersCannotProvisionThemselves(t *testing.T) {
	cfg := &cfgpkg.Config{Env: cfgpkg.EnvProd, Plans: types.DefaultPlans(), Admin: cfgpkg.AdminConfig{Token: "s3cret"}}
	r, l := newTestServerWithVerifier(t, cfg, subjectVerifier("free-rider"))
	bearer := map[string]string{"Authorization": "Bearer any-valid-token"}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/subscriptions", bytes.NewBufferString(`{"plan":"pro","providerSubscriptionId":"sub_fake"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", bearer["Authorization"])
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// a user token is not an admin token
	w = serve(r, http.MethodPost, "/api/v1/admin/create_subscription", bearer)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	_, err := l.GetSubscription(context.Background(), "free-rider")
	assert.True(t, ledger.IsNotFound(err))
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/api/v1/credits/balance", bearer).Code)
}

func TestCORSConfig(t *testing.T) {
	c := corsConfig(&cfgpkg.Config{CORS: cfgpkg.CORSConfig{AllowOrigins: []string{"*"}}})
	assert.True(t, c.AllowAllOrigins)
	assert.Contains(t, c.AllowHeaders, "Authorization")

	c = corsConfig(&cfgpkg.Config{CORS: cfgpkg.CORSConfig{AllowOrigins: []string{"https://app.example.com"}}})
	assert.False(t, c.AllowAllOrigins)
	assert.Equal(t, []string{"https://app.example.com"}, c.AllowOrigins)
	assert.True(t, c.AllowCredentials)
	require.NoError(t, c.Validate())
}

var _ handlers.Billing = (*billing.Service)(nil)
