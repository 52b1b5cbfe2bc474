package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"slotbook/internal/config"

	"github.com/stretchr/testify/assert"
)

func authConfig() config.APIConfig {
	return config.APIConfig{
		Enabled: true,
		Auth: config.APIAuthConfig{
			Enabled:      true,
			HeaderAPIKey: "x-api-key",
			HeaderExtra:  "x-api-extra",
			APIKeys: []config.APIClientKey{
				{Key: "reader", Extra: "r-extra", Permissions: []string{permReadSlots}},
				{Key: "admin", Extra: "a-extra"},
			},
		},
	}
}

func protectedHandler(auth *HTTPAuth) http.Handler {
	ok := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }
	return auth.Middleware(auth.Require(permWriteHolds, ok))
}

func TestHTTPAuth(t *testing.T) {
	auth := NewHTTPAuth(authConfig())
	handler := protectedHandler(auth)

	cases := []struct {
		name   string
		key    string
		extra  string
		status int
	}{
		{name: "missing headers", status: http.StatusUnauthorized},
		{name: "unknown key", key: "nope", extra: "x", status: http.StatusUnauthorized},
		{name: "wrong extra", key: "admin", extra: "r-extra", status: http.StatusUnauthorized},
		{name: "missing permission", key: "reader", extra: "r-extra", status: http.StatusForbidden},
		{name: "empty permission list allows all", key: "admin", extra: "a-extra", status: http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/holds", nil)
			if tc.key != "" {
				req.Header.Set("x-api-key", tc.key)
				req.Header.Set("x-api-extra", tc.extra)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestHTTPAuth_Disabled(t *testing.T) {
	cfg := authConfig()
	cfg.Auth.Enabled = false
	handler := protectedHandler(NewHTTPAuth(cfg))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/holds", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTPAuth_RateLimitPerKey(t *testing.T) {
	cfg := authConfig()
	cfg.RateLimit = config.APIRateLimitConfig{RPS: 0.001, Burst: 2}
	handler := protectedHandler(NewHTTPAuth(cfg))

	send := func(key, extra string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/holds", nil)
		req.Header.Set("x-api-key", key)
		req.Header.Set("x-api-extra", extra)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("admin", "a-extra"))
	assert.Equal(t, http.StatusOK, send("admin", "a-extra"))
	assert.Equal(t, http.StatusTooManyRequests, send("admin", "a-extra"))

	// other keys have their own bucket
	assert.Equal(t, http.StatusForbidden, send("reader", "r-extra"))
}

func TestHTTPAuth_ClientKey(t *testing.T) {
	auth := NewHTTPAuth(authConfig())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", auth.clientKey(req))

	req.Header.Set("x-api-key", "admin")
	assert.Equal(t, "admin", auth.clientKey(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "garbage"
	assert.Equal(t, clientKeyUnknown, auth.clientKey(req))
}
