package authority

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/secure-browser/pkg/logging"
	"github.com/entrhq/secure-browser/pkg/types"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(NewServer(*DefaultConfig(), nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()

	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestAuthenticate(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"accepted", `{"username":"admin_user","password":"secure_password"}`, http.StatusOK},
		{"wrong password", `{"username":"admin_user","password":"nope"}`, http.StatusUnauthorized},
		{"wrong user", `{"username":"root","password":"secure_password"}`, http.StatusUnauthorized},
		{"empty", `{"username":"","password":""}`, http.StatusUnauthorized},
		{"password prefix", `{"username":"admin_user","password":"secure"}`, http.StatusUnauthorized},
		{"malformed", `{"username":`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/authenticate", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestBrowserSettings(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/browser-settings")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var payload types.PolicyPayload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "https://www.google.com", payload.StartURL)
	assert.False(t, payload.Incognito)
	assert.Equal(t, uint64(30000), payload.MaxNavigationTimeout)
	assert.Equal(t, []string{"google.com", "github.com"}, payload.AllowedDomains)
	assert.NoError(t, payload.Validate())
}

func TestNewServer_WarnsOnRejectablePolicy(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *types.PolicyPayload)
		warn   string
	}{
		{name: "reference policy"},
		{name: "relative start url", mutate: func(p *types.PolicyPayload) { p.StartURL = "/home" }, warn: "start_url"},
		{name: "start host off the allow-list", mutate: func(p *types.PolicyPayload) { p.StartURL = "https://example.org" }, warn: "not in allowed_domains"},
		{name: "public suffix", mutate: func(p *types.PolicyPayload) { p.AllowedDomains = []string{"com"} }, warn: "public suffix"},
		{name: "timeout overflow", mutate: func(p *types.PolicyPayload) { p.MaxNavigationTimeout = 18446744073710 }, warn: "max_navigation_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			if tt.mutate != nil {
				tt.mutate(&cfg.Policy)
			}

			var logs bytes.Buffer
			NewServer(*cfg, logging.NewWriterLogger("authority", &logs))

			if tt.warn == "" {
				assert.NotContains(t, logs.String(), "[WARN]")
				return
			}
			assert.Contains(t, logs.String(), "Serving a policy clients will reject")
			assert.Contains(t, logs.String(), tt.warn)
		})
	}
}

func TestCORS(t *testing.T) {
	srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/authenticate", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "content-type")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "content-type", resp.Header.Get("Access-Control-Allow-Headers"))

	get, err := http.Get(srv.URL + "/browser-settings")
	require.NoError(t, err)
	defer get.Body.Close()
	assert.Equal(t, "*", get.Header.Get("Access-Control-Allow-Origin"))
}

func TestUnknownRoute(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/authenticate")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authority.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: "127.0.0.1:9090"
password: hunter2
policy:
  start_url: https://example.com/home
  incognito: true
  max_navigation_timeout: 5000
  allowed_domains: [example.com]
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:9090", cfg.Addr)
	assert.Equal(t, "admin_user", cfg.Username, "unset keys keep their defaults")
	assert.Equal(t, "hunter2", cfg.Password)
	assert.Equal(t, types.PolicyPayload{
		StartURL:             "https://example.com/home",
		Incognito:            true,
		MaxNavigationTimeout: 5000,
		AllowedDomains:       []string{"example.com"},
	}, cfg.Policy)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: [unterminated"), 0o600))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Username = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Addr = ""
	assert.Error(t, cfg.Validate())
}

func TestAuthenticate_RateLimited(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = RateLimitConfig{PerSecond: 0.001, Burst: 2}
	srv := httptest.NewServer(NewServer(*cfg, nil).Handler())
	defer srv.Close()

	body := `{"username":"admin_user","password":"secure_password"}`
	assert.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/authenticate", body).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, postJSON(t, srv.URL+"/authenticate", `{"username":"x","password":"y"}`).StatusCode)

	resp := postJSON(t, srv.URL+"/authenticate", body)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	settings, err := http.Get(srv.URL + "/browser-settings")
	require.NoError(t, err)
	defer settings.Body.Close()
	assert.Equal(t, http.StatusOK, settings.StatusCode, "policy endpoint is not throttled")
}

func TestConfigValidate_RateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = RateLimitConfig{PerSecond: 1, Burst: 0}
	assert.Error(t, cfg.Validate())

	cfg.RateLimit = RateLimitConfig{}
	assert.NoError(t, cfg.Validate())
}
