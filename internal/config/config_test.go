package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SecretKey = testSecret
	cfg.DataDir = t.TempDir()
	cfg.ScopesPaths = []string{
		filepath.Join(cfg.DataDir, "a", "scopes.yml"),
		filepath.Join(cfg.DataDir, "b", "scopes.yml"),
	}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8888", cfg.Listen)
	assert.Equal(t, 250*time.Millisecond, cfg.AuthBudget())
	assert.Equal(t, 30*time.Second, cfg.HealthInterval())
	assert.Equal(t, 10*time.Second, cfg.ProbeTimeout())
	assert.Equal(t, 2*time.Second, cfg.RebuildDebounce())
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL())
	assert.Equal(t, 384, cfg.Index.Dimensions)
	assert.Equal(t, 3, cfg.Index.TopKServices)
	assert.Equal(t, 1, cfg.Index.TopNTools)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name:    "missing secret key",
			mutate:  func(c *Config) { c.SecretKey = "" },
			wantErr: "secret-key",
		},
		{
			name:    "short secret key",
			mutate:  func(c *Config) { c.SecretKey = "short" },
			wantErr: "secret-key",
		},
		{
			name:    "no scope paths",
			mutate:  func(c *Config) { c.ScopesPaths = nil },
			wantErr: "scopes-paths",
		},
		{
			name: "duplicate scope paths",
			mutate: func(c *Config) {
				c.ScopesPaths = []string{"/etc/scopes.yml", "/etc/scopes.yml"}
			},
			wantErr: "scopes-paths",
		},
		{
			name:    "missing listen",
			mutate:  func(c *Config) { c.Listen = "" },
			wantErr: "listen",
		},
		{
			name: "cognito without pool",
			mutate: func(c *Config) {
				c.Cognito = &CognitoConfig{Region: "us-east-1", ClientID: "abc"}
			},
			wantErr: "user-pool-id",
		},
		{
			name: "keycloak with bad url",
			mutate: func(c *Config) {
				c.Keycloak = &KeycloakConfig{URL: "not-a-url", Realm: "r", ClientID: "c"}
			},
			wantErr: "keycloak.url",
		},
		{
			name:    "unknown login provider",
			mutate:  func(c *Config) { c.Login.Provider = "okta" },
			wantErr: "login.provider",
		},
		{
			name: "login without external url",
			mutate: func(c *Config) {
				c.Keycloak = &KeycloakConfig{URL: "https://kc.example.com", Realm: "r", ClientID: "c"}
				c.Login.Provider = "keycloak"
			},
			wantErr: "external-url",
		},
		{
			name:    "tracing without endpoint",
			mutate:  func(c *Config) { c.Tracing.Enabled = true },
			wantErr: "tracing.endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			var cerr *Error
			assert.ErrorAs(t, err, &cerr)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MCPGW_SECRET_KEY", testSecret)
	t.Setenv("MCPGW_DATA_DIR", dir)

	fileCfg := map[string]interface{}{
		"listen": ":9999",
		"health": map[string]interface{}{
			"interval_seconds": 15,
		},
		"index": map[string]interface{}{
			"embeddings_endpoint": "http://127.0.0.1:11434/api/embed",
			"dimensions":          384,
		},
	}
	data, err := json.Marshal(fileCfg)
	require.NoError(t, err)

	path := filepath.Join(dir, "gateway.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Listen)
	assert.Equal(t, 15*time.Second, cfg.HealthInterval())
	assert.Equal(t, "http://127.0.0.1:11434/api/embed", cfg.Index.EmbeddingsEndpoint)
	assert.Equal(t, testSecret, cfg.SecretKey)
	// Replicated policy targets default to two paths under the data dir.
	assert.Len(t, cfg.ScopesPaths, 2)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MCPGW_SECRET_KEY", testSecret)
	t.Setenv("MCPGW_DATA_DIR", dir)
	t.Setenv("MCPGW_LISTEN", ":7777")
	t.Setenv("MCPGW_SCOPES_PATHS", filepath.Join(dir, "x.yml")+","+filepath.Join(dir, "y.yml"))

	path := filepath.Join(dir, "gateway.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"listen": ":9999"}`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Listen, "environment must win over the file")
	require.Len(t, cfg.ScopesPaths, 2)
	assert.Equal(t, filepath.Join(dir, "x.yml"), cfg.ScopesPaths[0])
	assert.Equal(t, filepath.Join(dir, "y.yml"), cfg.ScopesPaths[1])
}

func TestSplitPathList(t *testing.T) {
	assert.Nil(t, splitPathList(nil))
	assert.Equal(t, []string{"/a", "/b"}, splitPathList([]string{"/a,/b"}))
	assert.Equal(t, []string{"/a", "/b"}, splitPathList([]string{"/a", "/b"}))
	assert.Equal(t, []string{"/a"}, splitPathList([]string{" /a , "}))
}
