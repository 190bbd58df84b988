package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	DefaultDataDir = ".mcpgateway"
	ConfigFileName = "gateway.json"

	envPrefix = "MCPGW"
)

// Load builds the configuration from defaults, the optional JSON config
// file, and MCPGW_* environment variables (highest precedence).
func Load() (*Config, error) {
	cfg := DefaultConfig()

	v := setupViper()

	configPath := v.GetString("config")
	if configPath != "" {
		if err := loadConfigFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("%w: config file %s: %v", ErrLoad, configPath, err)
		}
	} else if found, location, err := findConfigFile(); found {
		if err != nil {
			return nil, err
		}
		if err := loadConfigFile(location, cfg); err != nil {
			return nil, fmt.Errorf("%w: config file %s: %v", ErrLoad, location, err)
		}
	}

	// Environment and flags win over the file.
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal config: %v", ErrLoad, err)
	}
	applyIdPEnvOverrides(cfg)

	// Comma-separated MCPGW_SCOPES_PATHS arrives as a single string.
	cfg.ScopesPaths = splitPathList(cfg.ScopesPaths)

	if cfg.DataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(homeDir, DefaultDataDir)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	if len(cfg.ScopesPaths) == 0 {
		cfg.ScopesPaths = []string{
			filepath.Join(cfg.DataDir, "scopes", "scopes.yml"),
			filepath.Join(cfg.DataDir, "scopes-replica", "scopes.yml"),
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific file plus environment
// overrides. Used by tests and by --config.
func LoadFromFile(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := loadConfigFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("%w: config file %s: %v", ErrLoad, configPath, err)
		}
	}

	v := setupViper()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal config: %v", ErrLoad, err)
	}
	applyIdPEnvOverrides(cfg)
	cfg.ScopesPaths = splitPathList(cfg.ScopesPaths)

	if cfg.DataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(homeDir, DefaultDataDir)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	if len(cfg.ScopesPaths) == 0 {
		cfg.ScopesPaths = []string{
			filepath.Join(cfg.DataDir, "scopes", "scopes.yml"),
			filepath.Join(cfg.DataDir, "scopes-replica", "scopes.yml"),
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setupViper configures environment variable handling and defaults.
func setupViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	v.SetDefault("config", "")
	v.SetDefault("listen", defaultListen)
	v.SetDefault("external-url", "")
	v.SetDefault("data-dir", "")
	v.SetDefault("secret-key", "")
	v.SetDefault("session-ttl-minutes", 30)
	v.SetDefault("auth-budget-ms", 250)
	v.SetDefault("drain-timeout-seconds", defaultDrainTimeout)
	v.SetDefault("scopes-paths", []string{})

	v.SetDefault("registry.servers-dir", "")
	v.SetDefault("proxy.fragment-path", "")
	v.SetDefault("proxy.reload-command", []string{})

	v.SetDefault("health.interval-seconds", defaultHealthInterval)
	v.SetDefault("health.probe-timeout-seconds", defaultProbeTimeout)

	v.SetDefault("index.embeddings-endpoint", "")
	v.SetDefault("index.embeddings-model", defaultEmbeddingModel)
	v.SetDefault("index.dimensions", defaultEmbeddingDim)
	v.SetDefault("index.rebuild-debounce-ms", defaultRebuildDebounce)
	v.SetDefault("index.cache-dir", "")
	v.SetDefault("index.top-k-services", defaultTopKServices)
	v.SetDefault("index.top-n-tools", defaultTopNTools)

	v.SetDefault("login.provider", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "")

	return v
}

// applyIdPEnvOverrides maps MCPGW_COGNITO_*, MCPGW_KEYCLOAK_* and
// MCPGW_LOGIN_* variables onto the optional IdP sections. The sections are
// pointers so they are only allocated when something actually sets them;
// viper defaults would allocate empty structs and confuse validation.
func applyIdPEnvOverrides(cfg *Config) {
	cognito := func() *CognitoConfig {
		if cfg.Cognito == nil {
			cfg.Cognito = &CognitoConfig{}
		}
		return cfg.Cognito
	}
	if v := os.Getenv("MCPGW_COGNITO_REGION"); v != "" {
		cognito().Region = v
	}
	if v := os.Getenv("MCPGW_COGNITO_USER_POOL_ID"); v != "" {
		cognito().UserPoolID = v
	}
	if v := os.Getenv("MCPGW_COGNITO_CLIENT_ID"); v != "" {
		cognito().ClientID = v
	}
	if v := os.Getenv("MCPGW_COGNITO_CLIENT_SECRET_REF"); v != "" {
		cognito().ClientSecretRef = v
	}
	if v := os.Getenv("MCPGW_COGNITO_DOMAIN"); v != "" {
		cognito().Domain = v
	}

	keycloak := func() *KeycloakConfig {
		if cfg.Keycloak == nil {
			cfg.Keycloak = &KeycloakConfig{}
		}
		return cfg.Keycloak
	}
	if v := os.Getenv("MCPGW_KEYCLOAK_URL"); v != "" {
		keycloak().URL = v
	}
	if v := os.Getenv("MCPGW_KEYCLOAK_REALM"); v != "" {
		keycloak().Realm = v
	}
	if v := os.Getenv("MCPGW_KEYCLOAK_CLIENT_ID"); v != "" {
		keycloak().ClientID = v
	}
	if v := os.Getenv("MCPGW_KEYCLOAK_CLIENT_SECRET_REF"); v != "" {
		keycloak().ClientSecretRef = v
	}
	if v := os.Getenv("MCPGW_KEYCLOAK_ADMIN_CLIENT_ID"); v != "" {
		keycloak().AdminClientID = v
	}
	if v := os.Getenv("MCPGW_KEYCLOAK_ADMIN_CLIENT_SECRET_REF"); v != "" {
		keycloak().AdminClientSecretRef = v
	}

	if v := os.Getenv("MCPGW_LOGIN_PROVIDER"); v != "" {
		cfg.Login.Provider = v
	}
}

// findConfigFile checks the usual locations for gateway.json.
func findConfigFile() (found bool, path string, err error) {
	locations := []string{
		ConfigFileName,
		filepath.Join(".", ConfigFileName),
		filepath.Join("/etc", "mcpgateway", ConfigFileName),
	}
	if homeDir, herr := os.UserHomeDir(); herr == nil {
		locations = append(locations, filepath.Join(homeDir, DefaultDataDir, ConfigFileName))
	}

	for _, location := range locations {
		if _, serr := os.Stat(location); serr == nil {
			return true, location, nil
		}
	}
	return false, "", nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// splitPathList expands any comma-separated entries, trimming whitespace and
// dropping empties. viper delivers MCPGW_SCOPES_PATHS as one string.
func splitPathList(paths []string) []string {
	var out []string
	for _, p := range paths {
		for _, part := range strings.Split(p, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
