package config

import (
	"path/filepath"
	"time"
)

const (
	defaultListen           = ":8888"
	defaultSessionTTL       = 30 * time.Minute
	defaultAuthBudget       = 250 * time.Millisecond
	defaultHealthInterval   = 30
	defaultProbeTimeout     = 10
	defaultEmbeddingDim     = 384
	defaultRebuildDebounce  = 2000
	defaultDrainTimeout     = 30
	defaultEmbeddingModel   = "all-MiniLM-L6-v2"
	defaultTopKServices     = 3
	defaultTopNTools        = 1
	defaultLoginScopeOpenID = "openid"
)

// Config is the main gateway configuration. Values come from the optional
// JSON config file with environment variables (MCPGW_ prefix) taking
// precedence; secrets are environment-only.
type Config struct {
	Listen      string `json:"listen" mapstructure:"listen"`
	ExternalURL string `json:"external_url" mapstructure:"external-url"`
	DataDir     string `json:"data_dir" mapstructure:"data-dir"`

	// SecretKey signs session cookies and vended tokens. Environment only,
	// never written back to disk.
	SecretKey string `json:"-" mapstructure:"secret-key"`

	SessionTTLMinutes   int `json:"session_ttl_minutes" mapstructure:"session-ttl-minutes"`
	AuthBudgetMillis    int `json:"auth_budget_ms" mapstructure:"auth-budget-ms"`
	DrainTimeoutSeconds int `json:"drain_timeout_seconds" mapstructure:"drain-timeout-seconds"`

	// ScopesPaths are the replicated write targets for the scope policy
	// document. Every mutation must land on all of them.
	ScopesPaths []string `json:"scopes_paths" mapstructure:"scopes-paths"`

	Registry RegistryConfig  `json:"registry" mapstructure:"registry"`
	Proxy    ProxyConfig     `json:"proxy" mapstructure:"proxy"`
	Health   HealthConfig    `json:"health" mapstructure:"health"`
	Index    IndexConfig     `json:"index" mapstructure:"index"`
	Cognito  *CognitoConfig  `json:"cognito,omitempty" mapstructure:"cognito"`
	Keycloak *KeycloakConfig `json:"keycloak,omitempty" mapstructure:"keycloak"`
	Login    LoginConfig     `json:"login" mapstructure:"login"`
	Logging  *LogConfig      `json:"logging,omitempty" mapstructure:"logging"`
	Metrics  MetricsConfig   `json:"metrics" mapstructure:"metrics"`
	Tracing  TracingConfig   `json:"tracing" mapstructure:"tracing"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max-size"`       // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"` // number of backup files
	MaxAge        int    `json:"max_age" mapstructure:"max-age"`         // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// RegistryConfig controls where service records live.
type RegistryConfig struct {
	// ServersDir holds one JSON document per registered service.
	ServersDir string `json:"servers_dir" mapstructure:"servers-dir"`
}

// ProxyConfig controls the reverse-proxy fragment the registry emits.
type ProxyConfig struct {
	FragmentPath string `json:"fragment_path" mapstructure:"fragment-path"`
	// ReloadCommand is executed after the fragment is rewritten, e.g.
	// ["nginx", "-s", "reload"]. Empty means publish the reload event only.
	ReloadCommand []string `json:"reload_command,omitempty" mapstructure:"reload-command"`
}

// HealthConfig controls the background health supervisor.
type HealthConfig struct {
	IntervalSeconds     int `json:"interval_seconds" mapstructure:"interval-seconds"`
	ProbeTimeoutSeconds int `json:"probe_timeout_seconds" mapstructure:"probe-timeout-seconds"`
}

// IndexConfig controls tool discovery.
type IndexConfig struct {
	// EmbeddingsEndpoint is the HTTP embedding service. Empty selects the
	// keyword (BM25) fallback engine.
	EmbeddingsEndpoint string `json:"embeddings_endpoint,omitempty" mapstructure:"embeddings-endpoint"`
	EmbeddingsModel    string `json:"embeddings_model" mapstructure:"embeddings-model"`
	Dimensions         int    `json:"dimensions" mapstructure:"dimensions"`

	RebuildDebounceMillis int    `json:"rebuild_debounce_ms" mapstructure:"rebuild-debounce-ms"`
	CacheDir              string `json:"cache_dir" mapstructure:"cache-dir"`

	TopKServices int `json:"top_k_services" mapstructure:"top-k-services"`
	TopNTools    int `json:"top_n_tools" mapstructure:"top-n-tools"`
}

// CognitoConfig identifies an Amazon Cognito user pool used for ingress
// token validation and group administration.
type CognitoConfig struct {
	Region          string `json:"region" mapstructure:"region"`
	UserPoolID      string `json:"user_pool_id" mapstructure:"user-pool-id"`
	ClientID        string `json:"client_id" mapstructure:"client-id"`
	ClientSecretRef string `json:"client_secret_ref,omitempty" mapstructure:"client-secret-ref"`
	// Domain is the hosted-UI domain, e.g. https://auth.example.com.
	Domain string `json:"domain,omitempty" mapstructure:"domain"`
}

// KeycloakConfig identifies a Keycloak realm used for ingress token
// validation, browser login, and group administration.
type KeycloakConfig struct {
	URL             string `json:"url" mapstructure:"url"`
	Realm           string `json:"realm" mapstructure:"realm"`
	ClientID        string `json:"client_id" mapstructure:"client-id"`
	ClientSecretRef string `json:"client_secret_ref,omitempty" mapstructure:"client-secret-ref"`

	// Admin client used for the realm admin REST API (group and client CRUD).
	AdminClientID        string `json:"admin_client_id,omitempty" mapstructure:"admin-client-id"`
	AdminClientSecretRef string `json:"admin_client_secret_ref,omitempty" mapstructure:"admin-client-secret-ref"`
}

// LoginConfig selects the browser login provider.
type LoginConfig struct {
	// Provider is "cognito" or "keycloak". Empty disables /login.
	Provider string   `json:"provider,omitempty" mapstructure:"provider"`
	Scopes   []string `json:"scopes,omitempty" mapstructure:"scopes"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// TracingConfig controls the optional OTLP trace exporter.
type TracingConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Endpoint string `json:"endpoint,omitempty" mapstructure:"endpoint"`
}

// DefaultConfig returns a configuration with all defaults applied. DataDir
// is resolved by the loader.
func DefaultConfig() *Config {
	return &Config{
		Listen:              defaultListen,
		SessionTTLMinutes:   int(defaultSessionTTL.Minutes()),
		AuthBudgetMillis:    int(defaultAuthBudget.Milliseconds()),
		DrainTimeoutSeconds: defaultDrainTimeout,
		Health: HealthConfig{
			IntervalSeconds:     defaultHealthInterval,
			ProbeTimeoutSeconds: defaultProbeTimeout,
		},
		Index: IndexConfig{
			EmbeddingsModel:       defaultEmbeddingModel,
			Dimensions:            defaultEmbeddingDim,
			RebuildDebounceMillis: defaultRebuildDebounce,
			TopKServices:          defaultTopKServices,
			TopNTools:             defaultTopNTools,
		},
		Login: LoginConfig{
			Scopes: []string{defaultLoginScopeOpenID, "email", "profile"},
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// SessionTTL returns the browser session lifetime.
func (c *Config) SessionTTL() time.Duration {
	if c.SessionTTLMinutes <= 0 {
		return defaultSessionTTL
	}
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

// AuthBudget returns the per-request deadline for /validate.
func (c *Config) AuthBudget() time.Duration {
	if c.AuthBudgetMillis <= 0 {
		return defaultAuthBudget
	}
	return time.Duration(c.AuthBudgetMillis) * time.Millisecond
}

// DrainTimeout returns how long shutdown waits for in-flight requests.
func (c *Config) DrainTimeout() time.Duration {
	if c.DrainTimeoutSeconds <= 0 {
		return defaultDrainTimeout * time.Second
	}
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// HealthInterval returns the probe cadence.
func (c *Config) HealthInterval() time.Duration {
	if c.Health.IntervalSeconds <= 0 {
		return defaultHealthInterval * time.Second
	}
	return time.Duration(c.Health.IntervalSeconds) * time.Second
}

// ProbeTimeout returns the per-probe deadline.
func (c *Config) ProbeTimeout() time.Duration {
	if c.Health.ProbeTimeoutSeconds <= 0 {
		return defaultProbeTimeout * time.Second
	}
	return time.Duration(c.Health.ProbeTimeoutSeconds) * time.Second
}

// RebuildDebounce returns the index rebuild coalescing window.
func (c *Config) RebuildDebounce() time.Duration {
	if c.Index.RebuildDebounceMillis <= 0 {
		return defaultRebuildDebounce * time.Millisecond
	}
	return time.Duration(c.Index.RebuildDebounceMillis) * time.Millisecond
}

// ServersDir resolves the service-record directory under DataDir when not
// set explicitly.
func (c *Config) ServersDir() string {
	if c.Registry.ServersDir != "" {
		return c.Registry.ServersDir
	}
	return filepath.Join(c.DataDir, "servers")
}

// IndexCacheDir resolves the index snapshot directory under DataDir when not
// set explicitly.
func (c *Config) IndexCacheDir() string {
	if c.Index.CacheDir != "" {
		return c.Index.CacheDir
	}
	return filepath.Join(c.DataDir, "index")
}

// ProxyFragmentPath resolves the emitted reverse-proxy fragment location.
func (c *Config) ProxyFragmentPath() string {
	if c.Proxy.FragmentPath != "" {
		return c.Proxy.FragmentPath
	}
	return filepath.Join(c.DataDir, "nginx", "locations.conf")
}
