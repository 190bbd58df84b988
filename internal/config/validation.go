package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const minSecretKeyLen = 32

// ErrLoad marks a configuration source that could not be read or parsed,
// as opposed to one that parsed but failed validation. Both map to the
// config exit code.
var ErrLoad = errors.New("config load failed")

// Error marks a configuration problem. The entry point maps it to the
// dedicated exit code so operators can tell bad config from runtime crashes.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func newError(field, reason string) *Error {
	return &Error{Field: field, Reason: reason}
}

// Validate checks the configuration for completeness and coherence.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return newError("listen", "listen address is required")
	}
	if c.SecretKey == "" {
		return newError("secret-key", "MCPGW_SECRET_KEY is required")
	}
	if len(c.SecretKey) < minSecretKeyLen {
		return newError("secret-key", fmt.Sprintf("must be at least %d bytes", minSecretKeyLen))
	}
	if len(c.ScopesPaths) == 0 {
		return newError("scopes-paths", "at least one scope policy path is required")
	}
	seen := make(map[string]struct{}, len(c.ScopesPaths))
	for _, p := range c.ScopesPaths {
		if _, dup := seen[p]; dup {
			return newError("scopes-paths", "duplicate path "+p)
		}
		seen[p] = struct{}{}
	}

	if c.AuthBudgetMillis < 0 {
		return newError("auth-budget-ms", "must be positive")
	}
	if c.Health.IntervalSeconds < 0 || c.Health.ProbeTimeoutSeconds < 0 {
		return newError("health", "intervals must be positive")
	}

	if c.ExternalURL != "" {
		if err := validateURL("external-url", c.ExternalURL); err != nil {
			return err
		}
	}

	if c.Index.EmbeddingsEndpoint != "" {
		if err := validateURL("index.embeddings-endpoint", c.Index.EmbeddingsEndpoint); err != nil {
			return err
		}
		if c.Index.Dimensions <= 0 {
			return newError("index.dimensions", "must be positive")
		}
	}
	if c.Index.TopKServices < 0 || c.Index.TopNTools < 0 {
		return newError("index", "top-k-services and top-n-tools must be positive")
	}

	if c.Cognito != nil {
		if c.Cognito.Region == "" {
			return newError("cognito.region", "required when cognito is configured")
		}
		if c.Cognito.UserPoolID == "" {
			return newError("cognito.user-pool-id", "required when cognito is configured")
		}
		if c.Cognito.ClientID == "" {
			return newError("cognito.client-id", "required when cognito is configured")
		}
	}

	if c.Keycloak != nil {
		if err := validateURL("keycloak.url", c.Keycloak.URL); err != nil {
			return err
		}
		if c.Keycloak.Realm == "" {
			return newError("keycloak.realm", "required when keycloak is configured")
		}
		if c.Keycloak.ClientID == "" {
			return newError("keycloak.client-id", "required when keycloak is configured")
		}
	}

	switch c.Login.Provider {
	case "":
	case "cognito":
		if c.Cognito == nil {
			return newError("login.provider", "cognito login requires a cognito section")
		}
		if c.Cognito.Domain == "" {
			return newError("cognito.domain", "required for browser login")
		}
		if c.ExternalURL == "" {
			return newError("external-url", "required for browser login callbacks")
		}
	case "keycloak":
		if c.Keycloak == nil {
			return newError("login.provider", "keycloak login requires a keycloak section")
		}
		if c.ExternalURL == "" {
			return newError("external-url", "required for browser login callbacks")
		}
	default:
		return newError("login.provider", fmt.Sprintf("unknown provider %q", c.Login.Provider))
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return newError("tracing.endpoint", "required when tracing is enabled")
	}

	return nil
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return newError(field, "invalid URL: "+err.Error())
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return newError(field, "URL must use http or https")
	}
	if u.Host == "" {
		return newError(field, "URL must include a host")
	}
	if strings.HasSuffix(u.Path, "//") {
		return newError(field, "URL has a malformed path")
	}
	return nil
}
