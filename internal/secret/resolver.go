// Package secret resolves secret references in configuration. A reference is
// a string of the form "env:NAME", "keyring:name", or "file:/path"; anything
// without a scheme is treated as the literal secret value.
package secret

import (
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// keyringService namespaces gateway entries in the OS keyring.
const keyringService = "mcpgateway"

// Reference schemes.
const (
	SchemeEnv     = "env"
	SchemeKeyring = "keyring"
	SchemeFile    = "file"
)

// Resolver turns secret references into secret values.
type Resolver struct {
	// lookupEnv is swappable for tests.
	lookupEnv func(string) (string, bool)
}

// NewResolver creates a resolver backed by the process environment and the
// OS keyring.
func NewResolver() *Resolver {
	return &Resolver{lookupEnv: os.LookupEnv}
}

// Resolve returns the secret value a reference points at. Empty references
// resolve to empty values so optional secrets need no special casing.
func (r *Resolver) Resolve(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}

	scheme, rest, ok := strings.Cut(ref, ":")
	if !ok {
		// No scheme: the reference is the value itself.
		return ref, nil
	}

	switch scheme {
	case SchemeEnv:
		value, found := r.lookupEnv(rest)
		if !found {
			return "", fmt.Errorf("environment variable %s is not set", rest)
		}
		return value, nil
	case SchemeKeyring:
		value, err := keyring.Get(keyringService, rest)
		if err != nil {
			return "", fmt.Errorf("keyring lookup for %s failed: %w", rest, err)
		}
		return value, nil
	case SchemeFile:
		data, err := os.ReadFile(rest)
		if err != nil {
			return "", fmt.Errorf("failed to read secret file %s: %w", rest, err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	default:
		// Unknown scheme, e.g. a URL used as a literal value.
		return ref, nil
	}
}

// Store writes a secret into the OS keyring under the gateway's service
// namespace. Used when create_m2m_user persists client credentials.
func (r *Resolver) Store(name, value string) error {
	if err := keyring.Set(keyringService, name, value); err != nil {
		return fmt.Errorf("keyring store for %s failed: %w", name, err)
	}
	return nil
}

// StoreToPath writes a secret to a file path with owner-only permissions.
// Used when the configured secret sink is a file rather than the keyring.
func (r *Resolver) StoreToPath(path, value string) error {
	if err := os.WriteFile(path, []byte(value), 0o600); err != nil {
		return fmt.Errorf("failed to write secret file %s: %w", path, err)
	}
	return nil
}
