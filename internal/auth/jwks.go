package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

const jwksFetchTimeout = 3 * time.Second

// KeyCache serves signing keys from remote JWKS endpoints. Keys are cached
// and refreshed in the background; a kid miss triggers one forced refresh
// before the lookup fails, which covers IdP key rotation.
type KeyCache struct {
	cache *jwk.Cache

	mu         sync.Mutex
	registered map[string]bool
}

// NewKeyCache creates the cache. ctx bounds the background refresh workers.
func NewKeyCache(ctx context.Context) (*KeyCache, error) {
	httpClient := &http.Client{Timeout: jwksFetchTimeout}
	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(httpClient)))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}
	return &KeyCache{cache: cache, registered: make(map[string]bool)}, nil
}

func (k *KeyCache) ensureRegistered(ctx context.Context, jwksURL string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.registered[jwksURL] {
		return nil
	}

	regCtx, cancel := context.WithTimeout(ctx, jwksFetchTimeout)
	defer cancel()
	if err := k.cache.Register(regCtx, jwksURL); err != nil {
		return fmt.Errorf("failed to register JWKS URL %s: %w", jwksURL, err)
	}
	k.registered[jwksURL] = true
	return nil
}

// Keyfunc returns a golang-jwt key resolver bound to one JWKS endpoint.
// Only RSA signatures are accepted; the IdPs here sign with RS256.
func (k *KeyCache) Keyfunc(ctx context.Context, jwksURL string) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("token header missing kid")
		}
		return k.lookup(ctx, jwksURL, kid)
	}
}

func (k *KeyCache) lookup(ctx context.Context, jwksURL, kid string) (any, error) {
	if err := k.ensureRegistered(ctx, jwksURL); err != nil {
		return nil, err
	}

	set, err := k.cache.Lookup(ctx, jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}

	key, found := set.LookupKeyID(kid)
	if !found {
		// The IdP may have rotated keys since the last fetch.
		refreshCtx, cancel := context.WithTimeout(ctx, jwksFetchTimeout)
		set, err = k.cache.Refresh(refreshCtx, jwksURL)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("JWKS refresh failed: %w", err)
		}
		key, found = set.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
		}
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to export JWKS key: %w", err)
	}
	return raw, nil
}
