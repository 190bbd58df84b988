// Package idptest runs an in-process fake identity provider speaking the
// Keycloak wire shapes: a JWKS endpoint, the authorization-code + PKCE
// endpoints, and helpers to mint tokens directly. Integration tests point
// the gateway's validators and login flow at it.
package idptest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
)

// keyRing holds the RSA signing keys and serves them as a JWKS.
type keyRing struct {
	mu        sync.RWMutex
	keys      map[string]*rsa.PrivateKey
	activeKid string
}

func newKeyRing() (*keyRing, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return &keyRing{
		keys:      map[string]*rsa.PrivateKey{"key-1": key},
		activeKid: "key-1",
	}, nil
}

func (kr *keyRing) activeKey() (string, *rsa.PrivateKey) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.activeKid, kr.keys[kr.activeKid]
}

// Rotate generates a fresh key and makes it active. Old keys stay in the
// JWKS so previously issued tokens keep verifying.
func (kr *keyRing) Rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	kr.mu.Lock()
	defer kr.mu.Unlock()
	kid := fmt.Sprintf("key-%d", len(kr.keys)+1)
	kr.keys[kid] = key
	kr.activeKid = kid
	return nil
}

type jwk struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (kr *keyRing) serveJWKS(w http.ResponseWriter, _ *http.Request) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()

	keys := make([]jwk, 0, len(kr.keys))
	for kid, key := range kr.keys {
		keys = append(keys, jwk{
			Kty: "RSA",
			Use: "sig",
			Kid: kid,
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys})
}
