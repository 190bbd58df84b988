package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"mcpgateway-go/internal/gwerr"
)

const (
	pendingLoginTTL      = 5 * time.Minute
	tokenExchangeTimeout = 10 * time.Second
)

// CognitoEndpoint builds the hosted-UI OAuth2 endpoint for a Cognito domain.
func CognitoEndpoint(domain string) oauth2.Endpoint {
	base := strings.TrimSuffix(domain, "/")
	return oauth2.Endpoint{
		AuthURL:  base + "/oauth2/authorize",
		TokenURL: base + "/oauth2/token",
	}
}

// KeycloakEndpoint builds the OAuth2 endpoint for a Keycloak realm.
func KeycloakEndpoint(url, realm string) oauth2.Endpoint {
	issuer := strings.TrimSuffix(url, "/") + "/realms/" + realm
	return oauth2.Endpoint{
		AuthURL:  issuer + "/protocol/openid-connect/auth",
		TokenURL: issuer + "/protocol/openid-connect/token",
	}
}

// pendingLogin is one in-flight 3LO attempt keyed by state.
type pendingLogin struct {
	verifier     string
	redirectBack string
	expires      time.Time
}

// LoginFlow runs the Authorization Code + PKCE browser login against one
// configured provider and turns the resulting ID token into a session.
type LoginFlow struct {
	oauth    *oauth2.Config
	provider string
	verify   verifyFunc
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]pendingLogin
}

// NewLoginFlow wires the flow. verify must be the validator matching the
// provider, it checks the ID token returned by the exchange.
func NewLoginFlow(provider, clientID, clientSecret, redirectURL string, endpoint oauth2.Endpoint, scopes []string, verify verifyFunc, logger *zap.Logger) *LoginFlow {
	return &LoginFlow{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		provider: provider,
		verify:   verify,
		logger:   logger.Named("login"),
		pending:  make(map[string]pendingLogin),
	}
}

// Provider returns the configured provider name.
func (f *LoginFlow) Provider() string { return f.provider }

// Begin creates a pending attempt and returns the IdP authorize URL.
func (f *LoginFlow) Begin(redirectBack string) (string, error) {
	state, err := randomState()
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	verifier := oauth2.GenerateVerifier()

	f.mu.Lock()
	f.prunePendingLocked()
	f.pending[state] = pendingLogin{
		verifier:     verifier,
		redirectBack: redirectBack,
		expires:      time.Now().Add(pendingLoginTTL),
	}
	f.mu.Unlock()

	return f.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), nil
}

// Complete validates state, exchanges the code, and verifies the ID token.
// Returns the authenticated principal and the original redirect target.
func (f *LoginFlow) Complete(ctx context.Context, state, code string) (*Principal, string, error) {
	f.mu.Lock()
	attempt, ok := f.pending[state]
	delete(f.pending, state)
	f.mu.Unlock()

	if !ok || time.Now().After(attempt.expires) {
		return nil, "", gwerr.Validationf("unknown or expired login state")
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, tokenExchangeTimeout)
	defer cancel()
	token, err := f.oauth.Exchange(exchangeCtx, code, oauth2.VerifierOption(attempt.verifier))
	if err != nil {
		return nil, "", gwerr.Upstreamf("token exchange failed: %v", err)
	}

	idToken, _ := token.Extra("id_token").(string)
	if idToken == "" {
		return nil, "", gwerr.Upstreamf("provider returned no id_token")
	}

	principal, _, err := f.verify(ctx, idToken)
	if err != nil {
		return nil, "", fmt.Errorf("id_token verification failed: %w", err)
	}
	principal.Source = SourceSession

	f.logger.Info("login completed",
		zap.String("provider", f.provider),
		zap.String("principal", principal.ID))
	return principal, attempt.redirectBack, nil
}

func (f *LoginFlow) prunePendingLocked() {
	now := time.Now()
	for state, attempt := range f.pending {
		if now.After(attempt.expires) {
			delete(f.pending, state)
		}
	}
}

func randomState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
