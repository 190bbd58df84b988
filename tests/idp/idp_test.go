package idptest

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpgateway-go/internal/auth"
	"mcpgateway-go/internal/config"
)

const (
	testRealm    = "mcpgateway"
	testClientID = "gateway-web"
)

func newValidator(t *testing.T, f *FakeIdP, clientID string) *auth.KeycloakValidator {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	keys, err := auth.NewKeyCache(ctx)
	require.NoError(t, err)
	return auth.NewKeycloakValidator(&config.KeycloakConfig{
		URL:      f.URL(),
		Realm:    testRealm,
		ClientID: clientID,
	}, keys)
}

func TestKeycloakValidatorAcceptsMintedToken(t *testing.T) {
	f, err := New(testRealm, testClientID)
	require.NoError(t, err)
	defer f.Close()

	validator := newValidator(t, f, testClientID)

	token, err := f.MintAccessToken("alice", []string{"mcp-registry-admin", "mcp-servers-unrestricted/read"}, time.Hour)
	require.NoError(t, err)

	principal, expiry, err := validator.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", principal.ID)
	assert.Equal(t, auth.PrincipalUser, principal.Type)
	assert.Equal(t, auth.IdpKeycloak, principal.Idp)
	assert.Contains(t, principal.Groups, "mcp-registry-admin")
	assert.True(t, expiry.After(time.Now()))
}

func TestKeycloakValidatorClassifiesServiceAccounts(t *testing.T) {
	f, err := New(testRealm, testClientID)
	require.NoError(t, err)
	defer f.Close()

	validator := newValidator(t, f, testClientID)

	token, err := f.MintAccessToken("service-account-ci-agent", []string{"mcp-servers-restricted/read"}, time.Hour)
	require.NoError(t, err)

	principal, _, err := validator.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, auth.PrincipalServiceAccount, principal.Type)
}

func TestKeycloakValidatorRejectsExpiredToken(t *testing.T) {
	f, err := New(testRealm, testClientID)
	require.NoError(t, err)
	defer f.Close()

	validator := newValidator(t, f, testClientID)

	token, err := f.MintAccessToken("alice", nil, -time.Minute)
	require.NoError(t, err)

	_, _, err = validator.Verify(context.Background(), token)
	require.ErrorIs(t, err, auth.ErrTokenExpired)
}

func TestKeycloakValidatorRejectsWrongAudience(t *testing.T) {
	f, err := New(testRealm, testClientID)
	require.NoError(t, err)
	defer f.Close()

	// Validator expects a different client than the one tokens are minted for.
	validator := newValidator(t, f, "some-other-client")

	token, err := f.MintIDToken("alice", nil, time.Hour)
	require.NoError(t, err)

	_, _, err = validator.Verify(context.Background(), token)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
	assert.Contains(t, err.Error(), "audience")
}

func TestKeycloakValidatorRejectsForeignSignature(t *testing.T) {
	f, err := New(testRealm, testClientID)
	require.NoError(t, err)
	defer f.Close()

	other, err := New(testRealm, testClientID)
	require.NoError(t, err)
	defer other.Close()

	validator := newValidator(t, f, testClientID)

	// Signed by a different provider's key, and carrying its issuer.
	token, err := other.MintAccessToken("mallory", nil, time.Hour)
	require.NoError(t, err)

	_, _, err = validator.Verify(context.Background(), token)
	require.Error(t, err)
}

func TestKeycloakValidatorSurvivesKeyRotation(t *testing.T) {
	f, err := New(testRealm, testClientID)
	require.NoError(t, err)
	defer f.Close()

	validator := newValidator(t, f, testClientID)

	before, err := f.MintAccessToken("alice", nil, time.Hour)
	require.NoError(t, err)
	_, _, err = validator.Verify(context.Background(), before)
	require.NoError(t, err)

	// New active kid is not in the cached JWKS yet; the kid miss must force
	// a refetch instead of failing the lookup.
	require.NoError(t, f.keys.Rotate())
	after, err := f.MintAccessToken("alice", nil, time.Hour)
	require.NoError(t, err)

	principal, _, err := validator.Verify(context.Background(), after)
	require.NoError(t, err)
	assert.Equal(t, "alice", principal.ID)

	// Tokens signed before the rotation still verify from the retained key.
	_, _, err = validator.Verify(context.Background(), before)
	require.NoError(t, err)
}

func TestLoginFlowEndToEnd(t *testing.T) {
	f, err := New(testRealm, testClientID)
	require.NoError(t, err)
	defer f.Close()
	f.AddUser("alice", []string{"mcp-registry-user"})

	validator := newValidator(t, f, testClientID)
	flow := auth.NewLoginFlow("keycloak", testClientID, "", "http://gateway.local/callback",
		auth.KeycloakEndpoint(f.URL(), testRealm), []string{"openid", "profile"},
		validator.Verify, zap.NewNop())

	authURL, err := flow.Begin("/ui/services")
	require.NoError(t, err)

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(authURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	code := location.Query().Get("code")
	state := location.Query().Get("state")
	require.NotEmpty(t, code)
	require.NotEmpty(t, state)

	principal, redirectBack, err := flow.Complete(context.Background(), state, code)
	require.NoError(t, err)
	assert.Equal(t, "alice", principal.ID)
	assert.Equal(t, auth.SourceSession, principal.Source)
	assert.Equal(t, []string{"mcp-registry-user"}, principal.Groups)
	assert.Equal(t, "/ui/services", redirectBack)
}

func TestLoginFlowRejectsUnknownState(t *testing.T) {
	f, err := New(testRealm, testClientID)
	require.NoError(t, err)
	defer f.Close()
	f.AddUser("alice", nil)

	validator := newValidator(t, f, testClientID)
	flow := auth.NewLoginFlow("keycloak", testClientID, "", "http://gateway.local/callback",
		auth.KeycloakEndpoint(f.URL(), testRealm), []string{"openid"},
		validator.Verify, zap.NewNop())

	_, _, err = flow.Complete(context.Background(), "never-issued-state", "whatever")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state")
}

func TestLoginFlowRejectsTamperedVerifier(t *testing.T) {
	f, err := New(testRealm, testClientID)
	require.NoError(t, err)
	defer f.Close()
	f.AddUser("alice", nil)

	validator := newValidator(t, f, testClientID)
	flow := auth.NewLoginFlow("keycloak", testClientID, "", "http://gateway.local/callback",
		auth.KeycloakEndpoint(f.URL(), testRealm), []string{"openid"},
		validator.Verify, zap.NewNop())

	firstURL, err := flow.Begin("/")
	require.NoError(t, err)
	secondURL, err := flow.Begin("/")
	require.NoError(t, err)

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	// Authorize with the first attempt's challenge, then complete with the
	// second attempt's state. The verifier will not match the challenge and
	// the provider must refuse the exchange.
	resp, err := client.Get(firstURL)
	require.NoError(t, err)
	resp.Body.Close()
	firstLoc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)

	parsed, err := url.Parse(secondURL)
	require.NoError(t, err)

	_, _, err = flow.Complete(context.Background(), parsed.Query().Get("state"), firstLoc.Query().Get("code"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exchange")
}
