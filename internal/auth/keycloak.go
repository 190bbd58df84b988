package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mcpgateway-go/internal/config"
)

// KeycloakValidator verifies RS256 tokens issued by a Keycloak realm. Groups
// come from the realm's "groups" mapper with full-path disabled.
type KeycloakValidator struct {
	issuer   string
	jwksURL  string
	clientID string
	keys     *KeyCache
}

// NewKeycloakValidator builds a validator for the configured realm.
func NewKeycloakValidator(cfg *config.KeycloakConfig, keys *KeyCache) *KeycloakValidator {
	issuer := strings.TrimSuffix(cfg.URL, "/") + "/realms/" + cfg.Realm
	return &KeycloakValidator{
		issuer:   issuer,
		jwksURL:  issuer + "/protocol/openid-connect/certs",
		clientID: cfg.ClientID,
		keys:     keys,
	}
}

// Issuer returns the realm issuer URL.
func (v *KeycloakValidator) Issuer() string { return v.issuer }

// MatchesRealm reports whether the caller-supplied realm URL identifies this
// validator's realm. Used for header-based provider selection.
func (v *KeycloakValidator) MatchesRealm(realmURL string) bool {
	return strings.TrimSuffix(realmURL, "/") == v.issuer
}

// Verify checks signature and realm claims and builds a Principal.
func (v *KeycloakValidator) Verify(ctx context.Context, tokenString string) (*Principal, time.Time, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keys.Keyfunc(ctx, v.jwksURL),
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, time.Time{}, ErrTokenExpired
		}
		return nil, time.Time{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, time.Time{}, ErrInvalidToken
	}

	if v.clientID != "" && !v.audienceMatches(claims) {
		return nil, time.Time{}, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}

	sub, _ := claims.GetSubject()
	if username, ok := claims["preferred_username"].(string); ok && username != "" {
		sub = username
	}
	if sub == "" {
		return nil, time.Time{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	principalType := PrincipalUser
	if strings.HasPrefix(sub, "service-account-") {
		principalType = PrincipalServiceAccount
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, time.Time{}, fmt.Errorf("%w: missing exp", ErrInvalidToken)
	}

	return &Principal{
		ID:     sub,
		Type:   principalType,
		Groups: stringSliceClaim(claims, "groups"),
		Idp:    IdpKeycloak,
	}, exp.Time, nil
}

// audienceMatches accepts either an aud entry or the azp claim, matching how
// Keycloak stamps tokens for confidential clients.
func (v *KeycloakValidator) audienceMatches(claims jwt.MapClaims) bool {
	if aud, err := claims.GetAudience(); err == nil && containsAudience(aud, v.clientID) {
		return true
	}
	azp, _ := claims["azp"].(string)
	return azp == v.clientID
}
