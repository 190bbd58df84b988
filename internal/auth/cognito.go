package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mcpgateway-go/internal/config"
)

// Credential errors. The transport layer maps these onto 401 reason codes.
var (
	ErrNoCredentials = errors.New("no credentials presented")
	ErrTokenExpired  = errors.New("token expired")
	ErrInvalidToken  = errors.New("invalid token")
)

// CognitoValidator verifies RS256 access and ID tokens issued by an Amazon
// Cognito user pool.
type CognitoValidator struct {
	issuer   string
	jwksURL  string
	clientID string
	keys     *KeyCache
}

// NewCognitoValidator builds a validator for the configured user pool.
func NewCognitoValidator(cfg *config.CognitoConfig, keys *KeyCache) *CognitoValidator {
	issuer := fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", cfg.Region, cfg.UserPoolID)
	return &CognitoValidator{
		issuer:   issuer,
		jwksURL:  issuer + "/.well-known/jwks.json",
		clientID: cfg.ClientID,
		keys:     keys,
	}
}

// Issuer returns the user-pool issuer URL.
func (v *CognitoValidator) Issuer() string { return v.issuer }

// Verify checks signature and Cognito claims and builds a Principal.
func (v *CognitoValidator) Verify(ctx context.Context, tokenString string) (*Principal, time.Time, error) {
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

	tokenUse, _ := claims["token_use"].(string)
	switch tokenUse {
	case "access":
		if clientID, _ := claims["client_id"].(string); clientID != v.clientID {
			return nil, time.Time{}, fmt.Errorf("%w: client_id mismatch", ErrInvalidToken)
		}
	case "id":
		if aud, err := claims.GetAudience(); err != nil || !containsAudience(aud, v.clientID) {
			return nil, time.Time{}, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
		}
	default:
		return nil, time.Time{}, fmt.Errorf("%w: unexpected token_use %q", ErrInvalidToken, tokenUse)
	}

	sub, _ := claims.GetSubject()
	if username, ok := claims["username"].(string); ok && username != "" {
		sub = username
	} else if username, ok := claims["cognito:username"].(string); ok && username != "" {
		sub = username
	}
	if sub == "" {
		return nil, time.Time{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	principalType := PrincipalUser
	if tokenUse == "access" && claims["username"] == nil {
		// client_credentials grants carry no username claim.
		principalType = PrincipalServiceAccount
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, time.Time{}, fmt.Errorf("%w: missing exp", ErrInvalidToken)
	}

	return &Principal{
		ID:     sub,
		Type:   principalType,
		Groups: stringSliceClaim(claims, "cognito:groups"),
		Idp:    IdpCognito,
	}, exp.Time, nil
}

func containsAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

func stringSliceClaim(claims jwt.MapClaims, name string) []string {
	raw, ok := claims[name].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
