package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CookieName is the browser session cookie.
const CookieName = "mcpgw_session"

// Token uses for self-issued HS256 tokens.
const (
	TokenUseSession = "session"
	TokenUseVended  = "vended"
)

// sessionClaims is the payload of gateway-signed tokens. Session cookies and
// vended tokens share the shape; token_use keeps them from substituting for
// each other.
type sessionClaims struct {
	Groups   []string `json:"groups,omitempty"`
	Idp      string   `json:"idp,omitempty"`
	TokenUse string   `json:"token_use"`
	jwt.RegisteredClaims
}

// SessionManager mints and verifies HMAC-signed session cookies and verifies
// vended tokens against the same secret.
type SessionManager struct {
	secret []byte
	ttl    time.Duration
	secure bool
}

// NewSessionManager creates the manager. secure controls the cookie's Secure
// attribute and should be true whenever the external URL is https.
func NewSessionManager(secret []byte, ttl time.Duration, secure bool) *SessionManager {
	return &SessionManager{secret: secret, ttl: ttl, secure: secure}
}

// TTL returns the session lifetime.
func (m *SessionManager) TTL() time.Duration { return m.ttl }

// Mint signs a session token for the principal.
func (m *SessionManager) Mint(p *Principal) (string, time.Time, error) {
	now := time.Now()
	expiry := now.Add(m.ttl)
	claims := sessionClaims{
		Groups:   p.Groups,
		Idp:      p.Idp,
		TokenUse: TokenUseSession,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, expiry, nil
}

// MintVended signs a vended token carrying the granted scopes as groups.
func (m *SessionManager) MintVended(p *Principal, jti string, scopes []string, lifetime time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiry := now.Add(lifetime)
	claims := sessionClaims{
		Groups:   scopes,
		Idp:      p.Idp,
		TokenUse: TokenUseVended,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign vended token: %w", err)
	}
	return signed, expiry, nil
}

// Verify checks a gateway-signed token of the expected use and rebuilds the
// Principal. The jti is returned for vended tokens so callers can consult
// the revocation list.
func (m *SessionManager) Verify(tokenString, wantUse string) (*Principal, string, error) {
	claims := sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, "", ErrTokenExpired
		}
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, "", ErrInvalidToken
	}
	if claims.TokenUse != wantUse {
		return nil, "", fmt.Errorf("%w: token_use %q where %q required", ErrInvalidToken, claims.TokenUse, wantUse)
	}
	if claims.Subject == "" {
		return nil, "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	idp := claims.Idp
	if idp == "" {
		idp = IdpGateway
	}
	return &Principal{
		ID:     claims.Subject,
		Type:   PrincipalUser,
		Groups: claims.Groups,
		Idp:    idp,
	}, claims.ID, nil
}

// SetCookie attaches the session cookie to the response.
func (m *SessionManager) SetCookie(w http.ResponseWriter, token string, expiry time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiry,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie expires the session cookie.
func (m *SessionManager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
