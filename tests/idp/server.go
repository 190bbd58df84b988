package idptest

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// FakeIdP is an httptest-backed identity provider for one realm.
type FakeIdP struct {
	Server   *httptest.Server
	Realm    string
	ClientID string

	keys *keyRing

	mu    sync.Mutex
	users map[string][]string // subject -> groups
	codes map[string]authCode
}

type authCode struct {
	subject   string
	challenge string
	expires   time.Time
}

// New starts the fake provider. Callers own the returned server and must
// Close it.
func New(realm, clientID string) (*FakeIdP, error) {
	keys, err := newKeyRing()
	if err != nil {
		return nil, err
	}
	f := &FakeIdP{
		Realm:    realm,
		ClientID: clientID,
		keys:     keys,
		users:    make(map[string][]string),
		codes:    make(map[string]authCode),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /realms/"+realm+"/protocol/openid-connect/certs", keys.serveJWKS)
	mux.HandleFunc("GET /realms/"+realm+"/protocol/openid-connect/auth", f.handleAuthorize)
	mux.HandleFunc("POST /realms/"+realm+"/protocol/openid-connect/token", f.handleToken)
	f.Server = httptest.NewServer(mux)
	return f, nil
}

// Close shuts the provider down.
func (f *FakeIdP) Close() { f.Server.Close() }

// URL is the provider base URL, the value a KeycloakConfig.URL would hold.
func (f *FakeIdP) URL() string { return f.Server.URL }

// Issuer is the realm issuer claim minted tokens carry.
func (f *FakeIdP) Issuer() string {
	return f.Server.URL + "/realms/" + f.Realm
}

// AddUser registers a subject the authorize endpoint will log in as. The
// fake has no credentials check; the most recently added user wins.
func (f *FakeIdP) AddUser(subject string, groups []string) {
	f.mu.Lock()
	f.users[subject] = groups
	f.mu.Unlock()
}

// handleAuthorize skips the login form entirely: it issues a code for the
// last registered user and redirects back.
func (f *FakeIdP) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") != f.ClientID {
		http.Error(w, "unknown client", http.StatusBadRequest)
		return
	}
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")
	if redirectURI == "" || state == "" {
		http.Error(w, "redirect_uri and state are required", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	var subject string
	for s := range f.users {
		subject = s
	}
	code := randomCode()
	f.codes[code] = authCode{
		subject:   subject,
		challenge: q.Get("code_challenge"),
		expires:   time.Now().Add(time.Minute),
	}
	f.mu.Unlock()

	if subject == "" {
		http.Error(w, "no user registered", http.StatusForbidden)
		return
	}

	target, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "bad redirect_uri", http.StatusBadRequest)
		return
	}
	values := target.Query()
	values.Set("code", code)
	values.Set("state", state)
	target.RawQuery = values.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// handleToken exchanges a code for tokens, enforcing the PKCE S256 check.
func (f *FakeIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		writeOAuthError(w, "unsupported_grant_type")
		return
	}

	f.mu.Lock()
	code, ok := f.codes[r.PostForm.Get("code")]
	delete(f.codes, r.PostForm.Get("code"))
	groups := f.users[code.subject]
	f.mu.Unlock()

	if !ok || time.Now().After(code.expires) {
		writeOAuthError(w, "invalid_grant")
		return
	}
	if code.challenge != "" {
		verifier := r.PostForm.Get("code_verifier")
		sum := sha256.Sum256([]byte(verifier))
		if base64.RawURLEncoding.EncodeToString(sum[:]) != code.challenge {
			writeOAuthError(w, "invalid_grant")
			return
		}
	}

	idToken, err := f.MintIDToken(code.subject, groups, time.Hour)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	accessToken, err := f.MintAccessToken(code.subject, groups, time.Hour)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": accessToken,
		"id_token":     idToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

// MintIDToken signs an ID token for the subject with the given groups.
func (f *FakeIdP) MintIDToken(subject string, groups []string, ttl time.Duration) (string, error) {
	return f.mint(subject, groups, ttl, map[string]any{
		"aud":                f.ClientID,
		"preferred_username": subject,
	})
}

// MintAccessToken signs an access token usable as an ingress bearer.
func (f *FakeIdP) MintAccessToken(subject string, groups []string, ttl time.Duration) (string, error) {
	return f.mint(subject, groups, ttl, map[string]any{
		"azp":                f.ClientID,
		"preferred_username": subject,
		"typ":                "Bearer",
	})
}

func (f *FakeIdP) mint(subject string, groups []string, ttl time.Duration, extra map[string]any) (string, error) {
	kid, key := f.keys.activeKey()
	now := time.Now()

	claims := jwt.MapClaims{
		"iss":    f.Issuer(),
		"sub":    subject,
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
		"groups": groups,
	}
	for k, v := range extra {
		claims[k] = v
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

func writeOAuthError(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

func randomCode() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
