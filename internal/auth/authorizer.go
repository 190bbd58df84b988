package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"mcpgateway-go/internal/mcpparse"
	"mcpgateway-go/internal/registry"
	"mcpgateway-go/internal/scopes"
	"mcpgateway-go/internal/storage"
)

// Deny reason codes surfaced in the response body and WWW-Authenticate.
const (
	ReasonNoCredentials    = "no_credentials"
	ReasonTokenExpired     = "token_expired"
	ReasonInvalidToken     = "invalid_token"
	ReasonNotPermitted     = "not_permitted"
	ReasonToolNotPermitted = "tool_not_permitted"
	ReasonUnknownService   = "unknown_service"
)

// Ingress discriminator headers for programmatic callers.
const (
	HeaderIngressAuth  = "X-Authorization"
	HeaderUserPoolID   = "X-User-Pool-Id"
	HeaderClientID     = "X-Client-Id"
	HeaderRegion       = "X-Region"
	HeaderKeycloakURL  = "X-Keycloak-Url"
	HeaderKeycloakRlm  = "X-Keycloak-Realm"
	HeaderPrincipalID  = "X-Principal-Id"
	HeaderPrincipalGrp = "X-Principal-Groups"
	HeaderIdp          = "X-Idp"
)

// ValidateRequest is the subrequest input: the original method and path plus
// the raw body and headers of the proxied request.
type ValidateRequest struct {
	Method string
	Path   string
	Body   []byte
	Header http.Header
	Cookie string // raw session cookie value, empty when absent
}

// Decision is the authorizer's answer.
type Decision struct {
	Allow     bool
	Status    int    // HTTP status for a deny
	Reason    string // deny reason code
	Principal *Principal
	MCPMethod string
	ToolName  string
}

// Headers returns the identity headers to inject upstream on an allow.
func (d *Decision) Headers() map[string]string {
	if !d.Allow || d.Principal == nil {
		return nil
	}
	return map[string]string{
		HeaderPrincipalID:  d.Principal.ID,
		HeaderPrincipalGrp: d.Principal.GroupsHeader(),
		HeaderIdp:          d.Principal.Idp,
	}
}

// PolicySource yields the current scope policy snapshot.
type PolicySource interface {
	Snapshot() *scopes.Document
}

// RouteSource maps request paths onto registered services.
type RouteSource interface {
	FindByPrefix(requestPath string) (*registry.ServiceRecord, bool)
}

// Authorizer answers /validate: resolve a credential to a Principal, then
// match the MCP method and tool against the scope policy.
type Authorizer struct {
	policy   PolicySource
	routes   RouteSource
	session  *SessionManager
	cognito  *CognitoValidator
	keycloak *KeycloakValidator
	db       *storage.BoltDB
	budget   time.Duration
	logger   *zap.Logger
}

// NewAuthorizer wires the authorizer. cognito and keycloak may be nil when
// the corresponding provider is not configured.
func NewAuthorizer(policy PolicySource, routes RouteSource, session *SessionManager, cognito *CognitoValidator, keycloak *KeycloakValidator, db *storage.BoltDB, budget time.Duration, logger *zap.Logger) *Authorizer {
	return &Authorizer{
		policy:   policy,
		routes:   routes,
		session:  session,
		cognito:  cognito,
		keycloak: keycloak,
		db:       db,
		budget:   budget,
		logger:   logger.Named("auth"),
	}
}

// Budget returns the per-request deadline for /validate.
func (a *Authorizer) Budget() time.Duration { return a.budget }

// Authorize runs the full decision: credential resolution, service lookup,
// and scope matching. It never mutates state.
func (a *Authorizer) Authorize(ctx context.Context, req *ValidateRequest) *Decision {
	ctx, cancel := context.WithTimeout(ctx, a.budget)
	defer cancel()

	principal, authKind, denied := a.resolvePrincipal(ctx, req)
	if denied != nil {
		return denied
	}

	record, ok := a.routes.FindByPrefix(req.Path)
	if !ok {
		return &Decision{Status: http.StatusForbidden, Reason: ReasonUnknownService, Principal: principal}
	}

	parsed := mcpparse.ParseRequest(req.Body)
	decision := a.authorizeScopes(principal, authKind, record, parsed)
	decision.Principal = principal
	decision.MCPMethod = parsed.Method
	decision.ToolName = parsed.ToolName

	if !decision.Allow {
		a.logger.Debug("request denied",
			zap.String("principal", principal.ID),
			zap.String("path", record.Path),
			zap.String("method", parsed.Method),
			zap.String("tool", parsed.ToolName),
			zap.String("reason", decision.Reason))
	}
	return decision
}

// ResolvePrincipal authenticates the caller without a scope check. Used by
// the admin surface, which authorizes against UI capabilities instead.
func (a *Authorizer) ResolvePrincipal(ctx context.Context, req *ValidateRequest) (*Principal, *Decision) {
	principal, _, denied := a.resolvePrincipal(ctx, req)
	return principal, denied
}

// resolvePrincipal walks the credential resolution order: session cookie,
// then X-Authorization bearer. A plain Authorization bearer is an egress
// credential for the upstream and never grants gateway identity.
func (a *Authorizer) resolvePrincipal(ctx context.Context, req *ValidateRequest) (*Principal, string, *Decision) {
	if req.Cookie != "" {
		principal, _, err := a.session.Verify(req.Cookie, TokenUseSession)
		if err != nil {
			return nil, "", denyCredential(err)
		}
		principal.Source = SourceSession
		return principal, scopes.AuthKindSession, nil
	}

	token := bearerToken(req.Header.Get(HeaderIngressAuth))
	if token == "" {
		return nil, "", &Decision{Status: http.StatusUnauthorized, Reason: ReasonNoCredentials}
	}

	// Gateway-vended tokens are HS256 with a jti; IdP tokens are RS256.
	if principal, jti, err := a.session.Verify(token, TokenUseVended); err == nil {
		if a.revoked(jti) {
			return nil, "", &Decision{Status: http.StatusUnauthorized, Reason: ReasonInvalidToken}
		}
		principal.Source = SourceIngressHeader
		return principal, scopes.AuthKindIngress, nil
	} else if errors.Is(err, ErrTokenExpired) {
		return nil, "", denyCredential(err)
	}

	validator := a.selectValidator(req.Header)
	if validator == nil {
		return nil, "", &Decision{Status: http.StatusUnauthorized, Reason: ReasonInvalidToken}
	}
	principal, _, err := validator(ctx, token)
	if err != nil {
		return nil, "", denyCredential(err)
	}
	principal.Source = SourceIngressHeader
	return principal, scopes.AuthKindIngress, nil
}

type verifyFunc func(ctx context.Context, token string) (*Principal, time.Time, error)

// selectValidator picks the IdP by discriminator headers. When both sets are
// present, Keycloak wins if the supplied realm URL matches its realm.
func (a *Authorizer) selectValidator(header http.Header) verifyFunc {
	keycloakHinted := header.Get(HeaderKeycloakURL) != "" || header.Get(HeaderKeycloakRlm) != ""
	cognitoHinted := header.Get(HeaderUserPoolID) != "" || header.Get(HeaderClientID) != "" ||
		header.Get(HeaderRegion) != ""

	if keycloakHinted && a.keycloak != nil {
		if url := header.Get(HeaderKeycloakURL); url == "" || a.keycloak.MatchesRealm(url) || !cognitoHinted {
			return a.keycloak.Verify
		}
	}
	if cognitoHinted && a.cognito != nil {
		return a.cognito.Verify
	}

	// No discriminator: fall back to whichever providers are configured.
	switch {
	case a.keycloak != nil && a.cognito != nil:
		return func(ctx context.Context, token string) (*Principal, time.Time, error) {
			principal, expiry, err := a.keycloak.Verify(ctx, token)
			if err == nil {
				return principal, expiry, nil
			}
			return a.cognito.Verify(ctx, token)
		}
	case a.keycloak != nil:
		return a.keycloak.Verify
	case a.cognito != nil:
		return a.cognito.Verify
	}
	return nil
}

func (a *Authorizer) revoked(jti string) bool {
	if a.db == nil || jti == "" {
		return false
	}
	rec, err := a.db.GetVendedToken(jti)
	if err != nil {
		a.logger.Warn("vended token lookup failed", zap.Error(err))
		return false
	}
	return rec != nil && rec.Revoked
}

// authorizeScopes implements the matching algorithm: permissions granted by
// the principal's groups on this service, with the auth-kind default group
// as fallback when no group grants anything here.
func (a *Authorizer) authorizeScopes(principal *Principal, authKind string, record *registry.ServiceRecord, parsed mcpparse.ParsedRequest) *Decision {
	if !parsed.IsValid {
		// An unparseable body can still carry handshake traffic but never a
		// tool invocation.
		parsed.Method = ""
		return a.matchSafeOnly(principal, authKind, record)
	}

	doc := a.policy.Snapshot()
	perms := doc.PermissionsFor(principal.Groups, record.Path, record.ServerName)
	if len(perms) == 0 {
		if def, ok := doc.DefaultGroup(authKind); ok {
			perms = doc.PermissionsFor([]string{def}, record.Path, record.ServerName)
		}
	}

	methodAllowed := false
	for _, perm := range perms {
		if !perm.AllowsMethod(parsed.Method) {
			continue
		}
		methodAllowed = true
		if parsed.Method != "tools/call" || perm.AllowsTool(parsed.ToolName) {
			return &Decision{Allow: true}
		}
	}
	if methodAllowed && parsed.Method == "tools/call" {
		return &Decision{Status: http.StatusForbidden, Reason: ReasonToolNotPermitted}
	}
	return &Decision{Status: http.StatusForbidden, Reason: ReasonNotPermitted}
}

// matchSafeOnly allows only the non-tool methods when the body could not be
// parsed as JSON-RPC.
func (a *Authorizer) matchSafeOnly(principal *Principal, authKind string, record *registry.ServiceRecord) *Decision {
	doc := a.policy.Snapshot()
	perms := doc.PermissionsFor(principal.Groups, record.Path, record.ServerName)
	if len(perms) == 0 {
		if def, ok := doc.DefaultGroup(authKind); ok {
			perms = doc.PermissionsFor([]string{def}, record.Path, record.ServerName)
		}
	}
	for _, perm := range perms {
		for _, method := range mcpparse.SafeMethods() {
			if perm.AllowsMethod(method) {
				return &Decision{Allow: true}
			}
		}
	}
	return &Decision{Status: http.StatusForbidden, Reason: ReasonNotPermitted}
}

func denyCredential(err error) *Decision {
	reason := ReasonInvalidToken
	if errors.Is(err, ErrTokenExpired) {
		reason = ReasonTokenExpired
	} else if errors.Is(err, ErrNoCredentials) {
		reason = ReasonNoCredentials
	}
	return &Decision{Status: http.StatusUnauthorized, Reason: reason}
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
