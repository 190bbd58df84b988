package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"mcpgateway-go/internal/auth"
	"mcpgateway-go/internal/mcpparse"
	"mcpgateway-go/internal/scopes"
)

const maxAdminBody = 1 << 20

// toolCapabilities maps each admin tool to the UI capability its HTTP
// counterpart requires. Tools absent here are rejected by the MCP server
// itself as unknown.
var toolCapabilities = map[string]string{
	"register_service":                 scopes.CapabilityRegister,
	"remove_service":                   scopes.CapabilityRegister,
	"toggle_service":                   scopes.CapabilityToggle,
	"healthcheck":                      scopes.CapabilityHealthCheck,
	"intelligent_tool_finder":          scopes.CapabilityListService,
	"list_groups":                      scopes.CapabilityListService,
	"create_group":                     scopes.CapabilityModify,
	"delete_group":                     scopes.CapabilityModify,
	"add_server_to_scopes_groups":      scopes.CapabilityModify,
	"remove_server_from_scopes_groups": scopes.CapabilityModify,
	"create_m2m_user":                  scopes.CapabilityModify,
}

// pathScopedTools carry a "path" argument the capability check is scoped to,
// so a role granting toggle_service on one service cannot toggle another.
var pathScopedTools = map[string]bool{
	"register_service": true,
	"remove_service":   true,
	"toggle_service":   true,
	"healthcheck":      true,
}

// mcpAuth guards the admin MCP endpoint with the same credential resolution
// and UI-capability rules as the REST admin API. Anonymous callers get 401
// before any tool dispatches.
type mcpAuth struct {
	authorizer *auth.Authorizer
	policy     *scopes.Store
	next       http.Handler
	logger     *zap.Logger
}

func newMCPAuth(authorizer *auth.Authorizer, policy *scopes.Store, next http.Handler, logger *zap.Logger) *mcpAuth {
	return &mcpAuth{
		authorizer: authorizer,
		policy:     policy,
		next:       next,
		logger:     logger.Named("mcp-auth"),
	}
}

func (m *mcpAuth) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAdminBody))
	if err != nil {
		body = nil
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	req := &auth.ValidateRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Body:   body,
		Header: r.Header,
	}
	if cookie, err := r.Cookie(auth.CookieName); err == nil {
		req.Cookie = cookie.Value
	}

	principal, denied := m.authorizer.ResolvePrincipal(r.Context(), req)
	if denied != nil {
		m.deny(w, denied.Status, denied.Reason)
		return
	}

	parsed := mcpparse.ParseRequest(body)
	if parsed.IsToolCall() {
		if capability, known := toolCapabilities[parsed.ToolName]; known {
			servicePath := ""
			if pathScopedTools[parsed.ToolName] {
				servicePath = gjson.GetBytes(body, "params.arguments.path").String()
			}
			if !m.policy.Snapshot().UIAllows(principal.Groups, capability, servicePath) {
				m.logger.Debug("admin tool denied",
					zap.String("principal", principal.ID),
					zap.String("tool", parsed.ToolName),
					zap.String("capability", capability))
				m.deny(w, http.StatusForbidden, auth.ReasonNotPermitted)
				return
			}
		}
	}

	m.next.ServeHTTP(w, r)
}

func (m *mcpAuth) deny(w http.ResponseWriter, status int, reason string) {
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf(`Bearer realm="mcpgateway", error="%s"`, reason))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": reason})
}
