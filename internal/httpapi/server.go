// Package httpapi is the gateway's HTTP surface: the /validate subrequest
// hook, browser login, token vending, and the admin registry API.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"mcpgateway-go/internal/auth"
	"mcpgateway-go/internal/groups"
	"mcpgateway-go/internal/health"
	"mcpgateway-go/internal/index"
	"mcpgateway-go/internal/observability"
	"mcpgateway-go/internal/registry"
	"mcpgateway-go/internal/scopes"
)

// Server provides the HTTP endpoints with a chi router.
type Server struct {
	router *chi.Mux

	authorizer *auth.Authorizer
	login      *auth.LoginFlow // nil disables /login
	vendor     *auth.Vendor
	sessions   *auth.SessionManager

	registry *registry.Manager
	healthSv *health.Supervisor
	index    *index.Manager
	groups   *groups.Sync
	scopes   *scopes.Store
	metrics  *observability.MetricsManager // nil disables /metrics

	logger *zap.Logger
}

// Deps carries everything the HTTP surface serves.
type Deps struct {
	Authorizer *auth.Authorizer
	Login      *auth.LoginFlow
	Vendor     *auth.Vendor
	Sessions   *auth.SessionManager
	Registry   *registry.Manager
	Health     *health.Supervisor
	Index      *index.Manager
	Groups     *groups.Sync
	Scopes     *scopes.Store
	Metrics    *observability.MetricsManager
	Logger     *zap.Logger
}

// NewServer builds the router.
func NewServer(deps Deps) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		authorizer: deps.Authorizer,
		login:      deps.Login,
		vendor:     deps.Vendor,
		sessions:   deps.Sessions,
		registry:   deps.Registry,
		healthSv:   deps.Health,
		index:      deps.Index,
		groups:     deps.Groups,
		scopes:     deps.Scopes,
		metrics:    deps.Metrics,
		logger:     deps.Logger.Named("http"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	if s.metrics != nil {
		s.router.Use(s.metrics.HTTPMiddleware())
	}

	s.router.Post("/validate", s.handleValidate)

	s.router.Get("/login", s.handleLogin)
	s.router.Get("/callback", s.handleCallback)
	s.router.Post("/logout", s.handleLogout)

	s.router.Post("/tokens/generate", s.handleTokenGenerate)
	s.router.Get("/tokens", s.handleTokenList)
	s.router.Post("/tokens/revoke", s.handleTokenRevoke)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/list_services", s.handleListServices)
		r.Get("/server_details/*", s.handleServerDetails)
		r.Post("/register", s.handleRegister)
		r.Post("/toggle/*", s.handleToggle)
		r.Post("/edit/*", s.handleEdit)
		r.Post("/remove", s.handleRemove)
		r.Get("/healthcheck", s.handleHealthcheck)
		r.Post("/healthcheck/*", s.handleHealthcheckNow)
		r.Get("/tools", s.handleToolFinder)
	})

	s.router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// validateRequestFrom builds the authorizer input from an incoming request.
func validateRequestFrom(r *http.Request, body []byte) *auth.ValidateRequest {
	req := &auth.ValidateRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Body:   body,
		Header: r.Header,
	}
	if cookie, err := r.Cookie(auth.CookieName); err == nil {
		req.Cookie = cookie.Value
	}
	return req
}

// principalFor authenticates the caller via session cookie or ingress
// bearer. A nil return means the deny response has been written.
func (s *Server) principalFor(w http.ResponseWriter, r *http.Request) *auth.Principal {
	principal, denied := s.authorizer.ResolvePrincipal(r.Context(), validateRequestFrom(r, nil))
	if denied != nil {
		writeJSON(w, denied.Status, errorEnvelope{Error: denied.Reason, Detail: "authentication required"})
		return nil
	}
	return principal
}

// requireCapability authenticates and checks a UI capability, optionally
// scoped to one service path.
func (s *Server) requireCapability(w http.ResponseWriter, r *http.Request, capability, servicePath string) *auth.Principal {
	principal := s.principalFor(w, r)
	if principal == nil {
		return nil
	}
	if !s.scopes.Snapshot().UIAllows(principal.Groups, capability, servicePath) {
		writeJSON(w, http.StatusForbidden, errorEnvelope{
			Error:  "unauthorized",
			Detail: "missing capability " + capability,
		})
		return nil
	}
	return principal
}

// wildcardPath recovers a slash-bearing service path from a chi wildcard.
func wildcardPath(r *http.Request) string {
	p := chi.URLParam(r, "*")
	if p == "" {
		return ""
	}
	return "/" + p
}
