package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"mcpgateway-go/internal/auth"
)

// handleLogin starts the 3LO flow and redirects to the IdP.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.login == nil {
		writeJSON(w, http.StatusNotFound, errorEnvelope{Error: "not_found", Detail: "browser login is not configured"})
		return
	}

	redirectBack := r.URL.Query().Get("redirect_back")
	if redirectBack == "" || !safeRedirect(redirectBack) {
		redirectBack = "/"
	}

	authURL, err := s.login.Begin(redirectBack)
	if err != nil {
		writeError(w, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleCallback finishes the flow: state check, code exchange, ID token
// verification, session cookie.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if s.login == nil {
		writeJSON(w, http.StatusNotFound, errorEnvelope{Error: "not_found", Detail: "browser login is not configured"})
		return
	}

	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: "validation_error", Detail: "state and code are required"})
		return
	}

	principal, redirectBack, err := s.login.Complete(r.Context(), state, code)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordLogin(s.login.Provider(), "failed")
		}
		writeError(w, err)
		return
	}

	token, expiry, err := s.sessions.Mint(principal)
	if err != nil {
		writeError(w, err)
		return
	}
	s.sessions.SetCookie(w, token, expiry)
	if s.metrics != nil {
		s.metrics.RecordLogin(s.login.Provider(), "success")
	}

	if redirectBack == "" || !safeRedirect(redirectBack) {
		redirectBack = "/"
	}
	http.Redirect(w, r, redirectBack, http.StatusFound)
}

// handleLogout clears the session cookie.
func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	s.sessions.ClearCookie(w)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type tokenGenerateRequest struct {
	Description     string   `json:"description"`
	ExpiresInHours  int      `json:"expires_in_hours"`
	RequestedScopes []string `json:"requested_scopes,omitempty"`
}

// handleTokenGenerate vends a scoped token for the logged-in user.
func (s *Server) handleTokenGenerate(w http.ResponseWriter, r *http.Request) {
	principal := s.principalFor(w, r)
	if principal == nil {
		return
	}
	if principal.Source != auth.SourceSession {
		writeJSON(w, http.StatusForbidden, errorEnvelope{Error: "unauthorized", Detail: "token vending requires a browser session"})
		return
	}

	var req tokenGenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: "validation_error", Detail: "invalid JSON body"})
		return
	}

	result, err := s.vendor.Vend(principal, req.Description, req.ExpiresInHours, req.RequestedScopes)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordTokenVended()
	}
	s.logger.Info("token vended", zap.String("subject", principal.ID))
	writeJSON(w, http.StatusOK, result)
}

// handleTokenList returns the caller's issued tokens without secrets.
func (s *Server) handleTokenList(w http.ResponseWriter, r *http.Request) {
	principal := s.principalFor(w, r)
	if principal == nil {
		return
	}
	records, err := s.vendor.List(principal.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": records})
}

type tokenRevokeRequest struct {
	ID string `json:"id"`
}

// handleTokenRevoke revokes one of the caller's tokens.
func (s *Server) handleTokenRevoke(w http.ResponseWriter, r *http.Request) {
	principal := s.principalFor(w, r)
	if principal == nil {
		return
	}

	var req tokenRevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: "validation_error", Detail: "token id is required"})
		return
	}

	records, err := s.vendor.List(principal.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	owned := false
	for _, rec := range records {
		if rec.ID == req.ID {
			owned = true
			break
		}
	}
	if !owned {
		writeJSON(w, http.StatusNotFound, errorEnvelope{Error: "not_found", Detail: "token not found"})
		return
	}

	if err := s.vendor.Revoke(req.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// safeRedirect accepts only same-origin relative targets.
func safeRedirect(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return u.Scheme == "" && u.Host == "" && len(target) > 0 && target[0] == '/'
}
