package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"mcpgateway-go/internal/auth"
)

// Subrequest headers set by the reverse proxy. The auth_request hook strips
// the original method, URI, and body into these before calling /validate.
const (
	headerOriginalURI    = "X-Original-Uri"
	headerOriginalMethod = "X-Original-Method"
)

const maxValidateBody = 1 << 20

// handleValidate answers the reverse proxy's authorization subrequest. It is
// idempotent and side-effect free: allow returns 200 with identity headers
// for auth_request_set, deny returns 401/403 with a reason code.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxValidateBody))
	if err != nil {
		body = nil
	}

	req := &auth.ValidateRequest{
		Method: r.Header.Get(headerOriginalMethod),
		Path:   r.Header.Get(headerOriginalURI),
		Body:   body,
		Header: r.Header,
	}
	if req.Method == "" {
		req.Method = r.Method
	}
	if req.Path == "" {
		req.Path = r.URL.Path
	}
	if cookie, err := r.Cookie(auth.CookieName); err == nil {
		req.Cookie = cookie.Value
	}

	decision := s.authorizer.Authorize(r.Context(), req)

	if s.metrics != nil {
		outcome := "deny"
		if decision.Allow {
			outcome = "allow"
		}
		s.metrics.RecordValidateDecision(outcome, decision.Reason, time.Since(start))
	}

	if decision.Allow {
		for name, value := range decision.Headers() {
			w.Header().Set(name, value)
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	if decision.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf(`Bearer realm="mcpgateway", error="%s"`, decision.Reason))
	}
	s.logger.Debug("validate denied",
		zap.String("path", req.Path),
		zap.String("reason", decision.Reason),
		zap.Int("status", decision.Status))
	writeJSON(w, decision.Status, errorEnvelope{Error: decision.Reason, Detail: "request denied"})
}
