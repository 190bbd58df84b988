package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"mcpgateway-go/internal/health"
	"mcpgateway-go/internal/registry"
	"mcpgateway-go/internal/scopes"
)

// serviceSummary is one row of the service listing: the record joined with
// its latest probe outcome.
type serviceSummary struct {
	*registry.ServiceRecord
	Health      string    `json:"health"`
	LastChecked time.Time `json:"last_checked,omitzero"`
	LatencyMs   int64     `json:"latency_ms,omitempty"`
	HealthError string    `json:"health_error,omitempty"`
}

func (s *Server) summarize(rec *registry.ServiceRecord) serviceSummary {
	out := serviceSummary{ServiceRecord: rec, Health: "disabled"}
	if !rec.Enabled {
		return out
	}
	status, ok := s.healthSv.Get(rec.Path)
	if !ok {
		out.Health = health.StatusUnknown
		return out
	}
	out.Health = status.Status
	out.LastChecked = status.LastChecked
	out.LatencyMs = status.LatencyMs
	out.HealthError = status.Error
	return out
}

// handleListServices lists every service the caller may see, with health.
func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	principal := s.principalFor(w, r)
	if principal == nil {
		return
	}

	doc := s.scopes.Snapshot()
	summaries := make([]serviceSummary, 0)
	for _, rec := range s.registry.List() {
		if !doc.UIAllows(principal.Groups, scopes.CapabilityListService, rec.Path) {
			continue
		}
		summaries = append(summaries, s.summarize(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"services":    summaries,
		"quarantined": s.registry.Quarantined(),
	})
}

// handleServerDetails returns one record with health and tool inventory.
func (s *Server) handleServerDetails(w http.ResponseWriter, r *http.Request) {
	path := wildcardPath(r)
	principal := s.requireCapability(w, r, scopes.CapabilityListService, path)
	if principal == nil {
		return
	}

	rec, err := s.registry.Get(path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.summarize(rec))
}

// handleRegister creates a service record.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	principal := s.requireCapability(w, r, scopes.CapabilityRegister, "")
	if principal == nil {
		return
	}

	var rec registry.ServiceRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: "validation_error", Detail: "invalid JSON body"})
		return
	}

	created, err := s.registry.Register(&rec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

// handleToggle enables or disables a service.
func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	path := wildcardPath(r)
	principal := s.requireCapability(w, r, scopes.CapabilityToggle, path)
	if principal == nil {
		return
	}

	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: "validation_error", Detail: "invalid JSON body"})
		return
	}

	rec, err := s.registry.Toggle(path, req.Enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleEdit applies a partial update to a record.
func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	path := wildcardPath(r)
	principal := s.requireCapability(w, r, scopes.CapabilityModify, path)
	if principal == nil {
		return
	}

	var patch registry.EditPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: "validation_error", Detail: "invalid JSON body"})
		return
	}

	rec, err := s.registry.Edit(path, &patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type removeRequest struct {
	Path string `json:"path"`
}

// handleRemove deletes a service record. Scope group membership cleanup
// happens through the service-removed event.
func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req removeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: "validation_error", Detail: "service path is required"})
		return
	}

	principal := s.requireCapability(w, r, scopes.CapabilityModify, req.Path)
	if principal == nil {
		return
	}

	if err := s.registry.Remove(req.Path); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleHealthcheck returns the supervisor's full status snapshot.
func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	principal := s.requireCapability(w, r, scopes.CapabilityHealthCheck, "")
	if principal == nil {
		return
	}
	writeJSON(w, http.StatusOK, s.healthSv.Snapshot())
}

// handleHealthcheckNow probes one service immediately, off-cadence.
func (s *Server) handleHealthcheckNow(w http.ResponseWriter, r *http.Request) {
	path := wildcardPath(r)
	principal := s.requireCapability(w, r, scopes.CapabilityHealthCheck, path)
	if principal == nil {
		return
	}

	status, err := s.healthSv.CheckNow(r.Context(), path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleToolFinder runs a natural-language tool query and filters hits to
// services the caller can list.
func (s *Server) handleToolFinder(w http.ResponseWriter, r *http.Request) {
	principal := s.principalFor(w, r)
	if principal == nil {
		return
	}

	q := r.URL.Query()
	query := q.Get("query")
	topServices := queryInt(q.Get("top_k_services"), 3)
	topTools := queryInt(q.Get("top_n_tools"), 5)
	tags := q["tag"]

	hits, err := s.index.Query(r.Context(), query, topServices, topTools, tags)
	if err != nil {
		writeError(w, err)
		return
	}

	doc := s.scopes.Snapshot()
	visible := hits[:0]
	for _, hit := range hits {
		if doc.UIAllows(principal.Groups, scopes.CapabilityListService, hit.ServicePath) {
			visible = append(visible, hit)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": visible})
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
