// Package health runs the background supervisor: one worker per enabled
// service performing the MCP handshake probe on a fixed cadence, recording
// status transitions and publishing inventory changes.
package health

import (
	"sync"
	"time"
)

// Service status values.
const (
	StatusHealthy = "healthy"
	// StatusHealthyAuthExpired means the service is reachable but rejected
	// the probe's credentials; the last known inventory is retained.
	StatusHealthyAuthExpired = "healthy-auth-expired"
	StatusUnhealthy          = "unhealthy"
	StatusUnknown            = "unknown"
)

// Status is one service's latest probe outcome.
type Status struct {
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	NumTools    int       `json:"num_tools"`
	LatencyMs   int64     `json:"latency_ms"`
	Error       string    `json:"error,omitempty"`
}

// statusEntry is one service's slot in the status map. Each entry carries its
// own lock so workers never contend with each other.
type statusEntry struct {
	mu     sync.RWMutex
	status Status
}

func (e *statusEntry) load() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

func (e *statusEntry) store(s Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

// statusMap holds per-service status with per-key locking. The outer lock
// guards only the map structure.
type statusMap struct {
	mu      sync.RWMutex
	entries map[string]*statusEntry
}

func newStatusMap() *statusMap {
	return &statusMap{entries: make(map[string]*statusEntry)}
}

func (m *statusMap) entry(path string) *statusEntry {
	m.mu.RLock()
	e, ok := m.entries[path]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.entries[path]; ok {
		return e
	}
	e = &statusEntry{status: Status{Status: StatusUnknown}}
	m.entries[path] = e
	return e
}

func (m *statusMap) get(path string) (Status, bool) {
	m.mu.RLock()
	e, ok := m.entries[path]
	m.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	return e.load(), true
}

func (m *statusMap) remove(path string) {
	m.mu.Lock()
	delete(m.entries, path)
	m.mu.Unlock()
}

// snapshot copies every entry under a short shared lock.
func (m *statusMap) snapshot() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Status, len(m.entries))
	for path, e := range m.entries {
		out[path] = e.load()
	}
	return out
}
