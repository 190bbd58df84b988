package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"mcpgateway-go/internal/events"
	"mcpgateway-go/internal/gwerr"
)

// ProxySink receives the full enabled record set after every mutation and
// materializes the reverse-proxy fragment. Reload-signal failures are the
// sink's to log; they never fail the registry mutation.
type ProxySink interface {
	Apply(records []*ServiceRecord) error
}

// QuarantinedRecord is a service record file that failed to parse at boot.
// The record is disabled and surfaced as unhealthy instead of failing boot.
type QuarantinedRecord struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

// Manager owns the in-memory record set and its on-disk mirror. All
// mutations take the write lock, persist first, then apply in memory, so a
// failed write leaves no trace.
type Manager struct {
	mu          sync.RWMutex
	records     map[string]*ServiceRecord // keyed by path
	quarantined []QuarantinedRecord

	dir       string
	validator *validator.Validate
	bus       *events.Bus
	proxy     ProxySink
	logger    *zap.Logger
}

// NewManager loads every record file under dir. Unparseable files are
// quarantined; an unreadable directory is fatal (state corruption).
func NewManager(dir string, bus *events.Bus, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		records:   make(map[string]*ServiceRecord),
		dir:       dir,
		validator: newValidator(),
		bus:       bus,
		logger:    logger.Named("registry"),
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create servers directory %s: %v", gwerr.ErrCorruption, dir, err)
	}
	if err := m.loadAll(); err != nil {
		return nil, err
	}

	m.logger.Info("registry loaded",
		zap.Int("services", len(m.records)),
		zap.Int("quarantined", len(m.quarantined)))
	return m, nil
}

// SetProxySink wires the reverse-proxy fragment writer and performs the
// initial regeneration so the proxy converges on the loaded state.
func (m *Manager) SetProxySink(sink ProxySink) {
	m.mu.Lock()
	m.proxy = sink
	records := m.enabledLocked()
	m.mu.Unlock()

	if err := sink.Apply(records); err != nil {
		m.logger.Warn("initial proxy fragment generation failed", zap.Error(err))
	}
}

func (m *Manager) loadAll() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("%w: failed to read servers directory %s: %v", gwerr.ErrCorruption, m.dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		full := filepath.Join(m.dir, entry.Name())
		data, err := os.ReadFile(full)
		if err != nil {
			return fmt.Errorf("%w: failed to read record file %s: %v", gwerr.ErrCorruption, full, err)
		}

		var record ServiceRecord
		if err := json.Unmarshal(data, &record); err != nil {
			m.quarantined = append(m.quarantined, QuarantinedRecord{File: entry.Name(), Error: err.Error()})
			m.logger.Warn("quarantined corrupt service record",
				zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		record.Normalize()
		if err := validateRecord(m.validator, &record); err != nil {
			m.quarantined = append(m.quarantined, QuarantinedRecord{File: entry.Name(), Error: err.Error()})
			m.logger.Warn("quarantined invalid service record",
				zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		if _, dup := m.records[record.Path]; dup {
			m.quarantined = append(m.quarantined, QuarantinedRecord{
				File:  entry.Name(),
				Error: fmt.Sprintf("duplicate path %s", record.Path),
			})
			continue
		}
		m.records[record.Path] = &record
	}
	return nil
}

// Register creates a new service record.
func (m *Manager) Register(record *ServiceRecord) (*ServiceRecord, error) {
	rec := record.Clone()
	rec.Normalize()
	if err := validateRecord(m.validator, rec); err != nil {
		return nil, fmt.Errorf("%w: %v", gwerr.ErrValidation, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.Path]; exists {
		return nil, gwerr.Conflictf("service path %s already registered", rec.Path)
	}

	if err := m.persistLocked(rec); err != nil {
		return nil, err
	}
	m.records[rec.Path] = rec
	m.applyProxyLocked()

	m.emit(events.EventServiceRegistered, rec)
	m.logger.Info("registered service",
		zap.String("path", rec.Path),
		zap.String("name", rec.ServerName),
		zap.Bool("enabled", rec.Enabled))
	return rec.Clone(), nil
}

// Remove deletes a service record and its file.
func (m *Manager) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[path]
	if !ok {
		return gwerr.NotFoundf("service %s", path)
	}

	file := filepath.Join(m.dir, fileNameForPath(path))
	if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove record file %s: %w", file, err)
	}
	delete(m.records, path)
	m.applyProxyLocked()

	m.emit(events.EventServiceRemoved, rec)
	m.logger.Info("removed service", zap.String("path", path))
	return nil
}

// Toggle flips the enabled bit. Disabled services drop out of the proxy
// fragment and stop being probed.
func (m *Manager) Toggle(path string, enabled bool) (*ServiceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[path]
	if !ok {
		return nil, gwerr.NotFoundf("service %s", path)
	}
	if rec.Enabled == enabled {
		return rec.Clone(), nil
	}

	next := rec.Clone()
	next.Enabled = enabled
	if err := m.persistLocked(next); err != nil {
		return nil, err
	}
	m.records[path] = next
	m.applyProxyLocked()

	m.emit(events.EventServiceToggled, next)
	m.logger.Info("toggled service", zap.String("path", path), zap.Bool("enabled", enabled))
	return next.Clone(), nil
}

// EditPatch is a partial update; nil fields keep their current value. The
// path is the record identity and cannot change.
type EditPatch struct {
	ServerName          *string            `json:"server_name,omitempty"`
	ProxyPassURL        *string            `json:"proxy_pass_url,omitempty"`
	Description         *string            `json:"description,omitempty"`
	Tags                *[]string          `json:"tags,omitempty"`
	License             *string            `json:"license,omitempty"`
	IsPython            *bool              `json:"is_python,omitempty"`
	NumStars            *int               `json:"num_stars,omitempty"`
	AuthProvider        *string            `json:"auth_provider,omitempty"`
	SupportedTransports *[]string          `json:"supported_transports,omitempty"`
	Headers             *[]HeaderInjection `json:"headers,omitempty"`
}

// Edit applies a partial update with full re-validation.
func (m *Manager) Edit(path string, patch *EditPatch) (*ServiceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[path]
	if !ok {
		return nil, gwerr.NotFoundf("service %s", path)
	}

	next := rec.Clone()
	if patch.ServerName != nil {
		next.ServerName = *patch.ServerName
	}
	if patch.ProxyPassURL != nil {
		next.ProxyPassURL = *patch.ProxyPassURL
	}
	if patch.Description != nil {
		next.Description = *patch.Description
	}
	if patch.Tags != nil {
		next.Tags = append([]string(nil), (*patch.Tags)...)
	}
	if patch.License != nil {
		next.License = *patch.License
	}
	if patch.IsPython != nil {
		next.IsPython = *patch.IsPython
	}
	if patch.NumStars != nil {
		next.NumStars = *patch.NumStars
	}
	if patch.AuthProvider != nil {
		next.AuthProvider = *patch.AuthProvider
	}
	if patch.SupportedTransports != nil {
		next.SupportedTransports = append([]string(nil), (*patch.SupportedTransports)...)
	}
	if patch.Headers != nil {
		next.Headers = append([]HeaderInjection(nil), (*patch.Headers)...)
	}

	next.Normalize()
	if next.Path != path {
		return nil, gwerr.Validationf("edit cannot change the service path")
	}
	if err := validateRecord(m.validator, next); err != nil {
		return nil, fmt.Errorf("%w: %v", gwerr.ErrValidation, err)
	}

	if err := m.persistLocked(next); err != nil {
		return nil, err
	}
	m.records[path] = next
	m.applyProxyLocked()

	m.emit(events.EventServiceUpdated, next)
	m.logger.Info("edited service", zap.String("path", path))
	return next.Clone(), nil
}

// SetInventory records the last successful tools/list result. The health
// supervisor is the only caller; it publishes the inventory event itself.
func (m *Manager) SetInventory(path string, tools []ToolDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[path]
	if !ok {
		return gwerr.NotFoundf("service %s", path)
	}

	next := rec.Clone()
	next.ToolList = make([]ToolDescriptor, len(tools))
	copy(next.ToolList, tools)
	next.NumTools = len(tools)

	if err := m.persistLocked(next); err != nil {
		return err
	}
	m.records[path] = next
	return nil
}

// List returns clones of every record, sorted by path.
func (m *Manager) List() []*ServiceRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ServiceRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// ListEnabled returns clones of the enabled records, sorted by path.
func (m *Manager) ListEnabled() []*ServiceRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabledLocked()
}

// Get returns one record by path.
func (m *Manager) Get(path string) (*ServiceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[path]
	if !ok {
		return nil, gwerr.NotFoundf("service %s", path)
	}
	return rec.Clone(), nil
}

// Quarantined returns the record files that failed to load at boot.
func (m *Manager) Quarantined() []QuarantinedRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]QuarantinedRecord(nil), m.quarantined...)
}

// ResolveServerTools implements scopes.ToolResolver: a server is addressable
// by path or by registered name.
func (m *Manager) ResolveServerTools(serverName string) (string, []string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if rec, ok := m.records[serverName]; ok {
		return rec.Path, rec.ToolNames(), true
	}
	for _, rec := range m.records {
		if rec.ServerName == serverName {
			return rec.Path, rec.ToolNames(), true
		}
	}
	return "", nil, false
}

// FindByPrefix returns the record whose path is the longest prefix of the
// request path. Mirrors the proxy's longest-prefix routing so /validate and
// the proxy agree on the target service.
func (m *Manager) FindByPrefix(requestPath string) (*ServiceRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *ServiceRecord
	for _, rec := range m.records {
		prefix := strings.TrimSuffix(rec.Path, "/")
		if requestPath == prefix || strings.HasPrefix(requestPath, prefix+"/") {
			if best == nil || len(rec.Path) > len(best.Path) {
				best = rec
			}
		}
	}
	if best == nil {
		return nil, false
	}
	return best.Clone(), true
}

func (m *Manager) enabledLocked() []*ServiceRecord {
	out := make([]*ServiceRecord, 0, len(m.records))
	for _, rec := range m.records {
		if rec.Enabled {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// persistLocked writes the record file atomically. Caller holds the lock.
func (m *Manager) persistLocked(rec *ServiceRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", rec.Path, err)
	}

	full := filepath.Join(m.dir, fileNameForPath(rec.Path))
	tmp, err := os.CreateTemp(m.dir, fileNameForPath(rec.Path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp record file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write record file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync record file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename record file: %w", err)
	}
	return nil
}

// applyProxyLocked regenerates the fragment from the enabled set. Fragment
// errors are logged, never returned: the registry state is already durable
// and the next successful regeneration converges the proxy.
func (m *Manager) applyProxyLocked() {
	if m.proxy == nil {
		return
	}
	if err := m.proxy.Apply(m.enabledLocked()); err != nil {
		m.logger.Error("proxy fragment regeneration failed", zap.Error(err))
	}
}

func (m *Manager) emit(eventType events.EventType, rec *ServiceRecord) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(eventType, map[string]any{
		"path":    rec.Path,
		"name":    rec.ServerName,
		"enabled": rec.Enabled,
	})
}
