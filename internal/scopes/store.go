package scopes

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"mcpgateway-go/internal/events"
	"mcpgateway-go/internal/gwerr"
)

var (
	// ErrGroupExists is returned by CreateGroup for duplicate names.
	ErrGroupExists = errors.New("group already exists")
	// ErrGroupNotFound is returned when a mutation names an unknown group.
	ErrGroupNotFound = errors.New("group not found")
	// ErrProtectedGroup guards the boot-time defaults against deletion.
	ErrProtectedGroup = errors.New("group is protected")
	// ErrCorrupt marks an unreadable policy document at boot.
	ErrCorrupt = fmt.Errorf("%w: scope policy document is corrupt", gwerr.ErrCorruption)
)

// ValidationError reports a mutation that would produce an invalid document.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "scope policy validation: " + e.Reason
}

// ToolResolver resolves a service's registered name and tool inventory so
// add_server_to_groups can grant the full current tool list. The registry
// implements it.
type ToolResolver interface {
	ResolveServerTools(serverName string) (path string, tools []string, ok bool)
}

// standardMethods granted when a server is added to a group.
var standardMethods = []string{"initialize", "ping", "tools/list", "tools/call"}

// Store is the durable scope policy holder: one writer, many readers.
// Readers get immutable snapshots; every mutation clones the document,
// persists it atomically to all replicated paths, then swaps the snapshot
// and broadcasts a reload event. The snapshot is published through an
// atomic pointer so reads never wait on a writer's disk I/O: a reader
// racing a mutation sees the previous document.
type Store struct {
	mu       sync.Mutex
	doc      *Document
	snap     atomic.Pointer[Document]
	paths    []string
	bus      *events.Bus
	logger   *zap.Logger
	resolver ToolResolver
}

// NewStore loads the policy from the first existing path, or installs the
// default document on every path when none exists yet.
func NewStore(paths []string, bus *events.Bus, logger *zap.Logger) (*Store, error) {
	if len(paths) == 0 {
		return nil, &ValidationError{Reason: "at least one policy path is required"}
	}
	s := &Store{
		paths:  paths,
		bus:    bus,
		logger: logger.Named("scopes"),
	}

	doc, loadedFrom, err := loadFirst(paths)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		doc = DefaultDocument()
		if err := persistAll(paths, doc); err != nil {
			return nil, fmt.Errorf("failed to install default policy: %w", err)
		}
		s.logger.Info("installed default scope policy", zap.Strings("paths", paths))
	} else {
		// Converge replicas onto the loaded document. Replica drift after a
		// partial write heals here.
		if err := persistAll(paths, doc); err != nil {
			s.logger.Warn("failed to re-replicate policy document", zap.Error(err))
		}
		s.logger.Info("loaded scope policy",
			zap.String("path", loadedFrom),
			zap.Int("groups", len(doc.Groups)))
	}
	ensureDefaults(doc)

	s.doc = doc
	s.snap.Store(doc)
	return s, nil
}

// SetToolResolver injects the registry lookup used by AddServerToGroups.
func (s *Store) SetToolResolver(r ToolResolver) {
	s.mu.Lock()
	s.resolver = r
	s.mu.Unlock()
}

// Snapshot returns the current immutable document. Lock-free: never blocks
// on an in-flight mutation.
func (s *Store) Snapshot() *Document {
	return s.snap.Load()
}

// Paths returns the replicated write targets.
func (s *Store) Paths() []string {
	return append([]string(nil), s.paths...)
}

// CreateGroup appends an empty group.
func (s *Store) CreateGroup(name string) error {
	if name == "" {
		return &ValidationError{Reason: "group name is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc.HasGroup(name) {
		return fmt.Errorf("%w: %s", ErrGroupExists, name)
	}

	next := s.doc.Clone()
	next.Groups[name] = []ServerPermission{}
	if err := s.commitLocked(next); err != nil {
		return err
	}
	s.logger.Info("created scope group", zap.String("group", name))
	return nil
}

// DeleteGroup removes a group. The unrestricted defaults are protected.
func (s *Store) DeleteGroup(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if protectedGroup(name) {
		return fmt.Errorf("%w: %s", ErrProtectedGroup, name)
	}
	if !s.doc.HasGroup(name) {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, name)
	}

	next := s.doc.Clone()
	delete(next.Groups, name)
	if err := s.commitLocked(next); err != nil {
		return err
	}
	s.logger.Info("deleted scope group", zap.String("group", name))
	return nil
}

// MembershipResult reports what a membership mutation actually changed.
type MembershipResult struct {
	Changed       []string `json:"changed"`
	Unchanged     []string `json:"unchanged"`
	UnknownServer bool     `json:"unknown_server,omitempty"`
}

// AddServerToGroups grants the server's full current tool list and the
// standard method set to each group. Idempotent per (group, server): adding
// an identical permission twice leaves the document unchanged.
func (s *Store) AddServerToGroups(serverName string, groups []string) (*MembershipResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range groups {
		if !s.doc.HasGroup(g) {
			return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, g)
		}
	}

	perm := ServerPermission{
		Server:  serverName,
		Methods: append([]string(nil), standardMethods...),
	}
	result := &MembershipResult{}
	if s.resolver != nil {
		if path, tools, ok := s.resolver.ResolveServerTools(serverName); ok {
			perm.Server = path
			perm.Tools = append([]string(nil), tools...)
			sort.Strings(perm.Tools)
		} else {
			// Unknown servers are accepted but reported: the group may be
			// prepared ahead of registration.
			result.UnknownServer = true
		}
	}

	next := s.doc.Clone()
	changed := false
	for _, g := range groups {
		if hasPermissionForServer(next.Groups[g], perm.Server, serverName) {
			result.Unchanged = append(result.Unchanged, g)
			continue
		}
		next.Groups[g] = append(next.Groups[g], perm)
		result.Changed = append(result.Changed, g)
		changed = true
	}
	if !changed {
		return result, nil
	}

	if err := s.commitLocked(next); err != nil {
		return nil, err
	}
	s.logger.Info("added server to scope groups",
		zap.String("server", serverName),
		zap.Strings("groups", result.Changed),
		zap.Bool("unknown_server", result.UnknownServer))
	return result, nil
}

// RemoveServerFromGroups removes the server's permission entries from each
// group. Idempotent: removing an absent entry is not an error.
func (s *Store) RemoveServerFromGroups(serverName string, groups []string) (*MembershipResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range groups {
		if !s.doc.HasGroup(g) {
			return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, g)
		}
	}

	path := serverName
	if s.resolver != nil {
		if p, _, ok := s.resolver.ResolveServerTools(serverName); ok {
			path = p
		}
	}

	next := s.doc.Clone()
	result := &MembershipResult{}
	changed := false
	for _, g := range groups {
		kept := next.Groups[g][:0]
		removed := false
		for _, perm := range next.Groups[g] {
			if perm.Server == path || perm.Server == serverName {
				removed = true
				continue
			}
			kept = append(kept, perm)
		}
		next.Groups[g] = kept
		if removed {
			result.Changed = append(result.Changed, g)
			changed = true
		} else {
			result.Unchanged = append(result.Unchanged, g)
		}
	}
	if !changed {
		return result, nil
	}

	if err := s.commitLocked(next); err != nil {
		return nil, err
	}
	s.logger.Info("removed server from scope groups",
		zap.String("server", serverName),
		zap.Strings("groups", result.Changed))
	return result, nil
}

// RemoveServerEverywhere strips the server from every group. Used when a
// service record is deleted.
func (s *Store) RemoveServerEverywhere(serverName, serverPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc.Clone()
	changed := false
	for g, perms := range next.Groups {
		kept := perms[:0]
		for _, perm := range perms {
			if perm.Server == serverPath || perm.Server == serverName {
				changed = true
				continue
			}
			kept = append(kept, perm)
		}
		next.Groups[g] = kept
	}
	if !changed {
		return nil
	}
	if err := s.commitLocked(next); err != nil {
		return err
	}
	s.logger.Info("removed server from all scope groups",
		zap.String("server", serverPath))
	return nil
}

// commitLocked validates, persists to every replica, swaps the snapshot, and
// broadcasts the reload event. Caller holds the write lock.
func (s *Store) commitLocked(next *Document) error {
	if err := validateDocument(next); err != nil {
		return err
	}
	dedupePermissions(next)

	if err := persistAll(s.paths, next); err != nil {
		return err
	}
	s.doc = next
	s.snap.Store(next)

	if s.bus != nil {
		s.bus.Emit(events.EventScopesReloaded, map[string]any{
			"groups": len(next.Groups),
		})
	}
	return nil
}

func validateDocument(d *Document) error {
	for name := range d.Groups {
		if name == "" {
			return &ValidationError{Reason: "empty group name"}
		}
	}
	for kind, group := range d.DefaultScopes {
		if group == "" {
			continue
		}
		if !d.HasGroup(group) {
			return &ValidationError{
				Reason: fmt.Sprintf("Default-Scopes %s references unknown group %s", kind, group),
			}
		}
	}
	return nil
}

// dedupePermissions collapses duplicate entries within each group.
func dedupePermissions(d *Document) {
	for g, perms := range d.Groups {
		var unique []ServerPermission
		for _, p := range perms {
			dup := false
			for _, u := range unique {
				if p.equal(u) {
					dup = true
					break
				}
			}
			if !dup {
				unique = append(unique, p)
			}
		}
		d.Groups[g] = unique
	}
}

func hasPermissionForServer(perms []ServerPermission, path, name string) bool {
	for _, p := range perms {
		if p.Server == path || p.Server == name {
			return true
		}
	}
	return false
}

// ensureDefaults re-adds protected regions a hand-edited file may have lost.
func ensureDefaults(d *Document) {
	def := DefaultDocument()
	if d.Groups == nil {
		d.Groups = map[string][]ServerPermission{}
	}
	for _, g := range []string{GroupUnrestrictedRead, GroupUnrestrictedExecute} {
		if !d.HasGroup(g) {
			d.Groups[g] = def.Groups[g]
		}
	}
	if d.UIScopes == nil {
		d.UIScopes = map[string]UIRole{}
	}
	if _, ok := d.UIScopes[UIRoleAdmin]; !ok {
		d.UIScopes[UIRoleAdmin] = def.UIScopes[UIRoleAdmin]
	}
	if d.DefaultScopes == nil {
		d.DefaultScopes = map[string]string{}
	}
}

// loadFirst reads the policy from the first path that exists. Returns a nil
// document when no path exists yet.
func loadFirst(paths []string) (*Document, string, error) {
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to read policy %s: %w", p, err)
		}
		var doc Document
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, "", fmt.Errorf("%w: %s: %v", ErrCorrupt, p, err)
		}
		return &doc, p, nil
	}
	return nil, "", nil
}

// persistAll writes the document to every path with write-to-temp + rename.
// On a mid-batch failure the already-written targets are restored to their
// previous bytes, best effort, so replicas do not diverge silently.
func persistAll(paths []string, doc *Document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal policy: %w", err)
	}

	previous := make(map[string][]byte, len(paths))
	for _, p := range paths {
		if old, rerr := os.ReadFile(p); rerr == nil {
			previous[p] = old
		}
	}

	var written []string
	for _, p := range paths {
		if err := atomicWrite(p, data); err != nil {
			for _, w := range written {
				if old, ok := previous[w]; ok {
					_ = atomicWrite(w, old)
				}
			}
			return fmt.Errorf("failed to persist policy to %s: %w", p, err)
		}
		written = append(written, p)
	}
	return nil
}

// atomicWrite writes data to path via a temp file in the same directory and
// an atomic rename.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
