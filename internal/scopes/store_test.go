package scopes

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"pgregory.net/rapid"

	"mcpgateway-go/internal/events"
)

type fakeResolver struct {
	servers map[string]struct {
		path  string
		tools []string
	}
}

func (f *fakeResolver) ResolveServerTools(name string) (string, []string, bool) {
	s, ok := f.servers[name]
	if !ok {
		return "", nil, false
	}
	return s.path, s.tools, true
}

func newTestStore(t *testing.T) (*Store, []string, chan events.Event) {
	t.Helper()
	dir := t.TempDir()
	paths := []string{
		filepath.Join(dir, "container", "scopes.yml"),
		filepath.Join(dir, "host", "scopes.yml"),
	}
	bus := events.NewBus()
	ch := bus.Subscribe()

	store, err := NewStore(paths, bus, zap.NewNop())
	require.NoError(t, err)

	store.SetToolResolver(&fakeResolver{servers: map[string]struct {
		path  string
		tools []string
	}{
		"fininfo": {path: "/fininfo", tools: []string{"get_stock_aggregates", "print_stock_data"}},
	}})

	return store, paths, ch
}

func TestNewStoreInstallsDefaults(t *testing.T) {
	store, paths, _ := newTestStore(t)

	doc := store.Snapshot()
	assert.True(t, doc.HasGroup(GroupUnrestrictedRead))
	assert.True(t, doc.HasGroup(GroupUnrestrictedExecute))

	// Both replicas exist and parse to the same document.
	for _, p := range paths {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		var onDisk Document
		require.NoError(t, yaml.Unmarshal(data, &onDisk))
		assert.Equal(t, doc.GroupNames(), onDisk.GroupNames())
	}
}

func TestNewStoreLoadsExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scopes.yml")

	existing := `
mcp-servers-finance/read:
  - server: /fininfo
    methods: [tools/call]
    tools: [get_stock_aggregates]
`
	require.NoError(t, os.WriteFile(path, []byte(existing), 0o644))

	store, err := NewStore([]string{path}, events.NewBus(), zap.NewNop())
	require.NoError(t, err)

	doc := store.Snapshot()
	assert.True(t, doc.HasGroup("mcp-servers-finance/read"))
	// Protected defaults are re-added even when the file lacks them.
	assert.True(t, doc.HasGroup(GroupUnrestrictedRead))
}

func TestNewStoreRejectsCorruptDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scopes.yml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml: ["), 0o644))

	_, err := NewStore([]string{path}, events.NewBus(), zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestCreateAndDeleteGroup(t *testing.T) {
	store, paths, ch := newTestStore(t)
	drainEvents(ch)

	require.NoError(t, store.CreateGroup("mcp-servers-finance/read"))
	assert.ErrorIs(t, store.CreateGroup("mcp-servers-finance/read"), ErrGroupExists)

	evt := <-ch
	assert.Equal(t, events.EventScopesReloaded, evt.Type)

	// Mutation is visible on every replica.
	for _, p := range paths {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.Contains(t, string(data), "mcp-servers-finance/read")
	}

	require.NoError(t, store.DeleteGroup("mcp-servers-finance/read"))
	assert.ErrorIs(t, store.DeleteGroup("mcp-servers-finance/read"), ErrGroupNotFound)
	assert.ErrorIs(t, store.DeleteGroup(GroupUnrestrictedRead), ErrProtectedGroup)
	assert.ErrorIs(t, store.DeleteGroup(GroupUnrestrictedExecute), ErrProtectedGroup)
}

func TestAddServerToGroupsGrantsFullToolList(t *testing.T) {
	store, _, _ := newTestStore(t)
	require.NoError(t, store.CreateGroup("mcp-servers-finance/read"))

	result, err := store.AddServerToGroups("fininfo", []string{"mcp-servers-finance/read"})
	require.NoError(t, err)
	assert.Equal(t, []string{"mcp-servers-finance/read"}, result.Changed)
	assert.False(t, result.UnknownServer)

	perms := store.Snapshot().PermissionsFor([]string{"mcp-servers-finance/read"}, "/fininfo", "fininfo")
	require.Len(t, perms, 1)
	assert.Equal(t, "/fininfo", perms[0].Server)
	assert.ElementsMatch(t, []string{"initialize", "ping", "tools/list", "tools/call"}, perms[0].Methods)
	assert.ElementsMatch(t, []string{"get_stock_aggregates", "print_stock_data"}, perms[0].Tools)
}

func TestAddServerToGroupsIdempotent(t *testing.T) {
	store, _, _ := newTestStore(t)
	require.NoError(t, store.CreateGroup("g1"))

	first, err := store.AddServerToGroups("fininfo", []string{"g1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"g1"}, first.Changed)

	second, err := store.AddServerToGroups("fininfo", []string{"g1"})
	require.NoError(t, err)
	assert.Empty(t, second.Changed)
	assert.Equal(t, []string{"g1"}, second.Unchanged)

	perms := store.Snapshot().Groups["g1"]
	assert.Len(t, perms, 1, "no duplicate permission entries")
}

func TestAddUnknownServerReported(t *testing.T) {
	store, _, _ := newTestStore(t)
	require.NoError(t, store.CreateGroup("g1"))

	result, err := store.AddServerToGroups("ghost", []string{"g1"})
	require.NoError(t, err)
	assert.True(t, result.UnknownServer)
	assert.Equal(t, []string{"g1"}, result.Changed)
}

func TestAddServerToUnknownGroupFails(t *testing.T) {
	store, _, _ := newTestStore(t)

	_, err := store.AddServerToGroups("fininfo", []string{"missing-group"})
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestRemoveServerFromGroups(t *testing.T) {
	store, _, _ := newTestStore(t)
	require.NoError(t, store.CreateGroup("g1"))
	_, err := store.AddServerToGroups("fininfo", []string{"g1"})
	require.NoError(t, err)

	result, err := store.RemoveServerFromGroups("fininfo", []string{"g1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"g1"}, result.Changed)
	assert.Empty(t, store.Snapshot().Groups["g1"])

	// Removing again is a no-op.
	again, err := store.RemoveServerFromGroups("fininfo", []string{"g1"})
	require.NoError(t, err)
	assert.Empty(t, again.Changed)
	assert.Equal(t, []string{"g1"}, again.Unchanged)
}

func TestRemoveServerEverywhere(t *testing.T) {
	store, _, _ := newTestStore(t)
	require.NoError(t, store.CreateGroup("g1"))
	require.NoError(t, store.CreateGroup("g2"))
	_, err := store.AddServerToGroups("fininfo", []string{"g1", "g2"})
	require.NoError(t, err)

	require.NoError(t, store.RemoveServerEverywhere("fininfo", "/fininfo"))

	doc := store.Snapshot()
	assert.Empty(t, doc.Groups["g1"])
	assert.Empty(t, doc.Groups["g2"])
}

func TestSnapshotImmuneToLaterMutations(t *testing.T) {
	store, _, _ := newTestStore(t)

	before := store.Snapshot()
	require.NoError(t, store.CreateGroup("added-later"))

	assert.False(t, before.HasGroup("added-later"), "old snapshot must not change")
	assert.True(t, store.Snapshot().HasGroup("added-later"))
}

func TestPersistAllRestoresOnFailure(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good", "scopes.yml")
	// Second target's parent is a file, so MkdirAll fails mid-batch.
	blocker := filepath.Join(dir, "blocked")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	bad := filepath.Join(blocker, "scopes.yml")

	doc := DefaultDocument()
	require.NoError(t, persistAll([]string{good}, doc))
	originalBytes, err := os.ReadFile(good)
	require.NoError(t, err)

	mutated := doc.Clone()
	mutated.Groups["extra"] = []ServerPermission{}
	require.Error(t, persistAll([]string{good, bad}, mutated))

	// First replica was rolled back to the previous content.
	afterBytes, err := os.ReadFile(good)
	require.NoError(t, err)
	assert.Equal(t, string(originalBytes), string(afterBytes))
}

// Membership mutations are idempotent: any sequence of repeated adds and
// removes of the same (server, group) pair lands in one of exactly two
// states, present with a single entry or absent.
func TestMembershipIdempotencyProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		dir := t.TempDir()
		store, err := NewStore([]string{filepath.Join(dir, "scopes.yml")}, events.NewBus(), zap.NewNop())
		if err != nil {
			rt.Fatalf("store: %v", err)
		}
		store.SetToolResolver(&fakeResolver{servers: map[string]struct {
			path  string
			tools []string
		}{
			"svc": {path: "/svc", tools: []string{"tool_a", "tool_b"}},
		}})
		if err := store.CreateGroup("group-under-test"); err != nil {
			rt.Fatalf("create group: %v", err)
		}

		present := false
		ops := rapid.SliceOfN(rapid.Bool(), 1, 12).Draw(rt, "ops")
		for _, add := range ops {
			if add {
				if _, err := store.AddServerToGroups("svc", []string{"group-under-test"}); err != nil {
					rt.Fatalf("add: %v", err)
				}
				present = true
			} else {
				if _, err := store.RemoveServerFromGroups("svc", []string{"group-under-test"}); err != nil {
					rt.Fatalf("remove: %v", err)
				}
				present = false
			}

			perms := store.Snapshot().Groups["group-under-test"]
			if present && len(perms) != 1 {
				rt.Fatalf("expected exactly one permission entry, got %d", len(perms))
			}
			if !present && len(perms) != 0 {
				rt.Fatalf("expected no permission entries, got %d", len(perms))
			}
		}
	})
}

func drainEvents(ch chan events.Event) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
