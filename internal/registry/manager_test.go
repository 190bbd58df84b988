package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"mcpgateway-go/internal/events"
)

type fakeSink struct {
	mu      sync.Mutex
	applied [][]*ServiceRecord
	fail    bool
}

func (f *fakeSink) Apply(records []*ServiceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("sink failure")
	}
	f.applied = append(f.applied, records)
	return nil
}

func (f *fakeSink) last() []*ServiceRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.applied) == 0 {
		return nil
	}
	return f.applied[len(f.applied)-1]
}

func newTestManager(t *testing.T) (*Manager, *fakeSink, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := NewManager(dir, events.NewBus(), zap.NewNop())
	require.NoError(t, err)
	sink := &fakeSink{}
	m.SetProxySink(sink)
	return m, sink, dir
}

func testRecord(path string) *ServiceRecord {
	return &ServiceRecord{
		Path:         path,
		ServerName:   "svc" + path,
		ProxyPassURL: "http://backend" + path + ":8000/",
		Enabled:      true,
	}
}

func TestRegisterPersistsAndRoutes(t *testing.T) {
	m, sink, dir := newTestManager(t)

	_, err := m.Register(testRecord("/currenttime"))
	require.NoError(t, err)

	// Record file exists and parses.
	data, err := os.ReadFile(filepath.Join(dir, "currenttime.json"))
	require.NoError(t, err)
	var onDisk ServiceRecord
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, "/currenttime", onDisk.Path)

	// Route appears in the fragment input.
	routes := sink.last()
	require.Len(t, routes, 1)
	assert.Equal(t, "/currenttime", routes[0].Path)
}

func TestRegisterRejectsDuplicatePath(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Register(testRecord("/dup"))
	require.NoError(t, err)

	_, err = m.Register(testRecord("/dup"))
	assert.Error(t, err)
}

func TestToggleRemovesRoute(t *testing.T) {
	m, sink, _ := newTestManager(t)

	_, err := m.Register(testRecord("/svc"))
	require.NoError(t, err)

	_, err = m.Toggle("/svc", false)
	require.NoError(t, err)
	assert.Empty(t, sink.last())

	_, err = m.Toggle("/svc", true)
	require.NoError(t, err)
	assert.Len(t, sink.last(), 1)
}

func TestRemoveDeletesFile(t *testing.T) {
	m, sink, dir := newTestManager(t)

	_, err := m.Register(testRecord("/gone"))
	require.NoError(t, err)
	require.NoError(t, m.Remove("/gone"))

	_, statErr := os.Stat(filepath.Join(dir, "gone.json"))
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, sink.last())

	assert.Error(t, m.Remove("/gone"))
}

func TestEditValidatesAndPersists(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Register(testRecord("/edit"))
	require.NoError(t, err)

	desc := "updated description"
	updated, err := m.Edit("/edit", &EditPatch{Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, desc, updated.Description)

	bad := "not-a-url"
	_, err = m.Edit("/edit", &EditPatch{ProxyPassURL: &bad})
	assert.Error(t, err)

	// Failed edit leaves the stored record untouched.
	current, err := m.Get("/edit")
	require.NoError(t, err)
	assert.Equal(t, "http://backend/edit:8000/", current.ProxyPassURL)
}

func TestSetInventoryUpdatesToolList(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Register(testRecord("/inv"))
	require.NoError(t, err)

	tools := []ToolDescriptor{
		{Name: "current_time_by_timezone", Description: "time lookup"},
		{Name: "list_timezones"},
	}
	require.NoError(t, m.SetInventory("/inv", tools))

	rec, err := m.Get("/inv")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.NumTools)
	assert.Equal(t, []string{"current_time_by_timezone", "list_timezones"}, rec.ToolNames())
}

func TestResolveServerToolsByPathAndName(t *testing.T) {
	m, _, _ := newTestManager(t)

	rec := testRecord("/resolver")
	rec.ServerName = "Resolver Service"
	rec.ToolList = []ToolDescriptor{{Name: "a"}, {Name: "b"}}
	_, err := m.Register(rec)
	require.NoError(t, err)

	path, tools, ok := m.ResolveServerTools("/resolver")
	require.True(t, ok)
	assert.Equal(t, "/resolver", path)
	assert.Equal(t, []string{"a", "b"}, tools)

	path, _, ok = m.ResolveServerTools("Resolver Service")
	require.True(t, ok)
	assert.Equal(t, "/resolver", path)

	_, _, ok = m.ResolveServerTools("/unknown")
	assert.False(t, ok)
}

func TestFindByPrefixLongestWins(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Register(testRecord("/api"))
	require.NoError(t, err)
	_, err = m.Register(testRecord("/api/v2"))
	require.NoError(t, err)

	rec, ok := m.FindByPrefix("/api/v2/mcp")
	require.True(t, ok)
	assert.Equal(t, "/api/v2", rec.Path)

	rec, ok = m.FindByPrefix("/api/other")
	require.True(t, ok)
	assert.Equal(t, "/api", rec.Path)

	_, ok = m.FindByPrefix("/nope")
	assert.False(t, ok)
}

func TestBootQuarantinesCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644))

	good := testRecord("/ok")
	data, err := json.Marshal(good)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ok.json"), data, 0o644))

	m, err := NewManager(dir, events.NewBus(), zap.NewNop())
	require.NoError(t, err)

	assert.Len(t, m.List(), 1)
	quarantined := m.Quarantined()
	require.Len(t, quarantined, 1)
	assert.Equal(t, "broken.json", quarantined[0].File)
}

// Route coverage: every enabled record appears exactly once in the fragment
// input, no disabled record appears, under any mutation sequence.
func TestRouteCoverageProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		dir, err := os.MkdirTemp("", "registry-rapid-*")
		if err != nil {
			t.Fatal(err)
		}
		defer os.RemoveAll(dir)

		m, err := NewManager(dir, events.NewBus(), zap.NewNop())
		if err != nil {
			t.Fatal(err)
		}
		sink := &fakeSink{}
		m.SetProxySink(sink)

		paths := rapid.SliceOfNDistinct(
			rapid.StringMatching(`/[a-z]{2,8}`), 1, 6, rapid.ID[string],
		).Draw(t, "paths")

		for _, p := range paths {
			rec := testRecord(p)
			rec.Enabled = rapid.Bool().Draw(t, "enabled-"+p)
			if _, err := m.Register(rec); err != nil {
				t.Fatal(err)
			}
		}
		for _, p := range paths {
			if rapid.Bool().Draw(t, "toggle-"+p) {
				if _, err := m.Toggle(p, rapid.Bool().Draw(t, "to-"+p)); err != nil {
					t.Fatal(err)
				}
			}
		}

		routes := sink.last()
		seen := make(map[string]int)
		for _, r := range routes {
			seen[r.Path]++
		}
		for _, rec := range m.List() {
			if rec.Enabled {
				if seen[rec.Path] != 1 {
					t.Fatalf("enabled path %s appears %d times in fragment", rec.Path, seen[rec.Path])
				}
			} else if seen[rec.Path] != 0 {
				t.Fatalf("disabled path %s appears in fragment", rec.Path)
			}
		}
	})
}
