package index

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpgateway-go/internal/events"
	"mcpgateway-go/internal/health"
	"mcpgateway-go/internal/registry"
)

// wordEncoder maps texts onto fixed axes by keyword so similarity is
// deterministic in tests.
type wordEncoder struct{}

func (wordEncoder) Dimensions() int { return 4 }
func (wordEncoder) Model() string   { return "test-word-model" }

func (wordEncoder) Encode(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, 4)
		lower := strings.ToLower(text)
		if strings.Contains(lower, "weather") {
			v[0] = 1
		}
		if strings.Contains(lower, "database") {
			v[1] = 1
		}
		if strings.Contains(lower, "clock") {
			v[2] = 1
		}
		if v[0] == 0 && v[1] == 0 && v[2] == 0 {
			v[3] = 1
		}
		out[i] = v
	}
	return out, nil
}

type fakeServiceSource struct {
	records []*registry.ServiceRecord
}

func (f *fakeServiceSource) List() []*registry.ServiceRecord { return f.records }

type fakeHealthSource struct {
	statuses map[string]health.Status
}

func (f *fakeHealthSource) Snapshot() map[string]health.Status { return f.statuses }

func testRecords() []*registry.ServiceRecord {
	return []*registry.ServiceRecord{
		{
			Path:         "/weather/",
			ServerName:   "weather",
			ProxyPassURL: "http://localhost:9001/",
			Description:  "weather forecasts",
			Tags:         []string{"weather"},
			Enabled:      true,
			ToolList: []registry.ToolDescriptor{
				{Name: "current_weather", Description: "weather right now"},
				{Name: "forecast", Description: "weather forecast for a city"},
			},
		},
		{
			Path:         "/db/",
			ServerName:   "database",
			ProxyPassURL: "http://localhost:9002/",
			Description:  "database queries",
			Tags:         []string{"data"},
			Enabled:      true,
			ToolList: []registry.ToolDescriptor{
				{Name: "run_query", Description: "run a database query"},
			},
		},
		{
			Path:         "/clock/",
			ServerName:   "clock",
			ProxyPassURL: "http://localhost:9003/",
			Description:  "clock service",
			Enabled:      true,
			ToolList: []registry.ToolDescriptor{
				{Name: "now", Description: "clock time now"},
			},
		},
	}
}

func allHealthy(records []*registry.ServiceRecord) map[string]health.Status {
	out := make(map[string]health.Status, len(records))
	for _, rec := range records {
		out[rec.Path] = health.Status{Status: health.StatusHealthy, NumTools: len(rec.ToolList)}
	}
	return out
}

func newTestManager(t *testing.T, enc Encoder, src *fakeServiceSource, hs *fakeHealthSource) *Manager {
	t.Helper()
	bus := events.NewBus()
	return NewManager(src, hs, enc, bus, 10*time.Millisecond, t.TempDir(), "", zap.NewNop())
}

func TestQuerySemanticRanking(t *testing.T) {
	src := &fakeServiceSource{records: testRecords()}
	hs := &fakeHealthSource{statuses: allHealthy(src.records)}
	m := newTestManager(t, wordEncoder{}, src, hs)
	m.rebuild(context.Background())

	hits, err := m.Query(context.Background(), "what is the weather", 3, 2, nil)
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	assert.Equal(t, "/weather/", hits[0].ServicePath)
	assert.Equal(t, MatchSemantic, hits[0].Match)
	assert.Greater(t, hits[0].Score, 0.0)
	for _, h := range hits {
		assert.Equal(t, health.StatusHealthy, h.ServiceHealth)
	}
}

func TestQueryTieBreakIsLexicographic(t *testing.T) {
	src := &fakeServiceSource{records: testRecords()}
	hs := &fakeHealthSource{statuses: allHealthy(src.records)}
	m := newTestManager(t, wordEncoder{}, src, hs)
	m.rebuild(context.Background())

	// Both weather tools score identically for this query, so ordering must
	// fall back to (service_path, tool_name).
	hits, err := m.Query(context.Background(), "weather", 3, 5, nil)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(hits), 2)
	assert.Equal(t, "current_weather", hits[0].ToolName)
	assert.Equal(t, "forecast", hits[1].ToolName)
}

func TestQueryTagFilter(t *testing.T) {
	src := &fakeServiceSource{records: testRecords()}
	hs := &fakeHealthSource{statuses: allHealthy(src.records)}
	m := newTestManager(t, wordEncoder{}, src, hs)
	m.rebuild(context.Background())

	hits, err := m.Query(context.Background(), "weather database clock", 3, 5, []string{"data"})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, h := range hits {
		assert.Equal(t, "/db/", h.ServicePath)
	}
}

func TestQueryEmptyQueryRejected(t *testing.T) {
	src := &fakeServiceSource{records: testRecords()}
	hs := &fakeHealthSource{statuses: allHealthy(src.records)}
	m := newTestManager(t, wordEncoder{}, src, hs)
	m.rebuild(context.Background())

	_, err := m.Query(context.Background(), "   ", 3, 1, nil)
	require.Error(t, err)
}

func TestRebuildSkipsDisabledAndUnhealthy(t *testing.T) {
	records := testRecords()
	records[1].Enabled = false
	src := &fakeServiceSource{records: records}

	statuses := allHealthy(records)
	statuses["/clock/"] = health.Status{Status: health.StatusUnhealthy, Error: "connection refused"}
	hs := &fakeHealthSource{statuses: statuses}

	m := newTestManager(t, wordEncoder{}, src, hs)
	m.rebuild(context.Background())

	gen := m.current.Load()
	require.NotNil(t, gen)
	require.Len(t, gen.snap.services, 1)
	assert.Equal(t, "/weather/", gen.snap.services[0].Path)
}

func TestRebuildKeepsAuthExpiredInventory(t *testing.T) {
	src := &fakeServiceSource{records: testRecords()}
	statuses := allHealthy(src.records)
	statuses["/weather/"] = health.Status{Status: health.StatusHealthyAuthExpired, NumTools: 2}
	hs := &fakeHealthSource{statuses: statuses}

	m := newTestManager(t, wordEncoder{}, src, hs)
	m.rebuild(context.Background())

	hits, err := m.Query(context.Background(), "weather", 3, 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, health.StatusHealthyAuthExpired, hits[0].ServiceHealth)
}

func TestKeywordFallback(t *testing.T) {
	src := &fakeServiceSource{records: testRecords()}
	hs := &fakeHealthSource{statuses: allHealthy(src.records)}
	m := newTestManager(t, nil, src, hs)
	m.rebuild(context.Background())

	hits, err := m.Query(context.Background(), "database query", 3, 2, nil)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "run_query", hits[0].ToolName)
	assert.Equal(t, MatchKeyword, hits[0].Match)
}

func TestQueryEmptyIndex(t *testing.T) {
	src := &fakeServiceSource{}
	hs := &fakeHealthSource{statuses: map[string]health.Status{}}
	m := newTestManager(t, wordEncoder{}, src, hs)
	m.rebuild(context.Background())

	hits, err := m.Query(context.Background(), "anything", 3, 1, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestDiskSnapshotRoundTrip(t *testing.T) {
	src := &fakeServiceSource{records: testRecords()}
	hs := &fakeHealthSource{statuses: allHealthy(src.records)}
	m := newTestManager(t, wordEncoder{}, src, hs)
	m.rebuild(context.Background())

	first := m.current.Load().snap
	require.NoError(t, m.saveDiskSnapshot(first))

	loaded, err := m.loadDiskSnapshot()
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, first.model, loaded.model)
	assert.Equal(t, first.dim, loaded.dim)
	require.Len(t, loaded.services, len(first.services))
	require.Len(t, loaded.tools, len(first.tools))
	for i := range first.tools {
		assert.Equal(t, first.tools[i].ToolName, loaded.tools[i].ToolName)
		assert.Equal(t, first.tools[i].Vector, loaded.tools[i].Vector)
	}
}

func TestDiskSnapshotModelMismatchIgnored(t *testing.T) {
	src := &fakeServiceSource{records: testRecords()}
	hs := &fakeHealthSource{statuses: allHealthy(src.records)}
	m := newTestManager(t, wordEncoder{}, src, hs)
	m.rebuild(context.Background())

	snap := m.current.Load().snap
	snap.model = "some-other-model"
	require.NoError(t, m.saveDiskSnapshot(snap))

	loaded, err := m.loadDiskSnapshot()
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestRebuildLoopCoalesces(t *testing.T) {
	src := &fakeServiceSource{records: testRecords()}
	hs := &fakeHealthSource{statuses: allHealthy(src.records)}
	bus := events.NewBus()
	m := NewManager(src, hs, wordEncoder{}, bus, 50*time.Millisecond, t.TempDir(), "", zap.NewNop())

	done := bus.Subscribe()
	defer bus.Unsubscribe(done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	waitRebuilt := func() events.Event {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case evt := <-done:
				if evt.Type == events.EventIndexRebuilt {
					return evt
				}
			case <-deadline:
				t.Fatal("timed out waiting for rebuild")
			}
		}
	}
	waitRebuilt() // initial build

	// A burst of triggers inside the window produces one rebuild.
	for i := 0; i < 5; i++ {
		bus.Emit(events.EventInventoryUpdated, map[string]any{"path": "/weather/"})
	}
	evt := waitRebuilt()
	assert.Equal(t, 3, evt.Payload["services"])

	select {
	case extra := <-done:
		assert.NotEqual(t, events.EventIndexRebuilt, extra.Type, "burst must coalesce into one rebuild")
	case <-time.After(200 * time.Millisecond):
	}
}
