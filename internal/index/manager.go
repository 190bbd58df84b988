package index

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blevesearch/bleve/v2"
	"go.uber.org/zap"

	"mcpgateway-go/internal/events"
	"mcpgateway-go/internal/gwerr"
	"mcpgateway-go/internal/health"
	"mcpgateway-go/internal/registry"
)

// ServiceSource is the registry surface the index reads.
type ServiceSource interface {
	List() []*registry.ServiceRecord
}

// HealthSource supplies the latest probe statuses.
type HealthSource interface {
	Snapshot() map[string]health.Status
}

// generation pairs an immutable snapshot with its keyword engine.
type generation struct {
	snap    *snapshot
	keyword bleve.Index
}

// Manager owns the tool index: coalesced rebuilds on inventory changes and
// pointer-swapped snapshots for lock-free queries.
type Manager struct {
	source    ServiceSource
	healthSrc HealthSource
	encoder   Encoder // nil selects the keyword fallback
	bus       *events.Bus
	logger    *zap.Logger

	debounce   time.Duration
	cacheDir   string
	serversDir string

	current atomic.Pointer[generation]

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates the index manager. encoder may be nil.
func NewManager(source ServiceSource, healthSrc HealthSource, encoder Encoder, bus *events.Bus, debounce time.Duration, cacheDir, serversDir string, logger *zap.Logger) *Manager {
	return &Manager{
		source:     source,
		healthSrc:  healthSrc,
		encoder:    encoder,
		bus:        bus,
		logger:     logger.Named("index"),
		debounce:   debounce,
		cacheDir:   cacheDir,
		serversDir: serversDir,
	}
}

// Start loads the disk snapshot when fresh, performs an initial rebuild, and
// launches the coalescing rebuild loop.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	if m.encoder != nil && m.cacheDir != "" {
		if snap, err := m.loadDiskSnapshot(); err != nil {
			m.logger.Debug("disk snapshot not loaded", zap.Error(err))
		} else if snap != nil {
			m.current.Store(&generation{snap: snap})
			m.logger.Info("loaded index snapshot from disk",
				zap.Int("services", len(snap.services)),
				zap.Int("tools", len(snap.tools)))
		}
	}

	sub := m.bus.Subscribe()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.bus.Unsubscribe(sub)
		m.runLoop(runCtx, sub)
	}()
}

// Stop cancels the rebuild loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// runLoop coalesces rebuild triggers within the debounce window.
func (m *Manager) runLoop(ctx context.Context, sub chan events.Event) {
	// Initial build converges the index on current state.
	m.rebuild(ctx)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if !rebuildTrigger(evt.Type) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(m.debounce)
				timerC = timer.C
			}
			// Subsequent triggers inside the window coalesce into the
			// pending rebuild.
		case <-timerC:
			timer = nil
			timerC = nil
			m.rebuild(ctx)
		}
	}
}

func rebuildTrigger(t events.EventType) bool {
	switch t {
	case events.EventInventoryUpdated,
		events.EventServiceRemoved,
		events.EventServiceToggled,
		events.EventHealthChanged:
		return true
	}
	return false
}

// eligible reports whether a service participates in discovery: enabled and
// reachable (stale credentials keep the last known inventory searchable).
func eligible(status string) bool {
	return status == health.StatusHealthy || status == health.StatusHealthyAuthExpired
}

// rebuild materializes a new generation and publishes it.
func (m *Manager) rebuild(ctx context.Context) {
	start := time.Now()

	records := m.source.List()
	statuses := m.healthSrc.Snapshot()

	var services []serviceEntry
	var tools []toolEntry

	for _, rec := range records {
		if !rec.Enabled {
			continue
		}
		st, ok := statuses[rec.Path]
		if !ok || !eligible(st.Status) {
			continue
		}

		services = append(services, serviceEntry{
			Path:   rec.Path,
			Name:   rec.ServerName,
			Tags:   rec.Tags,
			Health: st.Status,
		})
		for _, tool := range rec.ToolList {
			tools = append(tools, toolEntry{
				ServicePath:   rec.Path,
				ServiceName:   rec.ServerName,
				ServiceHealth: st.Status,
				ToolName:      tool.Name,
				Description:   tool.Description,
				Text:          toolText(rec.ServerName, tool),
				Schema:        tool.InputSchema,
				Tags:          mergeTags(rec.Tags, tool.Tags),
			})
		}
	}

	// Deterministic order so vectors and entries stay parallel across runs.
	sort.Slice(services, func(i, j int) bool { return services[i].Path < services[j].Path })
	sort.Slice(tools, func(i, j int) bool {
		if tools[i].ServicePath != tools[j].ServicePath {
			return tools[i].ServicePath < tools[j].ServicePath
		}
		return tools[i].ToolName < tools[j].ToolName
	})

	snap := &snapshot{
		services: services,
		tools:    tools,
		builtAt:  time.Now().UTC(),
	}
	gen := &generation{snap: snap}

	if m.encoder == nil {
		keyword, err := buildKeywordIndex(tools)
		if err != nil {
			m.logger.Error("keyword index rebuild failed", zap.Error(err))
			return
		}
		gen.keyword = keyword
	} else {
		snap.model = m.encoder.Model()
		snap.dim = m.encoder.Dimensions()
		if err := m.embedSnapshot(ctx, snap, records); err != nil {
			m.logger.Error("index embedding failed", zap.Error(err))
			return
		}
	}

	m.current.Store(gen)

	if m.encoder != nil && m.cacheDir != "" {
		if err := m.saveDiskSnapshot(snap); err != nil {
			m.logger.Warn("failed to persist index snapshot", zap.Error(err))
		}
	}

	m.logger.Info("index rebuilt",
		zap.Int("services", len(services)),
		zap.Int("tools", len(tools)),
		zap.Duration("took", time.Since(start)))
	m.bus.Emit(events.EventIndexRebuilt, map[string]any{
		"services":    len(services),
		"tools":       len(tools),
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

// embedSnapshot fills the service and tool vectors.
func (m *Manager) embedSnapshot(ctx context.Context, snap *snapshot, records []*registry.ServiceRecord) error {
	byPath := make(map[string]*registry.ServiceRecord, len(records))
	for _, rec := range records {
		byPath[rec.Path] = rec
	}

	texts := make([]string, 0, len(snap.services)+len(snap.tools))
	for _, svc := range snap.services {
		texts = append(texts, serviceText(byPath[svc.Path]))
	}
	for _, tool := range snap.tools {
		texts = append(texts, tool.Text)
	}

	vectors, err := m.encoder.Encode(ctx, texts)
	if err != nil {
		return err
	}
	if len(vectors) != len(texts) {
		return fmt.Errorf("encoder returned %d vectors for %d texts", len(vectors), len(texts))
	}

	for i := range snap.services {
		l2Normalize(vectors[i])
		snap.services[i].Vector = vectors[i]
	}
	for i := range snap.tools {
		v := vectors[len(snap.services)+i]
		l2Normalize(v)
		snap.tools[i].Vector = v
	}
	return nil
}

// serviceText is the stage-one summary: name, description, tags, and a
// digest of the tool names and descriptions.
func serviceText(rec *registry.ServiceRecord) string {
	if rec == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(rec.ServerName)
	b.WriteString(". ")
	b.WriteString(rec.Description)
	if len(rec.Tags) > 0 {
		b.WriteString(" Tags: ")
		b.WriteString(strings.Join(rec.Tags, ", "))
		b.WriteString(".")
	}
	for _, tool := range rec.ToolList {
		b.WriteString(" ")
		b.WriteString(tool.Name)
		b.WriteString(": ")
		b.WriteString(tool.Description)
	}
	return b.String()
}

// toolText is the stage-two embedding text.
func toolText(serviceName string, tool registry.ToolDescriptor) string {
	return fmt.Sprintf("Service: %s. Tool: %s. Description: %s",
		serviceName, tool.Name, tool.Description)
}

func mergeTags(serviceTags, toolTags []string) []string {
	out := append([]string(nil), serviceTags...)
	out = append(out, toolTags...)
	return out
}

// Query runs the two-stage tool finder. tags, when non-empty, restrict
// stage one to services sharing at least one tag.
func (m *Manager) Query(ctx context.Context, query string, topKServices, topNTools int, tags []string) ([]ToolHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, gwerr.Validationf("query is required")
	}
	if topKServices <= 0 {
		topKServices = 3
	}
	if topNTools <= 0 {
		topNTools = 1
	}

	gen := m.current.Load()
	if gen == nil || len(gen.snap.tools) == 0 {
		return []ToolHit{}, nil
	}
	snap := gen.snap

	if m.encoder == nil {
		return keywordQuery(gen.keyword, snap.tools, query, topNTools, tags)
	}

	queryVecs, err := m.encoder.Encode(ctx, []string{query})
	if err != nil {
		return nil, gwerr.Upstreamf("query embedding failed: %v", err)
	}
	queryVec := queryVecs[0]
	l2Normalize(queryVec)

	// Stage one: service summaries.
	var svcScores []scored
	for i, svc := range snap.services {
		if !tagsOverlap(tags, svc.Tags) {
			continue
		}
		svcScores = append(svcScores, scored{idx: i, score: dot(queryVec, svc.Vector)})
	}
	selected := topK(svcScores, topKServices, func(i, j int) bool {
		return snap.services[i].Path < snap.services[j].Path
	})
	selectedPaths := make(map[string]struct{}, len(selected))
	for _, s := range selected {
		selectedPaths[snap.services[s.idx].Path] = struct{}{}
	}

	// Stage two: tools of the selected services.
	var toolScores []scored
	for i, tool := range snap.tools {
		if _, ok := selectedPaths[tool.ServicePath]; !ok {
			continue
		}
		toolScores = append(toolScores, scored{idx: i, score: dot(queryVec, tool.Vector)})
	}
	best := topK(toolScores, topNTools, func(i, j int) bool {
		if snap.tools[i].ServicePath != snap.tools[j].ServicePath {
			return snap.tools[i].ServicePath < snap.tools[j].ServicePath
		}
		return snap.tools[i].ToolName < snap.tools[j].ToolName
	})

	hits := make([]ToolHit, 0, len(best))
	for _, s := range best {
		tool := snap.tools[s.idx]
		hits = append(hits, ToolHit{
			ToolName:          tool.ToolName,
			ParsedDescription: tool.Description,
			ToolSchema:        tool.Schema,
			ServicePath:       tool.ServicePath,
			ServiceName:       tool.ServiceName,
			ServiceHealth:     tool.ServiceHealth,
			Score:             s.score,
			Match:             MatchSemantic,
		})
	}
	return hits, nil
}

// Stats reports the current generation's size for the admin surface.
func (m *Manager) Stats() map[string]any {
	gen := m.current.Load()
	if gen == nil {
		return map[string]any{"services": 0, "tools": 0}
	}
	out := map[string]any{
		"services": len(gen.snap.services),
		"tools":    len(gen.snap.tools),
		"built_at": gen.snap.builtAt,
	}
	if m.encoder != nil {
		out["model"] = m.encoder.Model()
	} else {
		out["engine"] = MatchKeyword
	}
	return out
}
