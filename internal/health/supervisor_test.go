package health

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpgateway-go/internal/events"
	"mcpgateway-go/internal/registry"
	"mcpgateway-go/internal/upstream"
)

type fakeSource struct {
	mu      sync.Mutex
	records map[string]*registry.ServiceRecord
	invSets map[string][]registry.ToolDescriptor
}

func newFakeSource(recs ...*registry.ServiceRecord) *fakeSource {
	s := &fakeSource{
		records: make(map[string]*registry.ServiceRecord),
		invSets: make(map[string][]registry.ToolDescriptor),
	}
	for _, r := range recs {
		s.records[r.Path] = r
	}
	return s
}

func (s *fakeSource) ListEnabled() []*registry.ServiceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*registry.ServiceRecord
	for _, r := range s.records {
		if r.Enabled {
			out = append(out, r.Clone())
		}
	}
	return out
}

func (s *fakeSource) Get(path string) (*registry.ServiceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[path]
	if !ok {
		return nil, fmt.Errorf("not found: %s", path)
	}
	return r.Clone(), nil
}

func (s *fakeSource) SetInventory(path string, tools []registry.ToolDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invSets[path] = tools
	return nil
}

type scriptedProber struct {
	mu      sync.Mutex
	results map[string]func() (*upstream.ProbeResult, error)
	calls   map[string]int
}

func newScriptedProber() *scriptedProber {
	return &scriptedProber{
		results: make(map[string]func() (*upstream.ProbeResult, error)),
		calls:   make(map[string]int),
	}
}

func (p *scriptedProber) set(path string, fn func() (*upstream.ProbeResult, error)) {
	p.mu.Lock()
	p.results[path] = fn
	p.mu.Unlock()
}

func (p *scriptedProber) callCount(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[path]
}

func (p *scriptedProber) Probe(_ context.Context, rec *registry.ServiceRecord) (*upstream.ProbeResult, error) {
	p.mu.Lock()
	p.calls[rec.Path]++
	fn, ok := p.results[rec.Path]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("connection refused")
	}
	return fn()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newTestSupervisor(t *testing.T, source *fakeSource, prober Prober) (*Supervisor, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	s := NewSupervisor(source, prober, bus, 100*time.Millisecond, time.Second, zap.NewNop())
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s, bus
}

func TestHealthyTransitionAndInventoryPublication(t *testing.T) {
	rec := &registry.ServiceRecord{Path: "/svc", ServerName: "svc", ProxyPassURL: "http://x/", Enabled: true}
	source := newFakeSource(rec)
	prober := newScriptedProber()
	prober.set("/svc", func() (*upstream.ProbeResult, error) {
		return &upstream.ProbeResult{
			Tools:   []registry.ToolDescriptor{{Name: "a"}, {Name: "b"}},
			Latency: 5 * time.Millisecond,
		}, nil
	})

	s, bus := newTestSupervisor(t, source, prober)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	waitFor(t, func() bool {
		st, ok := s.Get("/svc")
		return ok && st.Status == StatusHealthy
	})

	st, _ := s.Get("/svc")
	assert.Equal(t, 2, st.NumTools)
	assert.Empty(t, st.Error)

	source.mu.Lock()
	published := source.invSets["/svc"]
	source.mu.Unlock()
	require.Len(t, published, 2)
}

func TestAuthExpiredKeepsInventory(t *testing.T) {
	rec := &registry.ServiceRecord{Path: "/svc", ServerName: "svc", ProxyPassURL: "http://x/", Enabled: true}
	source := newFakeSource(rec)
	prober := newScriptedProber()
	prober.set("/svc", func() (*upstream.ProbeResult, error) {
		return &upstream.ProbeResult{
			Tools: []registry.ToolDescriptor{{Name: "a"}},
		}, nil
	})

	s, _ := newTestSupervisor(t, source, prober)

	waitFor(t, func() bool {
		st, ok := s.Get("/svc")
		return ok && st.Status == StatusHealthy
	})

	prober.set("/svc", func() (*upstream.ProbeResult, error) {
		return nil, &upstream.AuthError{Err: fmt.Errorf("401 Unauthorized")}
	})

	waitFor(t, func() bool {
		st, _ := s.Get("/svc")
		return st.Status == StatusHealthyAuthExpired
	})

	st, _ := s.Get("/svc")
	assert.Equal(t, 1, st.NumTools, "inventory count survives auth expiry")
	assert.Contains(t, st.Error, "401")
}

func TestUnhealthyOnFailure(t *testing.T) {
	rec := &registry.ServiceRecord{Path: "/down", ServerName: "down", ProxyPassURL: "http://x/", Enabled: true}
	source := newFakeSource(rec)
	prober := newScriptedProber() // no script: every probe fails

	s, _ := newTestSupervisor(t, source, prober)

	waitFor(t, func() bool {
		st, ok := s.Get("/down")
		return ok && st.Status == StatusUnhealthy
	})

	st, _ := s.Get("/down")
	assert.Contains(t, st.Error, "connection refused")
}

func TestWorkerLifecycleFollowsEvents(t *testing.T) {
	rec := &registry.ServiceRecord{Path: "/svc", ServerName: "svc", ProxyPassURL: "http://x/", Enabled: true}
	source := newFakeSource(rec)
	prober := newScriptedProber()
	prober.set("/svc", func() (*upstream.ProbeResult, error) {
		return &upstream.ProbeResult{}, nil
	})

	s, bus := newTestSupervisor(t, source, prober)

	waitFor(t, func() bool { return prober.callCount("/svc") >= 1 })

	// Disable: the worker stops and the probe count plateaus.
	bus.Emit(events.EventServiceToggled, map[string]any{"path": "/svc", "enabled": false})
	waitFor(t, func() bool {
		s.mu.Lock()
		_, running := s.workers["/svc"]
		s.mu.Unlock()
		return !running
	})

	// Removal drops the status entirely.
	bus.Emit(events.EventServiceRemoved, map[string]any{"path": "/svc"})
	waitFor(t, func() bool {
		_, ok := s.Get("/svc")
		return !ok
	})
}

func TestInventoryEventOnlyOnChange(t *testing.T) {
	rec := &registry.ServiceRecord{Path: "/svc", ServerName: "svc", ProxyPassURL: "http://x/", Enabled: true}
	source := newFakeSource(rec)
	prober := newScriptedProber()
	prober.set("/svc", func() (*upstream.ProbeResult, error) {
		return &upstream.ProbeResult{Tools: []registry.ToolDescriptor{{Name: "stable"}}}, nil
	})

	bus := events.NewBus()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	s := NewSupervisor(source, prober, bus, 50*time.Millisecond, time.Second, zap.NewNop())
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return prober.callCount("/svc") >= 3 })

	updates := 0
	for {
		select {
		case evt := <-sub:
			if evt.Type == events.EventInventoryUpdated {
				updates++
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, 1, updates, "unchanged inventory publishes once")
}
