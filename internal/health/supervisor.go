package health

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcpgateway-go/internal/events"
	"mcpgateway-go/internal/hash"
	"mcpgateway-go/internal/registry"
	"mcpgateway-go/internal/upstream"
)

// ServiceSource is the registry surface the supervisor needs.
type ServiceSource interface {
	ListEnabled() []*registry.ServiceRecord
	Get(path string) (*registry.ServiceRecord, error)
	SetInventory(path string, tools []registry.ToolDescriptor) error
}

// Prober opens one MCP probe session.
type Prober interface {
	Probe(ctx context.Context, rec *registry.ServiceRecord) (*upstream.ProbeResult, error)
}

// Supervisor owns one worker per enabled service. Workers start on
// registration and enable, stop on removal and disable; each performs one
// probe at a time under the probe timeout.
type Supervisor struct {
	source   ServiceSource
	prober   Prober
	bus      *events.Bus
	logger   *zap.Logger
	statuses *statusMap

	interval     time.Duration
	probeTimeout time.Duration

	mu      sync.Mutex
	workers map[string]context.CancelFunc
	// inventoryHashes tracks the last published inventory per service so
	// unchanged tools/list results do not trigger index rebuilds.
	inventoryHashes map[string]string

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates the supervisor; Start launches it.
func NewSupervisor(source ServiceSource, prober Prober, bus *events.Bus, interval, probeTimeout time.Duration, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		source:          source,
		prober:          prober,
		bus:             bus,
		logger:          logger.Named("health"),
		statuses:        newStatusMap(),
		interval:        interval,
		probeTimeout:    probeTimeout,
		workers:         make(map[string]context.CancelFunc),
		inventoryHashes: make(map[string]string),
	}
}

// Start launches workers for the enabled services and the event loop that
// tracks registry mutations.
func (s *Supervisor) Start(ctx context.Context) {
	s.runCtx, s.cancel = context.WithCancel(ctx)

	for _, rec := range s.source.ListEnabled() {
		s.startWorker(rec.Path)
	}

	sub := s.bus.Subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.bus.Unsubscribe(sub)
		for {
			select {
			case <-s.runCtx.Done():
				return
			case evt, ok := <-sub:
				if !ok {
					return
				}
				s.handleEvent(evt)
			}
		}
	}()

	s.logger.Info("health supervisor started",
		zap.Duration("interval", s.interval),
		zap.Duration("probe_timeout", s.probeTimeout))
}

// Stop cancels every worker and waits for them to exit.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("health supervisor stopped")
}

// Snapshot returns the current status of every tracked service.
func (s *Supervisor) Snapshot() map[string]Status {
	return s.statuses.snapshot()
}

// Get returns one service's status.
func (s *Supervisor) Get(path string) (Status, bool) {
	return s.statuses.get(path)
}

// CheckNow runs one immediate probe outside the worker cadence. The admin
// healthcheck endpoint uses it.
func (s *Supervisor) CheckNow(ctx context.Context, path string) (Status, error) {
	rec, err := s.source.Get(path)
	if err != nil {
		return Status{}, err
	}
	s.probeOnce(ctx, rec.Path)
	st, _ := s.statuses.get(path)
	return st, nil
}

func (s *Supervisor) handleEvent(evt events.Event) {
	path, _ := evt.Payload["path"].(string)
	if path == "" {
		return
	}

	switch evt.Type {
	case events.EventServiceRegistered, events.EventServiceToggled:
		enabled, _ := evt.Payload["enabled"].(bool)
		if enabled {
			s.startWorker(path)
		} else {
			s.stopWorker(path)
		}
	case events.EventServiceRemoved:
		s.stopWorker(path)
		s.statuses.remove(path)
		s.mu.Lock()
		delete(s.inventoryHashes, path)
		s.mu.Unlock()
	}
}

func (s *Supervisor) startWorker(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, running := s.workers[path]; running {
		return
	}

	ctx, cancel := context.WithCancel(s.runCtx)
	s.workers[path] = cancel

	s.wg.Add(1)
	go s.runWorker(ctx, path)
	s.logger.Debug("started health worker", zap.String("path", path))
}

func (s *Supervisor) stopWorker(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, running := s.workers[path]; running {
		cancel()
		delete(s.workers, path)
		s.logger.Debug("stopped health worker", zap.String("path", path))
	}
}

// runWorker probes immediately, then on the interval with a small jitter so
// a fleet of services does not probe in lockstep.
func (s *Supervisor) runWorker(ctx context.Context, path string) {
	defer s.wg.Done()

	s.probeOnce(ctx, path)

	var jitter time.Duration
	if tenth := int64(s.interval) / 10; tenth > 0 {
		jitter = time.Duration(rand.Int63n(tenth))
	}
	timer := time.NewTimer(s.interval + jitter)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.probeOnce(ctx, path)
			timer.Reset(s.interval)
		}
	}
}

// probeOnce runs a single probe and applies the status transition. A probe
// either succeeds in whole or is treated as failed.
func (s *Supervisor) probeOnce(ctx context.Context, path string) {
	rec, err := s.source.Get(path)
	if err != nil {
		// Removed between ticks; the event loop will stop this worker.
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.prober.Probe(probeCtx, rec)
	if ctx.Err() != nil {
		// Worker cancelled mid-probe (shutdown or toggle-disable); the
		// aborted probe says nothing about the service.
		return
	}

	entry := s.statuses.entry(path)
	previous := entry.load()

	var next Status
	switch {
	case err == nil:
		next = Status{
			Status:      StatusHealthy,
			LastChecked: time.Now().UTC(),
			NumTools:    len(result.Tools),
			LatencyMs:   result.Latency.Milliseconds(),
		}
		s.publishInventory(rec, result.Tools)
	case isAuthExpired(err):
		// Reachable but credentials stale: keep the previous inventory.
		next = Status{
			Status:      StatusHealthyAuthExpired,
			LastChecked: time.Now().UTC(),
			NumTools:    previous.NumTools,
			LatencyMs:   time.Since(start).Milliseconds(),
			Error:       err.Error(),
		}
	default:
		next = Status{
			Status:      StatusUnhealthy,
			LastChecked: time.Now().UTC(),
			NumTools:    previous.NumTools,
			LatencyMs:   time.Since(start).Milliseconds(),
			Error:       err.Error(),
		}
	}

	entry.store(next)

	if previous.Status != next.Status {
		s.logger.Info("health transition",
			zap.String("path", path),
			zap.String("from", previous.Status),
			zap.String("to", next.Status),
			zap.Int("num_tools", next.NumTools))
		s.bus.Emit(events.EventHealthChanged, map[string]any{
			"path":   path,
			"status": next.Status,
			"from":   previous.Status,
		})
	}
}

// publishInventory persists the tool list and emits inventory-updated when
// the inventory actually changed.
func (s *Supervisor) publishInventory(rec *registry.ServiceRecord, tools []registry.ToolDescriptor) {
	entries := make([]hash.InventoryEntry, len(tools))
	for i, tool := range tools {
		entries[i] = hash.InventoryEntry{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		}
	}
	digest, err := hash.Inventory(rec.Path, entries)
	if err != nil {
		s.logger.Warn("failed to hash inventory", zap.String("path", rec.Path), zap.Error(err))
		return
	}

	s.mu.Lock()
	unchanged := s.inventoryHashes[rec.Path] == digest
	if !unchanged {
		s.inventoryHashes[rec.Path] = digest
	}
	s.mu.Unlock()
	if unchanged {
		return
	}

	if err := s.source.SetInventory(rec.Path, tools); err != nil {
		s.logger.Warn("failed to persist inventory", zap.String("path", rec.Path), zap.Error(err))
		return
	}
	s.bus.Emit(events.EventInventoryUpdated, map[string]any{
		"path":      rec.Path,
		"num_tools": len(tools),
	})
}

func isAuthExpired(err error) bool {
	var authErr *upstream.AuthError
	return errors.As(err, &authErr)
}
