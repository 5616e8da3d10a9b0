// Package monitor runs the batch-scoped background observer. One handle is
// started before the dispatch loop and stopped exactly once after it; the
// observer's lifetime spans the whole batch, never a single task.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomgreer/redrive/internal/config"
	"github.com/tomgreer/redrive/internal/events"
	"github.com/tomgreer/redrive/internal/log"
)

// Supervisor creates batch-scoped observer handles.
type Supervisor struct {
	hub      *events.Hub
	cfg      config.MonitorConfig
	stateDir string
	logger   *slog.Logger

	live atomic.Int64
}

func New(hub *events.Hub, cfg config.MonitorConfig, stateDir string) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	return &Supervisor{
		hub:      hub,
		cfg:      cfg,
		stateDir: stateDir,
		logger:   log.WithComponent("monitor"),
	}
}

// Live returns the number of currently live handles. It is 1 for the full
// duration of a batch run and 0 outside it.
func (s *Supervisor) Live() int {
	return int(s.live.Load())
}

// Handle is the running observer. Stop is safe to call more than once; the
// shutdown work runs exactly once.
type Handle struct {
	sup      *Supervisor
	runID    string
	sentinel string
	counts   *outcomeCounts

	cancel   func()
	done     chan struct{}
	stopOnce sync.Once
	server   *statusServer
}

// Start launches the observer goroutine, writes the run sentinel, and (when
// configured) serves the status endpoint. It refuses to start while another
// handle from this supervisor is still live.
func (s *Supervisor) Start(ctx context.Context, runID string) (*Handle, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id is empty")
	}
	if !s.live.CompareAndSwap(0, 1) {
		return nil, fmt.Errorf("monitor already running for this batch")
	}

	sentinel := filepath.Join(s.stateDir, "monitor-"+runID+".sentinel")
	if err := os.MkdirAll(s.stateDir, 0o755); err != nil {
		s.live.Store(0)
		return nil, fmt.Errorf("create monitor state directory: %w", err)
	}
	body := fmt.Sprintf("pid=%d started=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(sentinel, []byte(body), 0o644); err != nil {
		s.live.Store(0)
		return nil, fmt.Errorf("write monitor sentinel: %w", err)
	}

	obsCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		sup:      s,
		runID:    runID,
		sentinel: sentinel,
		counts:   newOutcomeCounts(),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	if s.cfg.Listen != "" {
		srv, err := serveStatus(s.cfg.Listen, runID, s.hub, h.counts)
		if err != nil {
			cancel()
			_ = os.Remove(sentinel)
			s.live.Store(0)
			return nil, fmt.Errorf("start status endpoint: %w", err)
		}
		h.server = srv
	}

	sub, unsubscribe := s.hub.Subscribe()
	go h.observe(obsCtx, sub, unsubscribe)

	s.logger.Info("monitor started", "run_id", runID, "sentinel", sentinel)
	s.hub.Publish(events.TypeHeartbeat, map[string]any{"run_id": runID, "state": "started"})
	return h, nil
}

func (h *Handle) observe(ctx context.Context, sub <-chan events.Event, unsubscribe func()) {
	defer close(h.done)
	defer unsubscribe()

	ticker := time.NewTicker(h.sup.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			h.counts.record(ev.Type)
			h.sup.logger.Debug("observed event", "run_id", h.runID, "type", ev.Type)
		case <-ticker.C:
			h.sup.hub.Publish(events.TypeHeartbeat, map[string]any{
				"run_id":   h.runID,
				"observed": h.counts.snapshot(),
			})
		}
	}
}

// Stop terminates the observer, shuts down the status endpoint, and removes
// the sentinel. Subsequent calls are no-ops.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		<-h.done

		if h.server != nil {
			h.server.shutdown()
		}
		if err := os.Remove(h.sentinel); err != nil && !os.IsNotExist(err) {
			h.sup.logger.Warn("failed to remove monitor sentinel", "error", err)
		}

		h.sup.live.Store(0)
		h.sup.logger.Info("monitor stopped", "run_id", h.runID, "observed", h.counts.snapshot())
	})
}

// outcomeCounts tallies observed event types for heartbeats and the status
// endpoint.
type outcomeCounts struct {
	mu sync.Mutex
	m  map[string]int
}

func newOutcomeCounts() *outcomeCounts {
	return &outcomeCounts{m: make(map[string]int)}
}

func (c *outcomeCounts) record(eventType string) {
	c.mu.Lock()
	c.m[eventType]++
	c.mu.Unlock()
}

func (c *outcomeCounts) snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.m))
	for k, v := range c.m {
		out[k] = v
	}
	return out
}
