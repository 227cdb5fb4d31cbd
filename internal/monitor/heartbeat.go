package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default heartbeat configuration.
const (
	// DefaultHeartbeatInterval is the liveness check period.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultSilenceWarning is how long the monitored chat may stay silent
	// before the heartbeat probes the connection.
	DefaultSilenceWarning = 3 * time.Minute
)

// HeartbeatOpts holds configuration for the liveness monitor.
type HeartbeatOpts struct {
	Interval       time.Duration
	SilenceWarning time.Duration
}

// HeartbeatOption defines a configuration option for the Heartbeat.
type HeartbeatOption func(*HeartbeatOpts)

// WithHeartbeatInterval overrides the liveness check period.
func WithHeartbeatInterval(d time.Duration) HeartbeatOption {
	return func(o *HeartbeatOpts) { o.Interval = d }
}

// WithSilenceWarning overrides the silence threshold that triggers a probe.
func WithSilenceWarning(d time.Duration) HeartbeatOption {
	return func(o *HeartbeatOpts) { o.SilenceWarning = d }
}

// Heartbeat is a periodic corrective-action function: each tick it observes
// connection health and the polling loop, reconnects a dead transport, probes
// a suspiciously silent one, and restarts a stalled polling loop. It holds no
// state beyond its timer handle, which keeps every tick idempotent.
type Heartbeat struct {
	transport Transport
	health    *ConnectionHealth
	poller    *Poller
	opts      HeartbeatOpts

	mu      sync.Mutex
	cancel  context.CancelFunc
	rootCtx context.Context
}

// NewHeartbeat creates a liveness monitor over the given transport and poller.
func NewHeartbeat(t Transport, health *ConnectionHealth, poller *Poller, opts ...HeartbeatOption) *Heartbeat {
	cfg := HeartbeatOpts{Interval: DefaultHeartbeatInterval, SilenceWarning: DefaultSilenceWarning}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Heartbeat{transport: t, health: health, poller: poller, opts: cfg}
}

// Start launches the heartbeat goroutine. Calling Start while it is already
// running is a no-op.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	if h.cancel != nil {
		h.mu.Unlock()
		slog.Debug("Heartbeat.Start: already running")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.rootCtx = ctx
	h.mu.Unlock()

	slog.Info("Heartbeat.Start: liveness monitor started", "interval", h.opts.Interval, "silence_warning", h.opts.SilenceWarning)
	go h.run(loopCtx)
}

// Stop halts the heartbeat goroutine.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
		slog.Info("Heartbeat.Stop: liveness monitor stopped")
	}
}

func (h *Heartbeat) run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Tick(ctx)
		}
	}
}

// Tick performs one liveness check. It never panics out; internal errors are
// logged and retried on the next tick. Exported for tests.
func (h *Heartbeat) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Heartbeat.Tick: recovered from panic", "panic", r)
		}
	}()

	snap := h.health.Snapshot()

	if !h.transport.Connected() {
		slog.Warn("Heartbeat.Tick: transport disconnected, attempting reconnect")
		if err := h.transport.Reconnect(ctx); err != nil {
			slog.Error("Heartbeat.Tick: reconnect failed", "error", err)
			h.health.SetConnected(false)
		} else {
			slog.Info("Heartbeat.Tick: reconnected")
			h.health.SetConnected(true)
		}
	} else if !snap.LastMessageAt.IsZero() {
		silence := time.Since(snap.LastMessageAt)
		if silence > h.opts.SilenceWarning {
			// Connected but quiet: distinguish a truly idle chat from a
			// zombie connection that still reports connected.
			slog.Warn("Heartbeat.Tick: no messages within silence threshold, probing", "silence", silence.Round(time.Second))
			if err := h.transport.Probe(ctx); err != nil {
				slog.Error("Heartbeat.Tick: probe failed, connection presumed dead", "error", err)
				h.health.SetConnected(false)
			} else {
				slog.Debug("Heartbeat.Tick: probe succeeded, chat is idle")
			}
		}
	}

	if !h.poller.Running() {
		h.mu.Lock()
		root := h.rootCtx
		h.mu.Unlock()
		if root == nil {
			root = ctx
		}
		slog.Warn("Heartbeat.Tick: polling loop not running, restarting")
		h.poller.Start(root)
	}
}
