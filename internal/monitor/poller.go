package monitor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nsokolov/pricebot/internal/models"
)

// Default polling configuration.
const (
	// DefaultPollInterval is the fixed polling period. Polling is the
	// authoritative ingestion path; push updates from the transport library
	// proved unreliable and are at most advisory.
	DefaultPollInterval = 10 * time.Second
	// DefaultFetchLimit is how many recent messages each tick requests.
	DefaultFetchLimit = 5
)

// Transport is the chat-network capability the ingestion core depends on.
type Transport interface {
	// FetchRecent returns up to limit recent messages from the monitored
	// chat, in arbitrary order, together with resolved sender context.
	FetchRecent(ctx context.Context, limit int) ([]models.MessageEvent, error)
	// Connected reports the nominal connection state.
	Connected() bool
	// Reconnect attempts to re-establish the connection.
	Reconnect(ctx context.Context) error
	// Probe performs a cheap round trip (fetch own identity) to distinguish
	// an idle chat from a zombie connection.
	Probe(ctx context.Context) error
}

// Dispatcher consumes claimed message events asynchronously.
type Dispatcher interface {
	HandleAsync(ctx context.Context, evt models.MessageEvent)
}

// DirectoryWriter records senders and chats observed by the polling loop so
// the dispatcher can later resolve them for private sends.
type DirectoryWriter interface {
	UpsertUser(ctx context.Context, user models.UserRecord) error
	UpsertChat(ctx context.Context, chat models.ChatRecord) error
}

// PollerOpts holds configuration for the polling loop.
type PollerOpts struct {
	Interval   time.Duration
	FetchLimit int
}

// PollerOption defines a configuration option for the Poller.
type PollerOption func(*PollerOpts)

// WithPollInterval overrides the polling period.
func WithPollInterval(d time.Duration) PollerOption {
	return func(o *PollerOpts) { o.Interval = d }
}

// WithFetchLimit overrides the per-tick fetch window size.
func WithFetchLimit(n int) PollerOption {
	return func(o *PollerOpts) { o.FetchLimit = n }
}

// Poller periodically fetches recent messages and dispatches each unseen one
// exactly once. Fetch and dispatch failures never stop the loop.
type Poller struct {
	transport  Transport
	dispatcher Dispatcher
	directory  DirectoryWriter
	seen       *SeenSet
	health     *ConnectionHealth
	opts       PollerOpts

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewPoller creates a polling loop over the given transport.
func NewPoller(t Transport, d Dispatcher, dir DirectoryWriter, seen *SeenSet, health *ConnectionHealth, opts ...PollerOption) *Poller {
	cfg := PollerOpts{Interval: DefaultPollInterval, FetchLimit: DefaultFetchLimit}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Poller{transport: t, dispatcher: d, directory: dir, seen: seen, health: health, opts: cfg}
}

// Start launches the polling goroutine. Calling Start while the loop is
// already running is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		slog.Debug("Poller.Start: already running")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	// Baseline for the silence threshold: a chat that stays quiet from the
	// very first tick should still eventually trip the heartbeat probe.
	p.health.StampMessage()

	slog.Info("Poller.Start: polling loop started", "interval", p.opts.Interval, "fetch_limit", p.opts.FetchLimit)
	go p.run(loopCtx)
}

// Stop halts the polling goroutine.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		slog.Info("Poller.Stop: polling loop stopped")
	}
}

// Running reports whether the polling goroutine is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Poller) run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Poller.run: context cancelled")
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick performs one poll: fetch the recent window, claim unseen ids in
// ascending order, and hand each claimed event to the dispatcher. Exported
// for the heartbeat's out-of-cycle nudge and for tests.
func (p *Poller) Tick(ctx context.Context) {
	events, err := p.transport.FetchRecent(ctx, p.opts.FetchLimit)
	if err != nil {
		// Transient; the next tick retries at the fixed period.
		slog.Error("Poller.Tick: fetch failed", "error", err)
		return
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Message.ID < events[j].Message.ID
	})

	for _, evt := range events {
		id := evt.Message.ID
		if id <= p.seen.HighWater() {
			continue
		}
		if !p.seen.MarkDispatched(id) {
			if p.seen.ShouldLogSkip(id) {
				slog.Debug("Poller.Tick: message already dispatched, skipping", "message_id", id)
			}
			continue
		}
		p.health.StampMessage()
		p.recordParticipants(ctx, evt)
		slog.Info("Poller.Tick: dispatching message", "message_id", id, "sender_id", evt.Message.SenderID)
		p.dispatcher.HandleAsync(ctx, evt)
	}
}

// recordParticipants upserts the sender and chat into the directory so the
// dispatcher can resolve the sender for the private reply. Best effort.
func (p *Poller) recordParticipants(ctx context.Context, evt models.MessageEvent) {
	if p.directory == nil {
		return
	}
	if evt.Sender.ID != 0 {
		user := models.UserRecord{
			ID:         evt.Sender.ID,
			AccessHash: evt.Sender.AccessHash,
			Username:   evt.Sender.Username,
			FirstName:  evt.Sender.FirstName,
			LastName:   evt.Sender.LastName,
			ChatID:     evt.ChatID,
		}
		if err := p.directory.UpsertUser(ctx, user); err != nil {
			slog.Warn("Poller.recordParticipants: user upsert failed", "user_id", evt.Sender.ID, "error", err)
		}
	}
	if evt.ChatID != 0 {
		chat := models.ChatRecord{ID: evt.ChatID, Title: evt.ChatTitle, Type: "group"}
		if err := p.directory.UpsertChat(ctx, chat); err != nil {
			slog.Warn("Poller.recordParticipants: chat upsert failed", "chat_id", evt.ChatID, "error", err)
		}
	}
}
