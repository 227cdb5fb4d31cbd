// Package handler orchestrates the per-message pipeline: eligibility
// filtering, classification, price lookup, reply formatting, and the delayed
// private send. Nothing in this package retries a message; each inbound
// message is attempted at most once end to end.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nsokolov/pricebot/internal/models"
	"github.com/nsokolov/pricebot/internal/util"
)

// Default pipeline configuration.
const (
	// DefaultDelayMin and DefaultDelayMax bound the per-product randomized
	// delay applied before sending, to keep outbound pacing human-looking.
	DefaultDelayMin = 5 * time.Second
	DefaultDelayMax = 7 * time.Second
)

// DefaultKeywords is the coarse eligibility filter applied to raw text before
// paying for classification.
var DefaultKeywords = []string{"17", "air"}

// Classifier extracts normalized product queries from free-form message text.
type Classifier interface {
	Classify(ctx context.Context, text string) ([]models.ProductQuery, error)
}

// PriceLookup searches the price sheet for exact, case-insensitive matches in
// a named column. Implementations must return models.ErrQuotaExceeded
// (wrapped or not) when the backend read quota is exhausted.
type PriceLookup interface {
	SearchExact(ctx context.Context, column, value string) ([]models.SheetRow, error)
}

// Directory resolves chat participants recorded by the polling loop.
type Directory interface {
	FindUserByID(ctx context.Context, id int64) (*models.UserRecord, error)
	FindUserByUsername(ctx context.Context, username string) (*models.UserRecord, error)
}

// Sender delivers a private message to a resolved user.
type Sender interface {
	SendToUser(ctx context.Context, user models.UserRecord, text string) error
}

// Gate is the processing switch consulted before committing to any work.
type Gate interface {
	IsEnabled() bool
}

// Opts holds configuration for the Dispatcher.
type Opts struct {
	SelfID      int64         // the bot's own user id, for the self-message guard
	Keywords    []string      // eligibility tokens, matched case-insensitively
	NameColumn  string        // sheet column holding normalized product names
	PriceColumn string        // sheet column holding "flag;amount" price cells
	Fallback    string        // username to forward unresolved requests to, empty to drop
	DelayMin    time.Duration // lower bound of the per-product send delay
	DelayMax    time.Duration // upper bound of the per-product send delay
}

// Option defines a configuration option for the Dispatcher.
type Option func(*Opts)

// WithSelfID sets the bot's own user id.
func WithSelfID(id int64) Option {
	return func(o *Opts) { o.SelfID = id }
}

// WithKeywords overrides the eligibility keyword list.
func WithKeywords(keywords []string) Option {
	return func(o *Opts) { o.Keywords = keywords }
}

// WithColumns sets the sheet columns used for name matching and price cells.
func WithColumns(name, price string) Option {
	return func(o *Opts) {
		o.NameColumn = name
		o.PriceColumn = price
	}
}

// WithFallbackRecipient sets the username that receives raw requests from
// senders the directory cannot resolve. Empty disables forwarding.
func WithFallbackRecipient(username string) Option {
	return func(o *Opts) { o.Fallback = username }
}

// WithDelayRange sets the bounds of the randomized per-product send delay.
func WithDelayRange(min, max time.Duration) Option {
	return func(o *Opts) {
		o.DelayMin = min
		o.DelayMax = max
	}
}

// Dispatcher turns one inbound message into zero or one outbound private
// messages.
type Dispatcher struct {
	gate       Gate
	classifier Classifier
	lookup     PriceLookup
	directory  Directory
	sender     Sender
	opts       Opts

	wg sync.WaitGroup
}

// NewDispatcher creates a Dispatcher with the given collaborators.
func NewDispatcher(g Gate, c Classifier, l PriceLookup, d Directory, s Sender, opts ...Option) *Dispatcher {
	cfg := Opts{
		Keywords:    DefaultKeywords,
		NameColumn:  "Название",
		PriceColumn: "Цена",
		DelayMin:    DefaultDelayMin,
		DelayMax:    DefaultDelayMax,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DelayMax < cfg.DelayMin {
		cfg.DelayMax = cfg.DelayMin
	}
	return &Dispatcher{gate: g, classifier: c, lookup: l, directory: d, sender: s, opts: cfg}
}

// HandleAsync runs the pipeline for one event in a tracked goroutine. Errors
// are terminal for the message: logged, never retried, never propagated to
// the polling loop.
//
// The pipeline is detached from the caller's cancellation: a reply sitting in
// its pre-send delay is still owed to the sender when shutdown begins, and
// Drain bounds how long the process waits for it.
func (d *Dispatcher) HandleAsync(ctx context.Context, evt models.MessageEvent) {
	d.wg.Add(1)
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer d.wg.Done()
		if err := d.HandleMessage(ctx, evt); err != nil {
			slog.Error("Dispatcher.HandleAsync: message pipeline failed", "message_id", evt.Message.ID, "error", err)
		}
	}()
}

// Drain waits up to timeout for in-flight pipelines to finish. A zero or
// negative timeout returns immediately, abandoning them.
func (d *Dispatcher) Drain(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Dispatcher.Drain: in-flight pipelines finished")
	case <-time.After(timeout):
		slog.Warn("Dispatcher.Drain: timeout elapsed, abandoning in-flight pipelines", "timeout", timeout)
	}
}

// HandleMessage runs the full pipeline synchronously. Stages short-circuit
// with a nil error when there is simply nothing to do; a non-nil error is a
// terminal failure for this message only.
func (d *Dispatcher) HandleMessage(ctx context.Context, evt models.MessageEvent) error {
	if !d.gate.IsEnabled() {
		return nil
	}
	if d.opts.SelfID != 0 && evt.Message.SenderID == d.opts.SelfID {
		return nil
	}
	text := evt.Message.Text
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if !d.eligible(text) {
		return nil
	}

	recipient, err := d.resolveRecipient(ctx, evt)
	if err != nil {
		// Unresolved senders are not retried; optionally escalate the raw
		// request to the fallback recipient.
		slog.Warn("Dispatcher.HandleMessage: sender not resolved", "message_id", evt.Message.ID, "sender_id", evt.Message.SenderID, "error", err)
		d.forwardToFallback(ctx, evt)
		return nil
	}

	products, err := d.classifier.Classify(ctx, text)
	if err != nil {
		return fmt.Errorf("classify message %d: %w", evt.Message.ID, err)
	}
	if len(products) == 0 {
		slog.Debug("Dispatcher.HandleMessage: no actionable products", "message_id", evt.Message.ID)
		return nil
	}

	priced, err := d.priceProducts(ctx, evt.Message.ID, products)
	if err != nil {
		// Quota exhaustion aborts the whole message; a partial reply is worse
		// than silence.
		return fmt.Errorf("price lookup for message %d: %w", evt.Message.ID, err)
	}

	usable := 0
	for _, p := range priced {
		if usablePrice(p) {
			usable++
		}
	}
	if usable == 0 {
		slog.Debug("Dispatcher.HandleMessage: no priced products", "message_id", evt.Message.ID)
		return nil
	}

	reply := FormatReply(text, priced)
	if strings.TrimSpace(reply) == "" {
		return nil
	}
	reply = truncateReply(reply)

	delay := time.Duration(usable) * util.RandomDelay(d.opts.DelayMin, d.opts.DelayMax)
	slog.Info("Dispatcher.HandleMessage: reply scheduled", "message_id", evt.Message.ID, "recipient_id", recipient.ID, "priced", usable, "delay", delay)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}

	if err := d.sender.SendToUser(ctx, *recipient, reply); err != nil {
		return fmt.Errorf("send reply for message %d: %w", evt.Message.ID, err)
	}
	slog.Info("Dispatcher.HandleMessage: reply sent", "message_id", evt.Message.ID, "recipient_id", recipient.ID)
	return nil
}

// eligible applies the cheap keyword filter before paying for classification.
func (d *Dispatcher) eligible(text string) bool {
	if len(d.opts.Keywords) == 0 {
		return true
	}
	lower := strings.ToLower(text)
	for _, kw := range d.opts.Keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// resolveRecipient finds the sender in the directory: numeric id first, then
// username when the transport supplied one.
func (d *Dispatcher) resolveRecipient(ctx context.Context, evt models.MessageEvent) (*models.UserRecord, error) {
	user, err := d.directory.FindUserByID(ctx, evt.Message.SenderID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, models.ErrUserNotFound) {
		return nil, err
	}
	if username := strings.TrimSpace(evt.Sender.Username); username != "" {
		return d.directory.FindUserByUsername(ctx, username)
	}
	return nil, models.ErrUserNotFound
}

// forwardToFallback escalates the raw message text to the configured fallback
// recipient. Best effort; failures are logged and dropped.
func (d *Dispatcher) forwardToFallback(ctx context.Context, evt models.MessageEvent) {
	if d.opts.Fallback == "" {
		return
	}
	user, err := d.directory.FindUserByUsername(ctx, d.opts.Fallback)
	if err != nil {
		slog.Warn("Dispatcher.forwardToFallback: fallback recipient not resolved", "fallback", d.opts.Fallback, "error", err)
		return
	}
	if err := d.sender.SendToUser(ctx, *user, evt.Message.Text); err != nil {
		slog.Error("Dispatcher.forwardToFallback: forward failed", "fallback", d.opts.Fallback, "error", err)
	}
}

// priceProducts runs the per-product exact lookup. Quota exhaustion aborts the
// batch; any other lookup error marks that product not-found and continues.
func (d *Dispatcher) priceProducts(ctx context.Context, messageID int64, products []models.ProductQuery) ([]models.PricedProduct, error) {
	priced := make([]models.PricedProduct, 0, len(products))
	for _, q := range products {
		if strings.TrimSpace(q.Normalized) == "" {
			priced = append(priced, models.PricedProduct{ProductQuery: q})
			continue
		}
		rows, err := d.lookup.SearchExact(ctx, d.opts.NameColumn, q.Normalized)
		if err != nil {
			if errors.Is(err, models.ErrQuotaExceeded) {
				return nil, err
			}
			slog.Warn("Dispatcher.priceProducts: lookup failed", "message_id", messageID, "normalized", q.Normalized, "error", err)
			priced = append(priced, models.PricedProduct{ProductQuery: q})
			continue
		}
		if len(rows) == 0 {
			priced = append(priced, models.PricedProduct{ProductQuery: q})
			continue
		}
		price, ok := ExtractPrice(rows[0][d.opts.PriceColumn])
		if !ok {
			priced = append(priced, models.PricedProduct{ProductQuery: q})
			continue
		}
		priced = append(priced, models.PricedProduct{ProductQuery: q, Price: price, Found: true})
	}
	return priced, nil
}

// truncateReply caps the outbound text at the Telegram message size limit.
func truncateReply(s string) string {
	runes := []rune(s)
	if len(runes) <= models.MaxReplyLength {
		return s
	}
	const marker = "\n… (сообщение обрезано)"
	cut := models.MaxReplyLength - len([]rune(marker))
	return string(runes[:cut]) + marker
}
