// Package telegram wraps the gotd MTProto client for the personal-account
// Telegram integration.
//
// It exposes the monitored-group fetch, the private send, and the liveness
// probe the ingestion core depends on. Push updates from the library are
// deliberately not used for ingestion; polling getHistory is authoritative.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"golang.org/x/time/rate"

	"github.com/nsokolov/pricebot/internal/models"
)

// DefaultSendRate caps outbound private messages. Telegram throttles personal
// accounts hard; one message per two seconds stays well inside the limit on
// top of the dispatcher's own per-product delay.
var DefaultSendRate = rate.Every(2 * time.Second)

// rawAPI is the slice of the Telegram RPC surface the adapter uses.
type rawAPI interface {
	MessagesGetHistory(ctx context.Context, request *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)
	MessagesSendMessage(ctx context.Context, request *tg.MessagesSendMessageRequest) (tg.UpdatesClass, error)
	MessagesGetDialogs(ctx context.Context, request *tg.MessagesGetDialogsRequest) (tg.MessagesDialogsClass, error)
}

// Opts holds configuration options for the Telegram client.
type Opts struct {
	AppID       int
	AppHash     string
	Phone       string
	Password    string
	SessionPath string
	ChatID      int64
	SendRate    rate.Limit
}

// Option defines a configuration option for the Telegram client.
type Option func(*Opts)

// WithAuth sets the api_id/api_hash application credentials.
func WithAuth(appID int, appHash string) Option {
	return func(o *Opts) {
		o.AppID = appID
		o.AppHash = appHash
	}
}

// WithPhone sets the account phone number used during login.
func WithPhone(phone string) Option {
	return func(o *Opts) { o.Phone = phone }
}

// WithPassword sets the 2FA password, if the account has one.
func WithPassword(password string) Option {
	return func(o *Opts) { o.Password = password }
}

// WithSessionPath sets where the MTProto session file is stored.
func WithSessionPath(path string) Option {
	return func(o *Opts) { o.SessionPath = path }
}

// WithChatID sets the monitored group chat id.
func WithChatID(id int64) Option {
	return func(o *Opts) { o.ChatID = id }
}

// WithSendRate overrides the outbound message rate limit.
func WithSendRate(r rate.Limit) Option {
	return func(o *Opts) { o.SendRate = r }
}

// Client adapts the gotd MTProto client to the fetch/send/probe capabilities
// the ingestion core consumes. Access hashes harvested from getHistory user
// blobs are cached so private sends can address senders directly.
type Client struct {
	tgClient *telegram.Client
	api      rawAPI
	selfFn   func(ctx context.Context) (*tg.User, error)
	opts     Opts
	limiter  *rate.Limiter

	// runSession starts the MTProto session goroutine; a seam for tests.
	runSession func(ctx context.Context) error
	codePrompt auth.CodeAuthenticator

	mu        sync.Mutex
	connected bool
	chatPeer  tg.InputPeerClass
	hashes    map[int64]int64
	selfID    int64
	runCancel context.CancelFunc
	runDone   chan struct{}
}

// NewClient creates a Telegram client with a file-backed session.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{SendRate: DefaultSendRate}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AppID == 0 || cfg.AppHash == "" {
		return nil, fmt.Errorf("telegram api credentials not set")
	}
	if cfg.Phone == "" {
		return nil, fmt.Errorf("telegram phone number not set")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("monitored chat id not set")
	}

	tgClient := telegram.NewClient(cfg.AppID, cfg.AppHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: cfg.SessionPath},
	})
	c := &Client{
		tgClient: tgClient,
		api:      tgClient.API(),
		selfFn:   tgClient.Self,
		opts:     cfg,
		limiter:  rate.NewLimiter(cfg.SendRate, 1),
		hashes:   make(map[int64]int64),
	}
	c.runSession = c.startSession
	return c, nil
}

// Start connects, authenticates the personal account, and resolves the
// monitored chat peer. It blocks until the connection is usable or fails.
func (c *Client) Start(ctx context.Context, codePrompt auth.CodeAuthenticator) error {
	c.codePrompt = codePrompt
	return c.runSession(ctx)
}

// startSession launches the Run goroutine that owns the MTProto connection.
// It blocks until the session is authenticated and the chat peer is resolved,
// or until the goroutine exits with an error. Called again by Reconnect when
// a previous session goroutine has died.
func (c *Client) startSession(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.runCancel = cancel
	c.runDone = done
	c.mu.Unlock()

	ready := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		defer close(done)
		err := c.tgClient.Run(runCtx, func(ctx context.Context) error {
			flow := auth.NewFlow(
				auth.Constant(c.opts.Phone, c.opts.Password, c.codePrompt),
				auth.SendCodeOptions{},
			)
			if err := c.tgClient.Auth().IfNecessary(ctx, flow); err != nil {
				return fmt.Errorf("authentication failed: %w", err)
			}
			self, err := c.selfFn(ctx)
			if err != nil {
				return fmt.Errorf("failed to resolve own identity: %w", err)
			}
			c.mu.Lock()
			c.selfID = self.ID
			c.connected = true
			c.mu.Unlock()
			slog.Info("Telegram.startSession: authenticated", "self_id", self.ID, "username", self.Username)

			if err := c.resolveChatPeer(ctx); err != nil {
				return err
			}
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		select {
		case errCh <- err:
		default:
		}
	}()

	select {
	case <-ready:
		return nil
	case err := <-errCh:
		return fmt.Errorf("telegram client stopped during startup: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop disconnects and waits for the client goroutine to exit.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.runCancel
	done := c.runDone
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// SelfID returns the authenticated account's user id, for the dispatcher's
// self-message guard. Zero until Start completes.
func (c *Client) SelfID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

// Connected reports the nominal connection state.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Reconnect restores a usable session. While the Run goroutine is alive the
// library reconnects transports on its own, so a self lookup confirming the
// session suffices; once that goroutine has exited (auth revoked, fatal
// MTProto error) probing is pointless and the session is started anew.
func (c *Client) Reconnect(ctx context.Context) error {
	if c.sessionExited() {
		slog.Warn("Telegram.Reconnect: session goroutine exited, restarting")
		if err := c.runSession(ctx); err != nil {
			return fmt.Errorf("session restart failed: %w", err)
		}
		slog.Info("Telegram.Reconnect: session restarted")
		return nil
	}
	if err := c.Probe(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// sessionExited reports whether the Run goroutine has returned. False before
// the first Start.
func (c *Client) sessionExited() bool {
	c.mu.Lock()
	done := c.runDone
	c.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// Probe performs a cheap self lookup to distinguish an idle chat from a dead
// connection.
func (c *Client) Probe(ctx context.Context) error {
	if _, err := c.selfFn(ctx); err != nil {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		return fmt.Errorf("self probe failed: %w", err)
	}
	return nil
}

// FetchRecent returns up to limit recent messages from the monitored chat.
// Sender context comes from the users blob of the same response, and access
// hashes are cached for later private sends.
func (c *Client) FetchRecent(ctx context.Context, limit int) ([]models.MessageEvent, error) {
	c.mu.Lock()
	peer := c.chatPeer
	c.mu.Unlock()
	if peer == nil {
		return nil, fmt.Errorf("chat peer not resolved")
	}

	history, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  peer,
		Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("getHistory failed: %w", err)
	}
	events, users := eventsFromHistory(history, c.opts.ChatID)
	c.rememberHashes(users)
	return events, nil
}

// SendToUser delivers a private message to a resolved user, respecting the
// outbound rate limit. The access hash comes from the directory record,
// falling back to the harvested cache.
func (c *Client) SendToUser(ctx context.Context, user models.UserRecord, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	hash := user.AccessHash
	if hash == 0 {
		c.mu.Lock()
		hash = c.hashes[user.ID]
		c.mu.Unlock()
	}
	peer := &tg.InputPeerUser{UserID: user.ID, AccessHash: hash}
	_, err := c.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  text,
		RandomID: rand.Int64(),
	})
	if err != nil {
		return fmt.Errorf("sendMessage to %d failed: %w", user.ID, err)
	}
	slog.Debug("Telegram.SendToUser: message sent", "user_id", user.ID, "length", len(text))
	return nil
}

// resolveChatPeer finds the input peer for the monitored chat. Basic groups
// are addressable by id alone; channels and supergroups need the access hash
// from the dialog list.
func (c *Client) resolveChatPeer(ctx context.Context) error {
	id := c.opts.ChatID
	if id > 0 {
		c.setChatPeer(&tg.InputPeerChat{ChatID: id})
		return nil
	}

	// Negative ids follow the Bot API convention: -100<channel id> for
	// channels/supergroups, plain negation for basic groups.
	const channelMark = -1000000000000
	if id > channelMark {
		c.setChatPeer(&tg.InputPeerChat{ChatID: -id})
		return nil
	}
	channelID := -id + channelMark

	dialogs, err := c.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      100,
	})
	if err != nil {
		return fmt.Errorf("getDialogs failed: %w", err)
	}
	var chats []tg.ChatClass
	switch d := dialogs.(type) {
	case *tg.MessagesDialogs:
		chats = d.Chats
	case *tg.MessagesDialogsSlice:
		chats = d.Chats
	}
	for _, chat := range chats {
		if ch, ok := chat.(*tg.Channel); ok && ch.ID == channelID {
			c.setChatPeer(&tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash})
			slog.Info("Telegram.resolveChatPeer: resolved channel", "channel_id", ch.ID, "title", ch.Title)
			return nil
		}
	}
	return fmt.Errorf("chat %d not found in dialogs", id)
}

func (c *Client) setChatPeer(peer tg.InputPeerClass) {
	c.mu.Lock()
	c.chatPeer = peer
	c.mu.Unlock()
}

// rememberHashes caches access hashes from a getHistory users blob.
func (c *Client) rememberHashes(users map[int64]*tg.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, u := range users {
		if u.AccessHash != 0 {
			c.hashes[id] = u.AccessHash
		}
	}
}

// eventsFromHistory converts a getHistory response into message events with
// resolved sender context, sorted by ascending message id.
func eventsFromHistory(history tg.MessagesMessagesClass, chatID int64) ([]models.MessageEvent, map[int64]*tg.User) {
	var (
		rawMsgs  []tg.MessageClass
		rawUsers []tg.UserClass
	)
	switch h := history.(type) {
	case *tg.MessagesMessages:
		rawMsgs, rawUsers = h.Messages, h.Users
	case *tg.MessagesMessagesSlice:
		rawMsgs, rawUsers = h.Messages, h.Users
	case *tg.MessagesChannelMessages:
		rawMsgs, rawUsers = h.Messages, h.Users
	default:
		return nil, nil
	}

	users := make(map[int64]*tg.User, len(rawUsers))
	for _, u := range rawUsers {
		if user, ok := u.(*tg.User); ok {
			users[user.ID] = user
		}
	}

	var events []models.MessageEvent
	for _, m := range rawMsgs {
		msg, ok := m.(*tg.Message)
		if !ok || msg.Message == "" {
			continue
		}
		evt := models.MessageEvent{
			Message: models.InboundMessage{
				ID:   int64(msg.ID),
				Text: msg.Message,
				Date: time.Unix(int64(msg.Date), 0),
			},
			ChatID: chatID,
		}
		if from, ok := msg.FromID.(*tg.PeerUser); ok {
			evt.Message.SenderID = from.UserID
			if u, found := users[from.UserID]; found {
				evt.Sender = models.Sender{
					ID:         u.ID,
					AccessHash: u.AccessHash,
					Username:   u.Username,
					FirstName:  u.FirstName,
					LastName:   u.LastName,
				}
			} else {
				evt.Sender = models.Sender{ID: from.UserID}
			}
		}
		events = append(events, evt)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Message.ID < events[j].Message.ID })
	return events, users
}
