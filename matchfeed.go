package chatsync

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// DefaultRefreshDebounce coalesces bursts of events into one directory fetch.
const DefaultRefreshDebounce = 300 * time.Millisecond

// ConversationSummary is one row of the match list.
type ConversationSummary struct {
	ConversationID string
	Peer           Participant
	LastMessage    *MessageSummary
	CreatedAt      time.Time
}

// LastActivity is the time of the last message, or the match time.
func (s ConversationSummary) LastActivity() time.Time {
	if s.LastMessage != nil {
		return s.LastMessage.At
	}
	return s.CreatedAt
}

// MatchFeedConfig configures a MatchFeedBridge.
type MatchFeedConfig struct {
	Self            string
	Conn            PushConnection
	Directory       ConversationDirectory
	RefreshDebounce time.Duration
	Logger          *slog.Logger
	// OnChange receives the ordered list after every change.
	OnChange func([]ConversationSummary)
}

// MatchFeedBridge keeps the conversation list fresh from the push stream.
// Messages for listed conversations are patched locally; only new matches
// and messages for unknown conversations cost a directory fetch.
type MatchFeedBridge struct {
	cfg MatchFeedConfig
	log *slog.Logger

	mu        sync.Mutex
	summaries map[string]ConversationSummary
	subs      []Subscription
	pending   *time.Timer
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	// loading is set during the initial fetch; events are queued in early
	// and replayed once the list is installed.
	loading bool
	early   []func()
}

// NewMatchFeedBridge creates a stopped bridge.
func NewMatchFeedBridge(cfg MatchFeedConfig) *MatchFeedBridge {
	if cfg.RefreshDebounce <= 0 {
		cfg.RefreshDebounce = DefaultRefreshDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &MatchFeedBridge{
		cfg:       cfg,
		log:       cfg.Logger.With("component", "matchfeed"),
		summaries: make(map[string]ConversationSummary),
	}
}

// Start subscribes to the push stream and loads the list. Events arriving
// during the load are applied on top of it. Background refreshes run until
// Stop is called or ctx is cancelled.
func (b *MatchFeedBridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = true
	b.loading = true
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.mu.Unlock()

	subs := []Subscription{
		b.cfg.Conn.On(EventMessageReceived, func(ev Event) {
			e := ev.(MessageReceived)
			b.deliver(func() { b.handleMessage(e) })
		}),
		b.cfg.Conn.On(EventMatchCreated, func(ev Event) {
			e := ev.(MatchCreated)
			b.deliver(func() { b.handleMatch(e) })
		}),
		b.cfg.Conn.On(EventConnectivityChanged, func(ev Event) {
			e := ev.(ConnectivityChanged)
			if e.State == StateConnected && e.Previous == StateReconnecting {
				b.deliver(func() { b.scheduleRefresh("reconnected") })
			}
		}),
	}
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		for _, sub := range subs {
			b.cfg.Conn.Off(sub)
		}
		return ErrSessionClosed
	}
	b.subs = subs
	b.mu.Unlock()

	convs, err := b.cfg.Directory.FetchConversations(ctx)
	if err != nil {
		b.Stop()
		return err
	}
	b.replace(convs)

	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return ErrSessionClosed
	}
	early := b.early
	b.early = nil
	b.loading = false
	b.mu.Unlock()

	for _, fn := range early {
		fn()
	}
	b.notify()
	return nil
}

// deliver runs fn now, or queues it while the initial fetch is in flight.
func (b *MatchFeedBridge) deliver(fn func()) {
	b.mu.Lock()
	if b.loading {
		b.early = append(b.early, fn)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	fn()
}

// Stop unsubscribes and cancels pending refreshes. It is safe to call repeatedly.
func (b *MatchFeedBridge) Stop() {
	b.mu.Lock()
	b.running = false
	b.loading = false
	b.early = nil
	subs := b.subs
	b.subs = nil
	if b.pending != nil {
		b.pending.Stop()
		b.pending = nil
	}
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.cfg.Conn.Off(sub)
	}
}

// Load installs an already fetched conversation list and returns it as
// summaries. Conversations self is not part of are skipped.
func (b *MatchFeedBridge) Load(convs []Conversation) []ConversationSummary {
	b.replace(convs)
	return b.Summaries()
}

// Summaries returns the list ordered by latest activity first.
func (b *MatchFeedBridge) Summaries() []ConversationSummary {
	b.mu.Lock()
	out := make([]ConversationSummary, 0, len(b.summaries))
	for _, s := range b.summaries {
		out = append(out, s)
	}
	b.mu.Unlock()

	slices.SortFunc(out, func(a, c ConversationSummary) int {
		if cmp := c.LastActivity().Compare(a.LastActivity()); cmp != 0 {
			return cmp
		}
		if a.ConversationID < c.ConversationID {
			return -1
		}
		if a.ConversationID > c.ConversationID {
			return 1
		}
		return 0
	})
	return out
}

func (b *MatchFeedBridge) handleMessage(e MessageReceived) {
	b.mu.Lock()
	s, ok := b.summaries[e.ConversationID]
	if !ok {
		b.mu.Unlock()
		b.scheduleRefresh("message for unknown conversation")
		return
	}
	if s.LastMessage != nil && s.LastMessage.At.After(e.CreatedAt) {
		b.mu.Unlock()
		return
	}
	s.LastMessage = &MessageSummary{Text: e.Content, At: e.CreatedAt}
	b.summaries[e.ConversationID] = s
	b.mu.Unlock()

	b.notify()
}

func (b *MatchFeedBridge) handleMatch(e MatchCreated) {
	if !e.Involves(b.cfg.Self) {
		return
	}
	b.mu.Lock()
	_, known := b.summaries[e.ConversationID]
	b.mu.Unlock()
	if known {
		return
	}
	b.scheduleRefresh("match created")
}

// scheduleRefresh arms one directory fetch after RefreshDebounce. Requests
// arriving while one is armed join it.
func (b *MatchFeedBridge) scheduleRefresh(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running || b.pending != nil {
		return
	}
	b.log.Debug("refresh scheduled", "reason", reason)
	b.pending = time.AfterFunc(b.cfg.RefreshDebounce, b.refresh)
}

func (b *MatchFeedBridge) refresh() {
	b.mu.Lock()
	b.pending = nil
	ctx := b.ctx
	running := b.running
	b.mu.Unlock()
	if !running {
		return
	}

	convs, err := b.cfg.Directory.FetchConversations(ctx)
	if err != nil {
		if ctx.Err() == nil {
			b.log.Warn("conversation refresh failed", "error", err)
		}
		return
	}
	b.mu.Lock()
	stopped := !b.running
	b.mu.Unlock()
	if stopped {
		return
	}
	b.replace(convs)
	b.notify()
}

// replace installs a fetched list. A locally patched last message newer than
// the server's projection is kept.
func (b *MatchFeedBridge) replace(convs []Conversation) {
	next := make(map[string]ConversationSummary, len(convs))
	for _, c := range convs {
		peer, ok := c.Peer(b.cfg.Self)
		if !ok {
			continue
		}
		next[c.ID] = ConversationSummary{
			ConversationID: c.ID,
			Peer:           peer,
			LastMessage:    c.LastMessage,
			CreatedAt:      c.CreatedAt,
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range next {
		old, ok := b.summaries[id]
		if !ok || old.LastMessage == nil {
			continue
		}
		if s.LastMessage == nil || old.LastMessage.At.After(s.LastMessage.At) {
			s.LastMessage = old.LastMessage
			next[id] = s
		}
	}
	b.summaries = next
}

func (b *MatchFeedBridge) notify() {
	if b.cfg.OnChange == nil {
		return
	}
	b.cfg.OnChange(b.Summaries())
}
