package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// HistoryFetcher loads the durable message history of one conversation.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, conversationID string) ([]Message, error)
}

// ConversationDirectory lists the conversations of the signed-in identity.
type ConversationDirectory interface {
	FetchConversations(ctx context.Context) ([]Conversation, error)
}

// SessionConfig configures a ConversationSession.
type SessionConfig struct {
	// Self is the signed-in identity.
	Self      string
	Conn      PushConnection
	History   HistoryFetcher
	Directory ConversationDirectory
	// EchoTimeout is passed to the send controller. Zero uses
	// DefaultEchoTimeout, negative disables it.
	EchoTimeout time.Duration
	Logger      *slog.Logger
	// OnChange receives every new snapshot of the open conversation. It may be
	// called from the connection's read goroutine and from timer goroutines.
	OnChange func(conversationID string, snapshot []Message)
}

// ConversationSession binds one conversation at a time to a store and the
// shared push connection.
type ConversationSession struct {
	cfg SessionConfig
	log *slog.Logger

	mu          sync.Mutex
	generation  uint64
	conv        *Conversation
	store       *ConversationStore
	sender      *OptimisticSendController
	subs        []Subscription
	cancelFetch context.CancelFunc
	onFailure   []func(SendFailure)
	// ready is set once the open conversation's history is loaded.
	ready   bool
	opening *openCall
}

// openCall is an Open still fetching. Concurrent opens of the same
// conversation wait for it and share its result.
type openCall struct {
	conversationID string
	done           chan struct{}
	err            error
}

// NewConversationSession creates a closed session.
func NewConversationSession(cfg SessionConfig) *ConversationSession {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &ConversationSession{
		cfg: cfg,
		log: cfg.Logger.With("component", "session"),
	}
}

// Open switches the session to conversationID. The previous conversation is
// closed first. Opening the conversation that is already open is a no-op;
// opening the one currently being opened waits for that call and returns
// its result.
//
// Push events are subscribed before the history fetch so messages arriving
// while it is in flight are merged rather than lost. A fetch that completes
// after the session moved on is discarded and reported as ErrSessionClosed.
func (s *ConversationSession) Open(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if s.ready && s.conv != nil && s.conv.ID == conversationID {
		s.mu.Unlock()
		return nil
	}
	if call := s.opening; call != nil && call.conversationID == conversationID {
		s.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Unlock()
	s.Close()

	s.mu.Lock()
	s.generation++
	gen := s.generation
	fctx, cancel := context.WithCancel(ctx)
	s.cancelFetch = cancel
	call := &openCall{conversationID: conversationID, done: make(chan struct{})}
	s.opening = call
	s.mu.Unlock()

	err := s.load(fctx, gen, conversationID)

	s.mu.Lock()
	if s.opening == call {
		s.opening = nil
	}
	if err == nil && s.generation == gen {
		s.ready = true
	}
	s.mu.Unlock()
	call.err = err
	close(call.done)
	return err
}

// load resolves, subscribes and fetches the history of conversationID for
// generation gen.
func (s *ConversationSession) load(fctx context.Context, gen uint64, conversationID string) error {
	conv, err := s.lookup(fctx, conversationID)
	if err != nil {
		s.abort(gen)
		return err
	}

	store := NewConversationStore(conversationID)
	sender := NewOptimisticSendController(s.cfg.Conn, store, SendControllerConfig{
		EchoTimeout: s.cfg.EchoTimeout,
		Verify:      func(ctx context.Context) error { return s.resync(ctx, gen, store) },
		Logger:      s.cfg.Logger,
	})
	sender.OnFailure(func(f SendFailure) { s.handleSendFailure(gen, store, f) })

	// The filter binds conversationID and store captured here, never the
	// session's current conversation.
	subs := []Subscription{
		s.cfg.Conn.On(EventMessageReceived, func(ev Event) {
			e := ev.(MessageReceived)
			if e.ConversationID != conversationID {
				return
			}
			if store.Reconcile(e.Message()).Changed() {
				s.notify(gen, store)
			}
		}),
		s.cfg.Conn.On(EventConnectivityChanged, func(ev Event) {
			e := ev.(ConnectivityChanged)
			if e.State == StateConnected && e.Previous == StateReconnecting {
				go func() {
					if err := s.resync(context.Background(), gen, store); err != nil {
						s.log.Warn("resync after reconnect failed", "conversation", conversationID, "error", err)
					}
				}()
			}
		}),
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		s.release(subs, sender)
		return ErrSessionClosed
	}
	s.conv = &conv
	s.store = store
	s.sender = sender
	s.subs = subs
	s.mu.Unlock()

	history, err := s.cfg.History.FetchHistory(fctx, conversationID)
	if !s.current(gen) {
		s.log.Debug("discarding history of closed session", "conversation", conversationID)
		return ErrSessionClosed
	}
	if err != nil {
		s.abort(gen)
		return fmt.Errorf("fetch history for %s: %w", conversationID, err)
	}

	store.LoadHistory(history)
	s.log.Info("conversation opened", "conversation", conversationID, "messages", store.Len())
	s.notify(gen, store)
	return nil
}

// Close unsubscribes from the connection and cancels an in-flight history
// fetch. It is safe to call repeatedly.
func (s *ConversationSession) Close() {
	s.mu.Lock()
	s.generation++
	subs, sender, cancel := s.detachLocked()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.release(subs, sender)
}

// ConversationID returns the open conversation, or "" when closed.
func (s *ConversationSession) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conv == nil {
		return ""
	}
	return s.conv.ID
}

// Peer returns the other participant of the open conversation.
func (s *ConversationSession) Peer() (Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conv == nil {
		return Participant{}, false
	}
	return s.conv.Peer(s.cfg.Self)
}

// Snapshot returns the ordered log of the open conversation.
func (s *ConversationSession) Snapshot() []Message {
	s.mu.Lock()
	store := s.store
	s.mu.Unlock()
	if store == nil {
		return nil
	}
	return store.Snapshot()
}

// Send posts content to the peer of the open conversation.
func (s *ConversationSession) Send(ctx context.Context, content string) (Message, error) {
	s.mu.Lock()
	gen, conv, store, sender := s.generation, s.conv, s.store, s.sender
	s.mu.Unlock()
	if sender == nil {
		return Message{}, ErrSessionClosed
	}
	peer, ok := conv.Peer(s.cfg.Self)
	if !ok {
		return Message{}, &AccessDeniedError{ConversationID: conv.ID, UserID: s.cfg.Self}
	}

	msg, err := sender.Send(ctx, conv.ID, s.cfg.Self, peer.ID, content)
	if err != nil {
		return Message{}, err
	}
	s.notify(gen, store)
	return msg, nil
}

// Retry resends a message that was rolled back.
func (s *ConversationSession) Retry(ctx context.Context, localID string) (Message, error) {
	s.mu.Lock()
	gen, store, sender := s.generation, s.store, s.sender
	s.mu.Unlock()
	if sender == nil {
		return Message{}, ErrSessionClosed
	}
	msg, err := sender.Retry(ctx, localID)
	if err != nil {
		return Message{}, err
	}
	s.notify(gen, store)
	return msg, nil
}

// OnSendFailed registers h for sends that were rolled back.
func (s *ConversationSession) OnSendFailed(h func(SendFailure)) {
	s.mu.Lock()
	s.onFailure = append(s.onFailure, h)
	s.mu.Unlock()
}

// lookup resolves the conversation through the directory and checks that
// self takes part in it.
func (s *ConversationSession) lookup(ctx context.Context, conversationID string) (Conversation, error) {
	convs, err := s.cfg.Directory.FetchConversations(ctx)
	if err != nil {
		return Conversation{}, fmt.Errorf("fetch conversations: %w", err)
	}
	for _, c := range convs {
		if c.ID != conversationID {
			continue
		}
		if !c.HasParticipant(s.cfg.Self) {
			break
		}
		return c, nil
	}
	s.log.Warn("access denied", "conversation", conversationID, "user", s.cfg.Self)
	return Conversation{}, &AccessDeniedError{ConversationID: conversationID, UserID: s.cfg.Self}
}

// resync re-fetches the history and merges it into store if the session is
// still on generation gen.
func (s *ConversationSession) resync(ctx context.Context, gen uint64, store *ConversationStore) error {
	if !s.current(gen) {
		return nil
	}
	history, err := s.cfg.History.FetchHistory(ctx, store.ConversationID())
	if err != nil {
		return err
	}
	if !s.current(gen) {
		return nil
	}
	if n := store.LoadHistory(history); n > 0 {
		s.log.Info("history resynced", "conversation", store.ConversationID(), "changed", n)
		s.notify(gen, store)
	}
	return nil
}

func (s *ConversationSession) handleSendFailure(gen uint64, store *ConversationStore, f SendFailure) {
	if !s.current(gen) {
		return
	}
	s.notify(gen, store)
	s.mu.Lock()
	handlers := append([]func(SendFailure){}, s.onFailure...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(f)
	}
}

func (s *ConversationSession) notify(gen uint64, store *ConversationStore) {
	if s.cfg.OnChange == nil || !s.current(gen) {
		return
	}
	s.cfg.OnChange(store.ConversationID(), store.Snapshot())
}

func (s *ConversationSession) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation == gen
}

// abort closes the session if it is still on generation gen.
func (s *ConversationSession) abort(gen uint64) {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	s.generation++
	subs, sender, cancel := s.detachLocked()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.release(subs, sender)
}

func (s *ConversationSession) detachLocked() ([]Subscription, *OptimisticSendController, context.CancelFunc) {
	subs, sender, cancel := s.subs, s.sender, s.cancelFetch
	s.subs = nil
	s.sender = nil
	s.store = nil
	s.conv = nil
	s.cancelFetch = nil
	s.ready = false
	s.opening = nil
	return subs, sender, cancel
}

func (s *ConversationSession) release(subs []Subscription, sender *OptimisticSendController) {
	for _, sub := range subs {
		s.cfg.Conn.Off(sub)
	}
	if sender != nil {
		sender.Close()
	}
}
