package chatsync

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultEchoTimeout is how long a send may stay optimistic before the
// controller verifies it against the server history.
const DefaultEchoTimeout = 20 * time.Second

// SendFailure is delivered to failure handlers after an optimistic entry was
// rolled back.
type SendFailure struct {
	Message Message
	Err     *DeliveryError
}

// SendControllerConfig configures an OptimisticSendController.
type SendControllerConfig struct {
	// EchoTimeout bounds how long a send waits for its echo. Zero uses
	// DefaultEchoTimeout, negative disables the timeout.
	EchoTimeout time.Duration
	// Verify is called when the echo timeout fires, before rolling back. A
	// session uses it to re-fetch history, which confirms sends whose echo
	// was lost.
	Verify func(ctx context.Context) error
	Logger *slog.Logger
}

type pendingSend struct {
	msg   Message
	timer *time.Timer
}

// OptimisticSendController shows outbound messages before the server has
// them and reconciles them with the echo or rolls them back.
type OptimisticSendController struct {
	conn        PushConnection
	store       *ConversationStore
	echoTimeout time.Duration
	verify      func(ctx context.Context) error
	log         *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	pending  map[string]*pendingSend
	failed   map[string]Message
	handlers []func(SendFailure)
	sub      Subscription
	closed   bool
}

// NewOptimisticSendController binds a controller to one conversation store.
// Call Close when the store is discarded.
func NewOptimisticSendController(conn PushConnection, store *ConversationStore, cfg SendControllerConfig) *OptimisticSendController {
	if cfg.EchoTimeout == 0 {
		cfg.EchoTimeout = DefaultEchoTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	c := &OptimisticSendController{
		conn:        conn,
		store:       store,
		echoTimeout: cfg.EchoTimeout,
		verify:      cfg.Verify,
		log:         cfg.Logger.With("component", "send", "conversation", store.ConversationID()),
		now:         time.Now,
		pending:     make(map[string]*pendingSend),
		failed:      make(map[string]Message),
	}
	c.sub = conn.On(EventDeliveryError, func(ev Event) {
		c.handleDeliveryError(ev.(DeliveryFailed))
	})
	return c
}

// OnFailure registers h for rolled-back sends.
func (c *OptimisticSendController) OnFailure(h func(SendFailure)) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// Send appends a provisional message to the store and emits it. The
// returned message is the optimistic entry; its echo replaces it later.
// Submitting the same content again while an identical send from the last
// DefaultDedupWindow is still pending returns that entry without emitting.
func (c *OptimisticSendController) Send(ctx context.Context, conversationID, senderID, receiverID, content string) (Message, error) {
	content = strings.TrimSpace(content)
	switch {
	case content == "":
		return Message{}, &ValidationError{Field: "content", Reason: "must not be empty"}
	case senderID == "":
		return Message{}, &ValidationError{Field: "senderId", Reason: "must not be empty"}
	case receiverID == "":
		return Message{}, &ValidationError{Field: "receiverId", Reason: "must not be empty"}
	case conversationID != c.store.ConversationID():
		return Message{}, &ValidationError{Field: "conversationId", Reason: "does not match the open conversation"}
	}
	if c.conn.State() != StateConnected {
		return Message{}, ErrNotConnected
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Message{}, ErrSessionClosed
	}
	c.pruneLocked()
	c.mu.Unlock()

	msg := Message{
		LocalID:        "local-" + uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        content,
		CreatedAt:      c.now(),
		DeliveryState:  DeliveryOptimistic,
	}

	switch c.store.Reconcile(msg) {
	case OutcomeDuplicate:
		if twin, ok := c.findTwin(msg); ok {
			c.log.Debug("duplicate send suppressed", "localId", twin.LocalID)
			return twin, nil
		}
		return Message{}, &ValidationError{Field: "content", Reason: "duplicate send"}
	case OutcomeRejected:
		return Message{}, &ValidationError{Field: "message", Reason: "rejected by store"}
	}
	c.track(msg)

	err := c.conn.Emit(ctx, Command{Type: FrameSendMessage, Payload: SendMessagePayload{
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        content,
		ConversationID: conversationID,
		LocalID:        msg.LocalID,
	}})
	if err != nil {
		c.untrack(msg.LocalID)
		c.store.Remove(msg.LocalID)
		c.log.Warn("send failed, rolled back", "localId", msg.LocalID, "error", err)
		return Message{}, &DeliveryError{LocalID: msg.LocalID, Content: content, Reason: err.Error(), Retryable: true}
	}
	return msg, nil
}

// Retry resends the content of a rolled-back message under a new localId.
func (c *OptimisticSendController) Retry(ctx context.Context, localID string) (Message, error) {
	c.mu.Lock()
	msg, ok := c.failed[localID]
	if ok {
		delete(c.failed, localID)
	}
	c.mu.Unlock()
	if !ok {
		return Message{}, &ValidationError{Field: "localId", Reason: "no failed message with this id"}
	}
	return c.Send(ctx, msg.ConversationID, msg.SenderID, msg.ReceiverID, msg.Content)
}

// Close unsubscribes from the connection and stops all echo timers.
func (c *OptimisticSendController) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, p := range c.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(c.pending, id)
	}
	c.mu.Unlock()
	c.conn.Off(c.sub)
}

func (c *OptimisticSendController) track(msg Message) {
	p := &pendingSend{msg: msg}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.echoTimeout > 0 {
		p.timer = time.AfterFunc(c.echoTimeout, func() { c.handleEchoTimeout(msg.LocalID) })
	}
	c.pending[msg.LocalID] = p
}

func (c *OptimisticSendController) untrack(localID string) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[localID]
	if !ok {
		return Message{}, false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(c.pending, localID)
	return p.msg, true
}

// pruneLocked forgets sends that have been confirmed since.
func (c *OptimisticSendController) pruneLocked() {
	for id, p := range c.pending {
		if _, still := c.store.Pending(id); !still {
			if p.timer != nil {
				p.timer.Stop()
			}
			delete(c.pending, id)
		}
	}
}

func (c *OptimisticSendController) findTwin(msg Message) (Message, bool) {
	for _, m := range c.store.Snapshot() {
		if m.IsOptimistic() && sameFingerprint(m, msg) && absDuration(m.CreatedAt.Sub(msg.CreatedAt)) <= c.store.dedupWindow {
			return m, true
		}
	}
	return Message{}, false
}

func (c *OptimisticSendController) handleDeliveryError(ev DeliveryFailed) {
	msg, ok := c.untrack(ev.LocalID)
	if !ok {
		return
	}
	reason := ev.Reason
	if reason == "" {
		reason = "rejected by server"
	}
	c.rollback(msg, reason)
}

func (c *OptimisticSendController) handleEchoTimeout(localID string) {
	if _, still := c.store.Pending(localID); !still {
		c.untrack(localID)
		return
	}
	if c.verify != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := c.verify(ctx); err != nil {
			c.log.Warn("echo verification failed", "localId", localID, "error", err)
		}
		cancel()
		if _, still := c.store.Pending(localID); !still {
			c.untrack(localID)
			return
		}
	}
	msg, ok := c.untrack(localID)
	if !ok {
		return
	}
	c.rollback(msg, "no echo received")
}

// rollback removes the optimistic entry and notifies failure handlers. A
// message already confirmed by its echo is left alone.
func (c *OptimisticSendController) rollback(msg Message, reason string) {
	if !c.store.Remove(msg.LocalID) {
		c.log.Debug("delivery failure for confirmed message ignored", "localId", msg.LocalID, "reason", reason)
		return
	}
	c.log.Warn("send rolled back", "localId", msg.LocalID, "reason", reason)

	failure := SendFailure{
		Message: msg,
		Err:     &DeliveryError{LocalID: msg.LocalID, Content: msg.Content, Reason: reason, Retryable: true},
	}
	c.mu.Lock()
	c.failed[msg.LocalID] = msg
	handlers := append([]func(SendFailure){}, c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(failure)
	}
}
