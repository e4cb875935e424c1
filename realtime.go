package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Transport
// ============================================================================

// Transport is one bidirectional frame connection.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// DialFunc opens a Transport to url.
type DialFunc func(ctx context.Context, url string) (Transport, error)

// StatusAuthFailed is the close status a server uses when it refuses the
// token, whether or not the auth.error frame made it through.
const StatusAuthFailed websocket.StatusCode = 4401

// errAuthRefused marks a transport closed with StatusAuthFailed.
var errAuthRefused = errors.New("authentication refused by server")

// DialWebSocket is the default DialFunc.
func DialWebSocket(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusPolicyViolation:
			return nil, fmt.Errorf("%w: %v", ErrExiled, err)
		case StatusAuthFailed:
			return nil, fmt.Errorf("%w: %v", errAuthRefused, err)
		}
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a ConnectionManager.
type RealtimeConfig struct {
	// URL is the push endpoint, e.g. "wss://api.example.com/ws". The token is
	// appended as a query parameter.
	URL                  string
	DisableReconnect     bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// HeartbeatInterval <= 0 uses the default; set DisableHeartbeat to turn pings off.
	HeartbeatInterval time.Duration
	DisableHeartbeat  bool
	PongTimeout       time.Duration
	AuthTimeout       time.Duration
	Dial              DialFunc
	Logger            *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.Dial == nil {
		c.Dial = DialWebSocket
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// ConnectivityState represents the connection state.
type ConnectivityState string

const (
	StateDisconnected ConnectivityState = "disconnected"
	StateConnecting   ConnectivityState = "connecting"
	StateConnected    ConnectivityState = "connected"
	StateReconnecting ConnectivityState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// Handler receives dispatched events. Handlers run on the connection's read
// goroutine, one at a time, and must not block.
type Handler func(Event)

// Subscription identifies a registered handler. The zero value is inert.
type Subscription struct {
	eventType EventType
	id        uint64
}

type subscriber struct {
	id      uint64
	handler Handler
	active  atomic.Bool
}

type eventDispatcher struct {
	log *slog.Logger

	mu       sync.RWMutex
	nextID   uint64
	handlers map[EventType][]*subscriber
}

func newEventDispatcher(log *slog.Logger) *eventDispatcher {
	return &eventDispatcher{
		log:      log,
		handlers: make(map[EventType][]*subscriber),
	}
}

func (d *eventDispatcher) on(t EventType, h Handler) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	s := &subscriber{id: d.nextID, handler: h}
	s.active.Store(true)
	// Copy on write: a dispatch in progress keeps iterating its own slice.
	d.handlers[t] = append(slices.Clone(d.handlers[t]), s)
	return Subscription{eventType: t, id: s.id}
}

func (d *eventDispatcher) off(sub Subscription) {
	if sub.id == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := d.handlers[sub.eventType]
	for i, s := range subs {
		if s.id == sub.id {
			s.active.Store(false)
			d.handlers[sub.eventType] = slices.Delete(slices.Clone(subs), i, i+1)
			return
		}
	}
}

func (d *eventDispatcher) dispatch(ev Event) {
	if ev == nil {
		return
	}
	d.mu.RLock()
	subs := d.handlers[ev.EventType()]
	d.mu.RUnlock()
	for _, s := range subs {
		if s.active.Load() {
			d.invoke(s, ev)
		}
	}
}

func (d *eventDispatcher) invoke(s *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("event handler panicked", "event", ev.EventType(), "panic", r)
		}
	}()
	s.handler(ev)
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	mu          sync.Mutex
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// next returns the delay before the next attempt, or false once the attempt
// budget is spent. A connection that stayed up for a minute resets the budget.
func (r *reconnector) next() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	if r.maxAttempts > 0 && r.attempt >= r.maxAttempts {
		return 0, false
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay, true
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// ConnectionManager
// ============================================================================

// PushConnection is the part of a ConnectionManager that sessions and feeds
// depend on.
type PushConnection interface {
	On(t EventType, h Handler) Subscription
	Off(sub Subscription)
	State() ConnectivityState
	Emit(ctx context.Context, cmd Command) error
}

// ConnectionManager owns the single authenticated push connection of one
// signed-in identity, its inbox channel membership, and reconnection.
type ConnectionManager struct {
	config     *RealtimeConfig
	log        *slog.Logger
	dispatcher *eventDispatcher
	recon      *reconnector
	now        func() time.Time

	mu           sync.Mutex
	state        ConnectivityState
	cred         Credential
	transport    Transport
	cancelFn     context.CancelFunc
	expiry       *time.Timer
	epoch        uint64
	pingCounter  uint64
	pendingPings map[string]chan PongPayload
}

var _ PushConnection = (*ConnectionManager)(nil)

// NewConnectionManager creates a disconnected manager. Call Connect to go online.
func NewConnectionManager(config RealtimeConfig) *ConnectionManager {
	cfg := config
	cfg.defaults()
	return &ConnectionManager{
		config:       &cfg,
		log:          cfg.Logger.With("component", "connection"),
		dispatcher:   newEventDispatcher(cfg.Logger),
		recon:        newReconnector(&cfg),
		now:          time.Now,
		state:        StateDisconnected,
		pendingPings: make(map[string]chan PongPayload),
	}
}

// On registers h for events of type t. Handlers of one type run in
// registration order.
func (m *ConnectionManager) On(t EventType, h Handler) Subscription {
	return m.dispatcher.on(t, h)
}

// Off removes a handler. It is safe to call from inside a handler; the
// handler receives no further events, including the one being dispatched.
func (m *ConnectionManager) Off(sub Subscription) {
	m.dispatcher.off(sub)
}

// OnMessageReceived registers a typed handler for message-received.
func (m *ConnectionManager) OnMessageReceived(h func(MessageReceived)) Subscription {
	return m.On(EventMessageReceived, func(ev Event) { h(ev.(MessageReceived)) })
}

// OnMatchCreated registers a typed handler for match-created.
func (m *ConnectionManager) OnMatchCreated(h func(MatchCreated)) Subscription {
	return m.On(EventMatchCreated, func(ev Event) { h(ev.(MatchCreated)) })
}

// OnDeliveryError registers a typed handler for delivery-error.
func (m *ConnectionManager) OnDeliveryError(h func(DeliveryFailed)) Subscription {
	return m.On(EventDeliveryError, func(ev Event) { h(ev.(DeliveryFailed)) })
}

// OnConnectivityChanged registers a typed handler for connectivity-changed.
func (m *ConnectionManager) OnConnectivityChanged(h func(ConnectivityChanged)) Subscription {
	return m.On(EventConnectivityChanged, func(ev Event) { h(ev.(ConnectivityChanged)) })
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectivityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Identity returns the identity of the current or last connection.
func (m *ConnectionManager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred.Identity
}

// ConnectWith pulls the current credential from p and connects with it.
// A signed-out provider disconnects.
func (m *ConnectionManager) ConnectWith(ctx context.Context, p CredentialProvider) error {
	cred, err := p.Credential(ctx)
	if err != nil {
		m.teardown("credential unavailable", err)
		return &ConnectionError{Op: "connect", Err: err}
	}
	return m.Connect(ctx, cred)
}

// Connect authenticates cred and joins its inbox channel. It is a no-op when
// a connection for the same identity is already up or being established;
// the newer token is kept for reconnects. A different identity tears the old
// connection down first. An explicit rejection is returned as a
// *ConnectionError with Rejected set and is never retried.
func (m *ConnectionManager) Connect(ctx context.Context, cred Credential) error {
	if err := cred.Validate(m.now()); err != nil {
		m.teardown("credential unusable", err)
		return &ConnectionError{Op: "connect", Err: err}
	}

	m.mu.Lock()
	if m.state != StateDisconnected {
		if m.cred.Identity == cred.Identity {
			m.cred = cred
			if m.state == StateConnected {
				m.armExpiryLocked(m.epoch, cred)
			}
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()
		m.log.Info("identity changed, dropping connection", "from", m.Identity(), "to", cred.Identity)
		m.teardown("identity changed", nil)
		m.mu.Lock()
		if m.state != StateDisconnected {
			m.mu.Unlock()
			return nil
		}
	}
	m.epoch++
	epoch := m.epoch
	m.cred = cred
	ev := m.transitionLocked(StateConnecting, "connect", nil)
	m.mu.Unlock()
	m.emit(ev)
	m.recon.reset()

	if err := m.establish(ctx, epoch, cred); err != nil {
		m.mu.Lock()
		var ev *ConnectivityChanged
		if m.epoch == epoch {
			m.epoch++
			ev = m.transitionLocked(StateDisconnected, "connect failed", err)
		}
		m.mu.Unlock()
		m.emit(ev)
		m.log.Warn("connect failed", "identity", cred.Identity, "error", err)
		return err
	}
	return nil
}

// Disconnect tears down the transport and channel membership. It is always
// safe to call.
func (m *ConnectionManager) Disconnect() error {
	return m.teardown("client disconnect", nil)
}

// Emit writes a command on the live connection.
func (m *ConnectionManager) Emit(ctx context.Context, cmd Command) error {
	m.mu.Lock()
	tr := m.transport
	connected := m.state == StateConnected
	m.mu.Unlock()
	if tr == nil || !connected {
		return ErrNotConnected
	}
	return writeCommand(ctx, tr, cmd)
}

// SendMessage emits a send-message command. Success is only observable
// through the echoed message-received event.
func (m *ConnectionManager) SendMessage(ctx context.Context, p SendMessagePayload) error {
	return m.Emit(ctx, Command{Type: FrameSendMessage, Payload: p})
}

// Ping sends a ping and waits for the matching pong.
func (m *ConnectionManager) Ping(ctx context.Context) (*PongPayload, error) {
	m.mu.Lock()
	m.pingCounter++
	requestID := fmt.Sprintf("ping-%d", m.pingCounter)
	ch := make(chan PongPayload, 1)
	m.pendingPings[requestID] = ch
	m.mu.Unlock()

	drop := func() {
		m.mu.Lock()
		delete(m.pendingPings, requestID)
		m.mu.Unlock()
	}

	if err := m.Emit(ctx, Command{Type: FramePing, Payload: PingPayload{RequestID: requestID}}); err != nil {
		drop()
		return nil, err
	}

	timer := time.NewTimer(m.config.PongTimeout)
	defer timer.Stop()
	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return &pong, nil
	case <-timer.C:
		drop()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
}

// establish dials, authenticates, joins the inbox channel and starts the
// read and heartbeat loops. The connection is installed only if epoch is
// still current.
func (m *ConnectionManager) establish(ctx context.Context, epoch uint64, cred Credential) error {
	tr, err := m.handshake(ctx, cred)
	if err != nil {
		return err
	}
	join := Command{Type: FrameJoin, Payload: JoinPayload{UserID: cred.Identity}}
	if err := writeCommand(ctx, tr, join); err != nil {
		tr.Close("join failed")
		return &ConnectionError{Op: "join", Err: err}
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		tr.Close("superseded")
		return &ConnectionError{Op: "connect", Err: errors.New("connection attempt superseded")}
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	if m.cancelFn != nil {
		m.cancelFn()
	}
	m.transport = tr
	m.cancelFn = cancel
	m.armExpiryLocked(epoch, cred)
	ev := m.transitionLocked(StateConnected, "connected", nil)
	m.mu.Unlock()

	m.recon.markConnected()
	m.log.Info("connected", "identity", cred.Identity)
	m.emit(ev)

	go m.readLoop(loopCtx, tr, epoch)
	if !m.config.DisableHeartbeat {
		go m.heartbeatLoop(loopCtx, epoch)
	}
	return nil
}

// handshake opens a transport and waits for the authenticated frame within
// AuthTimeout.
func (m *ConnectionManager) handshake(ctx context.Context, cred Credential) (Transport, error) {
	hctx, cancel := context.WithTimeout(ctx, m.config.AuthTimeout)
	defer cancel()

	tr, err := m.config.Dial(hctx, m.endpoint(cred.Token))
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Err: err}
	}

	data, err := tr.Read(hctx)
	if err != nil {
		tr.Close("handshake failed")
		if errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &ConnectionError{Op: "authenticate", Err: fmt.Errorf("no handshake within %s", m.config.AuthTimeout)}
		}
		return nil, &ConnectionError{Op: "authenticate", Rejected: errors.Is(err, errAuthRefused), Err: err}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		tr.Close("bad handshake")
		return nil, &ConnectionError{Op: "authenticate", Err: fmt.Errorf("decode handshake: %w", err)}
	}
	switch env.Type {
	case FrameAuthenticated:
		var p AuthenticatedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			tr.Close("bad handshake")
			return nil, &ConnectionError{Op: "authenticate", Err: err}
		}
		if p.UserID != "" && p.UserID != cred.Identity {
			tr.Close("identity mismatch")
			return nil, &ConnectionError{Op: "authenticate", Rejected: true,
				Err: fmt.Errorf("server authenticated %q, expected %q", p.UserID, cred.Identity)}
		}
		return tr, nil
	case FrameAuthError:
		var p AuthErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		tr.Close("rejected")
		return nil, &ConnectionError{Op: "authenticate", Rejected: true, Err: errors.New(p.Message)}
	case FrameExiled:
		var p ExiledPayload
		_ = json.Unmarshal(env.Payload, &p)
		tr.Close("exiled")
		return nil, &ConnectionError{Op: "authenticate", Err: fmt.Errorf("%w: %s", ErrExiled, p.Reason)}
	default:
		tr.Close("bad handshake")
		return nil, &ConnectionError{Op: "authenticate", Err: fmt.Errorf("expected %q, got %q", FrameAuthenticated, env.Type)}
	}
}

func (m *ConnectionManager) endpoint(token string) string {
	u, err := url.Parse(m.config.URL)
	if err != nil {
		return m.config.URL + "?token=" + url.QueryEscape(token)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (m *ConnectionManager) readLoop(ctx context.Context, tr Transport, epoch uint64) {
	for {
		data, err := tr.Read(ctx)
		if err != nil {
			m.handleDrop(epoch, tr, err)
			return
		}
		if stop := m.handleFrame(epoch, tr, data); stop {
			return
		}
	}
}

// handleFrame processes one push frame. It reports true when the connection
// must stop reading.
func (m *ConnectionManager) handleFrame(epoch uint64, tr Transport, data []byte) bool {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.log.Warn("dropping malformed frame", "error", err)
		return false
	}

	switch env.Type {
	case FramePong:
		var p PongPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
			m.mu.Lock()
			ch, ok := m.pendingPings[p.RequestID]
			delete(m.pendingPings, p.RequestID)
			m.mu.Unlock()
			if ok {
				ch <- p
			}
		}
		return false
	case FrameExiled:
		var p ExiledPayload
		_ = json.Unmarshal(env.Payload, &p)
		m.handleDrop(epoch, tr, fmt.Errorf("%w: %s", ErrExiled, p.Reason))
		return true
	}

	ev, err := DecodeEvent(env)
	if err != nil {
		m.log.Warn("dropping invalid event", "type", env.Type, "error", err)
		return false
	}
	if ev == nil {
		m.log.Debug("ignoring unknown frame", "type", env.Type)
		return false
	}
	m.dispatcher.dispatch(ev)
	return false
}

// handleDrop reacts to the loss of the transport of epoch: exile ends the
// connection for good, anything else starts the reconnect loop.
func (m *ConnectionManager) handleDrop(epoch uint64, tr Transport, cause error) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.epoch++
	gen := m.epoch
	m.transport = nil
	if m.cancelFn != nil {
		m.cancelFn()
		m.cancelFn = nil
	}
	m.stopExpiryLocked()

	var (
		ev   *ConnectivityChanged
		rctx context.Context
	)
	switch {
	case errors.Is(cause, ErrExiled):
		ev = m.transitionLocked(StateDisconnected, exileReason(cause), ErrExiled)
	case m.config.DisableReconnect:
		ev = m.transitionLocked(StateDisconnected, "transport lost", &ConnectionError{Op: "read", Err: cause})
	default:
		var cancel context.CancelFunc
		rctx, cancel = context.WithCancel(context.Background())
		m.cancelFn = cancel
		ev = m.transitionLocked(StateReconnecting, "transport lost", cause)
	}
	m.mu.Unlock()

	tr.Close("connection lost")
	m.clearPendingPings()
	if errors.Is(cause, ErrExiled) {
		m.log.Warn("exiled by server", "reason", cause)
	} else {
		m.log.Warn("transport lost", "error", cause, "reconnect", rctx != nil)
	}
	m.emit(ev)
	if rctx != nil {
		go m.reconnectLoop(rctx, gen)
	}
}

func (m *ConnectionManager) reconnectLoop(ctx context.Context, gen uint64) {
	var lastErr error
	for {
		delay, ok := m.recon.next()
		if !ok {
			m.giveUp(gen, "reconnect attempts exhausted", &ConnectionError{Op: "reconnect", Err: lastErr})
			return
		}
		m.log.Info("reconnecting", "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		m.mu.Lock()
		cred := m.cred
		m.mu.Unlock()
		if err := cred.Validate(m.now()); err != nil {
			m.giveUp(gen, "credential expired", &ConnectionError{Op: "reconnect", Err: err})
			return
		}

		err := m.establish(ctx, gen, cred)
		if err == nil {
			return
		}
		lastErr = err
		if errors.Is(err, ErrExiled) {
			m.giveUp(gen, exileReason(err), err)
			return
		}
		var ce *ConnectionError
		if errors.As(err, &ce) && ce.Rejected {
			m.giveUp(gen, "authentication rejected", err)
			return
		}
		if ctx.Err() != nil {
			return
		}
		m.log.Warn("reconnect attempt failed", "error", err)
	}
}

// exileReason returns the server's reason carried by an error wrapping ErrExiled.
func exileReason(err error) string {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		err = ce.Err
	}
	return strings.TrimPrefix(err.Error(), ErrExiled.Error()+": ")
}

func (m *ConnectionManager) giveUp(gen uint64, reason string, err error) {
	m.mu.Lock()
	if m.epoch != gen {
		m.mu.Unlock()
		return
	}
	m.epoch++
	if m.cancelFn != nil {
		m.cancelFn()
		m.cancelFn = nil
	}
	ev := m.transitionLocked(StateDisconnected, reason, err)
	m.mu.Unlock()
	m.log.Warn("giving up connection", "reason", reason, "error", err)
	m.emit(ev)
}

func (m *ConnectionManager) teardown(reason string, cause error) error {
	m.mu.Lock()
	m.epoch++
	tr := m.transport
	m.transport = nil
	if m.cancelFn != nil {
		m.cancelFn()
		m.cancelFn = nil
	}
	m.stopExpiryLocked()
	ev := m.transitionLocked(StateDisconnected, reason, cause)
	m.mu.Unlock()

	m.clearPendingPings()
	var err error
	if tr != nil {
		err = tr.Close(reason)
		m.log.Info("disconnected", "reason", reason)
	}
	m.emit(ev)
	return err
}

func (m *ConnectionManager) heartbeatLoop(ctx context.Context, epoch uint64) {
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				m.mu.Lock()
				tr := m.transport
				current := m.epoch == epoch
				m.mu.Unlock()
				if current && tr != nil {
					m.log.Warn("heartbeat failed, closing transport", "error", err)
					m.handleDrop(epoch, tr, fmt.Errorf("heartbeat: %w", err))
				}
				return
			}
		}
	}
}

// armExpiryLocked schedules a disconnect when the token expires.
func (m *ConnectionManager) armExpiryLocked(epoch uint64, cred Credential) {
	m.stopExpiryLocked()
	exp, ok := cred.Expiry()
	if !ok {
		return
	}
	m.expiry = time.AfterFunc(exp.Sub(m.now()), func() {
		m.mu.Lock()
		current := m.epoch == epoch
		m.mu.Unlock()
		if current {
			m.log.Info("credential expired", "identity", cred.Identity)
			m.teardown("credential expired", ErrCredentialExpired)
		}
	})
}

func (m *ConnectionManager) stopExpiryLocked() {
	if m.expiry != nil {
		m.expiry.Stop()
		m.expiry = nil
	}
}

func (m *ConnectionManager) transitionLocked(to ConnectivityState, reason string, err error) *ConnectivityChanged {
	from := m.state
	if from == to {
		return nil
	}
	m.state = to
	return &ConnectivityChanged{State: to, Previous: from, Reason: reason, Err: err}
}

func (m *ConnectionManager) emit(ev *ConnectivityChanged) {
	if ev != nil {
		m.dispatcher.dispatch(*ev)
	}
}

func (m *ConnectionManager) clearPendingPings() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, ch := range m.pendingPings {
		close(ch)
		delete(m.pendingPings, k)
	}
}

func writeCommand(ctx context.Context, tr Transport, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return tr.Write(ctx, data)
}
