package chatsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeConn is an in-memory PushConnection. Events are delivered synchronously
// with deliver; emitted commands are recorded.
type fakeConn struct {
	d *eventDispatcher

	mu      sync.Mutex
	state   ConnectivityState
	emitted []Command
	emitErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		d:     newEventDispatcher(slog.New(slog.DiscardHandler)),
		state: StateConnected,
	}
}

func (c *fakeConn) On(t EventType, h Handler) Subscription { return c.d.on(t, h) }
func (c *fakeConn) Off(sub Subscription)                    { c.d.off(sub) }

func (c *fakeConn) State() ConnectivityState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) Emit(_ context.Context, cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emitErr != nil {
		return c.emitErr
	}
	c.emitted = append(c.emitted, cmd)
	return nil
}

func (c *fakeConn) setState(s ConnectivityState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *fakeConn) failEmits(err error) {
	c.mu.Lock()
	c.emitErr = err
	c.mu.Unlock()
}

func (c *fakeConn) deliver(ev Event) { c.d.dispatch(ev) }

func (c *fakeConn) sends() []SendMessagePayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []SendMessagePayload
	for _, cmd := range c.emitted {
		if p, ok := cmd.Payload.(SendMessagePayload); ok && cmd.Type == FrameSendMessage {
			out = append(out, p)
		}
	}
	return out
}

func (c *fakeConn) subscribers() int {
	c.d.mu.RLock()
	defer c.d.mu.RUnlock()
	n := 0
	for _, subs := range c.d.handlers {
		n += len(subs)
	}
	return n
}

func newController(t *testing.T, conn PushConnection, cfg SendControllerConfig) (*OptimisticSendController, *ConversationStore) {
	t.Helper()
	store := NewConversationStore("conv-1")
	c := NewOptimisticSendController(conn, store, cfg)
	t.Cleanup(c.Close)
	return c, store
}

func failures(c *OptimisticSendController) chan SendFailure {
	ch := make(chan SendFailure, 8)
	c.OnFailure(func(f SendFailure) { ch <- f })
	return ch
}

func waitFailure(t *testing.T, ch chan SendFailure) SendFailure {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no send failure reported")
		return SendFailure{}
	}
}

// ============================================================================
// OptimisticSendController
// ============================================================================

func TestOptimisticSendValidation(t *testing.T) {
	conn := newFakeConn()
	c, store := newController(t, conn, SendControllerConfig{EchoTimeout: -1})

	tests := []struct {
		name                 string
		conv, from, to, text string
		field                string
	}{
		{"empty content", "conv-1", "alice", "bob", "", "content"},
		{"whitespace content", "conv-1", "alice", "bob", " \n\t ", "content"},
		{"missing sender", "conv-1", "", "bob", "hi", "senderId"},
		{"missing receiver", "conv-1", "alice", "", "hi", "receiverId"},
		{"other conversation", "conv-2", "alice", "bob", "hi", "conversationId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Send(context.Background(), tt.conv, tt.from, tt.to, tt.text)
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("err = %v, want ValidationError on %s", err, tt.field)
			}
		})
	}
	if store.Len() != 0 || len(conn.sends()) != 0 {
		t.Fatal("invalid sends must not touch the store or the wire")
	}
}

func TestOptimisticSend(t *testing.T) {
	t.Run("appears immediately and emits once", func(t *testing.T) {
		conn := newFakeConn()
		c, store := newController(t, conn, SendControllerConfig{EchoTimeout: -1})

		msg, err := c.Send(context.Background(), "conv-1", "alice", "bob", "  hello  ")
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		if !msg.IsOptimistic() || msg.LocalID == "" || msg.Content != "hello" {
			t.Fatalf("msg = %+v", msg)
		}
		if _, ok := store.Pending(msg.LocalID); !ok {
			t.Fatal("optimistic entry not in store")
		}
		sends := conn.sends()
		if len(sends) != 1 || sends[0].LocalID != msg.LocalID || sends[0].ReceiverID != "bob" {
			t.Fatalf("sends = %+v", sends)
		}
	})

	t.Run("not connected", func(t *testing.T) {
		conn := newFakeConn()
		conn.setState(StateReconnecting)
		c, store := newController(t, conn, SendControllerConfig{EchoTimeout: -1})
		if _, err := c.Send(context.Background(), "conv-1", "alice", "bob", "hi"); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("err = %v, want ErrNotConnected", err)
		}
		if store.Len() != 0 {
			t.Fatal("store modified")
		}
	})

	t.Run("emit failure rolls back", func(t *testing.T) {
		conn := newFakeConn()
		conn.failEmits(errors.New("broken pipe"))
		c, store := newController(t, conn, SendControllerConfig{EchoTimeout: -1})

		_, err := c.Send(context.Background(), "conv-1", "alice", "bob", "hi")
		var de *DeliveryError
		if !errors.As(err, &de) || !de.Retryable {
			t.Fatalf("err = %v, want retryable DeliveryError", err)
		}
		if store.Len() != 0 {
			t.Fatal("optimistic entry left behind")
		}
	})

	t.Run("double submit is suppressed", func(t *testing.T) {
		conn := newFakeConn()
		c, store := newController(t, conn, SendControllerConfig{EchoTimeout: -1})

		first, err := c.Send(context.Background(), "conv-1", "alice", "bob", "hi")
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		second, err := c.Send(context.Background(), "conv-1", "alice", "bob", "hi")
		if err != nil {
			t.Fatalf("second send: %v", err)
		}
		if second.LocalID != first.LocalID {
			t.Fatalf("second send got new entry %s", second.LocalID)
		}
		if store.Len() != 1 || len(conn.sends()) != 1 {
			t.Fatalf("len = %d sends = %d", store.Len(), len(conn.sends()))
		}
	})

	t.Run("echo confirms and late delivery error is ignored", func(t *testing.T) {
		conn := newFakeConn()
		c, store := newController(t, conn, SendControllerConfig{EchoTimeout: -1})
		failed := failures(c)

		msg, err := c.Send(context.Background(), "conv-1", "alice", "bob", "hi")
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		echo := confirmed("99", "alice", "hi", msg.CreatedAt.Add(time.Millisecond))
		echo.LocalID = msg.LocalID
		store.Reconcile(echo)

		conn.deliver(DeliveryFailed{LocalID: msg.LocalID, Reason: "too late"})
		snap := store.Snapshot()
		if len(snap) != 1 || snap[0].ID != "99" {
			t.Fatalf("snapshot = %+v", snap)
		}
		select {
		case f := <-failed:
			t.Fatalf("unexpected failure %+v", f)
		default:
		}
	})

	t.Run("delivery error rolls back and retry resends", func(t *testing.T) {
		conn := newFakeConn()
		c, store := newController(t, conn, SendControllerConfig{EchoTimeout: -1})
		store.Reconcile(confirmed("1", "bob", "hey", t0))
		failed := failures(c)

		msg, err := c.Send(context.Background(), "conv-1", "alice", "bob", "hi")
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		conn.deliver(DeliveryFailed{LocalID: msg.LocalID})

		f := waitFailure(t, failed)
		if f.Message.LocalID != msg.LocalID || f.Err.Reason != "rejected by server" || !f.Err.Retryable {
			t.Fatalf("failure = %+v", f)
		}
		assertIDs(t, store.Snapshot(), "1")

		again, err := c.Retry(context.Background(), msg.LocalID)
		if err != nil {
			t.Fatalf("retry: %v", err)
		}
		if again.LocalID == msg.LocalID || again.Content != "hi" {
			t.Fatalf("retried = %+v", again)
		}
		if n := len(conn.sends()); n != 2 {
			t.Fatalf("sends = %d, want 2", n)
		}
		if _, err := c.Retry(context.Background(), msg.LocalID); err == nil {
			t.Fatal("second retry of the same failure should fail")
		}
	})

	t.Run("delivery error for unknown localId is ignored", func(t *testing.T) {
		conn := newFakeConn()
		c, store := newController(t, conn, SendControllerConfig{EchoTimeout: -1})
		if _, err := c.Send(context.Background(), "conv-1", "alice", "bob", "hi"); err != nil {
			t.Fatalf("send: %v", err)
		}
		conn.deliver(DeliveryFailed{LocalID: "local-someone-else"})
		if store.PendingCount() != 1 {
			t.Fatal("unrelated entry rolled back")
		}
	})

	t.Run("closed controller", func(t *testing.T) {
		conn := newFakeConn()
		c, store := newController(t, conn, SendControllerConfig{EchoTimeout: -1})
		msg, err := c.Send(context.Background(), "conv-1", "alice", "bob", "hi")
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		c.Close()
		c.Close()
		conn.deliver(DeliveryFailed{LocalID: msg.LocalID})
		if store.PendingCount() != 1 {
			t.Fatal("closed controller reacted to delivery error")
		}
		if _, err := c.Send(context.Background(), "conv-1", "alice", "bob", "other"); !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("err = %v, want ErrSessionClosed", err)
		}
		if conn.subscribers() != 0 {
			t.Fatal("subscription leaked")
		}
	})
}

func TestOptimisticEchoTimeout(t *testing.T) {
	t.Run("unechoed send is rolled back", func(t *testing.T) {
		conn := newFakeConn()
		c, store := newController(t, conn, SendControllerConfig{EchoTimeout: 30 * time.Millisecond})
		failed := failures(c)

		msg, err := c.Send(context.Background(), "conv-1", "alice", "bob", "anyone?")
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		f := waitFailure(t, failed)
		if f.Message.LocalID != msg.LocalID || f.Err.Reason != "no echo received" {
			t.Fatalf("failure = %+v", f)
		}
		if store.Len() != 0 {
			t.Fatal("entry not rolled back")
		}
	})

	t.Run("verification confirms a lost echo", func(t *testing.T) {
		conn := newFakeConn()
		store := NewConversationStore("conv-1")
		verified := make(chan struct{})
		c := NewOptimisticSendController(conn, store, SendControllerConfig{
			EchoTimeout: 30 * time.Millisecond,
			Verify: func(ctx context.Context) error {
				store.LoadHistory([]Message{confirmed("7", "alice", "anyone?", time.Now())})
				close(verified)
				return nil
			},
		})
		defer c.Close()
		failed := failures(c)

		if _, err := c.Send(context.Background(), "conv-1", "alice", "bob", "anyone?"); err != nil {
			t.Fatalf("send: %v", err)
		}
		select {
		case <-verified:
		case <-time.After(2 * time.Second):
			t.Fatal("verify not called")
		}
		select {
		case f := <-failed:
			t.Fatalf("unexpected failure %+v", f)
		case <-time.After(50 * time.Millisecond):
		}
		assertIDs(t, store.Snapshot(), "7")
	})

	t.Run("confirmed send never times out", func(t *testing.T) {
		conn := newFakeConn()
		c, store := newController(t, conn, SendControllerConfig{EchoTimeout: 30 * time.Millisecond})
		failed := failures(c)

		msg, err := c.Send(context.Background(), "conv-1", "alice", "bob", "hi")
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		store.Reconcile(confirmed("1", "alice", "hi", msg.CreatedAt))
		select {
		case f := <-failed:
			t.Fatalf("unexpected failure %+v", f)
		case <-time.After(100 * time.Millisecond):
		}
	})
}
