package chatsync

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func confirmed(id, sender, content string, at time.Time) Message {
	return Message{
		ID:             id,
		ConversationID: "conv-1",
		SenderID:       sender,
		Content:        content,
		CreatedAt:      at,
		DeliveryState:  DeliveryConfirmed,
	}
}

func optimistic(localID, sender, content string, at time.Time) Message {
	return Message{
		LocalID:        localID,
		ConversationID: "conv-1",
		SenderID:       sender,
		Content:        content,
		CreatedAt:      at,
		DeliveryState:  DeliveryOptimistic,
	}
}

func ids(log []Message) []string {
	out := make([]string, len(log))
	for i, m := range log {
		if m.ID != "" {
			out[i] = m.ID
		} else {
			out[i] = m.LocalID
		}
	}
	return out
}

func assertIDs(t *testing.T, log []Message, want ...string) {
	t.Helper()
	got := ids(log)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("log = %v, want %v", got, want)
	}
}

func assertSorted(t *testing.T, log []Message) {
	t.Helper()
	if !sort.SliceIsSorted(log, func(i, j int) bool { return log[i].CreatedAt.Before(log[j].CreatedAt) }) {
		t.Fatalf("log not sorted by createdAt: %v", ids(log))
	}
}

// ============================================================================
// Reconcile
// ============================================================================

func TestReconcile(t *testing.T) {
	t.Run("appends to empty log", func(t *testing.T) {
		log, out := Reconcile(nil, confirmed("1", "alice", "hi", t0))
		if out != OutcomeAppended {
			t.Fatalf("outcome = %s", out)
		}
		assertIDs(t, log, "1")
	})

	t.Run("same id twice is idempotent", func(t *testing.T) {
		m := confirmed("1", "alice", "hi", t0)
		once, _ := Reconcile(nil, m)
		twice, out := Reconcile(once, m)
		if out != OutcomeDuplicate {
			t.Fatalf("outcome = %s, want duplicate", out)
		}
		if len(twice) != 1 {
			t.Fatalf("len = %d, want 1", len(twice))
		}
	})

	t.Run("out of order arrival is sorted", func(t *testing.T) {
		var log []Message
		log, _ = Reconcile(log, confirmed("3", "bob", "c", t0.Add(3*time.Second)))
		log, _ = Reconcile(log, confirmed("1", "bob", "a", t0.Add(1*time.Second)))
		log, _ = Reconcile(log, confirmed("2", "bob", "b", t0.Add(2*time.Second)))
		assertIDs(t, log, "1", "2", "3")
	})

	t.Run("ties keep insertion order", func(t *testing.T) {
		var log []Message
		log, _ = Reconcile(log, confirmed("b", "bob", "first", t0))
		log, _ = Reconcile(log, confirmed("a", "bob", "second", t0))
		assertIDs(t, log, "b", "a")
	})

	t.Run("echo replaces optimistic entry in place", func(t *testing.T) {
		var log []Message
		log, _ = Reconcile(log, confirmed("1", "bob", "hey", t0))
		log, _ = Reconcile(log, optimistic("local-1", "alice", "hello", t0.Add(time.Second)))
		log, out := Reconcile(log, confirmed("99", "alice", "hello", t0.Add(1500*time.Millisecond)))
		if out != OutcomeConfirmed {
			t.Fatalf("outcome = %s, want confirmed", out)
		}
		assertIDs(t, log, "1", "99")
		if log[1].IsOptimistic() {
			t.Fatal("echo should be confirmed")
		}
		if log[1].LocalID != "local-1" {
			t.Fatalf("localId = %q, want local-1 kept for correlation", log[1].LocalID)
		}
	})

	t.Run("echo matched by localId over fingerprint", func(t *testing.T) {
		var log []Message
		log, _ = Reconcile(log, optimistic("local-1", "alice", "same", t0))
		log, _ = Reconcile(log, optimistic("local-2", "alice", "same", t0.Add(5*time.Second)))
		echo := confirmed("99", "alice", "same", t0.Add(6*time.Second))
		echo.LocalID = "local-2"
		log, _ = Reconcile(log, echo)
		assertIDs(t, log, "local-1", "99")
	})

	t.Run("echo without localId confirms oldest twin", func(t *testing.T) {
		var log []Message
		log, _ = Reconcile(log, optimistic("local-1", "alice", "same", t0))
		log, _ = Reconcile(log, optimistic("local-2", "alice", "same", t0.Add(5*time.Second)))
		log, _ = Reconcile(log, confirmed("99", "alice", "same", t0.Add(time.Second)))
		assertIDs(t, log, "99", "local-2")
	})

	t.Run("message from peer with same content is not an echo", func(t *testing.T) {
		var log []Message
		log, _ = Reconcile(log, optimistic("local-1", "alice", "hi", t0))
		log, out := Reconcile(log, confirmed("5", "bob", "hi", t0.Add(time.Second)))
		if out != OutcomeAppended {
			t.Fatalf("outcome = %s, want appended", out)
		}
		assertIDs(t, log, "local-1", "5")
	})

	t.Run("echo with later server time is resorted", func(t *testing.T) {
		var log []Message
		log, _ = Reconcile(log, optimistic("local-1", "alice", "mine", t0))
		log, _ = Reconcile(log, confirmed("2", "bob", "theirs", t0.Add(time.Second)))
		log, _ = Reconcile(log, confirmed("1", "alice", "mine", t0.Add(2*time.Second)))
		assertIDs(t, log, "2", "1")
		assertSorted(t, log)
	})

	t.Run("identical optimistic send within window is duplicate", func(t *testing.T) {
		var log []Message
		log, _ = Reconcile(log, optimistic("local-1", "alice", "hi", t0))
		_, out := Reconcile(log, optimistic("local-2", "alice", "hi", t0.Add(time.Second)))
		if out != OutcomeDuplicate {
			t.Fatalf("outcome = %s, want duplicate", out)
		}
		_, out = Reconcile(log, optimistic("local-3", "alice", "hi", t0.Add(3*time.Second)))
		if out != OutcomeAppended {
			t.Fatalf("outcome = %s, want appended outside window", out)
		}
	})

	t.Run("rejects entries without identifiers", func(t *testing.T) {
		if _, out := Reconcile(nil, confirmed("", "alice", "x", t0)); out != OutcomeRejected {
			t.Fatalf("outcome = %s, want rejected", out)
		}
		if _, out := Reconcile(nil, optimistic("", "alice", "x", t0)); out != OutcomeRejected {
			t.Fatalf("outcome = %s, want rejected", out)
		}
	})

	t.Run("input log is never modified", func(t *testing.T) {
		log := []Message{optimistic("local-1", "alice", "hi", t0)}
		_, _ = Reconcile(log, confirmed("1", "alice", "hi", t0))
		if !log[0].IsOptimistic() || log[0].ID != "" {
			t.Fatal("input log was mutated")
		}
	})

	t.Run("any arrival order yields the same sorted log", func(t *testing.T) {
		msgs := make([]Message, 20)
		for i := range msgs {
			msgs[i] = confirmed(fmt.Sprintf("m%02d", i), "bob", fmt.Sprintf("text %d", i), t0.Add(time.Duration(i)*time.Second))
		}
		rng := rand.New(rand.NewSource(7))
		for round := 0; round < 10; round++ {
			shuffled := append([]Message(nil), msgs...)
			rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
			var log []Message
			for _, m := range shuffled {
				log, _ = Reconcile(log, m)
				log, _ = Reconcile(log, m)
			}
			if len(log) != len(msgs) {
				t.Fatalf("round %d: len = %d, want %d", round, len(log), len(msgs))
			}
			assertSorted(t, log)
		}
	})
}

// ============================================================================
// ConversationStore
// ============================================================================

func TestConversationStore(t *testing.T) {
	t.Run("push outracing history", func(t *testing.T) {
		s := NewConversationStore("conv-1")
		s.Reconcile(confirmed("2", "alice", "hi", t0.Add(time.Second)))
		s.LoadHistory([]Message{confirmed("1", "bob", "hello", t0)})
		assertIDs(t, s.Snapshot(), "1", "2")
	})

	t.Run("optimistic send then echo leaves one confirmed entry", func(t *testing.T) {
		s := NewConversationStore("conv-1")
		s.Reconcile(optimistic("L1", "alice", "hello", t0))
		s.Reconcile(confirmed("99", "alice", "hello", t0.Add(time.Second)))
		snap := s.Snapshot()
		if len(snap) != 1 || snap[0].ID != "99" || snap[0].IsOptimistic() {
			t.Fatalf("snapshot = %+v", snap)
		}
		if s.PendingCount() != 0 {
			t.Fatalf("pending = %d", s.PendingCount())
		}
	})

	t.Run("history reload after reconnect is idempotent", func(t *testing.T) {
		s := NewConversationStore("conv-1")
		history := []Message{confirmed("1", "bob", "a", t0), confirmed("2", "alice", "b", t0.Add(time.Second))}
		if n := s.LoadHistory(history); n != 2 {
			t.Fatalf("changed = %d, want 2", n)
		}
		s.Reconcile(confirmed("3", "bob", "c", t0.Add(2*time.Second)))
		if n := s.LoadHistory(append(history, confirmed("3", "bob", "c", t0.Add(2*time.Second)))); n != 0 {
			t.Fatalf("changed = %d, want 0", n)
		}
		assertIDs(t, s.Snapshot(), "1", "2", "3")
	})

	t.Run("history confirms pending send whose echo was lost", func(t *testing.T) {
		s := NewConversationStore("conv-1")
		s.Reconcile(optimistic("L1", "alice", "are you there", t0))
		s.LoadHistory([]Message{confirmed("7", "alice", "are you there", t0.Add(time.Second))})
		if _, ok := s.Pending("L1"); ok {
			t.Fatal("entry still pending")
		}
		assertIDs(t, s.Snapshot(), "7")
	})

	t.Run("rejects other conversations", func(t *testing.T) {
		s := NewConversationStore("conv-1")
		m := confirmed("1", "bob", "x", t0)
		m.ConversationID = "conv-2"
		if out := s.Reconcile(m); out != OutcomeRejected {
			t.Fatalf("outcome = %s", out)
		}
		if s.Len() != 0 {
			t.Fatal("foreign message stored")
		}
	})

	t.Run("remove rolls back only optimistic entries", func(t *testing.T) {
		s := NewConversationStore("conv-1")
		s.Reconcile(confirmed("1", "bob", "x", t0))
		before := s.Snapshot()
		s.Reconcile(optimistic("L1", "alice", "y", t0.Add(time.Second)))
		if !s.Remove("L1") {
			t.Fatal("remove failed")
		}
		if s.Remove("L1") {
			t.Fatal("second remove should report false")
		}
		after := s.Snapshot()
		if fmt.Sprint(ids(before)) != fmt.Sprint(ids(after)) {
			t.Fatalf("after rollback %v, want %v", ids(after), ids(before))
		}
	})

	t.Run("snapshot is a copy", func(t *testing.T) {
		s := NewConversationStore("conv-1")
		s.Reconcile(confirmed("1", "bob", "x", t0))
		snap := s.Snapshot()
		snap[0].Content = "changed"
		if s.Snapshot()[0].Content != "x" {
			t.Fatal("store mutated through snapshot")
		}
	})
}
