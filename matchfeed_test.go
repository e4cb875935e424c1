package chatsync

import (
	"context"
	"sync"
	"testing"
	"time"
)

func withLast(c Conversation, text string, at time.Time) Conversation {
	c.LastMessage = &MessageSummary{Text: text, At: at}
	return c
}

func summaryIDs(list []ConversationSummary) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.ConversationID
	}
	return out
}

func startFeed(t *testing.T, conn PushConnection, backend *fakeBackend) (*MatchFeedBridge, func() []ConversationSummary) {
	t.Helper()
	var mu sync.Mutex
	var last []ConversationSummary
	b := NewMatchFeedBridge(MatchFeedConfig{
		Self:            "alice",
		Conn:            conn,
		Directory:       backend,
		RefreshDebounce: 20 * time.Millisecond,
		OnChange: func(list []ConversationSummary) {
			mu.Lock()
			last = list
			mu.Unlock()
		},
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(b.Stop)
	return b, func() []ConversationSummary {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

func TestMatchFeedBridge(t *testing.T) {
	t.Run("lists own conversations by latest activity", func(t *testing.T) {
		backend := newFakeBackend(
			withLast(match("c1", "alice", "bob"), "old", t0.Add(time.Minute)),
			withLast(match("c2", "alice", "carol"), "new", t0.Add(time.Hour)),
			match("c3", "dave", "erin"),
			match("c4", "alice", "frank"),
		)
		b, last := startFeed(t, newFakeConn(), backend)

		list := b.Summaries()
		assertStrings(t, summaryIDs(list), "c2", "c1", "c4")
		if list[0].Peer.ID != "carol" {
			t.Fatalf("peer = %+v", list[0].Peer)
		}
		assertStrings(t, summaryIDs(last()), "c2", "c1", "c4")
	})

	t.Run("message for a listed conversation is patched locally", func(t *testing.T) {
		conn := newFakeConn()
		backend := newFakeBackend(
			withLast(match("c1", "alice", "bob"), "old", t0),
			withLast(match("c2", "alice", "carol"), "newer", t0.Add(time.Minute)),
		)
		b, _ := startFeed(t, conn, backend)

		conn.deliver(pushed("m1", "c1", "bob", "fresh", t0.Add(time.Hour)))
		list := b.Summaries()
		assertStrings(t, summaryIDs(list), "c1", "c2")
		if list[0].LastMessage.Text != "fresh" {
			t.Fatalf("last message = %+v", list[0].LastMessage)
		}

		conn.deliver(pushed("m0", "c1", "bob", "stale", t0.Add(time.Second)))
		if got := b.Summaries()[0].LastMessage.Text; got != "fresh" {
			t.Fatalf("older message overwrote preview: %q", got)
		}

		time.Sleep(50 * time.Millisecond)
		if convs, _ := backend.calls(); convs != 1 {
			t.Fatalf("directory fetched %d times, want 1", convs)
		}
	})

	t.Run("events during the first fetch are kept", func(t *testing.T) {
		conn := newFakeConn()
		backend := newFakeBackend(
			withLast(match("c1", "alice", "bob"), "old", t0.Add(time.Second)),
			match("c2", "alice", "carol"),
		)
		backend.duringFetch = func() {
			conn.deliver(pushed("m9", "c1", "bob", "newest", t0.Add(2*time.Second)))
		}
		b, last := startFeed(t, conn, backend)
		backend.mu.Lock()
		backend.duringFetch = nil
		backend.mu.Unlock()

		list := b.Summaries()
		assertStrings(t, summaryIDs(list), "c1", "c2")
		if got := list[0].LastMessage.Text; got != "newest" {
			t.Fatalf("preview = %q, want newest", got)
		}
		if got := last()[0].LastMessage.Text; got != "newest" {
			t.Fatalf("OnChange preview = %q, want newest", got)
		}
		time.Sleep(50 * time.Millisecond)
		if convs, _ := backend.calls(); convs != 1 {
			t.Fatalf("directory fetched %d times, want 1", convs)
		}
	})

	t.Run("bursts of unknown activity cost one refresh", func(t *testing.T) {
		conn := newFakeConn()
		backend := newFakeBackend(match("c1", "alice", "bob"))
		b, _ := startFeed(t, conn, backend)

		backend.setConversations(match("c1", "alice", "bob"), match("c2", "alice", "carol"))
		conn.deliver(MatchCreated{ConversationID: "c2", ParticipantIDs: []string{"alice", "carol"}})
		conn.deliver(pushed("m1", "c2", "carol", "hi!", t0.Add(time.Hour)))
		conn.deliver(pushed("m2", "c2", "carol", "hello?", t0.Add(2*time.Hour)))

		eventually(t, func() bool { return len(b.Summaries()) == 2 })
		time.Sleep(50 * time.Millisecond)
		if convs, _ := backend.calls(); convs != 2 {
			t.Fatalf("directory fetched %d times, want 2", convs)
		}
	})

	t.Run("matches of other users are ignored", func(t *testing.T) {
		conn := newFakeConn()
		backend := newFakeBackend(match("c1", "alice", "bob"))
		startFeed(t, conn, backend)

		conn.deliver(MatchCreated{ConversationID: "c9", ParticipantIDs: []string{"dave", "erin"}})
		conn.deliver(MatchCreated{ConversationID: "c1", ParticipantIDs: []string{"alice", "bob"}})
		time.Sleep(60 * time.Millisecond)
		if convs, _ := backend.calls(); convs != 1 {
			t.Fatalf("directory fetched %d times, want 1", convs)
		}
	})

	t.Run("reconnect refreshes and keeps newer local previews", func(t *testing.T) {
		conn := newFakeConn()
		backend := newFakeBackend(withLast(match("c1", "alice", "bob"), "server", t0))
		b, _ := startFeed(t, conn, backend)

		conn.deliver(pushed("m1", "c1", "bob", "local", t0.Add(time.Hour)))
		backend.setConversations(
			withLast(match("c1", "alice", "bob"), "server", t0),
			match("c2", "alice", "carol"),
		)
		conn.deliver(ConnectivityChanged{State: StateConnected, Previous: StateReconnecting})

		eventually(t, func() bool { return len(b.Summaries()) == 2 })
		if got := b.Summaries()[0].LastMessage.Text; got != "local" {
			t.Fatalf("preview = %q, want local", got)
		}
	})

	t.Run("stop detaches", func(t *testing.T) {
		conn := newFakeConn()
		backend := newFakeBackend(match("c1", "alice", "bob"))
		b, _ := startFeed(t, conn, backend)
		b.Stop()
		b.Stop()
		if conn.subscribers() != 0 {
			t.Fatalf("subscribers = %d", conn.subscribers())
		}
		conn.deliver(pushed("m1", "c2", "carol", "hi", t0))
		time.Sleep(50 * time.Millisecond)
		if convs, _ := backend.calls(); convs != 1 {
			t.Fatal("stopped feed refreshed")
		}
	})

	t.Run("load without starting", func(t *testing.T) {
		b := NewMatchFeedBridge(MatchFeedConfig{Self: "alice", Conn: newFakeConn()})
		list := b.Load([]Conversation{
			match("c1", "alice", "bob"),
			withLast(match("c2", "alice", "carol"), "x", t0.Add(time.Minute)),
			match("c3", "dave", "erin"),
		})
		assertStrings(t, summaryIDs(list), "c2", "c1")
	})
}

func assertStrings(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
