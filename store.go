package chatsync

import (
	"slices"
	"sort"
	"sync"
	"time"
)

// DefaultDedupWindow is how close two identical optimistic sends must be
// to count as one submission.
const DefaultDedupWindow = 2 * time.Second

// Outcome describes what Reconcile did with an incoming message.
type Outcome int

const (
	// OutcomeAppended means the message was inserted in createdAt order.
	OutcomeAppended Outcome = iota
	// OutcomeConfirmed means an optimistic entry was replaced by its echo.
	OutcomeConfirmed
	// OutcomeDuplicate means the message was already present and was discarded.
	OutcomeDuplicate
	// OutcomeRejected means the message could not belong to the log.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAppended:
		return "appended"
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeRejected:
		return "rejected"
	}
	return "unknown"
}

// Changed reports whether the log was modified.
func (o Outcome) Changed() bool {
	return o == OutcomeAppended || o == OutcomeConfirmed
}

// Reconcile merges m into log and returns the new log. log must already be
// sorted by CreatedAt and is never modified.
//
// A confirmed message whose ID is already present is discarded. A confirmed
// message echoing a pending optimistic entry (same localId, or same sender
// and content) replaces that entry in place. Anything else is inserted after
// every entry with an equal or earlier CreatedAt.
func Reconcile(log []Message, m Message) ([]Message, Outcome) {
	return reconcile(log, m, DefaultDedupWindow)
}

func reconcile(log []Message, m Message, window time.Duration) ([]Message, Outcome) {
	if m.DeliveryState == "" {
		m.DeliveryState = DeliveryConfirmed
	}

	if m.IsOptimistic() {
		if m.LocalID == "" {
			return log, OutcomeRejected
		}
		for _, e := range log {
			if !e.IsOptimistic() {
				continue
			}
			if e.LocalID == m.LocalID || (sameFingerprint(e, m) && absDuration(e.CreatedAt.Sub(m.CreatedAt)) <= window) {
				return log, OutcomeDuplicate
			}
		}
		return insertSorted(log, m), OutcomeAppended
	}

	if m.ID == "" {
		return log, OutcomeRejected
	}
	for _, e := range log {
		if e.ID == m.ID {
			return log, OutcomeDuplicate
		}
	}

	if i := findEcho(log, m); i >= 0 {
		m.LocalID = log[i].LocalID
		out := slices.Clone(log)
		out[i] = m
		if inOrder(out, i) {
			return out, OutcomeConfirmed
		}
		out = slices.Delete(out, i, i+1)
		return insertSorted(out, m), OutcomeConfirmed
	}

	return insertSorted(log, m), OutcomeAppended
}

// findEcho returns the index of the optimistic entry m confirms, or -1.
// Without a localId the oldest matching entry wins.
func findEcho(log []Message, m Message) int {
	if m.LocalID != "" {
		for i, e := range log {
			if e.IsOptimistic() && e.LocalID == m.LocalID && e.SenderID == m.SenderID {
				return i
			}
		}
	}
	for i, e := range log {
		if e.IsOptimistic() && sameFingerprint(e, m) {
			return i
		}
	}
	return -1
}

func sameFingerprint(a, b Message) bool {
	return a.SenderID == b.SenderID && a.Content == b.Content
}

func inOrder(log []Message, i int) bool {
	if i > 0 && log[i-1].CreatedAt.After(log[i].CreatedAt) {
		return false
	}
	if i+1 < len(log) && log[i].CreatedAt.After(log[i+1].CreatedAt) {
		return false
	}
	return true
}

func insertSorted(log []Message, m Message) []Message {
	i := sort.Search(len(log), func(i int) bool {
		return log[i].CreatedAt.After(m.CreatedAt)
	})
	out := make([]Message, 0, len(log)+1)
	out = append(out, log[:i]...)
	out = append(out, m)
	return append(out, log[i:]...)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// ============================================================================
// ConversationStore
// ============================================================================

// ConversationStore owns the ordered, duplicate-free log of one conversation.
// Every mutation is atomic; readers get copies.
type ConversationStore struct {
	conversationID string
	dedupWindow    time.Duration

	mu  sync.RWMutex
	log []Message
}

// NewConversationStore creates an empty store for conversationID.
func NewConversationStore(conversationID string) *ConversationStore {
	return &ConversationStore{
		conversationID: conversationID,
		dedupWindow:    DefaultDedupWindow,
	}
}

// ConversationID returns the conversation this store belongs to.
func (s *ConversationStore) ConversationID() string {
	return s.conversationID
}

// Reconcile merges one message into the log. Messages of another
// conversation are rejected.
func (s *ConversationStore) Reconcile(m Message) Outcome {
	if m.ConversationID == "" {
		m.ConversationID = s.conversationID
	}
	if m.ConversationID != s.conversationID {
		return OutcomeRejected
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var outcome Outcome
	s.log, outcome = reconcile(s.log, m, s.dedupWindow)
	return outcome
}

// LoadHistory merges a server history page, one message at a time, so it is
// safe to call again after a reconnect. It returns how many entries changed.
func (s *ConversationStore) LoadHistory(msgs []Message) int {
	changed := 0
	for _, m := range msgs {
		if s.Reconcile(m).Changed() {
			changed++
		}
	}
	return changed
}

// Snapshot returns a copy of the ordered log.
func (s *ConversationStore) Snapshot() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.log)
}

// Len returns the number of entries.
func (s *ConversationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.log)
}

// Pending returns the optimistic entry with localID, if it is still pending.
func (s *ConversationStore) Pending(localID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.log {
		if m.IsOptimistic() && m.LocalID == localID {
			return m, true
		}
	}
	return Message{}, false
}

// PendingCount returns the number of optimistic entries.
func (s *ConversationStore) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.log {
		if m.IsOptimistic() {
			n++
		}
	}
	return n
}

// Remove drops a pending optimistic entry. Confirmed entries are never removed.
func (s *ConversationStore) Remove(localID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.log {
		if m.IsOptimistic() && m.LocalID == localID {
			s.log = slices.Delete(slices.Clone(s.log), i, i+1)
			return true
		}
	}
	return false
}
