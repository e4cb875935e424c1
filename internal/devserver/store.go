package devserver

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/heartline/chatsync"
)

var (
	errUnknownUser         = errors.New("unknown user")
	errUnknownConversation = errors.New("conversation not found")
	errNotParticipant      = errors.New("not a participant")
)

// store is the in-memory backing of users, matches and messages.
type store struct {
	mu       sync.RWMutex
	users    map[string]chatsync.Participant
	hashes   map[string]string
	convs    map[string]*chatsync.Conversation
	order    []string
	messages map[string][]chatsync.Message
}

func newStore() *store {
	return &store{
		users:    make(map[string]chatsync.Participant),
		hashes:   make(map[string]string),
		convs:    make(map[string]*chatsync.Conversation),
		messages: make(map[string][]chatsync.Message),
	}
}

func (s *store) addUser(id, name string) chatsync.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := chatsync.Participant{ID: id, Name: name}
	s.users[id] = p
	return p
}

func (s *store) hasUser(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[id]
	return ok
}

func (s *store) setPasswordHash(id, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return fmt.Errorf("%w: %s", errUnknownUser, id)
	}
	s.hashes[id] = hash
	return nil
}

func (s *store) credentials(id string) (chatsync.Participant, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.users[id]
	return p, s.hashes[id], ok
}

func (s *store) createMatch(a, b string) (chatsync.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pa, ok := s.users[a]
	if !ok {
		return chatsync.Conversation{}, fmt.Errorf("%w: %s", errUnknownUser, a)
	}
	pb, ok := s.users[b]
	if !ok {
		return chatsync.Conversation{}, fmt.Errorf("%w: %s", errUnknownUser, b)
	}
	conv := &chatsync.Conversation{
		ID:           uuid.NewString(),
		Participants: []chatsync.Participant{pa, pb},
		CreatedAt:    time.Now().UTC(),
	}
	s.convs[conv.ID] = conv
	s.order = append(s.order, conv.ID)
	return *conv, nil
}

func (s *store) conversation(id string) (chatsync.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return chatsync.Conversation{}, false
	}
	return *c, true
}

// conversationsFor lists the matches of userID, newest first, with their
// last-message projection.
func (s *store) conversationsFor(userID string) []chatsync.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []chatsync.Conversation{}
	for i := len(s.order) - 1; i >= 0; i-- {
		c := *s.convs[s.order[i]]
		if !c.HasParticipant(userID) {
			continue
		}
		if msgs := s.messages[c.ID]; len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			c.LastMessage = &chatsync.MessageSummary{Text: last.Content, At: last.CreatedAt}
		}
		c.Participants = slices.Clone(c.Participants)
		out = append(out, c)
	}
	return out
}

// appendMessage stores a message under a fresh server id. Messages are kept
// in createdAt order.
func (s *store) appendMessage(m chatsync.Message) (chatsync.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[m.ConversationID]
	if !ok {
		return chatsync.Message{}, errUnknownConversation
	}
	if !c.HasParticipant(m.SenderID) {
		return chatsync.Message{}, errNotParticipant
	}
	m.ID = uuid.NewString()
	m.DeliveryState = chatsync.DeliveryConfirmed
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	msgs := s.messages[m.ConversationID]
	i := len(msgs)
	for i > 0 && msgs[i-1].CreatedAt.After(m.CreatedAt) {
		i--
	}
	s.messages[m.ConversationID] = slices.Insert(msgs, i, m)
	return m, nil
}

func (s *store) history(conversationID string) []chatsync.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.messages[conversationID])
	for i := range out {
		out[i].LocalID = ""
	}
	if out == nil {
		out = []chatsync.Message{}
	}
	return out
}
