package chatsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Messages
// ============================================================================

// DeliveryState tells whether the server has acknowledged a message.
type DeliveryState string

const (
	DeliveryOptimistic DeliveryState = "optimistic"
	DeliveryConfirmed  DeliveryState = "confirmed"
)

// Message is one entry of a conversation log. Confirmed messages carry the
// server-assigned ID; optimistic ones carry a client-generated LocalID until
// the server echo replaces them.
type Message struct {
	ID             string        `json:"id,omitempty"`
	LocalID        string        `json:"localId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	ReceiverID     string        `json:"receiverId,omitempty"`
	Content        string        `json:"content"`
	CreatedAt      time.Time     `json:"createdAt"`
	DeliveryState  DeliveryState `json:"deliveryState,omitempty"`
}

// IsOptimistic reports whether the message still awaits its server echo.
func (m Message) IsOptimistic() bool {
	return m.DeliveryState == DeliveryOptimistic
}

// ============================================================================
// Conversations
// ============================================================================

// Participant is one side of a match.
type Participant struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	ProfilePic string `json:"profilePic,omitempty"`
}

// MessageSummary is the denormalized last-message projection shown in lists.
type MessageSummary struct {
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Conversation is a match between two identities.
type Conversation struct {
	ID           string          `json:"id"`
	Participants []Participant   `json:"participants"`
	LastMessage  *MessageSummary `json:"lastMessage,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// HasParticipant reports whether userID is one of the conversation members.
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// Peer returns the participant that is not self.
func (c Conversation) Peer(self string) (Participant, bool) {
	if !c.HasParticipant(self) {
		return Participant{}, false
	}
	for _, p := range c.Participants {
		if p.ID != self {
			return p, true
		}
	}
	return Participant{}, false
}

// ============================================================================
// Events
// ============================================================================

// EventType is the closed set of events a ConnectionManager dispatches.
type EventType string

const (
	EventMessageReceived     EventType = "message-received"
	EventMatchCreated        EventType = "match-created"
	EventDeliveryError       EventType = "delivery-error"
	EventConnectivityChanged EventType = "connectivity-changed"
)

// Event is implemented by every dispatched payload.
type Event interface {
	EventType() EventType
}

// MessageReceived is pushed for every message stored by the server,
// including the echo of messages this identity sent.
type MessageReceived struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	LocalID        string    `json:"localId,omitempty"`
}

func (MessageReceived) EventType() EventType { return EventMessageReceived }

// Message converts the event into a confirmed log entry.
func (e MessageReceived) Message() Message {
	return Message{
		ID:             e.ID,
		LocalID:        e.LocalID,
		ConversationID: e.ConversationID,
		SenderID:       e.SenderID,
		Content:        e.Content,
		CreatedAt:      e.CreatedAt,
		DeliveryState:  DeliveryConfirmed,
	}
}

func (e MessageReceived) validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("missing id")
	case e.ConversationID == "":
		return fmt.Errorf("missing conversationId")
	case e.SenderID == "":
		return fmt.Errorf("missing senderId")
	case strings.TrimSpace(e.Content) == "":
		return fmt.Errorf("empty content")
	case e.CreatedAt.IsZero():
		return fmt.Errorf("missing createdAt")
	}
	return nil
}

// MatchCreated is pushed when two identities like each other.
type MatchCreated struct {
	ConversationID string   `json:"conversationId"`
	ParticipantIDs []string `json:"participantIds"`
}

func (MatchCreated) EventType() EventType { return EventMatchCreated }

// Involves reports whether userID is part of the new match.
func (e MatchCreated) Involves(userID string) bool {
	for _, id := range e.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func (e MatchCreated) validate() error {
	if e.ConversationID == "" {
		return fmt.Errorf("missing conversationId")
	}
	if len(e.ParticipantIDs) != 2 {
		return fmt.Errorf("expected 2 participants, got %d", len(e.ParticipantIDs))
	}
	return nil
}

// DeliveryFailed is pushed when the server refuses a send-message command.
type DeliveryFailed struct {
	LocalID string `json:"localId"`
	Reason  string `json:"reason"`
}

func (DeliveryFailed) EventType() EventType { return EventDeliveryError }

func (e DeliveryFailed) validate() error {
	if e.LocalID == "" {
		return fmt.Errorf("missing localId")
	}
	return nil
}

// ConnectivityChanged is emitted locally on every connection state transition.
// Err is set when the transition was caused by a failure (rejection, exile,
// exhausted reconnects, expired credential).
type ConnectivityChanged struct {
	State    ConnectivityState
	Previous ConnectivityState
	Reason   string
	Err      error
}

func (ConnectivityChanged) EventType() EventType { return EventConnectivityChanged }

// ============================================================================
// Wire format
// ============================================================================

// Control frame types. They never reach subscribers.
const (
	FrameAuthenticated = "authenticated"
	FrameAuthError     = "auth.error"
	FrameExiled        = "exiled"
	FramePong          = "pong"
	FrameJoin          = "join"
	FramePing          = "ping"
	FrameSendMessage   = "send-message"
)

// Envelope is the wire format for every push frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server frame.
type Command struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// AuthenticatedPayload is the first frame of an accepted connection.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// AuthErrorPayload is sent before the server closes a rejected connection.
type AuthErrorPayload struct {
	Message string `json:"message"`
}

// ExiledPayload is sent when the server forcibly removes this client.
type ExiledPayload struct {
	Reason string `json:"reason"`
}

// JoinPayload subscribes the connection to a user's inbox channel.
type JoinPayload struct {
	UserID string `json:"userId"`
}

// PingPayload and PongPayload drive the heartbeat.
type PingPayload struct {
	RequestID string `json:"requestId"`
}

type PongPayload struct {
	RequestID string `json:"requestId"`
}

// SendMessagePayload is the fire-and-forget send command.
type SendMessagePayload struct {
	SenderID       string `json:"senderId"`
	ReceiverID     string `json:"receiverId"`
	Content        string `json:"content"`
	ConversationID string `json:"conversationId"`
	LocalID        string `json:"localId,omitempty"`
}

// DecodeEvent validates a push frame and returns its typed event. Frames of
// unknown type return (nil, nil).
func DecodeEvent(env Envelope) (Event, error) {
	switch EventType(env.Type) {
	case EventMessageReceived:
		var e MessageReceived
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if err := e.validate(); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", env.Type, err)
		}
		return e, nil
	case EventMatchCreated:
		var e MatchCreated
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if err := e.validate(); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", env.Type, err)
		}
		return e, nil
	case EventDeliveryError:
		var e DeliveryFailed
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if err := e.validate(); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", env.Type, err)
		}
		return e, nil
	}
	return nil, nil
}

// EncodeEvent builds the wire frame for a push event.
func EncodeEvent(e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: string(e.EventType()), Payload: payload})
}
