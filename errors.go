package chatsync

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotConnected is returned by operations that need a live push connection.
	ErrNotConnected = errors.New("not connected to chat server")

	// ErrExiled marks a server-initiated disconnect. The connection is not retried.
	ErrExiled = errors.New("disconnected by server")

	// ErrCredentialExpired marks a missing or expired token.
	ErrCredentialExpired = errors.New("credential missing or expired")

	// ErrSessionClosed is returned when a session was closed or switched to
	// another conversation while an operation was in flight.
	ErrSessionClosed = errors.New("conversation session closed")
)

// ConnectionError reports an authentication or transport failure.
// Rejected is true when the server explicitly refused the credential.
type ConnectionError struct {
	Op       string
	Rejected bool
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Rejected {
		return fmt.Sprintf("connection %s: rejected: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AccessDeniedError is returned when self is not a participant of a conversation.
type AccessDeniedError struct {
	ConversationID string
	UserID         string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("user %s is not a participant of conversation %s", e.UserID, e.ConversationID)
}

// ValidationError is a local input error. No network effect happened.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

// DeliveryError reports a send the server refused or never echoed.
// The optimistic entry has already been rolled back.
type DeliveryError struct {
	LocalID   string
	Content   string
	Reason    string
	Retryable bool
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("message %s not delivered: %s", e.LocalID, e.Reason)
}

// APIError represents a failed REST call.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}
