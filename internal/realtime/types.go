// Package realtime streams hook notifications to WebSocket clients.
package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gobwas/glob"
)

// MessageType represents the type of WebSocket message.
type MessageType string

const (
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypePing        MessageType = "ping"

	MessageTypeConnected  MessageType = "connected"
	MessageTypeSubscribed MessageType = "subscribed"
	MessageTypeEvent      MessageType = "event"
	MessageTypeError      MessageType = "error"
	MessageTypePong       MessageType = "pong"
)

// Message is the base WebSocket message structure.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload is the payload for subscribe messages. Patterns are
// globs over hook names with ':' as separator.
type SubscribePayload struct {
	Patterns []string `json:"patterns"`
}

// UnsubscribePayload is the payload for unsubscribe messages.
type UnsubscribePayload struct {
	SubscriptionID string `json:"subscription_id"`
}

// ConnectedPayload is the payload for connected messages.
type ConnectedPayload struct {
	ClientID string `json:"client_id"`
}

// SubscribedPayload confirms a subscription.
type SubscribedPayload struct {
	SubscriptionID string   `json:"subscription_id"`
	Patterns       []string `json:"patterns"`
}

// EventPayload carries one forwarded hook event.
type EventPayload struct {
	Hook      string         `json:"hook"`
	Event     map[string]any `json:"event"`
	Timestamp int64          `json:"timestamp"`
}

// ErrorPayload is the payload for error messages.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Subscription selects the hooks a client receives.
type Subscription struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	Patterns  []string  `json:"patterns"`
	CreatedAt time.Time `json:"created_at"`

	matchers []glob.Glob
}

// NewSubscription compiles patterns for clientID.
func NewSubscription(clientID string, patterns []string) (*Subscription, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("%w: at least one pattern is required", ErrInvalidPattern)
	}

	matchers := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, ':')
		if err != nil {
			return nil, fmt.Errorf("%w %q: %w", ErrInvalidPattern, p, err)
		}
		matchers = append(matchers, g)
	}

	return &Subscription{
		ClientID:  clientID,
		Patterns:  patterns,
		CreatedAt: time.Now(),
		matchers:  matchers,
	}, nil
}

// Matches reports whether hook is selected by any pattern.
func (s *Subscription) Matches(hook string) bool {
	for _, m := range s.matchers {
		if m.Match(hook) {
			return true
		}
	}
	return false
}

// ErrorCode represents an error code for WebSocket errors.
type ErrorCode string

const (
	ErrorCodeInvalidMessage    ErrorCode = "INVALID_MESSAGE"
	ErrorCodeInvalidPayload    ErrorCode = "INVALID_PAYLOAD"
	ErrorCodeInvalidPattern    ErrorCode = "INVALID_PATTERN"
	ErrorCodeSubscriptionLimit ErrorCode = "SUBSCRIPTION_LIMIT_REACHED"
	ErrorCodeInternalError     ErrorCode = "INTERNAL_ERROR"
)
