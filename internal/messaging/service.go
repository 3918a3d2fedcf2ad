// Package messaging defines the chat-transport abstraction used by the
// delivery pipeline and the inbound ingress.
package messaging

import (
	"context"
	"time"
)

// Constants for messaging service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for inbound message channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// Inbound represents an incoming chat message from a lead.
type Inbound struct {
	// From is the sender's phone number in E.164 form.
	From string `json:"from"`
	// Body is the text content of the message.
	Body string `json:"body"`
	// MessageID is the transport's message identifier, used for webhook dedup.
	MessageID string `json:"message_id,omitempty"`
	// PushName is the sender's display name when the transport exposes one.
	PushName string `json:"push_name,omitempty"`
	// Time is the unix timestamp of the message.
	Time int64 `json:"time"`
}

// Service defines a pluggable message delivery abstraction.
// The transport is assumed fallible and opaque: a failed send surfaces as an
// error with no retry at this layer.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	// Returns the canonicalized recipient and an error if validation fails.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendText sends a text message to a recipient and returns the
	// transport's message ID on success.
	SendText(ctx context.Context, to string, body string) (string, error)

	// Start begins any background processing (e.g., event polling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Inbounds returns a channel of incoming lead messages. Transports
	// without an event stream return a channel that never produces.
	Inbounds() <-chan Inbound
}
