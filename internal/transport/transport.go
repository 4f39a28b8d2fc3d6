// ABOUTME: Transport abstraction over the push-messaging realtime connection
// ABOUTME: Defines the typed event stream and the send/subscribe capability surface

package transport

import (
	"context"
	"fmt"
)

// Subscriptions names the event topics activated during the connect handshake.
type Subscriptions struct {
	GraphQL   []string `json:"graphql"`
	Skywalker []string `json:"skywalker"`
}

// ForegroundState is the presence keep-alive signal the transport requires to
// keep a session classified as active.
type ForegroundState struct {
	InForegroundApp    bool `json:"in_foreground_app"`
	InForegroundDevice bool `json:"in_foreground_device"`
	KeepAliveTimeout   int  `json:"keep_alive_timeout"`
}

// Receipt is the transport's confirmation for an outbound send.
type Receipt struct {
	ThreadID  string `json:"thread_id"`
	Timestamp string `json:"timestamp"`
}

// MessageEvent is an inbound direct-message notification. UserID identifies
// the sender; ThreadID is the stable conversation key.
type MessageEvent struct {
	ThreadID string `json:"thread_id"`
	ItemID   string `json:"item_id"`
	UserID   int64  `json:"user_id"`
	ItemType string `json:"item_type"`
	Text     string `json:"text"`
}

// Event is the sum of everything the transport connection can surface.
// Exactly one of the concrete types below is delivered per occurrence.
type Event interface {
	isEvent()
}

// ReceivedEvent is a raw topic payload with no dedicated event type.
type ReceivedEvent struct {
	Topic   string
	Payload []byte
}

// InboundMessage wraps a MessageEvent delivered on the direct-message topic.
type InboundMessage struct {
	Message MessageEvent
}

// ConnectionErrorEvent reports a fatal error on the live connection.
type ConnectionErrorEvent struct {
	Err error
}

// DisconnectedEvent reports that the connection dropped.
type DisconnectedEvent struct{}

// ClosedEvent reports that the connection was closed for good.
type ClosedEvent struct{}

func (ReceivedEvent) isEvent()        {}
func (InboundMessage) isEvent()       {}
func (ConnectionErrorEvent) isEvent() {}
func (DisconnectedEvent) isEvent()    {}
func (ClosedEvent) isEvent()          {}

// Transport is the connect/subscribe/send/receive capability consumed by the
// supervisor and the dispatch pipeline. The wire protocol, login flow and
// device state behind it belong to the transport agent, not to this process.
type Transport interface {
	// Connect establishes the connection and activates the given topic
	// subscriptions. It returns once the subscription handshake completes.
	Connect(ctx context.Context, subs Subscriptions) error

	// Events returns the stream of connection and message events. The channel
	// is closed when the connection terminates.
	Events() <-chan Event

	// SendText sends a direct message to the thread owned by userID.
	SendText(ctx context.Context, userID int64, text string) (*Receipt, error)

	// AttachPost shares an existing media post into the thread owned by userID.
	AttachPost(ctx context.Context, userID int64, mediaID string) error

	// PublishPhoto publishes image bytes as a new post with a caption.
	PublishPhoto(ctx context.Context, image []byte, caption string) error

	// ResolveUserID resolves an account username to its numeric transport id.
	ResolveUserID(ctx context.Context, username string) (int64, error)

	// SetForegroundState sends a presence keep-alive signal.
	SetForegroundState(ctx context.Context, state ForegroundState) error

	Close() error
}

// ConnectionError wraps a transport connect/subscribe failure.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport connect: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
