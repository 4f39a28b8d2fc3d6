// ABOUTME: WebSocket client for the local realtime transport agent
// ABOUTME: Speaks a small JSON command/event protocol and owns the read pump

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	maxFrameSize = 1 << 20 // 1MB

	// eventBufferSize bounds the typed event channel. The supervisor drains it
	// continuously; the buffer only absorbs bursts during dispatch.
	eventBufferSize = 64
)

// frame is the single on-wire envelope. Type is "cmd", "resp" or "event".
type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Event   string          `json:"event,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// AgentClient implements Transport against the realtime transport agent, the
// sidecar process that holds the account session and the proprietary wire
// protocol. Commands are request/response frames matched by id; everything the
// agent pushes unprompted arrives as an event frame.
type AgentClient struct {
	url    string
	logger *slog.Logger

	session       []byte
	sessionUserID int64
	proxyURL      string
	onSession     func(instance []byte, userID int64)

	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan frame

	events chan Event

	closeOnce sync.Once
	done      chan struct{}
}

// NewAgentClient creates a client for the transport agent at url. Pass nil
// logger for the default.
func NewAgentClient(url string, logger *slog.Logger) *AgentClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentClient{
		url:     url,
		logger:  logger.With("component", "transport"),
		pending: make(map[string]chan frame),
		events:  make(chan Event, eventBufferSize),
		done:    make(chan struct{}),
	}
}

// UseSession supplies a cached session for the agent to restore on connect
// instead of logging in fresh. Must be called before Connect.
func (c *AgentClient) UseSession(instance []byte, userID int64) {
	c.session = instance
	c.sessionUserID = userID
}

// UseProxy routes the agent's upstream connection through proxyURL. Must be
// called before Connect.
func (c *AgentClient) UseProxy(proxyURL string) {
	c.proxyURL = proxyURL
}

// OnSessionRefresh registers fn to receive the refreshed session state the
// agent returns after a successful login. Must be called before Connect.
func (c *AgentClient) OnSessionRefresh(fn func(instance []byte, userID int64)) {
	c.onSession = fn
}

// connectParams is the connect command body: the topic subscriptions plus the
// optional cached session and upstream proxy for the agent's login.
type connectParams struct {
	Subscriptions
	Session  []byte `json:"session,omitempty"` // base64 via encoding/json
	UserID   int64  `json:"user_id,omitempty"`
	ProxyURL string `json:"proxy_url,omitempty"`
}

// sessionState is the refreshed session the agent may return from connect.
type sessionState struct {
	Session []byte `json:"session"`
	UserID  int64  `json:"user_id"`
}

// Connect dials the agent and performs the subscription handshake. It returns
// once the agent confirms the subscriptions are active.
func (c *AgentClient) Connect(ctx context.Context, subs Subscriptions) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return &ConnectionError{Err: fmt.Errorf("dialing agent at %s: %w", c.url, err)}
	}
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	go c.readPump()

	payload, err := c.call(ctx, "connect", connectParams{
		Subscriptions: subs,
		Session:       c.session,
		UserID:        c.sessionUserID,
		ProxyURL:      c.proxyURL,
	})
	if err != nil {
		_ = c.Close()
		return &ConnectionError{Err: err}
	}

	if c.onSession != nil && len(payload) > 0 {
		var state sessionState
		if err := json.Unmarshal(payload, &state); err != nil {
			c.logger.Warn("ignoring undecodable session state", "error", err)
		} else if len(state.Session) > 0 {
			c.onSession(state.Session, state.UserID)
		}
	}

	c.logger.Info("transport connected",
		"agent", c.url,
		"graphql_subs", len(subs.GraphQL),
		"skywalker_subs", len(subs.Skywalker),
	)
	return nil
}

// Events returns the typed event stream. Closed when the connection ends.
func (c *AgentClient) Events() <-chan Event {
	return c.events
}

// SendText sends a direct message into the thread owned by userID.
func (c *AgentClient) SendText(ctx context.Context, userID int64, text string) (*Receipt, error) {
	payload, err := c.call(ctx, "send_text", map[string]any{
		"user_id": userID,
		"text":    text,
	})
	if err != nil {
		return nil, fmt.Errorf("sending text: %w", err)
	}
	var receipt Receipt
	if err := json.Unmarshal(payload, &receipt); err != nil {
		return nil, fmt.Errorf("decoding send receipt: %w", err)
	}
	return &receipt, nil
}

// AttachPost shares an existing media post into the thread owned by userID.
func (c *AgentClient) AttachPost(ctx context.Context, userID int64, mediaID string) error {
	_, err := c.call(ctx, "attach_post", map[string]any{
		"user_id":  userID,
		"media_id": mediaID,
	})
	if err != nil {
		return fmt.Errorf("attaching post %s: %w", mediaID, err)
	}
	return nil
}

// PublishPhoto publishes image bytes as a new post.
func (c *AgentClient) PublishPhoto(ctx context.Context, image []byte, caption string) error {
	_, err := c.call(ctx, "publish_photo", map[string]any{
		"image":   image, // base64 via encoding/json
		"caption": caption,
	})
	if err != nil {
		return fmt.Errorf("publishing photo: %w", err)
	}
	return nil
}

// ResolveUserID resolves a username to its numeric transport id.
func (c *AgentClient) ResolveUserID(ctx context.Context, username string) (int64, error) {
	payload, err := c.call(ctx, "resolve_user", map[string]any{"username": username})
	if err != nil {
		return 0, fmt.Errorf("resolving user %s: %w", username, err)
	}
	var resp struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return 0, fmt.Errorf("decoding user id: %w", err)
	}
	return resp.UserID, nil
}

// SetForegroundState sends a presence keep-alive signal.
func (c *AgentClient) SetForegroundState(ctx context.Context, state ForegroundState) error {
	_, err := c.call(ctx, "foreground_state", state)
	if err != nil {
		return fmt.Errorf("setting foreground state: %w", err)
	}
	return nil
}

// Close tears down the connection. Safe to call multiple times.
func (c *AgentClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		conn := c.conn
		c.writeMu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}

// call sends a command frame and waits for the matching response.
func (c *AgentClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s params: %w", method, err)
	}

	id := uuid.New().String()
	ch := make(chan frame, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.writeFrame(frame{Type: "cmd", ID: id, Method: method, Params: raw}); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if !resp.OK {
			return nil, fmt.Errorf("agent %s: %s", method, resp.Error)
		}
		return resp.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("agent %s: connection closed", method)
	}
}

func (c *AgentClient) writeFrame(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("writing %s frame: not connected", f.Type)
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// readPump decodes frames until the connection dies, routing responses to
// pending calls and events to the typed stream.
func (c *AgentClient) readPump() {
	defer func() {
		c.deliver(ClosedEvent{})
		close(c.events)
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			select {
			case <-c.done:
				// Deliberate close, not a connection error.
			default:
				c.deliver(ConnectionErrorEvent{Err: err})
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch f.Type {
		case "resp":
			c.pendingMu.Lock()
			ch, ok := c.pending[f.ID]
			c.pendingMu.Unlock()
			if ok {
				ch <- f
			}
		case "event":
			c.handleEvent(f)
		default:
			c.logger.Debug("ignoring unknown frame type", "type", f.Type)
		}
	}
}

// handleEvent converts an event frame into a typed Event.
func (c *AgentClient) handleEvent(f frame) {
	switch f.Event {
	case "message":
		var wrapper struct {
			Message MessageEvent `json:"message"`
		}
		if err := json.Unmarshal(f.Payload, &wrapper); err != nil {
			c.logger.Warn("dropping undecodable message event", "error", err)
			return
		}
		c.deliver(InboundMessage{Message: wrapper.Message})
	case "error":
		var payload struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(f.Payload, &payload)
		c.deliver(ConnectionErrorEvent{Err: fmt.Errorf("%s", payload.Message)})
	case "disconnect":
		c.deliver(DisconnectedEvent{})
	case "close":
		c.deliver(ClosedEvent{})
	default:
		c.deliver(ReceivedEvent{Topic: f.Event, Payload: f.Payload})
	}
}

// deliver pushes an event without blocking the read pump.
func (c *AgentClient) deliver(evt Event) {
	select {
	case c.events <- evt:
	default:
		c.logger.Warn("event channel full, dropping event")
	}
}
