// ABOUTME: Owns the push-transport connection lifecycle and reconnect policy
// ABOUTME: Pumps typed transport events to the aggregator and alerts the operator on faults

package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/dm-relay/internal/notify"
	"github.com/2389/dm-relay/internal/store"
	"github.com/2389/dm-relay/internal/transport"
)

// State is the supervisor's connection state. Owned exclusively by the
// supervisor; observers read it through State().
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transientPattern is the one connection error the transport recovers from by
// reconnecting. Anything else is fatal.
const transientPattern = "mqttotclient got disconnected"

// Keep-alive contract of the transport: the session must report a
// backgrounded then foregrounded device shortly after connecting, with these
// exact timeout values, or the transport stops classifying it as active.
const (
	backgroundKeepAlive = 900 // seconds
	foregroundKeepAlive = 60  // seconds
)

// MessageHandler consumes inbound message events. Implemented by the
// aggregator.
type MessageHandler interface {
	HandleMessage(ctx context.Context, ev transport.MessageEvent)
}

// Auditor records connection lifecycle events to the audit ledger.
type Auditor interface {
	Append(ctx context.Context, e *store.Event) error
}

// Factory produces a fresh transport connection for each connect attempt.
type Factory func() transport.Transport

// Config holds the supervisor's timing and subscription settings.
type Config struct {
	Subscriptions transport.Subscriptions

	// RestartDelay is the pause before a scheduled restart (default 30s).
	RestartDelay time.Duration

	// BackgroundDelay and ForegroundDelay schedule the two presence
	// keep-alive signals after connect (defaults 2s and 4s).
	BackgroundDelay time.Duration
	ForegroundDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.RestartDelay == 0 {
		c.RestartDelay = 30 * time.Second
	}
	if c.BackgroundDelay == 0 {
		c.BackgroundDelay = 2 * time.Second
	}
	if c.ForegroundDelay == 0 {
		c.ForegroundDelay = 4 * time.Second
	}
}

// Supervisor owns the single transport connection: it connects with the
// configured subscriptions, pumps events to the handler, and schedules at most
// one restart when the known transient fault appears.
type Supervisor struct {
	factory  Factory
	handler  MessageHandler
	notifier notify.Notifier
	auditor  Auditor
	cfg      Config
	logger   *slog.Logger

	mu               sync.Mutex
	state            State
	restartScheduled bool
}

// New creates a supervisor. Pass nil logger for the default.
func New(factory Factory, handler MessageHandler, notifier notify.Notifier, auditor Auditor, cfg Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Supervisor{
		factory:  factory,
		handler:  handler,
		notifier: notifier,
		auditor:  auditor,
		cfg:      cfg,
		logger:   logger.With("component", "supervisor"),
	}
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RestartScheduled reports whether a restart is pending.
func (s *Supervisor) RestartScheduled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartScheduled
}

// Run connects and supervises the transport until ctx is cancelled or an
// unrecoverable connect failure occurs. The returned error is fatal to the
// realtime subsystem; the operator has already been alerted when it returns.
func (s *Supervisor) Run(ctx context.Context) error {
	restartCh := make(chan struct{}, 1)

	tp, err := s.connect(ctx)
	if err != nil {
		s.alert(ctx, "Error starting listeners",
			fmt.Sprintf("Hi team, There was an error in the realtime transport.\nThe error message is \n%v\nPlease check on this.", err))
		return err
	}

	for {
		s.pump(ctx, tp, restartCh)
		_ = tp.Close()
		s.setState(Disconnected)

		select {
		case <-ctx.Done():
			s.setState(Closing)
			return ctx.Err()
		case <-restartCh:
			s.mu.Lock()
			s.restartScheduled = false
			s.mu.Unlock()

			s.logger.Info("restarting transport")
			tp, err = s.connect(ctx)
			if err != nil {
				s.alert(ctx, "Error restarting listeners",
					fmt.Sprintf("Hi team, There was an error in the realtime transport.\nThe error message is \n%v\nPlease check on this.", err))
				return fmt.Errorf("restarting transport: %w", err)
			}
		}
	}
}

// connect establishes a fresh connection and schedules the presence
// keep-alive signals.
func (s *Supervisor) connect(ctx context.Context) (transport.Transport, error) {
	s.setState(Connecting)

	tp := s.factory()
	if err := tp.Connect(ctx, s.cfg.Subscriptions); err != nil {
		_ = tp.Close()
		s.setState(Disconnected)
		return nil, err
	}

	s.setState(Connected)
	s.record(ctx, "connected")

	// The transport expects a backgrounded then foregrounded presence signal
	// shortly after connect, with fixed keep-alive timeouts.
	time.AfterFunc(s.cfg.BackgroundDelay, func() {
		s.logger.Info("simulating backgrounded device")
		if err := tp.SetForegroundState(ctx, transport.ForegroundState{
			InForegroundApp:    false,
			InForegroundDevice: false,
			KeepAliveTimeout:   backgroundKeepAlive,
		}); err != nil {
			s.logger.Error("sending background presence failed", "error", err)
		}
	})
	time.AfterFunc(s.cfg.ForegroundDelay, func() {
		s.logger.Info("simulating foregrounded device, listening")
		if err := tp.SetForegroundState(ctx, transport.ForegroundState{
			InForegroundApp:    true,
			InForegroundDevice: true,
			KeepAliveTimeout:   foregroundKeepAlive,
		}); err != nil {
			s.logger.Error("sending foreground presence failed", "error", err)
		}
	})

	return tp, nil
}

// pump consumes the connection's event stream until it closes or ctx ends.
func (s *Supervisor) pump(ctx context.Context, tp transport.Transport, restartCh chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-tp.Events():
			if !ok {
				return
			}
			s.handleEvent(ctx, evt, restartCh)
		}
	}
}

// handleEvent dispatches one typed transport event.
func (s *Supervisor) handleEvent(ctx context.Context, evt transport.Event, restartCh chan struct{}) {
	switch e := evt.(type) {
	case transport.InboundMessage:
		s.handler.HandleMessage(ctx, e.Message)

	case transport.ReceivedEvent:
		s.logger.Debug("transport event", "topic", e.Topic, "bytes", len(e.Payload))

	case transport.ConnectionErrorEvent:
		s.logger.Error("transport error", "error", e.Err)
		s.record(ctx, fmt.Sprintf("error: %v", e.Err))
		s.alert(ctx, "MQTT client error",
			fmt.Sprintf("Hi team, There was an error in mqtt.\nThe error message is \n%v\nPlease check on this.", e.Err))
		if isTransient(e.Err) {
			s.scheduleRestart(restartCh)
		}

	case transport.DisconnectedEvent:
		s.logger.Error("transport disconnected")
		s.record(ctx, "disconnected")
		s.alert(ctx, "MQTT client disconnected",
			"Hi team, The MQTT Client got disconnected. Please check on this.")

	case transport.ClosedEvent:
		s.logger.Error("realtime client closed")
		s.record(ctx, "closed")
		s.alert(ctx, "Realtime client closed",
			"Hi team, The Realtime client closed. Please check on this.")
	}
}

// scheduleRestart arms the single restart timer. A second transient error
// while one is pending has already been alerted and does nothing more.
func (s *Supervisor) scheduleRestart(restartCh chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.restartScheduled {
		s.logger.Warn("restart already scheduled, ignoring")
		return
	}
	s.restartScheduled = true

	s.logger.Info("scheduling transport restart", "delay", s.cfg.RestartDelay)
	time.AfterFunc(s.cfg.RestartDelay, func() {
		select {
		case restartCh <- struct{}{}:
		default:
		}
	})
}

// isTransient reports whether the error matches the known recoverable fault.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), transientPattern)
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Supervisor) alert(ctx context.Context, subject, text string) {
	if err := s.notifier.Send(ctx, notify.Alert{Subject: subject, Text: text}); err != nil {
		s.logger.Error("alert delivery failed", "subject", subject, "error", err)
	}
	if s.auditor != nil {
		if err := s.auditor.Append(ctx, &store.Event{Kind: store.KindAlert, Detail: subject}); err != nil {
			s.logger.Error("ledger append failed", "error", err)
		}
	}
}

func (s *Supervisor) record(ctx context.Context, detail string) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.Append(ctx, &store.Event{Kind: store.KindConnection, Detail: detail}); err != nil {
		s.logger.Error("ledger append failed", "error", err)
	}
}
