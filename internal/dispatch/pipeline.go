// ABOUTME: Dispatch pipeline from flushed conversation batches to outbound replies
// ABOUTME: Routes generation verdicts to auto-reply, human handoff, or operator alerts

package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/dm-relay/internal/notify"
	"github.com/2389/dm-relay/internal/responder"
	"github.com/2389/dm-relay/internal/store"
	"github.com/2389/dm-relay/internal/transport"
)

// Delimiter joins a conversation's buffered messages into the single payload
// the generation backend receives. The backend splits on it; it is a wire
// contract, not a formatting choice.
const Delimiter = "#*eb4*#"

// DispatchError reports a failure sending or posting through the transport.
type DispatchError struct {
	Op  string
	Err error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s: %v", e.Op, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Sender is the slice of the transport the pipeline sends through.
type Sender interface {
	SendText(ctx context.Context, userID int64, text string) (*transport.Receipt, error)
	AttachPost(ctx context.Context, userID int64, mediaID string) error
	PublishPhoto(ctx context.Context, image []byte, caption string) error
	ResolveUserID(ctx context.Context, username string) (int64, error)
}

// Generator is the slice of the response-generation backend the pipeline calls.
type Generator interface {
	Generate(ctx context.Context, threadID, joined string) (*responder.GenerateResponse, error)
	AssignOperator(ctx context.Context, threadID string) (*responder.AssignResponse, error)
}

// Auditor records pipeline outcomes to the audit ledger.
type Auditor interface {
	Append(ctx context.Context, e *store.Event) error
}

// Pipeline turns flushed batches into generation calls and outbound sends.
type Pipeline struct {
	sender     Sender
	generator  Generator
	notifier   notify.Notifier
	auditor    Auditor
	logger     *slog.Logger
	replyDelay time.Duration
	httpClient *http.Client
}

// New creates a pipeline. replyDelay is the pause before an automated reply is
// sent, so bot replies don't appear instantaneous. Pass nil logger for the
// default.
func New(sender Sender, generator Generator, notifier notify.Notifier, auditor Auditor, replyDelay time.Duration, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		sender:     sender,
		generator:  generator,
		notifier:   notifier,
		auditor:    auditor,
		logger:     logger.With("component", "dispatch"),
		replyDelay: replyDelay,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Flush submits a conversation's batch for generation and acts on the verdict.
// The buffer entry is already gone by the time this runs: a failed generation
// call alerts and drops the batch, it never re-queues.
func (p *Pipeline) Flush(ctx context.Context, threadID string, messages []string) {
	joined := strings.Join(messages, Delimiter)

	p.record(ctx, store.KindFlushed, threadID, joined)

	resp, err := p.generator.Generate(ctx, threadID, joined)
	if err != nil {
		p.logger.Error("generation failed", "thread_id", threadID, "error", err)
		p.alert(ctx, "Response generation failed",
			fmt.Sprintf("Hi team, There was an error generating a response for the message(s): %s belonging to thread %s\n. Please check on this.", joined, threadID))
		return
	}

	if resp.Fallback() {
		p.handOff(ctx, threadID)
		return
	}

	p.logger.Info("reply scheduled",
		"thread_id", threadID,
		"username", resp.Username,
		"delay", p.replyDelay,
	)
	time.AfterFunc(p.replyDelay, func() {
		p.sendReply(ctx, threadID, resp.Username, resp.GeneratedComment)
	})
}

// handOff assigns the conversation to a human operator. No automated reply is
// sent either way.
func (p *Pipeline) handOff(ctx context.Context, threadID string) {
	assign, err := p.generator.AssignOperator(ctx, threadID)
	if err != nil {
		p.logger.Error("human handoff failed", "thread_id", threadID, "error", err)
		p.alert(ctx, "Human handoff failed",
			fmt.Sprintf("Hi team, There was an error assigning a human operator to thread %s.\nThe error message is \n%v\nPlease check on this.", threadID, err))
		return
	}

	p.logger.Info("conversation handed to human operator",
		"thread_id", threadID,
		"assigned", assign.AssignOperator,
	)
	p.record(ctx, store.KindHandedOff, threadID, "")
}

// sendReply resolves the counterpart and sends the generated reply.
func (p *Pipeline) sendReply(ctx context.Context, threadID, username, text string) {
	userID, err := p.sender.ResolveUserID(ctx, username)
	if err != nil {
		p.reportSendFailure(ctx, threadID, username, &DispatchError{Op: "resolve", Err: err})
		return
	}
	if _, err := p.sender.SendText(ctx, userID, text); err != nil {
		p.reportSendFailure(ctx, threadID, username, &DispatchError{Op: "send", Err: err})
		return
	}

	p.logger.Info("automated reply sent", "thread_id", threadID, "username", username)
	p.record(ctx, store.KindReplied, threadID, text)
}

func (p *Pipeline) reportSendFailure(ctx context.Context, threadID, username string, err error) {
	p.logger.Error("sending reply failed",
		"thread_id", threadID,
		"username", username,
		"error", err,
	)
	p.alert(ctx, "Sending message error",
		fmt.Sprintf("Hi team, There was an error sending a message to a lead.\nThe error message is \n%v\nPlease check on this.", err))
}

// SendText is the immediate-send primitive used by the outbound gateway. It
// bypasses aggregation entirely.
func (p *Pipeline) SendText(ctx context.Context, username, text string) (*transport.Receipt, error) {
	userID, err := p.sender.ResolveUserID(ctx, username)
	if err != nil {
		return nil, &DispatchError{Op: "resolve", Err: err}
	}
	receipt, err := p.sender.SendText(ctx, userID, text)
	if err != nil {
		return nil, &DispatchError{Op: "send", Err: err}
	}

	p.record(ctx, store.KindDispatched, receipt.ThreadID, text)
	return receipt, nil
}

// SendMediaThenText attaches an existing media post to the counterpart's
// thread, then sends the text. An absent media id is alerted but the text is
// still sent.
func (p *Pipeline) SendMediaThenText(ctx context.Context, username, mediaID, text string) (*transport.Receipt, error) {
	userID, err := p.sender.ResolveUserID(ctx, username)
	if err != nil {
		return nil, &DispatchError{Op: "resolve", Err: err}
	}

	if mediaID == "" {
		p.alert(ctx, "Unable to send media",
			fmt.Sprintf("Hi team,\n the server was unable to send media to %s because media id was absent. The message has however been sent", username))
	} else if err := p.sender.AttachPost(ctx, userID, mediaID); err != nil {
		return nil, &DispatchError{Op: "attach", Err: err}
	}

	receipt, err := p.sender.SendText(ctx, userID, text)
	if err != nil {
		return nil, &DispatchError{Op: "send", Err: err}
	}

	p.record(ctx, store.KindDispatched, receipt.ThreadID, text)
	return receipt, nil
}

// PostMedia fetches image bytes from imageURL and publishes them as a new
// post with the caption.
func (p *Pipeline) PostMedia(ctx context.Context, imageURL, caption string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return &DispatchError{Op: "fetch", Err: err}
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &DispatchError{Op: "fetch", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &DispatchError{Op: "fetch", Err: fmt.Errorf("image fetch returned status %d", resp.StatusCode)}
	}
	image, err := io.ReadAll(resp.Body)
	if err != nil {
		return &DispatchError{Op: "fetch", Err: err}
	}

	if err := p.sender.PublishPhoto(ctx, image, caption); err != nil {
		return &DispatchError{Op: "publish", Err: err}
	}

	p.record(ctx, store.KindDispatched, "", "media post: "+caption)
	return nil
}

// alert emits an operator alert and records it. Notifier failures are logged
// only; alerts never cascade.
func (p *Pipeline) alert(ctx context.Context, subject, text string) {
	if err := p.notifier.Send(ctx, notify.Alert{Subject: subject, Text: text}); err != nil {
		p.logger.Error("alert delivery failed", "subject", subject, "error", err)
	}
	p.record(ctx, store.KindAlert, "", subject)
}

func (p *Pipeline) record(ctx context.Context, kind store.EventKind, threadID, detail string) {
	if p.auditor == nil {
		return
	}
	if err := p.auditor.Append(ctx, &store.Event{Kind: kind, ThreadID: threadID, Detail: detail}); err != nil {
		p.logger.Error("ledger append failed", "kind", kind, "error", err)
	}
}
