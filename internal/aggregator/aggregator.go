// ABOUTME: Classifies inbound message events into echoes, malformed events, and buffered input
// ABOUTME: Counterpart messages feed the debounce buffer; self echoes go to persistence only

package aggregator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/dm-relay/internal/notify"
	"github.com/2389/dm-relay/internal/store"
	"github.com/2389/dm-relay/internal/transport"
)

// Appender is the slice of the conversation buffer store the aggregator needs.
type Appender interface {
	Append(threadID, text string)
}

// RepMessageSaver persists self-originated messages upstream.
type RepMessageSaver interface {
	SaveSalesRepMessage(ctx context.Context, threadID, text string) error
}

// Auditor records classification outcomes to the audit ledger.
type Auditor interface {
	Append(ctx context.Context, e *store.Event) error
}

// Deduper suppresses re-delivered events. The transport pushes the same item
// again after a reconnect.
type Deduper interface {
	Seen(itemID string) bool
}

// Aggregator consumes inbound message events from the supervisor. Messages
// sent by the monitored account itself are echoes, not new input: they are
// persisted and audited but never buffered.
type Aggregator struct {
	selfID   int64
	buffers  Appender
	saver    RepMessageSaver
	notifier notify.Notifier
	auditor  Auditor
	dedupe   Deduper
	logger   *slog.Logger
}

// New creates an aggregator for the account identified by selfID. Pass nil
// logger for the default.
func New(selfID int64, buffers Appender, saver RepMessageSaver, notifier notify.Notifier, auditor Auditor, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		selfID:   selfID,
		buffers:  buffers,
		saver:    saver,
		notifier: notifier,
		auditor:  auditor,
		logger:   logger.With("component", "aggregator"),
	}
}

// UseDedupe enables item id deduplication. Events without an item id are
// never deduplicated.
func (a *Aggregator) UseDedupe(d Deduper) {
	a.dedupe = d
}

// HandleMessage is invoked for every inbound message notification.
func (a *Aggregator) HandleMessage(ctx context.Context, ev transport.MessageEvent) {
	// Malformed events are discarded silently.
	if ev.ThreadID == "" || ev.Text == "" {
		return
	}

	if a.dedupe != nil && ev.ItemID != "" && a.dedupe.Seen(ev.ItemID) {
		a.logger.Debug("dropping re-delivered item", "thread_id", ev.ThreadID, "item_id", ev.ItemID)
		return
	}

	if ev.UserID == a.selfID {
		a.handleEcho(ctx, ev)
		return
	}

	a.buffers.Append(ev.ThreadID, ev.Text)
	a.record(ctx, store.KindBuffered, ev.ThreadID, ev.Text)
}

// handleEcho persists a self-sent message. A persistence failure alerts but is
// otherwise non-fatal; the echo is never buffered regardless.
func (a *Aggregator) handleEcho(ctx context.Context, ev transport.MessageEvent) {
	a.record(ctx, store.KindSelfEcho, ev.ThreadID, ev.Text)

	if a.saver == nil {
		return
	}
	if err := a.saver.SaveSalesRepMessage(ctx, ev.ThreadID, ev.Text); err != nil {
		a.logger.Error("saving sales rep message failed",
			"thread_id", ev.ThreadID,
			"error", err,
		)
		a.alert(ctx, "Sending sales rep message to API server failed",
			fmt.Sprintf("Hi team, There was an error sending a sales rep message to the api server: %s belonging to thread %s\n. Please check on this.", ev.Text, ev.ThreadID))
	}
}

func (a *Aggregator) alert(ctx context.Context, subject, text string) {
	if err := a.notifier.Send(ctx, notify.Alert{Subject: subject, Text: text}); err != nil {
		a.logger.Error("alert delivery failed", "subject", subject, "error", err)
	}
	a.record(ctx, store.KindAlert, "", subject)
}

func (a *Aggregator) record(ctx context.Context, kind store.EventKind, threadID, detail string) {
	if a.auditor == nil {
		return
	}
	if err := a.auditor.Append(ctx, &store.Event{Kind: kind, ThreadID: threadID, Detail: detail}); err != nil {
		a.logger.Error("ledger append failed", "kind", kind, "error", err)
	}
}
