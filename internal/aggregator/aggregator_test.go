// ABOUTME: Tests for inbound message classification.
// ABOUTME: Validates self-echo handling, malformed discard, and counterpart buffering.

package aggregator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/dm-relay/internal/dedupe"
	"github.com/2389/dm-relay/internal/notify"
	"github.com/2389/dm-relay/internal/transport"
)

const selfID int64 = 777

type fakeBuffers struct {
	appended []string
}

func (f *fakeBuffers) Append(threadID, text string) {
	f.appended = append(f.appended, threadID+"/"+text)
}

type fakeSaver struct {
	saved []string
	err   error
}

func (f *fakeSaver) SaveSalesRepMessage(ctx context.Context, threadID, text string) error {
	f.saved = append(f.saved, threadID+"/"+text)
	return f.err
}

type alertRecorder struct {
	alerts []notify.Alert
}

func (a *alertRecorder) Send(ctx context.Context, alert notify.Alert) error {
	a.alerts = append(a.alerts, alert)
	return nil
}

func TestHandleMessage_CounterpartIsBuffered(t *testing.T) {
	buffers := &fakeBuffers{}
	saver := &fakeSaver{}
	agg := New(selfID, buffers, saver, &alertRecorder{}, nil, nil)

	agg.HandleMessage(context.Background(), transport.MessageEvent{
		ThreadID: "T1",
		UserID:   123,
		Text:     "are you open?",
	})

	assert.Equal(t, []string{"T1/are you open?"}, buffers.appended)
	assert.Empty(t, saver.saved)
}

func TestHandleMessage_SelfEchoNeverBuffered(t *testing.T) {
	buffers := &fakeBuffers{}
	saver := &fakeSaver{}
	agg := New(selfID, buffers, saver, &alertRecorder{}, nil, nil)

	agg.HandleMessage(context.Background(), transport.MessageEvent{
		ThreadID: "T1",
		UserID:   selfID,
		Text:     "thanks for reaching out",
	})

	assert.Empty(t, buffers.appended, "self-sent messages must not create or mutate buffers")
	assert.Equal(t, []string{"T1/thanks for reaching out"}, saver.saved)
}

func TestHandleMessage_MalformedDiscardedSilently(t *testing.T) {
	buffers := &fakeBuffers{}
	saver := &fakeSaver{}
	alerts := &alertRecorder{}
	agg := New(selfID, buffers, saver, alerts, nil, nil)

	agg.HandleMessage(context.Background(), transport.MessageEvent{UserID: 123, Text: "no thread"})
	agg.HandleMessage(context.Background(), transport.MessageEvent{ThreadID: "T1", UserID: 123})

	assert.Empty(t, buffers.appended)
	assert.Empty(t, saver.saved)
	assert.Empty(t, alerts.alerts)
}

func TestHandleMessage_RedeliveredItemDroppedOnce(t *testing.T) {
	buffers := &fakeBuffers{}
	agg := New(selfID, buffers, &fakeSaver{}, &alertRecorder{}, nil, nil)
	agg.UseDedupe(dedupe.New(time.Minute, 100))

	ev := transport.MessageEvent{
		ThreadID: "T1",
		ItemID:   "item-1",
		UserID:   123,
		Text:     "hello?",
	}
	agg.HandleMessage(context.Background(), ev)
	agg.HandleMessage(context.Background(), ev)

	assert.Equal(t, []string{"T1/hello?"}, buffers.appended, "re-delivered item must be buffered once")
}

func TestHandleMessage_NoItemIDSkipsDedupe(t *testing.T) {
	buffers := &fakeBuffers{}
	agg := New(selfID, buffers, &fakeSaver{}, &alertRecorder{}, nil, nil)
	agg.UseDedupe(dedupe.New(time.Minute, 100))

	ev := transport.MessageEvent{ThreadID: "T1", UserID: 123, Text: "hello?"}
	agg.HandleMessage(context.Background(), ev)
	agg.HandleMessage(context.Background(), ev)

	assert.Len(t, buffers.appended, 2)
}

func TestHandleMessage_EchoPersistenceFailureAlerts(t *testing.T) {
	buffers := &fakeBuffers{}
	saver := &fakeSaver{err: fmt.Errorf("backend down")}
	alerts := &alertRecorder{}
	agg := New(selfID, buffers, saver, alerts, nil, nil)

	agg.HandleMessage(context.Background(), transport.MessageEvent{
		ThreadID: "T1",
		UserID:   selfID,
		Text:     "on my way",
	})

	require.Len(t, alerts.alerts, 1)
	assert.Equal(t, "Sending sales rep message to API server failed", alerts.alerts[0].Subject)
	assert.Contains(t, alerts.alerts[0].Text, "on my way")
	assert.Empty(t, buffers.appended)
}
