// ABOUTME: Tests for the outbound gateway HTTP surface.
// ABOUTME: Validates the three operation contracts, the generic 400 envelope, and the default greeting.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/dm-relay/internal/notify"
	"github.com/2389/dm-relay/internal/transport"
)

// fakeDispatcher scripts the pipeline primitives.
type fakeDispatcher struct {
	sendErr   error
	mediaErr  error
	postErr   error
	sentTo    []string
	mediaIDs  []string
	posted    []string
}

func (f *fakeDispatcher) SendText(ctx context.Context, username, text string) (*transport.Receipt, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sentTo = append(f.sentTo, username)
	return &transport.Receipt{ThreadID: "T1", Timestamp: "1700000000"}, nil
}

func (f *fakeDispatcher) SendMediaThenText(ctx context.Context, username, mediaID, text string) (*transport.Receipt, error) {
	if f.mediaErr != nil {
		return nil, f.mediaErr
	}
	f.sentTo = append(f.sentTo, username)
	f.mediaIDs = append(f.mediaIDs, mediaID)
	return &transport.Receipt{ThreadID: "T2", Timestamp: "1700000001"}, nil
}

func (f *fakeDispatcher) PostMedia(ctx context.Context, imageURL, caption string) error {
	if f.postErr != nil {
		return f.postErr
	}
	f.posted = append(f.posted, caption)
	return nil
}

type alertRecorder struct {
	alerts []notify.Alert
}

func (a *alertRecorder) Send(ctx context.Context, alert notify.Alert) error {
	a.alerts = append(a.alerts, alert)
	return nil
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSendMessage_Success(t *testing.T) {
	d := &fakeDispatcher{}
	api := New(d, &alertRecorder{}, nil)

	rec := postJSON(t, api.Handler(), "/send-message", SendMessageRequest{
		Message:  "hello",
		Username: "alice",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp SendMessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "T1", resp.ThreadID)
	assert.Equal(t, "1700000000", resp.Timestamp)
	assert.Equal(t, []string{"alice"}, d.sentTo)
}

func TestSendMessage_FailureIsGeneric400(t *testing.T) {
	d := &fakeDispatcher{sendErr: fmt.Errorf("thread locked")}
	alerts := &alertRecorder{}
	api := New(d, alerts, nil)

	rec := postJSON(t, api.Handler(), "/send-message", SendMessageRequest{
		Message:  "hello",
		Username: "alice",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "There was an error", rec.Body.String())

	// Cause reaches the alert sink, not the caller.
	require.Len(t, alerts.alerts, 1)
	assert.Contains(t, alerts.alerts[0].Text, "thread locked")
	assert.NotContains(t, rec.Body.String(), "thread locked")
}

func TestFailureAlertsNameTheOperation(t *testing.T) {
	d := &fakeDispatcher{
		sendErr:  fmt.Errorf("send boom"),
		mediaErr: fmt.Errorf("media boom"),
		postErr:  fmt.Errorf("post boom"),
	}
	alerts := &alertRecorder{}
	api := New(d, alerts, nil)

	postJSON(t, api.Handler(), "/send-message", SendMessageRequest{Message: "m", Username: "u"})
	postJSON(t, api.Handler(), "/send-first-media-message", SendMediaMessageRequest{Message: "m", Username: "u", MediaID: "x"})
	postJSON(t, api.Handler(), "/post-media", PostMediaRequest{ImageURL: "https://example.com/i.jpg", Caption: "c"})

	require.Len(t, alerts.alerts, 3)
	assert.Equal(t, "Sending message error", alerts.alerts[0].Subject)
	assert.Contains(t, alerts.alerts[0].Text, "sending a message to a lead")
	assert.Equal(t, "Sending link error", alerts.alerts[1].Subject)
	assert.Contains(t, alerts.alerts[1].Text, "sending a link to a lead")
	assert.Equal(t, "Posting media error", alerts.alerts[2].Subject)
	assert.Contains(t, alerts.alerts[2].Text, "sending some media to a lead")
}

func TestSendMessage_MalformedBody(t *testing.T) {
	api := New(&fakeDispatcher{}, &alertRecorder{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/send-message", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "There was an error", rec.Body.String())
}

func TestSendFirstMediaMessage_Success(t *testing.T) {
	d := &fakeDispatcher{}
	api := New(d, &alertRecorder{}, nil)

	rec := postJSON(t, api.Handler(), "/send-first-media-message", SendMediaMessageRequest{
		Message:  "check this out",
		Username: "bob",
		MediaID:  "media-9",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp SendMessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "T2", resp.ThreadID)
	assert.Equal(t, []string{"media-9"}, d.mediaIDs)
}

func TestPostMedia_Success(t *testing.T) {
	d := &fakeDispatcher{}
	api := New(d, &alertRecorder{}, nil)

	rec := postJSON(t, api.Handler(), "/post-media", PostMediaRequest{
		ImageURL: "https://example.com/img.jpg",
		Caption:  "new arrivals",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var body string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "OK", body)
	assert.Equal(t, []string{"new arrivals"}, d.posted)
}

func TestPostMedia_Failure(t *testing.T) {
	d := &fakeDispatcher{postErr: fmt.Errorf("fetch failed")}
	alerts := &alertRecorder{}
	api := New(d, alerts, nil)

	rec := postJSON(t, api.Handler(), "/post-media", PostMediaRequest{
		ImageURL: "https://example.com/gone.jpg",
		Caption:  "caption",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "There was an error", rec.Body.String())
	assert.Len(t, alerts.alerts, 1)
}

func TestDefaultRouteGreets(t *testing.T) {
	api := New(&fakeDispatcher{}, &alertRecorder{}, nil)

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/"},
		{http.MethodGet, "/send-message"},
		{http.MethodPost, "/unknown"},
	} {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		rec := httptest.NewRecorder()
		api.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code, "%s %s", tc.method, tc.path)
		body, _ := io.ReadAll(rec.Body)
		assert.Equal(t, greeting, string(body))
	}
}
