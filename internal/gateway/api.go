// ABOUTME: HTTP surface for operator-triggered sends that bypass aggregation
// ABOUTME: Thin handlers mapping three endpoints onto the dispatch pipeline primitives

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/2389/dm-relay/internal/notify"
	"github.com/2389/dm-relay/internal/transport"
)

// errorBody is the generic client error. The underlying cause goes to the
// alert and log sinks only, never to the caller.
const errorBody = "There was an error"

// greeting is returned for any request outside the three operations.
const greeting = "dm-relay is running"

// Dispatcher is the slice of the dispatch pipeline the gateway calls.
type Dispatcher interface {
	SendText(ctx context.Context, username, text string) (*transport.Receipt, error)
	SendMediaThenText(ctx context.Context, username, mediaID, text string) (*transport.Receipt, error)
	PostMedia(ctx context.Context, imageURL, caption string) error
}

// SendMessageRequest is the JSON request body for POST /send-message.
type SendMessageRequest struct {
	Message  string `json:"message"`
	Username string `json:"username"`
}

// SendMediaMessageRequest is the JSON request body for POST /send-first-media-message.
type SendMediaMessageRequest struct {
	Message  string `json:"message"`
	Username string `json:"username"`
	MediaID  string `json:"mediaId"`
}

// PostMediaRequest is the JSON request body for POST /post-media.
type PostMediaRequest struct {
	ImageURL string `json:"imageURL"`
	Caption  string `json:"caption"`
}

// SendMessageResponse is the JSON response for successful sends.
type SendMessageResponse struct {
	ThreadID  string `json:"thread_id"`
	Timestamp string `json:"timestamp"`
}

// API holds the gateway's HTTP handlers.
type API struct {
	dispatcher Dispatcher
	notifier   notify.Notifier
	logger     *slog.Logger
}

// New creates the gateway API. Pass nil logger for the default.
func New(dispatcher Dispatcher, notifier notify.Notifier, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		dispatcher: dispatcher,
		notifier:   notifier,
		logger:     logger.With("component", "gateway"),
	}
}

// Handler returns the gateway's HTTP handler.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /send-message", a.handleSendMessage)
	mux.HandleFunc("POST /send-first-media-message", a.handleSendMediaMessage)
	mux.HandleFunc("POST /post-media", a.handlePostMedia)
	mux.HandleFunc("/", a.handleDefault)
	return mux
}

// handleSendMessage handles POST /send-message.
func (a *API) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.fail(r.Context(), w, "Sending message error", "sending a message to a lead", err)
		return
	}

	receipt, err := a.dispatcher.SendText(r.Context(), req.Username, req.Message)
	if err != nil {
		a.fail(r.Context(), w, "Sending message error", "sending a message to a lead", err)
		return
	}

	a.logger.Info("operator message sent", "username", req.Username, "thread_id", receipt.ThreadID)
	a.writeJSON(w, SendMessageResponse{ThreadID: receipt.ThreadID, Timestamp: receipt.Timestamp})
}

// handleSendMediaMessage handles POST /send-first-media-message.
func (a *API) handleSendMediaMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMediaMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.fail(r.Context(), w, "Sending link error", "sending a link to a lead", err)
		return
	}

	receipt, err := a.dispatcher.SendMediaThenText(r.Context(), req.Username, req.MediaID, req.Message)
	if err != nil {
		a.fail(r.Context(), w, "Sending link error", "sending a link to a lead", err)
		return
	}

	a.logger.Info("operator media message sent", "username", req.Username, "thread_id", receipt.ThreadID)
	a.writeJSON(w, SendMessageResponse{ThreadID: receipt.ThreadID, Timestamp: receipt.Timestamp})
}

// handlePostMedia handles POST /post-media.
func (a *API) handlePostMedia(w http.ResponseWriter, r *http.Request) {
	var req PostMediaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.fail(r.Context(), w, "Posting media error", "sending some media to a lead", err)
		return
	}

	if err := a.dispatcher.PostMedia(r.Context(), req.ImageURL, req.Caption); err != nil {
		a.fail(r.Context(), w, "Posting media error", "sending some media to a lead", err)
		return
	}

	a.logger.Info("media posted", "caption", req.Caption)
	a.writeJSON(w, "OK")
}

// handleDefault answers anything outside the three operations.
func (a *API) handleDefault(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(greeting))
}

// fail logs and alerts the real cause, then answers with the generic error.
// activity names the failed operation in the alert body.
func (a *API) fail(ctx context.Context, w http.ResponseWriter, subject, activity string, err error) {
	a.logger.Error("gateway operation failed", "subject", subject, "error", err)
	if nerr := a.notifier.Send(ctx, notify.Alert{
		Subject: subject,
		Text:    fmt.Sprintf("Hi team, There was an error %s.\nThe error message is \n%v\nPlease check on this.", activity, err),
	}); nerr != nil {
		a.logger.Error("alert delivery failed", "subject", subject, "error", nerr)
	}

	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write([]byte(errorBody))
}

func (a *API) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("encoding response failed", "error", err)
	}
}
