package realtime

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/duecall/duecall/internal/httputil"
)

// heartbeatInterval keeps intermediary proxies from closing idle streams.
const heartbeatInterval = 25 * time.Second

// Handler serves the per-job SSE status stream.
type Handler struct {
	hub            *Hub
	tokens         *StreamTokens // nil when stream tokens are not configured
	internalSecret string
	heartbeat      time.Duration
	logger         *slog.Logger
}

// NewHandler creates the SSE stream handler. When tokens is non-nil each
// request must carry a stream token scoped to the requested job; otherwise
// internalSecret (when set) guards the stream.
func NewHandler(hub *Hub, tokens *StreamTokens, internalSecret string, logger *slog.Logger) *Handler {
	return &Handler{
		hub:            hub,
		tokens:         tokens,
		internalSecret: internalSecret,
		heartbeat:      heartbeatInterval,
		logger:         logger,
	}
}

// SetHeartbeatInterval overrides the heartbeat cadence. Intended for testing.
func (h *Handler) SetHeartbeatInterval(d time.Duration) {
	h.heartbeat = d
}

// ServeHTTP handles GET /api/jobs/{id}/events with Server-Sent Events.
//
// The stream opens with an "event: connected" frame, then delivers one
// "event: job_update" frame per published update for the job. Comment
// heartbeats keep the connection alive between updates.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	jobID := chi.URLParam(r, "id")
	if !httputil.IsValidUUID(jobID) {
		httputil.WriteError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	if err := h.authorize(r, jobID); err != nil {
		httputil.WriteError(w, http.StatusUnauthorized, err.Error())
		return
	}

	client := h.hub.Subscribe(jobID)
	defer h.hub.Unsubscribe(client.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	fmt.Fprintf(w, "event: connected\ndata: {\"client_id\":%q,\"job_id\":%q}\n\n", client.ID, jobID)
	flusher.Flush()

	h.logger.Info("status stream connected", "client_id", client.ID, "job_id", jobID)

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case event, open := <-client.Events():
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("failed to marshal event", "error", err, "client_id", client.ID)
				continue
			}
			fmt.Fprintf(w, "event: job_update\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// authorize checks stream access for jobID. With stream tokens configured a
// token scoped to this job is required; otherwise the internal secret (when
// set) guards the stream; with neither configured access is open.
func (h *Handler) authorize(r *http.Request, jobID string) error {
	if h.tokens != nil {
		token := extractToken(r)
		if token == "" {
			return errors.New("stream token required")
		}
		sub, err := h.tokens.Validate(token)
		if err != nil {
			return errors.New("invalid or expired stream token")
		}
		if sub != jobID {
			return errors.New("stream token not valid for this job")
		}
		return nil
	}

	if h.internalSecret != "" {
		provided := r.Header.Get("X-Internal-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(h.internalSecret)) != 1 {
			return errors.New("invalid internal secret")
		}
	}
	return nil
}

// extractToken gets the stream token from the Authorization header or token
// query parameter. EventSource (browser SSE API) does not support custom
// headers, so the query parameter provides an alternative path.
func extractToken(r *http.Request) string {
	if token, ok := httputil.ExtractBearerToken(r); ok {
		return token
	}
	return r.URL.Query().Get("token")
}
