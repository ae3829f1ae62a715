package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const eventBuffer = 64

// StartSync handles POST /api/sync. It runs the connection sequence and
// returns its result; a failed run is reported with the result body.
func (h *Handler) StartSync(w http.ResponseWriter, r *http.Request) {
	if h.Syncer == nil {
		h.writeError(w, errUnavailable)
		return
	}
	res, err := h.Syncer.Run(r.Context())
	if err != nil {
		h.logger.Warn("manual sync failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type eventView struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// WatchEvents handles GET /api/events as a server-sent event stream.
// ?ns= restricts the stream to one event namespace such as "chat.".
func (h *Handler) WatchEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, fmt.Errorf("streaming unsupported"))
		return
	}

	ch, unsub := h.Bus.Subscribe(r.URL.Query().Get("ns"), eventBuffer)
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(eventView{Kind: evt.Kind, Timestamp: evt.Timestamp, Payload: evt.Payload})
			if err != nil {
				h.logger.Debug("event not encodable", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
