package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/matheus3301/posync/internal/model"
	"github.com/matheus3301/posync/internal/store"
)

const defaultMessageLimit = 50

// MessageView is a message with its derived delivery status.
type MessageView struct {
	*model.Message
	Status model.DeliveryStatus `json:"status"`
}

func newMessageView(m *model.Message) *MessageView {
	return &MessageView{Message: m, Status: m.Status()}
}

// SendRequest is the body of POST /api/conversations/{channel}/messages.
type SendRequest struct {
	Content string `json:"content"`
}

// ListMessages handles GET /api/conversations/{channel}/messages. It returns
// the newest messages of the channel, oldest first, capped by ?limit=.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")

	limit := defaultMessageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, errors.Join(errBadRequest, errors.New("limit must be a positive integer")))
			return
		}
		limit = n
	}

	msgs, err := store.ChannelMessages(r.Context(), h.Store, channel)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	out := make([]*MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, newMessageView(m))
	}
	writeJSON(w, http.StatusOK, out)
}

// SendMessage handles POST /api/conversations/{channel}/messages. The message
// is queued and published by the outbox.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	if h.Queue == nil {
		h.writeError(w, errUnavailable)
		return
	}
	var req SendRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		h.writeError(w, errors.Join(errBadRequest, errors.New("content is required")))
		return
	}

	msg, err := h.Queue.Queue(r.Context(), chi.URLParam(r, "channel"), req.Content)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newMessageView(msg))
}

// MarkRead handles POST /api/conversations/{channel}/read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	if h.Reader == nil {
		h.writeError(w, errUnavailable)
		return
	}
	n, err := h.Reader.MarkRead(r.Context(), chi.URLParam(r, "channel"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": n})
}
