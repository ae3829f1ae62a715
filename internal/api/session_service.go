package api

import (
	"net/http"
	"time"

	"github.com/matheus3301/posync/internal/model"
	"github.com/matheus3301/posync/internal/status"
	"github.com/matheus3301/posync/internal/store"
)

// StatusResponse describes the running daemon.
type StatusResponse struct {
	Session       string       `json:"session"`
	State         status.State `json:"state"`
	Since         time.Time    `json:"since"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Self          string       `json:"self,omitempty"`
	Online        bool         `json:"online"`
	Synced        bool         `json:"synced_store"`
	Conversations int          `json:"conversations"`
	Pending       int          `json:"pending_messages"`
	DroppedEvents uint64       `json:"dropped_events"`
}

type syncedStore interface {
	Synced() store.Store
}

// GetStatus handles GET /api/status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Session:       h.Session,
		State:         h.Machine.Current(),
		Since:         h.Machine.Since(),
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Self:          h.Self,
		Online:        h.Machine.Online(),
	}
	if d, ok := h.Store.(syncedStore); ok {
		resp.Synced = d.Synced() != nil
	}
	if h.Bus != nil {
		resp.DroppedEvents = h.Bus.Dropped()
	}

	convs, err := store.All[*model.Conversation](r.Context(), h.Store)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp.Conversations = len(convs)

	msgs, err := store.All[*model.Message](r.Context(), h.Store)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp.Pending = len(store.Filter(msgs, func(m *model.Message) bool {
		return m.Status() == model.StatusPending
	}))

	writeJSON(w, http.StatusOK, resp)
}
