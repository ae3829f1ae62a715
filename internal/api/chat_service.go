package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/matheus3301/posync/internal/chat"
	"github.com/matheus3301/posync/internal/model"
	"github.com/matheus3301/posync/internal/store"
)

// ConversationView is a conversation with its last message inlined.
type ConversationView struct {
	*model.Conversation
	Last *MessageView `json:"last,omitempty"`
}

// ListConversations handles GET /api/conversations. Conversations with recent
// activity come first.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	convs, err := store.All[*model.Conversation](ctx, h.Store)
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := make([]ConversationView, 0, len(convs))
	for _, c := range convs {
		v := ConversationView{Conversation: c}
		last, err := chat.LastMessage(ctx, h.Store, c)
		if err != nil {
			h.writeError(w, err)
			return
		}
		if last != nil {
			v.Last = newMessageView(last)
		}
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return lastActivity(out[i]).After(lastActivity(out[j]))
	})

	writeJSON(w, http.StatusOK, out)
}

func lastActivity(v ConversationView) time.Time {
	if v.Last == nil {
		return time.Time{}
	}
	return v.Last.CreatedAt
}
