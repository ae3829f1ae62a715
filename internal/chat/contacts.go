package chat

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/matheus3301/posync/internal/model"
	"github.com/matheus3301/posync/internal/store"
)

// SyncContacts looks mobiles up on the remote API, upserts a contact for every
// known user and renames the direct conversations with those users. With no
// mobiles it refreshes the peers and members of every stored conversation.
func (r *Resolver) SyncContacts(ctx context.Context, mobiles []string) (int, error) {
	convs, err := store.All[*model.Conversation](ctx, r.store)
	if err != nil {
		return 0, err
	}
	if len(mobiles) == 0 {
		mobiles = conversationMobiles(convs, r.self)
	}
	if len(mobiles) == 0 {
		return 0, nil
	}

	users, err := r.remote.GetUserDetails(ctx, mobiles)
	if err != nil {
		return 0, err
	}

	written := 0
	err = r.store.Write(ctx, func(ctx context.Context) error {
		names := make(map[string]string, len(users))
		for _, u := range users {
			if u.Mobile == "" {
				continue
			}
			existing, err := store.Get[*model.Contact](ctx, r.store, u.Mobile)
			if err != nil {
				return err
			}
			c := &model.Contact{ID: u.ID, Mobile: u.Mobile, FullName: u.FullName, IsMe: u.Mobile == r.self}
			if existing != nil {
				c.Groups = existing.Groups
				c.Channel = existing.Channel
			}
			for _, conv := range convs {
				if conv.Type == model.ConversationGroup && slices.Contains(conv.Members, u.Mobile) {
					c.JoinGroup(conv.Channel)
				} else if conv.Type != model.ConversationGroup && conv.Kind(r.self).(model.DirectKind).Peer == u.Mobile {
					c.Channel = conv.Channel
				}
			}
			if err := r.store.Create(ctx, c, store.ModeModified); err != nil {
				return fmt.Errorf("store contact %s: %w", u.Mobile, err)
			}
			written++
			if u.FullName != "" {
				names[u.Mobile] = u.FullName
			}
		}

		for _, conv := range convs {
			if conv.Type == model.ConversationGroup {
				continue
			}
			name, ok := names[conv.Kind(r.self).(model.DirectKind).Peer]
			if !ok || conv.Name == name {
				continue
			}
			conv.Name = name
			if err := r.store.Create(ctx, conv, store.ModeModified); err != nil {
				return fmt.Errorf("rename conversation %s: %w", conv.Channel, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.logger.Info("contacts synced", zap.Int("requested", len(mobiles)), zap.Int("stored", written))
	return written, nil
}

func conversationMobiles(convs []*model.Conversation, self string) []string {
	var out []string
	for _, c := range convs {
		for _, m := range c.Members {
			if m != self && !slices.Contains(out, m) {
				out = append(out, m)
			}
		}
	}
	return out
}
