// Package chat keeps the store's contacts, conversations and messages in step
// with the pub/sub provider: it resolves channel metadata into conversations,
// restores history and applies live events.
package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/matheus3301/posync/internal/crypto"
	"github.com/matheus3301/posync/internal/model"
	"github.com/matheus3301/posync/internal/pubsub"
	"github.com/matheus3301/posync/internal/remote"
	"github.com/matheus3301/posync/internal/store"
)

// Keys of the channel metadata custom payload.
const (
	customType    = "type"
	customGroupID = "group_id"
	customCreator = "creator"
	customMembers = "members"

	typeGroup = "group"
)

// ErrMalformedMetadata is returned for channel metadata that cannot describe a conversation.
var ErrMalformedMetadata = errors.New("malformed channel metadata")

// channelKind is the custom payload resolved once at the boundary.
type channelKind interface{ isChannelKind() }

type groupChannel struct {
	groupID      string
	creatorToken string
}

type directChannel struct {
	membersToken string
}

func (groupChannel) isChannelKind()  {}
func (directChannel) isChannelKind() {}

func parseChannelKind(meta pubsub.ChannelMetadata) (channelKind, error) {
	str := func(key string) string {
		s, _ := meta.Custom[key].(string)
		return s
	}
	if str(customType) == typeGroup {
		id := str(customGroupID)
		if id == "" {
			// Older groups use the channel id as the group id.
			id = meta.ID
		}
		return groupChannel{groupID: id, creatorToken: str(customCreator)}, nil
	}
	members := str(customMembers)
	if members == "" {
		return nil, fmt.Errorf("%w: channel %s has no members", ErrMalformedMetadata, meta.ID)
	}
	return directChannel{membersToken: members}, nil
}

// Resolver turns channel metadata into conversations.
type Resolver struct {
	store  store.Store
	remote remote.Client
	ps     pubsub.Client
	cipher *crypto.Cipher
	self   string
	logger *zap.Logger
}

// NewResolver creates a resolver for the user identified by self (a mobile number).
func NewResolver(s store.Store, rc remote.Client, ps pubsub.Client, cipher *crypto.Cipher, self string, logger *zap.Logger) *Resolver {
	return &Resolver{store: s, remote: rc, ps: ps, cipher: cipher, self: self, logger: logger.Named("resolver")}
}

// Resolve builds the conversation described by meta. It reads contacts to
// name direct conversations but writes nothing.
func (r *Resolver) Resolve(ctx context.Context, meta pubsub.ChannelMetadata) (*model.Conversation, error) {
	if meta.ID == "" {
		return nil, fmt.Errorf("%w: empty channel id", ErrMalformedMetadata)
	}
	kind, err := parseChannelKind(meta)
	if err != nil {
		return nil, err
	}

	switch k := kind.(type) {
	case groupChannel:
		return r.resolveGroup(ctx, meta, k)
	case directChannel:
		return r.resolveDirect(ctx, meta, k)
	}
	return nil, fmt.Errorf("%w: unknown channel kind %T", ErrMalformedMetadata, kind)
}

func (r *Resolver) resolveGroup(ctx context.Context, meta pubsub.ChannelMetadata, k groupChannel) (*model.Conversation, error) {
	rows, err := r.remote.GetGroupMembers(ctx, k.groupID)
	if err != nil {
		return nil, fmt.Errorf("resolve group %s: %w", meta.ID, err)
	}

	conv := &model.Conversation{
		ID:      k.groupID,
		Channel: meta.ID,
		Name:    meta.Name,
		Type:    model.ConversationGroup,
		Members: []string{},
		Admins:  []string{},
	}
	for _, row := range rows {
		if row.User == nil || row.User.Mobile == "" {
			continue
		}
		conv.Members = append(conv.Members, row.User.Mobile)
		if row.IsAdmin {
			conv.Admins = append(conv.Admins, row.User.Mobile)
		}
	}

	if k.creatorToken != "" {
		if r.cipher == nil {
			return nil, fmt.Errorf("resolve group %s: no member key configured", meta.ID)
		}
		creator, err := r.cipher.DecryptString(k.creatorToken)
		if err != nil {
			return nil, fmt.Errorf("resolve group %s creator: %w", meta.ID, err)
		}
		conv.Creator = creator
	}
	return conv, nil
}

func (r *Resolver) resolveDirect(ctx context.Context, meta pubsub.ChannelMetadata, k directChannel) (*model.Conversation, error) {
	if r.cipher == nil {
		return nil, fmt.Errorf("resolve %s: no member key configured", meta.ID)
	}
	members, err := r.cipher.DecryptList(k.membersToken)
	if err != nil {
		return nil, fmt.Errorf("resolve %s members: %w", meta.ID, err)
	}
	if len(members) != 2 {
		return nil, fmt.Errorf("%w: direct channel %s has %d members", ErrMalformedMetadata, meta.ID, len(members))
	}

	conv := &model.Conversation{
		ID:      meta.ID,
		Channel: meta.ID,
		Type:    model.ConversationDirect,
		Members: members,
	}
	peer := conv.Kind(r.self).(model.DirectKind).Peer
	conv.Name = peer

	contact, err := store.Get[*model.Contact](ctx, r.store, peer)
	if err != nil {
		return nil, err
	}
	if contact != nil && contact.FullName != "" {
		conv.Name = contact.FullName
	}
	return conv, nil
}

// Save upserts conv, keeping the stored lastMessage reference, and records
// group membership on known contacts.
func (r *Resolver) Save(ctx context.Context, conv *model.Conversation) error {
	return r.store.Write(ctx, func(ctx context.Context) error {
		existing, err := store.Get[*model.Conversation](ctx, r.store, conv.Channel)
		if err != nil {
			return err
		}
		if existing != nil && conv.LastMessage == "" {
			conv.LastMessage = existing.LastMessage
		}
		if err := r.store.Create(ctx, conv, store.ModeModified); err != nil {
			return err
		}

		if conv.Type != model.ConversationGroup {
			return nil
		}
		for _, mobile := range conv.Members {
			c, err := store.Get[*model.Contact](ctx, r.store, mobile)
			if err != nil {
				return err
			}
			if c == nil || !c.JoinGroup(conv.Channel) {
				continue
			}
			if err := r.store.Create(ctx, c, store.ModeModified); err != nil {
				return err
			}
		}
		return nil
	})
}

// ResolveChannel fetches the metadata of channel, resolves and saves it.
func (r *Resolver) ResolveChannel(ctx context.Context, channel string) (*model.Conversation, error) {
	meta, err := r.ps.GetChannelMetadata(ctx, channel)
	if err != nil {
		return nil, err
	}
	conv, err := r.Resolve(ctx, meta)
	if err != nil {
		return nil, err
	}
	if err := r.Save(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// ResolveAll resolves and saves every channel this user is a member of.
// Channels that fail to resolve are logged and skipped.
func (r *Resolver) ResolveAll(ctx context.Context) ([]*model.Conversation, error) {
	metas, err := r.ps.GetMemberships(ctx)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}

	var out []*model.Conversation
	for _, meta := range metas {
		conv, err := r.Resolve(ctx, meta)
		if err == nil {
			err = r.Save(ctx, conv)
		}
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			r.logger.Warn("skipping channel", zap.String("channel", meta.ID), zap.Error(err))
			continue
		}
		out = append(out, conv)
	}
	r.logger.Info("conversations resolved", zap.Int("resolved", len(out)), zap.Int("channels", len(metas)))
	return out, nil
}

// Channels returns the channels of every stored conversation.
func Channels(ctx context.Context, s store.Store) ([]string, error) {
	convs, err := store.All[*model.Conversation](ctx, s)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(convs))
	for _, c := range convs {
		if !slices.Contains(out, c.Channel) {
			out = append(out, c.Channel)
		}
	}
	return out, nil
}
