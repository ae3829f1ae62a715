package chat

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matheus3301/posync/internal/bus"
	"github.com/matheus3301/posync/internal/crypto"
	"github.com/matheus3301/posync/internal/errs"
	"github.com/matheus3301/posync/internal/model"
	"github.com/matheus3301/posync/internal/pubsub"
	"github.com/matheus3301/posync/internal/pubsub/pubsubtest"
	"github.com/matheus3301/posync/internal/remote"
	"github.com/matheus3301/posync/internal/remote/remotetest"
	"github.com/matheus3301/posync/internal/store"
	"github.com/matheus3301/posync/internal/store/sqlite"
)

const self = "+15550001"

type fixture struct {
	store    *store.Dual
	ps       *pubsubtest.Client
	remote   *remotetest.Client
	cipher   *crypto.Cipher
	bus      *bus.Bus
	resolver *Resolver
}

func openDB(t *testing.T, name string) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), name+".db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cipher, err := crypto.NewCipher("member-key", "shop-salt")
	require.NoError(t, err)
	f := &fixture{
		store:  store.NewDual(openDB(t, "local"), openDB(t, "synced"), zap.NewNop()),
		ps:     pubsubtest.New(self),
		remote: remotetest.New(),
		cipher: cipher,
		bus:    bus.New(),
	}
	f.resolver = NewResolver(f.store, f.remote, f.ps, f.cipher, self, zap.NewNop())
	return f
}

func (f *fixture) directMeta(t *testing.T, channel string, members ...string) pubsub.ChannelMetadata {
	t.Helper()
	tok, err := f.cipher.EncryptList(members)
	require.NoError(t, err)
	return pubsub.ChannelMetadata{ID: channel, Name: "ignored", Custom: map[string]any{"members": tok}}
}

func (f *fixture) groupMeta(t *testing.T, channel, groupID, name, creator string) pubsub.ChannelMetadata {
	t.Helper()
	tok, err := f.cipher.EncryptString(creator)
	require.NoError(t, err)
	return pubsub.ChannelMetadata{ID: channel, Name: name, Custom: map[string]any{
		"type": "group", "group_id": groupID, "creator": tok,
	}}
}

func history(channel string, from, n int) []pubsub.HistoryMessage {
	out := make([]pubsub.HistoryMessage, n)
	for i := range out {
		tt := strconv.Itoa(from + i)
		out[i] = pubsub.HistoryMessage{
			Channel:   channel,
			Timetoken: tt,
			Publisher: "+15550002",
			Payload:   pubsub.Payload{ID: "m" + tt, Author: "+15550002", Content: "hello " + tt},
		}
	}
	return out
}

func TestResolveGroup(t *testing.T) {
	f := newFixture(t)
	f.remote.SetGroup("42",
		remote.GroupMember{User: &remote.User{Mobile: self}, IsAdmin: true},
		remote.GroupMember{User: &remote.User{Mobile: "+15550002"}},
		remote.GroupMember{User: nil, IsAdmin: true},
	)

	conv, err := f.resolver.Resolve(context.Background(), f.groupMeta(t, "grp.42", "42", "Shop floor", self))
	require.NoError(t, err)
	assert.Equal(t, "42", conv.ID)
	assert.Equal(t, "grp.42", conv.Channel)
	assert.Equal(t, "Shop floor", conv.Name)
	assert.Equal(t, model.ConversationGroup, conv.Type)
	assert.Equal(t, []string{self, "+15550002"}, conv.Members)
	assert.Equal(t, []string{self}, conv.Admins)
	assert.Equal(t, self, conv.Creator)
}

func TestResolveGroupRemoteFailure(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.Resolve(context.Background(), f.groupMeta(t, "grp.7", "7", "Gone", self))
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestResolveDirectNamesPeer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	meta := f.directMeta(t, "dm.1", self, "+15550002")

	conv, err := f.resolver.Resolve(ctx, meta)
	require.NoError(t, err)
	assert.Equal(t, "dm.1", conv.ID)
	assert.Equal(t, model.ConversationDirect, conv.Type)
	assert.Equal(t, "+15550002", conv.Name, "unknown peers are named by mobile")
	assert.Empty(t, conv.Admins)

	require.NoError(t, f.store.Create(ctx, &model.Contact{Mobile: "+15550002", FullName: "Wanjiru"}, store.ModeAll))
	conv, err = f.resolver.Resolve(ctx, meta)
	require.NoError(t, err)
	assert.Equal(t, "Wanjiru", conv.Name)
}

func TestResolveRejectsMalformedMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resolver.Resolve(ctx, pubsub.ChannelMetadata{ID: "dm.x"})
	assert.ErrorIs(t, err, ErrMalformedMetadata)

	_, err = f.resolver.Resolve(ctx, pubsub.ChannelMetadata{ID: "dm.x", Custom: map[string]any{"members": "garbage"}})
	assert.ErrorIs(t, err, crypto.ErrMalformed)
}

func TestResolveAllSkipsBrokenChannels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ps.Memberships = []pubsub.ChannelMetadata{
		f.directMeta(t, "dm.1", self, "+15550002"),
		{ID: "dm.broken", Custom: map[string]any{"members": "garbage"}},
		f.directMeta(t, "dm.2", "+15550003", self),
	}

	convs, err := f.resolver.ResolveAll(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 2)

	stored, err := store.All[*model.Conversation](ctx, f.store)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "dm.1", stored[0].Channel)
	assert.Equal(t, "+15550003", stored[1].Name)
}

func TestSaveKeepsLastMessageAndJoinsGroups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Create(ctx, &model.Contact{Mobile: "+15550002"}, store.ModeAll))
	require.NoError(t, f.store.Create(ctx, &model.Conversation{ID: "42", Channel: "grp.42", Type: model.ConversationGroup, LastMessage: "m9"}, store.ModeAll))

	conv := &model.Conversation{ID: "42", Channel: "grp.42", Type: model.ConversationGroup, Members: []string{self, "+15550002"}}
	require.NoError(t, f.resolver.Save(ctx, conv))

	got, err := store.Get[*model.Conversation](ctx, f.store, "grp.42")
	require.NoError(t, err)
	assert.Equal(t, "m9", got.LastMessage)

	c, err := store.Get[*model.Contact](ctx, f.store, "+15550002")
	require.NoError(t, err)
	assert.Equal(t, []string{"grp.42"}, c.GroupIDs())
}

func TestSyncContactsRenamesDirectConversations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ps.Memberships = []pubsub.ChannelMetadata{f.directMeta(t, "dm.1", self, "+15550002")}
	_, err := f.resolver.ResolveAll(ctx)
	require.NoError(t, err)

	f.remote.AddUser(remote.User{ID: "u2", Mobile: "+15550002", FullName: "Wanjiru"})
	n, err := f.resolver.SyncContacts(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, [][]string{{"+15550002"}}, f.remote.Lookups)

	conv, err := store.Get[*model.Conversation](ctx, f.store, "dm.1")
	require.NoError(t, err)
	assert.Equal(t, "Wanjiru", conv.Name)

	c, err := store.Get[*model.Contact](ctx, f.store, "+15550002")
	require.NoError(t, err)
	assert.Equal(t, "dm.1", c.Channel)
}

func saveDirect(t *testing.T, f *fixture, channel string) {
	t.Helper()
	conv := &model.Conversation{ID: channel, Channel: channel, Type: model.ConversationDirect, Members: []string{self, "+15550002"}}
	require.NoError(t, f.resolver.Save(context.Background(), conv))
}

func TestRestoreChannelPaginates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	saveDirect(t, f, "dm.1")
	f.ps.Seed("dm.1", history("dm.1", 101, 60)...)

	r := NewRestorer(f.store, f.ps, f.bus, zap.NewNop())
	res, err := r.RestoreChannel(ctx, "dm.1")
	require.NoError(t, err)
	assert.Equal(t, RestoreResult{Channels: 1, Pages: 3, Messages: 60, Written: 60}, res)

	require.Len(t, f.ps.Fetches, 3)
	assert.Equal(t, "", f.ps.Fetches[0].Start)
	assert.Equal(t, "136", f.ps.Fetches[1].Start)
	assert.Equal(t, "111", f.ps.Fetches[2].Start)
	for _, opts := range f.ps.Fetches {
		assert.Equal(t, PageSize, opts.Count)
		assert.True(t, opts.IncludeActions)
	}

	conv, err := store.Get[*model.Conversation](ctx, f.store, "dm.1")
	require.NoError(t, err)
	assert.Equal(t, "m160", conv.LastMessage)
}

func TestRestoreStopsOnEmptyPage(t *testing.T) {
	f := newFixture(t)
	saveDirect(t, f, "dm.1")
	f.ps.Seed("dm.1", history("dm.1", 101, 2*PageSize)...)

	res, err := NewRestorer(f.store, f.ps, nil, zap.NewNop()).RestoreChannel(context.Background(), "dm.1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, 50, res.Messages)
}

func TestRestoreCountsNonChatEntriesTowardsPage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	saveDirect(t, f, "dm.1")
	f.ps.Seed("dm.1", history("dm.1", 76, 49)...)
	f.ps.SeedForeign("dm.1", "125")

	res, err := NewRestorer(f.store, f.ps, nil, zap.NewNop()).RestoreChannel(ctx, "dm.1")
	require.NoError(t, err)
	assert.Equal(t, RestoreResult{Channels: 1, Pages: 3, Messages: 49, Written: 49}, res)
	require.Len(t, f.ps.Fetches, 3)
	assert.Equal(t, "101", f.ps.Fetches[1].Start)

	m, err := store.Get[*model.Message](ctx, f.store, "m76")
	require.NoError(t, err)
	require.NotNil(t, m, "older pages are still fetched")

	conv, err := store.Get[*model.Conversation](ctx, f.store, "dm.1")
	require.NoError(t, err)
	assert.Equal(t, "m124", conv.LastMessage)
}

func TestRestoreIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	saveDirect(t, f, "dm.1")
	f.ps.Seed("dm.1", history("dm.1", 101, 30)...)
	r := NewRestorer(f.store, f.ps, nil, zap.NewNop())

	_, err := r.RestoreAll(ctx)
	require.NoError(t, err)
	res, err := r.RestoreAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Written)

	msgs, err := store.ChannelMessages(ctx, f.store, "dm.1")
	require.NoError(t, err)
	assert.Len(t, msgs, 30)
}

func TestRestoreKeepsIdentityAndAppliesReceipts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	saveDirect(t, f, "dm.1")
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, f.store.Create(ctx, &model.Message{ID: "m101", Channel: "dm.1", Author: self, Content: "original", CreatedAt: created}, store.ModeAll))

	msgs := history("dm.1", 101, 2)
	msgs[0].Payload.Content = "edited"
	msgs[0].Actions = []pubsub.Action{{Type: pubsub.ActionReceipt, Value: pubsub.ValueDelivered, UUID: "+15550002", ActionTimetoken: "150"}}
	msgs[1].Actions = []pubsub.Action{{Type: pubsub.ActionReceipt, Value: pubsub.ValueRead, UUID: self, ActionTimetoken: "160"}}
	f.ps.Seed("dm.1", msgs...)

	_, err := NewRestorer(f.store, f.ps, nil, zap.NewNop()).RestoreAll(ctx)
	require.NoError(t, err)

	m, err := store.Get[*model.Message](ctx, f.store, "m101")
	require.NoError(t, err)
	assert.Equal(t, "original", m.Content)
	assert.Equal(t, self, m.Author)
	assert.True(t, created.Equal(m.CreatedAt))
	assert.Equal(t, "101", m.Timetoken)
	assert.Equal(t, model.StatusReceived, m.Status())

	m, err = store.Get[*model.Message](ctx, f.store, "m102")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRead, m.Status())
}

func TestRestoreKeysMessagesWithoutIDByTimetoken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	saveDirect(t, f, "dm.1")
	msgs := history("dm.1", 101, 1)
	msgs[0].Payload.ID = ""
	f.ps.Seed("dm.1", msgs...)

	_, err := NewRestorer(f.store, f.ps, nil, zap.NewNop()).RestoreAll(ctx)
	require.NoError(t, err)

	m, err := store.Get[*model.Message](ctx, f.store, "101")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "dm.1", m.Channel)
}

func TestRestoreFetchErrorAborts(t *testing.T) {
	f := newFixture(t)
	saveDirect(t, f, "dm.1")
	saveDirect(t, f, "dm.2")
	f.ps.FetchErr = errs.ErrUnauthorized

	res, err := NewRestorer(f.store, f.ps, nil, zap.NewNop()).RestoreAll(context.Background())
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
	assert.Equal(t, 1, f.ps.FetchCount(), "the second channel must not be fetched")
	assert.Equal(t, 0, res.Written)
}

func TestCompareTimetokens(t *testing.T) {
	assert.Equal(t, -1, compareTimetokens("9", "10"))
	assert.Equal(t, 1, compareTimetokens("17000000000000010", "17000000000000009"))
	assert.Equal(t, 0, compareTimetokens("5", "5"))
	assert.Equal(t, -1, compareTimetokens("", "1"))
}

func newListener(f *fixture, retries uint64) *Listener {
	return NewListener(f.store, f.resolver, f.ps, f.bus, ListenerConfig{ReceiptRetries: retries, ReceiptBackoff: time.Millisecond}, zap.NewNop())
}

func TestListenerStoresMessageAndSendsReceipt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ps.SetChannelMetadata(f.directMeta(t, "dm.9", self, "+15550002"))
	events, unsub := f.bus.Subscribe("chat.", 16)
	defer unsub()

	l := newListener(f, 0)
	l.Attach()
	defer l.Detach()

	f.ps.Deliver(pubsub.MessageEvent{
		Channel: "dm.9", Publisher: "+15550002", Timetoken: "500",
		Payload: pubsub.Payload{ID: "m1", Author: "+15550002", Content: "habari"},
	})
	l.Wait()

	conv, err := store.Get[*model.Conversation](ctx, f.store, "dm.9")
	require.NoError(t, err)
	require.NotNil(t, conv, "unseen channels are resolved")
	assert.Equal(t, "m1", conv.LastMessage)

	m, err := store.Get[*model.Message](ctx, f.store, "m1")
	require.NoError(t, err)
	assert.Equal(t, "habari", m.Content)
	assert.Equal(t, model.StatusReceived, m.Status())

	require.Len(t, f.ps.Actions, 1)
	assert.Equal(t, "500", f.ps.Actions[0].MessageTimetoken)
	assert.Equal(t, pubsub.ValueDelivered, f.ps.Actions[0].Action.Value)

	kinds := map[string]bool{}
	for len(events) > 0 {
		kinds[(<-events).Kind] = true
	}
	assert.True(t, kinds[bus.KindMessageUpserted])
	assert.True(t, kinds[bus.KindConversationUpserted])
}

func TestListenerKeepsMessageWhenResolveFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ps.SetChannelMetadata(f.groupMeta(t, "grp.7", "7", "Gone", self))
	l := newListener(f, 0)

	err := l.HandleMessage(ctx, pubsub.MessageEvent{
		Channel: "grp.7", Publisher: "+15550002", Timetoken: "600",
		Payload: pubsub.Payload{ID: "m9", Author: "+15550002", Content: "still here"},
	})
	l.Wait()
	assert.ErrorIs(t, err, errs.ErrNotFound)

	m, err := store.Get[*model.Message](ctx, f.store, "m9")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "still here", m.Content)
	assert.Equal(t, model.StatusReceived, m.Status())
	assert.Equal(t, 1, f.ps.ActionCount())

	conv, err := store.Get[*model.Conversation](ctx, f.store, "grp.7")
	require.NoError(t, err)
	assert.Nil(t, conv)
}

func TestListenerIgnoresOwnMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := newListener(f, 0)

	require.NoError(t, l.HandleMessage(ctx, pubsub.MessageEvent{Channel: "dm.9", Publisher: self, Timetoken: "1", Payload: pubsub.Payload{ID: "m1"}}))
	m, err := store.Get[*model.Message](ctx, f.store, "m1")
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.Equal(t, 0, f.ps.ActionCount())
}

func TestListenerRetriesReceipt(t *testing.T) {
	f := newFixture(t)
	saveDirect(t, f, "dm.1")
	f.ps.ActionFailures = 2
	l := newListener(f, 3)

	require.NoError(t, l.HandleMessage(context.Background(), pubsub.MessageEvent{Channel: "dm.1", Publisher: "+15550002", Timetoken: "7", Payload: pubsub.Payload{ID: "m7"}}))
	l.Wait()

	m, err := store.Get[*model.Message](context.Background(), f.store, "m7")
	require.NoError(t, err)
	assert.Equal(t, model.StatusReceived, m.Status())
}

func TestListenerReportsReceiptFailure(t *testing.T) {
	f := newFixture(t)
	saveDirect(t, f, "dm.1")
	f.ps.ActionFailures = 10
	l := newListener(f, 1)

	var mu sync.Mutex
	var failed []string
	l.OnReceiptError = func(err error, msg *model.Message) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, msg.ID)
	}

	require.NoError(t, l.HandleMessage(context.Background(), pubsub.MessageEvent{Channel: "dm.1", Publisher: "+15550002", Timetoken: "7", Payload: pubsub.Payload{ID: "m7"}}))
	l.Wait()

	assert.Equal(t, []string{"m7"}, failed)
	m, err := store.Get[*model.Message](context.Background(), f.store, "m7")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, m.Status(), "the message is kept even when the receipt fails")
}

func TestListenerReadReceiptNeverReverts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Create(ctx, &model.Message{ID: "m1", Channel: "dm.1", Author: self, Timetoken: "10"}, store.ModeAll))
	l := newListener(f, 0)

	read := pubsub.ActionEvent{Channel: "dm.1", Publisher: "+15550002", Event: "added", MessageTimetoken: "10",
		Action: pubsub.Action{Type: pubsub.ActionReceipt, Value: pubsub.ValueRead, ActionTimetoken: "30"}}
	require.NoError(t, l.HandleAction(ctx, read))

	late := read
	late.Action = pubsub.Action{Type: pubsub.ActionReceipt, Value: pubsub.ValueDelivered, ActionTimetoken: "20"}
	require.NoError(t, l.HandleAction(ctx, late))

	m, err := store.Get[*model.Message](ctx, f.store, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRead, m.Status())
	assert.Equal(t, "30", m.ReadTimetoken)

	// Our own receipts echoed back are ignored.
	own := read
	own.Publisher = self
	own.Action.ActionTimetoken = "99"
	require.NoError(t, l.HandleAction(ctx, own))
	m, err = store.Get[*model.Message](ctx, f.store, "m1")
	require.NoError(t, err)
	assert.Equal(t, "30", m.ReadTimetoken)
}

func TestListenerForwardsTyping(t *testing.T) {
	f := newFixture(t)
	events, unsub := f.bus.Subscribe("chat.typing", 4)
	defer unsub()
	l := newListener(f, 0)

	l.HandleSignal(pubsub.SignalEvent{Channel: "dm.1", Publisher: "+15550002", Payload: map[string]any{"typing": true}})
	l.HandleSignal(pubsub.SignalEvent{Channel: "dm.1", Publisher: self, Payload: map[string]any{"typing": true}})

	require.Len(t, events, 1)
	assert.Equal(t, Typing{Channel: "dm.1", Mobile: "+15550002", Typing: true}, (<-events).Payload)

	require.NoError(t, l.SendTyping(context.Background(), "dm.1", true))
	assert.Equal(t, []string{"dm.1"}, f.ps.Signals)
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, m := range []*model.Message{
		{ID: "a", Channel: "dm.1", Author: "+15550002", Timetoken: "1"},
		{ID: "b", Channel: "dm.1", Author: self, Timetoken: "2"},
		{ID: "c", Channel: "dm.1", Author: "+15550002", Timetoken: "3", ReadTimetoken: "4"},
		{ID: "d", Channel: "dm.1", Author: "+15550002", Timetoken: "5"},
	} {
		require.NoError(t, f.store.Create(ctx, m, store.ModeAll))
	}

	n, err := newListener(f, 0).MarkRead(ctx, "dm.1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{"a", "d"} {
		m, err := store.Get[*model.Message](ctx, f.store, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusRead, m.Status(), id)
	}
}
