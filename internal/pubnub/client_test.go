package pubnub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matheus3301/posync/internal/errs"
	"github.com/matheus3301/posync/internal/pubsub"
)

func testClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{Origin: srv.URL, PublishKey: "pub", SubscribeKey: "sub", UUID: "+1"}, zap.NewNop())
}

func TestPublishReturnsTimetoken(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/publish/pub/sub/0/chan.a/0", r.URL.Path)
		assert.Equal(t, "+1", r.URL.Query().Get("uuid"))
		var p pubsub.Payload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, "hello", p.Content)
		_, _ = w.Write([]byte(`[1,"Sent","17000000000000001"]`))
	})

	tt, err := c.Publish(context.Background(), "chan.a", pubsub.Payload{ID: "m1", Content: "hello"})
	require.NoError(t, err)
	require.Equal(t, "17000000000000001", tt)
}

func TestPublishRejected(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[0,"Invalid Key","0"]`))
	})
	_, err := c.Publish(context.Background(), "c", map[string]string{})
	require.Error(t, err)
}

func TestFetchMessagesWithActions(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/history-with-actions/sub-key/sub/channel/c", r.URL.Path)
		assert.Equal(t, "25", r.URL.Query().Get("max"))
		assert.Equal(t, "17000000000000009", r.URL.Query().Get("start"))
		_, _ = w.Write([]byte(`{"status":200,"error":false,"channels":{"c":[
			{"message":{"id":"m1","author":"+2","content":"a","created_at":"2026-01-01T00:00:00Z"},"timetoken":"17000000000000001","uuid":"+2",
			 "actions":{"receipt":{"message_read":[{"uuid":"+1","actionTimetoken":17000000000000005}],"message_delivered":[{"uuid":"+1","actionTimetoken":"17000000000000003"}]}}},
			{"message":"plain text from another app","timetoken":"17000000000000002","uuid":"+3"},
			{"message":{"id":"m2","author":"+1","content":"b","created_at":"2026-01-01T00:00:01Z"},"timetoken":17000000000000004,"uuid":"+1"}
		]}}`))
	})

	page, err := c.FetchMessages(context.Background(), pubsub.FetchOptions{Channel: "c", Start: "17000000000000009", Count: 25, IncludeActions: true})
	require.NoError(t, err)
	require.Equal(t, 3, page.Fetched, "non-chat entries still count")
	require.Equal(t, "17000000000000001", page.Oldest)
	msgs := page.Messages
	require.Len(t, msgs, 2, "non-chat entries are skipped")

	require.Equal(t, "m1", msgs[0].Payload.ID)
	require.Len(t, msgs[0].Actions, 2)
	read, ok := msgs[0].HasAction(pubsub.ActionReceipt, pubsub.ValueRead)
	require.True(t, ok)
	require.Equal(t, "17000000000000005", read.ActionTimetoken, "numeric timetokens keep every digit")

	require.Equal(t, "17000000000000004", msgs[1].Timetoken)
	require.Empty(t, msgs[1].Actions)
}

func TestAddMessageAction(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/message-actions/sub/channel/c/message/17", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":200,"data":{"type":"receipt","value":"message_delivered","uuid":"+1","actionTimetoken":"18","messageTimetoken":"17"}}`))
	})

	a, err := c.AddMessageAction(context.Background(), "c", "17", pubsub.Action{Type: pubsub.ActionReceipt, Value: pubsub.ValueDelivered})
	require.NoError(t, err)
	require.Equal(t, "18", a.ActionTimetoken)
	require.Equal(t, pubsub.ValueDelivered, a.Value)
}

func TestGetMembershipsPages(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/objects/sub/uuids/+1/channels", r.URL.Path)
		if calls.Add(1) == 1 {
			assert.Empty(t, r.URL.Query().Get("start"))
			_, _ = w.Write([]byte(`{"status":200,"data":[{"channel":{"id":"a","custom":{"type":"group","group_id":"7"}}}],"next":"cur1"}`))
			return
		}
		assert.Equal(t, "cur1", r.URL.Query().Get("start"))
		_, _ = w.Write([]byte(`{"status":200,"data":[{"channel":{"id":"b"}}]}`))
	})

	metas, err := c.GetMemberships(context.Background())
	require.NoError(t, err)
	require.Len(t, metas, 2)
	require.Equal(t, "group", metas[0].Custom["type"])
	require.Equal(t, "b", metas[1].ID)
}

func TestGetChannelMetadataNotFound(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, err := c.GetChannelMetadata(context.Background(), "x")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSubscribeLoopDeliversEvents(t *testing.T) {
	var polls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/v2/subscribe/sub/"))
		switch polls.Add(1) {
		case 1:
			assert.Equal(t, "0", r.URL.Query().Get("tt"))
			_, _ = w.Write([]byte(`{"t":{"t":"100","r":4},"m":[]}`))
		case 2:
			assert.Equal(t, "100", r.URL.Query().Get("tt"))
			assert.Equal(t, "4", r.URL.Query().Get("tr"))
			_, _ = w.Write([]byte(`{"t":{"t":"200","r":4},"m":[
				{"c":"c","i":"+2","p":{"t":"150","r":4},"d":{"id":"m1","author":"+2","content":"hi"}},
				{"c":"c","i":"+2","e":1,"p":{"t":"160","r":4},"d":{"typing":true}},
				{"c":"c","i":"+2","e":3,"p":{"t":"170","r":4},"d":{"event":"added","data":{"type":"receipt","value":"message_read","messageTimetoken":"90","actionTimetoken":"170"}}}
			]}`))
		default:
			<-r.Context().Done()
		}
	})

	var (
		statuses = make(chan pubsub.Category, 4)
		messages = make(chan pubsub.MessageEvent, 1)
		signals  = make(chan pubsub.SignalEvent, 1)
		actions  = make(chan pubsub.ActionEvent, 1)
	)
	c.AddListener(&pubsub.Listener{
		Message: func(e pubsub.MessageEvent) { messages <- e },
		Signal:  func(e pubsub.SignalEvent) { signals <- e },
		Action:  func(e pubsub.ActionEvent) { actions <- e },
		Status:  func(e pubsub.StatusEvent) { statuses <- e.Category },
	})

	require.NoError(t, c.Subscribe(context.Background(), []string{"c"}, nil))
	defer func() { _ = c.UnsubscribeAll(context.Background()) }()

	timeout := time.After(5 * time.Second)
	select {
	case cat := <-statuses:
		require.Equal(t, pubsub.Connected, cat)
	case <-timeout:
		t.Fatal("no status")
	}
	select {
	case m := <-messages:
		require.Equal(t, "150", m.Timetoken)
		require.Equal(t, "hi", m.Payload.Content)
	case <-timeout:
		t.Fatal("no message")
	}
	select {
	case s := <-signals:
		require.Equal(t, true, s.Payload["typing"])
	case <-timeout:
		t.Fatal("no signal")
	}
	select {
	case a := <-actions:
		require.Equal(t, "90", a.MessageTimetoken)
		require.Equal(t, pubsub.ValueRead, a.Action.Value)
		require.Equal(t, "+2", a.Action.UUID)
	case <-timeout:
		t.Fatal("no action")
	}
}

func TestSubscribeForbiddenStopsLoop(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	statuses := make(chan pubsub.StatusEvent, 1)
	c.AddListener(&pubsub.Listener{Status: func(e pubsub.StatusEvent) { statuses <- e }})

	require.NoError(t, c.Subscribe(context.Background(), []string{"c"}, nil))
	select {
	case e := <-statuses:
		require.Equal(t, pubsub.AccessDenied, e.Category)
		require.ErrorIs(t, e.Err, errs.ErrUnauthorized)
	case <-time.After(5 * time.Second):
		t.Fatal("no status")
	}
	require.NoError(t, c.UnsubscribeAll(context.Background()))
}
