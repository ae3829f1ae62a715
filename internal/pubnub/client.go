// Package pubnub implements pubsub.Client against the PubNub REST API.
package pubnub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/posync/internal/errs"
	"github.com/matheus3301/posync/internal/pubsub"
)

const (
	requestTimeout = 15 * time.Second
	pollTimeout    = 320 * time.Second
	membersLimit   = 100
)

// Config locates the keyset and identity.
type Config struct {
	Origin       string
	PublishKey   string
	SubscribeKey string
	UUID         string
	AuthKey      string
}

// Client is a pubsub.Client speaking the PubNub REST protocol.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
	pubsub.Listeners

	subMu    sync.Mutex // serializes subscription changes
	mu       sync.Mutex
	channels map[string]struct{}
	groups   map[string]struct{}
	cursor   cursor
	cancel   context.CancelFunc
	done     chan struct{}
}

var _ pubsub.Client = (*Client)(nil)

// New returns a client. The subscribe loop starts on the first Subscribe.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Origin == "" {
		cfg.Origin = "https://ps.pndsn.com"
	}
	cfg.Origin = strings.TrimRight(cfg.Origin, "/")
	return &Client{
		cfg:      cfg,
		http:     &http.Client{},
		logger:   logger.Named("pubnub"),
		channels: make(map[string]struct{}),
		groups:   make(map[string]struct{}),
	}
}

func (c *Client) UUID() string { return c.cfg.UUID }

func (c *Client) AddListener(l *pubsub.Listener)    { c.Listeners.Add(l) }
func (c *Client) RemoveListener(l *pubsub.Listener) { c.Listeners.Remove(l) }

func (c *Client) query(extra url.Values) url.Values {
	q := url.Values{}
	q.Set("uuid", c.cfg.UUID)
	if c.cfg.AuthKey != "" {
		q.Set("auth", c.cfg.AuthKey)
	}
	for k, v := range extra {
		q[k] = v
	}
	return q
}

// do performs one request and decodes a 2xx JSON body into out.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.Origin+path+"?"+c.query(q).Encode(), rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w", path, errs.ErrUnauthorized)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", path, errs.ErrNotFound)
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, q url.Values, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return c.do(ctx, method, path, q, body, out)
}

func (c *Client) Publish(ctx context.Context, channel string, msg any) (string, error) {
	path := fmt.Sprintf("/publish/%s/%s/0/%s/0", c.cfg.PublishKey, c.cfg.SubscribeKey, url.PathEscape(channel))
	var out []json.RawMessage
	if err := c.request(ctx, http.MethodPost, path, nil, msg, &out); err != nil {
		return "", fmt.Errorf("publish to %s: %w", channel, err)
	}
	return sentTimetoken(out)
}

func (c *Client) Signal(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/signal/%s/%s/0/%s/0/%s",
		c.cfg.PublishKey, c.cfg.SubscribeKey, url.PathEscape(channel), url.PathEscape(string(data)))
	var out []json.RawMessage
	if err := c.request(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return fmt.Errorf("signal to %s: %w", channel, err)
	}
	_, err = sentTimetoken(out)
	return err
}

// sentTimetoken reads the [1,"Sent","<tt>"] publish response.
func sentTimetoken(resp []json.RawMessage) (string, error) {
	if len(resp) < 3 {
		return "", fmt.Errorf("unexpected publish response %s", resp)
	}
	var ok int
	var desc string
	var tt Timetoken
	if err := json.Unmarshal(resp[0], &ok); err != nil {
		return "", err
	}
	_ = json.Unmarshal(resp[1], &desc)
	if ok != 1 {
		return "", fmt.Errorf("publish rejected: %s", desc)
	}
	if err := json.Unmarshal(resp[2], &tt); err != nil {
		return "", err
	}
	return string(tt), nil
}

type historyEntry struct {
	Message   json.RawMessage `json:"message"`
	Timetoken Timetoken       `json:"timetoken"`
	UUID      string          `json:"uuid"`
	// type -> value -> actors
	Actions map[string]map[string][]struct {
		UUID            string    `json:"uuid"`
		ActionTimetoken Timetoken `json:"actionTimetoken"`
	} `json:"actions"`
}

type historyResponse struct {
	Status       int                       `json:"status"`
	Error        bool                      `json:"error"`
	ErrorMessage string                    `json:"error_message"`
	Channels     map[string][]historyEntry `json:"channels"`
}

// FetchMessages reads one page from history-with-actions, oldest first.
// Entries whose payload is not a chat message are counted in Fetched but
// not returned.
func (c *Client) FetchMessages(ctx context.Context, opts pubsub.FetchOptions) (pubsub.HistoryPage, error) {
	endpoint := "history"
	if opts.IncludeActions {
		endpoint = "history-with-actions"
	}
	path := fmt.Sprintf("/v3/%s/sub-key/%s/channel/%s", endpoint, c.cfg.SubscribeKey, url.PathEscape(opts.Channel))
	q := url.Values{}
	q.Set("max", fmt.Sprint(opts.Count))
	if opts.Start != "" {
		q.Set("start", opts.Start)
	}

	var out historyResponse
	if err := c.request(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return pubsub.HistoryPage{}, fmt.Errorf("fetch %s: %w", opts.Channel, err)
	}
	if out.Error {
		return pubsub.HistoryPage{}, fmt.Errorf("fetch %s: %s", opts.Channel, out.ErrorMessage)
	}

	entries := out.Channels[opts.Channel]
	page := pubsub.HistoryPage{
		Messages: make([]pubsub.HistoryMessage, 0, len(entries)),
		Fetched:  len(entries),
	}
	if len(entries) > 0 {
		page.Oldest = string(entries[0].Timetoken)
	}
	for _, e := range entries {
		hm := pubsub.HistoryMessage{Channel: opts.Channel, Timetoken: string(e.Timetoken), Publisher: e.UUID}
		if err := json.Unmarshal(e.Message, &hm.Payload); err != nil {
			c.logger.Debug("skipping non-chat history entry",
				zap.String("channel", opts.Channel), zap.String("timetoken", hm.Timetoken))
			continue
		}
		hm.Actions = flattenActions(e)
		page.Messages = append(page.Messages, hm)
	}
	return page, nil
}

func flattenActions(e historyEntry) []pubsub.Action {
	var out []pubsub.Action
	for typ, values := range e.Actions {
		for value, actors := range values {
			for _, a := range actors {
				out = append(out, pubsub.Action{Type: typ, Value: value, UUID: a.UUID, ActionTimetoken: string(a.ActionTimetoken)})
			}
		}
	}
	sortActions(out)
	return out
}

func (c *Client) AddMessageAction(ctx context.Context, channel, messageTimetoken string, action pubsub.Action) (pubsub.Action, error) {
	path := fmt.Sprintf("/v1/message-actions/%s/channel/%s/message/%s",
		c.cfg.SubscribeKey, url.PathEscape(channel), url.PathEscape(messageTimetoken))
	var out struct {
		Status int `json:"status"`
		Data   struct {
			Type            string    `json:"type"`
			Value           string    `json:"value"`
			UUID            string    `json:"uuid"`
			ActionTimetoken Timetoken `json:"actionTimetoken"`
		} `json:"data"`
	}
	body := map[string]string{"type": action.Type, "value": action.Value}
	if err := c.request(ctx, http.MethodPost, path, nil, body, &out); err != nil {
		return pubsub.Action{}, fmt.Errorf("add %s to %s/%s: %w", action.Value, channel, messageTimetoken, err)
	}
	return pubsub.Action{
		Type:            out.Data.Type,
		Value:           out.Data.Value,
		UUID:            out.Data.UUID,
		ActionTimetoken: string(out.Data.ActionTimetoken),
	}, nil
}

// GetMemberships walks every page of this identity's channel memberships.
func (c *Client) GetMemberships(ctx context.Context) ([]pubsub.ChannelMetadata, error) {
	path := fmt.Sprintf("/v2/objects/%s/uuids/%s/channels", c.cfg.SubscribeKey, url.PathEscape(c.cfg.UUID))
	var all []pubsub.ChannelMetadata
	next := ""
	for {
		q := url.Values{}
		q.Set("include", "channel,channel.custom")
		q.Set("limit", fmt.Sprint(membersLimit))
		if next != "" {
			q.Set("start", next)
		}
		var out struct {
			Data []struct {
				Channel pubsub.ChannelMetadata `json:"channel"`
			} `json:"data"`
			Next string `json:"next"`
		}
		if err := c.request(ctx, http.MethodGet, path, q, nil, &out); err != nil {
			return nil, fmt.Errorf("memberships: %w", err)
		}
		for _, d := range out.Data {
			all = append(all, d.Channel)
		}
		if out.Next == "" || len(out.Data) == 0 {
			return all, nil
		}
		next = out.Next
	}
}

func (c *Client) GetChannelMetadata(ctx context.Context, channel string) (pubsub.ChannelMetadata, error) {
	path := fmt.Sprintf("/v2/objects/%s/channels/%s", c.cfg.SubscribeKey, url.PathEscape(channel))
	q := url.Values{}
	q.Set("include", "custom")
	var out struct {
		Data pubsub.ChannelMetadata `json:"data"`
	}
	if err := c.request(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return pubsub.ChannelMetadata{}, fmt.Errorf("channel metadata %s: %w", channel, err)
	}
	return out.Data, nil
}
