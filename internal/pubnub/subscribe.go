package pubnub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/matheus3301/posync/internal/errs"
	"github.com/matheus3301/posync/internal/pubsub"
)

// Envelope types in a subscribe response.
const (
	typeMessage = 0
	typeSignal  = 1
	typeAction  = 3
)

type envelope struct {
	Channel   string          `json:"c"`
	Data      json.RawMessage `json:"d"`
	Publisher string          `json:"i"`
	Type      *int            `json:"e"`
	Published cursor          `json:"p"`
}

type subscribeResponse struct {
	Cursor   cursor     `json:"t"`
	Messages []envelope `json:"m"`
}

// Subscribe adds channels and channel groups and (re)starts the long-poll
// loop. The loop outlives ctx; stop it with UnsubscribeAll.
func (c *Client) Subscribe(ctx context.Context, channels, groups []string) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	for _, ch := range channels {
		c.channels[ch] = struct{}{}
	}
	for _, g := range groups {
		c.groups[g] = struct{}{}
	}
	c.mu.Unlock()

	c.stop()
	c.start(context.WithoutCancel(ctx))
	return nil
}

// UnsubscribeAll drops every subscription and stops the loop.
func (c *Client) UnsubscribeAll(context.Context) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.stop()
	c.mu.Lock()
	c.channels = make(map[string]struct{})
	c.groups = make(map[string]struct{})
	c.mu.Unlock()
	return nil
}

func (c *Client) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *Client) start(parent context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.channels) == 0 && len(c.groups) == 0 {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	c.cancel, c.done = cancel, make(chan struct{})
	go c.loop(ctx, c.done)
}

func (c *Client) subscription() (channels, groups []string, cur cursor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	for g := range c.groups {
		groups = append(groups, g)
	}
	slices.Sort(channels)
	slices.Sort(groups)
	return channels, groups, c.cursor
}

func newBackoff() retry.Backoff {
	return retry.WithCappedDuration(30*time.Second, retry.NewExponential(time.Second))
}

func (c *Client) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	backoff := newBackoff()
	connected, lost := false, false
	for {
		channels, groups, cur := c.subscription()
		resp, err := c.poll(ctx, channels, groups, cur)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, errs.ErrUnauthorized) {
				c.EmitStatus(pubsub.StatusEvent{Category: pubsub.AccessDenied, Channels: channels, Err: err})
				return
			}
			if !lost {
				lost = true
				c.EmitStatus(pubsub.StatusEvent{Category: pubsub.Disconnected, Channels: channels, Err: err})
			}
			delay, _ := backoff.Next()
			c.logger.Debug("subscribe failed, backing off", zap.Duration("delay", delay), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		switch {
		case lost:
			lost = false
			backoff = newBackoff()
			c.EmitStatus(pubsub.StatusEvent{Category: pubsub.Reconnected, Channels: channels})
		case !connected:
			connected = true
			c.EmitStatus(pubsub.StatusEvent{Category: pubsub.Connected, Channels: channels})
		}

		c.mu.Lock()
		c.cursor = resp.Cursor
		c.mu.Unlock()
		for _, env := range resp.Messages {
			c.dispatch(env)
		}
	}
}

func (c *Client) poll(ctx context.Context, channels, groups []string, cur cursor) (*subscribeResponse, error) {
	chans := ","
	if len(channels) > 0 {
		escaped := make([]string, len(channels))
		for i, ch := range channels {
			escaped[i] = url.PathEscape(ch)
		}
		chans = strings.Join(escaped, ",")
	}
	path := fmt.Sprintf("/v2/subscribe/%s/%s/0", c.cfg.SubscribeKey, chans)

	q := url.Values{}
	tt := string(cur.Timetoken)
	if tt == "" {
		tt = "0"
	}
	q.Set("tt", tt)
	if cur.Region != 0 {
		q.Set("tr", strconv.Itoa(cur.Region))
	}
	if len(groups) > 0 {
		q.Set("channel-group", strings.Join(groups, ","))
	}

	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()
	var out subscribeResponse
	if err := c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) dispatch(env envelope) {
	typ := typeMessage
	if env.Type != nil {
		typ = *env.Type
	}
	tt := string(env.Published.Timetoken)

	switch typ {
	case typeMessage:
		var p pubsub.Payload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.logger.Debug("dropping non-chat message", zap.String("channel", env.Channel), zap.Error(err))
			return
		}
		c.EmitMessage(pubsub.MessageEvent{Channel: env.Channel, Publisher: env.Publisher, Timetoken: tt, Payload: p})
	case typeSignal:
		var p map[string]any
		_ = json.Unmarshal(env.Data, &p)
		c.EmitSignal(pubsub.SignalEvent{Channel: env.Channel, Publisher: env.Publisher, Timetoken: tt, Payload: p})
	case typeAction:
		var a struct {
			Event string `json:"event"`
			Data  struct {
				Type             string    `json:"type"`
				Value            string    `json:"value"`
				MessageTimetoken Timetoken `json:"messageTimetoken"`
				ActionTimetoken  Timetoken `json:"actionTimetoken"`
			} `json:"data"`
		}
		if err := json.Unmarshal(env.Data, &a); err != nil {
			c.logger.Debug("dropping malformed action", zap.String("channel", env.Channel), zap.Error(err))
			return
		}
		c.EmitAction(pubsub.ActionEvent{
			Channel:          env.Channel,
			Publisher:        env.Publisher,
			Event:            a.Event,
			MessageTimetoken: string(a.Data.MessageTimetoken),
			Action: pubsub.Action{
				Type:            a.Data.Type,
				Value:           a.Data.Value,
				UUID:            env.Publisher,
				ActionTimetoken: string(a.Data.ActionTimetoken),
			},
		})
	}
}
