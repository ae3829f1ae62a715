// Package pubsubtest provides an in-memory pubsub.Client for tests.
package pubsubtest

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/matheus3301/posync/internal/errs"
	"github.com/matheus3301/posync/internal/pubsub"
)

// Client is an in-memory provider. History is kept per channel in timetoken
// order; timetokens must be decimal integers.
type Client struct {
	pubsub.Listeners

	mu       sync.Mutex
	uuid     string
	next     int64
	history  map[string][]pubsub.HistoryMessage
	foreign  map[string]bool // channel + "/" + timetoken of non-chat entries
	metadata map[string]pubsub.ChannelMetadata

	// Memberships is returned by GetMemberships.
	Memberships []pubsub.ChannelMetadata
	// Subscribed holds the channels of every Subscribe call since the last UnsubscribeAll.
	Subscribed []string
	// Fetches records every FetchMessages call.
	Fetches []pubsub.FetchOptions
	// Actions records every AddMessageAction call that succeeded.
	Actions []AddedAction
	Signals []string

	// PublishErr fails Publish when set.
	PublishErr error
	// ActionFailures fails that many AddMessageAction calls before succeeding.
	ActionFailures int
	// FetchErr fails FetchMessages when set.
	FetchErr error
}

// AddedAction is a recorded AddMessageAction call.
type AddedAction struct {
	Channel          string
	MessageTimetoken string
	Action           pubsub.Action
}

var _ pubsub.Client = (*Client)(nil)

// New returns a fake client publishing as uuid.
func New(uuid string) *Client {
	return &Client{
		uuid:     uuid,
		next:     1000,
		history:  make(map[string][]pubsub.HistoryMessage),
		foreign:  make(map[string]bool),
		metadata: make(map[string]pubsub.ChannelMetadata),
	}
}

func (c *Client) UUID() string { return c.uuid }

func (c *Client) Subscribe(_ context.Context, channels, groups []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Subscribed = append(c.Subscribed, channels...)
	c.Subscribed = append(c.Subscribed, groups...)
	return nil
}

func (c *Client) UnsubscribeAll(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Subscribed = nil
	return nil
}

func (c *Client) Publish(_ context.Context, channel string, msg any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PublishErr != nil {
		return "", c.PublishErr
	}
	c.next++
	tt := strconv.FormatInt(c.next, 10)
	hm := pubsub.HistoryMessage{Channel: channel, Timetoken: tt, Publisher: c.uuid}
	if p, ok := msg.(pubsub.Payload); ok {
		hm.Payload = p
	}
	c.history[channel] = append(c.history[channel], hm)
	return tt, nil
}

func (c *Client) Signal(_ context.Context, channel string, _ any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Signals = append(c.Signals, channel)
	return nil
}

func (c *Client) AddListener(l *pubsub.Listener)    { c.Listeners.Add(l) }
func (c *Client) RemoveListener(l *pubsub.Listener) { c.Listeners.Remove(l) }

// Seed appends history entries. Entries must be in ascending timetoken order.
func (c *Client) Seed(channel string, msgs ...pubsub.HistoryMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range msgs {
		msgs[i].Channel = channel
	}
	c.history[channel] = append(c.history[channel], msgs...)
}

// SeedForeign appends a history entry that is not a chat message. It is
// counted by FetchMessages but never returned. The timetoken must be newer
// than every seeded entry.
func (c *Client) SeedForeign(channel, timetoken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history[channel] = append(c.history[channel], pubsub.HistoryMessage{Channel: channel, Timetoken: timetoken})
	c.foreign[channel+"/"+timetoken] = true
}

// SetChannelMetadata registers metadata returned by GetChannelMetadata.
func (c *Client) SetChannelMetadata(meta pubsub.ChannelMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[meta.ID] = meta
}

func (c *Client) FetchMessages(_ context.Context, opts pubsub.FetchOptions) (pubsub.HistoryPage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Fetches = append(c.Fetches, opts)
	if c.FetchErr != nil {
		return pubsub.HistoryPage{}, c.FetchErr
	}

	var older []pubsub.HistoryMessage
	for _, m := range c.history[opts.Channel] {
		if opts.Start == "" || tt(m.Timetoken) < tt(opts.Start) {
			older = append(older, m)
		}
	}
	if len(older) > opts.Count {
		older = older[len(older)-opts.Count:]
	}
	page := pubsub.HistoryPage{Fetched: len(older), Messages: make([]pubsub.HistoryMessage, 0, len(older))}
	if len(older) > 0 {
		page.Oldest = older[0].Timetoken
	}
	for _, m := range older {
		if c.foreign[opts.Channel+"/"+m.Timetoken] {
			continue
		}
		m.Actions = slices.Clone(m.Actions)
		if !opts.IncludeActions {
			m.Actions = nil
		}
		page.Messages = append(page.Messages, m)
	}
	return page, nil
}

func (c *Client) AddMessageAction(_ context.Context, channel, messageTimetoken string, action pubsub.Action) (pubsub.Action, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ActionFailures > 0 {
		c.ActionFailures--
		return pubsub.Action{}, fmt.Errorf("add action: transient failure")
	}
	c.next++
	action.UUID = c.uuid
	action.ActionTimetoken = strconv.FormatInt(c.next, 10)

	msgs := c.history[channel]
	for i := range msgs {
		if msgs[i].Timetoken == messageTimetoken {
			msgs[i].Actions = append(msgs[i].Actions, action)
		}
	}
	c.Actions = append(c.Actions, AddedAction{Channel: channel, MessageTimetoken: messageTimetoken, Action: action})
	return action, nil
}

func (c *Client) GetMemberships(context.Context) ([]pubsub.ChannelMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.Memberships), nil
}

func (c *Client) GetChannelMetadata(_ context.Context, channel string) (pubsub.ChannelMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	meta, ok := c.metadata[channel]
	if !ok {
		return pubsub.ChannelMetadata{}, fmt.Errorf("channel %s: %w", channel, errs.ErrNotFound)
	}
	return meta, nil
}

// Deliver emits a live message to the listeners.
func (c *Client) Deliver(e pubsub.MessageEvent) { c.EmitMessage(e) }

// DeliverAction emits a live message action to the listeners.
func (c *Client) DeliverAction(e pubsub.ActionEvent) { c.EmitAction(e) }

// DeliverSignal emits a signal to the listeners.
func (c *Client) DeliverSignal(e pubsub.SignalEvent) { c.EmitSignal(e) }

// DeliverStatus emits a status event to the listeners.
func (c *Client) DeliverStatus(e pubsub.StatusEvent) { c.EmitStatus(e) }

// FetchCount returns the number of FetchMessages calls.
func (c *Client) FetchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Fetches)
}

// ActionCount returns the number of recorded actions.
func (c *Client) ActionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Actions)
}

func tt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
