package chat

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/matheus3301/posync/internal/bus"
	"github.com/matheus3301/posync/internal/model"
	"github.com/matheus3301/posync/internal/pubsub"
	"github.com/matheus3301/posync/internal/store"
)

// PageSize is the number of history entries requested per page.
const PageSize = 25

// Restorer walks each channel's history backwards and upserts every message
// into the store.
type Restorer struct {
	store    store.Store
	ps       pubsub.Client
	bus      *bus.Bus
	logger   *zap.Logger
	pageSize int
}

// NewRestorer creates a restorer. b may be nil.
func NewRestorer(s store.Store, ps pubsub.Client, b *bus.Bus, logger *zap.Logger) *Restorer {
	return &Restorer{store: s, ps: ps, bus: b, logger: logger.Named("restore"), pageSize: PageSize}
}

// RestoreResult summarizes a restoration run.
type RestoreResult struct {
	Channels int `json:"channels"`
	Pages    int `json:"pages"`
	Messages int `json:"messages"`
	Written  int `json:"written"`
}

func (r *RestoreResult) add(o RestoreResult) {
	r.Channels += o.Channels
	r.Pages += o.Pages
	r.Messages += o.Messages
	r.Written += o.Written
}

// RestoreAll restores every stored conversation's channel. The first error
// aborts the run.
func (r *Restorer) RestoreAll(ctx context.Context) (RestoreResult, error) {
	var total RestoreResult
	channels, err := Channels(ctx, r.store)
	if err != nil {
		return total, err
	}
	for _, ch := range channels {
		res, err := r.RestoreChannel(ctx, ch)
		total.add(res)
		if err != nil {
			return total, err
		}
	}
	r.logger.Info("history restored",
		zap.Int("channels", total.Channels),
		zap.Int("pages", total.Pages),
		zap.Int("written", total.Written),
	)
	if r.bus != nil {
		r.bus.Emit(bus.KindRestoreCompleted, total)
	}
	return total, nil
}

// RestoreChannel pages through channel's history from newest to oldest until
// the provider returns a short page. Entries that are not chat messages
// still count towards the page size. Each page is written in one
// transaction.
func (r *Restorer) RestoreChannel(ctx context.Context, channel string) (RestoreResult, error) {
	res := RestoreResult{Channels: 1}
	var newest *model.Message
	start := ""

	for {
		fetched, err := r.ps.FetchMessages(ctx, pubsub.FetchOptions{
			Channel:        channel,
			Start:          start,
			Count:          r.pageSize,
			IncludeActions: true,
		})
		if err != nil {
			return res, fmt.Errorf("fetch %s history: %w", channel, err)
		}
		page := fetched.Messages
		res.Pages++
		res.Messages += len(page)
		last := fetched.Fetched < r.pageSize || fetched.Oldest == ""

		err = r.store.Write(ctx, func(ctx context.Context) error {
			for i, hm := range page {
				hm.Channel = channel
				msg, wrote, err := upsertMessage(ctx, r.store, messageFromHistory(hm))
				if err != nil {
					return err
				}
				if wrote {
					res.Written++
				}
				if newest == nil && i == len(page)-1 {
					newest = msg
				}
			}
			if last && newest != nil {
				_, _, err := touchLastMessage(ctx, r.store, channel, newest)
				return err
			}
			return nil
		})
		if err != nil {
			return res, err
		}
		if last {
			return res, nil
		}
		start = fetched.Oldest
	}
}
