package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/mahaj/campus-realtime/pkg/metrics"
	"github.com/mahaj/campus-realtime/pkg/model"
	"github.com/mahaj/campus-realtime/pkg/store"
)

// Pusher delivers a persisted notification to whatever live channels its recipient has.
type Pusher interface {
	Push(ctx context.Context, n model.Notification)
}

// IDSource issues time-ordered ids. *snowflake.Node satisfies it.
type IDSource interface {
	NextID() string
}

// Deliverer is the writing half of the fan-out, shared by the inline and Kafka paths.
type Deliverer interface {
	Deliver(ctx context.Context, ev Event) ([]model.Notification, error)
}

type FanOut struct {
	notes   store.NotificationStore
	users   store.UserDirectory
	ids     IDSource
	pusher  Pusher
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewFanOut(notes store.NotificationStore, users store.UserDirectory, ids IDSource, pusher Pusher,
	log *zap.SugaredLogger, m *metrics.Metrics) *FanOut {
	return &FanOut{
		notes:   notes,
		users:   users,
		ids:     ids,
		pusher:  pusher,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// Deliver writes one record per recipient and pushes every record that was written.
// A failed write for one recipient is logged and skipped; the rest still land.
func (f *FanOut) Deliver(ctx context.Context, ev Event) ([]model.Notification, error) {
	recipients, err := f.recipients(ctx, ev)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, nil
	}

	var sender *model.Author
	if ev.SenderID != "" {
		author := store.ResolveAuthor(ctx, f.users, ev.SenderID)
		sender = &author
	}

	createdAt := f.now().UTC()
	batch := lo.Map(recipients, func(recipient string, _ int) *model.Notification {
		return &model.Notification{
			ID:              f.ids.NextID(),
			RecipientID:     recipient,
			SenderID:        ev.SenderID,
			Type:            ev.Type,
			RelatedEntityID: ev.RelatedEntityID,
			Message:         ev.Message,
			CreatedAt:       createdAt,
		}
	})

	written := f.write(ctx, batch)
	out := make([]model.Notification, 0, len(written))
	for _, n := range written {
		n.Sender = sender
		f.pusher.Push(ctx, *n)
		out = append(out, *n)
	}
	return out, nil
}

// recipients resolves the event's audience, never including the sender.
func (f *FanOut) recipients(ctx context.Context, ev Event) ([]string, error) {
	ids := ev.Recipients
	if ev.Broadcast {
		known, err := f.users.ListUserIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve broadcast audience: %w", err)
		}
		ids = append(append([]string(nil), ids...), known...)
	}
	return lo.Uniq(lo.Filter(ids, func(id string, _ int) bool {
		return id != "" && id != ev.SenderID
	})), nil
}

func (f *FanOut) write(ctx context.Context, batch []*model.Notification) []*model.Notification {
	err := f.notes.CreateNotifications(ctx, batch)
	if err == nil {
		f.metrics.NotificationsWritten.Add(float64(len(batch)))
		return batch
	}
	f.log.Warnw("batched notification write failed, retrying per record", "count", len(batch), "error", err)

	written := make([]*model.Notification, 0, len(batch))
	for _, n := range batch {
		if err := f.notes.CreateNotification(ctx, n); err != nil {
			f.log.Errorw("notification write failed", "recipient", n.RecipientID, "type", n.Type, "error", err)
			f.metrics.NotificationsFailed.Inc()
			continue
		}
		f.metrics.NotificationsWritten.Inc()
		written = append(written, n)
	}
	return written
}
