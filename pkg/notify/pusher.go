package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/mahaj/campus-realtime/pkg/model"
	"github.com/mahaj/campus-realtime/pkg/presence"
)

// LivePusher pushes notification-new to the recipient's channels on this instance.
type LivePusher struct {
	audience presence.Audience
	log      *zap.SugaredLogger
}

func NewLivePusher(audience presence.Audience, log *zap.SugaredLogger) *LivePusher {
	return &LivePusher{audience: audience, log: log}
}

func (p *LivePusher) Push(_ context.Context, n model.Notification) {
	if !p.audience.Online(n.RecipientID) {
		return
	}
	frame, err := model.Encode(model.EventNotificationNew, n)
	if err != nil {
		p.log.Errorw("encode notification", "id", n.ID, "error", err)
		return
	}
	p.audience.ToUsers(frame, n.RecipientID)
}

// Discard drops pushes. Used where no channels live in the process.
type Discard struct{}

func (Discard) Push(context.Context, model.Notification) {}
