package presence

import (
	"go.uber.org/zap"

	"github.com/mahaj/campus-realtime/pkg/metrics"
)

// Audience resolves push targets through the registry and delivers frames to them.
type Audience interface {
	ToUsers(frame []byte, userIDs ...string) int
	ToAll(frame []byte) int
	Online(userID string) bool
}

// Broadcaster pushes frames to registry channels. Delivery is best-effort per channel:
// a failing channel is logged and skipped, it never stops delivery to the others.
type Broadcaster struct {
	registry *Registry
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics
}

func NewBroadcaster(registry *Registry, log *zap.SugaredLogger, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{registry: registry, log: log, metrics: m}
}

// ToUsers pushes to every channel owned by any of userIDs and returns how many accepted the frame.
func (b *Broadcaster) ToUsers(frame []byte, userIDs ...string) int {
	return b.deliver(frame, b.registry.ChannelsForUsers(userIDs...))
}

// ToAll pushes to every attached channel.
func (b *Broadcaster) ToAll(frame []byte) int {
	return b.deliver(frame, b.registry.All())
}

func (b *Broadcaster) Online(userID string) bool {
	return b.registry.Online(userID)
}

func (b *Broadcaster) deliver(frame []byte, channels []Channel) int {
	delivered := 0
	for _, ch := range channels {
		if err := ch.Send(frame); err != nil {
			b.log.Debugw("push skipped", "channel", ch.ID(), "error", err)
			b.metrics.Pushes.WithLabelValues("skipped").Inc()
			continue
		}
		delivered++
		b.metrics.Pushes.WithLabelValues("delivered").Inc()
	}
	return delivered
}
