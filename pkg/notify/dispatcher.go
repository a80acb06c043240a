package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mahaj/campus-realtime/pkg/apperr"
	"github.com/mahaj/campus-realtime/pkg/metrics"
)

var ErrClosed = errors.New("notifier closed")

// Notifier accepts events for fan-out. Enqueue must return without waiting for the writes.
type Notifier interface {
	Enqueue(ctx context.Context, ev Event) error
}

// Dispatcher runs the fan-out in process: a bounded queue drained by a fixed set of workers.
type Dispatcher struct {
	deliverer Deliverer
	queue     chan Event
	timeout   time.Duration
	log       *zap.SugaredLogger
	metrics   *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(d Deliverer, workers, queueSize int, timeout time.Duration,
	log *zap.SugaredLogger, m *metrics.Metrics) *Dispatcher {
	dp := &Dispatcher{
		deliverer: d,
		queue:     make(chan Event, queueSize),
		timeout:   timeout,
		log:       log,
		metrics:   m,
	}
	for i := 0; i < workers; i++ {
		dp.wg.Add(1)
		go dp.work()
	}
	return dp
}

// Enqueue never blocks. A full queue drops the event and returns apperr.ErrQueueFull.
func (d *Dispatcher) Enqueue(_ context.Context, ev Event) error {
	if ev.Empty() {
		return nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.queue <- ev:
		return nil
	default:
		d.metrics.NotifyDropped.Inc()
		d.log.Warnw("notification queue full, dropping event", "type", ev.Type, "sender", ev.SenderID)
		return fmt.Errorf("enqueue %s: %w", ev.Type, apperr.ErrQueueFull)
	}
}

// Close stops accepting events and waits until every queued event has been delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for ev := range d.queue {
		d.deliver(ev)
	}
}

func (d *Dispatcher) deliver(ev Event) {
	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	written, err := d.deliverer.Deliver(ctx, ev)
	if err != nil {
		d.log.Errorw("notification fan-out failed", "type", ev.Type, "sender", ev.SenderID, "error", err)
		return
	}
	d.log.Debugw("notification fan-out done", "type", ev.Type, "written", len(written))
}
