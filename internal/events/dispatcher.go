package events

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"content-publisher/internal/models"
	"content-publisher/internal/telemetry"
)

// Sink receives status events. Delivery errors are logged by the dispatcher and never reach the
// queue.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev models.Event) error
}

// Dispatcher decouples the queue from its sinks with a bounded buffer. Emit never blocks: when
// the buffer is full the event is dropped and counted.
type Dispatcher struct {
	ch          chan models.Event
	sinks       []Sink
	log         logrus.FieldLogger
	sinkTimeout time.Duration
	dropped     atomic.Int64
}

func NewDispatcher(log logrus.FieldLogger, buffer int, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{
		ch:          make(chan models.Event, buffer),
		sinks:       sinks,
		log:         log,
		sinkTimeout: 5 * time.Second,
	}
}

// Emit queues ev for delivery.
func (d *Dispatcher) Emit(ev models.Event) {
	select {
	case d.ch <- ev:
	default:
		d.dropped.Add(1)
		telemetry.EventsDropped.Inc()
		d.log.WithFields(logrus.Fields{"event": ev.Name, "job_id": ev.JobID}).Warn("event buffer full, dropping event")
	}
}

// Dropped is the number of events discarded since start.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Run delivers events until ctx is cancelled, then flushes whatever is still buffered.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case ev := <-d.ch:
			d.deliver(ctx, ev)
		case <-ctx.Done():
			d.flush()
			return
		}
	}
}

func (d *Dispatcher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), d.sinkTimeout)
	defer cancel()
	for {
		select {
		case ev := <-d.ch:
			d.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev models.Event) {
	for _, s := range d.sinks {
		sctx, cancel := context.WithTimeout(ctx, d.sinkTimeout)
		err := s.Deliver(sctx, ev)
		cancel()
		if err != nil {
			d.log.WithError(err).WithFields(logrus.Fields{
				"sink":   s.Name(),
				"event":  ev.Name,
				"job_id": ev.JobID,
			}).Warn("event delivery failed")
		}
	}
}
