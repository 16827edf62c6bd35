package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-queue/internal/metrics"
)

// ErrDistributionFailed wraps sink failures in logs. It is never returned to
// the code that raised the event.
var ErrDistributionFailed = errors.New("event distribution failed")

// Sink is the push transport boundary: it attempts delivery of ev to every
// connection in rooms. Errors are only logged.
type Sink interface {
	Send(ctx context.Context, rooms []string, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rooms []string, ev Event) error

func (f SinkFunc) Send(ctx context.Context, rooms []string, ev Event) error {
	return f(ctx, rooms, ev)
}

// Publisher is what the scheduling and queue components depend on.
type Publisher interface {
	Distribute(ev Event)
}

type discard struct{}

func (discard) Distribute(Event) {}

// Discard drops every event.
var Discard Publisher = discard{}

// Options tune the distributor.
type Options struct {
	Buffer  int           // events held while the sink is slow
	Timeout time.Duration // per-delivery bound
}

// Distributor hands events to a Sink on a background goroutine. Distribute
// never blocks: when the buffer is full the event is dropped and logged.
type Distributor struct {
	sink    Sink
	log     zerolog.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	queue     chan Event
	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool

	// closing guards stopped so nothing is queued after the final drain
	closing sync.RWMutex
	stopped bool
}

func NewDistributor(sink Sink, opts Options, log zerolog.Logger, m *metrics.Metrics) *Distributor {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	return &Distributor{
		sink:    sink,
		log:     log.With().Str("component", "distributor").Logger(),
		metrics: m,
		timeout: opts.Timeout,
		queue:   make(chan Event, opts.Buffer),
	}
}

// Start launches the delivery loop. Events distributed before Start wait in
// the buffer.
func (d *Distributor) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		d.runCtx, d.cancel = context.WithCancel(ctx)
		d.started.Store(true)
		d.wg.Add(1)
		go d.run()
		d.log.Info().Msg("distributor started")
	})
}

// Stop ends the loop after delivering what is already buffered, or when ctx
// expires, whichever comes first.
func (d *Distributor) Stop(ctx context.Context) error {
	if !d.started.Load() {
		return nil
	}
	var stopErr error
	d.stopOnce.Do(func() {
		d.cancel()
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			stopErr = ctx.Err()
		}
		d.log.Info().Msg("distributor stopped")
	})
	return stopErr
}

// Distribute queues ev for delivery and returns immediately. Once the loop
// has stopped, events are dropped, logged and counted.
func (d *Distributor) Distribute(ev Event) {
	d.closing.RLock()
	defer d.closing.RUnlock()

	if d.stopped {
		d.metrics.IncDistributed(string(ev.Type), "dropped")
		d.log.Warn().
			Str("event_id", ev.ID.String()).
			Str("type", string(ev.Type)).
			Msg("distributor stopped, event dropped")
		return
	}

	select {
	case d.queue <- ev:
		d.metrics.SetEventQueueDepth(len(d.queue))
	default:
		d.metrics.IncDistributed(string(ev.Type), "dropped")
		d.log.Warn().
			Str("event_id", ev.ID.String()).
			Str("type", string(ev.Type)).
			Msg("distribution buffer full, event dropped")
	}
}

func (d *Distributor) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.runCtx.Done():
			d.closing.Lock()
			d.stopped = true
			d.closing.Unlock()
			d.drain()
			return
		case ev := <-d.queue:
			d.metrics.SetEventQueueDepth(len(d.queue))
			d.deliver(context.Background(), ev)
		}
	}
}

func (d *Distributor) drain() {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(context.Background(), ev)
		default:
			d.metrics.SetEventQueueDepth(0)
			return
		}
	}
}

func (d *Distributor) deliver(parent context.Context, ev Event) {
	rooms := RoomsFor(ev)

	ctx, cancel := context.WithTimeout(parent, d.timeout)
	defer cancel()

	err := d.send(ctx, rooms, ev)
	if err != nil {
		d.metrics.IncDistributed(string(ev.Type), "fail")
		d.log.Error().
			Err(fmt.Errorf("%w: %w", ErrDistributionFailed, err)).
			Str("event_id", ev.ID.String()).
			Str("type", string(ev.Type)).
			Strs("rooms", rooms).
			Msg("event not delivered")
		return
	}

	d.metrics.IncDistributed(string(ev.Type), "ok")
	d.log.Debug().
		Str("event_id", ev.ID.String()).
		Str("type", string(ev.Type)).
		Strs("rooms", rooms).
		Msg("event delivered")
}

// send shields the loop from a panicking sink.
func (d *Distributor) send(ctx context.Context, rooms []string, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return d.sink.Send(ctx, rooms, ev)
}

// LogSink records events instead of pushing them, for processes without live
// connections or a broker.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Send(_ context.Context, rooms []string, ev Event) error {
	s.Log.Info().
		Str("event_id", ev.ID.String()).
		Str("type", string(ev.Type)).
		Str("entity_id", ev.EntityID).
		Strs("rooms", rooms).
		Msg("event")
	return nil
}
