package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DorsetProject/dorset-mailbot/queue"
	"github.com/DorsetProject/dorset-mailbot/stats"
)

type StageFunc func(context.Context) error

// Runner owns the work queue and the event stream shared by the producer,
// the consumers and the stats subscribers. The first stage error cancels
// every other stage.
type Runner struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	queue  *queue.Queue
	events chan stats.Event

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	// statsDone is closed once the last subscriber has returned, so late
	// events never block a stage.
	subMu         sync.Mutex
	subscribers   int
	statsDone     chan struct{}
	statsDoneOnce sync.Once

	errMu sync.Mutex
	err   error

	closeEventsOnce sync.Once
	since           time.Time
}

func New(parent context.Context, logger *slog.Logger, queueCapacity int) *Runner {
	ctx, cancel := context.WithCancel(parent)
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		queue:     queue.New(queueCapacity),
		events:    make(chan stats.Event, 128),
		statsDone: make(chan struct{}),
		since:     time.Now(),
	}
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) Queue() *queue.Queue {
	return r.queue
}

// EmitEvent hands an event to the stats subscribers. It is safe to call
// after cancellation; the event is dropped only when no subscriber is left.
func (r *Runner) EmitEvent(evt stats.Event) {
	r.subMu.Lock()
	subscribers := r.subscribers
	r.subMu.Unlock()
	if subscribers == 0 {
		return
	}

	select {
	case r.events <- evt:
	case <-r.statsDone:
	}
}

// SubscribeStats registers a consumer of the event stream. Subscribers must
// be registered before the first stage is added.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.subMu.Lock()
	r.subscribers++
	r.subMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		defer r.unsubscribe()
		if err := fn(r.ctx, r.events); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// Start blocks until every stage has returned, then closes the event stream
// and waits for the stats subscribers to flush.
func (r *Runner) Start() error {
	r.workWG.Wait()
	r.queue.Close()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()

	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("pipeline completed", "duration", duration)
	return nil
}

func (r *Runner) unsubscribe() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subscribers--
	if r.subscribers == 0 {
		r.statsDoneOnce.Do(func() { close(r.statsDone) })
	}
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		close(r.events)
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
