package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Stage string

const (
	StageProducer Stage = "producer"
	StageConsumer Stage = "consumer"
)

type EventType string

const (
	EventTypeClaimed         EventType = "claimed"
	EventTypeEnqueued        EventType = "enqueued"
	EventTypeBackpressure    EventType = "backpressure"
	EventTypeAnswered        EventType = "answered"
	EventTypeFallback        EventType = "fallback"
	EventTypeFailed          EventType = "failed"
	EventTypeFiltered        EventType = "filtered"
	EventTypeUndeliverable   EventType = "undeliverable"
	EventTypeReleased        EventType = "released"
	EventTypeReplySuppressed EventType = "reply_suppressed"
	EventTypeAbandoned       EventType = "abandoned"
	EventTypeError           EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	UID       uint32
	MessageID string
	Err       error
	Detail    string
}

type Summary struct {
	Claimed         int
	Enqueued        int
	Backpressure    int
	Answered        int
	Fallback        int
	Failed          int
	Filtered        int
	Undeliverable   int
	Released        int
	ReplySuppressed int
	Abandoned       int
	Errors          int
	LastError       error
}

// Completed counts messages that reached the Complete folder.
func (s Summary) Completed() int {
	return s.Answered + s.Fallback
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"claimed", s.Claimed,
		"enqueued", s.Enqueued,
		"answered", s.Answered,
		"fallback", s.Fallback,
		"failed", s.Failed,
		"filtered", s.Filtered,
		"undeliverable", s.Undeliverable,
		"released", s.Released,
		"replySuppressed", s.ReplySuppressed,
		"abandoned", s.Abandoned,
		"backpressure", s.Backpressure,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeClaimed:
		c.summary.Claimed++
	case EventTypeEnqueued:
		c.summary.Enqueued++
	case EventTypeBackpressure:
		c.summary.Backpressure++
	case EventTypeAnswered:
		c.summary.Answered++
	case EventTypeFallback:
		c.summary.Fallback++
	case EventTypeFailed:
		c.summary.Failed++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeUndeliverable:
		c.summary.Undeliverable++
	case EventTypeReleased:
		c.summary.Released++
	case EventTypeReplySuppressed:
		c.summary.ReplySuppressed++
	case EventTypeAbandoned:
		c.summary.Abandoned++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

// Reporter collects pipeline events, logs a summary every interval while
// running and once more when the event stream closes.
type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	interval  time.Duration
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger, interval time.Duration) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		interval:  interval,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	var tick <-chan time.Time
	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	// Keep counting after cancellation until the stream closes; the runner
	// closes it once every stage has returned.
	done := ctx.Done()
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				r.log("stats summary")
				return nil
			}
			r.collector.Apply(evt)
		case <-tick:
			r.log("stats progress")
		case <-done:
			done = nil
		}
	}
}

func (r *Reporter) log(msg string) {
	if r.logger == nil {
		return
	}
	summary := r.collector.Snapshot()
	r.logger.Info(msg, append(summary.LogAttrs(), "uptime", time.Since(r.started).Round(time.Second))...)
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}
