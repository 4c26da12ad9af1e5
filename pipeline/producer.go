package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DorsetProject/dorset-mailbot/mailbox"
	"github.com/DorsetProject/dorset-mailbot/model"
	"github.com/DorsetProject/dorset-mailbot/queue"
	"github.com/DorsetProject/dorset-mailbot/stats"
)

const DefaultPollInterval = 2 * time.Second

type ProducerOptions struct {
	PollInterval time.Duration

	// Drain makes Run return once the Inbox holds no unclaimed message,
	// instead of polling forever. Used for one-shot runs over an archive.
	Drain bool
}

// Producer polls the Inbox, claims one message at a time and hands it to
// the queue. Only one Producer may run against a mailbox.
type Producer struct {
	opts    ProducerOptions
	gateway mailbox.Gateway
	queue   *queue.Queue
	events  EventSink
	logger  *slog.Logger
}

func NewProducer(opts ProducerOptions, gw mailbox.Gateway, q *queue.Queue, events EventSink, logger *slog.Logger) (*Producer, error) {
	if gw == nil {
		return nil, fmt.Errorf("gateway must not be nil")
	}
	if q == nil {
		return nil, fmt.Errorf("queue must not be nil")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Producer{
		opts:    opts,
		gateway: gw,
		queue:   q,
		events:  sinkOrDiscard(events),
		logger:  logger,
	}, nil
}

// Run scans until ctx ends, a mailbox fault occurs or, in drain mode, the
// Inbox has nothing left to claim. The queue is closed on return so
// consumers can finish what is already queued.
func (p *Producer) Run(ctx context.Context) error {
	defer p.queue.Close()

	n, err := p.gateway.Count(ctx, model.Inbox)
	if err != nil {
		p.events.EmitEvent(stats.Event{Stage: stats.StageProducer, Type: stats.EventTypeError, Err: err})
		return fmt.Errorf("count inbox: %w", err)
	}
	if p.logger != nil {
		p.logger.Info("watching mailbox", "folder", model.Inbox.Name(), "messages", n, "pollInterval", p.opts.PollInterval)
	}

	for {
		claimed, err := p.scan(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				p.events.EmitEvent(stats.Event{Stage: stats.StageProducer, Type: stats.EventTypeError, Err: err})
			}
			return err
		}
		if claimed {
			continue
		}
		if p.opts.Drain {
			if p.logger != nil {
				p.logger.Debug("inbox drained")
			}
			return nil
		}
		if err := idle(ctx, p.opts.PollInterval); err != nil {
			return err
		}
	}
}

// scan performs one Scanning step. It reports whether a message was
// claimed and queued.
func (p *Producer) scan(ctx context.Context) (bool, error) {
	n, err := p.gateway.Count(ctx, model.Inbox)
	if err != nil {
		return false, fmt.Errorf("count inbox: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	h, err := p.gateway.ClaimNext(ctx, model.Inbox)
	if errors.Is(err, mailbox.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim next: %w", err)
	}
	p.events.EmitEvent(stats.Event{Stage: stats.StageProducer, Type: stats.EventTypeClaimed, UID: h.UID, MessageID: h.MessageID})

	if err := p.enqueue(ctx, h); err != nil {
		p.release(ctx, h, err)
		return false, err
	}

	p.events.EmitEvent(stats.Event{Stage: stats.StageProducer, Type: stats.EventTypeEnqueued, UID: h.UID, MessageID: h.MessageID})
	if p.logger != nil {
		p.logger.Debug("message queued", "handle", h.Key(), "subject", h.Subject, "queued", p.queue.Len())
	}
	return true, nil
}

// enqueue never drops a claimed handle: a full queue is reported and then
// waited out.
func (p *Producer) enqueue(ctx context.Context, h model.Handle) error {
	err := p.queue.TryEnqueue(h)
	if !errors.Is(err, queue.ErrQueueFull) {
		return err
	}

	p.events.EmitEvent(stats.Event{Stage: stats.StageProducer, Type: stats.EventTypeBackpressure, UID: h.UID})
	if p.logger != nil {
		p.logger.Debug("queue full, waiting", "handle", h.Key(), "capacity", p.queue.Cap())
	}
	return p.queue.Enqueue(ctx, h)
}

// release hands back a claim that never reached the queue, so the message
// is scanned again on the next run instead of staying marked forever.
func (p *Producer) release(ctx context.Context, h model.Handle, cause error) {
	err := p.gateway.Release(context.WithoutCancel(ctx), h)
	if err != nil {
		if p.logger != nil {
			p.logger.Error("claimed message stranded in inbox", "handle", h.Key(), "cause", cause, "err", err)
		}
		return
	}
	p.events.EmitEvent(stats.Event{Stage: stats.StageProducer, Type: stats.EventTypeReleased, UID: h.UID, MessageID: h.MessageID})
	if p.logger != nil {
		p.logger.Info("claim released", "handle", h.Key(), "cause", cause)
	}
}

func idle(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
