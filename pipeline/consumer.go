package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DorsetProject/dorset-mailbot/filter"
	"github.com/DorsetProject/dorset-mailbot/mailbox"
	"github.com/DorsetProject/dorset-mailbot/model"
	"github.com/DorsetProject/dorset-mailbot/queue"
	"github.com/DorsetProject/dorset-mailbot/responder"
	"github.com/DorsetProject/dorset-mailbot/state"
	"github.com/DorsetProject/dorset-mailbot/stats"
)

type ConsumerOptions struct {
	ID            int
	PreferSubject bool

	// Guard, when set, decides which messages may be answered at all.
	Guard *filter.Filter

	// Ledger, when set, suppresses a second reply to a Message-ID.
	Ledger state.Ledger

	Now func() time.Time
}

// Consumer answers and files queued messages one at a time.
type Consumer struct {
	opts      ConsumerOptions
	gateway   mailbox.Gateway
	queue     *queue.Queue
	responder responder.Responder
	events    EventSink
	logger    *slog.Logger
}

func NewConsumer(opts ConsumerOptions, gw mailbox.Gateway, q *queue.Queue, r responder.Responder, events EventSink, logger *slog.Logger) (*Consumer, error) {
	if gw == nil {
		return nil, fmt.Errorf("gateway must not be nil")
	}
	if q == nil {
		return nil, fmt.Errorf("queue must not be nil")
	}
	if r == nil {
		return nil, fmt.Errorf("responder must not be nil")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger != nil {
		logger = logger.With("consumer", opts.ID)
	}
	return &Consumer{
		opts:      opts,
		gateway:   gw,
		queue:     q,
		responder: r,
		events:    sinkOrDiscard(events),
		logger:    logger,
	}, nil
}

// Run dequeues until the queue is closed and drained or ctx ends. A message
// that hits a mailbox fault is abandoned in the Inbox and the loop goes on;
// an open circuit means the mailbox is gone and is returned.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		h, err := c.queue.Dequeue(ctx)
		if errors.Is(err, queue.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}

		// In-flight work finishes even when shutdown has begun.
		err = c.Process(context.WithoutCancel(ctx), h)
		if err == nil {
			continue
		}
		if errors.Is(err, mailbox.ErrCircuitOpen) || !mailbox.IsFault(err) {
			c.events.EmitEvent(stats.Event{Stage: stats.StageConsumer, Type: stats.EventTypeError, UID: h.UID, MessageID: h.MessageID, Err: err})
			return err
		}

		c.events.EmitEvent(stats.Event{Stage: stats.StageConsumer, Type: stats.EventTypeAbandoned, UID: h.UID, MessageID: h.MessageID, Err: err})
		if c.logger != nil {
			c.logger.Warn("message abandoned in inbox", "handle", h.Key(), "err", err)
		}
	}
}

// Process takes one claimed message to a terminal folder. The reply is
// sent before the message is filed, and filed before it is removed.
func (c *Consumer) Process(ctx context.Context, h model.Handle) error {
	h.State = model.InFlight

	body, err := c.gateway.ReadBody(ctx, h)
	if errors.Is(err, mailbox.ErrBodyExtraction) {
		if c.logger != nil {
			c.logger.Warn("unreadable message body", "handle", h.Key(), "err", err)
		}
		return c.finish(ctx, h, responder.ErrorText, model.Error, stats.EventTypeFailed)
	}
	if err != nil {
		return fmt.Errorf("read body %s: %w", h.Key(), err)
	}

	if c.opts.Guard != nil {
		if ok, reason := c.opts.Guard.Check(h, body); !ok {
			if c.logger != nil {
				c.logger.Info("message not answered", "handle", h.Key(), "from", h.From, "reason", reason)
			}
			return c.file(ctx, h, model.Error, stats.EventTypeFiltered)
		}
	}

	question := Question(h.Subject, body, c.opts.PreferSubject)
	if c.logger != nil {
		c.logger.Debug("asking responder", "handle", h.Key(), "question", question)
	}

	answer, err := c.responder.Answer(ctx, question)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("responder failed", "handle", h.Key(), "err", err)
		}
		return c.finish(ctx, h, responder.ErrorText, model.Error, stats.EventTypeFailed)
	}

	evt := stats.EventTypeAnswered
	if answer.IsNone() {
		evt = stats.EventTypeFallback
	}
	return c.finish(ctx, h, answer.UnwrapOr(responder.FallbackText), model.Complete, evt)
}

func (c *Consumer) finish(ctx context.Context, h model.Handle, text string, target model.Folder, evt stats.EventType) error {
	if _, err := mailbox.ReplyAddress(h); err != nil {
		return c.undeliverable(ctx, h, err)
	}

	if c.opts.Ledger != nil && c.opts.Ledger.AlreadyReplied(h.MessageID) {
		c.events.EmitEvent(stats.Event{Stage: stats.StageConsumer, Type: stats.EventTypeReplySuppressed, UID: h.UID, MessageID: h.MessageID})
		if c.logger != nil {
			c.logger.Info("already replied, filing only", "handle", h.Key(), "messageID", h.MessageID)
		}
		return c.file(ctx, h, target, evt)
	}

	if err := c.gateway.Reply(ctx, h, text); err != nil {
		if errors.Is(err, mailbox.ErrUndeliverable) {
			return c.undeliverable(ctx, h, err)
		}
		return fmt.Errorf("reply %s: %w", h.Key(), err)
	}
	if c.opts.Ledger != nil {
		entry := state.Entry{MessageID: h.MessageID, Folder: target.Name(), RepliedAt: c.opts.Now()}
		if err := c.opts.Ledger.MarkReplied(entry); err != nil && c.logger != nil {
			c.logger.Warn("reply ledger update failed", "handle", h.Key(), "err", err)
		}
	}
	return c.file(ctx, h, target, evt)
}

// undeliverable files a message nobody can be answered for to Error.
func (c *Consumer) undeliverable(ctx context.Context, h model.Handle, cause error) error {
	if c.logger != nil {
		c.logger.Warn("no reply address, filing unanswered", "handle", h.Key(), "from", h.From, "err", cause)
	}
	return c.file(ctx, h, model.Error, stats.EventTypeUndeliverable)
}

func (c *Consumer) file(ctx context.Context, h model.Handle, target model.Folder, evt stats.EventType) error {
	if err := c.gateway.File(ctx, h, h.Folder, target); err != nil {
		return fmt.Errorf("file %s to %s: %w", h.Key(), target.Name(), err)
	}
	if err := c.gateway.Remove(ctx, h, h.Folder); err != nil {
		return fmt.Errorf("remove %s: %w", h.Key(), err)
	}

	c.events.EmitEvent(stats.Event{Stage: stats.StageConsumer, Type: evt, UID: h.UID, MessageID: h.MessageID, Detail: target.Name()})
	if c.logger != nil {
		c.logger.Info("message filed", "handle", h.Key(), "folder", target.Name(), "outcome", string(evt))
	}
	return nil
}
