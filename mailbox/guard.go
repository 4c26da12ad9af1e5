package mailbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/DorsetProject/dorset-mailbot/model"
)

// GuardOptions tunes the retry and circuit breaker policy of a Guard.
type GuardOptions struct {
	// MaxAttempts bounds how often one call is tried. Values below 1 mean 1.
	MaxAttempts int

	// Backoff is the first pause between attempts; it doubles up to
	// MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// TripAfter is the number of consecutive faults that opens the circuit.
	TripAfter uint32

	// OpenTimeout is how long the circuit stays open before a trial call is
	// let through.
	OpenTimeout time.Duration
}

// DefaultGuardOptions returns the policy used when nothing is configured.
func DefaultGuardOptions() GuardOptions {
	return GuardOptions{
		MaxAttempts: 3,
		Backoff:     500 * time.Millisecond,
		MaxBackoff:  10 * time.Second,
		TripAfter:   5,
		OpenTimeout: 30 * time.Second,
	}
}

// Guard decorates a Gateway with bounded retries for faults and a circuit
// breaker that turns persistent faults into ErrCircuitOpen. NotFound, body
// extraction and invalid target errors pass through untouched.
type Guard struct {
	next   Gateway
	opts   GuardOptions
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
	sleep  func(context.Context, time.Duration) error
}

// NewGuard wraps next.
func NewGuard(next Gateway, opts GuardOptions, logger *slog.Logger) *Guard {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.TripAfter == 0 {
		opts.TripAfter = DefaultGuardOptions().TripAfter
	}

	g := &Guard{
		next:   next,
		opts:   opts,
		logger: logger,
		sleep:  sleepContext,
	}
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "mailbox",
		Timeout: opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.TripAfter
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsFault(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("mailbox circuit state changed", "from", from.String(), "to", to.String())
			}
		},
	})
	return g
}

func (g *Guard) do(ctx context.Context, op Op, folder model.Folder, retry bool, fn func() error) error {
	backoff := g.opts.Backoff
	for attempt := 1; ; attempt++ {
		_, err := g.cb.Execute(func() (interface{}, error) {
			return nil, fn()
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return &Fault{Op: string(op), Folder: folder, Err: ErrCircuitOpen}
		}
		if !retry || !IsFault(err) || errors.Is(err, ErrClosed) || attempt >= g.opts.MaxAttempts {
			return err
		}

		if g.logger != nil {
			g.logger.Warn("mailbox call failed, retrying", "op", op, "folder", folder.Name(), "attempt", attempt, "backoff", backoff, "err", err)
		}
		if sleepErr := g.sleep(ctx, backoff); sleepErr != nil {
			return err
		}
		backoff *= 2
		if g.opts.MaxBackoff > 0 && backoff > g.opts.MaxBackoff {
			backoff = g.opts.MaxBackoff
		}
	}
}

func (g *Guard) Count(ctx context.Context, folder model.Folder) (int, error) {
	var n int
	err := g.do(ctx, OpCount, folder, true, func() error {
		var err error
		n, err = g.next.Count(ctx, folder)
		return err
	})
	return n, err
}

func (g *Guard) FetchUnclaimed(ctx context.Context, folder model.Folder) (model.Handle, error) {
	var h model.Handle
	err := g.do(ctx, OpFetch, folder, true, func() error {
		var err error
		h, err = g.next.FetchUnclaimed(ctx, folder)
		return err
	})
	return h, err
}

// ClaimNext is never retried: a lost response after a successful claim
// would otherwise claim a second message.
func (g *Guard) ClaimNext(ctx context.Context, folder model.Folder) (model.Handle, error) {
	var h model.Handle
	err := g.do(ctx, OpClaim, folder, false, func() error {
		var err error
		h, err = g.next.ClaimNext(ctx, folder)
		return err
	})
	return h, err
}

func (g *Guard) Claim(ctx context.Context, h model.Handle) error {
	return g.do(ctx, OpClaim, h.Folder, true, func() error {
		return g.next.Claim(ctx, h)
	})
}

func (g *Guard) Release(ctx context.Context, h model.Handle) error {
	return g.do(ctx, OpRelease, h.Folder, true, func() error {
		return g.next.Release(ctx, h)
	})
}

func (g *Guard) ReadBody(ctx context.Context, h model.Handle) (string, error) {
	var text string
	err := g.do(ctx, OpReadBody, h.Folder, true, func() error {
		var err error
		text, err = g.next.ReadBody(ctx, h)
		return err
	})
	return text, err
}

func (g *Guard) Reply(ctx context.Context, h model.Handle, text string) error {
	return g.do(ctx, OpReply, h.Folder, true, func() error {
		return g.next.Reply(ctx, h, text)
	})
}

// File is retried. A copy whose response was lost may land twice in the
// target folder; a duplicate there is preferred over a message stranded in
// the Inbox.
func (g *Guard) File(ctx context.Context, h model.Handle, from, to model.Folder) error {
	return g.do(ctx, OpFile, from, true, func() error {
		return g.next.File(ctx, h, from, to)
	})
}

func (g *Guard) Remove(ctx context.Context, h model.Handle, from model.Folder) error {
	return g.do(ctx, OpRemove, from, true, func() error {
		return g.next.Remove(ctx, h, from)
	})
}

func (g *Guard) Close() error {
	return g.next.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Gateway = (*Guard)(nil)
