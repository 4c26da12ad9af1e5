package responder

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	timeWord = regexp.MustCompile(`\b(time|clock|hour)\b`)
	dateWord = regexp.MustCompile(`\b(date|today|day|month|year)\b`)
)

// DateTime answers questions about the current date or time. Anything else
// gets no answer.
type DateTime struct {
	now      func() time.Time
	location *time.Location
}

type DateTimeOption func(*DateTime)

func WithNow(now func() time.Time) DateTimeOption {
	return func(d *DateTime) {
		d.now = now
	}
}

func WithLocation(loc *time.Location) DateTimeOption {
	return func(d *DateTime) {
		d.location = loc
	}
}

func NewDateTime(opts ...DateTimeOption) *DateTime {
	d := &DateTime{now: time.Now, location: time.Local}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *DateTime) Answer(_ context.Context, question string) (fn.Option[string], error) {
	q := strings.ToLower(question)
	now := d.now().In(d.location)

	wantTime := timeWord.MatchString(q)
	wantDate := dateWord.MatchString(q)

	switch {
	case wantTime && wantDate:
		return fn.Some("It is " + now.Format("3:04 PM MST") + " on " + now.Format("Monday, January 2, 2006") + "."), nil
	case wantTime:
		return fn.Some("The time is " + now.Format("3:04 PM MST") + "."), nil
	case wantDate:
		return fn.Some("Today is " + now.Format("Monday, January 2, 2006") + "."), nil
	}
	return fn.None[string](), nil
}
