// Package responder turns a plain-text question into a plain-text answer.
package responder

import (
	"context"

	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// FallbackText is sent when no answer could be found.
	FallbackText = "Sorry, we could not understand your request. \n" +
		"Try asking about the date or time:\n" +
		"Ex) \"What is the time?\""

	// ErrorText is sent when the message could not be processed at all.
	ErrorText = "An error occurred while processing your request."
)

// Responder answers a question. fn.None means "no answer", which is not an
// error; an error means the responder itself failed.
type Responder interface {
	Answer(ctx context.Context, question string) (fn.Option[string], error)
}

// Func adapts a plain function to the Responder interface.
type Func func(ctx context.Context, question string) (fn.Option[string], error)

func (f Func) Answer(ctx context.Context, question string) (fn.Option[string], error) {
	return f(ctx, question)
}

// Static returns a Responder that always gives answer, or never answers
// when answer is empty.
func Static(answer string) Responder {
	return Func(func(context.Context, string) (fn.Option[string], error) {
		if answer == "" {
			return fn.None[string](), nil
		}
		return fn.Some(answer), nil
	})
}
