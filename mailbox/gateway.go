// Package mailbox defines the folder-scoped operations the reply pipeline
// needs from a mail store, plus the pieces shared by every store
// implementation: fault taxonomy, MIME text extraction and reply
// composition.
package mailbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/DorsetProject/dorset-mailbot/model"
)

var (
	// ErrNotFound is returned by FetchUnclaimed and ClaimNext when every
	// message in the folder is already claimed. It is not a fault.
	ErrNotFound = errors.New("no unclaimed message")

	// ErrBodyExtraction marks a message whose MIME structure could not be
	// walked. The message is routed to the Error folder.
	ErrBodyExtraction = errors.New("body extraction failed")

	// ErrInvalidTarget is returned when File is asked to move a message
	// anywhere other than a terminal folder.
	ErrInvalidTarget = errors.New("target folder is not terminal")

	// ErrUndeliverable marks a message whose sender address cannot be
	// replied to. It is not a fault; the message is filed to Error unanswered.
	ErrUndeliverable = errors.New("no usable reply address")

	// ErrNoSuchMessage is wrapped in a Fault when a handle no longer
	// resolves to a message in its folder.
	ErrNoSuchMessage = errors.New("no such message")

	// ErrClosed is wrapped in a Fault when the gateway has been closed.
	ErrClosed = errors.New("gateway closed")

	// ErrCircuitOpen is wrapped in a Fault when repeated faults tripped
	// the circuit breaker of a Guard.
	ErrCircuitOpen = errors.New("mailbox circuit open")
)

// Fault is a transport or protocol failure talking to the mail store.
type Fault struct {
	Op     string
	Folder model.Folder
	Err    error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("mailbox %s on %s: %v", f.Op, f.Folder.Name(), f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// IsFault reports whether err carries a *Fault.
func IsFault(err error) bool {
	var fault *Fault
	return errors.As(err, &fault)
}

// Gateway wraps a remote mail store. Implementations must be safe for one
// producer and many consumers calling concurrently.
type Gateway interface {
	// Count returns the number of messages currently in folder.
	Count(ctx context.Context, folder model.Folder) (int, error)

	// FetchUnclaimed returns the first message in folder without a claim
	// mark, or ErrNotFound.
	FetchUnclaimed(ctx context.Context, folder model.Folder) (model.Handle, error)

	// ClaimNext finds the first unclaimed message and sets its claim mark
	// as one atomic step, or returns ErrNotFound.
	ClaimNext(ctx context.Context, folder model.Folder) (model.Handle, error)

	// Claim sets the claim mark. Claiming twice is not an error.
	Claim(ctx context.Context, h model.Handle) error

	// Release clears the claim mark so a later scan picks the message up
	// again. Releasing twice is not an error.
	Release(ctx context.Context, h model.Handle) error

	// ReadBody returns the concatenated text parts of the message.
	ReadBody(ctx context.Context, h model.Handle) (string, error)

	// Reply sends text to the original sender.
	Reply(ctx context.Context, h model.Handle, text string) error

	// File copies the message from one folder into a terminal folder,
	// creating the target on first use.
	File(ctx context.Context, h model.Handle, from, to model.Folder) error

	// Remove deletes and expunges the message from folder.
	Remove(ctx context.Context, h model.Handle, from model.Folder) error

	// Close releases the store. It is idempotent.
	Close() error
}
