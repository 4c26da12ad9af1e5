package model

import "fmt"

// Folder is one of the three mailbox roles the pipeline knows about. The zero
// value is Inbox.
type Folder uint8

const (
	// Inbox is the only folder scanned for new work.
	Inbox Folder = iota
	// Complete holds messages that were answered.
	Complete
	// Error holds messages that could not be processed.
	Error
)

// Folders lists every folder role in lock order.
var Folders = [...]Folder{Inbox, Complete, Error}

// Name returns the mailbox name used on the mail store.
func (f Folder) Name() string {
	switch f {
	case Inbox:
		return "INBOX"
	case Complete:
		return "Complete"
	case Error:
		return "Error"
	default:
		return fmt.Sprintf("Folder(%d)", uint8(f))
	}
}

func (f Folder) String() string {
	return f.Name()
}

// Terminal reports whether no further processing happens once a message
// lands in f.
func (f Folder) Terminal() bool {
	return f == Complete || f == Error
}

// Valid reports whether f is one of the declared roles.
func (f Folder) Valid() bool {
	return f <= Error
}
