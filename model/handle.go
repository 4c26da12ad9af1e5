package model

import (
	"fmt"
	"time"
)

// ClaimState tracks where a message is in its lifecycle.
type ClaimState uint8

const (
	Unclaimed ClaimState = iota
	Claimed
	InFlight
	Terminal
)

func (s ClaimState) String() string {
	switch s {
	case Unclaimed:
		return "unclaimed"
	case Claimed:
		return "claimed"
	case InFlight:
		return "in-flight"
	case Terminal:
		return "terminal"
	default:
		return fmt.Sprintf("ClaimState(%d)", uint8(s))
	}
}

// Handle is an opaque reference to one message inside a folder, minted by a
// Gateway at fetch time.
//
// UID identifies the message for as long as it stays in Folder. Seq is the
// 1-based position the message had when the handle was minted; it is only
// informational and becomes stale after any remove in the same folder, so
// gateways never address messages by it.
type Handle struct {
	Folder Folder
	UID    uint32
	Seq    uint32
	State  ClaimState

	MessageID string
	From      string
	ReplyTo   string
	To        []string
	Subject   string
	Date      time.Time

	// AutoReply is set when the message declares itself machine generated
	// (Auto-Submitted, bulk Precedence or an empty Return-Path).
	AutoReply bool
}

// Key returns a stable identifier suitable for logs and maps.
func (h Handle) Key() string {
	return fmt.Sprintf("%s/%d", h.Folder.Name(), h.UID)
}

// Recipient is the address replies are sent to.
func (h Handle) Recipient() string {
	if h.ReplyTo != "" {
		return h.ReplyTo
	}
	return h.From
}
