// Package pipeline moves mail from the Inbox through the responder into a
// terminal folder. One Producer claims and enqueues; a pool of Consumers
// answers and files.
package pipeline

import (
	"strings"

	"github.com/DorsetProject/dorset-mailbot/stats"
)

// EventSink receives pipeline events. *runner.Runner implements it.
type EventSink interface {
	EmitEvent(stats.Event)
}

type discard struct{}

func (discard) EmitEvent(stats.Event) {}

func sinkOrDiscard(s EventSink) EventSink {
	if s == nil {
		return discard{}
	}
	return s
}

// Question picks the text handed to the responder. With preferSubject, a
// subject of more than one word that is not a reply is asked instead of the
// body.
func Question(subject, body string, preferSubject bool) string {
	if preferSubject &&
		!strings.Contains(strings.ToUpper(subject), "RE: ") &&
		len(strings.Fields(subject)) > 1 {
		return strings.TrimSpace(subject)
	}
	return strings.TrimSpace(body)
}
