package pipeline

import (
	"fmt"
	"strings"
	"sync"

	"github.com/DorsetProject/dorset-mailbot/stats"
)

const botAddress = "Dorset <bot@dorset.test>"

type recorder struct {
	mu     sync.Mutex
	events []stats.Event
}

func (r *recorder) EmitEvent(evt stats.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) count(typ stats.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) uids(typ stats.EventType) []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uint32
	for _, evt := range r.events {
		if evt.Type == typ {
			out = append(out, evt.UID)
		}
	}
	return out
}

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

func plainMail(n int, subject, body string) []byte {
	return crlf(fmt.Sprintf("Message-ID: <m%d@example.com>\nFrom: Asker <asker%d@example.com>\nTo: bot@dorset.test\nSubject: %s\nContent-Type: text/plain\n\n%s", n, n, subject, body))
}

// unknownCharsetMail is slightly malformed but still readable.
func unknownCharsetMail(n int, body string) []byte {
	return crlf(fmt.Sprintf("Message-ID: <m%d@example.com>\nFrom: asker%d@example.com\nSubject: question\nContent-Type: text/plain; charset=x-made-up\n\n%s", n, n, body))
}

func garbledMail(n int) []byte {
	return crlf(fmt.Sprintf("Message-ID: <m%d@example.com>\nFrom: asker%d@example.com\nSubject: question\nContent-Type: multipart/mixed; boundary=\"XYZ\"\n\ngarbled-mime", n, n))
}
