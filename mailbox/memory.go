package mailbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/DorsetProject/dorset-mailbot/model"
)

// Op names a Gateway operation for fault injection and diagnostics.
type Op string

const (
	OpCount    Op = "count"
	OpFetch    Op = "fetch"
	OpClaim    Op = "claim"
	OpRelease  Op = "release"
	OpReadBody Op = "read-body"
	OpReply    Op = "reply"
	OpFile     Op = "file"
	OpRemove   Op = "remove"
)

// Stored is a snapshot of one message held by a Memory gateway.
type Stored struct {
	UID      uint32
	Seen     bool
	Answered bool
	Subject  string
	Raw      []byte
}

// SentReply records a reply transmitted by a Memory gateway.
type SentReply struct {
	InReplyTo string
	To        string
	Subject   string
	Body      string
	Raw       []byte
}

type memMessage struct {
	uid      uint32
	raw      []byte
	seen     bool
	answered bool
	envelope model.Handle
}

type memFolder struct {
	mu      sync.Mutex
	msgs    []*memMessage
	uidNext uint32
}

func (f *memFolder) find(uid uint32) (int, *memMessage) {
	for i, msg := range f.msgs {
		if msg.uid == uid {
			return i, msg
		}
	}
	return -1, nil
}

func (f *memFolder) appendRaw(raw []byte, envelope model.Handle, seen bool) *memMessage {
	f.uidNext++
	msg := &memMessage{uid: f.uidNext, raw: raw, seen: seen, envelope: envelope}
	f.msgs = append(f.msgs, msg)
	return msg
}

// Memory is an in-process Gateway. It backs dry runs and tests, and mirrors
// the IMAP semantics the pipeline relies on: per-folder locking, the \Seen
// flag as claim mark, copy-then-expunge filing and lazily created terminal
// folders.
type Memory struct {
	from string
	now  func() time.Time

	mu      sync.Mutex
	folders map[model.Folder]*memFolder
	faults  map[Op]error
	sent    []SentReply
	onReply func(ComposedReply) error
	closed  bool
}

// MemoryOption configures a Memory gateway.
type MemoryOption func(*Memory)

// WithClock overrides the time source used for reply Date headers.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// WithReplySink receives every composed reply after it is recorded.
func WithReplySink(fn func(ComposedReply) error) MemoryOption {
	return func(m *Memory) {
		m.onReply = fn
	}
}

// NewMemory returns an empty in-memory store whose replies are sent from
// the given address.
func NewMemory(from string, opts ...MemoryOption) *Memory {
	m := &Memory{
		from:    from,
		now:     time.Now,
		folders: map[model.Folder]*memFolder{model.Inbox: {}},
		faults:  make(map[Op]error),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Deliver appends a raw message to the Inbox as new, unclaimed mail.
func (m *Memory) Deliver(raw []byte) uint32 {
	inbox := m.folder(model.Inbox, true)
	inbox.mu.Lock()
	defer inbox.mu.Unlock()
	return inbox.appendRaw(raw, EnvelopeFromRaw(raw), false).uid
}

// FailOn makes every subsequent call of op fail with a Fault wrapping err.
// A nil err clears the injection.
func (m *Memory) FailOn(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.faults, op)
		return
	}
	m.faults[op] = err
}

// Messages returns a snapshot of folder in position order.
func (m *Memory) Messages(folder model.Folder) []Stored {
	f := m.folder(folder, false)
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Stored, 0, len(f.msgs))
	for _, msg := range f.msgs {
		out = append(out, Stored{
			UID:      msg.uid,
			Seen:     msg.seen,
			Answered: msg.answered,
			Subject:  msg.envelope.Subject,
			Raw:      msg.raw,
		})
	}
	return out
}

// Sent returns every reply transmitted so far.
func (m *Memory) Sent() []SentReply {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentReply(nil), m.sent...)
}

// Exists reports whether folder has been created.
func (m *Memory) Exists(folder model.Folder) bool {
	return m.folder(folder, false) != nil
}

func (m *Memory) folder(folder model.Folder, create bool) *memFolder {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.folders[folder]
	if !ok && create {
		f = &memFolder{}
		m.folders[folder] = f
	}
	return f
}

func (m *Memory) check(op Op, folder model.Folder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return &Fault{Op: string(op), Folder: folder, Err: ErrClosed}
	}
	if err, ok := m.faults[op]; ok {
		return &Fault{Op: string(op), Folder: folder, Err: err}
	}
	return nil
}

func (m *Memory) Count(ctx context.Context, folder model.Folder) (int, error) {
	if err := m.check(OpCount, folder); err != nil {
		return 0, err
	}
	f := m.folder(folder, false)
	if f == nil {
		return 0, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs), nil
}

func (m *Memory) FetchUnclaimed(ctx context.Context, folder model.Folder) (model.Handle, error) {
	return m.scan(folder, false)
}

func (m *Memory) ClaimNext(ctx context.Context, folder model.Folder) (model.Handle, error) {
	return m.scan(folder, true)
}

func (m *Memory) scan(folder model.Folder, claim bool) (model.Handle, error) {
	if err := m.check(OpFetch, folder); err != nil {
		return model.Handle{}, err
	}
	if claim {
		if err := m.check(OpClaim, folder); err != nil {
			return model.Handle{}, err
		}
	}
	f := m.folder(folder, false)
	if f == nil {
		return model.Handle{}, ErrNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, msg := range f.msgs {
		if msg.seen {
			continue
		}
		h := msg.envelope
		h.Folder = folder
		h.UID = msg.uid
		h.Seq = uint32(i + 1)
		h.State = model.Unclaimed
		if claim {
			msg.seen = true
			h.State = model.Claimed
		}
		return h, nil
	}
	return model.Handle{}, ErrNotFound
}

func (m *Memory) Claim(ctx context.Context, h model.Handle) error {
	if err := m.check(OpClaim, h.Folder); err != nil {
		return err
	}
	return m.withMessage(OpClaim, h.Folder, h.UID, func(_ *memFolder, _ int, msg *memMessage) error {
		msg.seen = true
		return nil
	})
}

func (m *Memory) Release(ctx context.Context, h model.Handle) error {
	if err := m.check(OpRelease, h.Folder); err != nil {
		return err
	}
	return m.withMessage(OpRelease, h.Folder, h.UID, func(_ *memFolder, _ int, msg *memMessage) error {
		msg.seen = false
		return nil
	})
}

func (m *Memory) ReadBody(ctx context.Context, h model.Handle) (string, error) {
	if err := m.check(OpReadBody, h.Folder); err != nil {
		return "", err
	}
	var raw []byte
	err := m.withMessage(OpReadBody, h.Folder, h.UID, func(_ *memFolder, _ int, msg *memMessage) error {
		raw = msg.raw
		return nil
	})
	if err != nil {
		return "", err
	}
	return ExtractText(raw)
}

func (m *Memory) Reply(ctx context.Context, h model.Handle, text string) error {
	if err := m.check(OpReply, h.Folder); err != nil {
		return err
	}
	reply, err := ComposeReply(m.from, h, text, m.now())
	if err != nil {
		return err
	}

	err = m.withMessage(OpReply, h.Folder, h.UID, func(_ *memFolder, _ int, _ *memMessage) error {
		return nil
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	sink := m.onReply
	m.mu.Unlock()

	// A reply counts as sent only once the sink took it, so a retried
	// Reply is recorded once.
	if sink != nil {
		if err := sink(reply); err != nil {
			return &Fault{Op: string(OpReply), Folder: h.Folder, Err: err}
		}
	}

	err = m.withMessage(OpReply, h.Folder, h.UID, func(_ *memFolder, _ int, msg *memMessage) error {
		msg.answered = true
		return nil
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.sent = append(m.sent, SentReply{
		InReplyTo: h.MessageID,
		To:        reply.To,
		Subject:   ReplySubject(h.Subject),
		Body:      text,
		Raw:       reply.Raw,
	})
	m.mu.Unlock()
	return nil
}

func (m *Memory) File(ctx context.Context, h model.Handle, from, to model.Folder) error {
	if !to.Terminal() || from == to {
		return fmt.Errorf("file %s to %s: %w", h.Key(), to.Name(), ErrInvalidTarget)
	}
	if err := m.check(OpFile, from); err != nil {
		return err
	}

	src := m.folder(from, false)
	if src == nil {
		return &Fault{Op: string(OpFile), Folder: from, Err: ErrNoSuchMessage}
	}
	dst := m.folder(to, true)

	// Lock in folder order so concurrent filings cannot deadlock.
	first, second := src, dst
	if to < from {
		first, second = dst, src
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	_, msg := src.find(h.UID)
	if msg == nil {
		return &Fault{Op: string(OpFile), Folder: from, Err: fmt.Errorf("uid %d: %w", h.UID, ErrNoSuchMessage)}
	}
	copied := dst.appendRaw(msg.raw, msg.envelope, msg.seen)
	copied.answered = msg.answered
	return nil
}

func (m *Memory) Remove(ctx context.Context, h model.Handle, from model.Folder) error {
	if err := m.check(OpRemove, from); err != nil {
		return err
	}
	return m.withMessage(OpRemove, from, h.UID, func(f *memFolder, idx int, _ *memMessage) error {
		f.msgs = append(f.msgs[:idx], f.msgs[idx+1:]...)
		return nil
	})
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) withMessage(op Op, folder model.Folder, uid uint32, fn func(*memFolder, int, *memMessage) error) error {
	f := m.folder(folder, false)
	if f == nil {
		return &Fault{Op: string(op), Folder: folder, Err: ErrNoSuchMessage}
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	idx, msg := f.find(uid)
	if msg == nil {
		return &Fault{Op: string(op), Folder: folder, Err: fmt.Errorf("uid %d: %w", uid, ErrNoSuchMessage)}
	}
	return fn(f, idx, msg)
}

var _ Gateway = (*Memory)(nil)
