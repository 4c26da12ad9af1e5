package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DorsetProject/dorset-mailbot/model"
)

func testMail(subject, body string) []byte {
	return crlf(fmt.Sprintf("Message-ID: <%s@example.com>\nFrom: asker@example.com\nTo: bot@dorset.test\nSubject: %s\nContent-Type: text/plain\n\n%s", idPart(subject), subject, body))
}

// idPart turns a subject into something usable as a Message-ID local part.
func idPart(subject string) string {
	out := make([]rune, 0, len(subject))
	for _, r := range subject {
		if r == ' ' || r == '?' {
			r = '-'
		}
		out = append(out, r)
	}
	return string(out)
}

func TestMemory_ClaimNextIsExclusive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("bot@dorset.test")
	for i := 0; i < 3; i++ {
		m.Deliver(testMail(fmt.Sprintf("q%d", i), "body"))
	}

	seen := make(map[uint32]bool)
	for i := 0; i < 3; i++ {
		h, err := m.ClaimNext(ctx, model.Inbox)
		require.NoError(t, err)
		require.Equal(t, model.Claimed, h.State)
		require.False(t, seen[h.UID], "uid %d claimed twice", h.UID)
		seen[h.UID] = true
	}

	_, err := m.ClaimNext(ctx, model.Inbox)
	require.ErrorIs(t, err, ErrNotFound)

	n, err := m.Count(ctx, model.Inbox)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestMemory_ConcurrentClaimsNeverOverlap(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("bot@dorset.test")
	const total = 50
	for i := 0; i < total; i++ {
		m.Deliver(testMail(fmt.Sprintf("q%d", i), "body"))
	}

	var (
		mu     sync.Mutex
		claims = make(map[uint32]int)
		wg     sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				h, err := m.ClaimNext(ctx, model.Inbox)
				if errors.Is(err, ErrNotFound) {
					return
				}
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				claims[h.UID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, claims, total)
	for uid, n := range claims {
		require.Equal(t, 1, n, "uid %d", uid)
	}
}

func TestMemory_FetchDoesNotClaim(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("bot@dorset.test")
	m.Deliver(testMail("q", "body"))

	h1, err := m.FetchUnclaimed(ctx, model.Inbox)
	require.NoError(t, err)
	h2, err := m.FetchUnclaimed(ctx, model.Inbox)
	require.NoError(t, err)
	require.Equal(t, h1.UID, h2.UID)

	require.NoError(t, m.Claim(ctx, h1))
	require.NoError(t, m.Claim(ctx, h1))

	_, err = m.FetchUnclaimed(ctx, model.Inbox)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_FileAndRemove(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("bot@dorset.test")
	m.Deliver(testMail("first", "a"))
	m.Deliver(testMail("second", "b"))

	h, err := m.ClaimNext(ctx, model.Inbox)
	require.NoError(t, err)
	require.False(t, m.Exists(model.Complete))

	require.NoError(t, m.File(ctx, h, model.Inbox, model.Complete))
	require.True(t, m.Exists(model.Complete))
	require.NoError(t, m.Remove(ctx, h, model.Inbox))

	inbox := m.Messages(model.Inbox)
	require.Len(t, inbox, 1)
	require.Equal(t, "second", inbox[0].Subject)

	complete := m.Messages(model.Complete)
	require.Len(t, complete, 1)
	require.Equal(t, "first", complete[0].Subject)
	require.True(t, complete[0].Seen)

	// The handle is gone from the Inbox; a second remove is a fault.
	err = m.Remove(ctx, h, model.Inbox)
	require.True(t, IsFault(err))
	require.ErrorIs(t, err, ErrNoSuchMessage)
}

func TestMemory_FileRejectsNonTerminalTarget(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("bot@dorset.test")
	m.Deliver(testMail("q", "body"))
	h, err := m.ClaimNext(ctx, model.Inbox)
	require.NoError(t, err)

	err = m.File(ctx, h, model.Inbox, model.Inbox)
	require.ErrorIs(t, err, ErrInvalidTarget)
	require.False(t, IsFault(err))

	err = m.File(ctx, h, model.Complete, model.Complete)
	require.ErrorIs(t, err, ErrInvalidTarget)

	require.Len(t, m.Messages(model.Inbox), 1)
}

func TestMemory_ReplyMarksAnswered(t *testing.T) {
	ctx := context.Background()
	var sunk []ComposedReply
	m := NewMemory("bot@dorset.test", WithReplySink(func(r ComposedReply) error {
		sunk = append(sunk, r)
		return nil
	}))
	m.Deliver(testMail("What is the time?", "body"))

	h, err := m.ClaimNext(ctx, model.Inbox)
	require.NoError(t, err)
	require.NoError(t, m.Reply(ctx, h, "noon"))

	sent := m.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "asker@example.com", sent[0].To)
	require.Equal(t, "Re: What is the time?", sent[0].Subject)
	require.Equal(t, "noon", sent[0].Body)
	require.Len(t, sunk, 1)
	require.True(t, m.Messages(model.Inbox)[0].Answered)
}

func TestMemory_ReadBody(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("bot@dorset.test")
	m.Deliver(testMail("q", "What is the date?"))

	h, err := m.ClaimNext(ctx, model.Inbox)
	require.NoError(t, err)
	text, err := m.ReadBody(ctx, h)
	require.NoError(t, err)
	require.Equal(t, "What is the date?", text)
}

func TestMemory_FaultInjection(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("bot@dorset.test")
	m.Deliver(testMail("q", "body"))

	boom := errors.New("connection reset")
	m.FailOn(OpClaim, boom)
	_, err := m.ClaimNext(ctx, model.Inbox)
	require.True(t, IsFault(err))
	require.ErrorIs(t, err, boom)
	require.False(t, m.Messages(model.Inbox)[0].Seen)

	m.FailOn(OpClaim, nil)
	_, err = m.ClaimNext(ctx, model.Inbox)
	require.NoError(t, err)
}

func TestMemory_Close(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("bot@dorset.test")
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.Count(ctx, model.Inbox)
	require.ErrorIs(t, err, ErrClosed)
}

func TestMemory_ReleaseClearsClaim(t *testing.T) {
	m := NewMemory("bot@dorset.test")
	m.Deliver(testMail("q", "body"))
	ctx := context.Background()

	h, err := m.ClaimNext(ctx, model.Inbox)
	require.NoError(t, err)
	_, err = m.ClaimNext(ctx, model.Inbox)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Release(ctx, h))
	require.NoError(t, m.Release(ctx, h))

	again, err := m.ClaimNext(ctx, model.Inbox)
	require.NoError(t, err)
	require.Equal(t, h.UID, again.UID)
}
