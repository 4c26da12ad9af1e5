package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/DorsetProject/dorset-mailbot/model"
)

func handle(uid uint32) model.Handle {
	return model.Handle{Folder: model.Inbox, UID: uid, State: model.Claimed}
}

func TestQueue_FIFO(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		uids := rapid.SliceOfN(rapid.Uint32(), 0, 64).Draw(t, "uids")
		q := New(len(uids))
		ctx := context.Background()

		for _, uid := range uids {
			if err := q.Enqueue(ctx, handle(uid)); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
		}
		for i, want := range uids {
			got, err := q.Dequeue(ctx)
			if err != nil {
				t.Fatalf("dequeue %d: %v", i, err)
			}
			if got.UID != want {
				t.Fatalf("dequeue %d: got uid %d, want %d", i, got.UID, want)
			}
		}
		if !q.IsEmpty() {
			t.Fatalf("queue not empty after draining")
		}
	})
}

func TestQueue_CapacityFloor(t *testing.T) {
	require.Equal(t, 1, New(0).Cap())
	require.Equal(t, 1, New(-3).Cap())
	require.Equal(t, 8, New(8).Cap())
}

func TestQueue_EnqueueBlocksAtCapacity(t *testing.T) {
	q := New(1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, handle(1)))

	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(ctx, handle(2))
	}()

	select {
	case err := <-done:
		t.Fatalf("second enqueue returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	require.Equal(t, 1, q.Len())

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(1), first.UID)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second enqueue never completed")
	}

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(2), second.UID)
}

func TestQueue_TryEnqueue(t *testing.T) {
	q := New(1)
	require.NoError(t, q.TryEnqueue(handle(1)))
	require.ErrorIs(t, q.TryEnqueue(handle(2)), ErrQueueFull)

	q.Close()
	require.ErrorIs(t, q.TryEnqueue(handle(3)), ErrClosed)
}

func TestQueue_EnqueueHonoursContext(t *testing.T) {
	q := New(1)
	require.NoError(t, q.Enqueue(context.Background(), handle(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, handle(2))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, q.Len())
}

func TestQueue_DequeueBlocksUntilAvailable(t *testing.T) {
	q := New(2)
	got := make(chan model.Handle, 1)
	go func() {
		h, err := q.Dequeue(context.Background())
		if err == nil {
			got <- h
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), handle(9)))

	select {
	case h := <-got:
		require.Equal(t, uint32(9), h.UID)
	case <-time.After(time.Second):
		t.Fatal("dequeue never returned")
	}
}

func TestQueue_CloseDrains(t *testing.T) {
	q := New(4)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, handle(1)))
	require.NoError(t, q.Enqueue(ctx, handle(2)))

	q.Close()
	q.Close()
	require.ErrorIs(t, q.Enqueue(ctx, handle(3)), ErrClosed)

	h, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(1), h.UID)
	h, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(2), h.UID)

	_, err = q.Dequeue(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

func TestQueue_CloseWakesBlockedConsumers(t *testing.T) {
	q := New(1)
	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Dequeue(context.Background())
			errs <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Close()
	wg.Wait()
	close(errs)

	for err := range errs {
		require.True(t, errors.Is(err, ErrClosed))
	}
}

func TestQueue_ConcurrentDelivery(t *testing.T) {
	q := New(3)
	ctx := context.Background()
	const total = 200

	var (
		mu   sync.Mutex
		seen = make(map[uint32]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				h, err := q.Dequeue(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[h.UID]++
				mu.Unlock()
			}
		}()
	}

	for i := uint32(1); i <= total; i++ {
		require.NoError(t, q.Enqueue(ctx, handle(i)))
	}
	q.Close()
	wg.Wait()

	require.Len(t, seen, total)
	for uid, n := range seen {
		require.Equal(t, 1, n, "uid %d", uid)
	}
}
