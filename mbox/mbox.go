// Package mbox feeds an mbox archive into the in-memory mailbox for dry
// runs and records outgoing replies in an mbox outbox.
package mbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"os"
	"strings"
	"sync"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/DorsetProject/dorset-mailbot/mailbox"
)

// Seed delivers every readable message of the archive at path into the
// Inbox of gw and returns how many were delivered. A message without a
// parsable header is skipped; a broken archive stops seeding with an error.
func Seed(ctx context.Context, path string, gw *mailbox.Memory, logger *slog.Logger) (int, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return 0, fmt.Errorf("mbox path is empty")
	}
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	reader := mboxlib.NewReader(file)

	delivered := 0
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}

		msgReader, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return delivered, fmt.Errorf("message %d: %w", idx, err)
		}
		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return delivered, fmt.Errorf("message %d read: %w", idx, err)
		}

		if _, err := mail.ReadMessage(bytes.NewReader(raw)); err != nil {
			if logger != nil {
				logger.Warn("skipping unreadable mbox message", "path", path, "index", idx, "err", err)
			}
			continue
		}
		gw.Deliver(raw)
		delivered++
	}

	if logger != nil {
		logger.Info("mbox seeded", "path", path, "messages", delivered)
	}
	return delivered, nil
}

// CountMessages counts the total number of messages in an mbox file.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	reader := mboxlib.NewReader(file)

	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}
		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			return 0, err
		}
		count++
	}
}

// Outbox appends sent replies to an mbox file. It is safe for concurrent
// use and satisfies the reply sink of the in-memory mailbox.
type Outbox struct {
	mu     sync.Mutex
	file   *os.File
	writer *mboxlib.Writer
	now    func() time.Time
}

func NewOutbox(path string) (*Outbox, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	return &Outbox{
		file:   file,
		writer: mboxlib.NewWriter(file),
		now:    time.Now,
	}, nil
}

func (o *Outbox) Write(reply mailbox.ComposedReply) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.writer == nil {
		return fmt.Errorf("outbox closed")
	}
	w, err := o.writer.CreateMessage(reply.From, o.now())
	if err != nil {
		return fmt.Errorf("outbox create message: %w", err)
	}
	if _, err := w.Write(reply.Raw); err != nil {
		return fmt.Errorf("outbox write: %w", err)
	}
	return nil
}

func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.writer == nil {
		return nil
	}
	var firstErr error
	if err := o.writer.Close(); err != nil {
		firstErr = fmt.Errorf("close outbox writer: %w", err)
	}
	if err := o.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close outbox: %w", err)
	}
	o.writer = nil
	return firstErr
}
