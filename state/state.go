// Package state keeps the reply ledger: the set of inbound Message-IDs that
// have already been answered. A message that is reprocessed after a crash
// between reply and file is filed without being answered a second time.
package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type Ledger interface {
	AlreadyReplied(messageID string) bool
	MarkReplied(entry Entry) error
	Snapshot() Snapshot
}

// Entry describes one sent reply.
type Entry struct {
	MessageID string    `json:"message_id"`
	Folder    string    `json:"folder"`
	RepliedAt time.Time `json:"replied_at"`
}

type Snapshot struct {
	Replied int
}

type MemoryLedger struct {
	mu      sync.RWMutex
	replied map[string]Entry
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{replied: make(map[string]Entry)}
}

func (m *MemoryLedger) AlreadyReplied(messageID string) bool {
	if messageID == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.replied[messageID]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryLedger) MarkReplied(entry Entry) error {
	if entry.MessageID == "" {
		return nil
	}

	m.mu.Lock()
	m.replied[entry.MessageID] = entry
	m.mu.Unlock()
	return nil
}

func (m *MemoryLedger) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.replied)
	m.mu.RUnlock()
	return Snapshot{Replied: count}
}

// FileLedger persists replied Message-IDs as JSON lines so a restarted
// process still knows what it answered.
type FileLedger struct {
	*MemoryLedger
	path    string
	persist bool
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

func NewFileLedger(stateDir string, persist bool) (*FileLedger, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	ledger := &FileLedger{
		MemoryLedger: NewMemoryLedger(),
		path:         filepath.Join(stateDir, "replied.jsonl"),
		persist:      persist,
	}

	if err := ledger.load(); err != nil {
		return nil, err
	}

	if persist {
		file, err := os.OpenFile(ledger.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open state file for append: %w", err)
		}
		ledger.file = file
		ledger.writer = bufio.NewWriterSize(file, 4*1024)
	}

	return ledger, nil
}

// Path returns the location of the ledger file.
func (f *FileLedger) Path() string {
	return f.path
}

func (f *FileLedger) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(text, &entry); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		if entry.MessageID == "" {
			continue
		}

		f.mu.Lock()
		f.replied[entry.MessageID] = entry
		f.mu.Unlock()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	return nil
}

// MarkReplied records entry and syncs it to disk before returning, so the
// record survives a crash right after the reply went out.
func (f *FileLedger) MarkReplied(entry Entry) error {
	if entry.MessageID == "" {
		return nil
	}

	f.mu.Lock()
	if _, exists := f.replied[entry.MessageID]; exists {
		f.mu.Unlock()
		return nil
	}
	f.replied[entry.MessageID] = entry
	f.mu.Unlock()

	if !f.persist {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}
	return nil
}

// Close flushes and closes the state file.
func (f *FileLedger) Close() error {
	if !f.persist || f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if f.writer != nil {
		if err := f.writer.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush state file: %w", err)
		}
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}
	f.file = nil

	return firstErr
}
