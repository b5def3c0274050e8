// Package mailbox holds per-agent mailboxes: an append-only,
// line-delimited message log per addressee, bounded to the last K
// messages (oldest pruned on write).
package mailbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atlas-quant/execution-engine/internal/fsutil"
)

// DefaultMaxMessages bounds a mailbox when the caller doesn't.
const DefaultMaxMessages = 5

// Type distinguishes a forward note (stage output handed to the next
// stage) from a feedback note (evaluation handed back upstream).
type Type string

const (
	TypeForward  Type = "forward"
	TypeFeedback Type = "feedback"
)

// Message is one line of a mailbox file.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Body      string    `json:"body"`
}

// Mailbox owns append-only, bounded per-addressee message logs under
// a base directory.
type Mailbox struct {
	basePath    string
	maxMessages int

	mu sync.Mutex
}

// New builds a Mailbox rooted at basePath, bounding each addressee's
// log to maxMessages (DefaultMaxMessages if <= 0).
func New(basePath string, maxMessages int) *Mailbox {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Mailbox{basePath: basePath, maxMessages: maxMessages}
}

func (m *Mailbox) pathFor(addressee string) string {
	return filepath.Join(m.basePath, addressee+".jsonl")
}

// Send appends msg to addressee's mailbox, pruning the oldest entries
// if the log exceeds maxMessages.
func (m *Mailbox) Send(addressee string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.To = addressee
	if msg.Type == "" {
		msg.Type = TypeForward
	}

	if err := os.MkdirAll(m.basePath, 0o755); err != nil {
		return fmt.Errorf("mailbox: mkdir: %w", err)
	}

	existing, err := m.readAllLocked(addressee)
	if err != nil {
		return err
	}
	existing = append(existing, msg)
	if len(existing) > m.maxMessages {
		existing = existing[len(existing)-m.maxMessages:]
	}
	return m.writeAllLocked(addressee, existing)
}

// Read returns the current (pruned) message log for addressee, oldest
// first.
func (m *Mailbox) Read(addressee string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readAllLocked(addressee)
}

func (m *Mailbox) readAllLocked(addressee string) ([]Message, error) {
	f, err := os.Open(m.pathFor(addressee))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("mailbox: open %s: %w", addressee, err)
	}
	defer f.Close()

	var messages []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("mailbox: parse %s: %w", addressee, err)
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("mailbox: scan %s: %w", addressee, err)
	}
	return messages, nil
}

func (m *Mailbox) writeAllLocked(addressee string, messages []Message) error {
	var buf []byte
	for _, msg := range messages {
		raw, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("mailbox: marshal message: %w", err)
		}
		buf = append(buf, raw...)
		buf = append(buf, '\n')
	}
	if err := fsutil.WriteFileAtomic(m.pathFor(addressee), buf, 0o644); err != nil {
		return fmt.Errorf("mailbox: persist %s: %w", addressee, err)
	}
	return nil
}
