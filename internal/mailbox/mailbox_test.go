package mailbox

import (
	"testing"
	"time"
)

func TestSendThenRead(t *testing.T) {
	mb := New(t.TempDir(), 5)
	if err := mb.Send("planner", Message{From: "researcher", Timestamp: time.Now(), Body: "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msgs, err := mb.Read("planner")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "hello" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	if msgs[0].ID == "" || msgs[0].To != "planner" || msgs[0].Type != TypeForward {
		t.Fatalf("expected stamped id/to/type, got %+v", msgs[0])
	}
}

func TestSendPrunesOldestBeyondBound(t *testing.T) {
	mb := New(t.TempDir(), 3)
	for i := 0; i < 5; i++ {
		body := string(rune('a' + i))
		if err := mb.Send("planner", Message{From: "researcher", Timestamp: time.Now(), Body: body}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	msgs, err := mb.Read("planner")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected mailbox bounded to 3 messages, got %d", len(msgs))
	}
	if msgs[0].Body != "c" || msgs[2].Body != "e" {
		t.Fatalf("expected oldest-pruned window [c,d,e], got %+v", msgs)
	}
}

func TestReadEmptyMailboxReturnsNil(t *testing.T) {
	mb := New(t.TempDir(), 5)
	msgs, err := mb.Read("nobody")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages, got %d", len(msgs))
	}
}
