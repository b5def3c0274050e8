package artifacts

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	m := New(t.TempDir(), 10)
	if err := m.Write("cycle-1", "plan.md", []byte("the plan")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := m.Read("cycle-1", "plan.md")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "the plan" {
		t.Fatalf("got %q", got)
	}
}

func TestLatestCompletedCycleRequiresStrategyArtifact(t *testing.T) {
	m := New(t.TempDir(), 10)
	if err := m.Write("cycle-1", "plan.md", []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.Write("cycle-2", "strategy.json", []byte("{}")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.Write("cycle-3", "plan.md", []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	latest, err := m.LatestCompletedCycle()
	if err != nil {
		t.Fatalf("LatestCompletedCycle: %v", err)
	}
	if latest != "cycle-2" {
		t.Fatalf("expected cycle-2 (only one with strategy.json), got %q", latest)
	}
}

func TestLatestCompletedCycleEmptyWhenNoneExist(t *testing.T) {
	m := New(t.TempDir(), 10)
	latest, err := m.LatestCompletedCycle()
	if err != nil {
		t.Fatalf("LatestCompletedCycle: %v", err)
	}
	if latest != "" {
		t.Fatalf("expected empty, got %q", latest)
	}
}

func TestArchiveOldMovesBeyondRetentionIntoHistory(t *testing.T) {
	base := t.TempDir()
	m := New(base, 2)
	for _, id := range []string{"cycle-1", "cycle-2", "cycle-3", "cycle-4"} {
		if err := m.Write(id, "plan.md", []byte("x")); err != nil {
			t.Fatalf("Write %s: %v", id, err)
		}
	}
	if err := m.ArchiveOld(); err != nil {
		t.Fatalf("ArchiveOld: %v", err)
	}

	if _, err := os.Stat(filepath.Join(base, "cycle-1")); !os.IsNotExist(err) {
		t.Fatalf("expected cycle-1 to be archived away, stat err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(base, "cycle-4")); err != nil {
		t.Fatalf("expected cycle-4 to remain: %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, "history", "cycle-1.zip")); err != nil {
		t.Fatalf("expected cycle-1 archive to exist: %v", err)
	}
}
