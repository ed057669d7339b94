package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestJournal(t *testing.T) *journal {
	t.Helper()
	j, err := openJournal(":memory:")
	if err != nil {
		t.Fatalf("failed to open test journal: %v", err)
	}
	t.Cleanup(func() {
		j.Close()
	})
	return j
}

func TestJournalRecent(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

	for i, to := range []ProximityState{StateUnlocked, StateLocked, StateUnlocked} {
		from := StateLocked
		if to == StateLocked {
			from = StateUnlocked
		}
		tr := Transition{
			At:       base.Add(time.Duration(i) * time.Minute),
			Device:   testID.Address,
			From:     from,
			To:       to,
			Distance: Distance(i),
			Command:  "cmd",
		}
		if err := j.Record(ctx, tr); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := j.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d transitions, want 2", len(got))
	}
	if got[0].Distance != 2 || got[0].To != StateUnlocked || !got[0].At.Equal(base.Add(2*time.Minute)) {
		t.Errorf("newest = %+v", got[0])
	}
	if got[1].Distance != 1 || got[1].From != StateUnlocked || got[1].To != StateLocked {
		t.Errorf("second = %+v", got[1])
	}
}

func TestJournalOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "journal.db")
	j, err := openJournal(path)
	if err != nil {
		t.Fatalf("openJournal: %v", err)
	}
	if err := j.Record(context.Background(), Transition{At: time.Now(), Device: testID.Address, From: StateLocked, To: StateUnlocked}); err != nil {
		t.Fatal(err)
	}
	j.Close()

	j, err = openJournal(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()
	got, err := j.Recent(context.Background(), 10)
	if err != nil || len(got) != 1 {
		t.Fatalf("Recent = %v, %v", got, err)
	}
}

func TestMonitorWritesJournal(t *testing.T) {
	j := newTestJournal(t)
	m, _, _ := newTestMonitor(thresholds(20, 5, 30), 3, 12, 25, 25, 25, 25)
	m.withJournal(j)
	tickN(m, 6)

	got, err := j.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d transitions, want 2", len(got))
	}
	if got[0].To != StateLocked || got[0].Command != "lock-screen" || got[0].Distance != 25 {
		t.Errorf("lock transition = %+v", got[0])
	}
	if got[1].To != StateUnlocked || got[1].Command != "unlock-screen" || got[1].Distance != 3 {
		t.Errorf("unlock transition = %+v", got[1])
	}
}
