package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "vigil.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHistoryRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, turn := range []struct{ role, content string }{
		{"user", "check battery"},
		{"assistant", "Battery is at 82%."},
		{"user", "thanks"},
	} {
		if err := s.AppendTurn(ctx, "s1", turn.role, turn.content); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.AppendTurn(ctx, "s2", "user", "other session"); err != nil {
		t.Fatalf("append: %v", err)
	}

	turns, err := s.RecentTurns(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("got %d turns, want 3", len(turns))
	}
	if turns[0].Content != "check battery" || turns[2].Content != "thanks" {
		t.Errorf("turns out of chronological order: %+v", turns)
	}
}

func TestRecentTurnsLimitKeepsNewest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		content := string(rune('a' + i))
		if err := s.AppendTurn(ctx, "s1", "user", content); err != nil {
			t.Fatal(err)
		}
	}
	turns, err := s.RecentTurns(ctx, "s1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 || turns[0].Content != "d" || turns[1].Content != "e" {
		t.Errorf("turns = %+v, want the two newest in order", turns)
	}
}

func TestHeartbeatRunLog(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	if last, err := s.LastHeartbeatRun(ctx); err != nil || last != nil {
		t.Fatalf("empty log: last=%v err=%v", last, err)
	}

	for i, outcome := range []string{"ok", "alert", "skipped"} {
		run := HeartbeatRun{
			ID:         string(rune('a' + i)),
			Source:     "interval",
			Outcome:    outcome,
			Detail:     "detail " + outcome,
			StartedAt:  now.Add(time.Duration(i) * time.Minute),
			FinishedAt: now.Add(time.Duration(i)*time.Minute + 5*time.Second),
		}
		if err := s.RecordHeartbeatRun(ctx, run); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	runs, err := s.RecentHeartbeatRuns(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(runs) != 2 || runs[0].Outcome != "skipped" {
		t.Errorf("runs = %+v, want newest first", runs)
	}

	last, err := s.LastHeartbeatRun(ctx)
	if err != nil {
		t.Fatalf("last: %v", err)
	}
	if last == nil || last.Outcome != "skipped" {
		t.Errorf("last = %+v", last)
	}
}

func TestReminderLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	recurring := Reminder{ID: "r1", Message: "stand up", Schedule: "0 * * * *"}
	if err := s.CreateReminder(ctx, recurring); err != nil {
		t.Fatalf("create: %v", err)
	}
	fireAt := time.Now().Add(time.Hour).UTC()
	oneShot := Reminder{ID: "r2", Message: "call home", FireAt: &fireAt}
	if err := s.CreateReminder(ctx, oneShot); err != nil {
		t.Fatalf("create one-shot: %v", err)
	}

	active, err := s.ActiveReminders(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active = %d, want 2", len(active))
	}

	// Firing a one-shot deactivates it; a recurring one stays active.
	now := time.Now().UTC()
	if err := s.MarkReminderFired(ctx, "r2", now); err != nil {
		t.Fatalf("fire one-shot: %v", err)
	}
	if err := s.MarkReminderFired(ctx, "r1", now); err != nil {
		t.Fatalf("fire recurring: %v", err)
	}

	active, err = s.ActiveReminders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != "r1" {
		t.Errorf("active after fire = %+v", active)
	}
	if active[0].LastFiredAt == nil {
		t.Error("recurring reminder missing last_fired_at")
	}

	if err := s.DeactivateReminder(ctx, "r1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := s.DeactivateReminder(ctx, "missing"); !errors.Is(err, ErrReminderNotFound) {
		t.Errorf("deactivate missing = %v, want ErrReminderNotFound", err)
	}
	if _, err := s.GetReminder(ctx, "missing"); !errors.Is(err, ErrReminderNotFound) {
		t.Errorf("get missing = %v, want ErrReminderNotFound", err)
	}
}

func TestPruneHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.AppendTurn(ctx, "s1", "user", "old enough"); err != nil {
		t.Fatal(err)
	}
	n, err := s.PruneHistory(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}
}
