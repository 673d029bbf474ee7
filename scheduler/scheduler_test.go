package scheduler

import (
	"context"
	"errors"
	"testing"
)

func noop(context.Context) error { return nil }

func TestValidate(t *testing.T) {
	t.Parallel()

	for _, expr := range []string{"0 */6 * * *", "* * * * *", "@every 1h", "@daily"} {
		if err := Validate(expr); err != nil {
			t.Errorf("Validate(%q): %v", expr, err)
		}
	}
	for _, expr := range []string{"", "not a cron", "61 * * * *"} {
		if err := Validate(expr); err == nil {
			t.Errorf("Validate(%q): expected error", expr)
		}
	}
}

func TestAddGroup_AllOrNothing(t *testing.T) {
	t.Parallel()

	s := New(nil)
	err := s.AddGroup("example", []Spec{
		{Name: "good", CronExpr: "@hourly", Task: noop},
		{Name: "bad", CronExpr: "nope", Task: noop},
	})
	if err == nil {
		t.Fatal("expected error for invalid spec")
	}
	if got := len(s.Entries("example")); got != 0 {
		t.Fatalf("expected no entries after failed AddGroup, got %d", got)
	}

	if err := s.AddGroup("example", []Spec{{Name: "good", CronExpr: "@hourly", Task: noop}}); err != nil {
		t.Fatalf("AddGroup: %v", err)
	}
	if err := s.AddGroup("example", []Spec{{Name: "other", CronExpr: "@hourly", Task: noop}}); err == nil {
		t.Fatal("expected error when group already populated")
	}
	entries := s.Entries("example")
	if len(entries) != 1 || entries[0].Name != "good" || entries[0].CronExpr != "@hourly" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestAddGroup_DuplicateNames(t *testing.T) {
	t.Parallel()

	s := New(nil)
	err := s.AddGroup("g", []Spec{
		{Name: "a", CronExpr: "@hourly", Task: noop},
		{Name: "a", CronExpr: "@daily", Task: noop},
	})
	if err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestRemoveGroup(t *testing.T) {
	t.Parallel()

	s := New(nil)
	_ = s.AddGroup("g", []Spec{
		{Name: "a", CronExpr: "@hourly", Task: noop},
		{Name: "b", CronExpr: "@daily", Task: noop},
	})
	if n := s.RemoveGroup("g"); n != 2 {
		t.Errorf("expected 2 removed, got %d", n)
	}
	if n := s.RemoveGroup("g"); n != 0 {
		t.Errorf("expected second removal to be a no-op, got %d", n)
	}
}

func TestExecuteNow_RecordsOutcome(t *testing.T) {
	t.Parallel()

	var observed []ExecutionRecord
	s := New(nil, WithObserver(func(rec ExecutionRecord) { observed = append(observed, rec) }))
	_ = s.AddGroup("g", []Spec{
		{Name: "ok", CronExpr: "@hourly", Task: noop},
		{Name: "fail", CronExpr: "@hourly", Task: func(context.Context) error { return errors.New("boom") }},
		{Name: "panic", CronExpr: "@hourly", Task: func(context.Context) error { panic("bad") }},
	})

	ctx := context.Background()
	for _, name := range []string{"ok", "fail", "panic"} {
		if _, err := s.ExecuteNow(ctx, "g", name); err != nil {
			t.Fatalf("ExecuteNow(%s): %v", name, err)
		}
	}
	if _, err := s.ExecuteNow(ctx, "g", "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}

	hist := s.History("g")
	if len(hist) != 3 {
		t.Fatalf("expected 3 records, got %d", len(hist))
	}
	if hist[0].Status != ExecStatusSuccess || hist[1].Status != ExecStatusFailed || hist[2].Status != ExecStatusFailed {
		t.Errorf("unexpected statuses: %+v", hist)
	}
	if len(observed) != 3 {
		t.Errorf("expected observer to see 3 runs, got %d", len(observed))
	}
}

func TestHistoryLimit(t *testing.T) {
	t.Parallel()

	s := New(nil, WithHistoryLimit(2))
	_ = s.AddGroup("g", []Spec{{Name: "ok", CronExpr: "@hourly", Task: noop}})
	for i := 0; i < 5; i++ {
		_, _ = s.ExecuteNow(context.Background(), "g", "ok")
	}
	if got := len(s.History("g")); got != 2 {
		t.Errorf("expected history capped at 2, got %d", got)
	}
}
