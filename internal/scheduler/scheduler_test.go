package scheduler

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAddRejectsInvalidExpression(t *testing.T) {
	s := New(discard())
	if err := s.Add("bad", "not a cron", func() {}); err == nil {
		t.Fatal("expected error for invalid expression")
	}
	if err := s.Add("ok", "*/5 * * * *", func() {}); err != nil {
		t.Fatalf("valid expression rejected: %v", err)
	}
}

func TestTickRunsDueJobs(t *testing.T) {
	s := New(discard())
	var everyMinute, hourly int
	if err := s.Add("every-minute", "* * * * *", func() { everyMinute++ }); err != nil {
		t.Fatal(err)
	}
	if err := s.Add("hourly", "0 * * * *", func() { hourly++ }); err != nil {
		t.Fatal(err)
	}

	at := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	s.tick(at)

	if everyMinute != 1 {
		t.Fatalf("every-minute ran %d times", everyMinute)
	}
	if hourly != 0 {
		t.Fatalf("hourly ran at half past: %d", hourly)
	}

	s.tick(time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC))
	if hourly != 1 {
		t.Fatalf("hourly did not run on the hour: %d", hourly)
	}
}

func TestJobPanicIsContained(t *testing.T) {
	s := New(discard())
	var after int
	if err := s.Add("panicky", "* * * * *", func() { panic("boom") }); err != nil {
		t.Fatal(err)
	}
	if err := s.Add("survivor", "* * * * *", func() { after++ }); err != nil {
		t.Fatal(err)
	}

	s.tick(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	if after != 1 {
		t.Fatalf("job after the panic did not run")
	}
}
