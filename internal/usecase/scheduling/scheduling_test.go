package scheduling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(newTestLogger())
	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}

func TestSchedulerTaskFires(t *testing.T) {
	var count atomic.Int32
	s := NewScheduler(newTestLogger())
	err := s.Add(Task{Name: "sweep", Schedule: "50ms", Run: func(context.Context) error {
		count.Add(1)
		return nil
	}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	s.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	s.Stop()

	if c := count.Load(); c < 1 {
		t.Errorf("task fired %d times, expected at least 1", c)
	}
}

func TestSchedulerFailingTaskKeepsRunning(t *testing.T) {
	var count atomic.Int32
	s := NewScheduler(newTestLogger())
	_ = s.Add(Task{Name: "flaky", Schedule: "30ms", Run: func(context.Context) error {
		count.Add(1)
		return errors.New("database is locked")
	}})

	s.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	s.Stop()

	if c := count.Load(); c < 2 {
		t.Errorf("task fired %d times, expected at least 2", c)
	}
}

func TestSchedulerStopCancelsTaskContext(t *testing.T) {
	started := make(chan struct{})
	var cancelled atomic.Bool
	s := NewScheduler(newTestLogger())
	_ = s.Add(Task{Name: "long", Schedule: "20ms", Run: func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}})

	s.Start(context.Background())
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("task never started")
	}
	s.Stop()

	if !cancelled.Load() {
		t.Error("expected task context to be cancelled on Stop")
	}
}

func TestSchedulerAddErrors(t *testing.T) {
	s := NewScheduler(newTestLogger())
	noop := func(context.Context) error { return nil }

	if err := s.Add(Task{Name: "bad", Schedule: "not-a-schedule", Run: noop}); err == nil {
		t.Error("expected error for invalid schedule")
	}
	if err := s.Add(Task{Name: "nojob", Schedule: "1h"}); err == nil {
		t.Error("expected error for missing job")
	}
	if err := s.Add(Task{Name: "dup", Schedule: "1h", Run: noop}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(Task{Name: "dup", Schedule: "1h", Run: noop}); err == nil {
		t.Error("expected error for duplicate task")
	}
}

func TestSchedulerRemoveAndNextRun(t *testing.T) {
	s := NewScheduler(newTestLogger())
	_ = s.Add(Task{Name: "sweep", Schedule: "1h", Run: func(context.Context) error { return nil }})
	s.Start(context.Background())
	defer s.Stop()

	// The cron loop computes Next asynchronously after Start.
	deadline := time.Now().Add(time.Second)
	for s.NextRun("sweep") == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	next := s.NextRun("sweep")
	if next == nil || next.Before(time.Now()) {
		t.Fatalf("unexpected next run %v", next)
	}

	if err := s.Remove("sweep"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if s.NextRun("sweep") != nil {
		t.Error("expected no next run after remove")
	}
	if err := s.Remove("sweep"); err == nil {
		t.Error("expected error removing unknown task")
	}
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"*/5 * * * *", false},
		{"@daily", false},
		{"0 3 * * *", false},
		{"30m", false},
		{"10ms", false},
		{"", true},
		{"-1h", true},
		{"every tuesday", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			_, err := ParseSchedule(tt.in)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSchedule(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
		})
	}
}

func TestConstantDelayNext(t *testing.T) {
	sched, err := ParseSchedule("250ms")
	if err != nil {
		t.Fatal(err)
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := sched.Next(base); !got.Equal(base.Add(250 * time.Millisecond)) {
		t.Errorf("Next = %v", got)
	}
}
