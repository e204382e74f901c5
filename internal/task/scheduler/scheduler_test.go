package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"opsagent/internal/task/engine"
	logx "opsagent/pkg/logx"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []engine.Task
	ch    chan engine.Task
}

func newFakeEnqueuer() *fakeEnqueuer {
	return &fakeEnqueuer{ch: make(chan engine.Task, 16)}
}

func (f *fakeEnqueuer) Enqueue(t engine.Task) error {
	f.mu.Lock()
	f.tasks = append(f.tasks, t)
	f.mu.Unlock()
	select {
	case f.ch <- t:
	default:
	}
	return nil
}

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "every descriptor", raw: "@every 30s", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix hhmm", raw: "every:00:10", kind: SpecInterval, source: "hhmm", duration: 10 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "-5m", "00:00", "01:75"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestRegistrationUpsertAndRunNow(t *testing.T) {
	t.Parallel()
	eng := newFakeEnqueuer()
	s := New(Config{Timezone: "UTC"}, eng, logx.Nop())

	job := func(context.Context) error { return nil }
	if _, err := s.AddInterval("reminders.poll", time.Minute, time.Second, job); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddSchedule("reminders.poll", "30s", time.Second, job); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddCron("bad", "not a cron", 0, job); err == nil {
		t.Fatal("invalid cron should fail")
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "@every 30s" {
		t.Fatalf("schedules = %+v", snap.Schedules)
	}

	if err := s.RunNow("reminders.poll"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	got := <-eng.ch
	if got.Name != "reminders.poll" || got.Opt.Overlap != OverlapSkipIfRunning || got.State == nil {
		t.Fatalf("enqueued task = %+v", got)
	}
	if err := s.RunNow("missing"); err == nil {
		t.Fatal("RunNow on unknown schedule should fail")
	}
	if !s.Remove("reminders.poll") || s.Remove("reminders.poll") {
		t.Fatal("Remove should report removal exactly once")
	}
}

func TestIntervalTriggers(t *testing.T) {
	t.Parallel()
	eng := newFakeEnqueuer()
	s := New(Config{}, eng, logx.Nop())
	if _, err := s.AddInterval("tick", time.Second, 0, func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	select {
	case got := <-eng.ch:
		if got.Name != "tick" {
			t.Fatalf("task name = %q", got.Name)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("interval did not trigger")
	}
	if snap := s.Snapshot(); !snap.Started || snap.Schedules[0].Next.IsZero() {
		t.Fatalf("snapshot = %+v", snap)
	}
}
