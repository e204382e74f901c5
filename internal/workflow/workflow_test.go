package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"opsagent/internal/skill"
	"opsagent/internal/storage"
	"opsagent/internal/timeparse"
	logx "opsagent/pkg/logx"
)

type delivery struct{ to, text string }

type fakeOut struct {
	mu   sync.Mutex
	sent []delivery
}

func (f *fakeOut) Deliver(_ context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, delivery{to, text})
	return nil
}

type fakeHealth struct{}

func (fakeHealth) FullReport(context.Context) (string, error) { return "all good", nil }
func (fakeHealth) LocalUsage(context.Context) (float64, float64, error) {
	return 12.5, 40, nil
}

var base = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, *storage.DB, *fakeOut) {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	reg := skill.NewRegistry()
	reg.MustRegister(
		skill.Skill{Name: "A", Run: func(context.Context, skill.Args) (string, error) { return "alpha", nil }},
		skill.Skill{Name: "B", Run: func(context.Context, skill.Args) (string, error) { return "", errors.New("boom") }},
		skill.Skill{Name: "C", Run: func(context.Context, skill.Args) (string, error) { return "gamma", nil }},
		skill.Skill{Name: "EMPTY", Run: func(context.Context, skill.Args) (string, error) { return "  ", nil }},
		skill.Skill{
			Name:   "WHOAMI",
			Params: []skill.Param{skill.Required(skill.ParamRecipient)},
			Run: func(_ context.Context, a skill.Args) (string, error) {
				return "you are " + a.String(skill.ParamRecipient), nil
			},
		},
	)
	out := &fakeOut{}
	cfg := Config{
		DefaultRecipient: "100",
		Users:            map[string]string{"suman": "200", "al": "300", "alex": "400"},
	}
	s := New(db, reg, out, cfg, time.UTC, logx.Nop(),
		WithClock(func() time.Time { return base }), WithHealth(fakeHealth{}))
	reg.MustRegister(s.Skills()...)
	return s, db, out
}

func TestResolveUser(t *testing.T) {
	t.Parallel()
	users := map[string]string{"suman": "1", "al": "2", "alex": "3"}
	tests := []struct {
		in, want string
		err      error
	}{
		{in: "suman", want: "1"},
		{in: "SUMAN", want: "1"},
		{in: "Alexander", want: "3"},
		{in: "hey al", want: "2"},
		{in: "-100123", want: "-100123"},
		{in: "42", want: "42"},
		{in: "bob", err: ErrUnknownUser},
		{in: "", err: ErrUnknownUser},
	}
	for _, tt := range tests {
		got, err := ResolveUser(users, tt.in)
		if tt.err != nil {
			if !errors.Is(err, tt.err) {
				t.Fatalf("ResolveUser(%q) err = %v, want %v", tt.in, err, tt.err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("ResolveUser(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestSchedule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _, _ := newService(t)

	w, err := s.Schedule(ctx, "erp_tasks", nil, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if w.Type != TypeERPTasks || !w.NextRun.Equal(base) || string(w.Params) != "{}" {
		t.Fatalf("scheduled = %+v", w)
	}

	w, err = s.Schedule(ctx, "briefing", nil, "soonish", 3600)
	if err != nil || !w.NextRun.Equal(base.Add(time.Hour)) {
		t.Fatalf("fallback = %+v, %v", w, err)
	}

	if _, err := s.Schedule(ctx, "briefing", nil, "soonish", 0); !errors.Is(err, timeparse.ErrParse) {
		t.Fatalf("one-shot parse err = %v", err)
	}
	if _, err := s.Schedule(ctx, "FOO", nil, "", 0); !errors.Is(err, ErrUnknownWorkflowType) {
		t.Fatalf("unknown type err = %v", err)
	}
	_, err = s.Schedule(ctx, TypeNotifyUser, json.RawMessage(`{"target_user":"suman"}`), "", 0)
	if !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("missing skill_name err = %v", err)
	}
	_, err = s.Schedule(ctx, TypeComposite, json.RawMessage(`{"steps":[]}`), "", 0)
	if !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("empty steps err = %v", err)
	}
}

func TestScheduleSkillText(t *testing.T) {
	t.Parallel()
	s, _, _ := newService(t)
	out, err := s.skills.Dispatch(context.Background(), "SCHEDULE_WORKFLOW", map[string]any{
		"type":             "SYSTEM_HEALTH",
		"time":             "2025-06-01 09:30",
		"interval_seconds": float64(600),
	}, skill.Context{})
	if err != nil {
		t.Fatal(err)
	}
	if out != "✅ Scheduled *SYSTEM_HEALTH* starting at 2025-06-01 09:30:00 (Runs every 600s)" {
		t.Fatalf("out = %q", out)
	}
}

func TestCancelWorkflow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _, _ := newService(t)

	a, _ := s.Schedule(ctx, TypeBriefing, nil, "", 60)
	b, _ := s.Schedule(ctx, TypeBriefing, nil, "", 120)
	_, _ = s.Schedule(ctx, TypeSystemHealth, nil, "", 60)

	out, _ := s.skills.Dispatch(ctx, "CANCEL_WORKFLOW", map[string]any{"workflow_type": "briefing"}, skill.Context{})
	want := "✅ Cancelled 2 workflows of type 'briefing' (IDs: " + itoa(a.ID) + ", " + itoa(b.ID) + ")."
	if out != want {
		t.Fatalf("by type = %q, want %q", out, want)
	}
	out, _ = s.skills.Dispatch(ctx, "CANCEL_WORKFLOW", map[string]any{"workflow_type": "BRIEFING"}, skill.Context{})
	if out != "⚠️ No workflows found of type 'BRIEFING'." {
		t.Fatalf("none left = %q", out)
	}
	out, _ = s.skills.Dispatch(ctx, "CANCEL_WORKFLOW", nil, skill.Context{})
	if out != "⚠️ Please provide either workflow_id or workflow_type." {
		t.Fatalf("no args = %q", out)
	}
	out, _ = s.skills.Dispatch(ctx, "CANCEL_WORKFLOW", map[string]any{"workflow_id": "999"}, skill.Context{})
	if !strings.HasPrefix(out, "⚠️ No workflow found") {
		t.Fatalf("missing id = %q", out)
	}
}

func TestCancelAllReturnsCount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _, _ := newService(t)
	for _, typ := range []string{TypeBriefing, TypeSystemHealth, TypeERPInvoices} {
		if _, err := s.Schedule(ctx, typ, nil, "", 60); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := s.CancelType(ctx, "all")
	if err != nil || len(ids) != 3 {
		t.Fatalf("CancelType(all) = %v, %v", ids, err)
	}
	if list, _ := s.List(ctx); len(list) != 0 {
		t.Fatalf("left = %+v", list)
	}
	out, _ := s.skills.Dispatch(ctx, "CANCEL_WORKFLOW", map[string]any{"workflow_type": "ALL"}, skill.Context{})
	if out != "⚠️ No active workflows to cancel." {
		t.Fatalf("empty all = %q", out)
	}
}

func TestCompositeContinuesAfterFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _, out := newService(t)

	w, err := s.Schedule(ctx, TypeComposite,
		json.RawMessage(`{"title":"Daily","steps":[{"skill":"A"},{"skill":"B"},{"skill":"C"}]}`), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Execute(ctx, w); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(out.sent) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(out.sent))
	}
	got := out.sent[0]
	if got.to != "100" {
		t.Fatalf("to = %q", got.to)
	}
	want := "*Daily*\n\nalpha\n\n❌ B: boom\n\ngamma"
	if got.text != want {
		t.Fatalf("text = %q, want %q", got.text, want)
	}
}

func TestOneShotWorkflowFiresOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _, out := newService(t)

	w, err := s.Schedule(ctx, TypeNotifyUser,
		json.RawMessage(`{"target_user":"Alexander","skill_name":"WHOAMI"}`), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Execute(ctx, w); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(ctx, w, base); err != nil {
		t.Fatal(err)
	}
	if list, _ := s.List(ctx); len(list) != 0 {
		t.Fatalf("one-shot still listed: %+v", list)
	}
	if err := s.Commit(ctx, w, base); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second commit err = %v", err)
	}
	if len(out.sent) != 1 || out.sent[0] != (delivery{"400", "you are 400"}) {
		t.Fatalf("sent = %+v", out.sent)
	}
}

func TestRecurringCommitAdvances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, db, _ := newService(t)

	w, _ := s.Schedule(ctx, TypeBriefing, nil, "", 86400)
	fired := base.Add(45 * time.Second)
	if err := s.Commit(ctx, w, fired); err != nil {
		t.Fatal(err)
	}
	due, _, _ := db.DueWorkflows(ctx, fired.Add(86400*time.Second))
	if len(due) != 1 || !due[0].NextRun.Equal(fired.Add(24*time.Hour)) {
		t.Fatalf("due = %+v", due)
	}
}

func TestNotifyUserSkill(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _, out := newService(t)

	tests := []struct {
		bag  map[string]any
		want string
	}{
		{map[string]any{"target_user": "bob", "skill_name": "A"}, "⚠️ User 'bob' not found in configuration."},
		{map[string]any{"target_user": "suman", "skill_name": "empty"}, "⚠️ EMPTY returned no output."},
		{map[string]any{"target_user": "suman", "skill_name": "a"}, "✅ Sent output of *A* to *suman*."},
	}
	for _, tt := range tests {
		got, err := s.skills.Dispatch(ctx, "NOTIFY_USER", tt.bag, skill.Context{Recipient: "100"})
		if err != nil || got != tt.want {
			t.Fatalf("NOTIFY_USER(%v) = %q, %v; want %q", tt.bag, got, err, tt.want)
		}
	}
	if len(out.sent) != 1 || out.sent[0] != (delivery{"200", "alpha"}) {
		t.Fatalf("sent = %+v", out.sent)
	}

	_, err := s.skills.Dispatch(ctx, "NOTIFY_USER", map[string]any{"target_user": "suman", "skill_name": "NOPE"}, skill.Context{})
	if !errors.Is(err, skill.ErrUnknownSkill) {
		t.Fatalf("unknown inner skill err = %v", err)
	}
}

func TestBriefing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, db, _ := newService(t)

	if _, err := db.InsertReminder(ctx, storage.Reminder{Recipient: "100", Content: "standup", DueAt: base.Add(2 * time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.InsertReminder(ctx, storage.Reminder{Recipient: "100", Content: "next day", DueAt: base.Add(30 * time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.AddNote(ctx, "100", "buy milk"); err != nil {
		t.Fatal(err)
	}

	text, err := s.Briefing(ctx, "100")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"🌅 *Morning Briefing* - 01 Jun 2025",
		"- standup at 10:00",
		"*📝 Recent Notes:*\n- buy milk",
		"CPU: 12.5% | RAM: 40.0%",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("briefing missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "next day") {
		t.Fatalf("briefing includes tomorrow's reminder:\n%s", text)
	}
}

func TestEnsureScheduled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _, _ := newService(t)
	for i, want := range []bool{true, false} {
		got, err := s.EnsureScheduled(ctx, "BRIEFING", nil, "", 86400)
		if err != nil || got != want {
			t.Fatalf("call %d = %v, %v; want %v", i, got, err, want)
		}
	}
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
