package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"opsagent/internal/classifier"
	"opsagent/internal/skill"
	"opsagent/internal/storage"
	"opsagent/internal/task/engine"
	"opsagent/internal/timeparse"
	"opsagent/internal/transport"
	"opsagent/internal/workflow"
	logx "opsagent/pkg/logx"
)

type sentMsg struct {
	to   string
	text string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMsg
}

func (f *fakeSender) SendText(_ context.Context, to transport.Recipient, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{to: to.String(), text: text})
	return transport.MessageRef{Chat: to, MessageID: len(f.sent)}, nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.text)
	}
	return out
}

type fakeClassifier struct {
	intent classifier.Intent
	err    error
	reply  string
	hist   []classifier.Message
}

func (f *fakeClassifier) Classify(context.Context, string, string, time.Time) (classifier.Intent, error) {
	return f.intent, f.err
}

func (f *fakeClassifier) Reply(_ context.Context, history []classifier.Message, _ string, _ time.Time) (string, error) {
	f.hist = history
	return f.reply, nil
}

// syncRunner runs tasks inline under their timeout.
type syncRunner struct{}

func (syncRunner) Go(ctx context.Context, t engine.Task) <-chan engine.Result {
	out := make(chan engine.Result, 1)
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	out <- engine.Result{ID: t.ID, Err: t.Run(ctx)}
	return out
}

type memHistory struct {
	entries []storage.ChatEntry
}

func (m *memHistory) AppendChat(_ context.Context, e storage.ChatEntry) error {
	m.entries = append(m.entries, e)
	return nil
}

func (m *memHistory) RecentChat(_ context.Context, recipient string, limit int) ([]storage.ChatEntry, error) {
	var out []storage.ChatEntry
	for _, e := range m.entries {
		if e.Recipient == recipient {
			out = append(out, e)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func testRegistry(t *testing.T) *skill.Registry {
	t.Helper()
	r := skill.NewRegistry()
	r.MustRegister(
		skill.Skill{Name: "ADD_NOTE", Description: "save a note", Params: []skill.Param{skill.Required("content"), skill.Required(skill.ParamRecipient)},
			Run: func(_ context.Context, a skill.Args) (string, error) {
				return "saved " + a.String("content") + " for " + a.String(skill.ParamRecipient), nil
			}},
		skill.Skill{Name: "ADD_REMINDER", Description: "remind", Params: []skill.Param{skill.Required("time")},
			Run: func(_ context.Context, a skill.Args) (string, error) {
				return "", &timeparse.ParseError{Input: a.String("time")}
			}},
		skill.Skill{Name: "SCHEDULE_WORKFLOW", Description: "schedule",
			Run: func(context.Context, skill.Args) (string, error) {
				return "", &workflow.UnknownWorkflowTypeError{Type: "DANCE"}
			}},
		skill.Skill{Name: "BROKEN", Description: "fails",
			Run: func(context.Context, skill.Args) (string, error) { return "", errors.New("db is locked") }},
		skill.Skill{Name: "SLOW", Description: "blocks",
			Run: func(ctx context.Context, _ skill.Args) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			}},
		skill.Skill{Name: "QUERY_SCHEDULE", Params: []skill.Param{skill.Optional("time_range", "all")},
			Run: func(_ context.Context, a skill.Args) (string, error) { return "range=" + a.String("time_range"), nil }},
	)
	return r
}

func newTestDispatcher(t *testing.T, cfg Config, cls *fakeClassifier, hist History) (*Dispatcher, *fakeSender) {
	t.Helper()
	out := &fakeSender{}
	if cfg.SkillTimeout == 0 {
		cfg.SkillTimeout = 50 * time.Millisecond
	}
	d := New(cfg, out, Services{Skills: testRegistry(t), Classifier: cls, Runner: syncRunner{}, History: hist}, logx.Nop())
	return d, out
}

func msg(chat string, from int64, text string) transport.Message {
	return transport.Message{Chat: transport.Recipient(chat), FromID: from, Text: text}
}

func TestFreeTextSkillOutcomes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		intent classifier.Intent
		err    error
		want   []string
	}{
		{"skill ok", classifier.Intent{Action: "ADD_NOTE", Params: map[string]any{"content": "milk"}},
			nil, []string{"⚡ Executing ADD_NOTE...", "saved milk for 42"}},
		{"unknown skill", classifier.Intent{Action: "FLY"}, nil, []string{"❓ Skill not found: FLY"}},
		{"bad time", classifier.Intent{Action: "ADD_REMINDER", Params: map[string]any{"time": "soonish"}},
			nil, []string{"⚡ Executing ADD_REMINDER...", "❓ Couldn't parse time: \"soonish\"."}},
		{"unknown workflow type", classifier.Intent{Action: "SCHEDULE_WORKFLOW"},
			nil, []string{"⚡ Executing SCHEDULE_WORKFLOW...", "❓ Unknown workflow type: DANCE"}},
		{"execution error", classifier.Intent{Action: "BROKEN"},
			nil, []string{"⚡ Executing BROKEN...", "⚠️ Error executing BROKEN: db is locked"}},
		{"timeout", classifier.Intent{Action: "SLOW"},
			nil, []string{"⚡ Executing SLOW...", "⚠️ Error executing SLOW: timed out after 50ms"}},
		{"unparseable", classifier.Intent{}, classifier.ErrUnparseable, []string{textBrainFreeze}},
	}
	for _, tt := range tests {
		d, out := newTestDispatcher(t, Config{}, &fakeClassifier{intent: tt.intent, err: tt.err}, nil)
		if err := d.Handle(context.Background(), msg("42", 7, "do the thing")); err != nil {
			t.Fatalf("%s: Handle: %v", tt.name, err)
		}
		got := out.texts()
		if len(got) != len(tt.want) {
			t.Fatalf("%s: sent %q, want %q", tt.name, got, tt.want)
		}
		for i := range got {
			if !strings.HasPrefix(got[i], tt.want[i]) {
				t.Fatalf("%s: message %d = %q, want prefix %q", tt.name, i, got[i], tt.want[i])
			}
		}
	}
}

func TestChatUsesAndStoresHistory(t *testing.T) {
	t.Parallel()
	hist := &memHistory{entries: []storage.ChatEntry{
		{Recipient: "42", Role: "user", Content: "hi"},
		{Recipient: "42", Role: "assistant", Content: "hello"},
		{Recipient: "99", Role: "user", Content: "other chat"},
	}}
	cls := &fakeClassifier{intent: classifier.Intent{Action: classifier.ActionChat}, reply: "I'm fine"}
	d, out := newTestDispatcher(t, Config{}, cls, hist)

	if err := d.Handle(context.Background(), msg("42", 7, "how are you?")); err != nil {
		t.Fatal(err)
	}
	if got := out.texts(); len(got) != 1 || got[0] != "I'm fine" {
		t.Fatalf("sent = %q", got)
	}
	if len(cls.hist) != 2 || cls.hist[0].Content != "hi" || cls.hist[1].Role != "assistant" {
		t.Fatalf("history passed = %+v", cls.hist)
	}
	n := len(hist.entries)
	if n != 5 || hist.entries[n-2].Content != "how are you?" || hist.entries[n-1].Content != "I'm fine" {
		t.Fatalf("stored = %+v", hist.entries)
	}
}

func TestCommands(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text string
		want string
	}{
		{"/note buy milk", "saved buy milk for 42"},
		{"/note", "Usage: /note <text>"},
		{"/reminders@opsbot", "range=all"},
		{"/status", "❓ Skill not found: SYSTEM_STATUS"},
		{"/dance", textUnknownCmd},
	}
	for _, tt := range tests {
		d, out := newTestDispatcher(t, Config{}, &fakeClassifier{}, nil)
		_ = d.Handle(context.Background(), msg("42", 7, tt.text))
		if got := out.texts(); len(got) != 1 || got[0] != tt.want {
			t.Fatalf("%s: sent %q, want %q", tt.text, got, tt.want)
		}
	}

	d, out := newTestDispatcher(t, Config{}, &fakeClassifier{}, nil)
	_ = d.Handle(context.Background(), msg("42", 7, "/help"))
	if got := out.texts(); len(got) != 1 || !strings.Contains(got[0], "/note <text> - Save a quick note") || !strings.Contains(got[0], `"ADD_NOTE": save a note`) {
		t.Fatalf("help = %q", got)
	}
	if menu := d.MenuCommands(); len(menu) != 8 || menu[0].Command != "start" {
		t.Fatalf("menu = %+v", menu)
	}
}

func TestOwnerFilter(t *testing.T) {
	t.Parallel()
	d, out := newTestDispatcher(t, Config{OwnerUserIDs: []int64{7}, OwnerChats: []string{"1001"}}, &fakeClassifier{}, nil)

	_ = d.Handle(context.Background(), msg("555", 8, "/note hi"))
	if got := out.texts(); len(got) != 0 {
		t.Fatalf("stranger served: %q", got)
	}
	_ = d.Handle(context.Background(), msg("555", 7, "/note from owner"))
	_ = d.Handle(context.Background(), msg("1001", 9, "/note from owner chat"))
	if got := out.texts(); len(got) != 2 {
		t.Fatalf("owners not served: %q", got)
	}
}

func TestRunServesUpdates(t *testing.T) {
	t.Parallel()
	d, out := newTestDispatcher(t, Config{Workers: 2}, &fakeClassifier{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan transport.Update)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, updates) }()

	m := msg("42", 7, "/note ping")
	updates <- transport.Update{Message: &m}
	updates <- transport.Update{}

	deadline := time.After(2 * time.Second)
	for len(out.texts()) == 0 {
		select {
		case <-deadline:
			t.Fatal("no reply from Run")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
