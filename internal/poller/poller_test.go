package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"opsagent/internal/eventbus"
	"opsagent/internal/notifier"
	"opsagent/internal/reminder"
	"opsagent/internal/skill"
	"opsagent/internal/storage"
	"opsagent/internal/task/engine"
	"opsagent/internal/transport"
	"opsagent/internal/workflow"
	logx "opsagent/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSender struct {
	mu      sync.Mutex
	fail    bool
	sent    []string
	dedup   map[string]bool
	dropped int
}

func (f *fakeSender) Deliver(_ context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return &notifier.DeliveryError{Recipient: to, Attempts: 1, Err: errors.New("chat not found")}
	}
	f.sent = append(f.sent, to+"|"+text)
	return nil
}

func (f *fakeSender) DeliverOnce(ctx context.Context, to, text string) error {
	return f.Deliver(ctx, to, text)
}

func (f *fakeSender) Send(ctx context.Context, n notifier.Notification) error {
	f.mu.Lock()
	if f.dedup == nil {
		f.dedup = map[string]bool{}
	}
	if f.dedup[n.DedupKey] {
		f.dropped++
		f.mu.Unlock()
		return nil
	}
	f.dedup[n.DedupKey] = true
	f.mu.Unlock()
	return f.Deliver(ctx, n.To, n.Text)
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeAlerts struct {
	text string
	ok   bool
}

func (a fakeAlerts) AlertReport(context.Context) (string, bool, error) { return a.text, a.ok, nil }

type harness struct {
	p   *Poller
	db  *storage.DB
	rem *reminder.Service
	wf  *workflow.Service
	out *fakeSender
	bus eventbus.Bus
	reg *skill.Registry

	mu  sync.Mutex
	now time.Time
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	eng := engine.New(engine.Config{Workers: 2}, logx.Nop(), nil)
	eng.Start(ctx)
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(stopCtx)
		_ = db.Close()
	})

	h := &harness{db: db, out: &fakeSender{}, bus: eventbus.New(), reg: skill.NewRegistry(), now: base}
	h.rem = reminder.New(db, time.UTC, logx.Nop(), reminder.WithClock(h.clock))
	h.wf = workflow.New(db, h.reg, h.out, workflow.Config{DefaultRecipient: "100"}, time.UTC, logx.Nop(),
		workflow.WithClock(h.clock))
	opts = append([]Option{WithClock(h.clock)}, opts...)
	h.p = New(cfg, db, h.rem, h.wf, h.out, eng, h.bus, logx.Nop(), opts...)
	return h
}

func TestReminderCycleTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{})

	once, _ := h.rem.Add(ctx, "42", "pay rent", "now", 0)
	rec, _ := h.rem.Add(ctx, "42", "check logs", "now", 30)
	later, _ := h.rem.Add(ctx, "42", "later", "in 1 hour", 0)

	h.advance(5 * time.Second)
	if err := h.p.ReminderCycle(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := h.db.GetReminder(ctx, once.ID)
	if got.Status != storage.StatusSent {
		t.Fatalf("one-shot status = %s", got.Status)
	}
	got, _ = h.db.GetReminder(ctx, rec.ID)
	if got.Status != storage.StatusPending || !got.DueAt.Equal(base.Add(35*time.Second)) {
		t.Fatalf("recurring = %+v", got)
	}
	got, _ = h.db.GetReminder(ctx, later.ID)
	if !got.DueAt.After(base) || got.Status != storage.StatusPending {
		t.Fatalf("future reminder touched: %+v", got)
	}
	want := []string{"42|⏰ *REMINDER*\n\npay rent", "42|⏰ *REMINDER*\n\ncheck logs"}
	if msgs := h.out.messages(); len(msgs) != 2 || msgs[0] != want[0] || msgs[1] != want[1] {
		t.Fatalf("sent = %q", msgs)
	}

	// A second cycle at the same instant fires nothing.
	if err := h.p.ReminderCycle(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(h.out.messages()); n != 2 {
		t.Fatalf("sent after repeat cycle = %d", n)
	}
}

func TestRecurringEveryThirtySeconds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{})

	if _, err := h.rem.AddReminder(ctx, "42", "check logs", "in 30 seconds", 30); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		h.advance(30 * time.Second)
		if err := h.p.ReminderCycle(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(h.out.messages()); n != 4 {
		t.Fatalf("fired %d times, want 4", n)
	}
	list, _ := h.rem.Query(ctx, "42", "all")
	if len(list) != 1 || !list[0].DueAt.Equal(base.Add(150*time.Second)) {
		t.Fatalf("pending = %+v", list)
	}
}

func TestDeliveryFailureStillCommits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.out.fail = true

	r, _ := h.rem.Add(ctx, "42", "x", "now", 0)
	if err := h.p.ReminderCycle(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := h.db.GetReminder(ctx, r.ID)
	if got.Status != storage.StatusSent {
		t.Fatalf("status = %s, want sent", got.Status)
	}
}

// flakyTransport fails every send and counts the attempts.
type flakyTransport struct {
	mu    sync.Mutex
	calls int
}

func (f *flakyTransport) SendText(context.Context, transport.Recipient, string, *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return transport.MessageRef{}, errors.New("chat not found")
}

func (f *flakyTransport) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestFailedFiringIsSentOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{})
	tr := &flakyTransport{}
	notif := notifier.New(notifier.Config{RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: time.Millisecond}, tr, logx.Nop(), nil)
	p := New(Config{}, h.db, h.rem, h.wf, notif, nil, h.bus, logx.Nop(), WithClock(h.clock))

	r1, _ := h.rem.Add(ctx, "42", "first", "now", 0)
	r2, _ := h.rem.Add(ctx, "42", "second", "now", 60)
	if err := p.ReminderCycle(ctx); err != nil {
		t.Fatal(err)
	}
	if n := tr.attempts(); n != 2 {
		t.Fatalf("send attempts = %d, want one per firing", n)
	}
	if got, _ := h.db.GetReminder(ctx, r1.ID); got.Status != storage.StatusSent {
		t.Fatalf("one-shot status = %s", got.Status)
	}
	if got, _ := h.db.GetReminder(ctx, r2.ID); !got.DueAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("recurring due = %s", got.DueAt)
	}
}

func TestCorruptRowSkipped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{})
	events, unsub := h.bus.Subscribe(16)
	defer unsub()

	_, err := h.db.Conn().ExecContext(ctx,
		`INSERT INTO reminders(recipient, content, due_at, status, interval_seconds, created_at) VALUES('42','legacy','yesterday-ish','pending',0,?)`,
		storage.FormatTime(base))
	if err != nil {
		t.Fatal(err)
	}
	ok, _ := h.rem.Add(ctx, "42", "fine", "now", 0)

	if err := h.p.ReminderCycle(ctx); err != nil {
		t.Fatalf("cycle aborted: %v", err)
	}
	if got, _ := h.db.GetReminder(ctx, ok.ID); got.Status != storage.StatusSent {
		t.Fatalf("healthy reminder not fired: %+v", got)
	}

	var skipped, fired int
	for len(events) > 0 {
		switch ev := <-events; ev.Type {
		case eventbus.ItemSkipped:
			skipped++
		case eventbus.ReminderFired:
			fired++
		}
	}
	if skipped != 1 || fired != 1 {
		t.Fatalf("skipped=%d fired=%d", skipped, fired)
	}
}

func TestWorkflowCycleOneShotFiresOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.reg.MustRegister(skill.Skill{Name: "PING", Run: func(context.Context, skill.Args) (string, error) { return "pong", nil }})

	if _, err := h.wf.Schedule(ctx, workflow.TypeComposite, []byte(`{"steps":[{"skill":"PING"}]}`), "", 0); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := h.p.WorkflowCycle(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if msgs := h.out.messages(); len(msgs) != 1 || msgs[0] != "100|pong" {
		t.Fatalf("sent = %q", msgs)
	}
	if list, _ := h.wf.List(ctx); len(list) != 0 {
		t.Fatalf("one-shot workflow still stored: %+v", list)
	}
}

func TestWorkflowBodyTimeoutStillReschedules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{ItemTimeout: 50 * time.Millisecond})
	h.reg.MustRegister(skill.Skill{Name: "HANG", Run: func(ctx context.Context, _ skill.Args) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}})

	w, err := h.wf.Schedule(ctx, workflow.TypeComposite, []byte(`{"steps":[{"skill":"HANG"}]}`), "", 60)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.p.WorkflowCycle(ctx); err != nil {
		t.Fatal(err)
	}
	due, _, _ := h.db.DueWorkflows(ctx, base.Add(60*time.Second))
	if len(due) != 1 || due[0].ID != w.ID || !due[0].NextRun.Equal(base.Add(60*time.Second)) {
		t.Fatalf("due = %+v", due)
	}
}

func TestHealthCycleAlertsOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{AlertRecipient: "100"}, WithAlerts(fakeAlerts{text: "disk 95%", ok: true}))

	for i := 0; i < 3; i++ {
		if err := h.p.HealthCycle(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if msgs := h.out.messages(); len(msgs) != 1 || msgs[0] != "100|disk 95%" {
		t.Fatalf("sent = %q", msgs)
	}

	quiet := newHarness(t, Config{AlertRecipient: "100"}, WithAlerts(fakeAlerts{}))
	if err := quiet.p.HealthCycle(ctx); err != nil || len(quiet.out.messages()) != 0 {
		t.Fatalf("quiet sweep sent %q, %v", quiet.out.messages(), err)
	}
}

type fakeTriggers struct{ names []string }

func (f *fakeTriggers) AddInterval(name string, _ time.Duration, _ time.Duration, _ func(context.Context) error) (string, error) {
	f.names = append(f.names, name)
	return name, nil
}

func TestRegister(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, WithAlerts(fakeAlerts{}))
	tr := &fakeTriggers{}
	if err := h.p.Register(tr); err != nil {
		t.Fatal(err)
	}
	if len(tr.names) != 3 || tr.names[2] != ScheduleHealth {
		t.Fatalf("registered = %v", tr.names)
	}

	off := newHarness(t, Config{HealthEvery: -1}, WithAlerts(fakeAlerts{}))
	tr = &fakeTriggers{}
	_ = off.p.Register(tr)
	if len(tr.names) != 2 {
		t.Fatalf("disabled health registered = %v", tr.names)
	}

	web := newHarness(t, Config{HealthEvery: -1}, WithWebsites(&fakeWebsites{}))
	tr = &fakeTriggers{}
	_ = web.p.Register(tr)
	if len(tr.names) != 3 || tr.names[2] != ScheduleWebsites {
		t.Fatalf("website poll registered = %v", tr.names)
	}
	webOff := newHarness(t, Config{WebsiteEvery: -1}, WithWebsites(&fakeWebsites{}))
	tr = &fakeTriggers{}
	_ = webOff.p.Register(tr)
	for _, n := range tr.names {
		if n == ScheduleWebsites {
			t.Fatalf("disabled website poll registered = %v", tr.names)
		}
	}
}

type fakeWebsites struct {
	calls int
	err   error
}

func (f *fakeWebsites) Check(context.Context) error {
	f.calls++
	return f.err
}

func TestWebsiteCycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	w := &fakeWebsites{}
	h := newHarness(t, Config{}, WithWebsites(w))
	if err := h.p.WebsiteCycle(ctx); err != nil || w.calls != 1 {
		t.Fatalf("cycle = %v, calls %d", err, w.calls)
	}
	w.err = context.Canceled
	if err := h.p.WebsiteCycle(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if err := newHarness(t, Config{}).p.WebsiteCycle(ctx); err != nil {
		t.Fatalf("no monitor err = %v", err)
	}
}
