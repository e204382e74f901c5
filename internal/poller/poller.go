// Package poller drives reminders, workflows and health alerts from storage.
//
// Each store has its own cadence, registered on the cron trigger layer with
// skip-if-running overlap, so two cycles of the same store never run at
// once. A cycle re-reads storage, processes due items one at a time in
// (due, id) order and commits each item's transition before moving on.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"opsagent/internal/eventbus"
	"opsagent/internal/notifier"
	"opsagent/internal/reminder"
	"opsagent/internal/storage"
	"opsagent/internal/task/engine"
	"opsagent/internal/transport"
	"opsagent/internal/workflow"
	logx "opsagent/pkg/logx"
)

const (
	ScheduleReminders = "poll:reminders"
	ScheduleWorkflows = "poll:workflows"
	ScheduleHealth    = "poll:health"
	ScheduleWebsites  = "poll:websites"
)

// Config durations; zero values take defaults. HealthEvery < 0 disables the
// alert sweep and WebsiteEvery < 0 the website checks.
type Config struct {
	ReminderEvery time.Duration
	WorkflowEvery time.Duration
	HealthEvery   time.Duration
	WebsiteEvery  time.Duration
	// ItemTimeout bounds one workflow body.
	ItemTimeout time.Duration
	// AlertRecipient receives health alerts.
	AlertRecipient string
	// AlertRepeat suppresses an identical alert for this long.
	AlertRepeat time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReminderEvery <= 0 {
		c.ReminderEvery = 30 * time.Second
	}
	if c.WorkflowEvery <= 0 {
		c.WorkflowEvery = 60 * time.Second
	}
	if c.HealthEvery == 0 {
		c.HealthEvery = 10 * time.Minute
	}
	if c.WebsiteEvery == 0 {
		c.WebsiteEvery = 5 * time.Minute
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 2 * time.Minute
	}
	if c.AlertRepeat <= 0 {
		c.AlertRepeat = time.Hour
	}
	return c
}

// Triggers registers periodic jobs (scheduler.Service).
type Triggers interface {
	AddInterval(name string, every time.Duration, timeout time.Duration, job func(ctx context.Context) error) (string, error)
}

// Runner runs a task and reports its result (engine.Service).
type Runner interface {
	Go(ctx context.Context, t engine.Task) <-chan engine.Result
}

// Sender delivers reminder texts and health alerts (notifier.Service).
// Firings use DeliverOnce: a failed delivery is logged, never retried in
// the same cycle.
type Sender interface {
	DeliverOnce(ctx context.Context, recipient, text string) error
	Send(ctx context.Context, n notifier.Notification) error
}

// once adapts Sender to the reminder.Deliverer method set.
type once struct{ s Sender }

func (o once) Deliver(ctx context.Context, recipient, text string) error {
	return o.s.DeliverOnce(ctx, recipient, text)
}

// Alerts produces the alerts-only health report. ok is false when no
// threshold tripped.
type Alerts interface {
	AlertReport(ctx context.Context) (text string, ok bool, err error)
}

// Websites checks monitored pages once per call (monitor.Monitor).
type Websites interface {
	Check(ctx context.Context) error
}

// ItemEvent is the Data of reminder.fired, workflow.fired and
// scheduler.item_skipped events.
type ItemEvent struct {
	Kind    string    `json:"kind"`
	ID      int64     `json:"id"`
	FiredAt time.Time `json:"fired_at,omitempty"`
	Error   string    `json:"error,omitempty"`
}

type Poller struct {
	cfg Config
	db  *storage.DB

	reminders *reminder.Service
	workflows *workflow.Service
	alerts    Alerts
	websites  Websites

	out    Sender
	runner Runner
	bus    eventbus.Bus
	log    logx.Logger

	now func() time.Time
}

type Option func(*Poller)

func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// WithAlerts enables the periodic health alert sweep.
func WithAlerts(a Alerts) Option {
	return func(p *Poller) { p.alerts = a }
}

// WithWebsites enables the website change checks.
func WithWebsites(w Websites) Option {
	return func(p *Poller) { p.websites = w }
}

func New(cfg Config, db *storage.DB, rem *reminder.Service, wf *workflow.Service, out Sender, runner Runner, bus eventbus.Bus, log logx.Logger, opts ...Option) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Poller{
		cfg:       cfg.withDefaults(),
		db:        db,
		reminders: rem,
		workflows: wf,
		out:       out,
		runner:    runner,
		bus:       bus,
		log:       log.With(logx.String("comp", "poller")),
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Register installs the poll cadences on t.
func (p *Poller) Register(t Triggers) error {
	if _, err := t.AddInterval(ScheduleReminders, p.cfg.ReminderEvery, 0, p.ReminderCycle); err != nil {
		return fmt.Errorf("register reminder poll: %w", err)
	}
	if _, err := t.AddInterval(ScheduleWorkflows, p.cfg.WorkflowEvery, 0, p.WorkflowCycle); err != nil {
		return fmt.Errorf("register workflow poll: %w", err)
	}
	if p.alerts != nil && p.cfg.HealthEvery > 0 {
		if _, err := t.AddInterval(ScheduleHealth, p.cfg.HealthEvery, p.cfg.ItemTimeout, p.HealthCycle); err != nil {
			return fmt.Errorf("register health poll: %w", err)
		}
	}
	if p.websites != nil && p.cfg.WebsiteEvery > 0 {
		if _, err := t.AddInterval(ScheduleWebsites, p.cfg.WebsiteEvery, 0, p.WebsiteCycle); err != nil {
			return fmt.Errorf("register website poll: %w", err)
		}
	}
	p.log.Info("poll cadences registered",
		logx.Duration("reminders", p.cfg.ReminderEvery),
		logx.Duration("workflows", p.cfg.WorkflowEvery),
		logx.Duration("health", p.cfg.HealthEvery),
		logx.Duration("websites", p.cfg.WebsiteEvery),
	)
	return nil
}

// ReminderCycle fires every due reminder. Only a failed due query is
// returned; per-item failures are logged.
func (p *Poller) ReminderCycle(ctx context.Context) error {
	due, corrupt, err := p.db.DueReminders(ctx, p.now())
	if err != nil {
		return fmt.Errorf("load due reminders: %w", err)
	}
	p.skipCorrupt("reminder", corrupt)

	for _, r := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		firedAt := p.now()
		ev := ItemEvent{Kind: "reminder", ID: r.ID, FiredAt: firedAt}
		if err := p.reminders.Fire(ctx, r, firedAt, once{p.out}); err != nil {
			ev.Error = err.Error()
			var de *notifier.DeliveryError
			if !errors.As(err, &de) {
				p.log.Error("reminder transition failed", logx.Int64("id", r.ID), logx.Err(err))
			}
		}
		eventbus.Emit(p.bus, eventbus.ReminderFired, ev)
	}
	return nil
}

// WorkflowCycle runs every due workflow body on the runner and commits the
// transition whatever the body's outcome.
func (p *Poller) WorkflowCycle(ctx context.Context) error {
	due, corrupt, err := p.db.DueWorkflows(ctx, p.now())
	if err != nil {
		return fmt.Errorf("load due workflows: %w", err)
	}
	p.skipCorrupt("workflow", corrupt)

	for _, w := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		firedAt := p.now()
		ev := ItemEvent{Kind: "workflow", ID: w.ID, FiredAt: firedAt}

		if err := p.runBody(ctx, w); err != nil {
			ev.Error = err.Error()
			p.log.Warn("workflow body failed", logx.Int64("id", w.ID), logx.String("type", w.Type), logx.Err(err))
		}
		if err := p.workflows.Commit(ctx, w, firedAt); err != nil {
			ev.Error = err.Error()
			p.log.Error("workflow transition failed", logx.Int64("id", w.ID), logx.Err(err))
		}
		eventbus.Emit(p.bus, eventbus.WorkflowFired, ev)
	}
	return nil
}

func (p *Poller) runBody(ctx context.Context, w storage.Workflow) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ItemTimeout)
	defer cancel()

	res := p.runner.Go(ctx, engine.Task{
		Name:    fmt.Sprintf("workflow:%d", w.ID),
		Timeout: p.cfg.ItemTimeout,
		Opt:     engine.TaskOptions{RetryMax: engine.NoRetries},
		Run: func(ctx context.Context) error {
			return p.workflows.Execute(ctx, w)
		},
	})
	select {
	case r := <-res:
		return r.Err
	case <-ctx.Done():
		return fmt.Errorf("workflow %d: %w", w.ID, ctx.Err())
	}
}

// HealthCycle sends the alerts-only report when a threshold tripped.
// Identical alerts are suppressed for AlertRepeat.
func (p *Poller) HealthCycle(ctx context.Context) error {
	if p.alerts == nil {
		return nil
	}
	text, ok, err := p.alerts.AlertReport(ctx)
	if err != nil {
		return fmt.Errorf("health alert sweep: %w", err)
	}
	if !ok {
		return nil
	}
	if p.cfg.AlertRecipient == "" {
		p.log.Warn("health alert tripped but no alert recipient configured")
		return nil
	}
	return p.out.Send(ctx, notifier.Notification{
		To:          p.cfg.AlertRecipient,
		Text:        text,
		Options:     &transport.SendOptions{ParseMode: "Markdown"},
		DedupKey:    "health:" + text,
		DedupWindow: p.cfg.AlertRepeat,
		NoRetry:     true,
	})
}

// WebsiteCycle runs one pass over the monitored pages.
func (p *Poller) WebsiteCycle(ctx context.Context) error {
	if p.websites == nil {
		return nil
	}
	if err := p.websites.Check(ctx); err != nil {
		return fmt.Errorf("website check: %w", err)
	}
	return nil
}

func (p *Poller) skipCorrupt(kind string, rows []storage.CorruptRow) {
	for _, c := range rows {
		p.log.Warn("skipping row with corrupt timestamp",
			logx.String("kind", kind), logx.Int64("id", c.ID), logx.String("raw", c.Raw))
		eventbus.Emit(p.bus, eventbus.ItemSkipped, ItemEvent{Kind: kind, ID: c.ID, Error: c.Error()})
	}
}
