// Package reminder implements one-shot and recurring personal reminders.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"opsagent/internal/storage"
	"opsagent/internal/timeparse"
	logx "opsagent/pkg/logx"
)

// Deliverer sends text to a recipient.
type Deliverer interface {
	Deliver(ctx context.Context, recipient, text string) error
}

var ErrInvalidRange = errors.New("unknown time range")

// Service owns reminder creation, cancellation, queries and firing.
type Service struct {
	db       *storage.DB
	resolver *timeparse.Resolver
	loc      *time.Location
	log      logx.Logger

	now func() time.Time
}

type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(db *storage.DB, loc *time.Location, log logx.Logger, opts ...Option) *Service {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		db:       db,
		resolver: timeparse.New(loc),
		loc:      loc,
		log:      log.With(logx.String("comp", "reminder")),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add resolves timeText and stores the reminder. An unparseable time falls
// back to now+interval for recurring reminders and is an error otherwise.
func (s *Service) Add(ctx context.Context, recipient, content, timeText string, intervalSeconds int64) (storage.Reminder, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return storage.Reminder{}, errors.New("reminder content is empty")
	}
	if strings.TrimSpace(recipient) == "" {
		return storage.Reminder{}, errors.New("reminder recipient is required")
	}
	if intervalSeconds < 0 {
		return storage.Reminder{}, fmt.Errorf("interval_seconds must be >= 0, got %d", intervalSeconds)
	}
	now := s.now()
	due, err := s.resolver.Resolve(timeText, now)
	if err != nil {
		if intervalSeconds <= 0 {
			return storage.Reminder{}, err
		}
		due = now.Add(time.Duration(intervalSeconds) * time.Second).UTC()
	}
	r, err := s.db.InsertReminder(ctx, storage.Reminder{
		Recipient:       recipient,
		Content:         content,
		DueAt:           due,
		IntervalSeconds: intervalSeconds,
	})
	if err != nil {
		return storage.Reminder{}, err
	}
	s.log.Info("reminder added", logx.Int64("id", r.ID), logx.String("recipient", recipient), logx.Time("due", r.DueAt), logx.Int64("interval", intervalSeconds))
	return r, nil
}

// AddReminder is Add rendered as the confirmation text.
func (s *Service) AddReminder(ctx context.Context, recipient, content, timeText string, intervalSeconds int64) (string, error) {
	r, err := s.Add(ctx, recipient, content, timeText, intervalSeconds)
	if err != nil {
		return "", err
	}
	msg := fmt.Sprintf("✅ Reminder set: '%s' at %s", r.Content, r.DueAt.In(s.loc).Format("15:04:05"))
	if r.Recurring() {
		msg += fmt.Sprintf(" (Every %ds)", r.IntervalSeconds)
	}
	return msg, nil
}

// Cancel deletes pending reminders of recipient. "all" deletes every one;
// otherwise target matches content case-insensitively, and a numeric target
// also matches the id.
func (s *Service) Cancel(ctx context.Context, recipient, target string) ([]storage.Reminder, int64, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, 0, errors.New("cancel target is empty")
	}
	if strings.EqualFold(target, "all") {
		n, err := s.db.DeletePendingReminders(ctx, recipient)
		if err == nil {
			s.log.Info("reminders cancelled", logx.String("recipient", recipient), logx.Int64("count", n))
		}
		return nil, n, err
	}
	var id int64
	if n, err := strconv.ParseInt(target, 10, 64); err == nil && n > 0 {
		id = n
	}
	deleted, err := s.db.DeleteRemindersMatching(ctx, recipient, target, id)
	if err != nil {
		return nil, 0, err
	}
	if len(deleted) > 0 {
		s.log.Info("reminders cancelled", logx.String("recipient", recipient), logx.String("target", target), logx.Int("count", len(deleted)))
	}
	return deleted, int64(len(deleted)), nil
}

func (s *Service) CancelReminders(ctx context.Context, recipient, target string) (string, error) {
	_, n, err := s.Cancel(ctx, recipient, target)
	if err != nil {
		return "", err
	}
	if strings.EqualFold(strings.TrimSpace(target), "all") {
		return fmt.Sprintf("🗑️ Cancelled %d pending reminders.", n), nil
	}
	if n == 0 {
		return fmt.Sprintf("No reminders found matching '%s'.", target), nil
	}
	return fmt.Sprintf("🗑️ Cancelled %d reminders matching '%s'.", n, target), nil
}

// Window returns the [from, to) bounds of a query range in the local
// timezone. "all" and "today" start at now; a zero to is open.
func (s *Service) Window(rng string) (from, to time.Time, err error) {
	now := s.now().In(s.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	switch strings.ToLower(strings.TrimSpace(rng)) {
	case "", "all":
		return now, time.Time{}, nil
	case "today":
		return now, midnight.AddDate(0, 0, 1), nil
	case "tomorrow":
		return midnight.AddDate(0, 0, 1), midnight.AddDate(0, 0, 2), nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("%w %q (use all, today or tomorrow)", ErrInvalidRange, rng)
	}
}

// Query lists the recipient's pending reminders in rng, ascending by due time.
func (s *Service) Query(ctx context.Context, recipient, rng string) ([]storage.Reminder, error) {
	from, to, err := s.Window(rng)
	if err != nil {
		return nil, err
	}
	return s.db.PendingReminders(ctx, recipient, from, to)
}

func (s *Service) QuerySchedule(ctx context.Context, recipient, rng string) (string, error) {
	list, err := s.Query(ctx, recipient, rng)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "📅 You have no upcoming reminders found.", nil
	}
	var b strings.Builder
	b.WriteString("*📅 Upcoming Schedule:*\n")
	for _, r := range list {
		fmt.Fprintf(&b, "- *%s* at %s", r.Content, r.DueAt.In(s.loc).Format("2006-01-02 15:04:05"))
		if r.Recurring() {
			fmt.Fprintf(&b, " (every %ds)", r.IntervalSeconds)
		}
		fmt.Fprintf(&b, " [#%d]\n", r.ID)
	}
	return b.String(), nil
}

// FireText is the delivered body of a firing reminder.
func FireText(content string) string {
	return "⏰ *REMINDER*\n\n" + content
}

// Fire delivers r and commits its transition: one-shot reminders become
// sent, recurring ones move to firedAt+interval. The transition is committed
// even when delivery fails; the delivery error is returned alongside.
func (s *Service) Fire(ctx context.Context, r storage.Reminder, firedAt time.Time, d Deliverer) error {
	deliverErr := d.Deliver(ctx, r.Recipient, FireText(r.Content))
	if deliverErr != nil {
		s.log.Warn("reminder delivery failed", logx.Int64("id", r.ID), logx.String("recipient", r.Recipient), logx.Err(deliverErr))
	}

	var err error
	if r.Recurring() {
		next := firedAt.Add(time.Duration(r.IntervalSeconds) * time.Second)
		if err = s.db.RescheduleReminder(ctx, r.ID, next); err == nil {
			s.log.Info("reminder rescheduled", logx.Int64("id", r.ID), logx.Time("next", next.UTC()))
		}
	} else {
		if err = s.db.MarkReminderSent(ctx, r.ID); err == nil {
			s.log.Info("reminder sent", logx.Int64("id", r.ID), logx.String("recipient", r.Recipient))
		}
	}
	if err != nil {
		return fmt.Errorf("commit reminder %d: %w", r.ID, err)
	}
	return deliverErr
}
