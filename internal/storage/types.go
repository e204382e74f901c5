package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrCorruptTime marks a persisted timestamp that does not parse in the canonical form.
	ErrCorruptTime = errors.New("storage: corrupt timestamp")
)

// Config configures the SQLite database.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

type ReminderStatus string

const (
	StatusPending ReminderStatus = "pending"
	StatusSent    ReminderStatus = "sent"
)

type Reminder struct {
	ID              int64
	Recipient       string
	Content         string
	DueAt           time.Time
	Status          ReminderStatus
	IntervalSeconds int64
	CreatedAt       time.Time
}

func (r Reminder) Recurring() bool { return r.IntervalSeconds > 0 }

type Workflow struct {
	ID              int64
	Type            string
	Params          json.RawMessage
	IntervalSeconds int64
	NextRun         time.Time
	CreatedAt       time.Time
}

func (w Workflow) Recurring() bool { return w.IntervalSeconds > 0 }

type Note struct {
	ID        int64
	Recipient string
	Content   string
	CreatedAt time.Time
}

// Website is the last observed state of a monitored page. LastContent is
// the extracted text, not the raw markup.
type Website struct {
	URL         string
	ContentHash string
	LastContent string
	LastChecked time.Time
}

type ChatEntry struct {
	Recipient string
	Role      string
	Content   string
	At        time.Time
}

// CorruptRow is a due-query row whose stored time could not be parsed.
type CorruptRow struct {
	Table string
	ID    int64
	Raw   string
	Err   error
}

func (c CorruptRow) Error() string {
	return fmt.Sprintf("%s row %d: %v: %q", c.Table, c.ID, c.Err, c.Raw)
}

func (c CorruptRow) Unwrap() error { return ErrCorruptTime }

// TimeLayout is the canonical persisted time format.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// canonicalGlob matches values written with TimeLayout in UTC.
const canonicalGlob = "[0-9][0-9][0-9][0-9]-[0-9][0-9]-[0-9][0-9]T[0-9][0-9]:[0-9][0-9]:[0-9][0-9].[0-9][0-9][0-9][0-9][0-9][0-9][0-9][0-9][0-9]Z"

// FormatTime normalizes t to the canonical persisted form.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a canonical persisted time. Anything else is ErrCorruptTime.
func ParseTime(raw string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, raw)
	if err != nil || len(raw) != len("2006-01-02T15:04:05.000000000Z") {
		return time.Time{}, fmt.Errorf("%w: %q", ErrCorruptTime, raw)
	}
	return t.UTC(), nil
}
