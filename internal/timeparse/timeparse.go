// Package timeparse resolves user-supplied time expressions to absolute UTC instants.
package timeparse

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var ErrParse = errors.New("could not parse time")

// ParseError reports an expression none of the layers understood.
type ParseError struct {
	Input string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("could not parse time %q", e.Input)
}

func (e *ParseError) Unwrap() error { return ErrParse }

var absoluteLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

var (
	re24       = regexp.MustCompile(`^(\d{1,2}):(\d{2})(?::(\d{2}))?$`)
	re12       = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?\s*(am|pm)$`)
	reIn       = regexp.MustCompile(`^(?:in\s+)?(\d+)\s*(s|secs?|seconds?|m|mins?|minutes?|h|hrs?|hours?|d|days?|w|weeks?)(?:\s+from\s+now)?$`)
	reTomorrow = regexp.MustCompile(`^tomorrow(?:\s+(?:at\s+)?(.+))?$`)
)

// Resolver interprets wall-clock expressions in Location.
type Resolver struct {
	Location *time.Location
	parser   *when.Parser
}

// New returns a Resolver for loc (UTC when nil).
func New(loc *time.Location) *Resolver {
	if loc == nil {
		loc = time.UTC
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return &Resolver{Location: loc, parser: w}
}

// Resolve converts text to a UTC instant relative to now. Layers are tried in
// order: absolute layouts, time of day, relative offsets, Go durations,
// "tomorrow [time]", then free-form English.
func (r *Resolver) Resolve(text string, now time.Time) (time.Time, error) {
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}
	in := strings.TrimSpace(text)
	if in == "" {
		return time.Time{}, &ParseError{Input: text}
	}
	local := now.In(loc)
	lower := strings.ToLower(in)

	if lower == "now" {
		return now.UTC(), nil
	}
	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, in, loc); err == nil {
			return t.UTC(), nil
		}
	}
	if t, ok := timeOfDay(lower, local, true); ok {
		return t.UTC(), nil
	}
	if t, matched, ok := relative(lower, local); matched {
		if !ok {
			return time.Time{}, &ParseError{Input: text}
		}
		return t.UTC(), nil
	}
	if d, err := time.ParseDuration(lower); err == nil && d > 0 {
		return now.Add(d).UTC(), nil
	}
	if m := reTomorrow.FindStringSubmatch(lower); m != nil {
		day := local.AddDate(0, 0, 1)
		if m[1] == "" {
			return time.Date(day.Year(), day.Month(), day.Day(), 9, 0, 0, 0, loc).UTC(), nil
		}
		base := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
		if t, ok := timeOfDay(m[1], base, false); ok {
			return t.UTC(), nil
		}
	}
	if r.parser != nil {
		res, err := r.parser.Parse(in, local)
		if err == nil && res != nil && inRange(res.Time, now) {
			return res.Time.UTC(), nil
		}
	}
	return time.Time{}, &ParseError{Input: text}
}

// timeOfDay parses "15:30", "15:30:10", "3pm" and "3:30 pm" on base's day.
// With roll set, a result not after base moves to the next day.
func timeOfDay(s string, base time.Time, roll bool) (time.Time, bool) {
	h, m, sec := -1, 0, 0
	if g := re24.FindStringSubmatch(s); g != nil {
		h, _ = strconv.Atoi(g[1])
		m, _ = strconv.Atoi(g[2])
		if g[3] != "" {
			sec, _ = strconv.Atoi(g[3])
		}
	} else if g := re12.FindStringSubmatch(s); g != nil {
		h, _ = strconv.Atoi(g[1])
		if g[2] != "" {
			m, _ = strconv.Atoi(g[2])
		}
		if h < 1 || h > 12 {
			return time.Time{}, false
		}
		switch {
		case g[3] == "pm" && h != 12:
			h += 12
		case g[3] == "am" && h == 12:
			h = 0
		}
	}
	if h < 0 || h > 23 || m > 59 || sec > 59 {
		return time.Time{}, false
	}
	t := time.Date(base.Year(), base.Month(), base.Day(), h, m, sec, 0, base.Location())
	if roll && !t.After(base) {
		t = t.AddDate(0, 0, 1)
	}
	return t, true
}

// maxRelativeDays bounds "in N <unit>" so offsets cannot overflow.
const maxRelativeDays = 100 * 365

// inRange rejects results an overflowed offset can produce.
func inRange(t, now time.Time) bool {
	return t.After(now.AddDate(-100, 0, 0)) && t.Before(now.AddDate(100, 0, 0))
}

// relative parses "in N <unit>". matched reports the form was recognised;
// ok is false when N is out of range.
func relative(s string, now time.Time) (t time.Time, matched, ok bool) {
	g := reIn.FindStringSubmatch(s)
	if g == nil {
		return time.Time{}, false, false
	}
	n, err := strconv.Atoi(g[1])
	if err != nil || n <= 0 || n > maxRelativeDays*24*3600 {
		return time.Time{}, true, false
	}
	unit := g[2]
	var step time.Duration
	switch {
	case strings.HasPrefix(unit, "s"):
		step = time.Second
	case strings.HasPrefix(unit, "m"):
		step = time.Minute
	case strings.HasPrefix(unit, "h"):
		step = time.Hour
	case strings.HasPrefix(unit, "d"):
		step = 24 * time.Hour
	case strings.HasPrefix(unit, "w"):
		n *= 7
		step = 24 * time.Hour
	default:
		return time.Time{}, false, false
	}
	if int64(n) > int64(maxRelativeDays*24*time.Hour/step) {
		return time.Time{}, true, false
	}
	if step == 24*time.Hour {
		return now.AddDate(0, 0, n), true, true
	}
	return now.Add(time.Duration(n) * step), true, true
}
