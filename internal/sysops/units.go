package sysops

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"

	"opsagent/internal/skill"
	logx "opsagent/pkg/logx"
)

var (
	ErrUnitNotManaged   = errors.New("unit is not in systemd.units")
	ErrRestartDisabled  = errors.New("restarts are disabled (systemd.allow_restart)")
	ErrRestartNotFinish = errors.New("restart job did not finish")
)

// unitConn is the subset of *dbus.Conn used here.
type unitConn interface {
	ListUnitsByNamesContext(ctx context.Context, units []string) ([]dbus.UnitStatus, error)
	GetUnitPropertiesContext(ctx context.Context, unit string) (map[string]any, error)
	RestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	Close()
}

type UnitsConfig struct {
	Units        []string
	AllowRestart bool
	Timeout      time.Duration
}

type UnitStatus struct {
	Name        string
	Description string
	Active      string
	Sub         string
	Load        string
	Since       time.Time
}

// Units inspects and restarts an allow-listed set of systemd services over
// D-Bus. The connection is opened on first use and reopened after errors.
type Units struct {
	cfg  UnitsConfig
	log  logx.Logger
	dial func(ctx context.Context) (unitConn, error)
	now  func() time.Time

	mu   sync.Mutex
	conn unitConn
}

func NewUnits(cfg UnitsConfig, log logx.Logger) *Units {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	units := make([]string, 0, len(cfg.Units))
	for _, u := range cfg.Units {
		if u = unitName(u); u != ".service" {
			units = append(units, u)
		}
	}
	cfg.Units = units
	return &Units{
		cfg: cfg,
		log: log.With(logx.String("comp", "systemd")),
		dial: func(ctx context.Context) (unitConn, error) {
			c, err := dbus.NewSystemConnectionContext(ctx)
			if err != nil {
				return nil, fmt.Errorf("connect to systemd: %w", err)
			}
			return c, nil
		},
		now: time.Now,
	}
}

// unitName appends ".service" to bare names.
func unitName(s string) string {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, ".") {
		s += ".service"
	}
	return s
}

func (u *Units) connection(ctx context.Context) (unitConn, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil {
		return u.conn, nil
	}
	c, err := u.dial(ctx)
	if err != nil {
		return nil, err
	}
	u.conn = c
	return c, nil
}

// drop discards a connection that returned an error.
func (u *Units) drop(c unitConn) {
	u.mu.Lock()
	if u.conn == c {
		u.conn = nil
	}
	u.mu.Unlock()
	c.Close()
}

func (u *Units) Close() {
	u.mu.Lock()
	c := u.conn
	u.conn = nil
	u.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

func (u *Units) resolve(name string) (string, error) {
	n := unitName(name)
	if !slices.Contains(u.cfg.Units, n) {
		return "", fmt.Errorf("%w: %s", ErrUnitNotManaged, n)
	}
	return n, nil
}

// Status returns the state of the named units, or of every managed unit
// when names is empty.
func (u *Units) Status(ctx context.Context, names ...string) ([]UnitStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, u.cfg.Timeout)
	defer cancel()

	want := u.cfg.Units
	if len(names) > 0 {
		want = want[:0:0]
		for _, n := range names {
			r, err := u.resolve(n)
			if err != nil {
				return nil, err
			}
			want = append(want, r)
		}
	}
	if len(want) == 0 {
		return nil, nil
	}

	c, err := u.connection(ctx)
	if err != nil {
		return nil, err
	}
	list, err := c.ListUnitsByNamesContext(ctx, want)
	if err != nil {
		u.drop(c)
		return nil, fmt.Errorf("list units: %w", err)
	}
	out := make([]UnitStatus, 0, len(list))
	for _, s := range list {
		st := UnitStatus{Name: s.Name, Description: s.Description, Active: s.ActiveState, Sub: s.SubState, Load: s.LoadState}
		if st.Load != "not-found" {
			if props, err := c.GetUnitPropertiesContext(ctx, s.Name); err == nil {
				key := "ActiveEnterTimestamp"
				if st.Active != "active" {
					key = "InactiveEnterTimestamp"
				}
				st.Since = usecTime(props[key])
			}
		}
		out = append(out, st)
	}
	return out, nil
}

// Restart restarts a managed unit and waits for the job to finish.
func (u *Units) Restart(ctx context.Context, name string) error {
	if !u.cfg.AllowRestart {
		return ErrRestartDisabled
	}
	n, err := u.resolve(name)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, u.cfg.Timeout)
	defer cancel()

	c, err := u.connection(ctx)
	if err != nil {
		return err
	}
	done := make(chan string, 1)
	if _, err := c.RestartUnitContext(ctx, n, "replace", done); err != nil {
		u.drop(c)
		return fmt.Errorf("restart %s: %w", n, err)
	}
	select {
	case res := <-done:
		if res != "done" {
			return fmt.Errorf("%w: %s %s", ErrRestartNotFinish, n, res)
		}
		u.log.Info("unit restarted", logx.String("unit", n))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("restart %s: %w", n, ctx.Err())
	}
}

func usecTime(v any) time.Time {
	us, ok := v.(uint64)
	if !ok || us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(int64(us))
}

func (u *Units) FormatStatus(list []UnitStatus) string {
	if len(list) == 0 {
		return "No systemd units configured."
	}
	now := u.now()
	var b strings.Builder
	b.WriteString("⚙️ *Services*\n")
	for _, s := range list {
		icon := "🔴"
		switch {
		case s.Load == "not-found":
			icon = "❔"
		case s.Active == "active":
			icon = "🟢"
		case s.Active == "activating" || s.Active == "reloading":
			icon = "🟡"
		}
		fmt.Fprintf(&b, "%s `%s`: %s (%s)", icon, strings.TrimSuffix(s.Name, ".service"), s.Active, s.Sub)
		if !s.Since.IsZero() {
			fmt.Fprintf(&b, " for %s", formatSince(now.Sub(s.Since)))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatSince(d time.Duration) string {
	d = d.Round(time.Minute)
	switch {
	case d < time.Minute:
		return "<1m"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
}

func (u *Units) Skills() []skill.Skill {
	return []skill.Skill{
		{
			Name:        "SERVICE_STATUS",
			Description: "Show the state of managed systemd services. service is optional.",
			Params:      []skill.Param{skill.Optional("service", "")},
			Run: func(ctx context.Context, a skill.Args) (string, error) {
				var names []string
				if s := strings.TrimSpace(a.String("service")); s != "" {
					names = append(names, s)
				}
				list, err := u.Status(ctx, names...)
				if errors.Is(err, ErrUnitNotManaged) {
					return "⚠️ " + err.Error(), nil
				}
				if err != nil {
					return "", err
				}
				return u.FormatStatus(list), nil
			},
		},
		{
			Name:        "RESTART_SERVICE",
			Description: "Restart a managed systemd service.",
			Params:      []skill.Param{skill.Required("service")},
			Run: func(ctx context.Context, a skill.Args) (string, error) {
				name := strings.TrimSpace(a.String("service"))
				err := u.Restart(ctx, name)
				switch {
				case errors.Is(err, ErrUnitNotManaged), errors.Is(err, ErrRestartDisabled):
					return "⚠️ " + err.Error(), nil
				case err != nil:
					return "", err
				}
				return "🔄 Restarted `" + unitName(name) + "`.", nil
			},
		},
	}
}
