// Package health collects CPU, RAM, disk and uptime from the local host and
// SSH servers, and renders reports and threshold alerts.
package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"opsagent/internal/config"
	logx "opsagent/pkg/logx"
)

const localName = "Local System"

// Target is one named host to probe.
type Target struct {
	Name   string
	Runner Runner
}

// Result is the outcome of probing one target.
type Result struct {
	Name     string
	Snapshot Snapshot
	Err      error
}

func (r Result) Online() bool { return r.Err == nil }

type Thresholds struct {
	DiskPercent float64
	RAMPercent  float64
}

// Exceeded reports whether s trips either threshold.
func (t Thresholds) Exceeded(s Snapshot) bool {
	return s.DiskPercent > t.DiskPercent || s.RAMPercent > t.RAMPercent
}

type Checker struct {
	targets     []Target
	local       Runner
	limits      Thresholds
	concurrency int
	timeout     time.Duration
	log         logx.Logger
}

type Option func(*Checker)

// WithTargets replaces the configured targets.
func WithTargets(ts ...Target) Option {
	return func(c *Checker) { c.targets = ts }
}

// WithLocalRunner replaces the runner used for local snapshots.
func WithLocalRunner(r Runner) Option {
	return func(c *Checker) { c.local = r }
}

// New builds targets from cfg. With no servers configured the local host is
// the only target.
func New(cfg config.HealthConfig, log logx.Logger, opts ...Option) (*Checker, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout, err := config.ParseDurationOrDefault("health.timeout", cfg.Timeout, 20*time.Second)
	if err != nil {
		return nil, err
	}
	c := &Checker{
		local: LocalRunner{},
		limits: Thresholds{
			DiskPercent: orDefault(cfg.DiskAlertPercent, 90),
			RAMPercent:  orDefault(cfg.RAMAlertPercent, 95),
		},
		concurrency: cfg.Concurrency,
		timeout:     timeout,
		log:         log.With(logx.String("comp", "health")),
	}
	if c.concurrency <= 0 {
		c.concurrency = 4
	}

	for _, sc := range cfg.Servers {
		name := sc.Name
		switch strings.ToLower(sc.Type) {
		case "", "local":
			if name == "" {
				name = localName
			}
			c.targets = append(c.targets, Target{Name: name, Runner: c.local})
		case "ssh":
			if name == "" {
				name = sc.Host
			}
			r, err := NewSSHRunner(sc, 10*time.Second)
			if err != nil {
				return nil, fmt.Errorf("health server %s: %w", name, err)
			}
			if sc.KnownHostsPath == "" {
				c.log.Warn("ssh host key not verified", logx.String("server", name))
			}
			c.targets = append(c.targets, Target{Name: name, Runner: r})
		default:
			return nil, fmt.Errorf("health server %s: unknown type %q", name, sc.Type)
		}
	}
	for _, o := range opts {
		o(c)
	}
	if len(c.targets) == 0 {
		c.targets = []Target{{Name: localName, Runner: c.local}}
	}
	return c, nil
}

func orDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func (c *Checker) Thresholds() Thresholds { return c.limits }

// Probe runs the probe script on one runner.
func (c *Checker) Probe(ctx context.Context, r Runner) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := r.Run(ctx, probeScript)
	if err != nil {
		return Snapshot{}, err
	}
	return ParseProbe(out)
}

// CheckAll probes every target concurrently. Per-target failures are kept
// in the results; results follow target order.
func (c *Checker) CheckAll(ctx context.Context) []Result {
	results := make([]Result, len(c.targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, t := range c.targets {
		g.Go(func() error {
			snap, err := c.Probe(gctx, t.Runner)
			if err != nil {
				c.log.Warn("health probe failed", logx.String("server", t.Name), logx.Err(err))
			}
			results[i] = Result{Name: t.Name, Snapshot: snap, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Local probes this host.
func (c *Checker) Local(ctx context.Context) (Snapshot, error) {
	return c.Probe(ctx, c.local)
}

func (c *Checker) LocalUsage(ctx context.Context) (float64, float64, error) {
	s, err := c.Local(ctx)
	if err != nil {
		return 0, 0, err
	}
	return s.CPUPercent, s.RAMPercent, nil
}

// FullReport probes every target and renders the full report.
func (c *Checker) FullReport(ctx context.Context) (string, error) {
	return Report(c.CheckAll(ctx)), nil
}

// AlertReport probes every target and renders only those over a threshold.
func (c *Checker) AlertReport(ctx context.Context) (string, bool, error) {
	text, ok := Alerts(c.CheckAll(ctx), c.limits)
	return text, ok, nil
}

// Report renders every result.
func Report(results []Result) string {
	var b strings.Builder
	b.WriteString("🖥️ *System Health Report*\n\n")
	for _, r := range results {
		b.WriteString(statusLine(r))
		b.WriteString("\n")
	}
	return b.String()
}

// Alerts renders the results that trip t. ok is false when none do.
func Alerts(results []Result, t Thresholds) (string, bool) {
	var b strings.Builder
	for _, r := range results {
		if !r.Online() || !t.Exceeded(r.Snapshot) {
			continue
		}
		b.WriteString("⚠️ *Critical Alert*\n")
		b.WriteString(statusLine(r))
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return "", false
	}
	return strings.TrimRight(b.String(), "\n"), true
}

func statusLine(r Result) string {
	if !r.Online() {
		return fmt.Sprintf("*%s*: 🔴 OFFLINE (%v)\n", r.Name, r.Err)
	}
	s := r.Snapshot
	return fmt.Sprintf("*%s*: 🟢 Online\n   CPU: %.1f%% | RAM: %.1f%% | Disk: %.0f%%\n", r.Name, s.CPUPercent, s.RAMPercent, s.DiskPercent)
}

// Status renders one target in detail.
func Status(name string, s Snapshot, t Thresholds) string {
	icon := "✅"
	if t.Exceeded(s) {
		icon = "⚠️"
	}
	return fmt.Sprintf("%s *%s*\n   • CPU: %.1f%%\n   • RAM: %.1f%% (%.2fGB / %.2fGB)\n   • Disk: %.0f%%\n   • Uptime: %s\n",
		icon, name, s.CPUPercent, s.RAMPercent,
		float64(s.RAMUsedMB)/1024, float64(s.RAMTotalMB)/1024,
		s.DiskPercent, formatUptime(s.Uptime))
}
