package health

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"opsagent/internal/config"
	"opsagent/internal/skill"
	logx "opsagent/pkg/logx"
)

const sample = `cpu  100 0 100 800 0 0 0 0 0 0
cpu  150 0 150 900 0 0 0 0 0 0
7900 3950
91%
93784.12 180000.00
`

type fakeRunner struct {
	out string
	err error
}

func (f fakeRunner) Run(context.Context, string) (string, error) { return f.out, f.err }

func TestParseProbe(t *testing.T) {
	t.Parallel()
	s, err := ParseProbe(sample)
	if err != nil {
		t.Fatal(err)
	}
	// 200 total delta, 100 idle delta.
	if s.CPUPercent != 50 {
		t.Fatalf("cpu = %v", s.CPUPercent)
	}
	if s.RAMTotalMB != 7900 || s.RAMUsedMB != 3950 || s.RAMPercent != 50 {
		t.Fatalf("ram = %+v", s)
	}
	if s.DiskPercent != 91 {
		t.Fatalf("disk = %v", s.DiskPercent)
	}
	if s.Uptime != 93784*time.Second || formatUptime(s.Uptime) != "1d 2h 3m" {
		t.Fatalf("uptime = %v (%s)", s.Uptime, formatUptime(s.Uptime))
	}
}

func TestParseProbeRejectsGarbage(t *testing.T) {
	t.Parallel()
	for _, in := range []string{
		"",
		"cpu 1 2 3\n",
		strings.Replace(sample, "91%", "ninety", 1),
		strings.Replace(sample, "7900 3950", "7900", 1),
	} {
		if _, err := ParseProbe(in); !errors.Is(err, ErrProbeOutput) {
			t.Fatalf("ParseProbe(%q) err = %v", in, err)
		}
	}
}

func TestAlertsAndReport(t *testing.T) {
	t.Parallel()
	limits := Thresholds{DiskPercent: 90, RAMPercent: 95}
	results := []Result{
		{Name: "web", Snapshot: Snapshot{CPUPercent: 10, RAMPercent: 50, DiskPercent: 91}},
		{Name: "db", Snapshot: Snapshot{CPUPercent: 5, RAMPercent: 40, DiskPercent: 30}},
		{Name: "old", Err: errors.New("connection refused")},
	}
	text, ok := Alerts(results, limits)
	if !ok || !strings.Contains(text, "*web*") || strings.Contains(text, "*db*") || strings.Contains(text, "*old*") {
		t.Fatalf("alerts = %v %q", ok, text)
	}
	if _, ok := Alerts(results[1:], limits); ok {
		t.Fatal("no threshold tripped but alert reported")
	}

	rep := Report(results)
	for _, want := range []string{"🖥️ *System Health Report*", "*db*: 🟢 Online", "*old*: 🔴 OFFLINE (connection refused)"} {
		if !strings.Contains(rep, want) {
			t.Fatalf("report missing %q:\n%s", want, rep)
		}
	}
}

func newChecker(t *testing.T, targets ...Target) *Checker {
	t.Helper()
	c, err := New(config.HealthConfig{}, logx.Nop(),
		WithTargets(targets...), WithLocalRunner(fakeRunner{out: sample}))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCheckAllKeepsOrderAndErrors(t *testing.T) {
	t.Parallel()
	c := newChecker(t,
		Target{Name: "a", Runner: fakeRunner{out: sample}},
		Target{Name: "b", Runner: fakeRunner{err: errors.New("timeout")}},
		Target{Name: "c", Runner: fakeRunner{out: sample}},
	)
	res := c.CheckAll(context.Background())
	if len(res) != 3 || res[0].Name != "a" || res[1].Name != "b" || res[2].Name != "c" {
		t.Fatalf("results = %+v", res)
	}
	if !res[0].Online() || res[1].Online() || !res[2].Online() {
		t.Fatalf("online = %v %v %v", res[0].Online(), res[1].Online(), res[2].Online())
	}
	cpu, ram, err := c.LocalUsage(context.Background())
	if err != nil || cpu != 50 || ram != 50 {
		t.Fatalf("LocalUsage = %v %v %v", cpu, ram, err)
	}
}

func TestNewDefaultsToLocal(t *testing.T) {
	t.Parallel()
	c, err := New(config.HealthConfig{}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if len(c.targets) != 1 || c.targets[0].Name != localName {
		t.Fatalf("targets = %+v", c.targets)
	}
	if c.limits != (Thresholds{DiskPercent: 90, RAMPercent: 95}) {
		t.Fatalf("limits = %+v", c.limits)
	}

	_, err = New(config.HealthConfig{Servers: []config.ServerConfig{{Name: "x", Type: "ssh", Host: "h"}}}, logx.Nop())
	if err == nil {
		t.Fatal("ssh target without credentials should fail")
	}
	_, err = New(config.HealthConfig{Servers: []config.ServerConfig{{Name: "x", Type: "telnet"}}}, logx.Nop())
	if err == nil {
		t.Fatal("unknown server type should fail")
	}
}

func TestSkills(t *testing.T) {
	t.Parallel()
	c := newChecker(t, Target{Name: "web", Runner: fakeRunner{out: sample}})
	reg := skill.NewRegistry()
	reg.MustRegister(c.Skills()...)
	ctx := context.Background()

	out, err := reg.Dispatch(ctx, "SYSTEM_HEALTH", nil, skill.Context{})
	if err != nil || !strings.HasPrefix(out, "🖥️ *System Health Report*") {
		t.Fatalf("full = %q, %v", out, err)
	}
	out, _ = reg.Dispatch(ctx, "SYSTEM_HEALTH", map[string]any{"report_all": false}, skill.Context{})
	if !strings.HasPrefix(out, "⚠️ *Critical Alert*") {
		t.Fatalf("alerts only = %q", out)
	}
	out, _ = reg.Dispatch(ctx, "SYSTEM_STATUS", nil, skill.Context{})
	if !strings.Contains(out, "⚠️ *Local System*") || !strings.Contains(out, "Uptime: 1d 2h 3m") {
		t.Fatalf("status = %q", out)
	}
}
