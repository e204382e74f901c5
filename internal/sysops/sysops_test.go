package sysops

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"

	"opsagent/internal/skill"
	logx "opsagent/pkg/logx"
)

func TestShellExec(t *testing.T) {
	t.Parallel()
	sh := NewShell(ShellConfig{Timeout: 2 * time.Second, MaxOutput: 64}, logx.Nop())
	ctx := context.Background()

	out, err := sh.Exec(ctx, "echo hello", 0)
	if err != nil || out != "hello" {
		t.Fatalf("echo = %q, %v", out, err)
	}
	out, err = sh.Exec(ctx, "echo oops >&2; exit 3", 0)
	if err != nil || !strings.Contains(out, "STDERR:\noops") || !strings.Contains(out, "exit status 3") {
		t.Fatalf("failing command = %q, %v", out, err)
	}
	out, _ = sh.Exec(ctx, "printf '%0200d' 0", 0)
	if !strings.HasSuffix(out, "(truncated)") || len(out) > 64+len("… (truncated)") {
		t.Fatalf("truncated = %q", out)
	}
	if _, err := sh.Exec(ctx, "sleep 5", 100*time.Millisecond); err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("timeout err = %v", err)
	}
	if _, err := sh.Exec(ctx, "   ", 0); err == nil {
		t.Fatal("empty command accepted")
	}
}

func TestShellSkill(t *testing.T) {
	t.Parallel()
	reg := skill.NewRegistry()
	reg.MustRegister(NewShell(ShellConfig{}, logx.Nop()).Skill())
	out, err := reg.Dispatch(context.Background(), "EXECUTE_SHELL_COMMAND", map[string]any{"command": "true"}, skill.Context{})
	if err != nil || out != "💻 *Command Output:*\n```\nCommand executed successfully (no output).\n```" {
		t.Fatalf("out = %q, %v", out, err)
	}
}

func TestFormatSpeed(t *testing.T) {
	t.Parallel()
	got := FormatSpeed(SpeedResult{
		DownloadMbps: 93.456, UploadMbps: 20, Ping: 12 * time.Millisecond, Jitter: 3 * time.Millisecond,
		ISP: "Example ISP", ServerName: "Metro", ServerCountry: "ID",
	})
	want := "🚀 *Network Speedtest*\nServer: Metro (ID)\nISP: Example ISP\nPing: 12 ms | Jitter: 3 ms\nDownload: 93.46 Mbps\nUpload: 20.00 Mbps"
	if got != want {
		t.Fatalf("FormatSpeed = %q", got)
	}
}

type fakeUnits struct {
	states    map[string]dbus.UnitStatus
	restarted []string
	result    string
	closed    int
}

func (f *fakeUnits) ListUnitsByNamesContext(_ context.Context, names []string) ([]dbus.UnitStatus, error) {
	var out []dbus.UnitStatus
	for _, n := range names {
		if s, ok := f.states[n]; ok {
			out = append(out, s)
			continue
		}
		out = append(out, dbus.UnitStatus{Name: n, LoadState: "not-found", ActiveState: "inactive", SubState: "dead"})
	}
	return out, nil
}

func (f *fakeUnits) GetUnitPropertiesContext(context.Context, string) (map[string]any, error) {
	since := time.Date(2025, 6, 1, 7, 30, 0, 0, time.UTC)
	return map[string]any{
		"ActiveEnterTimestamp":   uint64(since.UnixMicro()),
		"InactiveEnterTimestamp": uint64(since.UnixMicro()),
	}, nil
}

func (f *fakeUnits) RestartUnitContext(_ context.Context, name, _ string, ch chan<- string) (int, error) {
	f.restarted = append(f.restarted, name)
	ch <- f.result
	return 1, nil
}

func (f *fakeUnits) Close() { f.closed++ }

func newTestUnits(allowRestart bool, fc *fakeUnits) *Units {
	u := NewUnits(UnitsConfig{Units: []string{"nginx", "worker.service", " "}, AllowRestart: allowRestart}, logx.Nop())
	u.dial = func(context.Context) (unitConn, error) { return fc, nil }
	u.now = func() time.Time { return time.Date(2025, 6, 1, 9, 45, 0, 0, time.UTC) }
	return u
}

func TestUnitsStatus(t *testing.T) {
	t.Parallel()
	fc := &fakeUnits{states: map[string]dbus.UnitStatus{
		"nginx.service": {Name: "nginx.service", LoadState: "loaded", ActiveState: "active", SubState: "running"},
	}}
	u := newTestUnits(false, fc)

	list, err := u.Status(context.Background())
	if err != nil || len(list) != 2 {
		t.Fatalf("Status = %+v, %v", list, err)
	}
	want := "⚙️ *Services*\n🟢 `nginx`: active (running) for 2h 15m\n❔ `worker`: inactive (dead)"
	if got := u.FormatStatus(list); got != want {
		t.Fatalf("FormatStatus =\n%q\nwant\n%q", got, want)
	}
	if _, err := u.Status(context.Background(), "sshd"); !errors.Is(err, ErrUnitNotManaged) {
		t.Fatalf("unmanaged err = %v", err)
	}
	u.Close()
	if fc.closed != 1 {
		t.Fatalf("closed = %d", fc.closed)
	}
}

func TestUnitsRestart(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		allow   bool
		unit    string
		result  string
		wantErr error
	}{
		{"ok", true, "nginx", "done", nil},
		{"disabled", false, "nginx", "done", ErrRestartDisabled},
		{"unmanaged", true, "sshd", "done", ErrUnitNotManaged},
		{"job failed", true, "worker", "failed", ErrRestartNotFinish},
	}
	for _, tt := range tests {
		fc := &fakeUnits{result: tt.result}
		err := newTestUnits(tt.allow, fc).Restart(context.Background(), tt.unit)
		if tt.wantErr == nil && err != nil || tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
			t.Fatalf("%s: err = %v, want %v", tt.name, err, tt.wantErr)
		}
	}

	fc := &fakeUnits{result: "done"}
	r := skill.NewRegistry()
	r.MustRegister(newTestUnits(true, fc).Skills()...)
	out, err := r.Dispatch(context.Background(), "RESTART_SERVICE", map[string]any{"service": "nginx"}, skill.Context{})
	if err != nil || out != "🔄 Restarted `nginx.service`." || len(fc.restarted) != 1 {
		t.Fatalf("skill = %q, %v (%v)", out, err, fc.restarted)
	}
}
