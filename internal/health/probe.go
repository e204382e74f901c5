package health

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// probeScript prints, one per line: two /proc/stat cpu samples a second
// apart, "total used" RAM in MiB, root filesystem use percent and
// /proc/uptime. Local and SSH targets run the same script.
const probeScript = "grep '^cpu ' /proc/stat; sleep 1; grep '^cpu ' /proc/stat; " +
	"free -m | awk '/^Mem:/ {print $2, $3}'; " +
	"df -P / | tail -1 | awk '{print $5}'; " +
	"cat /proc/uptime"

var ErrProbeOutput = errors.New("unexpected probe output")

// Snapshot is one target's resource usage.
type Snapshot struct {
	CPUPercent  float64
	RAMUsedMB   int64
	RAMTotalMB  int64
	RAMPercent  float64
	DiskPercent float64
	Uptime      time.Duration
}

// ParseProbe parses the output of probeScript.
func ParseProbe(out string) (Snapshot, error) {
	var lines []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) < 5 {
		return Snapshot{}, fmt.Errorf("%w: %d lines", ErrProbeOutput, len(lines))
	}

	var s Snapshot
	cpu, err := cpuPercent(lines[0], lines[1])
	if err != nil {
		return Snapshot{}, err
	}
	s.CPUPercent = cpu

	ram := strings.Fields(lines[2])
	if len(ram) < 2 {
		return Snapshot{}, fmt.Errorf("%w: memory line %q", ErrProbeOutput, lines[2])
	}
	if s.RAMTotalMB, err = strconv.ParseInt(ram[0], 10, 64); err != nil {
		return Snapshot{}, fmt.Errorf("%w: memory total: %v", ErrProbeOutput, err)
	}
	if s.RAMUsedMB, err = strconv.ParseInt(ram[1], 10, 64); err != nil {
		return Snapshot{}, fmt.Errorf("%w: memory used: %v", ErrProbeOutput, err)
	}
	if s.RAMTotalMB > 0 {
		s.RAMPercent = round1(float64(s.RAMUsedMB) / float64(s.RAMTotalMB) * 100)
	}

	if s.DiskPercent, err = strconv.ParseFloat(strings.TrimSuffix(lines[3], "%"), 64); err != nil {
		return Snapshot{}, fmt.Errorf("%w: disk: %v", ErrProbeOutput, err)
	}

	up := strings.Fields(lines[4])
	secs, err := strconv.ParseFloat(up[0], 64)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: uptime: %v", ErrProbeOutput, err)
	}
	s.Uptime = time.Duration(secs) * time.Second
	return s, nil
}

// cpuPercent computes busy time between two "cpu ..." lines of /proc/stat.
func cpuPercent(first, second string) (float64, error) {
	a, err := cpuFields(first)
	if err != nil {
		return 0, err
	}
	b, err := cpuFields(second)
	if err != nil {
		return 0, err
	}
	var totalA, totalB float64
	for _, v := range a {
		totalA += v
	}
	for _, v := range b {
		totalB += v
	}
	dTotal := totalB - totalA
	dIdle := b[3] - a[3]
	if dTotal <= 0 {
		return 0, nil
	}
	return round1((1 - dIdle/dTotal) * 100), nil
}

func cpuFields(line string) ([]float64, error) {
	f := strings.Fields(line)
	if len(f) < 5 || f[0] != "cpu" {
		return nil, fmt.Errorf("%w: cpu line %q", ErrProbeOutput, line)
	}
	out := make([]float64, 0, len(f)-1)
	for _, x := range f[1:] {
		v, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: cpu field %q", ErrProbeOutput, x)
		}
		out = append(out, v)
	}
	return out, nil
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}

// formatUptime renders d as "3d 4h 5m".
func formatUptime(d time.Duration) string {
	d = d.Truncate(time.Minute)
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	h := int(d / time.Hour)
	m := int((d - time.Duration(h)*time.Hour) / time.Minute)
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, h, m)
	}
	return fmt.Sprintf("%dh %dm", h, m)
}
