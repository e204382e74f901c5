// Package sysops exposes host operations as skills: shell commands and a
// network speed test.
package sysops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"opsagent/internal/skill"
	logx "opsagent/pkg/logx"
	"opsagent/pkg/tgui"
)

type ShellConfig struct {
	Timeout   time.Duration
	MaxOutput int
}

// Shell runs commands with /bin/sh. Callers gate it on configuration; it
// runs with the agent's own privileges.
type Shell struct {
	cfg ShellConfig
	log logx.Logger
}

func NewShell(cfg ShellConfig, log logx.Logger) *Shell {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = 3500
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Shell{cfg: cfg, log: log.With(logx.String("comp", "shell"))}
}

// Exec runs command and returns stdout followed by any stderr, truncated to
// MaxOutput runes.
func (s *Shell) Exec(ctx context.Context, command string, timeout time.Duration) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", errors.New("command is empty")
	}
	if timeout <= 0 || timeout > s.cfg.Timeout {
		timeout = s.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.log.Info("executing shell command", logx.String("command", command), logx.Duration("timeout", timeout))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second
	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("command timed out after %s", timeout)
	}

	out := stdout.String()
	if stderr.Len() > 0 {
		out += "\nSTDERR:\n" + stderr.String()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return "", err
	}
	if exitErr != nil {
		out += fmt.Sprintf("\n(exit status %d)", exitErr.ExitCode())
	}
	out = strings.TrimSpace(out)
	if cut := tgui.TruncRunes(out, s.cfg.MaxOutput); cut != out {
		return cut + " (truncated)", nil
	}
	return out, nil
}

func (s *Shell) Skill() skill.Skill {
	return skill.Skill{
		Name:        "EXECUTE_SHELL_COMMAND",
		Description: "Execute a shell command on the host. Use with care. timeout is in seconds.",
		Params:      []skill.Param{skill.Required("command"), skill.Optional("timeout", int(s.cfg.Timeout/time.Second))},
		Run: func(ctx context.Context, a skill.Args) (string, error) {
			secs, err := a.Int64("timeout")
			if err != nil {
				return "", err
			}
			out, err := s.Exec(ctx, a.String("command"), time.Duration(secs)*time.Second)
			if err != nil {
				return "❌ " + err.Error(), nil
			}
			if out == "" {
				out = "Command executed successfully (no output)."
			}
			return "💻 *Command Output:*\n```\n" + out + "\n```", nil
		},
	}
}
