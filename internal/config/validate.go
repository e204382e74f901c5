package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validate checks values the core relies on. It does not mutate cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if tz := strings.TrimSpace(cfg.Agent.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("agent.timezone: %w", err))
		}
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}

	for _, f := range []struct{ path, raw string }{
		{"scheduler.reminder_poll", cfg.Scheduler.ReminderPoll},
		{"scheduler.workflow_poll", cfg.Scheduler.WorkflowPoll},
		{"scheduler.health_poll", cfg.Scheduler.HealthPoll},
		{"scheduler.item_timeout", cfg.Scheduler.ItemTimeout},
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"classifier.timeout", cfg.Classifier.Timeout},
		{"erp.timeout", cfg.ERP.Timeout},
		{"health.timeout", cfg.Health.Timeout},
		{"shell.timeout", cfg.Shell.Timeout},
		{"systemd.timeout", cfg.Systemd.Timeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"storage.retention", cfg.Storage.Retention},
		{"monitoring.check_interval", cfg.Monitoring.CheckInterval},
		{"monitoring.timeout", cfg.Monitoring.Timeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}

	for name, to := range cfg.Users {
		if strings.TrimSpace(name) == "" || strings.TrimSpace(to) == "" {
			errs = append(errs, fmt.Errorf("users: empty identifier or recipient (%q -> %q)", name, to))
		}
	}

	seen := map[string]bool{}
	for i, s := range cfg.Health.Servers {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("health.servers[%d].name is required", i))
		} else if seen[name] {
			errs = append(errs, fmt.Errorf("health.servers[%d]: duplicate name %q", i, name))
		}
		seen[name] = true
		switch strings.ToLower(strings.TrimSpace(s.Type)) {
		case "", "local":
		case "ssh":
			if strings.TrimSpace(s.Host) == "" || strings.TrimSpace(s.User) == "" {
				errs = append(errs, fmt.Errorf("health.servers[%d]: ssh requires host and user", i))
			}
			if s.Password == "" && strings.TrimSpace(s.KeyPath) == "" {
				errs = append(errs, fmt.Errorf("health.servers[%d]: ssh requires password or key_path", i))
			}
		default:
			errs = append(errs, fmt.Errorf("health.servers[%d]: unknown type %q", i, s.Type))
		}
	}

	for i, raw := range cfg.Monitoring.Websites {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("monitoring.websites[%d]: want an http(s) URL, got %q", i, raw))
		}
	}

	for i, w := range cfg.Workflows {
		if strings.TrimSpace(w.Type) == "" {
			errs = append(errs, fmt.Errorf("workflows[%d].type is required", i))
		}
		if w.IntervalSeconds < 0 {
			errs = append(errs, fmt.Errorf("workflows[%d].interval_seconds must be >= 0", i))
		}
	}

	return errors.Join(errs...)
}
