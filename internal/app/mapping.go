package app

import (
	"fmt"
	"strings"
	"time"

	"opsagent/internal/classifier"
	"opsagent/internal/config"
	"opsagent/internal/dispatch"
	"opsagent/internal/monitor"
	"opsagent/internal/notifier"
	"opsagent/internal/poller"
	"opsagent/internal/storage"
	"opsagent/internal/task/engine"
	logx "opsagent/pkg/logx"
)

// minEngineWorkers keeps poll cycles from starving the bodies they await:
// a cycle holds one worker while its items run on others.
const minEngineWorkers = 4

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			Recipient:  strings.TrimSpace(cfg.Telegram.ChatID),
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: strings.TrimSpace(cfg.Storage.Path), BusyTimeout: busy}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Workers: minEngineWorkers, QueueSize: 128, HistorySize: 200}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Workers > out.Workers {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	if te.RetryMax > 0 {
		out.RetryMax = te.RetryMax
	}
	d, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	out.DefaultTimeout = d
	return out, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{RatePerSec: 3, RetryMax: 2}
	nc := cfg.Notifier
	if nc == nil {
		return out, nil
	}
	if nc.RatePerSec > 0 {
		out.RatePerSec = nc.RatePerSec
	}
	if nc.RetryMax != nil {
		out.RetryMax = max(*nc.RetryMax, 0)
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", nc.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationField("notifier.send_timeout", nc.SendTimeout); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapPollerConfig(cfg *config.Config) (poller.Config, error) {
	s := cfg.Scheduler
	out := poller.Config{AlertRecipient: strings.TrimSpace(cfg.Telegram.ChatID), AlertRepeat: time.Hour}
	var err error
	if out.ReminderEvery, err = config.ParseDurationOrDefault("scheduler.reminder_poll", s.ReminderPoll, 30*time.Second); err != nil {
		return poller.Config{}, err
	}
	if out.WorkflowEvery, err = config.ParseDurationOrDefault("scheduler.workflow_poll", s.WorkflowPoll, 60*time.Second); err != nil {
		return poller.Config{}, err
	}
	if out.ItemTimeout, err = config.ParseDurationOrDefault("scheduler.item_timeout", s.ItemTimeout, 2*time.Minute); err != nil {
		return poller.Config{}, err
	}
	hp, err := config.ParseDurationField("scheduler.health_poll", s.HealthPoll)
	if err != nil {
		return poller.Config{}, err
	}
	switch {
	case strings.TrimSpace(s.HealthPoll) == "":
		out.HealthEvery = 10 * time.Minute
	case hp == 0:
		out.HealthEvery = -1
	default:
		out.HealthEvery = hp
	}
	wp, err := config.ParseDurationField("monitoring.check_interval", cfg.Monitoring.CheckInterval)
	if err != nil {
		return poller.Config{}, err
	}
	switch {
	case strings.TrimSpace(cfg.Monitoring.CheckInterval) == "":
		out.WebsiteEvery = 5 * time.Minute
	case wp == 0:
		out.WebsiteEvery = -1
	default:
		out.WebsiteEvery = wp
	}
	return out, nil
}

func mapMonitorConfig(cfg *config.Config) (monitor.Config, error) {
	timeout, err := config.ParseDurationOrDefault("monitoring.timeout", cfg.Monitoring.Timeout, 30*time.Second)
	if err != nil {
		return monitor.Config{}, err
	}
	var urls []string
	for _, u := range cfg.Monitoring.Websites {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return monitor.Config{URLs: urls, Recipient: strings.TrimSpace(cfg.Telegram.ChatID), Timeout: timeout}, nil
}

func mapClassifierConfig(cfg *config.Config) (classifier.Config, error) {
	timeout, err := config.ParseDurationOrDefault("classifier.timeout", cfg.Classifier.Timeout, 90*time.Second)
	if err != nil {
		return classifier.Config{}, err
	}
	return classifier.Config{
		URL:     cfg.Classifier.URL,
		Model:   cfg.Classifier.Model,
		APIKey:  cfg.Classifier.APIKey,
		Timeout: timeout,
	}, nil
}

func mapDispatchConfig(cfg *config.Config, loc *time.Location, skillTimeout time.Duration) dispatch.Config {
	var chats []string
	if c := strings.TrimSpace(cfg.Telegram.ChatID); c != "" {
		chats = append(chats, c)
	}
	return dispatch.Config{
		OwnerUserIDs: append([]int64(nil), cfg.Telegram.OwnerUserIDs...),
		OwnerChats:   chats,
		SkillTimeout: skillTimeout,
		Location:     loc,
	}
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("agent.timezone: %w", err)
	}
	return loc, nil
}
