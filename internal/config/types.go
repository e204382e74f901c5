package config

import "encoding/json"

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Agent    AgentConfig    `json:"agent"`

	// Scheduler controls poll cadences for the reminder, workflow and health loops.
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls the worker pool that runs skills off the poll path.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  StorageConfig   `json:"storage"`

	// Users maps friendly identifiers ("suman") to recipients (chat ids).
	Users map[string]string `json:"users,omitempty"`

	Classifier ClassifierConfig `json:"classifier"`
	ERP        ERPConfig        `json:"erp"`
	Health     HealthConfig     `json:"health"`
	Shell      ShellConfig      `json:"shell"`
	Systemd    SystemdConfig    `json:"systemd"`
	Debug      DebugConfig      `json:"debug"`
	Monitoring MonitoringConfig `json:"monitoring"`

	// Workflows are seeded at startup when no workflow of the same type exists.
	Workflows []WorkflowSeed `json:"workflows,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// ChatID is the default recipient for briefings, reports and alerts.
	ChatID string `json:"chat_id"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat forwards warnings to telegram.chat_id.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type AgentConfig struct {
	// Timezone is the IANA zone used to read and display times ("Asia/Kolkata").
	// Empty means the process timezone.
	Timezone string `json:"timezone,omitempty"`
}

// SchedulerConfig durations are Go duration strings.
//
// Defaults:
//   - reminder_poll: "30s"
//   - workflow_poll: "60s"
//   - health_poll:   "10m" ("0s" disables the alert sweep)
//   - item_timeout:  "2m"
//   - maintenance:   "0 4 * * *" (cron, "@every 6h" or "6h")
type SchedulerConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	ReminderPoll string `json:"reminder_poll,omitempty"`
	WorkflowPoll string `json:"workflow_poll,omitempty"`
	HealthPoll   string `json:"health_poll,omitempty"`
	ItemTimeout  string `json:"item_timeout,omitempty"`
	Maintenance  string `json:"maintenance,omitempty"`
}

// TaskEngineConfig defaults: workers 4, queue_size 128, default_timeout "0s",
// history_size 200, retry_max 0.
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

type NotifierConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// RetryMax is the number of chat reply retries; nil means 2 and 0
	// disables them.
	RetryMax      *int   `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

// StorageConfig points at the SQLite database file.
//
//	"storage": { "path": "./data/opsagent.db", "busy_timeout": "5s", "retention": "720h" }
//
// Retention bounds sent reminders and chat history; "0s" keeps them forever.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	Retention   string `json:"retention,omitempty"`
}

// ClassifierConfig points at an Ollama-compatible chat endpoint.
type ClassifierConfig struct {
	URL     string `json:"url,omitempty"`
	Model   string `json:"model,omitempty"`
	APIKey  string `json:"api_key,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type ERPConfig struct {
	URL     string `json:"url,omitempty"`
	APIKey  string `json:"api_key,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type HealthConfig struct {
	Servers          []ServerConfig `json:"servers,omitempty"`
	DiskAlertPercent float64        `json:"disk_alert_percent,omitempty"`
	RAMAlertPercent  float64        `json:"ram_alert_percent,omitempty"`
	Concurrency      int            `json:"concurrency,omitempty"`
	Timeout          string         `json:"timeout,omitempty"`
}

// ServerConfig describes one health target. Type is "local" or "ssh".
type ServerConfig struct {
	Name           string `json:"name"`
	Type           string `json:"type"`
	Host           string `json:"host,omitempty"`
	Port           int    `json:"port,omitempty"`
	User           string `json:"user,omitempty"`
	Password       string `json:"password,omitempty"`
	KeyPath        string `json:"key_path,omitempty"`
	KnownHostsPath string `json:"known_hosts_path,omitempty"`
}

type ShellConfig struct {
	Enabled   bool   `json:"enabled"`
	Timeout   string `json:"timeout,omitempty"`
	MaxOutput int    `json:"max_output,omitempty"`
}

// SystemdConfig lists the units the agent may inspect; restarts also need
// allow_restart.
type SystemdConfig struct {
	Units        []string `json:"units,omitempty"`
	AllowRestart bool     `json:"allow_restart,omitempty"`
	Timeout      string   `json:"timeout,omitempty"`
}

// DebugConfig enables the HTTP debug server (healthz, state, pprof).
// A non-loopback addr requires token.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
}

// MonitoringConfig lists pages watched for meaningful changes. Alerts go to
// telegram.chat_id.
//
// Defaults: check_interval "5m" ("0s" disables), timeout "30s".
type MonitoringConfig struct {
	Websites      []string `json:"websites,omitempty"`
	CheckInterval string   `json:"check_interval,omitempty"`
	Timeout       string   `json:"timeout,omitempty"`
}

type WorkflowSeed struct {
	Type            string          `json:"type"`
	Params          json.RawMessage `json:"params,omitempty"`
	Time            string          `json:"time,omitempty"`
	IntervalSeconds int64           `json:"interval_seconds,omitempty"`
}

// SchedulerEnabled reports scheduler.enabled, defaulting to true.
func (c *Config) SchedulerEnabled() bool {
	if c == nil || c.Scheduler.Enabled == nil {
		return true
	}
	return *c.Scheduler.Enabled
}
