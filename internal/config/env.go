package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// A missing file is not an error. Existing variables are not overwritten.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// envOverrides maps environment variables onto config fields.
var envOverrides = []struct {
	key   string
	apply func(cfg *Config, v string)
}{
	{"TELEGRAM_BOT_TOKEN", func(c *Config, v string) { c.Telegram.Token = v }},
	{"TELEGRAM_CHAT_ID", func(c *Config, v string) { c.Telegram.ChatID = v }},
	{"ERP_URL", func(c *Config, v string) { c.ERP.URL = v }},
	{"ERP_API_KEY", func(c *Config, v string) { c.ERP.APIKey = v }},
	{"OLLAMA_URL", func(c *Config, v string) { c.Classifier.URL = v }},
	{"OLLAMA_MODEL", func(c *Config, v string) { c.Classifier.Model = v }},
	{"OLLAMA_API_KEY", func(c *Config, v string) { c.Classifier.APIKey = v }},
	{"AGENT_TIMEZONE", func(c *Config, v string) { c.Agent.Timezone = v }},
	{"DEBUG_TOKEN", func(c *Config, v string) { c.Debug.Token = v }},
}

// ApplyEnv overrides secrets and endpoints from the environment.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil {
		return
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, o := range envOverrides {
		if v, ok := lookup(o.key); ok && strings.TrimSpace(v) != "" {
			o.apply(cfg, strings.TrimSpace(v))
		}
	}
}
