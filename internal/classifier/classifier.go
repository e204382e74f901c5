// Package classifier maps free text to a registered skill using an
// Ollama-compatible chat endpoint, and produces plain chat replies.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"opsagent/pkg/tgui"
)

// ActionChat means "no skill; answer conversationally".
const ActionChat = "CHAT"

var ErrUnparseable = errors.New("classifier returned no parseable JSON object")

type Intent struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Classifier is implemented by Ollama; tests use fakes.
type Classifier interface {
	Classify(ctx context.Context, text, catalog string, now time.Time) (Intent, error)
	Reply(ctx context.Context, history []Message, text string, now time.Time) (string, error)
}

type Config struct {
	URL     string
	Model   string
	APIKey  string
	Timeout time.Duration
}

type Ollama struct {
	cfg  Config
	http *http.Client
}

func NewOllama(cfg Config) *Ollama {
	if cfg.URL == "" {
		cfg.URL = "http://localhost:11434"
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.Model == "" {
		cfg.Model = "gemma3:latest"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	return &Ollama{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Format   string    `json:"format,omitempty"`
	Stream   bool      `json:"stream"`
}

type chatResponse struct {
	Message Message `json:"message"`
	Error   string  `json:"error,omitempty"`
}

func (o *Ollama) chat(ctx context.Context, msgs []Message, format string) (string, error) {
	body, err := json.Marshal(chatRequest{Model: o.cfg.Model, Messages: msgs, Format: format})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.URL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if o.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	}

	resp, err := o.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ollama: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("ollama: decode response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama: %s", out.Error)
	}
	return out.Message.Content, nil
}

// Classify asks the model for {"action", "params"}. A reply without an
// action is CHAT.
func (o *Ollama) Classify(ctx context.Context, text, catalog string, now time.Time) (Intent, error) {
	raw, err := o.chat(ctx, []Message{
		{Role: "system", Content: SystemPrompt(catalog, now)},
		{Role: "user", Content: "Message: " + text},
	}, "json")
	if err != nil {
		return Intent{}, err
	}
	return ParseIntent(raw)
}

// Reply answers conversationally with history as context.
func (o *Ollama) Reply(ctx context.Context, history []Message, text string, now time.Time) (string, error) {
	msgs := make([]Message, 0, len(history)+2)
	msgs = append(msgs, Message{Role: "system", Content: "You are a helpful assistant. Current time: " + now.Format("2006-01-02 15:04:05")})
	msgs = append(msgs, history...)
	msgs = append(msgs, Message{Role: "user", Content: text})
	return o.chat(ctx, msgs, "")
}

// ParseIntent extracts the first JSON object from raw.
func ParseIntent(raw string) (Intent, error) {
	obj, ok := FirstObject(raw)
	if !ok {
		return Intent{}, fmt.Errorf("%w: %q", ErrUnparseable, tgui.TruncRunes(raw, 200))
	}
	var in Intent
	if err := json.Unmarshal([]byte(obj), &in); err != nil {
		return Intent{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	in.Action = strings.ToUpper(strings.TrimSpace(in.Action))
	if in.Action == "" {
		in.Action = ActionChat
	}
	if in.Params == nil {
		in.Params = map[string]any{}
	}
	return in, nil
}

// FirstObject returns the first balanced {...} in s, honoring JSON strings.
func FirstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inStr, esc := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case esc:
			esc = false
		case inStr && c == '\\':
			esc = true
		case c == '"':
			inStr = !inStr
		case inStr:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
