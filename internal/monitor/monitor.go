// Package monitor watches web pages and alerts when their text changes in a
// way the model judges meaningful.
package monitor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"opsagent/internal/classifier"
	"opsagent/internal/storage"
	logx "opsagent/pkg/logx"
)

const (
	userAgent      = "Mozilla/5.0 (compatible; opsagent-monitor/1.0)"
	defaultMaxBody = 2 << 20
)

type Config struct {
	URLs []string
	// Recipient receives change and fetch-error alerts.
	Recipient string
	// Timeout bounds one fetch.
	Timeout time.Duration
	MaxBody int64
}

// Store persists the last observed state per URL (storage.DB).
type Store interface {
	GetWebsite(ctx context.Context, url string) (storage.Website, error)
	PutWebsite(ctx context.Context, w storage.Website) error
	TouchWebsite(ctx context.Context, url string) error
}

// Judge decides whether two page versions differ meaningfully (classifier.Ollama).
type Judge interface {
	CompareContent(ctx context.Context, oldText, newText string) (classifier.Change, error)
}

// Deliverer sends alert text to a recipient.
type Deliverer interface {
	Deliver(ctx context.Context, recipient, text string) error
}

type Monitor struct {
	cfg   Config
	store Store
	judge Judge
	out   Deliverer
	http  *http.Client
	log   logx.Logger
}

func New(cfg Config, store Store, judge Judge, out Deliverer, log logx.Logger) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = defaultMaxBody
	}
	return &Monitor{
		cfg:   cfg,
		store: store,
		judge: judge,
		out:   out,
		http:  &http.Client{Timeout: cfg.Timeout},
		log:   log.With(logx.String("comp", "monitor")),
	}
}

// Check visits every URL once. Per-URL failures are alerted and logged;
// only a cancelled ctx is returned.
func (m *Monitor) Check(ctx context.Context) error {
	for _, u := range m.cfg.URLs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.checkOne(ctx, strings.TrimSpace(u))
	}
	return nil
}

func (m *Monitor) checkOne(ctx context.Context, url string) {
	text, err := m.fetch(ctx, url)
	if err != nil {
		m.log.Warn("website fetch failed", logx.String("url", url), logx.Err(err))
		m.alert(ctx, fmt.Sprintf("⚠️ *Error Monitoring Website*\n\nURL: %s\n\nError: `%s`", url, err))
		return
	}
	if text == "" {
		return
	}
	hash := Hash(text)

	prev, err := m.store.GetWebsite(ctx, url)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if err := m.store.PutWebsite(ctx, storage.Website{URL: url, ContentHash: hash, LastContent: text}); err != nil {
			m.log.Error("store website failed", logx.String("url", url), logx.Err(err))
			return
		}
		m.log.Info("website baseline stored", logx.String("url", url))
		return
	case err != nil:
		m.log.Error("load website failed", logx.String("url", url), logx.Err(err))
		return
	case prev.ContentHash == hash:
		if err := m.store.TouchWebsite(ctx, url); err != nil {
			m.log.Warn("touch website failed", logx.String("url", url), logx.Err(err))
		}
		return
	}

	m.log.Info("website content changed", logx.String("url", url))
	var analysis string
	change, err := m.judge.CompareContent(ctx, prev.LastContent, text)
	switch {
	case err != nil:
		m.log.Warn("change analysis failed", logx.String("url", url), logx.Err(err))
		analysis = "Error analyzing changes with AI: " + err.Error()
	case change.Meaningful:
		analysis = change.Summary
		if analysis == "" {
			analysis = "Content changed."
		}
	}
	if analysis != "" {
		m.alert(ctx, fmt.Sprintf("📢 *Website Change Detected!*\n\nURL: %s\n\nAI Analysis:\n%s", url, analysis))
	} else {
		m.log.Info("change not meaningful; alert suppressed", logx.String("url", url))
	}
	if err := m.store.PutWebsite(ctx, storage.Website{URL: url, ContentHash: hash, LastContent: text}); err != nil {
		m.log.Error("store website failed", logx.String("url", url), logx.Err(err))
	}
}

func (m *Monitor) alert(ctx context.Context, text string) {
	if m.cfg.Recipient == "" {
		m.log.Warn("website alert dropped: no recipient configured")
		return
	}
	if err := m.out.Deliver(ctx, m.cfg.Recipient, text); err != nil {
		m.log.Warn("website alert not delivered", logx.Err(err))
	}
}

// fetch returns the page's visible text.
func (m *Monitor) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := m.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, m.cfg.MaxBody))
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		return normalize(strings.Split(string(body), "\n")), nil
	}
	return ExtractText(string(body))
}

// Hash is the hex SHA-256 of text.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
