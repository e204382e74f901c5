package notifier

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"opsagent/internal/eventbus"
	"opsagent/internal/transport"
	logx "opsagent/pkg/logx"
)

const historySize = 300

// Service is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	log    logx.Logger
	sender transport.Sender
	bus    eventbus.Bus

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender transport.Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "notifier")),
		bus:    bus,
		dedup:  map[string]time.Time{},
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	s.mu.Lock()
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes don't block.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

// Deliver sends text to recipient and returns a *DeliveryError when every
// attempt failed.
func (s *Service) Deliver(ctx context.Context, recipient, text string) error {
	return s.Send(ctx, Notification{To: recipient, Text: text, Options: &transport.SendOptions{ParseMode: "Markdown"}})
}

// DeliverOnce is Deliver with a single attempt. Scheduled firings use it so
// a failed delivery is not retried within the cycle that fired it.
func (s *Service) DeliverOnce(ctx context.Context, recipient, text string) error {
	return s.Send(ctx, Notification{To: recipient, Text: text, Options: &transport.SendOptions{ParseMode: "Markdown"}, NoRetry: true})
}

// Once returns a view of s whose Deliver makes a single attempt.
func (s *Service) Once() Once { return Once{s: s} }

// Once adapts DeliverOnce to the Deliver method set.
type Once struct{ s *Service }

func (o Once) Deliver(ctx context.Context, recipient, text string) error {
	return o.s.DeliverOnce(ctx, recipient, text)
}

// Send delivers n. A notification suppressed by its dedup key returns nil.
func (s *Service) Send(ctx context.Context, n Notification) error {
	if ctx == nil {
		ctx = context.Background()
	}
	to := strings.TrimSpace(n.To)
	if to == "" {
		return &DeliveryError{Recipient: n.To, Err: ErrNoRecipient}
	}
	if strings.TrimSpace(n.Text) == "" {
		return nil
	}
	if n.DedupKey != "" && n.DedupWindow > 0 && !s.dedupAllow(to+"|"+n.DedupKey, n.DedupWindow) {
		s.log.Debug("notification suppressed", logx.String("to", to), logx.String("key", n.DedupKey))
		return nil
	}

	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	if s.sender == nil {
		return &DeliveryError{Recipient: to, Err: errors.New("no transport")}
	}

	maxAttempts := 1 + cfg.RetryMax
	if n.NoRetry {
		maxAttempts = 1
	}
	var lastErr error
	attempts := 0
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		if err := lim.Wait(ctx); err != nil {
			lastErr = err
			break attemptLoop
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := s.sender.SendText(callCtx, transport.Recipient(to), n.Text, n.Options)
		cancel()
		if err == nil {
			s.appendHistory(to, n.Text)
			eventbus.Emit(s.bus, eventbus.DeliverySent, DeliveryEvent{Recipient: to, At: time.Now(), Attempts: attempt})
			return nil
		}
		lastErr = err
		s.log.Debug("send failed", logx.String("to", to), logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt >= maxAttempts || ctx.Err() != nil {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			lastErr = ctx.Err()
			break attemptLoop
		}
	}

	derr := &DeliveryError{Recipient: to, Attempts: attempts, Err: lastErr}
	eventbus.Emit(s.bus, eventbus.DeliveryFailed, DeliveryEvent{Recipient: to, At: time.Now(), Attempts: attempts, Error: lastErr.Error()})
	s.log.Warn("delivery failed", logx.String("to", to), logx.Int("attempts", attempts), logx.Err(lastErr))
	return derr
}

// SendLog forwards a log record. It makes a single attempt and never logs,
// so a broken transport cannot feed the log sink with its own failures.
func (s *Service) SendLog(ctx context.Context, recipient, text string) error {
	if s.sender == nil || strings.TrimSpace(recipient) == "" {
		return ErrNoRecipient
	}
	_, err := s.sender.SendText(ctx, transport.Recipient(recipient), text, &transport.SendOptions{DisablePreview: true})
	return err
}

// History returns recently delivered messages, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(to, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), To: to, Text: text})
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

// dedupAllow records key for window and reports whether it was not already
// suppressed. Expired entries are pruned and the map is capped.
func (s *Service) dedupAllow(key string, window time.Duration) bool {
	now := time.Now()
	s.mu.Lock()
	maxEntries := s.cfg.DedupMaxEntries
	s.mu.Unlock()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}

// retryDelay is the wait before attempt+1: exponential from RetryBase with
// 0.7..1.3 jitter, capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
