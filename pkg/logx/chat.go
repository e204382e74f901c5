package logx

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ChatSender delivers a log line to a chat recipient.
// The transport package satisfies it through a small adapter in the app layer.
type ChatSender interface {
	SendLog(ctx context.Context, recipient, text string) error
}

type chatItem struct {
	to  string
	msg string
}

// chatSink is a zerolog.LevelWriter that forwards records to a ChatSender.
// It never blocks the caller: records are queued and dropped when the queue is full.
type chatSink struct {
	mu        sync.Mutex
	sender    ChatSender
	recipient string
	minLevel  zerolog.Level
	limiter   *rate.Limiter

	queue  chan chatItem
	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newChatSink(sender ChatSender) *chatSink {
	return &chatSink{
		sender:   sender,
		minLevel: zerolog.WarnLevel,
		queue:    make(chan chatItem, 256),
	}
}

func (c *chatSink) setSender(sender ChatSender) {
	c.mu.Lock()
	c.sender = sender
	c.mu.Unlock()
}

func (c *chatSink) apply(cfg ChatConfig) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	c.mu.Lock()
	c.recipient = strings.TrimSpace(cfg.Recipient)
	c.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	c.mu.Unlock()

	if cfg.Enabled {
		c.once.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			c.mu.Lock()
			c.cancel = cancel
			c.mu.Unlock()
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.run(ctx)
			}()
		})
	}
}

func (c *chatSink) stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		c.wg.Wait()
	}
}

func (c *chatSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-c.queue:
			c.mu.Lock()
			sender := c.sender
			c.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_ = sender.SendLog(sctx, it.to, it.msg)
			cancel()
		}
	}
}

func (c *chatSink) Write(p []byte) (int, error) {
	return c.WriteLevel(zerolog.InfoLevel, p)
}

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	to := c.recipient
	lim := c.limiter
	minLevel := c.minLevel
	hasSender := c.sender != nil
	c.mu.Unlock()

	if to == "" || !hasSender || lim == nil || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	msg := formatChatRecord(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case c.queue <- chatItem{to: to, msg: msg}:
	default:
	}
	return len(p), nil
}
