package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"opsagent/internal/eventbus"
	"opsagent/internal/transport"
	logx "opsagent/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fails int
	sent  []string
	calls int
}

func (f *fakeSender) SendText(_ context.Context, to transport.Recipient, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return transport.MessageRef{}, errors.New("chat unreachable")
	}
	f.sent = append(f.sent, to.String()+":"+text)
	return transport.MessageRef{Chat: to, MessageID: f.calls}, nil
}

func fastConfig(retries int) Config {
	return Config{RatePerSec: 1000, RetryMax: retries, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{fails: 1}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(fastConfig(2), fs, logx.Nop(), bus)
	if err := s.Deliver(context.Background(), "42", "hello"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if fs.calls != 2 || len(fs.sent) != 1 || fs.sent[0] != "42:hello" {
		t.Fatalf("sender = %+v", fs)
	}
	ev := <-events
	if ev.Type != eventbus.DeliverySent || ev.Data.(DeliveryEvent).Attempts != 2 {
		t.Fatalf("event = %+v", ev)
	}
	if h := s.History(); len(h) != 1 || h[0].To != "42" {
		t.Fatalf("history = %+v", h)
	}
}

func TestDeliverFailureIsDeliveryError(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{fails: 10}
	s := New(fastConfig(1), fs, logx.Nop(), nil)

	err := s.Deliver(context.Background(), "42", "hello")
	var de *DeliveryError
	if !errors.As(err, &de) || !errors.Is(err, ErrDelivery) || de.Attempts != 2 {
		t.Fatalf("err = %#v", err)
	}
	if err := s.Deliver(context.Background(), " ", "x"); !errors.Is(err, ErrNoRecipient) {
		t.Fatalf("empty recipient err = %v", err)
	}
}

func TestSingleAttemptDelivery(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		deliver func(s *Service) error
	}{
		{"DeliverOnce", func(s *Service) error { return s.DeliverOnce(context.Background(), "42", "hello") }},
		{"Once view", func(s *Service) error { return s.Once().Deliver(context.Background(), "42", "hello") }},
		{"NoRetry notification", func(s *Service) error {
			return s.Send(context.Background(), Notification{To: "42", Text: "hello", NoRetry: true})
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fs := &fakeSender{fails: 10}
			s := New(fastConfig(2), fs, logx.Nop(), nil)
			err := tc.deliver(s)
			var de *DeliveryError
			if !errors.As(err, &de) || de.Attempts != 1 {
				t.Fatalf("err = %#v", err)
			}
			if fs.calls != 1 {
				t.Fatalf("calls = %d, want 1", fs.calls)
			}
		})
	}
}

func TestRetryMaxZeroMakesOneAttempt(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{fails: 10}
	s := New(fastConfig(0), fs, logx.Nop(), nil)
	if err := s.Deliver(context.Background(), "42", "hello"); err == nil {
		t.Fatal("Deliver succeeded against a failing transport")
	}
	if fs.calls != 1 {
		t.Fatalf("calls = %d, want 1", fs.calls)
	}
}

func TestDedupSuppressesRepeats(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	s := New(fastConfig(0), fs, logx.Nop(), nil)

	n := Notification{To: "1", Text: "disk 95%", DedupKey: "disk", DedupWindow: time.Minute}
	for i := 0; i < 3; i++ {
		if err := s.Send(context.Background(), n); err != nil {
			t.Fatal(err)
		}
	}
	n.To = "2"
	_ = s.Send(context.Background(), n)
	if len(fs.sent) != 2 {
		t.Fatalf("sent = %v", fs.sent)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("retryDelay(%d) = %s", attempt, d)
		}
	}
}
