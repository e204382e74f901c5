package notifier

import (
	"errors"
	"fmt"
	"time"

	"opsagent/internal/transport"
)

// Config controls delivery throttling and retries.
type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration

	DedupMaxEntries int
}

var (
	ErrDelivery    = errors.New("delivery failed")
	ErrNoRecipient = errors.New("no recipient")
)

// DeliveryError is the final failure after retries.
type DeliveryError struct {
	Recipient string
	Attempts  int
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %q failed after %d attempt(s): %v", e.Recipient, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() []error { return []error{ErrDelivery, e.Err} }

// Notification is a message with optional suppression of repeats.
type Notification struct {
	To      string
	Text    string
	Options *transport.SendOptions

	// DedupKey suppresses identical notifications for DedupWindow.
	DedupKey    string
	DedupWindow time.Duration

	// NoRetry makes a single attempt whatever Config.RetryMax says.
	NoRetry bool
}

type HistoryItem struct {
	At   time.Time
	To   string
	Text string
}

// DeliveryEvent is the Data of delivery.* events.
type DeliveryEvent struct {
	Recipient string    `json:"recipient"`
	At        time.Time `json:"at"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
}
