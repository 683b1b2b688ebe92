package queue

import (
	"context"
	"time"
)

// Config controls a dispatch queue instance.
type Config struct {
	Workers   int
	QueueSize int // max pending deliveries across all keys

	// Timeout bounds one handler attempt. 0 disables the per-attempt timeout.
	Timeout time.Duration

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	return c
}

// Delivery is one payload handed to the handler.
//
// Attempt is 1-based and counts redeliveries of the same payload; handlers
// must be safe under redelivery (at-least-once semantics).
type Delivery struct {
	Queue      string
	Key        string
	Payload    any
	Attempt    int
	EnqueuedAt time.Time
}

// Handler processes one delivery. A returned error triggers redelivery with
// backoff unless wrapped with NoRetry, in which case the delivery goes to
// the dead-letter hook immediately.
type Handler func(ctx context.Context, d Delivery) error

// DeadLetterFunc receives deliveries that exhausted their attempts or were
// marked non-retryable. err is the final handler error.
type DeadLetterFunc func(d Delivery, err error)

// JobEvent is published on the event bus for delivery lifecycle events.
type JobEvent struct {
	Queue    string        `json:"queue"`
	Key      string        `json:"key"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Pending  int           `json:"pending"`
	Error    string        `json:"error,omitempty"`
}
