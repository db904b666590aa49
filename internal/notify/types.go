package notify

import (
	"context"
	"errors"
	"time"

	"scanwatch/internal/model"
)

var (
	ErrDisabled  = errors.New("notify disabled")
	ErrQueueFull = errors.New("notify queue full")
	ErrStopped   = errors.New("notify stopped")
)

// Config controls the notification dispatch pipeline.
type Config struct {
	Enabled    bool
	Workers    int
	QueueSize  int
	RatePerSec int

	// RetryMax is the number of re-send attempts after the first failure.
	// Default 2; a negative value disables retries.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// DigestCron schedules the weekly digest fan-out (5-field cron spec).
	DigestCron string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	switch {
	case c.RetryMax < 0:
		// Explicitly negative disables retries entirely.
		c.RetryMax = 0
	case c.RetryMax == 0:
		c.RetryMax = 2
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.DigestCron == "" {
		c.DigestCron = "0 8 * * 1"
	}
	return c
}

// Email is one rendered message ready for delivery.
type Email struct {
	To       string
	TenantID string
	Kind     model.EventKind
	Subject  string
	Body     string
}

// Mailer delivers rendered emails. Implementations must be safe for
// concurrent use; the pipeline bounds each Send with a timeout.
type Mailer interface {
	Send(ctx context.Context, e Email) error
}

// HistoryItem is one recently sent notification, kept for operators.
type HistoryItem struct {
	At      time.Time       `json:"at"`
	Tenant  string          `json:"tenant"`
	Kind    model.EventKind `json:"kind"`
	To      string          `json:"to"`
	Subject string          `json:"subject"`
}
