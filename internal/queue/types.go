package queue

import (
	"context"
	"errors"
	"time"

	"scanwatch/internal/model"
)

var (
	ErrQueueFull = errors.New("job queue full")
	ErrStopped   = errors.New("job queue stopped")
	ErrStopping  = errors.New("job queue stopping")
)

// Config controls the scan job dispatcher.
//
// Attempts is the total delivery budget per job (first try included), so the
// default of 3 allows two retries, delayed 5s then 10s. Retries back off
// exponentially from RetryBase, capped at RetryMaxDelay, with ±20% jitter so
// tenants triggered together don't retry together.
type Config struct {
	Workers   int
	QueueSize int

	Attempts      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	CompletedHistory int
	DeadHistory      int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 5 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 2 * time.Minute
	}
	if c.CompletedHistory <= 0 {
		c.CompletedHistory = 100
	}
	if c.DeadHistory <= 0 {
		c.DeadHistory = 50
	}
	return c
}

// Priority selects the dispatch lane. Manual scans go high so a user clicking
// "scan now" isn't stuck behind a bulk fan-out.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Handler executes one delivery attempt for a job. A non-nil error makes the
// attempt eligible for retry within the job's budget.
type Handler func(ctx context.Context, job model.ScanJob) error

// JobResult is one finished job in the bounded history sets.
type JobResult struct {
	Job      model.ScanJob `json:"job"`
	Attempts int           `json:"attempts"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers  int `json:"workers"`
	QueueLen int `json:"queue_len"`
	QueueCap int `json:"queue_cap"`
	InFlight int `json:"in_flight"`

	Attempts  int    `json:"attempts"`
	RetryBase string `json:"retry_base"`

	Dropped   uint64 `json:"dropped"`
	DeadTotal uint64 `json:"dead_total"`

	Completed []JobResult `json:"completed"`
	Dead      []JobResult `json:"dead"`
}
