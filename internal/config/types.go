package config

// Config is the full scanwatchd configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Files may be YAML or JSON; both are decoded strictly (unknown fields are
// rejected) so typos fail loudly instead of silently defaulting.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Schedule ScheduleConfig `json:"schedule"`
	Queue    QueueConfig    `json:"queue"`
	Scan     ScanConfig     `json:"scan"`
	Notify   NotifyConfig   `json:"notify"`
	API      APIConfig      `json:"api,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Driver values:
//   - "sqlite": SQLite database file (default for deployments)
//   - "mem":    in-memory store (tests, local development)
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// ScheduleConfig controls the recurrence evaluator and system-wide cron jobs.
//
// Defaults (when fields are omitted/zero):
//   - tick: "60s"
//   - seed_jitter_max: "60s"
//   - nightly_cron: disabled
type ScheduleConfig struct {
	Enabled bool   `json:"enabled"`
	Tick    string `json:"tick,omitempty"`

	// NightlyCron optionally fans out jobs for every auto-scan tenant on a
	// cron spec (e.g. "0 3 * * *"). Additive to the per-tenant tick loop;
	// the once-per-period gate still applies.
	NightlyCron string `json:"nightly_cron,omitempty"`

	// SeedJitterMax spreads bulk fan-out enqueues over a random delay to
	// avoid hammering the probe engine at a single instant.
	SeedJitterMax string `json:"seed_jitter_max,omitempty"`
}

// QueueConfig controls the scan job queue and dispatcher workers.
//
// Defaults: workers 4, queue_size 256, attempts 3,
// retry_base "5s", retry_max_delay "2m", completed_history 100,
// dead_history 50.
type QueueConfig struct {
	Workers          int    `json:"workers,omitempty"`
	QueueSize        int    `json:"queue_size,omitempty"`
	Attempts         int    `json:"attempts,omitempty"`
	RetryBase        string `json:"retry_base,omitempty"`
	RetryMaxDelay    string `json:"retry_max_delay,omitempty"`
	CompletedHistory int    `json:"completed_history,omitempty"`
	DeadHistory      int    `json:"dead_history,omitempty"`
}

// ScanConfig controls scan execution.
type ScanConfig struct {
	// ProbeTimeout bounds one probe engine invocation. Default "10m".
	ProbeTimeout string `json:"probe_timeout,omitempty"`
}

// NotifyConfig controls the notification dispatch pipeline.
//
// Defaults: workers 2, queue_size 512, rate_per_sec 3, retry_max 2,
// retry_base "500ms", retry_max_delay "10s", high_risk_threshold 70,
// digest_cron "0 8 * * 1" (Monday 08:00).
//
// high_risk_threshold 0 (or omitted) selects the default of 70; a threshold
// of 1 alerts on every assessment with a nonzero score.
type NotifyConfig struct {
	Enabled           bool   `json:"enabled"`
	Workers           int    `json:"workers,omitempty"`
	QueueSize         int    `json:"queue_size,omitempty"`
	RatePerSec        int    `json:"rate_per_sec,omitempty"`
	RetryMax          int    `json:"retry_max,omitempty"`
	RetryBase         string `json:"retry_base,omitempty"`
	RetryMaxDelay     string `json:"retry_max_delay,omitempty"`
	HighRiskThreshold int    `json:"high_risk_threshold,omitempty"`
	DigestCron        string `json:"digest_cron,omitempty"`
}

type APIConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default "127.0.0.1:8080"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}
