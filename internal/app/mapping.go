package app

import (
	"fmt"
	"time"

	"scanwatch/internal/api"
	"scanwatch/internal/config"
	"scanwatch/internal/notify"
	"scanwatch/internal/queue"
	"scanwatch/internal/scan"
	"scanwatch/internal/schedule"
	"scanwatch/internal/storage"
)

// Mapping helpers translate the string-typed file config into the typed
// configs of each service. They double as validators: the config manager runs
// them against every candidate config before committing a hot reload.

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	driver := cfg.Storage.Driver
	if driver == "" {
		driver = "sqlite"
	}
	if driver == "sqlite" && cfg.Storage.Path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required for the sqlite driver")
	}
	return storage.Config{
		Driver:      driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	qc := cfg.Queue
	if qc.Workers < 0 {
		return queue.Config{}, fmt.Errorf("queue.workers must be >= 0")
	}
	if qc.QueueSize < 0 {
		return queue.Config{}, fmt.Errorf("queue.queue_size must be >= 0")
	}
	if qc.Attempts < 0 {
		return queue.Config{}, fmt.Errorf("queue.attempts must be >= 0")
	}
	base, err := config.ParseDurationOrDefault("queue.retry_base", qc.RetryBase, 0)
	if err != nil {
		return queue.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("queue.retry_max_delay", qc.RetryMaxDelay, 0)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		Workers:          qc.Workers,
		QueueSize:        qc.QueueSize,
		Attempts:         qc.Attempts,
		RetryBase:        base,
		RetryMaxDelay:    maxDelay,
		CompletedHistory: qc.CompletedHistory,
		DeadHistory:      qc.DeadHistory,
	}, nil
}

func mapScanConfig(cfg *config.Config) (scan.Config, error) {
	timeout, err := config.ParseDurationOrDefault("scan.probe_timeout", cfg.Scan.ProbeTimeout, 0)
	if err != nil {
		return scan.Config{}, err
	}
	if cfg.Notify.HighRiskThreshold < 0 || cfg.Notify.HighRiskThreshold > 100 {
		return scan.Config{}, fmt.Errorf("notify.high_risk_threshold must be 0..100")
	}
	return scan.Config{
		ProbeTimeout:      timeout,
		HighRiskThreshold: cfg.Notify.HighRiskThreshold,
	}, nil
}

func mapScheduleConfig(cfg *config.Config) (schedule.Config, error) {
	tick, err := config.ParseDurationOrDefault("schedule.tick", cfg.Schedule.Tick, 0)
	if err != nil {
		return schedule.Config{}, err
	}
	jitter, err := config.ParseDurationOrDefault("schedule.seed_jitter_max", cfg.Schedule.SeedJitterMax, 0)
	if err != nil {
		return schedule.Config{}, err
	}
	return schedule.Config{
		Enabled:       cfg.Schedule.Enabled,
		Tick:          tick,
		NightlyCron:   cfg.Schedule.NightlyCron,
		SeedJitterMax: jitter,
	}, nil
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, error) {
	nc := cfg.Notify
	if nc.Workers < 0 {
		return notify.Config{}, fmt.Errorf("notify.workers must be >= 0")
	}
	if nc.QueueSize < 0 {
		return notify.Config{}, fmt.Errorf("notify.queue_size must be >= 0")
	}
	if nc.RetryMax < 0 {
		return notify.Config{}, fmt.Errorf("notify.retry_max must be >= 0")
	}
	base, err := config.ParseDurationOrDefault("notify.retry_base", nc.RetryBase, 0)
	if err != nil {
		return notify.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("notify.retry_max_delay", nc.RetryMaxDelay, 0)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Enabled:       nc.Enabled,
		Workers:       nc.Workers,
		QueueSize:     nc.QueueSize,
		RatePerSec:    nc.RatePerSec,
		RetryMax:      nc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		DigestCron:    nc.DigestCron,
	}, nil
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	read, err := config.ParseDurationOrDefault("api.read_timeout", cfg.API.ReadTimeout, 10*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("api.write_timeout", cfg.API.WriteTimeout, 30*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Enabled:      cfg.API.Enabled,
		Addr:         cfg.API.Addr,
		ReadTimeout:  read,
		WriteTimeout: write,
	}, nil
}
