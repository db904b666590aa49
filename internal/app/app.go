// Package app wires configuration, storage, the event bus and every service
// into one process with ordered startup and shutdown plus config hot reload.
package app

import (
	"context"
	"time"

	"scanwatch/internal/api"
	"scanwatch/internal/config"
	"scanwatch/internal/eventbus"
	"scanwatch/internal/metrics"
	"scanwatch/internal/notify"
	"scanwatch/internal/queue"
	rtsup "scanwatch/internal/runtime/supervisor"
	"scanwatch/internal/scan"
	"scanwatch/internal/schedule"
	"scanwatch/internal/storage"
	"scanwatch/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	met  *metrics.Metrics

	store storage.Store
	queue *queue.Service
	scans *scan.Service
	notif *notify.Service
	sched *schedule.Service
	api   *api.Server
}

// New loads the config file and wires all services. The probe engine and
// mailer are injected so deployments (and tests) choose the implementations.
func New(cfgPath string, probes scan.ProbeEngine, mailer notify.Mailer) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()
	met := metrics.New()

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", storeCfg.Driver))

	scanCfg, err := mapScanConfig(cfg)
	if err != nil {
		return nil, err
	}
	scans := scan.New(scanCfg, store, probes, bus, log.With(logx.String("comp", "scan")), met)

	queueCfg, err := mapQueueConfig(cfg)
	if err != nil {
		return nil, err
	}
	q := queue.New(queueCfg, scans.Execute, log.With(logx.String("comp", "queue")), bus, met)
	scans.SetQueue(q)

	notifyCfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	if mailer == nil {
		mailer = notify.LogMailer{Log: log.With(logx.String("comp", "mailer"))}
	}
	notif := notify.New(notifyCfg, mailer, store, bus, log.With(logx.String("comp", "notify")), met)

	schedCfg, err := mapScheduleConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := schedule.New(schedCfg, store, scans, log)

	apiCfg, err := mapAPIConfig(cfg)
	if err != nil {
		return nil, err
	}
	apiSrv := api.New(apiCfg, store, scans, q, notif, met, log)

	return &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		met:   met,
		store: store,
		queue: q,
		scans: scans,
		notif: notif,
		sched: sched,
		api:   apiSrv,
	}, nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		// Reject bad hot reloads before they reach any service.
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapQueueConfig(cfg); err != nil {
			return err
		}
		if _, err := mapScanConfig(cfg); err != nil {
			return err
		}
		if _, err := mapScheduleConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifyConfig(cfg); err != nil {
			return err
		}
		if _, err := mapAPIConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	// Order: consumers before producers, so nothing due fires into a void.
	a.queue.Start(a.sup.Context())
	a.notif.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())
	if err := a.api.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(newCfg)
			}
		}
	})

	a.log.Info("scanwatch started")
	return nil
}

// applyConfig fans a validated hot reload out to the services. Storage and
// scan execution settings need a restart; everything else applies live.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if qc, err := mapQueueConfig(cfg); err == nil {
		a.queue.Apply(qc)
	}
	if nc, err := mapNotifyConfig(cfg); err == nil {
		a.notif.Apply(nc)
	}
	if sc, err := mapScheduleConfig(cfg); err == nil {
		a.sched.Apply(sc)
	}
	a.log.Info("config reloaded")
}

// Stop shuts services down in reverse start order. Producers first, so the
// queue and dispatcher can drain what was already accepted.
func (a *App) Stop(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
	}

	a.api.Stop(ctx)
	a.sched.Stop(ctx)
	a.queue.Stop(ctx)
	a.notif.Stop(ctx)

	if a.sup != nil {
		a.sup.Cancel()
		_ = a.sup.Wait(ctx)
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}
	a.log.Info("scanwatch stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
