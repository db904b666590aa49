// Package schedule is the recurrence evaluator: a tick loop that walks every
// auto-scan schedule, projects the current instant into the tenant's timezone
// and triggers scans that are due. Evaluation is synchronous within a tick, so
// ticks never overlap, and a once-per-period gate on the tenant-local calendar
// date keeps a tenant from being scanned twice in one period no matter how
// many ticks land inside the scheduled minute.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"scanwatch/internal/model"
	rtsup "scanwatch/internal/runtime/supervisor"
	"scanwatch/internal/scan"
	"scanwatch/internal/storage"
	"scanwatch/pkg/logx"
)

// Config controls the evaluator.
type Config struct {
	Enabled bool

	// Tick is the evaluation interval. Default 60s. Ticks longer than a
	// minute can skip over a scheduled minute entirely.
	Tick time.Duration

	// NightlyCron optionally fans out jobs for every daily-frequency tenant
	// on a cron spec, additive to the tick loop. The once-per-day gate still
	// applies, so tenants already scanned that day are skipped.
	NightlyCron string

	// SeedJitterMax spreads nightly fan-out enqueues over a random delay.
	SeedJitterMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Minute
	}
	if c.SeedJitterMax <= 0 {
		c.SeedJitterMax = time.Minute
	}
	return c
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	store storage.Store
	scans *scan.Service
	log   logx.Logger

	sup      *rtsup.Supervisor
	cron     *cron.Cron
	stopCh   chan struct{}
	stopDone chan struct{}
	runCtx   context.Context // recorded on Start so Apply can start a disabled service

	rmu sync.Mutex
	rng *rand.Rand
}

func New(cfg Config, store storage.Store, scans *scan.Service, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		store: store,
		scans: scans,
		log:   log.With(logx.String("comp", "schedule")),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Apply updates config. Tick changes apply on the next loop iteration; an
// enable/disable flip or a cron spec change restarts (or starts/stops) the
// service.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg.withDefaults()
	next := s.cfg
	running := s.stopCh != nil && s.stopDone == nil
	ctx := s.runCtx
	s.mu.Unlock()

	if !running {
		if next.Enabled && ctx != nil {
			s.Start(ctx)
		}
		return
	}
	if prev.Enabled != next.Enabled || prev.NightlyCron != next.NightlyCron {
		s.Stop(context.Background())
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	s.runCtx = ctx
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup

	if cfg.NightlyCron != "" {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(cfg.NightlyCron, func() { s.SeedDaily(context.Background()) }); err != nil {
			s.log.Error("invalid nightly cron spec, fan-out disabled",
				logx.String("spec", cfg.NightlyCron), logx.Err(err))
		}
		s.cron.Start()
	}
	s.mu.Unlock()

	sup.GoRestart("tick", func(c context.Context) error {
		s.tickLoop(c, stopCh)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("tick loop exited unexpectedly")
	})

	s.log.Info("recurrence evaluator started",
		logx.Duration("tick", cfg.Tick), logx.String("nightly_cron", cfg.NightlyCron))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	cr := s.cron
	s.mu.Unlock()

	if cr != nil {
		cr.Stop()
	}
	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.cron = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("recurrence evaluator stopped")
	case <-ctx.Done():
		s.log.Warn("recurrence evaluator stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) tickLoop(ctx context.Context, stopCh <-chan struct{}) {
	for {
		s.mu.Lock()
		tick := s.cfg.Tick
		s.mu.Unlock()

		t := time.NewTimer(tick)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-stopCh:
			t.Stop()
			return
		case now := <-t.C:
			s.EvaluateTick(ctx, now)
		}
	}
}

// EvaluateTick runs one evaluation pass against the given instant and returns
// how many scans it triggered. Exported for the tick loop, the nightly
// fan-out and tests; the instant is projected per tenant, so callers pass
// wall-clock time in any zone.
func (s *Service) EvaluateTick(ctx context.Context, now time.Time) int {
	schedules, err := s.store.ListAutoScanSchedules(ctx)
	if err != nil {
		s.log.Error("schedule listing failed", logx.Err(err))
		return 0
	}

	triggered := 0
	for _, sc := range schedules {
		if s.evaluateTenant(ctx, sc, now) {
			triggered++
		}
	}
	return triggered
}

// evaluateTenant decides and triggers for one tenant. Failures are contained:
// a panic or error for one tenant is logged and the walk continues.
func (s *Service) evaluateTenant(ctx context.Context, sc model.ScheduleConfig, now time.Time) (triggered bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("schedule evaluation panicked",
				logx.String("tenant", sc.TenantID), logx.Any("panic", r))
			triggered = false
		}
	}()

	if !s.due(sc, now) {
		return false
	}
	return s.trigger(ctx, sc, now, 0)
}

// due reports whether the schedule's local time matches now and the
// once-per-period gate is open.
func (s *Service) due(sc model.ScheduleConfig, now time.Time) bool {
	if !sc.AutoScanEnabled || sc.Frequency == model.FreqManual {
		return false
	}

	local := now.In(s.location(sc))
	switch sc.Frequency {
	case model.FreqDaily:
		if local.Format("15:04") != sc.ScanTime {
			return false
		}
	case model.FreqWeekly:
		day, err := model.ParseWeekday(sc.ScanDay)
		if err != nil {
			s.log.Warn("schedule has invalid scan day, skipping",
				logx.String("tenant", sc.TenantID), logx.String("day", sc.ScanDay))
			return false
		}
		if local.Weekday() != day || local.Format("15:04") != sc.ScanTime {
			return false
		}
	default:
		return false
	}

	return s.gateOpen(sc, local)
}

// gateOpen compares the tenant-local calendar date of the last automatic scan
// with the local date of now. Same date means the period's scan already ran.
// The comparison is by date, not elapsed duration, so a 23h DST day still
// counts as a new day.
func (s *Service) gateOpen(sc model.ScheduleConfig, local time.Time) bool {
	if sc.LastAutoScanAt == nil {
		return true
	}
	last := sc.LastAutoScanAt.In(local.Location())
	ly, lm, ld := last.Date()
	ny, nm, nd := local.Date()
	return ly != ny || lm != nm || ld != nd
}

func (s *Service) trigger(ctx context.Context, sc model.ScheduleConfig, now time.Time, delay time.Duration) bool {
	var (
		scanID string
		err    error
	)
	if delay > 0 {
		scanID, err = s.scans.TriggerDelayed(ctx, sc.TenantID, sc.ScanTypes, model.TriggerScheduled, delay)
	} else {
		scanID, err = s.scans.Trigger(ctx, sc.TenantID, sc.ScanTypes, model.TriggerScheduled)
	}
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, scan.ErrNoDomain):
		// Stale schedule row or half-provisioned tenant. Not actionable here.
		s.log.Debug("schedule skipped: tenant not scannable", logx.String("tenant", sc.TenantID))
		return false
	case err != nil:
		s.log.Warn("scheduled trigger failed", logx.String("tenant", sc.TenantID), logx.Err(err))
		return false
	}

	// The gate timestamp marks "triggered", not "completed": it is written as
	// soon as the job is accepted so a slow scan can't retrigger next tick.
	if err := s.store.SetLastAutoScan(ctx, sc.TenantID, now); err != nil {
		s.log.Error("failed recording auto-scan timestamp",
			logx.String("tenant", sc.TenantID), logx.Err(err))
	}

	s.log.Info("scheduled scan triggered",
		logx.String("tenant", sc.TenantID), logx.String("scan", scanID),
		logx.String("frequency", string(sc.Frequency)))
	return true
}

// location resolves the tenant's IANA zone, falling back to UTC. A bad zone
// name must never break the tenant's schedule.
func (s *Service) location(sc model.ScheduleConfig) *time.Location {
	if sc.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(sc.Timezone)
	if err != nil {
		s.log.Warn("unresolvable timezone, using UTC",
			logx.String("tenant", sc.TenantID), logx.String("tz", sc.Timezone))
		return time.UTC
	}
	return loc
}

// SeedDaily fans out scan jobs for every daily-frequency tenant whose gate is
// still open, with a jittered enqueue so the fleet doesn't hit the probe
// engine at one instant. Weekly tenants keep their own cadence and are not
// seeded. Exported for the nightly cron and operator tooling.
func (s *Service) SeedDaily(ctx context.Context) int {
	s.mu.Lock()
	jitterMax := s.cfg.SeedJitterMax
	s.mu.Unlock()

	schedules, err := s.store.ListAutoScanSchedules(ctx)
	if err != nil {
		s.log.Error("schedule listing failed", logx.Err(err))
		return 0
	}

	now := time.Now()
	seeded := 0
	for _, sc := range schedules {
		if !sc.AutoScanEnabled || sc.Frequency != model.FreqDaily {
			continue
		}
		if !s.gateOpen(sc, now.In(s.location(sc))) {
			continue
		}
		if s.trigger(ctx, sc, now, s.jitter(jitterMax)) {
			seeded++
		}
	}
	if seeded > 0 {
		s.log.Info(fmt.Sprintf("nightly fan-out seeded %d scan(s)", seeded))
	}
	return seeded
}

func (s *Service) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	s.rmu.Lock()
	d := time.Duration(s.rng.Int63n(int64(max)))
	s.rmu.Unlock()
	return d
}
