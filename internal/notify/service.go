// Package notify turns scan-core events into tenant-facing emails: an async
// pipeline of bus consumer, preference gate, bounded queue, worker pool, rate
// limit and retry. Delivery is best-effort; a notification that exhausts its
// retries is logged and dropped, never re-queued into the scan path.
package notify

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"scanwatch/internal/eventbus"
	"scanwatch/internal/metrics"
	"scanwatch/internal/model"
	rtsup "scanwatch/internal/runtime/supervisor"
	"scanwatch/internal/storage"
	"scanwatch/pkg/logx"
)

// Service is the notification dispatcher. Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	mailer Mailer
	bus    eventbus.Bus
	store  storage.Store
	met    *metrics.Metrics

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan Email
	sup      *rtsup.Supervisor
	stopDone chan struct{}   // non-nil while stopping
	runCtx   context.Context // recorded on Start so Apply can start a disabled service
	unsub    func()
	cron     *cron.Cron

	// Recent deliveries (for operator visibility).
	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, mailer Mailer, store storage.Store, bus eventbus.Bus, log logx.Logger, met *metrics.Metrics) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		mailer: mailer,
		store:  store,
		bus:    bus,
		log:    log,
		met:    met,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply updates config. Rate and retry knobs take effect immediately; worker,
// queue and cron sizing take effect on the next Start. Flipping Enabled
// starts or stops the pipeline.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	en := s.cfg.Enabled
	running := s.queue != nil && s.stopDone == nil
	ctx := s.runCtx
	s.mu.Unlock()

	if running && !en {
		s.Stop(context.Background())
		return
	}
	if !running && en && ctx != nil {
		s.Start(ctx)
	}
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.runCtx = ctx
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	cfg := s.cfg
	s.queue = make(chan Email, cfg.QueueSize)
	s.accepting = true

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notify"))),
		// Notification failures must never take the scan core down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue

	events, unsub := s.bus.Subscribe(128)
	s.unsub = unsub

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(cfg.DigestCron, func() { s.RunDigest(context.Background()) }); err != nil {
		s.log.Error("invalid digest cron spec, digest disabled",
			logx.String("spec", cfg.DigestCron), logx.Err(err))
	}
	s.cron.Start()
	s.mu.Unlock()

	sup.Go("events", func(c context.Context) error {
		s.eventLoop(c, events)
		return nil
	})

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notify worker exited unexpectedly")
		})
	}

	s.log.Info("notification dispatcher started",
		logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize),
		logx.String("digest_cron", cfg.DigestCron))
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	unsub := s.unsub
	cr := s.cron
	if q == nil {
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
	s.accepting = false
	s.mu.Unlock()

	if cr != nil {
		cr.Stop()
	}
	if unsub != nil {
		unsub()
	}

	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the queue so workers drain.
		s.sendWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.unsub = nil
		s.cron = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		s.log.Info("notification dispatcher stopped")
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
		s.log.Warn("notification dispatcher stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) eventLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Service) handleEvent(ctx context.Context, ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeScanCompleted:
		se, ok := ev.Data.(eventbus.ScanEvent)
		if !ok {
			return
		}
		s.Dispatch(ctx, se.TenantID, model.EventScanComplete, scanCompleteData{
			Domain: se.Domain, Score: se.Score, Category: se.Category, ScanID: se.ScanID,
		})
	case eventbus.TypeRiskHigh:
		se, ok := ev.Data.(eventbus.ScanEvent)
		if !ok {
			return
		}
		s.Dispatch(ctx, se.TenantID, model.EventHighRisk, highRiskData{
			Domain: se.Domain, Score: se.Score, Category: se.Category,
		})
	case eventbus.TypeBreachFound:
		be, ok := ev.Data.(eventbus.BreachEvent)
		if !ok || len(be.Breaches) == 0 {
			return
		}
		s.Dispatch(ctx, be.TenantID, model.EventNewBreach, breachData{
			Count: len(be.Breaches), Breaches: be.Breaches,
		})
	}
}

// Dispatch gates one event on the tenant's preferences, resolves a recipient,
// renders the template and enqueues the email. All failure modes short of a
// render bug drop the notification quietly; notifications are advisory.
func (s *Service) Dispatch(ctx context.Context, tenantID string, kind model.EventKind, data any) {
	s.mu.Lock()
	if !s.cfg.Enabled || !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	prefs := s.prefsFor(ctx, tenantID)
	if !prefs.Allows(kind) {
		s.count(kind, "gated")
		s.log.Debug("notification gated by preferences",
			logx.String("tenant", tenantID), logx.String("kind", string(kind)))
		return
	}

	to := s.recipient(ctx, tenantID, prefs)
	if to == "" {
		s.count(kind, "dropped")
		s.log.Debug("notification dropped: no recipient",
			logx.String("tenant", tenantID), logx.String("kind", string(kind)))
		return
	}

	subject, body, err := render(kind, data)
	if err != nil {
		s.count(kind, "dropped")
		s.log.Error("notification render failed",
			logx.String("tenant", tenantID), logx.String("kind", string(kind)), logx.Err(err))
		return
	}

	e := Email{To: to, TenantID: tenantID, Kind: kind, Subject: subject, Body: body}
	select {
	case q <- e:
	default:
		s.count(kind, "dropped")
		s.log.Warn("notification dropped: queue full",
			logx.String("tenant", tenantID), logx.String("kind", string(kind)))
	}
}

// prefsFor loads the tenant's toggles. A tenant that never saved preferences
// gets everything enabled; an explicit row is authoritative.
func (s *Service) prefsFor(ctx context.Context, tenantID string) model.NotificationPrefs {
	p, err := s.store.GetPrefs(ctx, tenantID)
	if err == nil {
		return p
	}
	if !errors.Is(err, storage.ErrNotFound) {
		s.log.Warn("preference lookup failed, using defaults",
			logx.String("tenant", tenantID), logx.Err(err))
	}
	return model.NotificationPrefs{
		TenantID:     tenantID,
		NewBreach:    true,
		ScanComplete: true,
		HighRisk:     true,
		WeeklyDigest: true,
	}
}

// recipient resolves the delivery address: explicit override first, then the
// tenant's admin user. Empty means nobody to notify.
func (s *Service) recipient(ctx context.Context, tenantID string, prefs model.NotificationPrefs) string {
	if prefs.NotificationEmail != "" {
		return prefs.NotificationEmail
	}
	email, err := s.store.AdminEmail(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("admin lookup failed", logx.String("tenant", tenantID), logx.Err(err))
		}
		return ""
	}
	return email
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Email) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, e)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, e Email) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	mailer := s.mailer
	s.mu.Unlock()

	if mailer == nil {
		return
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := mailer.Send(callCtx, e)
		cancel()
		if err == nil {
			s.count(e.Kind, "sent")
			s.appendHistory(e)
			s.log.Debug("notification sent",
				logx.String("tenant", e.TenantID), logx.String("kind", string(e.Kind)),
				logx.String("to", e.To))
			return
		}
		lastErr = err
		s.log.Debug("notification send failed",
			logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.Err(err))

		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}

	s.count(e.Kind, "failed")
	s.log.Warn("notification abandoned after retries",
		logx.String("tenant", e.TenantID), logx.String("kind", string(e.Kind)),
		logx.Err(lastErr))
}

func (s *Service) count(kind model.EventKind, outcome string) {
	if s.met != nil {
		s.met.NotificationsTotal.WithLabelValues(string(kind), outcome).Inc()
	}
}

// Snapshot returns recent deliveries, newest last.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(e Email) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{
		At: time.Now(), Tenant: e.TenantID, Kind: e.Kind, To: e.To, Subject: e.Subject,
	})
	if len(s.history) > 200 {
		s.history = s.history[len(s.history)-200:]
	}
	s.hmu.Unlock()
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	d = time.Duration(float64(d) * (0.7 + rng.Float64()*0.6))
	if d < 0 {
		return 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
