// Package scan drives a scan record through its lifecycle:
//
//	pending --(probe starts)--> running --(success)--> completed
//	                                    --(error)----> failed
//
// completed and failed are terminal; a queue-level retry creates a fresh
// record instead of resurrecting the old one, so callers can trust that
// "completed" always implies risk data is present.
package scan

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"scanwatch/internal/eventbus"
	"scanwatch/internal/metrics"
	"scanwatch/internal/model"
	"scanwatch/internal/queue"
	"scanwatch/internal/risk"
	"scanwatch/internal/storage"
	"scanwatch/pkg/logx"
)

// Config controls scan execution.
type Config struct {
	// ProbeTimeout bounds one probe engine invocation. Default 10m.
	ProbeTimeout time.Duration

	// HighRiskThreshold is the score at and above which a risk.high event is
	// emitted. Zero selects the default of 70; to flag every assessment that
	// scored at all, set it to 1.
	HighRiskThreshold int
}

func (c Config) withDefaults() Config {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Minute
	}
	if c.HighRiskThreshold <= 0 {
		c.HighRiskThreshold = 70
	}
	return c
}

type Service struct {
	cfg    Config
	store  storage.Store
	probes ProbeEngine
	bus    eventbus.Bus
	log    logx.Logger
	met    *metrics.Metrics

	q *queue.Service
}

func New(cfg Config, store storage.Store, probes ProbeEngine, bus eventbus.Bus, log logx.Logger, met *metrics.Metrics) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		store:  store,
		probes: probes,
		bus:    bus,
		log:    log,
		met:    met,
	}
}

// SetQueue wires the dispatcher. Done after construction because the queue's
// handler is this service's Execute.
func (s *Service) SetQueue(q *queue.Service) { s.q = q }

// Trigger creates the pending scan record synchronously (so callers
// immediately get an id to poll) and enqueues the job for asynchronous
// execution. Manual triggers go on the high-priority lane.
func (s *Service) Trigger(ctx context.Context, tenantID string, types []model.ProbeType, trig model.Trigger) (string, error) {
	return s.trigger(ctx, tenantID, types, trig, 0)
}

// TriggerDelayed is Trigger with a jittered enqueue, used by bulk fan-outs.
// The pending record still exists immediately.
func (s *Service) TriggerDelayed(ctx context.Context, tenantID string, types []model.ProbeType, trig model.Trigger, delay time.Duration) (string, error) {
	return s.trigger(ctx, tenantID, types, trig, delay)
}

// ErrNoDomain is returned by Trigger when the tenant exists but has no domain
// to scan. The recurrence evaluator skips such tenants silently.
var ErrNoDomain = errors.New("tenant has no domain")

func (s *Service) trigger(ctx context.Context, tenantID string, types []model.ProbeType, trig model.Trigger, delay time.Duration) (string, error) {
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if tenant.Domain == "" {
		return "", ErrNoDomain
	}
	if len(types) == 0 {
		types = model.FullProbeSet()
	}

	rec := model.ScanRecord{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Domain:    tenant.Domain,
		Status:    model.StatusPending,
		Types:     types,
		Trigger:   trig,
		StartedAt: time.Now(),
	}
	if err := s.store.CreateScan(ctx, rec); err != nil {
		return "", err
	}

	job := model.ScanJob{
		TenantID: tenantID,
		Domain:   tenant.Domain,
		Types:    types,
		ScanID:   rec.ID,
		Trigger:  trig,
	}
	prio := queue.PriorityNormal
	if trig == model.TriggerManual {
		prio = queue.PriorityHigh
	}
	if delay > 0 {
		s.q.EnqueueAfter(job, prio, delay)
		return rec.ID, nil
	}
	if err := s.q.Enqueue(job, prio); err != nil {
		return rec.ID, err
	}
	return rec.ID, nil
}

// Execute runs one delivery attempt for a queued job. It is the queue's
// handler; a returned error makes the attempt eligible for retry.
func (s *Service) Execute(ctx context.Context, job model.ScanJob) error {
	scanID := job.ScanID

	// A retried job's previous record is terminal (failed); each attempt gets
	// its own record so terminal states stay immutable.
	if scanID != "" {
		rec, err := s.store.GetScan(ctx, scanID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			scanID = ""
		case err != nil:
			return err
		case rec.Status.Terminal():
			scanID = ""
		}
	}
	if scanID == "" {
		rec := model.ScanRecord{
			ID:        uuid.NewString(),
			TenantID:  job.TenantID,
			Domain:    job.Domain,
			Status:    model.StatusPending,
			Types:     job.Types,
			Trigger:   job.Trigger,
			StartedAt: time.Now(),
		}
		if err := s.store.CreateScan(ctx, rec); err != nil {
			return err
		}
		scanID = rec.ID
	}

	if err := s.store.MarkScanRunning(ctx, scanID); err != nil {
		return err
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	findings, err := s.probes.RunProbes(probeCtx, job.Domain, job.Types)
	cancel()
	if err != nil {
		now := time.Now()
		if ferr := s.store.FailScan(ctx, scanID, err.Error(), now); ferr != nil {
			s.log.Error("failed persisting scan failure", logx.String("scan", scanID), logx.Err(ferr))
		}
		if s.met != nil {
			s.met.ScansTotal.WithLabelValues("failed").Inc()
		}
		s.publish(eventbus.TypeScanFailed, eventbus.ScanEvent{
			TenantID: job.TenantID, ScanID: scanID, Domain: job.Domain, Error: err.Error(),
		})
		s.log.Warn("scan failed", logx.String("scan", scanID), logx.String("tenant", job.TenantID), logx.Err(err))
		return err
	}

	now := time.Now()
	if err := s.store.CompleteScan(ctx, scanID, findings, now); err != nil {
		return err
	}
	if s.met != nil {
		s.met.ScansTotal.WithLabelValues("completed").Inc()
	}

	// Downstream effects are best-effort relative to the completed scan: the
	// record is already terminal, so persistence hiccups here are logged, not
	// retried through the queue (a retry would duplicate the whole scan).
	score, category := s.assess(ctx, scanID, job.TenantID, findings)
	s.recordBreaches(ctx, job.TenantID, findings.Breaches)

	s.publish(eventbus.TypeScanCompleted, eventbus.ScanEvent{
		TenantID: job.TenantID, ScanID: scanID, Domain: job.Domain,
		Score: score, Category: category,
	})
	if score >= s.cfg.HighRiskThreshold {
		s.publish(eventbus.TypeRiskHigh, eventbus.ScanEvent{
			TenantID: job.TenantID, ScanID: scanID, Domain: job.Domain,
			Score: score, Category: category,
		})
	}

	s.log.Info("scan completed",
		logx.String("scan", scanID), logx.String("tenant", job.TenantID),
		logx.Int("score", score), logx.String("category", string(category)))
	return nil
}

func (s *Service) assess(ctx context.Context, scanID, tenantID string, findings model.ScanFindings) (int, model.RiskCategory) {
	riskFindings := risk.Derive(findings)
	score, category := risk.Score(riskFindings)

	a := model.RiskAssessment{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		ScanID:    scanID,
		Score:     score,
		Category:  category,
		Findings:  riskFindings,
		CreatedAt: time.Now(),
	}
	if err := s.store.PutAssessment(ctx, a); err != nil {
		s.log.Error("failed persisting risk assessment", logx.String("scan", scanID), logx.Err(err))
	}
	return score, category
}

func (s *Service) recordBreaches(ctx context.Context, tenantID string, hits []model.BreachHit) {
	if len(hits) == 0 {
		return
	}
	recs := make([]model.BreachRecord, 0, len(hits))
	now := time.Now()
	for _, h := range hits {
		recs = append(recs, model.BreachRecord{
			ID:         uuid.NewString(),
			TenantID:   tenantID,
			Email:      h.Email,
			BreachName: h.BreachName,
			Source:     h.Source,
			FoundAt:    now,
		})
	}
	added, err := s.store.AddBreaches(ctx, recs)
	if err != nil {
		s.log.Error("failed persisting breach records", logx.String("tenant", tenantID), logx.Err(err))
		return
	}
	if len(added) > 0 {
		s.publish(eventbus.TypeBreachFound, eventbus.BreachEvent{TenantID: tenantID, Breaches: added})
	}
}

func (s *Service) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}
