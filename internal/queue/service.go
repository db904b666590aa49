// Package queue is the durable handoff between scan triggering and execution:
// a bounded two-lane queue with a worker pool, retry with exponential backoff,
// and bounded recent-history sets for operators. The queue is not an audit
// log; finished jobs age out of the history sets.
package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"scanwatch/internal/eventbus"
	"scanwatch/internal/metrics"
	"scanwatch/internal/model"
	rtsup "scanwatch/internal/runtime/supervisor"
	"scanwatch/pkg/logx"
)

type Service struct {
	mu      sync.Mutex
	cfg     Config
	handler Handler
	log     logx.Logger
	bus     eventbus.Bus
	met     *metrics.Metrics

	high   chan model.ScanJob
	normal chan model.ScanJob

	inFlight int32
	dropped  uint64
	dead     uint64

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	hmu       sync.Mutex
	completed []JobResult
	deadSet   []JobResult

	// Timers for delayed (jittered) enqueues, canceled on Stop.
	tmu    sync.Mutex
	timers map[string]*time.Timer
}

func New(cfg Config, handler Handler, log logx.Logger, bus eventbus.Bus, met *metrics.Metrics) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		handler: handler,
		log:     log,
		bus:     bus,
		met:     met,
		timers:  map[string]*time.Timer{},
	}
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg.withDefaults()
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if !running {
		return
	}
	// Worker/queue sizing changes need a restart; retry knobs apply live.
	if prev.Workers != s.cfg.Workers || prev.QueueSize != s.cfg.QueueSize {
		s.Stop(context.Background())
		s.Start(context.Background())
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.high = make(chan model.ScanJob, cfg.QueueSize)
	s.normal = make(chan model.ScanJob, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	high, normal := s.high, s.normal

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "queue"))),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, high, normal, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return fmt.Errorf("worker exited unexpectedly")
		})
	}

	s.log.Info("job queue started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize), logx.Int("attempts", cfg.Attempts))
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
	s.mu.Unlock()

	// Cancel pending delayed enqueues.
	s.tmu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.tmu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.high = nil
		s.normal = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("job queue stopped")
	case <-ctx.Done():
		s.log.Warn("job queue stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue accepts a job without blocking. If the lane is full the job is
// dropped and ErrQueueFull returned; callers decide whether that matters.
func (s *Service) Enqueue(job model.ScanJob, prio Priority) error {
	if strings.TrimSpace(job.ID) == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	s.mu.Lock()
	high, normal := s.high, s.normal
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if high == nil || normal == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	lane := normal
	if prio == PriorityHigh {
		lane = high
	}
	select {
	case lane <- job:
		if s.met != nil {
			s.met.QueueDepth.Inc()
		}
		return nil
	default:
		atomic.AddUint64(&s.dropped, 1)
		s.log.Warn("job dropped: queue full",
			logx.String("job", job.ID), logx.String("tenant", job.TenantID),
			logx.Int("queue_cap", cap(lane)))
		return ErrQueueFull
	}
}

// EnqueueAfter schedules a delayed enqueue, used to jitter bulk fan-outs so a
// whole fleet of tenants doesn't hit the probe engine at one instant.
// Best-effort: pending delays are dropped on Stop.
func (s *Service) EnqueueAfter(job model.ScanJob, prio Priority, delay time.Duration) {
	if delay <= 0 {
		_ = s.Enqueue(job, prio)
		return
	}
	if strings.TrimSpace(job.ID) == "" {
		job.ID = uuid.NewString()
	}
	id := job.ID

	s.tmu.Lock()
	if s.timers == nil {
		s.timers = map[string]*time.Timer{}
	}
	s.timers[id] = time.AfterFunc(delay, func() {
		s.tmu.Lock()
		delete(s.timers, id)
		s.tmu.Unlock()
		if err := s.Enqueue(job, prio); err != nil {
			s.log.Debug("delayed enqueue skipped", logx.String("job", id), logx.Err(err))
		}
	})
	s.tmu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	high, normal := s.high, s.normal
	s.mu.Unlock()

	ql, qc := 0, 0
	if high != nil {
		ql += len(high)
		qc += cap(high)
	}
	if normal != nil {
		ql += len(normal)
		qc += cap(normal)
	}

	s.hmu.Lock()
	completed := make([]JobResult, len(s.completed))
	copy(completed, s.completed)
	deadSet := make([]JobResult, len(s.deadSet))
	copy(deadSet, s.deadSet)
	s.hmu.Unlock()

	return Snapshot{
		Workers:   cfg.Workers,
		QueueLen:  ql,
		QueueCap:  qc,
		InFlight:  int(atomic.LoadInt32(&s.inFlight)),
		Attempts:  cfg.Attempts,
		RetryBase: cfg.RetryBase.String(),
		Dropped:   atomic.LoadUint64(&s.dropped),
		DeadTotal: atomic.LoadUint64(&s.dead),
		Completed: completed,
		Dead:      deadSet,
	}
}

func (s *Service) recordCompleted(r JobResult) {
	s.mu.Lock()
	keep := s.cfg.CompletedHistory
	s.mu.Unlock()
	s.hmu.Lock()
	s.completed = append(s.completed, r)
	if len(s.completed) > keep {
		s.completed = s.completed[len(s.completed)-keep:]
	}
	s.hmu.Unlock()
}

func (s *Service) recordDead(r JobResult) {
	atomic.AddUint64(&s.dead, 1)
	s.mu.Lock()
	keep := s.cfg.DeadHistory
	s.mu.Unlock()
	s.hmu.Lock()
	s.deadSet = append(s.deadSet, r)
	if len(s.deadSet) > keep {
		s.deadSet = s.deadSet[len(s.deadSet)-keep:]
	}
	s.hmu.Unlock()
}
