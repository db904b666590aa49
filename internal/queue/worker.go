package queue

import (
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	"context"

	"scanwatch/internal/eventbus"
	"scanwatch/internal/model"
	"scanwatch/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, high, normal chan model.ScanJob, idx int) {
	// Per-worker RNG: avoids global lock contention when many jobs retry concurrently.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		// Prefer the high lane, then fall back to either.
		select {
		case job := <-high:
			s.runJob(ctx, stopCh, job, rng)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case job := <-high:
			s.runJob(ctx, stopCh, job, rng)
		case job := <-normal:
			s.runJob(ctx, stopCh, job, rng)
		}
	}
}

func (s *Service) runJob(ctx context.Context, stopCh <-chan struct{}, job model.ScanJob, rng *rand.Rand) {
	if s.met != nil {
		s.met.QueueDepth.Dec()
	}

	s.mu.Lock()
	cfg := s.cfg
	handler := s.handler
	s.mu.Unlock()
	if handler == nil {
		return
	}

	start := time.Now()
	atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)

	var err error
	attempts := 0
attemptLoop:
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		attempts = attempt

		// Panic guard: one bad job must not kill the worker or affect other
		// queued jobs.
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					s.log.Error("job panicked", logx.String("job", job.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			err = handler(ctx, job)
		}()
		if err == nil {
			break
		}
		if attempt >= cfg.Attempts {
			break
		}

		if s.met != nil {
			s.met.JobRetries.Inc()
		}
		delay := backoffDelay(cfg, attempt, rng)
		s.log.Debug("job retry scheduled",
			logx.String("job", job.ID), logx.String("tenant", job.TenantID),
			logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			if !t.Stop() {
				<-t.C
			}
			err = ErrStopped
			break attemptLoop
		case <-t.C:
		}
	}

	result := JobResult{Job: job, Attempts: attempts, Started: start, Duration: time.Since(start)}
	if err != nil {
		result.Error = err.Error()
		s.recordDead(result)
		if s.met != nil {
			s.met.JobsTotal.WithLabelValues("dead").Inc()
		}
		// Dead jobs are surfaced, never silently dropped.
		s.log.Error("job dead: attempts exhausted",
			logx.String("job", job.ID), logx.String("tenant", job.TenantID),
			logx.Int("attempts", attempts), logx.Err(err))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "job.dead", Data: result})
		}
		return
	}

	s.recordCompleted(result)
	if s.met != nil {
		s.met.JobsTotal.WithLabelValues("completed").Inc()
	}
	s.log.Debug("job completed",
		logx.String("job", job.ID), logx.String("tenant", job.TenantID),
		logx.Int("attempts", attempts), logx.Duration("dur", result.Duration))
}

// backoffDelay doubles RetryBase per retry (5s, 10s, 20s, ...) capped at
// RetryMaxDelay, with ±20% jitter.
func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	if rng != nil {
		r := (rng.Float64()*2 - 1) * 0.2
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
