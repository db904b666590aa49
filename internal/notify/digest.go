package notify

import (
	"context"
	"errors"
	"time"

	"scanwatch/internal/model"
	"scanwatch/internal/storage"
	"scanwatch/pkg/logx"
)

// trendWindow is how far apart two scores must be before the digest calls the
// movement a trend instead of noise.
const trendWindow = 5

// RunDigest builds and dispatches the weekly digest for every tenant that
// opted in. One tenant's failure never blocks the rest. Exported so operators
// can force a digest run outside the cron schedule.
func (s *Service) RunDigest(ctx context.Context) {
	tenants, err := s.store.ListTenants(ctx)
	if err != nil {
		s.log.Error("digest: tenant listing failed", logx.Err(err))
		return
	}

	now := time.Now()
	since := now.AddDate(0, 0, -7)
	for _, t := range tenants {
		d, ok := s.buildDigest(ctx, t, since)
		if !ok {
			continue
		}
		s.Dispatch(ctx, t.ID, model.EventWeeklyDigest, d)
	}
}

// buildDigest computes one tenant's 7-day summary. Tenants that have never
// completed a scan are skipped; there is nothing to summarize.
func (s *Service) buildDigest(ctx context.Context, t model.Tenant, since time.Time) (digestData, bool) {
	cur, err := s.store.LatestAssessment(ctx, t.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return digestData{}, false
	}
	if err != nil {
		s.log.Warn("digest: assessment lookup failed",
			logx.String("tenant", t.ID), logx.Err(err))
		return digestData{}, false
	}

	scans, err := s.store.CountScansCompletedSince(ctx, t.ID, since)
	if err != nil {
		s.log.Warn("digest: scan count failed", logx.String("tenant", t.ID), logx.Err(err))
	}
	breaches, err := s.store.CountBreachesSince(ctx, t.ID, since)
	if err != nil {
		s.log.Warn("digest: breach count failed", logx.String("tenant", t.ID), logx.Err(err))
	}

	return digestData{
		Domain:      t.Domain,
		Scans:       scans,
		NewBreaches: breaches,
		Score:       cur.Score,
		Category:    cur.Category,
		Trend:       s.trend(ctx, t.ID, cur.Score, since),
	}, true
}

// trend compares the current score to the last assessment before the digest
// window. Movement within trendWindow points, or a tenant with no prior
// history, reads as stable.
func (s *Service) trend(ctx context.Context, tenantID string, score int, since time.Time) string {
	prev, err := s.store.LatestAssessmentBefore(ctx, tenantID, since)
	if err != nil {
		return "stable"
	}
	switch delta := score - prev.Score; {
	case delta > trendWindow:
		return "up"
	case delta < -trendWindow:
		return "down"
	default:
		return "stable"
	}
}
