package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"scanwatch/internal/model"
)

// memStore is the dependency-free in-memory backend. It mirrors the sqlite
// driver's semantics (normalization, terminal guard, breach dedup) and is the
// backend of choice for tests and local development.
type memStore struct {
	mu sync.RWMutex

	tenants   map[string]model.Tenant
	users     map[string]model.TenantUser
	schedules map[string]model.ScheduleConfig
	prefs     map[string]model.NotificationPrefs
	scans     map[string]model.ScanRecord
	risks     map[string]model.RiskAssessment
	breaches  map[string]model.BreachRecord // keyed by composite tuple
}

// NewMem returns an empty in-memory store.
func NewMem() Store {
	return &memStore{
		tenants:   map[string]model.Tenant{},
		users:     map[string]model.TenantUser{},
		schedules: map[string]model.ScheduleConfig{},
		prefs:     map[string]model.NotificationPrefs{},
		scans:     map[string]model.ScanRecord{},
		risks:     map[string]model.RiskAssessment{},
		breaches:  map[string]model.BreachRecord{},
	}
}

func (s *memStore) Close() error { return nil }

func (s *memStore) PutTenant(_ context.Context, t model.Tenant) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.Domain = model.CanonicalDomain(t.Domain)
	s.mu.Lock()
	s.tenants[t.ID] = t
	s.mu.Unlock()
	return nil
}

func (s *memStore) GetTenant(_ context.Context, id string) (model.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return model.Tenant{}, ErrNotFound
	}
	return t, nil
}

func (s *memStore) ListTenants(_ context.Context) ([]model.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) PutUser(_ context.Context, u model.TenantUser) error {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
	return nil
}

func (s *memStore) AdminEmail(_ context.Context, tenantID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, u := range s.users {
		if u.TenantID == tenantID && u.Role == model.RoleAdmin && u.Email != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return "", ErrNotFound
	}
	sort.Strings(ids)
	return s.users[ids[0]].Email, nil
}

func (s *memStore) PutSchedule(_ context.Context, sc model.ScheduleConfig) error {
	norm, err := model.NormalizeScanTime(sc.ScanTime)
	if err != nil {
		return err
	}
	sc.ScanTime = norm
	s.mu.Lock()
	s.schedules[sc.TenantID] = sc
	s.mu.Unlock()
	return nil
}

func (s *memStore) GetSchedule(_ context.Context, tenantID string) (model.ScheduleConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schedules[tenantID]
	if !ok {
		return model.ScheduleConfig{}, ErrNotFound
	}
	return sc, nil
}

func (s *memStore) ListAutoScanSchedules(_ context.Context) ([]model.ScheduleConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ScheduleConfig
	for _, sc := range s.schedules {
		if sc.AutoScanEnabled {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

func (s *memStore) SetLastAutoScan(_ context.Context, tenantID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[tenantID]
	if !ok {
		return ErrNotFound
	}
	sc.LastAutoScanAt = &at
	s.schedules[tenantID] = sc
	return nil
}

func (s *memStore) PutPrefs(_ context.Context, p model.NotificationPrefs) error {
	s.mu.Lock()
	s.prefs[p.TenantID] = p
	s.mu.Unlock()
	return nil
}

func (s *memStore) GetPrefs(_ context.Context, tenantID string) (model.NotificationPrefs, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prefs[tenantID]
	if !ok {
		return model.NotificationPrefs{}, ErrNotFound
	}
	return p, nil
}

func (s *memStore) CreateScan(_ context.Context, rec model.ScanRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	rec.Findings = model.ScanFindings{}
	s.mu.Lock()
	s.scans[rec.ID] = rec
	s.mu.Unlock()
	return nil
}

func (s *memStore) GetScan(_ context.Context, id string) (model.ScanRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.scans[id]
	if !ok {
		return model.ScanRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *memStore) transition(id string, from []model.ScanStatus, apply func(*model.ScanRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.scans[id]
	if !ok {
		return ErrNotFound
	}
	allowed := false
	for _, st := range from {
		if rec.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		if rec.Status.Terminal() {
			return ErrTerminal
		}
		return fmt.Errorf("invalid scan status transition from %q", rec.Status)
	}
	apply(&rec)
	s.scans[id] = rec
	return nil
}

func (s *memStore) MarkScanRunning(_ context.Context, id string) error {
	return s.transition(id, []model.ScanStatus{model.StatusPending}, func(r *model.ScanRecord) {
		r.Status = model.StatusRunning
	})
}

func (s *memStore) CompleteScan(_ context.Context, id string, findings model.ScanFindings, at time.Time) error {
	return s.transition(id, []model.ScanStatus{model.StatusRunning}, func(r *model.ScanRecord) {
		r.Status = model.StatusCompleted
		r.Findings = findings
		r.CompletedAt = &at
	})
}

func (s *memStore) FailScan(_ context.Context, id string, msg string, at time.Time) error {
	return s.transition(id, []model.ScanStatus{model.StatusPending, model.StatusRunning}, func(r *model.ScanRecord) {
		r.Status = model.StatusFailed
		r.Error = msg
		r.CompletedAt = &at
	})
}

func (s *memStore) DeleteScan(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scans[id]; !ok {
		return ErrNotFound
	}
	delete(s.scans, id)
	return nil
}

func (s *memStore) CountScansCompletedSince(_ context.Context, tenantID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.scans {
		if rec.TenantID == tenantID && rec.Status == model.StatusCompleted &&
			rec.CompletedAt != nil && !rec.CompletedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *memStore) PutAssessment(_ context.Context, a model.RiskAssessment) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	s.mu.Lock()
	s.risks[a.ID] = a
	s.mu.Unlock()
	return nil
}

func (s *memStore) LatestAssessment(_ context.Context, tenantID string) (model.RiskAssessment, error) {
	return s.latestAssessment(tenantID, func(a model.RiskAssessment) bool { return true })
}

func (s *memStore) LatestAssessmentBefore(_ context.Context, tenantID string, before time.Time) (model.RiskAssessment, error) {
	return s.latestAssessment(tenantID, func(a model.RiskAssessment) bool {
		return a.CreatedAt.Before(before)
	})
}

func (s *memStore) latestAssessment(tenantID string, keep func(model.RiskAssessment) bool) (model.RiskAssessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  model.RiskAssessment
		found bool
	)
	for _, a := range s.risks {
		if a.TenantID != tenantID || !keep(a) {
			continue
		}
		if !found || a.CreatedAt.After(best.CreatedAt) {
			best = a
			found = true
		}
	}
	if !found {
		return model.RiskAssessment{}, ErrNotFound
	}
	return best, nil
}

func breachKey(tenantID, email, name string) string {
	return tenantID + "\x00" + strings.ToLower(strings.TrimSpace(email)) + "\x00" + name
}

func (s *memStore) AddBreaches(_ context.Context, recs []model.BreachRecord) ([]model.BreachRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var added []model.BreachRecord
	for _, r := range recs {
		key := breachKey(r.TenantID, r.Email, r.BreachName)
		if _, dup := s.breaches[key]; dup {
			continue
		}
		if r.FoundAt.IsZero() {
			r.FoundAt = time.Now()
		}
		r.Email = strings.ToLower(strings.TrimSpace(r.Email))
		s.breaches[key] = r
		added = append(added, r)
	}
	return added, nil
}

func (s *memStore) CountBreachesSince(_ context.Context, tenantID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.breaches {
		if r.TenantID == tenantID && !r.FoundAt.Before(since) {
			n++
		}
	}
	return n, nil
}
