package scan

import (
	"context"
	"errors"
	"testing"
	"time"

	"scanwatch/internal/eventbus"
	"scanwatch/internal/model"
	"scanwatch/internal/queue"
	"scanwatch/internal/storage"
	"scanwatch/pkg/logx"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

type rig struct {
	store storage.Store
	bus   eventbus.Bus
	svc   *Service
	queue *queue.Service
}

func newRig(t *testing.T, probes ProbeEngine) *rig {
	t.Helper()
	store := storage.NewMem()
	bus := eventbus.New()
	svc := New(Config{}, store, probes, bus, logx.Nop(), nil)
	q := queue.New(queue.Config{
		Workers: 2, Attempts: 3, RetryBase: 2 * time.Millisecond, RetryMaxDelay: 10 * time.Millisecond,
	}, svc.Execute, logx.Nop(), bus, nil)
	q.Start(context.Background())
	t.Cleanup(func() { q.Stop(context.Background()) })
	svc.SetQueue(q)

	if err := store.PutTenant(context.Background(), model.Tenant{ID: "t1", Domain: "example.com"}); err != nil {
		t.Fatal(err)
	}
	return &rig{store: store, bus: bus, svc: svc, queue: q}
}

func TestTriggerReturnsPendingRecordImmediately(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	r := newRig(t, ProbeFunc(func(context.Context, string, []model.ProbeType) (model.ScanFindings, error) {
		<-block
		return model.ScanFindings{}, nil
	}))
	defer close(block)

	scanID, err := r.svc.Trigger(context.Background(), "t1", nil, model.TriggerManual)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	rec, err := r.store.GetScan(context.Background(), scanID)
	if err != nil {
		t.Fatalf("record not created at trigger time: %v", err)
	}
	if rec.Domain != "example.com" || rec.Trigger != model.TriggerManual {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if len(rec.Types) != len(model.FullProbeSet()) {
		t.Fatalf("empty scan types should default to the full probe set, got %v", rec.Types)
	}
}

func TestScanCompletesWithAssessment(t *testing.T) {
	t.Parallel()
	findings := model.ScanFindings{
		Ports: []model.PortFinding{{Port: 3389}}, // high, weight 20
		SSL:   &model.CertInfo{Expired: true},    // critical, weight 35
	}
	r := newRig(t, ProbeFunc(func(context.Context, string, []model.ProbeType) (model.ScanFindings, error) {
		return findings, nil
	}))

	events, unsub := r.bus.Subscribe(16)
	defer unsub()

	scanID, err := r.svc.Trigger(context.Background(), "t1", nil, model.TriggerScheduled)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		rec, err := r.store.GetScan(context.Background(), scanID)
		return err == nil && rec.Status == model.StatusCompleted
	})

	rec, _ := r.store.GetScan(context.Background(), scanID)
	if rec.CompletedAt == nil || len(rec.Findings.Ports) != 1 {
		t.Fatalf("findings not persisted: %+v", rec)
	}

	a, err := r.store.LatestAssessment(context.Background(), "t1")
	if err != nil {
		t.Fatalf("LatestAssessment: %v", err)
	}
	if a.Score != 55 || a.Category != model.RiskHigh || a.ScanID != scanID {
		t.Fatalf("unexpected assessment: %+v", a)
	}

	var sawCompleted bool
	timeout := time.After(time.Second)
	for !sawCompleted {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeScanCompleted {
				se := ev.Data.(eventbus.ScanEvent)
				if se.ScanID == scanID && se.Score == 55 {
					sawCompleted = true
				}
			}
		case <-timeout:
			t.Fatal("scan.completed event not published")
		}
	}
}

func TestHighRiskEventAtThreshold(t *testing.T) {
	t.Parallel()
	// expired cert (35) + two breach hits (20 each) = 75, above the default 70.
	r := newRig(t, ProbeFunc(func(context.Context, string, []model.ProbeType) (model.ScanFindings, error) {
		return model.ScanFindings{
			SSL:      &model.CertInfo{Expired: true},
			Breaches: []model.BreachHit{{Email: "a@x.com", BreachName: "L1"}, {Email: "b@x.com", BreachName: "L1"}},
		}, nil
	}))

	events, unsub := r.bus.Subscribe(32)
	defer unsub()

	if _, err := r.svc.Trigger(context.Background(), "t1", nil, model.TriggerScheduled); err != nil {
		t.Fatal(err)
	}

	sawHigh := false
	timeout := time.After(2 * time.Second)
	for !sawHigh {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeRiskHigh {
				if se := ev.Data.(eventbus.ScanEvent); se.Score >= 70 {
					sawHigh = true
				}
			}
		case <-timeout:
			t.Fatal("risk.high not published for a score at the threshold")
		}
	}
}

func TestProbeFailureMarksScanFailed(t *testing.T) {
	t.Parallel()
	r := newRig(t, ProbeFunc(func(context.Context, string, []model.ProbeType) (model.ScanFindings, error) {
		return model.ScanFindings{}, errors.New("connection refused")
	}))

	scanID, err := r.svc.Trigger(context.Background(), "t1", nil, model.TriggerManual)
	if err != nil {
		t.Fatal(err)
	}

	// First attempt fails the original record; retries create fresh records
	// until the budget is exhausted.
	waitFor(t, 2*time.Second, func() bool {
		rec, err := r.store.GetScan(context.Background(), scanID)
		return err == nil && rec.Status == model.StatusFailed
	})
	rec, _ := r.store.GetScan(context.Background(), scanID)
	if rec.Error != "connection refused" || rec.CompletedAt == nil {
		t.Fatalf("unexpected failed record: %+v", rec)
	}

	// No assessment for a failed scan.
	waitFor(t, 2*time.Second, func() bool {
		return len(r.queue.Snapshot().Dead) == 1
	})
	if _, err := r.store.LatestAssessment(context.Background(), "t1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("LatestAssessment after failures = %v, want ErrNotFound", err)
	}
}

func TestRetryCreatesFreshRecord(t *testing.T) {
	t.Parallel()
	r := newRig(t, ProbeFunc(func(context.Context, string, []model.ProbeType) (model.ScanFindings, error) {
		return model.ScanFindings{}, nil
	}))

	// Simulate a queue retry: the job's record is already terminal.
	orig := model.ScanRecord{ID: "old", TenantID: "t1", Domain: "example.com", Status: model.StatusPending}
	if err := r.store.CreateScan(context.Background(), orig); err != nil {
		t.Fatal(err)
	}
	if err := r.store.FailScan(context.Background(), "old", "first attempt", time.Now()); err != nil {
		t.Fatal(err)
	}

	job := model.ScanJob{TenantID: "t1", Domain: "example.com", ScanID: "old", Trigger: model.TriggerScheduled}
	if err := r.svc.Execute(context.Background(), job); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// The terminal record is untouched; a new completed record exists.
	old, _ := r.store.GetScan(context.Background(), "old")
	if old.Status != model.StatusFailed || old.Error != "first attempt" {
		t.Fatalf("terminal record was mutated: %+v", old)
	}
	n, err := r.store.CountScansCompletedSince(context.Background(), "t1", time.Now().Add(-time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("completed scans = %d, %v, want 1 fresh record", n, err)
	}
}

func TestBreachEventsOnlyForNewRecords(t *testing.T) {
	t.Parallel()
	hits := []model.BreachHit{{Email: "user@example.com", BreachName: "BigLeak"}}
	r := newRig(t, ProbeFunc(func(context.Context, string, []model.ProbeType) (model.ScanFindings, error) {
		return model.ScanFindings{Breaches: hits}, nil
	}))

	events, unsub := r.bus.Subscribe(32)
	defer unsub()

	countBreachEvents := func(d time.Duration) int {
		n := 0
		timeout := time.After(d)
		for {
			select {
			case ev := <-events:
				if ev.Type == eventbus.TypeBreachFound {
					n++
				}
			case <-timeout:
				return n
			}
		}
	}

	run := func() {
		scanID, err := r.svc.Trigger(context.Background(), "t1", nil, model.TriggerScheduled)
		if err != nil {
			t.Fatal(err)
		}
		waitFor(t, 2*time.Second, func() bool {
			rec, err := r.store.GetScan(context.Background(), scanID)
			return err == nil && rec.Status == model.StatusCompleted
		})
	}

	run()
	if n := countBreachEvents(100 * time.Millisecond); n != 1 {
		t.Fatalf("breach.found events after first scan = %d, want 1", n)
	}

	// Second scan finds the same breach tuple: deduplicated, no event.
	run()
	if n := countBreachEvents(100 * time.Millisecond); n != 0 {
		t.Fatalf("breach.found events after duplicate scan = %d, want 0", n)
	}
}

func TestTriggerErrors(t *testing.T) {
	t.Parallel()
	r := newRig(t, ProbeFunc(func(context.Context, string, []model.ProbeType) (model.ScanFindings, error) {
		return model.ScanFindings{}, nil
	}))

	if _, err := r.svc.Trigger(context.Background(), "ghost", nil, model.TriggerManual); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Trigger missing tenant = %v, want ErrNotFound", err)
	}

	if err := r.store.PutTenant(context.Background(), model.Tenant{ID: "nodomain"}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.svc.Trigger(context.Background(), "nodomain", nil, model.TriggerManual); !errors.Is(err, ErrNoDomain) {
		t.Fatalf("Trigger without domain = %v, want ErrNoDomain", err)
	}
}

func TestConfigThresholdDefaults(t *testing.T) {
	t.Parallel()
	if c := (Config{}).withDefaults(); c.HighRiskThreshold != 70 {
		t.Fatalf("HighRiskThreshold default = %d, want 70", c.HighRiskThreshold)
	}
	// 1 is the lowest effective threshold and must not be coerced upward.
	if c := (Config{HighRiskThreshold: 1}).withDefaults(); c.HighRiskThreshold != 1 {
		t.Fatalf("HighRiskThreshold = %d, want 1", c.HighRiskThreshold)
	}
}
