package schedule

import (
	"context"
	"testing"
	"time"

	"scanwatch/internal/eventbus"
	"scanwatch/internal/model"
	"scanwatch/internal/notify"
	"scanwatch/internal/queue"
	"scanwatch/internal/scan"
	"scanwatch/internal/storage"
	"scanwatch/pkg/logx"
)

type chanMailer struct{ sent chan notify.Email }

func (m *chanMailer) Send(_ context.Context, e notify.Email) error {
	m.sent <- e
	return nil
}

// Drives the whole pipeline from a due weekly schedule to a delivered email:
// tick evaluation, queued job, scan execution, assessment, bus fanout, dispatch.
func TestWeeklyScheduleDeliversScanCompleteEmail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMem()
	bus := eventbus.New()

	scans := scan.New(scan.Config{}, store,
		scan.ProbeFunc(func(context.Context, string, []model.ProbeType) (model.ScanFindings, error) {
			return model.ScanFindings{
				Ports: []model.PortFinding{{Port: 3389, Protocol: "tcp"}},
			}, nil
		}), bus, logx.Nop(), nil)
	q := queue.New(queue.Config{Workers: 1, RetryBase: time.Millisecond}, scans.Execute, logx.Nop(), bus, nil)
	q.Start(ctx)
	t.Cleanup(func() { q.Stop(ctx) })
	scans.SetQueue(q)

	mailer := &chanMailer{sent: make(chan notify.Email, 8)}
	n := notify.New(notify.Config{Enabled: true, RatePerSec: 1000}, mailer, store, bus, logx.Nop(), nil)
	n.Start(ctx)
	t.Cleanup(func() { n.Stop(ctx) })

	if err := store.PutTenant(ctx, model.Tenant{ID: "t1", Domain: "example.com"}); err != nil {
		t.Fatal(err)
	}
	if err := store.PutSchedule(ctx, model.ScheduleConfig{
		TenantID: "t1", AutoScanEnabled: true, Frequency: model.FreqWeekly,
		ScanDay: "monday", ScanTime: "09:00", Timezone: "UTC",
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.PutPrefs(ctx, model.NotificationPrefs{
		TenantID: "t1", ScanComplete: true, NotificationEmail: "sec@example.com",
	}); err != nil {
		t.Fatal(err)
	}

	sched := New(Config{Enabled: true}, store, scans, logx.Nop())

	monday := time.Date(2026, 3, 2, 9, 0, 10, 0, time.UTC)
	if got := sched.EvaluateTick(ctx, monday); got != 1 {
		t.Fatalf("EvaluateTick = %d, want 1", got)
	}

	select {
	case e := <-mailer.sent:
		if e.To != "sec@example.com" || e.Kind != model.EventScanComplete {
			t.Fatalf("email = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no scanComplete email delivered")
	}

	a, err := store.LatestAssessment(ctx, "t1")
	if err != nil {
		t.Fatalf("assessment missing after pipeline run: %v", err)
	}
	if a.Score == 0 {
		t.Fatal("risky port should have produced a nonzero score")
	}
}
