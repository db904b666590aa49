package notify

import (
	"context"
	"strings"
	"testing"
	"time"

	"scanwatch/internal/eventbus"
	"scanwatch/internal/model"
	"scanwatch/internal/storage"
	"scanwatch/pkg/logx"
)

func seedDigestTenant(t *testing.T, store storage.Store, id string, curScore, prevScore int) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	if err := store.PutTenant(ctx, model.Tenant{ID: id, Domain: id + ".example.com"}); err != nil {
		t.Fatal(err)
	}
	if err := store.PutUser(ctx, model.TenantUser{ID: id + "-admin", TenantID: id, Email: id + "@example.com", Role: model.RoleAdmin}); err != nil {
		t.Fatal(err)
	}
	if err := store.PutAssessment(ctx, model.RiskAssessment{
		ID: id + "-prev", TenantID: id, Score: prevScore,
		Category: model.RiskCategory("Low"), CreatedAt: now.AddDate(0, 0, -10),
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.PutAssessment(ctx, model.RiskAssessment{
		ID: id + "-cur", TenantID: id, Score: curScore,
		Category: model.RiskCategory("High"), CreatedAt: now.Add(-time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
}

func TestRunDigest(t *testing.T) {
	t.Parallel()
	store := storage.NewMem()
	ctx := context.Background()

	// worsened: 60 now vs 40 before the window
	seedDigestTenant(t, store, "worse", 60, 40)
	// opted out
	seedDigestTenant(t, store, "optout", 60, 40)
	_ = store.PutPrefs(ctx, model.NotificationPrefs{TenantID: "optout", WeeklyDigest: false, ScanComplete: true})
	// never scanned: no assessments at all
	_ = store.PutTenant(ctx, model.Tenant{ID: "empty", Domain: "empty.example.com"})

	// activity inside the window for the "worse" tenant
	_ = store.CreateScan(ctx, model.ScanRecord{ID: "s1", TenantID: "worse", Status: model.StatusPending})
	_ = store.MarkScanRunning(ctx, "s1")
	_ = store.CompleteScan(ctx, "s1", model.ScanFindings{}, time.Now().Add(-2*time.Hour))
	_, _ = store.AddBreaches(ctx, []model.BreachRecord{
		{ID: "b1", TenantID: "worse", Email: "a@x.com", BreachName: "L1", FoundAt: time.Now().Add(-time.Hour)},
	})

	m := newFakeMailer()
	s := newSvc(t, m, store, eventbus.New())

	s.RunDigest(context.Background())

	e := expectEmail(t, m, time.Second)
	if e.Kind != model.EventWeeklyDigest || e.TenantID != "worse" {
		t.Fatalf("unexpected digest email: %+v", e)
	}
	for _, want := range []string{"worse.example.com", "trend: up", "60/100"} {
		if !strings.Contains(e.Body, want) {
			t.Fatalf("digest body missing %q:\n%s", want, e.Body)
		}
	}
	if !strings.Contains(e.Body, "Scans completed:   1") {
		t.Fatalf("digest scan count wrong:\n%s", e.Body)
	}

	// nobody else gets mail
	expectNoEmail(t, m, 100*time.Millisecond)
}

func TestTrendThresholds(t *testing.T) {
	t.Parallel()
	store := storage.NewMem()
	ctx := context.Background()
	now := time.Now()
	since := now.AddDate(0, 0, -7)

	put := func(id, tenant string, score int, at time.Time) {
		t.Helper()
		if err := store.PutAssessment(ctx, model.RiskAssessment{ID: id, TenantID: tenant, Score: score, CreatedAt: at}); err != nil {
			t.Fatal(err)
		}
	}

	s := New(testCfg(), newFakeMailer(), store, eventbus.New(), logx.Nop(), nil)

	tests := []struct {
		name   string
		tenant string
		prev   int
		cur    int
		want   string
	}{
		{name: "worsened", tenant: "a", prev: 40, cur: 50, want: "up"},
		{name: "improved", tenant: "b", prev: 50, cur: 40, want: "down"},
		{name: "within window", tenant: "c", prev: 50, cur: 54, want: "stable"},
		{name: "exactly plus five", tenant: "d", prev: 50, cur: 55, want: "stable"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			put(tt.tenant+"-prev", tt.tenant, tt.prev, now.AddDate(0, 0, -10))
			put(tt.tenant+"-cur", tt.tenant, tt.cur, now.Add(-time.Hour))
			if got := s.trend(ctx, tt.tenant, tt.cur, since); got != tt.want {
				t.Fatalf("trend = %q, want %q", got, tt.want)
			}
		})
	}

	t.Run("no history is stable", func(t *testing.T) {
		if got := s.trend(ctx, "nobody", 80, since); got != "stable" {
			t.Fatalf("trend = %q, want stable", got)
		}
	})
}
