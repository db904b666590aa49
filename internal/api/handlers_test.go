package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
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

type rig struct {
	store  storage.Store
	router http.Handler
}

func newRig(t *testing.T) *rig {
	t.Helper()
	store := storage.NewMem()
	bus := eventbus.New()

	scans := scan.New(scan.Config{}, store, scan.ProbeFunc(
		func(context.Context, string, []model.ProbeType) (model.ScanFindings, error) {
			return model.ScanFindings{}, nil
		}), bus, logx.Nop(), nil)
	q := queue.New(queue.Config{Workers: 1}, scans.Execute, logx.Nop(), bus, nil)
	q.Start(context.Background())
	t.Cleanup(func() { q.Stop(context.Background()) })
	scans.SetQueue(q)

	n := notify.New(notify.Config{}, nil, store, bus, logx.Nop(), nil)

	srv := New(Config{}, store, scans, q, n, nil, logx.Nop())
	return &rig{store: store, router: srv.Router()}
}

func (r *rig) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body == "" {
		rd = bytes.NewReader(nil)
	} else {
		rd = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	r.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func seedTenant(t *testing.T, store storage.Store, id, domain string) {
	t.Helper()
	if err := store.PutTenant(context.Background(), model.Tenant{ID: id, Domain: domain}); err != nil {
		t.Fatal(err)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	if rec := r.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestTriggerScanAccepted(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	seedTenant(t, r.store, "t1", "example.com")

	rec := r.do(t, http.MethodPost, "/tenants/t1/scans", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	decode(t, rec, &resp)
	if resp["scan_id"] == "" || resp["status"] != "pending" {
		t.Fatalf("response = %v", resp)
	}
	if _, err := r.store.GetScan(context.Background(), resp["scan_id"]); err != nil {
		t.Fatalf("scan record should exist: %v", err)
	}
}

func TestTriggerScanErrors(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	seedTenant(t, r.store, "nodomain", "")

	if rec := r.do(t, http.MethodPost, "/tenants/ghost/scans", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown tenant: status = %d", rec.Code)
	}
	if rec := r.do(t, http.MethodPost, "/tenants/nodomain/scans", ""); rec.Code != http.StatusConflict {
		t.Fatalf("no domain: status = %d", rec.Code)
	}
	rec := r.do(t, http.MethodPost, "/tenants/nodomain/scans", `{"types":["quantum"]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad probe type: status = %d", rec.Code)
	}
	if rec := r.do(t, http.MethodPost, "/tenants/nodomain/scans", `{not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json: status = %d", rec.Code)
	}
}

func TestGetAndDeleteScan(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	seedTenant(t, r.store, "t1", "example.com")

	if rec := r.do(t, http.MethodGet, "/scans/nope/", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing scan: status = %d", rec.Code)
	}

	resp := map[string]string{}
	decode(t, r.do(t, http.MethodPost, "/tenants/t1/scans", ""), &resp)
	id := resp["scan_id"]

	rec := r.do(t, http.MethodGet, "/scans/"+id+"/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get scan: status = %d", rec.Code)
	}
	var got model.ScanRecord
	decode(t, rec, &got)
	if got.ID != id || got.TenantID != "t1" {
		t.Fatalf("record = %+v", got)
	}

	if rec := r.do(t, http.MethodDelete, "/scans/"+id+"/", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	if rec := r.do(t, http.MethodGet, "/scans/"+id+"/", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("after delete: status = %d", rec.Code)
	}
}

func TestLatestRisk(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	seedTenant(t, r.store, "t1", "example.com")

	if rec := r.do(t, http.MethodGet, "/tenants/t1/risk", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("no assessment: status = %d", rec.Code)
	}

	err := r.store.PutAssessment(context.Background(), model.RiskAssessment{
		ID: "a1", TenantID: "t1", ScanID: "s1", Score: 55,
		Category: model.RiskHigh, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	rec := r.do(t, http.MethodGet, "/tenants/t1/risk", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var a model.RiskAssessment
	decode(t, rec, &a)
	if a.Score != 55 || a.Category != model.RiskHigh {
		t.Fatalf("assessment = %+v", a)
	}
}

func TestPutScheduleValidation(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	seedTenant(t, r.store, "t1", "example.com")

	cases := []struct {
		name string
		path string
		body string
		code int
	}{
		{"bad frequency", "/tenants/t1/schedule", `{"frequency":"hourly","scan_time":"02:00"}`, http.StatusBadRequest},
		{"weekly without day", "/tenants/t1/schedule", `{"frequency":"weekly","scan_time":"02:00"}`, http.StatusBadRequest},
		{"bad time", "/tenants/t1/schedule", `{"frequency":"daily","scan_time":"25:00"}`, http.StatusBadRequest},
		{"bad probe type", "/tenants/t1/schedule", `{"frequency":"daily","scan_time":"02:00","scan_types":["nope"]}`, http.StatusBadRequest},
		{"unknown tenant", "/tenants/ghost/schedule", `{"frequency":"daily","scan_time":"02:00"}`, http.StatusNotFound},
		{"valid daily", "/tenants/t1/schedule", `{"auto_scan_enabled":true,"frequency":"daily","scan_time":"2:5"}`, http.StatusOK},
		{"valid manual without time", "/tenants/t1/schedule", `{"frequency":"manual"}`, http.StatusOK},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if rec := r.do(t, http.MethodPut, tc.path, tc.body); rec.Code != tc.code {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
			}
		})
	}
}

func TestPutScheduleNormalizesAndKeepsGate(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	seedTenant(t, r.store, "t1", "example.com")
	ctx := context.Background()

	rec := r.do(t, http.MethodPut, "/tenants/t1/schedule",
		`{"auto_scan_enabled":true,"frequency":"daily","scan_time":"2:5","timezone":"Europe/Berlin"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var sc model.ScheduleConfig
	decode(t, rec, &sc)
	if sc.ScanTime != "02:05" || sc.Timezone != "Europe/Berlin" {
		t.Fatalf("schedule = %+v", sc)
	}

	at := time.Date(2026, 8, 29, 2, 5, 0, 0, time.UTC)
	if err := r.store.SetLastAutoScan(ctx, "t1", at); err != nil {
		t.Fatal(err)
	}

	// An edit must not reopen today's once-per-day gate.
	rec = r.do(t, http.MethodPut, "/tenants/t1/schedule",
		`{"auto_scan_enabled":true,"frequency":"daily","scan_time":"03:00"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got, err := r.store.GetSchedule(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastAutoScanAt == nil || !got.LastAutoScanAt.Equal(at) {
		t.Fatalf("LastAutoScanAt = %v, want %v", got.LastAutoScanAt, at)
	}
	if got.ScanTime != "03:00" {
		t.Fatalf("ScanTime = %q", got.ScanTime)
	}
}

func TestPrefsRoundTrip(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	seedTenant(t, r.store, "t1", "example.com")

	if rec := r.do(t, http.MethodGet, "/tenants/t1/notifications", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("before put: status = %d", rec.Code)
	}
	if rec := r.do(t, http.MethodPut, "/tenants/ghost/notifications", `{"high_risk":true}`); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown tenant: status = %d", rec.Code)
	}

	// Tenant ID in the body is ignored in favor of the URL.
	rec := r.do(t, http.MethodPut, "/tenants/t1/notifications",
		`{"tenant_id":"spoofed","high_risk":true,"weekly_digest":true,"notification_email":"sec@example.com"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put: status = %d, body %s", rec.Code, rec.Body)
	}

	rec = r.do(t, http.MethodGet, "/tenants/t1/notifications", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}
	var p model.NotificationPrefs
	decode(t, rec, &p)
	if p.TenantID != "t1" || !p.HighRisk || !p.WeeklyDigest || p.NewBreach {
		t.Fatalf("prefs = %+v", p)
	}
	if p.NotificationEmail != "sec@example.com" {
		t.Fatalf("email = %q", p.NotificationEmail)
	}
}

func TestQueueSnapshotEndpoint(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	rec := r.do(t, http.MethodGet, "/queue", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "{") {
		t.Fatalf("body = %s", rec.Body)
	}
}
