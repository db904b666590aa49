package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"scanwatch/internal/model"
	"scanwatch/internal/queue"
	"scanwatch/internal/scan"
	"scanwatch/internal/storage"
)

func errJSON(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"error": msg})
}

func parseProbeTypes(raw []string) ([]model.ProbeType, error) {
	out := make([]model.ProbeType, 0, len(raw))
	for _, s := range raw {
		p, ok := model.ValidProbeType(s)
		if !ok {
			return nil, fmt.Errorf("unknown probe type %q", s)
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.met == nil {
		http.NotFound(w, r)
		return
	}
	s.met.Handler().ServeHTTP(w, r)
}

func (s *Server) handleQueueSnapshot(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.queue.Snapshot())
}

func (s *Server) handleRecentNotifications(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.notify.Snapshot())
}

func (s *Server) handleTriggerScan(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	// Body is optional; an empty body means the full probe set.
	var payload struct {
		Types []string `json:"types,omitempty"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			errJSON(w, r, http.StatusBadRequest, "invalid json")
			return
		}
	}
	types, err := parseProbeTypes(payload.Types)
	if err != nil {
		errJSON(w, r, http.StatusBadRequest, err.Error())
		return
	}

	scanID, err := s.scans.Trigger(r.Context(), tenantID, types, model.TriggerManual)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		errJSON(w, r, http.StatusNotFound, "tenant not found")
		return
	case errors.Is(err, scan.ErrNoDomain):
		errJSON(w, r, http.StatusConflict, "tenant has no domain configured")
		return
	case errors.Is(err, queue.ErrQueueFull):
		// The pending record exists but won't run; surface backpressure.
		errJSON(w, r, http.StatusServiceUnavailable, "scan queue full")
		return
	case err != nil:
		errJSON(w, r, http.StatusInternalServerError, err.Error())
		return
	}

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]string{"scan_id": scanID, "status": string(model.StatusPending)})
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetScan(r.Context(), chi.URLParam(r, "scanID"))
	if errors.Is(err, storage.ErrNotFound) {
		errJSON(w, r, http.StatusNotFound, "scan not found")
		return
	}
	if err != nil {
		errJSON(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	render.JSON(w, r, rec)
}

func (s *Server) handleDeleteScan(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteScan(r.Context(), chi.URLParam(r, "scanID"))
	if errors.Is(err, storage.ErrNotFound) {
		errJSON(w, r, http.StatusNotFound, "scan not found")
		return
	}
	if err != nil {
		errJSON(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	render.NoContent(w, r)
}

func (s *Server) handleLatestRisk(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.LatestAssessment(r.Context(), chi.URLParam(r, "tenantID"))
	if errors.Is(err, storage.ErrNotFound) {
		errJSON(w, r, http.StatusNotFound, "no assessment yet")
		return
	}
	if err != nil {
		errJSON(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	render.JSON(w, r, a)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "tenantID"))
	if errors.Is(err, storage.ErrNotFound) {
		errJSON(w, r, http.StatusNotFound, "no schedule configured")
		return
	}
	if err != nil {
		errJSON(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	render.JSON(w, r, sc)
}

func (s *Server) handlePutSchedule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var payload struct {
		AutoScanEnabled bool            `json:"auto_scan_enabled"`
		Frequency       model.Frequency `json:"frequency"`
		ScanTime        string          `json:"scan_time"`
		ScanDay         string          `json:"scan_day,omitempty"`
		ScanTypes       []string        `json:"scan_types,omitempty"`
		Timezone        string          `json:"timezone,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		errJSON(w, r, http.StatusBadRequest, "invalid json")
		return
	}

	switch payload.Frequency {
	case model.FreqDaily, model.FreqWeekly, model.FreqManual:
	default:
		errJSON(w, r, http.StatusBadRequest, "frequency must be daily, weekly or manual")
		return
	}
	if payload.Frequency == model.FreqWeekly {
		if _, err := model.ParseWeekday(payload.ScanDay); err != nil {
			errJSON(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	scanTime := "00:00"
	if payload.Frequency != model.FreqManual {
		t, err := model.NormalizeScanTime(payload.ScanTime)
		if err != nil {
			errJSON(w, r, http.StatusBadRequest, err.Error())
			return
		}
		scanTime = t
	}
	types, err := parseProbeTypes(payload.ScanTypes)
	if err != nil {
		errJSON(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := s.store.GetTenant(r.Context(), tenantID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			errJSON(w, r, http.StatusNotFound, "tenant not found")
			return
		}
		errJSON(w, r, http.StatusInternalServerError, err.Error())
		return
	}

	sc := model.ScheduleConfig{
		TenantID:        tenantID,
		AutoScanEnabled: payload.AutoScanEnabled,
		Frequency:       payload.Frequency,
		ScanTime:        scanTime,
		ScanDay:         payload.ScanDay,
		ScanTypes:       types,
		Timezone:        payload.Timezone,
	}
	// Editing a schedule must not reopen today's gate.
	if prev, err := s.store.GetSchedule(r.Context(), tenantID); err == nil {
		sc.LastAutoScanAt = prev.LastAutoScanAt
	}

	if err := s.store.PutSchedule(r.Context(), sc); err != nil {
		errJSON(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	render.JSON(w, r, sc)
}

func (s *Server) handleGetPrefs(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPrefs(r.Context(), chi.URLParam(r, "tenantID"))
	if errors.Is(err, storage.ErrNotFound) {
		errJSON(w, r, http.StatusNotFound, "no preferences configured")
		return
	}
	if err != nil {
		errJSON(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	render.JSON(w, r, p)
}

func (s *Server) handlePutPrefs(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var p model.NotificationPrefs
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		errJSON(w, r, http.StatusBadRequest, "invalid json")
		return
	}
	p.TenantID = tenantID

	if _, err := s.store.GetTenant(r.Context(), tenantID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			errJSON(w, r, http.StatusNotFound, "tenant not found")
			return
		}
		errJSON(w, r, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.store.PutPrefs(r.Context(), p); err != nil {
		errJSON(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	render.JSON(w, r, p)
}
