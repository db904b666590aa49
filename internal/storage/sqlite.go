package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"scanwatch/internal/model"
	"scanwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const timeFormat = time.RFC3339Nano

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- helpers ----

func nullStr(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func jsonStr(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func fromJSON[T any](raw sql.NullString) (T, error) {
	var out T
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return out, nil
	}
	err := json.Unmarshal([]byte(raw.String), &out)
	return out, err
}

func parseTime(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeFormat, raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ---- tenants ----

func (s *sqliteStore) PutTenant(ctx context.Context, t model.Tenant) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	domains, err := jsonStr(t.EmailDomains)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tenants(id, name, domain, email_domains, created_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, domain=excluded.domain, email_domains=excluded.email_domains`,
		t.ID, t.Name, model.CanonicalDomain(t.Domain), domains, t.CreatedAt.Format(timeFormat),
	)
	return err
}

func (s *sqliteStore) GetTenant(ctx context.Context, id string) (model.Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, domain, email_domains, created_at FROM tenants WHERE id = ?`, id)
	return scanTenant(row)
}

func (s *sqliteStore) ListTenants(ctx context.Context) ([]model.Tenant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, domain, email_domains, created_at FROM tenants ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (model.Tenant, error) {
	var (
		t       model.Tenant
		domains sql.NullString
		created string
	)
	err := row.Scan(&t.ID, &t.Name, &t.Domain, &domains, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Tenant{}, ErrNotFound
	}
	if err != nil {
		return model.Tenant{}, err
	}
	if t.EmailDomains, err = fromJSON[[]string](domains); err != nil {
		return model.Tenant{}, err
	}
	if ct, err := time.Parse(timeFormat, created); err == nil {
		t.CreatedAt = ct
	}
	return t, nil
}

// ---- users ----

func (s *sqliteStore) PutUser(ctx context.Context, u model.TenantUser) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenant_users(id, tenant_id, email, role) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET email=excluded.email, role=excluded.role`,
		u.ID, u.TenantID, strings.ToLower(strings.TrimSpace(u.Email)), string(u.Role),
	)
	return err
}

func (s *sqliteStore) AdminEmail(ctx context.Context, tenantID string) (string, error) {
	var email string
	err := s.db.QueryRowContext(ctx,
		`SELECT email FROM tenant_users WHERE tenant_id = ? AND role = ? ORDER BY id LIMIT 1`,
		tenantID, string(model.RoleAdmin),
	).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return email, err
}

// ---- schedules ----

func (s *sqliteStore) PutSchedule(ctx context.Context, sc model.ScheduleConfig) error {
	norm, err := model.NormalizeScanTime(sc.ScanTime)
	if err != nil {
		return err
	}
	types, err := jsonStr(sc.ScanTypes)
	if err != nil {
		return err
	}
	var last any
	if sc.LastAutoScanAt != nil {
		last = sc.LastAutoScanAt.Format(timeFormat)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(tenant_id, auto_scan_enabled, frequency, scan_time, scan_day, scan_types, timezone, last_auto_scan_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(tenant_id) DO UPDATE SET
		   auto_scan_enabled=excluded.auto_scan_enabled, frequency=excluded.frequency,
		   scan_time=excluded.scan_time, scan_day=excluded.scan_day,
		   scan_types=excluded.scan_types, timezone=excluded.timezone,
		   last_auto_scan_at=excluded.last_auto_scan_at`,
		sc.TenantID, boolInt(sc.AutoScanEnabled), string(sc.Frequency), norm,
		nullStr(sc.ScanDay), types, sc.Timezone, last,
	)
	return err
}

func (s *sqliteStore) GetSchedule(ctx context.Context, tenantID string) (model.ScheduleConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, auto_scan_enabled, frequency, scan_time, scan_day, scan_types, timezone, last_auto_scan_at
		 FROM schedules WHERE tenant_id = ?`, tenantID)
	return scanSchedule(row)
}

func (s *sqliteStore) ListAutoScanSchedules(ctx context.Context) ([]model.ScheduleConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, auto_scan_enabled, frequency, scan_time, scan_day, scan_types, timezone, last_auto_scan_at
		 FROM schedules WHERE auto_scan_enabled = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ScheduleConfig
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func scanSchedule(row rowScanner) (model.ScheduleConfig, error) {
	var (
		sc      model.ScheduleConfig
		enabled int
		freq    string
		day     sql.NullString
		types   sql.NullString
		last    sql.NullString
	)
	err := row.Scan(&sc.TenantID, &enabled, &freq, &sc.ScanTime, &day, &types, &sc.Timezone, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ScheduleConfig{}, ErrNotFound
	}
	if err != nil {
		return model.ScheduleConfig{}, err
	}
	sc.AutoScanEnabled = enabled != 0
	sc.Frequency = model.Frequency(freq)
	sc.ScanDay = day.String
	if sc.ScanTypes, err = fromJSON[[]model.ProbeType](types); err != nil {
		return model.ScheduleConfig{}, err
	}
	if sc.LastAutoScanAt, err = parseTime(last); err != nil {
		return model.ScheduleConfig{}, err
	}
	return sc, nil
}

func (s *sqliteStore) SetLastAutoScan(ctx context.Context, tenantID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_auto_scan_at = ? WHERE tenant_id = ?`,
		at.Format(timeFormat), tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- notification prefs ----

func (s *sqliteStore) PutPrefs(ctx context.Context, p model.NotificationPrefs) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_prefs(tenant_id, new_breach, scan_complete, high_risk, weekly_digest, notification_email)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(tenant_id) DO UPDATE SET
		   new_breach=excluded.new_breach, scan_complete=excluded.scan_complete,
		   high_risk=excluded.high_risk, weekly_digest=excluded.weekly_digest,
		   notification_email=excluded.notification_email`,
		p.TenantID, boolInt(p.NewBreach), boolInt(p.ScanComplete), boolInt(p.HighRisk),
		boolInt(p.WeeklyDigest), nullStr(p.NotificationEmail),
	)
	return err
}

func (s *sqliteStore) GetPrefs(ctx context.Context, tenantID string) (model.NotificationPrefs, error) {
	var (
		p     model.NotificationPrefs
		nb    int
		sc    int
		hr    int
		wd    int
		email sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, new_breach, scan_complete, high_risk, weekly_digest, notification_email
		 FROM notification_prefs WHERE tenant_id = ?`, tenantID,
	).Scan(&p.TenantID, &nb, &sc, &hr, &wd, &email)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NotificationPrefs{}, ErrNotFound
	}
	if err != nil {
		return model.NotificationPrefs{}, err
	}
	p.NewBreach = nb != 0
	p.ScanComplete = sc != 0
	p.HighRisk = hr != 0
	p.WeeklyDigest = wd != 0
	p.NotificationEmail = email.String
	return p, nil
}

// ---- scan records ----

func (s *sqliteStore) CreateScan(ctx context.Context, rec model.ScanRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	types, err := jsonStr(rec.Types)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scans(id, tenant_id, domain, status, types, actor, findings, started_at, completed_at, err)
		 VALUES(?,?,?,?,?,?,NULL,?,NULL,NULL)`,
		rec.ID, rec.TenantID, rec.Domain, string(rec.Status), types, string(rec.Trigger),
		rec.StartedAt.Format(timeFormat),
	)
	return err
}

func (s *sqliteStore) GetScan(ctx context.Context, id string) (model.ScanRecord, error) {
	var (
		rec       model.ScanRecord
		status    string
		types     sql.NullString
		actor     string
		findings  sql.NullString
		started   string
		completed sql.NullString
		errMsg    sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, domain, status, types, actor, findings, started_at, completed_at, err
		 FROM scans WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.TenantID, &rec.Domain, &status, &types, &actor, &findings, &started, &completed, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ScanRecord{}, ErrNotFound
	}
	if err != nil {
		return model.ScanRecord{}, err
	}
	rec.Status = model.ScanStatus(status)
	rec.Trigger = model.Trigger(actor)
	rec.Error = errMsg.String
	if rec.Types, err = fromJSON[[]model.ProbeType](types); err != nil {
		return model.ScanRecord{}, err
	}
	if rec.Findings, err = fromJSON[model.ScanFindings](findings); err != nil {
		return model.ScanRecord{}, err
	}
	if st, err := time.Parse(timeFormat, started); err == nil {
		rec.StartedAt = st
	}
	if rec.CompletedAt, err = parseTime(completed); err != nil {
		return model.ScanRecord{}, err
	}
	return rec, nil
}

func (s *sqliteStore) MarkScanRunning(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scans SET status = ? WHERE id = ? AND status = ?`,
		string(model.StatusRunning), id, string(model.StatusPending))
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, id)
}

func (s *sqliteStore) CompleteScan(ctx context.Context, id string, findings model.ScanFindings, at time.Time) error {
	fj, err := jsonStr(findings)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scans SET status = ?, findings = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(model.StatusCompleted), fj, at.Format(timeFormat), id, string(model.StatusRunning))
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, id)
}

func (s *sqliteStore) FailScan(ctx context.Context, id string, msg string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scans SET status = ?, err = ?, completed_at = ? WHERE id = ? AND status IN (?, ?)`,
		string(model.StatusFailed), msg, at.Format(timeFormat), id,
		string(model.StatusPending), string(model.StatusRunning))
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, id)
}

// checkTransition maps a zero-row status update to ErrNotFound or ErrTerminal.
func (s *sqliteStore) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM scans WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if model.ScanStatus(status).Terminal() {
		return ErrTerminal
	}
	return fmt.Errorf("invalid scan status transition from %q", status)
}

func (s *sqliteStore) DeleteScan(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scans WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) CountScansCompletedSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scans WHERE tenant_id = ? AND status = ? AND completed_at >= ?`,
		tenantID, string(model.StatusCompleted), since.Format(timeFormat),
	).Scan(&n)
	return n, err
}

// ---- risk assessments ----

func (s *sqliteStore) PutAssessment(ctx context.Context, a model.RiskAssessment) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	fj, err := jsonStr(a.Findings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO risk_assessments(id, tenant_id, scan_id, score, category, findings, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		a.ID, a.TenantID, a.ScanID, a.Score, string(a.Category), fj, a.CreatedAt.Format(timeFormat),
	)
	return err
}

func (s *sqliteStore) LatestAssessment(ctx context.Context, tenantID string) (model.RiskAssessment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, scan_id, score, category, findings, created_at
		 FROM risk_assessments WHERE tenant_id = ? ORDER BY created_at DESC LIMIT 1`, tenantID)
	return scanAssessment(row)
}

func (s *sqliteStore) LatestAssessmentBefore(ctx context.Context, tenantID string, before time.Time) (model.RiskAssessment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, scan_id, score, category, findings, created_at
		 FROM risk_assessments WHERE tenant_id = ? AND created_at < ? ORDER BY created_at DESC LIMIT 1`,
		tenantID, before.Format(timeFormat))
	return scanAssessment(row)
}

func scanAssessment(row rowScanner) (model.RiskAssessment, error) {
	var (
		a        model.RiskAssessment
		category string
		findings sql.NullString
		created  string
	)
	err := row.Scan(&a.ID, &a.TenantID, &a.ScanID, &a.Score, &category, &findings, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RiskAssessment{}, ErrNotFound
	}
	if err != nil {
		return model.RiskAssessment{}, err
	}
	a.Category = model.RiskCategory(category)
	if a.Findings, err = fromJSON[[]model.RiskFinding](findings); err != nil {
		return model.RiskAssessment{}, err
	}
	if ct, err := time.Parse(timeFormat, created); err == nil {
		a.CreatedAt = ct
	}
	return a, nil
}

// ---- breach records ----

func (s *sqliteStore) AddBreaches(ctx context.Context, recs []model.BreachRecord) ([]model.BreachRecord, error) {
	var added []model.BreachRecord
	for _, r := range recs {
		if r.FoundAt.IsZero() {
			r.FoundAt = time.Now()
		}
		res, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO breaches(id, tenant_id, email, breach_name, source, found_at)
			 VALUES(?,?,?,?,?,?)`,
			r.ID, r.TenantID, strings.ToLower(strings.TrimSpace(r.Email)), r.BreachName,
			nullStr(r.Source), r.FoundAt.Format(timeFormat),
		)
		if err != nil {
			return added, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added = append(added, r)
		}
	}
	return added, nil
}

func (s *sqliteStore) CountBreachesSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM breaches WHERE tenant_id = ? AND found_at >= ?`,
		tenantID, since.Format(timeFormat),
	).Scan(&n)
	return n, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
