package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"scanwatch/internal/model"
	"scanwatch/pkg/logx"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrTerminal is returned when a status update targets a scan record that
	// already reached completed or failed.
	ErrTerminal = errors.New("scan record is terminal")
)

// Config configures storage. See package doc for driver values.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the scan core.
type Store interface {
	// Tenants. PutTenant canonicalizes the domain on every write.
	PutTenant(ctx context.Context, t model.Tenant) error
	GetTenant(ctx context.Context, id string) (model.Tenant, error)
	ListTenants(ctx context.Context) ([]model.Tenant, error)

	// Users. AdminEmail returns ("", ErrNotFound) when the tenant has no
	// admin-role user.
	PutUser(ctx context.Context, u model.TenantUser) error
	AdminEmail(ctx context.Context, tenantID string) (string, error)

	// Schedules. PutSchedule normalizes ScanTime; GetSchedule returns
	// ErrNotFound when the tenant has no schedule yet.
	PutSchedule(ctx context.Context, sc model.ScheduleConfig) error
	GetSchedule(ctx context.Context, tenantID string) (model.ScheduleConfig, error)
	ListAutoScanSchedules(ctx context.Context) ([]model.ScheduleConfig, error)
	SetLastAutoScan(ctx context.Context, tenantID string, at time.Time) error

	// Notification preferences.
	PutPrefs(ctx context.Context, p model.NotificationPrefs) error
	GetPrefs(ctx context.Context, tenantID string) (model.NotificationPrefs, error)

	// Scan records. Status updates enforce the lifecycle: running only from
	// pending, terminal only from pending/running, terminal states immutable.
	CreateScan(ctx context.Context, rec model.ScanRecord) error
	GetScan(ctx context.Context, id string) (model.ScanRecord, error)
	MarkScanRunning(ctx context.Context, id string) error
	CompleteScan(ctx context.Context, id string, findings model.ScanFindings, at time.Time) error
	FailScan(ctx context.Context, id string, msg string, at time.Time) error
	DeleteScan(ctx context.Context, id string) error
	CountScansCompletedSince(ctx context.Context, tenantID string, since time.Time) (int, error)

	// Risk assessments (immutable, append-only).
	PutAssessment(ctx context.Context, a model.RiskAssessment) error
	LatestAssessment(ctx context.Context, tenantID string) (model.RiskAssessment, error)
	LatestAssessmentBefore(ctx context.Context, tenantID string, before time.Time) (model.RiskAssessment, error)

	// Breach records. AddBreaches returns only the rows actually inserted
	// (duplicates on the composite key are silently skipped).
	AddBreaches(ctx context.Context, recs []model.BreachRecord) ([]model.BreachRecord, error)
	CountBreachesSince(ctx context.Context, tenantID string, since time.Time) (int, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "mem", "memory":
		return NewMem(), nil
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
