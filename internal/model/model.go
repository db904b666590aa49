package model

import "time"

// Frequency controls how often a tenant's automatic scan recurs.
type Frequency string

const (
	FreqDaily  Frequency = "daily"
	FreqWeekly Frequency = "weekly"
	FreqManual Frequency = "manual"
)

// ScanStatus is the scan record lifecycle state.
//
// pending and running are transient; completed and failed are terminal.
// A record never leaves a terminal state (a retry creates a new record).
type ScanStatus string

const (
	StatusPending   ScanStatus = "pending"
	StatusRunning   ScanStatus = "running"
	StatusCompleted ScanStatus = "completed"
	StatusFailed    ScanStatus = "failed"
)

func (s ScanStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Trigger records which actor started a scan. Scheduled and manual scans share
// the exact same lifecycle; this exists for observability only.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// Tenant is a customer organization, the unit of data isolation.
// All other entities are owned by a tenant id.
type Tenant struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Domain       string    `json:"domain"` // canonical hostname, no scheme/path
	EmailDomains []string  `json:"email_domains,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserRole distinguishes the admin user used as notification fallback recipient.
type UserRole string

const (
	RoleAdmin  UserRole = "admin"
	RoleMember UserRole = "member"
)

// TenantUser is a user account within a tenant.
type TenantUser struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id"`
	Email    string   `json:"email"`
	Role     UserRole `json:"role"`
}

// ScheduleConfig holds a tenant's automatic scan schedule (one per tenant).
//
// ScanTime is always stored zero-padded ("HH:MM", tenant-local). Timezone is an
// IANA zone name; resolution failures fall back to UTC at evaluation time, they
// never fail the schedule.
type ScheduleConfig struct {
	TenantID        string      `json:"tenant_id"`
	AutoScanEnabled bool        `json:"auto_scan_enabled"`
	Frequency       Frequency   `json:"frequency"`
	ScanTime        string      `json:"scan_time"` // "HH:MM"
	ScanDay         string      `json:"scan_day"`  // weekday name, weekly only
	ScanTypes       []ProbeType `json:"scan_types,omitempty"`
	Timezone        string      `json:"timezone"`
	LastAutoScanAt  *time.Time  `json:"last_auto_scan_at,omitempty"`
}

// EventKind identifies a notification event and its preference gate.
type EventKind string

const (
	EventNewBreach    EventKind = "newBreach"
	EventScanComplete EventKind = "scanComplete"
	EventHighRisk     EventKind = "highRisk"
	EventWeeklyDigest EventKind = "weeklyDigest"
)

// NotificationPrefs are per-tenant opt-in toggles, one per event kind, plus an
// optional recipient override. If NotificationEmail is empty, the dispatcher
// falls back to the tenant's admin user's email.
type NotificationPrefs struct {
	TenantID          string `json:"tenant_id"`
	NewBreach         bool   `json:"new_breach"`
	ScanComplete      bool   `json:"scan_complete"`
	HighRisk          bool   `json:"high_risk"`
	WeeklyDigest      bool   `json:"weekly_digest"`
	NotificationEmail string `json:"notification_email,omitempty"`
}

// Allows reports whether the given event kind is enabled for this tenant.
func (p NotificationPrefs) Allows(kind EventKind) bool {
	switch kind {
	case EventNewBreach:
		return p.NewBreach
	case EventScanComplete:
		return p.ScanComplete
	case EventHighRisk:
		return p.HighRisk
	case EventWeeklyDigest:
		return p.WeeklyDigest
	default:
		return false
	}
}

// ScanJob is a queued unit of scan work. It has no identity beyond the
// queue-assigned id; once dispatched, control passes to a ScanRecord.
type ScanJob struct {
	ID         string      `json:"id"`
	TenantID   string      `json:"tenant_id"`
	Domain     string      `json:"domain"`
	Types      []ProbeType `json:"types"`
	ScanID     string      `json:"scan_id,omitempty"` // pending record, set at trigger time
	Trigger    Trigger     `json:"trigger"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

// ScanRecord is the persistent result of one scan attempt.
type ScanRecord struct {
	ID          string       `json:"id"`
	TenantID    string       `json:"tenant_id"`
	Domain      string       `json:"domain"`
	Status      ScanStatus   `json:"status"`
	Types       []ProbeType  `json:"types"`
	Trigger     Trigger      `json:"trigger"`
	Findings    ScanFindings `json:"findings"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Severity of a single derived finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RiskFinding is one severity-weighted item feeding the risk score.
type RiskFinding struct {
	Severity Severity `json:"severity"`
	Title    string   `json:"title"`
	Detail   string   `json:"detail,omitempty"`
}

// RiskCategory buckets a 0-100 score.
type RiskCategory string

const (
	RiskLow      RiskCategory = "Low"
	RiskMedium   RiskCategory = "Medium"
	RiskHigh     RiskCategory = "High"
	RiskCritical RiskCategory = "Critical"
)

// RiskAssessment is derived from a completed scan. Immutable once created; a
// new scan produces a new assessment.
type RiskAssessment struct {
	ID        string        `json:"id"`
	TenantID  string        `json:"tenant_id"`
	ScanID    string        `json:"scan_id"`
	Score     int           `json:"score"` // 0..100
	Category  RiskCategory  `json:"category"`
	Findings  []RiskFinding `json:"findings"`
	CreatedAt time.Time     `json:"created_at"`
}

// BreachRecord is append-only, deduplicated at write time on
// (tenant id, email, breach name).
type BreachRecord struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	Email      string    `json:"email"`
	BreachName string    `json:"breach_name"`
	Source     string    `json:"source,omitempty"`
	FoundAt    time.Time `json:"found_at"`
}
