package model

import "strings"

// ProbeType names one kind of check performed by the external probe engine.
type ProbeType string

const (
	ProbePorts      ProbeType = "ports"
	ProbeSSL        ProbeType = "ssl"
	ProbeSubdomains ProbeType = "subdomains"
	ProbeSoftware   ProbeType = "software"
	ProbePaths      ProbeType = "paths"
	ProbeBreaches   ProbeType = "breaches"
)

// FullProbeSet is the default when a tenant has no explicit scan types.
func FullProbeSet() []ProbeType {
	return []ProbeType{ProbePorts, ProbeSSL, ProbeSubdomains, ProbeSoftware, ProbePaths, ProbeBreaches}
}

// ValidProbeType reports whether s names a known probe type.
func ValidProbeType(s string) (ProbeType, bool) {
	switch p := ProbeType(strings.ToLower(strings.TrimSpace(s))); p {
	case ProbePorts, ProbeSSL, ProbeSubdomains, ProbeSoftware, ProbePaths, ProbeBreaches:
		return p, true
	default:
		return "", false
	}
}

// PortFinding is one open port observed by the port probe.
type PortFinding struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol,omitempty"`
	Service  string `json:"service,omitempty"`
}

// CertInfo summarizes the TLS certificate probe.
type CertInfo struct {
	Valid        bool   `json:"valid"`
	Expired      bool   `json:"expired"`
	SelfSigned   bool   `json:"self_signed"`
	Issuer       string `json:"issuer,omitempty"`
	DaysToExpiry int    `json:"days_to_expiry"`
}

// SoftwareFinding is a detected outdated software component.
type SoftwareFinding struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	LatestVersion   string `json:"latest_version,omitempty"`
	KnownVulnerable bool   `json:"known_vulnerable"`
}

// PathFinding is a discovered URL path of interest.
type PathFinding struct {
	Path      string `json:"path"`
	Status    int    `json:"status"`
	Sensitive bool   `json:"sensitive"` // admin panels, backups, dotfiles, ...
}

// BreachHit is one (email, breach) pair reported by the breach probe.
type BreachHit struct {
	Email      string `json:"email"`
	BreachName string `json:"breach_name"`
	Source     string `json:"source,omitempty"`
}

// ScanFindings is everything the probe engine gathered for one scan.
// A scan either completes with the full set or is marked failed; partial
// results are never persisted on their own.
type ScanFindings struct {
	Ports            []PortFinding     `json:"ports,omitempty"`
	SSL              *CertInfo         `json:"ssl,omitempty"`
	Subdomains       []string          `json:"subdomains,omitempty"`
	OutdatedSoftware []SoftwareFinding `json:"outdated_software,omitempty"`
	DiscoveredPaths  []PathFinding     `json:"discovered_paths,omitempty"`
	Breaches         []BreachHit       `json:"breaches,omitempty"`
}
