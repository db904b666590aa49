package risk

import (
	"fmt"

	"scanwatch/internal/model"
)

// Ports whose exposure alone is a high-severity finding (remote access and
// database services that should never face the internet).
var riskyPorts = map[int]string{
	21:    "FTP",
	23:    "Telnet",
	445:   "SMB",
	1433:  "MSSQL",
	3306:  "MySQL",
	3389:  "RDP",
	5432:  "PostgreSQL",
	5900:  "VNC",
	6379:  "Redis",
	9200:  "Elasticsearch",
	27017: "MongoDB",
}

// Derive converts raw probe findings into severity-weighted risk findings.
// The rules are intentionally fixed; tuning happens by releasing new rules,
// not per-tenant configuration.
func Derive(f model.ScanFindings) []model.RiskFinding {
	var out []model.RiskFinding

	for _, p := range f.Ports {
		if svc, risky := riskyPorts[p.Port]; risky {
			out = append(out, model.RiskFinding{
				Severity: model.SeverityHigh,
				Title:    fmt.Sprintf("%s exposed on port %d", svc, p.Port),
			})
		} else if p.Port != 80 && p.Port != 443 {
			out = append(out, model.RiskFinding{
				Severity: model.SeverityLow,
				Title:    fmt.Sprintf("open port %d", p.Port),
				Detail:   p.Service,
			})
		}
	}

	if ssl := f.SSL; ssl != nil {
		switch {
		case ssl.Expired:
			out = append(out, model.RiskFinding{
				Severity: model.SeverityCritical,
				Title:    "TLS certificate expired",
			})
		case ssl.SelfSigned:
			out = append(out, model.RiskFinding{
				Severity: model.SeverityHigh,
				Title:    "TLS certificate is self-signed",
			})
		case !ssl.Valid:
			out = append(out, model.RiskFinding{
				Severity: model.SeverityHigh,
				Title:    "TLS certificate is invalid",
			})
		case ssl.DaysToExpiry > 0 && ssl.DaysToExpiry <= 14:
			out = append(out, model.RiskFinding{
				Severity: model.SeverityMedium,
				Title:    fmt.Sprintf("TLS certificate expires in %d days", ssl.DaysToExpiry),
			})
		}
	}

	for _, sw := range f.OutdatedSoftware {
		sev := model.SeverityMedium
		if sw.KnownVulnerable {
			sev = model.SeverityHigh
		}
		out = append(out, model.RiskFinding{
			Severity: sev,
			Title:    fmt.Sprintf("outdated software: %s %s", sw.Name, sw.Version),
			Detail:   sw.LatestVersion,
		})
	}

	for _, p := range f.DiscoveredPaths {
		if p.Sensitive {
			out = append(out, model.RiskFinding{
				Severity: model.SeverityMedium,
				Title:    "sensitive path exposed: " + p.Path,
			})
		}
	}

	for _, b := range f.Breaches {
		out = append(out, model.RiskFinding{
			Severity: model.SeverityHigh,
			Title:    fmt.Sprintf("credentials in breach %q", b.BreachName),
			Detail:   b.Email,
		})
	}

	return out
}
