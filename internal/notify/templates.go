package notify

import (
	"bytes"
	"fmt"
	"text/template"

	"scanwatch/internal/model"
)

// Payloads handed to the per-kind templates.

type scanCompleteData struct {
	Domain   string
	Score    int
	Category model.RiskCategory
	ScanID   string
}

type highRiskData struct {
	Domain   string
	Score    int
	Category model.RiskCategory
}

type breachData struct {
	Count    int
	Breaches []model.BreachRecord
}

type digestData struct {
	Domain      string
	Scans       int
	NewBreaches int
	Score       int
	Category    model.RiskCategory
	Trend       string
}

var bodyTemplates = template.Must(template.New("notify").Parse(`
{{define "scanComplete"}}Your scheduled security scan of {{.Domain}} has finished.

Risk score: {{.Score}}/100 ({{.Category}})
Scan id: {{.ScanID}}
{{end}}

{{define "highRisk"}}A scan of {{.Domain}} produced a risk score of {{.Score}}/100 ({{.Category}}).

Scores at this level usually mean exposed services or known-vulnerable software
were found. Review the findings and remediate as soon as possible.
{{end}}

{{define "newBreach"}}{{.Count}} new breach record(s) involving your organization's email addresses were found:
{{range .Breaches}}
  - {{.Email}} in "{{.BreachName}}"{{end}}

Affected users should rotate passwords for any account sharing those credentials.
{{end}}

{{define "weeklyDigest"}}Weekly security summary for {{.Domain}}:

  Scans completed:   {{.Scans}}
  New breach records: {{.NewBreaches}}
  Current risk score: {{.Score}}/100 ({{.Category}}), trend: {{.Trend}}
{{end}}
`))

func render(kind model.EventKind, data any) (subject, body string, err error) {
	switch d := data.(type) {
	case scanCompleteData:
		subject = fmt.Sprintf("Scan complete: %s scored %d/100", d.Domain, d.Score)
	case highRiskData:
		subject = fmt.Sprintf("High risk alert: %s scored %d/100", d.Domain, d.Score)
	case breachData:
		subject = fmt.Sprintf("%d new breach record(s) detected", d.Count)
	case digestData:
		subject = fmt.Sprintf("Weekly security digest for %s", d.Domain)
	default:
		return "", "", fmt.Errorf("no template for kind %q", kind)
	}

	var buf bytes.Buffer
	if err := bodyTemplates.ExecuteTemplate(&buf, string(kind), data); err != nil {
		return "", "", err
	}
	return subject, buf.String(), nil
}
