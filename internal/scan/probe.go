package scan

import (
	"context"

	"scanwatch/internal/model"
)

// ProbeEngine is the external component performing the actual network checks
// (port scanning, TLS inspection, subdomain enumeration, breach lookups).
// Calls may take minutes and may fail partially; a partial failure surfaces
// as an error and the whole scan is marked failed.
type ProbeEngine interface {
	RunProbes(ctx context.Context, domain string, types []model.ProbeType) (model.ScanFindings, error)
}

// ProbeFunc adapts a function to the ProbeEngine interface.
type ProbeFunc func(ctx context.Context, domain string, types []model.ProbeType) (model.ScanFindings, error)

func (f ProbeFunc) RunProbes(ctx context.Context, domain string, types []model.ProbeType) (model.ScanFindings, error) {
	return f(ctx, domain, types)
}
