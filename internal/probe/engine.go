// Package probe is the built-in probe engine: unauthenticated, read-only
// checks against a tenant's own domain. Deployments with a full scanner fleet
// replace it; this implementation covers port reachability and TLS
// certificate inspection, and returns empty results for probe kinds it does
// not implement (a scan either fully completes with whatever findings were
// gathered, or fails).
package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"time"

	"scanwatch/internal/model"
	"scanwatch/pkg/logx"
)

// defaultPorts is the connect-scan port list.
var defaultPorts = []int{21, 22, 23, 25, 80, 110, 143, 443, 445, 1433, 3306, 3389, 5432, 5900, 6379, 8080, 8443, 9200, 27017}

// Config controls the built-in engine.
type Config struct {
	// DialTimeout bounds one port connect attempt. Default 3s.
	DialTimeout time.Duration

	// Ports overrides the connect-scan port list.
	Ports []int
}

type Engine struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Engine {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	if len(cfg.Ports) == 0 {
		cfg.Ports = defaultPorts
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{cfg: cfg, log: log.With(logx.String("comp", "probe"))}
}

func (e *Engine) RunProbes(ctx context.Context, domain string, types []model.ProbeType) (model.ScanFindings, error) {
	var f model.ScanFindings
	for _, t := range types {
		if err := ctx.Err(); err != nil {
			return f, err
		}
		switch t {
		case model.ProbePorts:
			f.Ports = e.scanPorts(ctx, domain)
		case model.ProbeSSL:
			if cert, ok := e.inspectTLS(ctx, domain); ok {
				f.SSL = &cert
			}
		default:
			// Subdomain enumeration, software fingerprinting, path discovery
			// and breach lookups need external data sources.
		}
	}
	return f, nil
}

func (e *Engine) scanPorts(ctx context.Context, domain string) []model.PortFinding {
	var out []model.PortFinding
	d := net.Dialer{Timeout: e.cfg.DialTimeout}
	for _, port := range e.cfg.Ports {
		if ctx.Err() != nil {
			return out
		}
		conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", domain, port))
		if err != nil {
			continue
		}
		_ = conn.Close()
		out = append(out, model.PortFinding{Port: port, Protocol: "tcp"})
	}
	return out
}

func (e *Engine) inspectTLS(ctx context.Context, domain string) (model.CertInfo, bool) {
	d := tls.Dialer{
		NetDialer: &net.Dialer{Timeout: e.cfg.DialTimeout},
		// Verification is done by hand below so invalid chains still produce
		// a finding instead of a dial error.
		Config: &tls.Config{ServerName: domain, InsecureSkipVerify: true},
	}
	conn, err := d.DialContext(ctx, "tcp", domain+":443")
	if err != nil {
		e.log.Debug("tls probe: no handshake", logx.String("domain", domain), logx.Err(err))
		return model.CertInfo{}, false
	}
	defer conn.Close()

	certs := conn.(*tls.Conn).ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return model.CertInfo{}, false
	}
	leaf := certs[0]
	now := time.Now()

	info := model.CertInfo{
		Issuer:       leaf.Issuer.CommonName,
		Expired:      now.After(leaf.NotAfter),
		SelfSigned:   len(certs) == 1 && leaf.Issuer.String() == leaf.Subject.String(),
		DaysToExpiry: int(time.Until(leaf.NotAfter).Hours() / 24),
	}

	pool := x509.NewCertPool()
	for _, c := range certs[1:] {
		pool.AddCert(c)
	}
	_, verr := leaf.Verify(x509.VerifyOptions{
		DNSName:       domain,
		Intermediates: pool,
		CurrentTime:   now,
	})
	info.Valid = verr == nil
	return info, true
}
