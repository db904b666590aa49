package notify

import (
	"context"

	"scanwatch/pkg/logx"
)

// LogMailer writes messages to the log instead of delivering them. Used in
// development and as the fallback when no real mailer is configured, so the
// rest of the pipeline (gating, rate limiting, retry) behaves identically.
type LogMailer struct {
	Log logx.Logger
}

func (m LogMailer) Send(_ context.Context, e Email) error {
	log := m.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log.Info("email (log mailer)",
		logx.String("to", e.To),
		logx.String("kind", string(e.Kind)),
		logx.String("subject", e.Subject))
	return nil
}
