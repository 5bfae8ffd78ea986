// Package notify alerts operators about failures users cannot act on.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/yairfalse/geoingest/internal/config"
	"github.com/yairfalse/geoingest/internal/metrics"
	"github.com/yairfalse/geoingest/internal/telemetry"
	"github.com/yairfalse/geoingest/pkg/layer"
)

// Alert reasons.
const (
	ReasonUnexpected         = "unexpected_error"
	ReasonUnparseableModTime = "unparseable_modification_time"
	ReasonPanic              = "panic"
)

// Sender delivers a rendered alert.
type Sender interface {
	Send(ctx context.Context, subject, body string) error
}

// Alert describes one operator notification.
type Alert struct {
	Reason string
	ResID  string
	Detail string
	Err    error
}

// Notifier logs every alert and mails it when a sender is configured.
type Notifier struct {
	sender   Sender
	internal func(host string) bool
	metrics  *metrics.Metrics
	logger   *telemetry.Logger
}

// New creates a notifier. Alerts are mailed only when an SMTP relay is set.
func New(cfg *config.Config, m *metrics.Metrics) *Notifier {
	n := &Notifier{
		internal: cfg.IsInternalHost,
		metrics:  m,
		logger:   telemetry.NewLogger("notify"),
	}
	if cfg.Notify.SMTP.Addr != "" {
		n.sender = NewSMTPSender(cfg.Notify.SMTP)
	}
	return n
}

// WithSender replaces the delivery channel.
func (n *Notifier) WithSender(s Sender) *Notifier {
	n.sender = s
	return n
}

// Suppressed reports whether alerts for this run stay local.
func (n *Notifier) Suppressed(rc *layer.RunContext) bool {
	if rc == nil {
		return false
	}
	return rc.Testing || (n.internal != nil && n.internal(rc.Host))
}

// Notify records the alert. It never fails the caller.
func (n *Notifier) Notify(ctx context.Context, rc *layer.RunContext, a Alert) {
	if n == nil {
		return
	}
	ev := n.logger.WithContext(ctx).Error().
		Str("reason", a.Reason).
		Str("res_id", a.ResID).
		Str("detail", a.Detail)
	if a.Err != nil {
		ev = ev.Err(a.Err)
	}
	if rc != nil {
		ev = ev.Str("run_id", rc.RunID).Str("user", rc.Username).Str("host", rc.Host)
	}
	ev.Msg("operator alert")

	if n.Suppressed(rc) || n.sender == nil {
		return
	}
	subject, body := render(rc, a)
	if err := n.sender.Send(ctx, subject, body); err != nil {
		n.logger.WithContext(ctx).Warn().Err(err).Str("reason", a.Reason).Msg("failed to deliver operator alert")
		return
	}
	n.metrics.RecordNotification(ctx, a.Reason)
}

func render(rc *layer.RunContext, a Alert) (string, string) {
	subject := fmt.Sprintf("[geoingest] %s", strings.ReplaceAll(a.Reason, "_", " "))
	if a.ResID != "" {
		subject += " for resource " + a.ResID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Time: %s\n", time.Now().UTC().Format(time.RFC3339))
	if rc != nil {
		fmt.Fprintf(&b, "Run: %s\nUser: %s\nHost: %s\n", rc.RunID, rc.Username, rc.Host)
	}
	if a.ResID != "" {
		fmt.Fprintf(&b, "Resource: %s\n", a.ResID)
	}
	if a.Detail != "" {
		fmt.Fprintf(&b, "Detail: %s\n", a.Detail)
	}
	if a.Err != nil {
		fmt.Fprintf(&b, "Error: %v\n", a.Err)
	}
	return subject, b.String()
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender mails alerts through a relay.
type SMTPSender struct {
	cfg  config.SMTPConfig
	send SendFunc
}

// NewSMTPSender creates a sender for the relay in cfg.
func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg, send: smtp.SendMail}
}

// Send delivers the message. net/smtp has no context support, so ctx only
// gates the attempt.
func (s *SMTPSender) Send(ctx context.Context, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(s.cfg.To) == 0 {
		return fmt.Errorf("smtp: no recipients configured")
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(s.cfg.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))

	var auth smtp.Auth
	if s.cfg.Username != "" {
		host := s.cfg.Addr
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, host)
	}
	if err := s.send(s.cfg.Addr, auth, s.cfg.From, s.cfg.To, msg.Bytes()); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
