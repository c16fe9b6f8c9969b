package notification

import (
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/gomarkdown/markdown"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/metrics"
	"Go2NetSentry/internal/model"
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier mails intrusion alerts. Other event kinds are ignored.
type EmailNotifier struct {
	cfg      config.SMTPConfig
	auth     smtp.Auth
	limiter  *rate.Limiter
	sendMail sendMailFunc
	logger   *zap.Logger
}

// NewEmailNotifier creates a new EmailNotifier.
func NewEmailNotifier(cfg config.SMTPConfig, logger *zap.Logger) *EmailNotifier {
	// PlainAuth will not send credentials until the server identifies itself as a trusted one.
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = 6
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &EmailNotifier{
		cfg:      cfg,
		auth:     auth,
		limiter:  rate.NewLimiter(rate.Limit(perMinute/60), burst),
		sendMail: smtp.SendMail,
		logger:   logger.Named("email"),
	}
}

func (n *EmailNotifier) Publish(event model.Event) error {
	if event.Kind != model.EventIntrusionAlert {
		return nil
	}
	alert, ok := event.Payload.(model.Alert)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", event.Payload, event.Kind)
	}
	if !n.limiter.Allow() {
		metrics.NotificationsDropped.WithLabelValues("email").Inc()
		n.logger.Warn("Alert email throttled", zap.String("alert_id", alert.ID), zap.String("batch_id", alert.BatchID))
		return nil
	}

	subject := fmt.Sprintf("[%s] Intrusion detected in %s", alert.Severity, alert.BatchID)
	body := markdown.ToHTML([]byte(AlertMarkdown(alert)), nil, nil)
	return n.Send(subject, string(body))
}

// Send sends an email to the configured recipients.
func (n *EmailNotifier) Send(subject, body string) error {
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	recipients := strings.Split(n.cfg.To, ",")
	for i := range recipients {
		recipients[i] = strings.TrimSpace(recipients[i])
	}

	msg := []byte("To: " + n.cfg.To + "\r\n" +
		"From: " + n.cfg.From + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/html; charset=UTF-8\r\n" +
		"\r\n" +
		body)

	if err := n.sendMail(addr, n.auth, n.cfg.From, recipients, msg); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// AlertMarkdown renders an alert as a markdown report.
func AlertMarkdown(a model.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Intrusion alert: %s\n\n", a.Severity)
	fmt.Fprintf(&b, "%s\n\n", a.Message)
	b.WriteString("| Field | Value |\n|---|---|\n")
	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, "| %s | %s |\n", k, v)
		}
	}
	row("Batch", a.BatchID)
	row("Chunk", fmt.Sprint(a.ChunkIndex))
	row("Model", string(a.Model))
	row("Score", fmt.Sprintf("%.4f", a.Score))
	row("Time", a.Timestamp.UTC().Format(time.RFC3339))
	if a.SrcIP != "" {
		row("Source", a.SrcIP)
		row("Destination", fmt.Sprintf("%s:%d", a.DstIP, a.DstPort))
		row("Protocol", fmt.Sprint(a.Protocol))
	}
	row("Flow", a.FlowID)
	row("Capture", "`"+a.PcapPath+"`")
	if a.CSVPath != "" {
		row("Flows CSV", "`"+a.CSVPath+"`")
	}
	return b.String()
}
