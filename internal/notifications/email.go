package notifications

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"net/smtp"
	"regexp"
	"strings"
	"time"
)

// headerPattern matches common email header injection patterns.
var headerPattern = regexp.MustCompile(`(?i)\b(bcc|cc|to|from|subject|reply-to|x-[a-z0-9-]+)\s*:`)

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	TLS      bool   `yaml:"tls"`
}

// EmailConfig holds configuration for email notifications.
type EmailConfig struct {
	SMTP SMTPConfig `yaml:"smtp"`
	From string     `yaml:"from"`

	// CC receives a copy of every notification, typically a team mailbox.
	CC []string `yaml:"cc"`

	// Events restricts which events are mailed. Empty means all.
	Events []string `yaml:"events"`
}

// SMTPSendFunc is the function signature for sending emails via SMTP.
type SMTPSendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// EmailProvider mails lifecycle events to the addresses on the event.
type EmailProvider struct {
	config     EmailConfig
	smtpSender SMTPSendFunc
}

// NewEmailProvider creates an email provider that sends with smtp.SendMail.
func NewEmailProvider(config EmailConfig) *EmailProvider {
	return &EmailProvider{
		config:     config,
		smtpSender: smtp.SendMail,
	}
}

// WithSender replaces the SMTP transport (for testing).
func (p *EmailProvider) WithSender(send SMTPSendFunc) *EmailProvider {
	p.smtpSender = send
	return p
}

func (p *EmailProvider) Name() string {
	return "email"
}

func (p *EmailProvider) SupportsEvent(eventType EventType) bool {
	if len(p.config.Events) == 0 {
		return true
	}
	for _, e := range p.config.Events {
		if strings.EqualFold(e, string(eventType)) {
			return true
		}
	}
	return false
}

func (p *EmailProvider) Validate(ctx context.Context) error {
	if p.config.SMTP.Host == "" {
		return fmt.Errorf("SMTP host is required")
	}
	if p.config.SMTP.Port == 0 {
		return fmt.Errorf("SMTP port is required")
	}
	if p.config.From == "" {
		return fmt.Errorf("from address is required")
	}
	for _, e := range p.config.Events {
		if !isEventType(e) {
			return fmt.Errorf("unknown notification event %q", e)
		}
	}
	return nil
}

// Send renders and mails the event.
func (p *EmailProvider) Send(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	to := p.recipients(event)
	if len(to) == 0 {
		return fmt.Errorf("no recipients for %s event on %s", event.Type, event.Account)
	}

	body, err := Render(event.Template, event.Data)
	if err != nil {
		return err
	}

	msg := p.buildMIMEMessage(to, event, body)
	addr := fmt.Sprintf("%s:%d", p.config.SMTP.Host, p.config.SMTP.Port)

	var auth smtp.Auth
	if p.config.SMTP.Username != "" {
		auth = smtp.PlainAuth("", p.config.SMTP.Username, p.config.SMTP.Password, p.config.SMTP.Host)
	}

	if err := p.smtpSender(addr, auth, p.config.From, to, []byte(msg)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func (p *EmailProvider) recipients(event Event) []string {
	seen := map[string]bool{}
	var out []string
	for _, addr := range append(append([]string{}, event.To...), p.config.CC...) {
		addr = strings.TrimSpace(addr)
		key := strings.ToLower(addr)
		if addr == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, addr)
	}
	return out
}

// buildMIMEMessage creates a multipart message with plain-text and HTML parts.
func (p *EmailProvider) buildMIMEMessage(to []string, event Event, body string) string {
	subject := sanitizeHeader(event.Subject)
	if subject == "" {
		subject = fmt.Sprintf("[T-Vault] IAM service account %s %s", sanitizeHeader(event.Account), event.Type)
	}
	boundary := fmt.Sprintf("----=_Part_%d", time.Now().UnixNano())

	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("From: %s\r\n", p.config.From))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(to, ", ")))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary))
	buf.WriteString("\r\n")

	buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	buf.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(body)
	buf.WriteString("\r\n")

	buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	buf.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(`<html><body style="font-family: Arial, sans-serif; color: #333;"><pre style="font-family: inherit; white-space: pre-wrap;">`)
	buf.WriteString(html.EscapeString(body))
	buf.WriteString("</pre></body></html>\r\n")

	buf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	return buf.String()
}

// sanitizeHeader removes newlines and header injection patterns.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = headerPattern.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), " ")
}

func isEventType(s string) bool {
	for _, t := range AllEventTypes() {
		if strings.EqualFold(s, string(t)) {
			return true
		}
	}
	return false
}
