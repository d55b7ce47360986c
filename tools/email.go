package tools

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/taskengine/workspace"
)

// Settings keys read by the email toolkit.
const (
	SettingSMTPHost     = "smtp_host"
	SettingSMTPPort     = "smtp_port"
	SettingSMTPUser     = "smtp_user"
	SettingSMTPPassword = "smtp_password"
	SettingSMTPFrom     = "smtp_from_email"
)

const (
	defaultSMTPPort   = 587
	smtpSettingsTTL   = 60 * time.Second
	smtpDialTimeout   = 30 * time.Second
	smtpNotConfigured = "SMTP not configured. Go to Settings to add SMTP credentials."
)

// SMTPSettings is the outgoing mail configuration.
type SMTPSettings struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

// Configured reports whether mail can be sent.
func (s SMTPSettings) Configured() bool { return s.Host != "" && s.From != "" }

// SendMailFunc delivers one plain-text message.
type SendMailFunc func(ctx context.Context, s SMTPSettings, to, subject, body string) error

// EmailToolkit provides send_email over SMTP. Settings are read from the
// workspace and cached for a minute.
type EmailToolkit struct {
	store workspace.Store
	send  SendMailFunc
	now   func() time.Time

	mu       sync.Mutex
	cached   SMTPSettings
	loadedAt time.Time
}

// NewEmailToolkit returns the SMTP toolkit. A nil send uses SendSMTP.
func NewEmailToolkit(store workspace.Store, send SendMailFunc) *EmailToolkit {
	if send == nil {
		send = SendSMTP
	}
	return &EmailToolkit{store: store, send: send, now: time.Now}
}

func (k *EmailToolkit) Tools(ctx context.Context, env ToolkitEnv) ([]Tool, error) {
	return []Tool{&sendEmailTool{kit: k}}, nil
}

// Settings returns the cached SMTP settings, reloading them when stale.
func (k *EmailToolkit) Settings(ctx context.Context) (SMTPSettings, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.loadedAt.IsZero() && k.now().Sub(k.loadedAt) < smtpSettingsTTL {
		return k.cached, nil
	}
	vals, err := k.store.Settings(ctx, SettingSMTPHost, SettingSMTPPort, SettingSMTPUser, SettingSMTPPassword, SettingSMTPFrom)
	if err != nil {
		return SMTPSettings{}, err
	}
	s := SMTPSettings{
		Host:     strings.TrimSpace(vals[SettingSMTPHost]),
		Port:     defaultSMTPPort,
		User:     strings.TrimSpace(vals[SettingSMTPUser]),
		Password: strings.TrimSpace(vals[SettingSMTPPassword]),
		From:     strings.TrimSpace(vals[SettingSMTPFrom]),
	}
	if p, err := strconv.Atoi(strings.TrimSpace(vals[SettingSMTPPort])); err == nil && p > 0 {
		s.Port = p
	}
	k.cached, k.loadedAt = s, k.now()
	return s, nil
}

// Invalidate drops the cached settings.
func (k *EmailToolkit) Invalidate() {
	k.mu.Lock()
	k.loadedAt = time.Time{}
	k.mu.Unlock()
}

type sendEmailTool struct {
	kit *EmailToolkit
}

func (t *sendEmailTool) Name() string  { return "send_email" }
func (t *sendEmailTool) Mutates() bool { return true }

func (t *sendEmailTool) Description() string {
	return "Send a plain-text email via the workspace SMTP server."
}

func (t *sendEmailTool) Parameters() map[string]any {
	return schema(map[string]any{
		"to":      prop("string", "Recipient email address"),
		"subject": prop("string", "Email subject"),
		"body":    prop("string", "Plain-text body"),
	}, "to", "subject", "body")
}

func (t *sendEmailTool) Execute(ctx context.Context, args Args) (string, error) {
	to, err := args.String("to")
	if err != nil {
		return "Error: " + err.Error(), nil
	}
	subject := args.StringOr("subject", "")
	body := args.StringOr("body", "")

	s, err := t.kit.Settings(ctx)
	if err != nil {
		return "", err
	}
	if !s.Configured() {
		return smtpNotConfigured, nil
	}
	if err := t.kit.send(ctx, s, to, subject, body); err != nil {
		return fmt.Sprintf("Failed to send email: %v", err), nil
	}
	return fmt.Sprintf("Email sent to %s with subject %q", to, subject), nil
}

// SendSMTP delivers a message with implicit TLS on 465 and STARTTLS
// wherever the server offers it.
func SendSMTP(ctx context.Context, s SMTPSettings, to, subject, body string) error {
	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	dialer := &net.Dialer{Timeout: smtpDialTimeout}
	deadline := time.Now().Add(smtpDialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var conn net.Conn
	var err error
	tlsConfig := &tls.Config{ServerName: s.Host}
	if s.Port == 465 {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return err
	}
	_ = conn.SetDeadline(deadline)

	c, err := smtp.NewClient(conn, s.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if s.Port != 465 {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				return err
			}
		}
	}
	if s.User != "" {
		if err := c.Auth(smtp.PlainAuth("", s.User, s.Password, s.Host)); err != nil {
			return err
		}
	}
	if err := c.Mail(s.From); err != nil {
		return err
	}
	if err := c.Rcpt(to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(composeMessage(s.From, to, subject, body)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func composeMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	if from != "" {
		b.WriteString("From: " + from + "\r\n")
	}
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}
