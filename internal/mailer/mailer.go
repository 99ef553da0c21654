package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultDialTimeout = 10 * time.Second

// ErrInvalidRecipient reports an address the transport will not accept.
var ErrInvalidRecipient = errors.New("invalid email recipient")

// SMTPConfig holds the transport settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	// ImplicitTLS selects SMTPS (usually 465). Otherwise STARTTLS is used when offered.
	ImplicitTLS bool
	RequireTLS  bool
}

// Validate checks the fields needed to open a session.
func (cfg SMTPConfig) Validate() error {
	if strings.TrimSpace(cfg.Host) == "" {
		return errors.New("mailer: smtp host is required")
	}
	if cfg.Port <= 0 {
		return errors.New("mailer: smtp port is required")
	}
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return fmt.Errorf("mailer: invalid from address: %w", err)
	}
	return nil
}

// SMTPSender delivers HTML mail over SMTP.
type SMTPSender struct {
	cfg    SMTPConfig
	nowFn  func() time.Time
	tlsCfg *tls.Config
}

// NewSMTPSender validates cfg.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SMTPSender{
		cfg:    cfg,
		nowFn:  time.Now,
		tlsCfg: &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12},
	}, nil
}

// Send delivers one message. The context deadline bounds the whole session.
func (sender *SMTPSender) Send(ctx context.Context, recipient string, subject string, html string) error {
	to, err := mail.ParseAddress(strings.TrimSpace(recipient))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}
	message, err := sender.buildMessage(to.Address, subject, html)
	if err != nil {
		return err
	}

	conn, err := sender.dial(ctx)
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, sender.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if !sender.cfg.ImplicitTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(sender.tlsCfg); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		} else if sender.cfg.RequireTLS {
			return errors.New("smtp server does not offer STARTTLS")
		}
	}
	if sender.cfg.Username != "" {
		auth := smtp.PlainAuth("", sender.cfg.Username, sender.cfg.Password, sender.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(sender.envelopeFrom()); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(to.Address); err != nil {
		return fmt.Errorf("smtp rcpt: %w", err)
	}
	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := writer.Write(message); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	return client.Quit()
}

func (sender *SMTPSender) dial(ctx context.Context) (net.Conn, error) {
	address := net.JoinHostPort(sender.cfg.Host, strconv.Itoa(sender.cfg.Port))
	dialer := &net.Dialer{Timeout: defaultDialTimeout}
	if sender.cfg.ImplicitTLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: sender.tlsCfg}
		return tlsDialer.DialContext(ctx, "tcp", address)
	}
	return dialer.DialContext(ctx, "tcp", address)
}

func (sender *SMTPSender) envelopeFrom() string {
	parsed, err := mail.ParseAddress(sender.cfg.From)
	if err != nil {
		return sender.cfg.From
	}
	return parsed.Address
}

func (sender *SMTPSender) buildMessage(to string, subject string, html string) ([]byte, error) {
	if strings.ContainsAny(subject, "\r\n") {
		return nil, errors.New("mailer: subject must be a single line")
	}
	from := mail.Address{Name: sender.cfg.FromName, Address: sender.envelopeFrom()}

	var message bytes.Buffer
	write := func(format string, values ...any) { _, _ = fmt.Fprintf(&message, format, values...) }
	write("From: %s\r\n", from.String())
	write("To: %s\r\n", to)
	write("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	write("Date: %s\r\n", sender.nowFn().Format(time.RFC1123Z))
	write("MIME-Version: 1.0\r\n")
	write("Content-Type: text/html; charset=UTF-8\r\n")
	write("Content-Transfer-Encoding: 8bit\r\n")
	write("\r\n")
	body := strings.ReplaceAll(strings.ReplaceAll(html, "\r\n", "\n"), "\n", "\r\n")
	write("%s\r\n", body)
	return message.Bytes(), nil
}

// LogSender stands in for SMTP when no transport is configured.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender returns a sender that only logs.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

// Send logs the delivery and reports success.
func (sender *LogSender) Send(_ context.Context, recipient string, subject string, html string) error {
	sender.logger.Info("email transport disabled, message logged",
		zap.String("recipient", recipient),
		zap.String("subject", subject),
		zap.Int("bytes", len(html)),
	)
	return nil
}
