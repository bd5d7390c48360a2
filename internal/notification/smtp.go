package notification

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender delivers over STARTTLS-capable SMTP, typically port 587.
type SMTPSender struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	now  func() time.Time
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg, send: smtp.SendMail, now: time.Now}
}

func (s *SMTPSender) Send(ctx context.Context, email Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	to, err := headerAddress(email.To)
	if err != nil {
		return err
	}
	if strings.ContainsAny(email.Subject, "\r\n") {
		return errors.New("smtp send: subject contains a line break")
	}
	email.To = to

	err = s.send(addr, auth, s.cfg.From, []string{email.To}, s.message(email))
	if err == nil {
		return nil
	}
	if smtpTransient(err) {
		return fmt.Errorf("%w: smtp send: %w", ErrTransient, err)
	}
	return fmt.Errorf("smtp send: %w", err)
}

func (s *SMTPSender) message(email Email) []byte {
	var msg bytes.Buffer
	write := func(format string, a ...any) { fmt.Fprintf(&msg, format, a...) }

	write("From: %s\r\n", s.cfg.From)
	write("To: %s\r\n", email.To)
	write("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", email.Subject))
	write("Date: %s\r\n", s.now().Format(time.RFC1123Z))
	write("MIME-Version: 1.0\r\n")
	write("Content-Type: text/plain; charset=UTF-8\r\n")
	write("Content-Transfer-Encoding: 8bit\r\n")
	write("\r\n")
	write("%s\r\n", bytes.ReplaceAll([]byte(email.Body), []byte("\n"), []byte("\r\n")))
	return msg.Bytes()
}

// headerAddress returns the bare address in to. Anything that would end the
// header line early is rejected.
func headerAddress(to string) (string, error) {
	if strings.ContainsAny(to, "\r\n") {
		return "", fmt.Errorf("smtp send: recipient %q contains a line break", to)
	}
	parsed, err := mail.ParseAddress(to)
	if err != nil {
		return "", fmt.Errorf("smtp send: recipient %q: %w", to, err)
	}
	return parsed.Address, nil
}

// smtpTransient treats 4xx replies and network failures as retryable.
func smtpTransient(err error) bool {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code >= 400 && protoErr.Code < 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
