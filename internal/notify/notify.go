package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"farm-identity/internal/observability"
)

// ErrDelivery wraps every transport failure.
var ErrDelivery = errors.New("notification delivery failed")

//go:generate mockgen -destination=../mocks/mock_notifier.go -package=mocks farm-identity/internal/notify Notifier

// Notifier delivers a message out of band.
type Notifier interface {
	Send(ctx context.Context, subject, body, recipient string) error
}

type SMTPConfig struct {
	Server   string
	Port     int
	Email    string
	Password string
}

type SMTPNotifier struct {
	cfg     SMTPConfig
	timeout time.Duration
	send    func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPNotifier(cfg SMTPConfig) *SMTPNotifier {
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	return &SMTPNotifier{cfg: cfg, timeout: 10 * time.Second, send: sendMail}
}

// Send uses STARTTLS when the server offers it. The SMTP exchange runs under
// a deadline of n.timeout and is torn down when ctx is canceled.
func (n *SMTPNotifier) Send(ctx context.Context, subject, body, recipient string) error {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" || strings.ContainsAny(recipient, "\r\n") || strings.ContainsAny(subject, "\r\n") {
		return fmt.Errorf("%w: invalid recipient or subject", ErrDelivery)
	}

	addr := net.JoinHostPort(n.cfg.Server, fmt.Sprint(n.cfg.Port))
	auth := smtp.PlainAuth("", n.cfg.Email, n.cfg.Password, n.cfg.Server)
	msg := buildMessage(n.cfg.Email, recipient, subject, body)

	sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- n.send(sendCtx, addr, auth, n.cfg.Email, []string{recipient}, msg)
	}()

	timer := time.NewTimer(n.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDelivery, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrDelivery, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%w: smtp timeout", ErrDelivery)
	}
}

// sendMail follows smtp.SendMail but dials with ctx and puts the ctx deadline
// on the connection, so a stalled server cannot hold the caller's goroutine.
func sendMail(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return err
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	if a != nil {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(a); err != nil {
				return err
			}
		}
	}

	if err := client.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}

	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

// LogNotifier writes messages to the log instead of sending them. Development only.
type LogNotifier struct {
	logger *observability.Logger
}

func NewLogNotifier(logger *observability.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(_ context.Context, subject, body, recipient string) error {
	n.logger.Warn("notification_not_sent", map[string]any{
		"recipient": recipient,
		"subject":   subject,
		"body":      body,
	})
	return nil
}
