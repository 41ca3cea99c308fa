package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
)

// SMTPConfig configures email alerts.
type SMTPConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier sends alerts as plain-text email. smtp.SendMail upgrades to
// STARTTLS when the server offers it.
type SMTPNotifier struct {
	cfg  SMTPConfig
	send sendFunc
}

// NewSMTPNotifier validates cfg.
func NewSMTPNotifier(cfg SMTPConfig) (*SMTPNotifier, error) {
	cfg.Host = strings.TrimSpace(cfg.Host)
	if cfg.Host == "" || len(cfg.To) == 0 {
		return nil, fmt.Errorf("smtp notifier: host and recipients required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &SMTPNotifier{cfg: cfg, send: smtp.SendMail}, nil
}

// Name implements Notifier.
func (n *SMTPNotifier) Name() string { return "email" }

// Notify implements Notifier. net/smtp has no context support; the send runs
// in the background and ctx only bounds how long Notify waits.
func (n *SMTPNotifier) Notify(ctx context.Context, alert Alert) error {
	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}
	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))
	msg := n.message(alert)
	done := make(chan error, 1)
	go func() { done <- n.send(addr, auth, n.cfg.From, n.cfg.To, msg) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *SMTPNotifier) message(alert Alert) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", n.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(n.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", alert.Subject)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(alert.Body)
	b.WriteString("\r\n")
	return []byte(b.String())
}
