// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package mail delivers verification and device-transfer messages to
// players. Delivery failures propagate to the caller; nothing here
// retries.
package mail

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"net/url"
	"strings"

	"github.com/samber/oops"
)

// Mailer delivers a plain-text message to a single recipient.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTP delivers mail through a single upstream SMTP server using PLAIN
// auth. Addr is host:port.
type SMTP struct {
	Addr     string
	From     string
	Username string
	Password string
}

var _ Mailer = (*SMTP)(nil)

// Send assembles an RFC 5322 message and submits it. The context is
// accepted for interface symmetry; net/smtp does not support
// cancellation mid-delivery.
func (s *SMTP) Send(_ context.Context, to, subject, body string) error {
	if s.Addr == "" || s.From == "" {
		return oops.Code("MAIL_NOT_CONFIGURED").Errorf("smtp mailer missing addr or from")
	}

	msg := strings.Join([]string{
		"From: " + s.From,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	host := s.Addr
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, host)
	}
	if err := smtp.SendMail(s.Addr, auth, s.From, []string{to}, []byte(msg)); err != nil {
		return oops.Code("MAIL_SEND_FAILED").With("to", to).
			Wrapf(err, "failed to send mail")
	}
	return nil
}

// LogMailer writes the message to the log instead of delivering it.
// Used when no SMTP server is configured, so local setups still see
// the verification and transfer links.
type LogMailer struct {
	Logger *slog.Logger
}

var _ Mailer = (*LogMailer)(nil)

func (l *LogMailer) Send(ctx context.Context, to, subject, body string) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "mail delivery skipped (no smtp configured)",
		"to", to,
		"subject", subject,
		"body", body)
	return nil
}

// VerificationMessage builds the subject and body for an email
// verification link.
func VerificationMessage(baseURL, token string) (subject, body string) {
	link := buildLink(baseURL, "/email/confirm", token)
	subject = "Confirm your email"
	body = fmt.Sprintf(
		"Confirm this email address to secure your account:\n\n%s\n\nIf you did not request this, you can ignore this message.",
		link)
	return subject, body
}

// TransferMessage builds the subject and body for a device-transfer
// link. The link signs the receiving device in as the sender's player.
func TransferMessage(baseURL, token string) (subject, body string) {
	link := buildLink(baseURL, "/transfer/accept", token)
	subject = "Sign in on a new device"
	body = fmt.Sprintf(
		"Open this link on the new device to continue playing as your existing account:\n\n%s\n\nThe link works once and expires shortly.",
		link)
	return subject, body
}

func buildLink(baseURL, path, token string) string {
	return strings.TrimRight(baseURL, "/") + path + "?token=" + url.QueryEscape(token)
}
