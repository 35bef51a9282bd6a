package notify

import (
	"context"
	"fmt"
	"log"
	"net/smtp"
	"strings"
)

// Mailer is the outbound notification transport.
type Mailer interface {
	Send(ctx context.Context, to, subject, textBody, htmlBody string) error
}

// SMTPMailer sends multipart plaintext+HTML mail over a plain SMTP relay.
type SMTPMailer struct {
	Addr string
	From string
	Auth smtp.Auth
}

const mimeBoundary = "=_adgov_alt"

func (m *SMTPMailer) Send(ctx context.Context, to, subject, textBody, htmlBody string) error {
	if m.Addr == "" || m.From == "" {
		return fmt.Errorf("smtp mailer not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := buildMIME(m.From, to, subject, textBody, htmlBody)
	return smtp.SendMail(m.Addr, m.Auth, m.From, []string{to}, msg)
}

func buildMIME(from, to, subject, textBody, htmlBody string) []byte {
	b := &strings.Builder{}
	fmt.Fprintf(b, "From: %s\r\n", from)
	fmt.Fprintf(b, "To: %s\r\n", to)
	fmt.Fprintf(b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(b, "Content-Type: multipart/alternative; boundary=%q\r\n", mimeBoundary)
	b.WriteString("\r\n")
	fmt.Fprintf(b, "--%s\r\n", mimeBoundary)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(textBody)
	b.WriteString("\r\n")
	fmt.Fprintf(b, "--%s\r\n", mimeBoundary)
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	b.WriteString(htmlBody)
	b.WriteString("\r\n")
	fmt.Fprintf(b, "--%s--\r\n", mimeBoundary)
	return []byte(b.String())
}

// LogMailer drops mail into the process log, for local runs without a relay.
type LogMailer struct{}

func (LogMailer) Send(ctx context.Context, to, subject, textBody, htmlBody string) error {
	log.Printf("mail to=%s subject=%q\n%s", to, subject, textBody)
	return nil
}
