package email

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"github.com/stakeout-mail/stakeout/internal/config"
)

// Message is an outbound email. InReplyTo and References thread the message
// into an existing conversation when set.
type Message struct {
	To         string
	From       string
	Subject    string
	Body       string
	InReplyTo  string
	References []string
}

type Result struct {
	Success   bool
	MessageID string
	Error     error
}

type Sender interface {
	Send(ctx context.Context, msg Message) Result
	Name() string
}

// NewNotifySender builds the sender for operator notifications from config.
func NewNotifySender(cfg config.NotifyConfig) (Sender, error) {
	switch cfg.Provider {
	case "", "smtp":
		return NewSMTPSender(cfg.SMTP, cfg.From), nil
	case "sendgrid":
		return NewSendGridSender(cfg.SendGridAPIKey, cfg.From), nil
	case "resend":
		return NewResendSender(cfg.ResendAPIKey, cfg.From), nil
	}
	return nil, fmt.Errorf("unknown email provider: %s", cfg.Provider)
}

// ValidateEmail checks for injection characters and RFC 5322 compliance
func ValidateEmail(email string) error {
	if strings.ContainsAny(email, "\r\n,;") {
		return fmt.Errorf("email contains invalid characters")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("invalid email format: %w", err)
	}
	return nil
}

func validateMessage(msg Message) error {
	if err := ValidateEmail(msg.From); err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if err := ValidateEmail(msg.To); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	if strings.ContainsAny(msg.Subject, "\r\n") {
		return fmt.Errorf("subject contains invalid characters")
	}
	return nil
}

// generateMessageID builds a Message-ID using the sender's domain.
func generateMessageID(from string) string {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 {
		domain = from[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.New().String(), domain)
}

// ReplySubject prefixes a subject with "Re: " unless it already carries one.
func ReplySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}
