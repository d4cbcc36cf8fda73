package email

import (
	"context"
	"fmt"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

type SendGridSender struct {
	apiKey string
	from   string
}

func NewSendGridSender(apiKey, from string) *SendGridSender {
	return &SendGridSender{apiKey: apiKey, from: from}
}

func (s *SendGridSender) Name() string { return "sendgrid" }

// buildSendGridMessage assembles the API payload, including the threading
// headers so replies land in the existing conversation.
func buildSendGridMessage(msg Message) *sgmail.SGMailV3 {
	from := sgmail.NewEmail("", msg.From)
	to := sgmail.NewEmail("", msg.To)
	message := sgmail.NewSingleEmail(from, msg.Subject, to, msg.Body, msg.Body)
	if msg.InReplyTo != "" {
		message.SetHeader("In-Reply-To", msg.InReplyTo)
	}
	if len(msg.References) > 0 {
		message.SetHeader("References", strings.Join(msg.References, " "))
	}
	return message
}

func (s *SendGridSender) Send(ctx context.Context, msg Message) Result {
	if msg.From == "" {
		msg.From = s.from
	}
	if err := validateMessage(msg); err != nil {
		return Result{Success: false, Error: err}
	}

	client := sendgrid.NewSendClient(s.apiKey)
	response, err := client.SendWithContext(ctx, buildSendGridMessage(msg))
	if err != nil {
		return Result{Success: false, Error: fmt.Errorf("failed to send email: %w", err)}
	}
	if response.StatusCode >= 400 {
		return Result{Success: false, Error: fmt.Errorf("SendGrid API error: status %d", response.StatusCode)}
	}

	var messageID string
	if ids := response.Headers["X-Message-Id"]; len(ids) > 0 {
		messageID = ids[0]
	}
	return Result{Success: true, MessageID: messageID}
}
