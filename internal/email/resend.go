package email

import (
	"context"
	"fmt"
	"strings"

	"github.com/resend/resend-go/v2"
)

type ResendSender struct {
	client *resend.Client
	from   string
}

func NewResendSender(apiKey, from string) *ResendSender {
	return &ResendSender{client: resend.NewClient(apiKey), from: from}
}

func (r *ResendSender) Name() string { return "resend" }

func (r *ResendSender) Send(ctx context.Context, msg Message) Result {
	if msg.From == "" {
		msg.From = r.from
	}
	if err := validateMessage(msg); err != nil {
		return Result{Success: false, Error: err}
	}

	params := &resend.SendEmailRequest{
		From:    msg.From,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Text:    msg.Body,
	}
	if msg.InReplyTo != "" {
		params.Headers = map[string]string{"In-Reply-To": msg.InReplyTo}
		if len(msg.References) > 0 {
			params.Headers["References"] = strings.Join(msg.References, " ")
		}
	}

	sent, err := r.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return Result{Success: false, Error: fmt.Errorf("failed to send email: %w", err)}
	}

	return Result{Success: true, MessageID: sent.Id}
}
