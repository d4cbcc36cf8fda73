// Package notify sends escalation emails to a project's operators.
package notify

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/stakeout-mail/stakeout/internal/email"
	"github.com/stakeout-mail/stakeout/internal/store"
)

// Escalation describes why a thread left automation.
type Escalation struct {
	Project    *store.Project
	Profile    *store.UserProfile // Counterpart profile, when one exists
	ThreadID   string
	From       string // Counterpart address
	Subject    string
	Reason     string   // "score threshold reached" or "scenario criterion met"
	Criteria   []string // Matched criteria text, when the reason is a criterion match
	Score      float64
	NewMessage string // The message that triggered the escalation
}

// Notifier fans escalations out to every operator on the project.
type Notifier struct {
	sender email.Sender
}

func New(sender email.Sender) *Notifier {
	return &Notifier{sender: sender}
}

// Notify emails every operator. A failure for one operator does not stop
// delivery to the rest; the first error is returned.
func (n *Notifier) Notify(ctx context.Context, esc Escalation) error {
	if len(esc.Project.Operators) == 0 {
		log.Printf("No operators configured for project %s, skipping notification", esc.Project.Email)
		return nil
	}

	subject := fmt.Sprintf("[%s] Thread needs manual takeover: %s", esc.Project.Name, esc.Subject)
	body := buildBody(esc)

	var firstErr error
	for _, operator := range esc.Project.Operators {
		result := n.sender.Send(ctx, email.Message{
			To:      operator,
			Subject: subject,
			Body:    body,
		})
		if !result.Success {
			log.Printf("Failed to notify operator %s: %v", operator, result.Error)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to notify %s: %w", operator, result.Error)
			}
			continue
		}
		log.Printf("Notified operator %s about thread %s", operator, esc.ThreadID)
	}
	return firstErr
}

func buildBody(esc Escalation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A conversation was switched to manual handling.\n\n")
	fmt.Fprintf(&b, "Project: %s (%s)\n", esc.Project.Name, esc.Project.Email)
	fmt.Fprintf(&b, "Counterpart: %s\n", esc.From)
	if p := esc.Profile; p != nil {
		if len(p.ContactNumbers) > 0 {
			fmt.Fprintf(&b, "Known contact numbers: %s\n", strings.Join(p.ContactNumbers, ", "))
		}
		fmt.Fprintf(&b, "Conversations with this counterpart: %d\n", len(p.ThreadIDs))
		if p.Remarks != "" {
			fmt.Fprintf(&b, "Operator remarks: %s\n", p.Remarks)
		}
	}
	fmt.Fprintf(&b, "Thread: %s\n", esc.ThreadID)
	fmt.Fprintf(&b, "Time: %s\n\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(&b, "Reason: %s\n", esc.Reason)
	for _, criterion := range esc.Criteria {
		fmt.Fprintf(&b, "Matched criterion: %s\n", criterion)
	}
	fmt.Fprintf(&b, "Current score: %.2f\n\n", esc.Score)
	fmt.Fprintf(&b, "Triggering message:\n%s\n\n", esc.NewMessage)
	fmt.Fprintf(&b, "Continue the conversation directly from the project mailbox %s.\n", esc.Project.Email)
	fmt.Fprintf(&b, "This is an automated notification; do not reply to this address.\n")
	return b.String()
}
