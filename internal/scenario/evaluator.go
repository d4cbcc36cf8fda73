// Package scenario drives the LLM policy check and persona reply generation
// for a project's conversations.
package scenario

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/stakeout-mail/stakeout/internal/llm"
	"github.com/stakeout-mail/stakeout/internal/store"
)

//go:embed templates/*.tmpl
var embeddedTemplates embed.FS

// Marker phrases the policy prompt asks the model to answer with. Matching
// is by substring on the lowercased response.
const (
	markerManual    = "manual switch needed"
	markerAutomated = "automated reply should be generated"
)

// Decision is the outcome of a policy check.
type Decision int

const (
	// DecisionAutomate keeps the thread under automation. Ambiguous or
	// unparseable model output resolves here.
	DecisionAutomate Decision = iota
	DecisionManual
)

func (d Decision) String() string {
	if d == DecisionManual {
		return "manual"
	}
	return "automate"
}

// PolicyResult carries the parsed policy decision.
type PolicyResult struct {
	Decision         Decision
	MatchedCriteria  []string // Project criteria quoted in the response, if any
	Raw              string   // Full model response, kept for operator review
}

// Turn is one prior message in a conversation, from either side.
type Turn struct {
	Outbound bool // true when we sent it
	Text     string
}

// History is a conversation transcript, oldest first.
type History []Turn

// Render flattens the transcript for a prompt.
func (h History) Render() string {
	var b strings.Builder
	for _, t := range h {
		if t.Outbound {
			b.WriteString("We replied: ")
		} else {
			b.WriteString("They sent: ")
		}
		b.WriteString(t.Text)
		b.WriteString("\n")
	}
	return b.String()
}

// promptData is what the embedded templates see.
type promptData struct {
	PersonaName     string
	PersonaAge      int
	PersonaSex      string
	PersonaLocation string
	Prompt          string
	Criteria        []string
}

// Evaluator renders prompts and interprets model output.
type Evaluator struct {
	completer  llm.Completer
	policyTmpl *template.Template
	replyTmpl  *template.Template
}

func NewEvaluator(completer llm.Completer) (*Evaluator, error) {
	e := &Evaluator{completer: completer}

	for _, t := range []struct {
		name string
		dst  **template.Template
	}{
		{"policy", &e.policyTmpl},
		{"reply", &e.replyTmpl},
	} {
		content, err := embeddedTemplates.ReadFile("templates/" + t.name + ".tmpl")
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded template %s: %w", t.name, err)
		}
		tmpl, err := template.New(t.name).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", t.name, err)
		}
		*t.dst = tmpl
	}

	return e, nil
}

func dataFor(p *store.Project) promptData {
	return promptData{
		PersonaName:     p.PersonaName,
		PersonaAge:      p.PersonaAge,
		PersonaSex:      p.PersonaSex,
		PersonaLocation: p.PersonaLocation,
		Prompt:          p.Prompt,
		Criteria:        p.Criteria,
	}
}

func renderUserMessage(history History, newText string) string {
	var b strings.Builder
	transcript := history.Render()
	if transcript != "" {
		b.WriteString("Conversation so far:\n")
		b.WriteString(transcript)
		b.WriteString("\n")
	}
	b.WriteString("Newest message from them:\n")
	b.WriteString(newText)
	return b.String()
}

// CheckPolicy asks the model whether any project criterion is met by the
// conversation. A thread with no criteria never needs the model.
func (e *Evaluator) CheckPolicy(ctx context.Context, p *store.Project, history History, newText string) (PolicyResult, error) {
	if len(p.Criteria) == 0 {
		return PolicyResult{Decision: DecisionAutomate}, nil
	}

	var prompt bytes.Buffer
	if err := e.policyTmpl.Execute(&prompt, dataFor(p)); err != nil {
		return PolicyResult{}, fmt.Errorf("failed to render policy prompt: %w", err)
	}

	response, err := e.completer.Complete(ctx, prompt.String(), renderUserMessage(history, newText))
	if err != nil {
		return PolicyResult{}, fmt.Errorf("policy check failed: %w", err)
	}

	return parsePolicyResponse(response, p.Criteria), nil
}

// parsePolicyResponse reads the marker phrases out of a model response.
// A response carrying both markers, or neither, is ambiguous and resolves to
// automation.
func parsePolicyResponse(response string, criteria []string) PolicyResult {
	result := PolicyResult{Decision: DecisionAutomate, Raw: response}

	lower := strings.ToLower(response)
	hasManual := strings.Contains(lower, markerManual)
	hasAutomated := strings.Contains(lower, markerAutomated)

	if !hasManual || hasAutomated {
		return result
	}

	result.Decision = DecisionManual
	for _, c := range criteria {
		if c != "" && strings.Contains(response, c) {
			result.MatchedCriteria = append(result.MatchedCriteria, c)
		}
	}
	return result
}

// ComposeReply generates the persona's next reply to the conversation.
func (e *Evaluator) ComposeReply(ctx context.Context, p *store.Project, history History, newText string) (string, error) {
	var prompt bytes.Buffer
	if err := e.replyTmpl.Execute(&prompt, dataFor(p)); err != nil {
		return "", fmt.Errorf("failed to render reply prompt: %w", err)
	}

	reply, err := e.completer.Complete(ctx, prompt.String(), renderUserMessage(history, newText))
	if err != nil {
		return "", fmt.Errorf("reply generation failed: %w", err)
	}

	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", fmt.Errorf("reply generation returned empty response")
	}
	return reply, nil
}
