package scenario

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/stakeout-mail/stakeout/internal/store"
)

// fakeCompleter returns a canned response and records the prompts it saw.
type fakeCompleter struct {
	response     string
	err          error
	systemPrompt string
	userMessage  string
	calls        int
}

func (f *fakeCompleter) Complete(_ context.Context, systemPrompt, userMessage string) (string, error) {
	f.calls++
	f.systemPrompt = systemPrompt
	f.userMessage = userMessage
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func testScenarioProject() *store.Project {
	return &store.Project{
		Email:           "buyer@example.com",
		PersonaName:     "Alex Carter",
		PersonaAge:      34,
		PersonaSex:      "male",
		PersonaLocation: "Newark",
		Prompt:          "You are buying used watches from online sellers.",
		Criteria: []string{
			"seller proposes an in-person meeting",
			"seller asks for payment up front",
		},
	}
}

func TestParsePolicyResponse(t *testing.T) {
	criteria := testScenarioProject().Criteria

	tests := []struct {
		name         string
		response     string
		wantDecision Decision
		wantCriteria []string
	}{
		{
			name:         "manual with criterion",
			response:     "manual switch needed\nseller proposes an in-person meeting",
			wantDecision: DecisionManual,
			wantCriteria: []string{"seller proposes an in-person meeting"},
		},
		{
			name:         "manual with every criterion quoted",
			response:     "manual switch needed\nseller proposes an in-person meeting\nseller asks for payment up front",
			wantDecision: DecisionManual,
			wantCriteria: []string{"seller proposes an in-person meeting", "seller asks for payment up front"},
		},
		{
			name:         "automated",
			response:     "automated reply should be generated",
			wantDecision: DecisionAutomate,
		},
		{
			name:         "manual marker in mixed case",
			response:     "Manual Switch Needed",
			wantDecision: DecisionManual,
		},
		{
			name:         "both markers is ambiguous",
			response:     "manual switch needed but also automated reply should be generated",
			wantDecision: DecisionAutomate,
		},
		{
			name:         "no marker at all",
			response:     "I am not sure what to do here.",
			wantDecision: DecisionAutomate,
		},
		{
			name:         "empty response",
			response:     "",
			wantDecision: DecisionAutomate,
		},
		{
			name:         "manual without quoted criterion",
			response:     "manual switch needed, the seller wants to meet",
			wantDecision: DecisionManual,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parsePolicyResponse(tt.response, criteria)
			if got.Decision != tt.wantDecision {
				t.Errorf("Decision = %v, want %v", got.Decision, tt.wantDecision)
			}
			if !reflect.DeepEqual(got.MatchedCriteria, tt.wantCriteria) {
				t.Errorf("MatchedCriteria = %q, want %q", got.MatchedCriteria, tt.wantCriteria)
			}
			if got.Raw != tt.response {
				t.Errorf("Raw = %q, want original response", got.Raw)
			}
		})
	}
}

func TestCheckPolicySkipsModelWithoutCriteria(t *testing.T) {
	fake := &fakeCompleter{response: "manual switch needed"}
	e, err := NewEvaluator(fake)
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}

	p := testScenarioProject()
	p.Criteria = nil

	result, err := e.CheckPolicy(context.Background(), p, nil, "hey")
	if err != nil {
		t.Fatalf("CheckPolicy() error = %v", err)
	}
	if result.Decision != DecisionAutomate {
		t.Errorf("Decision = %v, want %v", result.Decision, DecisionAutomate)
	}
	if fake.calls != 0 {
		t.Errorf("completer called %d times, want 0", fake.calls)
	}
}

func TestCheckPolicyPromptContents(t *testing.T) {
	fake := &fakeCompleter{response: "automated reply should be generated"}
	e, err := NewEvaluator(fake)
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}

	history := History{
		{Outbound: true, Text: "Hi, are the watches still available?"},
		{Outbound: false, Text: "Yes, all three."},
	}

	if _, err := e.CheckPolicy(context.Background(), testScenarioProject(), history, "Want to meet downtown?"); err != nil {
		t.Fatalf("CheckPolicy() error = %v", err)
	}

	for _, want := range []string{"Alex Carter", "seller proposes an in-person meeting", markerManual, markerAutomated} {
		if !strings.Contains(fake.systemPrompt, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	for _, want := range []string{"We replied: Hi, are the watches still available?", "They sent: Yes, all three.", "Want to meet downtown?"} {
		if !strings.Contains(fake.userMessage, want) {
			t.Errorf("user message missing %q", want)
		}
	}
}

func TestComposeReply(t *testing.T) {
	fake := &fakeCompleter{response: "  Hello! Are the watches still up for grabs?\n\nAlex Carter  "}
	e, err := NewEvaluator(fake)
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}

	reply, err := e.ComposeReply(context.Background(), testScenarioProject(), nil, "Selling three watches, barely used.")
	if err != nil {
		t.Fatalf("ComposeReply() error = %v", err)
	}
	if !strings.HasPrefix(reply, "Hello") {
		t.Errorf("reply = %q, want leading whitespace trimmed", reply)
	}
	if !strings.Contains(fake.systemPrompt, "Newark") {
		t.Error("reply prompt missing persona location")
	}
}

func TestComposeReplyEmptyResponse(t *testing.T) {
	fake := &fakeCompleter{response: "   "}
	e, err := NewEvaluator(fake)
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}

	if _, err := e.ComposeReply(context.Background(), testScenarioProject(), nil, "hi"); err == nil {
		t.Error("ComposeReply() succeeded on empty model output, want error")
	}
}

func TestHistoryRender(t *testing.T) {
	h := History{
		{Outbound: false, Text: "first"},
		{Outbound: true, Text: "second"},
	}
	got := h.Render()
	want := "They sent: first\nWe replied: second\n"
	if got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}
