package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stakeout-mail/stakeout/internal/email"
	"github.com/stakeout-mail/stakeout/internal/inbox"
	"github.com/stakeout-mail/stakeout/internal/notify"
	"github.com/stakeout-mail/stakeout/internal/scenario"
	"github.com/stakeout-mail/stakeout/internal/schedule"
	"github.com/stakeout-mail/stakeout/internal/store"
)

type fakeEvaluator struct {
	mu          sync.Mutex
	decision    scenario.Decision
	criteria    []string
	reply       string
	policyErr   error
	replyErr    error
	policyCalls int
	replyCalls  int
	histories   []scenario.History
}

func (f *fakeEvaluator) CheckPolicy(_ context.Context, _ *store.Project, history scenario.History, _ string) (scenario.PolicyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policyCalls++
	f.histories = append(f.histories, history)
	if f.policyErr != nil {
		return scenario.PolicyResult{}, f.policyErr
	}
	return scenario.PolicyResult{Decision: f.decision, MatchedCriteria: f.criteria}, nil
}

func (f *fakeEvaluator) ComposeReply(_ context.Context, _ *store.Project, _ scenario.History, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replyCalls++
	if f.replyErr != nil {
		return "", f.replyErr
	}
	return f.reply, nil
}

type fakeNotifier struct {
	mu          sync.Mutex
	escalations []notify.Escalation
}

func (f *fakeNotifier) Notify(_ context.Context, esc notify.Escalation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalations = append(f.escalations, esc)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.escalations)
}

func (f *fakeNotifier) last() notify.Escalation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.escalations[len(f.escalations)-1]
}

type fakeMailSender struct {
	mu   sync.Mutex
	sent []email.Message
	ch   chan email.Message
}

func (f *fakeMailSender) Name() string { return "fake" }

func (f *fakeMailSender) Send(_ context.Context, msg email.Message) email.Result {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	if f.ch != nil {
		f.ch <- msg
	}
	return email.Result{Success: true, MessageID: "<out>"}
}

type fixture struct {
	store     *store.Store
	orch      *Orchestrator
	evaluator *fakeEvaluator
	notifier  *fakeNotifier
	sender    *fakeMailSender
	scheduler *schedule.Scheduler
	project   *store.Project
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	evaluator := &fakeEvaluator{decision: scenario.DecisionAutomate, reply: "Hello, still interested!\n\nAlex Carter"}
	notifier := &fakeNotifier{}
	sender := &fakeMailSender{}
	scheduler := schedule.New()
	t.Cleanup(scheduler.Stop)

	orch := NewOrchestrator(st, evaluator, scheduler, notifier, func(*store.Project) email.Sender { return sender })

	project := &store.Project{
		Email:             "buyer@example.com",
		Name:              "watch-sting",
		Keywords:          map[string]int{"stolen": 2, "watches": 1},
		LowerThreshold:    20,
		UpperThreshold:    75,
		ResponseFrequency: 30,
		ActiveStart:       0,
		ActiveEnd:         24,
		Operators:         []string{"op@agency.example"},
	}

	return &fixture{store: st, orch: orch, evaluator: evaluator, notifier: notifier, sender: sender, scheduler: scheduler, project: project}
}

func inboundMessage(id, body string, at time.Time) inbox.Message {
	return inbox.Message{
		MessageID:  id,
		From:       "seller@example.com",
		To:         "buyer@example.com",
		Subject:    "watches for sale",
		Body:       body,
		ReceivedAt: at,
	}
}

func TestEndToEndEscalation(t *testing.T) {
	f := newFixture(t)

	// stolen:2 watches:1 -> raw 1/2 + 1/1 = 1.5 of max 2 -> 75.0, which
	// meets the inclusive upper threshold.
	msg := inboundMessage("<m1>", "these are stolen watches, cheap", time.Now())
	if err := f.orch.ProcessThread(context.Background(), f.project, []inbox.Message{msg}); err != nil {
		t.Fatalf("ProcessThread() error = %v", err)
	}

	thread, err := f.store.GetThread("<m1>")
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	if thread.Score != 75.0 {
		t.Errorf("score = %v, want 75.0", thread.Score)
	}
	if thread.State != store.StateManual {
		t.Errorf("state = %v, want %v", thread.State, store.StateManual)
	}
	if thread.SeenKeywords["stolen"] != 1 || thread.SeenKeywords["watches"] != 1 {
		t.Errorf("seen = %v, want stolen:1 watches:1", thread.SeenKeywords)
	}

	if f.notifier.count() != 1 {
		t.Fatalf("escalations = %d, want 1", f.notifier.count())
	}
	if got := f.notifier.last().Reason; got != "score threshold reached" {
		t.Errorf("reason = %q, want score threshold reached", got)
	}
	if _, pending := f.scheduler.Pending("<m1>"); pending {
		t.Error("reply scheduled for escalated thread")
	}
}

func TestIdempotence(t *testing.T) {
	f := newFixture(t)

	msg := inboundMessage("<m1>", "selling watches", time.Now())
	msgs := []inbox.Message{msg}

	for i := 0; i < 2; i++ {
		if err := f.orch.ProcessThread(context.Background(), f.project, msgs); err != nil {
			t.Fatalf("ProcessThread() run %d error = %v", i, err)
		}
	}

	thread, err := f.store.GetThread("<m1>")
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	// "watches" alone: raw 1/1 of max 2 -> 50. A second run must not
	// double-count.
	if thread.Score != 50.0 {
		t.Errorf("score after reprocessing = %v, want 50.0", thread.Score)
	}
	if f.evaluator.policyCalls != 1 {
		t.Errorf("policy calls = %d, want 1", f.evaluator.policyCalls)
	}
}

func TestBelowLowerThresholdNoAction(t *testing.T) {
	f := newFixture(t)

	msg := inboundMessage("<m1>", "hi there, nothing relevant", time.Now())
	if err := f.orch.ProcessThread(context.Background(), f.project, []inbox.Message{msg}); err != nil {
		t.Fatalf("ProcessThread() error = %v", err)
	}

	state, err := f.store.GetThreadState("<m1>")
	if err != nil {
		t.Fatalf("GetThreadState() error = %v", err)
	}
	if state != store.StateAutomated {
		t.Errorf("state = %v, want %v", state, store.StateAutomated)
	}
	if f.evaluator.policyCalls != 0 {
		t.Errorf("policy calls = %d, want 0 below the interest floor", f.evaluator.policyCalls)
	}
	if f.notifier.count() != 0 {
		t.Errorf("escalations = %d, want 0", f.notifier.count())
	}
	if _, pending := f.scheduler.Pending("<m1>"); pending {
		t.Error("reply scheduled below the interest floor")
	}
}

func TestMidBandSchedulesReply(t *testing.T) {
	f := newFixture(t)

	// "watches" alone scores 50, inside [20, 75).
	msg := inboundMessage("<m1>", "selling watches", time.Now())
	if err := f.orch.ProcessThread(context.Background(), f.project, []inbox.Message{msg}); err != nil {
		t.Fatalf("ProcessThread() error = %v", err)
	}

	if f.evaluator.policyCalls != 1 {
		t.Errorf("policy calls = %d, want 1", f.evaluator.policyCalls)
	}
	job, pending := f.scheduler.Pending("<m1>")
	if !pending {
		t.Fatal("no reply scheduled in the automation band")
	}
	if job.MessageID != "<m1>" {
		t.Errorf("scheduled reply for %q, want <m1>", job.MessageID)
	}
	if f.notifier.count() != 0 {
		t.Errorf("escalations = %d, want 0", f.notifier.count())
	}
}

func TestScenarioMatchEscalates(t *testing.T) {
	f := newFixture(t)
	f.evaluator.decision = scenario.DecisionManual
	f.evaluator.criteria = []string{"seller proposes an in-person meeting", "seller asks for payment up front"}

	msg := inboundMessage("<m1>", "selling watches, meet me downtown", time.Now())
	if err := f.orch.ProcessThread(context.Background(), f.project, []inbox.Message{msg}); err != nil {
		t.Fatalf("ProcessThread() error = %v", err)
	}

	state, _ := f.store.GetThreadState("<m1>")
	if state != store.StateManual {
		t.Errorf("state = %v, want %v", state, store.StateManual)
	}
	if f.notifier.count() != 1 {
		t.Fatalf("escalations = %d, want 1", f.notifier.count())
	}
	esc := f.notifier.last()
	if esc.Reason != "scenario criterion met" {
		t.Errorf("reason = %q, want scenario criterion met", esc.Reason)
	}
	if len(esc.Criteria) != 2 || esc.Criteria[0] != "seller proposes an in-person meeting" {
		t.Errorf("criteria = %q, want both matched criteria", esc.Criteria)
	}
	if _, pending := f.scheduler.Pending("<m1>"); pending {
		t.Error("reply scheduled despite scenario match")
	}
}

func TestManualThreadNeverAutoReplies(t *testing.T) {
	f := newFixture(t)

	first := inboundMessage("<m1>", "selling watches", time.Now())
	if err := f.orch.ProcessThread(context.Background(), f.project, []inbox.Message{first}); err != nil {
		t.Fatalf("ProcessThread() error = %v", err)
	}
	if err := f.orch.SwitchToManual("<m1>"); err != nil {
		t.Fatalf("SwitchToManual() error = %v", err)
	}
	if _, pending := f.scheduler.Pending("<m1>"); pending {
		t.Fatal("pending reply survived manual switch")
	}

	second := inboundMessage("<m2>", "stolen stolen watches", time.Now())
	second.References = []string{"<m1>"}
	if err := f.orch.ProcessThread(context.Background(), f.project, []inbox.Message{first, second}); err != nil {
		t.Fatalf("ProcessThread() error = %v", err)
	}

	state, _ := f.store.GetThreadState("<m1>")
	if state != store.StateManual {
		t.Errorf("state = %v, want thread kept Manual", state)
	}
	if _, pending := f.scheduler.Pending("<m1>"); pending {
		t.Error("reply scheduled for Manual thread")
	}
	if f.notifier.count() != 1 {
		t.Errorf("escalations = %d, want 1 manual-continuation notice", f.notifier.count())
	}
	if got := f.notifier.last().Reason; got != "manual continuation needed" {
		t.Errorf("reason = %q, want manual continuation needed", got)
	}
}

func TestArchivedThreadSkipped(t *testing.T) {
	f := newFixture(t)

	first := inboundMessage("<m1>", "selling watches", time.Now())
	if err := f.orch.ProcessThread(context.Background(), f.project, []inbox.Message{first}); err != nil {
		t.Fatalf("ProcessThread() error = %v", err)
	}
	if err := f.orch.Archive("<m1>"); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	second := inboundMessage("<m2>", "stolen watches", time.Now())
	second.References = []string{"<m1>"}
	if err := f.orch.ProcessThread(context.Background(), f.project, []inbox.Message{first, second}); err != nil {
		t.Fatalf("ProcessThread() error = %v", err)
	}

	// The archived thread keeps its pre-archive score and the message stays
	// unprocessed for a later unarchive.
	thread, _ := f.store.GetThread("<m1>")
	if thread.Score != 50.0 {
		t.Errorf("score = %v, want untouched 50.0", thread.Score)
	}
	processed, _ := f.store.IsMessageProcessed("<m2>")
	if processed {
		t.Error("message marked processed while thread archived")
	}
	if f.notifier.count() != 0 {
		t.Errorf("escalations = %d, want 0", f.notifier.count())
	}
}

func TestOwnMessagesFoldedIntoHistoryOnly(t *testing.T) {
	f := newFixture(t)

	ours := inbox.Message{
		MessageID:  "<ours>",
		From:       "buyer@example.com",
		To:         "seller@example.com",
		Subject:    "Re: watches",
		Body:       "Hello, are the watches still available?",
		References: []string{"<m1>"},
		ReceivedAt: time.Now().Add(-time.Hour),
	}
	first := inboundMessage("<m1>", "selling watches", time.Now().Add(-2*time.Hour))

	if err := f.orch.ProcessThread(context.Background(), f.project, []inbox.Message{ours, first}); err != nil {
		t.Fatalf("ProcessThread() error = %v", err)
	}

	processed, _ := f.store.IsMessageProcessed("<ours>")
	if processed {
		t.Error("our own message entered the processed set")
	}
	thread, _ := f.store.GetThread("<m1>")
	// Only the seller's "watches" counts: score 50.
	if thread.Score != 50.0 {
		t.Errorf("score = %v, want 50.0 from inbound text only", thread.Score)
	}
}

func TestFireReplyComposesAndSends(t *testing.T) {
	f := newFixture(t)
	f.sender.ch = make(chan email.Message, 1)

	msg := inboundMessage("<m1>", "selling watches", time.Now())
	msg.References = []string{"<root>"}
	if err := f.orch.ProcessThread(context.Background(), f.project, []inbox.Message{msg}); err != nil {
		t.Fatalf("ProcessThread() error = %v", err)
	}

	f.orch.fireReply(f.project, "<root>", &msg, nil)

	select {
	case sent := <-f.sender.ch:
		if sent.To != "seller@example.com" {
			t.Errorf("reply to = %q, want seller", sent.To)
		}
		if sent.Subject != "Re: watches for sale" {
			t.Errorf("subject = %q, want Re: prefixed", sent.Subject)
		}
		if sent.InReplyTo != "<m1>" {
			t.Errorf("In-Reply-To = %q, want <m1>", sent.InReplyTo)
		}
		if len(sent.References) != 2 || sent.References[1] != "<m1>" {
			t.Errorf("References = %v, want chain ending in <m1>", sent.References)
		}
	case <-time.After(time.Second):
		t.Fatal("reply never sent")
	}
}

func TestFireReplyAbortsWhenNotAutomated(t *testing.T) {
	f := newFixture(t)

	msg := inboundMessage("<m1>", "selling watches", time.Now())
	if err := f.orch.ProcessThread(context.Background(), f.project, []inbox.Message{msg}); err != nil {
		t.Fatalf("ProcessThread() error = %v", err)
	}
	if err := f.orch.SwitchToManual("<m1>"); err != nil {
		t.Fatalf("SwitchToManual() error = %v", err)
	}

	f.orch.fireReply(f.project, "<m1>", &msg, nil)

	if f.evaluator.replyCalls != 0 {
		t.Errorf("reply drafted %d times for non-Automated thread, want 0", f.evaluator.replyCalls)
	}
	if len(f.sender.sent) != 0 {
		t.Errorf("sent %d replies for non-Automated thread, want 0", len(f.sender.sent))
	}
}

func TestResumeResetsScoreAndReschedules(t *testing.T) {
	f := newFixture(t)

	msg := inboundMessage("<m1>", "these are stolen watches, cheap", time.Now())
	if err := f.orch.ProcessThread(context.Background(), f.project, []inbox.Message{msg}); err != nil {
		t.Fatalf("ProcessThread() error = %v", err)
	}

	// Escalated at 75; the operator hands it back.
	if err := f.orch.Resume(context.Background(), f.project, "<m1>", []inbox.Message{msg}); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	thread, _ := f.store.GetThread("<m1>")
	if thread.State != store.StateAutomated {
		t.Errorf("state = %v, want %v", thread.State, store.StateAutomated)
	}
	if thread.Score != f.project.LowerThreshold {
		t.Errorf("score = %v, want reset to lower threshold %v", thread.Score, f.project.LowerThreshold)
	}
	if _, pending := f.scheduler.Pending("<m1>"); !pending {
		t.Error("no reply rescheduled to the newest inbound message")
	}
}

func TestResumeSkipsRescheduleWhenWeSentLast(t *testing.T) {
	f := newFixture(t)

	msg := inboundMessage("<m1>", "these are stolen watches, cheap", time.Now().Add(-2*time.Hour))
	if err := f.orch.ProcessThread(context.Background(), f.project, []inbox.Message{msg}); err != nil {
		t.Fatalf("ProcessThread() error = %v", err)
	}

	ours := inbox.Message{
		MessageID:  "<ours>",
		From:       "buyer@example.com",
		References: []string{"<m1>"},
		ReceivedAt: time.Now().Add(-time.Hour),
	}

	if err := f.orch.Resume(context.Background(), f.project, "<m1>", []inbox.Message{msg, ours}); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if _, pending := f.scheduler.Pending("<m1>"); pending {
		t.Error("reply rescheduled although the newest message was ours")
	}
}

func TestPolicyFailureLeavesThreadScored(t *testing.T) {
	f := newFixture(t)
	f.evaluator.policyErr = fmt.Errorf("model timeout")

	msg := inboundMessage("<m1>", "selling watches", time.Now())
	if err := f.orch.ProcessThread(context.Background(), f.project, []inbox.Message{msg}); err != nil {
		t.Fatalf("ProcessThread() error = %v", err)
	}

	thread, _ := f.store.GetThread("<m1>")
	if thread.Score != 50.0 {
		t.Errorf("score = %v, want scoring persisted despite policy failure", thread.Score)
	}
	if _, pending := f.scheduler.Pending("<m1>"); pending {
		t.Error("reply scheduled despite failed policy check")
	}
}

func TestProfileUpdatedOnInbound(t *testing.T) {
	f := newFixture(t)

	msg := inboundMessage("<m1>", "selling watches, call 5551234567", time.Now())
	if err := f.orch.ProcessThread(context.Background(), f.project, []inbox.Message{msg}); err != nil {
		t.Fatalf("ProcessThread() error = %v", err)
	}

	profile, err := f.store.GetUserProfile("seller@example.com", "buyer@example.com")
	if err != nil {
		t.Fatalf("GetUserProfile() error = %v", err)
	}
	if profile == nil {
		t.Fatal("no profile created for counterpart")
	}
	if !profile.Active {
		t.Error("profile not active")
	}
	if len(profile.ThreadIDs) != 1 || profile.ThreadIDs[0] != "<m1>" {
		t.Errorf("thread ids = %v, want [<m1>]", profile.ThreadIDs)
	}
	if len(profile.ContactNumbers) != 1 || profile.ContactNumbers[0] != "5551234567" {
		t.Errorf("contact numbers = %v, want [5551234567]", profile.ContactNumbers)
	}
}

func TestPolicySeesOwnRepliesInTranscript(t *testing.T) {
	f := newFixture(t)

	first := inboundMessage("<m1>", "selling watches", time.Now().Add(-3*time.Hour))
	ours := inbox.Message{
		MessageID:  "<ours>",
		From:       "buyer@example.com",
		To:         "seller@example.com",
		Subject:    "Re: watches for sale",
		Body:       "Hello, are the watches still available?",
		References: []string{"<m1>"},
		ReceivedAt: time.Now().Add(-2 * time.Hour),
	}
	second := inboundMessage("<m2>", "yes, still selling watches", time.Now().Add(-time.Hour))
	second.References = []string{"<m1>"}

	if err := f.orch.ProcessThread(context.Background(), f.project, []inbox.Message{second, ours, first}); err != nil {
		t.Fatalf("ProcessThread() error = %v", err)
	}

	f.evaluator.mu.Lock()
	histories := f.evaluator.histories
	f.evaluator.mu.Unlock()

	if len(histories) != 2 {
		t.Fatalf("policy calls = %d, want 2", len(histories))
	}
	transcript := histories[1]
	if len(transcript) != 2 {
		t.Fatalf("transcript for <m2> has %d turns, want 2", len(transcript))
	}
	if transcript[0].Outbound || transcript[0].Text != "selling watches" {
		t.Errorf("first turn = %+v, want the seller's opening message", transcript[0])
	}
	if !transcript[1].Outbound || transcript[1].Text != "Hello, are the watches still available?" {
		t.Errorf("second turn = %+v, want our reply marked outbound", transcript[1])
	}
}

func TestConcurrentScheduleReplies(t *testing.T) {
	f := newFixture(t)

	// The poller loop and the operator API can schedule replies at the
	// same time; run under -race to catch shared-state regressions.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				id := fmt.Sprintf("<t%d-%d>", n, j)
				msg := inboundMessage(id, "selling watches", time.Now())
				f.orch.scheduleReply(f.project, id, &msg, nil)
			}
		}(i)
	}
	wg.Wait()

	if got := f.scheduler.PendingCount(); got != 100 {
		t.Errorf("pending replies = %d, want 100", got)
	}
}

func TestGroupByThread(t *testing.T) {
	a1 := inboundMessage("<a1>", "x", time.Now())
	a2 := inboundMessage("<a2>", "y", time.Now())
	a2.References = []string{"<a1>"}
	b := inboundMessage("<b1>", "z", time.Now())

	threads := GroupByThread([]inbox.Message{a1, a2, b})
	if len(threads) != 2 {
		t.Fatalf("grouped into %d threads, want 2", len(threads))
	}
	if len(threads["<a1>"]) != 2 {
		t.Errorf("thread <a1> has %d messages, want 2", len(threads["<a1>"]))
	}
	if len(threads["<b1>"]) != 1 {
		t.Errorf("thread <b1> has %d messages, want 1", len(threads["<b1>"]))
	}
}
