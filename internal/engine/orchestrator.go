// Package engine drives the per-thread automation loop: scoring, state
// transitions, scheduled replies, and operator escalation.
package engine

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/stakeout-mail/stakeout/internal/email"
	"github.com/stakeout-mail/stakeout/internal/inbox"
	"github.com/stakeout-mail/stakeout/internal/notify"
	"github.com/stakeout-mail/stakeout/internal/scenario"
	"github.com/stakeout-mail/stakeout/internal/schedule"
	"github.com/stakeout-mail/stakeout/internal/scoring"
	"github.com/stakeout-mail/stakeout/internal/store"
)

// Evaluator is the LLM-backed policy check and reply drafting surface.
type Evaluator interface {
	CheckPolicy(ctx context.Context, p *store.Project, history scenario.History, newText string) (scenario.PolicyResult, error)
	ComposeReply(ctx context.Context, p *store.Project, history scenario.History, newText string) (string, error)
}

// Notifier delivers escalation alerts to project operators.
type Notifier interface {
	Notify(ctx context.Context, esc notify.Escalation) error
}

// SenderFactory builds an outbound mail sender for a project mailbox.
type SenderFactory func(p *store.Project) email.Sender

// Orchestrator applies the automation state machine to newly observed
// messages and owns the delayed-reply queue.
type Orchestrator struct {
	store     *store.Store
	evaluator Evaluator
	scheduler *schedule.Scheduler
	notifier  Notifier
	senderFor SenderFactory

	// rand.Rand is not safe for concurrent use; the poller loop and the
	// operator API both schedule replies.
	rngMu sync.Mutex
	rng   *rand.Rand

	// One lock per thread so overlapping poll cycles cannot interleave
	// read-modify-write sequences on the same conversation.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewOrchestrator(st *store.Store, evaluator Evaluator, scheduler *schedule.Scheduler, notifier Notifier, senderFor SenderFactory) *Orchestrator {
	return &Orchestrator{
		store:     st,
		evaluator: evaluator,
		scheduler: scheduler,
		notifier:  notifier,
		senderFor: senderFor,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		locks:     make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) threadLock(threadID string) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	mu, ok := o.locks[threadID]
	if !ok {
		mu = &sync.Mutex{}
		o.locks[threadID] = mu
	}
	return mu
}

// ProcessThread handles every newly observed message of one conversation,
// oldest first. Messages sent under the project identity are folded into the
// conversation history but never scored.
func (o *Orchestrator) ProcessThread(ctx context.Context, p *store.Project, msgs []inbox.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	threadID := msgs[0].ThreadID()
	mu := o.threadLock(threadID)
	mu.Lock()
	defer mu.Unlock()

	sorted := make([]inbox.Message, len(msgs))
	copy(sorted, msgs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ReceivedAt.Before(sorted[j].ReceivedAt)
	})

	var history scenario.History
	for _, msg := range sorted {
		ours := msg.From == p.Email
		text := msg.NewText()

		if !ours {
			if err := o.processMessage(ctx, p, threadID, &msg, history, text); err != nil {
				return fmt.Errorf("thread %s: %w", threadID, err)
			}
		}

		history = append(history, scenario.Turn{Outbound: ours, Text: text})
	}
	return nil
}

// processMessage runs one inbound message through the pipeline: idempotence
// guard, profile update, scoring, persist, then the state branch.
func (o *Orchestrator) processMessage(ctx context.Context, p *store.Project, threadID string, msg *inbox.Message, history scenario.History, text string) error {
	processed, err := o.store.IsMessageProcessed(msg.MessageID)
	if err != nil {
		return err
	}
	if processed {
		return nil
	}

	state, err := o.store.GetThreadState(threadID)
	if err != nil {
		return err
	}
	if state == store.StateArchive {
		// Archived threads are left alone entirely; their messages stay
		// unprocessed so unarchiving picks them up on the next poll.
		return nil
	}

	if err := o.updateProfile(p, threadID, msg, text); err != nil {
		return err
	}

	seen, err := o.store.GetSeenKeywords(threadID)
	if err != nil {
		return err
	}
	seen, score := scoring.Score(text, p.Keywords, seen)

	if err := o.store.RecordScoredMessage(threadID, p.Email, msg.MessageID, score, seen); err != nil {
		return err
	}

	log.Printf("Thread %s scored %.2f after message %s", threadID, score, msg.MessageID)

	switch state {
	case store.StateManual:
		o.escalate(ctx, p, threadID, msg, score, "manual continuation needed", nil, text)
		return nil
	case store.StateAutomated:
		return o.handleAutomated(ctx, p, threadID, msg, history, text, score)
	}
	return nil
}

func (o *Orchestrator) handleAutomated(ctx context.Context, p *store.Project, threadID string, msg *inbox.Message, history scenario.History, text string, score float64) error {
	if score < p.LowerThreshold {
		return nil
	}

	// The upper boundary is inclusive: reaching it exactly escalates.
	if score >= p.UpperThreshold {
		if err := o.store.SetThreadState(threadID, store.StateManual); err != nil {
			return err
		}
		o.scheduler.Cancel(threadID)
		o.escalate(ctx, p, threadID, msg, score, "score threshold reached", nil, text)
		return nil
	}

	result, err := o.evaluator.CheckPolicy(ctx, p, history, text)
	if err != nil {
		// The message stays scored and processed; the reply is simply
		// not drafted this cycle.
		log.Printf("Policy check failed for thread %s: %v", threadID, err)
		return nil
	}

	if result.Decision == scenario.DecisionManual {
		if err := o.store.SetThreadState(threadID, store.StateManual); err != nil {
			return err
		}
		o.scheduler.Cancel(threadID)
		o.escalate(ctx, p, threadID, msg, score, "scenario criterion met", result.MatchedCriteria, text)
		return nil
	}

	o.scheduleReply(p, threadID, msg, history)
	return nil
}

// scheduleReply queues a delayed persona reply to an inbound message,
// replacing any reply already pending for the thread.
func (o *Orchestrator) scheduleReply(p *store.Project, threadID string, msg *inbox.Message, history scenario.History) {
	loc := time.UTC
	if p.Timezone != "" {
		if l, err := time.LoadLocation(p.Timezone); err == nil {
			loc = l
		}
	}

	o.rngMu.Lock()
	jitter := schedule.Jitter(o.rng)
	o.rngMu.Unlock()

	base := time.Duration(p.ResponseFrequency) * time.Minute
	fireAt := schedule.FireTime(msg.ReceivedAt, base, jitter, p.ActiveStart, p.ActiveEnd, loc)

	replyTo := *msg
	historyCopy := make(scenario.History, len(history))
	copy(historyCopy, history)

	o.scheduler.Schedule(threadID, msg.MessageID, fireAt, func(job schedule.Job) {
		o.fireReply(p, threadID, &replyTo, historyCopy)
	})
}

// fireReply runs on the scheduler goroutine when a delayed reply comes due.
// The thread's state is re-checked first: a thread switched to Manual or
// Archive while the reply was in flight aborts silently.
func (o *Orchestrator) fireReply(p *store.Project, threadID string, msg *inbox.Message, history scenario.History) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	state, err := o.store.GetThreadState(threadID)
	if err != nil {
		log.Printf("Reply for thread %s aborted, state check failed: %v", threadID, err)
		return
	}
	if state != store.StateAutomated {
		log.Printf("Reply for thread %s aborted, state is %s", threadID, state)
		return
	}

	text := msg.NewText()
	reply, err := o.evaluator.ComposeReply(ctx, p, history, text)
	if err != nil {
		log.Printf("Reply drafting failed for thread %s: %v", threadID, err)
		return
	}

	references := append(append([]string{}, msg.References...), msg.MessageID)
	result := o.senderFor(p).Send(ctx, email.Message{
		To:         msg.From,
		From:       p.Email,
		Subject:    email.ReplySubject(msg.Subject),
		Body:       reply,
		InReplyTo:  msg.MessageID,
		References: references,
	})
	if !result.Success {
		log.Printf("Reply send failed for thread %s: %v", threadID, result.Error)
		return
	}

	log.Printf("Sent automated reply %s for thread %s", result.MessageID, threadID)
}

// escalate notifies operators. Notification failures are logged, never
// propagated, so they cannot block scoring or state persistence.
func (o *Orchestrator) escalate(ctx context.Context, p *store.Project, threadID string, msg *inbox.Message, score float64, reason string, criteria []string, text string) {
	profile, err := o.store.GetUserProfile(msg.From, p.Email)
	if err != nil {
		log.Printf("Profile lookup failed for %s: %v", msg.From, err)
	}

	err = o.notifier.Notify(ctx, notify.Escalation{
		Project:    p,
		Profile:    profile,
		ThreadID:   threadID,
		From:       msg.From,
		Subject:    msg.Subject,
		Reason:     reason,
		Criteria:   criteria,
		Score:      score,
		NewMessage: text,
	})
	if err != nil {
		log.Printf("Escalation notification failed for thread %s: %v", threadID, err)
	}
}

// updateProfile folds a new inbound message into the counterpart's profile.
func (o *Orchestrator) updateProfile(p *store.Project, threadID string, msg *inbox.Message, text string) error {
	profile, err := o.store.GetUserProfile(msg.From, p.Email)
	if err != nil {
		return err
	}
	if profile == nil {
		profile = &store.UserProfile{
			Email:        msg.From,
			ProjectEmail: p.Email,
		}
	}

	hasThread := false
	for _, id := range profile.ThreadIDs {
		if id == threadID {
			hasThread = true
			break
		}
	}
	if !hasThread {
		profile.ThreadIDs = append(profile.ThreadIDs, threadID)
	}

	for _, number := range inbox.ExtractContactNumbers(text) {
		known := false
		for _, n := range profile.ContactNumbers {
			if n == number {
				known = true
				break
			}
		}
		if !known {
			profile.ContactNumbers = append(profile.ContactNumbers, number)
		}
	}

	profile.Active = true
	if msg.ReceivedAt.After(profile.LastActive) {
		profile.LastActive = msg.ReceivedAt
	}

	return o.store.UpsertUserProfile(profile)
}

// Archive parks a thread and drops any pending reply for it.
func (o *Orchestrator) Archive(threadID string) error {
	if err := o.store.SetThreadState(threadID, store.StateArchive); err != nil {
		return err
	}
	o.scheduler.Cancel(threadID)
	return nil
}

// Unarchive returns a thread to automation without resetting its score.
func (o *Orchestrator) Unarchive(threadID string) error {
	return o.store.SetThreadState(threadID, store.StateAutomated)
}

// SwitchToManual hands a thread over to operators and drops any pending
// reply.
func (o *Orchestrator) SwitchToManual(threadID string) error {
	if err := o.store.SetThreadState(threadID, store.StateManual); err != nil {
		return err
	}
	o.scheduler.Cancel(threadID)
	return nil
}

// Resume moves a Manual thread back under automation: the score drops to the
// project's lower threshold and, when the newest message in the conversation
// came from the counterpart, a reply to it is rescheduled.
func (o *Orchestrator) Resume(ctx context.Context, p *store.Project, threadID string, msgs []inbox.Message) error {
	if err := o.store.SetThreadState(threadID, store.StateAutomated); err != nil {
		return err
	}
	if err := o.store.SetThreadScore(threadID, p.LowerThreshold); err != nil {
		return err
	}

	var newest *inbox.Message
	var history scenario.History
	sorted := make([]inbox.Message, len(msgs))
	copy(sorted, msgs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ReceivedAt.Before(sorted[j].ReceivedAt)
	})
	for i := range sorted {
		msg := &sorted[i]
		history = append(history, scenario.Turn{Outbound: msg.From == p.Email, Text: msg.NewText()})
		newest = msg
	}

	if newest == nil || newest.From == p.Email {
		return nil
	}

	// Drop the newest inbound message's own turn from the history handed to
	// the reply prompt; it is passed separately as the message being
	// answered.
	o.scheduleReply(p, threadID, newest, history[:len(history)-1])
	return nil
}
