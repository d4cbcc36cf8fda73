package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/stakeout-mail/stakeout/internal/inbox"
	"github.com/stakeout-mail/stakeout/internal/store"
)

// MessageSource fetches recent inbound mail for a project mailbox.
type MessageSource interface {
	Fetch(ctx context.Context, p *store.Project, days int) ([]inbox.Message, error)
}

// IMAPSource fetches over IMAP using each project's own credentials.
type IMAPSource struct{}

func (IMAPSource) Fetch(ctx context.Context, p *store.Project, days int) ([]inbox.Message, error) {
	f := inbox.NewFetcher(p.IMAPHost, p.IMAPPort, p.Email, p.AppPassword)
	if err := f.Connect(ctx); err != nil {
		return nil, err
	}
	defer f.Disconnect()

	return f.FetchRecentMessages(ctx, days)
}

// profileStaleness is how long a counterpart can stay silent before their
// profile is flagged inactive.
const profileStaleness = 30 * 24 * time.Hour

// Poller sweeps every configured project on a fixed interval and hands each
// conversation to the orchestrator.
type Poller struct {
	store        *store.Store
	orchestrator *Orchestrator
	source       MessageSource
	interval     time.Duration
	windowDays   int
}

func NewPoller(st *store.Store, orch *Orchestrator, source MessageSource, interval time.Duration, windowDays int) *Poller {
	return &Poller{
		store:        st,
		orchestrator: orch,
		source:       source,
		interval:     interval,
		windowDays:   windowDays,
	}
}

// Run polls until the context is cancelled, starting with an immediate
// sweep.
func (p *Poller) Run(ctx context.Context) error {
	log.Printf("Poller running every %s with a %d-day window", p.interval, p.windowDays)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.PollAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.PollAll(ctx)
		}
	}
}

// PollAll sweeps every project. One project's failure never stops the rest.
func (p *Poller) PollAll(ctx context.Context) {
	projects, err := p.store.ListProjects()
	if err != nil {
		log.Printf("Poll skipped, failed to list projects: %v", err)
		return
	}

	for i := range projects {
		if err := p.PollProject(ctx, &projects[i]); err != nil {
			log.Printf("Poll failed for project %s: %v", projects[i].Email, err)
		}
	}

	cutoff := time.Now().Add(-profileStaleness)
	if n, err := p.store.MarkStaleProfilesInactive(cutoff); err != nil {
		log.Printf("Staleness sweep failed: %v", err)
	} else if n > 0 {
		log.Printf("Marked %d counterpart profiles inactive", n)
	}
}

// PollProject fetches one project's mailbox, groups messages into threads,
// and processes each thread. Thread failures are isolated from each other.
func (p *Poller) PollProject(ctx context.Context, project *store.Project) error {
	msgs, err := p.source.Fetch(ctx, project, p.windowDays)
	if err != nil {
		return fmt.Errorf("failed to fetch mail: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	threads := GroupByThread(msgs)
	log.Printf("Project %s: %d messages in %d threads", project.Email, len(msgs), len(threads))

	for threadID, threadMsgs := range threads {
		if err := p.orchestrator.ProcessThread(ctx, project, threadMsgs); err != nil {
			log.Printf("Thread %s failed: %v", threadID, err)
		}
	}
	return nil
}

// GroupByThread buckets messages by conversation key.
func GroupByThread(msgs []inbox.Message) map[string][]inbox.Message {
	threads := make(map[string][]inbox.Message)
	for _, m := range msgs {
		id := m.ThreadID()
		threads[id] = append(threads[id], m)
	}
	return threads
}
