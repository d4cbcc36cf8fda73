// Package schedule delays automated replies so they land at believable,
// human-looking times.
package schedule

import (
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// JitterRange is the half-width of the random offset added to each delay.
	JitterRange = 10 * time.Minute
	// MinDelay is the floor applied after jitter so a reply never goes out
	// nearly instantly.
	MinDelay = 5 * time.Minute
)

// Jitter draws a uniform offset in (-JitterRange, +JitterRange).
func Jitter(rng *rand.Rand) time.Duration {
	return time.Duration(rng.Int63n(int64(2*JitterRange))) - JitterRange
}

// FireTime computes when a reply should go out: the base delay plus jitter,
// floored at MinDelay, then clamped into the project's active hours in its
// timezone. A time before active hours moves to the same day's opening hour;
// a time at or past the closing hour moves to the next day's opening hour.
func FireTime(now time.Time, base, jitter time.Duration, activeStart, activeEnd int, loc *time.Location) time.Time {
	delay := base + jitter
	if delay < MinDelay {
		delay = MinDelay
	}
	t := now.Add(delay).In(loc)

	if t.Hour() < activeStart {
		return time.Date(t.Year(), t.Month(), t.Day(), activeStart, 0, 0, 0, loc)
	}
	if t.Hour() >= activeEnd {
		next := t.AddDate(0, 0, 1)
		return time.Date(next.Year(), next.Month(), next.Day(), activeStart, 0, 0, 0, loc)
	}
	return t
}

// Job is one pending delayed reply.
type Job struct {
	ID        string
	ThreadID  string
	MessageID string // Inbound message the reply answers
	FireAt    time.Time
}

// Callback runs when a job's timer fires. It runs on the timer goroutine.
type Callback func(job Job)

type pending struct {
	job   Job
	fn    Callback
	timer *time.Timer
}

// Scheduler keeps at most one pending reply per thread. Scheduling a reply
// for a thread that already has one replaces it, so only the newest inbound
// message gets answered.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*pending
	stopped bool
}

func New() *Scheduler {
	return &Scheduler{
		jobs: make(map[string]*pending),
	}
}

// Schedule queues a reply for a thread, replacing any pending one.
func (s *Scheduler) Schedule(threadID, messageID string, fireAt time.Time, fn Callback) Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.jobs[threadID]; ok {
		old.timer.Stop()
		log.Printf("Replacing pending reply for thread %s", threadID)
	}

	job := Job{
		ID:        uuid.New().String(),
		ThreadID:  threadID,
		MessageID: messageID,
		FireAt:    fireAt,
	}

	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}

	p := &pending{job: job, fn: fn}
	p.timer = time.AfterFunc(delay, func() { s.fire(threadID, job.ID) })
	s.jobs[threadID] = p

	log.Printf("Scheduled reply for thread %s at %s", threadID, fireAt.Format(time.RFC3339))
	return job
}

func (s *Scheduler) fire(threadID, jobID string) {
	s.mu.Lock()
	p, ok := s.jobs[threadID]
	if !ok || p.job.ID != jobID || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.jobs, threadID)
	s.mu.Unlock()

	p.fn(p.job)
}

// Cancel drops the pending reply for a thread, reporting whether one existed.
func (s *Scheduler) Cancel(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.jobs[threadID]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(s.jobs, threadID)
	log.Printf("Cancelled pending reply for thread %s", threadID)
	return true
}

// Pending returns the queued job for a thread, if any.
func (s *Scheduler) Pending(threadID string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.jobs[threadID]
	if !ok {
		return Job{}, false
	}
	return p.job, true
}

// PendingCount returns how many replies are queued.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Stop cancels every pending reply. The scheduler cannot be reused after.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for threadID, p := range s.jobs {
		p.timer.Stop()
		delete(s.jobs, threadID)
	}
}
