// Package web is the JSON operator API: project setup, thread state
// overrides, and manual poll triggers.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stakeout-mail/stakeout/internal/engine"
	"github.com/stakeout-mail/stakeout/internal/store"
)

const (
	defaultRateLimit  = 60
	defaultRateWindow = time.Minute
)

type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimiter) filterRecent(times []time.Time, windowStart time.Time) []time.Time {
	n := 0
	for _, t := range times {
		if t.After(windowStart) {
			times[n] = t
			n++
		}
	}
	return times[:n]
}

func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	recent := rl.filterRecent(rl.requests[key], now.Add(-rl.window))

	if len(recent) >= rl.limit {
		rl.requests[key] = recent
		return false
	}
	rl.requests[key] = append(recent, now)
	return true
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		windowStart := time.Now().Add(-rl.window)
		for key, times := range rl.requests {
			recent := rl.filterRecent(times, windowStart)
			if len(recent) == 0 {
				delete(rl.requests, key)
			} else {
				rl.requests[key] = recent
			}
		}
		rl.mu.Unlock()
	}
}

type Server struct {
	store        *store.Store
	orchestrator *engine.Orchestrator
	poller       *engine.Poller
	source       engine.MessageSource
	windowDays   int
	rateLimiter  *RateLimiter
	httpServer   *http.Server
	port         int
}

func NewServer(port int, st *store.Store, orch *engine.Orchestrator, poller *engine.Poller, source engine.MessageSource, windowDays int) *Server {
	return &Server{
		store:        st,
		orchestrator: orch,
		poller:       poller,
		source:       source,
		windowDays:   windowDays,
		rateLimiter:  NewRateLimiter(defaultRateLimit, defaultRateWindow),
		port:         port,
	}
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", s.port),
		Handler:      s.setupRouter(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	log.Printf("Operator API listening on http://127.0.0.1:%d", s.port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(s.rateLimit)

	r.Route("/api", func(r chi.Router) {
		r.Get("/projects", s.handleListProjects)
		r.Post("/projects", s.handleSaveProject)
		r.Get("/projects/{email}/threads", s.handleListThreads)
		r.Get("/projects/{email}/profiles", s.handleListProfiles)
		r.Get("/projects/{email}/stats", s.handleProjectStats)
		r.Post("/projects/{email}/poll", s.handlePollProject)
		r.Post("/poll", s.handlePollAll)
		r.Post("/threads/archive", s.handleThreadAction(s.orchestrator.Archive))
		r.Post("/threads/unarchive", s.handleThreadAction(s.orchestrator.Unarchive))
		r.Post("/threads/manual", s.handleThreadAction(s.orchestrator.SwitchToManual))
		r.Post("/threads/resume", s.handleResume)
	})

	return r
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.rateLimiter.Allow(r.RemoteAddr) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// projectView hides mailbox credentials from API responses.
type projectView struct {
	Email             string         `json:"email"`
	Name              string         `json:"name"`
	PersonaName       string         `json:"persona_name"`
	Keywords          map[string]int `json:"keywords"`
	LowerThreshold    float64        `json:"lower_threshold"`
	UpperThreshold    float64        `json:"upper_threshold"`
	ResponseFrequency int            `json:"response_frequency"`
	ActiveStart       int            `json:"active_start"`
	ActiveEnd         int            `json:"active_end"`
	Timezone          string         `json:"timezone"`
	Operators         []string       `json:"operators"`
	Criteria          []string       `json:"criteria"`
}

func viewOf(p *store.Project) projectView {
	return projectView{
		Email:             p.Email,
		Name:              p.Name,
		PersonaName:       p.PersonaName,
		Keywords:          p.Keywords,
		LowerThreshold:    p.LowerThreshold,
		UpperThreshold:    p.UpperThreshold,
		ResponseFrequency: p.ResponseFrequency,
		ActiveStart:       p.ActiveStart,
		ActiveEnd:         p.ActiveEnd,
		Timezone:          p.Timezone,
		Operators:         p.Operators,
		Criteria:          p.Criteria,
	}
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]projectView, 0, len(projects))
	for i := range projects {
		views = append(views, viewOf(&projects[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleSaveProject(w http.ResponseWriter, r *http.Request) {
	var p store.Project
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if err := s.store.SaveProject(&p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"saved": p.Email})
}

func (s *Server) projectFromURL(w http.ResponseWriter, r *http.Request) *store.Project {
	email := chi.URLParam(r, "email")
	p, err := s.store.GetProject(email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "unknown project: "+email)
		return nil
	}
	return p
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	p := s.projectFromURL(w, r)
	if p == nil {
		return
	}

	threads, err := s.store.ListThreads(p.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	state := r.URL.Query().Get("state")
	if state != "" {
		filtered := threads[:0]
		for _, t := range threads {
			if string(t.State) == state {
				filtered = append(filtered, t)
			}
		}
		threads = filtered
	}
	writeJSON(w, http.StatusOK, threads)
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	p := s.projectFromURL(w, r)
	if p == nil {
		return
	}

	profiles, err := s.store.ListUserProfiles(p.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (s *Server) handleProjectStats(w http.ResponseWriter, r *http.Request) {
	p := s.projectFromURL(w, r)
	if p == nil {
		return
	}

	stats, err := s.store.ThreadStats(p.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handlePollProject runs one poll cycle for a single project, the same code
// path the background poller uses.
func (s *Server) handlePollProject(w http.ResponseWriter, r *http.Request) {
	p := s.projectFromURL(w, r)
	if p == nil {
		return
	}

	if err := s.poller.PollProject(r.Context(), p); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"polled": p.Email})
}

func (s *Server) handlePollAll(w http.ResponseWriter, r *http.Request) {
	s.poller.PollAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"polled": "all"})
}

type threadRequest struct {
	ThreadID     string `json:"thread_id"`
	ProjectEmail string `json:"project_email"`
}

func decodeThreadRequest(w http.ResponseWriter, r *http.Request) (threadRequest, bool) {
	var req threadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return req, false
	}
	if req.ThreadID == "" {
		writeError(w, http.StatusBadRequest, "thread_id is required")
		return req, false
	}
	return req, true
}

func (s *Server) handleThreadAction(action func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeThreadRequest(w, r)
		if !ok {
			return
		}
		if err := action(req.ThreadID); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"thread": req.ThreadID})
	}
}

// handleResume returns a Manual thread to automation: fetches the project's
// recent mail so the newest inbound message can get a rescheduled reply.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeThreadRequest(w, r)
	if !ok {
		return
	}
	if req.ProjectEmail == "" {
		writeError(w, http.StatusBadRequest, "project_email is required")
		return
	}

	p, err := s.store.GetProject(req.ProjectEmail)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "unknown project: "+req.ProjectEmail)
		return
	}

	msgs, err := s.source.Fetch(r.Context(), p, s.windowDays)
	if err != nil {
		writeError(w, http.StatusBadGateway, "failed to fetch mail: "+err.Error())
		return
	}

	threadMsgs := engine.GroupByThread(msgs)[req.ThreadID]
	if err := s.orchestrator.Resume(r.Context(), p, req.ThreadID, threadMsgs); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"thread": req.ThreadID, "state": string(store.StateAutomated)})
}
