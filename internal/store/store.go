package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stakeout-mail/stakeout/internal/scoring"
)

// ThreadState is the automation state of a conversation thread.
type ThreadState string

const (
	StateAutomated ThreadState = "automated"
	StateManual    ThreadState = "manual"
	StateArchive   ThreadState = "archive"
)

// ValidTransition reports whether a thread may move between two states.
// Archive is only ever left by explicit operator action, and nothing
// transitions into a state it is already in.
func ValidTransition(from, to ThreadState) bool {
	if from == to {
		return false
	}
	switch from {
	case StateAutomated:
		return to == StateManual || to == StateArchive
	case StateManual:
		return to == StateAutomated || to == StateArchive
	case StateArchive:
		return to == StateAutomated
	}
	return false
}

// Thread is the persisted automation record for one email conversation.
type Thread struct {
	ID           string
	ProjectEmail string
	State        ThreadState
	Score        float64
	SeenKeywords scoring.SeenKeywords
	LastUpdated  time.Time
}

// Project is a configured sting campaign.
type Project struct {
	Email             string // Project mailbox address; primary key
	Name              string
	AppPassword       string
	IMAPHost          string
	IMAPPort          int
	SMTPHost          string
	SMTPPort          int
	PersonaName       string
	PersonaAge        int
	PersonaSex        string
	PersonaLocation   string
	Prompt            string // Admin persona/scenario prompt text
	Keywords          map[string]int
	LowerThreshold    float64
	UpperThreshold    float64
	ResponseFrequency int // Minutes between inbound message and automated reply
	ActiveStart       int // Hour of day, inclusive
	ActiveEnd         int // Hour of day, exclusive
	Timezone          string
	Operators         []string // Authorized operator notification addresses
	Criteria          []string // Free-text force-manual criteria
	LastUpdated       time.Time
}

// UserProfile aggregates what is known about a counterpart across a project.
type UserProfile struct {
	Email          string
	ProjectEmail   string
	ThreadIDs      []string
	ContactNumbers []string
	Active         bool
	Remarks        string
	LastActive     time.Time
	LastUpdated    time.Time
}

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	// Additive columns for databases created before they existed.
	s.db.Exec(`ALTER TABLE user_profiles ADD COLUMN remarks TEXT DEFAULT ''`)
	s.db.Exec(`ALTER TABLE projects ADD COLUMN timezone TEXT DEFAULT ''`)

	query := `
	CREATE TABLE IF NOT EXISTS projects (
		email TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		app_password TEXT NOT NULL,
		imap_host TEXT NOT NULL,
		imap_port INTEGER NOT NULL,
		smtp_host TEXT NOT NULL,
		smtp_port INTEGER NOT NULL,
		persona_name TEXT,
		persona_age INTEGER,
		persona_sex TEXT,
		persona_location TEXT,
		prompt TEXT,
		keywords TEXT NOT NULL,
		lower_threshold REAL NOT NULL,
		upper_threshold REAL NOT NULL,
		response_frequency INTEGER NOT NULL,
		active_start INTEGER NOT NULL,
		active_end INTEGER NOT NULL,
		timezone TEXT DEFAULT '',
		operators TEXT NOT NULL,
		criteria TEXT NOT NULL,
		last_updated DATETIME
	);

	CREATE TABLE IF NOT EXISTS threads (
		thread_id TEXT PRIMARY KEY,
		project_email TEXT NOT NULL,
		state TEXT NOT NULL,
		score REAL NOT NULL,
		seen_keywords TEXT NOT NULL,
		last_updated DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_threads_project ON threads(project_email);
	CREATE INDEX IF NOT EXISTS idx_threads_state ON threads(state);

	-- Processed-message set: a message id present here has been scored.
	CREATE TABLE IF NOT EXISTS scored_messages (
		message_id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		last_updated DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_scored_thread ON scored_messages(thread_id);

	CREATE TABLE IF NOT EXISTS user_profiles (
		email TEXT NOT NULL,
		project_email TEXT NOT NULL,
		thread_ids TEXT NOT NULL,
		contact_numbers TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		remarks TEXT DEFAULT '',
		last_active DATETIME,
		last_updated DATETIME,
		PRIMARY KEY (email, project_email)
	);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// ==================== Project Methods ====================

func validateProject(p *Project) error {
	if p.Email == "" {
		return fmt.Errorf("project email is required")
	}
	for keyword, weight := range p.Keywords {
		if weight <= 0 {
			return fmt.Errorf("keyword %q has non-positive weight %d", keyword, weight)
		}
	}
	if p.LowerThreshold < 0 || p.UpperThreshold > 100 || p.LowerThreshold > p.UpperThreshold {
		return fmt.Errorf("thresholds %.1f/%.1f out of order or outside [0,100]", p.LowerThreshold, p.UpperThreshold)
	}
	if p.ActiveStart < 0 || p.ActiveStart > 23 || p.ActiveEnd < 1 || p.ActiveEnd > 24 || p.ActiveStart >= p.ActiveEnd {
		return fmt.Errorf("active hours %d-%d invalid", p.ActiveStart, p.ActiveEnd)
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return fmt.Errorf("unknown timezone %q: %w", p.Timezone, err)
		}
	}
	return nil
}

func marshalJSON(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}

// SaveProject inserts or replaces a project configuration. Keyword weights,
// operator lists, and criteria are validated before anything is written.
func (s *Store) SaveProject(p *Project) error {
	if err := validateProject(p); err != nil {
		return fmt.Errorf("invalid project: %w", err)
	}

	query := `
	INSERT INTO projects (email, name, app_password, imap_host, imap_port, smtp_host, smtp_port,
		persona_name, persona_age, persona_sex, persona_location, prompt, keywords,
		lower_threshold, upper_threshold, response_frequency, active_start, active_end,
		timezone, operators, criteria, last_updated)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(email) DO UPDATE SET
		name=excluded.name, app_password=excluded.app_password,
		imap_host=excluded.imap_host, imap_port=excluded.imap_port,
		smtp_host=excluded.smtp_host, smtp_port=excluded.smtp_port,
		persona_name=excluded.persona_name, persona_age=excluded.persona_age,
		persona_sex=excluded.persona_sex, persona_location=excluded.persona_location,
		prompt=excluded.prompt, keywords=excluded.keywords,
		lower_threshold=excluded.lower_threshold, upper_threshold=excluded.upper_threshold,
		response_frequency=excluded.response_frequency,
		active_start=excluded.active_start, active_end=excluded.active_end,
		timezone=excluded.timezone, operators=excluded.operators,
		criteria=excluded.criteria, last_updated=excluded.last_updated
	`

	_, err := s.db.Exec(query,
		p.Email, p.Name, p.AppPassword, p.IMAPHost, p.IMAPPort, p.SMTPHost, p.SMTPPort,
		p.PersonaName, p.PersonaAge, p.PersonaSex, p.PersonaLocation, p.Prompt,
		marshalJSON(p.Keywords), p.LowerThreshold, p.UpperThreshold, p.ResponseFrequency,
		p.ActiveStart, p.ActiveEnd, p.Timezone, marshalJSON(p.Operators),
		marshalJSON(p.Criteria), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}
	return nil
}

func scanProject(scanner interface{ Scan(...any) error }) (*Project, error) {
	var p Project
	var keywords, operators, criteria string
	var lastUpdated sql.NullTime

	err := scanner.Scan(&p.Email, &p.Name, &p.AppPassword, &p.IMAPHost, &p.IMAPPort,
		&p.SMTPHost, &p.SMTPPort, &p.PersonaName, &p.PersonaAge, &p.PersonaSex,
		&p.PersonaLocation, &p.Prompt, &keywords, &p.LowerThreshold, &p.UpperThreshold,
		&p.ResponseFrequency, &p.ActiveStart, &p.ActiveEnd, &p.Timezone,
		&operators, &criteria, &lastUpdated)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(keywords), &p.Keywords); err != nil {
		return nil, fmt.Errorf("corrupt keyword data for %s: %w", p.Email, err)
	}
	if err := json.Unmarshal([]byte(operators), &p.Operators); err != nil {
		return nil, fmt.Errorf("corrupt operator data for %s: %w", p.Email, err)
	}
	if err := json.Unmarshal([]byte(criteria), &p.Criteria); err != nil {
		return nil, fmt.Errorf("corrupt criteria data for %s: %w", p.Email, err)
	}
	p.LastUpdated = lastUpdated.Time
	return &p, nil
}

const projectColumns = `email, name, app_password, imap_host, imap_port, smtp_host, smtp_port,
	persona_name, persona_age, persona_sex, persona_location, prompt, keywords,
	lower_threshold, upper_threshold, response_frequency, active_start, active_end,
	timezone, operators, criteria, last_updated`

// GetProject returns the project for a mailbox address, or nil if none exists.
func (s *Store) GetProject(email string) (*Project, error) {
	row := s.db.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE email = ?`, email)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query project: %w", err)
	}
	return p, nil
}

func (s *Store) ListProjects() ([]Project, error) {
	rows, err := s.db.Query(`SELECT ` + projectColumns + ` FROM projects ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// ==================== Thread Methods ====================

func scanThread(scanner interface{ Scan(...any) error }) (*Thread, error) {
	var t Thread
	var seen string
	var lastUpdated sql.NullTime

	if err := scanner.Scan(&t.ID, &t.ProjectEmail, &t.State, &t.Score, &seen, &lastUpdated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(seen), &t.SeenKeywords); err != nil {
		return nil, fmt.Errorf("corrupt seen-keyword data for thread %s: %w", t.ID, err)
	}
	t.LastUpdated = lastUpdated.Time
	return &t, nil
}

// GetThread returns a thread record, or nil if the thread is unknown.
func (s *Store) GetThread(threadID string) (*Thread, error) {
	row := s.db.QueryRow(`SELECT thread_id, project_email, state, score, seen_keywords, last_updated
		FROM threads WHERE thread_id = ?`, threadID)
	t, err := scanThread(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query thread: %w", err)
	}
	return t, nil
}

// GetThreadState returns the automation state of a thread. New threads are
// Automated by definition.
func (s *Store) GetThreadState(threadID string) (ThreadState, error) {
	t, err := s.GetThread(threadID)
	if err != nil {
		return "", err
	}
	if t == nil {
		return StateAutomated, nil
	}
	return t.State, nil
}

// SetThreadState transitions a thread between automation states, enforcing
// the state machine. Unknown threads cannot be transitioned.
func (s *Store) SetThreadState(threadID string, to ThreadState) error {
	t, err := s.GetThread(threadID)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("unknown thread %s", threadID)
	}
	if !ValidTransition(t.State, to) {
		return fmt.Errorf("invalid transition %s -> %s for thread %s", t.State, to, threadID)
	}

	_, err = s.db.Exec(`UPDATE threads SET state = ?, last_updated = ? WHERE thread_id = ?`,
		to, time.Now(), threadID)
	if err != nil {
		return fmt.Errorf("failed to update thread state: %w", err)
	}
	return nil
}

// SetThreadScore overwrites a thread's score without touching its keyword
// counts. Used for the Manual->Automated reset to the lower threshold.
func (s *Store) SetThreadScore(threadID string, score float64) error {
	res, err := s.db.Exec(`UPDATE threads SET score = ?, last_updated = ? WHERE thread_id = ?`,
		score, time.Now(), threadID)
	if err != nil {
		return fmt.Errorf("failed to update thread score: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unknown thread %s", threadID)
	}
	return nil
}

// GetSeenKeywords returns the thread's capped keyword-occurrence map, empty
// for a thread that has never been scored.
func (s *Store) GetSeenKeywords(threadID string) (scoring.SeenKeywords, error) {
	t, err := s.GetThread(threadID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return scoring.SeenKeywords{}, nil
	}
	return t.SeenKeywords, nil
}

// RecordScoredMessage persists a scoring result and marks the message
// processed in one transaction: the thread row is created or updated with the
// new score and seen-keyword map, and the message id enters the processed
// set. Either both happen or neither does, so a crash cannot leave a message
// marked processed without its score.
func (s *Store) RecordScoredMessage(threadID, projectEmail, messageID string, score float64, seen scoring.SeenKeywords) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO threads (thread_id, project_email, state, score, seen_keywords, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			score=excluded.score, seen_keywords=excluded.seen_keywords, last_updated=excluded.last_updated`,
		threadID, projectEmail, StateAutomated, score, marshalJSON(seen), time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert thread: %w", err)
	}

	_, err = tx.Exec(`INSERT OR IGNORE INTO scored_messages (message_id, thread_id) VALUES (?, ?)`,
		messageID, threadID)
	if err != nil {
		return fmt.Errorf("failed to mark message processed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit scored message: %w", err)
	}
	return nil
}

// IsMessageProcessed reports whether a message id has already been scored.
func (s *Store) IsMessageProcessed(messageID string) (bool, error) {
	var exists int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM scored_messages WHERE message_id = ?`, messageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query processed set: %w", err)
	}
	return exists > 0, nil
}

// ListThreads returns every thread for a project, newest activity first.
func (s *Store) ListThreads(projectEmail string) ([]Thread, error) {
	rows, err := s.db.Query(`SELECT thread_id, project_email, state, score, seen_keywords, last_updated
		FROM threads WHERE project_email = ? ORDER BY last_updated DESC`, projectEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	var threads []Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		threads = append(threads, *t)
	}
	return threads, rows.Err()
}

// ThreadStats counts threads per automation state for a project.
func (s *Store) ThreadStats(projectEmail string) (map[ThreadState]int, error) {
	rows, err := s.db.Query(`SELECT state, COUNT(*) FROM threads WHERE project_email = ? GROUP BY state`,
		projectEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to query thread stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[ThreadState]int)
	for rows.Next() {
		var state ThreadState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan thread stat: %w", err)
		}
		stats[state] = count
	}
	return stats, rows.Err()
}

// ==================== User Profile Methods ====================

// GetUserProfile returns the profile for a counterpart within a project, or
// nil if the counterpart has not been seen before.
func (s *Store) GetUserProfile(email, projectEmail string) (*UserProfile, error) {
	var p UserProfile
	var threadIDs, contactNumbers string
	var active int
	var lastActive, lastUpdated sql.NullTime

	err := s.db.QueryRow(`SELECT email, project_email, thread_ids, contact_numbers, active, remarks, last_active, last_updated
		FROM user_profiles WHERE email = ? AND project_email = ?`, email, projectEmail).
		Scan(&p.Email, &p.ProjectEmail, &threadIDs, &contactNumbers, &active, &p.Remarks, &lastActive, &lastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user profile: %w", err)
	}

	if err := json.Unmarshal([]byte(threadIDs), &p.ThreadIDs); err != nil {
		return nil, fmt.Errorf("corrupt thread-id data for %s: %w", email, err)
	}
	if err := json.Unmarshal([]byte(contactNumbers), &p.ContactNumbers); err != nil {
		return nil, fmt.Errorf("corrupt contact-number data for %s: %w", email, err)
	}
	p.Active = active == 1
	p.LastActive = lastActive.Time
	p.LastUpdated = lastUpdated.Time
	return &p, nil
}

// UpsertUserProfile creates or replaces a counterpart profile.
func (s *Store) UpsertUserProfile(p *UserProfile) error {
	active := 0
	if p.Active {
		active = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO user_profiles (email, project_email, thread_ids, contact_numbers, active, remarks, last_active, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(email, project_email) DO UPDATE SET
			thread_ids=excluded.thread_ids, contact_numbers=excluded.contact_numbers,
			active=excluded.active, remarks=excluded.remarks,
			last_active=excluded.last_active, last_updated=excluded.last_updated`,
		p.Email, p.ProjectEmail, marshalJSON(p.ThreadIDs), marshalJSON(p.ContactNumbers),
		active, p.Remarks, p.LastActive, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert user profile: %w", err)
	}
	return nil
}

// MarkStaleProfilesInactive flags profiles with no activity since the cutoff
// and returns how many were flagged.
func (s *Store) MarkStaleProfilesInactive(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`UPDATE user_profiles SET active = 0, last_updated = ?
		WHERE active = 1 AND last_active < ?`, time.Now(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale profiles: %w", err)
	}
	return res.RowsAffected()
}

// ListUserProfiles returns every counterpart profile for a project.
func (s *Store) ListUserProfiles(projectEmail string) ([]UserProfile, error) {
	rows, err := s.db.Query(`SELECT email FROM user_profiles WHERE project_email = ? ORDER BY last_active DESC`,
		projectEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to query user profiles: %w", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("failed to scan user profile: %w", err)
		}
		emails = append(emails, email)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var profiles []UserProfile
	for _, email := range emails {
		p, err := s.GetUserProfile(email, projectEmail)
		if err != nil {
			return nil, err
		}
		if p != nil {
			profiles = append(profiles, *p)
		}
	}
	return profiles, nil
}
