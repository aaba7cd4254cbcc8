// Package session holds the authoritative in-memory state for in-progress
// respondent sessions. All mutations go through Manager.Update, which
// applies the change atomically: readers only ever observe committed
// session values.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avolkov/voxsurvey/internal/model"
)

// ErrNotFound is returned when a session id is unknown or evicted.
var ErrNotFound = errors.New("session not found")

type entry struct {
	sess    *model.Session
	touched time.Time
}

// Manager is a keyed store of respondent sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*entry
	now      func() time.Time
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*entry),
		now:      time.Now,
	}
}

// Create starts a new session for the given survey, with one answer slot
// per question. It returns a snapshot of the created session.
func (m *Manager) Create(surveyID string, questions []model.Question) *model.Session {
	answers := make([]model.Answer, len(questions))
	for i, q := range questions {
		answers[i] = model.Answer{Kind: q.Kind}
	}
	sess := &model.Session{
		ID:        uuid.NewString(),
		SurveyID:  surveyID,
		Status:    model.StatusInProgress,
		Answers:   answers,
		FollowUps: make(map[int]*model.FollowUp),
		StartedAt: m.now(),
	}

	m.mu.Lock()
	m.sessions[sess.ID] = &entry{sess: sess, touched: m.now()}
	m.mu.Unlock()

	return sess.Clone()
}

// Snapshot returns an immutable copy of the session.
func (m *Manager) Snapshot(id string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.sess.Clone(), nil
}

// Update applies fn to a working copy of the session and commits the copy
// only when fn returns nil, so a failed mutation leaves the stored value
// untouched. It returns a snapshot of the committed session.
func (m *Manager) Update(id string, fn func(*model.Session) error) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}

	working := e.sess.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	e.sess = working
	e.touched = m.now()
	return working.Clone(), nil
}

// Evict discards a session. Evicting an unknown id is a no-op: an
// abandoned session carries no cleanup obligation.
func (m *Manager) Evict(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// EvictIdle removes sessions untouched for longer than maxIdle and
// returns how many were evicted. maxIdle <= 0 disables eviction.
func (m *Manager) EvictIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	cutoff := m.now().Add(-maxIdle)

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.sessions {
		if e.touched.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
