package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/threadkiln/threadkiln/pkg/models"
)

// SessionManagerConfig configures a SessionManager. Logger defaults to
// slog.Default with a "component" field, matching internal/tasks.Scheduler's
// own fallback.
type SessionManagerConfig struct {
	Logger       *slog.Logger
	IdleTimeout  time.Duration // a session idle longer than this is pruned
	SweepInterval time.Duration
}

func (c SessionManagerConfig) sanitized() SessionManagerConfig {
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "session-manager")
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

// sessionLock is the refcounted keyed-mutex pattern internal/agent/runtime.go
// uses for per-session serialization, reused here unchanged: every caller
// competing for the same session ID blocks on the same *sync.Mutex, and the
// entry is dropped once nobody still references it.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// SessionManager owns the in-memory map of AgentSession records (C2): thread
// resolution, session creation, and the idle-session sweep. It does not
// persist sessions across process restarts; pkg/models.Session is the wire
// shape a durable store would round-trip, grounded on the teacher's
// internal/sessions.Store, but no such store is wired into this module.
type SessionManager struct {
	cfg SessionManagerConfig

	mu       sync.RWMutex
	sessions map[string]*models.AgentSession // keyed by UserID

	locksMu sync.Mutex
	locks   map[string]*sessionLock
}

// NewSessionManager creates an empty session manager.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{
		cfg:      cfg.sanitized(),
		sessions: make(map[string]*models.AgentSession),
		locks:    make(map[string]*sessionLock),
	}
}

// lockSession serializes access to one user's session, mirroring
// runtime.go's (*Runtime).lockSession: a refcounted map entry so concurrent
// callers for distinct users never contend, and the entry is removed once
// the last caller unlocks.
func (m *SessionManager) lockSession(userID string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[userID]
	if !ok {
		l = &sessionLock{}
		m.locks[userID] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, userID)
		}
		m.locksMu.Unlock()
	}
}

// GetOrCreateSession returns the AgentSession for userID, creating an empty
// one (with no threads and no active thread) if none exists yet.
func (m *SessionManager) GetOrCreateSession(ctx context.Context, userID string) *models.AgentSession {
	unlock := m.lockSession(userID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[userID]
	if !ok {
		sess = &models.AgentSession{
			UserID:       userID,
			Threads:      make(map[string]*models.Thread),
			AutoApproved: make(map[string]bool),
			LastActivity: now(),
		}
		m.sessions[userID] = sess
	}
	return sess
}

// ResolveThread applies the three-rule thread resolution: (1) an explicit
// ExternalThread match against an already-known thread wins; (2) absent
// that, the session's current ActiveThreadID is reused if it still exists;
// (3) absent both, a new thread is created and becomes active. The returned
// bool reports whether a new thread was created.
func (m *SessionManager) ResolveThread(ctx context.Context, sess *models.AgentSession, externalThreadID string) (*models.Thread, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess.LastActivity = now()

	if externalThreadID != "" {
		for _, t := range sess.Threads {
			if t.ExternalThreadID == externalThreadID {
				sess.ActiveThreadID = t.ID
				return t, false
			}
		}
	}

	if sess.ActiveThreadID != "" {
		if t, ok := sess.Threads[sess.ActiveThreadID]; ok {
			return t, false
		}
	}

	t := &models.Thread{
		ID:               uuid.NewString(),
		State:            models.ThreadIdle,
		ExternalThreadID: externalThreadID,
		OwnerUserID:      sess.UserID,
		CreatedAt:        now(),
		UpdatedAt:        now(),
	}
	sess.Threads[t.ID] = t
	sess.ActiveThreadID = t.ID
	return t, true
}

// NewThread always creates and activates a fresh thread, for the
// new_thread submission.
func (m *SessionManager) NewThread(ctx context.Context, sess *models.AgentSession) *models.Thread {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &models.Thread{
		ID:          uuid.NewString(),
		State:       models.ThreadIdle,
		OwnerUserID: sess.UserID,
		CreatedAt:   now(),
		UpdatedAt:   now(),
	}
	sess.Threads[t.ID] = t
	sess.ActiveThreadID = t.ID
	sess.LastActivity = now()
	return t
}

// SwitchThread activates an existing thread by ID.
func (m *SessionManager) SwitchThread(ctx context.Context, sess *models.AgentSession, threadID string) (*models.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := sess.Threads[threadID]
	if !ok {
		return nil, fmt.Errorf("unknown thread: %s", threadID)
	}
	sess.ActiveThreadID = threadID
	sess.LastActivity = now()
	return t, nil
}

// PruneStaleSessions removes every session whose LastActivity is older than
// cfg.IdleTimeout. It returns the number of sessions removed.
func (m *SessionManager) PruneStaleSessions(ctx context.Context, asOf time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for userID, sess := range m.sessions {
		if asOf.Sub(sess.LastActivity) > m.cfg.IdleTimeout {
			delete(m.sessions, userID)
			removed++
		}
	}
	return removed
}

// RunSweepLoop blocks, pruning stale sessions on cfg.SweepInterval, until ctx
// is cancelled. Ground shape taken from internal/tasks.Scheduler's
// pollLoop: a ticker, an immediate first pass, and a select over ctx.Done.
func (m *SessionManager) RunSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	sweep := func() {
		removed := m.PruneStaleSessions(ctx, time.Now())
		if removed > 0 {
			m.cfg.Logger.Info("pruned idle sessions", "count", removed)
		}
	}

	sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// now is a seam so tests can avoid wall-clock timestamps; production callers
// never override it.
var now = time.Now
