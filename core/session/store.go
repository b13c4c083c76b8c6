package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sqlstep/sqlstep/core/errors"
	"github.com/sqlstep/sqlstep/core/event"
)

// MaxSessionsPerUser is the hard cap of concurrent sessions one user may
// own. Session creation fails with a QuotaError beyond it.
const MaxSessionsPerUser = 5

// Store manages debug sessions in memory, indexed by session id and by
// owning user. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]struct{}
	events   *event.Bus
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]struct{}),
		events:   event.NewBus(),
	}
}

// Events returns the store's event bus.
func (s *Store) Events() *event.Bus {
	return s.events
}

// ConfigOverrides holds caller-supplied config fields applied over the
// creation defaults. Nil fields keep the default.
type ConfigOverrides struct {
	Database         *string
	DebugLevel       *DebugLevel
	AutoBreakOnError *bool
	MaxHistorySize   *int
	EnableTimeTravel *bool
}

// Create allocates a new session for userID against connectionID. The
// quota check and the index insert happen under one lock so concurrent
// creations cannot oversubscribe a user.
func (s *Store) Create(userID, connectionID string, overrides ConfigOverrides) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owned := s.byUser[userID]
	if len(owned) >= MaxSessionsPerUser {
		return nil, errors.NewQuota("session", userID, MaxSessionsPerUser, len(owned))
	}

	cfg := DefaultConfig()
	if overrides.Database != nil {
		cfg.Database = *overrides.Database
	}
	if overrides.DebugLevel != nil {
		cfg.DebugLevel = *overrides.DebugLevel
	}
	if overrides.AutoBreakOnError != nil {
		cfg.AutoBreakOnError = *overrides.AutoBreakOnError
	}
	if overrides.MaxHistorySize != nil && *overrides.MaxHistorySize > 0 {
		cfg.MaxHistorySize = *overrides.MaxHistorySize
	}
	if overrides.EnableTimeTravel != nil {
		cfg.EnableTimeTravel = *overrides.EnableTimeTravel
	}

	sess := &Session{
		ID:           uuid.New().String(),
		UserID:       userID,
		ConnectionID: connectionID,
		CreatedAt:    time.Now().UTC(),
		Config:       cfg,
		State: State{
			Status:            StatusRunning,
			ActiveBreakpoints: []string{},
			CallStack:         []StackFrame{},
		},
	}

	s.sessions[sess.ID] = sess
	if owned == nil {
		owned = make(map[string]struct{})
		s.byUser[userID] = owned
	}
	owned[sess.ID] = struct{}{}

	s.events.Emit(event.SessionCreated, sess.ID, map[string]any{
		"userId":       userID,
		"connectionId": connectionID,
	})
	return copySession(sess), nil
}

// Get returns a copy of the session, or nil if absent.
func (s *Store) Get(id string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	return copySession(sess)
}

// GetUserSessions returns copies of all sessions owned by userID,
// possibly empty.
func (s *Store) GetUserSessions(userID string) []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Session, 0, len(s.byUser[userID]))
	for id := range s.byUser[userID] {
		if sess, ok := s.sessions[id]; ok {
			out = append(out, copySession(sess))
		}
	}
	return out
}

// UpdateState shallow-merges update into the session's state. Returns
// false if the session is absent. Emits sessionStateChanged.
func (s *Store) UpdateState(id string, update StateUpdate) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return false
	}

	if update.Status != nil {
		sess.State.Status = *update.Status
	}
	if update.ActiveBreakpoints != nil {
		sess.State.ActiveBreakpoints = update.ActiveBreakpoints
	}
	if update.CallStack != nil {
		sess.State.CallStack = update.CallStack
	}
	if update.CurrentExecutionPoint != nil {
		sess.State.CurrentExecutionPoint = update.CurrentExecutionPoint
	} else if update.ClearExecutionPoint {
		sess.State.CurrentExecutionPoint = nil
	}
	status := sess.State.Status
	s.mu.Unlock()

	s.events.Emit(event.SessionStateChanged, id, map[string]any{
		"status": string(status),
	})
	return true
}

// UpdateMetadata applies counter deltas. Returns false if the session is
// absent. No event is emitted: metadata changes are high-frequency
// internal bookkeeping.
func (s *Store) UpdateMetadata(id string, update MetadataUpdate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	sess.Metadata.TotalQueries += update.TotalQueriesDelta
	sess.Metadata.BreakpointHits += update.BreakpointHitsDelta
	sess.Metadata.TotalExecutionTime += update.TotalExecutionTimeDelta
	return true
}

// Pause sets the session status to paused.
func (s *Store) Pause(id string) bool {
	status := StatusPaused
	return s.UpdateState(id, StateUpdate{Status: &status})
}

// Resume sets the session status to running.
func (s *Store) Resume(id string) bool {
	status := StatusRunning
	return s.UpdateState(id, StateUpdate{Status: &status})
}

// Stop sets the session status to stopped. Stopped is terminal; the
// session becomes eligible for reaping.
func (s *Store) Stop(id string) bool {
	status := StatusStopped
	return s.UpdateState(id, StateUpdate{Status: &status})
}

// Delete removes the session from the primary and per-user indices.
// Returns false if absent. Emits sessionDeleted. Cascading cleanup of
// breakpoints, history and inspector state is the engine's job.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.sessions, id)
	if owned, ok := s.byUser[sess.UserID]; ok {
		delete(owned, id)
		if len(owned) == 0 {
			delete(s.byUser, sess.UserID)
		}
	}
	userID := sess.UserID
	s.mu.Unlock()

	s.events.Emit(event.SessionDeleted, id, map[string]any{
		"userId": userID,
	})
	return true
}

// GetStopped returns copies of all stopped sessions, for reaping.
func (s *Store) GetStopped() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Session
	for _, sess := range s.sessions {
		if sess.State.Status == StatusStopped {
			out = append(out, copySession(sess))
		}
	}
	return out
}

// CleanupInactive deletes all sessions that are stopped and older than
// maxAge, returning the number deleted. An external scheduler must call
// this; the engine never does so on its own.
func (s *Store) CleanupInactive(maxAge time.Duration) int {
	now := time.Now().UTC()

	s.mu.Lock()
	var expired []string
	for id, sess := range s.sessions {
		if sess.State.Status == StatusStopped && now.Sub(sess.CreatedAt) > maxAge {
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()

	deleted := 0
	for _, id := range expired {
		if s.Delete(id) {
			deleted++
		}
	}
	return deleted
}

// Statistics aggregates counts across all sessions.
type Statistics struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"byStatus"`
	ByUser         map[string]int `json:"byUser"`
	TotalQueries   int            `json:"totalQueries"`
	BreakpointHits int            `json:"breakpointHits"`
}

// GetStatistics returns aggregate session counts by status and user
// plus summed execution counters.
func (s *Store) GetStatistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Statistics{
		Total:    len(s.sessions),
		ByStatus: make(map[string]int),
		ByUser:   make(map[string]int),
	}
	for _, sess := range s.sessions {
		stats.ByStatus[string(sess.State.Status)]++
		stats.ByUser[sess.UserID]++
		stats.TotalQueries += sess.Metadata.TotalQueries
		stats.BreakpointHits += sess.Metadata.BreakpointHits
	}
	return stats
}

// copySession returns a shallow copy with cloned slices so callers
// cannot mutate store-owned state.
func copySession(sess *Session) *Session {
	cp := *sess
	cp.State.ActiveBreakpoints = append([]string(nil), sess.State.ActiveBreakpoints...)
	cp.State.CallStack = append([]StackFrame(nil), sess.State.CallStack...)
	if sess.State.CurrentExecutionPoint != nil {
		pt := *sess.State.CurrentExecutionPoint
		cp.State.CurrentExecutionPoint = &pt
	}
	return &cp
}
