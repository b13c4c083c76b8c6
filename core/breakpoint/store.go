package breakpoint

import (
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sqlstep/sqlstep/core/condition"
	"github.com/sqlstep/sqlstep/core/errors"
	"github.com/sqlstep/sqlstep/core/event"
	"github.com/sqlstep/sqlstep/internal/logging"
)

// Store manages breakpoints, indexed globally by id and per session in
// creation order. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	byID      map[string]*Breakpoint
	bySession map[string][]*Breakpoint
	events    *event.Bus
}

// NewStore creates an empty breakpoint store.
func NewStore() *Store {
	return &Store{
		byID:      make(map[string]*Breakpoint),
		bySession: make(map[string][]*Breakpoint),
		events:    event.NewBus(),
	}
}

// Events returns the store's event bus.
func (s *Store) Events() *event.Bus {
	return s.events
}

// Create registers a new breakpoint for sessionID. The query pattern, if
// present, must be a valid regular expression. A condition that fails to
// compile is kept but can never fire; it is logged, not rejected, so a
// typo cannot take down an automation that sets breakpoints in bulk.
func (s *Store) Create(sessionID string, typ Type, params Params) (*Breakpoint, error) {
	if !IsValidType(typ) {
		return nil, errors.NewValidation("type", "unknown breakpoint type "+string(typ))
	}

	var pattern *regexp.Regexp
	if params.QueryPattern != "" {
		var err error
		pattern, err = regexp.Compile(params.QueryPattern)
		if err != nil {
			return nil, &errors.ValidationError{
				Field:   "queryPattern",
				Value:   params.QueryPattern,
				Message: "invalid regular expression",
				Err:     err,
			}
		}
	}

	var program *condition.Program
	if params.Condition != "" {
		var err error
		program, err = condition.Compile(params.Condition)
		if err != nil {
			logging.Warn("breakpoint condition failed to compile, it will never fire",
				"session_id", sessionID,
				"condition", params.Condition,
				"error", err)
		}
	}

	enabled := true
	if params.Enabled != nil {
		enabled = *params.Enabled
	}

	bp := &Breakpoint{
		ID:               uuid.New().String(),
		SessionID:        sessionID,
		Type:             typ,
		Enabled:          enabled,
		Condition:        params.Condition,
		Stage:            params.Stage,
		QueryPattern:     params.QueryPattern,
		ProcedureID:      params.ProcedureID,
		LineNumber:       params.LineNumber,
		WatchExpression:  params.WatchExpression,
		TransactionEvent: params.TransactionEvent,
		LockEvent:        params.LockEvent,
		PlanNodeType:     params.PlanNodeType,
		pattern:          pattern,
		program:          program,
	}

	s.mu.Lock()
	s.byID[bp.ID] = bp
	s.bySession[sessionID] = append(s.bySession[sessionID], bp)
	s.mu.Unlock()

	s.events.Emit(event.BreakpointCreated, sessionID, map[string]any{
		"breakpointId": bp.ID,
		"type":         string(typ),
	})
	return copyBreakpoint(bp), nil
}

// Remove deletes a breakpoint from both indices. Returns false if absent.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	bp, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.byID, id)
	s.bySession[bp.SessionID] = removeFromList(s.bySession[bp.SessionID], id)
	if len(s.bySession[bp.SessionID]) == 0 {
		delete(s.bySession, bp.SessionID)
	}
	sessionID := bp.SessionID
	s.mu.Unlock()

	s.events.Emit(event.BreakpointRemoved, sessionID, map[string]any{
		"breakpointId": id,
	})
	return true
}

// SetEnabled toggles a breakpoint without removing it. Returns false if
// absent.
func (s *Store) SetEnabled(id string, enabled bool) bool {
	s.mu.Lock()
	bp, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	bp.Enabled = enabled
	sessionID := bp.SessionID
	s.mu.Unlock()

	s.events.Emit(event.BreakpointChanged, sessionID, map[string]any{
		"breakpointId": id,
		"enabled":      enabled,
	})
	return true
}

// Get returns a copy of the breakpoint, or nil if absent.
func (s *Store) Get(id string) *Breakpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bp, ok := s.byID[id]
	if !ok {
		return nil
	}
	return copyBreakpoint(bp)
}

// GetForSession returns copies of the session's breakpoints in creation
// order, possibly empty.
func (s *Store) GetForSession(sessionID string) []*Breakpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.bySession[sessionID]
	out := make([]*Breakpoint, 0, len(list))
	for _, bp := range list {
		out = append(out, copyBreakpoint(bp))
	}
	return out
}

// ShouldBreak evaluates the session's breakpoints against ctx in
// creation order and returns the first enabled match, or nil. The
// winner's hit count is incremented and a breakpointHit event emitted
// atomically with the match. A condition that fails to evaluate counts
// as not met and is logged.
func (s *Store) ShouldBreak(ctx *Context) *Breakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, bp := range s.bySession[ctx.SessionID] {
		if !bp.Enabled {
			continue
		}
		if !s.conditionMet(bp, ctx) {
			continue
		}
		if !matches(bp, ctx) {
			continue
		}

		bp.HitCount++
		now := time.Now().UTC()
		bp.LastHit = &now
		s.events.Emit(event.BreakpointHit, ctx.SessionID, map[string]any{
			"breakpointId": bp.ID,
			"type":         string(bp.Type),
			"hitCount":     bp.HitCount,
			"queryId":      ctx.QueryID,
			"lineNumber":   ctx.Point.LineNumber,
		})
		return copyBreakpoint(bp)
	}
	return nil
}

// conditionMet evaluates bp's optional condition against the context's
// variables. Missing condition means met; a compile or eval failure
// means not met, never an execution failure.
func (s *Store) conditionMet(bp *Breakpoint, ctx *Context) bool {
	if bp.Condition == "" {
		return true
	}
	if bp.program == nil {
		// Failed to compile at creation; logged there.
		return false
	}
	ok, err := bp.program.Eval(ctx.Variables)
	if err != nil {
		logging.Warn("breakpoint condition evaluation failed, treating as not met",
			"breakpoint_id", bp.ID,
			"session_id", bp.SessionID,
			"condition", bp.Condition,
			"error", err)
		return false
	}
	return ok
}

// matches dispatches on breakpoint type. The data, transaction, lock and
// plan variants evaluate to false until real instrumentation hooks
// exist; the types are preserved so callers can set them today.
func matches(bp *Breakpoint, ctx *Context) bool {
	switch bp.Type {
	case TypeQuery:
		if bp.Stage != "" && bp.Stage != ctx.Point.Stage {
			return false
		}
		if bp.pattern != nil && !bp.pattern.MatchString(ctx.Query) {
			return false
		}
		return true
	case TypeLine:
		return bp.ProcedureID == ctx.Point.ProcedureID && bp.LineNumber == ctx.Point.LineNumber
	case TypeData, TypeTransaction, TypeLock, TypePlan:
		return false
	default:
		return false
	}
}

// ClearSession removes all of a session's breakpoints in one sweep.
// Returns the number removed. Emits sessionBreakpointsCleared.
func (s *Store) ClearSession(sessionID string) int {
	s.mu.Lock()
	list := s.bySession[sessionID]
	for _, bp := range list {
		delete(s.byID, bp.ID)
	}
	delete(s.bySession, sessionID)
	removed := len(list)
	s.mu.Unlock()

	s.events.Emit(event.SessionBreakpointsCleared, sessionID, map[string]any{
		"removed": removed,
	})
	return removed
}

// Statistics summarizes a session's breakpoints.
type Statistics struct {
	Total     int            `json:"total"`
	Enabled   int            `json:"enabled"`
	ByType    map[string]int `json:"byType"`
	TotalHits int            `json:"totalHits"`
}

// GetStatistics counts a session's breakpoints, grouped by type, with
// summed hit counts.
func (s *Store) GetStatistics(sessionID string) Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Statistics{ByType: make(map[string]int)}
	for _, bp := range s.bySession[sessionID] {
		stats.Total++
		if bp.Enabled {
			stats.Enabled++
		}
		stats.ByType[string(bp.Type)]++
		stats.TotalHits += bp.HitCount
	}
	return stats
}

func removeFromList(list []*Breakpoint, id string) []*Breakpoint {
	for i, bp := range list {
		if bp.ID == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func copyBreakpoint(bp *Breakpoint) *Breakpoint {
	cp := *bp
	if bp.LastHit != nil {
		t := *bp.LastHit
		cp.LastHit = &t
	}
	return &cp
}
