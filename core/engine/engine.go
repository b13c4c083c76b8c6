// Package engine is the debug engine facade: it composes the session
// store, breakpoint store, execution controller and state inspector
// behind one API and forwards their event streams onto a single bus
// that transport layers subscribe to.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sqlstep/sqlstep/core/breakpoint"
	"github.com/sqlstep/sqlstep/core/condition"
	"github.com/sqlstep/sqlstep/core/errors"
	"github.com/sqlstep/sqlstep/core/event"
	"github.com/sqlstep/sqlstep/core/exec"
	"github.com/sqlstep/sqlstep/core/inspect"
	"github.com/sqlstep/sqlstep/core/session"
	"github.com/sqlstep/sqlstep/internal/logging"
)

// RunnerProvider resolves the statement runner for a session, typically
// by opening or reusing a database connection for the session's
// configured database. The engine itself never opens connections.
type RunnerProvider interface {
	RunnerFor(sess *session.Session) (exec.Runner, error)
}

// RunnerProviderFunc adapts a function to RunnerProvider.
type RunnerProviderFunc func(sess *session.Session) (exec.Runner, error)

func (f RunnerProviderFunc) RunnerFor(sess *session.Session) (exec.Runner, error) {
	return f(sess)
}

// Engine is the debug engine facade. Safe for concurrent use.
type Engine struct {
	sessions    *session.Store
	breakpoints *breakpoint.Store
	inspector   *inspect.Inspector
	controller  *exec.Controller
	runners     RunnerProvider

	events *event.Bus

	closeOnce sync.Once
	stops     []func()
}

// New creates an Engine wired to the given runner provider. provider
// may be nil; executeQuery then fails until SetRunnerProvider is
// called.
func New(provider RunnerProvider) *Engine {
	sessions := session.NewStore()
	breakpoints := breakpoint.NewStore()
	inspector := inspect.New()

	e := &Engine{
		sessions:    sessions,
		breakpoints: breakpoints,
		inspector:   inspector,
		runners:     provider,
		events:      event.NewBus(),
	}
	e.controller = exec.NewController(sessions, breakpoints, inspector.SessionVariableMap)

	e.stops = append(e.stops,
		sessions.Events().Forward(e.events),
		breakpoints.Events().Forward(e.events),
		e.controller.Events().Forward(e.events),
	)
	return e
}

// SetRunnerProvider replaces the runner provider. Intended for wiring
// during startup, before queries execute.
func (e *Engine) SetRunnerProvider(provider RunnerProvider) {
	e.runners = provider
}

// Events returns the engine's unified event bus.
func (e *Engine) Events() *event.Bus {
	return e.events
}

// Inspector exposes the state inspector for direct instrumentation
// (setting variables and transaction state).
func (e *Engine) Inspector() *inspect.Inspector {
	return e.inspector
}

// Close stops event forwarding and closes the unified bus. Sessions and
// breakpoints remain readable.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		for _, stop := range e.stops {
			stop()
		}
		e.events.Close()
	})
}

// CreateSession allocates a debug session for userID under the per-user
// quota.
func (e *Engine) CreateSession(userID, connectionID string, overrides session.ConfigOverrides) (*session.Session, error) {
	sess, err := e.sessions.Create(userID, connectionID, overrides)
	if err != nil {
		return nil, err
	}
	logging.SessionEvent("session_created", sess.ID, userID)
	return sess, nil
}

// GetSession returns the session, or a not-found error.
func (e *Engine) GetSession(id string) (*session.Session, error) {
	sess := e.sessions.Get(id)
	if sess == nil {
		return nil, errors.NewNotFound("session", id)
	}
	return sess, nil
}

// GetUserSessions returns all sessions owned by userID.
func (e *Engine) GetUserSessions(userID string) []*session.Session {
	return e.sessions.GetUserSessions(userID)
}

// DeleteSession removes the session and cascades: its breakpoints, its
// execution history and mode, and its inspector state all go with it.
func (e *Engine) DeleteSession(id string) error {
	sess := e.sessions.Get(id)
	if sess == nil || !e.sessions.Delete(id) {
		return errors.NewNotFound("session", id)
	}
	e.cleanupSession(id)
	logging.SessionEvent("session_deleted", id, sess.UserID)
	return nil
}

func (e *Engine) cleanupSession(id string) {
	if len(e.breakpoints.GetForSession(id)) > 0 {
		e.breakpoints.ClearSession(id)
	}
	e.controller.ReleaseSession(id)
	e.inspector.ClearSessionState(id)
}

// CleanupInactiveSessions deletes stopped sessions older than maxAge,
// cascading cleanup for each, and returns the number reaped.
func (e *Engine) CleanupInactiveSessions(maxAge time.Duration) int {
	reaped := 0
	now := time.Now().UTC()
	for _, sess := range e.sessions.GetStopped() {
		if now.Sub(sess.CreatedAt) <= maxAge {
			continue
		}
		if e.sessions.Delete(sess.ID) {
			e.cleanupSession(sess.ID)
			reaped++
		}
	}
	if reaped > 0 {
		logging.Info("reaped inactive sessions", "count", reaped)
	}
	return reaped
}

// ExecuteQuery runs a query on the session through its resolved runner.
// Blocks while the session is paused; see the controller for the full
// contract.
func (e *Engine) ExecuteQuery(ctx context.Context, sessionID, query string, parameters []any) (*exec.Result, error) {
	sess := e.sessions.Get(sessionID)
	if sess == nil {
		return nil, errors.NewNotFound("session", sessionID)
	}
	if e.runners == nil {
		return nil, errors.NewUnsupported("executeQuery", "no runner provider configured")
	}
	runner, err := e.runners.RunnerFor(sess)
	if err != nil {
		return nil, errors.Wrap(err, "resolving runner")
	}
	return e.controller.ExecuteQuery(ctx, sessionID, query, parameters, runner)
}

// PauseSession requests a pause at the session's next statement
// boundary.
func (e *Engine) PauseSession(id string) error {
	if !e.controller.RequestPause(id) {
		return errors.NewNotFound("session", id)
	}
	return nil
}

// ResumeSession releases a paused session to free running.
func (e *Engine) ResumeSession(id string) error {
	if !e.controller.Resume(id) {
		return errors.NewNotFound("session", id)
	}
	return nil
}

// StepSession advances a paused session by one statement.
func (e *Engine) StepSession(id string, stepType exec.StepType) error {
	if !e.controller.Step(id, stepType) {
		return errors.NewNotFound("session", id)
	}
	return nil
}

// StopSession terminates the session's execution. The session record
// remains until deleted or reaped.
func (e *Engine) StopSession(id string) error {
	if !e.controller.Stop(id) {
		return errors.NewNotFound("session", id)
	}
	return nil
}

// RewindSession pops the session's most recent execution point. Returns
// the point the session is now parked on, or nil if the history is
// exhausted and the session stopped.
func (e *Engine) RewindSession(id string) (*session.ExecutionPoint, error) {
	return e.controller.Rewind(id)
}

// GetExecutionHistory returns the session's recorded execution points.
func (e *Engine) GetExecutionHistory(id string) []session.ExecutionPoint {
	return e.controller.GetExecutionHistory(id)
}

// GetCurrentExecutionPoint returns the point a paused session is parked
// on, or nil.
func (e *Engine) GetCurrentExecutionPoint(id string) *session.ExecutionPoint {
	return e.controller.GetCurrentExecutionPoint(id)
}

// GetActiveQueries returns all in-flight query executions across
// sessions.
func (e *Engine) GetActiveQueries() []*exec.QueryExecution {
	return e.controller.GetActiveQueries()
}

// SetBreakpoint creates a breakpoint on the session.
func (e *Engine) SetBreakpoint(sessionID string, typ breakpoint.Type, params breakpoint.Params) (*breakpoint.Breakpoint, error) {
	if e.sessions.Get(sessionID) == nil {
		return nil, errors.NewNotFound("session", sessionID)
	}
	return e.breakpoints.Create(sessionID, typ, params)
}

// RemoveBreakpoint deletes a breakpoint by id.
func (e *Engine) RemoveBreakpoint(id string) error {
	if !e.breakpoints.Remove(id) {
		return errors.NewNotFound("breakpoint", id)
	}
	return nil
}

// SetBreakpointEnabled toggles a breakpoint without removing it.
func (e *Engine) SetBreakpointEnabled(id string, enabled bool) error {
	if !e.breakpoints.SetEnabled(id, enabled) {
		return errors.NewNotFound("breakpoint", id)
	}
	return nil
}

// GetBreakpoint returns a breakpoint by id.
func (e *Engine) GetBreakpoint(id string) (*breakpoint.Breakpoint, error) {
	bp := e.breakpoints.Get(id)
	if bp == nil {
		return nil, errors.NewNotFound("breakpoint", id)
	}
	return bp, nil
}

// GetBreakpoints returns the session's breakpoints in creation order.
func (e *Engine) GetBreakpoints(sessionID string) []*breakpoint.Breakpoint {
	return e.breakpoints.GetForSession(sessionID)
}

// ClearBreakpoints removes all of the session's breakpoints, returning
// the count removed.
func (e *Engine) ClearBreakpoints(sessionID string) int {
	return e.breakpoints.ClearSession(sessionID)
}

// SetVariable records a session variable visible to breakpoint
// conditions and evaluate calls.
func (e *Engine) SetVariable(sessionID, scope string, v inspect.Variable) error {
	if e.sessions.Get(sessionID) == nil {
		return errors.NewNotFound("session", sessionID)
	}
	e.inspector.SetVariable(sessionID, scope, v)
	return nil
}

// GetVariables returns the session's variables in one scope, sorted by
// name.
func (e *Engine) GetVariables(sessionID, scope string) []inspect.Variable {
	return e.inspector.GetVariables(sessionID, scope)
}

// Evaluate runs a condition-language expression against the session's
// merged variables.
func (e *Engine) Evaluate(sessionID, expr string) (bool, error) {
	if e.sessions.Get(sessionID) == nil {
		return false, errors.NewNotFound("session", sessionID)
	}
	return condition.Evaluate(expr, e.inspector.SessionVariableMap(sessionID))
}

// Statistics aggregates counts across all engine subsystems.
type Statistics struct {
	Sessions      session.Statistics `json:"sessions"`
	Inspector     inspect.Statistics `json:"inspector"`
	ActiveQueries int                `json:"activeQueries"`
}

// GetStatistics returns an aggregate snapshot across subsystems.
// Breakpoint statistics are per session; see GetBreakpointStatistics.
func (e *Engine) GetStatistics() Statistics {
	return Statistics{
		Sessions:      e.sessions.GetStatistics(),
		Inspector:     e.inspector.GetStatistics(),
		ActiveQueries: len(e.controller.GetActiveQueries()),
	}
}

// GetBreakpointStatistics returns the session's breakpoint counts.
func (e *Engine) GetBreakpointStatistics(sessionID string) breakpoint.Statistics {
	return e.breakpoints.GetStatistics(sessionID)
}
