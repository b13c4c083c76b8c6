package exec

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sqlstep/sqlstep/core/breakpoint"
	"github.com/sqlstep/sqlstep/core/cache"
	"github.com/sqlstep/sqlstep/core/errors"
	"github.com/sqlstep/sqlstep/core/event"
	"github.com/sqlstep/sqlstep/core/session"
	"github.com/sqlstep/sqlstep/core/sqlsplit"
	"github.com/sqlstep/sqlstep/internal/logging"
)

// VariableSource supplies the live variable map a session's breakpoint
// conditions are evaluated against.
type VariableSource func(sessionID string) map[string]any

// modeEntry pairs a session's execution mode with a signal channel.
// setMode closes the channel so pause waiters wake without polling.
type modeEntry struct {
	mode    Mode
	changed chan struct{}
}

// Controller is the execution state machine core. One Controller serves
// all sessions; per-session state is partitioned by session id.
type Controller struct {
	sessions    *session.Store
	breakpoints *breakpoint.Store
	variables   VariableSource
	inverse     InverseGenerator

	mu      sync.Mutex
	modes   map[string]*modeEntry
	history map[string][]session.ExecutionPoint
	active  map[string]*QueryExecution

	fingerprints *cache.FingerprintCache
	statements   *cache.StatementCache

	events *event.Bus
}

// NewController creates a Controller over the given stores. variables
// may be nil, in which case conditions see an empty variable map.
func NewController(sessions *session.Store, breakpoints *breakpoint.Store, variables VariableSource) *Controller {
	return &Controller{
		sessions:    sessions,
		breakpoints: breakpoints,
		variables:   variables,
		modes:       make(map[string]*modeEntry),
		history:     make(map[string][]session.ExecutionPoint),
		active:      make(map[string]*QueryExecution),

		fingerprints: cache.NewDefaultFingerprintCache(),
		statements:   cache.NewDefaultStatementCache(),

		events: event.NewBus(),
	}
}

// splitStatements splits a query script, memoizing per query text.
// Stepping re-executes the same script repeatedly.
func (c *Controller) splitStatements(query string) []string {
	if stmts, ok := c.statements.Get(query); ok {
		return stmts
	}
	stmts := sqlsplit.Split(query)
	c.statements.Put(query, stmts)
	return stmts
}

// fingerprintOf returns the statement's fingerprint, memoized.
func (c *Controller) fingerprintOf(statement string) string {
	if fp, ok := c.fingerprints.Get(statement); ok {
		return fp
	}
	fp := fingerprint(statement)
	c.fingerprints.Put(statement, fp)
	return fp
}

// Events returns the controller's event bus.
func (c *Controller) Events() *event.Bus {
	return c.events
}

// SetInverseGenerator installs the optional compensating-statement
// collaborator consulted (and only reported) during rewind.
func (c *Controller) SetInverseGenerator(gen InverseGenerator) {
	c.inverse = gen
}

// ensureEntryLocked returns the session's mode entry, creating one in
// running mode if needed. Caller holds c.mu.
func (c *Controller) ensureEntryLocked(sessionID string) *modeEntry {
	e, ok := c.modes[sessionID]
	if !ok {
		e = &modeEntry{mode: ModeRunning, changed: make(chan struct{})}
		c.modes[sessionID] = e
	}
	return e
}

// setMode transitions the session's execution mode and wakes any pause
// waiter.
func (c *Controller) setMode(sessionID string, m Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.ensureEntryLocked(sessionID)
	if e.mode == m {
		return
	}
	e.mode = m
	close(e.changed)
	e.changed = make(chan struct{})
}

// Mode returns the session's current execution mode. Sessions that have
// never executed report running.
func (c *Controller) Mode(sessionID string) Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.modes[sessionID]
	if !ok {
		return ModeRunning
	}
	return e.mode
}

// ExecuteQuery splits query into statements and executes each through
// runner, pausing at matched breakpoints and while stepping. It blocks
// until every statement has run (or the session stops, the context is
// cancelled, or the runner fails) and returns the aggregated result.
// Runner errors propagate unwrapped.
func (c *Controller) ExecuteQuery(ctx context.Context, sessionID, query string, parameters []any, runner Runner) (*Result, error) {
	sess := c.sessions.Get(sessionID)
	if sess == nil {
		return nil, errors.NewNotFound("session", sessionID)
	}

	queryID := uuid.New().String()
	execution := &QueryExecution{
		QueryID:    queryID,
		SessionID:  sessionID,
		SQL:        query,
		Parameters: parameters,
		StartTime:  time.Now().UTC(),
		Status:     QueryRunning,
	}

	c.mu.Lock()
	c.active[queryID] = execution
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, queryID)
		c.mu.Unlock()
	}()

	c.events.Emit(event.QueryStarted, sessionID, map[string]any{
		"queryId": queryID,
		"sql":     query,
	})
	logging.QueryEvent("query_started", sessionID, queryID)

	statements := c.splitStatements(query)
	aggregate := &Result{Rows: []map[string]any{}, Fields: []string{}}

	run := func() error {
		for i, statement := range statements {
			if c.sessions.Get(sessionID) == nil || c.Mode(sessionID) == ModeStopped {
				return errors.ErrStopped
			}

			point := session.ExecutionPoint{
				ID:          uuid.New().String(),
				Timestamp:   time.Now().UTC(),
				QueryID:     queryID,
				Stage:       session.StageExecute,
				LineNumber:  i + 1,
				Fingerprint: c.fingerprintOf(statement),
			}
			c.appendHistory(sessionID, point, sess.Config.MaxHistorySize)

			var vars map[string]any
			if c.variables != nil {
				vars = c.variables(sessionID)
			}
			bctx := &breakpoint.Context{
				SessionID:    sessionID,
				QueryID:      queryID,
				Query:        statement,
				Parameters:   parameters,
				StartTime:    execution.StartTime,
				UserID:       sess.UserID,
				ConnectionID: sess.ConnectionID,
				Point:        point,
				Variables:    vars,
			}

			hit := c.breakpoints.ShouldBreak(bctx)
			if hit != nil {
				c.sessions.UpdateMetadata(sessionID, session.MetadataUpdate{BreakpointHitsDelta: 1})
			}

			mode := c.Mode(sessionID)
			switch {
			case hit != nil:
				if err := c.pause(ctx, sessionID, point, ReasonBreakpoint, map[string]any{
					"breakpointId": hit.ID,
					"statement":    statement,
				}); err != nil {
					return err
				}
			case mode == ModeStepping:
				if err := c.pause(ctx, sessionID, point, ReasonStep, map[string]any{
					"statement": statement,
				}); err != nil {
					return err
				}
			case mode == ModePaused:
				// A manual pause request takes effect at the next
				// statement boundary.
				if err := c.pause(ctx, sessionID, point, ReasonPause, map[string]any{
					"statement": statement,
				}); err != nil {
					return err
				}
			}

			result, err := runner(ctx, statement, []any{})
			if err != nil {
				return err
			}
			if result != nil {
				aggregate.Rows = append(aggregate.Rows, result.Rows...)
				aggregate.RowCount += result.RowCount
				if len(result.Fields) > 0 {
					aggregate.Fields = result.Fields
				}
			}

			c.events.Emit(event.QueryStage, sessionID, map[string]any{
				"queryId":    queryID,
				"stage":      string(session.StageExecute),
				"lineNumber": i + 1,
			})
		}
		return nil
	}

	if err := run(); err != nil {
		now := time.Now().UTC()
		execution.EndTime = &now
		execution.Duration = now.Sub(execution.StartTime)
		execution.Status = QueryFailed
		execution.Error = err.Error()
		c.events.Emit(event.QueryFailed, sessionID, map[string]any{
			"queryId": queryID,
			"error":   err.Error(),
		})
		logging.QueryEvent("query_failed", sessionID, queryID, "error", err.Error())
		return nil, err
	}

	now := time.Now().UTC()
	execution.EndTime = &now
	execution.Duration = now.Sub(execution.StartTime)
	execution.Status = QueryCompleted
	execution.Result = aggregate

	c.sessions.UpdateMetadata(sessionID, session.MetadataUpdate{
		TotalQueriesDelta:       1,
		TotalExecutionTimeDelta: execution.Duration,
	})
	c.events.Emit(event.QueryCompleted, sessionID, map[string]any{
		"queryId":  queryID,
		"rowCount": aggregate.RowCount,
		"duration": execution.Duration.Milliseconds(),
	})
	logging.QueryEvent("query_completed", sessionID, queryID,
		"row_count", aggregate.RowCount,
		"statements", len(statements))
	return aggregate, nil
}

// pause suspends the calling execution until the mode returns to
// running or stepping. Only this session's execution blocks; the
// controller stays fully responsive for every other session.
func (c *Controller) pause(ctx context.Context, sessionID string, point session.ExecutionPoint, reason PauseReason, details map[string]any) error {
	c.setMode(sessionID, ModePaused)
	c.sessions.Pause(sessionID)
	c.sessions.UpdateState(sessionID, session.StateUpdate{CurrentExecutionPoint: &point})

	c.events.Emit(event.Paused, sessionID, map[string]any{
		"reason":         string(reason),
		"executionPoint": point,
		"details":        details,
	})
	logging.QueryEvent("execution_paused", sessionID, point.QueryID,
		"reason", string(reason),
		"line_number", point.LineNumber)

	return c.waitForResume(ctx, sessionID)
}

// waitForResume blocks until the session's mode becomes running or
// stepping. A stop releases the wait with ErrStopped; context
// cancellation stops the session and releases it with the context's
// error. There is no timeout: a paused session may wait indefinitely.
func (c *Controller) waitForResume(ctx context.Context, sessionID string) error {
	for {
		c.mu.Lock()
		if c.sessions.Get(sessionID) == nil {
			// Session deleted mid-wait. ReleaseSession may have removed
			// the mode entry before this waiter re-checked; never
			// recreate it here or the waiter parks forever.
			delete(c.modes, sessionID)
			c.mu.Unlock()
			return errors.ErrStopped
		}
		e, ok := c.modes[sessionID]
		if !ok {
			c.mu.Unlock()
			return errors.ErrStopped
		}
		switch e.mode {
		case ModeRunning, ModeStepping:
			c.mu.Unlock()
			return nil
		case ModeStopped:
			c.mu.Unlock()
			return errors.ErrStopped
		}
		ch := e.changed
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			c.setMode(sessionID, ModeStopped)
			c.sessions.Stop(sessionID)
			return ctx.Err()
		case <-ch:
		}
	}
}

// RequestPause asks a running session to pause at its next statement
// boundary. Returns false if the session is unknown.
func (c *Controller) RequestPause(sessionID string) bool {
	if c.sessions.Get(sessionID) == nil {
		return false
	}
	c.setMode(sessionID, ModePaused)
	c.sessions.Pause(sessionID)
	return true
}

// Resume releases a paused session back to free running.
func (c *Controller) Resume(sessionID string) bool {
	if c.sessions.Get(sessionID) == nil {
		return false
	}
	c.setMode(sessionID, ModeRunning)
	c.sessions.Resume(sessionID)
	c.events.Emit(event.Resumed, sessionID, nil)
	return true
}

// Step advances a paused session by exactly one statement: the session
// runs, then re-pauses at the next execution point. The three step
// types are behaviorally identical; no procedure call stack is tracked.
func (c *Controller) Step(sessionID string, stepType StepType) bool {
	if c.sessions.Get(sessionID) == nil {
		return false
	}
	c.setMode(sessionID, ModeStepping)
	c.sessions.Resume(sessionID)
	c.events.Emit(event.Stepped, sessionID, map[string]any{
		"stepType": string(stepType),
	})
	return true
}

// Stop terminates the session's execution. A paused wait loop observes
// the stop and aborts its executeQuery call with ErrStopped.
func (c *Controller) Stop(sessionID string) bool {
	if c.sessions.Get(sessionID) == nil {
		return false
	}
	c.setMode(sessionID, ModeStopped)
	c.sessions.Stop(sessionID)
	return true
}

// Rewind pops the most recent execution point from history. With a
// prior point remaining, the session parks paused on it; with none, the
// session stops. This is a history-pointer rollback only: no inverse
// SQL is executed and no data is reverted.
func (c *Controller) Rewind(sessionID string) (*session.ExecutionPoint, error) {
	sess := c.sessions.Get(sessionID)
	if sess == nil {
		return nil, errors.NewNotFound("session", sessionID)
	}
	if !sess.Config.EnableTimeTravel {
		return nil, errors.NewUnsupported("rewind", "time travel disabled for this session")
	}

	c.mu.Lock()
	points := c.history[sessionID]
	if len(points) == 0 {
		c.mu.Unlock()
		return nil, errors.NewNotFound("execution point", "")
	}
	popped := points[len(points)-1]
	points = points[:len(points)-1]
	c.history[sessionID] = points
	var prior *session.ExecutionPoint
	if len(points) > 0 {
		pt := points[len(points)-1]
		prior = &pt
	}
	c.mu.Unlock()

	details := map[string]any{
		"poppedPoint": popped,
	}
	if c.inverse != nil {
		if stmt, ok := c.inverse.InverseFor(popped); ok {
			// Reported, never executed.
			details["inverseStatement"] = stmt
		}
	}
	c.events.Emit(event.Rewound, sessionID, details)

	if prior != nil {
		c.setMode(sessionID, ModePaused)
		c.sessions.Pause(sessionID)
		c.sessions.UpdateState(sessionID, session.StateUpdate{CurrentExecutionPoint: prior})
		return prior, nil
	}
	c.setMode(sessionID, ModeStopped)
	c.sessions.Stop(sessionID)
	c.sessions.UpdateState(sessionID, session.StateUpdate{ClearExecutionPoint: true})
	return nil, nil
}

// appendHistory records an execution point, evicting the oldest entries
// beyond maxSize.
func (c *Controller) appendHistory(sessionID string, point session.ExecutionPoint, maxSize int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	points := append(c.history[sessionID], point)
	if maxSize > 0 && len(points) > maxSize {
		points = points[len(points)-maxSize:]
	}
	c.history[sessionID] = points
}

// GetExecutionHistory returns a copy of the session's recorded points in
// execution order.
func (c *Controller) GetExecutionHistory(sessionID string) []session.ExecutionPoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]session.ExecutionPoint(nil), c.history[sessionID]...)
}

// GetCurrentExecutionPoint returns the point the session is parked on,
// or nil.
func (c *Controller) GetCurrentExecutionPoint(sessionID string) *session.ExecutionPoint {
	sess := c.sessions.Get(sessionID)
	if sess == nil {
		return nil
	}
	return sess.State.CurrentExecutionPoint
}

// GetActiveQueries returns copies of all in-flight query executions.
func (c *Controller) GetActiveQueries() []*QueryExecution {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*QueryExecution, 0, len(c.active))
	for _, execution := range c.active {
		cp := *execution
		out = append(out, &cp)
	}
	return out
}

// ClearHistory drops the session's recorded execution points.
func (c *Controller) ClearHistory(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.history, sessionID)
}

// ReleaseSession tears down controller state for a deleted session:
// history, mode tracking, and any pause waiter (released as stopped).
func (c *Controller) ReleaseSession(sessionID string) {
	c.setMode(sessionID, ModeStopped)
	c.mu.Lock()
	delete(c.history, sessionID)
	delete(c.modes, sessionID)
	c.mu.Unlock()
}
