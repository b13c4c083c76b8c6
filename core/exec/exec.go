// Package exec drives statement-by-statement query execution for debug
// sessions: it records execution points, evaluates breakpoints at each
// statement boundary, suspends cooperatively while paused or stepping,
// aggregates per-statement results, and supports rewinding through
// recorded history.
package exec

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/sqlstep/sqlstep/core/session"
)

// Result is the outcome of running one statement, or the aggregate of a
// whole query. Fields carry column names of the latest statement that
// returned any.
type Result struct {
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"rowCount"`
	Fields   []string         `json:"fields"`
}

// Runner executes one SQL statement against a real database. It is
// supplied by the caller; the engine never opens connections itself.
type Runner func(ctx context.Context, statement string, params []any) (*Result, error)

// Mode is a session's runtime execution mode, distinct from the
// persisted session status. The controller consults it at every
// statement boundary to decide whether to pause.
type Mode string

const (
	ModeRunning  Mode = "running"
	ModePaused   Mode = "paused"
	ModeStepping Mode = "stepping"
	ModeStopped  Mode = "stopped"
)

// PauseReason tags why execution suspended.
type PauseReason string

const (
	ReasonBreakpoint PauseReason = "breakpoint"
	ReasonStep       PauseReason = "step"
	ReasonPause      PauseReason = "pause"
)

// StepType tags a stepping request. The engine tracks no real procedure
// call stack, so all three behave identically; the tag is preserved for
// protocol clients.
type StepType string

const (
	StepOver StepType = "over"
	StepInto StepType = "into"
	StepOut  StepType = "out"
)

// QueryStatus is the lifecycle status of one executeQuery call.
type QueryStatus string

const (
	QueryRunning   QueryStatus = "running"
	QueryCompleted QueryStatus = "completed"
	QueryFailed    QueryStatus = "failed"
)

// QueryExecution tracks one in-flight or just-finished executeQuery
// call. It is removed from the pending set when the call returns.
type QueryExecution struct {
	QueryID    string        `json:"queryId"`
	SessionID  string        `json:"sessionId"`
	SQL        string        `json:"sql"`
	Parameters []any         `json:"parameters"`
	StartTime  time.Time     `json:"startTime"`
	EndTime    *time.Time    `json:"endTime,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Status     QueryStatus   `json:"status"`
	Result     *Result       `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// InverseGenerator is the future extension seam for true time-travel:
// an implementation would produce compensating statements for a rewound
// execution point. The controller only reports what it would have run;
// rewind remains a history-pointer rollback, never a data-level undo.
type InverseGenerator interface {
	InverseFor(point session.ExecutionPoint) (string, bool)
}

// fingerprint returns the BLAKE3 fingerprint of a statement's
// whitespace-normalized text, used for trace correlation.
func fingerprint(statement string) string {
	normalized := strings.Join(strings.Fields(statement), " ")
	sum := blake3.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
