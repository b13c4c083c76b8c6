// Package session owns debug session records: creation under a per-user
// quota, state transitions, metadata bookkeeping, and reaping of stopped
// sessions. All state is in-memory and process-lifetime only.
package session

import (
	"time"
)

// Status is the persisted session status.
type Status string

const (
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// DebugLevel is the ordered verbosity level for a session.
type DebugLevel int

const (
	LevelProduction DebugLevel = iota
	LevelMinimal
	LevelNormal
	LevelVerbose
	LevelMaximum
)

// String returns the wire name of the debug level.
func (l DebugLevel) String() string {
	switch l {
	case LevelProduction:
		return "production"
	case LevelMinimal:
		return "minimal"
	case LevelNormal:
		return "normal"
	case LevelVerbose:
		return "verbose"
	case LevelMaximum:
		return "maximum"
	default:
		return "unknown"
	}
}

// ParseDebugLevel maps a wire name to a DebugLevel. Unknown names map to
// LevelNormal, the creation default.
func ParseDebugLevel(s string) DebugLevel {
	switch s {
	case "production":
		return LevelProduction
	case "minimal":
		return LevelMinimal
	case "normal":
		return LevelNormal
	case "verbose":
		return LevelVerbose
	case "maximum":
		return LevelMaximum
	default:
		return LevelNormal
	}
}

// Stage is an execution pipeline stage.
type Stage string

const (
	StageParse    Stage = "parse"
	StageAnalyze  Stage = "analyze"
	StageRewrite  Stage = "rewrite"
	StagePlan     Stage = "plan"
	StageExecute  Stage = "execute"
	StageComplete Stage = "complete"
)

// ExecutionPoint is one recorded step of statement execution: the unit of
// history and of breakpoint/pause targeting. Immutable once created.
type ExecutionPoint struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	QueryID     string    `json:"queryId"`
	Stage       Stage     `json:"stage"`
	LineNumber  int       `json:"lineNumber,omitempty"`
	ProcedureID string    `json:"procedureId,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"` // BLAKE3 of normalized statement text
}

// Config holds per-session debug configuration.
type Config struct {
	Database         string     `json:"database"`
	DebugLevel       DebugLevel `json:"debugLevel"`
	AutoBreakOnError bool       `json:"autoBreakOnError"`
	MaxHistorySize   int        `json:"maxHistorySize"`
	EnableTimeTravel bool       `json:"enableTimeTravel"`
}

// DefaultConfig returns the configuration applied at session creation
// before overrides.
func DefaultConfig() Config {
	return Config{
		DebugLevel:       LevelNormal,
		AutoBreakOnError: true,
		MaxHistorySize:   1000,
		EnableTimeTravel: true,
	}
}

// StackFrame is one entry of a session's call stack. The engine does not
// track real procedure calls yet; frames are populated by callers that do.
type StackFrame struct {
	ProcedureID string `json:"procedureId"`
	LineNumber  int    `json:"lineNumber"`
	Name        string `json:"name,omitempty"`
}

// State is the mutable debugger-visible state of a session.
type State struct {
	Status                Status          `json:"status"`
	ActiveBreakpoints     []string        `json:"activeBreakpoints"`
	CallStack             []StackFrame    `json:"callStack"`
	CurrentExecutionPoint *ExecutionPoint `json:"currentExecutionPoint,omitempty"`
}

// Metadata accumulates per-session execution counters.
type Metadata struct {
	TotalQueries       int           `json:"totalQueries"`
	BreakpointHits     int           `json:"breakpointHits"`
	TotalExecutionTime time.Duration `json:"totalExecutionTime"`
}

// Session is a single debug session. Exclusively owned by its creating
// user; ownership is enforced by callers, the engine trusts UserID.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"connectionId"`
	CreatedAt    time.Time `json:"createdAt"`
	Config       Config    `json:"config"`
	State        State     `json:"state"`
	Metadata     Metadata  `json:"metadata"`
}

// StateUpdate is a shallow partial update of a session's State. Nil
// fields are left unchanged.
type StateUpdate struct {
	Status                *Status
	ActiveBreakpoints     []string
	CallStack             []StackFrame
	CurrentExecutionPoint *ExecutionPoint
	ClearExecutionPoint   bool
}

// MetadataUpdate is a shallow partial update of a session's Metadata.
// Deltas are added to the stored counters.
type MetadataUpdate struct {
	TotalQueriesDelta       int
	BreakpointHitsDelta     int
	TotalExecutionTimeDelta time.Duration
}
