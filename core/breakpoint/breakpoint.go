// Package breakpoint owns per-session breakpoint records and decides
// whether statement execution should stop at a given execution point.
package breakpoint

import (
	"regexp"
	"time"

	"github.com/sqlstep/sqlstep/core/condition"
	"github.com/sqlstep/sqlstep/core/session"
)

// Type discriminates the breakpoint tagged union.
type Type string

const (
	// TypeQuery breaks on statements matching a stage and/or text pattern.
	TypeQuery Type = "query"
	// TypeLine breaks on an exact procedure/line execution point.
	TypeLine Type = "line"
	// TypeData breaks on a watch expression change. Evaluation is not
	// implemented: it requires data instrumentation the runner does not
	// provide yet, so it never fires.
	TypeData Type = "data"
	// TypeTransaction breaks on transaction events. Never fires (see TypeData).
	TypeTransaction Type = "transaction"
	// TypeLock breaks on lock events. Never fires (see TypeData).
	TypeLock Type = "lock"
	// TypePlan breaks on plan nodes. Never fires (see TypeData).
	TypePlan Type = "plan"
)

// ValidTypes lists every accepted breakpoint type.
var ValidTypes = []Type{TypeQuery, TypeLine, TypeData, TypeTransaction, TypeLock, TypePlan}

// IsValidType reports whether t is one of the defined breakpoint types.
func IsValidType(t Type) bool {
	for _, v := range ValidTypes {
		if t == v {
			return true
		}
	}
	return false
}

// Breakpoint is a persisted rule that, when matched against an execution
// context, suspends execution. Variant fields beyond the common set are
// meaningful only for their type.
type Breakpoint struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionId"`
	Type      Type       `json:"type"`
	Enabled   bool       `json:"enabled"`
	HitCount  int        `json:"hitCount"`
	LastHit   *time.Time `json:"lastHit,omitempty"`
	Condition string     `json:"condition,omitempty"`

	// query variant
	Stage        session.Stage `json:"stage,omitempty"`
	QueryPattern string        `json:"queryPattern,omitempty"`

	// line variant
	ProcedureID string `json:"procedureId,omitempty"`
	LineNumber  int    `json:"lineNumber,omitempty"`

	// data variant (reserved until instrumentation exists)
	WatchExpression string `json:"watchExpression,omitempty"`

	// transaction variant (reserved)
	TransactionEvent string `json:"transactionEvent,omitempty"`

	// lock variant (reserved)
	LockEvent string `json:"lockEvent,omitempty"`

	// plan variant (reserved)
	PlanNodeType string `json:"planNodeType,omitempty"`

	pattern *regexp.Regexp
	program *condition.Program
}

// Context is the per-statement execution context breakpoints are
// evaluated against. It is constructed for one statement and discarded.
type Context struct {
	SessionID     string
	QueryID       string
	Query         string
	Parameters    []any
	StartTime     time.Time
	UserID        string
	ConnectionID  string
	Point         session.ExecutionPoint
	Variables     map[string]any
	TransactionID string
}

// Params holds caller-supplied breakpoint fields merged over the
// defaults (enabled, zero hit count) at creation.
type Params struct {
	Enabled          *bool
	Condition        string
	Stage            session.Stage
	QueryPattern     string
	ProcedureID      string
	LineNumber       int
	WatchExpression  string
	TransactionEvent string
	LockEvent        string
	PlanNodeType     string
}
