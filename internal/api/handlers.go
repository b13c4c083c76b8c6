package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/sqlstep/sqlstep/core/breakpoint"
	"github.com/sqlstep/sqlstep/core/engine"
	"github.com/sqlstep/sqlstep/core/errors"
	"github.com/sqlstep/sqlstep/core/exec"
	"github.com/sqlstep/sqlstep/core/inspect"
	"github.com/sqlstep/sqlstep/core/session"
	"github.com/sqlstep/sqlstep/internal/cache"
	"github.com/sqlstep/sqlstep/internal/server"
	"github.com/sqlstep/sqlstep/internal/validation"
)

// Version is the API version reported by / and /health.
const Version = "0.1.0"

var (
	debugEngine *engine.Engine
	startTime   = time.Now()
)

// APIResponse is the standard API response wrapper.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
	Meta    *APIMeta    `json:"meta,omitempty"`
}

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIMeta contains response metadata.
type APIMeta struct {
	Total     int    `json:"total,omitempty"`
	Timestamp string `json:"timestamp"`
}

// CreateSessionRequest is the request body for session creation.
type CreateSessionRequest struct {
	ConnectionID     string `json:"connectionId"`
	Database         string `json:"database,omitempty"`
	DebugLevel       string `json:"debugLevel,omitempty"`
	AutoBreakOnError *bool  `json:"autoBreakOnError,omitempty"`
	MaxHistorySize   *int   `json:"maxHistorySize,omitempty"`
	EnableTimeTravel *bool  `json:"enableTimeTravel,omitempty"`
}

// ExecuteRequest is the request body for query execution.
type ExecuteRequest struct {
	Query      string `json:"query"`
	Parameters []any  `json:"parameters,omitempty"`
	Async      bool   `json:"async,omitempty"`
}

// BreakpointRequest is the request body for breakpoint creation.
type BreakpointRequest struct {
	Type             string `json:"type"`
	Enabled          *bool  `json:"enabled,omitempty"`
	Condition        string `json:"condition,omitempty"`
	Stage            string `json:"stage,omitempty"`
	QueryPattern     string `json:"queryPattern,omitempty"`
	ProcedureID      string `json:"procedureId,omitempty"`
	LineNumber       int    `json:"lineNumber,omitempty"`
	WatchExpression  string `json:"watchExpression,omitempty"`
	TransactionEvent string `json:"transactionEvent,omitempty"`
	LockEvent        string `json:"lockEvent,omitempty"`
	PlanNodeType     string `json:"planNodeType,omitempty"`
}

// VariableRequest is the request body for setting a session variable.
type VariableRequest struct {
	Scope   string `json:"scope"`
	Name    string `json:"name"`
	Value   any    `json:"value"`
	Mutable bool   `json:"mutable,omitempty"`
}

// EvaluateRequest is the request body for expression evaluation.
type EvaluateRequest struct {
	Expression string `json:"expression"`
}

// HealthInfo is the health check response.
type HealthInfo struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Uptime   string `json:"uptime"`
	Sessions int    `json:"sessions"`
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "Endpoint not found")
		return
	}

	respond(w, http.StatusOK, map[string]interface{}{
		"name":    "sqlstep debug engine API",
		"version": Version,
		"endpoints": []string{
			"GET /health",
			"GET /sessions",
			"POST /sessions",
			"GET /sessions/:id",
			"DELETE /sessions/:id",
			"POST /sessions/:id/execute",
			"POST /sessions/:id/control/:action",
			"POST /sessions/:id/step",
			"POST /sessions/:id/continue",
			"GET /sessions/:id/breakpoints",
			"POST /sessions/:id/breakpoints",
			"DELETE /sessions/:id/breakpoints/:bpId",
			"GET /sessions/:id/history",
			"GET /sessions/:id/variables",
			"POST /sessions/:id/variables",
			"POST /sessions/:id/evaluate",
			"GET /sessions/:id/trace/export",
			"GET /inspect/transactions",
			"GET /inspect/deadlocks",
			"GET /stats",
			"POST /jobs",
			"GET /jobs/:id",
			"DELETE /jobs/:id",
			"WS /ws",
		},
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := debugEngine.GetStatistics()
	respond(w, http.StatusOK, HealthInfo{
		Status:   "ok",
		Version:  Version,
		Uptime:   time.Since(startTime).Round(time.Second).String(),
		Sessions: stats.Sessions.Total,
	})
}

// requestUserID extracts the caller-asserted user identity. The engine
// trusts this value; real authentication happens in the auth middleware.
func requestUserID(r *http.Request) string {
	userID := server.SanitizeUserInput(r.Header.Get("X-User-ID"))
	if userID == "" {
		return "anonymous"
	}
	return server.LimitStringLength(userID, validation.MaxIdentifierLength)
}

func handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		listSessionsHandler(w, r)
	case http.MethodPost:
		createSessionHandler(w, r)
	default:
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET and POST are allowed")
	}
}

func listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions := debugEngine.GetUserSessions(requestUserID(r))
	respondWithTotal(w, http.StatusOK, sessions, len(sessions))
}

func createSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body")
		return
	}

	overrides := session.ConfigOverrides{
		AutoBreakOnError: req.AutoBreakOnError,
		MaxHistorySize:   req.MaxHistorySize,
		EnableTimeTravel: req.EnableTimeTravel,
	}
	if req.Database != "" {
		overrides.Database = &req.Database
	}
	if req.DebugLevel != "" {
		level := session.ParseDebugLevel(req.DebugLevel)
		overrides.DebugLevel = &level
	}

	sess, err := debugEngine.CreateSession(requestUserID(r), req.ConnectionID, overrides)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respond(w, http.StatusCreated, sess)
}

// handleSessionByID dispatches /sessions/{id} and its subresources.
func handleSessionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		respondError(w, http.StatusBadRequest, "MISSING_ID", "Session ID is required")
		return
	}
	id := parts[0]

	sess, ok := requireOwnedSession(w, r, id)
	if !ok {
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			respond(w, http.StatusOK, sess)
		case http.MethodDelete:
			if err := debugEngine.DeleteSession(id); err != nil {
				respondEngineError(w, err)
				return
			}
			respond(w, http.StatusOK, map[string]string{"message": "Session deleted"})
		default:
			respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET and DELETE are allowed")
		}
		return
	}

	switch parts[1] {
	case "execute":
		executeHandler(w, r, id)
	case "control":
		if len(parts) != 3 {
			respondError(w, http.StatusBadRequest, "MISSING_ACTION", "Control action is required")
			return
		}
		controlHandler(w, r, id, parts[2])
	case "step":
		controlHandler(w, r, id, "step")
	case "continue":
		controlHandler(w, r, id, "resume")
	case "breakpoints":
		breakpointsHandler(w, r, id, parts[2:])
	case "history":
		historyHandler(w, r, id)
	case "variables":
		variablesHandler(w, r, id)
	case "evaluate":
		evaluateHandler(w, r, id)
	case "trace":
		if len(parts) == 3 && parts[2] == "export" {
			traceExportHandler(w, r, id)
			return
		}
		respondError(w, http.StatusNotFound, "NOT_FOUND", "Endpoint not found")
	default:
		respondError(w, http.StatusNotFound, "NOT_FOUND", "Endpoint not found")
	}
}

// requireOwnedSession loads the session and enforces caller ownership.
func requireOwnedSession(w http.ResponseWriter, r *http.Request, id string) (*session.Session, bool) {
	sess, err := debugEngine.GetSession(id)
	if err != nil {
		respondEngineError(w, err)
		return nil, false
	}
	if sess.UserID != requestUserID(r) {
		respondError(w, http.StatusForbidden, "FORBIDDEN", "Session belongs to another user")
		return nil, false
	}
	return sess, true
}

func executeHandler(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only POST is allowed")
		return
	}

	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body")
		return
	}
	if err := validation.ValidateQuery(req.Query); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}

	if req.Async {
		job := globalJobStore.Create(id, req.Query, req.Parameters)
		runJob(job)
		respond(w, http.StatusAccepted, job.View())
		return
	}

	result, err := debugEngine.ExecuteQuery(r.Context(), id, req.Query, req.Parameters)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respond(w, http.StatusOK, result)
}

func controlHandler(w http.ResponseWriter, r *http.Request, id, action string) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only POST is allowed")
		return
	}

	var err error
	switch action {
	case "resume":
		err = debugEngine.ResumeSession(id)
	case "pause":
		err = debugEngine.PauseSession(id)
	case "step":
		err = debugEngine.StepSession(id, exec.StepOver)
	case "stepInto":
		err = debugEngine.StepSession(id, exec.StepInto)
	case "stepOut":
		err = debugEngine.StepSession(id, exec.StepOut)
	case "stop":
		err = debugEngine.StopSession(id)
	case "rewind":
		var point *session.ExecutionPoint
		point, err = debugEngine.RewindSession(id)
		if err == nil {
			respond(w, http.StatusOK, map[string]any{
				"action":         action,
				"executionPoint": point,
			})
			return
		}
	default:
		respondError(w, http.StatusBadRequest, "INVALID_ACTION", "Unknown control action "+action)
		return
	}

	if err != nil {
		respondEngineError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"action": action})
}

func breakpointsHandler(w http.ResponseWriter, r *http.Request, id string, rest []string) {
	if len(rest) == 1 && rest[0] != "" {
		if r.Method != http.MethodDelete {
			respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only DELETE is allowed")
			return
		}
		bp, err := debugEngine.GetBreakpoint(rest[0])
		if err != nil {
			respondEngineError(w, err)
			return
		}
		// The path's session id is ownership-checked upstream; a known
		// breakpoint id from another session must not resolve through it.
		if bp.SessionID != id {
			respondError(w, http.StatusNotFound, "NOT_FOUND", "Breakpoint not found for this session")
			return
		}
		if err := debugEngine.RemoveBreakpoint(rest[0]); err != nil {
			respondEngineError(w, err)
			return
		}
		respond(w, http.StatusOK, map[string]string{"message": "Breakpoint removed"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		bps := debugEngine.GetBreakpoints(id)
		respondWithTotal(w, http.StatusOK, bps, len(bps))
	case http.MethodPost:
		var req BreakpointRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body")
			return
		}
		if err := validation.ValidateExpression(req.Condition); err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_CONDITION", err.Error())
			return
		}
		bp, err := debugEngine.SetBreakpoint(id, breakpoint.Type(req.Type), breakpoint.Params{
			Enabled:          req.Enabled,
			Condition:        req.Condition,
			Stage:            session.Stage(req.Stage),
			QueryPattern:     req.QueryPattern,
			ProcedureID:      req.ProcedureID,
			LineNumber:       req.LineNumber,
			WatchExpression:  req.WatchExpression,
			TransactionEvent: req.TransactionEvent,
			LockEvent:        req.LockEvent,
			PlanNodeType:     req.PlanNodeType,
		})
		if err != nil {
			respondEngineError(w, err)
			return
		}
		respond(w, http.StatusCreated, bp)
	case http.MethodDelete:
		removed := debugEngine.ClearBreakpoints(id)
		respond(w, http.StatusOK, map[string]int{"removed": removed})
	default:
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET, POST and DELETE are allowed")
	}
}

func historyHandler(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET is allowed")
		return
	}
	points := debugEngine.GetExecutionHistory(id)
	respondWithTotal(w, http.StatusOK, map[string]any{
		"history":               points,
		"currentExecutionPoint": debugEngine.GetCurrentExecutionPoint(id),
	}, len(points))
}

func variablesHandler(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		scope := r.URL.Query().Get("scope")
		if scope == "" {
			scope = "local"
		}
		vars := debugEngine.GetVariables(id, scope)
		respondWithTotal(w, http.StatusOK, vars, len(vars))
	case http.MethodPost:
		var req VariableRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body")
			return
		}
		if err := validation.ValidateIdentifier(req.Name); err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_NAME", err.Error())
			return
		}
		scope := req.Scope
		if scope == "" {
			scope = "local"
		}
		if err := debugEngine.SetVariable(id, scope, inspect.Variable{
			Name:    req.Name,
			Value:   req.Value,
			Scope:   scope,
			Mutable: req.Mutable,
		}); err != nil {
			respondEngineError(w, err)
			return
		}
		respond(w, http.StatusCreated, map[string]string{"message": "Variable set"})
	default:
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET and POST are allowed")
	}
}

func evaluateHandler(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only POST is allowed")
		return
	}

	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body")
		return
	}
	if err := validation.ValidateExpression(req.Expression); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_EXPRESSION", err.Error())
		return
	}

	result, err := debugEngine.Evaluate(id, req.Expression)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			respondEngineError(w, err)
			return
		}
		respondError(w, http.StatusBadRequest, "EVALUATION_FAILED", err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"expression": req.Expression,
		"result":     result,
	})
}

func traceExportHandler(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET is allowed")
		return
	}
	if traceRecorder == nil {
		respondError(w, http.StatusNotFound, "TRACING_DISABLED", "Trace recording is not enabled")
		return
	}

	filename, err := validation.SanitizeFilename("session-" + id + ".trace.xz")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-xz")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	if err := traceRecorder.Export(w, id); err != nil {
		// Headers are already out; all we can do is log.
		respondError(w, http.StatusInternalServerError, "EXPORT_FAILED", err.Error())
	}
}

// handleInspect dispatches /inspect/transactions, /inspect/transactions/{id},
// /inspect/deadlocks and /inspect/blocking/{id}.
func handleInspect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET is allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/inspect/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	inspector := debugEngine.Inspector()

	switch parts[0] {
	case "transactions":
		if len(parts) == 2 {
			txn := inspector.GetTransactionState(parts[1])
			if txn == nil {
				respondError(w, http.StatusNotFound, "NOT_FOUND", "Transaction not found")
				return
			}
			respond(w, http.StatusOK, txn)
			return
		}
		txns := inspector.GetActiveTransactions()
		respondWithTotal(w, http.StatusOK, txns, len(txns))
	case "deadlocks":
		respond(w, http.StatusOK, inspector.DetectDeadlocks())
	case "blocking":
		if len(parts) != 2 {
			respondError(w, http.StatusBadRequest, "MISSING_ID", "Transaction ID is required")
			return
		}
		respond(w, http.StatusOK, inspector.GetBlockingTree(parts[1]))
	default:
		respondError(w, http.StatusNotFound, "NOT_FOUND", "Endpoint not found")
	}
}

// statsCache smooths dashboard polling; a one second stale snapshot is
// fine for aggregate counters.
var statsCache = cache.New[string, engine.Statistics](time.Second)

func handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET is allowed")
		return
	}

	stats, ok := statsCache.Get("engine")
	if !ok {
		stats = debugEngine.GetStatistics()
		statsCache.Set("engine", stats)
	}
	respond(w, http.StatusOK, stats)
}

// engineErrorStatus maps the engine error taxonomy onto an HTTP status
// and a stable error code. Runner failures fall through to QUERY_FAILED
// and surface verbatim so the caller sees the underlying database error.
func engineErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, errors.ErrQuotaExceeded):
		return http.StatusTooManyRequests, "QUOTA_EXCEEDED"
	case errors.Is(err, errors.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, errors.ErrUnauthorized):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, errors.ErrUnsupported):
		return http.StatusBadRequest, "UNSUPPORTED"
	case errors.Is(err, errors.ErrStopped):
		return http.StatusConflict, "SESSION_STOPPED"
	default:
		return http.StatusUnprocessableEntity, "QUERY_FAILED"
	}
}

func engineErrorCode(err error) string {
	_, code := engineErrorStatus(err)
	return code
}

func respondEngineError(w http.ResponseWriter, err error) {
	status, code := engineErrorStatus(err)
	respondError(w, status, code, err.Error())
}

func respond(w http.ResponseWriter, status int, data interface{}) {
	response := APIResponse{
		Success: true,
		Data:    data,
		Meta: &APIMeta{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

func respondWithTotal(w http.ResponseWriter, status int, data interface{}, total int) {
	response := APIResponse{
		Success: true,
		Data:    data,
		Meta: &APIMeta{
			Total:     total,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	response := APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
		},
		Meta: &APIMeta{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}
