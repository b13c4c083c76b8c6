package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sqlstep/sqlstep/core/engine"
	"github.com/sqlstep/sqlstep/core/exec"
	"github.com/sqlstep/sqlstep/core/inspect"
	"github.com/sqlstep/sqlstep/core/session"
)

// echoRunner answers every statement with one row carrying its text.
func echoRunner(ctx context.Context, statement string, params []any) (*exec.Result, error) {
	return &exec.Result{
		Rows:     []map[string]any{{"statement": statement}},
		RowCount: 1,
		Fields:   []string{"statement"},
	}, nil
}

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	eng := engine.New(engine.RunnerProviderFunc(func(sess *session.Session) (exec.Runner, error) {
		return echoRunner, nil
	}))
	t.Cleanup(eng.Close)
	return eng
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	handler, teardown, err := Setup(cfg, newTestEngine(t))
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(func() {
		ts.Close()
		teardown()
	})
	return ts
}

// doRequest issues a request as the given user and decodes the envelope.
func doRequest(t *testing.T, method, url, userID string, body any) (int, APIResponse) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var envelope APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, envelope
}

// decodeData re-marshals the envelope's data into out.
func decodeData(t *testing.T, envelope APIResponse, out any) {
	t.Helper()
	raw, err := json.Marshal(envelope.Data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
}

func createTestSession(t *testing.T, ts *httptest.Server, userID string) session.Session {
	t.Helper()
	status, envelope := doRequest(t, http.MethodPost, ts.URL+"/sessions", userID, CreateSessionRequest{
		ConnectionID: "conn-1",
		Database:     "testdb",
	})
	if status != http.StatusCreated {
		t.Fatalf("create session: status %d, error %+v", status, envelope.Error)
	}
	var sess session.Session
	decodeData(t, envelope, &sess)
	return sess
}

func TestRootAndHealth(t *testing.T) {
	ts := newTestServer(t, Config{})

	status, envelope := doRequest(t, http.MethodGet, ts.URL+"/", "", nil)
	if status != http.StatusOK || !envelope.Success {
		t.Fatalf("root: status %d success %v", status, envelope.Success)
	}

	status, envelope = doRequest(t, http.MethodGet, ts.URL+"/health", "", nil)
	if status != http.StatusOK {
		t.Fatalf("health: status %d", status)
	}
	var health HealthInfo
	decodeData(t, envelope, &health)
	if health.Status != "ok" || health.Version != Version {
		t.Errorf("health = %+v", health)
	}

	status, _ = doRequest(t, http.MethodGet, ts.URL+"/no-such-endpoint", "", nil)
	if status != http.StatusNotFound {
		t.Errorf("unknown endpoint: status %d, want 404", status)
	}
}

func TestSessionCRUD(t *testing.T) {
	ts := newTestServer(t, Config{})
	sess := createTestSession(t, ts, "alice")

	if sess.UserID != "alice" || sess.ConnectionID != "conn-1" {
		t.Fatalf("created session = %+v", sess)
	}
	if sess.Config.Database != "testdb" {
		t.Errorf("database override not applied: %q", sess.Config.Database)
	}

	status, envelope := doRequest(t, http.MethodGet, ts.URL+"/sessions", "alice", nil)
	if status != http.StatusOK || envelope.Meta.Total != 1 {
		t.Fatalf("list: status %d total %d", status, envelope.Meta.Total)
	}

	status, _ = doRequest(t, http.MethodGet, ts.URL+"/sessions/"+sess.ID, "alice", nil)
	if status != http.StatusOK {
		t.Fatalf("get: status %d", status)
	}

	status, _ = doRequest(t, http.MethodDelete, ts.URL+"/sessions/"+sess.ID, "alice", nil)
	if status != http.StatusOK {
		t.Fatalf("delete: status %d", status)
	}

	status, _ = doRequest(t, http.MethodGet, ts.URL+"/sessions/"+sess.ID, "alice", nil)
	if status != http.StatusNotFound {
		t.Errorf("get after delete: status %d, want 404", status)
	}
}

func TestSessionOwnership(t *testing.T) {
	ts := newTestServer(t, Config{})
	sess := createTestSession(t, ts, "alice")

	status, envelope := doRequest(t, http.MethodGet, ts.URL+"/sessions/"+sess.ID, "bob", nil)
	if status != http.StatusForbidden {
		t.Fatalf("cross-user get: status %d, want 403", status)
	}
	if envelope.Error == nil || envelope.Error.Code != "FORBIDDEN" {
		t.Errorf("error = %+v", envelope.Error)
	}

	// Anonymous callers see their own empty list, not alice's session.
	status, envelope = doRequest(t, http.MethodGet, ts.URL+"/sessions", "", nil)
	if status != http.StatusOK || envelope.Meta.Total != 0 {
		t.Errorf("anonymous list: status %d total %d", status, envelope.Meta.Total)
	}
}

func TestExecuteQuerySync(t *testing.T) {
	ts := newTestServer(t, Config{})
	sess := createTestSession(t, ts, "alice")

	status, envelope := doRequest(t, http.MethodPost, ts.URL+"/sessions/"+sess.ID+"/execute", "alice", ExecuteRequest{
		Query: "SELECT 1; SELECT 2;",
	})
	if status != http.StatusOK {
		t.Fatalf("execute: status %d error %+v", status, envelope.Error)
	}

	var result exec.Result
	decodeData(t, envelope, &result)
	if result.RowCount != 2 || len(result.Rows) != 2 {
		t.Errorf("result = %+v, want 2 aggregated rows", result)
	}
}

func TestExecuteQueryValidation(t *testing.T) {
	ts := newTestServer(t, Config{})
	sess := createTestSession(t, ts, "alice")

	status, envelope := doRequest(t, http.MethodPost, ts.URL+"/sessions/"+sess.ID+"/execute", "alice", ExecuteRequest{
		Query: "   ",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("empty query: status %d", status)
	}
	if envelope.Error.Code != "INVALID_QUERY" {
		t.Errorf("error code = %q", envelope.Error.Code)
	}
}

func TestBreakpointEndpoints(t *testing.T) {
	ts := newTestServer(t, Config{})
	sess := createTestSession(t, ts, "alice")
	base := ts.URL + "/sessions/" + sess.ID + "/breakpoints"

	status, envelope := doRequest(t, http.MethodPost, base, "alice", BreakpointRequest{
		Type:         "query",
		QueryPattern: "orders",
	})
	if status != http.StatusCreated {
		t.Fatalf("create breakpoint: status %d error %+v", status, envelope.Error)
	}
	var bp struct {
		ID string `json:"id"`
	}
	decodeData(t, envelope, &bp)
	if bp.ID == "" {
		t.Fatal("breakpoint has no id")
	}

	status, envelope = doRequest(t, http.MethodGet, base, "alice", nil)
	if status != http.StatusOK || envelope.Meta.Total != 1 {
		t.Fatalf("list: status %d total %d", status, envelope.Meta.Total)
	}

	status, _ = doRequest(t, http.MethodDelete, base+"/"+bp.ID, "alice", nil)
	if status != http.StatusOK {
		t.Fatalf("delete breakpoint: status %d", status)
	}

	status, envelope = doRequest(t, http.MethodGet, base, "alice", nil)
	if envelope.Meta.Total != 0 {
		t.Errorf("after delete: total %d, want 0", envelope.Meta.Total)
	}

	status, envelope = doRequest(t, http.MethodPost, base, "alice", BreakpointRequest{
		Type:      "query",
		Condition: "rowCount >\x00 10",
	})
	if status != http.StatusBadRequest {
		t.Errorf("null byte in condition: status %d, want 400", status)
	}
}

func TestBreakpointDeleteCrossSession(t *testing.T) {
	ts := newTestServer(t, Config{})
	alice := createTestSession(t, ts, "alice")
	bob := createTestSession(t, ts, "bob")

	status, envelope := doRequest(t, http.MethodPost, ts.URL+"/sessions/"+alice.ID+"/breakpoints", "alice", BreakpointRequest{
		Type:         "query",
		QueryPattern: "orders",
	})
	if status != http.StatusCreated {
		t.Fatalf("create breakpoint: status %d error %+v", status, envelope.Error)
	}
	var bp struct {
		ID string `json:"id"`
	}
	decodeData(t, envelope, &bp)

	// A breakpoint id resolves only through the session that owns it.
	status, envelope = doRequest(t, http.MethodDelete, ts.URL+"/sessions/"+bob.ID+"/breakpoints/"+bp.ID, "bob", nil)
	if status != http.StatusNotFound {
		t.Fatalf("cross-session delete: status %d error %+v, want 404", status, envelope.Error)
	}

	status, envelope = doRequest(t, http.MethodGet, ts.URL+"/sessions/"+alice.ID+"/breakpoints", "alice", nil)
	if status != http.StatusOK || envelope.Meta.Total != 1 {
		t.Errorf("after cross-session delete: status %d total %d, want the breakpoint to survive", status, envelope.Meta.Total)
	}
}

func TestControlActions(t *testing.T) {
	ts := newTestServer(t, Config{})
	sess := createTestSession(t, ts, "alice")
	base := ts.URL + "/sessions/" + sess.ID

	status, _ := doRequest(t, http.MethodPost, base+"/control/pause", "alice", nil)
	if status != http.StatusOK {
		t.Fatalf("pause: status %d", status)
	}

	status, _ = doRequest(t, http.MethodPost, base+"/continue", "alice", nil)
	if status != http.StatusOK {
		t.Fatalf("continue: status %d", status)
	}

	status, _ = doRequest(t, http.MethodPost, base+"/step", "alice", nil)
	if status != http.StatusOK {
		t.Fatalf("step: status %d", status)
	}

	status, envelope := doRequest(t, http.MethodPost, base+"/control/teleport", "alice", nil)
	if status != http.StatusBadRequest {
		t.Fatalf("unknown action: status %d", status)
	}
	if envelope.Error.Code != "INVALID_ACTION" {
		t.Errorf("error code = %q", envelope.Error.Code)
	}

	// Rewind on a session without time travel is rejected, not a 500.
	status, envelope = doRequest(t, http.MethodPost, base+"/control/rewind", "alice", nil)
	if status != http.StatusBadRequest || envelope.Error.Code != "UNSUPPORTED" {
		t.Errorf("rewind without time travel: status %d code %v", status, envelope.Error)
	}
}

func TestVariablesAndEvaluate(t *testing.T) {
	ts := newTestServer(t, Config{})
	sess := createTestSession(t, ts, "alice")
	base := ts.URL + "/sessions/" + sess.ID

	status, _ := doRequest(t, http.MethodPost, base+"/variables", "alice", VariableRequest{
		Name:  "total",
		Value: 250,
	})
	if status != http.StatusCreated {
		t.Fatalf("set variable: status %d", status)
	}

	status, envelope := doRequest(t, http.MethodGet, base+"/variables", "alice", nil)
	if status != http.StatusOK || envelope.Meta.Total != 1 {
		t.Fatalf("get variables: status %d total %d", status, envelope.Meta.Total)
	}

	status, envelope = doRequest(t, http.MethodPost, base+"/evaluate", "alice", EvaluateRequest{
		Expression: "total > 100",
	})
	if status != http.StatusOK {
		t.Fatalf("evaluate: status %d error %+v", status, envelope.Error)
	}
	var eval struct {
		Result bool `json:"result"`
	}
	decodeData(t, envelope, &eval)
	if !eval.Result {
		t.Error("total > 100 = false, want true")
	}

	status, _ = doRequest(t, http.MethodPost, base+"/variables", "alice", VariableRequest{
		Name:  "bad name!",
		Value: 1,
	})
	if status != http.StatusBadRequest {
		t.Errorf("invalid variable name: status %d, want 400", status)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	ts := newTestServer(t, Config{})
	sess := createTestSession(t, ts, "alice")
	base := ts.URL + "/sessions/" + sess.ID

	doRequest(t, http.MethodPost, base+"/execute", "alice", ExecuteRequest{Query: "SELECT 1; SELECT 2; SELECT 3;"})

	status, envelope := doRequest(t, http.MethodGet, base+"/history", "alice", nil)
	if status != http.StatusOK {
		t.Fatalf("history: status %d", status)
	}
	if envelope.Meta.Total != 3 {
		t.Errorf("history total = %d, want 3", envelope.Meta.Total)
	}
}

func TestInspectEndpoints(t *testing.T) {
	eng := newTestEngine(t)
	handler, teardown, err := Setup(Config{}, eng)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(func() {
		ts.Close()
		teardown()
	})

	eng.Inspector().SetTransactionState(inspect.TransactionState{
		TxnID:  "txn-1",
		Status: "active",
		LocksWaiting: []inspect.Lock{
			{Resource: "orders", Mode: "exclusive", BlockedBy: []string{"txn-2"}},
		},
	})
	eng.Inspector().SetTransactionState(inspect.TransactionState{
		TxnID:  "txn-2",
		Status: "active",
		LocksWaiting: []inspect.Lock{
			{Resource: "users", Mode: "exclusive", BlockedBy: []string{"txn-1"}},
		},
	})

	status, envelope := doRequest(t, http.MethodGet, ts.URL+"/inspect/transactions", "", nil)
	if status != http.StatusOK || envelope.Meta.Total != 2 {
		t.Fatalf("transactions: status %d total %d", status, envelope.Meta.Total)
	}

	status, _ = doRequest(t, http.MethodGet, ts.URL+"/inspect/transactions/txn-1", "", nil)
	if status != http.StatusOK {
		t.Fatalf("transaction by id: status %d", status)
	}

	status, _ = doRequest(t, http.MethodGet, ts.URL+"/inspect/transactions/nope", "", nil)
	if status != http.StatusNotFound {
		t.Errorf("missing transaction: status %d", status)
	}

	status, envelope = doRequest(t, http.MethodGet, ts.URL+"/inspect/deadlocks", "", nil)
	if status != http.StatusOK {
		t.Fatalf("deadlocks: status %d", status)
	}
	var report inspect.DeadlockReport
	decodeData(t, envelope, &report)
	if report.Count != 1 || len(report.Cycles) != 1 {
		t.Errorf("deadlock report = %+v, want one cycle", report)
	}
}

func TestStatsEndpoint(t *testing.T) {
	ts := newTestServer(t, Config{})
	createTestSession(t, ts, "alice")

	status, envelope := doRequest(t, http.MethodGet, ts.URL+"/stats", "", nil)
	if status != http.StatusOK {
		t.Fatalf("stats: status %d", status)
	}
	var stats engine.Statistics
	decodeData(t, envelope, &stats)
	if stats.Sessions.Total != 1 {
		t.Errorf("sessions total = %d, want 1", stats.Sessions.Total)
	}
}

func TestTraceExportDisabled(t *testing.T) {
	ts := newTestServer(t, Config{})
	sess := createTestSession(t, ts, "alice")

	status, envelope := doRequest(t, http.MethodGet, ts.URL+"/sessions/"+sess.ID+"/trace/export", "alice", nil)
	if status != http.StatusNotFound || envelope.Error.Code != "TRACING_DISABLED" {
		t.Errorf("status %d error %+v", status, envelope.Error)
	}
}

func TestBreakpointPauseResumeOverHTTP(t *testing.T) {
	ts := newTestServer(t, Config{})
	sess := createTestSession(t, ts, "alice")
	base := ts.URL + "/sessions/" + sess.ID

	status, _ := doRequest(t, http.MethodPost, base+"/breakpoints", "alice", BreakpointRequest{
		Type:         "query",
		QueryPattern: "orders",
	})
	if status != http.StatusCreated {
		t.Fatalf("create breakpoint: status %d", status)
	}

	done := make(chan exec.Result, 1)
	go func() {
		_, envelope := doRequest(t, http.MethodPost, base+"/execute", "alice", ExecuteRequest{
			Query: "SELECT * FROM orders;",
		})
		var result exec.Result
		decodeData(t, envelope, &result)
		done <- result
	}()

	// Wait until the session reports paused, then resume it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, envelope := doRequest(t, http.MethodGet, base, "alice", nil)
		var got session.Session
		decodeData(t, envelope, &got)
		if string(got.State.Status) == "paused" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never paused")
		}
		time.Sleep(10 * time.Millisecond)
	}

	status, _ = doRequest(t, http.MethodPost, base+"/continue", "alice", nil)
	if status != http.StatusOK {
		t.Fatalf("continue: status %d", status)
	}

	select {
	case result := <-done:
		if result.RowCount != 1 {
			t.Errorf("rowCount = %d, want 1", result.RowCount)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not resolve after resume")
	}
}

func TestEngineErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"not found", errTagged(t, "NOT_FOUND"), http.StatusNotFound, "NOT_FOUND"},
		{"quota", errTagged(t, "QUOTA_EXCEEDED"), http.StatusTooManyRequests, "QUOTA_EXCEEDED"},
		{"unsupported", errTagged(t, "UNSUPPORTED"), http.StatusBadRequest, "UNSUPPORTED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := engineErrorStatus(tt.err)
			if status != tt.want || code != tt.code {
				t.Errorf("engineErrorStatus() = %d %q, want %d %q", status, code, tt.want, tt.code)
			}
		})
	}
}

// errTagged builds an error matching the engine taxonomy for a code.
func errTagged(t *testing.T, code string) error {
	t.Helper()
	eng := newTestEngine(t)
	switch code {
	case "NOT_FOUND":
		_, err := eng.GetSession("missing")
		return err
	case "QUOTA_EXCEEDED":
		for i := 0; i < 5; i++ {
			if _, err := eng.CreateSession("quota-user", "conn", session.ConfigOverrides{}); err != nil {
				t.Fatalf("session %d: %v", i, err)
			}
		}
		_, err := eng.CreateSession("quota-user", "conn", session.ConfigOverrides{})
		return err
	case "UNSUPPORTED":
		sess, err := eng.CreateSession("u", "conn", session.ConfigOverrides{})
		if err != nil {
			t.Fatal(err)
		}
		_, err = eng.RewindSession(sess.ID)
		return err
	}
	t.Fatalf("unknown code %s", code)
	return nil
}

func TestRequestUserIDSanitized(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	if got := requestUserID(req); got != "anonymous" {
		t.Errorf("empty header = %q, want anonymous", got)
	}

	req.Header.Set("X-User-ID", "alice")
	if got := requestUserID(req); got != "alice" {
		t.Errorf("got %q, want alice", got)
	}

	req.Header.Set("X-User-ID", strings.Repeat("x", 500))
	if got := requestUserID(req); len(got) > 128 {
		t.Errorf("long user id not truncated: %d chars", len(got))
	}
}
