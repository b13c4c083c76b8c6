// Package inspect tracks debugger-visible runtime state: variables by
// scope, transaction states, and lock graphs. It derives blocking trees
// and deadlock cycles from the wait-for graph. It is a pure data store:
// callers push state in, nothing is collected automatically.
package inspect

import (
	"sort"
	"strings"
	"sync"

	"github.com/sqlstep/sqlstep/core/breakpoint"
)

// Variable is a named debugger-visible value within a scope.
type Variable struct {
	Name    string `json:"name"`
	Value   any    `json:"value"`
	Type    string `json:"type"`
	Scope   string `json:"scope"`
	Mutable bool   `json:"mutable"`
}

// Lock describes one lock a transaction holds or waits on. BlockedBy and
// Blocking carry transaction ids and form the edges of the wait-for graph.
type Lock struct {
	Resource  string   `json:"resource"`
	Mode      string   `json:"mode"`
	BlockedBy []string `json:"blockedBy,omitempty"`
	Blocking  []string `json:"blocking,omitempty"`
}

// TxnStatus is a transaction's lifecycle status.
type TxnStatus string

const (
	TxnActive     TxnStatus = "active"
	TxnCommitted  TxnStatus = "committed"
	TxnRolledBack TxnStatus = "rolledback"
)

// TransactionState is the inspector's view of one transaction.
type TransactionState struct {
	TxnID        string    `json:"txnId"`
	Status       TxnStatus `json:"status"`
	LocksHeld    []Lock    `json:"locksHeld"`
	LocksWaiting []Lock    `json:"locksWaiting"`
}

// BlockingTree is the one-hop blocking neighborhood of a transaction.
type BlockingTree struct {
	Blocked   []string `json:"blocked"`   // transactions this one is blocking
	BlockedBy []string `json:"blockedBy"` // transactions blocking this one
}

// DeadlockReport lists detected wait-for cycles.
type DeadlockReport struct {
	Cycles [][]string `json:"cycles"`
	Count  int        `json:"count"`
}

// Snapshot is a captured view of a context's variables joined with its
// transaction state, if any.
type Snapshot struct {
	Variables   []Variable        `json:"variables"`
	Transaction *TransactionState `json:"transaction,omitempty"`
}

// Statistics summarizes inspector state.
type Statistics struct {
	ActiveTransactions  int `json:"activeTransactions"`
	BlockedTransactions int `json:"blockedTransactions"`
	TotalLocks          int `json:"totalLocks"`
	DeadlockCycles      int `json:"deadlockCycles"`
}

// Inspector stores variables keyed by sessionID:scope and transactions
// keyed by txn id. Safe for concurrent use.
type Inspector struct {
	mu           sync.RWMutex
	variables    map[string]map[string]Variable // "sessionID:scope" -> name -> Variable
	transactions map[string]*TransactionState
}

// New creates an empty Inspector.
func New() *Inspector {
	return &Inspector{
		variables:    make(map[string]map[string]Variable),
		transactions: make(map[string]*TransactionState),
	}
}

func scopeKey(sessionID, scope string) string {
	return sessionID + ":" + scope
}

// SetVariable stores v under the session's scope, last write wins per
// variable name.
func (i *Inspector) SetVariable(sessionID, scope string, v Variable) {
	i.mu.Lock()
	defer i.mu.Unlock()

	key := scopeKey(sessionID, scope)
	vars, ok := i.variables[key]
	if !ok {
		vars = make(map[string]Variable)
		i.variables[key] = vars
	}
	v.Scope = scope
	vars[v.Name] = v
}

// GetVariables returns the session scope's variables sorted by name,
// possibly empty.
func (i *Inspector) GetVariables(sessionID, scope string) []Variable {
	i.mu.RLock()
	defer i.mu.RUnlock()

	vars := i.variables[scopeKey(sessionID, scope)]
	out := make([]Variable, 0, len(vars))
	for _, v := range vars {
		out = append(out, v)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// VariableMap flattens a session scope to name -> value, the shape the
// breakpoint condition evaluator consumes.
func (i *Inspector) VariableMap(sessionID, scope string) map[string]any {
	i.mu.RLock()
	defer i.mu.RUnlock()

	vars := i.variables[scopeKey(sessionID, scope)]
	out := make(map[string]any, len(vars))
	for name, v := range vars {
		out[name] = v.Value
	}
	return out
}

// SessionVariableMap merges every scope of a session into one name ->
// value map. Scope keys are walked in sorted order so collisions resolve
// deterministically (later scope names win).
func (i *Inspector) SessionVariableMap(sessionID string) map[string]any {
	i.mu.RLock()
	defer i.mu.RUnlock()

	prefix := sessionID + ":"
	var keys []string
	for key := range i.variables {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := make(map[string]any)
	for _, key := range keys {
		for name, v := range i.variables[key] {
			out[name] = v.Value
		}
	}
	return out
}

// SetTransactionState stores or replaces a transaction's state.
func (i *Inspector) SetTransactionState(state TransactionState) {
	i.mu.Lock()
	defer i.mu.Unlock()
	cp := copyTxn(&state)
	i.transactions[state.TxnID] = cp
}

// GetTransactionState returns a copy of the transaction, or nil.
func (i *Inspector) GetTransactionState(txnID string) *TransactionState {
	i.mu.RLock()
	defer i.mu.RUnlock()
	txn, ok := i.transactions[txnID]
	if !ok {
		return nil
	}
	return copyTxn(txn)
}

// GetActiveTransactions returns copies of all transactions with active
// status, sorted by id.
func (i *Inspector) GetActiveTransactions() []*TransactionState {
	i.mu.RLock()
	defer i.mu.RUnlock()

	var out []*TransactionState
	for _, txn := range i.transactions {
		if txn.Status == TxnActive {
			out = append(out, copyTxn(txn))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].TxnID < out[b].TxnID })
	return out
}

// GetTransactionLocks returns the held and waiting lock lists for a
// transaction. Both are empty if the transaction is unknown.
func (i *Inspector) GetTransactionLocks(txnID string) (held, waiting []Lock) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	txn, ok := i.transactions[txnID]
	if !ok {
		return nil, nil
	}
	return copyLocks(txn.LocksHeld), copyLocks(txn.LocksWaiting)
}

// IsTransactionBlocked reports whether the transaction waits on any lock.
func (i *Inspector) IsTransactionBlocked(txnID string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	txn, ok := i.transactions[txnID]
	return ok && len(txn.LocksWaiting) > 0
}

// GetBlockingTree unions the blockedBy ids across waiting locks and the
// blocking ids across held locks of one transaction.
func (i *Inspector) GetBlockingTree(txnID string) BlockingTree {
	i.mu.RLock()
	defer i.mu.RUnlock()

	tree := BlockingTree{Blocked: []string{}, BlockedBy: []string{}}
	txn, ok := i.transactions[txnID]
	if !ok {
		return tree
	}

	blockedBy := make(map[string]struct{})
	for _, lock := range txn.LocksWaiting {
		for _, id := range lock.BlockedBy {
			blockedBy[id] = struct{}{}
		}
	}
	blocking := make(map[string]struct{})
	for _, lock := range txn.LocksHeld {
		for _, id := range lock.Blocking {
			blocking[id] = struct{}{}
		}
	}

	for id := range blocking {
		tree.Blocked = append(tree.Blocked, id)
	}
	for id := range blockedBy {
		tree.BlockedBy = append(tree.BlockedBy, id)
	}
	sort.Strings(tree.Blocked)
	sort.Strings(tree.BlockedBy)
	return tree
}

// DetectDeadlocks builds the wait-for graph over active transactions
// (edge txn -> blocker per blockedBy relation) and reports every cycle
// found via depth-first search. A back-edge into the current recursion
// stack yields the path slice from the first repeated node; sibling
// branches search over fresh path copies so one branch cannot corrupt
// another's path.
func (i *Inspector) DetectDeadlocks() DeadlockReport {
	i.mu.RLock()
	graph := make(map[string][]string)
	for id, txn := range i.transactions {
		if txn.Status != TxnActive {
			continue
		}
		seen := make(map[string]struct{})
		for _, lock := range txn.LocksWaiting {
			for _, blocker := range lock.BlockedBy {
				if _, dup := seen[blocker]; dup {
					continue
				}
				seen[blocker] = struct{}{}
				graph[id] = append(graph[id], blocker)
			}
		}
		if _, ok := graph[id]; !ok {
			graph[id] = nil
		}
	}
	i.mu.RUnlock()

	report := DeadlockReport{Cycles: [][]string{}}

	nodes := make([]string, 0, len(graph))
	for id := range graph {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)

	visited := make(map[string]struct{})
	reported := make(map[string]struct{})

	var dfs func(node string, path []string, onStack map[string]int)
	dfs = func(node string, path []string, onStack map[string]int) {
		onStack[node] = len(path)
		path = append(path, node)
		visited[node] = struct{}{}

		for _, next := range graph[node] {
			if _, ok := graph[next]; !ok {
				// Edge to a non-active or unknown transaction.
				continue
			}
			if start, ok := onStack[next]; ok {
				cycle := append([]string(nil), path[start:]...)
				key := cycleKey(cycle)
				if _, dup := reported[key]; !dup {
					reported[key] = struct{}{}
					report.Cycles = append(report.Cycles, cycle)
				}
				continue
			}
			if _, done := visited[next]; done {
				continue
			}
			// Fresh copies per branch: the sibling iteration must not
			// observe this branch's stack mutations.
			branchStack := make(map[string]int, len(onStack))
			for k, v := range onStack {
				branchStack[k] = v
			}
			dfs(next, append([]string(nil), path...), branchStack)
		}
	}

	for _, node := range nodes {
		if _, done := visited[node]; done {
			continue
		}
		dfs(node, nil, make(map[string]int))
	}

	report.Count = len(report.Cycles)
	return report
}

// cycleKey canonicalizes a cycle by rotating it to start at its smallest
// node, so the same loop discovered from two entry points is reported
// once while distinct cycles over the same nodes stay distinct.
func cycleKey(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	min := 0
	for i, id := range cycle {
		if id < cycle[min] {
			min = i
		}
	}
	rotated := append(append([]string(nil), cycle[min:]...), cycle[:min]...)
	return strings.Join(rotated, "\x00")
}

// CaptureContextState snapshots a context's live variable map into a
// flat variable list, joined with the transaction state when the
// context carries a transaction id.
func (i *Inspector) CaptureContextState(ctx *breakpoint.Context) Snapshot {
	snap := Snapshot{Variables: []Variable{}}

	names := make([]string, 0, len(ctx.Variables))
	for name := range ctx.Variables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value := ctx.Variables[name]
		snap.Variables = append(snap.Variables, Variable{
			Name:  name,
			Value: value,
			Type:  typeName(value),
			Scope: "context",
		})
	}

	if ctx.TransactionID != "" {
		snap.Transaction = i.GetTransactionState(ctx.TransactionID)
	}
	return snap
}

// GetStatistics reports active and blocked transaction counts, the total
// lock count across active transactions, and the deadlock cycle count.
func (i *Inspector) GetStatistics() Statistics {
	report := i.DetectDeadlocks()

	i.mu.RLock()
	stats := Statistics{DeadlockCycles: report.Count}
	for _, txn := range i.transactions {
		if txn.Status != TxnActive {
			continue
		}
		stats.ActiveTransactions++
		if len(txn.LocksWaiting) > 0 {
			stats.BlockedTransactions++
		}
		stats.TotalLocks += len(txn.LocksHeld) + len(txn.LocksWaiting)
	}
	i.mu.RUnlock()
	return stats
}

// ClearSessionState removes every variable scope belonging to sessionID.
func (i *Inspector) ClearSessionState(sessionID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	prefix := sessionID + ":"
	for key := range i.variables {
		if strings.HasPrefix(key, prefix) {
			delete(i.variables, key)
		}
	}
}

// ClearTransaction removes a transaction's state.
func (i *Inspector) ClearTransaction(txnID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.transactions[txnID]; !ok {
		return false
	}
	delete(i.transactions, txnID)
	return true
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "integer"
	case float32, float64:
		return "number"
	default:
		return "object"
	}
}

func copyTxn(txn *TransactionState) *TransactionState {
	cp := *txn
	cp.LocksHeld = copyLocks(txn.LocksHeld)
	cp.LocksWaiting = copyLocks(txn.LocksWaiting)
	return &cp
}

func copyLocks(locks []Lock) []Lock {
	out := make([]Lock, len(locks))
	for i, lock := range locks {
		out[i] = lock
		out[i].BlockedBy = append([]string(nil), lock.BlockedBy...)
		out[i].Blocking = append([]string(nil), lock.Blocking...)
	}
	return out
}
