package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sqlstep/sqlstep/core/breakpoint"
	"github.com/sqlstep/sqlstep/core/event"
	"github.com/sqlstep/sqlstep/core/exec"
	"github.com/sqlstep/sqlstep/core/session"
	"github.com/sqlstep/sqlstep/internal/logging"
	"github.com/sqlstep/sqlstep/internal/validation"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// WSMessage is the wire frame in both directions. Payload shape depends
// on Type.
type WSMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// GlobalHub is the server's WebSocket hub.
var GlobalHub *Hub

// Hub owns all WebSocket clients and routes debug engine events to
// whichever client is attached to the originating session. Events for
// sessions no client is attached to are dropped.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]bool
	attached map[string]*Client // session id -> attached client

	register   chan *Client
	unregister chan *Client

	events     <-chan event.Event
	stopEvents func()
}

// NewHub creates a hub subscribed to the given event bus.
func NewHub(bus *event.Bus) *Hub {
	ch, cancel := bus.Subscribe()
	return &Hub{
		clients:    make(map[*Client]bool),
		attached:   make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     ch,
		stopEvents: cancel,
	}
}

// Run processes client registration and event routing. Call in a
// goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			logging.Debug("websocket client connected", "client_id", client.id, "user_id", client.userID)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				if sid := client.sessionID(); sid != "" {
					delete(h.attached, sid)
				}
				close(client.send)
				client.cancel()
			}
			h.mu.Unlock()
			logging.Debug("websocket client disconnected", "client_id", client.id)

		case evt, ok := <-h.events:
			if !ok {
				return
			}
			h.routeEvent(evt)
		}
	}
}

// Close stops event routing and disconnects all clients.
func (h *Hub) Close() {
	h.stopEvents()
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
		client.cancel()
	}
	h.attached = make(map[string]*Client)
}

// attach binds a session's events to the client. At most one client per
// session; a later attach steals the session from the earlier client.
func (h *Hub) attach(c *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.attached[sessionID]; ok && prev != c {
		prev.setSession("")
	}
	if cur := c.sessionID(); cur != "" {
		delete(h.attached, cur)
	}
	c.setSession(sessionID)
	h.attached[sessionID] = c
}

func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur := c.sessionID(); cur != "" {
		delete(h.attached, cur)
		c.setSession("")
	}
}

// routeEvent translates an engine event into protocol vocabulary and
// delivers it to the attached client, if any.
func (h *Hub) routeEvent(evt event.Event) {
	if evt.SessionID == "" {
		return
	}

	h.mu.RLock()
	client := h.attached[evt.SessionID]
	h.mu.RUnlock()
	if client == nil {
		return
	}

	msg, ok := translateEvent(evt)
	if !ok {
		return
	}
	client.sendMessage(msg)
}

// translateEvent maps engine event types onto the protocol's
// server-to-client message vocabulary.
func translateEvent(evt event.Event) (WSMessage, bool) {
	var msgType string
	payload := evt.Data

	switch evt.Type {
	case event.Paused:
		msgType = "stopped"
	case event.Resumed, event.Stepped:
		msgType = "continued"
	case event.BreakpointHit:
		msgType = "breakpointHit"
	case event.SessionStateChanged, event.Rewound, event.SessionDeleted:
		msgType = "stateChanged"
	case event.QueryCompleted:
		msgType = "queryResult"
	case event.QueryFailed:
		msgType = "error"
	case event.QueryStarted, event.QueryStage:
		msgType = "output"
		enriched := map[string]any{"category": "log", "event": string(evt.Type)}
		for k, v := range evt.Data {
			enriched[k] = v
		}
		payload = enriched
	default:
		return WSMessage{}, false
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return WSMessage{}, false
	}
	return WSMessage{Type: msgType, SessionID: evt.SessionID, Payload: raw}, true
}

// Client is one WebSocket connection.
type Client struct {
	id      string
	userID  string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	limiter *tokenBucket
	ctx     context.Context
	cancel  context.CancelFunc

	// The hub rewrites session on an attach steal while the client's
	// own goroutine reads it, so it gets its own lock.
	mu      sync.Mutex
	session string // attached session id, "" when detached
}

func (c *Client) sessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) setSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = id
}

func (c *Client) sendMessage(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		// Slow consumer, drop.
	}
}

func (c *Client) sendError(requestID, code, message string) {
	payload, _ := json.Marshal(map[string]string{"code": code, "message": message})
	c.sendMessage(WSMessage{Type: "error", RequestID: requestID, Payload: payload})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("websocket read error", "client_id", c.id, "error", err)
			}
			return
		}

		if !c.limiter.allow() {
			c.sendError("", "RATE_LIMIT_EXCEEDED", "Too many messages")
			continue
		}

		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("", "INVALID_JSON", "Malformed message")
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches one client-to-server message.
func (c *Client) handleMessage(msg WSMessage) {
	switch msg.Type {
	case "createSession":
		c.createSession(msg)
	case "attach":
		c.attachSession(msg)
	case "detach":
		c.hub.detach(c)
		c.reply(msg, "stateChanged", map[string]string{"status": "detached"})
	case "continue":
		c.control(msg, func(id string) error { return debugEngine.ResumeSession(id) })
	case "pause":
		c.control(msg, func(id string) error { return debugEngine.PauseSession(id) })
	case "stepOver":
		c.control(msg, func(id string) error { return debugEngine.StepSession(id, exec.StepOver) })
	case "stepInto":
		c.control(msg, func(id string) error { return debugEngine.StepSession(id, exec.StepInto) })
	case "stepOut":
		c.control(msg, func(id string) error { return debugEngine.StepSession(id, exec.StepOut) })
	case "setBreakpoint":
		c.setBreakpoint(msg)
	case "removeBreakpoint":
		c.removeBreakpoint(msg)
	case "evaluate":
		c.evaluate(msg)
	case "getVariables":
		c.getVariables(msg)
	case "getStackTrace":
		c.getStackTrace(msg)
	case "executeQuery":
		c.executeQuery(msg)
	default:
		c.sendError(msg.RequestID, "UNKNOWN_TYPE", "Unknown message type "+msg.Type)
	}
}

// reply marshals payload and sends it as the given server message type.
func (c *Client) reply(req WSMessage, msgType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.sendError(req.RequestID, "INTERNAL", "Response encoding failed")
		return
	}
	c.sendMessage(WSMessage{
		Type:      msgType,
		RequestID: req.RequestID,
		SessionID: c.sessionID(),
		Payload:   raw,
	})
}

func (c *Client) createSession(msg WSMessage) {
	var req CreateSessionRequest
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			c.sendError(msg.RequestID, "INVALID_JSON", "Malformed createSession payload")
			return
		}
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

	sess, err := debugEngine.CreateSession(c.userID, req.ConnectionID, overrides)
	if err != nil {
		c.sendEngineError(msg.RequestID, err)
		return
	}
	c.hub.attach(c, sess.ID)
	c.reply(msg, "sessionCreated", sess)
}

func (c *Client) attachSession(msg WSMessage) {
	if msg.SessionID == "" {
		c.sendError(msg.RequestID, "MISSING_SESSION", "sessionId is required")
		return
	}
	sess, err := debugEngine.GetSession(msg.SessionID)
	if err != nil {
		c.sendEngineError(msg.RequestID, err)
		return
	}
	if sess.UserID != c.userID {
		c.sendError(msg.RequestID, "FORBIDDEN", "Session belongs to another user")
		return
	}
	c.hub.attach(c, sess.ID)
	c.reply(msg, "stateChanged", sess)
}

// requireAttached resolves the session a control message targets:
// explicit sessionId wins, otherwise the attached session.
func (c *Client) requireAttached(msg WSMessage) (string, bool) {
	id := msg.SessionID
	if id == "" {
		id = c.sessionID()
	}
	if id == "" {
		c.sendError(msg.RequestID, "NOT_ATTACHED", "No session attached")
		return "", false
	}
	return id, true
}

func (c *Client) control(msg WSMessage, fn func(id string) error) {
	id, ok := c.requireAttached(msg)
	if !ok {
		return
	}
	if err := fn(id); err != nil {
		c.sendEngineError(msg.RequestID, err)
	}
}

func (c *Client) setBreakpoint(msg WSMessage) {
	id, ok := c.requireAttached(msg)
	if !ok {
		return
	}

	var req BreakpointRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		c.sendError(msg.RequestID, "INVALID_JSON", "Malformed setBreakpoint payload")
		return
	}
	if err := validation.ValidateExpression(req.Condition); err != nil {
		c.sendError(msg.RequestID, "INVALID_CONDITION", err.Error())
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
		c.sendEngineError(msg.RequestID, err)
		return
	}
	c.reply(msg, "output", map[string]any{
		"category":   "log",
		"output":     "breakpoint set: " + bp.ID,
		"breakpoint": bp,
	})
}

func (c *Client) removeBreakpoint(msg WSMessage) {
	var req struct {
		BreakpointID string `json:"breakpointId"`
	}
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.BreakpointID == "" {
		c.sendError(msg.RequestID, "MISSING_BREAKPOINT", "breakpointId is required")
		return
	}
	bp, err := debugEngine.GetBreakpoint(req.BreakpointID)
	if err != nil {
		c.sendEngineError(msg.RequestID, err)
		return
	}
	sess, err := debugEngine.GetSession(bp.SessionID)
	if err != nil {
		c.sendEngineError(msg.RequestID, err)
		return
	}
	if sess.UserID != c.userID {
		c.sendError(msg.RequestID, "FORBIDDEN", "Breakpoint belongs to another user's session")
		return
	}
	if err := debugEngine.RemoveBreakpoint(req.BreakpointID); err != nil {
		c.sendEngineError(msg.RequestID, err)
		return
	}
	c.reply(msg, "output", map[string]any{
		"category": "log",
		"output":   "breakpoint removed: " + req.BreakpointID,
	})
}

func (c *Client) evaluate(msg WSMessage) {
	id, ok := c.requireAttached(msg)
	if !ok {
		return
	}

	var req EvaluateRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		c.sendError(msg.RequestID, "INVALID_JSON", "Malformed evaluate payload")
		return
	}
	if err := validation.ValidateExpression(req.Expression); err != nil {
		c.sendError(msg.RequestID, "INVALID_EXPRESSION", err.Error())
		return
	}

	result, err := debugEngine.Evaluate(id, req.Expression)
	if err != nil {
		c.sendError(msg.RequestID, "EVALUATION_FAILED", err.Error())
		return
	}
	c.reply(msg, "output", map[string]any{
		"category":   "log",
		"output":     fmt.Sprintf("%s => %v", req.Expression, result),
		"expression": req.Expression,
		"result":     result,
	})
}

func (c *Client) getVariables(msg WSMessage) {
	id, ok := c.requireAttached(msg)
	if !ok {
		return
	}

	var req struct {
		Scope string `json:"scope"`
	}
	if len(msg.Payload) > 0 {
		json.Unmarshal(msg.Payload, &req)
	}
	if req.Scope == "" {
		req.Scope = "local"
	}
	c.reply(msg, "variables", map[string]any{
		"scope":     req.Scope,
		"variables": debugEngine.GetVariables(id, req.Scope),
	})
}

func (c *Client) getStackTrace(msg WSMessage) {
	id, ok := c.requireAttached(msg)
	if !ok {
		return
	}
	c.reply(msg, "stackTrace", map[string]any{
		"frames":                debugEngine.GetExecutionHistory(id),
		"currentExecutionPoint": debugEngine.GetCurrentExecutionPoint(id),
	})
}

// executeQuery runs in a goroutine because a breakpoint can hold the
// call open until the client resumes the session.
func (c *Client) executeQuery(msg WSMessage) {
	id, ok := c.requireAttached(msg)
	if !ok {
		return
	}

	var req ExecuteRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		c.sendError(msg.RequestID, "INVALID_JSON", "Malformed executeQuery payload")
		return
	}
	if err := validation.ValidateQuery(req.Query); err != nil {
		c.sendError(msg.RequestID, "INVALID_QUERY", err.Error())
		return
	}

	go func() {
		result, err := debugEngine.ExecuteQuery(c.ctx, id, req.Query, req.Parameters)
		if err != nil {
			c.sendError(msg.RequestID, "QUERY_FAILED", err.Error())
			return
		}
		c.reply(msg, "queryResult", result)
	}()
}

func (c *Client) sendEngineError(requestID string, err error) {
	c.sendError(requestID, engineErrorCode(err), err.Error())
}

// HandleWebSocket upgrades the connection and registers the client with
// the hub.
func HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !authorizeWebSocket(w, r) {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		id:      uuid.New().String(),
		userID:  requestUserID(r),
		hub:     GlobalHub,
		conn:    conn,
		send:    make(chan []byte, 256),
		limiter: newWSMessageLimiter(),
		ctx:     ctx,
		cancel:  cancel,
	}

	client.hub.register <- client
	go client.writePump()
	go client.readPump()
}
