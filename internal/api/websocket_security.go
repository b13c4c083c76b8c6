package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/sqlstep/sqlstep/internal/logging"
)

// Per-client message budget. Generous enough for interactive stepping,
// tight enough to stop a runaway client from flooding the engine.
const (
	wsMessagesPerSecond = 20
	wsMessageBurst      = 40
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkWSOrigin,
}

// checkWSOrigin allows same-origin requests, requests without an Origin
// header (non-browser clients), and origins on the configured allowlist.
func checkWSOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(ServerConfig.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range ServerConfig.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}

	logging.SecurityEvent("origin_rejected", "websocket", "origin", origin, "remote_addr", r.RemoteAddr)
	return false
}

// authorizeWebSocket enforces API key auth before the upgrade. Browsers
// cannot set custom headers on WebSocket dials, so the key is also
// accepted as an api_key query parameter.
func authorizeWebSocket(w http.ResponseWriter, r *http.Request) bool {
	if !ServerConfig.Auth.Enabled {
		return true
	}

	key := r.Header.Get("X-API-Key")
	if key == "" {
		key = r.URL.Query().Get("api_key")
	}
	if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(ServerConfig.Auth.APIKey)) != 1 {
		logging.SecurityEvent("auth_rejected", "websocket", "remote_addr", r.RemoteAddr)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func newWSMessageLimiter() *tokenBucket {
	return newTokenBucket(wsMessageBurst, wsMessagesPerSecond)
}
