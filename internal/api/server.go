package api

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sqlstep/sqlstep/core/engine"
	"github.com/sqlstep/sqlstep/core/trace"
	"github.com/sqlstep/sqlstep/internal/logging"
	"github.com/sqlstep/sqlstep/internal/server"
)

var traceRecorder *trace.Recorder

// Setup wires the debug engine, hub and optional trace recorder for the
// given configuration. It returns the fully assembled handler and a
// teardown function. Start uses it; tests drive it directly with
// httptest.
func Setup(cfg Config, eng *engine.Engine) (http.Handler, func(), error) {
	if err := ValidateAuthConfig(cfg.Auth); err != nil {
		return nil, nil, err
	}

	ServerConfig = cfg
	debugEngine = eng
	statsCache.Invalidate()

	var stopTrace func()
	if cfg.TraceDB != "" {
		rec, err := trace.NewRecorder(cfg.TraceDB)
		if err != nil {
			return nil, nil, fmt.Errorf("opening trace database: %w", err)
		}
		traceRecorder = rec
		stopTrace = rec.Attach(eng.Events())
	}

	GlobalHub = NewHub(eng.Events())
	go GlobalHub.Run()

	stopReaper := startReaper(cfg)

	teardown := func() {
		if stopReaper != nil {
			stopReaper()
		}
		GlobalHub.Close()
		if stopTrace != nil {
			stopTrace()
		}
		if traceRecorder != nil {
			traceRecorder.Close()
			traceRecorder = nil
		}
	}

	return buildHandler(cfg), teardown, nil
}

// buildHandler assembles routes and the middleware chain.
func buildHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", handleRoot)
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/sessions", handleSessions)
	mux.HandleFunc("/sessions/", handleSessionByID)
	mux.HandleFunc("/inspect/", handleInspect)
	mux.HandleFunc("/stats", handleStats)
	mux.HandleFunc("/jobs", handleJobs)
	mux.HandleFunc("/jobs/", handleJobByID)
	mux.HandleFunc("/ws", HandleWebSocket)

	var handler http.Handler = mux
	handler = server.SecurityHeadersWithCSP(server.APICSPConfig(), handler)
	handler = AuthMiddleware(cfg.Auth, handler)
	if cfg.RateLimitRequests > 0 {
		limiter := NewRateLimiter(RateLimiterConfig{
			RequestsPerMinute: cfg.RateLimitRequests,
			BurstSize:         cfg.RateLimitBurst,
		})
		handler = limiter.Middleware(handler)
	}
	handler = server.CORSMiddleware(server.CORSConfig{AllowedOrigins: cfg.AllowedOrigins}, handler)
	handler = logging.CombinedMiddleware(handler)
	return handler
}

// startReaper sweeps stopped sessions on an interval. Returns a stop
// function, or nil when reaping is disabled.
func startReaper(cfg Config) func() {
	if cfg.ReapInterval <= 0 || cfg.SessionMaxAge <= 0 {
		return nil
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := debugEngine.CleanupInactiveSessions(cfg.SessionMaxAge); n > 0 {
					logging.Info("reaped inactive sessions", "count", n)
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// Start runs the API server until the listener fails.
func Start(cfg Config, eng *engine.Engine) error {
	if cfg.TLS.Enabled {
		if _, err := os.Stat(cfg.TLS.CertFile); err != nil {
			return fmt.Errorf("TLS certificate: %w", err)
		}
		if _, err := os.Stat(cfg.TLS.KeyFile); err != nil {
			return fmt.Errorf("TLS key: %w", err)
		}
	}

	handler, teardown, err := Setup(cfg, eng)
	if err != nil {
		return err
	}
	defer teardown()

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	protocol := "http"
	if cfg.TLS.Enabled {
		protocol = "https"
	}
	logging.ServerStartup("api", protocol, cfg.Port,
		"auth", cfg.Auth.Enabled,
		"rate_limit", cfg.RateLimitRequests,
		"trace_db", cfg.TraceDB)

	if cfg.TLS.Enabled {
		return srv.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	}
	return srv.ListenAndServe()
}
