// Command sqlstep runs the SQL debug engine: an API server that executes
// queries statement by statement with breakpoints, stepping and live
// state inspection, plus tools for working with recorded traces.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alecthomas/kong"

	"github.com/sqlstep/sqlstep/core/engine"
	"github.com/sqlstep/sqlstep/core/exec"
	"github.com/sqlstep/sqlstep/core/session"
	"github.com/sqlstep/sqlstep/core/sqlite"
	"github.com/sqlstep/sqlstep/core/trace"
	"github.com/sqlstep/sqlstep/internal/api"
	"github.com/sqlstep/sqlstep/internal/logging"
)

const version = "0.1.0"

// CLI defines the command-line interface for sqlstep.
var CLI struct {
	LogLevel  string `name:"log-level" help:"Log level (debug, info, warn, error)" default:"info"`
	LogFormat string `name:"log-format" help:"Log format (json, text)" default:"json"`

	Serve   ServeCmd   `cmd:"" help:"Start the debug engine API server"`
	Trace   TraceGroup `cmd:"" help:"Recorded trace operations"`
	Version VersionCmd `cmd:"" help:"Print version information"`
}

// ServeCmd starts the API server.
type ServeCmd struct {
	Port           int           `help:"HTTP server port" default:"8080"`
	DB             string        `help:"SQLite database queries execute against" default:"sqlstep.db" type:"path"`
	TraceDB        string        `name:"trace-db" help:"Record engine events to this SQLite database" type:"path"`
	SessionMaxAge  time.Duration `name:"session-max-age" help:"Reap stopped sessions older than this" default:"1h"`
	ReapInterval   time.Duration `name:"reap-interval" help:"How often to sweep stopped sessions (0 disables)" default:"5m"`
	RateLimit      int           `name:"rate-limit" help:"Requests per minute per client IP (0 disables)" default:"300"`
	RateLimitBurst int           `name:"rate-limit-burst" help:"Rate limit burst size" default:"50"`
	APIKey         string        `name:"api-key" help:"Require this API key on all requests" env:"SQLSTEP_API_KEY"`
	TLSCert        string        `name:"tls-cert" help:"TLS certificate file (enables HTTPS)" type:"path"`
	TLSKey         string        `name:"tls-key" help:"TLS private key file" type:"path"`
	AllowedOrigins []string      `name:"allowed-origins" help:"CORS allowed origins (empty allows all)"`
}

func (c *ServeCmd) Run() error {
	db, err := sqlite.Open(c.DB)
	if err != nil {
		return fmt.Errorf("opening database %s: %w", c.DB, err)
	}
	defer db.Close()

	eng := engine.New(engine.RunnerProviderFunc(func(sess *session.Session) (exec.Runner, error) {
		return sqliteRunner(db), nil
	}))
	defer eng.Close()

	cfg := api.Config{
		Port:              c.Port,
		TraceDB:           c.TraceDB,
		SessionMaxAge:     c.SessionMaxAge,
		ReapInterval:      c.ReapInterval,
		RateLimitRequests: c.RateLimit,
		RateLimitBurst:    c.RateLimitBurst,
		Auth: api.AuthConfig{
			Enabled: c.APIKey != "",
			APIKey:  c.APIKey,
		},
		TLS: api.TLSConfig{
			Enabled:  c.TLSCert != "",
			CertFile: c.TLSCert,
			KeyFile:  c.TLSKey,
		},
		AllowedOrigins: c.AllowedOrigins,
	}

	logging.Info("database opened", "path", c.DB, "driver", sqlite.DriverType())
	return api.Start(cfg, eng)
}

// sqliteRunner adapts a database handle to the engine's statement
// runner. Every statement goes through Query so SELECT results come
// back as rows; statements without a result set yield zero rows.
func sqliteRunner(db *sql.DB) exec.Runner {
	return func(ctx context.Context, statement string, params []any) (*exec.Result, error) {
		rows, err := db.QueryContext(ctx, statement, params...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		columns, err := rows.Columns()
		if err != nil {
			return nil, err
		}

		result := &exec.Result{Fields: columns, Rows: []map[string]any{}}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}

		for rows.Next() {
			if err := rows.Scan(scanTargets...); err != nil {
				return nil, err
			}
			row := make(map[string]any, len(columns))
			for i, col := range columns {
				if b, ok := values[i].([]byte); ok {
					row[col] = string(b)
				} else {
					row[col] = values[i]
				}
			}
			result.Rows = append(result.Rows, row)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		result.RowCount = len(result.Rows)
		return result, nil
	}
}

// TraceGroup contains trace database operations.
type TraceGroup struct {
	Export TraceExportCmd `cmd:"" help:"Export a session's trace as xz-compressed NDJSON"`
	Events TraceEventsCmd `cmd:"" help:"Print recorded events"`
	Count  TraceCountCmd  `cmd:"" help:"Count recorded events"`
}

// TraceExportCmd writes a compressed trace export.
type TraceExportCmd struct {
	TraceDB string `arg:"" help:"Trace database path" type:"existingfile"`
	Session string `help:"Session ID to export (empty exports everything)"`
	Output  string `short:"o" help:"Output file (defaults to stdout)" type:"path"`
}

func (c *TraceExportCmd) Run() error {
	rec, err := trace.NewRecorder(c.TraceDB)
	if err != nil {
		return err
	}
	defer rec.Close()

	var out io.Writer = os.Stdout
	if c.Output != "" {
		f, err := os.Create(c.Output)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	return rec.Export(out, c.Session)
}

// TraceEventsCmd prints events from a trace database.
type TraceEventsCmd struct {
	TraceDB string `arg:"" help:"Trace database path" type:"existingfile"`
	Session string `help:"Session ID to filter by"`
	Limit   int    `help:"Maximum events to print" default:"100"`
}

func (c *TraceEventsCmd) Run() error {
	rec, err := trace.NewRecorder(c.TraceDB)
	if err != nil {
		return err
	}
	defer rec.Close()

	events, err := rec.Events(c.Session, c.Limit)
	if err != nil {
		return err
	}
	for _, evt := range events {
		fmt.Printf("%s  %-24s  session=%s\n",
			evt.Timestamp.Format(time.RFC3339), evt.Type, evt.SessionID)
	}
	return nil
}

// TraceCountCmd counts events in a trace database.
type TraceCountCmd struct {
	TraceDB string `arg:"" help:"Trace database path" type:"existingfile"`
	Session string `help:"Session ID to filter by"`
}

func (c *TraceCountCmd) Run() error {
	rec, err := trace.NewRecorder(c.TraceDB)
	if err != nil {
		return err
	}
	defer rec.Close()

	n, err := rec.Count(c.Session)
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("sqlstep version %s (sqlite driver: %s)\n", version, sqlite.DriverType())
	return nil
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func parseFormat(s string) logging.Format {
	if s == "text" {
		return logging.FormatText
	}
	return logging.FormatJSON
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("sqlstep"),
		kong.Description("SQL debug engine - step through queries with breakpoints and live inspection"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	logging.InitLogger(parseLevel(CLI.LogLevel), parseFormat(CLI.LogFormat))
	err := ctx.Run(ctx)
	ctx.FatalIfErrorf(err)
}
