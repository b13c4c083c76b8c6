// Package trace persists debug engine events to a SQLite trace database
// and exports session traces as xz-compressed JSON lines for offline
// analysis.
package trace

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ulikunitz/xz"

	"github.com/sqlstep/sqlstep/core/event"
	"github.com/sqlstep/sqlstep/core/sqlite"
	"github.com/sqlstep/sqlstep/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS trace_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	type       TEXT NOT NULL,
	timestamp  TEXT NOT NULL,
	data       TEXT
);
CREATE INDEX IF NOT EXISTS idx_trace_events_session ON trace_events(session_id);
`

// Recorder writes engine events into a SQLite trace database. Safe for
// concurrent use; writes are serialized by database/sql.
type Recorder struct {
	db *sql.DB
}

// NewRecorder opens (creating if needed) the trace database at path.
func NewRecorder(path string) (*Recorder, error) {
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening trace database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating trace schema: %w", err)
	}
	return &Recorder{db: db}, nil
}

// Close closes the underlying database.
func (r *Recorder) Close() error {
	return r.db.Close()
}

// Record inserts one event.
func (r *Recorder) Record(evt event.Event) error {
	var data []byte
	if evt.Data != nil {
		var err error
		data, err = json.Marshal(evt.Data)
		if err != nil {
			return fmt.Errorf("encoding event data: %w", err)
		}
	}
	_, err := r.db.Exec(
		`INSERT INTO trace_events (session_id, type, timestamp, data) VALUES (?, ?, ?, ?)`,
		evt.SessionID, string(evt.Type), evt.Timestamp.UTC().Format(time.RFC3339Nano), string(data),
	)
	return err
}

// Attach subscribes the recorder to bus and persists every event until
// the returned stop function is called. Stop drains delivered events
// before returning. Insert failures are logged and skipped so a disk
// problem cannot stall the event stream.
func (r *Recorder) Attach(bus *event.Bus) (stop func()) {
	ch, cancel := bus.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range ch {
			if err := r.Record(evt); err != nil {
				logging.Error("trace record failed", "type", string(evt.Type), "error", err)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Events returns the recorded events for sessionID in insertion order,
// or across all sessions when sessionID is empty. limit bounds the
// result; zero or negative means no bound.
func (r *Recorder) Events(sessionID string, limit int) ([]event.Event, error) {
	query := `SELECT session_id, type, timestamp, data FROM trace_events`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var (
			evt  event.Event
			typ  string
			ts   string
			data sql.NullString
		)
		if err := rows.Scan(&evt.SessionID, &typ, &ts, &data); err != nil {
			return nil, err
		}
		evt.Type = event.Type(typ)
		evt.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing event timestamp %q: %w", ts, err)
		}
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &evt.Data); err != nil {
				return nil, fmt.Errorf("decoding event data: %w", err)
			}
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// Count returns the number of recorded events for sessionID, or across
// all sessions when sessionID is empty.
func (r *Recorder) Count(sessionID string) (int, error) {
	var n int
	var err error
	if sessionID == "" {
		err = r.db.QueryRow(`SELECT COUNT(*) FROM trace_events`).Scan(&n)
	} else {
		err = r.db.QueryRow(`SELECT COUNT(*) FROM trace_events WHERE session_id = ?`, sessionID).Scan(&n)
	}
	return n, err
}

// Export writes the session's trace to w as xz-compressed JSON lines,
// one event per line, in insertion order. An empty sessionID exports
// every session's events.
func (r *Recorder) Export(w io.Writer, sessionID string) error {
	events, err := r.Events(sessionID, 0)
	if err != nil {
		return err
	}

	xw, err := xz.NewWriter(w)
	if err != nil {
		return fmt.Errorf("xz writer: %w", err)
	}
	enc := json.NewEncoder(xw)
	for _, evt := range events {
		if err := enc.Encode(evt); err != nil {
			xw.Close()
			return fmt.Errorf("encoding event: %w", err)
		}
	}
	return xw.Close()
}

// ReadExport decodes an export stream produced by Export.
func ReadExport(rd io.Reader) ([]event.Event, error) {
	xr, err := xz.NewReader(rd)
	if err != nil {
		return nil, fmt.Errorf("xz reader: %w", err)
	}

	var out []event.Event
	scanner := bufio.NewScanner(xr)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt event.Event
		if err := json.Unmarshal(line, &evt); err != nil {
			return nil, fmt.Errorf("decoding event line: %w", err)
		}
		out = append(out, evt)
	}
	return out, scanner.Err()
}
