package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sqlstep/sqlstep/core/sqlite"
	"github.com/sqlstep/sqlstep/internal/logging"
)

func TestSqliteRunner(t *testing.T) {
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "runner.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	runner := sqliteRunner(db)
	ctx := context.Background()

	if _, err := runner(ctx, "CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)", nil); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := runner(ctx, "INSERT INTO items (name) VALUES ('alpha'), ('beta')", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	result, err := runner(ctx, "SELECT id, name FROM items ORDER BY id", nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if result.RowCount != 2 || len(result.Rows) != 2 {
		t.Fatalf("rowCount = %d, want 2", result.RowCount)
	}
	if len(result.Fields) != 2 || result.Fields[0] != "id" || result.Fields[1] != "name" {
		t.Errorf("fields = %v", result.Fields)
	}
	if result.Rows[0]["name"] != "alpha" || result.Rows[1]["name"] != "beta" {
		t.Errorf("rows = %v", result.Rows)
	}

	params, err := runner(ctx, "SELECT name FROM items WHERE id = ?", []any{2})
	if err != nil {
		t.Fatalf("parameterized select: %v", err)
	}
	if params.RowCount != 1 || params.Rows[0]["name"] != "beta" {
		t.Errorf("parameterized result = %+v", params)
	}

	if _, err := runner(ctx, "SELECT * FROM no_such_table", nil); err == nil {
		t.Error("querying a missing table should fail")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want logging.Level
	}{
		{"debug", logging.LevelDebug},
		{"info", logging.LevelInfo},
		{"warn", logging.LevelWarn},
		{"error", logging.LevelError},
		{"bogus", logging.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if parseFormat("text") != logging.FormatText {
		t.Error("text should map to FormatText")
	}
	if parseFormat("json") != logging.FormatJSON {
		t.Error("json should map to FormatJSON")
	}
	if parseFormat("") != logging.FormatJSON {
		t.Error("default should be FormatJSON")
	}
}
