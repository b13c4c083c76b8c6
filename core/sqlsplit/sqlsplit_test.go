package sqlsplit

import (
	"reflect"
	"testing"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   []string
	}{
		{
			name:   "single statement",
			script: "SELECT 1",
			want:   []string{"SELECT 1"},
		},
		{
			name:   "two statements",
			script: "SELECT 1; SELECT 2;",
			want:   []string{"SELECT 1", "SELECT 2"},
		},
		{
			name:   "trailing statement without semicolon",
			script: "SELECT 1; SELECT 2",
			want:   []string{"SELECT 1", "SELECT 2"},
		},
		{
			name:   "empty fragments discarded",
			script: ";;  ;SELECT 1; ;",
			want:   []string{"SELECT 1"},
		},
		{
			name:   "semicolon in single-quoted string",
			script: "INSERT INTO t VALUES ('a;b'); SELECT 1",
			want:   []string{"INSERT INTO t VALUES ('a;b')", "SELECT 1"},
		},
		{
			name:   "escaped single quote",
			script: "SELECT 'it''s; fine'; SELECT 2",
			want:   []string{"SELECT 'it''s; fine'", "SELECT 2"},
		},
		{
			name:   "semicolon in double-quoted identifier",
			script: `SELECT "weird;col" FROM t; SELECT 2`,
			want:   []string{`SELECT "weird;col" FROM t`, "SELECT 2"},
		},
		{
			name:   "semicolon in line comment",
			script: "SELECT 1 -- trailing; not a boundary\n; SELECT 2",
			want:   []string{"SELECT 1 -- trailing; not a boundary", "SELECT 2"},
		},
		{
			name:   "semicolon in block comment",
			script: "SELECT /* a;b */ 1; SELECT 2",
			want:   []string{"SELECT /* a;b */ 1", "SELECT 2"},
		},
		{
			name:   "comment-only fragment discarded",
			script: "-- setup\n; SELECT 1",
			want:   []string{"SELECT 1"},
		},
		{
			name:   "dollar-quoted body",
			script: "CREATE FUNCTION f() RETURNS int AS $$ BEGIN RETURN 1; END $$ LANGUAGE plpgsql; SELECT 1",
			want: []string{
				"CREATE FUNCTION f() RETURNS int AS $$ BEGIN RETURN 1; END $$ LANGUAGE plpgsql",
				"SELECT 1",
			},
		},
		{
			name:   "tagged dollar quote",
			script: "SELECT $body$ a; b $body$; SELECT 2",
			want:   []string{"SELECT $body$ a; b $body$", "SELECT 2"},
		},
		{
			name:   "empty script",
			script: "",
			want:   nil,
		},
		{
			name:   "whitespace only",
			script: "  \n\t ",
			want:   nil,
		},
		{
			name:   "whitespace trimmed",
			script: "  SELECT 1  ;\n  SELECT 2  ",
			want:   []string{"SELECT 1", "SELECT 2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.script)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Split(%q) = %#v, want %#v", tt.script, got, tt.want)
			}
		})
	}
}

func TestSplitManyStatements(t *testing.T) {
	script := ""
	for i := 0; i < 50; i++ {
		script += "SELECT 1;"
	}
	got := Split(script)
	if len(got) != 50 {
		t.Errorf("Split() returned %d statements, want 50", len(got))
	}
}
