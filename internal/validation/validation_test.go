package validation

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateQuery(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		wantErr error
	}{
		{"simple select", "SELECT 1", nil},
		{"multi statement", "SELECT 1; UPDATE t SET v = 2", nil},
		{"empty", "", ErrEmptyQuery},
		{"whitespace only", "   \n\t  ", ErrEmptyQuery},
		{"null byte", "SELECT 1\x00", ErrInvalidCharacter},
		{"too long", "SELECT '" + strings.Repeat("x", MaxQueryLength) + "'", ErrQueryTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateQuery(tt.query)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateQuery() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateExpression(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr error
	}{
		{"comparison", "rowCount > 1000", nil},
		{"empty allowed", "", nil},
		{"multiline", "a = 1 AND\nb = 2", nil},
		{"null byte", "a = 1\x00", ErrInvalidCharacter},
		{"control character", "a = 1\x07", ErrInvalidCharacter},
		{"too long", strings.Repeat("a", MaxExpressionLength+1), ErrExpressionTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateExpression(tt.expr)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateExpression() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name  string
		ident string
		valid bool
	}{
		{"simple", "rowCount", true},
		{"underscore start", "_private", true},
		{"dotted", "account.balance", true},
		{"hyphenated", "user-1", true},
		{"empty", "", false},
		{"digit start", "1abc", false},
		{"hyphen start", "-flag", false},
		{"space", "a b", false},
		{"slash", "a/b", false},
		{"too long", strings.Repeat("a", MaxIdentifierLength+1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier(tt.ident)
			if tt.valid && err != nil {
				t.Errorf("ValidateIdentifier(%q) error = %v, want nil", tt.ident, err)
			}
			if !tt.valid && err == nil {
				t.Errorf("ValidateIdentifier(%q) = nil, want error", tt.ident)
			}
		})
	}
}

func TestValidateFilename(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		valid    bool
	}{
		{"simple", "trace.xz", true},
		{"session export", "session-abc123.trace.xz", true},
		{"empty", "", false},
		{"dot", ".", false},
		{"dotdot", "..", false},
		{"slash", "a/b", false},
		{"backslash", "a\\b", false},
		{"null byte", "a\x00b", false},
		{"control character", "a\x07b", false},
		{"leading hyphen", "-rf", false},
		{"too long", strings.Repeat("a", MaxFilenameLength+1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFilename(tt.filename)
			if tt.valid && err != nil {
				t.Errorf("ValidateFilename(%q) error = %v, want nil", tt.filename, err)
			}
			if !tt.valid && err == nil {
				t.Errorf("ValidateFilename(%q) = nil, want error", tt.filename)
			}
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"clean passthrough", "trace.xz", "trace.xz", false},
		{"path separators replaced", "a/b\\c", "a_b_c", false},
		{"null bytes removed", "a\x00b", "ab", false},
		{"control characters removed", "a\x07b", "ab", false},
		{"leading hyphens trimmed", "--name", "name", false},
		{"whitespace trimmed", "  name  ", "name", false},
		{"empty", "", "", true},
		{"reduces to empty", "--", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeFilename(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("SanitizeFilename(%q) = %q, want error", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("SanitizeFilename(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
