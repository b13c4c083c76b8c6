// Package validation provides input validation and sanitization functions
// for user-supplied queries, identifiers, expressions and filenames, to
// prevent injection attacks and resource exhaustion.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Security limits to prevent resource exhaustion (CWE-400).
const (
	// MaxQueryLength is the maximum allowed SQL query length (1 MB).
	MaxQueryLength = 1 << 20
	// MaxExpressionLength is the maximum allowed condition expression length.
	MaxExpressionLength = 4096
	// MaxIdentifierLength is the maximum allowed identifier length.
	MaxIdentifierLength = 128
	// MaxFilenameLength is the maximum allowed filename length.
	MaxFilenameLength = 255
)

// Common validation errors.
var (
	ErrEmptyQuery        = errors.New("query cannot be empty")
	ErrQueryTooLong      = errors.New("query too long")
	ErrExpressionTooLong = errors.New("expression too long")
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrInvalidFilename   = errors.New("invalid filename")
	ErrFilenameTooLong   = errors.New("filename too long")
	ErrInvalidCharacter  = errors.New("invalid character")
)

// ValidateQuery checks a user-supplied SQL query for basic safety before
// it reaches the execution pipeline. It does not parse SQL; syntax errors
// surface from the database itself.
func ValidateQuery(query string) error {
	if strings.TrimSpace(query) == "" {
		return ErrEmptyQuery
	}
	if len(query) > MaxQueryLength {
		return ErrQueryTooLong
	}
	if strings.Contains(query, "\x00") {
		return fmt.Errorf("%w: null byte not allowed", ErrInvalidCharacter)
	}
	return nil
}

// ValidateExpression checks a breakpoint condition or evaluate expression.
// Syntax is checked by the condition compiler; this only enforces limits.
func ValidateExpression(expr string) error {
	if len(expr) > MaxExpressionLength {
		return ErrExpressionTooLong
	}
	if strings.Contains(expr, "\x00") {
		return fmt.Errorf("%w: null byte not allowed", ErrInvalidCharacter)
	}
	for _, r := range expr {
		if unicode.IsControl(r) && r != '\t' && r != '\n' && r != '\r' {
			return fmt.Errorf("%w: control character not allowed", ErrInvalidCharacter)
		}
	}
	return nil
}

// ValidateIdentifier checks a user-supplied identifier (variable name,
// scope name, user id). Identifiers start with a letter or underscore
// and continue with letters, digits, underscores, dots or hyphens.
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	if len(name) > MaxIdentifierLength {
		return fmt.Errorf("%w: too long", ErrInvalidIdentifier)
	}
	for i, r := range name {
		if i == 0 {
			if !unicode.IsLetter(r) && r != '_' {
				return fmt.Errorf("%w: must start with a letter or underscore", ErrInvalidIdentifier)
			}
			continue
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '.' && r != '-' {
			return fmt.Errorf("%w: character %q not allowed", ErrInvalidIdentifier, r)
		}
	}
	return nil
}

// ValidateFilename checks if a filename is safe and does not contain
// malicious characters. It rejects filenames with path separators,
// control characters, and dangerous patterns.
func ValidateFilename(filename string) error {
	if filename == "" {
		return ErrInvalidFilename
	}
	if len(filename) > MaxFilenameLength {
		return ErrFilenameTooLong
	}
	if filename == "." || filename == ".." {
		return fmt.Errorf("%w: reserved name", ErrInvalidFilename)
	}
	if strings.ContainsAny(filename, "/\\") {
		return fmt.Errorf("%w: path separator not allowed", ErrInvalidFilename)
	}
	if strings.Contains(filename, "\x00") {
		return fmt.Errorf("%w: null byte not allowed", ErrInvalidFilename)
	}
	for _, r := range filename {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: control character not allowed", ErrInvalidFilename)
		}
	}
	// Leading hyphens can be confused with command flags.
	if strings.HasPrefix(filename, "-") {
		return fmt.Errorf("%w: filename cannot start with hyphen", ErrInvalidFilename)
	}
	return nil
}

// SanitizeFilename sanitizes a filename by removing or replacing invalid
// characters. This is used when generating trace export filenames from
// session ids and user input.
func SanitizeFilename(filename string) (string, error) {
	if filename == "" {
		return "", ErrInvalidFilename
	}

	filename = strings.TrimSpace(filename)
	filename = strings.ReplaceAll(filename, "/", "_")
	filename = strings.ReplaceAll(filename, "\\", "_")
	filename = strings.ReplaceAll(filename, "\x00", "")

	var cleaned strings.Builder
	for _, r := range filename {
		if !unicode.IsControl(r) {
			cleaned.WriteRune(r)
		}
	}
	filename = cleaned.String()
	filename = strings.TrimLeft(filename, "-")

	if err := ValidateFilename(filename); err != nil {
		return "", err
	}
	return filename, nil
}
