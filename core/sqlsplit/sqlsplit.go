// Package sqlsplit splits a SQL script into individual statements. It is
// a lightweight tokenizer, not a parser: it tracks just enough state to
// know when a semicolon is a statement boundary and when it is inside a
// string literal, a dollar-quoted body, or a comment.
package sqlsplit

import "strings"

type splitState int

const (
	stateNormal splitState = iota
	stateSingleQuote
	stateDoubleQuote
	stateLineComment
	stateBlockComment
	stateDollarQuote
)

// Split breaks script into statements on semicolons, respecting
// single/double-quoted strings, dollar-quoted strings ($$ or $tag$),
// -- line comments and /* */ block comments. Statements are trimmed and
// empty ones discarded. Trailing text without a semicolon is a statement.
func Split(script string) []string {
	var (
		statements []string
		current    strings.Builder
		state      = stateNormal
		dollarTag  string
	)

	runes := []rune(script)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		var next rune
		if i+1 < len(runes) {
			next = runes[i+1]
		}

		switch state {
		case stateNormal:
			switch {
			case ch == ';':
				flush(&statements, &current)
				continue
			case ch == '\'':
				state = stateSingleQuote
			case ch == '"':
				state = stateDoubleQuote
			case ch == '-' && next == '-':
				state = stateLineComment
			case ch == '/' && next == '*':
				state = stateBlockComment
				current.WriteRune(ch)
				current.WriteRune(next)
				i++
				continue
			case ch == '$':
				if tag, ok := dollarTagAt(runes, i); ok {
					state = stateDollarQuote
					dollarTag = tag
					current.WriteString(tag)
					i += len([]rune(tag)) - 1
					continue
				}
			}
			current.WriteRune(ch)

		case stateSingleQuote:
			current.WriteRune(ch)
			if ch == '\'' {
				// Doubled quote is an escape, not a terminator.
				if next == '\'' {
					current.WriteRune(next)
					i++
					continue
				}
				state = stateNormal
			}

		case stateDoubleQuote:
			current.WriteRune(ch)
			if ch == '"' {
				if next == '"' {
					current.WriteRune(next)
					i++
					continue
				}
				state = stateNormal
			}

		case stateLineComment:
			current.WriteRune(ch)
			if ch == '\n' {
				state = stateNormal
			}

		case stateBlockComment:
			current.WriteRune(ch)
			if ch == '*' && next == '/' {
				current.WriteRune(next)
				i++
				state = stateNormal
			}

		case stateDollarQuote:
			if ch == '$' && hasPrefixAt(runes, i, dollarTag) {
				current.WriteString(dollarTag)
				i += len([]rune(dollarTag)) - 1
				state = stateNormal
				continue
			}
			current.WriteRune(ch)
		}
	}
	flush(&statements, &current)

	return statements
}

// flush appends the trimmed pending statement, discarding empties and
// fragments that are only comments.
func flush(statements *[]string, current *strings.Builder) {
	stmt := strings.TrimSpace(current.String())
	current.Reset()
	if stmt == "" || isCommentOnly(stmt) {
		return
	}
	*statements = append(*statements, stmt)
}

// isCommentOnly reports whether text contains no tokens outside comments.
func isCommentOnly(text string) bool {
	rest := strings.TrimSpace(text)
	for rest != "" {
		switch {
		case strings.HasPrefix(rest, "--"):
			idx := strings.IndexByte(rest, '\n')
			if idx < 0 {
				return true
			}
			rest = strings.TrimSpace(rest[idx+1:])
		case strings.HasPrefix(rest, "/*"):
			idx := strings.Index(rest, "*/")
			if idx < 0 {
				return true
			}
			rest = strings.TrimSpace(rest[idx+2:])
		default:
			return false
		}
	}
	return true
}

// dollarTagAt reports the dollar-quote tag starting at position i, such
// as "$$" or "$body$". Returns false if the text at i is not a tag.
func dollarTagAt(runes []rune, i int) (string, bool) {
	j := i + 1
	for j < len(runes) {
		ch := runes[j]
		if ch == '$' {
			return string(runes[i : j+1]), true
		}
		if !isTagRune(ch) {
			return "", false
		}
		j++
	}
	return "", false
}

func isTagRune(ch rune) bool {
	switch {
	case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '_':
		return true
	}
	return false
}

// hasPrefixAt reports whether runes[i:] begins with tag.
func hasPrefixAt(runes []rune, i int, tag string) bool {
	tagRunes := []rune(tag)
	if i+len(tagRunes) > len(runes) {
		return false
	}
	for k, tr := range tagRunes {
		if runes[i+k] != tr {
			return false
		}
	}
	return true
}
