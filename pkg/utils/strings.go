package utils

import "strings"

// TrimQuotes removes surrounding quotes from a string.
func TrimQuotes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// SplitKeyValue splits a "key=value" line on the first '='. Both sides are
// trimmed; the value is otherwise taken verbatim, quotes included. Everything
// after the first '=' belongs to the value, so passwords may contain '=', '#'
// or quotes.
func SplitKeyValue(line string) (string, string, bool) {
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", false
	}
	return key, strings.TrimSpace(value), true
}

// IsComment checks whether a line is a comment (starts with #) or blank.
func IsComment(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "#") || trimmed == ""
}

// SplitList splits a comma, semicolon or whitespace separated value into its
// non-empty items.
func SplitList(value string) []string {
	parts := strings.FieldsFunc(value, func(r rune) bool {
		switch r {
		case ',', ';', '\n', '\t', ' ':
			return true
		default:
			return false
		}
	})
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		part = TrimQuotes(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}
