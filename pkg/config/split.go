package config

import (
	"strings"
	"unicode"
)

// SplitQuotedFields splits in around runs of white space like
// strings.Fields, except inside areas surrounded by quote. A backslash
// inside quotes escapes the next character. Empty quoted areas produce
// empty fields.
func SplitQuotedFields(in string, quote rune) []string {
	var (
		fields  = []string{}
		cur     strings.Builder
		inField bool
		quoted  bool
		escaped bool
	)
	for _, ch := range in {
		switch {
		case escaped:
			cur.WriteRune(ch)
			escaped = false
		case quoted && ch == '\\':
			escaped = true
		case ch == quote:
			quoted = !quoted
			inField = true
		case quoted || !unicode.IsSpace(ch):
			cur.WriteRune(ch)
			inField = true
		case inField:
			fields = append(fields, cur.String())
			cur.Reset()
			inField = false
		}
	}
	if inField {
		fields = append(fields, cur.String())
	}
	return fields
}
