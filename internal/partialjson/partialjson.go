// Package partialjson repairs truncated JSON fragments produced by streaming
// model output so they can be parsed before the stream completes.
package partialjson

import (
	"encoding/json"
	"strings"
)

// CloseBrackets returns fragment with every unterminated string, object, and
// array closed. Already-valid JSON passes through unchanged, so the function
// is idempotent.
func CloseBrackets(fragment string) string {
	var stack []byte
	inString := false
	escaped := false

	for i := 0; i < len(fragment); i++ {
		c := fragment[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	out := fragment
	if inString {
		// A fragment cut right after a backslash cannot take a closing
		// quote; drop the half escape first.
		if escaped {
			out = out[:len(out)-1]
		}
		out += `"`
	}

	trimmed := strings.TrimRight(out, " \t\r\n")
	switch {
	case strings.HasSuffix(trimmed, ","):
		out = strings.TrimSuffix(trimmed, ",")
	case strings.HasSuffix(trimmed, ":"):
		out = trimmed + " null"
	}

	var b strings.Builder
	b.WriteString(out)
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}

// SafeParse parses text as a JSON object, retrying with CloseBrackets when
// the direct parse fails. It returns nil when no object can be recovered and
// never panics, which makes it safe to call on every streamed chunk.
func SafeParse(text string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err == nil {
		return obj
	}
	obj = nil
	if err := json.Unmarshal([]byte(CloseBrackets(text)), &obj); err == nil {
		return obj
	}
	return nil
}
