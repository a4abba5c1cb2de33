package summary

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON recovers the first complete JSON object from raw model output.
// Models regularly wrap the requested object in markdown code fences or
// surrounding prose despite the template's instructions; fences are stripped
// and anything outside the object is ignored. Candidate objects that fail to
// parse are skipped in favour of later ones, so a brace-bearing aside before
// the real object does not break extraction.
//
// Returns an error wrapping ErrBadResponse when no valid object is present.
func ExtractJSON(raw string) (json.RawMessage, error) {
	cleaned := strings.ReplaceAll(raw, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	cleaned = strings.TrimSpace(cleaned)

	for start := 0; start < len(cleaned); {
		open := strings.IndexByte(cleaned[start:], '{')
		if open < 0 {
			break
		}
		open += start
		if end, ok := matchBrace(cleaned, open); ok {
			candidate := cleaned[open : end+1]
			if json.Valid([]byte(candidate)) {
				return json.RawMessage(candidate), nil
			}
		}
		start = open + 1
	}
	return nil, fmt.Errorf("summary: no JSON object in model output: %w", ErrBadResponse)
}

// matchBrace returns the index of the brace closing the object opened at
// s[open]. Braces inside JSON strings are skipped, including escaped quotes.
func matchBrace(s string, open int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(s); i++ {
		c := s[i]
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
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
