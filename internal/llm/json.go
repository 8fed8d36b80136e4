package llm

import (
	"encoding/json"
	"strings"
)

// DecodeJSON parses a model response into out. Markdown code fences are
// stripped first; anything that still fails to parse becomes a
// SchemaViolationError carrying the raw response for diagnosis. Unknown
// fields are tolerated; missing required fields are the caller's problem
// to detect after decoding.
func DecodeJSON(raw string, out interface{}) error {
	cleaned := StripFences(raw)
	if cleaned == "" {
		return &SchemaViolationError{Reason: "empty response", Raw: raw}
	}
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return &SchemaViolationError{Reason: err.Error(), Raw: raw}
	}
	return nil
}

// StripFences removes a surrounding markdown code fence (```json ... ```)
// if present and trims whitespace.
func StripFences(raw string) string {
	cleaned := strings.TrimSpace(raw)
	if !strings.HasPrefix(cleaned, "```") {
		return cleaned
	}
	lines := strings.Split(cleaned, "\n")
	if len(lines) > 1 {
		lines = lines[1:]
	}
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
