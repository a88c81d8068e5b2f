package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyPlan marks a syntactically valid plan that names no files. An empty
// plan is never a valid terminal state for the plan phase.
var ErrEmptyPlan = errors.New("plan contains no files")

// ParsePlan extracts an ImplementationPlan from the model's free-text
// response. It accepts a fenced ```json block, a bare fenced block, or a raw
// JSON object, in that order of preference.
func ParsePlan(text string) (*ImplementationPlan, error) {
	raw := extractJSONBlock(text)
	if raw == "" {
		return nil, fmt.Errorf("no JSON plan block found in response")
	}

	var plan ImplementationPlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("parse plan JSON: %w", err)
	}
	if len(plan.Files) == 0 {
		return nil, ErrEmptyPlan
	}
	return &plan, nil
}

// extractJSONBlock returns the first fenced code block's body, or the first
// top-level JSON object if no fence is present.
func extractJSONBlock(text string) string {
	for _, marker := range []string{"```json", "```"} {
		start := strings.Index(text, marker)
		if start < 0 {
			continue
		}
		rest := text[start+len(marker):]
		end := strings.Index(rest, "```")
		if end < 0 {
			continue
		}
		body := strings.TrimSpace(rest[:end])
		if body != "" {
			return body
		}
	}

	// Fall back to scanning for a balanced top-level object.
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}
