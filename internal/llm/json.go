package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseJSONResponse parses a JSON object from an LLM response, handling
// markdown code blocks and prose around the object.
func ParseJSONResponse(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty response")
	}

	// Strip markdown code fences. An unclosed fence keeps everything after
	// the opening line.
	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		body := lines[1:]
		for i := len(lines) - 1; i > 0; i-- {
			if strings.TrimSpace(lines[i]) == "```" {
				body = lines[1:i]
				break
			}
		}
		text = strings.Join(body, "\n")
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(text), &result); err == nil {
		return result, nil
	}

	// Fall back to the outermost braces.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &result); err != nil {
		return nil, fmt.Errorf("parsing LLM response as JSON: %w", err)
	}
	return result, nil
}
