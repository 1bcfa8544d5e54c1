package enrich

import (
	"fmt"
	"strings"

	"github.com/TobiSchelling/graded/internal/llm"
)

// Result is the structured output of one successful enrichment call.
type Result struct {
	Model      string
	Raw        string
	Tiers      []Tier
	Commentary string
	Background string
	Analysis   string
}

// Tier holds the sections written for one complexity tier.
type Tier struct {
	Name      string
	Summary   Summary
	Keywords  []Keyword
	Questions []Question
}

type Summary struct {
	Title string
	Body  string
}

type Keyword struct {
	Term       string
	Definition string
}

type Question struct {
	Prompt      string
	Choices     []string
	AnswerIndex int
	Explanation string
}

// ParseResult decodes a raw service response into a Result for the
// requested tiers. Unparseable or incomplete output is Transient; an
// explicit rejection is Permanent.
func ParseResult(raw string, tiers []string) (*Result, error) {
	parsed, err := llm.ParseJSONResponse(raw)
	if err != nil {
		return nil, transient("unparseable response", err)
	}

	if getBool(parsed, "rejected") {
		reason := getString(parsed, "rejection_reason", "rejected by policy")
		return nil, permanent("content rejected: "+reason, nil)
	}

	tierMap, _ := parsed["tiers"].(map[string]any)
	if tierMap == nil {
		return nil, transient("response has no tiers", nil)
	}

	r := &Result{
		Raw:        raw,
		Commentary: strings.TrimSpace(getString(parsed, "commentary", "")),
		Background: strings.TrimSpace(getString(parsed, "background", "")),
		Analysis:   strings.TrimSpace(getString(parsed, "analysis", "")),
	}
	for _, name := range tiers {
		section, _ := tierMap[name].(map[string]any)
		if section == nil {
			return nil, transient(fmt.Sprintf("response is missing tier %q", name), nil)
		}
		tier, err := parseTier(name, section)
		if err != nil {
			return nil, err
		}
		r.Tiers = append(r.Tiers, tier)
	}
	return r, nil
}

func parseTier(name string, m map[string]any) (Tier, error) {
	t := Tier{Name: name}

	summary, _ := m["summary"].(map[string]any)
	t.Summary = Summary{
		Title: strings.TrimSpace(getString(summary, "title", "")),
		Body:  strings.TrimSpace(getString(summary, "body", "")),
	}
	if t.Summary.Body == "" {
		return t, transient(fmt.Sprintf("tier %q has no summary", name), nil)
	}

	seen := make(map[string]bool)
	for _, v := range getSlice(m, "keywords") {
		kw, _ := v.(map[string]any)
		term := strings.TrimSpace(getString(kw, "term", ""))
		def := strings.TrimSpace(getString(kw, "definition", ""))
		key := strings.ToLower(term)
		if term == "" || def == "" || seen[key] {
			continue
		}
		seen[key] = true
		t.Keywords = append(t.Keywords, Keyword{Term: term, Definition: def})
	}

	for _, v := range getSlice(m, "questions") {
		q, _ := v.(map[string]any)
		prompt := strings.TrimSpace(getString(q, "prompt", ""))
		var choices []string
		for _, c := range getSlice(q, "choices") {
			if s, ok := c.(string); ok && strings.TrimSpace(s) != "" {
				choices = append(choices, strings.TrimSpace(s))
			}
		}
		answer := getInt(q, "answer_index", -1)
		if prompt == "" || len(choices) < 2 || answer < 0 || answer >= len(choices) {
			continue
		}
		t.Questions = append(t.Questions, Question{
			Prompt:      prompt,
			Choices:     choices,
			AnswerIndex: answer,
			Explanation: strings.TrimSpace(getString(q, "explanation", "")),
		})
	}
	return t, nil
}

func getString(m map[string]any, key, fallback string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

func getInt(m map[string]any, key string, fallback int) int {
	if v, ok := m[key]; ok {
		if n, ok := v.(float64); ok {
			return int(n)
		}
	}
	return fallback
}

func getBool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func getSlice(m map[string]any, key string) []any {
	s, _ := m[key].([]any)
	return s
}
