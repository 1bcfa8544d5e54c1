// Package enrich calls the analysis service for one item and returns a
// structured result or a classified failure. It never touches the item store.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/TobiSchelling/graded/internal/llm"
)

const enrichPrompt = `You are preparing study material from a news article for readers at several levels.

Article Title: %s
Source: %s
Category: %s
Content:
%s

For EACH of these tiers: %s
write a summary, exactly %d keywords with definitions, and exactly %d multiple-choice questions.
Basic readers are new to the topic; advanced readers know the field.

If the content is not a real article (spam, paywall notice, empty page) or must not be processed,
set "rejected" to true and explain why in "rejection_reason".

Respond with ONLY this JSON:
{
    "rejected": false,
    "rejection_reason": "",
    "tiers": {
        "<tier>": {
            "summary": {"title": "...", "body": "..."},
            "keywords": [{"term": "...", "definition": "..."}],
            "questions": [{"prompt": "...", "choices": ["...", "...", "...", "..."], "answer_index": 0, "explanation": "..."}]
        }
    },
    "commentary": "Markdown commentary on why this matters",
    "background": "Markdown background a reader needs",
    "analysis": "Markdown structural analysis of the argument"
}`

// Request is the input of one enrichment call.
type Request struct {
	ItemID   int64
	Title    string
	Content  string
	Source   string
	Category string
	Tiers    []string
}

// Invoker produces an enrichment result for one item. Failures are *Error.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// Options tunes the LLM-backed invoker.
type Options struct {
	MaxTokens        int
	MaxContentChars  int
	KeywordsPerTier  int
	QuestionsPerTier int
}

// LLMInvoker is an Invoker backed by an llm.Provider.
type LLMInvoker struct {
	provider llm.Provider
	opts     Options
}

// NewLLMInvoker creates an invoker for provider.
func NewLLMInvoker(provider llm.Provider, opts Options) *LLMInvoker {
	return &LLMInvoker{provider: provider, opts: opts}
}

// Invoke enriches one item.
func (inv *LLMInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	if inv.provider == nil {
		return nil, transient("no LLM provider available", nil)
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, permanent("empty content", nil)
	}
	if len(req.Tiers) == 0 {
		return nil, permanent("no tiers requested", nil)
	}
	content = truncate(content, inv.opts.MaxContentChars)

	source := req.Source
	if source == "" {
		source = "Unknown"
	}
	category := req.Category
	if category == "" {
		category = "general"
	}

	prompt := fmt.Sprintf(enrichPrompt, req.Title, source, category, content,
		strings.Join(req.Tiers, ", "), inv.opts.KeywordsPerTier, inv.opts.QuestionsPerTier)

	slog.Debug("invoking enrichment", "item_id", req.ItemID, "provider", inv.provider.Name())
	text, err := inv.provider.Generate(ctx, prompt, inv.opts.MaxTokens)
	if err != nil {
		return nil, classify(err)
	}

	result, err := ParseResult(text, req.Tiers)
	if err != nil {
		return nil, err
	}
	result.Model = inv.provider.Name()
	return result, nil
}

// truncate cuts s to at most n runes. n <= 0 disables truncation.
func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
