// Package enrichtest provides fixtures and fakes for code that consumes
// enrichment results.
package enrichtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/TobiSchelling/graded/internal/enrich"
)

// Response builds a well-formed service response with the given number of
// keywords and questions per tier.
func Response(tiers []string, keywords, questions int) string {
	body := map[string]any{
		"rejected":   false,
		"commentary": "Why this **matters**.",
		"background": "Some background.",
		"analysis":   "The argument has three parts.",
	}
	tierMap := make(map[string]any, len(tiers))
	for _, tier := range tiers {
		var kws []map[string]any
		for i := 0; i < keywords; i++ {
			kws = append(kws, map[string]any{
				"term":       fmt.Sprintf("%s-term-%d", tier, i),
				"definition": fmt.Sprintf("definition %d", i),
			})
		}
		var qs []map[string]any
		for i := 0; i < questions; i++ {
			qs = append(qs, map[string]any{
				"prompt":       fmt.Sprintf("%s question %d?", tier, i),
				"choices":      []string{"a", "b", "c", "d"},
				"answer_index": i % 4,
				"explanation":  "because",
			})
		}
		tierMap[tier] = map[string]any{
			"summary":   map[string]any{"title": tier + " summary", "body": "Summary at " + tier + " level."},
			"keywords":  kws,
			"questions": qs,
		}
	}
	body["tiers"] = tierMap
	data, _ := json.Marshal(body)
	return string(data)
}

// Result parses Response into an enrich.Result.
func Result(tiers []string, keywords, questions int) *enrich.Result {
	r, err := enrich.ParseResult(Response(tiers, keywords, questions), tiers)
	if err != nil {
		panic(err)
	}
	r.Model = "fake"
	return r
}

// Invoker is a scripted enrich.Invoker. Each call pops the next step; when
// the script is exhausted the last step repeats.
type Invoker struct {
	mu    sync.Mutex
	steps []func(context.Context, enrich.Request) (*enrich.Result, error)
	calls []enrich.Request
}

// NewInvoker returns an Invoker that answers every call with fn.
func NewInvoker(fn func(context.Context, enrich.Request) (*enrich.Result, error)) *Invoker {
	return &Invoker{steps: []func(context.Context, enrich.Request) (*enrich.Result, error){fn}}
}

// Then appends a step.
func (f *Invoker) Then(fn func(context.Context, enrich.Request) (*enrich.Result, error)) *Invoker {
	f.steps = append(f.steps, fn)
	return f
}

// Invoke implements enrich.Invoker.
func (f *Invoker) Invoke(ctx context.Context, req enrich.Request) (*enrich.Result, error) {
	f.mu.Lock()
	step := f.steps[0]
	if len(f.steps) > 1 {
		f.steps = f.steps[1:]
	}
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return step(ctx, req)
}

// Calls returns the requests seen so far.
func (f *Invoker) Calls() []enrich.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]enrich.Request(nil), f.calls...)
}

// Succeed answers with a full result for the requested tiers.
func Succeed(keywords, questions int) func(context.Context, enrich.Request) (*enrich.Result, error) {
	return func(_ context.Context, req enrich.Request) (*enrich.Result, error) {
		return Result(req.Tiers, keywords, questions), nil
	}
}

// Fail answers with an enrichment error of kind.
func Fail(kind enrich.Kind, reason string) func(context.Context, enrich.Request) (*enrich.Result, error) {
	return func(context.Context, enrich.Request) (*enrich.Result, error) {
		return nil, &enrich.Error{Kind: kind, Reason: reason}
	}
}
