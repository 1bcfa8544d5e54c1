// Package pipeline runs one batch: collect, fetch, sample, process claimed
// items with a bounded worker pool, and regenerate artifacts.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/graded/internal/artifact"
	"github.com/TobiSchelling/graded/internal/claim"
	"github.com/TobiSchelling/graded/internal/collect"
	"github.com/TobiSchelling/graded/internal/config"
	"github.com/TobiSchelling/graded/internal/database"
	"github.com/TobiSchelling/graded/internal/enrich"
	"github.com/TobiSchelling/graded/internal/fetch"
	"github.com/TobiSchelling/graded/internal/normalize"
	"github.com/TobiSchelling/graded/internal/sample"
)

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Options are the per-run controls. Zero values fall back to config.
type Options struct {
	Rate         int
	DryRun       bool
	MaxRetries   int
	Limit        int
	Workers      int
	SkipCollect  bool
	SkipGenerate bool
}

// Result is the outcome of one run.
type Result struct {
	RunID    int64
	DryRun   bool
	Steps    []StepResult
	Selected []database.Item
	Reports  []claim.Report
	Counts   map[claim.Outcome]int
	Version  *artifact.Version
}

// Pipeline wires the components of a run together.
type Pipeline struct {
	cfg       *config.Config
	db        *database.DB
	invoker   enrich.Invoker
	generator *artifact.Generator
	sampler   *sample.Sampler
	now       func() time.Time
}

// New creates a pipeline. generator may be nil when artifacts are not
// wanted.
func New(cfg *config.Config, db *database.DB, invoker enrich.Invoker, generator *artifact.Generator) (*Pipeline, error) {
	s, err := sample.New(cfg.Pipeline.SamplingMode, cfg.Pipeline.SamplingSeed)
	if err != nil {
		return nil, err
	}
	return &Pipeline{cfg: cfg, db: db, invoker: invoker, generator: generator, sampler: s, now: time.Now}, nil
}

func (p *Pipeline) resolve(opts Options) Options {
	pc := p.cfg.Pipeline
	if opts.Rate <= 0 {
		opts.Rate = pc.SamplingRate
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = pc.MaxRetries
	}
	if opts.Limit <= 0 {
		opts.Limit = pc.BatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = pc.Workers
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return opts
}

// Run executes one batch. Per-item failures are reported in Result and
// never abort the batch; the returned error is reserved for problems that
// stop the run as a whole.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Result, error) {
	opts = p.resolve(opts)
	r := &Result{DryRun: opts.DryRun, Counts: make(map[claim.Outcome]int)}

	if !opts.SkipCollect && !opts.DryRun {
		r.Steps = append(r.Steps, p.runCollect(ctx), p.runFetch(ctx))
	}

	selected, err := p.Select(ctx, opts.Rate, opts.Limit)
	if err != nil {
		return r, err
	}
	r.Selected = selected
	r.Steps = append(r.Steps, StepResult{
		Name:    "Sample",
		Summary: fmt.Sprintf("Selected %d items (rate 1/%d)", len(selected), opts.Rate),
	})

	run := &database.Run{Mode: "apply", Selected: len(selected), StartedAt: p.now()}
	if opts.DryRun {
		run.Mode = "dry-run"
	}
	if err := p.db.InsertRun(ctx, run); err != nil {
		return r, fmt.Errorf("recording run: %w", err)
	}
	r.RunID = run.ID
	defer func() {
		run.Succeeded = r.Counts[claim.Succeeded]
		run.Retrying = r.Counts[claim.Retrying]
		run.Failed = r.Counts[claim.Failed]
		run.Conflicts = r.Counts[claim.Conflict]
		if r.Version != nil {
			run.ArtifactVersion = &r.Version.Name
		}
		if err := p.db.FinishRun(context.WithoutCancel(ctx), run); err != nil {
			slog.Warn("recording run result", "run", run.ID, "error", err)
		}
	}()

	if opts.DryRun {
		for _, it := range selected {
			slog.Info("[dry-run] would process", "item_id", it.ID, "state", it.State, "title", it.Title)
		}
		return r, nil
	}

	r.Reports = p.process(ctx, selected, opts)
	for _, rep := range r.Reports {
		r.Counts[rep.Outcome]++
	}
	r.Steps = append(r.Steps, StepResult{
		Name: "Process",
		Summary: fmt.Sprintf("%d succeeded, %d retrying, %d failed, %d conflicts, %d aborted",
			r.Counts[claim.Succeeded], r.Counts[claim.Retrying], r.Counts[claim.Failed],
			r.Counts[claim.Conflict], r.Counts[claim.Aborted]),
	})
	if err := ctx.Err(); err != nil {
		return r, err
	}

	if !opts.SkipGenerate && p.generator != nil {
		step, v := p.runGenerate(ctx)
		r.Steps = append(r.Steps, step)
		r.Version = v
	}
	return r, nil
}

// Select returns the items a run with rate and limit would process. Apply
// and dry-run share it, so both see the same selection.
func (p *Pipeline) Select(ctx context.Context, rate, limit int) ([]database.Item, error) {
	candidates, err := p.db.GetUnprocessed(ctx, 0, p.now())
	if err != nil {
		return nil, fmt.Errorf("listing claimable items: %w", err)
	}
	selected := p.sampler.Select(candidates, rate)
	if limit > 0 && len(selected) > limit {
		selected = selected[:limit]
	}
	return selected, nil
}

func (p *Pipeline) process(ctx context.Context, items []database.Item, opts Options) []claim.Report {
	manager := claim.NewManager(p.db, normalize.New(p.db, p.cfg.Enrichment.Tiers), claim.Options{
		MaxRetries: opts.MaxRetries,
		Lease:      p.cfg.Pipeline.Lease,
		Tiers:      p.cfg.Enrichment.Tiers,
	})

	queue := make(chan int, len(items))
	for i := range items {
		queue <- i
	}
	close(queue)

	reports := make([]claim.Report, len(items))
	var g errgroup.Group
	g.SetLimit(opts.Workers)
	for w := 0; w < opts.Workers && w < len(items); w++ {
		owner := workerID()
		g.Go(func() error {
			for i := range queue {
				if ctx.Err() != nil {
					reports[i] = claim.Report{ItemID: items[i].ID, Outcome: claim.Aborted, Err: ctx.Err()}
					continue
				}
				reports[i] = manager.Process(ctx, items[i], owner, p.invoker)
			}
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

// workerID identifies a claim owner across processes sharing the database.
func workerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

func (p *Pipeline) runCollect(ctx context.Context) StepResult {
	slog.Info("collecting items")
	collector := collect.NewCollector(p.cfg, p.db, p.cfg.Pipeline.DaysBack)
	res := collector.Collect(ctx)
	return StepResult{
		Name:    "Collect",
		Summary: fmt.Sprintf("Found %d new items (%d total, %d duplicates)", res.NewItems, res.TotalFound, res.Duplicates),
	}
}

func (p *Pipeline) runFetch(ctx context.Context) StepResult {
	slog.Info("fetching missing content")
	fetcher := fetch.NewContentFetcher(p.db, p.cfg.Pipeline.FetchTimeout)
	res, err := fetcher.FetchMissingContent(ctx, p.cfg.Pipeline.BatchSize)
	if err != nil {
		return StepResult{Name: "Fetch", Err: err}
	}
	return StepResult{
		Name:    "Fetch",
		Summary: fmt.Sprintf("Fetched %d items, %d failed, %d skipped", res.Fetched, res.Failed, res.Skipped),
	}
}

// runGenerate regenerates artifacts when any publishable item is stale or
// nothing has been published yet.
func (p *Pipeline) runGenerate(ctx context.Context) (StepResult, *artifact.Version) {
	pending, err := p.db.CountPayloadPending(ctx)
	if err != nil {
		return StepResult{Name: "Generate", Err: err}, nil
	}
	live, err := p.generator.Live()
	if err != nil {
		return StepResult{Name: "Generate", Err: err}, nil
	}
	if pending == 0 && live != "" {
		return StepResult{Name: "Generate", Summary: "Artifacts up to date (live " + live + ")"}, nil
	}

	slog.Info("regenerating artifacts", "pending", pending)
	v, err := p.generator.Regenerate(ctx, artifact.Scope{})
	if err != nil {
		return StepResult{Name: "Generate", Err: err}, nil
	}
	return StepResult{
		Name:    "Generate",
		Summary: fmt.Sprintf("Published %s: %d items, %d rebuilt, %d copied", v.Name, v.Items, v.Rebuilt, v.Copied),
	}, v
}
