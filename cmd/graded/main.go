package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/graded/internal/artifact"
	"github.com/TobiSchelling/graded/internal/claim"
	"github.com/TobiSchelling/graded/internal/collect"
	"github.com/TobiSchelling/graded/internal/config"
	"github.com/TobiSchelling/graded/internal/database"
	"github.com/TobiSchelling/graded/internal/enrich"
	"github.com/TobiSchelling/graded/internal/llm"
	"github.com/TobiSchelling/graded/internal/logging"
	"github.com/TobiSchelling/graded/internal/notify"
	"github.com/TobiSchelling/graded/internal/pipeline"
	"github.com/TobiSchelling/graded/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "graded",
	Short:   "Tiered reading material from news feeds",
	Long:    "graded collects feed items, enriches a sampled subset into tiered summaries, keywords and questions, and publishes versioned artifact sets.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := "INFO"
		defer func() {
			if verbose {
				level = "DEBUG"
			}
			slog.SetDefault(logging.New(level))
		}()

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		level = cfg.Logging.Level
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd, versionCmd, statusCmd, collectCmd, runCmd, serveCmd)
	rootCmd.AddCommand(generateCmd, versionsCmd, rollbackCmd, gcCmd)
	rootCmd.AddCommand(reprocessCmd, releaseCmd, replayCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("graded", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/graded/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure feeds, tiers, and the enrichment provider.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show item states, the last run and the live artifact version",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(ctx)
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Println("Items:")
		fmt.Printf("  Total: %d\n", stats.TotalItems)
		for _, s := range database.AllStates {
			fmt.Printf("  %-17s %d\n", s+":", stats.ByState[s])
		}
		fmt.Println("\nNormalized data:")
		fmt.Printf("  Enrichment passes: %d\n", stats.EnrichmentPasses)
		fmt.Printf("  Summaries: %d\n", stats.Summaries)
		fmt.Printf("  Keywords: %d\n", stats.Keywords)
		fmt.Printf("  Questions: %d\n", stats.Questions)

		gen, closeGen := newGenerator(db)
		defer closeGen()
		live, err := gen.Live()
		if err != nil {
			return err
		}
		if live == "" {
			live = "(none)"
		}
		fmt.Println("\nArtifacts:")
		fmt.Printf("  Live version: %s\n", live)
		fmt.Printf("  Items pending regeneration: %d\n", stats.PayloadPending)

		last, err := db.GetLastRun(ctx)
		if err != nil {
			return err
		}
		if last != nil {
			fmt.Println("\nLast run:")
			fmt.Printf("  #%d %s at %s\n", last.ID, last.Mode, last.StartedAt.Local().Format("2006-01-02 15:04"))
			fmt.Printf("  Selected %d: %d succeeded, %d retrying, %d failed, %d conflicts\n",
				last.Selected, last.Succeeded, last.Retrying, last.Failed, last.Conflicts)
			if last.FinishedAt == nil {
				fmt.Println("  (did not finish)")
			}
		}
		return nil
	},
}

// --- collect command ---

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Collect items from configured feeds",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		fmt.Println("Collecting items from feeds...")
		result := collect.NewCollector(cfg, db, cfg.Pipeline.DaysBack).Collect(cmd.Context())

		fmt.Println("\nCollection complete:")
		fmt.Printf("  Total found: %d\n", result.TotalFound)
		fmt.Printf("  New items: %d\n", result.NewItems)
		fmt.Printf("  Duplicates skipped: %d\n", result.Duplicates)

		if len(result.Sources) > 0 {
			fmt.Println("\nItems by source:")
			type kv struct {
				key string
				val int
			}
			var sorted []kv
			for k, v := range result.Sources {
				sorted = append(sorted, kv{k, v})
			}
			sort.Slice(sorted, func(i, j int) bool { return sorted[i].val > sorted[j].val })
			for _, s := range sorted {
				fmt.Printf("  %s: %d\n", s.key, s.val)
			}
		}
		return nil
	},
}

// --- run command ---

var runOpts pipeline.Options

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one batch: collect -> fetch -> sample -> enrich -> generate",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		var inv enrich.Invoker
		if !runOpts.DryRun {
			if inv, err = newInvoker(); err != nil {
				return err
			}
		}
		gen, closeGen := newGenerator(db)
		defer closeGen()

		pipe, err := pipeline.New(cfg, db, inv, gen)
		if err != nil {
			return err
		}
		result, err := pipe.Run(ctx, runOpts)
		for i, step := range result.Steps {
			fmt.Printf("\nStep %d/%d: %s\n", i+1, len(result.Steps), step.Name)
			if step.Err != nil {
				fmt.Printf("  Error: %v\n", step.Err)
			} else {
				fmt.Printf("  %s\n", step.Summary)
			}
		}

		if result.DryRun {
			fmt.Println("\n[dry-run] Items that would be processed:")
			for _, it := range result.Selected {
				fmt.Printf("  [%d] %s (%s, failures %d)\n", it.ID, it.Title, it.State, it.FailureCount)
			}
			return err
		}

		if len(result.Reports) > 0 {
			fmt.Println("\nItems:")
		}
		for _, rep := range result.Reports {
			fmt.Println(formatReport(rep))
		}
		if errors.Is(err, context.Canceled) {
			fmt.Println("\nRun interrupted; held claims were released.")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Println("\nRun complete! Run 'graded serve' to browse the live version.")
		return nil
	},
}

func init() {
	f := runCmd.Flags()
	f.IntVar(&runOpts.Rate, "rate", 0, "Sample 1 in N claimable items (default from config)")
	f.BoolVar(&runOpts.DryRun, "dry-run", false, "Show the selection without claiming or calling the service")
	f.IntVar(&runOpts.MaxRetries, "max-retries", 0, "Failures before an item is failed permanently (default from config)")
	f.IntVar(&runOpts.Limit, "limit", 0, "Maximum items to process (default pipeline.batch_size)")
	f.IntVar(&runOpts.Workers, "workers", 0, "Concurrent workers (default from config)")
	f.BoolVar(&runOpts.SkipCollect, "skip-collect", false, "Do not collect or fetch before processing")
	f.BoolVar(&runOpts.SkipGenerate, "skip-generate", false, "Do not regenerate artifacts after processing")
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the live artifact version over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		gen, closeGen := newGenerator(db)
		defer closeGen()

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(cmd.Context(), db, gen, port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

// formatReport renders one item's outcome for the run summary.
func formatReport(rep claim.Report) string {
	line := fmt.Sprintf("  [%d] %s", rep.ItemID, rep.Outcome)
	if rep.Err != nil {
		line += ": " + rep.Err.Error()
	}
	return line
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return database.Open(filepath.Join(dataDir, "graded.db"))
}

// newGenerator builds the artifact generator and, when configured, its
// Redis publisher. The returned func closes the publisher.
func newGenerator(db *database.DB) (*artifact.Generator, func()) {
	pub, err := notify.New(cfg.Publish.RedisURL, cfg.Publish.Channel)
	if err != nil {
		slog.Warn("artifact notifications disabled", "error", err)
		pub = nil
	}
	gen := artifact.New(db, artifact.Options{
		Dir:       cfg.GetArtifactsDir(),
		Title:     cfg.Artifacts.Title,
		BaseURL:   cfg.Artifacts.BaseURL,
		FeedItems: cfg.Artifacts.FeedItems,
		Tiers:     cfg.Enrichment.Tiers,
	}, pub)
	return gen, func() {
		if pub != nil {
			pub.Close()
		}
	}
}

func newInvoker() (enrich.Invoker, error) {
	e := cfg.Enrichment
	provider := llm.CreateProvider(llm.Options{
		Provider:    e.Provider,
		Model:       e.Model,
		OllamaURL:   e.OllamaURL,
		OpenAIModel: e.OpenAIModel,
		APIKeyEnv:   e.APIKeyEnv,
		Timeout:     e.Timeout,
	})
	if provider == nil {
		return nil, errors.New("no enrichment provider available; start Ollama or set " + e.APIKeyEnv)
	}
	return enrich.NewLLMInvoker(provider, enrich.Options{
		MaxTokens:        e.MaxTokens,
		MaxContentChars:  e.MaxContentChars,
		KeywordsPerTier:  e.KeywordsPerTier,
		QuestionsPerTier: e.QuestionsPerTier,
	}), nil
}
