package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/graded/internal/artifact"
	"github.com/TobiSchelling/graded/internal/claim"
	"github.com/TobiSchelling/graded/internal/database"
	"github.com/TobiSchelling/graded/internal/normalize"
)

// --- artifact commands ---

var generateScope artifact.Scope

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Regenerate artifacts and swap the live version",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		gen, closeGen := newGenerator(db)
		defer closeGen()

		v, err := gen.Regenerate(cmd.Context(), generateScope)
		if err != nil {
			return fmt.Errorf("regenerating artifacts: %w", err)
		}
		fmt.Printf("Published %s\n", v.Name)
		fmt.Printf("  Items: %d (%d rebuilt, %d copied)\n", v.Items, v.Rebuilt, v.Copied)
		return nil
	},
}

func init() {
	f := generateCmd.Flags()
	f.Int64SliceVar(&generateScope.ItemIDs, "ids", nil, "Rebuild these item IDs")
	f.StringSliceVar(&generateScope.Categories, "category", nil, "Rebuild items in these categories")
	f.BoolVar(&generateScope.Force, "force", false, "Rebuild every item")
}

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List retained artifact versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		gen := artifact.New(nil, artifact.Options{Dir: cfg.GetArtifactsDir()}, nil)
		versions, err := gen.List()
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			fmt.Println("No artifact versions yet. Create one with: graded generate")
			return nil
		}
		for _, v := range versions {
			marker := " "
			if v.Live {
				marker = "*"
			}
			fmt.Printf("%s %s  %s  items %d (rebuilt %d, copied %d)\n",
				marker, v.Name, v.CreatedAt.Local().Format("2006-01-02 15:04:05"), v.Items, v.Rebuilt, v.Copied)
		}
		return nil
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <version>",
	Short: "Make a retained artifact version live again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		gen, closeGen := newGenerator(db)
		defer closeGen()

		if err := gen.Rollback(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Live version is now %s\n", args[0])
		return nil
	},
}

var gcRetain int

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove old artifact versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		retain := cfg.Artifacts.Retain
		if cmd.Flags().Changed("retain") {
			retain = gcRetain
		}
		gen := artifact.New(nil, artifact.Options{Dir: cfg.GetArtifactsDir()}, nil)
		removed, err := gen.GC(retain)
		for _, name := range removed {
			fmt.Printf("Removed %s\n", name)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%d removed, newest %d kept\n", len(removed), retain)
		return nil
	},
}

func init() {
	gcCmd.Flags().IntVar(&gcRetain, "retain", 5, "Number of newest versions to keep")
}

// --- item commands ---

var reprocessFailed bool

var reprocessCmd = &cobra.Command{
	Use:   "reprocess [ids...]",
	Short: "Reset processed or failed items so the next run picks them up",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if reprocessFailed {
			failed, err := db.GetItemsByState(ctx, database.StateFailedRetryable, database.StateFailedPermanent)
			if err != nil {
				return err
			}
			for _, it := range failed {
				ids = append(ids, it.ID)
			}
		}
		if len(ids) == 0 {
			return errors.New("no items given; pass ids or --failed")
		}

		m := claim.NewManager(db, nil, claim.Options{})
		n, err := m.ForceReprocess(ctx, ids)
		fmt.Printf("Reset %d of %d items to unprocessed\n", n, len(ids))
		return err
	},
}

func init() {
	reprocessCmd.Flags().BoolVar(&reprocessFailed, "failed", false, "Include every failed item")
}

var releaseCmd = &cobra.Command{
	Use:   "release <ids...>",
	Short: "Release stuck claims immediately",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		var errs []error
		for _, id := range ids {
			if err := db.ForceRelease(cmd.Context(), id); err != nil {
				errs = append(errs, fmt.Errorf("item %d: %w", id, err))
				continue
			}
			fmt.Printf("Released item %d\n", id)
		}
		return errors.Join(errs...)
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay <ids...>",
	Short: "Rebuild normalized rows from the stored raw enrichment result",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		in := normalize.New(db, cfg.Enrichment.Tiers)
		var errs []error
		for _, id := range ids {
			if err := in.Replay(cmd.Context(), id); err != nil {
				errs = append(errs, fmt.Errorf("item %d: %w", id, err))
				continue
			}
			fmt.Printf("Replayed item %d\n", id)
		}
		return errors.Join(errs...)
	},
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid item ID: %s", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
