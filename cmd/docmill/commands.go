package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/docmill/docmill/internal/analysis"
	"github.com/docmill/docmill/internal/backend"
	"github.com/docmill/docmill/internal/cache"
	"github.com/docmill/docmill/internal/config"
	"github.com/docmill/docmill/internal/job"
	"github.com/docmill/docmill/internal/pipeline"
	"github.com/docmill/docmill/internal/storage"
)

var (
	processToStage   string
	processForceFrom string
	processFresh     bool
	processResume    bool
	processRetry     bool
	processWorkers   int
	processMaxSeg    int
	processOverlap   int
)

var processCmd = &cobra.Command{
	Use:   "process <file>",
	Short: "Run a document through the analysis pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		set := 0
		for _, f := range []bool{processFresh, processResume, processRetry} {
			if f {
				set++
			}
		}
		if set > 1 {
			return errors.New("--fresh, --resume and --retry-failed are mutually exclusive")
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		opts, err := optionsFromFlags(cfg)
		if err != nil {
			return err
		}

		c, err := cache.Open(cfg.Storage.CacheDir)
		if err != nil {
			return fmt.Errorf("opening cache: %w", err)
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening catalog: %w", err)
		}
		defer store.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		printStep("detecting analysis backend")
		provider, err := backend.Detect(ctx, detectConfig(cfg))
		if err != nil {
			printError("no analysis backend reachable")
			return err
		}
		printStatus("Backend", "%s", provider.Name())

		coord := pipeline.New(c, store, provider)
		start := time.Now()
		res, err := coord.Process(ctx, args[0], opts)
		if err != nil {
			printError("processing failed: %v", err)
			return err
		}

		printSuccess("processed %s in %s", res.Title, time.Since(start).Round(time.Millisecond))
		printStatus("Fingerprint", "%s", res.Fingerprint)
		printStatus("Stage", "%s", res.StageDone)
		if res.Analysis != nil {
			printStatus("Category", "%s (%.2f)", res.Analysis.Category, res.Analysis.Confidence)
			printStatus("Segments", "%d", res.Analysis.SegmentCount)
		}
		if len(res.FailedUnits) > 0 {
			printWarning("%d unit(s) failed; rerun with --retry-failed", len(res.FailedUnits))
		}
		if res.Output != "" {
			fmt.Println(res.Output)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <file|fingerprint>",
	Short: "Show catalog entry, run history and enhancement progress for a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		fp, err := resolveFingerprint(args[0])
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening catalog: %w", err)
		}
		defer store.Close()

		doc, err := store.GetDocument(fp)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			printWarning("no catalog entry for %s", shortFingerprint(fp))
		case err != nil:
			return err
		default:
			printStatus("Title", "%s", doc.Title)
			printStatus("Category", "%s (%.2f)", doc.Category, doc.Confidence)
			if doc.Secondary != "" && doc.Secondary != "null" {
				var secondary []string
				if json.Unmarshal([]byte(doc.Secondary), &secondary) == nil && len(secondary) > 0 {
					printStatus("Secondary", "%s", strings.Join(secondary, ", "))
				}
			}
			printStatus("Segments", "%d", doc.Segments)
			printStatus("Processed", "%s", doc.ProcessedAt.Format(time.RFC3339))
		}

		runs, err := store.GetRunsForDocument(fp)
		if err != nil {
			return err
		}
		for _, r := range runs {
			printStatus("Run "+r.ID[:8], "%s, reached %s, started %s", r.Status, r.Stage, r.StartedAt.Format(time.RFC3339))
		}

		c, err := cache.Open(cfg.Storage.CacheDir)
		if err != nil {
			return err
		}
		tracker := job.New(c, fp)
		if err := tracker.Load(); err == nil {
			p := tracker.Snapshot()
			printStatus("Enhancement", "%s (%d/%d done, %d failed)", p.State, p.Completed, p.Total, p.Failed)
			if p.EstimatedTimeRemaining > 0 {
				printStatus("ETA", "%s", p.EstimatedTimeRemaining.Round(time.Second))
			}
		}
		return nil
	},
}

var listLimit int

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List processed documents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening catalog: %w", err)
		}
		defer store.Close()

		docs, err := store.ListDocuments(listLimit)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			printWarning("no documents processed yet")
			return nil
		}
		for _, d := range docs {
			fmt.Printf("%s  %-14s %5.2f  %s\n",
				shortFingerprint(d.Fingerprint), d.Category, d.Confidence, d.Title)
		}
		return nil
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and prune cached pipeline artifacts",
}

var cacheLsCmd = &cobra.Command{
	Use:   "ls [stage]",
	Short: "List cached artifacts, optionally for one stage",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		c, err := cache.Open(cfg.Storage.CacheDir)
		if err != nil {
			return err
		}

		stages := []pipeline.Stage{
			pipeline.StageExtract, pipeline.StageClassify, pipeline.StageSegment,
			pipeline.StageEnhance, pipeline.StageGenerate,
		}
		if len(args) == 1 {
			s, err := pipeline.ParseStage(args[0])
			if err != nil {
				return err
			}
			stages = []pipeline.Stage{s}
		}

		total := 0
		for _, stage := range stages {
			refs, err := c.List(string(stage))
			if err != nil {
				return err
			}
			for _, ref := range refs {
				fmt.Printf("%-9s %s\n", ref.Stage, ref.Fingerprint)
				total++
			}
		}
		if total == 0 {
			printWarning("cache is empty")
		}
		return nil
	},
}

var cacheRmCmd = &cobra.Command{
	Use:   "rm <file|fingerprint>",
	Short: "Invalidate all cached artifacts for a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		fp, err := resolveFingerprint(args[0])
		if err != nil {
			return err
		}
		c, err := cache.Open(cfg.Storage.CacheDir)
		if err != nil {
			return err
		}
		if err := c.Invalidate(fp); err != nil {
			return err
		}
		printSuccess("invalidated cached artifacts for %s", shortFingerprint(fp))
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage docmill configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, ki := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(ansiBold, ki.Key), ki.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			printError("%v", err)
			fmt.Fprintf(os.Stderr, "valid keys: %s\n", strings.Join(config.ValidKeys(), ", "))
			return err
		}
		printSuccess("%s = %s", args[0], args[1])
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Reset a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("unset %s", args[0])
		return nil
	},
}

func init() {
	processCmd.Flags().StringVar(&processToStage, "to-stage", "", "stop after this stage (extract, classify, segment, enhance, generate)")
	processCmd.Flags().StringVar(&processForceFrom, "force-from", "", "recompute from this stage even when cached")
	processCmd.Flags().BoolVar(&processFresh, "fresh", false, "discard enhancement progress and start over")
	processCmd.Flags().BoolVar(&processResume, "resume", false, "continue from recorded enhancement progress (default)")
	processCmd.Flags().BoolVar(&processRetry, "retry-failed", false, "re-run only previously failed enhancement units")
	processCmd.Flags().IntVar(&processWorkers, "workers", 0, "enhancement worker count (default from config)")
	processCmd.Flags().IntVar(&processMaxSeg, "max-segment-size", 0, "segment size ceiling in characters (default from config)")
	processCmd.Flags().IntVar(&processOverlap, "overlap", 0, "context overlap in characters (default from config)")

	listCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum documents to list")

	cacheCmd.AddCommand(cacheLsCmd)
	cacheCmd.AddCommand(cacheRmCmd)

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}

func optionsFromFlags(cfg config.Config) (pipeline.Options, error) {
	opts := optionsFromConfig(cfg)
	if processToStage != "" {
		s, err := pipeline.ParseStage(processToStage)
		if err != nil {
			return pipeline.Options{}, err
		}
		opts.ToStage = s
	}
	if processForceFrom != "" {
		s, err := pipeline.ParseStage(processForceFrom)
		if err != nil {
			return pipeline.Options{}, err
		}
		opts.ForceFrom = s
	}
	switch {
	case processFresh:
		opts.Mode = job.ModeFresh
	case processRetry:
		opts.Mode = job.ModeRetryFailed
	}
	if processWorkers > 0 {
		opts.Workers = processWorkers
	}
	if processMaxSeg > 0 {
		opts.MaxSegmentSize = processMaxSeg
	}
	if processOverlap > 0 {
		opts.OverlapSize = processOverlap
	}
	return opts, nil
}

func optionsFromConfig(cfg config.Config) pipeline.Options {
	return pipeline.Options{
		Mode:           job.ModeResume,
		Workers:        cfg.Pipeline.Workers,
		MaxSegmentSize: cfg.Pipeline.MaxSegmentSize,
		OverlapSize:    cfg.Pipeline.OverlapSize,
		Merge:          analysisMergeConfig(cfg),
	}
}

func detectConfig(cfg config.Config) backend.DetectConfig {
	return backend.DetectConfig{
		BaseURL:      cfg.Backend.BaseURL,
		Model:        cfg.Backend.Model,
		ExecCommand:  cfg.Backend.ExecCommand,
		ExecArgs:     strings.Fields(cfg.Backend.ExecArgs),
		MaxInputSize: cfg.Backend.MaxInputSize,
	}
}

// resolveFingerprint accepts either a path to a readable file, whose
// contents are hashed, or a literal fingerprint.
func resolveFingerprint(arg string) (string, error) {
	if data, err := os.ReadFile(arg); err == nil {
		return cache.Fingerprint(data), nil
	}
	if len(arg) == 64 && strings.IndexFunc(arg, func(r rune) bool {
		return !strings.ContainsRune("0123456789abcdef", r)
	}) == -1 {
		return arg, nil
	}
	return "", fmt.Errorf("%s is neither a readable file nor a fingerprint", arg)
}

func shortFingerprint(fp string) string {
	if len(fp) <= 12 {
		return fp
	}
	return fp[:12]
}

func analysisMergeConfig(cfg config.Config) analysis.MergeConfig {
	return analysis.MergeConfig{
		QualityMultiplier:     cfg.Pipeline.QualityMultiplier,
		HighQualityConfidence: cfg.Pipeline.HighQualityConfidence,
		SecondaryShare:        cfg.Pipeline.SecondaryShare,
	}
}
