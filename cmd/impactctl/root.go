package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/carreport/dealer-impact/internal/analysis"
	"github.com/carreport/dealer-impact/internal/api"
	"github.com/carreport/dealer-impact/internal/config"
	"github.com/carreport/dealer-impact/internal/journal"
	"github.com/carreport/dealer-impact/internal/server"
	"github.com/carreport/dealer-impact/internal/source"
	"github.com/carreport/dealer-impact/internal/store"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type globalFlags struct {
	configFile string
	dataFile   string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "impactctl",
		Short:         "Run dealer impact analyses from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configFile, "config", "c", "", "Config file (YAML, JSON or TOML)")
	root.PersistentFlags().StringVarP(&g.dataFile, "data", "d", "", "Read observations from a CSV or JSON file instead of the configured source")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Verbose logging")

	root.AddCommand(analyzeCmd(g))
	root.AddCommand(replayCmd(g))
	root.AddCommand(cleanupCmd(g))
	root.AddCommand(versionCmd())
	return root
}

// setup loads configuration and builds an analyzer for one CLI invocation.
func setup(ctx context.Context, g *globalFlags, stderr io.Writer) (*analysis.Analyzer, func(), error) {
	cfg, err := config.Load(g.configFile)
	if err != nil {
		return nil, nil, err
	}
	if g.dataFile != "" {
		cfg.Source = source.KindFile
		cfg.DataFile = g.dataFile
	}
	cfg.LogFormat = "text"
	if g.verbose {
		cfg.LogLevel = "debug"
	}
	logger := cfg.Logger(stderr)

	src, closeSource, err := source.Open(ctx, cfg.SourceConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open observation source: %w", err)
	}

	a, err := analysis.New(src,
		analysis.WithLogger(logger),
		analysis.WithParams(cfg.AnalysisParams()),
	)
	if err != nil {
		closeSource()
		return nil, nil, err
	}
	return a, closeSource, nil
}

func analyzeCmd(g *globalFlags) *cobra.Command {
	var (
		entityID, start, end, intervention, format string
		aov, margin                                float64
		seed                                       uint64
	)
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run one impact analysis",
		Long: `Runs the impact analysis for one dealer and prints the result.
Dates default to the last 90 days with the intervention 30 days in.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, closeFn, err := setup(ctx, g, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeFn()

			req := api.ImpactRequest{EntityID: entityID}
			flags := cmd.Flags()
			if flags.Changed("start") {
				req.StartDate = &start
			}
			if flags.Changed("end") {
				req.EndDate = &end
			}
			if flags.Changed("intervention") {
				req.InterventionDate = &intervention
			}
			if flags.Changed("aov") {
				req.AverageOrderValue = &aov
			}
			if flags.Changed("margin") {
				req.AverageMargin = &margin
			}
			if flags.Changed("seed") {
				req.Seed = &seed
			}

			res, err := a.Analyze(ctx, req)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), res, format)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&entityID, "entity", "e", "", "Dealer id")
	f.StringVar(&start, "start", "", "Start date (YYYY-MM-DD)")
	f.StringVar(&end, "end", "", "End date (YYYY-MM-DD)")
	f.StringVar(&intervention, "intervention", "", "Intervention date (YYYY-MM-DD)")
	f.Float64Var(&aov, "aov", api.DefaultAverageOrderValue, "Average order value")
	f.Float64Var(&margin, "margin", api.DefaultAverageMargin, "Average margin per vehicle")
	f.Uint64Var(&seed, "seed", 0, "Random seed (default derived from the request)")
	f.StringVarP(&format, "output", "o", "text", "Output format: text, json or summary")
	_ = cmd.MarkFlagRequired("entity")
	return cmd
}

func printResult(w io.Writer, res *api.Result, format string) error {
	switch format {
	case "text":
		_, err := fmt.Fprintln(w, res.ReportText)
		return err
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case "summary":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res.Summary)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func replayCmd(g *globalFlags) *cobra.Command {
	var journalDir string
	cmd := &cobra.Command{
		Use:   "replay [journal files...]",
		Short: "Re-run journaled requests",
		Long: `Re-runs requests recorded in the request journal and prints one line per
entry. Without arguments every journal file in --journal-dir is replayed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, closeFn, err := setup(ctx, g, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeFn()

			files := args
			if len(files) == 0 {
				if files, err = journal.Files(journalDir); err != nil {
					return err
				}
			}
			if len(files) == 0 {
				return fmt.Errorf("no journal files found in %s", journalDir)
			}

			out := cmd.OutOrStdout()
			var failed int
			for _, path := range files {
				entries, err := journal.Replay(path)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", path, err)
				}
				for _, e := range entries {
					if !replayOne(ctx, a, out, filepath.Base(path), e) {
						failed++
					}
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d replayed requests failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&journalDir, "journal-dir", "data/journal", "Journal directory")
	return cmd
}

func replayOne(ctx context.Context, a *analysis.Analyzer, out io.Writer, file string, e journal.Entry) bool {
	prefix := fmt.Sprintf("%s %s %s", file, e.Timestamp.Format("2006-01-02T15:04:05Z07:00"), e.EntityID)

	req, err := server.DecodeRequest(e.EntityID, e.Body)
	if err == nil {
		var res *api.Result
		res, err = a.Analyze(ctx, req)
		if err == nil {
			s := res.Summary
			fmt.Fprintf(out, "%s ok additional=%.1f p=%.3f significant=%t\n",
				prefix, s.AdditionalSalesFromCarreport, s.PValue, s.IsStatisticallySignificant)
			return true
		}
	}
	fmt.Fprintf(out, "%s %s %v\n", prefix, api.ErrorKind(err), err)
	return false
}

func cleanupCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired results from the configured result store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(g.configFile)
			if err != nil {
				return err
			}
			st, err := store.Open(ctx, cfg.StoreConfig())
			if err != nil {
				return err
			}
			if st == nil {
				return fmt.Errorf("no result store configured")
			}
			defer st.Close()

			cleaner, ok := st.(store.Cleaner)
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "store %s expires entries itself\n", cfg.Store)
				return nil
			}
			removed, err := cleaner.CleanupExpired(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired results\n", removed)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			v := version
			if info, ok := debug.ReadBuildInfo(); ok && v == "dev" && info.Main.Version != "" {
				v = info.Main.Version
			}
			fmt.Fprintf(cmd.OutOrStdout(), "impactctl %s\n", v)
		},
	}
}
