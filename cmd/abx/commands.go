package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
	"github.com/ajitpratap0/abxtask/pkg/compression"
	"github.com/ajitpratap0/abxtask/pkg/config"
	"github.com/ajitpratap0/abxtask/pkg/export"
	"github.com/ajitpratap0/abxtask/pkg/logger"
	"github.com/ajitpratap0/abxtask/pkg/metrics"
	"github.com/ajitpratap0/abxtask/pkg/observability"
	"github.com/ajitpratap0/abxtask/pkg/task"
)

// globalFlags are shared by every command.
type globalFlags struct {
	logLevel    string
	logEncoding string
	trace       bool
	timeout     time.Duration
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "abx",
		Short: "Generate ABX discrimination tasks from item databases",
		Long: `abx builds ABX tasks: sets of (A, B, X) item triplets where A and X
share the "on" attribute, A and B share the "across" attributes and all
three share the "by" attributes. Triplets, their regressors and the unique
AX/BX pairs are written to a compressed column store.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			l, err := logger.New(logger.Config{Level: g.logLevel, Encoding: g.logEncoding})
			if err != nil {
				return abxerrors.Wrap(err, abxerrors.ErrorTypeConfiguration, "invalid logging flags")
			}
			logger.Set(l)
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = logger.Sync()
		},
	}
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&g.logEncoding, "log-format", "console", "Log encoding (console, json)")
	root.PersistentFlags().BoolVar(&g.trace, "trace", false, "Export OpenTelemetry spans to stderr")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 0, "Abort after this duration (0 disables)")

	root.AddCommand(
		newTaskCmd(g),
		newStatsCmd(),
		newExportCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "abx v%s\n", version)
				fmt.Fprintf(cmd.OutOrStdout(), "Go version: %s\n", runtime.Version())
				fmt.Fprintf(cmd.OutOrStdout(), "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
			},
		},
	)
	return root
}

// taskFlags holds the task definition flags shared by task and stats.
type taskFlags struct {
	configFile       string
	on               string
	across           []string
	by               []string
	filters          []string
	regressors       []string
	lookups          []string
	sample           float64
	threshold        uint64
	seed             uint64
	approximateStats bool
	workers          int
	sortMemoryMB     int
	tempDir          string
	compression      string
}

func (f *taskFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.configFile, "config", "c", "", "Task configuration YAML file; flags override its values")
	fs.StringVarP(&f.on, "on", "o", "", "Column shared by A and X")
	fs.StringSliceVarP(&f.across, "across", "a", nil, "Columns shared by A and B")
	fs.StringSliceVarP(&f.by, "by", "b", nil, "Columns shared by A, B and X")
	fs.StringArrayVarP(&f.filters, "filter", "f", nil, "Filter expression, may be repeated")
	fs.StringArrayVarP(&f.regressors, "regressor", "r", nil, "Regressor expression, may be repeated")
	fs.StringArrayVar(&f.lookups, "lookup", nil, "Lookup table file, may be repeated")
	fs.Float64VarP(&f.sample, "sample", "s", 0, "Proportion (<1) or number of triplets to keep")
	fs.Uint64VarP(&f.threshold, "threshold", "t", 0, "Maximum triplets per regressor group")
	fs.Uint64Var(&f.seed, "seed", 0, "Random seed")
	fs.BoolVar(&f.approximateStats, "approximate-stats", false, "Skip exact triplet counting with A, B, X or ABX filters")
	fs.IntVar(&f.workers, "workers", runtime.NumCPU(), "By-blocks generated in parallel")
	fs.IntVar(&f.sortMemoryMB, "sort-memory", 0, "Memory for external sorts in MB (default: from available memory)")
	fs.StringVar(&f.tempDir, "tempdir", "", "Directory for temporary files")
	fs.StringVar(&f.compression, "compression", "", "Store compression (none, snappy, lz4, zstd, s2, gzip, deflate)")
}

// build loads the configuration file, if any, and applies explicitly set
// flags on top of it.
func (f *taskFlags) build(cmd *cobra.Command, database string) (*config.TaskConfig, error) {
	cfg := config.Default()
	if f.configFile != "" {
		if err := config.Load(f.configFile, cfg); err != nil {
			return nil, abxerrors.Wrap(err, abxerrors.ErrorTypeConfiguration, "invalid task configuration").
				WithDetail("config", f.configFile)
		}
	}
	if database != "" {
		cfg.Database = database
	}
	if cfg.Name == "" || cfg.Name == "abx" {
		cfg.Name = stem(cfg.Database)
	}
	set := func(name string, apply func()) {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
	set("on", func() { cfg.On = f.on })
	set("across", func() { cfg.Across = f.across })
	set("by", func() { cfg.By = f.by })
	set("filter", func() { cfg.Filters = f.filters })
	set("regressor", func() { cfg.Regressors = f.regressors })
	set("lookup", func() { cfg.LookupTables = f.lookups })
	set("sample", func() { cfg.Sample = f.sample })
	set("threshold", func() { cfg.Threshold = f.threshold })
	set("seed", func() { cfg.Seed = f.seed })
	set("approximate-stats", func() { cfg.ApproximateStats = f.approximateStats })
	set("workers", func() { cfg.Performance.Workers = f.workers })
	set("sort-memory", func() { cfg.Performance.SortMemoryMB = f.sortMemoryMB })
	set("tempdir", func() { cfg.Storage.TempDir = f.tempDir })
	if cmd.Flags().Changed("compression") {
		alg, err := compression.ParseAlgorithm(f.compression)
		if err != nil {
			return nil, abxerrors.Wrap(err, abxerrors.ErrorTypeConfiguration, "invalid compression")
		}
		cfg.Storage.Compression.Algorithm = alg
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func stem(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}

// runContext returns the command context, cancelled on interrupt and after
// the global timeout.
func runContext(g *globalFlags) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if g.timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func startTracing(cmd *cobra.Command, g *globalFlags, enabled bool) (*observability.Tracing, error) {
	cfg := observability.DefaultTracingConfig(version)
	cfg.Enabled = g.trace || enabled
	cfg.Output = cmd.ErrOrStderr()
	return observability.InitTracing(cfg)
}

func newTaskCmd(g *globalFlags) *cobra.Command {
	f := &taskFlags{}
	var (
		overwrite   bool
		statsFile   string
		metricsFile string
	)
	cmd := &cobra.Command{
		Use:   "task <database> [output]",
		Short: "Generate the triplets of an ABX task",
		Long: `Generate the triplets of an ABX task from an item database.

The output defaults to the database path with an .abx extension.

Example:
  abx task data.item -o phone -a talker -b context -t 10 --seed 1`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.build(cmd, args[0])
			if err != nil {
				return err
			}
			if len(args) == 2 {
				cfg.Output = args[1]
			}
			if cmd.Flags().Changed("overwrite") {
				cfg.Overwrite = overwrite
			}
			if metricsFile != "" {
				cfg.Observability.MetricsFile = metricsFile
			}
			return runTask(cmd, g, cfg, statsFile)
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing output")
	cmd.Flags().StringVar(&statsFile, "stats", "", "Write the task statistics to this YAML file")
	cmd.Flags().StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics to this file after the run")
	return cmd
}

func runTask(cmd *cobra.Command, g *globalFlags, cfg *config.TaskConfig, statsFile string) error {
	ctx, cancel := runContext(g)
	defer cancel()
	tr, err := startTracing(cmd, g, cfg.Observability.EnableTracing)
	if err != nil {
		return err
	}
	defer tr.Shutdown(context.Background())

	log := logger.Get()
	collector := metrics.NewCollector(cfg.Name)
	tk, err := task.Load(cfg,
		task.WithLogger(log),
		task.WithMetrics(collector),
		task.WithTracer(tr.Tracer("abx")))
	if err != nil {
		return err
	}
	if statsFile != "" {
		if err := writeStatsFile(tk, statsFile); err != nil {
			return err
		}
	}

	res, err := tk.Generate(ctx)
	if err != nil {
		return err
	}
	if cfg.Observability.MetricsFile != "" {
		if err := collector.WriteTextfile(cfg.Observability.MetricsFile); err != nil {
			log.Warn("failed to write metrics", zap.Error(err))
		}
	}
	if res.Path == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "no triplets, nothing written")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d triplets, %d unique pairs in %d by-blocks (%v)\n",
		res.Path, res.Triplets, res.UniquePairs, res.Bys, res.Duration.Round(time.Millisecond))
	return nil
}

func writeStatsFile(tk *task.Task, path string) error {
	f, err := os.Create(path) //nolint:gosec // output path chosen by the user
	if err != nil {
		return abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to create stats file").WithDetail("path", path)
	}
	if err := tk.WriteStats(f, true); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func newStatsCmd() *cobra.Command {
	f := &taskFlags{}
	var detailed bool
	cmd := &cobra.Command{
		Use:   "stats <database>",
		Short: "Print the statistics of an ABX task without generating it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.build(cmd, args[0])
			if err != nil {
				return err
			}
			tk, err := task.Load(cfg, task.WithLogger(logger.Get()))
			if err != nil {
				return err
			}
			return tk.WriteStats(cmd.OutOrStdout(), !detailed)
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&detailed, "detailed", false, "Compute nb_levels and print per-by counts only")
	return cmd
}

func newExportCmd(g *globalFlags) *cobra.Command {
	var (
		format      string
		batchRows   int
		compressAlg string
	)
	cmd := &cobra.Command{
		Use:   "export <artifact> <file>",
		Short: "Export the triplets of an artifact as Arrow IPC, Parquet or Avro",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := format
			if name == "" {
				name = filepath.Ext(args[1])
			}
			fmtKind, err := export.ParseFormat(name)
			if err != nil {
				return err
			}
			alg := compression.Snappy
			if compressAlg != "" {
				if alg, err = compression.ParseAlgorithm(compressAlg); err != nil {
					return abxerrors.Wrap(err, abxerrors.ErrorTypeConfiguration, "invalid compression")
				}
			}
			ctx, cancel := runContext(g)
			defer cancel()

			out, err := os.Create(args[1])
			if err != nil {
				return abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to create export file")
			}
			stats, err := export.Export(ctx, args[0], out, export.Options{
				Format:      fmtKind,
				BatchRows:   batchRows,
				Compression: alg,
				Logger:      logger.Get(),
			})
			if err != nil {
				out.Close()
				os.Remove(args[1])
				return err
			}
			if err := out.Close(); err != nil {
				return abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to close export file")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rows\n", args[1], stats.Rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "Output format (arrow, parquet, avro); defaults to the file extension")
	cmd.Flags().IntVar(&batchRows, "batch-rows", 1<<16, "Rows per record batch")
	cmd.Flags().StringVar(&compressAlg, "compression", "", "Parquet or Avro compression (none, snappy, gzip, zstd, lz4)")
	return cmd
}
