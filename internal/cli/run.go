package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/surge/internal/logger"
	"github.com/wesleyorama2/surge/internal/performance/config"
	"github.com/wesleyorama2/surge/internal/performance/engine"
	"github.com/wesleyorama2/surge/internal/performance/output"
	"github.com/wesleyorama2/surge/internal/performance/summary"
)

type runOptions struct {
	configFile    string
	url           string
	stages        string
	summaryExport string
	outputs       []string
	quiet         bool
	noColor       bool
	logLevel      string
	logFormat     string
	logFile       string
	seed          int64
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a staged load test",
		Long: `Run executes a load test described by a configuration file, or a quick
test against a single URL using the default four-stage ramp.

Examples:
  # Run a test defined in a configuration file
  surge run -c staging.yaml

  # Quick test against one URL with a custom ramp
  surge run --url https://api.example.com/health --stages 10s:5,30s:5,10s:0

  # Export the summary and stream samples to a JSON lines file
  surge run -c staging.yaml --summary-export summary.json --out json=samples.ndjson

Exit status is 0 when the run passes, 99 when a threshold fails, an
iteration crashed or the run was aborted, and 1 on any other error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTest(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "Test configuration file (YAML or JSON)")
	flags.StringVar(&opts.url, "url", "", "Target URL for a quick test without a configuration file")
	flags.StringVar(&opts.stages, "stages", "", "Stages as duration:target pairs, e.g. 30s:5,1m:50,20s:0")
	flags.StringVar(&opts.summaryExport, "summary-export", "", "Write the end-of-test summary as JSON to this file")
	flags.StringArrayVar(&opts.outputs, "out", nil, "Stream samples to an output: json=<file> or prometheus=<addr> (repeatable)")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "Only print the final result")
	flags.BoolVar(&opts.noColor, "no-color", false, "Disable coloured output")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format: console or json")
	flags.StringVar(&opts.logFile, "log-file", "", "Also write JSON logs to this file, rotated by size")
	flags.Int64Var(&opts.seed, "seed", 0, "Seed for think-time randomisation (0 picks one)")
	cmd.MarkFlagsMutuallyExclusive("config", "url")

	return cmd
}

// loadRunConfig builds the test configuration from the file or URL and
// applies the command-line overrides on top.
func loadRunConfig(opts *runOptions) (*config.TestConfig, error) {
	var cfg *config.TestConfig
	switch {
	case opts.configFile != "":
		loaded, err := config.LoadConfig(opts.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	case opts.url != "":
		cfg = config.Default(opts.url)
	default:
		return nil, errors.New("either --config or --url is required")
	}

	if opts.stages != "" {
		stages, err := config.ParseStages(opts.stages)
		if err != nil {
			return nil, fmt.Errorf("invalid --stages: %w", err)
		}
		cfg.Stages = stages
	}
	if opts.summaryExport != "" {
		cfg.Summary.Export = opts.summaryExport
	}
	cfg.Outputs = append(cfg.Outputs, opts.outputs...)

	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Logging.Format = opts.logFormat
	}
	if opts.logFile != "" {
		cfg.Logging.File = opts.logFile
	}

	config.ApplyDefaults(cfg)
	return cfg, nil
}

func runTest(cmd *cobra.Command, opts *runOptions) error {
	cfg, err := loadRunConfig(opts)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		NoColor:    opts.noColor,
	}, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closeLog()

	console := output.NewConsole(output.ConsoleConfig{
		TestName:   cfg.Name,
		Writer:     cmd.OutOrStdout(),
		Quiet:      opts.quiet,
		NoColor:    opts.noColor,
		TimeUnit:   cfg.Summary.TimeUnit,
		TrendStats: cfg.Summary.TrendStats,
	})

	eng, err := engine.NewEngine(cfg, engine.Options{
		Logger:     log,
		Reporters:  []summary.Reporter{console},
		OnProgress: console.Update,
		Seed:       opts.seed,
	})
	if err != nil {
		return err
	}

	console.PrintHeader(len(cfg.Stages), len(cfg.Endpoints), cfg.TotalDuration())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := eng.Run(ctx)
	return runExit(ctx, s, err)
}

// runExit maps the outcome of a run to the command's error.
func runExit(ctx context.Context, s *summary.Summary, err error) error {
	switch {
	case errors.Is(err, engine.ErrThresholdAbort):
		return &ExitCodeError{Code: ExitRunFailed}
	case err != nil:
		return err
	case s == nil:
		return errors.New("run produced no summary")
	case !s.Passed:
		return &ExitCodeError{Code: ExitRunFailed}
	}
	if ctx.Err() != nil {
		// Interrupted by a signal.
		return &ExitCodeError{Code: ExitRunFailed}
	}
	return nil
}
