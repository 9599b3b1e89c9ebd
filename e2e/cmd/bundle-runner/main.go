package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	ctrlLog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/config"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/deployment"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/gateway"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/logging"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/results"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/runner"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/spec"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/steps"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/telemetry"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/topology"
)

// errTestsFailed makes the process exit non-zero without a second report.
var errTestsFailed = errors.New("one or more tests failed")

func main() {
	if err := config.LoadDotEnv(os.Getenv("E2E_DOTENV")); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:           "bundle-runner",
		Short:         "Validate a deployed Hadoop, Spark and Zeppelin bundle",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cfg := config.BindFlags(rootCmd.PersistentFlags())
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return cfg.Finalize(cmd.Flags())
	}

	rootCmd.AddCommand(newRunCmd(cfg), newListCmd(cfg))

	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errTestsFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRunCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bundle test specs against the deployment",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer logger.Sync()
	ctrlLog.SetLogger(zapr.NewLogger(logger))

	telemetryClient, shutdownTelemetry, err := telemetry.Init(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("failed to shutdown telemetry", zap.Error(err))
		}
	}()

	dep, err := deployment.FromConfig(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to init deployment: %w", err)
	}
	gw := gateway.New(dep, gateway.WithCommandTimeout(cfg.CommandTimeout), gateway.WithLogger(logger))
	session := topology.NewSession(dep, gw, topology.Options{
		PollInterval:  cfg.PollInterval,
		ReadyTimeout:  cfg.ReadyTimeout,
		RemoveTimeout: cfg.RemoveTimeout,
		HTTPTimeout:   cfg.HTTPTimeout,
		ZeppelinPort:  cfg.ZeppelinPort,
	}, logger)

	stepRegistry := steps.NewRegistry()
	steps.RegisterDefaults(stepRegistry)

	specs, err := spec.LoadSpecs(cfg.SpecDir)
	if err != nil {
		return fmt.Errorf("failed to load specs: %w", err)
	}

	r, err := runner.NewRunner(cfg, logger, stepRegistry, session, telemetryClient)
	if err != nil {
		return fmt.Errorf("failed to initialize runner: %w", err)
	}

	start := time.Now().UTC()
	logger.Info("run started",
		zap.String("run_id", cfg.RunID),
		zap.String("backend", cfg.Backend),
		zap.String("environment", session.Environment()),
		zap.Int("specs", len(specs)))
	result, err := r.RunAll(ctx, specs)
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}
	if err := r.FlushArtifacts(context.Background(), result); err != nil {
		return fmt.Errorf("failed to write artifacts: %w", err)
	}

	summary := results.Summarize(result)
	logger.Info("run complete",
		zap.Any("summary", summary),
		zap.Duration("duration", time.Since(start)),
		zap.String("artifacts", r.Artifacts().RunDir))
	fmt.Printf("tests: %d passed=%d failed=%d skipped=%d\n", summary.Total, summary.Passed, summary.Failed, summary.Skipped)
	if summary.HasFailures() {
		return errTestsFailed
	}
	return nil
}

func newListCmd(cfg *config.Config) *cobra.Command {
	var actions bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the loaded test specs and whether this run would select them",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			defer w.Flush()
			if actions {
				stepRegistry := steps.NewRegistry()
				steps.RegisterDefaults(stepRegistry)
				fmt.Fprintln(w, "ACTION")
				for _, action := range stepRegistry.Actions() {
					fmt.Fprintln(w, action)
				}
				return nil
			}

			specs, err := spec.LoadSpecs(cfg.SpecDir)
			if err != nil {
				return fmt.Errorf("failed to load specs: %w", err)
			}
			fmt.Fprintln(w, "NAME\tPHASE\tTAGS\tREQUIRES\tSELECTED")
			for _, s := range specs {
				selected := s.MatchesTags(cfg.IncludeTags, cfg.ExcludeTags) && s.Supports(cfg.Backend)
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n",
					s.Metadata.Name, s.Phase, strings.Join(s.Metadata.Tags, ","), strings.Join(s.Requires, ","), selected)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&actions, "actions", false, "list the registered step actions instead of specs")
	return cmd
}
