package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fsbench/FSBench/config"
	"github.com/fsbench/FSBench/orchestrator"
	"github.com/fsbench/FSBench/target"
	"github.com/spf13/cobra"
)

var (
	version   = "1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fsbench",
		Short: "Run a fixed filesystem benchmark on a fleet of ephemeral EC2 instances",
		Long: `fsbench provisions a fleet of ephemeral EC2 instances, runs a fixed
filesystem benchmark on each one across a reboot, collects the timing
results, and tears every provisioned resource down again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: debug, info, warn, error")
	cmd.PersistentFlags().String("config", "", "Path to the YAML config file")
	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		level := slog.LevelInfo
		switch levelStr {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
	}
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Provision the fleet, run the benchmark and print the report",
		RunE:  runBenchmark,
	}
	cmd.Flags().String("fleet-file", "", "JSON file listing instances to provision (Name, ImageID, Username, optional InstanceType). The built-in free-tier fleet is used when omitted.")
	cmd.Flags().Bool("human-readable", false, "Print the report as text instead of JSON")
	cmd.Flags().String("region", "", "AWS region to provision in")
	cmd.Flags().Duration("results-timeout", 0, "Shared bound on waiting for benchmark completion")
	cmd.Flags().Duration("poll-interval", 0, "Delay between completion marker polls")
	cmd.Flags().Duration("address-timeout", 0, "How long to wait for an instance's public address")
	cmd.Flags().Int("connect-attempts", 0, "Connection attempts per instance before giving up")
	cmd.Flags().Duration("connect-backoff", 0, "Delay between connection attempts")
	cmd.Flags().Int("concurrency", 0, "Bound on per-instance workers (0 = one worker per instance)")
	cmd.Flags().Bool("wait-status-ok", false, "Wait for EC2 status checks to pass before connecting")
	return cmd
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	fleetFile := cfg.FleetFile
	if cmd.Flags().Changed("fleet-file") {
		fleetFile, _ = cmd.Flags().GetString("fleet-file")
	}
	specs := config.DefaultFleet()
	if fleetFile != "" {
		specs, err = config.LoadFleetFile(fleetFile)
		if err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("loading AWS configuration: %w", err)
	}

	orch, err := orchestrator.New(&orchestrator.Input{
		AwsConfig:      awsCfg,
		Specs:          specs,
		ResultsTimeout: cfg.ResultsTimeout(),
		PollInterval:   cfg.PollInterval(),
		AddressTimeout: cfg.AddressTimeout(),
		ConnectRetry:   target.RetryPolicy{Attempts: cfg.ConnectAttempts, Backoff: cfg.ConnectBackoff()},
		Concurrency:    cfg.Concurrency,
		WaitStatusOK:   cfg.WaitStatusOK,
	})
	if err != nil {
		return err
	}

	slog.Info("starting benchmark run",
		slog.String("runID", orch.RunID()),
		slog.String("region", cfg.Region),
		slog.Int("instances", len(specs)),
	)
	report, runErr := orch.Run(ctx)
	if report != nil {
		if human, _ := cmd.Flags().GetBool("human-readable"); human {
			fmt.Println(report.RenderHuman())
		} else {
			buf, err := report.RenderJSON()
			if err != nil {
				return fmt.Errorf("rendering report: %w", err)
			}
			fmt.Println(string(buf))
		}
	}
	return runErr
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("region") {
		cfg.Region, _ = cmd.Flags().GetString("region")
	}
	if cmd.Flags().Changed("results-timeout") {
		d, _ := cmd.Flags().GetDuration("results-timeout")
		cfg.ResultsTimeoutSec = int(d / time.Second)
	}
	if cmd.Flags().Changed("poll-interval") {
		d, _ := cmd.Flags().GetDuration("poll-interval")
		cfg.PollIntervalSec = int(d / time.Second)
	}
	if cmd.Flags().Changed("address-timeout") {
		d, _ := cmd.Flags().GetDuration("address-timeout")
		cfg.AddressTimeoutSec = int(d / time.Second)
	}
	if cmd.Flags().Changed("connect-attempts") {
		cfg.ConnectAttempts, _ = cmd.Flags().GetInt("connect-attempts")
	}
	if cmd.Flags().Changed("connect-backoff") {
		d, _ := cmd.Flags().GetDuration("connect-backoff")
		cfg.ConnectBackoffSec = int(d / time.Second)
	}
	if cmd.Flags().Changed("concurrency") {
		cfg.Concurrency, _ = cmd.Flags().GetInt("concurrency")
	}
	if cmd.Flags().Changed("wait-status-ok") {
		cfg.WaitStatusOK, _ = cmd.Flags().GetBool("wait-status-ok")
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fsbench %s (commit %s, built %s)\n", version, commit, buildDate)
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
