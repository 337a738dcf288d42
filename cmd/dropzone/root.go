package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/dropzone/internal/config"
	"github.com/fruitsalade/dropzone/internal/logging"
)

var (
	cfg *config.Config

	metricsAddr string
	destPrefix  string
	pageSize    int
	maxInFlight int
	readOnly    bool
	verbose     bool
	jsonEvents  bool
)

var rootCmd = &cobra.Command{
	Use:   "dropzone",
	Short: "Upload dropped files and folders",
	Long: `Dropzone walks dropped files and folders, collects every file together with
its relative path plus the folders that turned out to be empty, and uploads the
whole batch to a local directory, an S3 bucket or a remote server.

Configuration comes from the environment (STORAGE_BACKEND, REMOTE_URL, S3_*,
DATABASE_URL, ...); flags override it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		applyFlags(cmd)
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := logging.Init(logging.Config{
			Level:  cfg.LogLevel,
			Format: cfg.LogFormat,
		}); err != nil {
			return err
		}
		if verbose {
			logging.SetLevel("debug")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

// Execute runs the root command.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (env METRICS_ADDR)")
	flags.StringVar(&destPrefix, "dest", "", "destination prefix for uploaded paths (env DEST_PREFIX)")
	flags.IntVar(&pageSize, "page-size", 0, "directory entries read per page (env PAGE_SIZE)")
	flags.IntVar(&maxInFlight, "max-inflight", 0, "bound on concurrent source reads, 0 = unbounded (env MAX_INFLIGHT)")
	flags.BoolVar(&readOnly, "read-only", false, "treat the destination as read-only (env TARGET_READ_ONLY)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log at debug level regardless of LOG_LEVEL")
	flags.BoolVar(&jsonEvents, "events", false, "write upload progress events to stderr as JSON lines")

	rootCmd.AddCommand(dropCmd, pickCmd, bucketCmd, loginCmd)
}

func applyFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}
	if flags.Changed("dest") {
		cfg.DestPrefix = destPrefix
	}
	if flags.Changed("page-size") {
		cfg.PageSize = pageSize
	}
	if flags.Changed("max-inflight") {
		cfg.MaxInFlight = maxInFlight
	}
	if flags.Changed("read-only") {
		cfg.TargetReadOnly = readOnly
	}
}
