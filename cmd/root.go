package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/spf13/cobra"

	"github.com/kebairia/redis-backup/internal/config"
	"github.com/kebairia/redis-backup/internal/logger"
	"github.com/kebairia/redis-backup/internal/operations"
)

// Exit codes returned by Execute.
const (
	ExitOK    = 0
	ExitError = 1
)

// newRootCmd builds the command tree. Running it without a subcommand
// performs a backup.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "redis-backup",
		Short: "Copy the Redis RDB snapshot to GCS and S3",
		Long: `redis-backup copies the Redis snapshot file to a Google Cloud Storage
bucket and, when configured, to an AWS S3 bucket. Each run stores the file
under <bucket>/backups/<hostname>/rdb/<timestamp>/.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runBackup,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to YAML config file")
	flags.StringP("alt-hostname", "a", "", "hostname used in the backup path (defaults to this host)")
	flags.StringP("awsbucket", "A", "", "AWS S3 bucket, e.g. s3://my-bucket")
	flags.StringP("gcsbucket", "b", "", "GCS bucket, e.g. gs://my-bucket (required)")
	flags.StringP("rdbdir", "d", config.DefaultRDBDir, "directory holding "+config.DefaultRDBFile)
	flags.StringP("log-dir", "l", "", "write the log to a file in this directory instead of stdout")
	flags.Lookup("log-dir").NoOptDefVal = config.DefaultLogDir
	flags.BoolP("noop", "n", false, "dry run: only check tools and credentials, copy nothing")
	flags.BoolP("verbose", "v", false, "debug logging")
	flags.Bool("compress", false, "upload a zstd compressed copy (.zst)")
	flags.Bool("parallel", false, "upload to all buckets at the same time")
	flags.Duration("timeout", 0, "bound every remote call, 0 disables")
	flags.String("metrics-file", "", "write Prometheus metrics to this textfile")

	rootCmd.AddCommand(
		newBackupCmd(),
		newInventoryCmd(),
		newCommandsCmd(),
		newOptionsCmd(),
	)
	return rootCmd
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	defer logger.Cleanup()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		// no-op when the logger was never set up
		logger.Global().Error("command failed", "error", err.Error())
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return ExitError
	}
	return ExitOK
}

// session is what every operation needs: the loaded configuration, the
// logger and the manager built from both.
type session struct {
	cfg     config.Config
	log     logger.Logger
	manager *operations.OperationManager
}

func newSession(cmd *cobra.Command) (*session, error) {
	flags := cmd.Flags()
	path, err := flags.GetString("config")
	if err != nil {
		return nil, err
	}

	var cfg config.Config
	if err := cfg.Load(path, flags); err != nil {
		return nil, err
	}

	log, logPath, err := logger.Init(logger.Options{
		Verbose:   cfg.Verbose,
		Dir:       cfg.LogDir,
		Timestamp: clock.WallClock.Now().Format(cfg.TimestampFormat),
		Writer:    cmd.OutOrStdout(),
	})
	if err != nil {
		return nil, err
	}
	if logPath != "" {
		log.Debug("logging to file", "path", logPath)
	}

	manager, err := operations.NewOperationManager(cmd.Context(), cfg, log, operations.WithLogPath(logPath))
	if err != nil {
		log.Error("setup failed", "error", err.Error())
		return nil, err
	}
	return &session{cfg: cfg, log: log, manager: manager}, nil
}
