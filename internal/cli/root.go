package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/deepair-ml/fetch-artifact/internal/config"
	"github.com/deepair-ml/fetch-artifact/internal/fetcher"
	"github.com/deepair-ml/fetch-artifact/internal/fs"
	"github.com/deepair-ml/fetch-artifact/internal/logger"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const version = "0.1.0"

// Exit codes of the fetch-artifact command
const (
	ExitOK         = 0
	ExitNetwork    = 1
	ExitChecksum   = 2
	ExitInvalid    = 3
	ExitFilesystem = 4
)

// NewRootCmd builds the fetch-artifact command
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fetch-artifact",
		Short: "Fetch a remote artifact into the local cache",
		Long: `fetch-artifact retrieves a remote binary (such as a model weights file)
into a local cache path with integrity verification, resumable transfers,
and idempotent re-invocation. Interrupted downloads leave a sibling partial
file behind and continue from it on the next run.`,
		Version:       version,
		Args:          cobra.NoArgs,
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.Flags().String("url", "", "source URL of the artifact (or ARTIFACT_URL)")
	root.Flags().String("out", "", "destination path for the artifact (or ARTIFACT_OUT)")
	root.Flags().String("sha256", "", "expected SHA-256 hex digest of the artifact")
	root.Flags().IntP("retries", "r", 3, "retries after the first attempt for transient failures")
	root.Flags().Int("timeout", 30, "per-attempt inactivity timeout in seconds (0 disables)")
	root.Flags().Bool("lock", false, "hold a file lock on <out>.lock for the duration of the fetch")
	root.Flags().String("clean-stale", "", "before fetching, delete partial files in the destination directory older than this duration (e.g. 24h)")
	root.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.Flags().String("log-format", "console", "log format (console, json)")

	return root
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Get()

	req := &fetcher.Request{
		SourceURL:         cfg.URL,
		DestinationPath:   cfg.Out,
		ExpectedSHA256:    cfg.SHA256,
		MaxRetries:        cfg.Retries,
		TimeoutPerAttempt: cfg.GetTimeout(),
	}
	if err := req.Validate(); err != nil {
		return err
	}

	if cfg.Lock {
		// Concurrent fetches of the same destination are the caller's job
		// to serialize; the lock provides that at the process boundary
		lockPath := cfg.Out + ".lock"
		fileLock := flock.New(lockPath)
		log.Debug("acquiring destination lock", zap.String("path", lockPath))
		if err := fileLock.Lock(); err != nil {
			return fetcher.NewError(fetcher.ErrFilesystem,
				fmt.Errorf("failed to acquire lock %s: %w", lockPath, err))
		}
		defer fileLock.Unlock()
	}

	fsm := fs.NewManager()
	if age := cfg.GetCleanStale(); age > 0 {
		dir := filepath.Dir(cfg.Out)
		if removed, err := fsm.CleanStaleParts(dir, age); err != nil {
			log.Warn("stale partial cleanup failed", zap.String("dir", dir), zap.Error(err))
		} else if removed > 0 {
			log.Info("removed stale partial files", zap.String("dir", dir), zap.Int("count", removed))
		}
	}

	f := fetcher.New(fetcher.Config{}, log)
	res, err := f.Fetch(cmd.Context(), req)
	if err != nil {
		return err
	}

	log.Info("artifact ready",
		zap.String("path", res.FinalPath),
		zap.Int64("bytes", res.BytesWritten),
		zap.String("sha256", res.Checksum),
		zap.Int("attempts", res.AttemptsUsed),
		zap.Bool("already_cached", res.AlreadyCached))
	return nil
}

// Run executes the command with the given arguments and returns the
// process exit code
func Run(args []string) int {
	root := NewRootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fetch-artifact: %v\n", err)
		return ExitCode(err)
	}
	return ExitOK
}

// Execute runs the command and exits the process with its code
func Execute() {
	os.Exit(Run(os.Args[1:]))
}

// ExitCode maps a failure to the documented exit code. Errors outside the
// fetch taxonomy (flag parsing, configuration) count as invalid arguments.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, fetcher.ErrChecksumMismatch):
		return ExitChecksum
	case errors.Is(err, fetcher.ErrFilesystem):
		return ExitFilesystem
	case errors.Is(err, fetcher.ErrNetwork):
		return ExitNetwork
	default:
		return ExitInvalid
	}
}
