package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/alexjbarnes/kb-sync/internal/config"
	"github.com/alexjbarnes/kb-sync/internal/dify"
	"github.com/alexjbarnes/kb-sync/internal/logging"
	"github.com/alexjbarnes/kb-sync/internal/reconcile"
	"github.com/alexjbarnes/kb-sync/internal/scan"
	"github.com/alexjbarnes/kb-sync/internal/state"
	"github.com/alexjbarnes/kb-sync/internal/syncer"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

const lockFileName = "kb-sync.lock"

var errAlreadyRunning = errors.New("another kb-sync process holds the lock")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)

	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kb-sync",
		Short: "Keep knowledge bases in sync with directory trees",
		Long: "kb-sync scans the configured directories, uploads new and changed files, " +
			"removes documents whose files are gone and re-uploads documents that failed to index.",
		Version:       Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return applyFlags(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "YAML config file (overrides KBSYNC_CONFIG)")
	root.Flags().StringSlice("scan-path", nil, "directory to scan, repeatable (overrides scan_config.scan_paths)")
	root.Flags().String("interval", "", `time between runs, e.g. "30m" or whole hours (overrides scan_config.scan_interval)`)
	root.Flags().String("api-key", "", "knowledge base API key (overrides DIFY_API_KEY)")
	root.Flags().String("base-url", "", "knowledge base API base URL (overrides DIFY_BASE_URL)")

	root.AddCommand(&cobra.Command{
		Use:   "scan <dir>",
		Short: "Scan one directory with the configured rules and print the inventory as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd.Context(), args[0], cmd.OutOrStdout())
		},
	})

	return root
}

// applyFlags exports every flag set on the command line as the
// environment variable it overrides, so config loading sees it first.
func applyFlags(cmd *cobra.Command) error {
	changed := func(name string) bool {
		f := cmd.Flag(name)
		return f != nil && f.Changed
	}

	if changed("config") {
		if err := os.Setenv("KBSYNC_CONFIG", cmd.Flag("config").Value.String()); err != nil {
			return err
		}
	}

	if changed("scan-path") {
		paths, err := cmd.Flags().GetStringSlice("scan-path")
		if err != nil {
			return err
		}

		if err := os.Setenv("SCAN_PATHS", strings.Join(paths, ",")); err != nil {
			return err
		}
	}

	if changed("interval") {
		d, err := config.ParseInterval(cmd.Flag("interval").Value.String())
		if err != nil {
			return fmt.Errorf("--interval: %w", err)
		}

		if err := os.Setenv("SCAN_INTERVAL", d.String()); err != nil {
			return err
		}
	}

	for flag, key := range map[string]string{"api-key": "DIFY_API_KEY", "base-url": "DIFY_BASE_URL"} {
		if changed(flag) {
			if err := os.Setenv(key, cmd.Flag(flag).Value.String()); err != nil {
				return err
			}
		}
	}

	return nil
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, logFile := logging.New(cfg.Environment, logging.Options{Level: cfg.LogLevel, Dir: cfg.LogDir})
	defer logFile.Close()

	logger.Info("kb-sync starting",
		slog.String("version", Version),
		slog.Int("roots", len(cfg.ScanPaths)),
		slog.Duration("interval", cfg.ScanInterval),
		slog.Bool("watch", cfg.Watch),
	)

	lock, err := acquireLock(cfg.LockFile)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	store, err := state.Open(cfg.StateDSN)
	if err != nil {
		return fmt.Errorf("opening state: %w", err)
	}
	defer store.Close()

	filter, err := newFilter(cfg, cfg.ScanPaths)
	if err != nil {
		return err
	}

	router, err := reconcile.NewRouter(cfg.KnowledgeBases)
	if err != nil {
		return fmt.Errorf("building router: %w", err)
	}

	client := dify.NewClient(cfg.BaseURL, cfg.APIKey, logger, dify.WithTimeout(cfg.RequestTimeout))

	s := syncer.New(
		syncer.Config{
			Roots:           cfg.ScanPaths,
			Workers:         cfg.SyncWorkers,
			MetadataFieldID: cfg.MetadataFieldID,
		},
		scan.NewScanner(filter, cfg.HashWorkers, logger),
		reconcile.New(router, logger),
		store,
		client,
		logger,
	)

	if cfg.ScanInterval == 0 && !cfg.Watch {
		_, err := s.Run(ctx)
		return err
	}

	err = runService(ctx, cfg, s, filter, logger)
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		return nil
	}

	return err
}

// acquireLock takes an exclusive lock on path, or on the default lock
// file when path is empty. It fails at once if another process holds it.
func acquireLock(path string) (*flock.Flock, error) {
	if path == "" {
		dir, err := state.DefaultDir()
		if err != nil {
			return nil, err
		}

		path = filepath.Join(dir, lockFileName)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	lock := flock.New(path)

	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	if !locked {
		return nil, fmt.Errorf("%w: %s", errAlreadyRunning, path)
	}

	return lock, nil
}

// runService runs the syncer on a schedule and, when enabled, on file
// changes. Requests that arrive while a run is in progress coalesce into
// one follow-up run.
func runService(ctx context.Context, cfg *config.Config, s *syncer.Syncer, filter *scan.Filter, logger *slog.Logger) error {
	pending := make(chan struct{}, 1)
	request := func(context.Context) {
		select {
		case pending <- struct{}{}:
		default:
		}
	}

	// First run happens at startup.
	request(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-pending:
			}

			if _, err := s.Run(gctx); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}

				logger.Error("sync run failed", slog.String("error", err.Error()))
			}
		}
	})

	if cfg.ScanInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.ScanInterval)
			defer ticker.Stop()

			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-ticker.C:
					request(gctx)
				}
			}
		})
	}

	if cfg.Watch {
		w := syncer.NewWatcher(cfg.ScanPaths, filter, request, logger)

		g.Go(func() error {
			return w.Watch(gctx)
		})
	}

	return g.Wait()
}

// newFilter builds the filter for the configured rules. Ignore patterns
// are anchored to roots.
func newFilter(cfg *config.Config, roots []string) (*scan.Filter, error) {
	filter, err := scan.NewFilter(scan.Rules{
		Blacklist:      cfg.Blacklist,
		Extensions:     cfg.FileTypes,
		IgnorePatterns: cfg.IgnorePatterns,
		Roots:          roots,
	})
	if err != nil {
		return nil, fmt.Errorf("building filter: %w", err)
	}

	return filter, nil
}

// runScan scans a single directory with the configured rules and prints
// the inventory as JSON. Only the scan settings need to be configured.
func runScan(ctx context.Context, dir string, out io.Writer) error {
	cfg, err := config.Read()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if len(cfg.FileTypes) == 0 {
		return errors.New("no file types configured: set scan_config.file_types or FILE_TYPES")
	}

	logger, logFile := logging.New(cfg.Environment, logging.Options{Level: cfg.LogLevel, Output: os.Stderr})
	defer logFile.Close()

	filter, err := newFilter(cfg, scanRoots(cfg.ScanPaths, dir))
	if err != nil {
		return err
	}

	res, err := scan.NewScanner(filter, cfg.HashWorkers, logger).Scan(ctx, dir)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	return enc.Encode(res)
}

// scanRoots returns the roots ignore patterns are anchored to when
// scanning dir: the configured roots, plus dir itself when no configured
// root contains it.
func scanRoots(configured []string, dir string) []string {
	abs, err := scan.NormalizePath(dir)
	if err != nil {
		return configured
	}

	for _, root := range configured {
		if scan.HasPathPrefix(abs, root) {
			return configured
		}
	}

	return append(slices.Clone(configured), abs)
}
