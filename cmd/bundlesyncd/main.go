package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/schaermu/bundlesyncd/internal/config"
	"github.com/schaermu/bundlesyncd/internal/remote"
	"github.com/schaermu/bundlesyncd/internal/sync"
	"github.com/schaermu/bundlesyncd/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	channel   string
	dryRun    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bundlesyncd",
	Short: "Keep a local content bundle in sync with its remote release channel",
	Long: `bundlesyncd keeps a local directory of content files (such as localization
tables) identical to the newest bundle published on a remote release channel.

It compares the installed version marker with the latest remote hash, and only
when they differ downloads the channel archive, replaces the managed files and
records the new version. Locally preserved files are never touched.

It can run as a oneshot sync (via systemd timer) or as a long-running webhook
daemon that responds to GitHub push events.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a one-time sync of the configured channel",
	Long: `Sync resolves the latest bundle hash of the channel and, when it differs from
the installed version marker, downloads the bundle archive and reconciles the
target directory with it.

Exits non-zero when the sync failed or was cancelled; the target directory is
left in a state from which the next sync can safely retry.`,
	RunE: runSync,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the installed bundle version and files",
	RunE:  runStatus,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Serve performs an initial sync and then starts a long-running HTTP server that
listens for GitHub push webhooks on the branch of the configured channel and
triggers syncs. A systemd-activated socket is used when available.

With serve.interval set, a sync is also triggered periodically.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("bundlesyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/bundlesyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&channel, "channel", "", "release channel (overrides the configured channel)")

	// Sync command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "only check whether an update is available")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, err := newEngine(cfg, logger, dryRun)
	if err != nil {
		return err
	}

	res := engine.Sync(ctx, cfg.Channel)
	printResult(cmd.OutOrStdout(), res)
	if !res.OK() {
		return res.Failure()
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, err := newEngine(cfg, logger, true)
	if err != nil {
		return err
	}

	st, err := engine.Status()
	if err != nil {
		return err
	}
	printStatus(cmd.OutOrStdout(), cfg.Channel, st)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve is not enabled in the configuration (serve.enabled)")
	}

	engine, err := newEngine(cfg, logger, false)
	if err != nil {
		return err
	}

	server, err := webhook.NewServer(cfg, engine, logger)
	if err != nil {
		return fmt.Errorf("failed to create webhook server: %w", err)
	}

	return server.Start(ctx)
}

// newEngine wires the remote client and the OS filesystem into a sync engine
func newEngine(cfg *config.Config, logger *slog.Logger, dryRun bool) (*sync.Engine, error) {
	token, err := cfg.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to load remote token: %w", err)
	}

	client, err := remote.NewClient(remote.Options{
		MetadataURL:     cfg.Remote.MetadataURL,
		ArchiveURL:      cfg.Remote.ArchiveURL,
		Token:           token,
		UserAgent:       userAgent(cfg),
		Timeout:         cfg.Remote.Timeout,
		MaxArchiveBytes: cfg.Remote.MaxArchiveBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create remote client: %w", err)
	}

	engine, err := sync.NewEngine(afero.NewOsFs(), client, sync.Options{
		TargetDir:         cfg.Paths.TargetDir,
		MarkerFile:        cfg.Paths.MarkerFile,
		Preserve:          cfg.Sync.Preserve,
		Extensions:        cfg.Sync.ExpectedExtensions,
		DryRun:            dryRun,
		MaxExtractedBytes: cfg.Sync.MaxExtractedBytes,
		OnCommit: func() {
			logger.Info("new bundle installed", "target_dir", cfg.Paths.TargetDir, "channel", cfg.Channel)
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync engine: %w", err)
	}
	return engine, nil
}

func userAgent(cfg *config.Config) string {
	if cfg.Remote.UserAgent != "" {
		return cfg.Remote.UserAgent
	}
	return remote.DefaultUserAgent + "/" + version
}

func printResult(w io.Writer, res *sync.Result) {
	switch res.State {
	case sync.StateUpToDate:
		_, _ = fmt.Fprintf(w, "channel %s is up to date (%s)\n", res.Channel, res.LatestHash)
	case sync.StateUpdateAvailable:
		_, _ = fmt.Fprintf(w, "channel %s: update available %s -> %s\n", res.Channel, orNone(res.PreviousHash), res.LatestHash)
	case sync.StateCommitted:
		_, _ = fmt.Fprintf(w, "channel %s updated %s -> %s\n", res.Channel, orNone(res.PreviousHash), res.LatestHash)
	default:
		_, _ = fmt.Fprintf(w, "channel %s: sync %s: %v\n", res.Channel, res.State, res.Failure())
	}
	for _, warning := range res.Warnings {
		_, _ = fmt.Fprintf(w, "  warning: %s\n", warning)
	}
}

func printStatus(w io.Writer, channel string, st *sync.Status) {
	_, _ = fmt.Fprintf(w, "target:    %s\n", st.TargetDir)
	_, _ = fmt.Fprintf(w, "channel:   %s\n", channel)
	if st.Missing {
		_, _ = fmt.Fprintf(w, "installed: none (target directory does not exist)\n")
		return
	}
	_, _ = fmt.Fprintf(w, "installed: %s\n", orNone(st.Installed))
	_, _ = fmt.Fprintf(w, "files:     %d\n", len(st.Files))
	if len(st.Languages) > 0 {
		_, _ = fmt.Fprintf(w, "languages: %s\n", strings.Join(st.Languages, ", "))
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		configPath = config.DefaultPath()
	}

	logger.Debug("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if channel != "" {
		cfg.Channel = channel
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid --channel: %w", err)
		}
	}

	logger.Debug("configuration loaded",
		"channel", cfg.Channel,
		"target_dir", cfg.Paths.TargetDir,
		"metadata_url", cfg.Remote.MetadataURL,
		"archive_url", cfg.Remote.ArchiveURL)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
