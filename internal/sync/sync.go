package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/schaermu/bundlesyncd/internal/bundle"
	"github.com/schaermu/bundlesyncd/internal/content"
	"github.com/schaermu/bundlesyncd/internal/reconcile"
	"github.com/schaermu/bundlesyncd/internal/remote"
	"github.com/schaermu/bundlesyncd/internal/version"
)

// Resolver returns the content hash of the newest bundle of a channel
type Resolver interface {
	FetchLatestHash(ctx context.Context, channel string) (string, error)
}

// Fetcher downloads the bundle archive of a channel
type Fetcher interface {
	Fetch(ctx context.Context, channel string) ([]byte, error)
}

// Remote is what the engine needs from the bundle host. *remote.Client
// implements it.
type Remote interface {
	Resolver
	Fetcher
}

// Options configures an Engine
type Options struct {
	TargetDir  string
	MarkerFile string   // default version.DefaultFileName
	Preserve   []string // names never removed nor overwritten
	Extensions []string // expected file kinds, default content.DefaultExtensions
	DryRun     bool
	// MaxExtractedBytes caps the unpacked bundle, default bundle.DefaultMaxExtractedBytes
	MaxExtractedBytes int64
	// OnCommit is invoked exactly once, synchronously, after every committed run
	OnCommit func()
}

// Engine keeps one target directory in sync with the remote bundle
type Engine struct {
	fs        afero.Fs
	remote    Remote
	opts      Options
	targetDir string
	store     *version.Store
	kinds     content.Kinds
	group     singleflight.Group
	logger    *slog.Logger
}

// NewEngine creates a new sync engine
func NewEngine(fs afero.Fs, r Remote, opts Options, logger *slog.Logger) (*Engine, error) {
	if opts.TargetDir == "" {
		return nil, fmt.Errorf("target directory is required")
	}
	targetDir, err := filepath.Abs(opts.TargetDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve target directory: %w", err)
	}
	if opts.MarkerFile == "" {
		opts.MarkerFile = version.DefaultFileName
	}
	if filepath.Base(opts.MarkerFile) != opts.MarkerFile {
		return nil, fmt.Errorf("marker file must be a bare file name: %s", opts.MarkerFile)
	}
	for _, name := range opts.Preserve {
		if name == opts.MarkerFile {
			return nil, fmt.Errorf("marker file %s cannot be preserved", name)
		}
	}

	return &Engine{
		fs:        fs,
		remote:    r,
		opts:      opts,
		targetDir: targetDir,
		store:     version.Open(fs, targetDir, opts.MarkerFile),
		kinds:     content.NewKinds(opts.Extensions),
		logger:    logger.With("component", "sync", "target_dir", targetDir),
	}, nil
}

// TargetDir returns the absolute target directory
func (e *Engine) TargetDir() string {
	return e.targetDir
}

// Sync brings the target directory to the newest bundle of channel. Concurrent
// calls for the same target are serialized; identical concurrent calls share
// one run and one result, bound to the context of the first caller.
func (e *Engine) Sync(ctx context.Context, channel string) *Result {
	key := e.targetDir + "\x00" + channel
	v, _, _ := e.group.Do(key, func() (any, error) {
		return e.syncLocked(ctx, channel), nil
	})
	return v.(*Result)
}

func (e *Engine) syncLocked(ctx context.Context, channel string) *Result {
	release, err := lockTarget(ctx, e.targetDir)
	if err != nil {
		res := &Result{Channel: channel}
		res.enter(StateIdle)
		return e.fail(ctx, res, err)
	}
	defer release()
	return e.run(ctx, channel)
}

func (e *Engine) run(ctx context.Context, channel string) *Result {
	res := &Result{Channel: channel}
	res.enter(StateIdle)
	logger := e.logger.With("channel", channel)

	if channel == "" {
		return e.failWith(res, KindInvalid, errors.New("channel must not be empty"))
	}

	logger.Info("starting sync", "dry_run", e.opts.DryRun)

	res.enter(StateCheckingRemote)
	installed, ok, err := e.store.Read()
	if err != nil {
		logger.Warn("failed to read version marker (will treat as absent)", "error", err)
		ok = false
	}
	if ok {
		res.PreviousHash = string(installed)
	}

	latest, err := e.remote.FetchLatestHash(ctx, channel)
	if err != nil {
		return e.fail(ctx, res, err)
	}
	res.LatestHash = latest

	if ok && string(installed) == latest {
		res.enter(StateUpToDate)
		logger.Info("bundle is up to date", "hash", latest)
		return res
	}

	logger.Info("bundle update available", "installed", res.PreviousHash, "latest", latest)
	if e.opts.DryRun {
		res.enter(StateUpdateAvailable)
		logger.Info("dry-run complete, no changes applied")
		return res
	}

	res.enter(StateDownloading)
	data, err := e.remote.Fetch(ctx, channel)
	if err != nil {
		return e.fail(ctx, res, err)
	}
	logger.Info("bundle downloaded", "bytes", len(data))

	// past this point the target is mutated, the run is no longer cancellable
	if err := ctx.Err(); err != nil {
		return e.fail(ctx, res, err)
	}

	res.enter(StateExtracting)
	archive, err := bundle.Open(data)
	if err != nil {
		return e.fail(ctx, res, err)
	}
	extractor := bundle.NewExtractor(e.fs, bundle.ExtractOptions{
		Skip:     e.opts.Preserve,
		Reserved: []string{e.store.Name()},
		MaxBytes: e.opts.MaxExtractedBytes,
	}, e.logger.With("component", "bundle"))
	staging, err := extractor.Extract(archive, e.targetDir)
	if err != nil {
		return e.fail(ctx, res, err)
	}

	res.enter(StateReconciling)
	reconciler := reconcile.New(e.fs, reconcile.Options{
		Preserved: e.opts.Preserve,
		Marker:    e.store.Name(),
		Adopt:     e.store.Adopt,
		Kinds:     e.kinds,
	}, e.logger.With("component", "reconcile"))
	report, err := reconciler.Reconcile(e.targetDir, staging.Name)
	if report != nil {
		res.Warnings = report.Warnings
	}
	if err != nil {
		return e.fail(ctx, res, err)
	}

	if err := e.store.Commit(version.Marker(latest)); err != nil {
		return e.fail(ctx, res, fmt.Errorf("failed to write version marker: %w", err))
	}

	res.enter(StateCommitted)
	logger.Info("sync completed successfully",
		"hash", latest,
		"files", staging.Files,
		"warnings", len(res.Warnings))

	if e.opts.OnCommit != nil {
		e.opts.OnCommit()
	}
	return res
}

// fail classifies err by its type, falling back to the current stage
func (e *Engine) fail(ctx context.Context, res *Result, err error) *Result {
	var (
		netErr       *remote.NetworkError
		parseErr     *remote.ParseError
		extractErr   *bundle.ExtractError
		reconcileErr *reconcile.Error
	)

	kind := KindReconcile
	switch {
	case ctx.Err() != nil && res.State != StateReconciling && res.State != StateExtracting:
		kind = KindCancelled
	case errors.As(err, &parseErr):
		kind = KindParse
	case errors.As(err, &netErr):
		kind = KindNetwork
	case errors.As(err, &extractErr):
		kind = KindExtract
	case errors.As(err, &reconcileErr):
		kind = KindReconcile
	case res.State == StateCheckingRemote || res.State == StateDownloading:
		kind = KindNetwork
	case res.State == StateExtracting:
		kind = KindExtract
	}
	return e.failWith(res, kind, err)
}

func (e *Engine) failWith(res *Result, kind Kind, err error) *Result {
	res.Err = &Error{Kind: kind, Stage: res.State, Channel: res.Channel, Err: err}

	if kind == KindCancelled {
		res.enter(StateCancelled)
		e.logger.Warn("sync cancelled",
			"channel", res.Channel,
			"stage", res.Err.Stage,
			"error", err)
		return res
	}

	res.enter(StateFailed)
	e.logger.Error("sync failed",
		"channel", res.Channel,
		"stage", res.Err.Stage,
		"kind", kind,
		"error", err)
	return res
}
