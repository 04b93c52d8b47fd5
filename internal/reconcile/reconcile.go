// Package reconcile merges a freshly extracted staging folder into the target
// directory it was extracted into.
//
// The merge favours availability over strict consistency: unexpected files or
// folders in the target are reported as warnings and the merge carries on,
// because a partially refreshed bundle is better than none. Only I/O failures
// that would lose staged content abort it.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/schaermu/bundlesyncd/internal/content"
)

// WarningKind classifies a consistency warning
type WarningKind string

const (
	WarnExtraDirectory        WarningKind = "extra_directory"
	WarnLeftoverFile          WarningKind = "leftover_file"
	WarnUnexpectedKind        WarningKind = "unexpected_kind"
	WarnPreserveMisconfigured WarningKind = "preserve_misconfigured"
	WarnRemoveFailed          WarningKind = "remove_failed"
	WarnNestedDirectory       WarningKind = "nested_directory"
	WarnPreservedInBundle     WarningKind = "preserved_in_bundle"
)

// Warning is a consistency problem found while reconciling. It never aborts
// the merge.
type Warning struct {
	Kind    WarningKind
	Path    string
	Message string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s (%s)", w.Kind, w.Message, w.Path)
}

// Error reports a filesystem failure that stopped the merge
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("reconcile %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Options configures a Reconciler
type Options struct {
	// Preserved names are never removed from the target nor overwritten from
	// the staging folder.
	Preserved []string
	// Marker is the name of the version marker document. It survives the clear
	// step; a staged copy is handed to Adopt instead of being moved.
	Marker string
	Adopt  func(stagedPath string) error
	// Kinds lists the file kinds expected in the target directory
	Kinds content.Kinds
}

// Report describes what a reconcile pass did
type Report struct {
	Removed  []string
	Moved    []string
	Warnings []Warning
}

// Reconciler produces the final layout of one target directory
type Reconciler struct {
	fs        afero.Fs
	opts      Options
	preserved map[string]bool
	logger    *slog.Logger
}

// New creates a reconciler
func New(fs afero.Fs, opts Options, logger *slog.Logger) *Reconciler {
	preserved := make(map[string]bool, len(opts.Preserved))
	for _, name := range opts.Preserved {
		preserved[name] = true
	}
	if opts.Kinds == nil {
		opts.Kinds = content.NewKinds(nil)
	}
	return &Reconciler{
		fs:        fs,
		opts:      opts,
		preserved: preserved,
		logger:    logger,
	}
}

// Reconcile clears targetDir of everything but preserved files, the marker and
// the staging folder, then moves the staged files up into targetDir and
// removes the staging folder. On success the staging folder no longer exists.
func (r *Reconciler) Reconcile(targetDir, stagingName string) (*Report, error) {
	report := &Report{}
	stagingPath := filepath.Join(targetDir, stagingName)

	if stagingName == "" || r.preserved[stagingName] || stagingName == r.opts.Marker {
		return nil, &Error{Op: "validate", Path: stagingPath, Err: fmt.Errorf("invalid staging folder name %q", stagingName)}
	}
	info, err := r.fs.Stat(stagingPath)
	if err != nil {
		return nil, &Error{Op: "stat", Path: stagingPath, Err: err}
	}
	if !info.IsDir() {
		return nil, &Error{Op: "stat", Path: stagingPath, Err: fmt.Errorf("staging path is not a directory")}
	}

	r.checkPreserved(targetDir, report)

	if err := r.clear(targetDir, stagingName, report); err != nil {
		return report, err
	}

	if err := r.validate(targetDir, stagingName, report); err != nil {
		return report, err
	}

	if err := r.merge(targetDir, stagingPath, report); err != nil {
		return report, err
	}

	if err := r.fs.RemoveAll(stagingPath); err != nil {
		return report, &Error{Op: "remove staging", Path: stagingPath, Err: err}
	}

	r.logger.Info("bundle reconciled",
		"target_dir", targetDir,
		"removed", len(report.Removed),
		"moved", len(report.Moved),
		"warnings", len(report.Warnings))

	return report, nil
}

// checkPreserved reports preserved names that are not a known bundle file
// kind, which points at a misconfiguration
func (r *Reconciler) checkPreserved(targetDir string, report *Report) {
	for _, name := range r.opts.Preserved {
		if !r.opts.Kinds.IsExpected(name) {
			r.warn(report, slog.LevelWarn, Warning{
				Kind:    WarnPreserveMisconfigured,
				Path:    filepath.Join(targetDir, name),
				Message: "preserved file is not a known bundle file kind",
			})
		}
	}
}

// clear removes every entry of targetDir that is not kept. Files must go;
// folders are removed best-effort.
func (r *Reconciler) clear(targetDir, stagingName string, report *Report) error {
	infos, err := afero.ReadDir(r.fs, targetDir)
	if err != nil {
		return &Error{Op: "list", Path: targetDir, Err: err}
	}

	for _, info := range infos {
		name := info.Name()
		if r.kept(name) || name == stagingName {
			continue
		}
		path := filepath.Join(targetDir, name)

		if info.IsDir() {
			if err := r.fs.RemoveAll(path); err != nil {
				r.warn(report, slog.LevelError, Warning{
					Kind:    WarnRemoveFailed,
					Path:    path,
					Message: fmt.Sprintf("failed to remove folder: %v", err),
				})
				continue
			}
			report.Removed = append(report.Removed, path)
			continue
		}

		if !r.opts.Kinds.IsExpected(name) {
			// Either the bundle gained a new file kind, or this is not the
			// directory we think it is.
			r.warn(report, slog.LevelError, Warning{
				Kind:    WarnUnexpectedKind,
				Path:    path,
				Message: "removing file that is not a known bundle file kind",
			})
		}

		if err := r.fs.Remove(path); err != nil && !os.IsNotExist(err) {
			return &Error{Op: "remove", Path: path, Err: err}
		}
		report.Removed = append(report.Removed, path)
	}

	return nil
}

// validate checks that the staging folder is the only folder left to merge
func (r *Reconciler) validate(targetDir, stagingName string, report *Report) error {
	infos, err := afero.ReadDir(r.fs, targetDir)
	if err != nil {
		return &Error{Op: "list", Path: targetDir, Err: err}
	}

	for _, info := range infos {
		name := info.Name()
		if r.kept(name) || name == stagingName {
			continue
		}
		path := filepath.Join(targetDir, name)
		if info.IsDir() {
			r.warn(report, slog.LevelError, Warning{
				Kind:    WarnExtraDirectory,
				Path:    path,
				Message: "there should be only one folder besides preserved files",
			})
			continue
		}
		r.warn(report, slog.LevelError, Warning{
			Kind:    WarnLeftoverFile,
			Path:    path,
			Message: "there should be only preserved files besides the staging folder",
		})
	}

	return nil
}

// merge moves the staged files into targetDir, overwriting same-named files
func (r *Reconciler) merge(targetDir, stagingPath string, report *Report) error {
	infos, err := afero.ReadDir(r.fs, stagingPath)
	if err != nil {
		return &Error{Op: "list", Path: stagingPath, Err: err}
	}

	for _, info := range infos {
		name := info.Name()
		src := filepath.Join(stagingPath, name)

		switch {
		case info.IsDir():
			r.warn(report, slog.LevelWarn, Warning{
				Kind:    WarnNestedDirectory,
				Path:    src,
				Message: "bundles are flat, nested folder is discarded",
			})
			continue

		case r.preserved[name]:
			r.warn(report, slog.LevelWarn, Warning{
				Kind:    WarnPreservedInBundle,
				Path:    src,
				Message: "bundle ships a preserved file, keeping the local copy",
			})
			continue

		case name == r.opts.Marker && r.opts.Adopt != nil:
			if err := r.opts.Adopt(src); err != nil {
				return &Error{Op: "adopt", Path: src, Err: err}
			}
			report.Moved = append(report.Moved, filepath.Join(targetDir, name))
			continue
		}

		dest := filepath.Join(targetDir, name)
		if err := r.fs.Rename(src, dest); err != nil {
			return &Error{Op: "move", Path: src, Err: err}
		}
		report.Moved = append(report.Moved, dest)
	}

	return nil
}

// kept reports whether name survives the clear step
func (r *Reconciler) kept(name string) bool {
	return r.preserved[name] || (r.opts.Marker != "" && name == r.opts.Marker)
}

func (r *Reconciler) warn(report *Report, level slog.Level, w Warning) {
	report.Warnings = append(report.Warnings, w)
	r.logger.Log(context.Background(), level, "consistency warning",
		"kind", string(w.Kind),
		"path", w.Path,
		"detail", w.Message)
}
