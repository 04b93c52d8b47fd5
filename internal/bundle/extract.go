package bundle

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/afero"
)

// Staging describes an archive written out below the target directory
type Staging struct {
	Name    string   // folder name directly under the target directory
	Path    string   // absolute path of the staging folder
	Files   int      // files written
	Skipped []string // entries left out because their name is preserved
}

// DefaultMaxExtractedBytes caps the total payload written by one extraction
const DefaultMaxExtractedBytes = 1 << 30 // 1GB

// ExtractOptions configures an Extractor
type ExtractOptions struct {
	Skip     []string // base names never written; the root folder may not take them either
	Reserved []string // further names the root folder may not take, such as the marker file
	MaxBytes int64    // cap on the extracted payload, default DefaultMaxExtractedBytes
}

// Extractor writes archives into a staging folder of a target directory
type Extractor struct {
	fs       afero.Fs
	skip     map[string]bool
	reserved map[string]bool
	maxBytes int64
	logger   *slog.Logger
}

// NewExtractor creates an extractor that never writes files named in opts.Skip
func NewExtractor(fs afero.Fs, opts ExtractOptions, logger *slog.Logger) *Extractor {
	x := &Extractor{
		fs:       fs,
		skip:     make(map[string]bool, len(opts.Skip)),
		reserved: make(map[string]bool, len(opts.Skip)+len(opts.Reserved)),
		maxBytes: opts.MaxBytes,
		logger:   logger,
	}
	if x.maxBytes <= 0 {
		x.maxBytes = DefaultMaxExtractedBytes
	}
	for _, name := range opts.Skip {
		x.skip[name] = true
		x.reserved[name] = true
	}
	for _, name := range opts.Reserved {
		x.reserved[name] = true
	}
	return x
}

// Extract writes archive into <targetDir>/<archive.Root>. A folder of that name
// left over from an earlier interrupted run is removed first. A root named like
// a preserved file or the marker is rejected before anything is written. On
// failure the staging folder may be partially populated; the next run replaces it.
func (x *Extractor) Extract(archive *Archive, targetDir string) (*Staging, error) {
	if x.reserved[archive.Root] {
		return nil, &ExtractError{Err: fmt.Errorf("archive root folder %q collides with a reserved file name", archive.Root)}
	}

	staging := &Staging{
		Name: archive.Root,
		Path: filepath.Join(targetDir, archive.Root),
	}

	if err := x.fs.RemoveAll(staging.Path); err != nil {
		return nil, &ExtractError{Err: fmt.Errorf("failed to remove leftover staging folder: %w", err)}
	}
	if err := x.fs.MkdirAll(staging.Path, 0755); err != nil {
		return nil, &ExtractError{Err: fmt.Errorf("failed to create staging folder: %w", err)}
	}

	remaining := x.maxBytes
	for _, entry := range archive.Entries {
		dest := filepath.Join(staging.Path, filepath.FromSlash(entry.Path))

		if entry.Dir {
			if err := x.fs.MkdirAll(dest, 0755); err != nil {
				return nil, &ExtractError{Entry: entry.Path, Err: err}
			}
			continue
		}

		if x.skip[path.Base(entry.Path)] {
			x.logger.Debug("skipping preserved file in archive", "entry", entry.Path)
			staging.Skipped = append(staging.Skipped, entry.Path)
			continue
		}

		if entry.Size > uint64(remaining) {
			return nil, &ExtractError{Entry: entry.Path, Err: fmt.Errorf("%w (%d bytes)", ErrTooLarge, x.maxBytes)}
		}
		n, err := x.writeEntry(entry, dest, remaining)
		if err != nil {
			return nil, &ExtractError{Entry: entry.Path, Err: err}
		}
		remaining -= n
		staging.Files++
	}

	x.logger.Info("archive extracted",
		"staging", staging.Path,
		"files", staging.Files,
		"skipped", len(staging.Skipped))

	return staging, nil
}

// writeEntry streams one entry to dest, writing at most limit bytes
func (x *Extractor) writeEntry(entry Entry, dest string, limit int64) (int64, error) {
	if err := x.fs.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, err
	}

	src, err := entry.Open()
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = src.Close()
	}()

	dst, err := x.fs.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return 0, err
	}

	// the declared size may lie, read one byte past the budget to notice
	n, err := io.Copy(dst, io.LimitReader(src, limit+1))
	if err != nil {
		_ = dst.Close()
		return n, err
	}
	if n > limit {
		_ = dst.Close()
		return n, ErrTooLarge
	}

	return n, dst.Close()
}
