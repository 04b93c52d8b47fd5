// Package bundle decodes downloaded bundle archives and extracts them into a
// staging directory.
package bundle

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/zip"
)

// zipMIME is the detected type of a zip archive
const zipMIME = "application/zip"

// ErrTooLarge reports an archive whose extracted payload exceeds the configured cap
var ErrTooLarge = errors.New("extracted archive exceeds size limit")

// ExtractError reports an archive that cannot be decoded, or an I/O failure
// while writing it out. Fetching the archive again may succeed.
type ExtractError struct {
	Entry string // archive entry being processed, empty for archive-level failures
	Err   error
}

func (e *ExtractError) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("failed to extract %s: %v", e.Entry, e.Err)
	}
	return fmt.Sprintf("failed to extract archive: %v", e.Err)
}

func (e *ExtractError) Unwrap() error {
	return e.Err
}

// Entry is one file or directory record of an archive
type Entry struct {
	Path string // slash-separated, relative to the archive root folder
	Dir  bool
	Size uint64 // uncompressed size, zero for directories

	file *zip.File
}

// Open returns a reader over the entry payload. The checksum is verified when
// the reader reaches EOF.
func (e Entry) Open() (io.ReadCloser, error) {
	if e.Dir {
		return nil, fmt.Errorf("%s is a directory", e.Path)
	}
	return e.file.Open()
}

// Archive is a decoded bundle archive whose entries all live under Root
type Archive struct {
	Root    string
	Entries []Entry
}

// Open decodes data as a zip archive rooted under a single folder, the layout
// of a GitHub branch archive. Entry names are validated before anything is
// written, so a malformed archive fails without side effects.
func Open(data []byte) (*Archive, error) {
	if len(data) == 0 {
		return nil, &ExtractError{Err: errors.New("archive is empty")}
	}

	if !isZip(data) {
		return nil, &ExtractError{Err: fmt.Errorf("payload is not a zip archive (detected %s)", mimetype.Detect(data).String())}
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &ExtractError{Err: err}
	}

	archive := &Archive{}
	for _, f := range zr.File {
		root, rel, err := splitName(f.Name)
		if err != nil {
			return nil, &ExtractError{Entry: f.Name, Err: err}
		}

		if archive.Root == "" {
			archive.Root = root
		} else if root != archive.Root {
			return nil, &ExtractError{Entry: f.Name, Err: fmt.Errorf("entry is outside root folder %q", archive.Root)}
		}

		if rel == "" {
			continue
		}

		entry := Entry{
			Path: rel,
			Dir:  f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/"),
			file: f,
		}
		if !entry.Dir {
			entry.Size = f.UncompressedSize64
		}
		archive.Entries = append(archive.Entries, entry)
	}

	if archive.Root == "" {
		return nil, &ExtractError{Err: errors.New("archive contains no entries")}
	}

	return archive, nil
}

// Files returns the number of non-directory entries
func (a *Archive) Files() int {
	n := 0
	for _, e := range a.Entries {
		if !e.Dir {
			n++
		}
	}
	return n
}

// isZip reports whether data is detected as a zip archive or a zip-based format
func isZip(data []byte) bool {
	for mt := mimetype.Detect(data); mt != nil; mt = mt.Parent() {
		if mt.Is(zipMIME) {
			return true
		}
	}
	return false
}

// splitName splits an entry name into its root folder and the path below it.
// Absolute names, parent references and top-level files are rejected.
func splitName(name string) (root, rel string, err error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if name == "" || strings.HasPrefix(name, "/") {
		return "", "", fmt.Errorf("invalid entry name %q", name)
	}
	for _, part := range strings.Split(strings.TrimSuffix(name, "/"), "/") {
		if part == ".." {
			return "", "", fmt.Errorf("entry name %q escapes the archive root", name)
		}
	}

	clean := path.Clean(name)
	root, rel, found := strings.Cut(clean, "/")
	if !found && !strings.HasSuffix(name, "/") {
		return "", "", fmt.Errorf("entry %q is not inside a root folder", name)
	}
	if root == "." || root == "" {
		return "", "", fmt.Errorf("invalid entry name %q", name)
	}
	return root, rel, nil
}
