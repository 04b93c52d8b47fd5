// Package version persists the marker identifying the installed bundle.
//
// The marker lives in a JSON document inside the target directory (config.json
// by default). The bundle may ship its own copy of that document carrying other
// settings, so the store only ever touches the "version" key and keeps every
// other key as it found it.
package version

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// DefaultFileName is the name of the marker document inside the target directory
const DefaultFileName = "config.json"

// versionKey is the document field holding the marker
const versionKey = "version"

// Marker identifies an installed bundle (the commit hash it was built from)
type Marker string

// Store reads and writes the marker of one target directory
type Store struct {
	fs   afero.Fs
	dir  string
	name string
}

// Open returns the store for the marker document name inside dir
func Open(fs afero.Fs, dir, name string) *Store {
	if name == "" {
		name = DefaultFileName
	}
	return &Store{fs: fs, dir: dir, name: name}
}

// Path returns the absolute path of the marker document
func (s *Store) Path() string {
	return filepath.Join(s.dir, s.name)
}

// Name returns the file name of the marker document
func (s *Store) Name() string {
	return s.name
}

// Read returns the installed marker. A missing document, or one without a
// version, reports ok=false and no error.
func (s *Store) Read() (Marker, bool, error) {
	doc, err := s.load(s.Path())
	if err != nil {
		return "", false, err
	}

	raw, exists := doc[versionKey]
	if !exists {
		return "", false, nil
	}

	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false, fmt.Errorf("failed to decode %q in %s: %w", versionKey, s.Path(), err)
	}
	if v == "" {
		return "", false, nil
	}

	return Marker(v), true, nil
}

// Write sets the version of the document at path to hash, keeping all other
// fields. The document is replaced atomically; on failure the previous
// document is left untouched and no temp file remains.
func (s *Store) Write(hash, path string) error {
	if hash == "" {
		return fmt.Errorf("refusing to write empty version to %s", path)
	}

	doc, err := s.load(path)
	if err != nil || doc == nil {
		// Missing, or not a JSON object: there are no fields to keep.
		doc = make(map[string]json.RawMessage)
	}

	encoded, err := json.Marshal(hash)
	if err != nil {
		return err
	}
	doc[versionKey] = encoded

	return s.save(path, doc)
}

// Commit records m as the installed marker
func (s *Store) Commit(m Marker) error {
	return s.Write(string(m), s.Path())
}

// Adopt installs the marker document shipped in a bundle. The staged document
// replaces the current one, but the currently installed version is carried
// over so the old marker stays valid until Commit. The staged file is removed.
func (s *Store) Adopt(stagedPath string) error {
	staged, err := s.load(stagedPath)
	if err != nil {
		return fmt.Errorf("failed to read staged marker document: %w", err)
	}
	if staged == nil {
		return fmt.Errorf("staged marker document %s does not exist", stagedPath)
	}

	delete(staged, versionKey)
	if current, ok, err := s.Read(); err == nil && ok {
		encoded, err := json.Marshal(string(current))
		if err != nil {
			return err
		}
		staged[versionKey] = encoded
	}

	if err := s.save(s.Path(), staged); err != nil {
		return fmt.Errorf("failed to install marker document: %w", err)
	}

	if err := s.fs.Remove(stagedPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove staged marker document: %w", err)
	}

	return nil
}

// load reads the JSON object at path. A missing file yields a nil map.
func (s *Store) load(path string) (map[string]json.RawMessage, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	doc := make(map[string]json.RawMessage)
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return doc, nil
}

// save writes doc to path through a temp file and rename
func (s *Store) save(path string, doc map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmpFile, err := afero.TempFile(s.fs, filepath.Dir(path), ".bundlesyncd-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = s.fs.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	if err := s.fs.Rename(tmpPath, path); err != nil {
		return err
	}
	committed = true

	return nil
}
