package testutil

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/spf13/afero"
)

// ErrInjected is returned by FaultyFs for every operation a fault hook matches
var ErrInjected = errors.New("injected filesystem fault")

// FaultyFs wraps an afero.Fs and fails selected operations. A nil hook never
// fails; hooks receive cleaned paths.
type FaultyFs struct {
	afero.Fs

	FailCreate    func(path string) bool
	FailRemove    func(path string) bool
	FailRename    func(oldpath, newpath string) bool
	FailMkdir     func(path string) bool
	FailWriteFile func(path string) bool
}

// NewFaultyFs wraps base
func NewFaultyFs(base afero.Fs) *FaultyFs {
	return &FaultyFs{Fs: base}
}

func (f *FaultyFs) Create(name string) (afero.File, error) {
	if f.FailCreate != nil && f.FailCreate(filepath.Clean(name)) {
		return nil, &os.PathError{Op: "create", Path: name, Err: ErrInjected}
	}
	file, err := f.Fs.Create(name)
	return f.wrap(file, name), err
}

func (f *FaultyFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if flag&(os.O_CREATE|os.O_WRONLY|os.O_RDWR) != 0 && f.FailCreate != nil && f.FailCreate(filepath.Clean(name)) {
		return nil, &os.PathError{Op: "open", Path: name, Err: ErrInjected}
	}
	file, err := f.Fs.OpenFile(name, flag, perm)
	return f.wrap(file, name), err
}

func (f *FaultyFs) Remove(name string) error {
	if f.FailRemove != nil && f.FailRemove(filepath.Clean(name)) {
		return &os.PathError{Op: "remove", Path: name, Err: ErrInjected}
	}
	return f.Fs.Remove(name)
}

func (f *FaultyFs) RemoveAll(path string) error {
	if f.FailRemove != nil && f.FailRemove(filepath.Clean(path)) {
		return &os.PathError{Op: "removeall", Path: path, Err: ErrInjected}
	}
	return f.Fs.RemoveAll(path)
}

func (f *FaultyFs) Rename(oldname, newname string) error {
	if f.FailRename != nil && f.FailRename(filepath.Clean(oldname), filepath.Clean(newname)) {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: ErrInjected}
	}
	return f.Fs.Rename(oldname, newname)
}

func (f *FaultyFs) Mkdir(name string, perm os.FileMode) error {
	if f.FailMkdir != nil && f.FailMkdir(filepath.Clean(name)) {
		return &os.PathError{Op: "mkdir", Path: name, Err: ErrInjected}
	}
	return f.Fs.Mkdir(name, perm)
}

func (f *FaultyFs) MkdirAll(path string, perm os.FileMode) error {
	if f.FailMkdir != nil && f.FailMkdir(filepath.Clean(path)) {
		return &os.PathError{Op: "mkdir", Path: path, Err: ErrInjected}
	}
	return f.Fs.MkdirAll(path, perm)
}

func (f *FaultyFs) Name() string {
	return "FaultyFs"
}

func (f *FaultyFs) wrap(file afero.File, name string) afero.File {
	if file == nil || f.FailWriteFile == nil || !f.FailWriteFile(filepath.Clean(name)) {
		return file
	}
	return &faultyFile{File: file}
}

// faultyFile accepts no data
type faultyFile struct {
	afero.File
}

func (f *faultyFile) Write(p []byte) (int, error) {
	return 0, &os.PathError{Op: "write", Path: f.Name(), Err: ErrInjected}
}

// WriteFiles creates files (relative path -> content) under dir
func WriteFiles(t *testing.T, fs afero.Fs, dir string, files map[string]string) {
	t.Helper()
	for rel, data := range files {
		path := filepath.Join(dir, rel)
		if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("failed to create parent of %s: %v", path, err)
		}
		if err := afero.WriteFile(fs, path, []byte(data), 0644); err != nil {
			t.Fatalf("failed to write %s: %v", path, err)
		}
	}
}

// Snapshot returns every file under dir (relative path -> content). Directories
// are recorded with a trailing slash and empty content.
func Snapshot(t *testing.T, fs afero.Fs, dir string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := afero.Walk(fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if info.IsDir() {
			out[rel+"/"] = ""
			return nil
		}
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return err
		}
		out[rel] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("failed to snapshot %s: %v", dir, err)
	}
	return out
}

// ModTimes returns the modification time of every entry under dir
func ModTimes(t *testing.T, fs afero.Fs, dir string) map[string]time.Time {
	t.Helper()
	out := make(map[string]time.Time)
	err := afero.Walk(fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		out[path] = info.ModTime()
		return nil
	})
	if err != nil {
		t.Fatalf("failed to walk %s: %v", dir, err)
	}
	return out
}

// Names returns the sorted names of the entries directly under dir
func Names(t *testing.T, fs afero.Fs, dir string) []string {
	t.Helper()
	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		t.Fatalf("failed to read %s: %v", dir, err)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	sort.Strings(names)
	return names
}
