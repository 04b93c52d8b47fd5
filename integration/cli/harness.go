//go:build integration

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/schaermu/bundlesyncd/internal/testutil"
)

const (
	testChannel    = "0.2"
	testRoot       = "Localization-0.2"
	defaultTimeout = 2 * time.Minute
)

// BundleHost serves the metadata and archive endpoints of one channel, the
// way GitHub serves the commits API and branch archives
type BundleHost struct {
	t      *testing.T
	server *httptest.Server

	mu       stdsync.Mutex
	hash     string
	archive  []byte
	failWith int // status code returned for every request when non-zero
	requests map[string]int
}

// NewBundleHost starts a host with nothing published
func NewBundleHost(t *testing.T) *BundleHost {
	t.Helper()
	b := &BundleHost{t: t, requests: make(map[string]int)}
	b.server = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.server.Close)
	return b
}

// URL returns the base URL of the host
func (b *BundleHost) URL() string {
	return b.server.URL
}

// Publish makes files the newest bundle of the channel, identified by hash
func (b *BundleHost) Publish(hash string, files map[string]string) {
	archive := testutil.BuildZip(b.t, testRoot, files)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hash = hash
	b.archive = archive
	b.failWith = 0
}

// Fail makes every request answer with status
func (b *BundleHost) Fail(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failWith = status
}

// Requests returns how often path was requested
func (b *BundleHost) Requests(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[path]
}

func (b *BundleHost) serve(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.requests[r.URL.Path]++
	hash, archive, failWith := b.hash, b.archive, b.failWith
	b.mu.Unlock()

	if failWith != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(failWith)
		_, _ = fmt.Fprintf(w, `{"message":"injected failure"}`)
		return
	}

	switch r.URL.Path {
	case "/commits/" + testChannel:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"sha": hash})
	case "/archive/" + testChannel + ".zip":
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(archive)
	default:
		http.NotFound(w, r)
	}
}

// Harness runs the bundlesyncd binary against a BundleHost and a real
// target directory
type Harness struct {
	t          *testing.T
	binary     string
	Host       *BundleHost
	TargetDir  string
	ConfigPath string
	SecretPath string
}

// NewHarness prepares a fresh bundle host, target directory and
// configuration for the given binary
func NewHarness(t *testing.T, binary string) *Harness {
	t.Helper()

	dir := t.TempDir()
	h := &Harness{
		t:          t,
		binary:     binary,
		Host:       NewBundleHost(t),
		TargetDir:  filepath.Join(dir, "Localization"),
		ConfigPath: filepath.Join(dir, "config.yaml"),
		SecretPath: filepath.Join(dir, "webhook_secret"),
	}
	h.WriteConfig("")
	return h
}

// WriteConfig writes the configuration, appending extra YAML
func (h *Harness) WriteConfig(extra string) {
	h.t.Helper()
	content := fmt.Sprintf(`remote:
  metadata_url: %q
  archive_url: %q
  timeout: 5s
channel: %q
paths:
  target_dir: %q
sync:
  preserve: ["en_US.lang", "en_US.lang.meta"]
%s`, h.Host.URL()+"/commits", h.Host.URL()+"/archive", testChannel, h.TargetDir, extra)

	if err := os.WriteFile(h.ConfigPath, []byte(content), 0600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
}

// Run executes the binary with args and returns stdout, stderr and the exit code
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()

	full := append([]string{"--config", h.ConfigPath, "--log-level", "debug"}, args...)
	cmd := exec.CommandContext(ctx, h.binary, full...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = io.MultiWriter(&stderr, &testWriter{t: h.t, prefix: "[bundlesyncd] "})

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
	}
	if err != nil {
		return stdout.String(), stderr.String(), -1, err
	}
	return stdout.String(), stderr.String(), 0, nil
}

// MustRun runs the binary and fails the test on a non-zero exit code
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, code, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("run %v: %v", args, err)
	}
	if code != 0 {
		h.t.Fatalf("run %v: exit code %d\nstdout: %s\nstderr: %s", args, code, stdout, stderr)
	}
	return stdout
}

// Start launches the binary in the background; the returned function stops
// it with an interrupt and waits for it to exit
func (h *Harness) Start(args ...string) func() error {
	h.t.Helper()

	full := append([]string{"--config", h.ConfigPath, "--log-level", "debug"}, args...)
	cmd := exec.Command(h.binary, full...)
	cmd.Stdout = &testWriter{t: h.t, prefix: "[serve] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[serve] "}
	if err := cmd.Start(); err != nil {
		h.t.Fatalf("start %v: %v", args, err)
	}

	return func() error {
		_ = cmd.Process.Signal(os.Interrupt)
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			_ = cmd.Process.Kill()
			return fmt.Errorf("process did not exit after interrupt")
		}
	}
}

// WriteFile creates a file in the target directory
func (h *Harness) WriteFile(name, content string) {
	h.t.Helper()
	path := filepath.Join(h.TargetDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		h.t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		h.t.Fatalf("write %s: %v", path, err)
	}
}

// ReadFile returns the content of a file in the target directory
func (h *Harness) ReadFile(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(h.TargetDir, name))
	return string(data), err
}

// FileExists reports whether name exists in the target directory
func (h *Harness) FileExists(name string) bool {
	_, err := os.Stat(filepath.Join(h.TargetDir, name))
	return err == nil
}

// Entries returns the names directly under the target directory
func (h *Harness) Entries() []string {
	h.t.Helper()
	entries, err := os.ReadDir(h.TargetDir)
	if err != nil {
		h.t.Fatalf("read target dir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// Marker returns the installed version, "" when absent
func (h *Harness) Marker() string {
	h.t.Helper()
	data, err := h.ReadFile("config.json")
	if err != nil {
		return ""
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		h.t.Fatalf("decode marker: %v", err)
	}
	v, _ := doc["version"].(string)
	return v
}

// ModTimes returns the modification time of every entry in the target directory
func (h *Harness) ModTimes() map[string]time.Time {
	h.t.Helper()
	out := make(map[string]time.Time)
	err := filepath.Walk(h.TargetDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		out[path] = info.ModTime()
		return nil
	})
	if err != nil {
		h.t.Fatalf("walk target dir: %v", err)
	}
	return out
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
