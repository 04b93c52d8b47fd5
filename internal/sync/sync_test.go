package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/bundlesyncd/internal/reconcile"
	"github.com/schaermu/bundlesyncd/internal/remote"
	"github.com/schaermu/bundlesyncd/internal/testutil"
	"github.com/schaermu/bundlesyncd/internal/version"
)

const (
	target  = "/bundle"
	channel = "0.2"
	root    = "Localization-0.2"
)

var preserved = []string{"en_US.lang", "en_US.lang.meta"}

// fakeRemote implements Remote for testing.
type fakeRemote struct {
	mu       stdsync.Mutex
	hash     string
	hashErr  error
	archive  []byte
	fetchErr error

	resolveCalls int
	fetchCalls   int

	// entered is signalled when FetchLatestHash is called; the call then
	// waits for release or ctx.
	entered chan struct{}
	release chan struct{}

	active    int32
	maxActive int32
}

func (f *fakeRemote) FetchLatestHash(ctx context.Context, _ string) (string, error) {
	n := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		m := atomic.LoadInt32(&f.maxActive)
		if n <= m || atomic.CompareAndSwapInt32(&f.maxActive, m, n) {
			break
		}
	}

	f.mu.Lock()
	f.resolveCalls++
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", &remote.NetworkError{URL: "fake", Err: ctx.Err()}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hash, f.hashErr
}

func (f *fakeRemote) Fetch(_ context.Context, _ string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	return f.archive, f.fetchErr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type counter struct {
	n int32
}

func (c *counter) inc() {
	atomic.AddInt32(&c.n, 1)
}

func (c *counter) get() int {
	return int(atomic.LoadInt32(&c.n))
}

func newTestEngine(t *testing.T, fs afero.Fs, r Remote, calls *counter) *Engine {
	t.Helper()
	e, err := NewEngine(fs, r, Options{
		TargetDir: target,
		Preserve:  preserved,
		OnCommit:  calls.inc,
	}, testLogger())
	require.NoError(t, err)
	return e
}

func installed(t *testing.T, fs afero.Fs) string {
	t.Helper()
	m, ok, err := version.Open(fs, target, version.DefaultFileName).Read()
	require.NoError(t, err)
	if !ok {
		return ""
	}
	return string(m)
}

func seedTarget(t *testing.T, fs afero.Fs) {
	t.Helper()
	testutil.WriteFiles(t, fs, target, map[string]string{
		"en_US.lang":      "hello=Hello",
		"en_US.lang.meta": "guid: local",
		"old.lang":        "removed upstream",
		"config.json":     `{"version":"abc"}`,
	})
}

func bundleZip(t *testing.T) []byte {
	return testutil.BuildZip(t, root, map[string]string{
		"foo.lang":        "foo",
		"bar.lang":        "bar",
		"en_US.lang":      "hello=Hello from upstream",
		"en_US.lang.meta": "guid: upstream",
	})
}

func TestNewEngine(t *testing.T) {
	fs := afero.NewMemMapFs()

	_, err := NewEngine(fs, &fakeRemote{}, Options{}, testLogger())
	assert.Error(t, err, "empty target")

	_, err = NewEngine(fs, &fakeRemote{}, Options{TargetDir: target, MarkerFile: "sub/config.json"}, testLogger())
	assert.Error(t, err, "nested marker")

	_, err = NewEngine(fs, &fakeRemote{}, Options{TargetDir: target, Preserve: []string{"config.json"}}, testLogger())
	assert.Error(t, err, "preserved marker")

	e, err := NewEngine(fs, &fakeRemote{}, Options{TargetDir: "/bundle/../bundle/"}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, target, e.TargetDir())
}

// Scenario A
func TestSync_UpToDate(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedTarget(t, fs)
	before := testutil.Snapshot(t, fs, target)
	times := testutil.ModTimes(t, fs, target)

	r := &fakeRemote{hash: "abc"}
	calls := &counter{}
	res := newTestEngine(t, fs, r, calls).Sync(context.Background(), channel)

	assert.Equal(t, StateUpToDate, res.State)
	assert.Equal(t, []State{StateIdle, StateCheckingRemote, StateUpToDate}, res.Path)
	assert.True(t, res.OK())
	assert.False(t, res.Changed())
	assert.Nil(t, res.Err)
	assert.Equal(t, "abc", res.PreviousHash)
	assert.Equal(t, "abc", res.LatestHash)
	assert.Equal(t, 0, r.fetchCalls)
	assert.Equal(t, 0, calls.get())
	assert.Equal(t, before, testutil.Snapshot(t, fs, target))
	assert.Equal(t, times, testutil.ModTimes(t, fs, target))
}

// Scenario B
func TestSync_UpdateInstalled(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedTarget(t, fs)

	r := &fakeRemote{hash: "def", archive: bundleZip(t)}
	calls := &counter{}
	res := newTestEngine(t, fs, r, calls).Sync(context.Background(), channel)

	require.Nil(t, res.Err)
	assert.Equal(t, StateCommitted, res.State)
	assert.Equal(t, []State{
		StateIdle, StateCheckingRemote, StateDownloading,
		StateExtracting, StateReconciling, StateCommitted,
	}, res.Path)
	assert.True(t, res.Changed())
	assert.Equal(t, "abc", res.PreviousHash)
	assert.Equal(t, "def", res.LatestHash)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 1, calls.get())

	assert.Equal(t, []string{"bar.lang", "config.json", "en_US.lang", "en_US.lang.meta", "foo.lang"},
		testutil.Names(t, fs, target))
	assert.Equal(t, "def", installed(t, fs))
}

func TestSync_FreshTarget(t *testing.T) {
	fs := afero.NewMemMapFs()

	r := &fakeRemote{hash: "def", archive: bundleZip(t)}
	calls := &counter{}
	res := newTestEngine(t, fs, r, calls).Sync(context.Background(), channel)

	require.Nil(t, res.Err)
	assert.Equal(t, StateCommitted, res.State)
	assert.Empty(t, res.PreviousHash)
	assert.Equal(t, []string{"bar.lang", "config.json", "foo.lang"}, testutil.Names(t, fs, target))
	assert.Equal(t, "def", installed(t, fs))
	assert.Equal(t, 1, calls.get())
}

func TestSync_UnreadableMarkerTreatedAsAbsent(t *testing.T) {
	fs := afero.NewMemMapFs()
	testutil.WriteFiles(t, fs, target, map[string]string{"config.json": `{"version":`})

	r := &fakeRemote{hash: "def", archive: bundleZip(t)}
	res := newTestEngine(t, fs, r, &counter{}).Sync(context.Background(), channel)

	require.Nil(t, res.Err)
	assert.Equal(t, StateCommitted, res.State)
	assert.Equal(t, "def", installed(t, fs))
}

func TestSync_Idempotent(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedTarget(t, fs)

	r := &fakeRemote{hash: "def", archive: bundleZip(t)}
	calls := &counter{}
	e := newTestEngine(t, fs, r, calls)

	first := e.Sync(context.Background(), channel)
	require.Equal(t, StateCommitted, first.State)
	after := testutil.Snapshot(t, fs, target)
	times := testutil.ModTimes(t, fs, target)

	second := e.Sync(context.Background(), channel)
	assert.Equal(t, StateUpToDate, second.State)
	assert.Equal(t, 1, r.fetchCalls)
	assert.Equal(t, 1, calls.get())
	assert.Equal(t, after, testutil.Snapshot(t, fs, target))
	assert.Equal(t, times, testutil.ModTimes(t, fs, target))
}

func TestSync_PreservedFilesUntouched(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedTarget(t, fs)

	r := &fakeRemote{hash: "def", archive: bundleZip(t)}
	res := newTestEngine(t, fs, r, &counter{}).Sync(context.Background(), channel)
	require.Equal(t, StateCommitted, res.State)

	snap := testutil.Snapshot(t, fs, target)
	assert.Equal(t, "hello=Hello", snap["en_US.lang"])
	assert.Equal(t, "guid: local", snap["en_US.lang.meta"])
}

func TestSync_DryRun(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedTarget(t, fs)
	before := testutil.Snapshot(t, fs, target)

	r := &fakeRemote{hash: "def", archive: bundleZip(t)}
	calls := &counter{}
	e, err := NewEngine(fs, r, Options{
		TargetDir: target,
		Preserve:  preserved,
		DryRun:    true,
		OnCommit:  calls.inc,
	}, testLogger())
	require.NoError(t, err)

	res := e.Sync(context.Background(), channel)
	assert.Equal(t, StateUpdateAvailable, res.State)
	assert.True(t, res.OK())
	assert.Equal(t, 0, r.fetchCalls)
	assert.Equal(t, 0, calls.get())
	assert.Equal(t, before, testutil.Snapshot(t, fs, target))
}

func TestSync_EmptyChannel(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := &fakeRemote{hash: "def"}
	res := newTestEngine(t, fs, r, &counter{}).Sync(context.Background(), "")

	assert.Equal(t, StateFailed, res.State)
	require.NotNil(t, res.Err)
	assert.ErrorIs(t, res.Err, ErrInvalid)
	assert.Equal(t, 0, r.resolveCalls)
}

func TestSync_ResolveFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"network", &remote.NetworkError{URL: "u", StatusCode: http.StatusBadGateway, Err: errors.New("bad gateway")}, ErrNetwork},
		{"parse", &remote.ParseError{URL: "u", Err: errors.New("no sha")}, ErrParse},
		{"untyped", errors.New("boom"), ErrNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			seedTarget(t, fs)
			before := testutil.Snapshot(t, fs, target)

			r := &fakeRemote{hashErr: tt.err}
			calls := &counter{}
			res := newTestEngine(t, fs, r, calls).Sync(context.Background(), channel)

			assert.Equal(t, StateFailed, res.State)
			require.NotNil(t, res.Err)
			assert.ErrorIs(t, res.Err, tt.want)
			assert.ErrorIs(t, res.Failure(), tt.err)
			assert.Equal(t, StateCheckingRemote, res.Err.Stage)
			assert.Equal(t, channel, res.Err.Channel)
			assert.Equal(t, 0, r.fetchCalls)
			assert.Equal(t, 0, calls.get())
			assert.Equal(t, before, testutil.Snapshot(t, fs, target))
		})
	}
}

func TestSync_DownloadFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedTarget(t, fs)
	before := testutil.Snapshot(t, fs, target)

	r := &fakeRemote{hash: "def", fetchErr: &remote.NetworkError{URL: "u", StatusCode: http.StatusNotFound, Err: errors.New("not found")}}
	calls := &counter{}
	res := newTestEngine(t, fs, r, calls).Sync(context.Background(), channel)

	assert.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, ErrNetwork)
	assert.Equal(t, StateDownloading, res.Err.Stage)
	assert.Equal(t, 0, calls.get())
	assert.Equal(t, before, testutil.Snapshot(t, fs, target))
}

// Scenario C, against a real HTTP client
func TestSync_MetadataTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	client, err := remote.NewClient(remote.Options{
		MetadataURL: srv.URL + "/commits",
		ArchiveURL:  srv.URL + "/archive",
		Timeout:     50 * time.Millisecond,
	})
	require.NoError(t, err)

	dir := t.TempDir()
	fs := afero.NewOsFs()
	testutil.WriteFiles(t, fs, dir, map[string]string{"config.json": `{"version":"abc"}`})

	calls := &counter{}
	e, err := NewEngine(fs, client, Options{TargetDir: dir, OnCommit: calls.inc}, testLogger())
	require.NoError(t, err)

	res := e.Sync(context.Background(), channel)

	assert.Equal(t, StateFailed, res.State)
	require.NotNil(t, res.Err)
	assert.Equal(t, KindNetwork, res.Err.Kind)
	var netErr *remote.NetworkError
	assert.ErrorAs(t, res.Err, &netErr)
	assert.Equal(t, 0, calls.get())

	m, ok, err := version.Open(fs, dir, version.DefaultFileName).Read()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, version.Marker("abc"), m)
}

// Scenario D
func TestSync_CorruptedArchiveThenRetry(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedTarget(t, fs)

	good := testutil.BuildZip(t, root, map[string]string{
		"bar.lang": "bar",
		"foo.lang": strings.Repeat("foo bar baz ", 300),
	})
	corrupted := append([]byte(nil), good...)
	start := bytes.Index(corrupted, []byte("foo.lang")) + len("foo.lang") + 2
	for i := start; i < start+16; i++ {
		corrupted[i] ^= 0xff
	}

	r := &fakeRemote{hash: "def", archive: corrupted}
	calls := &counter{}
	e := newTestEngine(t, fs, r, calls)

	res := e.Sync(context.Background(), channel)
	assert.Equal(t, StateFailed, res.State)
	require.NotNil(t, res.Err)
	assert.ErrorIs(t, res.Err, ErrExtract)
	assert.Equal(t, StateExtracting, res.Err.Stage)
	assert.Equal(t, "abc", installed(t, fs))
	assert.Equal(t, 0, calls.get())

	r.mu.Lock()
	r.archive = good
	r.mu.Unlock()

	res = e.Sync(context.Background(), channel)
	require.Nil(t, res.Err)
	assert.Equal(t, StateCommitted, res.State)
	assert.Equal(t, "def", installed(t, fs))
	assert.Equal(t, 1, calls.get())
	assert.Equal(t, []string{"bar.lang", "config.json", "en_US.lang", "en_US.lang.meta", "foo.lang"},
		testutil.Names(t, fs, target))
}

func TestSync_ArchiveRootNamedLikeKeptFile(t *testing.T) {
	for _, name := range []string{"en_US.lang", "config.json"} {
		t.Run(name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			seedTarget(t, fs)
			before := testutil.Snapshot(t, fs, target)

			r := &fakeRemote{hash: "def", archive: testutil.BuildZip(t, name, map[string]string{"foo.lang": "foo"})}
			calls := &counter{}
			res := newTestEngine(t, fs, r, calls).Sync(context.Background(), channel)

			assert.Equal(t, StateFailed, res.State)
			require.NotNil(t, res.Err)
			assert.ErrorIs(t, res.Err, ErrExtract)
			assert.Equal(t, "abc", installed(t, fs))
			assert.Equal(t, before, testutil.Snapshot(t, fs, target))
			assert.Equal(t, 0, calls.get())
		})
	}
}

func TestSync_ExtractedSizeLimit(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedTarget(t, fs)

	e, err := NewEngine(fs, &fakeRemote{hash: "def", archive: bundleZip(t)}, Options{
		TargetDir:         target,
		Preserve:          preserved,
		MaxExtractedBytes: 4,
	}, testLogger())
	require.NoError(t, err)

	res := e.Sync(context.Background(), channel)
	assert.Equal(t, StateFailed, res.State)
	require.NotNil(t, res.Err)
	assert.ErrorIs(t, res.Err, ErrExtract)
	assert.Equal(t, "abc", installed(t, fs))
	assert.Contains(t, testutil.Names(t, fs, target), "old.lang")
}

func TestSync_StaleStagingFromOtherReleaseIsCleared(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedTarget(t, fs)
	testutil.WriteFiles(t, fs, target, map[string]string{
		"Localization-0.1/stale.lang": "interrupted",
	})

	r := &fakeRemote{hash: "def", archive: bundleZip(t)}
	res := newTestEngine(t, fs, r, &counter{}).Sync(context.Background(), channel)

	require.Nil(t, res.Err)
	assert.Equal(t, StateCommitted, res.State)
	assert.NotContains(t, testutil.Names(t, fs, target), "Localization-0.1")
	assert.NotContains(t, testutil.Names(t, fs, target), root)
}

// Scenario E
func TestSync_ExtraDirectoryWarning(t *testing.T) {
	base := afero.NewMemMapFs()
	seedTarget(t, base)
	testutil.WriteFiles(t, base, target, map[string]string{"mods/custom.lang": "keep"})

	fs := testutil.NewFaultyFs(base)
	fs.FailRemove = func(path string) bool { return path == filepath.Join(target, "mods") }

	r := &fakeRemote{hash: "def", archive: bundleZip(t)}
	calls := &counter{}
	res := newTestEngine(t, fs, r, calls).Sync(context.Background(), channel)

	require.Nil(t, res.Err)
	assert.Equal(t, StateCommitted, res.State)
	assert.Equal(t, 1, calls.get())

	var kinds []reconcile.WarningKind
	for _, w := range res.Warnings {
		kinds = append(kinds, w.Kind)
	}
	assert.Contains(t, kinds, reconcile.WarnExtraDirectory)
	assert.Equal(t, []string{"bar.lang", "config.json", "en_US.lang", "en_US.lang.meta", "foo.lang", "mods"},
		testutil.Names(t, fs, target))
	assert.Equal(t, "def", installed(t, fs))
}

func TestSync_ReconcileFailureKeepsMarker(t *testing.T) {
	base := afero.NewMemMapFs()
	seedTarget(t, base)

	fs := testutil.NewFaultyFs(base)
	fs.FailRename = func(oldpath, _ string) bool { return filepath.Base(oldpath) == "foo.lang" }

	r := &fakeRemote{hash: "def", archive: bundleZip(t)}
	calls := &counter{}
	res := newTestEngine(t, fs, r, calls).Sync(context.Background(), channel)

	assert.Equal(t, StateFailed, res.State)
	require.NotNil(t, res.Err)
	assert.ErrorIs(t, res.Err, ErrReconcile)
	assert.ErrorIs(t, res.Err, testutil.ErrInjected)
	assert.Equal(t, StateReconciling, res.Err.Stage)
	assert.Equal(t, "abc", installed(t, base))
	assert.Equal(t, 0, calls.get())
}

func TestSync_MarkerWriteFailure(t *testing.T) {
	base := afero.NewMemMapFs()
	seedTarget(t, base)

	fs := testutil.NewFaultyFs(base)
	fs.FailCreate = func(path string) bool {
		return strings.HasPrefix(filepath.Base(path), ".bundlesyncd-tmp-")
	}

	r := &fakeRemote{hash: "def", archive: bundleZip(t)}
	calls := &counter{}
	res := newTestEngine(t, fs, r, calls).Sync(context.Background(), channel)

	assert.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, ErrReconcile)
	assert.Equal(t, "abc", installed(t, base))
	assert.Equal(t, 0, calls.get())

	// the next run re-downloads and commits
	fs.FailCreate = nil
	res = newTestEngine(t, fs, r, calls).Sync(context.Background(), channel)
	assert.Equal(t, StateCommitted, res.State)
	assert.Equal(t, 2, r.fetchCalls)
	assert.Equal(t, 1, calls.get())
}

func TestSync_BundleMarkerDocumentIsMerged(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedTarget(t, fs)

	r := &fakeRemote{hash: "def", archive: testutil.BuildZip(t, root, map[string]string{
		"foo.lang":    "foo",
		"config.json": `{"defaultLanguage":"de_DE","version":"upstream"}`,
	})}
	res := newTestEngine(t, fs, r, &counter{}).Sync(context.Background(), channel)
	require.Equal(t, StateCommitted, res.State)

	data, err := afero.ReadFile(fs, filepath.Join(target, "config.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"defaultLanguage":"de_DE","version":"def"}`, string(data))
}

func TestSync_CancelledWhileResolving(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedTarget(t, fs)
	before := testutil.Snapshot(t, fs, target)

	r := &fakeRemote{
		hash:    "def",
		archive: bundleZip(t),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	calls := &counter{}
	e := newTestEngine(t, fs, r, calls)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Result, 1)
	go func() { done <- e.Sync(ctx, channel) }()

	<-r.entered
	cancel()

	var res *Result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sync did not return after cancellation")
	}

	assert.Equal(t, StateCancelled, res.State)
	assert.False(t, res.OK())
	assert.ErrorIs(t, res.Err, ErrCancelled)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, StateCheckingRemote, res.Err.Stage)
	assert.Equal(t, 0, calls.get())
	assert.Equal(t, before, testutil.Snapshot(t, fs, target))
}

func TestSync_CancelledBeforeStart(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedTarget(t, fs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &fakeRemote{hash: "def", archive: bundleZip(t)}
	res := newTestEngine(t, fs, r, &counter{}).Sync(ctx, channel)

	// either the lock wait or the canceled download stops the run
	assert.Equal(t, StateCancelled, res.State)
	assert.Equal(t, "abc", installed(t, fs))
}

func TestSync_SameTargetIsSerialized(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedTarget(t, fs)

	r := &fakeRemote{hash: "def", archive: bundleZip(t)}
	calls := &counter{}
	a := newTestEngine(t, fs, r, calls)
	b := newTestEngine(t, fs, r, calls)

	var wg stdsync.WaitGroup
	results := make([]*Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := a
			if i%2 == 1 {
				e = b
			}
			// distinct channels so the runs are not collapsed
			results[i] = e.Sync(context.Background(), fmt.Sprintf("0.%d", i))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&r.maxActive))
	committed := 0
	for _, res := range results {
		assert.True(t, res.OK(), "unexpected failure: %v", res.Failure())
		if res.State == StateCommitted {
			committed++
		}
	}
	assert.Equal(t, 1, committed)
	assert.Equal(t, 1, calls.get())
}

func TestSync_IdenticalRequestsCollapse(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedTarget(t, fs)

	r := &fakeRemote{
		hash:    "def",
		archive: bundleZip(t),
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	calls := &counter{}
	e := newTestEngine(t, fs, r, calls)

	first := make(chan *Result, 1)
	go func() { first <- e.Sync(context.Background(), channel) }()
	<-r.entered

	second := make(chan *Result, 1)
	go func() { second <- e.Sync(context.Background(), channel) }()
	time.Sleep(50 * time.Millisecond)
	close(r.release)

	a, b := <-first, <-second
	assert.Same(t, a, b)
	assert.Equal(t, StateCommitted, a.State)
	assert.Equal(t, 1, r.resolveCalls)
	assert.Equal(t, 1, r.fetchCalls)
	assert.Equal(t, 1, calls.get())
}

func TestStatus(t *testing.T) {
	fs := afero.NewMemMapFs()
	e := newTestEngine(t, fs, &fakeRemote{}, &counter{})

	st, err := e.Status()
	require.NoError(t, err)
	assert.True(t, st.Missing)

	seedTarget(t, fs)
	testutil.WriteFiles(t, fs, target, map[string]string{"de_DE.lang": "hallo", ".hidden": "x"})

	st, err = e.Status()
	require.NoError(t, err)
	assert.False(t, st.Missing)
	assert.Equal(t, "abc", st.Installed)
	assert.Equal(t, []string{"config.json", "de_DE.lang", "en_US.lang", "en_US.lang.meta", "old.lang"}, st.Files)
	assert.Equal(t, []string{"de_DE", "en_US", "old"}, st.Languages)
}
