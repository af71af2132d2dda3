package updater

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/app-updater/internal/apply"
	"github.com/oshokin/app-updater/internal/domain/release"
	"github.com/oshokin/app-updater/internal/fetch"
	"github.com/oshokin/app-updater/internal/index"
	"github.com/oshokin/app-updater/internal/progress"
	"github.com/oshokin/app-updater/internal/repository/state"
	"github.com/oshokin/app-updater/internal/service/common"
	"github.com/oshokin/app-updater/internal/telemetry"
)

var (
	errStoreDown = errors.New("store is down")
	errDiskBusy  = errors.New("disk is busy")
)

// memoryStore is a minimal in-memory state.Store for tests.
type memoryStore struct {
	// mu guards values.
	mu sync.Mutex
	// values holds the records.
	values map[string]string
	// setErr is returned by Set when not nil.
	setErr error
}

func newMemoryStore(installed string) *memoryStore {
	s := &memoryStore{values: make(map[string]string)}
	if installed != "" {
		s.values[state.KeyInstalledVersion] = installed
	}

	return s
}

// Get returns the stored value or state.ErrNotFound.
func (s *memoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.values[key]
	if !ok {
		return "", state.ErrNotFound
	}

	return value, nil
}

// Set stores the value unless setErr is configured.
func (s *memoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.setErr != nil {
		return s.setErr
	}

	s.values[key] = value

	return nil
}

func (s *memoryStore) installed(t *testing.T) string {
	t.Helper()

	value, err := s.Get(context.Background(), state.KeyInstalledVersion)
	require.NoError(t, err)

	return value
}

// recorder collects progress and telemetry.
type recorder struct {
	mu       sync.Mutex
	progress []progress.Event
	events   []telemetry.Name
	onEvent  func(progress.Event)
}

func (r *recorder) Publish(e progress.Event) {
	r.mu.Lock()
	r.progress = append(r.progress, e)
	hook := r.onEvent
	r.mu.Unlock()

	if hook != nil {
		hook(e)
	}
}

func (r *recorder) Emit(_ context.Context, e telemetry.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e.Name)

	return nil
}

// failures returns the versions whose step ended in PhaseFailed.
func (r *recorder) failures() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string

	for _, e := range r.progress {
		if e.Phase == release.PhaseFailed {
			out = append(out, e.Version)
		}
	}

	return out
}

// testRelease is one published version.
type testRelease struct {
	version string
	files   map[string]string
}

// releaseServer publishes a manifest and packages; versions in broken answer 404.
type releaseServer struct {
	*httptest.Server

	mu       sync.Mutex
	broken   map[string]bool
	packages map[string][]byte
	manifest []byte
	hits     atomic.Int32
}

func zipOf(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())

	return buf.Bytes()
}

func catalogOf(t *testing.T, files map[string]string) *release.Catalog {
	t.Helper()

	entries := make(map[string]release.Entry, len(files))
	for name, content := range files {
		entries[name] = release.Entry{Digest: release.SumBytes([]byte(content)), Size: int64(len(content))}
	}

	c, err := release.NewCatalog(entries)
	require.NoError(t, err)

	return c
}

func publish(t *testing.T, releases ...testRelease) *releaseServer {
	t.Helper()

	rs := &releaseServer{
		broken:   make(map[string]bool),
		packages: make(map[string][]byte),
	}

	manifest := &index.Manifest{Branches: make(map[string]*index.Branch)}

	for _, r := range releases {
		archive := zipOf(t, r.files)
		rel := index.BranchStable + "/" + r.version + "/package.zip"
		rs.packages["/"+rel] = archive

		require.NoError(t, manifest.Upsert(index.BranchStable, &release.Descriptor{
			Version: r.version,
			Package: release.Package{URL: rel, Checksum: release.SumBytes(archive), Size: int64(len(archive))},
			Catalog: catalogOf(t, r.files),
		}, false))
	}

	data, err := yaml.Marshal(manifest)
	require.NoError(t, err)

	rs.manifest = data

	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.hits.Add(1)

		if r.URL.Path == "/"+index.DefaultManifestFilename {
			_, _ = w.Write(rs.manifest)
			return
		}

		rs.mu.Lock()
		archive, ok := rs.packages[r.URL.Path]
		broken := rs.broken[strings.Split(strings.TrimPrefix(r.URL.Path, "/"+index.BranchStable+"/"), "/")[0]]
		rs.mu.Unlock()

		if !ok || broken {
			http.NotFound(w, r)
			return
		}

		_, _ = w.Write(archive)
	}))
	t.Cleanup(rs.Close)

	return rs
}

func (rs *releaseServer) setBroken(version string, broken bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.broken[version] = broken
}

func (rs *releaseServer) manifestURL() string {
	return rs.URL + "/" + index.DefaultManifestFilename
}

var testPolicy = common.RetryPolicy{Attempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

// harness wires real collaborators around a temporary installation.
type harness struct {
	root   string
	work   string
	store  *memoryStore
	rec    *recorder
	engine *Engine
}

func newHarness(t *testing.T, rs *releaseServer, installed string, live map[string]string, opts ...apply.Option) *harness {
	t.Helper()

	h := &harness{
		root:  filepath.Join(t.TempDir(), "app"),
		work:  t.TempDir(),
		store: newMemoryStore(installed),
		rec:   &recorder{},
	}

	require.NoError(t, os.MkdirAll(h.root, 0o755))
	writeTree(t, h.root, live)

	h.engine = NewEngine(
		index.NewClient(rs.manifestURL(), index.BranchStable, index.WithRetryPolicy(testPolicy)),
		fetch.NewFetcher(filepath.Join(h.work, stagingDirname), fetch.WithRetryPolicy(testPolicy), fetch.WithParallelism(2)),
		apply.New(h.root, filepath.Join(h.work, backupDirname), opts...),
		h.store,
		WithProgress(h.rec),
		WithTelemetry(h.rec),
		WithActor(&release.Actor{Hostname: "WS-01", Username: "tester"}),
		WithParallelism(2),
	)

	return h
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()

	out := make(map[string]string)

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		require.NoError(t, err)

		if d.IsDir() {
			return nil
		}

		rel, relErr := filepath.Rel(root, p)
		require.NoError(t, relErr)

		data, readErr := os.ReadFile(p)
		require.NoError(t, readErr)

		out[filepath.ToSlash(rel)] = string(data)

		return nil
	})
	require.NoError(t, err)

	return out
}

// requireClean verifies no staging or backup area outlived the run.
func (h *harness) requireClean(t *testing.T) {
	t.Helper()

	_, err := os.Stat(filepath.Join(h.work, backupDirname))
	require.ErrorIs(t, err, fs.ErrNotExist)

	entries, err := os.ReadDir(filepath.Join(h.work, stagingDirname))
	if !errors.Is(err, fs.ErrNotExist) {
		require.NoError(t, err)
		require.Empty(t, entries)
	}
}

var testChain = []testRelease{
	{version: "1.0.0", files: map[string]string{"app.exe": "app-1", "data.dll": "data-1", "old.txt": "old"}},
	{version: "1.0.1", files: map[string]string{"app.exe": "app-1", "data.dll": "data-2", "readme.txt": "readme"}},
	{version: "1.0.2", files: map[string]string{"app.exe": "app-2", "data.dll": "data-2", "readme.txt": "readme"}},
	{version: "1.0.3", files: map[string]string{"app.exe": "app-2", "data.dll": "data-3", "lib/x.dll": "x"}},
}

// TestEngine_ChainResumability fails 1.0.2 of a 1.0.0 → 1.0.3 chain and resumes it.
func TestEngine_ChainResumability(t *testing.T) {
	t.Parallel()

	rs := publish(t, testChain...)
	rs.setBroken("1.0.2", true)

	h := newHarness(t, rs, "1.0.0", testChain[0].files)

	result, err := h.engine.Update(context.Background(), "1.0.3")
	require.ErrorIs(t, err, release.ErrFetchFailed)
	require.Equal(t, release.ClassFetch, release.ClassOf(err))
	require.Equal(t, []string{"1.0.1"}, result.Applied)
	require.Equal(t, []string{"1.0.2", "1.0.3"}, result.Pending)
	require.Equal(t, "1.0.1", h.store.installed(t))
	require.Equal(t, testChain[1].files, readTree(t, h.root))
	require.Equal(t, []string{"1.0.2"}, h.rec.failures())
	h.requireClean(t)

	snapshot, err := index.NewClient(rs.manifestURL(), index.BranchStable).Fetch(context.Background())
	require.NoError(t, err)

	pending, err := snapshot.Resolve(h.store.installed(t), "1.0.3")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "1.0.2", pending[0].Version)
	require.Equal(t, "1.0.3", pending[1].Version)

	rs.setBroken("1.0.2", false)

	result, err = h.engine.Update(context.Background(), "1.0.3")
	require.NoError(t, err)
	require.Equal(t, []string{"1.0.2", "1.0.3"}, result.Applied)
	require.Empty(t, result.Pending)
	require.Equal(t, "1.0.3", h.store.installed(t))
	require.Equal(t, testChain[3].files, readTree(t, h.root))
	h.requireClean(t)

	_, err = os.Stat(filepath.Join(h.root, "old.txt"))
	require.ErrorIs(t, err, fs.ErrNotExist)

	require.Equal(t, []telemetry.Name{
		telemetry.NameUpdate,
		telemetry.NameUpdate,
		telemetry.NameUpdate,
		telemetry.NameActivate,
	}, h.rec.events)
}

// TestEngine_FreshInstall verifies an empty installation receives the latest release in one step.
func TestEngine_FreshInstall(t *testing.T) {
	t.Parallel()

	rs := publish(t, testChain...)
	h := newHarness(t, rs, "", nil)

	result, err := h.engine.Update(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, []string{"1.0.3"}, result.Applied)
	require.Equal(t, testChain[3].files, readTree(t, h.root))
	require.Equal(t, "1.0.3", h.store.installed(t))
	require.Equal(t, []telemetry.Name{telemetry.NameInstall, telemetry.NameActivate}, h.rec.events)
	h.requireClean(t)
}

// TestEngine_UpToDate verifies nothing is downloaded when the installed version is the target.
func TestEngine_UpToDate(t *testing.T) {
	t.Parallel()

	rs := publish(t, testChain...)
	h := newHarness(t, rs, "1.0.3", testChain[3].files)

	result, err := h.engine.Update(context.Background(), "")
	require.NoError(t, err)
	require.Empty(t, result.Applied)
	require.EqualValues(t, 1, rs.hits.Load())
	require.Empty(t, h.rec.events)
}

// TestEngine_UnknownTarget verifies a version missing from the index fails resolution.
func TestEngine_UnknownTarget(t *testing.T) {
	t.Parallel()

	rs := publish(t, testChain...)
	h := newHarness(t, rs, "1.0.0", testChain[0].files)

	_, err := h.engine.Update(context.Background(), "9.9.9")
	require.ErrorIs(t, err, release.ErrNotFound)
	require.Equal(t, release.ClassResolution, release.ClassOf(err))
	require.Equal(t, testChain[0].files, readTree(t, h.root))
}

// TestEngine_CancelBetweenSteps verifies cancellation stops the chain after the running step commits.
func TestEngine_CancelBetweenSteps(t *testing.T) {
	t.Parallel()

	rs := publish(t, testChain...)
	h := newHarness(t, rs, "1.0.0", testChain[0].files)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.rec.onEvent = func(e progress.Event) {
		// Cancel while the first step is applying; the apply must still complete.
		if e.Index == 1 && e.Phase == release.PhaseApplying {
			cancel()
		}
	}

	result, err := h.engine.Update(ctx, "1.0.3")
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []string{"1.0.1"}, result.Applied)
	require.Equal(t, "1.0.1", h.store.installed(t))
	require.Equal(t, testChain[1].files, readTree(t, h.root))
	h.requireClean(t)
}

// TestEngine_StoreFailureRollsBack verifies a release is undone when its version cannot be recorded.
func TestEngine_StoreFailureRollsBack(t *testing.T) {
	t.Parallel()

	rs := publish(t, testChain...)
	h := newHarness(t, rs, "1.0.0", testChain[0].files)
	h.store.setErr = errStoreDown

	result, err := h.engine.Update(context.Background(), "1.0.1")
	require.ErrorIs(t, err, errStoreDown)
	require.Empty(t, result.Applied)
	require.Equal(t, testChain[0].files, readTree(t, h.root))
	require.Equal(t, []string{"1.0.1"}, h.rec.failures())
	h.requireClean(t)
}

// TestEngine_FinalizeFailureMidChain verifies a backup area left by a committed step
// is finalized before the next step starts.
func TestEngine_FinalizeFailureMidChain(t *testing.T) {
	t.Parallel()

	rs := publish(t, testChain...)

	var calls atomic.Int32

	h := newHarness(t, rs, "1.0.0", testChain[0].files, apply.WithRemoveAllFunc(func(path string) error {
		if calls.Add(1) == 1 {
			return errDiskBusy
		}

		return os.RemoveAll(path)
	}))

	result, err := h.engine.Update(context.Background(), "1.0.2")
	require.NoError(t, err)
	require.Equal(t, []string{"1.0.1", "1.0.2"}, result.Applied)
	require.Equal(t, "1.0.2", h.store.installed(t))
	require.Equal(t, testChain[2].files, readTree(t, h.root))
	require.Empty(t, h.rec.failures())
	require.EqualValues(t, 3, calls.Load())
	h.requireClean(t)
}

// TestEngine_Repair verifies drifted catalog files are restored and other files are left alone.
func TestEngine_Repair(t *testing.T) {
	t.Parallel()

	rs := publish(t, testChain...)

	live := map[string]string{
		"app.exe":       "app-1",
		"data.dll":      "corrupted",
		"user/notes.md": "mine",
	}

	h := newHarness(t, rs, "1.0.1", live)

	result, err := h.engine.Repair(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"1.0.1"}, result.Applied)
	require.Equal(t, "1.0.1", h.store.installed(t))

	want := map[string]string{"user/notes.md": "mine"}
	for rel, content := range testChain[1].files {
		want[rel] = content
	}

	require.Equal(t, want, readTree(t, h.root))
	h.requireClean(t)

	// A second pass finds nothing to do.
	result, err = h.engine.Repair(context.Background())
	require.NoError(t, err)
	require.Empty(t, result.Applied)
}

// TestEngine_RepairWithoutInstallation verifies repair needs a recorded version.
func TestEngine_RepairWithoutInstallation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, publish(t, testChain...), "", nil)

	_, err := h.engine.Repair(context.Background())
	require.ErrorIs(t, err, errNothingInstalled)
}

// TestEngine_Status verifies the report lists the pending releases without changing anything.
func TestEngine_Status(t *testing.T) {
	t.Parallel()

	rs := publish(t, testChain...)
	h := newHarness(t, rs, "1.0.1", testChain[1].files)

	report, err := h.engine.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, &StatusReport{
		Branch:    index.BranchStable,
		Installed: "1.0.1",
		Latest:    "1.0.3",
		Pending:   []string{"1.0.2", "1.0.3"},
	}, report)
	require.Equal(t, testChain[1].files, readTree(t, h.root))
}

// TestEngine_Deactivate verifies the deactivate event carries the installed version.
func TestEngine_Deactivate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, publish(t, testChain...), "1.0.2", nil)

	require.NoError(t, h.engine.Deactivate(context.Background()))
	require.Equal(t, []telemetry.Name{telemetry.NameDeactivate}, h.rec.events)
}
