package index

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/app-updater/internal/domain/release"
	"github.com/oshokin/app-updater/internal/service/common"
)

func descriptor(t *testing.T, version string) *release.Descriptor {
	t.Helper()

	c, err := release.NewCatalog(map[string]release.Entry{
		"app.exe": {Digest: release.SumBytes([]byte(version)), Size: int64(len(version))},
	})
	require.NoError(t, err)

	return &release.Descriptor{
		Version: version,
		Package: release.Package{URL: "stable/" + version + "/package.zip"},
		Catalog: c,
	}
}

func versions(chain []*release.Descriptor) []string {
	out := make([]string, 0, len(chain))
	for _, d := range chain {
		out = append(out, d.Version)
	}

	return out
}

func testPolicy() common.RetryPolicy {
	return common.RetryPolicy{Attempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

// TestSnapshot_Resolve covers bounds, ordering and missing targets.
func TestSnapshot_Resolve(t *testing.T) {
	t.Parallel()

	s, err := NewSnapshot(BranchStable, []*release.Descriptor{
		descriptor(t, "1.0.3"),
		descriptor(t, "1.0.0"),
		descriptor(t, "1.0.10"),
		descriptor(t, "1.0.1"),
		descriptor(t, "1.0.2"),
	})
	require.NoError(t, err)

	chain, err := s.Resolve("1.0.0", "1.0.3")
	require.NoError(t, err)
	require.Equal(t, []string{"1.0.1", "1.0.2", "1.0.3"}, versions(chain))

	chain, err = s.Resolve("1.0.1", "1.0.3")
	require.NoError(t, err)
	require.Equal(t, []string{"1.0.2", "1.0.3"}, versions(chain))

	chain, err = s.Resolve("1.0.2", "")
	require.NoError(t, err)
	require.Equal(t, []string{"1.0.3", "1.0.10"}, versions(chain))

	chain, err = s.Resolve("", "1.0.1")
	require.NoError(t, err)
	require.Equal(t, []string{"1.0.0", "1.0.1"}, versions(chain))

	chain, err = s.Resolve("1.0.10", "")
	require.NoError(t, err)
	require.Empty(t, chain)

	_, err = s.Resolve("1.0.0", "2.0.0")
	require.ErrorIs(t, err, release.ErrNotFound)

	_, err = s.Resolve("not-a-version", "")
	require.ErrorIs(t, err, release.ErrInvalidVersion)

	require.Equal(t, "1.0.10", s.Latest().Version)
}

// TestNewSnapshot_RejectsDuplicates verifies versions are unique within a branch.
func TestNewSnapshot_RejectsDuplicates(t *testing.T) {
	t.Parallel()

	_, err := NewSnapshot(BranchStable, []*release.Descriptor{descriptor(t, "1.0.0"), descriptor(t, "v1.0.0")})
	require.ErrorIs(t, err, ErrDuplicateVersion)
}

// TestManifest_Upsert verifies ordering and the force flag.
func TestManifest_Upsert(t *testing.T) {
	t.Parallel()

	m := new(Manifest)
	require.NoError(t, m.Upsert(BranchBeta, descriptor(t, "2.0.0"), false))
	require.NoError(t, m.Upsert(BranchBeta, descriptor(t, "1.5.0"), false))
	require.ErrorIs(t, m.Upsert(BranchBeta, descriptor(t, "2.0.0"), false), ErrDuplicateVersion)
	require.NoError(t, m.Upsert(BranchBeta, descriptor(t, "2.0.0"), true))
	require.ErrorIs(t, m.Upsert("weekly", descriptor(t, "2.0.0"), false), errUnknownBranch)

	require.Equal(t, []string{"1.5.0", "2.0.0"}, versions(m.Branches[BranchBeta].Releases))

	path := filepath.Join(t.TempDir(), DefaultManifestFilename)
	require.NoError(t, m.Save(path))

	loaded, err := LoadManifest(path)
	require.NoError(t, err)

	s, err := loaded.Snapshot(BranchBeta)
	require.NoError(t, err)
	require.Equal(t, "2.0.0", s.Latest().Version)
}

// TestClient_Fetch serves a manifest over HTTP and checks URL resolution.
func TestClient_Fetch(t *testing.T) {
	t.Parallel()

	m := new(Manifest)
	require.NoError(t, m.Upsert(BranchStable, descriptor(t, "1.0.0"), false))
	require.NoError(t, m.Upsert(BranchStable, descriptor(t, "1.0.1"), false))

	body, err := yaml.Marshal(m)
	require.NoError(t, err)

	var hits atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/updates/"+DefaultManifestFilename, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write(body)
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	client := NewClient(ts.URL+"/updates/"+DefaultManifestFilename, BranchStable, WithRetryPolicy(testPolicy()))

	s, err := client.Fetch(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, hits.Load())
	require.Equal(t, ts.URL+"/updates/stable/1.0.1/package.zip", s.Latest().Package.URL)

	// The snapshot answers later questions without the network.
	ts.Close()

	chain, err := s.Resolve("1.0.0", "")
	require.NoError(t, err)
	require.Equal(t, []string{"1.0.1"}, versions(chain))
}

// TestClient_Fetch_Unreachable covers transport, status and parse failures.
func TestClient_Fetch_Unreachable(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/garbage.yaml", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("branches: [this is not a map"))
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	for _, u := range []string{ts.URL + "/missing.yaml", ts.URL + "/garbage.yaml", "http://127.0.0.1:1/releases.yaml"} {
		_, err := NewClient(u, BranchStable, WithRetryPolicy(testPolicy())).Fetch(context.Background())
		require.ErrorIs(t, err, release.ErrUnreachable, u)
		require.Equal(t, release.ClassResolution, release.ClassOf(err))
	}
}
