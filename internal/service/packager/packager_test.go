package packager

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/app-updater/internal/config"
	"github.com/oshokin/app-updater/internal/domain/release"
	"github.com/oshokin/app-updater/internal/index"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func publish(t *testing.T, source, output, version string, mutate ...func(*Options)) (*Result, error) {
	t.Helper()

	opts := &Options{SourceDir: source, Version: version, OutputDir: output}
	for _, m := range mutate {
		m(opts)
	}

	return Publish(context.Background(), opts)
}

// TestPublish_Deterministic verifies the same tree always yields the same package bytes.
func TestPublish_Deterministic(t *testing.T) {
	t.Parallel()

	source := t.TempDir()
	writeTree(t, source, map[string]string{
		"app.exe":          "binary",
		"lib/data.dll":     "library",
		"lib/nested/a.txt": "alpha",
	})

	first, err := publish(t, source, t.TempDir(), "1.0.0")
	require.NoError(t, err)

	// Touch the files so modification times differ between runs.
	later := FixedZipTime.AddDate(30, 0, 0)
	require.NoError(t, os.Chtimes(filepath.Join(source, "app.exe"), later, later))

	second, err := publish(t, source, t.TempDir(), "1.0.0")
	require.NoError(t, err)

	require.Equal(t, first.Descriptor.Package.Checksum, second.Descriptor.Package.Checksum)
	require.Equal(t, first.Descriptor.Package.Size, second.Descriptor.Package.Size)
	require.Equal(t, "stable/1.0.0/package.zip", first.Descriptor.Package.URL)

	sum, size, err := release.SumFile(first.PackagePath)
	require.NoError(t, err)
	require.Equal(t, first.Descriptor.Package.Checksum, sum)
	require.Equal(t, first.Descriptor.Package.Size, size)

	zr, err := zip.OpenReader(first.PackagePath)
	require.NoError(t, err)

	defer func() {
		_ = zr.Close()
	}()

	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
		require.True(t, f.Modified.Equal(FixedZipTime), f.Name)
	}

	require.Equal(t, []string{"app.exe", "lib/data.dll", "lib/nested/a.txt"}, names)
}

// TestPublish_Manifest verifies releases accumulate per branch and duplicates need force.
func TestPublish_Manifest(t *testing.T) {
	t.Parallel()

	source := t.TempDir()
	output := t.TempDir()

	writeTree(t, source, map[string]string{"app.exe": "v1"})

	_, err := publish(t, source, output, "1.0.0")
	require.NoError(t, err)

	writeTree(t, source, map[string]string{"app.exe": "v2"})

	result, err := publish(t, source, output, "1.1.0")
	require.NoError(t, err)
	require.Equal(t, "1.0.0", result.Report.Previous)
	require.Equal(t, []string{"app.exe"}, result.Report.Changeset.Modified)

	_, err = publish(t, source, output, "1.1.0")
	require.ErrorIs(t, err, index.ErrDuplicateVersion)

	writeTree(t, source, map[string]string{"app.exe": "v2-fixed"})

	forced, err := publish(t, source, output, "1.1.0", func(o *Options) { o.Force = true })
	require.NoError(t, err)

	manifest, err := index.LoadManifest(filepath.Join(output, index.DefaultManifestFilename))
	require.NoError(t, err)

	snapshot, err := manifest.Snapshot(index.BranchStable)
	require.NoError(t, err)
	require.Len(t, snapshot.Releases(), 2)

	latest := snapshot.Latest()
	require.Equal(t, "1.1.0", latest.Version)
	require.Equal(t, forced.Descriptor.Package.Checksum, latest.Package.Checksum)

	entry, ok := latest.Catalog.Lookup("app.exe")
	require.True(t, ok)
	require.Equal(t, release.SumBytes([]byte("v2-fixed")), entry.Digest)

	// Another branch starts its own history.
	beta, err := publish(t, source, output, "2.0.0-rc.1", func(o *Options) { o.Branch = index.BranchBeta })
	require.NoError(t, err)
	require.Empty(t, beta.Report.Previous)
	require.Equal(t, "beta/2.0.0-rc.1/package.zip", beta.Descriptor.Package.URL)
}

// TestPublish_Exclude verifies excluded paths stay out of the catalog and the package.
func TestPublish_Exclude(t *testing.T) {
	t.Parallel()

	source := t.TempDir()
	writeTree(t, source, map[string]string{
		"app.exe":       "binary",
		"logs/run.log":  "noise",
		"cache/tmp.bin": "noise",
	})

	result, err := publish(t, source, t.TempDir(), "1.0.0", func(o *Options) {
		o.Exclude = []string{"*.log", "cache/*"}
	})
	require.NoError(t, err)
	require.Equal(t, []string{"app.exe"}, result.Descriptor.Catalog.Paths())

	zr, err := zip.OpenReader(result.PackagePath)
	require.NoError(t, err)

	defer func() {
		_ = zr.Close()
	}()

	require.Len(t, zr.File, 1)
}

// TestPublish_Rejects covers invalid inputs.
func TestPublish_Rejects(t *testing.T) {
	t.Parallel()

	source := t.TempDir()
	writeTree(t, source, map[string]string{"app.exe": "binary"})

	_, err := publish(t, source, t.TempDir(), "not-a-version")
	require.ErrorIs(t, err, release.ErrInvalidVersion)

	_, err = publish(t, source, t.TempDir(), "1.0.0", func(o *Options) { o.Branch = "canary" })
	require.Error(t, err)

	_, err = publish(t, source, filepath.Join(source, "out"), "1.0.0")
	require.ErrorIs(t, err, errOutputInsideSource)

	_, err = publish(t, t.TempDir(), t.TempDir(), "1.0.0")
	require.ErrorIs(t, err, errEmptyRelease)

	_, err = publish(t, filepath.Join(source, "app.exe"), t.TempDir(), "1.0.0")
	require.ErrorIs(t, err, errNotDirectory)
}

// TestReport verifies the report lists changes and renders a listing diff.
func TestReport(t *testing.T) {
	t.Parallel()

	source := t.TempDir()
	output := t.TempDir()

	writeTree(t, source, map[string]string{"app.exe": "h1", "data.dll": "h2"})

	first, err := publish(t, source, output, "1.0.0")
	require.NoError(t, err)
	require.Equal(t, []string{"app.exe", "data.dll"}, first.Report.Changeset.Added)
	require.Contains(t, first.Report.String(), "First release of the branch: 2 added")

	writeTree(t, source, map[string]string{"data.dll": "h3", "readme.txt": "h4"})

	second, err := publish(t, source, output, "1.1.0")
	require.NoError(t, err)

	cs := second.Report.Changeset
	require.Equal(t, []string{"readme.txt"}, cs.Added)
	require.Equal(t, []string{"data.dll"}, cs.Modified)
	require.Empty(t, cs.Removed)

	diff := second.Report.Diff
	require.Contains(t, diff, "--- 1.0.0")
	require.Contains(t, diff, "+++ 1.1.0")
	require.Contains(t, diff, "-data.dll "+release.SumBytes([]byte("h2")).String())
	require.Contains(t, diff, "+data.dll "+release.SumBytes([]byte("h3")).String())
	require.Contains(t, diff, "+readme.txt ")
	require.NotContains(t, diff, "-app.exe")
	require.Contains(t, second.Report.String(), "Changes since 1.0.0: 1 added, 1 modified, 0 removed")
}

// TestRun_SavesClientSettings verifies Run writes settings clients can load.
func TestRun_SavesClientSettings(t *testing.T) {
	t.Parallel()

	source := t.TempDir()
	writeTree(t, source, map[string]string{"app.exe": "binary"})

	settings := filepath.Join(t.TempDir(), "settings.yaml")

	err := Run(context.Background(), &Options{
		SourceDir:   source,
		Version:     "1.0.0",
		OutputDir:   t.TempDir(),
		Branch:      index.BranchBeta,
		ConfigPath:  settings,
		ManifestURL: "https://updates.local/releases.yaml",
	})
	require.NoError(t, err)

	cfg, err := config.Load(settings)
	require.NoError(t, err)
	require.Equal(t, "https://updates.local/releases.yaml", cfg.ManifestURL)
	require.Equal(t, index.BranchBeta, cfg.Branch)
}
