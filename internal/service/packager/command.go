package packager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/oshokin/app-updater/internal/catalog"
	"github.com/oshokin/app-updater/internal/config"
	"github.com/oshokin/app-updater/internal/domain/release"
	"github.com/oshokin/app-updater/internal/index"
	"github.com/oshokin/app-updater/internal/logger"
)

const (
	// packageFilename is the archive name inside a release directory.
	packageFilename = "package.zip"

	// dirPermissions is applied to output directories.
	dirPermissions = 0o755
	// filePermissions is applied to packages.
	filePermissions = 0o644
)

var (
	// errEmptyRelease is returned when the source directory holds no files.
	errEmptyRelease = errors.New("source directory has no files to publish")
	// errOutputInsideSource is returned when the output directory would be packaged too.
	errOutputInsideSource = errors.New("output directory must not be inside the source directory")
	// errNotDirectory is returned when the source path is not a directory.
	errNotDirectory = errors.New("source is not a directory")
)

// Options contains inputs for the packager entry point.
type Options struct {
	// SourceDir is the built release tree.
	SourceDir string
	// Version is the semantic version of the release.
	Version string
	// OutputDir receives releases.yaml and the packages.
	OutputDir string
	// Branch is the release branch to publish to.
	Branch string
	// Exclude lists path patterns left out of the release.
	Exclude []string
	// Force replaces an already published version.
	Force bool
	// ConfigPath, when set together with ManifestURL, receives client settings.
	ConfigPath string
	// ManifestURL is where clients will find the uploaded releases.yaml.
	ManifestURL string
}

// Result describes a published release.
type Result struct {
	// Descriptor is the manifest entry of the release.
	Descriptor *release.Descriptor
	// PackagePath is the written archive.
	PackagePath string
	// ManifestPath is the updated manifest.
	ManifestPath string
	// Report compares the release with the previous one.
	Report *Report
}

// Run executes the packaging workflow.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "app-packager")

	result, err := Publish(ctx, opts)
	if err != nil {
		return fmt.Errorf("packager failed: %w", err)
	}

	logger.Info(ctx, result.Report.String())

	if opts.ConfigPath != "" && opts.ManifestURL != "" {
		if err = saveClientSettings(opts); err != nil {
			return err
		}

		logger.InfoKV(ctx, "Saved client settings", "path", opts.ConfigPath)
	}

	printNextSteps(ctx, opts, result)

	logger.Info(ctx, "Packager completed successfully")

	return nil
}

// Publish packages SourceDir as Version and records it in the manifest of OutputDir.
func Publish(ctx context.Context, opts *Options) (*Result, error) {
	branch := opts.Branch
	if branch == "" {
		branch = index.BranchStable
	}

	if err := index.ValidateBranch(branch); err != nil {
		return nil, err
	}

	if _, err := release.ParseVersion(opts.Version); err != nil {
		return nil, err
	}

	source, output, err := resolveDirs(opts.SourceDir, opts.OutputDir)
	if err != nil {
		return nil, err
	}

	manifestPath := filepath.Join(output, index.DefaultManifestFilename)

	manifest, err := index.LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	if manifest.Contains(branch, opts.Version) && !opts.Force {
		return nil, fmt.Errorf("%w: %s on branch %s", index.ErrDuplicateVersion, opts.Version, branch)
	}

	previous, err := previousRelease(manifest, branch, opts.Version)
	if err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Scanning release tree", "source", source)

	files, err := catalog.Build(ctx, source, catalog.WithExclude(opts.Exclude...))
	if err != nil {
		return nil, err
	}

	if files.Len() == 0 {
		return nil, errEmptyRelease
	}

	packageURL := path.Join(branch, opts.Version, packageFilename)
	packagePath := filepath.Join(output, filepath.FromSlash(packageURL))

	logger.InfoKV(ctx, "Writing package", "path", packagePath, "files", files.Len())

	if err = writeArchive(ctx, source, files, packagePath); err != nil {
		return nil, err
	}

	checksum, size, err := release.SumFile(packagePath)
	if err != nil {
		return nil, fmt.Errorf("hash package: %w", err)
	}

	desc := &release.Descriptor{
		Version: opts.Version,
		Package: release.Package{
			URL:      packageURL,
			Checksum: checksum,
			Size:     size,
		},
		Catalog: files,
	}

	report, err := buildReport(previous, desc)
	if err != nil {
		return nil, err
	}

	if err = manifest.Upsert(branch, desc, opts.Force); err != nil {
		return nil, err
	}

	if err = manifest.Save(manifestPath); err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Release published",
		"version", desc.Version, "branch", branch, "checksum", checksum, "size", size)

	return &Result{
		Descriptor:   desc,
		PackagePath:  packagePath,
		ManifestPath: manifestPath,
		Report:       report,
	}, nil
}

// resolveDirs returns absolute source and output directories, creating the output.
func resolveDirs(sourceDir, outputDir string) (string, string, error) {
	source, err := filepath.Abs(sourceDir)
	if err != nil {
		return "", "", fmt.Errorf("resolve source directory: %w", err)
	}

	info, err := os.Stat(source)
	if err != nil {
		return "", "", fmt.Errorf("stat source directory: %w", err)
	}

	if !info.IsDir() {
		return "", "", fmt.Errorf("%w: %s", errNotDirectory, source)
	}

	output, err := filepath.Abs(outputDir)
	if err != nil {
		return "", "", fmt.Errorf("resolve output directory: %w", err)
	}

	if rel, relErr := filepath.Rel(source, output); relErr == nil && rel != ".." &&
		!strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", errOutputInsideSource
	}

	if err = os.MkdirAll(output, dirPermissions); err != nil {
		return "", "", fmt.Errorf("create output directory: %w", err)
	}

	return source, output, nil
}

// previousRelease returns the newest release of branch older than version, or nil.
func previousRelease(manifest *index.Manifest, branch, version string) (*release.Descriptor, error) {
	snapshot, err := manifest.Snapshot(branch)
	if err != nil {
		return nil, err
	}

	v, err := release.ParseVersion(version)
	if err != nil {
		return nil, err
	}

	var previous *release.Descriptor

	for _, desc := range snapshot.Releases() {
		dv, parseErr := desc.SemVer()
		if parseErr != nil || !dv.LessThan(v) {
			break
		}

		previous = desc
	}

	return previous, nil
}

// saveClientSettings writes the settings file shipped with the application.
func saveClientSettings(opts *Options) error {
	branch := opts.Branch
	if branch == "" {
		branch = index.BranchStable
	}

	cfg := &config.Config{
		ManifestURL: opts.ManifestURL,
		Branch:      branch,
	}

	if err := config.SaveShared(opts.ConfigPath, cfg); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}

	return nil
}

// printNextSteps logs human-readable guidance for next actions with the created files.
func printNextSteps(ctx context.Context, opts *Options, result *Result) {
	var builder strings.Builder

	builder.WriteString("Upload the contents of ")
	builder.WriteString(filepath.Dir(result.ManifestPath))
	builder.WriteString(" to the update location, keeping the layout:\n")
	builder.WriteString(index.DefaultManifestFilename)
	builder.WriteString(",\n")
	builder.WriteString(result.Descriptor.Package.URL)

	if opts.ManifestURL != "" {
		builder.WriteString("\n\nClients read the manifest from ")
		builder.WriteString(opts.ManifestURL)
	}

	builder.WriteString("\nOn client machines, run: app-updater")

	if opts.ConfigPath != "" {
		builder.WriteString(" --config ")
		builder.WriteString(opts.ConfigPath)
	}

	logger.Info(ctx, builder.String())
}
