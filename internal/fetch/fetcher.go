package fetch

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oshokin/app-updater/internal/domain/release"
	"github.com/oshokin/app-updater/internal/logger"
	"github.com/oshokin/app-updater/internal/service/common"
)

const (
	// archiveFilename is the downloaded package inside a staging directory.
	archiveFilename = "package.zip"
	// filesDir holds the extracted files inside a staging directory.
	filesDir = "files"

	// dirPermissions is applied to directories created while staging.
	dirPermissions = 0o755
	// defaultFileMode is used for entries that carry no permission bits.
	defaultFileMode = 0o644
)

var (
	// errChecksumMismatch is returned when the downloaded archive does not match its published checksum.
	errChecksumMismatch = errors.New("package checksum mismatch")
	// errSizeMismatch is returned when the downloaded archive does not match its published size.
	errSizeMismatch = errors.New("package size mismatch")
)

// Fetcher downloads packages into staging areas.
type Fetcher struct {
	// dir is where staging directories are created.
	dir string
	// httpClient performs the downloads.
	httpClient *http.Client
	// retry bounds the download attempts.
	retry common.RetryPolicy
	// parallelism bounds concurrent extraction and hashing.
	parallelism int
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		if client != nil {
			f.httpClient = client
		}
	}
}

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(policy common.RetryPolicy) Option {
	return func(f *Fetcher) {
		f.retry = policy
	}
}

// WithParallelism bounds concurrent file work.
func WithParallelism(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.parallelism = n
		}
	}
}

// NewFetcher creates a Fetcher that stages releases below dir.
func NewFetcher(dir string, opts ...Option) *Fetcher {
	f := &Fetcher{
		dir:         dir,
		httpClient:  common.NewHTTPClient(),
		retry:       common.DefaultRetryPolicy(),
		parallelism: runtime.NumCPU(),
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Fetch downloads the package of desc and extracts the added and modified paths of cs.
// Nothing is downloaded when cs brings no new content. The returned Staging is not
// verified yet; the caller owns it and must Remove it.
func (f *Fetcher) Fetch(ctx context.Context, desc *release.Descriptor, cs *release.Changeset) (*Staging, error) {
	if err := os.MkdirAll(f.dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("%w: create staging root: %w", release.ErrFetchFailed, err)
	}

	dir, err := os.MkdirTemp(f.dir, "release-"+desc.Version+"-")
	if err != nil {
		return nil, fmt.Errorf("%w: create staging directory: %w", release.ErrFetchFailed, err)
	}

	staging := &Staging{
		dir:     dir,
		version: desc.Version,
		paths:   cs.Incoming(),
	}

	if err = os.MkdirAll(filepath.Join(dir, filesDir), dirPermissions); err != nil {
		_ = staging.Remove()
		return nil, fmt.Errorf("%w: create staging directory: %w", release.ErrFetchFailed, err)
	}

	if len(staging.paths) == 0 {
		logger.InfoKV(ctx, "Nothing to download", "version", desc.Version)
		return staging, nil
	}

	archivePath := filepath.Join(dir, archiveFilename)

	if err = f.download(ctx, desc.Package, archivePath); err != nil {
		_ = staging.Remove()
		return nil, err
	}

	if err = f.extract(ctx, archivePath, staging, desc.Catalog); err != nil {
		_ = staging.Remove()
		return nil, err
	}

	// The archive is no longer needed once its entries are extracted.
	_ = os.Remove(archivePath)

	logger.InfoKV(ctx, "Staged release files", "version", desc.Version, "files", len(staging.paths))

	return staging, nil
}

// Verify re-hashes every staged file and compares it with target.
// Only a complete, matching staging area is marked verified.
func (f *Fetcher) Verify(ctx context.Context, staging *Staging, target *release.Catalog) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.parallelism)

	for _, rel := range staging.paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			want, ok := target.Lookup(rel)
			if !ok {
				return fmt.Errorf("%w: %s is not in the target catalog", release.ErrVerificationFailed, rel)
			}

			digest, size, err := release.SumFile(staging.Path(rel))
			if err != nil {
				return fmt.Errorf("%w: %s: %w", release.ErrVerificationFailed, rel, err)
			}

			if digest != want.Digest || size != want.Size {
				return fmt.Errorf("%w: %s has digest %s and size %d, want %s and %d",
					release.ErrVerificationFailed, rel, digest, size, want.Digest, want.Size)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	staging.verified = true

	return nil
}

// download stores the package at dst, retrying transport failures and checksum mismatches.
// The attempt timeout becomes a stall timeout, so a slow but steady transfer completes.
func (f *Fetcher) download(ctx context.Context, pkg release.Package, dst string) error {
	policy := f.retry
	stall := policy.AttemptTimeout
	policy.AttemptTimeout = 0

	err := common.Retry(ctx, policy, func(ctx context.Context) error {
		return f.downloadOnce(ctx, pkg, dst, stall)
	})
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	return fmt.Errorf("%w: download %s: %w", release.ErrFetchFailed, pkg.URL, err)
}

func (f *Fetcher) downloadOnce(ctx context.Context, pkg release.Package, dst string, stall time.Duration) error {
	response, err := common.GetStream(ctx, f.httpClient, pkg.URL, stall)
	if err != nil {
		return err
	}

	defer func() {
		_ = response.Body.Close()
	}()

	out, err := os.Create(filepath.Clean(dst))
	if err != nil {
		return common.Permanent(fmt.Errorf("create archive file: %w", err))
	}

	hasher := sha256.New()

	written, err := io.Copy(io.MultiWriter(out, hasher), response.Body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		return fmt.Errorf("write archive: %w", err)
	}

	if pkg.Size > 0 && written != pkg.Size {
		return fmt.Errorf("%w: got %d bytes, want %d", errSizeMismatch, written, pkg.Size)
	}

	if !pkg.Checksum.IsZero() {
		var got release.Digest
		copy(got[:], hasher.Sum(nil))

		if got != pkg.Checksum {
			return fmt.Errorf("%w: got %s, want %s", errChecksumMismatch, got, pkg.Checksum)
		}
	}

	return nil
}

// extract writes the staged paths out of the archive.
// Any entry with an unsafe name makes the whole archive malformed.
func (f *Fetcher) extract(ctx context.Context, archivePath string, staging *Staging, target *release.Catalog) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		if reader != nil {
			_ = reader.Close()
		}

		return fmt.Errorf("%w: open archive: %w", release.ErrArchiveMalformed, err)
	}

	defer func() {
		_ = reader.Close()
	}()

	entries := make(map[string]*zip.File, len(reader.File))

	for _, file := range reader.File {
		name, nameErr := release.NormalizePath(file.Name)
		if nameErr != nil {
			return fmt.Errorf("%w: entry %q: %w", release.ErrArchiveMalformed, file.Name, nameErr)
		}

		if file.FileInfo().IsDir() {
			continue
		}

		entries[name] = file
	}

	for _, rel := range staging.paths {
		if _, ok := entries[rel]; !ok {
			return fmt.Errorf("%w: %s is missing from the archive", release.ErrArchiveMalformed, rel)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.parallelism)

	for _, rel := range staging.paths {
		file := entries[rel]
		want, _ := target.Lookup(rel)

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			return extractFile(file, staging.Path(rel), want.Size)
		})
	}

	return g.Wait()
}

// extractFile copies one entry to dst, reading at most limit+1 bytes so an
// oversized entry is caught by verification instead of filling the disk.
func extractFile(file *zip.File, dst string, limit int64) error {
	if err := os.MkdirAll(filepath.Dir(dst), dirPermissions); err != nil {
		return fmt.Errorf("%w: create directory for %s: %w", release.ErrFetchFailed, file.Name, err)
	}

	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("%w: open entry %s: %w", release.ErrArchiveMalformed, file.Name, err)
	}

	defer func() {
		_ = src.Close()
	}()

	mode := file.Mode().Perm()
	if mode == 0 {
		mode = defaultFileMode
	}

	out, err := os.OpenFile(filepath.Clean(dst), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode|0o200)
	if err != nil {
		return fmt.Errorf("%w: create %s: %w", release.ErrFetchFailed, file.Name, err)
	}

	_, err = io.Copy(out, io.LimitReader(src, limit+1))
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		if errors.Is(err, zip.ErrChecksum) || errors.Is(err, zip.ErrFormat) {
			return fmt.Errorf("%w: read entry %s: %w", release.ErrArchiveMalformed, file.Name, err)
		}

		return fmt.Errorf("%w: extract %s: %w", release.ErrFetchFailed, file.Name, err)
	}

	return nil
}
