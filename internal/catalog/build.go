package catalog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/oshokin/app-updater/internal/domain/release"
)

// options configures a scan.
type options struct {
	// exclude holds path.Match patterns tested against the relative path and the base name.
	exclude []string
	// parallelism bounds concurrent hashing.
	parallelism int
}

// Option configures Build and BuildSubset.
type Option func(*options)

// WithExclude skips files matching any of the patterns.
func WithExclude(patterns ...string) Option {
	return func(o *options) {
		o.exclude = append(o.exclude, patterns...)
	}
}

// WithParallelism bounds the number of files hashed at once.
func WithParallelism(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.parallelism = n
		}
	}
}

func newOptions(opts []Option) *options {
	o := &options{parallelism: runtime.NumCPU()}
	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Excluded reports whether rel matches any pattern, either as a whole or by base name.
func Excluded(rel string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}

		if ok, _ := path.Match(pattern, path.Base(rel)); ok {
			return true
		}
	}

	return false
}

// Build scans root and returns the catalog of every regular file below it.
func Build(ctx context.Context, root string, opts ...Option) (*release.Catalog, error) {
	o := newOptions(opts)

	var files []string

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}

		rel = filepath.ToSlash(rel)
		if Excluded(rel, o.exclude) {
			return nil
		}

		files = append(files, rel)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	return hashAll(ctx, root, files, o)
}

// BuildSubset hashes only the listed relative paths that exist as regular files under root.
func BuildSubset(ctx context.Context, root string, paths []string, opts ...Option) (*release.Catalog, error) {
	o := newOptions(opts)
	present := make([]string, 0, len(paths))

	for _, rel := range paths {
		info, err := os.Lstat(filepath.Join(root, filepath.FromSlash(rel)))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", rel, err)
		}

		if info.Mode().IsRegular() && !Excluded(rel, o.exclude) {
			present = append(present, rel)
		}
	}

	return hashAll(ctx, root, present, o)
}

func hashAll(ctx context.Context, root string, files []string, o *options) (*release.Catalog, error) {
	var (
		mu      sync.Mutex
		entries = make(map[string]release.Entry, len(files))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallelism)

	for _, rel := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			digest, size, err := release.SumFile(filepath.Join(root, filepath.FromSlash(rel)))
			if err != nil {
				return fmt.Errorf("hash %s: %w", rel, err)
			}

			mu.Lock()
			entries[rel] = release.Entry{Digest: digest, Size: size}
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return release.NewCatalog(entries)
}
