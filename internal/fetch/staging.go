package fetch

import (
	"os"
	"path/filepath"
	"slices"
)

// Staging holds the extracted content of one release before it goes live.
type Staging struct {
	// dir is the private working directory of this staging area.
	dir string
	// version is the release the content belongs to.
	version string
	// paths lists the staged relative paths.
	paths []string
	// verified is set once every path has been checked against the target catalog.
	verified bool
}

// Dir returns the staging root.
func (s *Staging) Dir() string {
	return s.dir
}

// Version returns the release version.
func (s *Staging) Version() string {
	return s.version
}

// Paths returns the staged relative paths.
func (s *Staging) Paths() []string {
	return slices.Clone(s.paths)
}

// Path returns the on-disk location of a staged relative path.
func (s *Staging) Path(rel string) string {
	return filepath.Join(s.dir, filesDir, filepath.FromSlash(rel))
}

// Verified reports whether Verify has accepted every staged file.
func (s *Staging) Verified() bool {
	return s.verified
}

// Remove deletes the staging directory.
func (s *Staging) Remove() error {
	if s == nil || s.dir == "" {
		return nil
	}

	return os.RemoveAll(s.dir)
}
