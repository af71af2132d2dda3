package release

import (
	"fmt"
	"maps"
	"path"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry describes one file of a release.
type Entry struct {
	// Digest is the SHA-256 of the file content.
	Digest Digest `yaml:"sha256"`
	// Size is the file length in bytes.
	Size int64 `yaml:"size"`
}

// Catalog maps normalized relative paths to file entries.
// A Catalog is immutable once built; a nil *Catalog behaves as an empty one.
type Catalog struct {
	// entries holds the files keyed by normalized path.
	entries map[string]Entry
}

// NormalizePath converts p to the canonical catalog form: forward slashes,
// no "." segments, relative to the installation root.
// Empty paths, absolute paths, drive-qualified paths and ".." segments are rejected.
func NormalizePath(p string) (string, error) {
	s := strings.ReplaceAll(p, "\\", "/")

	switch {
	case strings.TrimSpace(s) == "":
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	case strings.HasPrefix(s, "/"):
		return "", fmt.Errorf("%w: %q is absolute", ErrInvalidPath, p)
	case len(s) >= 2 && s[1] == ':':
		return "", fmt.Errorf("%w: %q has a drive letter", ErrInvalidPath, p)
	}

	for segment := range strings.SplitSeq(s, "/") {
		if segment == ".." {
			return "", fmt.Errorf("%w: %q escapes the root", ErrInvalidPath, p)
		}
	}

	s = path.Clean(s)
	if s == "." {
		return "", fmt.Errorf("%w: %q names the root", ErrInvalidPath, p)
	}

	return s, nil
}

// NewCatalog validates and normalizes entries into a Catalog.
// Two keys that normalize to the same path are rejected, as are paths that
// differ only in letter case, since case-insensitive hosts map them to one file.
func NewCatalog(entries map[string]Entry) (*Catalog, error) {
	normalized := make(map[string]Entry, len(entries))
	folded := make(map[string]string, len(entries))

	for p, entry := range entries {
		clean, err := NormalizePath(p)
		if err != nil {
			return nil, err
		}

		if _, dup := normalized[clean]; dup {
			return nil, fmt.Errorf("%w: %q is listed twice", ErrInvalidPath, clean)
		}

		key := strings.ToLower(clean)
		if other, clash := folded[key]; clash {
			return nil, fmt.Errorf("%w: %q and %q differ only in case", ErrInvalidPath, other, clean)
		}

		folded[key] = clean

		if entry.Size < 0 {
			return nil, fmt.Errorf("%w: %q has a negative size", ErrInvalidPath, clean)
		}

		normalized[clean] = entry
	}

	return &Catalog{entries: normalized}, nil
}

// Lookup returns the entry for p.
func (c *Catalog) Lookup(p string) (Entry, bool) {
	if c == nil {
		return Entry{}, false
	}

	entry, ok := c.entries[p]

	return entry, ok
}

// Len returns the number of files.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}

	return len(c.entries)
}

// Paths returns every path in lexical order.
func (c *Catalog) Paths() []string {
	if c == nil {
		return nil
	}

	return slices.Sorted(maps.Keys(c.entries))
}

// Entries returns a copy of the underlying mapping.
func (c *Catalog) Entries() map[string]Entry {
	if c == nil {
		return map[string]Entry{}
	}

	return maps.Clone(c.entries)
}

// Equal reports whether both catalogs hold the same paths with the same entries.
func (c *Catalog) Equal(other *Catalog) bool {
	if c.Len() != other.Len() {
		return false
	}

	for p, entry := range c.Entries() {
		if got, ok := other.Lookup(p); !ok || got != entry {
			return false
		}
	}

	return true
}

// Restrict returns a catalog holding only the given paths that c contains.
func (c *Catalog) Restrict(paths []string) *Catalog {
	subset := make(map[string]Entry, len(paths))

	for _, p := range paths {
		if entry, ok := c.Lookup(p); ok {
			subset[p] = entry
		}
	}

	return &Catalog{entries: subset}
}

// Listing renders one "path sha256 size" line per file, in path order.
func (c *Catalog) Listing() []string {
	paths := c.Paths()
	lines := make([]string, 0, len(paths))

	for _, p := range paths {
		entry := c.entries[p]
		lines = append(lines, fmt.Sprintf("%s %s %d\n", p, entry.Digest, entry.Size))
	}

	return lines
}

// MarshalYAML encodes the catalog as a path-keyed mapping.
func (c *Catalog) MarshalYAML() (any, error) {
	return c.Entries(), nil
}

// UnmarshalYAML decodes and validates a path-keyed mapping.
func (c *Catalog) UnmarshalYAML(node *yaml.Node) error {
	var raw map[string]Entry
	if err := node.Decode(&raw); err != nil {
		return err
	}

	parsed, err := NewCatalog(raw)
	if err != nil {
		return err
	}

	*c = *parsed

	return nil
}
