package release

import (
	"fmt"
	"slices"
)

// Changeset lists the paths that differ between two catalogs.
// The three lists are disjoint and sorted.
type Changeset struct {
	// Added holds paths present only in the target.
	Added []string
	// Modified holds paths present in both with different digests.
	Modified []string
	// Removed holds paths present only in the source.
	Removed []string
}

// Diff computes the changeset that turns source into target.
// A path whose digest is unchanged but whose size differs fails with ErrIntegrityMismatch.
func Diff(source, target *Catalog) (*Changeset, error) {
	cs := new(Changeset)

	for _, p := range target.Paths() {
		want, _ := target.Lookup(p)

		have, ok := source.Lookup(p)
		switch {
		case !ok:
			cs.Added = append(cs.Added, p)
		case have.Digest == want.Digest && have.Size != want.Size:
			return nil, fmt.Errorf("%w: %s has digest %s with sizes %d and %d",
				ErrIntegrityMismatch, p, want.Digest, have.Size, want.Size)
		case have.Digest != want.Digest:
			cs.Modified = append(cs.Modified, p)
		}
	}

	for _, p := range source.Paths() {
		if _, ok := target.Lookup(p); !ok {
			cs.Removed = append(cs.Removed, p)
		}
	}

	return cs, nil
}

// IsEmpty reports whether nothing changes.
func (c *Changeset) IsEmpty() bool {
	return c.Len() == 0
}

// Len returns the total number of changed paths.
func (c *Changeset) Len() int {
	if c == nil {
		return 0
	}

	return len(c.Added) + len(c.Modified) + len(c.Removed)
}

// Incoming returns Added and Modified paths, which need new content.
func (c *Changeset) Incoming() []string {
	if c == nil {
		return nil
	}

	return mergeSorted(c.Added, c.Modified)
}

// Touched returns Modified and Removed paths, whose live content is replaced or deleted.
func (c *Changeset) Touched() []string {
	if c == nil {
		return nil
	}

	return mergeSorted(c.Modified, c.Removed)
}

// ApplyTo returns the catalog obtained by applying the changeset to source,
// taking new entries from target.
func (c *Changeset) ApplyTo(source, target *Catalog) (*Catalog, error) {
	result := source.Entries()

	for _, p := range c.Removed {
		delete(result, p)
	}

	for _, p := range c.Incoming() {
		entry, ok := target.Lookup(p)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not in the target catalog", ErrNotFound, p)
		}

		result[p] = entry
	}

	return NewCatalog(result)
}

func mergeSorted(a, b []string) []string {
	merged := make([]string, 0, len(a)+len(b))
	merged = append(merged, a...)
	merged = append(merged, b...)
	slices.Sort(merged)

	return slices.Compact(merged)
}
