package index

import (
	"fmt"
	"slices"

	"github.com/Masterminds/semver/v3"

	"github.com/oshokin/app-updater/internal/domain/release"
)

// Snapshot is the immutable, version-ordered release list of one branch.
type Snapshot struct {
	// branch is the branch name the snapshot was taken from.
	branch string
	// releases is sorted ascending by version.
	releases []*release.Descriptor
	// versions holds the parsed version of each release, index-aligned with releases.
	versions []*semver.Version
}

// NewSnapshot validates releases and orders them by version.
// Every release needs a semantic version, a package URL and a catalog; versions must be unique.
func NewSnapshot(branch string, releases []*release.Descriptor) (*Snapshot, error) {
	type parsed struct {
		desc    *release.Descriptor
		version *semver.Version
	}

	items := make([]parsed, 0, len(releases))

	for _, desc := range releases {
		if desc == nil {
			continue
		}

		v, err := desc.SemVer()
		if err != nil {
			return nil, err
		}

		if desc.Package.URL == "" {
			return nil, fmt.Errorf("%s: %w", desc.Version, errMissingPackage)
		}

		if desc.Catalog == nil {
			desc.Catalog, _ = release.NewCatalog(nil)
		}

		items = append(items, parsed{desc: desc, version: v})
	}

	slices.SortFunc(items, func(a, b parsed) int {
		return a.version.Compare(b.version)
	})

	s := &Snapshot{
		branch:   branch,
		releases: make([]*release.Descriptor, 0, len(items)),
		versions: make([]*semver.Version, 0, len(items)),
	}

	for i, item := range items {
		if i > 0 && item.version.Equal(items[i-1].version) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateVersion, item.desc.Version)
		}

		s.releases = append(s.releases, item.desc)
		s.versions = append(s.versions, item.version)
	}

	return s, nil
}

// Branch returns the branch name.
func (s *Snapshot) Branch() string {
	return s.branch
}

// Releases returns every release in ascending version order.
func (s *Snapshot) Releases() []*release.Descriptor {
	return slices.Clone(s.releases)
}

// Latest returns the newest release, or nil for an empty branch.
func (s *Snapshot) Latest() *release.Descriptor {
	if len(s.releases) == 0 {
		return nil
	}

	return s.releases[len(s.releases)-1]
}

// Lookup returns the release with the given version.
func (s *Snapshot) Lookup(version string) (*release.Descriptor, error) {
	v, err := release.ParseVersion(version)
	if err != nil {
		return nil, err
	}

	for i, candidate := range s.versions {
		if candidate.Equal(v) {
			return s.releases[i], nil
		}
	}

	return nil, fmt.Errorf("%w: %s on branch %s", release.ErrNotFound, version, s.branch)
}

// Resolve returns every release strictly newer than from and up to and including to,
// in ascending order. An empty from means nothing is installed; an empty to means the
// latest release. A to that is not in the snapshot fails with release.ErrNotFound.
// When from is not older than to the chain is empty.
func (s *Snapshot) Resolve(from, to string) ([]*release.Descriptor, error) {
	var lower *semver.Version

	if from != "" {
		v, err := release.ParseVersion(from)
		if err != nil {
			return nil, err
		}

		lower = v
	}

	target := s.Latest()
	if to != "" {
		desc, err := s.Lookup(to)
		if err != nil {
			return nil, err
		}

		target = desc
	}

	if target == nil {
		return nil, fmt.Errorf("%w: branch %s has no releases", release.ErrNotFound, s.branch)
	}

	upper, err := target.SemVer()
	if err != nil {
		return nil, err
	}

	var chain []*release.Descriptor

	for i, v := range s.versions {
		if lower != nil && !v.GreaterThan(lower) {
			continue
		}

		if v.GreaterThan(upper) {
			break
		}

		chain = append(chain, s.releases[i])
	}

	return chain, nil
}
