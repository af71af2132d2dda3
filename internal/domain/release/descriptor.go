package release

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Package is the downloadable archive of a release.
type Package struct {
	// URL is the archive location, absolute or relative to the manifest.
	URL string `yaml:"url"`
	// Checksum is the SHA-256 of the whole archive, when published.
	Checksum Digest `yaml:"checksum,omitempty"`
	// Size is the archive length in bytes, when published.
	Size int64 `yaml:"size,omitempty"`
}

// Descriptor is one published release.
type Descriptor struct {
	// Version is the semantic version of the release.
	Version string `yaml:"version"`
	// Package locates the release archive.
	Package Package `yaml:"package"`
	// Catalog lists every file of the release.
	Catalog *Catalog `yaml:"files"`
}

// SemVer parses the descriptor version.
func (d *Descriptor) SemVer() (*semver.Version, error) {
	return ParseVersion(d.Version)
}

// ParseVersion parses a semantic version and tags failures with ErrInvalidVersion.
func ParseVersion(s string) (*semver.Version, error) {
	v, err := semver.NewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidVersion, s, err)
	}

	return v, nil
}

// Phase is the state of one release step.
type Phase int

const (
	// PhasePending means the step has not started.
	PhasePending Phase = iota
	// PhaseFetching means the package is being downloaded and extracted.
	PhaseFetching
	// PhaseVerifying means staged content is being checked against the catalog.
	PhaseVerifying
	// PhaseApplying means the live tree is being changed.
	PhaseApplying
	// PhaseCommitted means the release is live and recorded as installed.
	PhaseCommitted
	// PhaseFailed means the step stopped with an error.
	PhaseFailed
)

// String returns a short lowercase name of the phase.
func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseFetching:
		return "fetching"
	case PhaseVerifying:
		return "verifying"
	case PhaseApplying:
		return "applying"
	case PhaseCommitted:
		return "committed"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Terminal reports whether no further transition follows.
func (p Phase) Terminal() bool {
	return p == PhaseCommitted || p == PhaseFailed
}
