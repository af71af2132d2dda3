package index

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/app-updater/internal/domain/release"
)

const (
	// DefaultManifestFilename is the name of the release manifest next to the packages.
	DefaultManifestFilename = "releases.yaml"

	// BranchStable is the default release branch.
	BranchStable = "stable"
	// BranchBeta carries pre-release builds.
	BranchBeta = "beta"
	// BranchNightly carries automated builds.
	BranchNightly = "nightly"

	// manifestPermissions is applied when the publisher writes the manifest.
	manifestPermissions = 0o644
)

var (
	// errUnknownBranch is returned for a branch name outside the supported set.
	errUnknownBranch = errors.New("unknown release branch")
	// ErrDuplicateVersion is returned when one version is listed twice in a branch.
	ErrDuplicateVersion = errors.New("duplicate release version")
	// errMissingPackage is returned for a release without a package URL.
	errMissingPackage = errors.New("release has no package url")
)

// Branches returns every supported branch name.
func Branches() []string {
	return []string{BranchStable, BranchBeta, BranchNightly}
}

// ValidateBranch checks that name is a supported branch.
func ValidateBranch(name string) error {
	if !slices.Contains(Branches(), name) {
		return fmt.Errorf("%w: %q", errUnknownBranch, name)
	}

	return nil
}

// Manifest is the published document listing releases per branch.
type Manifest struct {
	// Branches maps a branch name to its release list.
	Branches map[string]*Branch `yaml:"branches"`
}

// Branch is the release list of one branch.
type Branch struct {
	// Releases holds every published release, sorted ascending by version.
	Releases []*release.Descriptor `yaml:"releases"`
}

// ParseManifest decodes a manifest document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	if m.Branches == nil {
		m.Branches = make(map[string]*Branch)
	}

	return &m, nil
}

// LoadManifest reads a manifest from disk. A missing file yields an empty manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if errors.Is(err, os.ErrNotExist) {
		return &Manifest{Branches: make(map[string]*Branch)}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	return ParseManifest(data)
}

// Save writes the manifest to path.
func (m *Manifest) Save(path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	if err = os.WriteFile(filepath.Clean(path), data, manifestPermissions); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	return nil
}

// Upsert adds desc to branch, keeping the list sorted by version.
// An existing release with the same version is replaced only when force is set.
func (m *Manifest) Upsert(branch string, desc *release.Descriptor, force bool) error {
	if err := ValidateBranch(branch); err != nil {
		return err
	}

	v, err := desc.SemVer()
	if err != nil {
		return err
	}

	if m.Branches == nil {
		m.Branches = make(map[string]*Branch)
	}

	b, ok := m.Branches[branch]
	if !ok {
		b = new(Branch)
		m.Branches[branch] = b
	}

	for i, existing := range b.Releases {
		ev, parseErr := existing.SemVer()
		if parseErr != nil || !ev.Equal(v) {
			continue
		}

		if !force {
			return fmt.Errorf("%w: %s", ErrDuplicateVersion, desc.Version)
		}

		b.Releases[i] = desc

		return nil
	}

	b.Releases = append(b.Releases, desc)
	slices.SortStableFunc(b.Releases, compareDescriptors)

	return nil
}

// Contains reports whether branch already lists version.
func (m *Manifest) Contains(branch, version string) bool {
	v, err := release.ParseVersion(version)
	if err != nil || m.Branches[branch] == nil {
		return false
	}

	for _, existing := range m.Branches[branch].Releases {
		if ev, parseErr := existing.SemVer(); parseErr == nil && ev.Equal(v) {
			return true
		}
	}

	return false
}

// Snapshot returns the validated, immutable view of branch.
func (m *Manifest) Snapshot(branch string) (*Snapshot, error) {
	if err := ValidateBranch(branch); err != nil {
		return nil, err
	}

	b := m.Branches[branch]
	if b == nil {
		return NewSnapshot(branch, nil)
	}

	return NewSnapshot(branch, b.Releases)
}

// compareDescriptors orders descriptors by version; unparsable ones sort first.
func compareDescriptors(a, b *release.Descriptor) int {
	av, aErr := a.SemVer()
	bv, bErr := b.SemVer()

	switch {
	case aErr != nil && bErr != nil:
		return 0
	case aErr != nil:
		return -1
	case bErr != nil:
		return 1
	default:
		return av.Compare(bv)
	}
}
