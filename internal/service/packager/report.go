package packager

import (
	"fmt"
	"strings"

	difflib "github.com/pmezard/go-difflib/difflib"

	"github.com/oshokin/app-updater/internal/domain/release"
)

// reportContext is the number of unchanged listing lines around each hunk.
const reportContext = 1

// Report describes how a release differs from the one before it.
type Report struct {
	// Previous is the version compared against; empty for the first release of a branch.
	Previous string
	// Changeset lists the paths updaters will change.
	Changeset *release.Changeset
	// Diff is a unified diff of the "path sha256 size" listings.
	Diff string
}

// buildReport compares next against previous, which may be nil.
func buildReport(previous, next *release.Descriptor) (*Report, error) {
	var (
		source   *release.Catalog
		fromName = "/dev/null"
	)

	report := new(Report)

	if previous != nil {
		source = previous.Catalog
		fromName = previous.Version
		report.Previous = previous.Version
	}

	cs, err := release.Diff(source, next.Catalog)
	if err != nil {
		return nil, err
	}

	report.Changeset = cs

	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        source.Listing(),
		B:        next.Catalog.Listing(),
		FromFile: fromName,
		ToFile:   next.Version,
		Context:  reportContext,
	})
	if err != nil {
		return nil, fmt.Errorf("render release diff: %w", err)
	}

	report.Diff = diff

	return report, nil
}

// String renders the report for the log.
func (r *Report) String() string {
	var builder strings.Builder

	if r.Previous == "" {
		builder.WriteString("First release of the branch")
	} else {
		builder.WriteString("Changes since ")
		builder.WriteString(r.Previous)
	}

	fmt.Fprintf(&builder, ": %d added, %d modified, %d removed",
		len(r.Changeset.Added), len(r.Changeset.Modified), len(r.Changeset.Removed))

	if r.Diff != "" {
		builder.WriteString("\n")
		builder.WriteString(r.Diff)
	}

	return builder.String()
}
