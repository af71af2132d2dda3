// Package packager publishes a release built in a local directory.
//
// It scans the directory into a catalog, writes a reproducible zip package,
// records the release in the branch manifest (releases.yaml) and logs a report
// of what changed since the previous release. The output directory is then
// uploaded as is to the location the updater reads its manifest from.
package packager
