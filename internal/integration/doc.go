// Package integration holds end-to-end tests that publish releases with the
// packager and apply them with the updater over HTTP.
package integration
