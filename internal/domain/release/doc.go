// Package release contains the core domain types of the update engine.
//
// It defines Catalog (relative path to content digest and size for one
// release), Descriptor (a published release), Changeset (the pure diff of two
// catalogs), the per-step Phase state machine and the error taxonomy shared by
// every stage of an update.
package release
