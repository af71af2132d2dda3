// Package state persists the small key-value records the updater keeps between
// runs, most importantly the installed version.
//
// FileRepository stores the records as a protobuf JSON Struct on disk and
// SQLiteRepository keeps them in a single-table SQLite database. Both
// implement Store.
package state
