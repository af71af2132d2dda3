// Package catalog builds release catalogs by scanning a directory tree.
//
// Every regular file is hashed with SHA-256 over its content only; symlinks,
// directories and excluded patterns are skipped. Hashing runs with bounded
// parallelism.
package catalog
