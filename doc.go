// Package silopipe implements the incremental build pipeline that keeps a
// SILO genomic index up to date.
//
// The pipeline fetches newly submitted sample records from a LAPIS-style
// API, externally sorts them under a bounded memory budget, merges the
// sorted chunks into a single globally ordered stream, and hands that
// stream to the external index compiler. A new index version only becomes
// the served one after it has been fully and correctly built; any failure
// rolls back to the previous version.
//
// # Packages
//
//   - fetcher: windowed, paginated retrieval of sample records into shard files
//   - sorter: chunked external sorting of shard files
//   - merger: bounded fan-in k-way merge of sorted chunks
//   - checkpoint: committed/pending timestamp state and change detection
//   - build: the build-and-commit state machine, retention and rollback
//   - archive: optional upload of committed versions to object storage
//
// The root package holds the error taxonomy shared by all components and
// the single exit-code mapping used by the command-line tools.
package silopipe
