// Package leafdb is an embedded, single-writer/multi-reader key-value
// storage engine. It persists a forest of ordered key-value maps inside a
// single memory-mapped file, using a copy-on-write B+tree for each map and
// a dual meta-page protocol for crash-safe commits.
//
// A single Environment owns the memory-mapped file. Read transactions see
// a stable snapshot of the database for their entire lifetime (MVCC via
// copy-on-write); exactly one write transaction may be open at a time.
// Values that do not fit inline are spilled into overflow page runs, and
// maps opened with DUP_SORT support multiple sorted values per key via a
// single-value/nested-subtree encoding that interconverts transparently.
package leafdb
