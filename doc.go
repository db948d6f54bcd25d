// Package tidestore is an embedded, append-only time-series storage engine
// backed by a single pre-allocated block file and a SQLite catalog.
//
// A store is created once with AllocateFile, which sizes the data file into
// a pool of fixed-size blocks and builds the catalog beside it. A Writer
// appends timestamped frames to named streams; frames for one stream are
// grouped into segments, each a run of blocks with strictly increasing
// per-stream sequence numbers. Readers and Iterators open the same store
// read-only and replay frames by time range, detect allocation gaps, and
// seek by timestamp.
//
// Metadata (block allocation, segments, stream registry) lives in the
// catalog and is updated in short transactions so a crash cannot corrupt the
// free/used accounting. Frame bytes are written directly into pre-allocated
// blocks outside any transaction, so the hot write path pays no
// transactional overhead per frame.
package tidestore
