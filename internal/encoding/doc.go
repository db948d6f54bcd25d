// Package encoding defines the on-disk format of tidestore data files and
// the helpers used to serialize it.
//
// A data file is a 64 KiB header block followed by a fixed number of
// equal-size block slots. Each block holds a small header, an index of
// (timestamp, offset) entries growing forward, and frames packed backward
// from the end of the block. The package also provides the length-prefixed
// primitives used by the stream export format.
package encoding
