package tidestore

import (
	"fmt"
	"iter"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/tidestore-db/tidestore/internal/encoding"
)

// ReadFunc is a range-scan visitor, invoked once per frame in ascending
// timestamp order. Returning a non-nil error aborts the scan; returning
// ErrStopRead aborts it cleanly.
type ReadFunc func(payload []byte, flags uint8, timestamp int64, blockSeq int64) error

// ContiguousSegment describes a gap-free span of a stream: a maximal run of
// segments whose block sequence numbers follow each other with no block
// missing in between.
type ContiguousSegment struct {
	SegmentID int64
	StartTS   int64
	EndTS     int64
}

// Reader replays a store's streams. Readers open the store read-only and
// observe only committed catalog state; any number may run concurrently
// with one appending Writer.
type Reader struct {
	path   string
	file   *os.File
	cat    *catalog
	header encoding.FileHeader
	enc    *Encryptor

	mu     sync.RWMutex
	closed bool
}

// ReaderOption configures a Reader.
type ReaderOption func(*readerOptions)

type readerOptions struct {
	encryption *EncryptionConfig
}

// WithReaderEncryption supplies the key material needed to decrypt a store
// written with payload encryption.
func WithReaderEncryption(cfg EncryptionConfig) ReaderOption {
	return func(o *readerOptions) {
		o.encryption = &cfg
	}
}

// NewReader opens a store for reading.
func NewReader(path string, opts ...ReaderOption) (*Reader, error) {
	var options readerOptions
	for _, opt := range opts {
		opt(&options)
	}

	file, header, err := openDataFile(path, false)
	if err != nil {
		return nil, err
	}
	cat, err := openCatalog(path, true)
	if err != nil {
		file.Close()
		return nil, err
	}

	r := &Reader{path: path, file: file, cat: cat, header: header}

	if options.encryption != nil && options.encryption.Enabled {
		salt, err := cat.getMeta(metaEncryptionSalt)
		if err != nil {
			r.Close()
			return nil, err
		}
		if salt == nil && len(options.encryption.Key) == 0 {
			r.Close()
			return nil, fmt.Errorf("%w: store has no encryption salt", ErrInvalidArgument)
		}
		enc, err := newEncryptor(*options.encryption, salt)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		r.enc = enc
	}

	return r, nil
}

// Close releases the reader's file and catalog handles.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.file.Close()
	if cerr := r.cat.Close(); err == nil {
		err = cerr
	}
	return err
}

func (r *Reader) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}

// frameAt extracts and validates the frame an index entry points to. A
// frame whose header does not match the block's UUID, or whose geometry
// falls outside the block, is reported as corruption.
func frameAt(block []byte, entry encoding.IndexEntry, want [16]byte, blockSize uint32, path string) ([]byte, byte, error) {
	if entry.Offset < encoding.BlockHeaderSize || entry.Offset > blockSize-encoding.FrameHeaderSize {
		return nil, 0, newStorageError(StorageErrorTypeCorruption, "frame offset out of range", path, nil)
	}
	fh := encoding.DecodeFrameHeader(block[entry.Offset:])
	if fh.UUID != want {
		return nil, 0, newStorageError(StorageErrorTypeCorruption, "frame does not match block generation", path, nil)
	}
	if fh.Size > blockSize-entry.Offset-encoding.FrameHeaderSize {
		return nil, 0, newStorageError(StorageErrorTypeCorruption, "frame size out of range", path, nil)
	}
	start := entry.Offset + encoding.FrameHeaderSize
	return block[start : start+fh.Size], fh.Flags, nil
}

// Read replays the stream's frames with timestamps in [start, end] in
// ascending timestamp order, calling fn once per frame. An unknown stream
// tag fails with ErrInvalidArgument before any frame is emitted; a frame
// that fails validation stops the scan with ErrStorageCorruption.
func (r *Reader) Read(tag string, start, end int64, fn ReadFunc) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("%w: nil read callback", ErrInvalidArgument)
	}
	if start > end {
		return fmt.Errorf("%w: start %d after end %d", ErrInvalidArgument, start, end)
	}
	row, err := r.cat.streamByTag(tag)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("%w: unknown stream %q", ErrInvalidArgument, tag)
	}

	blocks, err := r.cat.blocksInRange(tag, start, end)
	if err != nil {
		return err
	}

	needSearch := true
	for _, sb := range blocks {
		blockUUID, err := uuid.Parse(sb.uuid)
		if err != nil {
			return newStorageError(StorageErrorTypeCorruption, "bad block uuid in catalog", r.path, err)
		}
		block, err := readBlock(r.file, sb.blockIdx, r.header.BlockSize)
		if err != nil {
			return err
		}
		count := clampFrameCount(encoding.DecodeBlockHeader(block).FrameCount, r.header.BlockSize)

		first := 0
		if needSearch {
			first = sort.Search(count, func(i int) bool {
				return encoding.IndexEntryAt(block, i).Timestamp >= start
			})
			needSearch = false
		}

		for i := first; i < count; i++ {
			entry := encoding.IndexEntryAt(block, i)
			if entry.Timestamp > end {
				return nil
			}
			payload, flags, err := frameAt(block, entry, [16]byte(blockUUID), r.header.BlockSize, r.path)
			if err != nil {
				return err
			}
			if r.enc != nil {
				payload, err = r.enc.Decrypt(payload)
				if err != nil {
					return newStorageError(StorageErrorTypeCorruption, "decrypt frame", r.path, err)
				}
			}
			if err := fn(payload, flags, entry.Timestamp, sb.seq); err != nil {
				if err == ErrStopRead {
					return nil
				}
				return err
			}
		}
	}
	return nil
}

// QueryContiguousSegments returns the maximal gap-free runs of the stream's
// segments overlapping [start, end], ascending by start timestamp. Two
// adjacent blocks belong to the same run iff their sequence numbers are
// consecutive; a reclaimed block in between splits the run.
//
// Run boundaries are block-granular: StartTS and EndTS report the extent of
// the data actually stored, so a run overlapping the queried range may
// start before start or end after end.
func (r *Reader) QueryContiguousSegments(tag string, start, end int64) ([]ContiguousSegment, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	if start > end {
		return nil, fmt.Errorf("%w: start %d after end %d", ErrInvalidArgument, start, end)
	}
	row, err := r.cat.streamByTag(tag)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%w: unknown stream %q", ErrInvalidArgument, tag)
	}

	blocks, err := r.cat.blocksInRange(tag, start, end)
	if err != nil {
		return nil, err
	}

	var runs []ContiguousSegment
	var prevSeq int64
	for i, sb := range blocks {
		endTS, err := r.effectiveEndTS(sb)
		if err != nil {
			return nil, err
		}
		if i == 0 || sb.seq != prevSeq+1 {
			runs = append(runs, ContiguousSegment{
				SegmentID: sb.segmentID,
				StartTS:   sb.startTS,
				EndTS:     endTS,
			})
		} else {
			runs[len(runs)-1].EndTS = endTS
		}
		prevSeq = sb.seq
	}
	return runs, nil
}

// effectiveEndTS resolves a block's end timestamp. Open blocks have no
// catalog end timestamp yet, so their newest index entry is consulted.
func (r *Reader) effectiveEndTS(sb *segmentBlockRow) (int64, error) {
	if sb.endTS.Valid {
		return sb.endTS.Int64, nil
	}
	block, err := readBlock(r.file, sb.blockIdx, r.header.BlockSize)
	if err != nil {
		return 0, err
	}
	count := clampFrameCount(encoding.DecodeBlockHeader(block).FrameCount, r.header.BlockSize)
	if count == 0 {
		return sb.startTS, nil
	}
	return encoding.IndexEntryAt(block, count-1).Timestamp, nil
}

// StreamTags enumerates, in registration order, every stream tag with data
// overlapping [start, end]. The sequence is lazy and finite, and may be
// ranged over again to restart the enumeration from scratch.
func (r *Reader) StreamTags(start, end int64) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := r.checkOpen(); err != nil {
			yield("", err)
			return
		}
		rows, err := r.cat.streamTagRows(start, end)
		if err != nil {
			yield("", err)
			return
		}
		defer rows.Close()
		for rows.Next() {
			var tag string
			if err := rows.Scan(&tag); err != nil {
				yield("", fmt.Errorf("scan stream tag: %w", err))
				return
			}
			if !yield(tag, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield("", err)
		}
	}
}
