package tidestore

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/tidestore-db/tidestore/internal/encoding"
)

// FrameInfo is a single frame observed through an Iterator or a range scan.
type FrameInfo struct {
	Data      []byte
	Timestamp int64
	Flags     uint8
}

// Iterator walks a single stream frame by frame in both directions. It
// caches one block image at a time and re-consults the catalog only at
// block boundaries, so steps within a block touch no database state.
//
// An iterator is a point-in-time cursor: blocks finalized or reclaimed
// after a block image was cached are observed on the next block boundary.
type Iterator struct {
	r   *Reader
	tag string

	blk    *iterBlock
	idx    int
	closed bool
}

// iterBlock is the cached image of the iterator's current block.
type iterBlock struct {
	seq      int64
	uuid     [16]byte
	data     []byte
	count    int
	metadata string
}

// NewIterator creates an iterator positioned on the stream's oldest frame.
// A stream that is unknown or has no frames yields an iterator for which
// Valid reports false; writing to the stream and calling Reset revives it.
func (r *Reader) NewIterator(tag string) (*Iterator, error) {
	if tag == "" {
		return nil, fmt.Errorf("%w: empty stream tag", ErrInvalidArgument)
	}
	it := &Iterator{r: r, tag: tag}
	if err := it.Reset(); err != nil {
		return nil, err
	}
	return it, nil
}

// Close invalidates the iterator and drops its cached block image.
func (it *Iterator) Close() error {
	it.closed = true
	it.blk = nil
	return nil
}

// Valid reports whether the iterator is positioned on a frame.
func (it *Iterator) Valid() bool {
	return !it.closed && it.blk != nil
}

func (it *Iterator) checkOpen() error {
	if it.closed {
		return ErrClosed
	}
	return it.r.checkOpen()
}

// loadBlock materializes a catalog row into a cached block image.
func (it *Iterator) loadBlock(sb *segmentBlockRow) (*iterBlock, error) {
	blockUUID, err := uuid.Parse(sb.uuid)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeCorruption, "bad block uuid in catalog", it.r.path, err)
	}
	data, err := readBlock(it.r.file, sb.blockIdx, it.r.header.BlockSize)
	if err != nil {
		return nil, err
	}
	count := clampFrameCount(encoding.DecodeBlockHeader(data).FrameCount, it.r.header.BlockSize)
	return &iterBlock{
		seq:      sb.seq,
		uuid:     [16]byte(blockUUID),
		data:     data,
		count:    count,
		metadata: sb.metadata,
	}, nil
}

// stepForward caches the first non-empty block after seq and positions on
// its oldest frame. The iterator goes invalid at the end of the stream.
func (it *Iterator) stepForward(seq int64) error {
	for {
		sb, err := it.r.cat.nextBlock(it.tag, seq)
		if err != nil {
			return err
		}
		if sb == nil {
			it.blk = nil
			return nil
		}
		blk, err := it.loadBlock(sb)
		if err != nil {
			return err
		}
		if blk.count > 0 {
			it.blk = blk
			it.idx = 0
			return nil
		}
		seq = sb.seq
	}
}

// stepBackward caches the last non-empty block before seq and positions on
// its newest frame. The iterator goes invalid at the start of the stream.
func (it *Iterator) stepBackward(seq int64) error {
	for {
		sb, err := it.r.cat.prevBlock(it.tag, seq)
		if err != nil {
			return err
		}
		if sb == nil {
			it.blk = nil
			return nil
		}
		blk, err := it.loadBlock(sb)
		if err != nil {
			return err
		}
		if blk.count > 0 {
			it.blk = blk
			it.idx = blk.count - 1
			return nil
		}
		seq = sb.seq
	}
}

// Reset repositions the iterator on the stream's oldest frame.
func (it *Iterator) Reset() error {
	if err := it.checkOpen(); err != nil {
		return err
	}
	sb, err := it.r.cat.firstBlock(it.tag)
	if err != nil {
		return err
	}
	if sb == nil {
		it.blk = nil
		return nil
	}
	blk, err := it.loadBlock(sb)
	if err != nil {
		return err
	}
	if blk.count == 0 {
		return it.stepForward(blk.seq)
	}
	it.blk = blk
	it.idx = 0
	return nil
}

// Next advances to the next frame in timestamp order. Advancing past the
// newest frame invalidates the iterator; it is not an error.
func (it *Iterator) Next() error {
	if err := it.checkOpen(); err != nil {
		return err
	}
	if it.blk == nil {
		return nil
	}
	if it.idx+1 < it.blk.count {
		it.idx++
		return nil
	}
	return it.stepForward(it.blk.seq)
}

// Prev steps back to the previous frame. Stepping before the oldest frame
// invalidates the iterator; it is not an error.
func (it *Iterator) Prev() error {
	if err := it.checkOpen(); err != nil {
		return err
	}
	if it.blk == nil {
		return nil
	}
	if it.idx > 0 {
		it.idx--
		return nil
	}
	return it.stepBackward(it.blk.seq)
}

// Find positions the iterator on the first frame whose timestamp is greater
// than or equal to ts. Among frames sharing a timestamp it lands on the one
// written first. Seeking past the newest frame invalidates the iterator.
func (it *Iterator) Find(ts int64) error {
	if err := it.checkOpen(); err != nil {
		return err
	}
	sb, err := it.r.cat.blockForTimestamp(it.tag, ts)
	if err != nil {
		return err
	}
	if sb == nil {
		it.blk = nil
		return nil
	}
	blk, err := it.loadBlock(sb)
	if err != nil {
		return err
	}
	idx := sort.Search(blk.count, func(i int) bool {
		return encoding.IndexEntryAt(blk.data, i).Timestamp >= ts
	})
	if idx == blk.count {
		// Every frame in the containing block is older than ts; the
		// target is the next block's oldest frame, if any.
		return it.stepForward(blk.seq)
	}
	it.blk = blk
	it.idx = idx
	return nil
}

// Frame returns the frame under the cursor. Calling Frame on an invalid
// iterator fails with ErrInvalidArgument.
func (it *Iterator) Frame() (FrameInfo, error) {
	if err := it.checkOpen(); err != nil {
		return FrameInfo{}, err
	}
	if it.blk == nil {
		return FrameInfo{}, fmt.Errorf("%w: iterator is not positioned on a frame", ErrInvalidArgument)
	}
	entry := encoding.IndexEntryAt(it.blk.data, it.idx)
	payload, flags, err := frameAt(it.blk.data, entry, it.blk.uuid, it.r.header.BlockSize, it.r.path)
	if err != nil {
		return FrameInfo{}, err
	}
	if it.r.enc != nil {
		payload, err = it.r.enc.Decrypt(payload)
		if err != nil {
			return FrameInfo{}, newStorageError(StorageErrorTypeCorruption, "decrypt frame", it.r.path, err)
		}
	}
	return FrameInfo{Data: payload, Timestamp: entry.Timestamp, Flags: flags}, nil
}

// BlockSequence returns the sequence number of the current block, or -1
// when the iterator is invalid.
func (it *Iterator) BlockSequence() int64 {
	if !it.Valid() {
		return -1
	}
	return it.blk.seq
}

// Metadata returns the metadata the stream was registered with, as seen on
// the current block, or the empty string when the iterator is invalid.
func (it *Iterator) Metadata() string {
	if !it.Valid() {
		return ""
	}
	return it.blk.metadata
}
