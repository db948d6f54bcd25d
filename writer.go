package tidestore

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/tidestore-db/tidestore/internal/encoding"
)

// metaEncryptionSalt is the catalog meta key holding the key-derivation salt.
const metaEncryptionSalt = "encryption_salt"

// Writer appends frames to an allocated store. One Writer owns the write
// side of a file; the engine does not arbitrate multiple writer processes.
// A Writer is safe for concurrent use, but each WriteContext must only be
// used by one goroutine at a time.
type Writer struct {
	path   string
	file   *os.File
	cat    *catalog
	header encoding.FileHeader
	cfg    WriterConfig
	enc    *Encryptor

	mu     sync.Mutex
	active map[string]*WriteContext
	closed bool
}

// WriteContext ties writes to one stream's current segment. Contexts are
// created by CreateContext and must be closed to finalize the last block's
// end timestamp.
type WriteContext struct {
	w        *Writer
	tag      string
	metadata string
	streamID int64

	segmentID int64 // 0 until the first write creates the segment
	blk       *openBlock

	lastTS  int64
	hasLast bool
	closed  bool
}

// openBlock is the in-memory cursor over the block currently receiving
// frames.
type openBlock struct {
	row        *segmentBlockRow
	uuid       uuid.UUID
	startTS    int64
	frameCount uint32
	tailOff    uint32 // lowest frame byte; blockSize while empty
}

// NewWriter opens a store for appending. Open blocks left behind by a
// crashed writer are validated and repaired before any context is handed
// out. auto-reclaim and encryption behavior come from cfg.
func NewWriter(path string, cfg WriterConfig) (*Writer, error) {
	file, header, err := openDataFile(path, true)
	if err != nil {
		return nil, err
	}
	cat, err := openCatalog(path, false)
	if err != nil {
		file.Close()
		return nil, err
	}

	w := &Writer{
		path:   path,
		file:   file,
		cat:    cat,
		header: header,
		cfg:    cfg,
		active: make(map[string]*WriteContext),
	}

	if err := w.recoverOpenBlocks(); err != nil {
		w.cat.Close()
		w.file.Close()
		return nil, err
	}

	if cfg.Encryption != nil && cfg.Encryption.Enabled {
		salt, err := cat.getMeta(metaEncryptionSalt)
		if err != nil {
			w.cat.Close()
			w.file.Close()
			return nil, err
		}
		enc, err := newEncryptor(*cfg.Encryption, salt)
		if err != nil {
			w.cat.Close()
			w.file.Close()
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		if salt == nil && enc.Salt() != nil {
			if err := cat.setMeta(metaEncryptionSalt, enc.Salt()); err != nil {
				w.cat.Close()
				w.file.Close()
				return nil, err
			}
		}
		w.enc = enc
	}

	return w, nil
}

// BlockSize returns the store's block size.
func (w *Writer) BlockSize() uint32 {
	return w.header.BlockSize
}

// MaxPayloadSize returns the largest payload Write accepts. With encryption
// enabled the sealing overhead is already subtracted.
func (w *Writer) MaxPayloadSize() int {
	max := encoding.MaxPayload(w.header.BlockSize)
	if w.enc != nil {
		max -= encryptionOverhead
	}
	return max
}

// FreeBlockCount returns the number of blocks currently unallocated.
func (w *Writer) FreeBlockCount() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrClosed
	}
	return w.cat.freeBlockCount()
}

// CreateContext registers a stream tag (reusing the registration when the
// stream already exists) and returns a context for appending to it. Only
// one live context per tag is allowed; a second one fails with
// ErrDuplicateStreamTag. No segment is allocated until the first write.
func (w *Writer) CreateContext(tag, metadata string) (*WriteContext, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	if tag == "" {
		return nil, fmt.Errorf("%w: empty stream tag", ErrInvalidArgument)
	}
	if _, ok := w.active[tag]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateStreamTag, tag)
	}

	row, err := w.cat.registerStream(tag, metadata)
	if err != nil {
		return nil, err
	}
	last, hasLast, err := w.cat.lastTimestamp(row.id)
	if err != nil {
		return nil, err
	}

	wc := &WriteContext{
		w:        w,
		tag:      tag,
		metadata: row.metadata,
		streamID: row.id,
		lastTS:   last,
		hasLast:  hasLast,
	}
	w.active[tag] = wc
	return wc, nil
}

// Tag returns the context's stream tag.
func (wc *WriteContext) Tag() string { return wc.tag }

// Metadata returns the stream's metadata blob.
func (wc *WriteContext) Metadata() string { return wc.metadata }

// Close finalizes the context's open block and releases the stream tag for
// a future context. Closing twice is a no-op.
func (wc *WriteContext) Close() error {
	w := wc.w
	w.mu.Lock()
	defer w.mu.Unlock()
	if wc.closed {
		return nil
	}
	wc.closed = true
	delete(w.active, wc.tag)
	if w.closed || wc.blk == nil {
		return nil
	}
	err := w.cat.finalizeBlock(wc.blk.row.id, wc.streamID, wc.lastTS)
	wc.blk = nil
	return err
}

// Write appends one frame to the context's stream. The timestamp must not
// be older than the stream's last written timestamp; equal timestamps are
// accepted. The frame is serialized into the stream's current block, rolling
// to a freshly allocated block when the current one is full. A failed write
// leaves the store exactly as it was.
func (w *Writer) Write(wc *WriteContext, payload []byte, timestamp int64, flags uint8) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if wc == nil || wc.w != w || wc.closed {
		return fmt.Errorf("%w: bad write context", ErrInvalidArgument)
	}

	stored := payload
	if w.enc != nil {
		var err error
		stored, err = w.enc.Encrypt(payload)
		if err != nil {
			return fmt.Errorf("encrypt payload: %w", err)
		}
	}
	if len(stored) > encoding.MaxPayload(w.header.BlockSize) {
		return fmt.Errorf("%w: %d bytes, block size allows %d",
			ErrRowSizeTooBig, len(payload), w.MaxPayloadSize())
	}
	if wc.hasLast && timestamp < wc.lastTS {
		return fmt.Errorf("%w: %d is older than %d", ErrNonMonotonicTimestamp, timestamp, wc.lastTS)
	}

	blockSize := w.header.BlockSize
	padded := uint32(encoding.PaddedFrameSize(len(stored)))

	for {
		if wc.blk == nil {
			if err := w.openNewBlock(wc, timestamp); err != nil {
				return err
			}
		}
		blk := wc.blk

		indexEnd := uint32(encoding.BlockHeaderSize) + (blk.frameCount+1)*encoding.IndexEntrySize
		off := blockSize - padded
		if blk.frameCount > 0 {
			if blk.tailOff < padded {
				off = 0 // force rollover
			} else {
				off = blk.tailOff - padded
			}
		}
		if off < indexEnd {
			if blk.frameCount == 0 {
				// Cannot happen while MaxPayload holds; avoid looping.
				return fmt.Errorf("%w: frame does not fit an empty block", ErrRowSizeTooBig)
			}
			if err := w.rollover(wc); err != nil {
				return err
			}
			continue
		}

		if err := w.appendFrame(blk, off, stored, timestamp, flags); err != nil {
			return err
		}
		blk.tailOff = off
		blk.frameCount++
		wc.lastTS = timestamp
		wc.hasLast = true
		return nil
	}
}

// openNewBlock allocates a block for the context (creating the segment on
// the stream's first write) and initializes its on-disk header.
func (w *Writer) openNewBlock(wc *WriteContext, timestamp int64) error {
	blockUUID := uuid.New()
	segID, row, err := w.cat.allocateBlock(
		wc.streamID, wc.segmentID, timestamp, blockUUID.String(), w.cfg.AutoReclaim)
	if err != nil {
		return err
	}
	wc.segmentID = segID

	header := encoding.EncodeBlockHeader(encoding.BlockHeader{StartTS: timestamp})
	if _, err := w.file.WriteAt(header, blockOffset(row.blockIdx, w.header.BlockSize)); err != nil {
		return newStorageError(StorageErrorTypeWrite, "initialize block", w.path, err)
	}

	wc.blk = &openBlock{
		row:     row,
		uuid:    blockUUID,
		startTS: timestamp,
		tailOff: w.header.BlockSize,
	}
	return nil
}

// rollover finalizes the context's full block so the next iteration
// allocates a fresh one.
func (w *Writer) rollover(wc *WriteContext) error {
	if w.cfg.SyncOnRollover {
		if err := w.file.Sync(); err != nil {
			return newStorageError(StorageErrorTypeWrite, "sync on rollover", w.path, err)
		}
	}
	if err := w.cat.finalizeBlock(wc.blk.row.id, wc.streamID, wc.lastTS); err != nil {
		return err
	}
	wc.blk = nil
	return nil
}

// appendFrame writes the frame bytes, then its index entry, then the
// updated block header. The frame count is written last so a concurrent
// reader never observes a half-written frame.
func (w *Writer) appendFrame(blk *openBlock, off uint32, stored []byte, timestamp int64, flags uint8) error {
	base := blockOffset(blk.row.blockIdx, w.header.BlockSize)

	frame := make([]byte, encoding.FrameHeaderSize+len(stored))
	encoding.PutFrameHeader(frame, encoding.FrameHeader{
		UUID:  [16]byte(blk.uuid),
		Size:  uint32(len(stored)),
		Flags: flags,
	})
	copy(frame[encoding.FrameHeaderSize:], stored)
	if _, err := w.file.WriteAt(frame, base+int64(off)); err != nil {
		return newStorageError(StorageErrorTypeWrite, "write frame", w.path, err)
	}

	entry := make([]byte, encoding.IndexEntrySize)
	encoding.PutIndexEntry(entry, encoding.IndexEntry{Timestamp: timestamp, Offset: off})
	entryOff := base + encoding.BlockHeaderSize + int64(blk.frameCount)*encoding.IndexEntrySize
	if _, err := w.file.WriteAt(entry, entryOff); err != nil {
		return newStorageError(StorageErrorTypeWrite, "write index entry", w.path, err)
	}

	header := encoding.EncodeBlockHeader(encoding.BlockHeader{
		StartTS:    blk.startTS,
		FrameCount: blk.frameCount + 1,
	})
	if _, err := w.file.WriteAt(header, base); err != nil {
		return newStorageError(StorageErrorTypeWrite, "write block header", w.path, err)
	}
	return nil
}

// FreeBlocks releases every block of the stream's segments whose timestamp
// range lies entirely within [start, end]. Partially overlapping segments
// are left untouched: reclamation never splits a segment mid-block.
func (w *Writer) FreeBlocks(tag string, start, end int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if start > end {
		return fmt.Errorf("%w: start %d after end %d", ErrInvalidArgument, start, end)
	}
	row, err := w.cat.streamByTag(tag)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("%w: unknown stream %q", ErrInvalidArgument, tag)
	}
	_, err = w.cat.freeWholeSegments(row.id, start, end)
	return err
}

// Close finalizes all live contexts and releases the writer's file and
// catalog handles.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}

	var firstErr error
	for _, wc := range w.active {
		if wc.blk != nil {
			if err := w.cat.finalizeBlock(wc.blk.row.id, wc.streamID, wc.lastTS); err != nil && firstErr == nil {
				firstErr = err
			}
			wc.blk = nil
		}
		wc.closed = true
	}
	w.active = make(map[string]*WriteContext)
	w.closed = true

	if err := w.file.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.cat.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
