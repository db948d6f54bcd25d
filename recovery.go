package tidestore

import (
	"log"

	"github.com/google/uuid"

	"github.com/tidestore-db/tidestore/internal/encoding"
)

// recoverOpenBlocks repairs blocks a crashed writer left open: for each
// block with no end timestamp it scans backward for the last frame whose
// header validates against the block's UUID, fixes the catalog's end
// timestamp from it, and truncates the frame count past any torn tail.
func (w *Writer) recoverOpenBlocks() error {
	open, err := w.cat.openBlocks()
	if err != nil {
		return err
	}

	blockSize := w.header.BlockSize
	for _, row := range open {
		blockUUID, err := uuid.Parse(row.uuid)
		if err != nil {
			return newStorageError(StorageErrorTypeCorruption, "bad block uuid in catalog", w.path, err)
		}

		block, err := readBlock(w.file, row.blockIdx, blockSize)
		if err != nil {
			return err
		}
		header := encoding.DecodeBlockHeader(block)
		count := clampFrameCount(header.FrameCount, blockSize)

		// The index region holds exactly count entries; a frame recorded by
		// that count must start past it. Any timestamp, zero and negatives
		// included, is valid frame data.
		indexRegionEnd := uint32(encoding.BlockHeaderSize + count*encoding.IndexEntrySize)

		lastValid := -1
		var lastTS int64
		for i := count - 1; i >= 0; i-- {
			entry := encoding.IndexEntryAt(block, i)
			if entry.Offset < indexRegionEnd || entry.Offset > blockSize-encoding.FrameHeaderSize {
				continue
			}
			fh := encoding.DecodeFrameHeader(block[entry.Offset:])
			if fh.UUID != [16]byte(blockUUID) {
				continue
			}
			if fh.Size > blockSize-entry.Offset-encoding.FrameHeaderSize {
				continue
			}
			lastValid = i
			lastTS = entry.Timestamp
			break
		}

		if lastValid+1 != count {
			log.Printf("tidestore: truncating block %d from %d to %d frames after unclean shutdown",
				row.blockIdx, count, lastValid+1)
			repaired := encoding.EncodeBlockHeader(encoding.BlockHeader{
				StartTS:    header.StartTS,
				FrameCount: uint32(lastValid + 1),
			})
			if _, err := w.file.WriteAt(repaired, blockOffset(row.blockIdx, blockSize)); err != nil {
				return newStorageError(StorageErrorTypeWrite, "repair block header", w.path, err)
			}
			if err := w.file.Sync(); err != nil {
				return newStorageError(StorageErrorTypeWrite, "sync repaired block", w.path, err)
			}
		}

		if lastValid >= 0 {
			if err := w.cat.finalizeBlock(row.segmentBlockID, row.streamID, lastTS); err != nil {
				return err
			}
		} else {
			// Nothing in the block survived; hand it back to the pool so
			// it neither sits outside the free list nor gets re-scanned on
			// every open.
			if err := w.cat.releaseBlock(row.segmentBlockID, row.blockID); err != nil {
				return err
			}
		}
	}
	return nil
}
