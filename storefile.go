package tidestore

import (
	"errors"
	"fmt"
	"os"

	"github.com/tidestore-db/tidestore/internal/encoding"
)

// openDataFile opens a store's data file and validates its header.
func openDataFile(path string, writable bool) (*os.File, encoding.FileHeader, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	file, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, encoding.FileHeader{}, newStorageError(StorageErrorTypeOpen, "open data file", path, err)
	}

	buf := make([]byte, 16)
	if _, err := file.ReadAt(buf, 0); err != nil {
		file.Close()
		return nil, encoding.FileHeader{}, newStorageError(StorageErrorTypeOpen, "read file header", path, err)
	}
	header, err := encoding.DecodeFileHeader(buf)
	if err != nil {
		file.Close()
		if errors.Is(err, encoding.ErrBadVersion) {
			return nil, encoding.FileHeader{}, fmt.Errorf("%w: %v", ErrSchema, err)
		}
		return nil, encoding.FileHeader{}, newStorageError(StorageErrorTypeOpen, "decode file header", path, err)
	}
	if header.BlockSize < encoding.BlockAlign || header.BlockSize > maxBlockSize {
		file.Close()
		return nil, encoding.FileHeader{}, fmt.Errorf("%w: %d in file header", ErrInvalidBlockSize, header.BlockSize)
	}
	return file, header, nil
}

// blockOffset returns the file offset of a block slot.
func blockOffset(blockIdx int64, blockSize uint32) int64 {
	return int64(encoding.FileHeaderSize) + blockIdx*int64(blockSize)
}

// readBlock reads one whole block slot.
func readBlock(file *os.File, blockIdx int64, blockSize uint32) ([]byte, error) {
	buf := make([]byte, blockSize)
	if _, err := file.ReadAt(buf, blockOffset(blockIdx, blockSize)); err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "read block", file.Name(), err)
	}
	return buf, nil
}

// clampFrameCount bounds a block header's frame count to what the block can
// physically hold, shielding scans from a corrupt counter.
func clampFrameCount(count uint32, blockSize uint32) int {
	if capacity := encoding.IndexCapacity(blockSize); int(count) > capacity {
		return capacity
	}
	return int(count)
}
