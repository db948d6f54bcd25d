package tidestore

import (
	"fmt"
	"os"

	"github.com/tidestore-db/tidestore/internal/encoding"
)

// maxBlockSize is the largest accepted block size.
const maxBlockSize = 1 << 30

// AllocateFile creates and formats a new store: a data file holding
// blockCount blocks of blockSize bytes after a 64 KiB header, and the
// catalog database beside it. The block size is rounded up to the next
// 64 KiB multiple so block slots start and end on mapping-friendly
// boundaries. An existing store at path is replaced.
func AllocateFile(path string, blockSize, blockCount uint32) error {
	if blockSize == 0 || blockSize > maxBlockSize {
		return fmt.Errorf("%w: %d", ErrInvalidBlockSize, blockSize)
	}
	if blockCount == 0 {
		return fmt.Errorf("%w: block count must be positive", ErrInvalidArgument)
	}
	blockSize = encoding.RoundBlockSize(blockSize)

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return newStorageError(StorageErrorTypeAllocate, "create data file", path, err)
	}
	defer file.Close()

	size := int64(encoding.FileHeaderSize) + int64(blockCount)*int64(blockSize)
	if err := file.Truncate(size); err != nil {
		return newStorageError(StorageErrorTypeAllocate, "size data file", path, err)
	}

	header := encoding.EncodeFileHeader(encoding.FileHeader{
		BlockSize:  blockSize,
		BlockCount: blockCount,
	})
	if _, err := file.WriteAt(header, 0); err != nil {
		return newStorageError(StorageErrorTypeAllocate, "write file header", path, err)
	}
	if err := file.Sync(); err != nil {
		return newStorageError(StorageErrorTypeAllocate, "sync data file", path, err)
	}

	cat, err := createCatalog(path, blockCount)
	if err != nil {
		return err
	}
	return cat.Close()
}
