package tidestore

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the tidestore package. Every failing operation
// leaves the store in the state it was in immediately before the call, so
// all of these are recoverable at the call site.
var (
	// ErrCantOpen is returned when the data file or its catalog is missing
	// or unreadable.
	ErrCantOpen = errors.New("cannot open store")

	// ErrSchema is returned when the catalog schema version does not match
	// the version this package expects.
	ErrSchema = errors.New("catalog schema version mismatch")

	// ErrNoFreeBlocks is returned when the block pool is exhausted.
	ErrNoFreeBlocks = errors.New("no free blocks")

	// ErrInvalidBlockSize is returned for unusable format parameters.
	ErrInvalidBlockSize = errors.New("invalid block size")

	// ErrDuplicateStreamTag is returned when a write context already exists
	// for the stream tag.
	ErrDuplicateStreamTag = errors.New("duplicate stream tag")

	// ErrUnableToCreateSegment is returned when segment creation fails
	// mid-allocation. The transaction is rolled back.
	ErrUnableToCreateSegment = errors.New("unable to create segment")

	// ErrUnableToCreateSegmentBlock is returned when attaching a block to a
	// segment fails mid-allocation. The transaction is rolled back.
	ErrUnableToCreateSegmentBlock = errors.New("unable to create segment block")

	// ErrNonMonotonicTimestamp is returned when a write's timestamp is
	// older than the stream's last written timestamp.
	ErrNonMonotonicTimestamp = errors.New("non-monotonic timestamp")

	// ErrRowSizeTooBig is returned when a payload exceeds the maximum row
	// size derived from the block size.
	ErrRowSizeTooBig = errors.New("row size too big")

	// ErrUnableToAllocateFile is returned when the data file cannot be
	// created or sized.
	ErrUnableToAllocateFile = errors.New("unable to allocate file")

	// ErrInvalidArgument is returned for bad handles, unknown stream tags
	// and malformed ranges.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrStorageCorruption is returned when a scan encounters a frame that
	// fails validation. The scan stops and reports rather than skipping.
	ErrStorageCorruption = errors.New("storage corruption detected")

	// ErrClosed is returned when operations are attempted on a closed
	// writer, reader or iterator.
	ErrClosed = errors.New("store is closed")

	// ErrStopRead may be returned by a ReadFunc to abort a range scan
	// early; Read then returns nil.
	ErrStopRead = errors.New("stop read")
)

// StorageErrorType categorizes storage errors.
type StorageErrorType int

const (
	// StorageErrorTypeUnknown is an unclassified storage error.
	StorageErrorTypeUnknown StorageErrorType = iota
	// StorageErrorTypeOpen indicates the store could not be opened.
	StorageErrorTypeOpen
	// StorageErrorTypeAllocate indicates file allocation failed.
	StorageErrorTypeAllocate
	// StorageErrorTypeRead indicates a block read failure.
	StorageErrorTypeRead
	// StorageErrorTypeWrite indicates a block write failure.
	StorageErrorTypeWrite
	// StorageErrorTypeCorruption indicates frame or block corruption.
	StorageErrorTypeCorruption
	// StorageErrorTypeCatalog indicates a catalog operation failed.
	StorageErrorTypeCatalog
)

// StorageError provides detailed information about storage failures.
type StorageError struct {
	Type    StorageErrorType
	Message string
	Path    string
	Cause   error
}

func (e *StorageError) Error() string {
	if e.Path != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [%s]: %v", e.Message, e.Path, e.Cause)
		}
		return fmt.Sprintf("%s [%s]", e.Message, e.Path)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for StorageError.
func (e *StorageError) Is(target error) bool {
	switch e.Type {
	case StorageErrorTypeOpen:
		return target == ErrCantOpen
	case StorageErrorTypeAllocate:
		return target == ErrUnableToAllocateFile
	case StorageErrorTypeCorruption:
		return target == ErrStorageCorruption
	}
	return false
}

// newStorageError creates a new StorageError.
func newStorageError(errType StorageErrorType, message, path string, cause error) *StorageError {
	return &StorageError{
		Type:    errType,
		Message: message,
		Path:    path,
		Cause:   cause,
	}
}
