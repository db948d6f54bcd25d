package encoding

import (
	"encoding/binary"
	"errors"
)

// On-disk layout constants. The file begins with a 64 KiB header block so
// block slots start and end on 64 KiB boundaries, followed by BlockCount
// fixed-size block slots. Inside a block, index entries grow forward from
// the block header while frames are packed backward from the end of the
// block, 8-byte aligned.
const (
	// FileHeaderSize is the size of the reserved header region at the
	// start of the data file.
	FileHeaderSize = 65536

	// BlockAlign is the boundary block sizes are rounded up to.
	BlockAlign = 65536

	// BlockHeaderSize is the fixed header at the start of every block:
	// start timestamp (8), frame count (4), reserved (4).
	BlockHeaderSize = 16

	// IndexEntrySize is one index entry: timestamp (8), frame offset (4).
	IndexEntrySize = 12

	// FrameHeaderSize is the header preceding every frame payload:
	// block UUID (16), payload size (4), flags (1).
	FrameHeaderSize = 21

	// FormatVersion is the data file format version.
	FormatVersion = 1
)

// fileMagic identifies a tidestore data file.
var fileMagic = [6]byte{'T', 'D', 'S', 'T', 'R', '1'}

// Errors reported by header decoding.
var (
	ErrBadMagic   = errors.New("bad file magic")
	ErrBadVersion = errors.New("unsupported format version")
)

// FileHeader describes the data file geometry.
type FileHeader struct {
	BlockSize  uint32
	BlockCount uint32
}

// EncodeFileHeader serializes the file header into a FileHeaderSize buffer.
// Only the first 16 bytes carry data; the rest of the header block is zero.
func EncodeFileHeader(h FileHeader) []byte {
	buf := make([]byte, FileHeaderSize)
	copy(buf, fileMagic[:])
	binary.LittleEndian.PutUint16(buf[6:], FormatVersion)
	binary.LittleEndian.PutUint32(buf[8:], h.BlockSize)
	binary.LittleEndian.PutUint32(buf[12:], h.BlockCount)
	return buf
}

// DecodeFileHeader parses the leading bytes of a data file.
func DecodeFileHeader(buf []byte) (FileHeader, error) {
	if len(buf) < 16 {
		return FileHeader{}, ErrBadMagic
	}
	if [6]byte(buf[:6]) != fileMagic {
		return FileHeader{}, ErrBadMagic
	}
	if binary.LittleEndian.Uint16(buf[6:]) != FormatVersion {
		return FileHeader{}, ErrBadVersion
	}
	return FileHeader{
		BlockSize:  binary.LittleEndian.Uint32(buf[8:]),
		BlockCount: binary.LittleEndian.Uint32(buf[12:]),
	}, nil
}

// BlockHeader sits at the start of every block slot.
type BlockHeader struct {
	StartTS    int64
	FrameCount uint32
}

// EncodeBlockHeader serializes a block header.
func EncodeBlockHeader(h BlockHeader) []byte {
	buf := make([]byte, BlockHeaderSize)
	binary.LittleEndian.PutUint64(buf, uint64(h.StartTS))
	binary.LittleEndian.PutUint32(buf[8:], h.FrameCount)
	return buf
}

// DecodeBlockHeader parses a block header.
func DecodeBlockHeader(buf []byte) BlockHeader {
	return BlockHeader{
		StartTS:    int64(binary.LittleEndian.Uint64(buf)),
		FrameCount: binary.LittleEndian.Uint32(buf[8:]),
	}
}

// IndexEntry maps a frame timestamp to its offset inside the block.
type IndexEntry struct {
	Timestamp int64
	Offset    uint32
}

// PutIndexEntry serializes an index entry into buf.
func PutIndexEntry(buf []byte, e IndexEntry) {
	binary.LittleEndian.PutUint64(buf, uint64(e.Timestamp))
	binary.LittleEndian.PutUint32(buf[8:], e.Offset)
}

// IndexEntryAt returns the i-th index entry of a block image.
func IndexEntryAt(block []byte, i int) IndexEntry {
	p := block[BlockHeaderSize+i*IndexEntrySize:]
	return IndexEntry{
		Timestamp: int64(binary.LittleEndian.Uint64(p)),
		Offset:    binary.LittleEndian.Uint32(p[8:]),
	}
}

// FrameHeader precedes every frame payload inside a block. UUID is the
// owning block generation; frames whose UUID does not match the catalog row
// are stale remnants of a reclaimed generation.
type FrameHeader struct {
	UUID  [16]byte
	Size  uint32
	Flags byte
}

// PutFrameHeader serializes a frame header into buf.
func PutFrameHeader(buf []byte, h FrameHeader) {
	copy(buf, h.UUID[:])
	binary.LittleEndian.PutUint32(buf[16:], h.Size)
	buf[20] = h.Flags
}

// DecodeFrameHeader parses a frame header.
func DecodeFrameHeader(buf []byte) FrameHeader {
	var h FrameHeader
	copy(h.UUID[:], buf[:16])
	h.Size = binary.LittleEndian.Uint32(buf[16:])
	h.Flags = buf[20]
	return h
}

// PaddedFrameSize returns the space a frame occupies in a block: header plus
// payload, rounded up to 8 bytes for aligned access.
func PaddedFrameSize(payloadLen int) int {
	return (FrameHeaderSize + payloadLen + 7) &^ 7
}

// MaxPayload returns the largest payload a block of the given size can hold.
// One block header, one index entry and one frame header must fit alongside
// the frame, and the frame region is 8-byte aligned, so the available space
// is aligned down before the frame header is subtracted. This guarantees a
// maximum-size frame always fits in an empty block.
func MaxPayload(blockSize uint32) int {
	avail := (int(blockSize) - BlockHeaderSize - IndexEntrySize) &^ 7
	return avail - FrameHeaderSize
}

// IndexCapacity returns the number of index entries a block can hold.
func IndexCapacity(blockSize uint32) int {
	return (int(blockSize) - BlockHeaderSize) / IndexEntrySize
}

// RoundBlockSize rounds a requested block size up to the next BlockAlign
// multiple.
func RoundBlockSize(requested uint32) uint32 {
	return ((requested + BlockAlign - 1) / BlockAlign) * BlockAlign
}
