package tidestore

import (
	"database/sql"
	"errors"
	"os"
	"testing"

	"github.com/tidestore-db/tidestore/internal/encoding"
)

// breakFinalization rewinds the catalog to the state a crashed writer
// leaves behind: the stream's block still open and no persisted last
// timestamp. It returns the block's slot index.
func breakFinalization(t *testing.T, path string) int64 {
	t.Helper()
	db, err := sql.Open("sqlite", path+"-catalog.db")
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(`UPDATE segment_blocks SET end_ts = NULL`); err != nil {
		t.Fatalf("reopen block: %v", err)
	}
	if _, err := db.Exec(`UPDATE streams SET last_ts = NULL`); err != nil {
		t.Fatalf("clear last timestamp: %v", err)
	}
	var blockIdx int64
	if err := db.QueryRow(`SELECT block_idx FROM segment_blocks LIMIT 1`).Scan(&blockIdx); err != nil {
		t.Fatalf("read block index: %v", err)
	}
	return blockIdx
}

func TestRecoveryFinalizesOpenBlock(t *testing.T) {
	path := newTestStore(t, 2)

	w, err := NewWriter(path, DefaultWriterConfig())
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	wc, err := w.CreateContext("s", "")
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	for _, ts := range []int64{10, 20, 30} {
		if err := w.Write(wc, []byte("x"), ts, 0); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	breakFinalization(t, path)

	// Reopening repairs the block from its frame index.
	w, err = NewWriter(path, DefaultWriterConfig())
	if err != nil {
		t.Fatalf("reopen writer: %v", err)
	}
	wc, err = w.CreateContext("s", "")
	if err != nil {
		t.Fatalf("recreate context: %v", err)
	}
	if err := w.Write(wc, []byte("y"), 5, 0); !errors.Is(err, ErrNonMonotonicTimestamp) {
		t.Errorf("timestamp below recovered floor: got %v, want ErrNonMonotonicTimestamp", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer r.Close()
	runs, err := r.QueryContiguousSegments("s", 0, 100)
	if err != nil {
		t.Fatalf("query segments: %v", err)
	}
	if len(runs) != 1 || runs[0].EndTS != 30 {
		t.Errorf("recovered runs %+v, want one ending at 30", runs)
	}
}

func TestRecoveryTruncatesTornFrame(t *testing.T) {
	path := newTestStore(t, 2)

	w, err := NewWriter(path, DefaultWriterConfig())
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	wc, err := w.CreateContext("s", "")
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	for _, ts := range []int64{10, 20, 30} {
		if err := w.Write(wc, []byte("x"), ts, 0); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	blockIdx := breakFinalization(t, path)

	// Claim a fourth frame whose index entry was never written.
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open data file: %v", err)
	}
	header := encoding.EncodeBlockHeader(encoding.BlockHeader{StartTS: 10, FrameCount: 4})
	if _, err := file.WriteAt(header, blockOffset(blockIdx, 64*1024)); err != nil {
		t.Fatalf("corrupt block header: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("close data file: %v", err)
	}

	w, err = NewWriter(path, DefaultWriterConfig())
	if err != nil {
		t.Fatalf("reopen writer: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer r.Close()
	frames := collectFrames(t, r, "s", 0, 100)
	if len(frames) != 3 {
		t.Fatalf("expected the torn frame to be dropped, got %d frames", len(frames))
	}
	if frames[2].ts != 30 {
		t.Errorf("last frame timestamp %d, want 30", frames[2].ts)
	}
}

func TestTimestampZeroSurvivesReopen(t *testing.T) {
	path := newTestStore(t, 2)

	w, err := NewWriter(path, DefaultWriterConfig())
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	wc, err := w.CreateContext("s", "")
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	for _, ts := range []int64{-5, 0} {
		if err := w.Write(wc, []byte("x"), ts, 0); err != nil {
			t.Fatalf("write at %d: %v", ts, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	// A cleanly closed block ending at timestamp zero must not look open
	// to the next writer.
	w, err = NewWriter(path, DefaultWriterConfig())
	if err != nil {
		t.Fatalf("reopen writer: %v", err)
	}
	wc, err = w.CreateContext("s", "")
	if err != nil {
		t.Fatalf("recreate context: %v", err)
	}
	if err := w.Write(wc, []byte("y"), -1, 0); !errors.Is(err, ErrNonMonotonicTimestamp) {
		t.Errorf("timestamp below zero floor: got %v, want ErrNonMonotonicTimestamp", err)
	}
	if err := w.Write(wc, []byte("y"), 0, 0); err != nil {
		t.Fatalf("write at equal timestamp: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer r.Close()
	frames := collectFrames(t, r, "s", -10, 10)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	if frames[0].ts != -5 || frames[1].ts != 0 || frames[2].ts != 0 {
		t.Errorf("timestamps %d, %d, %d, want -5, 0, 0", frames[0].ts, frames[1].ts, frames[2].ts)
	}
}

func TestRecoveryKeepsExactlyPackedBlock(t *testing.T) {
	path := newTestStore(t, 2)

	w, err := NewWriter(path, DefaultWriterConfig())
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	wc, err := w.CreateContext("s", "")
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	// 420 frames of 123-byte payloads leave not a single spare byte in a
	// 64 KiB block: the last frame starts exactly where the index ends.
	payload := make([]byte, 123)
	for i := 1; i <= 420; i++ {
		if err := w.Write(wc, payload, int64(i), 0); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	breakFinalization(t, path)

	w, err = NewWriter(path, DefaultWriterConfig())
	if err != nil {
		t.Fatalf("reopen writer: %v", err)
	}
	wc, err = w.CreateContext("s", "")
	if err != nil {
		t.Fatalf("recreate context: %v", err)
	}
	if err := w.Write(wc, []byte("y"), 419, 0); !errors.Is(err, ErrNonMonotonicTimestamp) {
		t.Errorf("timestamp below recovered floor: got %v, want ErrNonMonotonicTimestamp", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer r.Close()
	frames := collectFrames(t, r, "s", 0, 1000)
	if len(frames) != 420 {
		t.Fatalf("got %d frames after recovery, want 420", len(frames))
	}
	if frames[419].ts != 420 {
		t.Errorf("last frame timestamp %d, want 420", frames[419].ts)
	}
}

func TestRecoveryReleasesEmptyBlock(t *testing.T) {
	path := newTestStore(t, 2)

	w, err := NewWriter(path, DefaultWriterConfig())
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	wc, err := w.CreateContext("s", "")
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	if err := w.Write(wc, []byte("x"), 10, 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	blockIdx := breakFinalization(t, path)

	// Smash the only frame's generation UUID so nothing in the block
	// validates.
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open data file: %v", err)
	}
	block := make([]byte, 64*1024)
	if _, err := file.ReadAt(block, blockOffset(blockIdx, 64*1024)); err != nil {
		t.Fatalf("read block: %v", err)
	}
	entry := encoding.IndexEntryAt(block, 0)
	garbage := bytes16()
	if _, err := file.WriteAt(garbage[:], blockOffset(blockIdx, 64*1024)+int64(entry.Offset)); err != nil {
		t.Fatalf("corrupt frame: %v", err)
	}
	file.Close()

	// Recovery must return the unsalvageable block to the free pool
	// instead of leaving it parked outside it.
	w, err = NewWriter(path, DefaultWriterConfig())
	if err != nil {
		t.Fatalf("reopen writer: %v", err)
	}
	defer w.Close()
	free, err := w.FreeBlockCount()
	if err != nil {
		t.Fatalf("count free blocks: %v", err)
	}
	if free != 2 {
		t.Errorf("free blocks after recovery: %d, want 2", free)
	}
	wc, err = w.CreateContext("s", "")
	if err != nil {
		t.Fatalf("recreate context: %v", err)
	}
	if err := w.Write(wc, []byte("y"), 5, 0); err != nil {
		t.Fatalf("write after release: %v", err)
	}
	if err := wc.Close(); err != nil {
		t.Fatalf("close context: %v", err)
	}
}

func TestReadReportsCorruption(t *testing.T) {
	path := newTestStore(t, 2)

	w, err := NewWriter(path, DefaultWriterConfig())
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	wc, err := w.CreateContext("s", "")
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	if err := w.Write(wc, []byte("x"), 10, 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	var blockIdx int64
	db, err := sql.Open("sqlite", path+"-catalog.db")
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	if err := db.QueryRow(`SELECT block_idx FROM segment_blocks LIMIT 1`).Scan(&blockIdx); err != nil {
		t.Fatalf("read block index: %v", err)
	}
	db.Close()

	// Smash the frame's generation UUID.
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open data file: %v", err)
	}
	block := make([]byte, 64*1024)
	if _, err := file.ReadAt(block, blockOffset(blockIdx, 64*1024)); err != nil {
		t.Fatalf("read block: %v", err)
	}
	entry := encoding.IndexEntryAt(block, 0)
	garbage := bytes16()
	if _, err := file.WriteAt(garbage[:], blockOffset(blockIdx, 64*1024)+int64(entry.Offset)); err != nil {
		t.Fatalf("corrupt frame: %v", err)
	}
	file.Close()

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer r.Close()
	err = r.Read("s", 0, 100, func([]byte, uint8, int64, int64) error { return nil })
	if !errors.Is(err, ErrStorageCorruption) {
		t.Errorf("read of corrupted frame: got %v, want ErrStorageCorruption", err)
	}
}

func bytes16() [16]byte {
	var b [16]byte
	for i := range b {
		b[i] = 0xFF
	}
	return b
}
