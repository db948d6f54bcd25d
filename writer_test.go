package tidestore

import (
	"bytes"
	"errors"
	"testing"
)

func TestNonMonotonicTimestampRejected(t *testing.T) {
	path := newTestStore(t, 2)

	w, err := NewWriter(path, DefaultWriterConfig())
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer w.Close()
	wc, err := w.CreateContext("s", "")
	if err != nil {
		t.Fatalf("create context: %v", err)
	}

	if err := w.Write(wc, []byte("a"), 100, 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Write(wc, []byte("b"), 99, 0); !errors.Is(err, ErrNonMonotonicTimestamp) {
		t.Errorf("older timestamp: got %v, want ErrNonMonotonicTimestamp", err)
	}
	// Equal timestamps are fine.
	if err := w.Write(wc, []byte("c"), 100, 0); err != nil {
		t.Errorf("equal timestamp rejected: %v", err)
	}
}

func TestMonotonicFloorSurvivesReopen(t *testing.T) {
	path := newTestStore(t, 2)

	w, err := NewWriter(path, DefaultWriterConfig())
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	wc, err := w.CreateContext("s", "")
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	if err := w.Write(wc, []byte("a"), 500, 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	w, err = NewWriter(path, DefaultWriterConfig())
	if err != nil {
		t.Fatalf("reopen writer: %v", err)
	}
	defer w.Close()
	wc, err = w.CreateContext("s", "")
	if err != nil {
		t.Fatalf("recreate context: %v", err)
	}
	if err := w.Write(wc, []byte("b"), 400, 0); !errors.Is(err, ErrNonMonotonicTimestamp) {
		t.Errorf("timestamp below persisted floor: got %v, want ErrNonMonotonicTimestamp", err)
	}
	if err := w.Write(wc, []byte("b"), 500, 0); err != nil {
		t.Errorf("timestamp at persisted floor rejected: %v", err)
	}
}

func TestDuplicateContextRejected(t *testing.T) {
	path := newTestStore(t, 2)

	w, err := NewWriter(path, DefaultWriterConfig())
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer w.Close()

	wc, err := w.CreateContext("s", "")
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	if _, err := w.CreateContext("s", ""); !errors.Is(err, ErrDuplicateStreamTag) {
		t.Errorf("second context: got %v, want ErrDuplicateStreamTag", err)
	}

	// Closing the context releases the tag.
	if err := wc.Close(); err != nil {
		t.Fatalf("close context: %v", err)
	}
	wc2, err := w.CreateContext("s", "")
	if err != nil {
		t.Fatalf("context after close: %v", err)
	}
	wc2.Close()
}

func TestContextKeepsFirstMetadata(t *testing.T) {
	path := newTestStore(t, 2)

	w, err := NewWriter(path, DefaultWriterConfig())
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer w.Close()

	wc, err := w.CreateContext("s", "original")
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	wc.Close()

	// Metadata is bound at first registration.
	wc, err = w.CreateContext("s", "changed")
	if err != nil {
		t.Fatalf("recreate context: %v", err)
	}
	defer wc.Close()
	if wc.Metadata() != "original" {
		t.Errorf("metadata %q, want %q", wc.Metadata(), "original")
	}
	if wc.Tag() != "s" {
		t.Errorf("tag %q, want %q", wc.Tag(), "s")
	}
}

func TestRowSizeTooBig(t *testing.T) {
	path := newTestStore(t, 2)

	w, err := NewWriter(path, DefaultWriterConfig())
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer w.Close()
	wc, err := w.CreateContext("s", "")
	if err != nil {
		t.Fatalf("create context: %v", err)
	}

	before, err := w.FreeBlockCount()
	if err != nil {
		t.Fatalf("free block count: %v", err)
	}

	huge := make([]byte, w.MaxPayloadSize()+1)
	if err := w.Write(wc, huge, 100, 0); !errors.Is(err, ErrRowSizeTooBig) {
		t.Fatalf("oversized payload: got %v, want ErrRowSizeTooBig", err)
	}

	// The failed write must not consume a block.
	after, err := w.FreeBlockCount()
	if err != nil {
		t.Fatalf("free block count: %v", err)
	}
	if after != before {
		t.Errorf("free blocks changed from %d to %d on failed write", before, after)
	}

	// A maximum-size payload goes through.
	max := make([]byte, w.MaxPayloadSize())
	if err := w.Write(wc, max, 100, 0); err != nil {
		t.Errorf("max payload rejected: %v", err)
	}
}

func TestBlockRollover(t *testing.T) {
	path := newTestStore(t, 4)

	w, err := NewWriter(path, DefaultWriterConfig())
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	wc, err := w.CreateContext("s", "")
	if err != nil {
		t.Fatalf("create context: %v", err)
	}

	// Each 8000-byte frame occupies just over 8 KiB in a 64 KiB block, so
	// twenty writes must span at least three blocks.
	payload := bytes.Repeat([]byte{0xAB}, 8000)
	for i := 0; i < 20; i++ {
		if err := w.Write(wc, payload, int64(i), 0); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
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
	if len(frames) != 20 {
		t.Fatalf("expected 20 frames, got %d", len(frames))
	}
	seqs := map[int64]bool{}
	for i, f := range frames {
		if f.ts != int64(i) {
			t.Errorf("frame %d: timestamp %d", i, f.ts)
		}
		if len(f.data) != 8000 {
			t.Errorf("frame %d: %d bytes", i, len(f.data))
		}
		seqs[f.blockSeq] = true
	}
	if len(seqs) < 3 {
		t.Errorf("expected frames across at least 3 blocks, got %d", len(seqs))
	}
}

func TestPoolExhaustion(t *testing.T) {
	path := newTestStore(t, 2)

	w, err := NewWriter(path, DefaultWriterConfig())
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer w.Close()
	wc, err := w.CreateContext("s", "")
	if err != nil {
		t.Fatalf("create context: %v", err)
	}

	// 60000-byte frames fill a 64 KiB block one at a time.
	payload := make([]byte, 60000)
	if err := w.Write(wc, payload, 1, 0); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	if err := w.Write(wc, payload, 2, 0); err != nil {
		t.Fatalf("write 2: %v", err)
	}
	if err := w.Write(wc, payload, 3, 0); !errors.Is(err, ErrNoFreeBlocks) {
		t.Fatalf("write into full pool: got %v, want ErrNoFreeBlocks", err)
	}

	// Freeing old data makes the pool usable again.
	if err := wc.Close(); err != nil {
		t.Fatalf("close context: %v", err)
	}
	if err := w.FreeBlocks("s", 1, 2); err != nil {
		t.Fatalf("free blocks: %v", err)
	}
	free, err := w.FreeBlockCount()
	if err != nil {
		t.Fatalf("free block count: %v", err)
	}
	if free != 2 {
		t.Errorf("free blocks %d, want 2", free)
	}
}

func TestAutoReclaim(t *testing.T) {
	path := newTestStore(t, 2)

	cfg := DefaultWriterConfig()
	cfg.AutoReclaim = true
	w, err := NewWriter(path, cfg)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	wc, err := w.CreateContext("s", "")
	if err != nil {
		t.Fatalf("create context: %v", err)
	}

	payload := make([]byte, 60000)
	for i := 1; i <= 4; i++ {
		if err := w.Write(wc, payload, int64(i), 0); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	// The two oldest frames were recycled away; the newest survive.
	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer r.Close()
	frames := collectFrames(t, r, "s", 0, 100)
	if len(frames) != 2 {
		t.Fatalf("expected 2 surviving frames, got %d", len(frames))
	}
	if frames[0].ts != 3 || frames[1].ts != 4 {
		t.Errorf("surviving timestamps %d, %d; want 3, 4", frames[0].ts, frames[1].ts)
	}
}

func TestFreeBlocksNeverSplitsSegment(t *testing.T) {
	path := newTestStore(t, 4)

	w, err := NewWriter(path, DefaultWriterConfig())
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer w.Close()
	wc, err := w.CreateContext("s", "")
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	// One segment spanning [10, 40].
	for _, ts := range []int64{10, 20, 30, 40} {
		if err := w.Write(wc, []byte("x"), ts, 0); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := wc.Close(); err != nil {
		t.Fatalf("close context: %v", err)
	}

	before, err := w.FreeBlockCount()
	if err != nil {
		t.Fatalf("free block count: %v", err)
	}

	// The range covers only part of the segment, so nothing is freed.
	if err := w.FreeBlocks("s", 10, 25); err != nil {
		t.Fatalf("free blocks: %v", err)
	}
	after, err := w.FreeBlockCount()
	if err != nil {
		t.Fatalf("free block count: %v", err)
	}
	if after != before {
		t.Errorf("partial range freed blocks: %d -> %d", before, after)
	}

	// Covering the whole segment frees it.
	if err := w.FreeBlocks("s", 0, 100); err != nil {
		t.Fatalf("free blocks: %v", err)
	}
	after, err = w.FreeBlockCount()
	if err != nil {
		t.Fatalf("free block count: %v", err)
	}
	if after != before+1 {
		t.Errorf("free blocks %d, want %d", after, before+1)
	}
}

func TestFreeBlocksValidation(t *testing.T) {
	path := newTestStore(t, 2)

	w, err := NewWriter(path, DefaultWriterConfig())
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer w.Close()

	if err := w.FreeBlocks("nope", 0, 10); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("unknown stream: got %v, want ErrInvalidArgument", err)
	}
	wc, err := w.CreateContext("s", "")
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	defer wc.Close()
	if err := w.FreeBlocks("s", 10, 5); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("inverted range: got %v, want ErrInvalidArgument", err)
	}
}
