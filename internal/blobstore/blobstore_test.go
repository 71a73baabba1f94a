package blobstore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/strongdm/cxdb/internal/cxerr"
	"github.com/strongdm/cxdb/internal/digest"
)

func TestPutGetDedup(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	data := []byte("hello CXDB, this is a turn payload that should round-trip")

	d1, err := s.Put(data)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if d1 != digest.Sum(data) {
		t.Fatalf("digest mismatch")
	}

	countBefore := s.Count()
	d2, err := s.Put(data)
	if err != nil {
		t.Fatalf("put dup: %v", err)
	}
	if d2 != d1 {
		t.Fatalf("dedup should return same digest")
	}
	if s.Count() != countBefore {
		t.Fatalf("duplicate put should not grow the store, got %d want %d", s.Count(), countBefore)
	}

	got, err := s.Get(d1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch")
	}
}

func TestEmptyPayload(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	d, err := s.Put(nil)
	if err != nil {
		t.Fatalf("put empty: %v", err)
	}
	if d != digest.Zero {
		t.Fatalf("empty payload should digest to the zero-string digest")
	}
	got, err := s.Get(d)
	if err != nil {
		t.Fatalf("get empty: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty bytes back")
	}
}

func TestIndexSnapshotSpeedsReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	before, err := s.Put([]byte("written before the snapshot"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.SnapshotIndex(); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	// Appends after the snapshot are recovered by the tail scan.
	after, err := s.Put([]byte("written after the snapshot"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	s.Close()

	s2, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	for _, d := range []digest.Digest{before, after} {
		if !s2.Exists(d) {
			t.Fatalf("blob %s missing after snapshot-assisted reopen", d)
		}
		if _, err := s2.Get(d); err != nil {
			t.Fatalf("get %s: %v", d, err)
		}
	}
}

func TestCorruptIndexSnapshotFallsBackToFullScan(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	d, err := s.Put([]byte("survives a bad snapshot"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.SnapshotIndex(); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	s.Close()

	snapPath := filepath.Join(dir, "index.snap")
	if err := os.WriteFile(snapPath, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if !s2.Exists(d) {
		t.Fatalf("full scan should recover the blob despite a corrupt snapshot")
	}
}

func TestBlobCapIsExact(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.MaxBlobSize = 1024
	s, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	// Exactly at the cap is accepted.
	atCap := bytes.Repeat([]byte{0xAB}, 1024)
	if _, err := s.Put(atCap); err != nil {
		t.Fatalf("put at cap: %v", err)
	}

	// One byte over is rejected.
	over := bytes.Repeat([]byte{0xAB}, 1025)
	_, err = s.Put(over)
	if cxerr.As(err) != cxerr.CodePayloadTooLarge {
		t.Fatalf("expected PAYLOAD_TOO_LARGE, got %v", err)
	}
}

func TestNotFound(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	var bogus digest.Digest
	bogus[0] = 0xFF
	if _, err := s.Get(bogus); err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestReopenRebuildsIndex(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var digests []digest.Digest
	for i := 0; i < 50; i++ {
		data := bytes.Repeat([]byte{byte(i)}, 100+i)
		d, err := s.Put(data)
		if err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
		digests = append(digests, d)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	if s2.Count() != 50 {
		t.Fatalf("expected 50 blobs after reopen, got %d", s2.Count())
	}
	for i, d := range digests {
		data, err := s2.Get(d)
		if err != nil {
			t.Fatalf("get %d after reopen: %v", i, err)
		}
		want := bytes.Repeat([]byte{byte(i)}, 100+i)
		if !bytes.Equal(data, want) {
			t.Fatalf("data mismatch after reopen for blob %d", i)
		}
	}
}

func TestTruncatedTailRecordIsSkippedOnRecovery(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Put([]byte("a complete blob")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Simulate a crash mid-write of a second record by appending a
	// partial record header with no payload.
	packPath := filepath.Join(dir, "pack.cxb")
	f, err := os.OpenFile(packPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := f.Write([]byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	f.Close()

	s2, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("reopen with truncated tail: %v", err)
	}
	defer s2.Close()

	if s2.Count() != 1 {
		t.Fatalf("expected the one complete blob to survive, got count %d", s2.Count())
	}
}

func TestLargeCompressiblePayloadShrinks(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	data := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 1000)
	d, err := s.Put(data)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	v, ok := s.index.Load(d)
	if !ok {
		t.Fatalf("missing index entry")
	}
	loc := v.(Location)
	if loc.Flags&flagZstd == 0 {
		t.Fatalf("expected highly compressible payload to be stored compressed")
	}
	if loc.CompressedLen >= loc.UncompressedLen {
		t.Fatalf("compressed len %d should be smaller than uncompressed %d", loc.CompressedLen, loc.UncompressedLen)
	}
}
