package turnlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/strongdm/cxdb/internal/digest"
)

func TestAppendAssignsSequentialTurnIDs(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	for i := 0; i < 5; i++ {
		rec, _, err := l.Append(Draft{
			ContextID:       1,
			DeclaredTypeID:  "builtin.message",
			PayloadEncoding: EncodingMsgpack,
			PayloadDigest:   digest.Sum([]byte{byte(i)}),
			CreatedAtUnixMs: 1000,
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if rec.TurnID != uint64(i+1) {
			t.Fatalf("expected turn_id %d, got %d", i+1, rec.TurnID)
		}
	}
	if l.NextTurnID() != 6 {
		t.Fatalf("expected next turn id 6, got %d", l.NextTurnID())
	}
}

func TestReopenRebuildsTurnIDSequence(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var offsets []int64
	for i := 0; i < 10; i++ {
		rec, _, err := l.Append(Draft{
			ContextID:       uint64(i % 3),
			ParentTurnID:    0,
			DeclaredTypeID:  "builtin.message",
			PayloadEncoding: EncodingMsgpack,
			PayloadDigest:   digest.Sum([]byte{byte(i)}),
			CreatedAtUnixMs: uint64(1000 + i),
			IdempotencyKey:  []byte("key-" + string(rune('a'+i))),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		_ = rec
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	l2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()

	if l2.NextTurnID() != 11 {
		t.Fatalf("expected next turn id 11 after reopen, got %d", l2.NextTurnID())
	}

	count := 0
	if err := l2.Scan(func(off int64, rec Record) error {
		offsets = append(offsets, off)
		count++
		return nil
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 10 {
		t.Fatalf("expected 10 records on scan, got %d", count)
	}
}

func TestRoundTripRecordFields(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	fsRoot := digest.Sum([]byte("fs-root"))
	draft := Draft{
		ContextID:              42,
		ParentTurnID:           7,
		Depth:                  3,
		DeclaredTypeID:         "builtin.tool_call",
		DeclaredTypeVersion:    2,
		PayloadEncoding:        EncodingMsgpack,
		PayloadCompression:     CompressionZstd,
		PayloadUncompressedLen: 1234,
		PayloadDigest:          digest.Sum([]byte("payload")),
		FSRootDigest:           &fsRoot,
		CreatedAtUnixMs:        1700000000000,
		IdempotencyKey:         []byte("abc-123"),
	}

	rec, _, err := l.Append(draft)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	var gotOffset int64 = -1
	if err := l.Scan(func(off int64, r Record) error {
		gotOffset = off
		return nil
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}

	got, err := l.ReadAt(gotOffset)
	if err != nil {
		t.Fatalf("read at: %v", err)
	}

	if got.TurnID != rec.TurnID {
		t.Fatalf("turn id mismatch: got %d want %d", got.TurnID, rec.TurnID)
	}
	if got.ContextID != draft.ContextID || got.ParentTurnID != draft.ParentTurnID || got.Depth != draft.Depth {
		t.Fatalf("scalar field mismatch: %+v", got)
	}
	if got.DeclaredTypeID != draft.DeclaredTypeID || got.DeclaredTypeVersion != draft.DeclaredTypeVersion {
		t.Fatalf("type field mismatch: %+v", got)
	}
	if got.PayloadDigest != draft.PayloadDigest {
		t.Fatalf("payload digest mismatch")
	}
	if got.FSRootDigest == nil || *got.FSRootDigest != *draft.FSRootDigest {
		t.Fatalf("fs root digest mismatch")
	}
	if string(got.IdempotencyKey) != string(draft.IdempotencyKey) {
		t.Fatalf("idempotency key mismatch: got %q want %q", got.IdempotencyKey, draft.IdempotencyKey)
	}
}

func TestOpenFailsOnTruncatedFinalRecord(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, _, err := l.Append(Draft{
		ContextID:       1,
		DeclaredTypeID:  "builtin.message",
		PayloadEncoding: EncodingMsgpack,
		PayloadDigest:   digest.Sum([]byte("a")),
		CreatedAtUnixMs: 1,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	path := filepath.Join(dir, "turns.cxl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	// A record length prefix promising far more bytes than actually follow.
	if _, err := f.Write([]byte{0xFF, 0xFF, 0x00, 0x00}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	f.Close()

	_, err = Open(dir)
	if err == nil {
		t.Fatalf("expected Open to fail on truncated final record")
	}
	var trunc *TruncatedError
	if !isTruncatedError(err, &trunc) {
		t.Fatalf("expected *TruncatedError, got %T: %v", err, err)
	}
}

func isTruncatedError(err error, out **TruncatedError) bool {
	te, ok := err.(*TruncatedError)
	if ok {
		*out = te
	}
	return ok
}
