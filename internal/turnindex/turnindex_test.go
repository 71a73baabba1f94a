package turnindex

import (
	"testing"

	"github.com/strongdm/cxdb/internal/digest"
	"github.com/strongdm/cxdb/internal/turnlog"
)

func TestRebuildAndQueries(t *testing.T) {
	dir := t.TempDir()
	l, err := turnlog.Open(dir)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer l.Close()

	var last uint64
	for i := 0; i < 5; i++ {
		rec, _, err := l.Append(turnlog.Draft{
			ContextID:       1,
			ParentTurnID:    last,
			Depth:           uint32(i),
			DeclaredTypeID:  "builtin.message",
			PayloadEncoding: turnlog.EncodingMsgpack,
			PayloadDigest:   digest.Sum([]byte{byte(i)}),
			CreatedAtUnixMs: uint64(i),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		last = rec.TurnID
	}

	idx, err := Rebuild(l)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	if idx.ContextTurnCount(1) != 5 {
		t.Fatalf("expected 5 turns in context, got %d", idx.ContextTurnCount(1))
	}

	lastTwo := idx.LastN(1, 2)
	if len(lastTwo) != 2 || lastTwo[0] != 4 || lastTwo[1] != 5 {
		t.Fatalf("unexpected LastN result: %v", lastTwo)
	}

	children := idx.Children(1)
	if len(children) != 1 || children[0] != 2 {
		t.Fatalf("expected turn 1 to have child 2, got %v", children)
	}

	e, ok := idx.Get(3)
	if !ok {
		t.Fatalf("expected turn 3 to be indexed")
	}
	if e.ParentTurnID != 2 || e.Depth != 2 {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestIdempotencyKeyResolution(t *testing.T) {
	dir := t.TempDir()
	l, err := turnlog.Open(dir)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer l.Close()

	idx := New()

	rec, _, err := l.Append(turnlog.Draft{
		ContextID:       9,
		DeclaredTypeID:  "builtin.message",
		PayloadEncoding: turnlog.EncodingMsgpack,
		PayloadDigest:   digest.Sum([]byte("x")),
		CreatedAtUnixMs: 1,
		IdempotencyKey:  []byte("req-1"),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	idx.Observe(0, rec)

	turnID, ok := idx.ResolveIdempotencyKey(9, []byte("req-1"))
	if !ok || turnID != rec.TurnID {
		t.Fatalf("expected idempotency key to resolve to turn %d, got %d ok=%v", rec.TurnID, turnID, ok)
	}

	if _, ok := idx.ResolveIdempotencyKey(9, []byte("req-2")); ok {
		t.Fatalf("unrelated key should not resolve")
	}
	if _, ok := idx.ResolveIdempotencyKey(1, []byte("req-1")); ok {
		t.Fatalf("same key under different context should not resolve")
	}
}
