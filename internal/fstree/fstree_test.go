package fstree

import (
	"bytes"
	"testing"

	"github.com/strongdm/cxdb/internal/blobstore"
	"github.com/strongdm/cxdb/internal/digest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	blobs, err := blobstore.Open(dir, blobstore.DefaultOptions())
	if err != nil {
		t.Fatalf("open blobstore: %v", err)
	}
	t.Cleanup(func() { blobs.Close() })
	return New(blobs)
}

func TestEncodeIsOrderIndependent(t *testing.T) {
	a := Directory{Entries: []Entry{
		{Name: "b.txt", Kind: KindFile, ContentDigest: digest.Sum([]byte("b"))},
		{Name: "a.txt", Kind: KindFile, ContentDigest: digest.Sum([]byte("a"))},
	}}
	bDir := Directory{Entries: []Entry{
		{Name: "a.txt", Kind: KindFile, ContentDigest: digest.Sum([]byte("a"))},
		{Name: "b.txt", Kind: KindFile, ContentDigest: digest.Sum([]byte("b"))},
	}}

	encA, err := a.Encode()
	if err != nil {
		t.Fatalf("encode a: %v", err)
	}
	encB, err := bDir.Encode()
	if err != nil {
		t.Fatalf("encode b: %v", err)
	}
	if !bytes.Equal(encA, encB) {
		t.Fatalf("expected identical canonical encodings regardless of insertion order")
	}
}

func TestRejectsBadNames(t *testing.T) {
	cases := []string{"", "a/b", "..", "."}
	for _, name := range cases {
		d := Directory{Entries: []Entry{{Name: name, Kind: KindFile}}}
		if _, err := d.Encode(); err == nil {
			t.Fatalf("expected name %q to be rejected", name)
		}
	}
}

func TestPutListGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	fileA := []byte("hello from a.txt")
	fileDigestA, err := s.blobs.Put(fileA)
	if err != nil {
		t.Fatalf("put file: %v", err)
	}

	sub := Directory{Entries: []Entry{
		{Name: "nested.txt", Kind: KindFile, Size: uint64(len(fileA)), ContentDigest: fileDigestA},
	}}
	subDigest, err := s.PutDirectory(sub)
	if err != nil {
		t.Fatalf("put subdir: %v", err)
	}

	root := Directory{Entries: []Entry{
		{Name: "sub", Kind: KindDir, ContentDigest: subDigest},
		{Name: "root.txt", Kind: KindFile, Size: 5, ContentDigest: digest.Sum([]byte("top5!"))},
	}}
	if _, err := s.blobs.Put([]byte("top5!")); err != nil {
		t.Fatalf("put root.txt content: %v", err)
	}
	rootDigest, err := s.PutDirectory(root)
	if err != nil {
		t.Fatalf("put root: %v", err)
	}

	entries, err := s.ListDir(rootDigest, "")
	if err != nil {
		t.Fatalf("list root: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 root entries, got %d", len(entries))
	}

	subEntries, err := s.ListDir(rootDigest, "sub")
	if err != nil {
		t.Fatalf("list sub: %v", err)
	}
	if len(subEntries) != 1 || subEntries[0].Name != "nested.txt" {
		t.Fatalf("unexpected sub entries: %+v", subEntries)
	}

	data, entry, err := s.GetFile(rootDigest, "sub/nested.txt")
	if err != nil {
		t.Fatalf("get file: %v", err)
	}
	if string(data) != string(fileA) {
		t.Fatalf("file content mismatch: got %q", data)
	}
	if entry.Kind != KindFile {
		t.Fatalf("expected file kind, got %v", entry.Kind)
	}
}

func TestIdenticalSubtreesShareDigest(t *testing.T) {
	s := newTestStore(t)

	leaf := Directory{Entries: []Entry{
		{Name: "x.txt", Kind: KindFile, ContentDigest: digest.Sum([]byte("x"))},
	}}
	d1, err := s.PutDirectory(leaf)
	if err != nil {
		t.Fatalf("put leaf 1: %v", err)
	}
	d2, err := s.PutDirectory(leaf)
	if err != nil {
		t.Fatalf("put leaf 2: %v", err)
	}
	if d1 != d2 {
		t.Fatalf("identical directory objects should digest identically")
	}
}
