// Package fstree implements CXDB's filesystem snapshot feature:
// canonical directory object encoding and path resolution over a
// Merkle tree of blobs already content-addressed by internal/blobstore.
//
// Directory objects are digests of a deterministic encoding, so the
// same logical tree always produces the same root digest, on any
// machine, regardless of insertion order.
package fstree

import (
	"encoding/binary"
	"sort"
	"strings"

	"github.com/strongdm/cxdb/internal/blobstore"
	"github.com/strongdm/cxdb/internal/cxerr"
	"github.com/strongdm/cxdb/internal/digest"
)

// Kind identifies a directory entry's filesystem object type.
type Kind uint8

const (
	KindFile    Kind = 1
	KindDir     Kind = 2
	KindSymlink Kind = 3
)

// Entry is one row of a directory object.
type Entry struct {
	Name          string
	Kind          Kind
	Mode          uint32
	Size          uint64 // files only; 0 for dir/symlink
	ContentDigest digest.Digest
}

// Directory is a canonical, deterministic directory object: entries
// sorted by name ascending. Two directories with identical entries
// (by content, not insertion order) encode to identical bytes and
// therefore share the same digest.
type Directory struct {
	Entries []Entry
}

// Encode produces the canonical byte encoding of d: entries sorted by
// name ascending, each `[name_len u16][name][kind u8][mode
// u32][size u64][content_digest 32]`.
func (d Directory) Encode() ([]byte, error) {
	entries := append([]Entry(nil), d.Entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	var size int
	for i, e := range entries {
		if i > 0 && entries[i-1].Name == e.Name {
			return nil, cxerr.Newf(cxerr.CodeBadRequest, "duplicate directory entry name %q", e.Name)
		}
		if err := validateName(e.Name); err != nil {
			return nil, err
		}
		size += 2 + len(e.Name) + 1 + 4 + 8 + digest.Size
	}

	buf := make([]byte, size)
	off := 0
	for _, e := range entries {
		nameBytes := []byte(e.Name)
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(nameBytes)))
		off += 2
		copy(buf[off:], nameBytes)
		off += len(nameBytes)
		buf[off] = uint8(e.Kind)
		off++
		binary.LittleEndian.PutUint32(buf[off:], e.Mode)
		off += 4
		binary.LittleEndian.PutUint64(buf[off:], e.Size)
		off += 8
		copy(buf[off:], e.ContentDigest[:])
		off += digest.Size
	}

	return buf, nil
}

func validateName(name string) error {
	if name == "" {
		return cxerr.New(cxerr.CodeBadRequest, "directory entry name must not be empty")
	}
	if strings.Contains(name, "/") {
		return cxerr.Newf(cxerr.CodeBadRequest, "directory entry name %q must not contain '/'", name)
	}
	if name == ".." || name == "." {
		return cxerr.Newf(cxerr.CodeBadRequest, "directory entry name %q is not allowed", name)
	}
	return nil
}

// Decode parses the canonical encoding produced by Encode.
func Decode(buf []byte) (Directory, error) {
	var d Directory
	off := 0
	for off < len(buf) {
		if off+2 > len(buf) {
			return Directory{}, cxerr.New(cxerr.CodeCorrupted, "directory object: truncated entry header")
		}
		nameLen := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		if off+nameLen+1+4+8+digest.Size > len(buf) {
			return Directory{}, cxerr.New(cxerr.CodeCorrupted, "directory object: truncated entry")
		}
		name := string(buf[off : off+nameLen])
		off += nameLen
		kind := Kind(buf[off])
		off++
		mode := binary.LittleEndian.Uint32(buf[off:])
		off += 4
		size := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		var cd digest.Digest
		copy(cd[:], buf[off:off+digest.Size])
		off += digest.Size

		d.Entries = append(d.Entries, Entry{
			Name:          name,
			Kind:          kind,
			Mode:          mode,
			Size:          size,
			ContentDigest: cd,
		})
	}
	return d, nil
}

// Store resolves filesystem trees rooted at a directory object digest,
// reusing blobstore for both directory objects and file/symlink
// content: there is no separate storage for filesystem data, only
// resolution logic on top of the blob store.
type Store struct {
	blobs *blobstore.Store
}

// New wraps blobs with filesystem tree resolution.
func New(blobs *blobstore.Store) *Store {
	return &Store{blobs: blobs}
}

// PutDirectory canonically encodes dir, stores it as a blob, and
// returns its digest.
func (s *Store) PutDirectory(dir Directory) (digest.Digest, error) {
	encoded, err := dir.Encode()
	if err != nil {
		return digest.Digest{}, err
	}
	return s.blobs.Put(encoded)
}

// GetDirectory resolves d to a Directory.
func (s *Store) GetDirectory(d digest.Digest) (Directory, error) {
	raw, err := s.blobs.Get(d)
	if err != nil {
		return Directory{}, err
	}
	return Decode(raw)
}

// ListDir resolves path (slash-separated, relative to rootDigest) to
// the directory object at that path and returns its entries. An empty
// path returns the root directory's own entries.
func (s *Store) ListDir(rootDigest digest.Digest, path string) ([]Entry, error) {
	dir, err := s.resolveDir(rootDigest, path)
	if err != nil {
		return nil, err
	}
	return dir.Entries, nil
}

// GetFile resolves path to a file or symlink entry and returns its
// raw content bytes along with the entry metadata.
func (s *Store) GetFile(rootDigest digest.Digest, path string) ([]byte, Entry, error) {
	parent, name := splitPath(path)
	if name == "" {
		return nil, Entry{}, cxerr.New(cxerr.CodeBadRequest, "get_file requires a non-empty path")
	}

	dir, err := s.resolveDir(rootDigest, parent)
	if err != nil {
		return nil, Entry{}, err
	}

	entry, ok := findEntry(dir, name)
	if !ok {
		return nil, Entry{}, cxerr.Newf(cxerr.CodeNotFound, "path %q not found", path)
	}
	if entry.Kind != KindFile && entry.Kind != KindSymlink {
		return nil, Entry{}, cxerr.Newf(cxerr.CodeBadRequest, "path %q is a directory", path)
	}

	data, err := s.blobs.Get(entry.ContentDigest)
	if err != nil {
		return nil, Entry{}, err
	}
	return data, entry, nil
}

// resolveDir walks path's components from rootDigest, fetching one
// directory object per component, so resolution cost is bounded by
// the path's depth.
func (s *Store) resolveDir(rootDigest digest.Digest, path string) (Directory, error) {
	dir, err := s.GetDirectory(rootDigest)
	if err != nil {
		return Directory{}, err
	}

	components := splitComponents(path)
	for _, comp := range components {
		entry, ok := findEntry(dir, comp)
		if !ok {
			return Directory{}, cxerr.Newf(cxerr.CodeNotFound, "path component %q not found", comp)
		}
		if entry.Kind != KindDir {
			return Directory{}, cxerr.Newf(cxerr.CodeBadRequest, "path component %q is not a directory", comp)
		}
		dir, err = s.GetDirectory(entry.ContentDigest)
		if err != nil {
			return Directory{}, err
		}
	}
	return dir, nil
}

func findEntry(dir Directory, name string) (Entry, bool) {
	for _, e := range dir.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

func splitComponents(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func splitPath(path string) (dir string, name string) {
	path = strings.Trim(path, "/")
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}
