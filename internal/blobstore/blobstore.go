// Package blobstore implements CXDB's content-addressed blob store: a
// single append-only packed blob file plus an in-memory index mapping
// digest to pack offset, rebuildable by scanning the pack from
// scratch.
package blobstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/strongdm/cxdb/internal/cxerr"
	"github.com/strongdm/cxdb/internal/digest"
	"github.com/strongdm/cxdb/internal/fsutil"
)

const (
	packMagic      = "CXBP"
	packVersion    = 1
	packHeaderSize = 64

	flagZstd = 1 << 0
)

// recordHeaderSize is the fixed-width prefix of each pack record:
// flags(1) + compressedLen(4) + uncompressedLen(4) + digest(32) + crc32(4).
const recordHeaderSize = 1 + 4 + 4 + digest.Size + 4

// Location records where a blob lives in the pack file.
type Location struct {
	Offset          int64
	CompressedLen   uint32
	UncompressedLen uint32
	Flags           uint8
}

// Store is CXDB's content-addressed blob store.
type Store struct {
	mu    sync.Mutex // serializes pack appends
	index sync.Map   // digest.Digest -> Location, lock-free reads

	dir      string
	pack     *os.File
	packSize int64

	maxBlobSize int64
	zstdLevel   int
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
}

// Options configures a Store.
type Options struct {
	// ZstdLevel controls the compression effort, default 3.
	ZstdLevel int
	// MaxBlobSize caps the size of any single blob accepted by Put.
	MaxBlobSize int64
}

// DefaultOptions returns the deployed defaults: zstd level 3 and a
// 10 MiB blob cap.
func DefaultOptions() Options {
	return Options{ZstdLevel: 3, MaxBlobSize: 10 << 20}
}

// Open opens or creates the blob store rooted at dir, the data
// directory's blobs/ subtree.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create dir: %w", err)
	}
	if opts.ZstdLevel <= 0 {
		opts.ZstdLevel = 3
	}
	if opts.MaxBlobSize <= 0 {
		opts.MaxBlobSize = 10 << 20
	}

	packPath := filepath.Join(dir, "pack.cxb")
	f, err := os.OpenFile(packPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blobstore: open pack: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevelFor(opts.ZstdLevel)))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blobstore: init zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blobstore: init zstd decoder: %w", err)
	}

	s := &Store{
		dir:         dir,
		pack:        f,
		maxBlobSize: opts.MaxBlobSize,
		zstdLevel:   opts.ZstdLevel,
		encoder:     encoder,
		decoder:     decoder,
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if stat.Size() == 0 {
		if err := s.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		s.packSize = packHeaderSize
	} else {
		if err := s.readHeader(); err != nil {
			f.Close()
			return nil, err
		}
		// Recovery: load the index snapshot if one exists, then scan
		// the pack forward from the offset it covers. A missing or
		// corrupt snapshot just means scanning from the top.
		start := s.loadIndexSnapshot(stat.Size())
		if err := s.scanPack(start); err != nil {
			f.Close()
			return nil, err
		}
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}

	return s, nil
}

func zstdLevelFor(level int) zstd.EncoderLevel {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level <= 3:
		return zstd.SpeedDefault
	case level <= 9:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// Close releases the store's file handle.
func (s *Store) Close() error {
	return s.pack.Close()
}

func (s *Store) writeHeader() error {
	buf := make([]byte, packHeaderSize)
	copy(buf[0:4], packMagic)
	binary.LittleEndian.PutUint32(buf[4:8], packVersion)
	if _, err := s.pack.WriteAt(buf, 0); err != nil {
		return err
	}
	return s.pack.Sync()
}

func (s *Store) readHeader() error {
	buf := make([]byte, packHeaderSize)
	if _, err := s.pack.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("blobstore: read header: %w", err)
	}
	if string(buf[0:4]) != packMagic {
		return cxerr.New(cxerr.CodeCorrupted, "blob pack: bad magic")
	}
	version := binary.LittleEndian.Uint32(buf[4:8])
	if version != packVersion {
		return cxerr.Newf(cxerr.CodeCorrupted, "blob pack: unsupported version %d", version)
	}
	return nil
}

// Put stores data, deduplicating by digest, and returns its digest.
// It compresses with zstd when doing so shrinks the payload by more
// than a small margin; otherwise it stores the bytes as-is.
func (s *Store) Put(data []byte) (digest.Digest, error) {
	if int64(len(data)) > s.maxBlobSize {
		return digest.Digest{}, cxerr.Newf(cxerr.CodePayloadTooLarge,
			"blob of %d bytes exceeds cap of %d", len(data), s.maxBlobSize)
	}

	d := digest.Sum(data)

	if _, ok := s.index.Load(d); ok {
		return d, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check under the write lock: another goroutine may have
	// inserted this digest while we waited.
	if _, ok := s.index.Load(d); ok {
		return d, nil
	}

	flags := uint8(0)
	stored := data
	const shrinkThreshold = 16 // bytes; avoid compressing noise-sized wins
	compressed := s.encoder.EncodeAll(data, nil)
	if len(compressed)+shrinkThreshold < len(data) {
		stored = compressed
		flags |= flagZstd
	}

	offset := s.packSize
	record := encodeRecord(flags, uint32(len(stored)), uint32(len(data)), d, stored)

	if _, err := s.pack.WriteAt(record, offset); err != nil {
		return digest.Digest{}, fmt.Errorf("blobstore: write record: %w", err)
	}
	if err := fsutil.Datasync(s.pack); err != nil {
		return digest.Digest{}, fmt.Errorf("blobstore: sync: %w", err)
	}

	s.packSize += int64(len(record))
	s.index.Store(d, Location{
		Offset:          offset,
		CompressedLen:   uint32(len(stored)),
		UncompressedLen: uint32(len(data)),
		Flags:           flags,
	})

	return d, nil
}

// Get returns the exact bytes previously stored under digest d,
// verifying integrity by re-digesting on read.
func (s *Store) Get(d digest.Digest) ([]byte, error) {
	v, ok := s.index.Load(d)
	if !ok {
		return nil, cxerr.New(cxerr.CodeNotFound, "blob not found: "+d.String())
	}
	loc := v.(Location)

	raw := make([]byte, loc.CompressedLen)
	if _, err := s.pack.ReadAt(raw, loc.Offset+recordHeaderSize); err != nil {
		return nil, fmt.Errorf("blobstore: read blob %s: %w", d, err)
	}

	var data []byte
	if loc.Flags&flagZstd != 0 {
		out, err := s.decoder.DecodeAll(raw, make([]byte, 0, loc.UncompressedLen))
		if err != nil {
			return nil, cxerr.Wrap(cxerr.CodeCorrupted, fmt.Errorf("decompress blob %s: %w", d, err))
		}
		data = out
	} else {
		data = raw
	}

	if uint32(len(data)) != loc.UncompressedLen {
		return nil, cxerr.Newf(cxerr.CodeCorrupted, "blob %s: length mismatch", d)
	}

	got := digest.Sum(data)
	if !got.Equal(d) {
		return nil, cxerr.Newf(cxerr.CodeCorrupted, "blob %s: digest mismatch on read (got %s)", d, got)
	}

	return data, nil
}

// Exists reports whether digest d has been stored.
func (s *Store) Exists(d digest.Digest) bool {
	_, ok := s.index.Load(d)
	return ok
}

// Size returns the size in bytes of the backing pack file.
func (s *Store) Size() int64 {
	return s.packSize
}

// Count returns the number of distinct blobs stored.
func (s *Store) Count() int {
	n := 0
	s.index.Range(func(_, _ any) bool { n++; return true })
	return n
}

func encodeRecord(flags uint8, compressedLen, uncompressedLen uint32, d digest.Digest, payload []byte) []byte {
	buf := make([]byte, recordHeaderSize+len(payload))
	buf[0] = flags
	binary.LittleEndian.PutUint32(buf[1:5], compressedLen)
	binary.LittleEndian.PutUint32(buf[5:9], uncompressedLen)
	copy(buf[9:9+digest.Size], d[:])
	copy(buf[recordHeaderSize:], payload)
	crc := crc32.ChecksumIEEE(buf[:recordHeaderSize-4])
	crc = crc32.Update(crc, crc32.IEEETable, payload)
	binary.LittleEndian.PutUint32(buf[recordHeaderSize-4:recordHeaderSize], crc)
	return buf
}


const (
	indexSnapMagic   = "CXBI"
	indexSnapVersion = 1
	indexEntryLen    = digest.Size + 8 + 4 + 4 + 1
)

// loadIndexSnapshot loads blobs/index.snap into the index and returns
// the pack offset the snapshot covers, falling back to the start of
// the pack's record area when the snapshot is absent, corrupt, or
// ahead of the actual pack file (a snapshot from a different pack).
func (s *Store) loadIndexSnapshot(packFileSize int64) int64 {
	fallback := int64(packHeaderSize)

	data, err := os.ReadFile(filepath.Join(s.dir, "index.snap"))
	if err != nil {
		return fallback
	}
	if len(data) < 4+4+8+8+4 || string(data[0:4]) != indexSnapMagic {
		return fallback
	}
	if binary.LittleEndian.Uint32(data[4:8]) != indexSnapVersion {
		return fallback
	}

	crcField := len(data) - 4
	if crc32.ChecksumIEEE(data[:crcField]) != binary.LittleEndian.Uint32(data[crcField:]) {
		return fallback
	}

	covered := int64(binary.LittleEndian.Uint64(data[8:16]))
	count := binary.LittleEndian.Uint64(data[16:24])
	if covered < packHeaderSize || covered > packFileSize {
		return fallback
	}
	if int(count)*indexEntryLen != crcField-24 {
		return fallback
	}

	off := 24
	for i := uint64(0); i < count; i++ {
		var d digest.Digest
		copy(d[:], data[off:off+digest.Size])
		off += digest.Size
		loc := Location{
			Offset:          int64(binary.LittleEndian.Uint64(data[off:])),
			CompressedLen:   binary.LittleEndian.Uint32(data[off+8:]),
			UncompressedLen: binary.LittleEndian.Uint32(data[off+12:]),
			Flags:           data[off+16],
		}
		off += 8 + 4 + 4 + 1
		s.index.Store(d, loc)
	}
	return covered
}

// SnapshotIndex persists the current index to blobs/index.snap so the
// next startup scans only the pack records appended since. Safe to
// call while writes continue; the covered offset is captured before
// the entries, so a concurrent append is simply re-scanned next time.
func (s *Store) SnapshotIndex() error {
	s.mu.Lock()
	covered := s.packSize
	type pair struct {
		d   digest.Digest
		loc Location
	}
	var entries []pair
	s.index.Range(func(k, v any) bool {
		entries = append(entries, pair{k.(digest.Digest), v.(Location)})
		return true
	})
	s.mu.Unlock()

	buf := make([]byte, 24+len(entries)*indexEntryLen+4)
	copy(buf[0:4], indexSnapMagic)
	binary.LittleEndian.PutUint32(buf[4:8], indexSnapVersion)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(covered))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(len(entries)))

	off := 24
	for _, e := range entries {
		copy(buf[off:], e.d[:])
		off += digest.Size
		binary.LittleEndian.PutUint64(buf[off:], uint64(e.loc.Offset))
		binary.LittleEndian.PutUint32(buf[off+8:], e.loc.CompressedLen)
		binary.LittleEndian.PutUint32(buf[off+12:], e.loc.UncompressedLen)
		buf[off+16] = e.loc.Flags
		off += 8 + 4 + 4 + 1
	}
	binary.LittleEndian.PutUint32(buf[off:], crc32.ChecksumIEEE(buf[:off]))

	path := filepath.Join(s.dir, "index.snap")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("blobstore: write index snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// scanPack rebuilds the in-memory index by scanning the pack file
// forward from the given offset to the end. The index is always fully
// reconstructable from the pack, so from is just a head start.
func (s *Store) scanPack(from int64) error {
	r := bufio.NewReaderSize(io.NewSectionReader(s.pack, from, 1<<62), 1<<20)
	offset := from

	for {
		header := make([]byte, recordHeaderSize)
		n, err := io.ReadFull(r, header)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF || n != recordHeaderSize {
			// Truncated trailing record: stop here, keep what scanned cleanly.
			break
		}
		if err != nil {
			return fmt.Errorf("blobstore: scan pack: %w", err)
		}

		flags := header[0]
		compressedLen := binary.LittleEndian.Uint32(header[1:5])
		uncompressedLen := binary.LittleEndian.Uint32(header[5:9])
		var d digest.Digest
		copy(d[:], header[9:9+digest.Size])
		wantCRC := binary.LittleEndian.Uint32(header[recordHeaderSize-4 : recordHeaderSize])

		payload := make([]byte, compressedLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			break // truncated payload at tail; stop scanning
		}

		crc := crc32.ChecksumIEEE(header[:recordHeaderSize-4])
		crc = crc32.Update(crc, crc32.IEEETable, payload)
		if crc != wantCRC {
			break // corrupted tail record
		}

		s.index.Store(d, Location{
			Offset:          offset,
			CompressedLen:   compressedLen,
			UncompressedLen: uncompressedLen,
			Flags:           flags,
		})

		recordLen := int64(recordHeaderSize) + int64(compressedLen)
		offset += recordLen
	}

	s.packSize = offset
	return nil
}
