// Package headtable tracks, for every context, the turn_id currently
// at the tip of its history. Advancing a head is a compare-and-swap:
// the caller must present the head it observed, and the advance is
// rejected with CONFLICT if the table has moved since.
//
// On-disk shape mirrors internal/blobstore and internal/turnlog's
// snapshot+tail-log split: heads.snap holds a full dump of the table
// as of the last compaction, heads.log holds every transition since,
// and Open replays both.
package headtable

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/strongdm/cxdb/internal/cxerr"
	"github.com/strongdm/cxdb/internal/fsutil"
)

const (
	snapMagic = "CXHS"
	logMagic  = "CXHL"
	version   = 1
	headerLen = 16

	snapEntryLen = 8 + 8 + 4 + 8 + 8 // context_id, head_turn_id, depth, base_turn_id, updated_at_unix_ms
	logEntryLen  = 4 + snapEntryLen  // crc32 + snapEntry fields
)

// Head is the current tip of one context's history.
type Head struct {
	ContextID       uint64
	HeadTurnID      uint64
	Depth           uint32
	BaseTurnID      uint64 // the turn this context's history was forked from, 0 if none
	UpdatedAtUnixMs uint64
}

// Table is the in-memory, durably-backed map from context_id to Head.
type Table struct {
	mu sync.Mutex

	dir     string
	logFile *os.File

	heads        map[uint64]Head
	maxContextID uint64
}

// Open loads the head table from dir (heads/heads.snap + heads/heads.log),
// replaying the snapshot and then the tail log in order.
func Open(dir string) (*Table, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("headtable: create dir: %w", err)
	}

	t := &Table{dir: dir, heads: make(map[uint64]Head)}

	snapPath := filepath.Join(dir, "heads.snap")
	if data, err := os.ReadFile(snapPath); err == nil {
		if err := t.loadSnapshot(data); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("headtable: read snapshot: %w", err)
	}

	logPath := filepath.Join(dir, "heads.log")
	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("headtable: open log: %w", err)
	}
	t.logFile = f

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if stat.Size() == 0 {
		if err := t.writeLogHeader(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if err := t.replayLog(); err != nil {
			f.Close()
			return nil, err
		}
	}

	return t, nil
}

// Close releases the table's file handle.
func (t *Table) Close() error {
	return t.logFile.Close()
}

func (t *Table) loadSnapshot(data []byte) error {
	if len(data) < headerLen {
		return cxerr.New(cxerr.CodeCorrupted, "head snapshot: truncated header")
	}
	if string(data[0:4]) != snapMagic {
		return cxerr.New(cxerr.CodeCorrupted, "head snapshot: bad magic")
	}
	if binary.LittleEndian.Uint32(data[4:8]) != version {
		return cxerr.New(cxerr.CodeCorrupted, "head snapshot: unsupported version")
	}
	count := binary.LittleEndian.Uint64(data[8:16])

	off := headerLen
	for i := uint64(0); i < count; i++ {
		if off+snapEntryLen > len(data) {
			return cxerr.New(cxerr.CodeCorrupted, "head snapshot: truncated entry")
		}
		h := decodeHead(data[off : off+snapEntryLen])
		t.heads[h.ContextID] = h
		if h.ContextID > t.maxContextID {
			t.maxContextID = h.ContextID
		}
		off += snapEntryLen
	}
	return nil
}

func (t *Table) writeLogHeader() error {
	buf := make([]byte, headerLen)
	copy(buf[0:4], logMagic)
	binary.LittleEndian.PutUint32(buf[4:8], version)
	if _, err := t.logFile.Write(buf); err != nil {
		return err
	}
	return t.logFile.Sync()
}

func (t *Table) replayLog() error {
	if _, err := t.logFile.Seek(0, io.SeekStart); err != nil {
		return err
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(t.logFile, header); err != nil {
		return fmt.Errorf("headtable: read log header: %w", err)
	}
	if string(header[0:4]) != logMagic {
		return cxerr.New(cxerr.CodeCorrupted, "head log: bad magic")
	}

	for {
		buf := make([]byte, logEntryLen)
		n, err := io.ReadFull(t.logFile, buf)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF || n != logEntryLen {
			break // truncated tail transition; drop it, same tolerance as blobstore's index tail
		}
		if err != nil {
			return fmt.Errorf("headtable: scan log: %w", err)
		}

		if !crcOK(buf) {
			break
		}

		h := decodeHead(buf[4:])
		t.heads[h.ContextID] = h
		if h.ContextID > t.maxContextID {
			t.maxContextID = h.ContextID
		}
	}
	return nil
}

// Get returns the current head for contextID.
func (t *Table) Get(contextID uint64) (Head, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.heads[contextID]
	return h, ok
}

// List returns every known head, ordered by context_id ascending.
func (t *Table) List() []Head {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Head, 0, len(t.heads))
	for _, h := range t.heads {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContextID < out[j].ContextID })
	return out
}

// Create installs the initial head for a newly created context. It
// fails with CONFLICT if the context already has a head.
func (t *Table) Create(h Head) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.heads[h.ContextID]; exists {
		return cxerr.Newf(cxerr.CodeConflict, "context %d already exists", h.ContextID)
	}
	return t.appendLocked(h)
}

// Advance performs a compare-and-swap: it replaces contextID's head
// with next only if the table's current head_turn_id equals
// expectedHeadTurnID.
func (t *Table) Advance(contextID, expectedHeadTurnID uint64, next Head) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.heads[contextID]
	if !ok {
		return cxerr.Newf(cxerr.CodeNotFound, "context %d not found", contextID)
	}
	if cur.HeadTurnID != expectedHeadTurnID {
		return cxerr.Newf(cxerr.CodeConflict, "context %d head moved: expected %d, got %d", contextID, expectedHeadTurnID, cur.HeadTurnID)
	}
	return t.appendLocked(next)
}

func (t *Table) appendLocked(h Head) error {
	buf := make([]byte, logEntryLen)
	encoded := encodeHead(h)
	copy(buf[4:], encoded)
	binary.LittleEndian.PutUint32(buf[0:4], crc32Of(encoded))

	if _, err := t.logFile.Write(buf); err != nil {
		return fmt.Errorf("headtable: write: %w", err)
	}
	if err := fsutil.Datasync(t.logFile); err != nil {
		return fmt.Errorf("headtable: sync: %w", err)
	}

	t.heads[h.ContextID] = h
	if h.ContextID > t.maxContextID {
		t.maxContextID = h.ContextID
	}
	return nil
}

// AllocateContextID returns a fresh context_id, one higher than any
// context this table has ever seen (including across restarts, since
// the bound is restored from replay). It does not itself create a
// head for the id; the caller must follow with Create.
func (t *Table) AllocateContextID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxContextID++
	return t.maxContextID
}

// Compact rewrites heads.snap from the current in-memory state and
// truncates heads.log back to an empty tail, bounding startup replay
// cost. It is safe to call concurrently with reads but takes the
// table's write lock for its duration.
func (t *Table) Compact() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	buf := make([]byte, headerLen+len(t.heads)*snapEntryLen)
	copy(buf[0:4], snapMagic)
	binary.LittleEndian.PutUint32(buf[4:8], version)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(len(t.heads)))

	off := headerLen
	for _, h := range t.heads {
		copy(buf[off:off+snapEntryLen], encodeHead(h))
		off += snapEntryLen
	}

	snapPath := filepath.Join(t.dir, "heads.snap")
	tmpPath := snapPath + ".tmp"
	if err := os.WriteFile(tmpPath, buf, 0o644); err != nil {
		return fmt.Errorf("headtable: write snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, snapPath); err != nil {
		return fmt.Errorf("headtable: install snapshot: %w", err)
	}

	if err := t.logFile.Truncate(0); err != nil {
		return fmt.Errorf("headtable: truncate log: %w", err)
	}
	if _, err := t.logFile.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return t.writeLogHeader()
}

// Len returns the number of contexts currently tracked.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.heads)
}

// Size returns the current size in bytes of the tail log file.
func (t *Table) Size() (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stat, err := t.logFile.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

func encodeHead(h Head) []byte {
	buf := make([]byte, snapEntryLen)
	binary.LittleEndian.PutUint64(buf[0:8], h.ContextID)
	binary.LittleEndian.PutUint64(buf[8:16], h.HeadTurnID)
	binary.LittleEndian.PutUint32(buf[16:20], h.Depth)
	binary.LittleEndian.PutUint64(buf[20:28], h.BaseTurnID)
	binary.LittleEndian.PutUint64(buf[28:36], h.UpdatedAtUnixMs)
	return buf
}

func decodeHead(buf []byte) Head {
	return Head{
		ContextID:       binary.LittleEndian.Uint64(buf[0:8]),
		HeadTurnID:      binary.LittleEndian.Uint64(buf[8:16]),
		Depth:           binary.LittleEndian.Uint32(buf[16:20]),
		BaseTurnID:      binary.LittleEndian.Uint64(buf[20:28]),
		UpdatedAtUnixMs: binary.LittleEndian.Uint64(buf[28:36]),
	}
}
