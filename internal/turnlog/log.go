package turnlog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/strongdm/cxdb/internal/fsutil"
)

const (
	logMagic      = "CXTL"
	logVersion    = 1
	logHeaderSize = 64
)

// Log is the durable, append-only sequence of turn records backing a
// CXDB instance. It assigns turn_ids (monotonically increasing,
// starting at 1) and guarantees that every successfully returned
// Append is fsync'd before the caller sees it.
//
// Log only appends and reads by turn_id-adjacent offset; the
// context-oriented and parent-oriented indexes used to serve queries
// live in internal/turnindex and are rebuilt from a forward scan of
// this file at startup.
type Log struct {
	mu sync.Mutex

	path string
	file *os.File
	size int64

	nextTurnID uint64
}

// Open opens or creates the turn log at dir/turns.cxl. If the file's
// final record is truncated or fails its CRC check, Open returns a
// *TruncatedError rather than silently dropping it: operators must
// explicitly truncate the file (or restore from snapshot) to recover.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("turnlog: create dir: %w", err)
	}

	path := filepath.Join(dir, "turns.cxl")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("turnlog: open: %w", err)
	}

	l := &Log{path: path, file: f, nextTurnID: 1}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if stat.Size() == 0 {
		if err := l.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		l.size = logHeaderSize
	} else {
		if err := l.readHeader(); err != nil {
			f.Close()
			return nil, err
		}
		if err := l.scanToEnd(); err != nil {
			f.Close()
			return nil, err
		}
	}

	if _, err := f.Seek(l.size, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}

	return l, nil
}

// Close releases the log's file handle.
func (l *Log) Close() error {
	return l.file.Close()
}

func (l *Log) writeHeader() error {
	buf := make([]byte, logHeaderSize)
	copy(buf[0:4], logMagic)
	binary.LittleEndian.PutUint32(buf[4:8], logVersion)
	if _, err := l.file.WriteAt(buf, 0); err != nil {
		return err
	}
	return l.file.Sync()
}

func (l *Log) readHeader() error {
	buf := make([]byte, logHeaderSize)
	if _, err := l.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("turnlog: read header: %w", err)
	}
	if string(buf[0:4]) != logMagic {
		return ErrBadMagic
	}
	if binary.LittleEndian.Uint32(buf[4:8]) != logVersion {
		return ErrUnsupportedVersion
	}
	return nil
}

// scanToEnd forward-scans the log past the header, validating every
// record's length prefix and CRC, and assigns nextTurnID from the
// highest turn_id observed. Unlike blobstore's recovery (which treats
// a short tail as an ordinary, harmless race with a crash mid-append),
// a short or CRC-failing tail record here is reported to the caller as
// a *TruncatedError: turn records are the ground truth for conversation
// history and must never be silently dropped.
func (l *Log) scanToEnd() error {
	r := bufio.NewReaderSize(io.NewSectionReader(l.file, logHeaderSize, 1<<62), 1<<20)
	offset := int64(logHeaderSize)
	var maxTurnID uint64

	for {
		lenBuf := make([]byte, 4)
		n, err := io.ReadFull(r, lenBuf)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF || n != 4 {
			return &TruncatedError{Offset: offset}
		}
		if err != nil {
			return fmt.Errorf("turnlog: scan: %w", err)
		}

		recordLen := binary.LittleEndian.Uint32(lenBuf)
		if recordLen < 4 {
			return &TruncatedError{Offset: offset}
		}

		body := make([]byte, recordLen-4)
		if _, err := io.ReadFull(r, body); err != nil {
			return &TruncatedError{Offset: offset}
		}

		rec, err := decodeBody(body)
		if err != nil {
			// Only a bad final record is a truncated tail; a bad record
			// with more data after it is corruption.
			if _, perr := r.Peek(1); perr == nil {
				return fmt.Errorf("turnlog: corrupt record at offset %d: %w", offset, err)
			}
			return &TruncatedError{Offset: offset}
		}

		if rec.TurnID > maxTurnID {
			maxTurnID = rec.TurnID
		}

		offset += int64(recordLen)
	}

	l.size = offset
	l.nextTurnID = maxTurnID + 1
	return nil
}

// Append assigns the next turn_id to draft, durably writes it, and
// returns the resulting Record along with the byte offset it was
// written at (so callers can update an in-memory index without
// rescanning the log). The caller is responsible for updating the
// turn index and head table after Append returns successfully; Log
// itself has no notion of contexts or heads beyond the bytes it
// stores.
func (l *Log) Append(draft Draft) (Record, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := Record{TurnID: l.nextTurnID, Draft: draft}
	buf := encode(rec)
	offset := l.size

	if _, err := l.file.WriteAt(buf, offset); err != nil {
		return Record{}, 0, fmt.Errorf("turnlog: write: %w", err)
	}
	if err := fsutil.Datasync(l.file); err != nil {
		return Record{}, 0, fmt.Errorf("turnlog: sync: %w", err)
	}

	l.size += int64(len(buf))
	l.nextTurnID++

	return rec, offset, nil
}

// ReadAt reads and decodes the record stored at byte offset off,
// as recorded by a turn index entry.
func (l *Log) ReadAt(off int64) (Record, error) {
	lenBuf := make([]byte, 4)
	if _, err := l.file.ReadAt(lenBuf, off); err != nil {
		return Record{}, fmt.Errorf("turnlog: read length at %d: %w", off, err)
	}
	recordLen := binary.LittleEndian.Uint32(lenBuf)

	body := make([]byte, recordLen-4)
	if _, err := l.file.ReadAt(body, off+4); err != nil {
		return Record{}, fmt.Errorf("turnlog: read body at %d: %w", off, err)
	}

	return decodeBody(body)
}

// NextTurnID returns the turn_id that the next Append will assign.
func (l *Log) NextTurnID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextTurnID
}

// Size returns the current size in bytes of the backing log file.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Scan invokes fn for every record currently in the log, in append
// order, along with the byte offset at which each record begins. It
// is used once at startup to rebuild internal/turnindex's in-memory
// maps; fn returning an error stops the scan and propagates the error.
func (l *Log) Scan(fn func(off int64, rec Record) error) error {
	r := bufio.NewReaderSize(io.NewSectionReader(l.file, logHeaderSize, 1<<62), 1<<20)
	offset := int64(logHeaderSize)

	for {
		lenBuf := make([]byte, 4)
		_, err := io.ReadFull(r, lenBuf)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("turnlog: scan: %w", err)
		}
		recordLen := binary.LittleEndian.Uint32(lenBuf)

		body := make([]byte, recordLen-4)
		if _, err := io.ReadFull(r, body); err != nil {
			return fmt.Errorf("turnlog: scan body at %d: %w", offset, err)
		}

		rec, err := decodeBody(body)
		if err != nil {
			return fmt.Errorf("turnlog: scan decode at %d: %w", offset, err)
		}

		if err := fn(offset, rec); err != nil {
			return err
		}

		offset += int64(recordLen)
	}
}
