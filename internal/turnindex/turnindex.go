// Package turnindex keeps the in-memory lookup structures that serve
// CXDB's turn queries: per-turn metadata, per-context turn ordering,
// and per-parent child listings. It is intentionally dumb storage —
// all of it is rebuilt by replaying internal/turnlog's Scan at
// startup, so none of it needs to be durable on its own.
package turnindex

import (
	"sync"

	"github.com/strongdm/cxdb/internal/digest"
	"github.com/strongdm/cxdb/internal/turnlog"
)

// Entry is the indexed metadata for one turn.
type Entry struct {
	TurnID                 uint64
	Offset                 int64
	ContextID              uint64
	ParentTurnID           uint64
	Depth                  uint32
	DeclaredTypeID         string
	DeclaredTypeVersion    uint32
	PayloadDigest          digest.Digest
	PayloadUncompressedLen uint32
	PayloadEncoding        turnlog.Encoding
	PayloadCompression     turnlog.Compression
	FSRootDigest           *digest.Digest
	CreatedAtUnixMs        uint64
	IdempotencyKey         string
}

// Index is the set of in-memory maps that answer turn queries without
// touching the log file.
type Index struct {
	mu sync.RWMutex

	byTurn     map[uint64]Entry
	byContext  map[uint64][]uint64 // context_id -> turn_ids in append order
	byParent   map[uint64][]uint64 // parent_turn_id -> child turn_ids in append order
	idempotent map[idempotencyKey]uint64
}

type idempotencyKey struct {
	contextID uint64
	key       string
}

// New returns an empty Index.
func New() *Index {
	return &Index{
		byTurn:     make(map[uint64]Entry),
		byContext:  make(map[uint64][]uint64),
		byParent:   make(map[uint64][]uint64),
		idempotent: make(map[idempotencyKey]uint64),
	}
}

// Rebuild replays every record in l into the index. It must be called
// once, before the index is exposed to readers or writers.
func Rebuild(l *turnlog.Log) (*Index, error) {
	idx := New()
	err := l.Scan(func(off int64, rec turnlog.Record) error {
		idx.insert(off, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// Observe records rec (just appended at off) into the index. Callers
// append to the log and then call Observe while still holding
// whatever per-context serialization lock guarded the append, so the
// index never exposes a turn_id the log itself doesn't yet have
// durable.
func (idx *Index) Observe(off int64, rec turnlog.Record) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.insert(off, rec)
}

func (idx *Index) insert(off int64, rec turnlog.Record) {
	e := Entry{
		TurnID:                 rec.TurnID,
		Offset:                 off,
		ContextID:              rec.ContextID,
		ParentTurnID:           rec.ParentTurnID,
		Depth:                  rec.Depth,
		DeclaredTypeID:         rec.DeclaredTypeID,
		DeclaredTypeVersion:    rec.DeclaredTypeVersion,
		PayloadDigest:          rec.PayloadDigest,
		PayloadUncompressedLen: rec.PayloadUncompressedLen,
		PayloadEncoding:        rec.PayloadEncoding,
		PayloadCompression:     rec.PayloadCompression,
		FSRootDigest:           rec.FSRootDigest,
		CreatedAtUnixMs:        rec.CreatedAtUnixMs,
		IdempotencyKey:         string(rec.IdempotencyKey),
	}
	idx.byTurn[rec.TurnID] = e
	idx.byContext[rec.ContextID] = append(idx.byContext[rec.ContextID], rec.TurnID)
	if rec.ParentTurnID != 0 {
		idx.byParent[rec.ParentTurnID] = append(idx.byParent[rec.ParentTurnID], rec.TurnID)
	}
	if len(rec.IdempotencyKey) > 0 {
		idx.idempotent[idempotencyKey{rec.ContextID, string(rec.IdempotencyKey)}] = rec.TurnID
	}
}

// Get returns the indexed metadata for turnID.
func (idx *Index) Get(turnID uint64) (Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.byTurn[turnID]
	return e, ok
}

// LastN returns up to n of the most recently appended turn_ids for
// contextID, oldest first.
func (idx *Index) LastN(contextID uint64, n int) []uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	all := idx.byContext[contextID]
	if n <= 0 || n >= len(all) {
		out := make([]uint64, len(all))
		copy(out, all)
		return out
	}
	out := make([]uint64, n)
	copy(out, all[len(all)-n:])
	return out
}

// Children returns the turn_ids whose parent is turnID, in append
// order.
func (idx *Index) Children(turnID uint64) []uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	all := idx.byParent[turnID]
	out := make([]uint64, len(all))
	copy(out, all)
	return out
}

// ResolveIdempotencyKey returns the turn_id previously appended to
// contextID under the given idempotency key, if any.
func (idx *Index) ResolveIdempotencyKey(contextID uint64, key []byte) (uint64, bool) {
	if len(key) == 0 {
		return 0, false
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	turnID, ok := idx.idempotent[idempotencyKey{contextID, string(key)}]
	return turnID, ok
}

// ContextTurnCount returns the number of turns appended under
// contextID.
func (idx *Index) ContextTurnCount(contextID uint64) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byContext[contextID])
}
