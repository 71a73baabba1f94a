// Package dag implements CXDB's append/fork orchestration: the
// algorithm that ties the blob store, turn log, turn index, and head
// table together into one consistent operation.
// Everything here is storage-format agnostic; internal/server and
// internal/httpapi translate wire requests into the types below.
package dag

import (
	"errors"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/strongdm/cxdb/internal/blobstore"
	"github.com/strongdm/cxdb/internal/cxerr"
	"github.com/strongdm/cxdb/internal/digest"
	"github.com/strongdm/cxdb/internal/headtable"
	"github.com/strongdm/cxdb/internal/turnindex"
	"github.com/strongdm/cxdb/internal/turnlog"
)

// Engine is the assembled storage engine: one blob store, one turn
// log (with its index), and one head table, wired together by the
// append/fork algorithm.
type Engine struct {
	blobs *blobstore.Store
	log   *turnlog.Log
	index *turnindex.Index
	heads *headtable.Table

	// contextLocks serializes the read-modify-write sequence (read
	// head, append to log, CAS head) per context, so two concurrent
	// appends to the same context don't both compute the same
	// expected head and both lose the CAS needlessly. The CAS itself
	// is still the correctness boundary; this lock is a throughput
	// optimization.
	lockMu sync.Mutex
	locks  map[uint64]*sync.Mutex
}

// New assembles an Engine from already-opened storage components.
func New(blobs *blobstore.Store, log *turnlog.Log, index *turnindex.Index, heads *headtable.Table) *Engine {
	return &Engine{
		blobs: blobs,
		log:   log,
		index: index,
		heads: heads,
		locks: make(map[uint64]*sync.Mutex),
	}
}

func (e *Engine) contextLock(contextID uint64) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	m, ok := e.locks[contextID]
	if !ok {
		m = &sync.Mutex{}
		e.locks[contextID] = m
	}
	return m
}

// CreateContext allocates a new context whose head starts at
// baseTurnID (0 for an empty context).
func (e *Engine) CreateContext(baseTurnID uint64) (headtable.Head, error) {
	var baseDepth uint32
	if baseTurnID != 0 {
		entry, ok := e.index.Get(baseTurnID)
		if !ok {
			return headtable.Head{}, cxerr.Newf(cxerr.CodeNotFound, "base turn %d not found", baseTurnID)
		}
		baseDepth = entry.Depth
	}

	contextID := e.heads.AllocateContextID()
	h := headtable.Head{
		ContextID:       contextID,
		HeadTurnID:      baseTurnID,
		Depth:           baseDepth,
		BaseTurnID:      baseTurnID,
		UpdatedAtUnixMs: nowUnixMs(),
	}
	if err := e.heads.Create(h); err != nil {
		return headtable.Head{}, err
	}
	return h, nil
}

// ForkContext allocates a new context rooted at atTurnID, an existing
// turn in parentContextID's history: pure head rewiring, no blob or
// turn is copied or written.
func (e *Engine) ForkContext(parentContextID, atTurnID uint64) (headtable.Head, error) {
	parentHead, ok := e.heads.Get(parentContextID)
	if !ok {
		return headtable.Head{}, cxerr.Newf(cxerr.CodeNotFound, "context %d not found", parentContextID)
	}
	entry, ok := e.index.Get(atTurnID)
	if !ok {
		return headtable.Head{}, cxerr.Newf(cxerr.CodeNotFound, "turn %d not found", atTurnID)
	}
	if !e.reachable(parentHead, entry) {
		return headtable.Head{}, cxerr.Newf(cxerr.CodeBadRequest, "turn %d is not reachable from context %d", atTurnID, parentContextID)
	}

	contextID := e.heads.AllocateContextID()
	h := headtable.Head{
		ContextID:       contextID,
		HeadTurnID:      atTurnID,
		Depth:           entry.Depth,
		BaseTurnID:      atTurnID,
		UpdatedAtUnixMs: nowUnixMs(),
	}
	if err := e.heads.Create(h); err != nil {
		return headtable.Head{}, err
	}
	return h, nil
}

// GetHead returns the current head of contextID.
func (e *Engine) GetHead(contextID uint64) (headtable.Head, error) {
	h, ok := e.heads.Get(contextID)
	if !ok {
		return headtable.Head{}, cxerr.Newf(cxerr.CodeNotFound, "context %d not found", contextID)
	}
	return h, nil
}

// AppendRequest carries the inputs to Append, mirroring the APPEND
// wire payload.
type AppendRequest struct {
	ContextID           uint64
	ParentTurnID        uint64
	DeclaredTypeID      string
	DeclaredTypeVersion uint32
	Encoding            turnlog.Encoding
	Compression         turnlog.Compression
	UncompressedLen     uint32
	PayloadDigest       digest.Digest
	Payload             []byte
	FSRootDigest        *digest.Digest
	IdempotencyKey      []byte
}

// AppendResult is the outcome of a successful Append. IdempotentHit
// reports that an existing turn was returned for a reused idempotency
// key instead of a new turn being written.
type AppendResult struct {
	ContextID     uint64
	TurnID        uint64
	Depth         uint32
	IdempotentHit bool
}

// Append executes the append algorithm in order: validate,
// idempotency check, blob insert, depth determination, log append,
// head CAS.
func (e *Engine) Append(req AppendRequest) (AppendResult, error) {
	if len(req.IdempotencyKey) > turnlog.MaxIdempotencyKeyLen {
		return AppendResult{}, cxerr.Newf(cxerr.CodeBadRequest, "idempotency key exceeds %d bytes", turnlog.MaxIdempotencyKeyLen)
	}

	head, ok := e.heads.Get(req.ContextID)
	if !ok {
		return AppendResult{}, cxerr.Newf(cxerr.CodeNotFound, "context %d not found", req.ContextID)
	}

	if turnID, ok := e.index.ResolveIdempotencyKey(req.ContextID, req.IdempotencyKey); ok {
		entry, _ := e.index.Get(turnID)
		return AppendResult{ContextID: req.ContextID, TurnID: turnID, Depth: entry.Depth, IdempotentHit: true}, nil
	}

	var parentDepth uint32
	if req.ParentTurnID != 0 {
		parent, ok := e.index.Get(req.ParentTurnID)
		if !ok {
			return AppendResult{}, cxerr.Newf(cxerr.CodeNotFound, "parent turn %d not found", req.ParentTurnID)
		}
		if !e.reachable(head, parent) {
			return AppendResult{}, cxerr.Newf(cxerr.CodeBadRequest,
				"turn %d is not reachable from context %d", req.ParentTurnID, req.ContextID)
		}
		parentDepth = parent.Depth
	}

	// The digest always covers the uncompressed bytes; writers may ship
	// the payload zstd-compressed on the wire.
	payload := req.Payload
	if req.Compression == turnlog.CompressionZstd {
		out, err := payloadDecoder.DecodeAll(payload, make([]byte, 0, req.UncompressedLen))
		if err != nil {
			return AppendResult{}, cxerr.Wrap(cxerr.CodeBadRequest, err)
		}
		payload = out
	}

	// A filesystem snapshot must already have its directory objects
	// uploaded; the turn only references the root.
	if req.FSRootDigest != nil && !e.blobs.Exists(*req.FSRootDigest) {
		return AppendResult{}, cxerr.Newf(cxerr.CodeNotFound, "fs root %s not present in blob store", req.FSRootDigest)
	}

	computedDigest := digest.Sum(payload)
	if !computedDigest.Equal(req.PayloadDigest) {
		return AppendResult{}, cxerr.New(cxerr.CodeBadDigest, "payload digest does not match payload bytes")
	}
	if uint32(len(payload)) != req.UncompressedLen {
		return AppendResult{}, cxerr.New(cxerr.CodeBadRequest, "declared uncompressed_len does not match payload length")
	}

	lock := e.contextLock(req.ContextID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read the head under the per-context lock: another goroutine
	// may have advanced it between our first read and now.
	head, ok = e.heads.Get(req.ContextID)
	if !ok {
		return AppendResult{}, cxerr.Newf(cxerr.CodeNotFound, "context %d not found", req.ContextID)
	}

	if _, err := e.blobs.Put(payload); err != nil {
		var ce *cxerr.Error
		if errors.As(err, &ce) {
			return AppendResult{}, err
		}
		return AppendResult{}, cxerr.Wrap(cxerr.CodeInternal, err)
	}

	var newDepth uint32
	parentTurnID := req.ParentTurnID
	if parentTurnID == 0 {
		// Extend the current head: the head turn becomes the parent.
		parentTurnID = head.HeadTurnID
		newDepth = head.Depth + 1
	} else {
		newDepth = parentDepth + 1
	}

	draft := turnlog.Draft{
		ContextID:              req.ContextID,
		ParentTurnID:           parentTurnID,
		Depth:                  newDepth,
		DeclaredTypeID:         req.DeclaredTypeID,
		DeclaredTypeVersion:    req.DeclaredTypeVersion,
		PayloadEncoding:        req.Encoding,
		PayloadCompression:     req.Compression,
		PayloadUncompressedLen: req.UncompressedLen,
		PayloadDigest:          req.PayloadDigest,
		FSRootDigest:           req.FSRootDigest,
		CreatedAtUnixMs:        nowUnixMs(),
		IdempotencyKey:         req.IdempotencyKey,
	}

	rec, offset, err := e.log.Append(draft)
	if err != nil {
		return AppendResult{}, cxerr.Wrap(cxerr.CodeInternal, err)
	}
	e.index.Observe(offset, rec)

	err = e.heads.Advance(req.ContextID, head.HeadTurnID, headtable.Head{
		ContextID:       req.ContextID,
		HeadTurnID:      rec.TurnID,
		Depth:           newDepth,
		BaseTurnID:      head.BaseTurnID,
		UpdatedAtUnixMs: draft.CreatedAtUnixMs,
	})
	if err != nil {
		return AppendResult{}, err
	}

	return AppendResult{ContextID: req.ContextID, TurnID: rec.TurnID, Depth: newDepth}, nil
}

// reachable reports whether turn is part of the history visible from a
// context with the given head: either appended to the context itself,
// or an ancestor inherited through the fork point. Depth strictly
// decreases along parent edges, so the ancestor walk terminates.
func (e *Engine) reachable(head headtable.Head, turn turnindex.Entry) bool {
	if turn.ContextID == head.ContextID {
		return true
	}
	cur := head.BaseTurnID
	for cur != 0 {
		if cur == turn.TurnID {
			return true
		}
		entry, ok := e.index.Get(cur)
		if !ok || entry.Depth <= turn.Depth {
			return false
		}
		cur = entry.ParentTurnID
	}
	return false
}

// GetLast returns up to limit turns of contextID's history, oldest
// first. The history is the parent chain from the current head, so a
// forked context sees the turns it shares with its parent context.
func (e *Engine) GetLast(contextID uint64, limit int) ([]turnindex.Entry, error) {
	head, ok := e.heads.Get(contextID)
	if !ok {
		return nil, cxerr.Newf(cxerr.CodeNotFound, "context %d not found", contextID)
	}
	if limit <= 0 {
		return nil, nil
	}

	out := make([]turnindex.Entry, 0, limit)
	cur := head.HeadTurnID
	for cur != 0 && len(out) < limit {
		entry, ok := e.index.Get(cur)
		if !ok {
			break
		}
		out = append(out, entry)
		cur = entry.ParentTurnID
	}

	// Walked newest-first; callers want chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ListContexts returns every context's current head, ordered by
// context_id.
func (e *Engine) ListContexts() []headtable.Head {
	return e.heads.List()
}

// ContextTurnCount returns the number of turns appended directly under
// contextID (not counting inherited ancestors).
func (e *Engine) ContextTurnCount(contextID uint64) int {
	return e.index.ContextTurnCount(contextID)
}

// GetTurn returns the indexed metadata for turnID.
func (e *Engine) GetTurn(turnID uint64) (turnindex.Entry, bool) {
	return e.index.Get(turnID)
}

// GetBlob returns the raw bytes for d.
func (e *Engine) GetBlob(d digest.Digest) ([]byte, error) {
	return e.blobs.Get(d)
}

func nowUnixMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

// payloadDecoder decompresses wire payloads declared zstd-compressed.
// A concurrency-0 decoder used via DecodeAll is stateless and safe for
// concurrent use.
var payloadDecoder = func() *zstd.Decoder {
	d, err := zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
	return d
}()
