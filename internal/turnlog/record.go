// Package turnlog implements the durable, append-only log of turn
// records: a sequence of fixed-shape, length-prefixed, CRC-guarded
// records, with an in-memory index kept by the caller (see
// internal/turnindex) and full rebuildability by forward scan.
package turnlog

import "github.com/strongdm/cxdb/internal/digest"

// Encoding identifies the payload encoding.
type Encoding uint8

const (
	EncodingMsgpack Encoding = 1
)

// Compression identifies the payload compression
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
)

// MaxIdempotencyKeyLen is the 64-byte cap.
const MaxIdempotencyKeyLen = 64

// Draft is the caller-supplied shape of a new turn, before a turn_id
// has been assigned by the log.
type Draft struct {
	ContextID              uint64
	ParentTurnID           uint64
	Depth                  uint32
	DeclaredTypeID         string
	DeclaredTypeVersion    uint32
	PayloadEncoding        Encoding
	PayloadCompression     Compression
	PayloadUncompressedLen uint32
	PayloadDigest          digest.Digest
	FSRootDigest           *digest.Digest
	CreatedAtUnixMs        uint64
	IdempotencyKey         []byte
}

// Record is a durable turn record
type Record struct {
	TurnID uint64
	Draft
}
