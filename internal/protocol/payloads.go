package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/strongdm/cxdb/internal/digest"
)

// appendLenPrefixed appends a u32 length prefix followed by b.
func appendLenPrefixed(buf []byte, b []byte) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, b...)
}

// readLenPrefixed reads a u32-length-prefixed byte slice from buf at
// off, returning the slice and the offset just past it.
func readLenPrefixed(buf []byte, off int) ([]byte, int, error) {
	if off+4 > len(buf) {
		return nil, 0, fmt.Errorf("protocol: truncated length prefix")
	}
	n := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if n < 0 || off+n > len(buf) {
		return nil, 0, fmt.Errorf("protocol: truncated length-prefixed field")
	}
	return buf[off : off+n], off + n, nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func readUint64(buf []byte, off int) (uint64, int, error) {
	if off+8 > len(buf) {
		return 0, 0, fmt.Errorf("protocol: truncated u64 field")
	}
	return binary.LittleEndian.Uint64(buf[off:]), off + 8, nil
}

func readUint32(buf []byte, off int) (uint32, int, error) {
	if off+4 > len(buf) {
		return 0, 0, fmt.Errorf("protocol: truncated u32 field")
	}
	return binary.LittleEndian.Uint32(buf[off:]), off + 4, nil
}

func readDigest(buf []byte, off int) (digest.Digest, int, error) {
	if off+digest.Size > len(buf) {
		return digest.Digest{}, 0, fmt.Errorf("protocol: truncated digest field")
	}
	var d digest.Digest
	copy(d[:], buf[off:off+digest.Size])
	return d, off + digest.Size, nil
}

func appendDigest(buf []byte, d digest.Digest) []byte {
	return append(buf, d[:]...)
}

// CtxCreateRequest is CTX_CREATE's payload.
type CtxCreateRequest struct {
	BaseTurnID uint64
}

func (r CtxCreateRequest) Encode() []byte {
	return appendUint64(nil, r.BaseTurnID)
}

func DecodeCtxCreateRequest(buf []byte) (CtxCreateRequest, error) {
	v, _, err := readUint64(buf, 0)
	return CtxCreateRequest{BaseTurnID: v}, err
}

// CtxForkRequest is CTX_FORK's payload.
type CtxForkRequest struct {
	ParentContextID uint64
	AtTurnID        uint64
}

func (r CtxForkRequest) Encode() []byte {
	buf := appendUint64(nil, r.ParentContextID)
	return appendUint64(buf, r.AtTurnID)
}

func DecodeCtxForkRequest(buf []byte) (CtxForkRequest, error) {
	parent, off, err := readUint64(buf, 0)
	if err != nil {
		return CtxForkRequest{}, err
	}
	at, _, err := readUint64(buf, off)
	if err != nil {
		return CtxForkRequest{}, err
	}
	return CtxForkRequest{ParentContextID: parent, AtTurnID: at}, nil
}

// HeadReply is the reply shape shared by CTX_CREATE, CTX_FORK, and
// GET_HEAD.
type HeadReply struct {
	ContextID  uint64
	HeadTurnID uint64
	HeadDepth  uint32
}

func (r HeadReply) Encode() []byte {
	buf := appendUint64(nil, r.ContextID)
	buf = appendUint64(buf, r.HeadTurnID)
	return appendUint32(buf, r.HeadDepth)
}

func DecodeHeadReply(buf []byte) (HeadReply, error) {
	ctx, off, err := readUint64(buf, 0)
	if err != nil {
		return HeadReply{}, err
	}
	head, off, err := readUint64(buf, off)
	if err != nil {
		return HeadReply{}, err
	}
	depth, _, err := readUint32(buf, off)
	if err != nil {
		return HeadReply{}, err
	}
	return HeadReply{ContextID: ctx, HeadTurnID: head, HeadDepth: depth}, nil
}

// GetHeadRequest is GET_HEAD's payload.
type GetHeadRequest struct {
	ContextID uint64
}

func (r GetHeadRequest) Encode() []byte {
	return appendUint64(nil, r.ContextID)
}

func DecodeGetHeadRequest(buf []byte) (GetHeadRequest, error) {
	v, _, err := readUint64(buf, 0)
	return GetHeadRequest{ContextID: v}, err
}

// AppendRequest is APPEND's payload. FSRootDigest rides as a trailing
// length-prefixed field (empty or 32 bytes) so writers without a
// filesystem snapshot may omit it entirely.
type AppendRequest struct {
	ContextID           uint64
	ParentTurnID        uint64
	DeclaredTypeID      string
	DeclaredTypeVersion uint32
	Encoding            uint32
	Compression         uint32
	UncompressedLen     uint32
	PayloadDigest       digest.Digest
	Payload             []byte
	IdempotencyKey      []byte
	FSRootDigest        *digest.Digest
}

func (r AppendRequest) Encode() []byte {
	buf := appendUint64(nil, r.ContextID)
	buf = appendUint64(buf, r.ParentTurnID)
	buf = appendLenPrefixed(buf, []byte(r.DeclaredTypeID))
	buf = appendUint32(buf, r.DeclaredTypeVersion)
	buf = appendUint32(buf, r.Encoding)
	buf = appendUint32(buf, r.Compression)
	buf = appendUint32(buf, r.UncompressedLen)
	buf = appendDigest(buf, r.PayloadDigest)
	buf = appendLenPrefixed(buf, r.Payload)
	buf = appendLenPrefixed(buf, r.IdempotencyKey)
	if r.FSRootDigest != nil {
		buf = appendLenPrefixed(buf, r.FSRootDigest[:])
	}
	return buf
}

func DecodeAppendRequest(buf []byte) (AppendRequest, error) {
	var req AppendRequest
	var err error
	off := 0

	req.ContextID, off, err = readUint64(buf, off)
	if err != nil {
		return AppendRequest{}, err
	}
	req.ParentTurnID, off, err = readUint64(buf, off)
	if err != nil {
		return AppendRequest{}, err
	}
	typeID, off2, err := readLenPrefixed(buf, off)
	if err != nil {
		return AppendRequest{}, err
	}
	req.DeclaredTypeID = string(typeID)
	off = off2
	req.DeclaredTypeVersion, off, err = readUint32(buf, off)
	if err != nil {
		return AppendRequest{}, err
	}
	req.Encoding, off, err = readUint32(buf, off)
	if err != nil {
		return AppendRequest{}, err
	}
	req.Compression, off, err = readUint32(buf, off)
	if err != nil {
		return AppendRequest{}, err
	}
	req.UncompressedLen, off, err = readUint32(buf, off)
	if err != nil {
		return AppendRequest{}, err
	}
	req.PayloadDigest, off, err = readDigest(buf, off)
	if err != nil {
		return AppendRequest{}, err
	}
	payload, off2, err := readLenPrefixed(buf, off)
	if err != nil {
		return AppendRequest{}, err
	}
	req.Payload = payload
	off = off2
	idemp, off2, err := readLenPrefixed(buf, off)
	if err != nil {
		return AppendRequest{}, err
	}
	req.IdempotencyKey = idemp
	off = off2

	if off < len(buf) {
		fsRoot, _, err := readLenPrefixed(buf, off)
		if err != nil {
			return AppendRequest{}, err
		}
		if len(fsRoot) > 0 {
			if len(fsRoot) != digest.Size {
				return AppendRequest{}, fmt.Errorf("protocol: fs root digest must be %d bytes", digest.Size)
			}
			var d digest.Digest
			copy(d[:], fsRoot)
			req.FSRootDigest = &d
		}
	}

	return req, nil
}

// AppendReply is APPEND's reply payload.
type AppendReply struct {
	ContextID uint64
	TurnID    uint64
	Depth     uint32
}

func (r AppendReply) Encode() []byte {
	buf := appendUint64(nil, r.ContextID)
	buf = appendUint64(buf, r.TurnID)
	return appendUint32(buf, r.Depth)
}

func DecodeAppendReply(buf []byte) (AppendReply, error) {
	ctx, off, err := readUint64(buf, 0)
	if err != nil {
		return AppendReply{}, err
	}
	turn, off, err := readUint64(buf, off)
	if err != nil {
		return AppendReply{}, err
	}
	depth, _, err := readUint32(buf, off)
	if err != nil {
		return AppendReply{}, err
	}
	return AppendReply{ContextID: ctx, TurnID: turn, Depth: depth}, nil
}

// GetLastRequest is GET_LAST's payload.
type GetLastRequest struct {
	ContextID      uint64
	Limit          uint32
	IncludePayload bool
}

func (r GetLastRequest) Encode() []byte {
	buf := appendUint64(nil, r.ContextID)
	buf = appendUint32(buf, r.Limit)
	var include uint32
	if r.IncludePayload {
		include = 1
	}
	return appendUint32(buf, include)
}

func DecodeGetLastRequest(buf []byte) (GetLastRequest, error) {
	ctx, off, err := readUint64(buf, 0)
	if err != nil {
		return GetLastRequest{}, err
	}
	limit, off, err := readUint32(buf, off)
	if err != nil {
		return GetLastRequest{}, err
	}
	include, _, err := readUint32(buf, off)
	if err != nil {
		return GetLastRequest{}, err
	}
	return GetLastRequest{ContextID: ctx, Limit: limit, IncludePayload: include != 0}, nil
}

// TurnRecord is one record within a GET_LAST reply.
type TurnRecord struct {
	TurnID              uint64
	ParentTurnID        uint64
	Depth               uint32
	DeclaredTypeID      string
	DeclaredTypeVersion uint32
	Encoding            uint32
	Compression         uint32
	UncompressedLen     uint32
	PayloadDigest       digest.Digest
	Payload             []byte // empty unless IncludePayload was set
}

func (t TurnRecord) appendTo(buf []byte) []byte {
	buf = appendUint64(buf, t.TurnID)
	buf = appendUint64(buf, t.ParentTurnID)
	buf = appendUint32(buf, t.Depth)
	buf = appendLenPrefixed(buf, []byte(t.DeclaredTypeID))
	buf = appendUint32(buf, t.DeclaredTypeVersion)
	buf = appendUint32(buf, t.Encoding)
	buf = appendUint32(buf, t.Compression)
	buf = appendUint32(buf, t.UncompressedLen)
	buf = appendDigest(buf, t.PayloadDigest)
	return appendLenPrefixed(buf, t.Payload)
}

func readTurnRecord(buf []byte, off int) (TurnRecord, int, error) {
	var t TurnRecord
	var err error

	t.TurnID, off, err = readUint64(buf, off)
	if err != nil {
		return TurnRecord{}, 0, err
	}
	t.ParentTurnID, off, err = readUint64(buf, off)
	if err != nil {
		return TurnRecord{}, 0, err
	}
	t.Depth, off, err = readUint32(buf, off)
	if err != nil {
		return TurnRecord{}, 0, err
	}
	typeID, off2, err := readLenPrefixed(buf, off)
	if err != nil {
		return TurnRecord{}, 0, err
	}
	t.DeclaredTypeID = string(typeID)
	off = off2
	t.DeclaredTypeVersion, off, err = readUint32(buf, off)
	if err != nil {
		return TurnRecord{}, 0, err
	}
	t.Encoding, off, err = readUint32(buf, off)
	if err != nil {
		return TurnRecord{}, 0, err
	}
	t.Compression, off, err = readUint32(buf, off)
	if err != nil {
		return TurnRecord{}, 0, err
	}
	t.UncompressedLen, off, err = readUint32(buf, off)
	if err != nil {
		return TurnRecord{}, 0, err
	}
	t.PayloadDigest, off, err = readDigest(buf, off)
	if err != nil {
		return TurnRecord{}, 0, err
	}
	payload, off2, err := readLenPrefixed(buf, off)
	if err != nil {
		return TurnRecord{}, 0, err
	}
	t.Payload = payload
	return t, off2, nil
}

// GetLastReply is GET_LAST's reply payload: a count followed by that
// many turn records, oldest first.
type GetLastReply struct {
	Records []TurnRecord
}

func (r GetLastReply) Encode() []byte {
	buf := appendUint32(nil, uint32(len(r.Records)))
	for _, t := range r.Records {
		buf = t.appendTo(buf)
	}
	return buf
}

func DecodeGetLastReply(buf []byte) (GetLastReply, error) {
	count, off, err := readUint32(buf, 0)
	if err != nil {
		return GetLastReply{}, err
	}
	records := make([]TurnRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		var t TurnRecord
		t, off, err = readTurnRecord(buf, off)
		if err != nil {
			return GetLastReply{}, err
		}
		records = append(records, t)
	}
	return GetLastReply{Records: records}, nil
}

// GetBlobRequest is GET_BLOB's payload.
type GetBlobRequest struct {
	Digest digest.Digest
}

func (r GetBlobRequest) Encode() []byte {
	return appendDigest(nil, r.Digest)
}

func DecodeGetBlobRequest(buf []byte) (GetBlobRequest, error) {
	d, _, err := readDigest(buf, 0)
	return GetBlobRequest{Digest: d}, err
}

// GetBlobReply is GET_BLOB's reply payload: the raw, length-prefixed
// blob bytes.
type GetBlobReply struct {
	Data []byte
}

func (r GetBlobReply) Encode() []byte {
	return appendLenPrefixed(nil, r.Data)
}

func DecodeGetBlobReply(buf []byte) (GetBlobReply, error) {
	data, _, err := readLenPrefixed(buf, 0)
	return GetBlobReply{Data: data}, err
}

// ErrorReply is the ERROR message's payload.
type ErrorReply struct {
	Code   uint32
	Detail string
}

func (r ErrorReply) Encode() []byte {
	buf := appendUint32(nil, r.Code)
	return appendLenPrefixed(buf, []byte(r.Detail))
}

func DecodeErrorReply(buf []byte) (ErrorReply, error) {
	code, off, err := readUint32(buf, 0)
	if err != nil {
		return ErrorReply{}, err
	}
	detail, _, err := readLenPrefixed(buf, off)
	if err != nil {
		return ErrorReply{}, err
	}
	return ErrorReply{Code: code, Detail: string(detail)}, nil
}
