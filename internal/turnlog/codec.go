package turnlog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/strongdm/cxdb/internal/digest"
)

// encode serializes a Record to its on-disk form, prefixed by its own
// total length so the log can be scanned forward without a separate
// index, and suffixed with a CRC32 over everything between the length
// prefix and the CRC itself.
func encode(r Record) []byte {
	typeIDBytes := []byte(r.DeclaredTypeID)
	hasFSRoot := uint8(0)
	if r.FSRootDigest != nil {
		hasFSRoot = 1
	}

	size := 4 + // length prefix (self-referential, filled at the end)
		8 + // turn_id
		8 + // context_id
		8 + // parent_turn_id
		4 + // depth
		2 + len(typeIDBytes) + // type id
		4 + // type_version
		1 + // encoding
		1 + // compression
		4 + // uncompressed_len
		digest.Size + // payload_digest
		1 + digest.Size + // has_fs_root + fs_root_digest (always reserved)
		8 + // created_at_unix_ms
		1 + len(r.IdempotencyKey) + // idempotency key
		4 // crc32

	buf := make([]byte, size)
	off := 4
	binary.LittleEndian.PutUint64(buf[off:], r.TurnID)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], r.ContextID)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], r.ParentTurnID)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], r.Depth)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(typeIDBytes)))
	off += 2
	copy(buf[off:], typeIDBytes)
	off += len(typeIDBytes)
	binary.LittleEndian.PutUint32(buf[off:], r.DeclaredTypeVersion)
	off += 4
	buf[off] = uint8(r.PayloadEncoding)
	off++
	buf[off] = uint8(r.PayloadCompression)
	off++
	binary.LittleEndian.PutUint32(buf[off:], r.PayloadUncompressedLen)
	off += 4
	copy(buf[off:], r.PayloadDigest[:])
	off += digest.Size
	buf[off] = hasFSRoot
	off++
	if hasFSRoot == 1 {
		copy(buf[off:], r.FSRootDigest[:])
	}
	off += digest.Size
	binary.LittleEndian.PutUint64(buf[off:], r.CreatedAtUnixMs)
	off += 8
	buf[off] = uint8(len(r.IdempotencyKey))
	off++
	copy(buf[off:], r.IdempotencyKey)
	off += len(r.IdempotencyKey)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(size))
	crc := crc32.ChecksumIEEE(buf[4:off])
	binary.LittleEndian.PutUint32(buf[off:off+4], crc)

	return buf
}

// decodeBody decodes everything after the 4-byte length prefix,
// verifying the trailing CRC32. body must not include the length
// prefix.
func decodeBody(body []byte) (Record, error) {
	if len(body) < 8+8+8+4+2 {
		return Record{}, fmt.Errorf("turnlog: record too short")
	}
	crcField := len(body) - 4
	crc := crc32.ChecksumIEEE(body[:crcField])
	wantCRC := binary.LittleEndian.Uint32(body[crcField:])
	if crc != wantCRC {
		return Record{}, errCRCMismatch
	}

	var r Record
	off := 0
	r.TurnID = binary.LittleEndian.Uint64(body[off:])
	off += 8
	r.ContextID = binary.LittleEndian.Uint64(body[off:])
	off += 8
	r.ParentTurnID = binary.LittleEndian.Uint64(body[off:])
	off += 8
	r.Depth = binary.LittleEndian.Uint32(body[off:])
	off += 4
	typeLen := int(binary.LittleEndian.Uint16(body[off:]))
	off += 2
	if off+typeLen > crcField {
		return Record{}, fmt.Errorf("turnlog: truncated type id")
	}
	r.DeclaredTypeID = string(body[off : off+typeLen])
	off += typeLen
	r.DeclaredTypeVersion = binary.LittleEndian.Uint32(body[off:])
	off += 4
	r.PayloadEncoding = Encoding(body[off])
	off++
	r.PayloadCompression = Compression(body[off])
	off++
	r.PayloadUncompressedLen = binary.LittleEndian.Uint32(body[off:])
	off += 4
	copy(r.PayloadDigest[:], body[off:off+digest.Size])
	off += digest.Size
	hasFSRoot := body[off]
	off++
	if hasFSRoot == 1 {
		var fsRoot digest.Digest
		copy(fsRoot[:], body[off:off+digest.Size])
		r.FSRootDigest = &fsRoot
	}
	off += digest.Size
	r.CreatedAtUnixMs = binary.LittleEndian.Uint64(body[off:])
	off += 8
	keyLen := int(body[off])
	off++
	if off+keyLen > crcField {
		return Record{}, fmt.Errorf("turnlog: truncated idempotency key")
	}
	if keyLen > 0 {
		r.IdempotencyKey = append([]byte(nil), body[off:off+keyLen]...)
	}

	return r, nil
}
