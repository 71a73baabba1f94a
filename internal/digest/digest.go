// Package digest computes and compares the 256-bit content digests
// that key every blob, turn payload, and directory object in CXDB.
package digest

import (
	"crypto/subtle"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Size is the length in bytes of a digest.
const Size = 32

// Digest is a 256-bit BLAKE3 digest of uncompressed content.
type Digest [Size]byte

// Zero is the digest of the empty byte string.
var Zero = Sum(nil)

// Sum computes the digest of data.
func Sum(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

// Equal reports whether two digests are identical, in constant time.
func (d Digest) Equal(other Digest) bool {
	return subtle.ConstantTimeCompare(d[:], other[:]) == 1
}

// IsZero reports whether d is the zero value (not a real digest).
func (d Digest) IsZero() bool {
	var zero Digest
	return d == zero
}

// String returns the lowercase hex encoding of d.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Parse decodes a hex-encoded digest.
func Parse(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, err
	}
	if len(b) != Size {
		return d, ErrWrongLength
	}
	copy(d[:], b)
	return d, nil
}
