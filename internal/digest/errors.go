package digest

import "errors"

// ErrWrongLength is returned by Parse when the decoded bytes are not
// exactly Size long.
var ErrWrongLength = errors.New("digest: wrong length, expected 32 bytes")
