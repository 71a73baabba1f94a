package turnlog

import (
	"errors"
	"strconv"
)

var (
	// errCRCMismatch indicates a record's trailing CRC32 does not match
	// its body. A mismatch on the final record of the log is treated as
	// a truncation (see TruncatedError); anywhere else it is a hard
	// corruption failure.
	errCRCMismatch = errors.New("turnlog: CRC mismatch")

	// ErrBadMagic is returned by Open when the log file's header does
	// not start with the expected magic bytes.
	ErrBadMagic = errors.New("turnlog: bad magic")

	// ErrUnsupportedVersion is returned by Open when the log file's
	// header declares a version this build does not understand.
	ErrUnsupportedVersion = errors.New("turnlog: unsupported version")

	// ErrClosed is returned by operations on a closed Log.
	ErrClosed = errors.New("turnlog: log is closed")
)

// TruncatedError reports that the log's final record was incomplete
// or failed its CRC check: the server must refuse to start rather
// than silently drop the tail turn.
type TruncatedError struct {
	// Offset is the byte offset at which the truncated record begins.
	Offset int64
}

func (e *TruncatedError) Error() string {
	return "turnlog: truncated final record at offset " + strconv.FormatInt(e.Offset, 10)
}
