//go:build !linux

package fsutil

import "os"

// Datasync flushes f's data to stable storage. Platforms without a
// distinct fdatasync fall back to a full fsync.
func Datasync(f *os.File) error {
	return f.Sync()
}
