// Package fsutil holds the durability fence shared by the blob pack,
// turn log, and head log: a successful append implies the record
// survives a crash, and Datasync is the primitive that makes it so.
package fsutil
