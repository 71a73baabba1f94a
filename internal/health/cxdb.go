package health

// StorageChecker is the subset of the storage engine health needs:
// each component reports its own on-disk size, which doubles as an
// "is this handle still open and readable" probe.
type StorageChecker struct {
	BlobPackSize      StorageSizeFunc
	TurnLogSize       StorageSizeFunc
	HeadTableSize     StorageSizeFunc
	RegistryIndexSize StorageSizeFunc
}

// RegisterStorage wires CXDB's storage engine components into c as
// critical checks: a degraded blob pack, turn log, or head table means
// the daemon cannot safely serve appends, so GET /healthz must report
// unhealthy rather than degraded in that case.
func (c *Checker) RegisterStorage(s StorageChecker) {
	c.RegisterFunc("blobstore", true, StorageComponentCheck(s.BlobPackSize))
	c.RegisterFunc("turnlog", true, StorageComponentCheck(s.TurnLogSize))
	c.RegisterFunc("headtable", true, StorageComponentCheck(s.HeadTableSize))
	if s.RegistryIndexSize != nil {
		c.RegisterFunc("registry", false, StorageComponentCheck(s.RegistryIndexSize))
	}
}
