package metrics

import "time"

// Operations holds every metric CXDB's storage engine, binary
// server, and HTTP API record against: a single struct of named
// Counter/Gauge/Histogram fields registered at startup and driven by
// small Record* methods called from the operations they describe.
type Operations struct {
	registry *Registry

	AppendsTotal     *Counter
	ForksTotal       *Counter
	ContextsTotal    *Counter
	GetLastTotal     *Counter
	GetBlobTotal     *Counter
	IdempotentHits   *Counter
	CASConflicts     *Counter
	ErrorsTotal      *Counter
	ConnectionsTotal *Counter

	ActiveConnections *Gauge
	BlobPackSizeBytes *Gauge
	TurnLogSizeBytes  *Gauge
	ContextCount      *Gauge
	UptimeSeconds     *Gauge

	AppendDuration    *Histogram
	GetLastDuration   *Histogram
	GetBlobDuration   *Histogram
	BlobWriteDuration *Histogram
	DigestDuration    *Histogram
}

var operationsStart = time.Now()

// NewOperations registers CXDB's metric set against registry. A nil
// registry registers against the package Default().
func NewOperations(registry *Registry) *Operations {
	if registry == nil {
		registry = Default()
	}

	return &Operations{
		registry: registry,

		AppendsTotal:     registry.RegisterCounter("appends_total", "Total number of turns appended", nil),
		ForksTotal:       registry.RegisterCounter("forks_total", "Total number of context forks", nil),
		ContextsTotal:    registry.RegisterCounter("contexts_total", "Total number of contexts created", nil),
		GetLastTotal:     registry.RegisterCounter("get_last_total", "Total number of get_last queries served", nil),
		GetBlobTotal:     registry.RegisterCounter("get_blob_total", "Total number of get_blob requests served", nil),
		IdempotentHits:   registry.RegisterCounter("idempotent_hits_total", "Total number of appends resolved by idempotency key instead of writing a new turn", nil),
		CASConflicts:     registry.RegisterCounter("cas_conflicts_total", "Total number of head compare-and-swap retries", nil),
		ErrorsTotal:      registry.RegisterCounter("errors_total", "Total number of requests that ended in an error", nil),
		ConnectionsTotal: registry.RegisterCounter("connections_total", "Total number of binary protocol connections accepted", nil),

		ActiveConnections: registry.RegisterGauge("active_connections", "Number of open binary protocol connections", nil),
		BlobPackSizeBytes: registry.RegisterGauge("blob_pack_size_bytes", "Size of the blob pack file in bytes", nil),
		TurnLogSizeBytes:  registry.RegisterGauge("turn_log_size_bytes", "Size of the turn log file in bytes", nil),
		ContextCount:      registry.RegisterGauge("context_count", "Number of contexts known to the head table", nil),
		UptimeSeconds:     registry.RegisterGauge("uptime_seconds", "Seconds since the process started", nil),

		AppendDuration:    registry.RegisterHistogram("append_duration_seconds", "Duration of append operations", nil, DurationBuckets),
		GetLastDuration:   registry.RegisterHistogram("get_last_duration_seconds", "Duration of get_last queries", nil, DurationBuckets),
		GetBlobDuration:   registry.RegisterHistogram("get_blob_duration_seconds", "Duration of get_blob requests", nil, DurationBuckets),
		BlobWriteDuration: registry.RegisterHistogram("blob_write_duration_seconds", "Duration of blob store writes, including compression", nil, DurationBuckets),
		DigestDuration:    registry.RegisterHistogram("digest_duration_seconds", "Duration of payload digest computation", nil, DurationBuckets),
	}
}

// RecordAppend records a completed (successful or not) append.
func (o *Operations) RecordAppend(d time.Duration, idempotentHit bool, err error) {
	o.AppendsTotal.Inc()
	o.AppendDuration.ObserveDuration(d)
	if idempotentHit {
		o.IdempotentHits.Inc()
	}
	if err != nil {
		o.ErrorsTotal.Inc()
	}
}

// RecordCASConflict records one append rejected with CONFLICT on a
// context's head; internal/dag does not retry, so each conflict is one
// failed request.
func (o *Operations) RecordCASConflict() { o.CASConflicts.Inc() }

// RecordFork records a context fork.
func (o *Operations) RecordFork(err error) {
	o.ForksTotal.Inc()
	if err != nil {
		o.ErrorsTotal.Inc()
	}
}

// RecordContextCreate records a context creation.
func (o *Operations) RecordContextCreate(err error) {
	o.ContextsTotal.Inc()
	if err != nil {
		o.ErrorsTotal.Inc()
	}
}

// RecordGetLast records a get_last query.
func (o *Operations) RecordGetLast(d time.Duration, err error) {
	o.GetLastTotal.Inc()
	o.GetLastDuration.ObserveDuration(d)
	if err != nil {
		o.ErrorsTotal.Inc()
	}
}

// RecordGetBlob records a get_blob request.
func (o *Operations) RecordGetBlob(d time.Duration, err error) {
	o.GetBlobTotal.Inc()
	o.GetBlobDuration.ObserveDuration(d)
	if err != nil {
		o.ErrorsTotal.Inc()
	}
}

// RecordBlobWrite records the duration of a blob store write.
func (o *Operations) RecordBlobWrite(d time.Duration) { o.BlobWriteDuration.ObserveDuration(d) }

// RecordDigest records the duration of a payload digest computation.
func (o *Operations) RecordDigest(d time.Duration) { o.DigestDuration.ObserveDuration(d) }

// ConnectionOpened records a newly accepted connection.
func (o *Operations) ConnectionOpened() {
	o.ConnectionsTotal.Inc()
	o.ActiveConnections.Inc()
}

// ConnectionClosed records a connection's closure.
func (o *Operations) ConnectionClosed() { o.ActiveConnections.Dec() }

// SetBlobPackSize records the blob pack file's current size.
func (o *Operations) SetBlobPackSize(bytes int64) { o.BlobPackSizeBytes.Set(bytes) }

// SetTurnLogSize records the turn log file's current size.
func (o *Operations) SetTurnLogSize(bytes int64) { o.TurnLogSizeBytes.Set(bytes) }

// SetContextCount records the number of known contexts.
func (o *Operations) SetContextCount(n int64) { o.ContextCount.Set(n) }

// UpdateUptime refreshes the uptime gauge from the process start time.
func (o *Operations) UpdateUptime() {
	o.UptimeSeconds.Set(int64(time.Since(operationsStart).Seconds()))
}

// Document returns the full metrics document, refreshing uptime first.
func (o *Operations) Document() Document {
	o.UpdateUptime()
	return o.registry.SnapshotDocument()
}

var defaultOperations *Operations

// DefaultOperations returns the global CXDB operations metrics,
// creating them against the package default registry on first use.
func DefaultOperations() *Operations {
	if defaultOperations == nil {
		defaultOperations = NewOperations(Default())
	}
	return defaultOperations
}
