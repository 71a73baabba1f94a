package main

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/strongdm/cxdb/internal/blobstore"
	"github.com/strongdm/cxdb/internal/dag"
	"github.com/strongdm/cxdb/internal/digest"
	"github.com/strongdm/cxdb/internal/fstree"
	"github.com/strongdm/cxdb/internal/headtable"
	"github.com/strongdm/cxdb/internal/health"
	"github.com/strongdm/cxdb/internal/httpapi"
	"github.com/strongdm/cxdb/internal/metrics"
	"github.com/strongdm/cxdb/internal/protocol"
	"github.com/strongdm/cxdb/internal/registry"
	"github.com/strongdm/cxdb/internal/server"
	"github.com/strongdm/cxdb/internal/turnindex"
	"github.com/strongdm/cxdb/internal/turnlog"
)

// daemon assembles the same component graph run() wires up, bound to
// ephemeral ports, so tests exercise both wire surfaces end to end.
type daemon struct {
	engine *dag.Engine
	blobs  *blobstore.Store
	fs     *fstree.Store
	bin    *server.Server
	http   *httptest.Server
}

func startDaemon(t *testing.T) *daemon {
	t.Helper()
	dir := t.TempDir()

	blobs, err := blobstore.Open(dir+"/blobs", blobstore.DefaultOptions())
	if err != nil {
		t.Fatalf("open blobstore: %v", err)
	}
	t.Cleanup(func() { blobs.Close() })

	log, err := turnlog.Open(dir + "/turns")
	if err != nil {
		t.Fatalf("open turnlog: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	index, err := turnindex.Rebuild(log)
	if err != nil {
		t.Fatalf("rebuild index: %v", err)
	}

	heads, err := headtable.Open(dir + "/heads")
	if err != nil {
		t.Fatalf("open headtable: %v", err)
	}
	t.Cleanup(func() { heads.Close() })

	reg, err := registry.Open(dir+"/registry", blobs)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}

	engine := dag.New(blobs, log, index, heads)
	fs := fstree.New(blobs)
	ops := metrics.NewOperations(metrics.NewRegistry("cxdb_it", ""))
	checker := health.NewChecker()
	checker.SetReady(true)

	cfg := server.DefaultConfig()
	cfg.BindAddr = "127.0.0.1:0"
	bin := server.New(cfg, engine, nil)
	bin.SetMetrics(ops)
	if err := bin.Start(); err != nil {
		t.Fatalf("start binary server: %v", err)
	}
	t.Cleanup(func() { bin.Stop() })

	api := httpapi.New(engine, reg, fs, ops, checker, nil)
	hs := httptest.NewServer(api.Router())
	t.Cleanup(hs.Close)

	return &daemon{engine: engine, blobs: blobs, fs: fs, bin: bin, http: hs}
}

func (d *daemon) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", d.bin.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, msgType protocol.MessageType, requestID uint64, payload []byte) protocol.Frame {
	t.Helper()
	f := protocol.NewFrame(msgType, requestID, payload)
	if err := f.Write(conn); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	reply, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return reply
}

func createContext(t *testing.T, conn net.Conn) protocol.HeadReply {
	t.Helper()
	reply := roundTrip(t, conn, protocol.MsgCtxCreate, 1, protocol.CtxCreateRequest{}.Encode())
	if reply.Header.Type != protocol.MsgCtxCreate {
		t.Fatalf("create failed: %v", reply.Header.Type)
	}
	head, err := protocol.DecodeHeadReply(reply.Payload)
	if err != nil {
		t.Fatal(err)
	}
	return head
}

func appendOverWire(t *testing.T, conn net.Conn, contextID uint64, payload []byte, idempotencyKey string) protocol.AppendReply {
	t.Helper()
	req := protocol.AppendRequest{
		ContextID:           contextID,
		DeclaredTypeID:      "com.example.Message",
		DeclaredTypeVersion: 1,
		Encoding:            1,
		UncompressedLen:     uint32(len(payload)),
		PayloadDigest:       digest.Sum(payload),
		Payload:             payload,
		IdempotencyKey:      []byte(idempotencyKey),
	}
	reply := roundTrip(t, conn, protocol.MsgAppend, 2, req.Encode())
	if reply.Header.Type == protocol.MsgError {
		errReply, _ := protocol.DecodeErrorReply(reply.Payload)
		t.Fatalf("append failed: code=%d detail=%s", errReply.Code, errReply.Detail)
	}
	out, err := protocol.DecodeAppendReply(reply.Payload)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func getLastCount(t *testing.T, conn net.Conn, contextID uint64) int {
	t.Helper()
	reply := roundTrip(t, conn, protocol.MsgGetLast, 3, protocol.GetLastRequest{ContextID: contextID, Limit: 100}.Encode())
	out, err := protocol.DecodeGetLastReply(reply.Payload)
	if err != nil {
		t.Fatal(err)
	}
	return len(out.Records)
}

// Create a context, append one turn, read it back with its payload.
func TestCreateAppendRead(t *testing.T) {
	d := startDaemon(t)
	conn := d.dial(t)

	head := createContext(t, conn)
	if head.ContextID != 1 || head.HeadTurnID != 0 || head.HeadDepth != 0 {
		t.Fatalf("unexpected fresh context: %+v", head)
	}

	payload := []byte("payload bytes")
	res := appendOverWire(t, conn, head.ContextID, payload, "")
	if res.TurnID != 1 || res.Depth != 1 {
		t.Fatalf("expected turn_id=1 depth=1, got %+v", res)
	}

	reply := roundTrip(t, conn, protocol.MsgGetLast, 4, protocol.GetLastRequest{ContextID: 1, Limit: 10, IncludePayload: true}.Encode())
	out, err := protocol.DecodeGetLastReply(reply.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Records) != 1 {
		t.Fatalf("expected count=1, got %d", len(out.Records))
	}
	rec := out.Records[0]
	if rec.TurnID != 1 || rec.Depth != 1 || rec.DeclaredTypeID != "com.example.Message" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !rec.PayloadDigest.Equal(digest.Sum(payload)) {
		t.Fatalf("digest mismatch")
	}
	if string(rec.Payload) != string(payload) {
		t.Fatalf("payload mismatch: %q", rec.Payload)
	}
}

// A digest one byte off is rejected and leaves no partial state.
func TestDigestMismatchLeavesNoTurn(t *testing.T) {
	d := startDaemon(t)
	conn := d.dial(t)

	head := createContext(t, conn)
	appendOverWire(t, conn, head.ContextID, []byte("good"), "")

	bad := []byte("tampered")
	wrongDigest := digest.Sum(bad)
	wrongDigest[0] ^= 0x01

	req := protocol.AppendRequest{
		ContextID:       head.ContextID,
		DeclaredTypeID:  "com.example.Message",
		Encoding:        1,
		UncompressedLen: uint32(len(bad)),
		PayloadDigest:   wrongDigest,
		Payload:         bad,
	}
	reply := roundTrip(t, conn, protocol.MsgAppend, 5, req.Encode())
	if reply.Header.Type != protocol.MsgError {
		t.Fatalf("expected ERROR reply")
	}
	errReply, _ := protocol.DecodeErrorReply(reply.Payload)
	if errReply.Code != 2 { // BAD_DIGEST
		t.Fatalf("expected BAD_DIGEST, got %d", errReply.Code)
	}

	if n := getLastCount(t, conn, head.ContextID); n != 1 {
		t.Fatalf("rejected append must not create a turn, got %d", n)
	}
}

// Forking rewires a head without writing blobs or turns.
func TestForkWritesNothing(t *testing.T) {
	d := startDaemon(t)
	conn := d.dial(t)

	head := createContext(t, conn)
	res := appendOverWire(t, conn, head.ContextID, []byte("turn one"), "")

	blobsBefore := d.blobs.Count()

	reply := roundTrip(t, conn, protocol.MsgCtxFork, 6, protocol.CtxForkRequest{ParentContextID: head.ContextID, AtTurnID: res.TurnID}.Encode())
	forked, err := protocol.DecodeHeadReply(reply.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if forked.ContextID == head.ContextID {
		t.Fatalf("fork must allocate a new context id")
	}
	if forked.HeadTurnID != res.TurnID || forked.HeadDepth != res.Depth {
		t.Fatalf("forked head should sit at the fork point: %+v", forked)
	}

	if d.blobs.Count() != blobsBefore {
		t.Fatalf("fork must not write blobs")
	}

	// The forked context sees the shared history.
	if n := getLastCount(t, conn, forked.ContextID); n != 1 {
		t.Fatalf("forked context should inherit 1 turn, got %d", n)
	}
}

// Replaying an append with the same idempotency key returns the same
// turn and writes nothing new.
func TestIdempotentReplay(t *testing.T) {
	d := startDaemon(t)
	conn := d.dial(t)

	head := createContext(t, conn)
	payload := []byte("once only")

	first := appendOverWire(t, conn, head.ContextID, payload, "k1")
	second := appendOverWire(t, conn, head.ContextID, payload, "k1")
	if first.TurnID != second.TurnID {
		t.Fatalf("expected same turn_id on replay, got %d then %d", first.TurnID, second.TurnID)
	}
	if n := getLastCount(t, conn, head.ContextID); n != 1 {
		t.Fatalf("replay must not create a second turn, got %d", n)
	}
}

const logEntryBundle = `{
  "bundle_id": "com.example.logs-v1",
  "descriptors": [
    {
      "type_id": "com.example.LogEntry",
      "type_version": 1,
      "fields": {
        "1": {"name": "timestamp", "type": "scalar", "semantic": "unix_ms"},
        "2": {"name": "level", "type": "scalar", "semantic": "enum_ref", "enum_ref": "log_level"},
        "3": {"name": "message", "type": "scalar"},
        "4": {"name": "tags", "type": "map", "key_type": "scalar", "value_type": "scalar"}
      }
    }
  ],
  "enums": {"log_level": {"labels": {"0": "DEBUG", "1": "INFO", "2": "WARN", "3": "ERROR"}}}
}`

// Publish a bundle over HTTP, append a msgpack payload over the binary
// wire, and read the typed projection back over HTTP.
func TestTypedProjectionAcrossSurfaces(t *testing.T) {
	d := startDaemon(t)
	conn := d.dial(t)

	putReq, err := http.NewRequest(http.MethodPut, d.http.URL+"/v1/registry/bundles/com.example.logs-v1", strings.NewReader(logEntryBundle))
	if err != nil {
		t.Fatal(err)
	}
	putReq.Header.Set("Content-Type", "application/json")
	putResp, err := http.DefaultClient.Do(putReq)
	if err != nil {
		t.Fatal(err)
	}
	putResp.Body.Close()
	if putResp.StatusCode != http.StatusCreated {
		t.Fatalf("publish failed with %d", putResp.StatusCode)
	}

	head := createContext(t, conn)
	payload, err := msgpack.Marshal(map[int]any{
		1: int64(1706615000000),
		2: int64(1),
		3: "started",
		4: map[string]string{"env": "prod"},
	})
	if err != nil {
		t.Fatal(err)
	}

	req := protocol.AppendRequest{
		ContextID:           head.ContextID,
		DeclaredTypeID:      "com.example.LogEntry",
		DeclaredTypeVersion: 1,
		Encoding:            1,
		UncompressedLen:     uint32(len(payload)),
		PayloadDigest:       digest.Sum(payload),
		Payload:             payload,
	}
	reply := roundTrip(t, conn, protocol.MsgAppend, 7, req.Encode())
	if reply.Header.Type == protocol.MsgError {
		errReply, _ := protocol.DecodeErrorReply(reply.Payload)
		t.Fatalf("append failed: %s", errReply.Detail)
	}

	resp, err := http.Get(d.http.URL + "/v1/contexts/" + strconv.FormatUint(head.ContextID, 10) + "/turns?view=typed")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatal(err)
	}
	turns := doc["turns"].([]any)
	if len(turns) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(turns))
	}
	typed := turns[0].(map[string]any)["payload"].(map[string]any)
	if typed["level"] != "INFO" || typed["message"] != "started" {
		t.Fatalf("unexpected projection: %v", typed)
	}
	if !strings.HasPrefix(typed["timestamp"].(string), "2024-01-30T") {
		t.Fatalf("unexpected timestamp: %v", typed["timestamp"])
	}
}

// Two filesystem snapshots differing in one modified, one added, and
// one removed file diff exactly that way via list walks; unchanged
// files share content digests.
func TestFilesystemSnapshotDiff(t *testing.T) {
	d := startDaemon(t)
	conn := d.dial(t)

	put := func(data string) digest.Digest {
		t.Helper()
		dg, err := d.blobs.Put([]byte(data))
		if err != nil {
			t.Fatal(err)
		}
		return dg
	}
	mkdir := func(entries ...fstree.Entry) digest.Digest {
		t.Helper()
		dg, err := d.fs.PutDirectory(fstree.Directory{Entries: entries})
		if err != nil {
			t.Fatal(err)
		}
		return dg
	}
	file := func(name, data string) fstree.Entry {
		return fstree.Entry{Name: name, Kind: fstree.KindFile, Mode: 0o644, Size: uint64(len(data)), ContentDigest: put(data)}
	}

	root1 := mkdir(
		file("a.txt", "alpha"),
		file("b.txt", "bravo"),
		file("c.txt", "charlie"),
		file("d.txt", "delta"),
	)
	// Modify b, add e, remove d.
	root2 := mkdir(
		file("a.txt", "alpha"),
		file("b.txt", "bravo v2"),
		file("c.txt", "charlie"),
		file("e.txt", "echo"),
	)

	head := createContext(t, conn)
	appendSnapshot := func(root digest.Digest, key string) uint64 {
		t.Helper()
		payload := []byte(key)
		req := protocol.AppendRequest{
			ContextID:       head.ContextID,
			DeclaredTypeID:  "com.example.Snapshot",
			Encoding:        1,
			UncompressedLen: uint32(len(payload)),
			PayloadDigest:   digest.Sum(payload),
			Payload:         payload,
			FSRootDigest:    &root,
		}
		reply := roundTrip(t, conn, protocol.MsgAppend, 8, req.Encode())
		if reply.Header.Type == protocol.MsgError {
			errReply, _ := protocol.DecodeErrorReply(reply.Payload)
			t.Fatalf("append failed: %s", errReply.Detail)
		}
		out, err := protocol.DecodeAppendReply(reply.Payload)
		if err != nil {
			t.Fatal(err)
		}
		return out.TurnID
	}

	turn1 := appendSnapshot(root1, "snap one")
	turn2 := appendSnapshot(root2, "snap two")

	listDir := func(turnID uint64) map[string]string {
		t.Helper()
		resp, err := http.Get(d.http.URL + "/v1/fs/" + strconv.FormatUint(turnID, 10))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("list failed with %d", resp.StatusCode)
		}
		var doc struct {
			Entries []struct {
				Name          string `json:"name"`
				ContentDigest string `json:"content_digest"`
			} `json:"entries"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			t.Fatal(err)
		}
		out := make(map[string]string)
		for _, e := range doc.Entries {
			out[e.Name] = e.ContentDigest
		}
		return out
	}

	before := listDir(turn1)
	after := listDir(turn2)

	var added, modified, removed []string
	for name, dg := range after {
		if old, ok := before[name]; !ok {
			added = append(added, name)
		} else if old != dg {
			modified = append(modified, name)
		}
	}
	for name := range before {
		if _, ok := after[name]; !ok {
			removed = append(removed, name)
		}
	}

	if len(added) != 1 || added[0] != "e.txt" {
		t.Fatalf("unexpected added set: %v", added)
	}
	if len(modified) != 1 || modified[0] != "b.txt" {
		t.Fatalf("unexpected modified set: %v", modified)
	}
	if len(removed) != 1 || removed[0] != "d.txt" {
		t.Fatalf("unexpected removed set: %v", removed)
	}

	// Unchanged files share digests across both snapshots.
	if before["a.txt"] != after["a.txt"] || before["c.txt"] != after["c.txt"] {
		t.Fatalf("unchanged files should share content digests")
	}
}

// Multiple in-flight requests on one connection are answered by
// request id, whatever the completion order.
func TestRequestCorrelation(t *testing.T) {
	d := startDaemon(t)
	conn := d.dial(t)

	head := createContext(t, conn)
	appendOverWire(t, conn, head.ContextID, []byte("x"), "")

	// Fire several GET_LAST requests back to back before reading any
	// replies, then match them up by request id.
	ids := []uint64{101, 102, 103, 104}
	for _, id := range ids {
		f := protocol.NewFrame(protocol.MsgGetLast, id, protocol.GetLastRequest{ContextID: head.ContextID, Limit: 1}.Encode())
		if err := f.Write(conn); err != nil {
			t.Fatal(err)
		}
	}

	seen := make(map[uint64]bool)
	for range ids {
		reply, err := protocol.ReadFrame(conn)
		if err != nil {
			t.Fatal(err)
		}
		if reply.Header.Type != protocol.MsgGetLast {
			t.Fatalf("unexpected reply type %v", reply.Header.Type)
		}
		seen[reply.Header.RequestID] = true
	}
	for _, id := range ids {
		if !seen[id] {
			t.Fatalf("no reply for request id %d", id)
		}
	}
}
