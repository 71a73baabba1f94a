// Package httpapi implements cxdbd's JSON read surface: context and
// turn browsing (raw or typed views), blob retrieval, registry bundle
// publication, filesystem snapshot navigation, metrics, and health.
package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/strongdm/cxdb/internal/cxerr"
	"github.com/strongdm/cxdb/internal/dag"
	"github.com/strongdm/cxdb/internal/digest"
	"github.com/strongdm/cxdb/internal/fstree"
	"github.com/strongdm/cxdb/internal/health"
	"github.com/strongdm/cxdb/internal/metrics"
	"github.com/strongdm/cxdb/internal/registry"
	"github.com/strongdm/cxdb/internal/turnindex"
)

// API bundles the handlers for the HTTP read surface. All state lives
// in the engine, registry, and filesystem store it is constructed
// around; the API itself is stateless.
type API struct {
	engine  *dag.Engine
	reg     *registry.Registry
	fs      *fstree.Store
	ops     *metrics.Operations
	checker *health.Checker
	log     *slog.Logger

	// MaxBundleSize caps PUT bundle bodies.
	MaxBundleSize int64

	// RefreshStorage, when set, is invoked before a metrics snapshot
	// so storage-size gauges reflect the current on-disk state.
	RefreshStorage func()
}

// New assembles the API around already-opened components.
func New(engine *dag.Engine, reg *registry.Registry, fs *fstree.Store, ops *metrics.Operations, checker *health.Checker, log *slog.Logger) *API {
	if log == nil {
		log = slog.Default()
	}
	if ops == nil {
		ops = metrics.DefaultOperations()
	}
	if checker == nil {
		checker = health.Default()
	}
	return &API{
		engine:        engine,
		reg:           reg,
		fs:            fs,
		ops:           ops,
		checker:       checker,
		log:           log,
		MaxBundleSize: 4 << 20,
	}
}

// Router returns the mux serving every endpoint of the read surface.
func (a *API) Router() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", a.checker.HealthHandler())
	mux.HandleFunc("GET /v1/contexts", a.handleListContexts)
	mux.HandleFunc("GET /v1/contexts/{id}/turns", a.handleListTurns)
	mux.HandleFunc("GET /v1/blobs/{digest}", a.handleGetBlob)
	mux.HandleFunc("PUT /v1/registry/bundles/{id}", a.handlePublishBundle)
	mux.HandleFunc("GET /v1/registry/bundles/{id}", a.handleGetBundle)
	mux.HandleFunc("GET /v1/fs/{turn}", a.handleListDir)
	mux.HandleFunc("GET /v1/fs/{turn}/file", a.handleGetFile)
	mux.HandleFunc("GET /v1/metrics", a.handleMetrics)
	return mux
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	code := cxerr.As(err)
	status := code.HTTPStatus()

	switch code {
	case cxerr.CodeConflict:
		// Contention is expected; keep it off the error log.
		a.log.Debug("request conflict", "detail", cxerr.Detail(err))
	case cxerr.CodeCorrupted, cxerr.CodeInternal:
		a.log.Error("request failed", "code", code.String(), "detail", cxerr.Detail(err))
	default:
		a.log.Debug("request rejected", "code", code.String(), "detail", cxerr.Detail(err))
	}

	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code.String(),
			"message": cxerr.Detail(err),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// contextView is one row of GET /v1/contexts.
type contextView struct {
	ContextID       uint64 `json:"context_id"`
	BaseTurnID      uint64 `json:"base_turn_id"`
	HeadTurnID      uint64 `json:"head_turn_id"`
	HeadDepth       uint32 `json:"head_depth"`
	TurnCount       int    `json:"turn_count"`
	UpdatedAtUnixMs uint64 `json:"updated_at_unix_ms"`
}

func (a *API) handleListContexts(w http.ResponseWriter, r *http.Request) {
	heads := a.engine.ListContexts()
	out := make([]contextView, 0, len(heads))
	for _, h := range heads {
		out = append(out, contextView{
			ContextID:       h.ContextID,
			BaseTurnID:      h.BaseTurnID,
			HeadTurnID:      h.HeadTurnID,
			HeadDepth:       h.Depth,
			TurnCount:       a.engine.ContextTurnCount(h.ContextID),
			UpdatedAtUnixMs: h.UpdatedAtUnixMs,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"contexts": out})
}

// turnView is one row of GET /v1/contexts/{id}/turns.
type turnView struct {
	TurnID          uint64         `json:"turn_id"`
	ParentTurnID    uint64         `json:"parent_turn_id"`
	ContextID       uint64         `json:"context_id"`
	Depth           uint32         `json:"depth"`
	TypeID          string         `json:"type_id"`
	TypeVersion     uint32         `json:"type_version"`
	CreatedAtUnixMs uint64         `json:"created_at_unix_ms"`
	PayloadDigest   string         `json:"payload_digest"`
	PayloadLen      uint32         `json:"payload_uncompressed_len"`
	FSRootDigest    string         `json:"fs_root_digest,omitempty"`
	TypeResolution  string         `json:"type_resolution,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
}

func (a *API) handleListTurns(w http.ResponseWriter, r *http.Request) {
	contextID, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		a.writeError(w, cxerr.New(cxerr.CodeBadRequest, "context id must be an integer"))
		return
	}

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			a.writeError(w, cxerr.New(cxerr.CodeBadRequest, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	view := r.URL.Query().Get("view")
	if view == "" {
		view = "raw"
	}
	if view != "raw" && view != "typed" {
		a.writeError(w, cxerr.Newf(cxerr.CodeBadRequest, "unknown view %q", view))
		return
	}

	hintMode := r.URL.Query().Get("type_hint_mode")
	if hintMode == "" {
		hintMode = "inherit"
	}
	if hintMode != "strict" && hintMode != "inherit" {
		a.writeError(w, cxerr.Newf(cxerr.CodeBadRequest, "unknown type_hint_mode %q", hintMode))
		return
	}

	entries, err := a.engine.GetLast(contextID, limit)
	if err != nil {
		a.writeError(w, err)
		return
	}

	out := make([]turnView, 0, len(entries))
	for _, e := range entries {
		tv, err := a.renderTurn(e, view, hintMode)
		if err != nil {
			a.writeError(w, err)
			return
		}
		out = append(out, tv)
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": out})
}

func (a *API) renderTurn(e turnindex.Entry, view, hintMode string) (turnView, error) {
	tv := turnView{
		TurnID:          e.TurnID,
		ParentTurnID:    e.ParentTurnID,
		ContextID:       e.ContextID,
		Depth:           e.Depth,
		TypeID:          e.DeclaredTypeID,
		TypeVersion:     e.DeclaredTypeVersion,
		CreatedAtUnixMs: e.CreatedAtUnixMs,
		PayloadDigest:   e.PayloadDigest.String(),
		PayloadLen:      e.PayloadUncompressedLen,
	}
	if e.FSRootDigest != nil {
		tv.FSRootDigest = e.FSRootDigest.String()
	}

	payload, err := a.engine.GetBlob(e.PayloadDigest)
	if err != nil {
		return turnView{}, err
	}

	switch view {
	case "raw":
		raw, err := registry.DecodeRaw(payload)
		if err != nil {
			return turnView{}, err
		}
		tv.Payload = raw

	case "typed":
		desc, bundle, inherited, found := a.reg.ResolveForProjection(e.DeclaredTypeID, e.DeclaredTypeVersion)
		if !found || (inherited && hintMode == "strict") {
			if hintMode == "strict" {
				return turnView{}, cxerr.Newf(cxerr.CodeTypeUnresolved,
					"no descriptor for %s v%d", e.DeclaredTypeID, e.DeclaredTypeVersion)
			}
			// Fall back to the raw view, flagged so the caller can tell.
			raw, err := registry.DecodeRaw(payload)
			if err != nil {
				return turnView{}, err
			}
			tv.Payload = raw
			tv.TypeResolution = "unresolved"
			return tv, nil
		}

		projected, err := registry.Project(desc, bundle, payload)
		if err != nil {
			return turnView{}, err
		}
		tv.Payload = projected
		if inherited {
			tv.TypeResolution = "inherited"
		} else {
			tv.TypeResolution = "exact"
		}
	}

	return tv, nil
}

func (a *API) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	d, err := digest.Parse(r.PathValue("digest"))
	if err != nil {
		a.writeError(w, cxerr.New(cxerr.CodeBadRequest, "digest must be 64 hex characters"))
		return
	}

	data, err := a.engine.GetBlob(d)
	if err != nil {
		a.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (a *API) handlePublishBundle(w http.ResponseWriter, r *http.Request) {
	bundleID := r.PathValue("id")

	body, err := io.ReadAll(io.LimitReader(r.Body, a.MaxBundleSize+1))
	if err != nil {
		a.writeError(w, cxerr.Wrap(cxerr.CodeBadRequest, err))
		return
	}
	if int64(len(body)) > a.MaxBundleSize {
		a.writeError(w, cxerr.Newf(cxerr.CodePayloadTooLarge, "bundle exceeds %d bytes", a.MaxBundleSize))
		return
	}

	_, existed := a.reg.GetBundle(bundleID)

	bundle, err := a.reg.PublishBundle(bundleID, body, r.Header.Get("Content-Type"))
	if err != nil {
		a.writeError(w, err)
		return
	}

	a.log.Info("bundle published", "bundle_id", bundleID, "descriptors", len(bundle.Descriptors), "replaced", existed)

	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"bundle_id":   bundleID,
		"descriptors": len(bundle.Descriptors),
	})
}

func (a *API) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	bundleID := r.PathValue("id")
	bundle, ok := a.reg.GetBundle(bundleID)
	if !ok {
		a.writeError(w, cxerr.Newf(cxerr.CodeNotFound, "bundle %q not found", bundleID))
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (a *API) resolveTurnRoot(turnIDStr string) (digest.Digest, error) {
	turnID, err := strconv.ParseUint(turnIDStr, 10, 64)
	if err != nil {
		return digest.Digest{}, cxerr.New(cxerr.CodeBadRequest, "turn id must be an integer")
	}
	entry, ok := a.engine.GetTurn(turnID)
	if !ok {
		return digest.Digest{}, cxerr.Newf(cxerr.CodeNotFound, "turn %d not found", turnID)
	}
	if entry.FSRootDigest == nil {
		return digest.Digest{}, cxerr.Newf(cxerr.CodeNotFound, "turn %d has no filesystem snapshot", turnID)
	}
	return *entry.FSRootDigest, nil
}

// dirEntryView is one row of GET /v1/fs/{turn_id}.
type dirEntryView struct {
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	Mode          uint32 `json:"mode"`
	Size          uint64 `json:"size,omitempty"`
	ContentDigest string `json:"content_digest"`
}

func kindString(k fstree.Kind) string {
	switch k {
	case fstree.KindFile:
		return "file"
	case fstree.KindDir:
		return "dir"
	case fstree.KindSymlink:
		return "symlink"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

func (a *API) handleListDir(w http.ResponseWriter, r *http.Request) {
	root, err := a.resolveTurnRoot(r.PathValue("turn"))
	if err != nil {
		a.writeError(w, err)
		return
	}

	path := r.URL.Query().Get("path")
	entries, err := a.fs.ListDir(root, path)
	if err != nil {
		a.writeError(w, err)
		return
	}

	out := make([]dirEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, dirEntryView{
			Name:          e.Name,
			Kind:          kindString(e.Kind),
			Mode:          e.Mode,
			Size:          e.Size,
			ContentDigest: e.ContentDigest.String(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":    path,
		"entries": out,
	})
}

func (a *API) handleGetFile(w http.ResponseWriter, r *http.Request) {
	root, err := a.resolveTurnRoot(r.PathValue("turn"))
	if err != nil {
		a.writeError(w, err)
		return
	}

	path := r.URL.Query().Get("path")
	if path == "" {
		a.writeError(w, cxerr.New(cxerr.CodeBadRequest, "path query parameter is required"))
		return
	}

	data, entry, err := a.fs.GetFile(root, path)
	if err != nil {
		a.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"path":           path,
		"kind":           kindString(entry.Kind),
		"mode":           entry.Mode,
		"size":           entry.Size,
		"content_base64": base64.StdEncoding.EncodeToString(data),
	})
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if a.RefreshStorage != nil {
		a.RefreshStorage()
	}
	writeJSON(w, http.StatusOK, a.ops.Document())
}
