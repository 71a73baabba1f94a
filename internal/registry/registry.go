// Package registry implements CXDB's type registry: versioned field
// descriptors grouped into immutable bundles, and the projection of a
// tag-keyed msgpack payload into a typed JSON view.
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/strongdm/cxdb/internal/blobstore"
	"github.com/strongdm/cxdb/internal/cxerr"
	"github.com/strongdm/cxdb/internal/digest"
)

// ContentTypeYAML is the alternate bundle encoding: PUT requests may
// submit a bundle as YAML instead of JSON.
const ContentTypeYAML = "application/x-yaml"

// Registry holds published bundles and the descriptors they expose,
// backed by blobstore for bundle bytes and a small index file mapping
// bundle_id to its current blob digest.
type Registry struct {
	mu sync.RWMutex

	dir    string
	blobs  *blobstore.Store
	schema *jsonschema.Schema

	bundles map[string]bundleRecord
	active  map[descriptorKey]activeEntry
}

type activeEntry struct {
	desc     Descriptor
	bundleID string
}

type bundleRecord struct {
	Digest digest.Digest
	Bundle Bundle
}

type indexFile struct {
	Bundles map[string]string `json:"bundles"` // bundle_id -> hex digest
}

// Open loads the registry index from dir/index.json, resolving each
// bundle's blob through blobs.
func Open(dir string, blobs *blobstore.Store) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("registry: create dir: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	const schemaURL = "https://cxdb.internal/schema/bundle-v1.json"
	if err := compiler.AddResource(schemaURL, bytes.NewReader([]byte(metaSchema))); err != nil {
		return nil, fmt.Errorf("registry: add schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("registry: compile schema: %w", err)
	}

	r := &Registry{
		dir:     dir,
		blobs:   blobs,
		schema:  schema,
		bundles: make(map[string]bundleRecord),
		active:  make(map[descriptorKey]activeEntry),
	}

	indexPath := filepath.Join(dir, "index.json")
	data, err := os.ReadFile(indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("registry: read index: %w", err)
	}

	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("registry: decode index: %w", err)
	}

	for bundleID, hexDigest := range idx.Bundles {
		d, err := digest.Parse(hexDigest)
		if err != nil {
			return nil, fmt.Errorf("registry: bad digest for bundle %s: %w", bundleID, err)
		}
		raw, err := blobs.Get(d)
		if err != nil {
			return nil, fmt.Errorf("registry: load bundle %s: %w", bundleID, err)
		}
		var bundle Bundle
		if err := json.Unmarshal(raw, &bundle); err != nil {
			return nil, fmt.Errorf("registry: decode bundle %s: %w", bundleID, err)
		}
		r.installLocked(bundleID, d, bundle)
	}

	return r, nil
}

// PublishBundle validates and atomically installs a bundle, replacing
// any prior bundle with the same id.
// contentType selects JSON (default) or YAML decoding.
func (r *Registry) PublishBundle(bundleID string, data []byte, contentType string) (Bundle, error) {
	var generic any
	if contentType == ContentTypeYAML {
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return Bundle{}, cxerr.Newf(cxerr.CodeInvalidDescriptor, "invalid yaml: %v", err)
		}
	} else {
		if err := json.Unmarshal(data, &generic); err != nil {
			return Bundle{}, cxerr.Newf(cxerr.CodeInvalidDescriptor, "invalid json: %v", err)
		}
	}

	if err := r.schema.Validate(generic); err != nil {
		return Bundle{}, cxerr.Newf(cxerr.CodeInvalidDescriptor, "bundle failed schema validation: %v", err)
	}

	canonical, err := json.Marshal(generic)
	if err != nil {
		return Bundle{}, cxerr.Wrap(cxerr.CodeInternal, err)
	}

	var bundle Bundle
	if err := json.Unmarshal(canonical, &bundle); err != nil {
		return Bundle{}, cxerr.Wrap(cxerr.CodeInvalidDescriptor, err)
	}
	bundle.BundleID = bundleID

	if err := validateBundle(bundle); err != nil {
		return Bundle{}, err
	}

	recanonical, err := json.Marshal(bundle)
	if err != nil {
		return Bundle{}, cxerr.Wrap(cxerr.CodeInternal, err)
	}

	d, err := r.blobs.Put(recanonical)
	if err != nil {
		return Bundle{}, cxerr.Wrap(cxerr.CodeInternal, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.bundles[bundleID]; ok {
		for _, desc := range prev.Bundle.Descriptors {
			delete(r.active, desc.key())
		}
	}
	r.installLocked(bundleID, d, bundle)

	if err := r.persistIndexLocked(); err != nil {
		return Bundle{}, err
	}

	return bundle, nil
}

// installLocked registers bundle's descriptors into the active index.
// Callers must hold r.mu for writing.
func (r *Registry) installLocked(bundleID string, d digest.Digest, bundle Bundle) {
	r.bundles[bundleID] = bundleRecord{Digest: d, Bundle: bundle}
	for _, desc := range bundle.Descriptors {
		r.active[desc.key()] = activeEntry{desc: desc, bundleID: bundleID}
	}
}

func (r *Registry) persistIndexLocked() error {
	idx := indexFile{Bundles: make(map[string]string, len(r.bundles))}
	for bundleID, rec := range r.bundles {
		idx.Bundles[bundleID] = rec.Digest.String()
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return cxerr.Wrap(cxerr.CodeInternal, err)
	}

	path := filepath.Join(r.dir, "index.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("registry: write index: %w", err)
	}
	return os.Rename(tmp, path)
}

// GetBundle returns the currently active bundle published under id.
func (r *Registry) GetBundle(bundleID string) (Bundle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.bundles[bundleID]
	return rec.Bundle, ok
}

// Resolve looks up the descriptor for (typeID, version). If an exact
// match is absent, it falls back to the newest version strictly lower
// than the requested one and reports inherited = true.
func (r *Registry) Resolve(typeID string, version uint32) (desc Descriptor, inherited bool, found bool) {
	d, _, inherited, found := r.resolveEntry(typeID, version)
	return d, inherited, found
}

// ResolveForProjection resolves like Resolve but also returns the
// bundle the descriptor was published in, which Project needs for
// enum label lookups.
func (r *Registry) ResolveForProjection(typeID string, version uint32) (Descriptor, Bundle, bool, bool) {
	desc, bundleID, inherited, found := r.resolveEntry(typeID, version)
	if !found {
		return Descriptor{}, Bundle{}, false, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return desc, r.bundles[bundleID].Bundle, inherited, true
}

func (r *Registry) resolveEntry(typeID string, version uint32) (desc Descriptor, bundleID string, inherited bool, found bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.active[descriptorKey{typeID: typeID, version: version}]; ok {
		return e.desc, e.bundleID, false, true
	}

	var best *activeEntry
	for key, e := range r.active {
		if key.typeID != typeID || key.version >= version {
			continue
		}
		if best == nil || key.version > best.desc.TypeVersion {
			eCopy := e
			best = &eCopy
		}
	}
	if best == nil {
		return Descriptor{}, "", false, false
	}
	return best.desc, best.bundleID, true, true
}

// validateBundle applies the structural checks that sit beyond JSON
// Schema's shape check: tags parse as positive integers,
// enum_ref fields reference a declared enum, map/array fields declare
// their element types.
func validateBundle(b Bundle) error {
	seenTypeVersion := make(map[descriptorKey]bool)
	for _, desc := range b.Descriptors {
		key := desc.key()
		if seenTypeVersion[key] {
			return cxerr.Newf(cxerr.CodeInvalidDescriptor, "duplicate descriptor %s v%d", desc.TypeID, desc.TypeVersion)
		}
		seenTypeVersion[key] = true

		for tagStr, field := range desc.Fields {
			tag, err := strconv.ParseUint(tagStr, 10, 64)
			if err != nil || tag == 0 {
				return cxerr.Newf(cxerr.CodeInvalidDescriptor, "%s v%d: tag %q must be a positive integer", desc.TypeID, desc.TypeVersion, tagStr)
			}
			if field.Kind == KindArray && field.ElementKind == "" {
				return cxerr.Newf(cxerr.CodeInvalidDescriptor, "%s v%d field %s: array fields must declare element_type", desc.TypeID, desc.TypeVersion, field.Name)
			}
			if field.Kind == KindMap && (field.KeyKind == "" || field.ValueKind == "") {
				return cxerr.Newf(cxerr.CodeInvalidDescriptor, "%s v%d field %s: map fields must declare key_type and value_type", desc.TypeID, desc.TypeVersion, field.Name)
			}
			if field.Semantic == SemanticEnumRef {
				if field.EnumRef == "" {
					return cxerr.Newf(cxerr.CodeInvalidDescriptor, "%s v%d field %s: enum_ref semantic requires enum_ref", desc.TypeID, desc.TypeVersion, field.Name)
				}
				if _, ok := b.Enums[field.EnumRef]; !ok {
					return cxerr.Newf(cxerr.CodeInvalidDescriptor, "%s v%d field %s: enum %q not declared in bundle", desc.TypeID, desc.TypeVersion, field.Name, field.EnumRef)
				}
			}
		}
	}

	// Across versions of the same type, a tag keeps the kind it was
	// first published with; a new version may add fields but not
	// redefine an existing tag's shape.
	tagKinds := make(map[string]map[string]FieldKind)
	byType := make(map[string][]Descriptor)
	for _, desc := range b.Descriptors {
		byType[desc.TypeID] = append(byType[desc.TypeID], desc)
	}
	for typeID, descs := range byType {
		sort.Slice(descs, func(i, j int) bool { return descs[i].TypeVersion < descs[j].TypeVersion })
		tagKinds[typeID] = make(map[string]FieldKind)
		for _, desc := range descs {
			for tagStr, field := range desc.Fields {
				if prior, ok := tagKinds[typeID][tagStr]; ok && prior != field.Kind {
					return cxerr.Newf(cxerr.CodeInvalidDescriptor,
						"%s v%d: tag %s redefines its type from %s to %s", typeID, desc.TypeVersion, tagStr, prior, field.Kind)
				}
				tagKinds[typeID][tagStr] = field.Kind
			}
		}
	}
	return nil
}

// ListBundleIDs returns every published bundle id, sorted.
func (r *Registry) ListBundleIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.bundles))
	for id := range r.bundles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
