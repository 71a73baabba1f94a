package registry

// FieldKind is the closed set of field shapes a descriptor may declare,
//
type FieldKind string

const (
	KindScalar FieldKind = "scalar"
	KindArray  FieldKind = "array"
	KindMap    FieldKind = "map"
	KindNested FieldKind = "nested"
)

// Semantic is a rendering hint attached to a scalar field: unix_ms
// and unix_sec timestamps, durations, URLs, markdown, base64 byte
// blobs, and enum label lookups.
type Semantic string

const (
	SemanticNone        Semantic = ""
	SemanticUnixMs      Semantic = "unix_ms"
	SemanticUnixSec     Semantic = "unix_sec"
	SemanticDurationMs  Semantic = "duration_ms"
	SemanticURL         Semantic = "url"
	SemanticMarkdown    Semantic = "markdown"
	SemanticBytesBase64 Semantic = "bytes_base64"
	SemanticEnumRef     Semantic = "enum_ref"
)

// FieldSpec describes one tag-keyed field of a Descriptor.
type FieldSpec struct {
	Name     string    `json:"name"`
	Kind     FieldKind `json:"type"`
	Semantic Semantic  `json:"semantic,omitempty"`
	EnumRef  string    `json:"enum_ref,omitempty"`
	Optional bool      `json:"optional,omitempty"`

	// ElementKind describes the element type for Kind == KindArray.
	ElementKind FieldKind `json:"element_type,omitempty"`
	// KeyKind/ValueKind describe a KindMap field's key and value shapes.
	KeyKind   FieldKind `json:"key_type,omitempty"`
	ValueKind FieldKind `json:"value_type,omitempty"`
	// NestedTypeID names the descriptor a KindNested field projects
	// through.
	NestedTypeID string `json:"nested_type_id,omitempty"`
}

// Descriptor is one versioned type's field layout.
type Descriptor struct {
	TypeID      string               `json:"type_id"`
	TypeVersion uint32               `json:"type_version"`
	Fields      map[string]FieldSpec `json:"fields"` // keyed by decimal tag string, per JSON object key constraints
}

// EnumSpec names the labels an enum_ref field resolves integer values
// against.
type EnumSpec struct {
	Labels map[string]string `json:"labels"` // keyed by decimal integer value, as a string
}

// Bundle is a named, immutable set of descriptors and enum tables
// published atomically, /§4.5.
type Bundle struct {
	BundleID          string              `json:"bundle_id"`
	Descriptors       []Descriptor        `json:"descriptors"`
	Enums             map[string]EnumSpec `json:"enums,omitempty"`
	Renderers         []string            `json:"renderers,omitempty"`
	PublishedAtUnixMs uint64              `json:"published_at_unix_ms"`
}

func (d Descriptor) key() descriptorKey {
	return descriptorKey{typeID: d.TypeID, version: d.TypeVersion}
}

type descriptorKey struct {
	typeID  string
	version uint32
}
