package registry

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/strongdm/cxdb/internal/cxerr"
)

// extrasKey is the JSON key unknown tags are surfaced under.

const extrasKey = "__extras"

// Project decodes payload (a msgpack-encoded tag-keyed map) into a
// typed JSON-able object following descriptor's field specs. Unknown
// tags are preserved verbatim under "__extras" rather than dropped,
// so forward-compatible data is never silently lost.
func Project(desc Descriptor, bundle Bundle, payload []byte) (map[string]any, error) {
	raw, err := decodeTagMap(payload)
	if err != nil {
		return nil, cxerr.Wrap(cxerr.CodeBadRequest, err)
	}

	out := make(map[string]any, len(desc.Fields))
	var extras map[string]any

	for tag, value := range raw {
		tagStr := strconv.FormatInt(tag, 10)
		field, ok := desc.Fields[tagStr]
		if !ok {
			if extras == nil {
				extras = make(map[string]any)
			}
			extras[tagStr] = value
			continue
		}
		projected, err := projectField(field, bundle, value)
		if err != nil {
			return nil, err
		}
		out[field.Name] = projected
	}

	if extras != nil {
		out[extrasKey] = extras
	}

	return out, nil
}

// DecodeRaw decodes a tag-keyed msgpack payload without a descriptor:
// the result keeps numeric tags (as decimal strings, since JSON object
// keys must be strings) and undecorated values.
func DecodeRaw(payload []byte) (map[string]any, error) {
	raw, err := decodeTagMap(payload)
	if err != nil {
		return nil, cxerr.Wrap(cxerr.CodeBadRequest, err)
	}
	out := make(map[string]any, len(raw))
	for tag, value := range raw {
		out[strconv.FormatInt(tag, 10)] = value
	}
	return out, nil
}

// decodeTagMap decodes a msgpack map whose keys are small positive
// integers (the wire shape every turn payload uses)
// into a plain Go map, without requiring the caller to know the
// value types ahead of time.
func decodeTagMap(payload []byte) (map[int64]any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(payload))

	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, fmt.Errorf("registry: decode payload map header: %w", err)
	}
	if n < 0 {
		return map[int64]any{}, nil
	}

	out := make(map[int64]any, n)
	for i := 0; i < n; i++ {
		key, err := dec.DecodeInt64()
		if err != nil {
			return nil, fmt.Errorf("registry: decode tag at index %d: %w", i, err)
		}
		val, err := dec.DecodeInterface()
		if err != nil {
			return nil, fmt.Errorf("registry: decode value for tag %d: %w", key, err)
		}
		out[key] = val
	}
	return out, nil
}

func projectField(field FieldSpec, bundle Bundle, value any) (any, error) {
	switch field.Semantic {
	case SemanticUnixMs:
		ms, err := toInt64(value)
		if err != nil {
			return nil, cxerr.Newf(cxerr.CodeBadRequest, "field %s: %v", field.Name, err)
		}
		return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano), nil

	case SemanticUnixSec:
		sec, err := toInt64(value)
		if err != nil {
			return nil, cxerr.Newf(cxerr.CodeBadRequest, "field %s: %v", field.Name, err)
		}
		return time.Unix(sec, 0).UTC().Format(time.RFC3339Nano), nil

	case SemanticDurationMs:
		ms, err := toInt64(value)
		if err != nil {
			return nil, cxerr.Newf(cxerr.CodeBadRequest, "field %s: %v", field.Name, err)
		}
		return time.Duration(ms * int64(time.Millisecond)).String(), nil

	case SemanticBytesBase64:
		b, ok := value.([]byte)
		if !ok {
			return nil, cxerr.Newf(cxerr.CodeBadRequest, "field %s: expected bytes for bytes_base64 semantic", field.Name)
		}
		return base64.StdEncoding.EncodeToString(b), nil

	case SemanticEnumRef:
		n, err := toInt64(value)
		if err != nil {
			return nil, cxerr.Newf(cxerr.CodeBadRequest, "field %s: %v", field.Name, err)
		}
		enum, ok := bundle.Enums[field.EnumRef]
		if !ok {
			return nil, cxerr.Newf(cxerr.CodeTypeUnresolved, "field %s: enum %q not found", field.Name, field.EnumRef)
		}
		label, ok := enum.Labels[strconv.FormatInt(n, 10)]
		if !ok {
			return fmt.Sprintf("UNKNOWN(%d)", n), nil
		}
		return label, nil

	case SemanticURL, SemanticMarkdown, SemanticNone:
		return value, nil

	default:
		return value, nil
	}
}

func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case int:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("expected an integer, got %T", value)
	}
}
