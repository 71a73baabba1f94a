package registry

// metaSchema constrains the shape of a published bundle's JSON to
// the closed field-type and semantic sets. Structural rules JSON
// Schema cannot express cleanly (tag integer parsing, enum_ref
// resolution, cross-version tag stability) live in validateBundle.
const metaSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "$id": "https://cxdb.internal/schema/bundle-v1.json",
  "type": "object",
  "required": ["bundle_id", "descriptors"],
  "properties": {
    "bundle_id": {"type": "string", "minLength": 1},
    "published_at_unix_ms": {"type": "integer", "minimum": 0},
    "renderers": {"type": "array", "items": {"type": "string"}},
    "enums": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["labels"],
        "properties": {
          "labels": {"type": "object", "additionalProperties": {"type": "string"}}
        }
      }
    },
    "descriptors": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["type_id", "type_version", "fields"],
        "properties": {
          "type_id": {"type": "string", "minLength": 1},
          "type_version": {"type": "integer", "minimum": 1},
          "fields": {
            "type": "object",
            "additionalProperties": {
              "type": "object",
              "required": ["name", "type"],
              "properties": {
                "name": {"type": "string", "minLength": 1},
                "type": {"enum": ["scalar", "array", "map", "nested"]},
                "semantic": {
                  "enum": ["", "unix_ms", "unix_sec", "duration_ms", "url", "markdown", "bytes_base64", "enum_ref"]
                },
                "enum_ref": {"type": "string"},
                "optional": {"type": "boolean"},
                "element_type": {"enum": ["scalar", "array", "map", "nested"]},
                "key_type": {"enum": ["scalar", "array", "map", "nested"]},
                "value_type": {"enum": ["scalar", "array", "map", "nested"]},
                "nested_type_id": {"type": "string"}
              }
            }
          }
        }
      }
    }
  }
}`
