// Package abi defines the daemon-side mirror of the KPAL plugin C-ABI:
// the Value tagged union, Attribute records, and the plugin error-code
// namespace. Nothing here imports "C" — the cgo boundary lives in
// internal/ffi, which produces and consumes these types at arm's length.
package abi

import (
	"encoding/json"
	"fmt"
)

// Tag identifies which field of a Value is meaningful.
type Tag uint32

const (
	TagInt Tag = iota
	TagUint
	TagDouble
	TagString
)

func (t Tag) String() string {
	switch t {
	case TagInt:
		return "int"
	case TagUint:
		return "uint"
	case TagDouble:
		return "double"
	case TagString:
		return "string"
	default:
		return fmt.Sprintf("tag(%d)", uint32(t))
	}
}

// ParseTag maps a wire-format variant string to a Tag. This daemon commits
// to "int"|"uint"|"double"|"string" per spec.
func ParseTag(s string) (Tag, error) {
	switch s {
	case "int":
		return TagInt, nil
	case "uint":
		return TagUint, nil
	case "double":
		return TagDouble, nil
	case "string":
		return TagString, nil
	default:
		return 0, fmt.Errorf("abi: unknown variant %q", s)
	}
}

// Value is a tagged union: exactly one of Int, Uint, Double, Str is
// meaningful, selected by Tag. Go has no union type, so the fields simply
// coexist — this is the daemon-side equivalent of the C-ABI's
// `{ tag: u32, payload: union {...} }` layout.
type Value struct {
	Tag    Tag
	Int    int32
	Uint   uint32
	Double float64
	Str    string
}

func NewInt(v int32) Value    { return Value{Tag: TagInt, Int: v} }
func NewUint(v uint32) Value  { return Value{Tag: TagUint, Uint: v} }
func NewDouble(v float64) Value { return Value{Tag: TagDouble, Double: v} }
func NewString(v string) Value { return Value{Tag: TagString, Str: v} }

// SameVariant reports whether v and other carry the same Tag.
func (v Value) SameVariant(other Value) bool { return v.Tag == other.Tag }

// MarshalJSON encodes the bare scalar payload matching Tag — just the
// typed value itself, e.g. 999.99 or "foo". Callers that need the variant
// name alongside it (Attribute, the PATCH body) carry "variant" as a
// sibling field; Value alone does not self-describe its tag on the wire,
// mirroring the C-ABI where the tag and payload are separate struct
// fields rather than a self-describing encoding.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Tag {
	case TagInt:
		return json.Marshal(v.Int)
	case TagUint:
		return json.Marshal(v.Uint)
	case TagDouble:
		return json.Marshal(v.Double)
	case TagString:
		return json.Marshal(v.Str)
	default:
		return nil, fmt.Errorf("abi: value has invalid tag %d", v.Tag)
	}
}

// DecodeValue parses raw into a Value of the given tag. Used wherever a
// variant string and a raw JSON payload arrive as sibling fields (the
// Attribute wire shape, the PATCH body).
func DecodeValue(tag Tag, raw json.RawMessage) (Value, error) {
	out := Value{Tag: tag}
	var err error
	switch tag {
	case TagInt:
		err = json.Unmarshal(raw, &out.Int)
	case TagUint:
		err = json.Unmarshal(raw, &out.Uint)
	case TagDouble:
		err = json.Unmarshal(raw, &out.Double)
	case TagString:
		err = json.Unmarshal(raw, &out.Str)
	default:
		return Value{}, fmt.Errorf("abi: unknown tag %d", tag)
	}
	if err != nil {
		return Value{}, fmt.Errorf("abi: value does not match declared variant %q: %w", tag, err)
	}
	return out, nil
}
