package abi

import (
	"encoding/json"
	"fmt"
)

// Attribute is a named, typed value of a peripheral. Id is unique within
// a peripheral but the daemon never assumes density or contiguity —
// callers must iterate ids as reported by attribute_ids, not by counting.
type Attribute struct {
	ID      uint32
	Name    string
	Value   Value
	PreInit bool
}

// Variant equals Value.Tag; the invariant spec.md §3 requires (variant ==
// tag(value) at all times) is therefore structural, not a field to keep
// in sync by hand.
func (a Attribute) Variant() Tag { return a.Value.Tag }

type attributeWire struct {
	ID      uint32          `json:"id"`
	Name    string          `json:"name"`
	Variant string          `json:"variant"`
	Value   json.RawMessage `json:"value"`
	PreInit bool            `json:"pre_init"`
}

func (a Attribute) MarshalJSON() ([]byte, error) {
	raw, err := a.Value.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return json.Marshal(attributeWire{
		ID:      a.ID,
		Name:    a.Name,
		Variant: a.Value.Tag.String(),
		Value:   raw,
		PreInit: a.PreInit,
	})
}

func (a *Attribute) UnmarshalJSON(b []byte) error {
	var w attributeWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	tag, err := ParseTag(w.Variant)
	if err != nil {
		return err
	}
	v, err := DecodeValue(tag, w.Value)
	if err != nil {
		return err
	}
	*a = Attribute{ID: w.ID, Name: w.Name, Value: v, PreInit: w.PreInit}
	return nil
}

// PreInitAttribute is the shape a peripheral-creation request supplies
// for pre-init attributes: an id plus the value to assign it, validated
// against the variant declared alongside it.
type PreInitAttribute struct {
	ID    uint32
	Value Value
}

type preInitWire struct {
	ID      uint32          `json:"id"`
	Variant string          `json:"variant"`
	Value   json.RawMessage `json:"value"`
}

func (p *PreInitAttribute) UnmarshalJSON(b []byte) error {
	var w preInitWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	tag, err := ParseTag(w.Variant)
	if err != nil {
		return fmt.Errorf("pre-init attribute %d: %w", w.ID, err)
	}
	v, err := DecodeValue(tag, w.Value)
	if err != nil {
		return fmt.Errorf("pre-init attribute %d: %w", w.ID, err)
	}
	*p = PreInitAttribute{ID: w.ID, Value: v}
	return nil
}
