// Package selection holds the configurator's field values and the schema they are keyed by.
package selection

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FieldType is the declared kind of a configuration field.
type FieldType string

const (
	FieldText    FieldType = "text"
	FieldSelect  FieldType = "select"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
)

// Value is one of Text, Select, Number or Bool.
type Value struct {
	kind FieldType
	str  string
	num  float64
	b    bool
}

func Text(s string) Value { return Value{kind: FieldText, str: s} }
func Select(s string) Value { return Value{kind: FieldSelect, str: s} }
func Number(n float64) Value { return Value{kind: FieldNumber, num: n} }
func Bool(b bool) Value { return Value{kind: FieldBoolean, b: b} }
func (v Value) Kind() FieldType { return v.kind }
func (v Value) IsZero() bool { return v.kind == "" }

// String returns the text form; numbers use the shortest representation.
func (v Value) String() string {
	switch v.kind {
	case FieldText, FieldSelect:
		return v.str
	case FieldNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case FieldBoolean:
		return strconv.FormatBool(v.b)
	}
	return ""
}

func (v Value) AsNumber() (float64, bool) {
	return v.num, v.kind == FieldNumber
}

func (v Value) AsBool() (bool, bool) {
	return v.b, v.kind == FieldBoolean
}

func (v Value) AsString() (string, bool) {
	return v.str, v.kind == FieldText || v.kind == FieldSelect
}

// Equal compares kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case FieldText, FieldSelect:
		return v.str == o.str
	case FieldNumber:
		return v.num == o.num
	case FieldBoolean:
		return v.b == o.b
	}
	return true
}

// MarshalJSON writes the bare scalar, the shape the pricing service expects.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case FieldText, FieldSelect:
		return json.Marshal(v.str)
	case FieldNumber:
		return json.Marshal(v.num)
	case FieldBoolean:
		return json.Marshal(v.b)
	}
	return []byte("null"), nil
}

// UnmarshalJSON infers the kind from the JSON scalar. Strings decode as Text;
// Conform re-tags them as Select once the schema is known.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case nil:
		*v = Value{}
	case string:
		*v = Text(t)
	case float64:
		*v = Number(t)
	case bool:
		*v = Bool(t)
	default:
		return fmt.Errorf("selection value must be a scalar, got %T", raw)
	}
	return nil
}

// Coerce parses raw form input into the kind declared by desc.
// A nil descriptor (unknown key) keeps the input as Text.
func Coerce(desc *FieldDescriptor, raw string) (Value, error) {
	if desc == nil {
		return Text(raw), nil
	}
	switch desc.Type {
	case FieldNumber:
		n, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return Value{}, fmt.Errorf("field %q expects a number: %w", desc.Label, err)
		}
		return Number(n), nil
	case FieldBoolean:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Value{}, fmt.Errorf("field %q expects true or false: %w", desc.Label, err)
		}
		return Bool(b), nil
	case FieldSelect:
		return Select(raw), nil
	default:
		return Text(raw), nil
	}
}

// Conform re-tags a decoded value to the declared kind where that is lossless
// (string→Select). Mismatched kinds are returned unchanged.
func Conform(desc *FieldDescriptor, v Value) Value {
	if desc == nil {
		return v
	}
	if desc.Type == FieldSelect && v.kind == FieldText {
		return Select(v.str)
	}
	if desc.Type == FieldText && v.kind == FieldSelect {
		return Text(v.str)
	}
	return v
}
