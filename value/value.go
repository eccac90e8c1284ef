// Package value implements the tagged-union Value the core passes across
// the handler boundary, replacing duck-typed map[string]Any payloads with
// a closed set of constructors per the design notes: Value is schema-agnostic
// but not type-erased.
package value

import "encoding/json"

// Kind tags the underlying representation of a Value.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
	KindList
	KindMap
	KindNull
)

// Value is a tagged union over the primitives, lists, and maps a handler
// result may contain. Construct one with the String/Number/Bool/List/Map/Null
// functions; read it back with the As* accessors.
type Value struct {
	kind Kind
	s    string
	n    float64
	b    bool
	list []Value
	m    map[string]Value
}

func String(s string) Value           { return Value{kind: KindString, s: s} }
func Number(n float64) Value          { return Value{kind: KindNumber, n: n} }
func Bool(b bool) Value               { return Value{kind: KindBool, b: b} }
func List(vs []Value) Value           { return Value{kind: KindList, list: vs} }
func Map(m map[string]Value) Value    { return Value{kind: KindMap, m: m} }
func Null() Value                     { return Value{kind: KindNull} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

func (v Value) AsNumber() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.n, true
}

func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.list, true
}

func (v Value) AsMap() (map[string]Value, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return v.m, true
}

// FromAny converts a plain Go value (string, float64, int, bool, nil,
// []any, map[string]any) into a Value tree. It exists solely at the
// boundary where params/results cross into or out of JSON — internal code
// never passes bare any around.
func FromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case int:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case []any:
		out := make([]Value, len(t))
		for i, e := range t {
			out[i] = FromAny(e)
		}
		return List(out)
	case map[string]any:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			out[k] = FromAny(e)
		}
		return Map(out)
	default:
		return Null()
	}
}

// ToAny converts a Value back to plain Go data, the inverse of FromAny, for
// use at JSON/log boundaries.
func (v Value) ToAny() any {
	switch v.kind {
	case KindString:
		return v.s
	case KindNumber:
		return v.n
	case KindBool:
		return v.b
	case KindList:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = e.ToAny()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.ToAny()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON serializes a Value at persistence/wire boundaries via its
// plain-Go representation, since the tagged-union fields are unexported by
// design (construction stays closed to the String/Number/.../Null set).
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToAny())
}

// UnmarshalJSON is the inverse of MarshalJSON, rehydrating a Value tree from
// its plain-Go JSON representation (the same shape encoding/json already
// produces for string/float64/bool/nil/[]any/map[string]any).
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = FromAny(raw)
	return nil
}

// Map keys to plain any map, a convenience for building params/results.
func FromStringMap(m map[string]any) map[string]Value {
	out := make(map[string]Value, len(m))
	for k, v := range m {
		out[k] = FromAny(v)
	}
	return out
}

func ToStringMap(m map[string]Value) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v.ToAny()
	}
	return out
}
