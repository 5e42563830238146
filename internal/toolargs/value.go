// Package toolargs models tool arguments as tagged-variant values and
// validates them against per-operation declared shapes before dispatch.
// String keys remain the wire format; dispatch itself never switches on
// raw interface{} values.
package toolargs

import (
	"fmt"
	"sort"
	"strings"
)

// Kind enumerates the value variants a tool argument may take.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is a tagged-variant tool argument.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	list []Value
	m    map[string]Value
}

func String(s string) Value  { return Value{kind: KindString, str: s} }
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func List(vs ...Value) Value { return Value{kind: KindList, list: vs} }
func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }

// AsInt returns the value as an int when it is a number with no
// fractional part.
func (v Value) AsInt() (int, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	n := int(v.num)
	if float64(n) != v.num {
		return 0, false
	}
	return n, true
}

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

func (v Value) AsList() ([]Value, bool) { return v.list, v.kind == KindList }

func (v Value) AsMap() (map[string]Value, bool) { return v.m, v.kind == KindMap }

// Interface converts back to the wire representation (JSON-decoded
// shapes) for handing values to provider-facing surfaces.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindList:
		out := make([]interface{}, len(v.list))
		for i, e := range v.list {
			out[i] = e.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.m))
		for k, e := range v.m {
			out[k] = e.Interface()
		}
		return out
	default:
		return nil
	}
}

// FromInterface converts a JSON-decoded value into a tagged Value.
// Integer types appear because some providers decode numbers eagerly.
func FromInterface(raw interface{}) (Value, error) {
	switch t := raw.(type) {
	case string:
		return String(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case bool:
		return Bool(t), nil
	case []interface{}:
		list := make([]Value, 0, len(t))
		for i, e := range t {
			v, err := FromInterface(e)
			if err != nil {
				return Value{}, fmt.Errorf("list element %d: %w", i, err)
			}
			list = append(list, v)
		}
		return List(list...), nil
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			v, err := FromInterface(e)
			if err != nil {
				return Value{}, fmt.Errorf("key %q: %w", k, err)
			}
			m[k] = v
		}
		return Map(m), nil
	case nil:
		return Value{}, fmt.Errorf("null is not a valid argument value")
	default:
		return Value{}, fmt.Errorf("unsupported argument type %T", raw)
	}
}

// FromArguments converts a whole wire argument map.
func FromArguments(raw map[string]interface{}) (map[string]Value, error) {
	out := make(map[string]Value, len(raw))
	for k, e := range raw {
		v, err := FromInterface(e)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// FieldSpec declares one expected argument.
type FieldSpec struct {
	Kind     Kind
	Required bool
	// Enum restricts string fields to a closed value set when non-empty.
	Enum []string
}

// Shape declares the expected arguments of one operation.
type Shape struct {
	Fields map[string]FieldSpec
}

// Validate checks args against the shape and returns a descriptive
// error suitable for returning to the model for a corrected retry.
func (s Shape) Validate(args map[string]Value) error {
	var missing []string
	for name, spec := range s.Fields {
		v, ok := args[name]
		if !ok {
			if spec.Required {
				missing = append(missing, name)
			}
			continue
		}
		if v.Kind() != spec.Kind {
			return fmt.Errorf("argument %q: expected %s, got %s", name, spec.Kind, v.Kind())
		}
		if len(spec.Enum) > 0 {
			str, _ := v.AsString()
			if !contains(spec.Enum, str) {
				return fmt.Errorf("argument %q: %q is not one of [%s]", name, str, strings.Join(spec.Enum, ", "))
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing required arguments: %s", strings.Join(missing, ", "))
	}
	for name := range args {
		if _, ok := s.Fields[name]; !ok {
			return fmt.Errorf("unknown argument %q", name)
		}
	}
	return nil
}

func contains(set []string, s string) bool {
	for _, e := range set {
		if e == s {
			return true
		}
	}
	return false
}
