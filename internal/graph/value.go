package graph

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Kind identifies what a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindRef
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindRef:
		return "ref"
	default:
		return "unknown"
	}
}

// ErrInvalidValue is returned for values that have no canonical encoding.
var ErrInvalidValue = errors.New("invalid value")

// Value is a field value: a scalar, a reference to another node, or null.
// Null is a tombstone and is stored like any other value.
//
// The zero Value is null.
type Value struct {
	kind Kind
	str  string // string payload or ref soul
	num  float64
	b    bool
}

func Null() Value { return Value{} }
func String(s string) Value { return Value{kind: KindString, str: s} }
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Ref(soul Soul) Value { return Value{kind: KindRef, str: string(soul)} }
func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Str() (string, bool) {
	return v.str, v.kind == KindString
}

func (v Value) Num() (float64, bool) {
	return v.num, v.kind == KindNumber
}

func (v Value) Boolean() (bool, bool) {
	return v.b, v.kind == KindBool
}

// Soul returns the referenced soul for KindRef values.
func (v Value) Soul() (Soul, bool) {
	return Soul(v.str), v.kind == KindRef
}

// Equal reports whether two values have the same canonical form.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString, KindRef:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	}
	return false
}

func (v Value) validate() error {
	if v.kind == KindNumber && (math.IsNaN(v.num) || math.IsInf(v.num, 0)) {
		return fmt.Errorf("%w: non-finite number", ErrInvalidValue)
	}
	if v.kind == KindRef && v.str == "" {
		return fmt.Errorf("%w: empty reference", ErrInvalidValue)
	}
	return nil
}

// Canonical returns the serialized form used for signatures and for the
// final tie break.
func (v Value) Canonical() []byte {
	b, _ := v.MarshalJSON()
	return b
}

type refJSON struct {
	Soul string `json:"#"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return nil, fmt.Errorf("%w: non-finite number", ErrInvalidValue)
		}
		return []byte(strconv.FormatFloat(v.num, 'g', -1, 64)), nil
	case KindBool:
		return []byte(strconv.FormatBool(v.b)), nil
	case KindRef:
		return json.Marshal(refJSON{Soul: v.str})
	}
	return nil, fmt.Errorf("%w: kind %d", ErrInvalidValue, v.kind)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidValue)
	}

	switch data[0] {
	case 'n':
		if string(data) != "null" {
			return fmt.Errorf("%w: %s", ErrInvalidValue, data)
		}
		*v = Null()
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case '{':
		var r refJSON
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&r); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		if r.Soul == "" {
			return fmt.Errorf("%w: empty reference", ErrInvalidValue)
		}
		*v = Ref(Soul(r.Soul))
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		*v = Number(f)
	}
	return nil
}

// Interface converts a value to its natural Go form. References become
// map[string]any{"#": soul}, matching the JSON form.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindRef:
		return map[string]any{"#": v.str}
	}
	return nil
}

// ValueOf converts a plain Go value to a Value. Only scalars, nil and
// {"#": soul} maps are accepted.
func ValueOf(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, t.validate()
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		v := Number(t)
		return v, v.validate()
	case float32:
		return ValueOf(float64(t))
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return ValueOf(f)
	case Soul:
		return Ref(t), nil
	case map[string]any:
		if s, ok := t["#"].(string); ok && len(t) == 1 && s != "" {
			return Ref(Soul(s)), nil
		}
	}
	return Value{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidValue, x)
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindRef:
		return "#" + v.str
	}
	return string(v.Canonical())
}
