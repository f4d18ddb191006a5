package sanskrit

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrTypeMismatch is returned when a key holds a value of a different type than requested
var ErrTypeMismatch = errors.New("sanskrit: value type mismatch")

// --------------------------------------------------------------------------
// Value
// --------------------------------------------------------------------------

// ValueType is the type tag of a Value
type ValueType uint8

const (
	TypeNone ValueType = iota
	TypeString
	TypeLong
	TypeObject
)

func (t ValueType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeLong:
		return "long"
	case TypeObject:
		return "object"
	default:
		return "none"
	}
}

// Value is a tagged union of string, int64 and nested Object.
// Values are immutable: object values are copied on the way in and out.
type Value struct {
	typ  ValueType
	str  string
	long int64
	obj  *Object
}

// StringValue creates a string value
func StringValue(s string) Value {
	return Value{typ: TypeString, str: s}
}

// LongValue creates an int64 value
func LongValue(n int64) Value {
	return Value{typ: TypeLong, long: n}
}

// ObjectValue creates an object value holding a copy of o
func ObjectValue(o *Object) Value {
	return Value{typ: TypeObject, obj: o.Copy()}
}

// Type returns the type tag of the value
func (v Value) Type() ValueType {
	return v.typ
}

// Equal compares two values deeply
func (v Value) Equal(other Value) bool {
	if v.typ != other.typ {
		return false
	}
	switch v.typ {
	case TypeString:
		return v.str == other.str
	case TypeLong:
		return v.long == other.long
	case TypeObject:
		return v.obj.Equal(other.obj)
	default:
		return true
	}
}

// valueJSON is the wire form of a Value: exactly one field is set
type valueJSON struct {
	S *string `json:"s,omitempty"`
	L *int64  `json:"l,omitempty"`
	O *Object `json:"o,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.typ {
	case TypeString:
		return json.Marshal(valueJSON{S: &v.str})
	case TypeLong:
		return json.Marshal(valueJSON{L: &v.long})
	case TypeObject:
		return json.Marshal(valueJSON{O: v.obj})
	default:
		return nil, fmt.Errorf("sanskrit: cannot encode value of type %s", v.typ)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw valueJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch {
	case raw.S != nil:
		*v = StringValue(*raw.S)
	case raw.L != nil:
		*v = LongValue(*raw.L)
	case raw.O != nil:
		*v = Value{typ: TypeObject, obj: raw.O}
	default:
		return fmt.Errorf("sanskrit: value without type in %s", string(data))
	}
	return nil
}

// --------------------------------------------------------------------------
// Object
// --------------------------------------------------------------------------

// Object is a string keyed map of Values. It is the state of a Sanskrit store
// and the payload of SetObject operations.
type Object struct {
	entries map[string]Value
}

// NewObject creates an empty object
func NewObject() *Object {
	return &Object{entries: make(map[string]Value)}
}

// NewObjectFrom creates an object by applying the given operations to an empty object
func NewObjectFrom(ops ...Operation) (*Object, error) {
	o := NewObject()
	for _, op := range ops {
		if err := applyOperation(o.entries, op); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Apply applies operations to the object in order
func (o *Object) Apply(ops ...Operation) error {
	for _, op := range ops {
		if err := applyOperation(o.entries, op); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of keys
func (o *Object) Len() int {
	if o == nil {
		return 0
	}
	return len(o.entries)
}

// Has reports whether key is present
func (o *Object) Has(key string) bool {
	if o == nil {
		return false
	}
	_, ok := o.entries[key]
	return ok
}

// Keys returns the keys in sorted order
func (o *Object) Keys() []string {
	if o == nil {
		return nil
	}
	keys := make([]string, 0, len(o.entries))
	for k := range o.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the raw value for key
func (o *Object) Get(key string) (Value, bool) {
	if o == nil {
		return Value{}, false
	}
	v, ok := o.entries[key]
	if ok && v.typ == TypeObject {
		v.obj = v.obj.Copy()
	}
	return v, ok
}

// GetString returns the string stored at key
func (o *Object) GetString(key string) (string, bool, error) {
	v, ok := o.Get(key)
	if !ok {
		return "", false, nil
	}
	if v.typ != TypeString {
		return "", true, fmt.Errorf("%w: key %q is %s, not string", ErrTypeMismatch, key, v.typ)
	}
	return v.str, true, nil
}

// GetLong returns the int64 stored at key
func (o *Object) GetLong(key string) (int64, bool, error) {
	v, ok := o.Get(key)
	if !ok {
		return 0, false, nil
	}
	if v.typ != TypeLong {
		return 0, true, fmt.Errorf("%w: key %q is %s, not long", ErrTypeMismatch, key, v.typ)
	}
	return v.long, true, nil
}

// GetObject returns a copy of the object stored at key
func (o *Object) GetObject(key string) (*Object, bool, error) {
	v, ok := o.Get(key)
	if !ok {
		return nil, false, nil
	}
	if v.typ != TypeObject {
		return nil, true, fmt.Errorf("%w: key %q is %s, not object", ErrTypeMismatch, key, v.typ)
	}
	return v.obj, true, nil
}

// Copy returns a deep copy of the object
func (o *Object) Copy() *Object {
	if o == nil {
		return NewObject()
	}
	c := &Object{entries: make(map[string]Value, len(o.entries))}
	for k, v := range o.entries {
		if v.typ == TypeObject {
			v.obj = v.obj.Copy()
		}
		c.entries[k] = v
	}
	return c
}

// Equal compares two objects deeply
func (o *Object) Equal(other *Object) bool {
	if o.Len() != other.Len() {
		return false
	}
	for k, v := range o.entries {
		ov, ok := other.entries[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Operations returns the operations that rebuild this object from an empty one
func (o *Object) Operations() Change {
	change := make(Change, 0, o.Len())
	for _, k := range o.Keys() {
		v := o.entries[k]
		switch v.typ {
		case TypeString:
			change = append(change, SetString(k, v.str))
		case TypeLong:
			change = append(change, SetLong(k, v.long))
		case TypeObject:
			change = append(change, SetObject(k, v.obj))
		}
	}
	return change
}

func (o *Object) MarshalJSON() ([]byte, error) {
	if o == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(o.entries)
}

func (o *Object) UnmarshalJSON(data []byte) error {
	entries := make(map[string]Value)
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	o.entries = entries
	return nil
}
