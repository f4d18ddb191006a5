package sanskrit

import (
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// Operation Type Definition
// --------------------------------------------------------------------------

// OperationType identifies the kind of a single key operation
type OperationType uint8

const (
	OpUnknown OperationType = iota
	OpSetString
	OpSetLong
	OpSetObject
	OpRemoveKey
)

// String returns the string representation of an OperationType.
func (t OperationType) String() string {
	switch t {
	case OpSetString:
		return "setString"
	case OpSetLong:
		return "setLong"
	case OpSetObject:
		return "setObject"
	case OpRemoveKey:
		return "removeKey"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the operation type as its name
func (t OperationType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes the operation type from its name
func (t *OperationType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	switch s {
	case "setString":
		*t = OpSetString
	case "setLong":
		*t = OpSetLong
	case "setObject":
		*t = OpSetObject
	case "removeKey":
		*t = OpRemoveKey
	default:
		return fmt.Errorf("unknown operation type: %s", s)
	}
	return nil
}

// --------------------------------------------------------------------------
// Operations and Changes
// --------------------------------------------------------------------------

// Operation is one key mutation. Value is unused for OpRemoveKey.
type Operation struct {
	Type  OperationType `json:"op"`
	Key   string        `json:"key"`
	Value *Value        `json:"value,omitempty"`
}

// Change is an ordered batch of operations applied atomically
type Change []Operation

// SetString creates an operation that stores a string
func SetString(key, value string) Operation {
	v := StringValue(value)
	return Operation{Type: OpSetString, Key: key, Value: &v}
}

// SetLong creates an operation that stores an int64
func SetLong(key string, value int64) Operation {
	v := LongValue(value)
	return Operation{Type: OpSetLong, Key: key, Value: &v}
}

// SetObject creates an operation that stores a copy of an object
func SetObject(key string, value *Object) Operation {
	v := ObjectValue(value)
	return Operation{Type: OpSetObject, Key: key, Value: &v}
}

// RemoveKey creates an operation that deletes a key
func RemoveKey(key string) Operation {
	return Operation{Type: OpRemoveKey, Key: key}
}

// applyOperation is the single dispatcher for all operation kinds
func applyOperation(target map[string]Value, op Operation) error {
	if op.Key == "" {
		return fmt.Errorf("sanskrit: %s with empty key", op.Type)
	}

	switch op.Type {
	case OpSetString, OpSetLong, OpSetObject:
		if op.Value == nil {
			return fmt.Errorf("sanskrit: %s %q without value", op.Type, op.Key)
		}
		if want := op.Type.valueType(); op.Value.typ != want {
			return fmt.Errorf("%w: %s %q carries a %s", ErrTypeMismatch, op.Type, op.Key, op.Value.typ)
		}
		v := *op.Value
		if v.typ == TypeObject {
			v.obj = v.obj.Copy()
		}
		target[op.Key] = v
	case OpRemoveKey:
		delete(target, op.Key)
	default:
		return fmt.Errorf("sanskrit: unknown operation %d for key %q", op.Type, op.Key)
	}
	return nil
}

// valueType is the value type a set operation must carry
func (t OperationType) valueType() ValueType {
	switch t {
	case OpSetString:
		return TypeString
	case OpSetLong:
		return TypeLong
	case OpSetObject:
		return TypeObject
	default:
		return TypeNone
	}
}
