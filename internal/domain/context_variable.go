package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const (
	VarTypeString   = "String"
	VarTypeNumber   = "Number"
	VarTypeBoolean  = "Boolean"
	VarTypeDateTime = "DateTime"
	VarTypeObject   = "Object"
)

// ContextVariable is one named, typed value in an instance's working memory.
// Values are stored serialized with a type tag and decoded back on read.
type ContextVariable struct {
	ID           int64
	InstanceID   int64
	Key          string
	Value        string
	ValueType    string
	SetByStepKey string
	Created      time.Time
	Modified     time.Time
}

// EncodeVariable serializes an arbitrary value into a typed context variable.
// Structured values round-trip through JSON with the Object tag.
func EncodeVariable(instanceID int64, key, stepKey string, value any) ContextVariable {
	v := ContextVariable{InstanceID: instanceID, Key: key, SetByStepKey: stepKey}
	switch t := value.(type) {
	case nil:
		v.ValueType = VarTypeString
		v.Value = ""
	case string:
		v.ValueType = VarTypeString
		v.Value = t
	case bool:
		v.ValueType = VarTypeBoolean
		v.Value = strconv.FormatBool(t)
	case int:
		v.ValueType = VarTypeNumber
		v.Value = strconv.FormatInt(int64(t), 10)
	case int64:
		v.ValueType = VarTypeNumber
		v.Value = strconv.FormatInt(t, 10)
	case float64:
		v.ValueType = VarTypeNumber
		v.Value = strconv.FormatFloat(t, 'f', -1, 64)
	case time.Time:
		v.ValueType = VarTypeDateTime
		v.Value = t.UTC().Format(time.RFC3339Nano)
	default:
		v.ValueType = VarTypeObject
		b, err := json.Marshal(value)
		if err != nil {
			v.ValueType = VarTypeString
			v.Value = fmt.Sprintf("%v", value)
		} else {
			v.Value = string(b)
		}
	}
	return v
}

// Decoded returns the variable's value in its declared type. An unknown tag or
// a corrupt serialized value degrades to the type's zero value rather than
// failing the workflow.
func (v *ContextVariable) Decoded() any {
	switch v.ValueType {
	case VarTypeNumber:
		f, err := strconv.ParseFloat(v.Value, 64)
		if err != nil {
			return float64(0)
		}
		return f
	case VarTypeBoolean:
		b, err := strconv.ParseBool(v.Value)
		if err != nil {
			return false
		}
		return b
	case VarTypeDateTime:
		t, err := time.Parse(time.RFC3339Nano, v.Value)
		if err != nil {
			return time.Time{}
		}
		return t
	case VarTypeObject:
		var out any
		if err := json.Unmarshal([]byte(v.Value), &out); err != nil {
			return nil
		}
		return out
	default:
		return v.Value
	}
}
