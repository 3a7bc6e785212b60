package loader

import (
	"fmt"
	"math"
	"sync"

	"github.com/chazu/classforge/descriptor"
)

// ---------------------------------------------------------------------------
// Values
// ---------------------------------------------------------------------------

// Value is one JVM value. The Go representation by type:
//
//	boolean, byte, char, short, int   int32
//	long                              int64
//	float                             float32
//	double                            float64
//	java.lang.String                  string
//	java.lang.Class                   *ClassObject
//	arrays                            *Array
//	other objects                     *Object
//	null                              nil
type Value = any

// Object is an instance of a defined or host class.
type Object struct {
	Class *Class

	mu     sync.RWMutex
	fields map[string]Value
}

func newObject(c *Class) *Object {
	o := &Object{Class: c, fields: make(map[string]Value)}
	for k := c; k != nil; k = k.superclass {
		for _, f := range k.fields {
			if f.Access&accStatic != 0 {
				continue
			}
			if _, ok := o.fields[f.Name]; !ok {
				o.fields[f.Name] = zeroValue(f.Type)
			}
		}
	}
	return o
}

// Field returns the value of the named instance field.
func (o *Object) Field(name string) Value {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.fields[name]
}

// SetField stores an instance field.
func (o *Object) SetField(name string, v Value) {
	o.mu.Lock()
	o.fields[name] = v
	o.mu.Unlock()
}

func (o *Object) String() string {
	return fmt.Sprintf("%s@%p", o.Class.Name, o)
}

// Array is a one-dimensional JVM array; multi-dimensional arrays are
// arrays of *Array.
type Array struct {
	Type  descriptor.ArrayType
	Elems []Value
}

func newArray(t descriptor.ArrayType, n int) *Array {
	a := &Array{Type: t, Elems: make([]Value, n)}
	zero := zeroValue(t.Component())
	for i := range a.Elems {
		a.Elems[i] = zero
	}
	return a
}

// Len returns the array length.
func (a *Array) Len() int { return len(a.Elems) }

// ClassObject is a java.lang.Class value.
type ClassObject struct {
	Type descriptor.Type
}

func (c *ClassObject) String() string {
	return "class " + c.Type.String()
}

func zeroValue(t descriptor.Type) Value {
	switch t.Kind() {
	case descriptor.KindLong:
		return int64(0)
	case descriptor.KindFloat:
		return float32(0)
	case descriptor.KindDouble:
		return float64(0)
	case descriptor.KindClass, descriptor.KindArray:
		return nil
	}
	return int32(0)
}

// coerce converts a Go argument to the representation of t. It accepts
// bool for boolean and Go int for any int-like type.
func coerce(v Value, t descriptor.Type) (Value, error) {
	if descriptor.IsReference(t) {
		switch v.(type) {
		case nil, string, *Object, *Array, *ClassObject:
			return v, nil
		}
		return nil, fmt.Errorf("cannot pass %T as %s", v, t)
	}
	switch t.Kind() {
	case descriptor.KindBoolean, descriptor.KindByte, descriptor.KindChar, descriptor.KindShort, descriptor.KindInt:
		switch x := v.(type) {
		case int32:
			return x, nil
		case bool:
			if x {
				return int32(1), nil
			}
			return int32(0), nil
		case int:
			if x >= math.MinInt32 && x <= math.MaxInt32 {
				return int32(x), nil
			}
		}
	case descriptor.KindLong:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		}
	case descriptor.KindFloat:
		if x, ok := v.(float32); ok {
			return x, nil
		}
	case descriptor.KindDouble:
		if x, ok := v.(float64); ok {
			return x, nil
		}
	}
	return nil, fmt.Errorf("cannot pass %T as %s", v, t)
}

// ---------------------------------------------------------------------------
// Exceptions
// ---------------------------------------------------------------------------

// Exception is a JVM throwable that escaped to the Go caller.
type Exception struct {
	Class   string // internal name
	Message string
	Object  *Object
}

func (e *Exception) Error() string {
	name := descriptor.Class(e.Class).String()
	if e.Message == "" {
		return name
	}
	return name + ": " + e.Message
}

// Is matches another *Exception of the same class, so errors.Is works
// against a template such as &Exception{Class: "java/lang/IllegalStateException"}.
func (e *Exception) Is(target error) bool {
	t, ok := target.(*Exception)
	return ok && t.Class == e.Class && (t.Message == "" || t.Message == e.Message)
}

func exceptionFromObject(o *Object) *Exception {
	msg, _ := o.Field(messageField).(string)
	return &Exception{Class: o.Class.Name, Message: msg, Object: o}
}
