package classfile

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Annotations
// ---------------------------------------------------------------------------

// Annotation is one entry of a RuntimeVisibleAnnotations attribute.
// Type is the annotation interface's field descriptor.
type Annotation struct {
	Type     string
	Elements []ElementPair
}

// ElementPair is a named annotation element.
type ElementPair struct {
	Name  string
	Value ElementValue
}

// ElementValue is a tagged annotation value. The tag follows the class
// file: B C D F I J S Z s for constants, e for enums, c for class
// literals, @ for nested annotations, [ for arrays.
type ElementValue struct {
	Tag        byte
	Const      any    // int32, int64, float32, float64, bool, string, per Tag
	EnumType   string // descriptor of the enum type
	EnumConst  string
	Class      string // return descriptor of a class literal
	Annotation *Annotation
	Array      []ElementValue
}

// StringValue returns a string element value.
func StringValue(s string) ElementValue { return ElementValue{Tag: 's', Const: s} }

// IntValue returns an int element value.
func IntValue(v int32) ElementValue { return ElementValue{Tag: 'I', Const: v} }

// LongValue returns a long element value.
func LongValue(v int64) ElementValue { return ElementValue{Tag: 'J', Const: v} }

// BoolValue returns a boolean element value.
func BoolValue(v bool) ElementValue { return ElementValue{Tag: 'Z', Const: v} }

// DoubleValue returns a double element value.
func DoubleValue(v float64) ElementValue { return ElementValue{Tag: 'D', Const: v} }

// EnumValue returns an enum constant element value.
func EnumValue(typeDesc, constName string) ElementValue {
	return ElementValue{Tag: 'e', EnumType: typeDesc, EnumConst: constName}
}

// ClassValue returns a class literal element value.
func ClassValue(desc string) ElementValue { return ElementValue{Tag: 'c', Class: desc} }

// ArrayValue returns an array element value.
func ArrayValue(vs ...ElementValue) ElementValue { return ElementValue{Tag: '[', Array: vs} }

// NestedValue returns a nested annotation element value.
func NestedValue(a Annotation) ElementValue { return ElementValue{Tag: '@', Annotation: &a} }

// Validate checks that a is well formed. Nothing beyond structure is
// checked.
func (a Annotation) Validate() error {
	if len(a.Type) < 3 || a.Type[0] != 'L' || a.Type[len(a.Type)-1] != ';' {
		return fmt.Errorf("annotation type %q is not a class descriptor", a.Type)
	}
	seen := make(map[string]bool, len(a.Elements))
	for _, e := range a.Elements {
		if e.Name == "" {
			return fmt.Errorf("annotation %s: empty element name", a.Type)
		}
		if seen[e.Name] {
			return fmt.Errorf("annotation %s: duplicate element %q", a.Type, e.Name)
		}
		seen[e.Name] = true
		if err := e.Value.validate(); err != nil {
			return fmt.Errorf("annotation %s element %q: %w", a.Type, e.Name, err)
		}
	}
	return nil
}

func (v ElementValue) validate() error {
	ok := false
	switch v.Tag {
	case 'B', 'C', 'S', 'I':
		_, ok = v.Const.(int32)
	case 'J':
		_, ok = v.Const.(int64)
	case 'F':
		_, ok = v.Const.(float32)
	case 'D':
		_, ok = v.Const.(float64)
	case 'Z':
		_, ok = v.Const.(bool)
	case 's':
		_, ok = v.Const.(string)
	case 'e':
		ok = v.EnumType != "" && v.EnumConst != ""
	case 'c':
		ok = v.Class != ""
	case '@':
		if v.Annotation == nil {
			return fmt.Errorf("nested annotation missing")
		}
		return v.Annotation.Validate()
	case '[':
		for _, e := range v.Array {
			if err := e.validate(); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown element tag %q", v.Tag)
	}
	if !ok {
		return fmt.Errorf("element value does not match tag %q", v.Tag)
	}
	return nil
}

// AnnotationsAttribute encodes anns as a RuntimeVisibleAnnotations
// attribute, adding every referenced constant to pool. Calling it twice
// with the same pool yields identical bytes and no new entries.
func AnnotationsAttribute(pool *ConstantPool, anns []Annotation) Attribute {
	name := pool.AddUtf8(AttrRuntimeVisibleAnnotations)
	out := binary.BigEndian.AppendUint16(nil, uint16(len(anns)))
	for _, a := range anns {
		out = appendAnnotation(out, pool, a)
	}
	return Attribute{Name: name, Data: out}
}

func appendAnnotation(out []byte, pool *ConstantPool, a Annotation) []byte {
	out = binary.BigEndian.AppendUint16(out, pool.AddUtf8(a.Type))
	out = binary.BigEndian.AppendUint16(out, uint16(len(a.Elements)))
	for _, e := range a.Elements {
		out = binary.BigEndian.AppendUint16(out, pool.AddUtf8(e.Name))
		out = appendElementValue(out, pool, e.Value)
	}
	return out
}

func appendElementValue(out []byte, pool *ConstantPool, v ElementValue) []byte {
	out = append(out, v.Tag)
	var idx uint16
	switch v.Tag {
	case 'B', 'C', 'S', 'I':
		idx = pool.AddInteger(v.Const.(int32))
	case 'Z':
		b := int32(0)
		if v.Const.(bool) {
			b = 1
		}
		idx = pool.AddInteger(b)
	case 'J':
		idx = pool.AddLong(v.Const.(int64))
	case 'F':
		idx = pool.AddFloat(v.Const.(float32))
	case 'D':
		idx = pool.AddDouble(v.Const.(float64))
	case 's':
		idx = pool.AddUtf8(v.Const.(string))
	case 'e':
		out = binary.BigEndian.AppendUint16(out, pool.AddUtf8(v.EnumType))
		idx = pool.AddUtf8(v.EnumConst)
	case 'c':
		idx = pool.AddUtf8(v.Class)
	case '@':
		return appendAnnotation(out, pool, *v.Annotation)
	case '[':
		out = binary.BigEndian.AppendUint16(out, uint16(len(v.Array)))
		for _, e := range v.Array {
			out = appendElementValue(out, pool, e)
		}
		return out
	}
	return binary.BigEndian.AppendUint16(out, idx)
}

// DecodeAnnotations parses a RuntimeVisibleAnnotations payload.
func DecodeAnnotations(pool *ConstantPool, data []byte) ([]Annotation, error) {
	r := &reader{data: data}
	n := r.u2()
	anns := make([]Annotation, 0, n)
	for i := 0; i < int(n) && r.err == nil; i++ {
		anns = append(anns, readAnnotation(r, pool))
	}
	if r.err != nil {
		return nil, fmt.Errorf("annotations: %w", r.err)
	}
	return anns, nil
}

func readAnnotation(r *reader, pool *ConstantPool) Annotation {
	var a Annotation
	a.Type = r.utf8(pool)
	n := r.u2()
	for i := 0; i < int(n) && r.err == nil; i++ {
		name := r.utf8(pool)
		a.Elements = append(a.Elements, ElementPair{Name: name, Value: readElementValue(r, pool)})
	}
	return a
}

func readElementValue(r *reader, pool *ConstantPool) ElementValue {
	v := ElementValue{Tag: r.u1()}
	switch v.Tag {
	case 'B', 'C', 'S', 'I', 'Z', 'J', 'F', 'D':
		c, ok := pool.Get(r.u2())
		if !ok {
			r.setErr(fmt.Errorf("bad element constant"))
			return v
		}
		switch v.Tag {
		case 'Z':
			v.Const = c.Bits != 0
		case 'J':
			v.Const = int64(c.Bits)
		case 'F':
			v.Const = math.Float32frombits(uint32(c.Bits))
		case 'D':
			v.Const = math.Float64frombits(c.Bits)
		default:
			v.Const = int32(uint32(c.Bits))
		}
	case 's':
		v.Const = r.utf8(pool)
	case 'e':
		v.EnumType = r.utf8(pool)
		v.EnumConst = r.utf8(pool)
	case 'c':
		v.Class = r.utf8(pool)
	case '@':
		a := readAnnotation(r, pool)
		v.Annotation = &a
	case '[':
		n := r.u2()
		for i := 0; i < int(n) && r.err == nil; i++ {
			v.Array = append(v.Array, readElementValue(r, pool))
		}
	default:
		r.setErr(fmt.Errorf("unknown element tag %q", v.Tag))
	}
	return v
}
