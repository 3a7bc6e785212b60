// Package descriptor maps semantic type references onto the descriptor
// strings used by the class file format.
package descriptor

import "strings"

// ---------------------------------------------------------------------------
// Kinds
// ---------------------------------------------------------------------------

// Kind classifies a Type.
type Kind int

const (
	KindVoid Kind = iota
	KindBoolean
	KindByte
	KindChar
	KindShort
	KindInt
	KindLong
	KindFloat
	KindDouble
	KindClass
	KindArray
)

var kindNames = [...]string{
	KindVoid:    "void",
	KindBoolean: "boolean",
	KindByte:    "byte",
	KindChar:    "char",
	KindShort:   "short",
	KindInt:     "int",
	KindLong:    "long",
	KindFloat:   "float",
	KindDouble:  "double",
	KindClass:   "class",
	KindArray:   "array",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// ---------------------------------------------------------------------------
// Type
// ---------------------------------------------------------------------------

// Type is a resolved type reference.
type Type interface {
	// Descriptor returns the canonical field descriptor, e.g. "I" or
	// "Ljava/lang/String;".
	Descriptor() string
	// String returns the Java source spelling, e.g. "java.lang.String[]".
	String() string
	Kind() Kind
	// Slots is the number of local variable slots (and stack words) a
	// value of this type occupies: 0 for void, 2 for long and double.
	Slots() int
}

// Primitive is one of the nine built-in non-reference types.
type Primitive struct {
	kind Kind
	desc string
}

func (p Primitive) Descriptor() string { return p.desc }
func (p Primitive) String() string     { return p.kind.String() }
func (p Primitive) Kind() Kind         { return p.kind }

func (p Primitive) Slots() int {
	switch p.kind {
	case KindVoid:
		return 0
	case KindLong, KindDouble:
		return 2
	}
	return 1
}

var (
	Void    Type = Primitive{KindVoid, "V"}
	Boolean Type = Primitive{KindBoolean, "Z"}
	Byte    Type = Primitive{KindByte, "B"}
	Char    Type = Primitive{KindChar, "C"}
	Short   Type = Primitive{KindShort, "S"}
	Int     Type = Primitive{KindInt, "I"}
	Long    Type = Primitive{KindLong, "J"}
	Float   Type = Primitive{KindFloat, "F"}
	Double  Type = Primitive{KindDouble, "D"}
)

var primitivesByName = map[string]Type{
	"void":    Void,
	"boolean": Boolean,
	"byte":    Byte,
	"char":    Char,
	"short":   Short,
	"int":     Int,
	"long":    Long,
	"float":   Float,
	"double":  Double,
}

var primitivesByDesc = map[byte]Type{
	'V': Void,
	'Z': Boolean,
	'B': Byte,
	'C': Char,
	'S': Short,
	'I': Int,
	'J': Long,
	'F': Float,
	'D': Double,
}

// ClassType is a named class or interface. Name is the internal,
// slash-separated form ("java/lang/String").
type ClassType struct {
	Name        string
	IsInterface bool
}

func (c ClassType) Descriptor() string { return "L" + c.Name + ";" }
func (c ClassType) String() string     { return strings.ReplaceAll(c.Name, "/", ".") }
func (c ClassType) Kind() Kind         { return KindClass }
func (c ClassType) Slots() int         { return 1 }

// InternalName returns the slash-separated name.
func (c ClassType) InternalName() string { return c.Name }

// ArrayType is an array with Dims dimensions of Elem. Elem is never
// itself an ArrayType.
type ArrayType struct {
	Elem Type
	Dims int
}

func (a ArrayType) Descriptor() string {
	return strings.Repeat("[", a.Dims) + a.Elem.Descriptor()
}

func (a ArrayType) String() string {
	return a.Elem.String() + strings.Repeat("[]", a.Dims)
}

func (a ArrayType) Kind() Kind { return KindArray }
func (a ArrayType) Slots() int { return 1 }

// Component returns the type of one element: the element type for a
// one-dimensional array, otherwise an array with one dimension less.
func (a ArrayType) Component() Type {
	if a.Dims <= 1 {
		return a.Elem
	}
	return ArrayType{Elem: a.Elem, Dims: a.Dims - 1}
}

// InternalName is the name used in a CONSTANT_Class entry for arrays,
// which is the array's descriptor.
func (a ArrayType) InternalName() string { return a.Descriptor() }

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// Class returns a class type. Dotted names are converted to internal form.
func Class(name string) ClassType {
	return ClassType{Name: internalize(name)}
}

// Interface returns an interface type.
func Interface(name string) ClassType {
	return ClassType{Name: internalize(name), IsInterface: true}
}

// ArrayOf returns an array type of dims dimensions. Passing an array as
// elem adds dimensions to it.
func ArrayOf(elem Type, dims int) ArrayType {
	if dims < 1 {
		dims = 1
	}
	if a, ok := elem.(ArrayType); ok {
		return ArrayType{Elem: a.Elem, Dims: a.Dims + dims}
	}
	return ArrayType{Elem: elem, Dims: dims}
}

func internalize(name string) string {
	return strings.ReplaceAll(name, ".", "/")
}

// Well-known reference types.
var (
	Object    = Class("java/lang/Object")
	String    = Class("java/lang/String")
	ClassT    = Class("java/lang/Class")
	Throwable = Class("java/lang/Throwable")
)

// ---------------------------------------------------------------------------
// Predicates
// ---------------------------------------------------------------------------

// IsPrimitive reports whether t is a primitive (including void).
func IsPrimitive(t Type) bool {
	_, ok := t.(Primitive)
	return ok
}

// IsReference reports whether t is a class, interface, or array type.
func IsReference(t Type) bool {
	k := t.Kind()
	return k == KindClass || k == KindArray
}

// IsIntLike reports whether values of t travel on the operand stack as an
// int (boolean, byte, char, short, int).
func IsIntLike(t Type) bool {
	switch t.Kind() {
	case KindBoolean, KindByte, KindChar, KindShort, KindInt:
		return true
	}
	return false
}

// StackCategory collapses t to the verifier's computational type:
// int-like kinds become Int, references become Object.
func StackCategory(t Type) Type {
	switch {
	case IsIntLike(t):
		return Int
	case IsReference(t):
		return Object
	}
	return t
}

// Equal reports whether two types have the same descriptor.
func Equal(a, b Type) bool {
	return a.Descriptor() == b.Descriptor()
}

// InternalName returns the name used for t in a CONSTANT_Class entry.
// Primitives have no class entry and return "".
func InternalName(t Type) string {
	switch v := t.(type) {
	case ClassType:
		return v.Name
	case ArrayType:
		return v.Descriptor()
	}
	return ""
}
