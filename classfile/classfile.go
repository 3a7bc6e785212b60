// Package classfile models, writes, and reads JVM class files.
package classfile

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Format constants
// ---------------------------------------------------------------------------

// Magic identifies a class file.
const Magic uint32 = 0xCAFEBABE

// Version defaults. 49.0 predates mandatory StackMapTable frames, so the
// loader's verifier infers frame types itself.
const (
	DefaultMajorVersion uint16 = 49
	DefaultMinorVersion uint16 = 0

	MinMajorVersion uint16 = 45
	MaxMajorVersion uint16 = 50
)

// Attribute names used by the writer and reader.
const (
	AttrCode                      = "Code"
	AttrSourceFile                = "SourceFile"
	AttrRuntimeVisibleAnnotations = "RuntimeVisibleAnnotations"
)

// ---------------------------------------------------------------------------
// Model
// ---------------------------------------------------------------------------

// ClassFile is the in-memory form of one class file. All names are pool
// indices into Pool.
type ClassFile struct {
	Minor      uint16
	Major      uint16
	Pool       *ConstantPool
	Access     AccessFlags
	ThisClass  uint16
	SuperClass uint16 // 0 only for java/lang/Object
	Interfaces []uint16
	Fields     []Member
	Methods    []Member
	Attributes []Attribute
}

// Member is a field_info or method_info.
type Member struct {
	Access     AccessFlags
	Name       uint16
	Descriptor uint16
	Attributes []Attribute
}

// Attribute is a raw attribute: a Utf8 name index plus payload.
type Attribute struct {
	Name uint16
	Data []byte
}

// Code is the decoded payload of a Code attribute. Exception tables are
// always empty for generated code.
type Code struct {
	MaxStack   uint16
	MaxLocals  uint16
	Code       []byte
	Attributes []Attribute
}

// New creates an empty class file with the default version.
func New() *ClassFile {
	return &ClassFile{
		Major: DefaultMajorVersion,
		Minor: DefaultMinorVersion,
		Pool:  NewConstantPool(),
	}
}

// ---------------------------------------------------------------------------
// Writing
// ---------------------------------------------------------------------------

// Bytes serializes the class file. All pool entries must already exist.
func (cf *ClassFile) Bytes() ([]byte, error) {
	if err := cf.Pool.Err(); err != nil {
		return nil, err
	}
	if len(cf.Interfaces) > 0xFFFF || len(cf.Fields) > 0xFFFF || len(cf.Methods) > 0xFFFF {
		return nil, fmt.Errorf("too many interfaces, fields, or methods")
	}

	out := make([]byte, 0, 1024)

	// Header
	out = binary.BigEndian.AppendUint32(out, Magic)
	out = binary.BigEndian.AppendUint16(out, cf.Minor)
	out = binary.BigEndian.AppendUint16(out, cf.Major)

	// Constant pool
	out = cf.Pool.appendTo(out)

	// Class declaration
	out = binary.BigEndian.AppendUint16(out, uint16(cf.Access))
	out = binary.BigEndian.AppendUint16(out, cf.ThisClass)
	out = binary.BigEndian.AppendUint16(out, cf.SuperClass)
	out = binary.BigEndian.AppendUint16(out, uint16(len(cf.Interfaces)))
	for _, i := range cf.Interfaces {
		out = binary.BigEndian.AppendUint16(out, i)
	}

	// Members
	var err error
	for _, members := range [][]Member{cf.Fields, cf.Methods} {
		out = binary.BigEndian.AppendUint16(out, uint16(len(members)))
		for _, m := range members {
			out = binary.BigEndian.AppendUint16(out, uint16(m.Access))
			out = binary.BigEndian.AppendUint16(out, m.Name)
			out = binary.BigEndian.AppendUint16(out, m.Descriptor)
			if out, err = appendAttributes(out, m.Attributes); err != nil {
				return nil, err
			}
		}
	}

	return appendAttributes(out, cf.Attributes)
}

func appendAttributes(out []byte, attrs []Attribute) ([]byte, error) {
	out = binary.BigEndian.AppendUint16(out, uint16(len(attrs)))
	for _, a := range attrs {
		if uint64(len(a.Data)) > 0xFFFFFFFF {
			return nil, fmt.Errorf("attribute too large")
		}
		out = binary.BigEndian.AppendUint16(out, a.Name)
		out = binary.BigEndian.AppendUint32(out, uint32(len(a.Data)))
		out = append(out, a.Data...)
	}
	return out, nil
}

// EncodeCode builds the payload of a Code attribute.
func EncodeCode(c Code) ([]byte, error) {
	out := make([]byte, 0, 12+len(c.Code))
	out = binary.BigEndian.AppendUint16(out, c.MaxStack)
	out = binary.BigEndian.AppendUint16(out, c.MaxLocals)
	out = binary.BigEndian.AppendUint32(out, uint32(len(c.Code)))
	out = append(out, c.Code...)
	out = binary.BigEndian.AppendUint16(out, 0) // exception_table_length
	return appendAttributes(out, c.Attributes)
}

// SourceFileAttribute builds a SourceFile attribute, adding its entries to
// pool.
func SourceFileAttribute(pool *ConstantPool, file string) Attribute {
	name := pool.AddUtf8(AttrSourceFile)
	idx := pool.AddUtf8(file)
	return Attribute{Name: name, Data: binary.BigEndian.AppendUint16(nil, idx)}
}

// ---------------------------------------------------------------------------
// Convenience accessors
// ---------------------------------------------------------------------------

// Name returns the internal name of this class.
func (cf *ClassFile) Name() string {
	n, _ := cf.Pool.ClassName(cf.ThisClass)
	return n
}

// SuperName returns the internal name of the superclass, or "".
func (cf *ClassFile) SuperName() string {
	if cf.SuperClass == 0 {
		return ""
	}
	n, _ := cf.Pool.ClassName(cf.SuperClass)
	return n
}

// InterfaceNames returns the internal names of the direct interfaces.
func (cf *ClassFile) InterfaceNames() []string {
	names := make([]string, 0, len(cf.Interfaces))
	for _, i := range cf.Interfaces {
		n, _ := cf.Pool.ClassName(i)
		names = append(names, n)
	}
	return names
}

// MemberName returns the name and descriptor of m.
func (cf *ClassFile) MemberName(m Member) (name, desc string) {
	name, _ = cf.Pool.Utf8(m.Name)
	desc, _ = cf.Pool.Utf8(m.Descriptor)
	return name, desc
}

// FindMethod returns the method with the given name and descriptor.
func (cf *ClassFile) FindMethod(name, desc string) (Member, bool) {
	return cf.find(cf.Methods, name, desc)
}

// FindField returns the field with the given name. An empty desc matches
// any descriptor.
func (cf *ClassFile) FindField(name, desc string) (Member, bool) {
	return cf.find(cf.Fields, name, desc)
}

func (cf *ClassFile) find(members []Member, name, desc string) (Member, bool) {
	for _, m := range members {
		n, d := cf.MemberName(m)
		if n == name && (desc == "" || d == desc) {
			return m, true
		}
	}
	return Member{}, false
}

// Attribute returns the first attribute named name from attrs.
func (cf *ClassFile) Attribute(attrs []Attribute, name string) (Attribute, bool) {
	for _, a := range attrs {
		if n, err := cf.Pool.Utf8(a.Name); err == nil && n == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// MethodCode decodes the Code attribute of m.
func (cf *ClassFile) MethodCode(m Member) (Code, bool, error) {
	a, ok := cf.Attribute(m.Attributes, AttrCode)
	if !ok {
		return Code{}, false, nil
	}
	c, err := DecodeCode(a.Data)
	return c, true, err
}
