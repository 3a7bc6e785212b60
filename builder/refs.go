package builder

import (
	"fmt"

	"github.com/chazu/classforge/descriptor"
)

// InvokeKind selects the dispatch used by Invoke.
type InvokeKind int

const (
	CallVirtual InvokeKind = iota
	CallStatic
	CallInterface
	CallSpecial
)

func (k InvokeKind) String() string {
	switch k {
	case CallStatic:
		return "invokestatic"
	case CallInterface:
		return "invokeinterface"
	case CallSpecial:
		return "invokespecial"
	}
	return "invokevirtual"
}

// MethodRef names a method to call: its owner, name, and signature.
type MethodRef struct {
	Owner  descriptor.ClassType
	Name   string
	Return descriptor.Type
	Params []descriptor.Type
}

// Method builds a MethodRef.
func Method(owner descriptor.ClassType, name string, ret descriptor.Type, params ...descriptor.Type) MethodRef {
	return MethodRef{Owner: owner, Name: name, Return: ret, Params: params}
}

// Constructor builds a MethodRef for owner's <init> taking params.
func Constructor(owner descriptor.ClassType, params ...descriptor.Type) MethodRef {
	return MethodRef{Owner: owner, Name: "<init>", Return: descriptor.Void, Params: params}
}

// Descriptor returns the method descriptor.
func (r MethodRef) Descriptor() string {
	return descriptor.MethodDescriptor(r.Return, r.Params...)
}

func (r MethodRef) String() string {
	return fmt.Sprintf("%s.%s%s", r.Owner.Name, r.Name, r.Descriptor())
}

// FieldRef names a field: its owner, name, and type.
type FieldRef struct {
	Owner  descriptor.ClassType
	Name   string
	Type   descriptor.Type
	Static bool
}

// Field builds a FieldRef for an instance field.
func Field(owner descriptor.ClassType, name string, t descriptor.Type) FieldRef {
	return FieldRef{Owner: owner, Name: name, Type: t}
}

// StaticField builds a FieldRef for a static field.
func StaticField(owner descriptor.ClassType, name string, t descriptor.Type) FieldRef {
	return FieldRef{Owner: owner, Name: name, Type: t, Static: true}
}

func (r FieldRef) String() string {
	return fmt.Sprintf("%s.%s:%s", r.Owner.Name, r.Name, r.Type.Descriptor())
}

func (r FieldRef) valid() bool {
	return r.Owner.Name != "" && r.Name != "" && r.Type != nil && r.Type != descriptor.Void
}
