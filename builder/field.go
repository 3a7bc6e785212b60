package builder

import (
	"github.com/chazu/classforge/classfile"
	"github.com/chazu/classforge/descriptor"
)

// FieldBuilder builds one field declaration.
type FieldBuilder struct {
	owner       *TypeBuilder
	name        string
	typ         descriptor.Type
	mods        Modifiers
	annotations []classfile.Annotation
}

// Name returns the field name.
func (f *FieldBuilder) Name() string { return f.name }

// Type returns the field type.
func (f *FieldBuilder) Type() descriptor.Type { return f.typ }

// Modifiers returns the current modifiers.
func (f *FieldBuilder) Modifiers() Modifiers { return f.mods }

// FieldRef returns a reference for reading and writing this field.
func (f *FieldBuilder) FieldRef() FieldRef {
	return FieldRef{Owner: f.owner.typ, Name: f.name, Type: f.typ, Static: f.mods.Has(Static)}
}

// SetModifiers replaces the field's modifiers. A mods value without a
// visibility bit means private.
func (f *FieldBuilder) SetModifiers(mods Modifiers) error {
	if err := f.owner.checkOpen(f.name); err != nil {
		return err
	}
	if r := fieldModifierProblem(mods, f.owner.isInterface()); r != "" {
		return &ValidationError{Type: f.owner.name, Member: f.name, Reason: r}
	}
	if mods&classfile.VisibilityMask == 0 {
		mods |= Private
	}
	f.mods = mods
	return nil
}

// AddAnnotation attaches a runtime-visible annotation.
func (f *FieldBuilder) AddAnnotation(a classfile.Annotation) error {
	if err := f.owner.checkOpen(f.name); err != nil {
		return err
	}
	if err := a.Validate(); err != nil {
		return &ValidationError{Type: f.owner.name, Member: f.name, Reason: "invalid annotation", Err: err}
	}
	f.annotations = append(f.annotations, a)
	return nil
}
