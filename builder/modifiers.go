package builder

import "github.com/chazu/classforge/classfile"

// Modifiers is a set of access flags for a type, field, or method.
type Modifiers = classfile.AccessFlags

const (
	Public       = classfile.AccPublic
	Private      = classfile.AccPrivate
	Protected    = classfile.AccProtected
	Static       = classfile.AccStatic
	Final        = classfile.AccFinal
	Synchronized = classfile.AccSynchronized
	Volatile     = classfile.AccVolatile
	Transient    = classfile.AccTransient
	Abstract     = classfile.AccAbstract
	Synthetic    = classfile.AccSynthetic
	Interface    = classfile.AccInterface
)

// checkVisibility rejects more than one visibility bit.
func checkVisibility(m Modifiers) string {
	v := m & classfile.VisibilityMask
	if v != 0 && v&(v-1) != 0 {
		return "more than one visibility modifier"
	}
	return ""
}

func fieldModifierProblem(m Modifiers, inInterface bool) string {
	if r := checkVisibility(m); r != "" {
		return r
	}
	if m&^(classfile.VisibilityMask|Static|Final|Volatile|Transient|Synthetic) != 0 {
		return "modifier not applicable to a field"
	}
	if m.Has(Final | Volatile) {
		return "field cannot be both final and volatile"
	}
	if inInterface && !m.Has(Public|Static|Final) {
		return "interface fields must be public static final"
	}
	return ""
}

func methodModifierProblem(m Modifiers, inInterface bool, name string) string {
	if r := checkVisibility(m); r != "" {
		return r
	}
	if m&^(classfile.VisibilityMask|Static|Final|Synchronized|Abstract|Synthetic) != 0 {
		return "modifier not applicable to a method"
	}
	if m.Has(Abstract) && m&(Private|Static|Final|Synchronized) != 0 {
		return "abstract method cannot be private, static, final, or synchronized"
	}
	switch name {
	case "<init>":
		if m&(Static|Final|Abstract|Synchronized) != 0 {
			return "constructor may only carry a visibility modifier"
		}
	case "<clinit>":
		if !m.Has(Static) || m&Abstract != 0 {
			return "static initializer must be static and concrete"
		}
	default:
		if inInterface && !m.Has(Public|Abstract) {
			return "interface methods must be public abstract"
		}
	}
	return ""
}

func typeModifierProblem(m Modifiers) string {
	if m&^(Public|Final|Abstract|Synthetic|Interface) != 0 {
		return "modifier not applicable to a type"
	}
	if m.Has(Interface) && !m.Has(Abstract) {
		return "interface must be abstract"
	}
	if m.Has(Interface) && m.Has(Final) {
		return "interface cannot be final"
	}
	if m.Has(Abstract | Final) {
		return "type cannot be both abstract and final"
	}
	return ""
}
