package loader

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/chazu/classforge/classfile"
	"github.com/chazu/classforge/descriptor"
)

// messageField holds a throwable's detail message.
const messageField = "detailMessage"

// valueField holds the contents of boxes and string builders.
const valueField = "value"

// ---------------------------------------------------------------------------
// Host classes
// ---------------------------------------------------------------------------

// hostClass describes a class implemented in Go. Supers must precede
// their subclasses in hostClasses.
type hostClass struct {
	name    string
	super   string
	ifaces  []string
	iface   bool
	fields  []FieldInfo
	natives map[string]native
	statics map[string]Value
}

func hostClasses() []hostClass {
	obj := "java/lang/Object"
	classes := []hostClass{
		{name: obj, natives: objectNatives()},
	}

	// Interfaces
	for _, name := range []string{
		"java/lang/CharSequence", "java/lang/Comparable", "java/lang/Runnable",
		"java/lang/Iterable", "java/lang/Cloneable", "java/io/Serializable",
		"java/util/function/Supplier", "java/util/function/Function",
		"java/util/function/BiFunction", "java/util/function/Consumer",
		"java/util/function/Predicate", "java/util/concurrent/Callable",
	} {
		classes = append(classes, hostClass{name: name, super: obj, iface: true})
	}

	classes = append(classes,
		hostClass{name: "java/lang/String", super: obj,
			ifaces:  []string{"java/lang/CharSequence", "java/lang/Comparable", "java/io/Serializable"},
			natives: stringNatives()},
		hostClass{name: "java/lang/StringBuilder", super: obj,
			ifaces:  []string{"java/lang/CharSequence"},
			fields:  []FieldInfo{{Name: valueField, Type: descriptor.String}},
			natives: builderNatives()},
		hostClass{name: "java/lang/Class", super: obj, natives: classNatives()},
		hostClass{name: "java/lang/System", super: obj, natives: map[string]native{
			"identityHashCode(Ljava/lang/Object;)I": func(t *thread, a []Value) (Value, error) {
				return identityHash(a[0]), nil
			},
		}},
		hostClass{name: "java/lang/Number", super: obj, ifaces: []string{"java/io/Serializable"}},
		hostClass{name: "java/lang/Void", super: obj, statics: map[string]Value{"TYPE": &ClassObject{Type: descriptor.Void}}},
	)

	// Boxes
	for _, b := range []struct {
		name, super, unbox string
		prim               descriptor.Type
	}{
		{"java/lang/Boolean", obj, "booleanValue", descriptor.Boolean},
		{"java/lang/Character", obj, "charValue", descriptor.Char},
		{"java/lang/Byte", "java/lang/Number", "byteValue", descriptor.Byte},
		{"java/lang/Short", "java/lang/Number", "shortValue", descriptor.Short},
		{"java/lang/Integer", "java/lang/Number", "intValue", descriptor.Int},
		{"java/lang/Long", "java/lang/Number", "longValue", descriptor.Long},
		{"java/lang/Float", "java/lang/Number", "floatValue", descriptor.Float},
		{"java/lang/Double", "java/lang/Number", "doubleValue", descriptor.Double},
	} {
		classes = append(classes, hostClass{
			name:    b.name,
			super:   b.super,
			ifaces:  []string{"java/lang/Comparable"},
			fields:  []FieldInfo{{Name: valueField, Type: b.prim, Access: classfile.AccPrivate | classfile.AccFinal}},
			natives: boxNatives(b.name, b.unbox, b.prim),
			statics: map[string]Value{"TYPE": &ClassObject{Type: b.prim}},
		})
	}

	// Throwables
	classes = append(classes, hostClass{
		name:    "java/lang/Throwable",
		super:   obj,
		ifaces:  []string{"java/io/Serializable"},
		fields:  []FieldInfo{{Name: messageField, Type: descriptor.String, Access: classfile.AccPrivate}},
		natives: throwableNatives(),
	})
	for _, pair := range [][2]string{
		{"java/lang/Exception", "java/lang/Throwable"},
		{"java/lang/Error", "java/lang/Throwable"},
		{"java/lang/RuntimeException", "java/lang/Exception"},
		{"java/lang/IllegalStateException", "java/lang/RuntimeException"},
		{"java/lang/IllegalArgumentException", "java/lang/RuntimeException"},
		{"java/lang/NumberFormatException", "java/lang/IllegalArgumentException"},
		{"java/lang/UnsupportedOperationException", "java/lang/RuntimeException"},
		{"java/lang/NullPointerException", "java/lang/RuntimeException"},
		{"java/lang/ClassCastException", "java/lang/RuntimeException"},
		{"java/lang/ArithmeticException", "java/lang/RuntimeException"},
		{"java/lang/ArrayStoreException", "java/lang/RuntimeException"},
		{"java/lang/NegativeArraySizeException", "java/lang/RuntimeException"},
		{"java/lang/IndexOutOfBoundsException", "java/lang/RuntimeException"},
		{"java/lang/ArrayIndexOutOfBoundsException", "java/lang/IndexOutOfBoundsException"},
		{"java/lang/LinkageError", "java/lang/Error"},
		{"java/lang/NoClassDefFoundError", "java/lang/LinkageError"},
		{"java/lang/IncompatibleClassChangeError", "java/lang/LinkageError"},
		{"java/lang/NoSuchMethodError", "java/lang/IncompatibleClassChangeError"},
		{"java/lang/NoSuchFieldError", "java/lang/IncompatibleClassChangeError"},
		{"java/lang/AbstractMethodError", "java/lang/IncompatibleClassChangeError"},
		{"java/lang/InstantiationError", "java/lang/IncompatibleClassChangeError"},
		{"java/lang/VirtualMachineError", "java/lang/Error"},
		{"java/lang/StackOverflowError", "java/lang/VirtualMachineError"},
	} {
		classes = append(classes, hostClass{name: pair[0], super: pair[1]})
	}
	return classes
}

func installHostClasses(l *Loader) {
	for _, h := range hostClasses() {
		access := classfile.AccPublic
		if h.iface {
			access |= classfile.AccInterface | classfile.AccAbstract
		}
		c := newClass(h.name, access)
		if h.super != "" {
			c.superclass = l.classes[h.super]
		}
		for _, name := range h.ifaces {
			c.interfaces = append(c.interfaces, l.classes[name])
		}
		c.fields = h.fields
		for key, fn := range h.natives {
			c.methods[key] = hostMethod(c, key, fn)
		}
		for name, v := range h.statics {
			c.statics[name] = v
		}
		c.initState = initialized
		l.classes[h.name] = c
	}
}

func hostMethod(c *Class, key string, fn native) *Method {
	i := strings.IndexByte(key, '(')
	name, desc := key[:i], key[i:]
	ret, params, err := descriptor.ParseMethodDescriptor(desc)
	if err != nil {
		panic(fmt.Sprintf("host method %s.%s: %v", c.Name, key, err))
	}
	access := classfile.AccPublic
	if staticNatives[key] {
		access |= classfile.AccStatic
	}
	return &Method{Class: c, Name: name, Desc: desc, Access: access, Params: params, Return: ret, native: fn}
}

// staticNatives lists the keys of host methods that are static.
var staticNatives = map[string]bool{
	"identityHashCode(Ljava/lang/Object;)I":         true,
	"valueOf(Ljava/lang/Object;)Ljava/lang/String;": true,
	"valueOf(I)Ljava/lang/String;":                  true,
	"parseInt(Ljava/lang/String;)I":                 true,
	"valueOf(Z)Ljava/lang/Boolean;":                 true,
	"valueOf(C)Ljava/lang/Character;":               true,
	"valueOf(B)Ljava/lang/Byte;":                    true,
	"valueOf(S)Ljava/lang/Short;":                   true,
	"valueOf(I)Ljava/lang/Integer;":                 true,
	"valueOf(J)Ljava/lang/Long;":                    true,
	"valueOf(F)Ljava/lang/Float;":                   true,
	"valueOf(D)Ljava/lang/Double;":                  true,
}

// ---------------------------------------------------------------------------
// Natives
// ---------------------------------------------------------------------------

func nop(*thread, []Value) (Value, error) { return nil, nil }

func objectNatives() map[string]native {
	return map[string]native{
		"<init>()V": nop,
		"hashCode()I": func(t *thread, a []Value) (Value, error) {
			return identityHash(a[0]), nil
		},
		"equals(Ljava/lang/Object;)Z": func(t *thread, a []Value) (Value, error) {
			return boolValue(sameReference(a[0], a[1])), nil
		},
		"toString()Ljava/lang/String;": func(t *thread, a []Value) (Value, error) {
			return fmt.Sprintf("%s@%x", describe(a[0]), identityHash(a[0])), nil
		},
		"getClass()Ljava/lang/Class;": func(t *thread, a []Value) (Value, error) {
			switch x := a[0].(type) {
			case *Array:
				return &ClassObject{Type: x.Type}, nil
			case *Object:
				return &ClassObject{Type: descriptor.Class(x.Class.Name)}, nil
			}
			return &ClassObject{Type: typeOfClassName(strings.ReplaceAll(describe(a[0]), ".", "/"))}, nil
		},
	}
}

func stringNatives() map[string]native {
	str := func(v Value) string { s, _ := v.(string); return s }
	return map[string]native{
		"length()I": func(t *thread, a []Value) (Value, error) {
			return int32(len(utf16.Encode([]rune(str(a[0]))))), nil
		},
		"isEmpty()Z": func(t *thread, a []Value) (Value, error) {
			return boolValue(str(a[0]) == ""), nil
		},
		"charAt(I)C": func(t *thread, a []Value) (Value, error) {
			units := utf16.Encode([]rune(str(a[0])))
			i := a[1].(int32)
			if i < 0 || int(i) >= len(units) {
				return nil, t.throwNew("java/lang/IndexOutOfBoundsException", fmt.Sprint(i))
			}
			return int32(units[i]), nil
		},
		"concat(Ljava/lang/String;)Ljava/lang/String;": func(t *thread, a []Value) (Value, error) {
			if a[1] == nil {
				return nil, t.throwNew("java/lang/NullPointerException", "")
			}
			return str(a[0]) + str(a[1]), nil
		},
		"equals(Ljava/lang/Object;)Z": func(t *thread, a []Value) (Value, error) {
			other, ok := a[1].(string)
			return boolValue(ok && other == str(a[0])), nil
		},
		"hashCode()I": func(t *thread, a []Value) (Value, error) {
			var h int32
			for _, u := range utf16.Encode([]rune(str(a[0]))) {
				h = 31*h + int32(u)
			}
			return h, nil
		},
		"toString()Ljava/lang/String;": func(t *thread, a []Value) (Value, error) {
			return a[0], nil
		},
		"valueOf(Ljava/lang/Object;)Ljava/lang/String;": func(t *thread, a []Value) (Value, error) {
			return t.stringify(a[0])
		},
		"valueOf(I)Ljava/lang/String;": func(t *thread, a []Value) (Value, error) {
			return strconv.Itoa(int(a[0].(int32))), nil
		},
	}
}

func builderNatives() map[string]native {
	get := func(v Value) string { s, _ := v.(*Object).Field(valueField).(string); return s }
	appendValue := func(t *thread, a []Value) (Value, error) {
		s, err := t.stringify(a[1])
		if err != nil {
			return nil, err
		}
		b := a[0].(*Object)
		b.SetField(valueField, get(b)+s)
		return b, nil
	}
	const sb = "Ljava/lang/StringBuilder;"
	return map[string]native{
		"<init>()V": func(t *thread, a []Value) (Value, error) {
			a[0].(*Object).SetField(valueField, "")
			return nil, nil
		},
		"<init>(Ljava/lang/String;)V": func(t *thread, a []Value) (Value, error) {
			s, err := t.stringify(a[1])
			a[0].(*Object).SetField(valueField, s)
			return nil, err
		},
		"append(Ljava/lang/String;)" + sb: appendValue,
		"append(Ljava/lang/Object;)" + sb: appendValue,
		"append(I)" + sb:                  appendValue,
		"append(J)" + sb:                  appendValue,
		"append(C)" + sb: func(t *thread, a []Value) (Value, error) {
			b := a[0].(*Object)
			b.SetField(valueField, get(b)+string(utf16.Decode([]uint16{uint16(a[1].(int32))})))
			return b, nil
		},
		"append(Z)" + sb: func(t *thread, a []Value) (Value, error) {
			b := a[0].(*Object)
			b.SetField(valueField, get(b)+strconv.FormatBool(a[1].(int32) != 0))
			return b, nil
		},
		"length()I": func(t *thread, a []Value) (Value, error) {
			return int32(len(utf16.Encode([]rune(get(a[0]))))), nil
		},
		"toString()Ljava/lang/String;": func(t *thread, a []Value) (Value, error) {
			return get(a[0]), nil
		},
	}
}

func classNatives() map[string]native {
	return map[string]native{
		"getName()Ljava/lang/String;": func(t *thread, a []Value) (Value, error) {
			return className(a[0].(*ClassObject).Type), nil
		},
		"isArray()Z": func(t *thread, a []Value) (Value, error) {
			_, ok := a[0].(*ClassObject).Type.(descriptor.ArrayType)
			return boolValue(ok), nil
		},
		"isPrimitive()Z": func(t *thread, a []Value) (Value, error) {
			return boolValue(descriptor.IsPrimitive(a[0].(*ClassObject).Type)), nil
		},
		"getComponentType()Ljava/lang/Class;": func(t *thread, a []Value) (Value, error) {
			if at, ok := a[0].(*ClassObject).Type.(descriptor.ArrayType); ok {
				return &ClassObject{Type: at.Component()}, nil
			}
			return nil, nil
		},
		"toString()Ljava/lang/String;": func(t *thread, a []Value) (Value, error) {
			return a[0].(*ClassObject).String(), nil
		},
	}
}

// className follows Class.getName: dotted names for classes, descriptors
// with dots for arrays, keywords for primitives.
func className(t descriptor.Type) string {
	switch t := t.(type) {
	case descriptor.ArrayType:
		return strings.ReplaceAll(t.Descriptor(), "/", ".")
	case descriptor.ClassType:
		return t.String()
	}
	return t.String()
}

func boxNatives(class, unbox string, prim descriptor.Type) map[string]native {
	self := "L" + class + ";"
	natives := map[string]native{
		"<init>(" + prim.Descriptor() + ")V": func(t *thread, a []Value) (Value, error) {
			a[0].(*Object).SetField(valueField, a[1])
			return nil, nil
		},
		"valueOf(" + prim.Descriptor() + ")" + self: func(t *thread, a []Value) (Value, error) {
			c, err := t.resolveClass(class)
			if err != nil {
				return nil, err
			}
			o := t.allocate(c)
			o.SetField(valueField, a[0])
			return o, nil
		},
		unbox + "()" + prim.Descriptor(): func(t *thread, a []Value) (Value, error) {
			return a[0].(*Object).Field(valueField), nil
		},
		"toString()Ljava/lang/String;": func(t *thread, a []Value) (Value, error) {
			return formatPrimitive(a[0].(*Object).Field(valueField), prim), nil
		},
		"equals(Ljava/lang/Object;)Z": func(t *thread, a []Value) (Value, error) {
			other, ok := a[1].(*Object)
			if !ok || other.Class != a[0].(*Object).Class {
				return int32(0), nil
			}
			return boolValue(other.Field(valueField) == a[0].(*Object).Field(valueField)), nil
		},
		"hashCode()I": func(t *thread, a []Value) (Value, error) {
			switch v := a[0].(*Object).Field(valueField).(type) {
			case int32:
				return v, nil
			case int64:
				return int32(v ^ v>>32), nil
			}
			return identityHash(a[0]), nil
		},
	}
	if class == "java/lang/Integer" {
		natives["parseInt(Ljava/lang/String;)I"] = parseInt
	}
	return natives
}

func throwableNatives() map[string]native {
	return map[string]native{
		"<init>()V": nop,
		"<init>(Ljava/lang/String;)V": func(t *thread, a []Value) (Value, error) {
			a[0].(*Object).SetField(messageField, a[1])
			return nil, nil
		},
		"getMessage()Ljava/lang/String;": func(t *thread, a []Value) (Value, error) {
			return a[0].(*Object).Field(messageField), nil
		},
		"toString()Ljava/lang/String;": func(t *thread, a []Value) (Value, error) {
			return exceptionFromObject(a[0].(*Object)).Error(), nil
		},
	}
}

func parseInt(t *thread, a []Value) (Value, error) {
	s, _ := a[0].(string)
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return nil, t.throwNew("java/lang/NumberFormatException", fmt.Sprintf("For input string: %q", s))
	}
	return int32(n), nil
}

// stringify follows String.valueOf(Object).
func (t *thread) stringify(v Value) (string, error) {
	switch x := v.(type) {
	case nil:
		return "null", nil
	case string:
		return x, nil
	case int32, int64, float32, float64:
		return fmt.Sprint(x), nil
	}
	c, err := t.classOf(v)
	if err != nil {
		return "", err
	}
	m := c.lookup("toString", "()Ljava/lang/String;")
	if m == nil {
		return describe(v), nil
	}
	r, err := t.call(m, []Value{v})
	if err != nil {
		return "", err
	}
	s, _ := r.(string)
	return s, nil
}

func formatPrimitive(v Value, t descriptor.Type) string {
	switch t.Kind() {
	case descriptor.KindBoolean:
		return strconv.FormatBool(v.(int32) != 0)
	case descriptor.KindChar:
		return string(utf16.Decode([]uint16{uint16(v.(int32))}))
	}
	return fmt.Sprint(v)
}

func identityHash(v Value) int32 {
	h := fnv.New32a()
	fmt.Fprintf(h, "%p", v)
	return int32(h.Sum32() & 0x7fffffff)
}
