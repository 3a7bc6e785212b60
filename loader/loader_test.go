package loader

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/chazu/classforge/builder"
	"github.com/chazu/classforge/classfile"
	"github.com/chazu/classforge/descriptor"
)

var (
	supplier = descriptor.Interface("java/util/function/Supplier")
	function = descriptor.Interface("java/util/function/Function")
	integer  = descriptor.Class("java/lang/Integer")

	concat = builder.Method(descriptor.String, "concat", descriptor.String, descriptor.String)
	equals = builder.Method(descriptor.Object, "equals", descriptor.Boolean, descriptor.Object)
)

const applyDesc = "(Ljava/lang/Object;)Ljava/lang/Object;"

// build assembles a class straight into l.
func build(t *testing.T, l *Loader, name string, fn func(*builder.TypeBuilder) error, opts ...builder.Option) {
	t.Helper()
	if err := builder.Build(l, name, fn, opts...); err != nil {
		t.Fatalf("build %s: %v", name, err)
	}
}

// transform builds a Function whose apply body is produced by body.
func transform(t *testing.T, l *Loader, name string, body func(m *builder.MethodBuilder, param builder.Handle) error) *Object {
	t.Helper()
	build(t, l, name, func(tb *builder.TypeBuilder) error {
		m, err := tb.AddMethod("apply", descriptor.Object, descriptor.Object)
		if err != nil {
			return err
		}
		p, err := m.Param(0)
		if err != nil {
			return err
		}
		return body(m, p)
	}, builder.Implements(function))

	obj, err := l.NewInstance(strings.ReplaceAll(name, ".", "/"), "()V")
	if err != nil {
		t.Fatalf("instantiate %s: %v", name, err)
	}
	return obj
}

// ---------------------------------------------------------------------------
// End to end
// ---------------------------------------------------------------------------

func TestSupplierReturnsArray(t *testing.T) {
	l := New()
	build(t, l, "gen.ArraySupplier", func(tb *builder.TypeBuilder) error {
		m, err := tb.AddMethod("get", descriptor.Object)
		if err != nil {
			return err
		}
		n, _ := m.Load(10)
		arr, err := m.NewArray(integer, n)
		if err != nil {
			return err
		}
		return m.Return(arr)
	}, builder.Implements(supplier))

	obj, err := l.NewInstance("gen/ArraySupplier", "()V")
	if err != nil {
		t.Fatal(err)
	}
	v, err := l.Invoke(obj, "get", "()Ljava/lang/Object;")
	if err != nil {
		t.Fatal(err)
	}
	arr, ok := v.(*Array)
	if !ok {
		t.Fatalf("get returned %T", v)
	}
	if arr.Len() != 10 {
		t.Errorf("length = %d, want 10", arr.Len())
	}
	if !descriptor.Equal(arr.Type.Component(), integer) {
		t.Errorf("element type = %s, want java.lang.Integer", arr.Type.Component())
	}
	for i, e := range arr.Elems {
		if e != nil {
			t.Errorf("element %d = %v, want null", i, e)
		}
	}

	// The same object through an interface call from generated code.
	build(t, l, "gen.Caller", func(tb *builder.TypeBuilder) error {
		m, err := tb.AddMethod("call", descriptor.Object, supplier)
		if err != nil {
			return err
		}
		if err := m.SetModifiers(builder.Public | builder.Static); err != nil {
			return err
		}
		p, _ := m.Param(0)
		r, err := m.InvokeInterface(builder.Method(supplier, "get", descriptor.Object), p)
		if err != nil {
			return err
		}
		return m.Return(r)
	})
	v, err = l.InvokeStatic("gen/Caller", "call", "(Ljava/util/function/Supplier;)Ljava/lang/Object;", obj)
	if err != nil {
		t.Fatal(err)
	}
	if a, ok := v.(*Array); !ok || a.Len() != 10 {
		t.Errorf("interface call returned %v", v)
	}
}

func TestThrowException(t *testing.T) {
	l := New()
	obj := transform(t, l, "gen.Thrower", func(m *builder.MethodBuilder, _ builder.Handle) error {
		return m.ThrowException(descriptor.Class("java/lang/IllegalStateException"), "ERROR")
	})

	for _, in := range []Value{"PARAM", nil} {
		_, err := l.Invoke(obj, "apply", applyDesc, in)
		want := &Exception{Class: "java/lang/IllegalStateException", Message: "ERROR"}
		if !errors.Is(err, want) {
			t.Fatalf("apply(%v) error = %v, want %v", in, err, want)
		}
		var exc *Exception
		errors.As(err, &exc)
		if exc.Object == nil || exc.Object.Class.Name != "java/lang/IllegalStateException" {
			t.Errorf("thrown object = %v", exc.Object)
		}
	}
	if err := (&Exception{Class: "java/lang/IllegalStateException", Message: "ERROR"}).Error(); err != "java.lang.IllegalStateException: ERROR" {
		t.Errorf("Error() = %q", err)
	}
}

func TestConcat(t *testing.T) {
	l := New()
	obj := transform(t, l, "gen.Concat", func(m *builder.MethodBuilder, p builder.Handle) error {
		s, err := m.CheckCast(p, descriptor.String)
		if err != nil {
			return err
		}
		msg, _ := m.Load("MESSAGE")
		sep, _ := m.Load(":CONST:")
		head, err := m.InvokeVirtual(concat, msg, sep)
		if err != nil {
			return err
		}
		r, err := m.InvokeVirtual(concat, head, s)
		if err != nil {
			return err
		}
		return m.Return(r)
	})

	v, err := l.Invoke(obj, "apply", applyDesc, "PARAM")
	if err != nil {
		t.Fatal(err)
	}
	if v != "MESSAGE:CONST:PARAM" {
		t.Errorf("apply = %v, want MESSAGE:CONST:PARAM", v)
	}
}

func TestEqualsBranch(t *testing.T) {
	l := New()
	obj := transform(t, l, "gen.Branch", func(m *builder.MethodBuilder, p builder.Handle) error {
		test, _ := m.Load("TEST")
		eq, err := m.InvokeVirtual(equals, p, test)
		if err != nil {
			return err
		}
		br, err := m.IfNonZero(eq)
		if err != nil {
			return err
		}
		yes, _ := br.True.Load("TRUE BRANCH")
		if err := br.True.Return(yes); err != nil {
			return err
		}
		return br.False.Return(p)
	})

	for in, want := range map[string]string{"TEST": "TRUE BRANCH", "PARAM": "PARAM"} {
		v, err := l.Invoke(obj, "apply", applyDesc, in)
		if err != nil {
			t.Fatal(err)
		}
		if v != want {
			t.Errorf("apply(%s) = %v, want %s", in, v, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Values
// ---------------------------------------------------------------------------

func TestLiteralRoundTrip(t *testing.T) {
	l := New()
	tests := []struct {
		method string
		ret    descriptor.Type
		lit    any
		want   Value
	}{
		{"i", descriptor.Int, 40000, int32(40000)},
		{"neg", descriptor.Int, -7, int32(-7)},
		{"z", descriptor.Boolean, true, int32(1)},
		{"c", descriptor.Char, builder.Char('é'), int32('é')},
		{"b", descriptor.Byte, int8(-3), int32(-3)},
		{"j", descriptor.Long, int64(1) << 40, int64(1) << 40},
		{"f", descriptor.Float, float32(0.25), float32(0.25)},
		{"d", descriptor.Double, 2.5, 2.5},
		{"s", descriptor.String, "h\x00llo \U0001F600", "h\x00llo \U0001F600"},
		{"n", descriptor.String, nil, nil},
	}
	build(t, l, "gen.Literals", func(tb *builder.TypeBuilder) error {
		for _, tt := range tests {
			m, err := tb.AddMethod(tt.method, tt.ret)
			if err != nil {
				return err
			}
			if err := m.SetModifiers(builder.Public | builder.Static); err != nil {
				return err
			}
			h, err := m.Load(tt.lit)
			if err != nil {
				return err
			}
			if err := m.Return(h); err != nil {
				return err
			}
		}
		return nil
	})

	for _, tt := range tests {
		v, err := l.InvokeStatic("gen/Literals", tt.method, "()"+tt.ret.Descriptor())
		if err != nil {
			t.Errorf("%s: %v", tt.method, err)
			continue
		}
		if v != tt.want {
			t.Errorf("%s = %v (%T), want %v (%T)", tt.method, v, v, tt.want, tt.want)
		}
	}
}

func TestClassLiterals(t *testing.T) {
	l := New()
	build(t, l, "gen.Classes", func(tb *builder.TypeBuilder) error {
		for name, typ := range map[string]descriptor.Type{
			"prim":  descriptor.Int,
			"str":   descriptor.String,
			"array": descriptor.ArrayOf(descriptor.Long, 2),
		} {
			m, err := tb.AddMethod(name, descriptor.ClassT)
			if err != nil {
				return err
			}
			if err := m.SetModifiers(builder.Public | builder.Static); err != nil {
				return err
			}
			h, err := m.LoadClass(typ)
			if err != nil {
				return err
			}
			if err := m.Return(h); err != nil {
				return err
			}
		}
		return nil
	})

	for name, want := range map[string]string{"prim": "int", "str": "java.lang.String", "array": "[[J"} {
		v, err := l.InvokeStatic("gen/Classes", name, "()Ljava/lang/Class;")
		if err != nil {
			t.Fatal(err)
		}
		co, ok := v.(*ClassObject)
		if !ok {
			t.Fatalf("%s returned %T", name, v)
		}
		got, err := l.Invoke(co, "getName", "()Ljava/lang/String;")
		if err != nil || got != want {
			t.Errorf("%s.getName() = %v, %v; want %s", name, got, err, want)
		}
	}
}

func TestFieldsAndStaticInit(t *testing.T) {
	l := New()
	build(t, l, "gen.Point", func(tb *builder.TypeBuilder) error {
		self := tb.Type()
		x, _ := tb.AddField("x", descriptor.Int)
		origin, _ := tb.AddField("ORIGIN", descriptor.String)
		if err := origin.SetModifiers(builder.Public | builder.Static | builder.Final); err != nil {
			return err
		}

		clinit, _ := tb.AddStaticInitializer()
		s, _ := clinit.Load("(0,0)")
		if err := clinit.WriteStaticField(origin.FieldRef(), s); err != nil {
			return err
		}

		ctor, _ := tb.AddConstructor(descriptor.Int)
		this, _ := ctor.This()
		if _, err := ctor.InvokeSpecial(builder.Constructor(descriptor.Object), this); err != nil {
			return err
		}
		p, _ := ctor.Param(0)
		if err := ctor.WriteField(x.FieldRef(), this, p); err != nil {
			return err
		}

		get, _ := tb.AddMethod("getX", descriptor.Int)
		gthis, _ := get.This()
		v, err := get.ReadField(builder.Field(self, "x", descriptor.Int), gthis)
		if err != nil {
			return err
		}
		return get.Return(v)
	})

	v, err := l.GetStatic("gen/Point", "ORIGIN")
	if err != nil || v != "(0,0)" {
		t.Errorf("ORIGIN = %v, %v", v, err)
	}
	p, err := l.NewInstance("gen/Point", "(I)V", 7)
	if err != nil {
		t.Fatal(err)
	}
	if p.Field("x") != int32(7) {
		t.Errorf("x = %v", p.Field("x"))
	}
	if v, _ := l.Invoke(p, "getX", "()I"); v != int32(7) {
		t.Errorf("getX = %v", v)
	}

	c, _ := l.Class("gen/Point")
	f, ok := c.Field("x")
	if !ok || f.Access != classfile.AccPrivate {
		t.Errorf("field x = %+v", f)
	}
	f, _ = c.Field("ORIGIN")
	if f.Access != classfile.AccPublic|classfile.AccStatic|classfile.AccFinal {
		t.Errorf("ORIGIN access = %s", f.Access.FieldString())
	}
	if _, err := l.NewInstance("gen/Point", "()V"); err == nil {
		t.Error("missing default constructor was found")
	}
}

func TestTypeTests(t *testing.T) {
	l := New()
	build(t, l, "gen.Types", func(tb *builder.TypeBuilder) error {
		is, _ := tb.AddMethod("isString", descriptor.Boolean, descriptor.Object)
		if err := is.SetModifiers(builder.Public | builder.Static); err != nil {
			return err
		}
		p, _ := is.Param(0)
		r, err := is.InstanceOf(p, descriptor.String)
		if err != nil {
			return err
		}
		if err := is.Return(r); err != nil {
			return err
		}

		as, _ := tb.AddMethod("asInteger", integer, descriptor.Object)
		if err := as.SetModifiers(builder.Public | builder.Static); err != nil {
			return err
		}
		q, _ := as.Param(0)
		c, err := as.CheckCast(q, integer)
		if err != nil {
			return err
		}
		return as.Return(c)
	})

	for in, want := range map[Value]Value{"x": int32(1), nil: int32(0)} {
		v, err := l.InvokeStatic("gen/Types", "isString", "(Ljava/lang/Object;)Z", in)
		if err != nil || v != want {
			t.Errorf("isString(%v) = %v, %v", in, v, err)
		}
	}
	if v, err := l.InvokeStatic("gen/Types", "asInteger", "(Ljava/lang/Object;)Ljava/lang/Integer;", nil); err != nil || v != nil {
		t.Errorf("asInteger(null) = %v, %v", v, err)
	}
	_, err := l.InvokeStatic("gen/Types", "asInteger", "(Ljava/lang/Object;)Ljava/lang/Integer;", "x")
	if !errors.Is(err, &Exception{Class: "java/lang/ClassCastException"}) {
		t.Errorf("asInteger(\"x\") error = %v, want ClassCastException", err)
	}
}

func TestArrayOps(t *testing.T) {
	l := New()
	build(t, l, "gen.Arrays", func(tb *builder.TypeBuilder) error {
		m, _ := tb.AddMethod("roundTrip", descriptor.Long, descriptor.Int)
		if err := m.SetModifiers(builder.Public | builder.Static); err != nil {
			return err
		}
		idx, _ := m.Param(0)
		three, _ := m.Load(3)
		arr, err := m.NewArray(descriptor.Long, three)
		if err != nil {
			return err
		}
		v, _ := m.Load(int64(99))
		if err := m.WriteArrayValue(arr, idx, v); err != nil {
			return err
		}
		r, err := m.ReadArrayValue(arr, idx)
		if err != nil {
			return err
		}
		return m.Return(r)
	})
	build(t, l, "gen.Lengths", func(tb *builder.TypeBuilder) error {
		m, _ := tb.AddMethod("length", descriptor.Int, descriptor.ArrayOf(descriptor.Char, 1))
		if err := m.SetModifiers(builder.Public | builder.Static); err != nil {
			return err
		}
		p, _ := m.Param(0)
		n, err := m.ArrayLength(p)
		if err != nil {
			return err
		}
		return m.Return(n)
	})

	if v, err := l.InvokeStatic("gen/Arrays", "roundTrip", "(I)J", 2); err != nil || v != int64(99) {
		t.Errorf("roundTrip(2) = %v, %v", v, err)
	}
	_, err := l.InvokeStatic("gen/Arrays", "roundTrip", "(I)J", 3)
	if !errors.Is(err, &Exception{Class: "java/lang/ArrayIndexOutOfBoundsException"}) {
		t.Errorf("roundTrip(3) error = %v", err)
	}

	chars := newArray(descriptor.ArrayOf(descriptor.Char, 1), 4)
	if v, err := l.InvokeStatic("gen/Lengths", "length", "([C)I", chars); err != nil || v != int32(4) {
		t.Errorf("length = %v, %v", v, err)
	}
	_, err = l.InvokeStatic("gen/Lengths", "length", "([C)I", nil)
	if !errors.Is(err, &Exception{Class: "java/lang/NullPointerException"}) {
		t.Errorf("length(null) error = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Loader behavior
// ---------------------------------------------------------------------------

func TestDefineErrors(t *testing.T) {
	l := New()
	var data []byte
	capture := builder.SinkFunc(func(_ string, b []byte) error { data = b; return nil })
	if err := builder.Build(capture, "gen.Orphan", func(*builder.TypeBuilder) error { return nil },
		builder.Extends(descriptor.Class("gen/Missing"))); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Define(data); err == nil || !strings.Contains(err.Error(), "gen/Missing not defined") {
		t.Errorf("Define with missing superclass = %v", err)
	}

	build(t, l, "gen.Once", func(*builder.TypeBuilder) error { return nil })
	if err := builder.Build(l, "gen.Once", func(*builder.TypeBuilder) error { return nil }); err == nil {
		t.Error("duplicate definition accepted")
	}

	if err := l.Write("gen/Other", data[:10]); err == nil {
		t.Error("truncated class accepted")
	}
	if got := l.Names(); len(got) != 1 || got[0] != "gen/Once" {
		t.Errorf("Names = %v", got)
	}
}

func TestInvokeErrors(t *testing.T) {
	l := New()
	obj := transform(t, l, "gen.Echo", func(m *builder.MethodBuilder, p builder.Handle) error {
		return m.Return(p)
	})
	npe := &Exception{Class: "java/lang/NullPointerException"}
	if _, err := l.Invoke(nil, "apply", applyDesc, "x"); !errors.Is(err, npe) {
		t.Errorf("null receiver = %v", err)
	}
	nsm := &Exception{Class: "java/lang/NoSuchMethodError"}
	if _, err := l.Invoke(obj, "apply", "(I)I", 1); !errors.Is(err, nsm) {
		t.Errorf("unknown method = %v", err)
	}
	if _, err := l.Invoke(obj, "apply", applyDesc, 1); err == nil {
		t.Error("int passed as Object")
	}
	if _, err := l.NewInstance("gen/Nowhere", "()V"); !errors.Is(err, &Exception{Class: "java/lang/NoClassDefFoundError"}) {
		t.Errorf("unknown class = %v", err)
	}
	if v, err := l.Invoke(obj, "hashCode", "()I"); err != nil {
		t.Errorf("inherited hashCode = %v, %v", v, err)
	}
}

func TestInheritedDispatch(t *testing.T) {
	l := New()
	build(t, l, "gen.Base", func(tb *builder.TypeBuilder) error {
		m, _ := tb.AddMethod("name", descriptor.String)
		s, _ := m.Load("base")
		return m.Return(s)
	})
	base := descriptor.Class("gen/Base")
	build(t, l, "gen.Derived", func(tb *builder.TypeBuilder) error {
		m, _ := tb.AddMethod("name", descriptor.String)
		s, _ := m.Load("derived")
		if err := m.Return(s); err != nil {
			return err
		}
		sup, _ := tb.AddMethod("superName", descriptor.String)
		this, _ := sup.This()
		r, err := sup.InvokeSpecial(builder.Method(base, "name", descriptor.String), this)
		if err != nil {
			return err
		}
		return sup.Return(r)
	}, builder.Extends(base))

	d, err := l.NewInstance("gen/Derived", "()V")
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := l.Invoke(d, "name", "()Ljava/lang/String;"); v != "derived" {
		t.Errorf("name = %v", v)
	}
	if v, _ := l.Invoke(d, "superName", "()Ljava/lang/String;"); v != "base" {
		t.Errorf("superName = %v", v)
	}
	dc, _ := l.Class("gen/Derived")
	bc, _ := l.Class("gen/Base")
	if !dc.IsSubclassOf(bc) || bc.IsSubclassOf(dc) {
		t.Error("subclass relation wrong")
	}
}

func TestConcurrentInvocation(t *testing.T) {
	l := New()
	obj := transform(t, l, "gen.Shared", func(m *builder.MethodBuilder, p builder.Handle) error {
		s, err := m.CheckCast(p, descriptor.String)
		if err != nil {
			return err
		}
		prefix, _ := m.Load("id:")
		r, err := m.InvokeVirtual(concat, prefix, s)
		if err != nil {
			return err
		}
		return m.Return(r)
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := string(rune('a' + i))
			v, err := l.Invoke(obj, "apply", applyDesc, in)
			if err != nil || v != "id:"+in {
				t.Errorf("apply(%s) = %v, %v", in, v, err)
			}
		}(i)
	}
	wg.Wait()
}

func TestHostStrings(t *testing.T) {
	l := New()
	for _, tt := range []struct {
		recv Value
		name string
		desc string
		args []Value
		want Value
	}{
		{"héllo", "length", "()I", nil, int32(5)},
		{"\U0001F600", "length", "()I", nil, int32(2)},
		{"abc", "charAt", "(I)C", []Value{1}, int32('b')},
		{"abc", "hashCode", "()I", nil, int32(96354)},
		{"abc", "equals", "(Ljava/lang/Object;)Z", []Value{"abc"}, int32(1)},
	} {
		v, err := l.Invoke(tt.recv, tt.name, tt.desc, tt.args...)
		if err != nil || v != tt.want {
			t.Errorf("%q.%s = %v, %v; want %v", tt.recv, tt.name, v, err, tt.want)
		}
	}
	if _, err := l.InvokeStatic("java/lang/Integer", "parseInt", "(Ljava/lang/String;)I", "x1"); !errors.Is(err, &Exception{Class: "java/lang/NumberFormatException"}) {
		t.Errorf("parseInt(x1) = %v", err)
	}
}
