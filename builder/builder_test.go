package builder

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/chazu/classforge/classfile"
	"github.com/chazu/classforge/descriptor"
)

// captureSink records every class written to it.
type captureSink struct {
	mu      sync.Mutex
	classes map[string][]byte
	writes  int
}

func newCaptureSink() *captureSink {
	return &captureSink{classes: make(map[string][]byte)}
}

func (s *captureSink) Write(typeName string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classes[typeName] = append([]byte(nil), data...)
	s.writes++
	return nil
}

func (s *captureSink) parse(t *testing.T, name string) *classfile.ClassFile {
	t.Helper()
	s.mu.Lock()
	data, ok := s.classes[name]
	s.mu.Unlock()
	if !ok {
		t.Fatalf("%s was not written", name)
	}
	cf, err := classfile.Parse(data)
	if err != nil {
		t.Fatalf("Parse(%s): %v", name, err)
	}
	return cf
}

// opcodes returns the instruction sequence of a method.
func opcodes(t *testing.T, cf *classfile.ClassFile, name, desc string) []classfile.Instruction {
	t.Helper()
	m, ok := cf.FindMethod(name, desc)
	if !ok {
		t.Fatalf("method %s%s not found", name, desc)
	}
	code, ok, err := cf.MethodCode(m)
	if err != nil || !ok {
		t.Fatalf("MethodCode(%s): %v %v", name, ok, err)
	}
	insns, err := classfile.Decode(code.Code)
	if err != nil {
		t.Fatal(err)
	}
	return insns
}

func opNames(insns []classfile.Instruction) string {
	names := make([]string, len(insns))
	for i, in := range insns {
		names[i] = in.Op.Name()
	}
	return strings.Join(names, " ")
}

func mustCreate(t *testing.T, sink Sink, name string, opts ...Option) *TypeBuilder {
	t.Helper()
	tb, err := Create(sink, name, opts...)
	if err != nil {
		t.Fatalf("Create(%s): %v", name, err)
	}
	return tb
}

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

func TestEmptyClassGetsDefaultConstructor(t *testing.T) {
	sink := newCaptureSink()
	tb := mustCreate(t, sink, "com.example.Empty")
	if err := tb.Close(); err != nil {
		t.Fatal(err)
	}

	cf := sink.parse(t, "com/example/Empty")
	if cf.Major != 49 || cf.Minor != 0 {
		t.Errorf("version = %d.%d, want 49.0", cf.Major, cf.Minor)
	}
	if cf.SuperName() != "java/lang/Object" {
		t.Errorf("super = %s", cf.SuperName())
	}
	if !cf.Access.Has(classfile.AccPublic | classfile.AccSuper) {
		t.Errorf("access = %s", cf.Access.ClassString())
	}
	got := opNames(opcodes(t, cf, "<init>", "()V"))
	if got != "aload invokespecial return" {
		t.Errorf("default constructor = %s", got)
	}
}

func TestCreateValidation(t *testing.T) {
	sink := newCaptureSink()
	tests := []struct {
		name string
		typ  string
		opts []Option
	}{
		{"empty name", "", nil},
		{"array name", "Foo[]", nil},
		{"double slash", "a//B", nil},
		{"extends interface", "A", []Option{Extends(descriptor.Interface("java/lang/Runnable"))}},
		{"implements class", "B", []Option{Implements(descriptor.String)}},
		{"duplicate interface", "C", []Option{Implements(descriptor.Interface("java/lang/Runnable"), descriptor.Interface("java/lang/Runnable"))}},
		{"interface with superclass", "D", []Option{WithModifiers(Public | Interface), Extends(descriptor.Class("java/lang/Number"))}},
		{"final interface", "E", []Option{WithModifiers(Interface | Final)}},
		{"static type", "F", []Option{WithModifiers(Public | Static)}},
		{"version too new", "G", []Option{WithVersion(51, 0)}},
		{"version too old", "H", []Option{WithVersion(44, 0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Create(sink, tt.typ, tt.opts...)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("Create error = %v, want ValidationError", err)
			}
		})
	}
	if _, err := Create(nil, "NoSink"); err == nil {
		t.Error("Create with nil sink succeeded")
	}
}

func TestInterfaceType(t *testing.T) {
	sink := newCaptureSink()
	tb := mustCreate(t, sink, "com.example.Shape", WithModifiers(Public|Interface))
	m, err := tb.AddMethod("area", descriptor.Double)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Modifiers().Has(Public | Abstract) {
		t.Errorf("interface method modifiers = %s", m.Modifiers().MethodString())
	}
	if _, err := m.Load(1); err == nil {
		t.Error("abstract method accepted a body")
	}
	if _, err := tb.AddConstructor(); err == nil {
		t.Error("interface accepted a constructor")
	}
	f, err := tb.AddField("UNIT", descriptor.Int)
	if err != nil {
		t.Fatal(err)
	}
	if f.Modifiers() != Public|Static|Final {
		t.Errorf("interface field modifiers = %s", f.Modifiers().FieldString())
	}
	if err := tb.Close(); err != nil {
		t.Fatal(err)
	}

	cf := sink.parse(t, "com/example/Shape")
	if !cf.Access.Has(classfile.AccInterface|classfile.AccAbstract) || cf.Access.Has(classfile.AccSuper) {
		t.Errorf("access = %s", cf.Access.ClassString())
	}
	if _, ok := cf.FindMethod("<init>", "()V"); ok {
		t.Error("interface got a default constructor")
	}
	mem, _ := cf.FindMethod("area", "()D")
	if _, ok, _ := cf.MethodCode(mem); ok {
		t.Error("abstract method has a Code attribute")
	}
}

func TestSourceFileAndAnnotations(t *testing.T) {
	sink := newCaptureSink()
	tb := mustCreate(t, sink, "Tagged", WithSourceFile("Tagged.java"))
	ann := classfile.Annotation{Type: "Lcom/example/Generated;", Elements: []classfile.ElementPair{
		{Name: "by", Value: classfile.StringValue("classforge")},
	}}
	if err := tb.AddAnnotation(ann); err != nil {
		t.Fatal(err)
	}
	if err := tb.AddAnnotation(classfile.Annotation{Type: "Generated"}); err == nil {
		t.Error("malformed annotation accepted")
	}
	f, _ := tb.AddField("x", descriptor.Int)
	if err := f.AddAnnotation(ann); err != nil {
		t.Fatal(err)
	}
	if err := tb.Close(); err != nil {
		t.Fatal(err)
	}

	cf := sink.parse(t, "Tagged")
	attr, ok := cf.Attribute(cf.Attributes, classfile.AttrSourceFile)
	if !ok {
		t.Fatal("no SourceFile attribute")
	}
	if name, _ := cf.Pool.Utf8(uint16(attr.Data[0])<<8 | uint16(attr.Data[1])); name != "Tagged.java" {
		t.Errorf("SourceFile = %q", name)
	}
	attr, ok = cf.Attribute(cf.Attributes, classfile.AttrRuntimeVisibleAnnotations)
	if !ok {
		t.Fatal("no class annotations")
	}
	anns, err := classfile.DecodeAnnotations(cf.Pool, attr.Data)
	if err != nil || len(anns) != 1 || anns[0].Type != ann.Type {
		t.Errorf("annotations = %+v, %v", anns, err)
	}
	field, _ := cf.FindField("x", "I")
	if _, ok := cf.Attribute(field.Attributes, classfile.AttrRuntimeVisibleAnnotations); !ok {
		t.Error("field annotation missing")
	}
}

// ---------------------------------------------------------------------------
// Members
// ---------------------------------------------------------------------------

func TestFieldModifiers(t *testing.T) {
	tb := mustCreate(t, newCaptureSink(), "Fields")
	f, err := tb.AddField("count", descriptor.Int)
	if err != nil {
		t.Fatal(err)
	}
	if f.Modifiers() != Private {
		t.Errorf("default modifiers = %s, want private", f.Modifiers().FieldString())
	}
	if err := f.SetModifiers(Static | Final); err != nil {
		t.Fatal(err)
	}
	if f.Modifiers() != Private|Static|Final {
		t.Errorf("modifiers = %s, want private static final", f.Modifiers().FieldString())
	}
	if !f.FieldRef().Static {
		t.Error("FieldRef of a static field is not static")
	}

	bad := []Modifiers{Public | Private, Final | Volatile, Abstract, Synchronized}
	for _, mods := range bad {
		var ve *ValidationError
		if err := f.SetModifiers(mods); !errors.As(err, &ve) {
			t.Errorf("SetModifiers(%s) = %v, want ValidationError", mods.FieldString(), err)
		}
	}
}

func TestMethodModifiers(t *testing.T) {
	tb := mustCreate(t, newCaptureSink(), "Methods")
	m, _ := tb.AddMethod("run", descriptor.Void)
	if m.Modifiers() != Public {
		t.Errorf("default modifiers = %s, want public", m.Modifiers().MethodString())
	}
	for _, mods := range []Modifiers{Abstract | Static, Abstract | Private, Public | Protected, Volatile} {
		if err := m.SetModifiers(mods); err == nil {
			t.Errorf("SetModifiers(%s) succeeded", mods.MethodString())
		}
	}

	// The static bit freezes once the body starts.
	if _, err := m.This(); err != nil {
		t.Fatal(err)
	}
	if err := m.SetModifiers(Public | Static); err == nil {
		t.Error("static changed after the body started")
	}

	s, _ := tb.AddMethod("util", descriptor.Void)
	if err := s.SetModifiers(Public | Static); err != nil {
		t.Fatal(err)
	}
	if _, err := s.This(); err == nil {
		t.Error("static method returned a this handle")
	}
}

func TestDuplicateMembers(t *testing.T) {
	tb := mustCreate(t, newCaptureSink(), "Dupes")
	if _, err := tb.AddField("a", descriptor.Int); err != nil {
		t.Fatal(err)
	}
	var ve *ValidationError
	if _, err := tb.AddField("a", descriptor.Int); !errors.As(err, &ve) {
		t.Errorf("duplicate field error = %v", err)
	}
	// Same name, different type is a different field.
	if _, err := tb.AddField("a", descriptor.Long); err != nil {
		t.Errorf("overloaded field rejected: %v", err)
	}

	if _, err := tb.AddMethod("f", descriptor.Int, descriptor.Int); err != nil {
		t.Fatal(err)
	}
	if _, err := tb.AddMethod("f", descriptor.Int, descriptor.Int); !errors.As(err, &ve) {
		t.Errorf("duplicate method error = %v", err)
	}
	if _, err := tb.AddMethod("f", descriptor.Int, descriptor.Long); err != nil {
		t.Errorf("overload rejected: %v", err)
	}
	if _, err := tb.AddConstructor(); err != nil {
		t.Fatal(err)
	}
	if _, err := tb.AddConstructor(); !errors.As(err, &ve) {
		t.Errorf("duplicate constructor error = %v", err)
	}
}

func TestMemberValidation(t *testing.T) {
	tb := mustCreate(t, newCaptureSink(), "Checks")
	if _, err := tb.AddField("v", descriptor.Void); err == nil {
		t.Error("void field accepted")
	}
	if _, err := tb.AddField("a.b", descriptor.Int); err == nil {
		t.Error("dotted field name accepted")
	}
	if _, err := tb.AddMethod("<init>", descriptor.Void); err == nil {
		t.Error("AddMethod accepted <init>")
	}
	if _, err := tb.AddMethod("f", descriptor.Int, descriptor.Void); err == nil {
		t.Error("void parameter accepted")
	}
	many := make([]descriptor.Type, 128)
	for i := range many {
		many[i] = descriptor.Long
	}
	if _, err := tb.AddMethod("wide", descriptor.Void, many...); err == nil {
		t.Error("256 parameter slots accepted")
	}
}

// ---------------------------------------------------------------------------
// Code
// ---------------------------------------------------------------------------

func TestUnreachableCode(t *testing.T) {
	tb := mustCreate(t, newCaptureSink(), "Unreachable")
	m, _ := tb.AddMethod("f", descriptor.Void)
	if err := m.ReturnVoid(); err != nil {
		t.Fatal(err)
	}
	_, err := m.Load(1)
	var ue *UnreachableCodeError
	if !errors.As(err, &ue) {
		t.Fatalf("Load after return = %v, want UnreachableCodeError", err)
	}
	if ue.After != "return" {
		t.Errorf("After = %q, want return", ue.After)
	}
	if !m.Terminated() {
		t.Error("Terminated = false after return")
	}

	g, _ := tb.AddMethod("g", descriptor.Void)
	if err := g.ThrowException(descriptor.Class("java/lang/IllegalStateException"), "x"); err != nil {
		t.Fatal(err)
	}
	if err := g.ReturnVoid(); !errors.As(err, &ue) || ue.After != "athrow" {
		t.Errorf("return after throw = %v", err)
	}
}

func TestTypeMismatch(t *testing.T) {
	tb := mustCreate(t, newCaptureSink(), "Mismatch")
	m, _ := tb.AddMethod("f", descriptor.Int, descriptor.String)
	p, _ := m.Param(0)

	var tm *TypeMismatchError
	if err := m.Return(p); !errors.As(err, &tm) {
		t.Errorf("Return(String) from int method = %v, want TypeMismatchError", err)
	} else if tm.Want != "int" || tm.Got != "java.lang.String" {
		t.Errorf("mismatch = %+v", tm)
	}
	if err := m.ReturnVoid(); !errors.As(err, &tm) {
		t.Errorf("ReturnVoid from int method = %v", err)
	}

	// A void call yields a handle that carries no value.
	run, _ := m.InvokeStatic(Method(descriptor.Class("java/lang/System"), "gc", descriptor.Void))
	if run.Storage() != StorageVoid {
		t.Errorf("void invoke storage = %s", run.Storage())
	}
	if err := m.Return(run); !errors.As(err, &tm) {
		t.Errorf("Return(void) = %v, want TypeMismatchError", err)
	}

	hash := Method(descriptor.Object, "hashCode", descriptor.Int)
	n, _ := m.Load(3)
	if _, err := m.InvokeVirtual(hash, n); !errors.As(err, &tm) {
		t.Errorf("primitive receiver = %v, want TypeMismatchError", err)
	}
	concat := Method(descriptor.String, "concat", descriptor.String, descriptor.String)
	if _, err := m.InvokeVirtual(concat, p, n); !errors.As(err, &tm) {
		t.Errorf("int argument for String = %v, want TypeMismatchError", err)
	}
	if _, err := m.InvokeVirtual(concat, p); !errors.As(err, &tm) {
		t.Errorf("missing argument = %v, want TypeMismatchError", err)
	}
	long, _ := m.Load(int64(3))
	if _, err := m.IfIntCompare(CmpEQ, n, long); !errors.As(err, &tm) {
		t.Errorf("long in int compare = %v, want TypeMismatchError", err)
	}
}

func TestHandleFromOtherMethod(t *testing.T) {
	tb := mustCreate(t, newCaptureSink(), "Owner")
	a, _ := tb.AddMethod("a", descriptor.Int, descriptor.Int)
	b, _ := tb.AddMethod("b", descriptor.Int)
	p, _ := a.Param(0)

	var ve *ValidationError
	if err := b.Return(p); !errors.As(err, &ve) {
		t.Errorf("foreign handle = %v, want ValidationError", err)
	}
	if err := b.Return(Handle{}); !errors.As(err, &ve) {
		t.Errorf("zero handle = %v, want ValidationError", err)
	}
}

func TestBranchScopes(t *testing.T) {
	tb := mustCreate(t, newCaptureSink(), "Scopes")
	m, _ := tb.AddMethod("f", descriptor.String, descriptor.Int)
	p, _ := m.Param(0)
	outer, _ := m.Load("outer")

	br, err := m.IfNonZero(p)
	if err != nil {
		t.Fatal(err)
	}
	inner, _ := br.True.Load("inner")
	s, err := br.True.InvokeVirtual(Method(descriptor.String, "trim", descriptor.String), outer)
	if err != nil {
		t.Fatalf("outer value not visible in true branch: %v", err)
	}

	var ve *ValidationError
	if err := br.False.Return(inner); !errors.As(err, &ve) {
		t.Errorf("sibling value = %v, want ValidationError", err)
	}
	if err := br.False.Return(s); !errors.As(err, &ve) {
		t.Errorf("sibling result = %v, want ValidationError", err)
	}
	if _, err := m.Load(1); err == nil {
		t.Error("main sequence accepted code after a branch")
	}
	if err := br.True.Return(inner); err != nil {
		t.Fatal(err)
	}
	if err := br.False.Return(outer); err != nil {
		t.Fatal(err)
	}
	if err := tb.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestUnterminatedBranch(t *testing.T) {
	sink := newCaptureSink()
	tb := mustCreate(t, sink, "Open")
	m, _ := tb.AddMethod("f", descriptor.Void, descriptor.Boolean)
	p, _ := m.Param(0)
	br, _ := m.IfNonZero(p)
	if err := br.True.ReturnVoid(); err != nil {
		t.Fatal(err)
	}
	// False falls off the end.

	err := tb.Close()
	var se *SerializationError
	if !errors.As(err, &se) {
		t.Fatalf("Close = %v, want SerializationError", err)
	}
	if !strings.Contains(se.Error(), "branch sequence") {
		t.Errorf("error = %v", se)
	}
	if sink.writes != 0 {
		t.Error("sink written despite error")
	}
}

func TestValueMethodMustReturn(t *testing.T) {
	tb := mustCreate(t, newCaptureSink(), "NoReturn")
	m, _ := tb.AddMethod("f", descriptor.Int)
	m.Load(1)
	var se *SerializationError
	if err := tb.Close(); !errors.As(err, &se) {
		t.Errorf("Close = %v, want SerializationError", err)
	}
}

func TestImplicitVoidReturn(t *testing.T) {
	sink := newCaptureSink()
	tb := mustCreate(t, sink, "Implicit")
	f, _ := tb.AddField("n", descriptor.Int)
	m, _ := tb.AddMethod("reset", descriptor.Void)
	this, _ := m.This()
	zero, _ := m.Load(0)
	if err := m.WriteField(f.FieldRef(), this, zero); err != nil {
		t.Fatal(err)
	}
	if err := tb.Close(); err != nil {
		t.Fatal(err)
	}
	got := opNames(opcodes(t, sink.parse(t, "Implicit"), "reset", "()V"))
	if got != "aload iconst_0 putfield return" {
		t.Errorf("reset = %s", got)
	}
}

func TestBranchLayout(t *testing.T) {
	sink := newCaptureSink()
	tb := mustCreate(t, sink, "Compare")
	m, _ := tb.AddMethod("less", descriptor.Boolean, descriptor.Int, descriptor.Int)
	if err := m.SetModifiers(Public | Static); err != nil {
		t.Fatal(err)
	}
	a, _ := m.Param(0)
	b, _ := m.Param(1)
	br, err := m.IfIntCompare(CmpLT, a, b)
	if err != nil {
		t.Fatal(err)
	}
	yes, _ := br.True.Load(true)
	no, _ := br.False.Load(false)
	if err := br.True.Return(yes); err != nil {
		t.Fatal(err)
	}
	if err := br.False.Return(no); err != nil {
		t.Fatal(err)
	}
	if err := tb.Close(); err != nil {
		t.Fatal(err)
	}

	insns := opcodes(t, sink.parse(t, "Compare"), "less", "(II)Z")
	if got := opNames(insns); got != "iload iload if_icmpge iconst_1 ireturn iconst_0 ireturn" {
		t.Fatalf("less = %s", got)
	}
	if insns[2].Target != insns[5].Offset {
		t.Errorf("branch target %d, want %d", insns[2].Target, insns[5].Offset)
	}
	if insns[0].Operand != 0 || insns[1].Operand != 1 {
		t.Errorf("parameter slots = %d, %d; want 0, 1", insns[0].Operand, insns[1].Operand)
	}
}

func TestConstantEncodings(t *testing.T) {
	sink := newCaptureSink()
	tb := mustCreate(t, sink, "Constants")
	self := tb.Type()
	values := []struct {
		v    any
		t    descriptor.Type
		want string
	}{
		{3, descriptor.Int, "iconst_3"},
		{int32(-1), descriptor.Int, "iconst_m1"},
		{100, descriptor.Int, "bipush"},
		{int16(-300), descriptor.Short, "sipush"},
		{40000, descriptor.Int, "ldc"},
		{true, descriptor.Boolean, "iconst_1"},
		{Char('A'), descriptor.Char, "bipush"},
		{int64(1), descriptor.Long, "lconst_1"},
		{int64(7), descriptor.Long, "ldc2_w"},
		{float32(2), descriptor.Float, "fconst_2"},
		{float32(0.5), descriptor.Float, "ldc"},
		{0.0, descriptor.Double, "dconst_0"},
		{2.5, descriptor.Double, "ldc2_w"},
		{"hi", descriptor.String, "ldc"},
		{nil, descriptor.String, "aconst_null"},
		{descriptor.Int, descriptor.ClassT, "getstatic"},
		{descriptor.String, descriptor.ClassT, "ldc"},
	}
	clinit, _ := tb.AddStaticInitializer()
	var want []string
	for i, v := range values {
		name := fmt.Sprintf("f%d", i)
		f, err := tb.AddField(name, v.t)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.SetModifiers(Static); err != nil {
			t.Fatal(err)
		}
		h, err := clinit.Load(v.v)
		if err != nil {
			t.Fatalf("Load(%v): %v", v.v, err)
		}
		if h.Storage() != StorageConst {
			t.Errorf("Load(%v) storage = %s", v.v, h.Storage())
		}
		if err := clinit.WriteStaticField(StaticField(self, name, v.t), h); err != nil {
			t.Fatalf("store %v: %v", v.v, err)
		}
		want = append(want, v.want, "putstatic")
	}
	want = append(want, "return")
	if err := tb.Close(); err != nil {
		t.Fatal(err)
	}

	got := opNames(opcodes(t, sink.parse(t, "Constants"), "<clinit>", "()V"))
	if got != strings.Join(want, " ") {
		t.Errorf("<clinit> =\n%s\nwant\n%s", got, strings.Join(want, " "))
	}
}

func TestLoadRejects(t *testing.T) {
	tb := mustCreate(t, newCaptureSink(), "BadLiterals")
	m, _ := tb.AddMethod("f", descriptor.Void)
	for _, v := range []any{1 << 40, uint8(1), struct{}{}, Char(0x1F600)} {
		if _, err := m.Load(v); err == nil {
			t.Errorf("Load(%T %v) succeeded", v, v)
		}
	}
}

func TestConstantsRepushedAtEachUse(t *testing.T) {
	sink := newCaptureSink()
	tb := mustCreate(t, sink, "Repush")
	m, _ := tb.AddMethod("twice", descriptor.String)
	s, _ := m.Load("MESSAGE")
	r, err := m.InvokeVirtual(Method(descriptor.String, "concat", descriptor.String, descriptor.String), s, s)
	if err != nil {
		t.Fatal(err)
	}
	if r.Storage() != StorageSlot || r.Slot() != 1 {
		t.Errorf("result = %s, want slot 1", r)
	}
	if err := m.Return(r); err != nil {
		t.Fatal(err)
	}
	if err := tb.Close(); err != nil {
		t.Fatal(err)
	}

	cf := sink.parse(t, "Repush")
	insns := opcodes(t, cf, "twice", "()Ljava/lang/String;")
	if got := opNames(insns); got != "ldc ldc invokevirtual astore aload areturn" {
		t.Fatalf("twice = %s", got)
	}
	if insns[0].Operand != insns[1].Operand {
		t.Error("same literal loaded from two pool entries")
	}
}

func TestInterfaceDispatch(t *testing.T) {
	sink := newCaptureSink()
	tb := mustCreate(t, sink, "Caller")
	supplier := descriptor.Class("java/util/function/Supplier") // not flagged; the registry knows it
	m, _ := tb.AddMethod("call", descriptor.Object, supplier)
	p, _ := m.Param(0)
	v, err := m.InvokeVirtual(Method(supplier, "get", descriptor.Object), p)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Return(v); err != nil {
		t.Fatal(err)
	}
	if err := tb.Close(); err != nil {
		t.Fatal(err)
	}

	cf := sink.parse(t, "Caller")
	insns := opcodes(t, cf, "call", "(Ljava/util/function/Supplier;)Ljava/lang/Object;")
	if insns[1].Op != classfile.OpInvokeinterface || insns[1].ArgCount != 1 {
		t.Fatalf("call = %s", opNames(insns))
	}
	if c, _ := cf.Pool.Get(uint16(insns[1].Operand)); c.Tag != classfile.TagInterfaceMethodref {
		t.Errorf("invokeinterface references %s", c.Tag)
	}
}

func TestNewInstanceAndArrays(t *testing.T) {
	sink := newCaptureSink()
	tb := mustCreate(t, sink, "Arrays")
	m, _ := tb.AddMethod("make", descriptor.ArrayOf(descriptor.Object, 1))
	n, _ := m.Load(2)
	arr, err := m.NewArray(descriptor.Object, n)
	if err != nil {
		t.Fatal(err)
	}
	obj, err := m.NewInstance(Constructor(descriptor.Object))
	if err != nil {
		t.Fatal(err)
	}
	i, _ := m.Load(0)
	if err := m.WriteArrayValue(arr, i, obj); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ReadArrayValue(obj, i); err == nil {
		t.Error("ReadArrayValue on a non-array succeeded")
	}
	ints, _ := m.NewArray(descriptor.Int, n)
	if err := m.WriteArrayValue(ints, i, obj); err == nil {
		t.Error("Object stored into int[]")
	}
	if _, err := m.NewInstance(Constructor(descriptor.Interface("java/lang/Runnable"))); err == nil {
		t.Error("interface instantiated")
	}
	if err := m.Return(arr); err != nil {
		t.Fatal(err)
	}
	if err := tb.Close(); err != nil {
		t.Fatal(err)
	}

	got := opNames(opcodes(t, sink.parse(t, "Arrays"), "make", "()[Ljava/lang/Object;"))
	want := "iconst_2 anewarray astore new dup invokespecial astore " +
		"aload iconst_0 aload aastore iconst_2 newarray astore aload areturn"
	if got != want {
		t.Errorf("make =\n%s\nwant\n%s", got, want)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestCloseOnce(t *testing.T) {
	sink := newCaptureSink()
	tb := mustCreate(t, sink, "Once")
	m, _ := tb.AddMethod("f", descriptor.Void)
	if err := tb.Close(); err != nil {
		t.Fatal(err)
	}
	if err := tb.Close(); err != nil {
		t.Fatalf("second Close = %v", err)
	}
	if sink.writes != 1 {
		t.Errorf("sink written %d times, want 1", sink.writes)
	}

	if _, err := tb.AddField("late", descriptor.Int); !errors.Is(err, ErrClosed) {
		t.Errorf("AddField after Close = %v, want ErrClosed", err)
	}
	if _, err := m.Load(1); !errors.Is(err, ErrClosed) {
		t.Errorf("Load after Close = %v, want ErrClosed", err)
	}
}

func TestCloseCachesError(t *testing.T) {
	failing := SinkFunc(func(string, []byte) error { return errors.New("disk full") })
	tb := mustCreate(t, failing, "Fails")
	first := tb.Close()
	if first == nil || !strings.Contains(first.Error(), "disk full") {
		t.Fatalf("Close = %v", first)
	}
	if second := tb.Close(); second != first {
		t.Errorf("second Close = %v, want cached %v", second, first)
	}
}

func TestDiscard(t *testing.T) {
	sink := newCaptureSink()
	tb := mustCreate(t, sink, "Dropped")
	m, _ := tb.AddMethod("f", descriptor.Void)
	tb.Discard()
	if err := tb.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("Close after Discard = %v, want ErrClosed", err)
	}
	if err := m.ReturnVoid(); !errors.Is(err, ErrClosed) {
		t.Errorf("ReturnVoid after Discard = %v", err)
	}
	if sink.writes != 0 {
		t.Error("discarded type written")
	}
}

func TestBuildDiscardsOnError(t *testing.T) {
	sink := newCaptureSink()
	boom := errors.New("boom")
	err := Build(sink, "Aborted", func(tb *TypeBuilder) error {
		tb.AddField("x", descriptor.Int)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Build = %v, want boom", err)
	}

	func() {
		defer func() {
			if r := recover(); r != "panic in body" {
				t.Errorf("recovered %v", r)
			}
		}()
		Build(sink, "Panicked", func(*TypeBuilder) error { panic("panic in body") })
	}()
	if sink.writes != 0 {
		t.Errorf("sink written %d times", sink.writes)
	}

	if err := Build(sink, "Fine", func(*TypeBuilder) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if sink.writes != 1 {
		t.Errorf("successful Build wrote %d times", sink.writes)
	}
}

// buildCounter assembles a small class exercising fields, calls, and
// branches.
func buildCounter(sink Sink, name string) error {
	return Build(sink, name, func(tb *TypeBuilder) error {
		f, err := tb.AddField("count", descriptor.Int)
		if err != nil {
			return err
		}
		m, err := tb.AddMethod("label", descriptor.String, descriptor.Int)
		if err != nil {
			return err
		}
		this, _ := m.This()
		p, _ := m.Param(0)
		if err := m.WriteField(f.FieldRef(), this, p); err != nil {
			return err
		}
		limit, _ := m.Load(10)
		br, err := m.IfIntCompare(CmpGT, p, limit)
		if err != nil {
			return err
		}
		big, _ := br.True.Load("big")
		if err := br.True.Return(big); err != nil {
			return err
		}
		small, _ := br.False.Load("small")
		return br.False.Return(small)
	})
}

func TestDeterministicOutput(t *testing.T) {
	a, b := newCaptureSink(), newCaptureSink()
	if err := buildCounter(a, "Counter"); err != nil {
		t.Fatal(err)
	}
	if err := buildCounter(b, "Counter"); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.classes["Counter"], b.classes["Counter"]) {
		t.Error("identical builds produced different bytes")
	}
}

func TestConcurrentBuilders(t *testing.T) {
	sink := newCaptureSink()
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- buildCounter(sink, fmt.Sprintf("gen/Counter%d", i))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
	if len(sink.classes) != 16 {
		t.Errorf("wrote %d classes, want 16", len(sink.classes))
	}
	for name := range sink.classes {
		if cf := sink.parse(t, name); cf.Name() != name {
			t.Errorf("%s holds %s", name, cf.Name())
		}
	}
}

func TestResolveAndDeclare(t *testing.T) {
	tb := mustCreate(t, newCaptureSink(), "com.example.Self")
	if got, err := tb.Resolve("com.example.Self[]"); err != nil || got.Descriptor() != "[Lcom/example/Self;" {
		t.Errorf("Resolve(self[]) = %v, %v", got, err)
	}
	var ute *UnresolvedTypeError
	if _, err := tb.Resolve("com.example.Sibling"); !errors.As(err, &ute) {
		t.Errorf("Resolve(unknown) = %v, want UnresolvedTypeError", err)
	}
	tb.Declare("com.example.Sibling", false)
	if _, err := tb.Resolve("com.example.Sibling"); err != nil {
		t.Errorf("declared sibling: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Type checks
// ---------------------------------------------------------------------------

func TestMalformedTypesRejected(t *testing.T) {
	owner := descriptor.Class("com/example/Owner")
	tests := []struct {
		name string
		fn   func(tb *TypeBuilder, m *MethodBuilder) error
	}{
		{"field type", func(tb *TypeBuilder, _ *MethodBuilder) error {
			_, err := tb.AddField("f", descriptor.Class("bad;name"))
			return err
		}},
		{"zero array field", func(tb *TypeBuilder, _ *MethodBuilder) error {
			_, err := tb.AddField("f", descriptor.ArrayType{})
			return err
		}},
		{"array of arrays", func(tb *TypeBuilder, _ *MethodBuilder) error {
			_, err := tb.AddField("f", descriptor.ArrayType{Elem: descriptor.ArrayOf(descriptor.Int, 1), Dims: 1})
			return err
		}},
		{"return type", func(tb *TypeBuilder, _ *MethodBuilder) error {
			_, err := tb.AddMethod("g", descriptor.Class(""))
			return err
		}},
		{"parameter type", func(tb *TypeBuilder, _ *MethodBuilder) error {
			_, err := tb.AddMethod("g", descriptor.Void, descriptor.Class(""))
			return err
		}},
		{"constructor parameter", func(tb *TypeBuilder, _ *MethodBuilder) error {
			_, err := tb.AddConstructor(descriptor.ArrayOf(descriptor.Class("a b"), 1))
			return err
		}},
		{"new array", func(_ *TypeBuilder, m *MethodBuilder) error {
			one, _ := m.Load(1)
			_, err := m.NewArray(descriptor.Class("x;y"), one)
			return err
		}},
		{"invoke owner", func(_ *TypeBuilder, m *MethodBuilder) error {
			_, err := m.InvokeStatic(Method(descriptor.Class("no//where"), "f", descriptor.Void))
			return err
		}},
		{"invoke parameter", func(_ *TypeBuilder, m *MethodBuilder) error {
			_, err := m.InvokeStatic(Method(owner, "f", descriptor.Void, descriptor.Class("[x")))
			return err
		}},
		{"invoke return", func(_ *TypeBuilder, m *MethodBuilder) error {
			_, err := m.InvokeStatic(Method(owner, "f", descriptor.Class("x<y>")))
			return err
		}},
		{"new instance", func(_ *TypeBuilder, m *MethodBuilder) error {
			_, err := m.NewInstance(Constructor(descriptor.Class("a;b")))
			return err
		}},
		{"field owner", func(_ *TypeBuilder, m *MethodBuilder) error {
			_, err := m.ReadStaticField(StaticField(descriptor.Class("a//b"), "x", descriptor.Int))
			return err
		}},
		{"field type ref", func(_ *TypeBuilder, m *MethodBuilder) error {
			v, _ := m.LoadNull()
			return m.WriteStaticField(StaticField(owner, "x", descriptor.Class("p<q>")), v)
		}},
		{"checkcast", func(_ *TypeBuilder, m *MethodBuilder) error {
			this, _ := m.This()
			_, err := m.CheckCast(this, descriptor.Class("x;"))
			return err
		}},
		{"instanceof", func(_ *TypeBuilder, m *MethodBuilder) error {
			this, _ := m.This()
			_, err := m.InstanceOf(this, descriptor.ArrayType{Dims: 1})
			return err
		}},
		{"throw", func(_ *TypeBuilder, m *MethodBuilder) error {
			return m.ThrowException(descriptor.Class(""), "message")
		}},
		{"class literal", func(_ *TypeBuilder, m *MethodBuilder) error {
			_, err := m.LoadClass(descriptor.Class("a b"))
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := newCaptureSink()
			tb := mustCreate(t, sink, "Checked")
			m, err := tb.AddMethod("run", descriptor.Void)
			if err != nil {
				t.Fatal(err)
			}
			err = tt.fn(tb, m)
			var ute *UnresolvedTypeError
			if !errors.As(err, &ute) {
				t.Fatalf("error = %v, want UnresolvedTypeError", err)
			}
			if err := tb.Close(); err != nil {
				t.Fatalf("Close after rejected call: %v", err)
			}
			cf := sink.parse(t, "Checked")
			if len(cf.Fields) != 0 || len(cf.Methods) != 2 {
				t.Errorf("rejected member reached the class: %d fields, %d methods", len(cf.Fields), len(cf.Methods))
			}
			if got := opNames(opcodes(t, cf, "run", "()V")); got != "return" {
				t.Errorf("run = %q, want return", got)
			}
		})
	}
}

func TestMalformedSupertypesRejected(t *testing.T) {
	for name, opt := range map[string]Option{
		"extends":    Extends(descriptor.Class("bad;")),
		"extends ''": Extends(descriptor.Class("")),
		"implements": Implements(descriptor.Interface("a//b")),
	} {
		sink := newCaptureSink()
		_, err := Create(sink, "Sub", opt)
		var ute *UnresolvedTypeError
		if !errors.As(err, &ute) {
			t.Errorf("%s: Create error = %v, want UnresolvedTypeError", name, err)
		}
		if sink.writes != 0 {
			t.Errorf("%s: sink written", name)
		}
	}
}

func TestRequireKnownTypes(t *testing.T) {
	// Without the option, well-formed unknown names pass through.
	loose := mustCreate(t, newCaptureSink(), "Loose")
	if _, err := loose.AddField("f", descriptor.Class("com/example/Unknown")); err != nil {
		t.Errorf("unknown class rejected without RequireKnownTypes: %v", err)
	}

	reg := descriptor.NewRegistry()
	reg.Declare("com.example.Base", false)
	tb := mustCreate(t, newCaptureSink(), "app.Strict", RequireKnownTypes(), WithRegistry(reg),
		Extends(descriptor.Class("com/example/Base")))

	var ute *UnresolvedTypeError
	if _, err := tb.AddField("a", descriptor.Class("com/example/Unknown")); !errors.As(err, &ute) {
		t.Errorf("unknown field type = %v, want UnresolvedTypeError", err)
	}
	if _, err := tb.AddField("b", descriptor.ArrayOf(descriptor.Class("com/example/Unknown"), 2)); !errors.As(err, &ute) {
		t.Errorf("unknown array element = %v, want UnresolvedTypeError", err)
	}
	tb.Declare("com.example.Known", false)
	for i, typ := range []descriptor.Type{
		descriptor.Class("com/example/Known"),
		descriptor.String,
		tb.Type(),
		descriptor.ArrayOf(descriptor.Long, 3),
	} {
		if _, err := tb.AddField(fmt.Sprintf("ok%d", i), typ); err != nil {
			t.Errorf("AddField(%s) = %v", typ, err)
		}
	}

	_, err := Create(newCaptureSink(), "app.Other", RequireKnownTypes(),
		Extends(descriptor.Class("com/example/Base")))
	if !errors.As(err, &ute) {
		t.Errorf("unregistered superclass = %v, want UnresolvedTypeError", err)
	}
}

// ---------------------------------------------------------------------------
// Frame sizes
// ---------------------------------------------------------------------------

func TestMaxStackAndLocals(t *testing.T) {
	sink := newCaptureSink()
	tb := mustCreate(t, sink, "Frames")

	m, _ := tb.AddMethod("store", descriptor.Long, descriptor.Long, descriptor.Int)
	v, _ := m.Param(0)
	i, _ := m.Param(1)
	if v.Slot() != 1 || i.Slot() != 3 {
		t.Errorf("parameter slots = %d, %d; want 1, 3", v.Slot(), i.Slot())
	}
	arr, err := m.NewArray(descriptor.Long, i)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.WriteArrayValue(arr, i, v); err != nil {
		t.Fatal(err)
	}
	r, err := m.ReadArrayValue(arr, i)
	if err != nil {
		t.Fatal(err)
	}
	if arr.Slot() != 4 || r.Slot() != 5 {
		t.Errorf("result slots = %d, %d; want 4, 5", arr.Slot(), r.Slot())
	}
	if err := m.Return(r); err != nil {
		t.Fatal(err)
	}

	f, _ := tb.AddMethod("fail", descriptor.Void)
	if err := f.ThrowException(descriptor.Class("java/lang/IllegalStateException"), "no"); err != nil {
		t.Fatal(err)
	}

	s, _ := tb.AddMethod("pair", descriptor.Double, descriptor.Double)
	if err := s.SetModifiers(Public | Static); err != nil {
		t.Fatal(err)
	}
	d, _ := s.Param(0)
	if err := s.Return(d); err != nil {
		t.Fatal(err)
	}

	if err := tb.Close(); err != nil {
		t.Fatal(err)
	}
	cf := sink.parse(t, "Frames")
	tests := []struct {
		name, desc    string
		stack, locals uint16
	}{
		{"store", "(JI)J", 4, 7},
		{"fail", "()V", 3, 1},
		{"pair", "(D)D", 2, 2},
		{"<init>", "()V", 1, 1},
	}
	for _, tt := range tests {
		mem, ok := cf.FindMethod(tt.name, tt.desc)
		if !ok {
			t.Fatalf("%s%s missing", tt.name, tt.desc)
		}
		code, _, err := cf.MethodCode(mem)
		if err != nil {
			t.Fatal(err)
		}
		if code.MaxStack != tt.stack || code.MaxLocals != tt.locals {
			t.Errorf("%s: stack=%d locals=%d, want stack=%d locals=%d",
				tt.name, code.MaxStack, code.MaxLocals, tt.stack, tt.locals)
		}
	}
}
