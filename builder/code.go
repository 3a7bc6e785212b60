package builder

import (
	"fmt"
	"math"

	"github.com/chazu/classforge/classfile"
	"github.com/chazu/classforge/descriptor"
)

// ---------------------------------------------------------------------------
// Instruction arena
// ---------------------------------------------------------------------------

type opKind int

const (
	opInvoke opKind = iota
	opNew
	opGetField
	opPutField
	opGetStatic
	opPutStatic
	opNewArray
	opArrayLength
	opArrayLoad
	opArrayStore
	opCheckCast
	opInstanceOf
	opThrowNew
	opThrow
	opReturn
	opBranch
)

// insn is one node of a method's instruction arena. Operands and results
// are handle ids into the same method's handle table.
type insn struct {
	op     opKind
	result int
	args   []int

	method MethodRef
	kind   InvokeKind
	field  FieldRef
	typ    descriptor.Type // new, newarray element, checkcast/instanceof target, exception
	msg    string
	cmp    classfile.Opcode // branch condition taken by the true sequence
	branch *BranchResult
}

// sequence is an ordered list of arena indices. Sub-sequences created by
// a branch point at the sequence that contains the branch.
type sequence struct {
	parent     *sequence
	insns      []int
	terminated bool
	last       string
}

// encloses reports whether values produced in s are visible from inner.
func (s *sequence) encloses(inner *sequence) bool {
	for q := inner; q != nil; q = q.parent {
		if q == s {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Code: appending instructions to one sequence
// ---------------------------------------------------------------------------

// Code appends instructions to one sequence of a method. Each operation
// validates its operands and returns a Handle for its result.
type Code struct {
	m   *MethodBuilder
	seq *sequence
}

// Terminated reports whether the sequence already ends in a terminal
// instruction.
func (c *Code) Terminated() bool {
	return c.seq.terminated
}

func (c *Code) begin(op string) error {
	m := c.m
	if err := m.owner.checkOpen(m.name); err != nil {
		return err
	}
	if !m.hasBody() {
		return m.invalid("abstract method cannot have a body")
	}
	if c.seq.terminated {
		return &UnreachableCodeError{Method: m.String(), Op: op, After: c.seq.last}
	}
	m.layout()
	return nil
}

// operand checks that h belongs to this method, is visible from this
// sequence, and carries a value.
func (c *Code) operand(op, what string, h Handle) (*handleInfo, error) {
	m := c.m
	if h.m == nil || h.id == 0 {
		return nil, m.invalid(fmt.Sprintf("%s: %s is not a valid handle", op, what))
	}
	if h.m != m {
		return nil, m.invalid(fmt.Sprintf("%s: %s belongs to method %s", op, what, h.m))
	}
	info := &m.handles[h.id]
	if info.scope != nil && !info.scope.encloses(c.seq) {
		return nil, m.invalid(fmt.Sprintf("%s: %s was produced in a sequence that does not enclose this one", op, what))
	}
	if info.storage == StorageVoid {
		return nil, c.mismatch(op, what, "", "void value")
	}
	return info, nil
}

func (c *Code) mismatch(op, what, want, got string) error {
	return &TypeMismatchError{Method: c.m.String(), Op: op, Operand: what, Want: want, Got: got}
}

// expect checks that the value behind info can be stored where a want is
// expected.
func (c *Code) expect(op, what string, want descriptor.Type, info *handleInfo) error {
	if !c.assignable(want, info) {
		return c.mismatch(op, what, want.String(), info.typ.String())
	}
	return nil
}

func (c *Code) append(in insn, terminal string) Handle {
	m := c.m
	m.insns = append(m.insns, in)
	c.seq.insns = append(c.seq.insns, len(m.insns)-1)
	if terminal != "" {
		c.seq.terminated = true
		c.seq.last = terminal
	}
	if in.result == 0 {
		return Handle{}
	}
	return Handle{id: in.result, m: m}
}

// result allocates the result handle of an instruction producing t; void
// results get a void handle so callers may still hold them.
func (c *Code) result(t descriptor.Type) int {
	if t == descriptor.Void {
		return c.m.addHandle(handleInfo{typ: t, storage: StorageVoid, scope: c.seq})
	}
	return c.m.claimSlot(t, c.seq)
}

// ---------------------------------------------------------------------------
// Assignability
// ---------------------------------------------------------------------------

// assignable is a conservative static check: it rejects only what is
// certainly wrong. Class-to-class relations are left to the loader.
func (c *Code) assignable(want descriptor.Type, info *handleInfo) bool {
	got := info.typ
	if descriptor.IsPrimitive(want) || descriptor.IsPrimitive(got) {
		if !descriptor.IsPrimitive(want) || !descriptor.IsPrimitive(got) {
			return false
		}
		return descriptor.Equal(descriptor.StackCategory(want), descriptor.StackCategory(got))
	}
	if isNull(info) {
		return true
	}
	return refAssignable(want, got)
}

func refAssignable(want, got descriptor.Type) bool {
	wa, wantArray := want.(descriptor.ArrayType)
	ga, gotArray := got.(descriptor.ArrayType)
	switch {
	case wantArray && gotArray:
		we, ge := wa.Component(), ga.Component()
		if descriptor.IsPrimitive(we) || descriptor.IsPrimitive(ge) {
			return descriptor.Equal(we, ge)
		}
		return refAssignable(we, ge)
	case wantArray:
		// only Object-typed values may hold an array
		return descriptor.Equal(got, descriptor.Object)
	case gotArray:
		switch want.(descriptor.ClassType).Name {
		case "java/lang/Object", "java/lang/Cloneable", "java/io/Serializable":
			return true
		}
		return false
	}
	return true
}

func isNull(info *handleInfo) bool {
	return info.storage == StorageConst && info.konst.kind == constNull
}

// ---------------------------------------------------------------------------
// Literals and locals
// ---------------------------------------------------------------------------

// Load produces a constant handle. Supported values are nil, bool, int8,
// int16, CharConst, int32, int (within int32), int64, float32, float64,
// string, and a descriptor.Type for a class literal. Constants occupy no
// slot; they are pushed wherever they are used.
func (c *Code) Load(v any) (Handle, error) {
	if err := c.begin("load"); err != nil {
		return Handle{}, err
	}
	var info handleInfo
	switch x := v.(type) {
	case nil:
		info = handleInfo{typ: descriptor.Object, konst: constant{kind: constNull}}
	case bool:
		info = handleInfo{typ: descriptor.Boolean, konst: constant{kind: constInt}}
		if x {
			info.konst.i = 1
		}
	case int8:
		info = handleInfo{typ: descriptor.Byte, konst: constant{kind: constInt, i: int64(x)}}
	case int16:
		info = handleInfo{typ: descriptor.Short, konst: constant{kind: constInt, i: int64(x)}}
	case CharConst:
		if x < 0 || x > math.MaxUint16 {
			return Handle{}, c.m.invalid(fmt.Sprintf("char literal %U outside the basic multilingual plane", rune(x)))
		}
		info = handleInfo{typ: descriptor.Char, konst: constant{kind: constInt, i: int64(x)}}
	case int32:
		info = handleInfo{typ: descriptor.Int, konst: constant{kind: constInt, i: int64(x)}}
	case int:
		if x < math.MinInt32 || x > math.MaxInt32 {
			return Handle{}, c.m.invalid(fmt.Sprintf("int literal %d overflows 32 bits; use int64", x))
		}
		info = handleInfo{typ: descriptor.Int, konst: constant{kind: constInt, i: int64(x)}}
	case int64:
		info = handleInfo{typ: descriptor.Long, konst: constant{kind: constLong, i: x}}
	case float32:
		info = handleInfo{typ: descriptor.Float, konst: constant{kind: constFloat, f: float64(x)}}
	case float64:
		info = handleInfo{typ: descriptor.Double, konst: constant{kind: constDouble, f: x}}
	case string:
		if len(classfile.EncodeModifiedUTF8(x)) > math.MaxUint16 {
			return Handle{}, c.m.invalid("string literal longer than 65535 encoded bytes")
		}
		info = handleInfo{typ: descriptor.String, konst: constant{kind: constString, s: x}}
	case descriptor.Type:
		return c.loadClass(x)
	default:
		return Handle{}, c.m.invalid(fmt.Sprintf("unsupported literal of type %T", v))
	}
	info.storage = StorageConst
	info.scope = c.seq
	return Handle{id: c.m.addHandle(info), m: c.m}, nil
}

// LoadNull produces the null reference.
func (c *Code) LoadNull() (Handle, error) {
	return c.Load(nil)
}

// LoadClass produces the java.lang.Class object for t. Primitive types
// load the wrapper's TYPE field.
func (c *Code) LoadClass(t descriptor.Type) (Handle, error) {
	if err := c.begin("ldc class"); err != nil {
		return Handle{}, err
	}
	return c.loadClass(t)
}

func (c *Code) loadClass(t descriptor.Type) (Handle, error) {
	if t == nil {
		return Handle{}, c.m.invalid("class literal of nil type")
	}
	if err := c.checkTypes(t); err != nil {
		return Handle{}, err
	}
	info := handleInfo{
		typ:     descriptor.ClassT,
		storage: StorageConst,
		konst:   constant{kind: constClass, t: t},
		scope:   c.seq,
	}
	return Handle{id: c.m.addHandle(info), m: c.m}, nil
}

// This returns the receiver of an instance method.
func (c *Code) This() (Handle, error) {
	if err := c.m.owner.checkOpen(c.m.name); err != nil {
		return Handle{}, err
	}
	if c.m.mods.Has(Static) {
		return Handle{}, c.m.invalid("static method has no this")
	}
	c.m.layout()
	return Handle{id: c.m.this, m: c.m}, nil
}

// Param returns the i'th declared parameter (from zero).
func (c *Code) Param(i int) (Handle, error) {
	if err := c.m.owner.checkOpen(c.m.name); err != nil {
		return Handle{}, err
	}
	if i < 0 || i >= len(c.m.params) {
		return Handle{}, c.m.invalid(fmt.Sprintf("parameter %d out of range (method has %d)", i, len(c.m.params)))
	}
	c.m.layout()
	return Handle{id: c.m.args[i], m: c.m}, nil
}

// ---------------------------------------------------------------------------
// Invocation
// ---------------------------------------------------------------------------

// Invoke calls ref with the given dispatch. receiver is ignored (and must
// be the zero Handle) for CallStatic. A CallVirtual on an interface owner
// is emitted as invokeinterface.
func (c *Code) Invoke(kind InvokeKind, ref MethodRef, receiver Handle, args ...Handle) (Handle, error) {
	op := kind.String()
	if err := c.begin(op); err != nil {
		return Handle{}, err
	}
	if ref.Owner.Name == "" || ref.Name == "" || ref.Return == nil {
		return Handle{}, c.m.invalid(op + ": incomplete method reference")
	}
	if ref.Name == "<init>" && kind != CallSpecial {
		return Handle{}, c.m.invalid(op + ": constructors are invoked with CallSpecial or NewInstance")
	}
	if err := c.checkRef(ref); err != nil {
		return Handle{}, err
	}

	owner := c.m.owner.classify(ref.Owner)
	ref.Owner = owner
	if kind == CallVirtual && owner.IsInterface {
		kind = CallInterface
	}

	var ids []int
	if kind == CallStatic {
		if receiver.m != nil || receiver.id != 0 {
			return Handle{}, c.m.invalid(op + ": static call takes no receiver")
		}
	} else {
		info, err := c.operand(op, "receiver", receiver)
		if err != nil {
			return Handle{}, err
		}
		if !descriptor.IsReference(info.typ) {
			return Handle{}, c.mismatch(op, "receiver", owner.String(), info.typ.String())
		}
		if isNull(info) {
			return Handle{}, c.mismatch(op, "receiver", owner.String(), "null")
		}
		ids = append(ids, receiver.id)
	}

	argIDs, err := c.arguments(op, ref.Params, args)
	if err != nil {
		return Handle{}, err
	}
	ids = append(ids, argIDs...)

	in := insn{op: opInvoke, args: ids, method: ref, kind: kind, result: c.result(ref.Return)}
	return c.append(in, ""), nil
}

// checkTypes runs caller-supplied types through the session resolver.
func (c *Code) checkTypes(ts ...descriptor.Type) error {
	for _, t := range ts {
		if err := c.m.owner.checkType(t); err != nil {
			return err
		}
	}
	return nil
}

func (c *Code) checkRef(ref MethodRef) error {
	if err := c.checkTypes(ref.Owner, ref.Return); err != nil {
		return err
	}
	return c.checkTypes(ref.Params...)
}

func (c *Code) arguments(op string, params []descriptor.Type, args []Handle) ([]int, error) {
	if len(args) != len(params) {
		return nil, c.mismatch(op, "arguments", fmt.Sprintf("%d", len(params)), fmt.Sprintf("%d", len(args)))
	}
	ids := make([]int, len(args))
	for i, a := range args {
		what := fmt.Sprintf("argument %d", i)
		info, err := c.operand(op, what, a)
		if err != nil {
			return nil, err
		}
		if err := c.expect(op, what, params[i], info); err != nil {
			return nil, err
		}
		ids[i] = a.id
	}
	return ids, nil
}

// InvokeStatic calls a static method.
func (c *Code) InvokeStatic(ref MethodRef, args ...Handle) (Handle, error) {
	return c.Invoke(CallStatic, ref, Handle{}, args...)
}

// InvokeVirtual calls an instance method with virtual dispatch.
func (c *Code) InvokeVirtual(ref MethodRef, receiver Handle, args ...Handle) (Handle, error) {
	return c.Invoke(CallVirtual, ref, receiver, args...)
}

// InvokeInterface calls an interface method.
func (c *Code) InvokeInterface(ref MethodRef, receiver Handle, args ...Handle) (Handle, error) {
	return c.Invoke(CallInterface, ref, receiver, args...)
}

// InvokeSpecial calls a constructor, private method, or superclass method
// without virtual dispatch.
func (c *Code) InvokeSpecial(ref MethodRef, receiver Handle, args ...Handle) (Handle, error) {
	return c.Invoke(CallSpecial, ref, receiver, args...)
}

// NewInstance allocates an object and runs the constructor ctor on it.
func (c *Code) NewInstance(ctor MethodRef, args ...Handle) (Handle, error) {
	const op = "new"
	if err := c.begin(op); err != nil {
		return Handle{}, err
	}
	if ctor.Name != "<init>" || ctor.Return != descriptor.Void {
		return Handle{}, c.m.invalid(op + ": " + ctor.String() + " is not a constructor")
	}
	if err := c.checkRef(ctor); err != nil {
		return Handle{}, err
	}
	ctor.Owner = c.m.owner.classify(ctor.Owner)
	if ctor.Owner.IsInterface {
		return Handle{}, c.m.invalid(op + ": cannot instantiate interface " + ctor.Owner.String())
	}
	ids, err := c.arguments(op, ctor.Params, args)
	if err != nil {
		return Handle{}, err
	}
	in := insn{op: opNew, args: ids, method: ctor, typ: ctor.Owner, result: c.result(ctor.Owner)}
	return c.append(in, ""), nil
}

// ---------------------------------------------------------------------------
// Fields
// ---------------------------------------------------------------------------

// ReadField reads an instance field of obj.
func (c *Code) ReadField(f FieldRef, obj Handle) (Handle, error) {
	const op = "getfield"
	if err := c.fieldOp(op, f, false); err != nil {
		return Handle{}, err
	}
	info, err := c.operand(op, "object", obj)
	if err != nil {
		return Handle{}, err
	}
	if !descriptor.IsReference(info.typ) || isNull(info) {
		return Handle{}, c.mismatch(op, "object", f.Owner.String(), info.typ.String())
	}
	in := insn{op: opGetField, args: []int{obj.id}, field: f, result: c.result(f.Type)}
	return c.append(in, ""), nil
}

// WriteField stores v into an instance field of obj.
func (c *Code) WriteField(f FieldRef, obj, v Handle) error {
	const op = "putfield"
	if err := c.fieldOp(op, f, false); err != nil {
		return err
	}
	oinfo, err := c.operand(op, "object", obj)
	if err != nil {
		return err
	}
	if !descriptor.IsReference(oinfo.typ) || isNull(oinfo) {
		return c.mismatch(op, "object", f.Owner.String(), oinfo.typ.String())
	}
	vinfo, err := c.operand(op, "value", v)
	if err != nil {
		return err
	}
	if err := c.expect(op, "value", f.Type, vinfo); err != nil {
		return err
	}
	c.append(insn{op: opPutField, args: []int{obj.id, v.id}, field: f}, "")
	return nil
}

// ReadStaticField reads a static field.
func (c *Code) ReadStaticField(f FieldRef) (Handle, error) {
	const op = "getstatic"
	if err := c.fieldOp(op, f, true); err != nil {
		return Handle{}, err
	}
	in := insn{op: opGetStatic, field: f, result: c.result(f.Type)}
	return c.append(in, ""), nil
}

// WriteStaticField stores v into a static field.
func (c *Code) WriteStaticField(f FieldRef, v Handle) error {
	const op = "putstatic"
	if err := c.fieldOp(op, f, true); err != nil {
		return err
	}
	info, err := c.operand(op, "value", v)
	if err != nil {
		return err
	}
	if err := c.expect(op, "value", f.Type, info); err != nil {
		return err
	}
	c.append(insn{op: opPutStatic, args: []int{v.id}, field: f}, "")
	return nil
}

func (c *Code) fieldOp(op string, f FieldRef, static bool) error {
	if err := c.begin(op); err != nil {
		return err
	}
	if !f.valid() {
		return c.m.invalid(op + ": incomplete field reference")
	}
	if err := c.checkTypes(f.Owner, f.Type); err != nil {
		return err
	}
	if f.Static != static {
		if static {
			return c.m.invalid(op + ": " + f.String() + " is an instance field")
		}
		return c.m.invalid(op + ": " + f.String() + " is a static field")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Arrays
// ---------------------------------------------------------------------------

// NewArray allocates a one-dimensional array of elem with the given
// length. Bounds are not checked.
func (c *Code) NewArray(elem descriptor.Type, length Handle) (Handle, error) {
	const op = "newarray"
	if err := c.begin(op); err != nil {
		return Handle{}, err
	}
	if elem == nil || elem == descriptor.Void {
		return Handle{}, c.m.invalid(op + ": array of void")
	}
	if err := c.checkTypes(elem); err != nil {
		return Handle{}, err
	}
	info, err := c.operand(op, "length", length)
	if err != nil {
		return Handle{}, err
	}
	if err := c.expect(op, "length", descriptor.Int, info); err != nil {
		return Handle{}, err
	}
	at := descriptor.ArrayOf(elem, 1)
	in := insn{op: opNewArray, args: []int{length.id}, typ: elem, result: c.result(at)}
	return c.append(in, ""), nil
}

// ArrayLength reads the length of arr.
func (c *Code) ArrayLength(arr Handle) (Handle, error) {
	const op = "arraylength"
	if err := c.begin(op); err != nil {
		return Handle{}, err
	}
	if _, err := c.array(op, arr); err != nil {
		return Handle{}, err
	}
	in := insn{op: opArrayLength, args: []int{arr.id}, result: c.result(descriptor.Int)}
	return c.append(in, ""), nil
}

// ReadArrayValue reads arr[idx].
func (c *Code) ReadArrayValue(arr, idx Handle) (Handle, error) {
	const op = "xaload"
	if err := c.begin(op); err != nil {
		return Handle{}, err
	}
	at, err := c.array(op, arr)
	if err != nil {
		return Handle{}, err
	}
	if err := c.index(op, idx); err != nil {
		return Handle{}, err
	}
	comp := at.Component()
	in := insn{op: opArrayLoad, args: []int{arr.id, idx.id}, typ: comp, result: c.result(comp)}
	return c.append(in, ""), nil
}

// WriteArrayValue stores v into arr[idx].
func (c *Code) WriteArrayValue(arr, idx, v Handle) error {
	const op = "xastore"
	if err := c.begin(op); err != nil {
		return err
	}
	at, err := c.array(op, arr)
	if err != nil {
		return err
	}
	if err := c.index(op, idx); err != nil {
		return err
	}
	info, err := c.operand(op, "value", v)
	if err != nil {
		return err
	}
	comp := at.Component()
	if err := c.expect(op, "value", comp, info); err != nil {
		return err
	}
	c.append(insn{op: opArrayStore, args: []int{arr.id, idx.id, v.id}, typ: comp}, "")
	return nil
}

func (c *Code) array(op string, arr Handle) (descriptor.ArrayType, error) {
	info, err := c.operand(op, "array", arr)
	if err != nil {
		return descriptor.ArrayType{}, err
	}
	at, ok := info.typ.(descriptor.ArrayType)
	if !ok || isNull(info) {
		return descriptor.ArrayType{}, c.mismatch(op, "array", "array", info.typ.String())
	}
	return at, nil
}

func (c *Code) index(op string, idx Handle) error {
	info, err := c.operand(op, "index", idx)
	if err != nil {
		return err
	}
	return c.expect(op, "index", descriptor.Int, info)
}

// ---------------------------------------------------------------------------
// Type tests
// ---------------------------------------------------------------------------

// CheckCast narrows h to t, failing at run time if it is not a t.
func (c *Code) CheckCast(h Handle, t descriptor.Type) (Handle, error) {
	const op = "checkcast"
	if err := c.typeTest(op, h, t); err != nil {
		return Handle{}, err
	}
	in := insn{op: opCheckCast, args: []int{h.id}, typ: t, result: c.result(t)}
	return c.append(in, ""), nil
}

// InstanceOf tests whether h is a t. The result is a boolean.
func (c *Code) InstanceOf(h Handle, t descriptor.Type) (Handle, error) {
	const op = "instanceof"
	if err := c.typeTest(op, h, t); err != nil {
		return Handle{}, err
	}
	in := insn{op: opInstanceOf, args: []int{h.id}, typ: t, result: c.result(descriptor.Boolean)}
	return c.append(in, ""), nil
}

func (c *Code) typeTest(op string, h Handle, t descriptor.Type) error {
	if err := c.begin(op); err != nil {
		return err
	}
	if t == nil || !descriptor.IsReference(t) {
		return c.m.invalid(op + ": target must be a reference type")
	}
	if err := c.checkTypes(t); err != nil {
		return err
	}
	info, err := c.operand(op, "value", h)
	if err != nil {
		return err
	}
	if !descriptor.IsReference(info.typ) {
		return c.mismatch(op, "value", "reference", info.typ.String())
	}
	return nil
}

// ---------------------------------------------------------------------------
// Terminal instructions
// ---------------------------------------------------------------------------

// ThrowException constructs excType with message and throws it. excType
// must have a constructor taking a String. Nothing may follow it in this
// sequence.
func (c *Code) ThrowException(excType descriptor.ClassType, message string) error {
	const op = "throw"
	if err := c.begin(op); err != nil {
		return err
	}
	if err := c.checkTypes(excType); err != nil {
		return err
	}
	excType = c.m.owner.classify(excType)
	if excType.IsInterface {
		return c.m.invalid(op + ": " + excType.String() + " is an interface")
	}
	if len(classfile.EncodeModifiedUTF8(message)) > math.MaxUint16 {
		return c.m.invalid(op + ": message longer than 65535 encoded bytes")
	}
	c.append(insn{op: opThrowNew, typ: excType, msg: message}, "athrow")
	return nil
}

// Throw throws an existing throwable.
func (c *Code) Throw(h Handle) error {
	const op = "athrow"
	if err := c.begin(op); err != nil {
		return err
	}
	info, err := c.operand(op, "exception", h)
	if err != nil {
		return err
	}
	if _, ok := info.typ.(descriptor.ClassType); !ok {
		return c.mismatch(op, "exception", descriptor.Throwable.String(), info.typ.String())
	}
	c.append(insn{op: opThrow, args: []int{h.id}}, "athrow")
	return nil
}

// Return returns h from the method.
func (c *Code) Return(h Handle) error {
	const op = "return"
	if err := c.begin(op); err != nil {
		return err
	}
	if c.m.ret == descriptor.Void {
		return c.mismatch(op, "value", "no value", "a value")
	}
	info, err := c.operand(op, "value", h)
	if err != nil {
		return err
	}
	if err := c.expect(op, "value", c.m.ret, info); err != nil {
		return err
	}
	c.append(insn{op: opReturn, args: []int{h.id}}, returnOp(c.m.ret).Name())
	return nil
}

// ReturnVoid returns from a void method.
func (c *Code) ReturnVoid() error {
	const op = "return"
	if err := c.begin(op); err != nil {
		return err
	}
	if c.m.ret != descriptor.Void {
		return c.mismatch(op, "value", c.m.ret.String(), "no value")
	}
	c.append(insn{op: opReturn}, "return")
	return nil
}
