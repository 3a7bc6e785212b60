package loader

import (
	"fmt"
	"math"

	"github.com/chazu/classforge/classfile"
	"github.com/chazu/classforge/descriptor"
)

// maxCallDepth bounds recursion before StackOverflowError is thrown.
const maxCallDepth = 512

// ---------------------------------------------------------------------------
// thread: one Go caller's execution context
// ---------------------------------------------------------------------------

// thread carries the state of one entry from Go into the interpreter. Its
// identity lets a static initializer call back into its own class.
type thread struct {
	l     *Loader
	depth int
}

func (t *thread) resolveClass(name string) (*Class, error) {
	c, ok := t.l.Class(name)
	if !ok {
		return nil, t.throwNew("java/lang/NoClassDefFoundError", name)
	}
	return c, nil
}

// throwNew builds an exception of the named host class.
func (t *thread) throwNew(class, msg string) error {
	c, ok := t.l.Class(class)
	if !ok {
		return &Exception{Class: class, Message: msg}
	}
	o := newObject(c)
	if msg != "" {
		o.SetField(messageField, msg)
	}
	return exceptionFromObject(o)
}

func (t *thread) allocate(c *Class) *Object {
	return newObject(c)
}

// classOf returns the runtime class used to dispatch on v.
func (t *thread) classOf(v Value) (*Class, error) {
	name := ""
	switch x := v.(type) {
	case nil:
		return nil, t.throwNew("java/lang/NullPointerException", "")
	case *Object:
		return x.Class, nil
	case string:
		name = "java/lang/String"
	case *Array:
		name = "java/lang/Object"
	case *ClassObject:
		name = "java/lang/Class"
	default:
		return nil, fmt.Errorf("loader: %T is not a reference", v)
	}
	return t.resolveClass(name)
}

// arguments checks and converts Go arguments for m, prepending receiver
// for instance methods.
func (t *thread) arguments(m *Method, receiver Value, args []Value) ([]Value, error) {
	if len(args) != len(m.Params) {
		return nil, fmt.Errorf("loader: %s takes %d arguments, got %d", m, len(m.Params), len(args))
	}
	var out []Value
	if !m.static() {
		out = append(out, receiver)
	}
	for i, a := range args {
		v, err := coerce(a, m.Params[i])
		if err != nil {
			return nil, fmt.Errorf("loader: %s argument %d: %w", m, i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// initialize runs the static initializers of c and its superclasses once.
func (t *thread) initialize(c *Class) error {
	c.mu.Lock()
	for c.initState == initializing && c.initThread != t {
		c.cond.Wait()
	}
	switch c.initState {
	case initialized:
		err := c.initErr
		c.mu.Unlock()
		return err
	case initializing:
		// recursive request from the initializing thread
		c.mu.Unlock()
		return nil
	}
	c.initState = initializing
	c.initThread = t
	c.mu.Unlock()

	var err error
	if c.superclass != nil {
		err = t.initialize(c.superclass)
	}
	if clinit, ok := c.methods["<clinit>()V"]; ok && err == nil {
		_, err = t.call(clinit, nil)
	}

	c.mu.Lock()
	c.initState = initialized
	c.initThread = nil
	c.initErr = err
	c.cond.Broadcast()
	c.mu.Unlock()
	return err
}

func (t *thread) call(m *Method, args []Value) (Value, error) {
	if m.native != nil {
		return m.native(t, args)
	}
	if m.insns == nil {
		return nil, t.throwNew("java/lang/AbstractMethodError", m.String())
	}
	if t.depth >= maxCallDepth {
		return nil, t.throwNew("java/lang/StackOverflowError", "")
	}
	t.depth++
	defer func() { t.depth-- }()
	return t.run(m, args)
}

// ---------------------------------------------------------------------------
// Interpreter loop
// ---------------------------------------------------------------------------

type verifyError struct {
	method *Method
	offset int
	reason any
}

func (e *verifyError) Error() string {
	return fmt.Sprintf("loader: verify error in %s at %d: %v", e.method, e.offset, e.reason)
}

// run executes a bytecode method. Generated code has no exception
// handlers, so a thrown exception leaves the frame immediately.
func (t *thread) run(m *Method, args []Value) (result Value, err error) {
	locals := make([]Value, m.maxLocals)
	slot := 0
	for i, a := range args {
		locals[slot] = a
		if !m.static() && i == 0 {
			slot++
			continue
		}
		p := i
		if !m.static() {
			p--
		}
		slot += m.Params[p].Slots()
	}

	stack := make([]Value, 0, 8)
	push := func(v Value) { stack = append(stack, v) }
	pop := func() Value {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}

	pool := m.Class.File.Pool
	pc := 0
	offset := 0
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, &verifyError{method: m, offset: offset, reason: r}
		}
	}()

	for {
		if pc >= len(m.insns) {
			return nil, &verifyError{method: m, offset: offset, reason: "fell off the end of the code"}
		}
		in := m.insns[pc]
		offset = in.Offset
		pc++

		switch op := in.Op; op {
		case classfile.OpNop:

		// Constants
		case classfile.OpAconstNull:
			push(nil)
		case classfile.OpIconstM1, classfile.OpIconst0, classfile.OpIconst1, classfile.OpIconst2,
			classfile.OpIconst3, classfile.OpIconst4, classfile.OpIconst5:
			push(int32(op) - int32(classfile.OpIconst0))
		case classfile.OpLconst0, classfile.OpLconst1:
			push(int64(op - classfile.OpLconst0))
		case classfile.OpFconst0, classfile.OpFconst1, classfile.OpFconst2:
			push(float32(op - classfile.OpFconst0))
		case classfile.OpDconst0, classfile.OpDconst1:
			push(float64(op - classfile.OpDconst0))
		case classfile.OpBipush, classfile.OpSipush:
			push(int32(in.Operand))
		case classfile.OpLdc, classfile.OpLdcW, classfile.OpLdc2W:
			v, err := pool.Value(uint16(in.Operand))
			if err != nil {
				return nil, &verifyError{method: m, offset: offset, reason: err}
			}
			if ref, ok := v.(classfile.ClassRef); ok {
				v = classLiteral(string(ref))
			}
			push(v)

		// Locals
		case classfile.OpIload, classfile.OpLload, classfile.OpFload, classfile.OpDload, classfile.OpAload:
			push(locals[in.Operand])
		case classfile.OpIstore, classfile.OpLstore, classfile.OpFstore, classfile.OpDstore, classfile.OpAstore:
			locals[in.Operand] = pop()

		// Arrays
		case classfile.OpIaload, classfile.OpLaload, classfile.OpFaload, classfile.OpDaload,
			classfile.OpAaload, classfile.OpBaload, classfile.OpCaload, classfile.OpSaload:
			idx := pop().(int32)
			a, err := t.arrayAt(pop(), idx)
			if err != nil {
				return nil, err
			}
			push(a.Elems[idx])
		case classfile.OpIastore, classfile.OpLastore, classfile.OpFastore, classfile.OpDastore,
			classfile.OpAastore, classfile.OpBastore, classfile.OpCastore, classfile.OpSastore:
			v := pop()
			idx := pop().(int32)
			a, err := t.arrayAt(pop(), idx)
			if err != nil {
				return nil, err
			}
			v, err = t.arrayValue(a, op, v)
			if err != nil {
				return nil, err
			}
			a.Elems[idx] = v
		case classfile.OpArraylength:
			a, err := t.array(pop())
			if err != nil {
				return nil, err
			}
			push(int32(a.Len()))
		case classfile.OpNewarray:
			n := pop().(int32)
			if n < 0 {
				return nil, t.throwNew("java/lang/NegativeArraySizeException", fmt.Sprint(n))
			}
			elem, ok := primitiveArrayTypes[byte(in.Operand)]
			if !ok {
				return nil, &verifyError{method: m, offset: offset, reason: "bad newarray type"}
			}
			push(newArray(descriptor.ArrayOf(elem, 1), int(n)))
		case classfile.OpAnewarray:
			n := pop().(int32)
			if n < 0 {
				return nil, t.throwNew("java/lang/NegativeArraySizeException", fmt.Sprint(n))
			}
			name, err := pool.ClassName(uint16(in.Operand))
			if err != nil {
				return nil, &verifyError{method: m, offset: offset, reason: err}
			}
			push(newArray(descriptor.ArrayOf(typeOfClassName(name), 1), int(n)))

		// Stack
		case classfile.OpPop:
			pop()
		case classfile.OpPop2:
			switch pop().(type) {
			case int64, float64:
			default:
				pop()
			}
		case classfile.OpDup:
			push(stack[len(stack)-1])

		// Comparisons
		case classfile.OpLcmp:
			b, a := pop().(int64), pop().(int64)
			push(compare(a < b, a > b))
		case classfile.OpFcmpl, classfile.OpFcmpg:
			b, a := pop().(float32), pop().(float32)
			push(compareFloat(float64(a), float64(b), op == classfile.OpFcmpg))
		case classfile.OpDcmpl, classfile.OpDcmpg:
			b, a := pop().(float64), pop().(float64)
			push(compareFloat(a, b, op == classfile.OpDcmpg))

		// Branches
		case classfile.OpIfeq, classfile.OpIfne, classfile.OpIflt, classfile.OpIfge, classfile.OpIfgt, classfile.OpIfle:
			if intCondition(op, pop().(int32), 0) {
				pc = m.index[in.Target]
			}
		case classfile.OpIfIcmpeq, classfile.OpIfIcmpne, classfile.OpIfIcmplt,
			classfile.OpIfIcmpge, classfile.OpIfIcmpgt, classfile.OpIfIcmple:
			b, a := pop().(int32), pop().(int32)
			if intCondition(op, a, b) {
				pc = m.index[in.Target]
			}
		case classfile.OpIfAcmpeq, classfile.OpIfAcmpne:
			b, a := pop(), pop()
			if sameReference(a, b) == (op == classfile.OpIfAcmpeq) {
				pc = m.index[in.Target]
			}
		case classfile.OpIfnull, classfile.OpIfnonnull:
			if (pop() == nil) == (op == classfile.OpIfnull) {
				pc = m.index[in.Target]
			}
		case classfile.OpGoto:
			pc = m.index[in.Target]

		// Returns
		case classfile.OpReturn:
			return nil, nil
		case classfile.OpIreturn, classfile.OpLreturn, classfile.OpFreturn, classfile.OpDreturn, classfile.OpAreturn:
			return pop(), nil

		// Fields
		case classfile.OpGetstatic, classfile.OpPutstatic:
			owner, name, _, err := pool.MemberRef(uint16(in.Operand))
			if err != nil {
				return nil, &verifyError{method: m, offset: offset, reason: err}
			}
			c, err := t.resolveClass(owner)
			if err != nil {
				return nil, err
			}
			if err := t.initialize(c); err != nil {
				return nil, err
			}
			if op == classfile.OpGetstatic {
				v, ok := c.static(name)
				if !ok {
					return nil, t.throwNew("java/lang/NoSuchFieldError", owner+"."+name)
				}
				push(v)
			} else if !c.setStatic(name, pop()) {
				return nil, t.throwNew("java/lang/NoSuchFieldError", owner+"."+name)
			}
		case classfile.OpGetfield:
			_, name, _, err := pool.MemberRef(uint16(in.Operand))
			if err != nil {
				return nil, &verifyError{method: m, offset: offset, reason: err}
			}
			o, err := t.object(pop())
			if err != nil {
				return nil, err
			}
			push(o.Field(name))
		case classfile.OpPutfield:
			_, name, _, err := pool.MemberRef(uint16(in.Operand))
			if err != nil {
				return nil, &verifyError{method: m, offset: offset, reason: err}
			}
			v := pop()
			o, err := t.object(pop())
			if err != nil {
				return nil, err
			}
			o.SetField(name, v)

		// Invocation
		case classfile.OpInvokevirtual, classfile.OpInvokespecial, classfile.OpInvokestatic, classfile.OpInvokeinterface:
			owner, name, desc, err := pool.MemberRef(uint16(in.Operand))
			if err != nil {
				return nil, &verifyError{method: m, offset: offset, reason: err}
			}
			ret, params, err := descriptor.ParseMethodDescriptor(desc)
			if err != nil {
				return nil, &verifyError{method: m, offset: offset, reason: err}
			}
			n := len(params)
			if op != classfile.OpInvokestatic {
				n++
			}
			callArgs := make([]Value, n)
			for i := n - 1; i >= 0; i-- {
				callArgs[i] = pop()
			}
			target, err := t.dispatch(op, owner, name, desc, callArgs)
			if err != nil {
				return nil, err
			}
			v, err := t.call(target, callArgs)
			if err != nil {
				return nil, err
			}
			if ret != descriptor.Void {
				push(v)
			}

		// Objects
		case classfile.OpNew:
			name, err := pool.ClassName(uint16(in.Operand))
			if err != nil {
				return nil, &verifyError{method: m, offset: offset, reason: err}
			}
			c, err := t.resolveClass(name)
			if err != nil {
				return nil, err
			}
			if c.Access.Has(classfile.AccAbstract) || c.IsInterface() {
				return nil, t.throwNew("java/lang/InstantiationError", name)
			}
			if err := t.initialize(c); err != nil {
				return nil, err
			}
			push(t.allocate(c))
		case classfile.OpAthrow:
			v := pop()
			if v == nil {
				return nil, t.throwNew("java/lang/NullPointerException", "")
			}
			o, ok := v.(*Object)
			if !ok || !t.isThrowable(o.Class) {
				return nil, &verifyError{method: m, offset: offset, reason: "athrow of a non-throwable"}
			}
			return nil, exceptionFromObject(o)
		case classfile.OpCheckcast, classfile.OpInstanceof:
			name, err := pool.ClassName(uint16(in.Operand))
			if err != nil {
				return nil, &verifyError{method: m, offset: offset, reason: err}
			}
			v := pop()
			ok := v != nil && t.instanceOf(v, typeOfClassName(name))
			if op == classfile.OpInstanceof {
				push(boolValue(ok))
				break
			}
			if v != nil && !ok {
				return nil, t.throwNew("java/lang/ClassCastException", describe(v)+" cannot be cast to "+typeOfClassName(name).String())
			}
			push(v)

		default:
			return nil, &verifyError{method: m, offset: offset, reason: "unsupported opcode " + op.Name()}
		}
	}
}

// dispatch selects the method an invoke instruction runs.
func (t *thread) dispatch(op classfile.Opcode, owner, name, desc string, args []Value) (*Method, error) {
	c, err := t.resolveClass(owner)
	if err != nil {
		return nil, err
	}
	var target *Method
	switch op {
	case classfile.OpInvokestatic:
		if err := t.initialize(c); err != nil {
			return nil, err
		}
		target = c.lookup(name, desc)
		if target != nil && !target.static() {
			return nil, t.throwNew("java/lang/IncompatibleClassChangeError", target.String()+" is not static")
		}
	case classfile.OpInvokespecial:
		if args[0] == nil {
			return nil, t.throwNew("java/lang/NullPointerException", "")
		}
		target = c.lookup(name, desc)
	default:
		rc, err := t.classOf(args[0])
		if err != nil {
			return nil, err
		}
		target = rc.lookup(name, desc)
		if target != nil && target.insns == nil && target.native == nil {
			return nil, t.throwNew("java/lang/AbstractMethodError", rc.Name+"."+name+desc)
		}
	}
	if target == nil {
		return nil, t.throwNew("java/lang/NoSuchMethodError", owner+"."+name+desc)
	}
	return target, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (t *thread) object(v Value) (*Object, error) {
	switch x := v.(type) {
	case nil:
		return nil, t.throwNew("java/lang/NullPointerException", "")
	case *Object:
		return x, nil
	}
	return nil, fmt.Errorf("loader: field access on %T", v)
}

func (t *thread) array(v Value) (*Array, error) {
	if v == nil {
		return nil, t.throwNew("java/lang/NullPointerException", "")
	}
	return v.(*Array), nil
}

// arrayAt checks v is an array and idx is in bounds.
func (t *thread) arrayAt(v Value, idx int32) (*Array, error) {
	a, err := t.array(v)
	if err != nil {
		return nil, err
	}
	if idx < 0 || int(idx) >= a.Len() {
		return nil, t.throwNew("java/lang/ArrayIndexOutOfBoundsException", fmt.Sprint(idx))
	}
	return a, nil
}

// arrayValue narrows v for storage into a.
func (t *thread) arrayValue(a *Array, op classfile.Opcode, v Value) (Value, error) {
	comp := a.Type.Component()
	switch op {
	case classfile.OpBastore:
		if comp.Kind() == descriptor.KindBoolean {
			return v.(int32) & 1, nil
		}
		return int32(int8(v.(int32))), nil
	case classfile.OpCastore:
		return int32(uint16(v.(int32))), nil
	case classfile.OpSastore:
		return int32(int16(v.(int32))), nil
	case classfile.OpAastore:
		if v != nil && !t.instanceOf(v, comp) {
			return nil, t.throwNew("java/lang/ArrayStoreException", describe(v))
		}
	}
	return v, nil
}

func (t *thread) isThrowable(c *Class) bool {
	th, ok := t.l.Class("java/lang/Throwable")
	return ok && c.IsSubclassOf(th)
}

// instanceOf reports whether the non-null v is assignable to target.
func (t *thread) instanceOf(v Value, target descriptor.Type) bool {
	if a, ok := v.(*Array); ok {
		return t.assignable(a.Type, target)
	}
	c, err := t.classOf(v)
	if err != nil {
		return false
	}
	tc, ok := target.(descriptor.ClassType)
	if !ok {
		return false
	}
	k, ok := t.l.Class(tc.Name)
	return ok && c.IsSubclassOf(k)
}

// assignable is the type-level subtype check used for arrays.
func (t *thread) assignable(from, to descriptor.Type) bool {
	if descriptor.Equal(from, to) {
		return true
	}
	switch to := to.(type) {
	case descriptor.ClassType:
		switch from := from.(type) {
		case descriptor.ArrayType:
			switch to.Name {
			case "java/lang/Object", "java/lang/Cloneable", "java/io/Serializable":
				return true
			}
			return false
		case descriptor.ClassType:
			fc, ok1 := t.l.Class(from.Name)
			tc, ok2 := t.l.Class(to.Name)
			return ok1 && ok2 && fc.IsSubclassOf(tc)
		}
	case descriptor.ArrayType:
		fa, ok := from.(descriptor.ArrayType)
		if !ok {
			return false
		}
		fc, tc := fa.Component(), to.Component()
		if descriptor.IsPrimitive(fc) || descriptor.IsPrimitive(tc) {
			return descriptor.Equal(fc, tc)
		}
		return t.assignable(fc, tc)
	}
	return false
}

var primitiveArrayTypes = map[byte]descriptor.Type{
	classfile.ATypeBoolean: descriptor.Boolean,
	classfile.ATypeChar:    descriptor.Char,
	classfile.ATypeFloat:   descriptor.Float,
	classfile.ATypeDouble:  descriptor.Double,
	classfile.ATypeByte:    descriptor.Byte,
	classfile.ATypeShort:   descriptor.Short,
	classfile.ATypeInt:     descriptor.Int,
	classfile.ATypeLong:    descriptor.Long,
}

// typeOfClassName interprets the name in a Class constant, which is an
// internal name or, for arrays, a descriptor.
func typeOfClassName(name string) descriptor.Type {
	if len(name) > 0 && name[0] == '[' {
		if t, err := descriptor.ParseFieldDescriptor(name); err == nil {
			return t
		}
	}
	return descriptor.Class(name)
}

func classLiteral(name string) *ClassObject {
	return &ClassObject{Type: typeOfClassName(name)}
}

func sameReference(a, b Value) bool {
	switch x := a.(type) {
	case *ClassObject:
		y, ok := b.(*ClassObject)
		return ok && (x == y || descriptor.Equal(x.Type, y.Type))
	}
	return a == b
}

func boolValue(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

func compare(less, greater bool) int32 {
	switch {
	case less:
		return -1
	case greater:
		return 1
	}
	return 0
}

func compareFloat(a, b float64, nanIsGreater bool) int32 {
	if math.IsNaN(a) || math.IsNaN(b) {
		if nanIsGreater {
			return 1
		}
		return -1
	}
	return compare(a < b, a > b)
}

func intCondition(op classfile.Opcode, a, b int32) bool {
	switch op {
	case classfile.OpIfeq, classfile.OpIfIcmpeq:
		return a == b
	case classfile.OpIfne, classfile.OpIfIcmpne:
		return a != b
	case classfile.OpIflt, classfile.OpIfIcmplt:
		return a < b
	case classfile.OpIfge, classfile.OpIfIcmpge:
		return a >= b
	case classfile.OpIfgt, classfile.OpIfIcmpgt:
		return a > b
	}
	return a <= b
}

func describe(v Value) string {
	switch x := v.(type) {
	case string:
		return "java.lang.String"
	case *Object:
		return descriptor.Class(x.Class.Name).String()
	case *Array:
		return x.Type.String()
	case *ClassObject:
		return "java.lang.Class"
	}
	return fmt.Sprintf("%T", v)
}
