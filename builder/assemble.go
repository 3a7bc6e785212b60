package builder

import (
	"errors"
	"fmt"
	"math"

	"github.com/chazu/classforge/classfile"
	"github.com/chazu/classforge/descriptor"
)

// ---------------------------------------------------------------------------
// Assembly
// ---------------------------------------------------------------------------

// assemble lays the type out twice against one constant pool. The first
// pass registers every constant in first-seen order; the second emits
// the final bytes. Because the pool is idempotent the second pass must add
// nothing, and instruction forms that depend on an index (ldc vs ldc_w)
// see final indices.
func (t *TypeBuilder) assemble() ([]byte, error) {
	pool := classfile.NewConstantPool()

	// Pass 1: collect constants
	if _, err := t.layout(pool); err != nil {
		return nil, err
	}
	if err := pool.Err(); err != nil {
		return nil, &SerializationError{Type: t.name, Err: err}
	}
	collected := pool.Count()

	// Pass 2: emit
	cf, err := t.layout(pool)
	if err != nil {
		return nil, err
	}
	if pool.Count() != collected {
		return nil, &SerializationError{Type: t.name,
			Err: fmt.Errorf("constant pool grew from %d to %d during emission", collected, pool.Count())}
	}
	data, err := cf.Bytes()
	if err != nil {
		return nil, &SerializationError{Type: t.name, Err: err}
	}
	t.log.Debugf("%s: %d constants in %d slots", t.name, pool.Len(), pool.Count()-1)
	return data, nil
}

// layout builds the class file model, registering constants as it goes.
func (t *TypeBuilder) layout(pool *classfile.ConstantPool) (*classfile.ClassFile, error) {
	cf := &classfile.ClassFile{Major: t.major, Minor: t.minor, Pool: pool}

	cf.Access = t.mods
	if !t.isInterface() {
		cf.Access |= classfile.AccSuper
	}
	cf.ThisClass = pool.AddClass(t.name)
	cf.SuperClass = pool.AddClass(t.super.Name)
	for _, iface := range t.interfaces {
		cf.Interfaces = append(cf.Interfaces, pool.AddClass(iface.Name))
	}

	for _, f := range t.fields {
		mem := classfile.Member{
			Access:     f.mods,
			Name:       pool.AddUtf8(f.name),
			Descriptor: pool.AddUtf8(f.typ.Descriptor()),
		}
		if len(f.annotations) > 0 {
			mem.Attributes = append(mem.Attributes, classfile.AnnotationsAttribute(pool, f.annotations))
		}
		cf.Fields = append(cf.Fields, mem)
	}

	for _, m := range t.methods {
		mem, err := m.encode(pool)
		if err != nil {
			return nil, err
		}
		cf.Methods = append(cf.Methods, mem)
	}

	if len(t.annotations) > 0 {
		cf.Attributes = append(cf.Attributes, classfile.AnnotationsAttribute(pool, t.annotations))
	}
	if t.sourceFile != "" {
		cf.Attributes = append(cf.Attributes, classfile.SourceFileAttribute(pool, t.sourceFile))
	}
	return cf, nil
}

func (m *MethodBuilder) encode(pool *classfile.ConstantPool) (classfile.Member, error) {
	mem := classfile.Member{
		Access:     m.mods,
		Name:       pool.AddUtf8(m.name),
		Descriptor: pool.AddUtf8(m.Descriptor()),
	}
	if m.hasBody() {
		attr, err := m.encodeCode(pool)
		if err != nil {
			return mem, &SerializationError{Type: m.owner.name, Member: m.name + m.Descriptor(), Err: err}
		}
		mem.Attributes = append(mem.Attributes, attr)
	}
	if len(m.annotations) > 0 {
		mem.Attributes = append(mem.Attributes, classfile.AnnotationsAttribute(pool, m.annotations))
	}
	return mem, nil
}

func (m *MethodBuilder) encodeCode(pool *classfile.ConstantPool) (classfile.Attribute, error) {
	m.layout()
	e := &emitter{m: m, pool: pool, code: classfile.NewCodeBuilder()}
	e.sequence(m.seqs[0])
	if e.err != nil {
		return classfile.Attribute{}, e.err
	}
	code, err := e.code.Finish()
	if err != nil {
		return classfile.Attribute{}, err
	}
	if m.nextSlot > math.MaxUint16 {
		return classfile.Attribute{}, fmt.Errorf("%d local slots exceed 65535", m.nextSlot)
	}
	data, err := classfile.EncodeCode(classfile.Code{
		MaxStack:  uint16(e.code.MaxStack()),
		MaxLocals: uint16(m.nextSlot),
		Code:      code,
	})
	if err != nil {
		return classfile.Attribute{}, err
	}
	return classfile.Attribute{Name: pool.AddUtf8(classfile.AttrCode), Data: data}, nil
}

// ---------------------------------------------------------------------------
// emitter: one method body to bytecode
// ---------------------------------------------------------------------------

type emitter struct {
	m    *MethodBuilder
	pool *classfile.ConstantPool
	code *classfile.CodeBuilder
	err  error
}

func (e *emitter) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *emitter) sequence(s *sequence) {
	for _, i := range s.insns {
		e.insn(&e.m.insns[i])
	}
}

// push loads the value of handle id onto the operand stack.
func (e *emitter) push(id int) {
	info := &e.m.handles[id]
	switch info.storage {
	case StorageSlot:
		e.code.EmitLocal(loadOp(info.typ), info.slot)
	case StorageConst:
		e.constant(info.konst, info.typ)
	default:
		e.fail(fmt.Errorf("handle %d has no value", id))
	}
}

func (e *emitter) pushAll(ids []int) {
	for _, id := range ids {
		e.push(id)
	}
}

// store saves the top of stack into the result slot, if any.
func (e *emitter) store(id int) {
	if id == 0 {
		return
	}
	info := &e.m.handles[id]
	if info.storage == StorageSlot {
		e.code.EmitLocal(storeOp(info.typ), info.slot)
	}
}

func (e *emitter) constant(k constant, t descriptor.Type) {
	c := e.code
	switch k.kind {
	case constNull:
		c.Emit(classfile.OpAconstNull)
	case constInt:
		if !c.EmitInt(int32(k.i)) {
			c.EmitLdc(e.pool.AddInteger(int32(k.i)))
		}
	case constLong:
		switch k.i {
		case 0:
			c.Emit(classfile.OpLconst0)
		case 1:
			c.Emit(classfile.OpLconst1)
		default:
			c.EmitU2(classfile.OpLdc2W, e.pool.AddLong(k.i))
		}
	case constFloat:
		f := float32(k.f)
		switch {
		case f == 0 && !math.Signbit(float64(f)):
			c.Emit(classfile.OpFconst0)
		case f == 1:
			c.Emit(classfile.OpFconst1)
		case f == 2:
			c.Emit(classfile.OpFconst2)
		default:
			c.EmitLdc(e.pool.AddFloat(f))
		}
	case constDouble:
		switch {
		case k.f == 0 && !math.Signbit(k.f):
			c.Emit(classfile.OpDconst0)
		case k.f == 1:
			c.Emit(classfile.OpDconst1)
		default:
			c.EmitU2(classfile.OpLdc2W, e.pool.AddDouble(k.f))
		}
	case constString:
		c.EmitLdc(e.pool.AddString(k.s))
	case constClass:
		e.classLiteral(k.t)
	}
}

// classLiteral pushes a Class object. Primitive classes are read from the
// wrapper's TYPE field; reference classes need ldc of a Class constant,
// which requires version 49.
func (e *emitter) classLiteral(t descriptor.Type) {
	if p, ok := t.(descriptor.Primitive); ok {
		idx := e.pool.AddFieldref(wrapperClass(p), "TYPE", descriptor.ClassT.Descriptor())
		e.code.EmitField(classfile.OpGetstatic, idx, 1)
		return
	}
	if e.m.owner.major < 49 {
		e.fail(fmt.Errorf("class literal %s needs class file version 49 or later", t))
	}
	e.code.EmitLdc(e.pool.AddClass(descriptor.InternalName(t)))
}

func (e *emitter) insn(in *insn) {
	c := e.code
	switch in.op {
	case opInvoke:
		e.pushAll(in.args)
		ref := in.method
		var idx uint16
		if in.kind == CallInterface {
			idx = e.pool.AddInterfaceMethodref(ref.Owner.Name, ref.Name, ref.Descriptor())
		} else {
			idx = e.pool.AddMethodref(ref.Owner.Name, ref.Name, ref.Descriptor())
		}
		c.EmitInvoke(invokeOp(in.kind), idx, descriptor.ArgSlots(ref.Params), ref.Return.Slots())
		e.store(in.result)

	case opNew:
		c.EmitU2(classfile.OpNew, e.pool.AddClass(in.method.Owner.Name))
		c.Emit(classfile.OpDup)
		e.pushAll(in.args)
		idx := e.pool.AddMethodref(in.method.Owner.Name, "<init>", in.method.Descriptor())
		c.EmitInvoke(classfile.OpInvokespecial, idx, descriptor.ArgSlots(in.method.Params), 0)
		e.store(in.result)

	case opGetField, opPutField, opGetStatic, opPutStatic:
		e.pushAll(in.args)
		f := in.field
		idx := e.pool.AddFieldref(f.Owner.Name, f.Name, f.Type.Descriptor())
		c.EmitField(fieldOp(in.op), idx, f.Type.Slots())
		e.store(in.result)

	case opNewArray:
		e.pushAll(in.args)
		if p, ok := in.typ.(descriptor.Primitive); ok {
			c.EmitU1(classfile.OpNewarray, arrayTypeCode(p))
		} else {
			c.EmitU2(classfile.OpAnewarray, e.pool.AddClass(descriptor.InternalName(in.typ)))
		}
		e.store(in.result)

	case opArrayLength:
		e.pushAll(in.args)
		c.Emit(classfile.OpArraylength)
		e.store(in.result)

	case opArrayLoad:
		e.pushAll(in.args)
		c.Emit(arrayLoadOp(in.typ))
		e.store(in.result)

	case opArrayStore:
		e.pushAll(in.args)
		c.Emit(arrayStoreOp(in.typ))

	case opCheckCast, opInstanceOf:
		e.pushAll(in.args)
		op := classfile.OpCheckcast
		if in.op == opInstanceOf {
			op = classfile.OpInstanceof
		}
		c.EmitU2(op, e.pool.AddClass(descriptor.InternalName(in.typ)))
		e.store(in.result)

	case opThrowNew:
		exc := descriptor.InternalName(in.typ)
		c.EmitU2(classfile.OpNew, e.pool.AddClass(exc))
		c.Emit(classfile.OpDup)
		c.EmitLdc(e.pool.AddString(in.msg))
		idx := e.pool.AddMethodref(exc, "<init>", descriptor.MethodDescriptor(descriptor.Void, descriptor.String))
		c.EmitInvoke(classfile.OpInvokespecial, idx, 1, 0)
		c.Emit(classfile.OpAthrow)

	case opThrow:
		e.pushAll(in.args)
		c.Emit(classfile.OpAthrow)

	case opReturn:
		e.pushAll(in.args)
		c.Emit(returnOp(e.m.ret))

	case opBranch:
		e.pushAll(in.args)
		otherwise := c.NewLabel("false")
		c.EmitBranch(in.cmp.Negate(), otherwise)
		e.sequence(in.branch.True.seq)
		c.Mark(otherwise)
		e.sequence(in.branch.False.seq)

	default:
		e.fail(errors.New("unknown instruction"))
	}
}

// ---------------------------------------------------------------------------
// Opcode selection
// ---------------------------------------------------------------------------

func loadOp(t descriptor.Type) classfile.Opcode {
	switch descriptor.StackCategory(t).Kind() {
	case descriptor.KindInt:
		return classfile.OpIload
	case descriptor.KindLong:
		return classfile.OpLload
	case descriptor.KindFloat:
		return classfile.OpFload
	case descriptor.KindDouble:
		return classfile.OpDload
	}
	return classfile.OpAload
}

func storeOp(t descriptor.Type) classfile.Opcode {
	switch descriptor.StackCategory(t).Kind() {
	case descriptor.KindInt:
		return classfile.OpIstore
	case descriptor.KindLong:
		return classfile.OpLstore
	case descriptor.KindFloat:
		return classfile.OpFstore
	case descriptor.KindDouble:
		return classfile.OpDstore
	}
	return classfile.OpAstore
}

func returnOp(t descriptor.Type) classfile.Opcode {
	switch descriptor.StackCategory(t).Kind() {
	case descriptor.KindVoid:
		return classfile.OpReturn
	case descriptor.KindInt:
		return classfile.OpIreturn
	case descriptor.KindLong:
		return classfile.OpLreturn
	case descriptor.KindFloat:
		return classfile.OpFreturn
	case descriptor.KindDouble:
		return classfile.OpDreturn
	}
	return classfile.OpAreturn
}

func invokeOp(k InvokeKind) classfile.Opcode {
	switch k {
	case CallStatic:
		return classfile.OpInvokestatic
	case CallInterface:
		return classfile.OpInvokeinterface
	case CallSpecial:
		return classfile.OpInvokespecial
	}
	return classfile.OpInvokevirtual
}

func fieldOp(k opKind) classfile.Opcode {
	switch k {
	case opGetField:
		return classfile.OpGetfield
	case opPutField:
		return classfile.OpPutfield
	case opGetStatic:
		return classfile.OpGetstatic
	}
	return classfile.OpPutstatic
}

func arrayLoadOp(comp descriptor.Type) classfile.Opcode {
	switch comp.Kind() {
	case descriptor.KindBoolean, descriptor.KindByte:
		return classfile.OpBaload
	case descriptor.KindChar:
		return classfile.OpCaload
	case descriptor.KindShort:
		return classfile.OpSaload
	case descriptor.KindInt:
		return classfile.OpIaload
	case descriptor.KindLong:
		return classfile.OpLaload
	case descriptor.KindFloat:
		return classfile.OpFaload
	case descriptor.KindDouble:
		return classfile.OpDaload
	}
	return classfile.OpAaload
}

func arrayStoreOp(comp descriptor.Type) classfile.Opcode {
	switch comp.Kind() {
	case descriptor.KindBoolean, descriptor.KindByte:
		return classfile.OpBastore
	case descriptor.KindChar:
		return classfile.OpCastore
	case descriptor.KindShort:
		return classfile.OpSastore
	case descriptor.KindInt:
		return classfile.OpIastore
	case descriptor.KindLong:
		return classfile.OpLastore
	case descriptor.KindFloat:
		return classfile.OpFastore
	case descriptor.KindDouble:
		return classfile.OpDastore
	}
	return classfile.OpAastore
}

func arrayTypeCode(p descriptor.Primitive) byte {
	switch p.Kind() {
	case descriptor.KindBoolean:
		return classfile.ATypeBoolean
	case descriptor.KindChar:
		return classfile.ATypeChar
	case descriptor.KindFloat:
		return classfile.ATypeFloat
	case descriptor.KindDouble:
		return classfile.ATypeDouble
	case descriptor.KindByte:
		return classfile.ATypeByte
	case descriptor.KindShort:
		return classfile.ATypeShort
	case descriptor.KindLong:
		return classfile.ATypeLong
	}
	return classfile.ATypeInt
}

func wrapperClass(p descriptor.Primitive) string {
	switch p.Kind() {
	case descriptor.KindVoid:
		return "java/lang/Void"
	case descriptor.KindBoolean:
		return "java/lang/Boolean"
	case descriptor.KindByte:
		return "java/lang/Byte"
	case descriptor.KindChar:
		return "java/lang/Character"
	case descriptor.KindShort:
		return "java/lang/Short"
	case descriptor.KindLong:
		return "java/lang/Long"
	case descriptor.KindFloat:
		return "java/lang/Float"
	case descriptor.KindDouble:
		return "java/lang/Double"
	}
	return "java/lang/Integer"
}
