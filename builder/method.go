package builder

import (
	"github.com/chazu/classforge/classfile"
	"github.com/chazu/classforge/descriptor"
)

// ---------------------------------------------------------------------------
// MethodBuilder
// ---------------------------------------------------------------------------

// MethodBuilder builds one method. Its embedded Code is the method's main
// sequence; branch sub-sequences are further Code values sharing the same
// arena.
type MethodBuilder struct {
	*Code

	owner       *TypeBuilder
	name        string
	ret         descriptor.Type
	params      []descriptor.Type
	mods        Modifiers
	annotations []classfile.Annotation

	// Arena. insns and handles are indexed by int; handles[0] is the
	// invalid handle.
	insns   []insn
	handles []handleInfo
	seqs    []*sequence

	// Slot table
	this     int
	args     []int
	nextSlot int
	laidOut  bool
}

func newMethod(owner *TypeBuilder, name string, ret descriptor.Type, params []descriptor.Type, mods Modifiers) *MethodBuilder {
	m := &MethodBuilder{
		owner:   owner,
		name:    name,
		ret:     ret,
		params:  append([]descriptor.Type(nil), params...),
		mods:    mods,
		handles: make([]handleInfo, 1, 16),
	}
	main := &sequence{}
	m.seqs = append(m.seqs, main)
	m.Code = &Code{m: m, seq: main}
	return m
}

// layout assigns slots to this and the parameters. It runs on first use
// of the body, after which the static bit is frozen.
func (m *MethodBuilder) layout() {
	if m.laidOut {
		return
	}
	m.laidOut = true
	if !m.mods.Has(Static) {
		m.this = m.addHandle(handleInfo{typ: m.owner.typ, storage: StorageSlot, slot: 0})
		m.nextSlot = 1
	}
	m.args = make([]int, len(m.params))
	for i, p := range m.params {
		m.args[i] = m.addHandle(handleInfo{typ: p, storage: StorageSlot, slot: m.nextSlot})
		m.nextSlot += p.Slots()
	}
}

func (m *MethodBuilder) addHandle(info handleInfo) int {
	m.handles = append(m.handles, info)
	return len(m.handles) - 1
}

// claimSlot allocates the next local slot(s) for a value of type t.
func (m *MethodBuilder) claimSlot(t descriptor.Type, scope *sequence) int {
	id := m.addHandle(handleInfo{typ: t, storage: StorageSlot, slot: m.nextSlot, scope: scope})
	m.nextSlot += t.Slots()
	return id
}

// Name returns the method name.
func (m *MethodBuilder) Name() string { return m.name }

// ReturnType returns the declared return type.
func (m *MethodBuilder) ReturnType() descriptor.Type { return m.ret }

// Params returns the declared parameter types.
func (m *MethodBuilder) Params() []descriptor.Type {
	return append([]descriptor.Type(nil), m.params...)
}

// Modifiers returns the current modifiers.
func (m *MethodBuilder) Modifiers() Modifiers { return m.mods }

// Descriptor returns the method descriptor.
func (m *MethodBuilder) Descriptor() string {
	return descriptor.MethodDescriptor(m.ret, m.params...)
}

// Ref returns a MethodRef that invokes this method.
func (m *MethodBuilder) Ref() MethodRef {
	return MethodRef{Owner: m.owner.typ, Name: m.name, Return: m.ret, Params: m.Params()}
}

func (m *MethodBuilder) String() string {
	return m.owner.name + "." + m.name + m.Descriptor()
}

// SetModifiers replaces the method's modifiers. The static bit cannot
// change once the body has been started.
func (m *MethodBuilder) SetModifiers(mods Modifiers) error {
	if err := m.owner.checkOpen(m.name); err != nil {
		return err
	}
	if r := methodModifierProblem(mods, m.owner.isInterface(), m.name); r != "" {
		return m.invalid(r)
	}
	if m.laidOut && mods.Has(Static) != m.mods.Has(Static) {
		return m.invalid("cannot change static after the body has been started")
	}
	if mods.Has(Abstract) && len(m.insns) > 0 {
		return m.invalid("abstract method already has a body")
	}
	m.mods = mods
	return nil
}

// AddAnnotation attaches a runtime-visible annotation.
func (m *MethodBuilder) AddAnnotation(a classfile.Annotation) error {
	if err := m.owner.checkOpen(m.name); err != nil {
		return err
	}
	if err := a.Validate(); err != nil {
		return &ValidationError{Type: m.owner.name, Member: m.name + m.Descriptor(), Reason: "invalid annotation", Err: err}
	}
	m.annotations = append(m.annotations, a)
	return nil
}

func (m *MethodBuilder) invalid(reason string) error {
	return &ValidationError{Type: m.owner.name, Member: m.name + m.Descriptor(), Reason: reason}
}

func (m *MethodBuilder) hasBody() bool {
	return !m.mods.Has(Abstract)
}

// unterminated returns the sequences that do not end in a terminal
// instruction.
func (m *MethodBuilder) unterminated() []*sequence {
	var out []*sequence
	for _, s := range m.seqs {
		if !s.terminated {
			out = append(out, s)
		}
	}
	return out
}

// finish appends the implicit return of a void method whose main
// sequence falls off the end.
func (m *MethodBuilder) finish() {
	main := m.seqs[0]
	if !m.hasBody() || main.terminated || m.ret != descriptor.Void {
		return
	}
	m.layout()
	m.insns = append(m.insns, insn{op: opReturn})
	main.insns = append(main.insns, len(m.insns)-1)
	main.terminated = true
	main.last = "return"
}
