// Package builder assembles new classes from fields, methods, and
// instruction sequences, and hands the encoded class file to a Sink.
package builder

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/tliron/commonlog"

	"github.com/chazu/classforge/classfile"
	"github.com/chazu/classforge/descriptor"
)

// Sink receives each assembled class file. Write is called exactly once
// per successful Close.
type Sink interface {
	Write(typeName string, data []byte) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(typeName string, data []byte) error

func (f SinkFunc) Write(typeName string, data []byte) error { return f(typeName, data) }

type state int

const (
	stateOpen state = iota
	stateClosed
	stateDiscarded
)

// ---------------------------------------------------------------------------
// TypeBuilder
// ---------------------------------------------------------------------------

// TypeBuilder builds one class or interface. It is not safe for concurrent
// use; independent TypeBuilders share no mutable state.
type TypeBuilder struct {
	id          uuid.UUID
	name        string
	typ         descriptor.ClassType
	super       descriptor.ClassType
	interfaces  []descriptor.ClassType
	mods        Modifiers
	annotations []classfile.Annotation
	fields      []*FieldBuilder
	methods     []*MethodBuilder
	members     map[string]bool

	resolver   *descriptor.Resolver
	registry   *descriptor.Registry
	sink       Sink
	major      uint16
	minor      uint16
	sourceFile string
	log        commonlog.Logger

	strict   bool
	state    state
	closeErr error
}

// Option configures a TypeBuilder at creation.
type Option func(*TypeBuilder) error

// Extends sets the superclass. The default is java.lang.Object.
func Extends(super descriptor.ClassType) Option {
	return func(t *TypeBuilder) error {
		t.super = super
		return nil
	}
}

// Implements adds interfaces to the type.
func Implements(ifaces ...descriptor.ClassType) Option {
	return func(t *TypeBuilder) error {
		t.interfaces = append(t.interfaces, ifaces...)
		return nil
	}
}

// WithModifiers sets the type's modifiers. Interface implies abstract.
func WithModifiers(mods Modifiers) Option {
	return func(t *TypeBuilder) error {
		if mods.Has(Interface) {
			mods |= Abstract
		}
		t.mods = mods
		return nil
	}
}

// WithRegistry resolves names against reg instead of a fresh bootstrap
// registry.
func WithRegistry(reg *descriptor.Registry) Option {
	return func(t *TypeBuilder) error {
		t.registry = reg
		return nil
	}
}

// RequireKnownTypes makes every class name the builder is given resolve
// through the registry, a Declare call, or the resolver's Lookup hook.
func RequireKnownTypes() Option {
	return func(t *TypeBuilder) error {
		t.strict = true
		return nil
	}
}

// WithVersion sets the class file version.
func WithVersion(major, minor uint16) Option {
	return func(t *TypeBuilder) error {
		if major < classfile.MinMajorVersion || major > classfile.MaxMajorVersion {
			return fmt.Errorf("class file version %d.%d outside %d-%d", major, minor,
				classfile.MinMajorVersion, classfile.MaxMajorVersion)
		}
		t.major, t.minor = major, minor
		return nil
	}
}

// WithSourceFile records a SourceFile attribute.
func WithSourceFile(name string) Option {
	return func(t *TypeBuilder) error {
		t.sourceFile = name
		return nil
	}
}

// WithLogger replaces the default "classforge.builder" logger.
func WithLogger(log commonlog.Logger) Option {
	return func(t *TypeBuilder) error {
		if log != nil {
			t.log = log
		}
		return nil
	}
}

// Create starts building the type name (Java or internal spelling).
func Create(sink Sink, name string, opts ...Option) (*TypeBuilder, error) {
	t := &TypeBuilder{
		id:      uuid.New(),
		name:    strings.ReplaceAll(strings.TrimSpace(name), ".", "/"),
		super:   descriptor.Object,
		mods:    Public,
		members: make(map[string]bool),
		sink:    sink,
		major:   classfile.DefaultMajorVersion,
		minor:   classfile.DefaultMinorVersion,
		log:     commonlog.GetLogger("classforge.builder"),
	}
	if sink == nil {
		return nil, &ValidationError{Type: t.name, Reason: "nil sink"}
	}
	if !validClassName(t.name) {
		return nil, &ValidationError{Type: name, Reason: "malformed type name"}
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, &ValidationError{Type: t.name, Reason: "invalid option", Err: err}
		}
	}
	if r := typeModifierProblem(t.mods); r != "" {
		return nil, &ValidationError{Type: t.name, Reason: r}
	}

	t.resolver = descriptor.NewResolver(t.registry)
	t.resolver.Strict = t.strict
	t.registry = t.resolver.Registry()
	t.typ = t.resolver.Declare(t.name, t.isInterface())

	if err := t.checkType(t.super); err != nil {
		return nil, err
	}
	for _, iface := range t.interfaces {
		if err := t.checkType(iface); err != nil {
			return nil, err
		}
	}

	t.super = t.classify(t.super)
	if t.super.IsInterface {
		return nil, &ValidationError{Type: t.name, Reason: "cannot extend interface " + t.super.String()}
	}
	if t.isInterface() && t.super.Name != descriptor.Object.Name {
		return nil, &ValidationError{Type: t.name, Reason: "interface superclass must be java.lang.Object"}
	}
	seen := make(map[string]bool)
	for i, iface := range t.interfaces {
		if known, ok := t.registry.Lookup(iface.Name); ok && !known.IsInterface {
			return nil, &ValidationError{Type: t.name, Reason: iface.String() + " is not an interface"}
		}
		if seen[iface.Name] {
			return nil, &ValidationError{Type: t.name, Reason: "duplicate interface " + iface.String()}
		}
		seen[iface.Name] = true
		iface.IsInterface = true
		t.interfaces[i] = iface
	}

	t.log.Debugf("create %s (build %s)", t.name, t.id)
	return t, nil
}

// Build creates a TypeBuilder, runs fn to populate it, and closes it. If
// fn fails or panics the builder is discarded and nothing reaches sink.
func Build(sink Sink, name string, fn func(*TypeBuilder) error, opts ...Option) (err error) {
	t, err := Create(sink, name, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			t.Discard()
			panic(r)
		}
	}()
	if err := fn(t); err != nil {
		t.Discard()
		return err
	}
	return t.Close()
}

func validClassName(name string) bool {
	return descriptor.ValidInternalName(name)
}

func validMemberName(name string) bool {
	return name != "" && !strings.ContainsAny(name, ".;[/<>")
}

// ID returns the build session id, used to correlate log records.
func (t *TypeBuilder) ID() uuid.UUID { return t.id }

// Name returns the internal name of the type.
func (t *TypeBuilder) Name() string { return t.name }

// Type returns the type being built, for use in descriptors and member
// references.
func (t *TypeBuilder) Type() descriptor.ClassType { return t.typ }

// Resolve maps a type name to a Type in this session. The type being
// built is always resolvable.
func (t *TypeBuilder) Resolve(name string) (descriptor.Type, error) {
	return t.resolver.Resolve(name)
}

// Declare makes another type name resolvable in this session, for types
// generated alongside this one.
func (t *TypeBuilder) Declare(name string, isInterface bool) descriptor.ClassType {
	return t.resolver.Declare(name, isInterface)
}

// checkType rejects a caller-supplied type with an UnresolvedTypeError
// before any of it reaches the constant pool.
func (t *TypeBuilder) checkType(typ descriptor.Type) error {
	return t.resolver.Check(typ)
}

func (t *TypeBuilder) isInterface() bool {
	return t.mods.Has(Interface)
}

// classify fills in IsInterface for a class type the resolver knows.
func (t *TypeBuilder) classify(ct descriptor.ClassType) descriptor.ClassType {
	if ct.IsInterface {
		return ct
	}
	if r, err := t.resolver.Resolve(ct.Name); err == nil {
		if known, ok := r.(descriptor.ClassType); ok {
			return known
		}
	}
	return ct
}

func (t *TypeBuilder) checkOpen(member string) error {
	switch t.state {
	case stateClosed:
		return &ValidationError{Type: t.name, Member: member, Reason: "use after close", Err: ErrClosed}
	case stateDiscarded:
		return &ValidationError{Type: t.name, Member: member, Reason: "use after discard", Err: ErrClosed}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Members
// ---------------------------------------------------------------------------

// AddField declares a field. Its visibility defaults to private; interface
// fields default to public static final.
func (t *TypeBuilder) AddField(name string, typ descriptor.Type) (*FieldBuilder, error) {
	if err := t.checkOpen(name); err != nil {
		return nil, err
	}
	if !validMemberName(name) {
		return nil, &ValidationError{Type: t.name, Member: name, Reason: "malformed field name"}
	}
	if typ == nil || typ == descriptor.Void {
		return nil, &ValidationError{Type: t.name, Member: name, Reason: "field cannot be void"}
	}
	if err := t.checkType(typ); err != nil {
		return nil, err
	}
	key := "field " + name + ":" + typ.Descriptor()
	if t.members[key] {
		return nil, &ValidationError{Type: t.name, Member: name, Reason: "duplicate field"}
	}
	f := &FieldBuilder{owner: t, name: name, typ: typ, mods: Private}
	if t.isInterface() {
		f.mods = Public | Static | Final
	}
	t.members[key] = true
	t.fields = append(t.fields, f)
	return f, nil
}

// AddMethod declares a method. It is public by default; interface methods
// default to public abstract.
func (t *TypeBuilder) AddMethod(name string, ret descriptor.Type, params ...descriptor.Type) (*MethodBuilder, error) {
	if !validMemberName(name) {
		return nil, &ValidationError{Type: t.name, Member: name, Reason: "malformed method name"}
	}
	mods := Public
	if t.isInterface() {
		mods |= Abstract
	}
	return t.addMethod(name, ret, params, mods)
}

// AddConstructor declares a constructor. Its body must invoke a superclass
// or sibling constructor on This before returning.
func (t *TypeBuilder) AddConstructor(params ...descriptor.Type) (*MethodBuilder, error) {
	if t.isInterface() {
		return nil, &ValidationError{Type: t.name, Member: "<init>", Reason: "interfaces have no constructors"}
	}
	return t.addMethod("<init>", descriptor.Void, params, Public)
}

// AddStaticInitializer declares the static initializer.
func (t *TypeBuilder) AddStaticInitializer() (*MethodBuilder, error) {
	return t.addMethod("<clinit>", descriptor.Void, nil, Static)
}

func (t *TypeBuilder) addMethod(name string, ret descriptor.Type, params []descriptor.Type, mods Modifiers) (*MethodBuilder, error) {
	if err := t.checkOpen(name); err != nil {
		return nil, err
	}
	if ret == nil {
		return nil, &ValidationError{Type: t.name, Member: name, Reason: "missing return type"}
	}
	if err := t.checkType(ret); err != nil {
		return nil, err
	}
	slots := 1
	for i, p := range params {
		if p == nil || p == descriptor.Void {
			return nil, &ValidationError{Type: t.name, Member: name, Reason: fmt.Sprintf("parameter %d is void", i)}
		}
		if err := t.checkType(p); err != nil {
			return nil, err
		}
		slots += p.Slots()
	}
	if slots > 255 {
		return nil, &ValidationError{Type: t.name, Member: name, Reason: "parameters exceed 255 slots"}
	}
	desc := descriptor.MethodDescriptor(ret, params...)
	key := "method " + name + desc
	if t.members[key] {
		return nil, &ValidationError{Type: t.name, Member: name + desc, Reason: "duplicate method"}
	}
	if r := methodModifierProblem(mods, t.isInterface(), name); r != "" {
		return nil, &ValidationError{Type: t.name, Member: name + desc, Reason: r}
	}
	m := newMethod(t, name, ret, params, mods)
	t.members[key] = true
	t.methods = append(t.methods, m)
	return m, nil
}

// AddAnnotation attaches a runtime-visible annotation to the type.
func (t *TypeBuilder) AddAnnotation(a classfile.Annotation) error {
	if err := t.checkOpen(""); err != nil {
		return err
	}
	if err := a.Validate(); err != nil {
		return &ValidationError{Type: t.name, Reason: "invalid annotation", Err: err}
	}
	t.annotations = append(t.annotations, a)
	return nil
}

// ---------------------------------------------------------------------------
// Finalization
// ---------------------------------------------------------------------------

// Close validates and assembles the type and writes it to the sink. It
// runs once: later calls return the first result without writing again.
// After Close every builder of this type is inert.
func (t *TypeBuilder) Close() error {
	switch t.state {
	case stateClosed:
		return t.closeErr
	case stateDiscarded:
		return &ValidationError{Type: t.name, Reason: "close after discard", Err: ErrClosed}
	}
	t.closeErr = t.close()
	t.state = stateClosed
	if t.closeErr != nil {
		t.log.Warningf("close %s: %s", t.name, t.closeErr)
	}
	return t.closeErr
}

func (t *TypeBuilder) close() error {
	if err := t.check(); err != nil {
		return err
	}
	data, err := t.assemble()
	if err != nil {
		return err
	}
	t.log.Debugf("assembled %s: %d fields, %d methods, %d bytes (build %s)",
		t.name, len(t.fields), len(t.methods), len(data), t.id)
	if err := t.sink.Write(t.name, data); err != nil {
		return fmt.Errorf("write %s: %w", t.name, err)
	}
	return nil
}

// check re-validates the member table and every method body before
// assembly, collecting all problems.
func (t *TypeBuilder) check() error {
	var result *multierror.Error

	seen := make(map[string]bool)
	for _, f := range t.fields {
		key := f.name + ":" + f.typ.Descriptor()
		if seen[key] {
			result = multierror.Append(result, &ValidationError{Type: t.name, Member: f.name, Reason: "duplicate field"})
		}
		seen[key] = true
	}
	hasCtor := false
	seen = make(map[string]bool)
	for _, m := range t.methods {
		key := m.name + m.Descriptor()
		if seen[key] {
			result = multierror.Append(result, &ValidationError{Type: t.name, Member: key, Reason: "duplicate method"})
		}
		seen[key] = true
		if m.name == "<init>" {
			hasCtor = true
		}

		m.finish()
		if !m.hasBody() {
			continue
		}
		for _, s := range m.unterminated() {
			what := "branch sequence does not end in return or throw"
			if s.parent == nil {
				what = "method body does not end in return or throw"
			}
			result = multierror.Append(result, &SerializationError{Type: t.name, Member: key, Err: errors.New(what)})
		}
	}

	if result.ErrorOrNil() != nil {
		return result.ErrorOrNil()
	}
	if !hasCtor && !t.isInterface() {
		t.addDefaultConstructor()
	}
	return nil
}

// addDefaultConstructor adds public <init>()V calling the superclass's
// no-arg constructor.
func (t *TypeBuilder) addDefaultConstructor() {
	m := newMethod(t, "<init>", descriptor.Void, nil, Public)
	m.layout()
	m.insns = append(m.insns,
		insn{op: opInvoke, kind: CallSpecial, method: Constructor(t.super), args: []int{m.this},
			result: m.addHandle(handleInfo{typ: descriptor.Void, storage: StorageVoid})},
		insn{op: opReturn},
	)
	m.seqs[0].insns = []int{0, 1}
	m.seqs[0].terminated = true
	t.members["method <init>()V"] = true
	t.methods = append(t.methods, m)
	t.log.Debugf("%s: added default constructor", t.name)
}

// Discard abandons the type. Nothing is written and every builder of this
// type becomes inert. Discarding a closed builder has no effect.
func (t *TypeBuilder) Discard() {
	if t.state == stateOpen {
		t.state = stateDiscarded
		t.log.Debugf("discard %s (build %s)", t.name, t.id)
	}
}
