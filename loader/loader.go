// Package loader defines generated classes in-process and executes them
// with a small interpreter, so a freshly assembled type can be
// instantiated and invoked immediately.
package loader

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/classforge/classfile"
	"github.com/chazu/classforge/descriptor"
)

const accStatic = classfile.AccStatic

// ---------------------------------------------------------------------------
// Class and Method
// ---------------------------------------------------------------------------

// FieldInfo describes a declared field.
type FieldInfo struct {
	Name   string
	Type   descriptor.Type
	Access classfile.AccessFlags
}

// native implements a host method. args include the receiver for
// instance methods.
type native func(t *thread, args []Value) (Value, error)

// Method is a linked method, either bytecode or native.
type Method struct {
	Class  *Class
	Name   string
	Desc   string
	Access classfile.AccessFlags
	Params []descriptor.Type
	Return descriptor.Type

	maxLocals int
	insns     []classfile.Instruction
	index     map[int]int // code offset -> insns index
	native    native
}

func (m *Method) String() string {
	return m.Class.Name + "." + m.Name + m.Desc
}

func (m *Method) static() bool {
	return m.Access&accStatic != 0
}

// Class is a defined or host class.
type Class struct {
	Name       string
	Access     classfile.AccessFlags
	File       *classfile.ClassFile // nil for host classes
	superclass *Class
	interfaces []*Class
	fields     []FieldInfo
	methods    map[string]*Method

	mu         sync.Mutex
	cond       *sync.Cond
	initState  int
	initThread *thread
	initErr    error
	statics    map[string]Value
}

const (
	uninitialized = iota
	initializing
	initialized
)

func newClass(name string, access classfile.AccessFlags) *Class {
	c := &Class{Name: name, Access: access, methods: make(map[string]*Method), statics: make(map[string]Value)}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Super returns the superclass, or nil for java.lang.Object.
func (c *Class) Super() *Class { return c.superclass }

// IsInterface reports whether c is an interface.
func (c *Class) IsInterface() bool { return c.Access.Has(classfile.AccInterface) }

// Interfaces returns the internal names of the direct interfaces.
func (c *Class) Interfaces() []string {
	names := make([]string, len(c.interfaces))
	for i, ic := range c.interfaces {
		names[i] = ic.Name
	}
	return names
}

// Fields returns the declared fields in declaration order.
func (c *Class) Fields() []FieldInfo {
	return append([]FieldInfo(nil), c.fields...)
}

// Field returns the declared field called name.
func (c *Class) Field(name string) (FieldInfo, bool) {
	for _, f := range c.fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldInfo{}, false
}

// Method returns the method declared by c with the given name and
// descriptor.
func (c *Class) Method(name, desc string) (*Method, bool) {
	m, ok := c.methods[name+desc]
	return m, ok
}

// lookup finds a method in c or its superclasses, then its interfaces.
func (c *Class) lookup(name, desc string) *Method {
	for k := c; k != nil; k = k.superclass {
		if m, ok := k.methods[name+desc]; ok {
			return m
		}
	}
	for k := c; k != nil; k = k.superclass {
		for _, ic := range k.interfaces {
			if m := ic.lookup(name, desc); m != nil {
				return m
			}
		}
	}
	return nil
}

// IsSubclassOf reports whether c is other or inherits from it.
func (c *Class) IsSubclassOf(other *Class) bool {
	if c == other {
		return true
	}
	if c.superclass != nil && c.superclass.IsSubclassOf(other) {
		return true
	}
	for _, ic := range c.interfaces {
		if ic.IsSubclassOf(other) {
			return true
		}
	}
	return false
}

// static reads a static field declared by c or a superclass.
func (c *Class) static(name string) (Value, bool) {
	for k := c; k != nil; k = k.superclass {
		k.mu.Lock()
		v, ok := k.statics[name]
		k.mu.Unlock()
		if ok {
			return v, true
		}
	}
	return nil, false
}

func (c *Class) setStatic(name string, v Value) bool {
	for k := c; k != nil; k = k.superclass {
		k.mu.Lock()
		_, ok := k.statics[name]
		if ok {
			k.statics[name] = v
		}
		k.mu.Unlock()
		if ok {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Loader
// ---------------------------------------------------------------------------

// Loader holds defined classes. It implements the builder's Sink
// interface and is safe for concurrent use.
type Loader struct {
	mu      sync.RWMutex
	classes map[string]*Class
	log     commonlog.Logger
}

// New creates a loader with the host classes installed.
func New() *Loader {
	l := &Loader{
		classes: make(map[string]*Class),
		log:     commonlog.GetLogger("classforge.loader"),
	}
	installHostClasses(l)
	return l
}

// Write parses and defines a class file. It satisfies builder.Sink.
func (l *Loader) Write(typeName string, data []byte) error {
	c, err := l.Define(data)
	if err != nil {
		return err
	}
	if c.Name != typeName {
		return fmt.Errorf("loader: class file defines %s, not %s", c.Name, typeName)
	}
	return nil
}

// Define parses data and links the class it holds. The superclass and
// interfaces must already be defined.
func (l *Loader) Define(data []byte) (*Class, error) {
	cf, err := classfile.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}
	c, err := l.link(cf)
	if err != nil {
		return nil, fmt.Errorf("loader: %s: %w", cf.Name(), err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.classes[c.Name]; exists {
		return nil, fmt.Errorf("loader: duplicate class definition %s", c.Name)
	}
	l.classes[c.Name] = c
	l.log.Debugf("defined %s (%d fields, %d methods)", c.Name, len(c.fields), len(c.methods))
	return c, nil
}

func (l *Loader) link(cf *classfile.ClassFile) (*Class, error) {
	c := newClass(cf.Name(), cf.Access)
	c.File = cf

	if name := cf.SuperName(); name != "" {
		super, ok := l.Class(name)
		if !ok {
			return nil, fmt.Errorf("superclass %s not defined", name)
		}
		if super.IsInterface() {
			return nil, fmt.Errorf("superclass %s is an interface", name)
		}
		c.superclass = super
	} else if c.Name != "java/lang/Object" {
		return nil, fmt.Errorf("missing superclass")
	}
	for _, name := range cf.InterfaceNames() {
		ic, ok := l.Class(name)
		if !ok {
			return nil, fmt.Errorf("interface %s not defined", name)
		}
		if !ic.IsInterface() {
			return nil, fmt.Errorf("%s is not an interface", name)
		}
		c.interfaces = append(c.interfaces, ic)
	}

	for _, f := range cf.Fields {
		name, desc := cf.MemberName(f)
		t, err := descriptor.ParseFieldDescriptor(desc)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		c.fields = append(c.fields, FieldInfo{Name: name, Type: t, Access: f.Access})
		if f.Access&accStatic != 0 {
			c.statics[name] = zeroValue(t)
		}
	}

	for _, mem := range cf.Methods {
		name, desc := cf.MemberName(mem)
		m, err := linkMethod(c, cf, mem, name, desc)
		if err != nil {
			return nil, fmt.Errorf("method %s%s: %w", name, desc, err)
		}
		c.methods[name+desc] = m
	}
	return c, nil
}

func linkMethod(c *Class, cf *classfile.ClassFile, mem classfile.Member, name, desc string) (*Method, error) {
	ret, params, err := descriptor.ParseMethodDescriptor(desc)
	if err != nil {
		return nil, err
	}
	m := &Method{Class: c, Name: name, Desc: desc, Access: mem.Access, Params: params, Return: ret}
	code, ok, err := cf.MethodCode(mem)
	switch {
	case err != nil:
		return nil, err
	case !ok:
		if !mem.Access.Has(classfile.AccAbstract) {
			return nil, fmt.Errorf("concrete method without code")
		}
		return m, nil
	}
	if m.insns, err = classfile.Decode(code.Code); err != nil {
		return nil, err
	}
	m.maxLocals = int(code.MaxLocals)
	args := descriptor.ArgSlots(params)
	if !m.static() {
		args++
	}
	if m.maxLocals < args {
		return nil, fmt.Errorf("max_locals %d below argument size %d", m.maxLocals, args)
	}
	m.index = make(map[int]int, len(m.insns))
	for i, in := range m.insns {
		m.index[in.Offset] = i
	}
	for _, in := range m.insns {
		if in.Op.IsBranch() {
			if _, ok := m.index[in.Target]; !ok {
				return nil, fmt.Errorf("branch at %d targets %d, not an instruction boundary", in.Offset, in.Target)
			}
		}
	}
	return m, nil
}

// Class returns a defined or host class.
func (l *Loader) Class(name string) (*Class, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.classes[name]
	return c, ok
}

// Names returns the names of all classes defined with Define, sorted.
func (l *Loader) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var names []string
	for name, c := range l.classes {
		if c.File != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ---------------------------------------------------------------------------
// Entry points for Go callers
// ---------------------------------------------------------------------------

// NewInstance instantiates class with the constructor matching desc
// (e.g. "()V").
func (l *Loader) NewInstance(class, desc string, args ...Value) (*Object, error) {
	t := &thread{l: l}
	c, err := t.resolveClass(class)
	if err != nil {
		return nil, err
	}
	if c.Access.Has(classfile.AccAbstract) {
		return nil, t.throwNew("java/lang/InstantiationError", c.Name)
	}
	if err := t.initialize(c); err != nil {
		return nil, err
	}
	ctor, ok := c.Method("<init>", desc)
	if !ok {
		return nil, t.throwNew("java/lang/NoSuchMethodError", c.Name+".<init>"+desc)
	}
	obj := t.allocate(c)
	call, err := t.arguments(ctor, obj, args)
	if err != nil {
		return nil, err
	}
	if _, err := t.call(ctor, call); err != nil {
		return nil, err
	}
	return obj, nil
}

// Invoke calls an instance method with virtual dispatch on receiver.
func (l *Loader) Invoke(receiver Value, name, desc string, args ...Value) (Value, error) {
	t := &thread{l: l}
	c, err := t.classOf(receiver)
	if err != nil {
		return nil, err
	}
	m := c.lookup(name, desc)
	if m == nil || m.static() {
		return nil, t.throwNew("java/lang/NoSuchMethodError", c.Name+"."+name+desc)
	}
	call, err := t.arguments(m, receiver, args)
	if err != nil {
		return nil, err
	}
	return t.call(m, call)
}

// InvokeStatic calls a static method.
func (l *Loader) InvokeStatic(class, name, desc string, args ...Value) (Value, error) {
	t := &thread{l: l}
	c, err := t.resolveClass(class)
	if err != nil {
		return nil, err
	}
	m := c.lookup(name, desc)
	if m == nil || !m.static() {
		return nil, t.throwNew("java/lang/NoSuchMethodError", class+"."+name+desc)
	}
	if err := t.initialize(m.Class); err != nil {
		return nil, err
	}
	call, err := t.arguments(m, nil, args)
	if err != nil {
		return nil, err
	}
	return t.call(m, call)
}

// GetStatic reads a static field, initializing the class first.
func (l *Loader) GetStatic(class, field string) (Value, error) {
	t := &thread{l: l}
	c, err := t.resolveClass(class)
	if err != nil {
		return nil, err
	}
	if err := t.initialize(c); err != nil {
		return nil, err
	}
	v, ok := c.static(field)
	if !ok {
		return nil, t.throwNew("java/lang/NoSuchFieldError", class+"."+field)
	}
	return v, nil
}
