package descriptor

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// UnresolvedTypeError is returned when a type reference cannot be mapped
// to a descriptor.
type UnresolvedTypeError struct {
	Name   string
	Reason string
}

func (e *UnresolvedTypeError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("unresolved type %q", e.Name)
	}
	return fmt.Sprintf("unresolved type %q: %s", e.Name, e.Reason)
}

// ---------------------------------------------------------------------------
// Registry: known classes and interfaces
// ---------------------------------------------------------------------------

// Registry records which class names exist and whether they are
// interfaces. It is safe for concurrent use and is normally shared by all
// builder sessions.
type Registry struct {
	mu    sync.RWMutex
	types map[string]ClassType // internal name -> type
}

// NewRegistry returns a registry pre-populated with the bootstrap types.
func NewRegistry() *Registry {
	r := &Registry{types: make(map[string]ClassType, len(bootstrapClasses)+len(bootstrapInterfaces))}
	for _, name := range bootstrapClasses {
		r.types[name] = ClassType{Name: name}
	}
	for _, name := range bootstrapInterfaces {
		r.types[name] = ClassType{Name: name, IsInterface: true}
	}
	return r
}

var bootstrapClasses = []string{
	"java/lang/Object",
	"java/lang/String",
	"java/lang/StringBuilder",
	"java/lang/Class",
	"java/lang/Number",
	"java/lang/Boolean",
	"java/lang/Byte",
	"java/lang/Character",
	"java/lang/Short",
	"java/lang/Integer",
	"java/lang/Long",
	"java/lang/Float",
	"java/lang/Double",
	"java/lang/Throwable",
	"java/lang/Exception",
	"java/lang/Error",
	"java/lang/RuntimeException",
	"java/lang/IllegalStateException",
	"java/lang/IllegalArgumentException",
	"java/lang/UnsupportedOperationException",
	"java/lang/NullPointerException",
	"java/lang/ArrayIndexOutOfBoundsException",
	"java/lang/ClassCastException",
	"java/lang/System",
}

var bootstrapInterfaces = []string{
	"java/lang/CharSequence",
	"java/lang/Cloneable",
	"java/lang/Comparable",
	"java/lang/Runnable",
	"java/lang/Iterable",
	"java/io/Serializable",
	"java/util/function/Supplier",
	"java/util/function/Function",
	"java/util/function/BiFunction",
	"java/util/function/Consumer",
	"java/util/function/Predicate",
	"java/util/concurrent/Callable",
}

// Declare records a class or interface. Redeclaring a name replaces the
// previous entry.
func (r *Registry) Declare(name string, isInterface bool) ClassType {
	ct := ClassType{Name: internalize(name), IsInterface: isInterface}
	r.mu.Lock()
	r.types[ct.Name] = ct
	r.mu.Unlock()
	return ct
}

// Lookup returns the registered type for a dotted or internal name.
func (r *Registry) Lookup(name string) (ClassType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ct, ok := r.types[internalize(name)]
	return ct, ok
}

// Names returns all registered internal names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for n := range r.types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ---------------------------------------------------------------------------
// Resolver: per-session memoized resolution
// ---------------------------------------------------------------------------

// Resolver turns type references into Types. A Resolver belongs to a
// single builder session and is not safe for concurrent use.
type Resolver struct {
	registry *Registry
	local    map[string]ClassType
	cache    map[string]Type

	// Lookup, when set, is consulted for class names that are neither
	// registered nor declared locally.
	Lookup func(internalName string) (ClassType, bool)

	// Strict makes Check reject class names that are not declared,
	// registered, or found through Lookup.
	Strict bool
}

// NewResolver creates a resolver backed by registry. A nil registry gets
// a fresh bootstrap registry.
func NewResolver(registry *Registry) *Resolver {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Resolver{
		registry: registry,
		local:    make(map[string]ClassType),
		cache:    make(map[string]Type),
	}
}

// Registry returns the backing registry.
func (r *Resolver) Registry() *Registry {
	return r.registry
}

// Declare makes a class name resolvable within this session only.
func (r *Resolver) Declare(name string, isInterface bool) ClassType {
	ct := ClassType{Name: internalize(name), IsInterface: isInterface}
	r.local[ct.Name] = ct
	// drop cached entries that may have resolved differently
	r.cache = make(map[string]Type)
	return ct
}

// Resolve maps a reference to a Type. Accepted forms:
//
//	int, java.lang.String, String[][]   Java source spelling
//	java/lang/String                    internal name
//	I, [I, Ljava/lang/String;           descriptors
func (r *Resolver) Resolve(ref string) (Type, error) {
	if t, ok := r.cache[ref]; ok {
		return t, nil
	}
	t, err := r.resolve(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	r.cache[ref] = t
	return t, nil
}

// MustResolve is Resolve that panics on error. Intended for tests and
// package-level variables.
func (r *Resolver) MustResolve(ref string) Type {
	t, err := r.Resolve(ref)
	if err != nil {
		panic(err)
	}
	return t
}

func (r *Resolver) resolve(ref string) (Type, error) {
	if ref == "" {
		return nil, &UnresolvedTypeError{Name: ref, Reason: "empty name"}
	}

	// Source-form arrays: "int[][]"
	if strings.HasSuffix(ref, "[]") {
		dims := 0
		base := ref
		for strings.HasSuffix(base, "[]") {
			base = strings.TrimSuffix(base, "[]")
			dims++
		}
		elem, err := r.resolve(base)
		if err != nil {
			return nil, err
		}
		if elem == Void {
			return nil, &UnresolvedTypeError{Name: ref, Reason: "array of void"}
		}
		return ArrayOf(elem, dims), nil
	}

	if p, ok := primitivesByName[ref]; ok {
		return p, nil
	}

	// Descriptor forms
	if ref[0] == '[' || (ref[0] == 'L' && strings.HasSuffix(ref, ";")) || (len(ref) == 1 && primitivesByDesc[ref[0]] != nil) {
		t, n, err := r.parseField(ref, 0)
		if err != nil {
			return nil, err
		}
		if n != len(ref) {
			return nil, &UnresolvedTypeError{Name: ref, Reason: "trailing characters in descriptor"}
		}
		return t, nil
	}

	return r.resolveClass(ref)
}

func (r *Resolver) resolveClass(name string) (Type, error) {
	internal := internalize(name)
	if !ValidInternalName(internal) {
		return nil, &UnresolvedTypeError{Name: name, Reason: "malformed class name"}
	}

	if ct, ok := r.local[internal]; ok {
		return ct, nil
	}
	if ct, ok := r.registry.Lookup(internal); ok {
		return ct, nil
	}
	// Simple names default to java.lang, as in Java source.
	if !strings.Contains(internal, "/") {
		if ct, ok := r.registry.Lookup("java/lang/" + internal); ok {
			return ct, nil
		}
	}
	if r.Lookup != nil {
		if ct, ok := r.Lookup(internal); ok {
			return ct, nil
		}
	}
	return nil, &UnresolvedTypeError{Name: name, Reason: "not found"}
}

// ValidInternalName reports whether name is a well-formed internal class
// name: non-empty slash-separated segments free of descriptor syntax.
func ValidInternalName(name string) bool {
	if name == "" || strings.ContainsAny(name, ".;[<> \t\n") {
		return false
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" {
			return false
		}
	}
	return true
}

// Check verifies a Type built directly by a caller rather than through
// Resolve. Class names must be well formed, and in strict mode known.
// Arrays need an element type that is neither void nor an array, and
// 1-255 dimensions.
func (r *Resolver) Check(t Type) error {
	switch x := t.(type) {
	case nil:
		return &UnresolvedTypeError{Reason: "missing type"}
	case Primitive:
		if x.desc == "" {
			return &UnresolvedTypeError{Reason: "zero primitive"}
		}
		return nil
	case ClassType:
		return r.checkClass(x.Name)
	case ArrayType:
		switch {
		case x.Elem == nil:
			return &UnresolvedTypeError{Name: strings.Repeat("[]", x.Dims), Reason: "array without element type"}
		case x.Dims < 1 || x.Dims > 255:
			return &UnresolvedTypeError{Name: x.Elem.String(), Reason: fmt.Sprintf("array of %d dimensions", x.Dims)}
		case x.Elem == Void:
			return &UnresolvedTypeError{Name: "void[]", Reason: "array of void"}
		}
		if _, nested := x.Elem.(ArrayType); nested {
			return &UnresolvedTypeError{Name: x.Elem.String(), Reason: "array element is an array"}
		}
		return r.Check(x.Elem)
	}
	return &UnresolvedTypeError{Name: fmt.Sprintf("%T", t), Reason: "unsupported type"}
}

func (r *Resolver) checkClass(name string) error {
	if !ValidInternalName(name) {
		return &UnresolvedTypeError{Name: name, Reason: "malformed class name"}
	}
	if !r.Strict {
		return nil
	}
	if _, ok := r.local[name]; ok {
		return nil
	}
	if _, ok := r.registry.Lookup(name); ok {
		return nil
	}
	if r.Lookup != nil {
		if _, ok := r.Lookup(name); ok {
			return nil
		}
	}
	return &UnresolvedTypeError{Name: name, Reason: "not found"}
}

// parseField parses one field descriptor starting at pos and returns the
// type and the position after it.
func (r *Resolver) parseField(desc string, pos int) (Type, int, error) {
	dims := 0
	for pos < len(desc) && desc[pos] == '[' {
		dims++
		pos++
	}
	if pos >= len(desc) {
		return nil, pos, &UnresolvedTypeError{Name: desc, Reason: "truncated descriptor"}
	}

	var elem Type
	switch c := desc[pos]; c {
	case 'L':
		end := strings.IndexByte(desc[pos:], ';')
		if end < 0 {
			return nil, pos, &UnresolvedTypeError{Name: desc, Reason: "unterminated class descriptor"}
		}
		t, err := r.resolveClass(desc[pos+1 : pos+end])
		if err != nil {
			return nil, pos, err
		}
		elem = t
		pos += end + 1
	default:
		p, ok := primitivesByDesc[c]
		if !ok {
			return nil, pos, &UnresolvedTypeError{Name: desc, Reason: fmt.Sprintf("bad descriptor character %q", c)}
		}
		if p == Void && dims > 0 {
			return nil, pos, &UnresolvedTypeError{Name: desc, Reason: "array of void"}
		}
		elem = p
		pos++
	}

	if dims > 0 {
		return ArrayOf(elem, dims), pos, nil
	}
	return elem, pos, nil
}

// ---------------------------------------------------------------------------
// Method descriptors
// ---------------------------------------------------------------------------

// MethodDescriptor builds "(params)ret".
func MethodDescriptor(ret Type, params ...Type) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for _, p := range params {
		sb.WriteString(p.Descriptor())
	}
	sb.WriteByte(')')
	sb.WriteString(ret.Descriptor())
	return sb.String()
}

// ParseMethodDescriptor splits a method descriptor into its return and
// parameter types. Class names are taken as-is and not checked against
// any registry.
func ParseMethodDescriptor(desc string) (ret Type, params []Type, err error) {
	r := &Resolver{
		registry: &Registry{types: map[string]ClassType{}},
		local:    map[string]ClassType{},
		Lookup:   func(n string) (ClassType, bool) { return ClassType{Name: n}, true },
	}
	return r.ParseMethod(desc)
}

// ParseMethod parses a method descriptor, resolving class names through r.
func (r *Resolver) ParseMethod(desc string) (ret Type, params []Type, err error) {
	if len(desc) < 3 || desc[0] != '(' {
		return nil, nil, &UnresolvedTypeError{Name: desc, Reason: "not a method descriptor"}
	}
	pos := 1
	for pos < len(desc) && desc[pos] != ')' {
		var t Type
		t, pos, err = r.parseField(desc, pos)
		if err != nil {
			return nil, nil, err
		}
		if t == Void {
			return nil, nil, &UnresolvedTypeError{Name: desc, Reason: "void parameter"}
		}
		params = append(params, t)
	}
	if pos >= len(desc) {
		return nil, nil, &UnresolvedTypeError{Name: desc, Reason: "missing ')'"}
	}
	ret, pos, err = r.parseField(desc, pos+1)
	if err != nil {
		return nil, nil, err
	}
	if pos != len(desc) {
		return nil, nil, &UnresolvedTypeError{Name: desc, Reason: "trailing characters in descriptor"}
	}
	return ret, params, nil
}

// ParseFieldDescriptor parses a single field descriptor without checking
// class names.
func ParseFieldDescriptor(desc string) (Type, error) {
	r := &Resolver{
		registry: &Registry{types: map[string]ClassType{}},
		local:    map[string]ClassType{},
		Lookup:   func(n string) (ClassType, bool) { return ClassType{Name: n}, true },
	}
	t, n, err := r.parseField(desc, 0)
	if err != nil {
		return nil, err
	}
	if n != len(desc) {
		return nil, &UnresolvedTypeError{Name: desc, Reason: "trailing characters in descriptor"}
	}
	return t, nil
}

// ArgSlots returns the number of local slots used by params.
func ArgSlots(params []Type) int {
	n := 0
	for _, p := range params {
		n += p.Slots()
	}
	return n
}
