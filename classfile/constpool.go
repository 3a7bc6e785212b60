package classfile

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Constant tags
// ---------------------------------------------------------------------------

// Tag identifies the kind of a constant pool entry.
type Tag byte

const (
	TagUtf8               Tag = 1
	TagInteger            Tag = 3
	TagFloat              Tag = 4
	TagLong               Tag = 5
	TagDouble             Tag = 6
	TagClass              Tag = 7
	TagString             Tag = 8
	TagFieldref           Tag = 9
	TagMethodref          Tag = 10
	TagInterfaceMethodref Tag = 11
	TagNameAndType        Tag = 12
)

var tagNames = map[Tag]string{
	TagUtf8:               "Utf8",
	TagInteger:            "Integer",
	TagFloat:              "Float",
	TagLong:               "Long",
	TagDouble:             "Double",
	TagClass:              "Class",
	TagString:             "String",
	TagFieldref:           "Fieldref",
	TagMethodref:          "Methodref",
	TagInterfaceMethodref: "InterfaceMethodref",
	TagNameAndType:        "NameAndType",
}

func (t Tag) String() string {
	if n, ok := tagNames[t]; ok {
		return n
	}
	return fmt.Sprintf("Tag(%d)", byte(t))
}

// Wide reports whether entries of this tag occupy two pool slots.
func (t Tag) Wide() bool {
	return t == TagLong || t == TagDouble
}

// MaxPoolSlots is the largest constant_pool_count the format allows.
const MaxPoolSlots = 0xFFFF

// ---------------------------------------------------------------------------
// Constant
// ---------------------------------------------------------------------------

// Constant is one pool entry. Which fields are meaningful depends on Tag:
//
//	Utf8                      Str
//	Integer, Float            Bits (raw 32-bit pattern in the low word)
//	Long, Double              Bits
//	Class, String             Ref1 (Utf8 index)
//	Fieldref, *Methodref      Ref1 (Class), Ref2 (NameAndType)
//	NameAndType               Ref1 (name Utf8), Ref2 (descriptor Utf8)
type Constant struct {
	Tag  Tag
	Str  string
	Bits uint64
	Ref1 uint16
	Ref2 uint16
}

type poolKey struct {
	tag  Tag
	str  string
	bits uint64
	ref1 uint16
	ref2 uint16
}

// ---------------------------------------------------------------------------
// ConstantPool: the deduplicated symbol table
// ---------------------------------------------------------------------------

// ConstantPool assigns stable, first-seen indices to constants. Index 0 is
// unused, and Long/Double entries consume the following index as well.
type ConstantPool struct {
	entries []Constant // entries[i] is pool index i; entries[0] and wide shadows are zero
	index   map[poolKey]uint16
	err     error
}

// NewConstantPool creates an empty pool.
func NewConstantPool() *ConstantPool {
	return &ConstantPool{
		entries: make([]Constant, 1, 64),
		index:   make(map[poolKey]uint16),
	}
}

// Err returns the first overflow error, if any. Once set, further
// additions return index 0.
func (p *ConstantPool) Err() error {
	return p.err
}

// Count is the constant_pool_count value: one more than the highest index.
func (p *ConstantPool) Count() int {
	return len(p.entries)
}

// Len returns the number of logical entries (wide entries count once).
func (p *ConstantPool) Len() int {
	return len(p.index)
}

// Get returns the entry at index i.
func (p *ConstantPool) Get(i uint16) (Constant, bool) {
	if i == 0 || int(i) >= len(p.entries) || p.entries[i].Tag == 0 {
		return Constant{}, false
	}
	return p.entries[i], true
}

func (p *ConstantPool) add(c Constant) uint16 {
	key := poolKey{c.Tag, c.Str, c.Bits, c.Ref1, c.Ref2}
	if idx, ok := p.index[key]; ok {
		return idx
	}
	if p.err != nil {
		return 0
	}
	width := 1
	if c.Tag.Wide() {
		width = 2
	}
	if len(p.entries)+width > MaxPoolSlots {
		p.err = fmt.Errorf("constant pool overflow: more than %d slots", MaxPoolSlots-1)
		return 0
	}
	idx := uint16(len(p.entries))
	p.entries = append(p.entries, c)
	if width == 2 {
		p.entries = append(p.entries, Constant{})
	}
	p.index[key] = idx
	return idx
}

// AddUtf8 interns a Utf8 entry.
func (p *ConstantPool) AddUtf8(s string) uint16 {
	if len(s) > 0xFFFF/3 && len(EncodeModifiedUTF8(s)) > 0xFFFF {
		if p.err == nil {
			p.err = fmt.Errorf("string constant of %d bytes exceeds 65535", len(s))
		}
		return 0
	}
	return p.add(Constant{Tag: TagUtf8, Str: s})
}

// AddInteger interns an Integer entry.
func (p *ConstantPool) AddInteger(v int32) uint16 {
	return p.add(Constant{Tag: TagInteger, Bits: uint64(uint32(v))})
}

// AddFloat interns a Float entry. Distinct bit patterns (e.g. -0.0 vs
// 0.0, NaN payloads) are distinct entries.
func (p *ConstantPool) AddFloat(v float32) uint16 {
	return p.add(Constant{Tag: TagFloat, Bits: uint64(math.Float32bits(v))})
}

// AddLong interns a Long entry.
func (p *ConstantPool) AddLong(v int64) uint16 {
	return p.add(Constant{Tag: TagLong, Bits: uint64(v)})
}

// AddDouble interns a Double entry.
func (p *ConstantPool) AddDouble(v float64) uint16 {
	return p.add(Constant{Tag: TagDouble, Bits: math.Float64bits(v)})
}

// AddClass interns a Class entry for an internal name or array descriptor.
func (p *ConstantPool) AddClass(internalName string) uint16 {
	return p.add(Constant{Tag: TagClass, Ref1: p.AddUtf8(internalName)})
}

// AddString interns a String entry.
func (p *ConstantPool) AddString(s string) uint16 {
	return p.add(Constant{Tag: TagString, Ref1: p.AddUtf8(s)})
}

// AddNameAndType interns a NameAndType entry.
func (p *ConstantPool) AddNameAndType(name, desc string) uint16 {
	n := p.AddUtf8(name)
	d := p.AddUtf8(desc)
	return p.add(Constant{Tag: TagNameAndType, Ref1: n, Ref2: d})
}

// AddFieldref interns a Fieldref entry.
func (p *ConstantPool) AddFieldref(owner, name, desc string) uint16 {
	c := p.AddClass(owner)
	nt := p.AddNameAndType(name, desc)
	return p.add(Constant{Tag: TagFieldref, Ref1: c, Ref2: nt})
}

// AddMethodref interns a Methodref entry.
func (p *ConstantPool) AddMethodref(owner, name, desc string) uint16 {
	c := p.AddClass(owner)
	nt := p.AddNameAndType(name, desc)
	return p.add(Constant{Tag: TagMethodref, Ref1: c, Ref2: nt})
}

// AddInterfaceMethodref interns an InterfaceMethodref entry.
func (p *ConstantPool) AddInterfaceMethodref(owner, name, desc string) uint16 {
	c := p.AddClass(owner)
	nt := p.AddNameAndType(name, desc)
	return p.add(Constant{Tag: TagInterfaceMethodref, Ref1: c, Ref2: nt})
}

// ---------------------------------------------------------------------------
// Lookup helpers
// ---------------------------------------------------------------------------

// Utf8 returns the string of a Utf8 entry.
func (p *ConstantPool) Utf8(i uint16) (string, error) {
	c, ok := p.Get(i)
	if !ok || c.Tag != TagUtf8 {
		return "", fmt.Errorf("constant %d is not Utf8", i)
	}
	return c.Str, nil
}

// ClassName returns the internal name referenced by a Class entry.
func (p *ConstantPool) ClassName(i uint16) (string, error) {
	c, ok := p.Get(i)
	if !ok || c.Tag != TagClass {
		return "", fmt.Errorf("constant %d is not a Class", i)
	}
	return p.Utf8(c.Ref1)
}

// MemberRef resolves a Fieldref/Methodref/InterfaceMethodref entry.
func (p *ConstantPool) MemberRef(i uint16) (owner, name, desc string, err error) {
	c, ok := p.Get(i)
	if !ok || (c.Tag != TagFieldref && c.Tag != TagMethodref && c.Tag != TagInterfaceMethodref) {
		return "", "", "", fmt.Errorf("constant %d is not a member reference", i)
	}
	if owner, err = p.ClassName(c.Ref1); err != nil {
		return "", "", "", err
	}
	nt, ok := p.Get(c.Ref2)
	if !ok || nt.Tag != TagNameAndType {
		return "", "", "", fmt.Errorf("constant %d is not a NameAndType", c.Ref2)
	}
	if name, err = p.Utf8(nt.Ref1); err != nil {
		return "", "", "", err
	}
	if desc, err = p.Utf8(nt.Ref2); err != nil {
		return "", "", "", err
	}
	return owner, name, desc, nil
}

// Value returns the Go value of a loadable constant: int32, float32,
// int64, float64, string (for String entries), or ClassRef.
func (p *ConstantPool) Value(i uint16) (any, error) {
	c, ok := p.Get(i)
	if !ok {
		return nil, fmt.Errorf("constant %d does not exist", i)
	}
	switch c.Tag {
	case TagInteger:
		return int32(uint32(c.Bits)), nil
	case TagFloat:
		return math.Float32frombits(uint32(c.Bits)), nil
	case TagLong:
		return int64(c.Bits), nil
	case TagDouble:
		return math.Float64frombits(c.Bits), nil
	case TagString:
		return p.Utf8(c.Ref1)
	case TagClass:
		name, err := p.Utf8(c.Ref1)
		return ClassRef(name), err
	}
	return nil, fmt.Errorf("constant %d (%s) is not loadable", i, c.Tag)
}

// ClassRef is the value of a loaded Class constant.
type ClassRef string

// ---------------------------------------------------------------------------
// Serialization
// ---------------------------------------------------------------------------

// appendTo writes constant_pool_count and the entries.
func (p *ConstantPool) appendTo(out []byte) []byte {
	out = binary.BigEndian.AppendUint16(out, uint16(len(p.entries)))
	for i := 1; i < len(p.entries); i++ {
		c := p.entries[i]
		if c.Tag == 0 {
			continue // second half of a wide entry
		}
		out = append(out, byte(c.Tag))
		switch c.Tag {
		case TagUtf8:
			b := EncodeModifiedUTF8(c.Str)
			out = binary.BigEndian.AppendUint16(out, uint16(len(b)))
			out = append(out, b...)
		case TagInteger, TagFloat:
			out = binary.BigEndian.AppendUint32(out, uint32(c.Bits))
		case TagLong, TagDouble:
			out = binary.BigEndian.AppendUint64(out, c.Bits)
		case TagClass, TagString:
			out = binary.BigEndian.AppendUint16(out, c.Ref1)
		default:
			out = binary.BigEndian.AppendUint16(out, c.Ref1)
			out = binary.BigEndian.AppendUint16(out, c.Ref2)
		}
	}
	return out
}

// set places c at index i during parsing.
func (p *ConstantPool) set(i int, c Constant) {
	for len(p.entries) <= i {
		p.entries = append(p.entries, Constant{})
	}
	p.entries[i] = c
	p.index[poolKey{c.Tag, c.Str, c.Bits, c.Ref1, c.Ref2}] = uint16(i)
}
