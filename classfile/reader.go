package classfile

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// reader: bounds-checked big-endian cursor
// ---------------------------------------------------------------------------

var errTruncated = errors.New("unexpected end of data")

type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) setErr(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > len(r.data) {
		r.setErr(errTruncated)
		return false
	}
	return true
}

func (r *reader) u1() byte {
	if !r.need(1) {
		return 0
	}
	b := r.data[r.pos]
	r.pos++
	return b
}

func (r *reader) u2() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v
}

func (r *reader) u4() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) u8() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v
}

func (r *reader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	b := make([]byte, n)
	copy(b, r.data[r.pos:r.pos+n])
	r.pos += n
	return b
}

func (r *reader) utf8(pool *ConstantPool) string {
	idx := r.u2()
	if r.err != nil {
		return ""
	}
	s, err := pool.Utf8(idx)
	if err != nil {
		r.setErr(err)
	}
	return s
}

// ---------------------------------------------------------------------------
// Parse
// ---------------------------------------------------------------------------

// Parse decodes a class file. Attributes are kept raw; use MethodCode and
// DecodeAnnotations to look inside them.
func Parse(data []byte) (*ClassFile, error) {
	r := &reader{data: data}
	if r.u4() != Magic {
		if r.err != nil {
			return nil, fmt.Errorf("classfile: %w", r.err)
		}
		return nil, fmt.Errorf("classfile: bad magic")
	}

	cf := &ClassFile{Pool: NewConstantPool()}
	cf.Minor = r.u2()
	cf.Major = r.u2()

	if err := readPool(r, cf.Pool); err != nil {
		return nil, fmt.Errorf("classfile: constant pool: %w", err)
	}

	cf.Access = AccessFlags(r.u2())
	cf.ThisClass = r.u2()
	cf.SuperClass = r.u2()
	n := r.u2()
	for i := 0; i < int(n) && r.err == nil; i++ {
		cf.Interfaces = append(cf.Interfaces, r.u2())
	}
	cf.Fields = readMembers(r)
	cf.Methods = readMembers(r)
	cf.Attributes = readAttributes(r)

	if r.err != nil {
		return nil, fmt.Errorf("classfile: %w", r.err)
	}
	if r.pos != len(data) {
		return nil, fmt.Errorf("classfile: %d trailing bytes", len(data)-r.pos)
	}
	if _, err := cf.Pool.ClassName(cf.ThisClass); err != nil {
		return nil, fmt.Errorf("classfile: this_class: %w", err)
	}
	return cf, nil
}

func readPool(r *reader, pool *ConstantPool) error {
	count := int(r.u2())
	for i := 1; i < count && r.err == nil; i++ {
		c := Constant{Tag: Tag(r.u1())}
		switch c.Tag {
		case TagUtf8:
			n := int(r.u2())
			raw := r.bytes(n)
			if r.err != nil {
				break
			}
			s, err := DecodeModifiedUTF8(raw)
			if err != nil {
				return fmt.Errorf("entry %d: %w", i, err)
			}
			c.Str = s
		case TagInteger, TagFloat:
			c.Bits = uint64(r.u4())
		case TagLong, TagDouble:
			c.Bits = r.u8()
		case TagClass, TagString:
			c.Ref1 = r.u2()
		case TagFieldref, TagMethodref, TagInterfaceMethodref, TagNameAndType:
			c.Ref1 = r.u2()
			c.Ref2 = r.u2()
		default:
			return fmt.Errorf("entry %d: unsupported tag %d", i, c.Tag)
		}
		pool.set(i, c)
		if c.Tag.Wide() {
			i++
			pool.set(i, Constant{})
			delete(pool.index, poolKey{})
		}
	}
	for len(pool.entries) < count {
		pool.entries = append(pool.entries, Constant{})
	}
	return r.err
}

func readMembers(r *reader) []Member {
	n := r.u2()
	members := make([]Member, 0, n)
	for i := 0; i < int(n) && r.err == nil; i++ {
		m := Member{
			Access:     AccessFlags(r.u2()),
			Name:       r.u2(),
			Descriptor: r.u2(),
		}
		m.Attributes = readAttributes(r)
		members = append(members, m)
	}
	return members
}

func readAttributes(r *reader) []Attribute {
	n := r.u2()
	attrs := make([]Attribute, 0, n)
	for i := 0; i < int(n) && r.err == nil; i++ {
		name := r.u2()
		size := r.u4()
		attrs = append(attrs, Attribute{Name: name, Data: r.bytes(int(size))})
	}
	return attrs
}

// DecodeCode parses the payload of a Code attribute.
func DecodeCode(data []byte) (Code, error) {
	r := &reader{data: data}
	var c Code
	c.MaxStack = r.u2()
	c.MaxLocals = r.u2()
	c.Code = r.bytes(int(r.u4()))
	excCount := r.u2()
	r.bytes(int(excCount) * 8)
	c.Attributes = readAttributes(r)
	if r.err != nil {
		return Code{}, fmt.Errorf("code attribute: %w", r.err)
	}
	return c, nil
}
