package builder

import (
	"fmt"

	"github.com/chazu/classforge/descriptor"
)

// ---------------------------------------------------------------------------
// Handle: a reference to a value produced by one instruction
// ---------------------------------------------------------------------------

// Storage says where a Handle's value lives.
type Storage int

const (
	StorageVoid  Storage = iota // no value (void invoke)
	StorageSlot                 // a local variable slot
	StorageConst                // a constant rematerialized at each use
)

func (s Storage) String() string {
	switch s {
	case StorageSlot:
		return "slot"
	case StorageConst:
		return "const"
	}
	return "void"
}

// Handle refers to a value inside one method. Handles are indices into
// the method's arena; the zero Handle is invalid.
type Handle struct {
	id int
	m  *MethodBuilder
}

// Valid reports whether h refers to a value.
func (h Handle) Valid() bool {
	return h.m != nil && h.id > 0 && h.id < len(h.m.handles)
}

// Type returns the static type of the value, or nil for an invalid handle.
func (h Handle) Type() descriptor.Type {
	if !h.Valid() {
		return nil
	}
	return h.m.handles[h.id].typ
}

// Storage returns where the value lives.
func (h Handle) Storage() Storage {
	if !h.Valid() {
		return StorageVoid
	}
	return h.m.handles[h.id].storage
}

// Slot returns the local slot of a slot-stored value, or -1.
func (h Handle) Slot() int {
	if !h.Valid() || h.m.handles[h.id].storage != StorageSlot {
		return -1
	}
	return h.m.handles[h.id].slot
}

func (h Handle) String() string {
	if !h.Valid() {
		return "<invalid>"
	}
	info := h.m.handles[h.id]
	switch info.storage {
	case StorageSlot:
		return fmt.Sprintf("%%%d:%s@%d", h.id, info.typ, info.slot)
	case StorageConst:
		return fmt.Sprintf("%%%d:%s=%s", h.id, info.typ, info.konst)
	}
	return fmt.Sprintf("%%%d:void", h.id)
}

// handleInfo is the arena record behind a Handle.
type handleInfo struct {
	typ     descriptor.Type
	storage Storage
	slot    int
	konst   constant
	scope   *sequence // sequence that produced it; nil for this/params
}

// ---------------------------------------------------------------------------
// Constants
// ---------------------------------------------------------------------------

type constKind int

const (
	constNull constKind = iota
	constInt
	constLong
	constFloat
	constDouble
	constString
	constClass
)

// constant is a literal that is pushed wherever its handle is read.
type constant struct {
	kind constKind
	i    int64
	f    float64
	s    string
	t    descriptor.Type // class literal
}

func (c constant) String() string {
	switch c.kind {
	case constNull:
		return "null"
	case constInt, constLong:
		return fmt.Sprint(c.i)
	case constFloat, constDouble:
		return fmt.Sprint(c.f)
	case constString:
		return fmt.Sprintf("%q", c.s)
	case constClass:
		return c.t.String() + ".class"
	}
	return "?"
}

// CharConst marks a rune to be loaded as a char rather than an int.
type CharConst rune

// Char wraps r so Load produces a char value.
func Char(r rune) CharConst { return CharConst(r) }
