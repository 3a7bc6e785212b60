package classfile

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// CodeBuilder: bytecode emission with stack tracking
// ---------------------------------------------------------------------------

// CodeBuilder accumulates the code array of one method. It tracks the
// running operand stack depth so the caller can read MaxStack once
// emission is complete.
type CodeBuilder struct {
	bytes    []byte
	depth    int
	maxDepth int
	labels   []*Label
	err      error
}

// NewCodeBuilder creates an empty code builder.
func NewCodeBuilder() *CodeBuilder {
	return &CodeBuilder{bytes: make([]byte, 0, 64)}
}

// Bytes returns the code emitted so far.
func (b *CodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current code length, which is also the offset of the
// next instruction.
func (b *CodeBuilder) Len() int {
	return len(b.bytes)
}

// Depth returns the current operand stack depth in words.
func (b *CodeBuilder) Depth() int {
	return b.depth
}

// MaxStack returns the deepest operand stack seen.
func (b *CodeBuilder) MaxStack() int {
	return b.maxDepth
}

// Err returns the first emission error.
func (b *CodeBuilder) Err() error {
	return b.err
}

func (b *CodeBuilder) fail(format string, args ...any) {
	if b.err == nil {
		b.err = fmt.Errorf(format, args...)
	}
}

// Adjust applies a stack effect of delta words.
func (b *CodeBuilder) Adjust(delta int) {
	b.depth += delta
	if b.depth < 0 {
		b.fail("operand stack underflow at offset %d", len(b.bytes))
		b.depth = 0
	}
	if b.depth > b.maxDepth {
		b.maxDepth = b.depth
	}
}

func (b *CodeBuilder) effect(op Opcode) {
	if e := op.Info().StackEffect; e != VariableEffect {
		b.Adjust(e)
	}
}

// Emit appends an opcode with no operands.
func (b *CodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
	b.effect(op)
}

// EmitU1 appends an opcode with a one-byte operand.
func (b *CodeBuilder) EmitU1(op Opcode, operand byte) {
	b.bytes = append(b.bytes, byte(op), operand)
	b.effect(op)
}

// EmitU2 appends an opcode with a big-endian two-byte operand.
func (b *CodeBuilder) EmitU2(op Opcode, operand uint16) {
	b.bytes = append(b.bytes, byte(op))
	b.bytes = binary.BigEndian.AppendUint16(b.bytes, operand)
	b.effect(op)
}

// EmitInvoke appends an invoke instruction for a method taking argWords
// words of arguments and returning retWords words. Non-static calls also
// pop the receiver.
func (b *CodeBuilder) EmitInvoke(op Opcode, index uint16, argWords, retWords int) {
	b.bytes = append(b.bytes, byte(op))
	b.bytes = binary.BigEndian.AppendUint16(b.bytes, index)
	pop := argWords
	if op != OpInvokestatic {
		pop++
	}
	if op == OpInvokeinterface {
		b.bytes = append(b.bytes, byte(pop), 0)
	}
	b.Adjust(-pop + retWords)
}

// EmitField appends a get/put field instruction for a value of words size.
func (b *CodeBuilder) EmitField(op Opcode, index uint16, words int) {
	b.bytes = append(b.bytes, byte(op))
	b.bytes = binary.BigEndian.AppendUint16(b.bytes, index)
	switch op {
	case OpGetstatic:
		b.Adjust(words)
	case OpPutstatic:
		b.Adjust(-words)
	case OpGetfield:
		b.Adjust(words - 1)
	case OpPutfield:
		b.Adjust(-words - 1)
	}
}

// EmitLocal appends a load or store of a local slot, using the wide form
// for slots above 255.
func (b *CodeBuilder) EmitLocal(op Opcode, slot int) {
	switch {
	case slot < 0 || slot > math.MaxUint16:
		b.fail("local slot %d out of range", slot)
	case slot <= math.MaxUint8:
		b.bytes = append(b.bytes, byte(op), byte(slot))
	default:
		b.bytes = append(b.bytes, byte(OpWide), byte(op))
		b.bytes = binary.BigEndian.AppendUint16(b.bytes, uint16(slot))
	}
	b.effect(op)
}

// EmitLdc loads a single-word pool constant, choosing ldc or ldc_w by
// index.
func (b *CodeBuilder) EmitLdc(index uint16) {
	if index <= math.MaxUint8 {
		b.EmitU1(OpLdc, byte(index))
		return
	}
	b.EmitU2(OpLdcW, index)
}

// EmitInt pushes an int constant using the shortest form that needs no
// pool entry. It reports false when v needs a pool Integer.
func (b *CodeBuilder) EmitInt(v int32) bool {
	switch {
	case v >= -1 && v <= 5:
		b.Emit(Opcode(int32(OpIconst0) + v))
	case v >= math.MinInt8 && v <= math.MaxInt8:
		b.EmitU1(OpBipush, byte(int8(v)))
	case v >= math.MinInt16 && v <= math.MaxInt16:
		b.EmitU2(OpSipush, uint16(int16(v)))
	default:
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Labels and forward references
// ---------------------------------------------------------------------------

// Label is a branch target. References emitted before the label is marked
// are patched when Mark runs.
type Label struct {
	resolved bool
	position int
	depth    int
	refs     []int // operand positions awaiting the target
	name     string
}

// NewLabel creates an unresolved label.
func (b *CodeBuilder) NewLabel(name string) *Label {
	l := &Label{name: name, depth: -1}
	b.labels = append(b.labels, l)
	return l
}

// Mark binds label to the current position and patches forward
// references. The stack depth at the label becomes the depth recorded by
// the branches that target it.
func (b *CodeBuilder) Mark(label *Label) {
	if label.resolved {
		b.fail("label %q already marked", label.name)
		return
	}
	label.resolved = true
	label.position = len(b.bytes)
	if label.depth >= 0 {
		b.depth = label.depth
	}
	for _, ref := range label.refs {
		b.patch(ref, label.position)
	}
	label.refs = nil
}

// EmitBranch emits a branch to label. Forward targets get a placeholder
// that Mark fills in.
func (b *CodeBuilder) EmitBranch(op Opcode, label *Label) {
	at := len(b.bytes)
	b.bytes = append(b.bytes, byte(op), 0, 0)
	b.effect(op)
	if label.depth < 0 {
		label.depth = b.depth
	} else if label.depth != b.depth {
		b.fail("inconsistent stack depth at label %q: %d vs %d", label.name, label.depth, b.depth)
	}
	if label.resolved {
		b.patch(at+1, label.position)
	} else {
		label.refs = append(label.refs, at+1)
	}
}

func (b *CodeBuilder) patch(operandPos, target int) {
	offset := target - (operandPos - 1)
	if offset < math.MinInt16 || offset > math.MaxInt16 {
		b.fail("branch offset %d at %d exceeds 16 bits", offset, operandPos-1)
		return
	}
	binary.BigEndian.PutUint16(b.bytes[operandPos:], uint16(int16(offset)))
}

// Finish checks that every label was marked and returns the code.
func (b *CodeBuilder) Finish() ([]byte, error) {
	for _, l := range b.labels {
		if !l.resolved && len(l.refs) > 0 {
			b.fail("label %q referenced but never marked", l.name)
		}
	}
	if b.err != nil {
		return nil, b.err
	}
	if len(b.bytes) == 0 {
		return nil, fmt.Errorf("empty code array")
	}
	if len(b.bytes) > math.MaxUint16 {
		return nil, fmt.Errorf("code length %d exceeds 65535", len(b.bytes))
	}
	return b.bytes, nil
}
