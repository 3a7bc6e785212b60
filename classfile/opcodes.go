package classfile

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is a single JVM instruction byte. Only the subset the assembler
// emits (and the loader executes) is listed.
type Opcode byte

// Constants
const (
	OpNop        Opcode = 0x00
	OpAconstNull Opcode = 0x01
	OpIconstM1   Opcode = 0x02
	OpIconst0    Opcode = 0x03
	OpIconst1    Opcode = 0x04
	OpIconst2    Opcode = 0x05
	OpIconst3    Opcode = 0x06
	OpIconst4    Opcode = 0x07
	OpIconst5    Opcode = 0x08
	OpLconst0    Opcode = 0x09
	OpLconst1    Opcode = 0x0A
	OpFconst0    Opcode = 0x0B
	OpFconst1    Opcode = 0x0C
	OpFconst2    Opcode = 0x0D
	OpDconst0    Opcode = 0x0E
	OpDconst1    Opcode = 0x0F
	OpBipush     Opcode = 0x10 // s1 value
	OpSipush     Opcode = 0x11 // s2 value
	OpLdc        Opcode = 0x12 // u1 pool index
	OpLdcW       Opcode = 0x13 // u2 pool index
	OpLdc2W      Opcode = 0x14 // u2 pool index (long/double)
)

// Loads and stores (u1 local index; u2 under OpWide)
const (
	OpIload  Opcode = 0x15
	OpLload  Opcode = 0x16
	OpFload  Opcode = 0x17
	OpDload  Opcode = 0x18
	OpAload  Opcode = 0x19
	OpIstore Opcode = 0x36
	OpLstore Opcode = 0x37
	OpFstore Opcode = 0x38
	OpDstore Opcode = 0x39
	OpAstore Opcode = 0x3A
)

// Array element access
const (
	OpIaload  Opcode = 0x2E
	OpLaload  Opcode = 0x2F
	OpFaload  Opcode = 0x30
	OpDaload  Opcode = 0x31
	OpAaload  Opcode = 0x32
	OpBaload  Opcode = 0x33
	OpCaload  Opcode = 0x34
	OpSaload  Opcode = 0x35
	OpIastore Opcode = 0x4F
	OpLastore Opcode = 0x50
	OpFastore Opcode = 0x51
	OpDastore Opcode = 0x52
	OpAastore Opcode = 0x53
	OpBastore Opcode = 0x54
	OpCastore Opcode = 0x55
	OpSastore Opcode = 0x56
)

// Stack
const (
	OpPop  Opcode = 0x57
	OpPop2 Opcode = 0x58
	OpDup  Opcode = 0x59
)

// Comparisons and branches (s2 offset relative to the opcode)
const (
	OpLcmp      Opcode = 0x94
	OpFcmpl     Opcode = 0x95
	OpFcmpg     Opcode = 0x96
	OpDcmpl     Opcode = 0x97
	OpDcmpg     Opcode = 0x98
	OpIfeq      Opcode = 0x99
	OpIfne      Opcode = 0x9A
	OpIflt      Opcode = 0x9B
	OpIfge      Opcode = 0x9C
	OpIfgt      Opcode = 0x9D
	OpIfle      Opcode = 0x9E
	OpIfIcmpeq  Opcode = 0x9F
	OpIfIcmpne  Opcode = 0xA0
	OpIfIcmplt  Opcode = 0xA1
	OpIfIcmpge  Opcode = 0xA2
	OpIfIcmpgt  Opcode = 0xA3
	OpIfIcmple  Opcode = 0xA4
	OpIfAcmpeq  Opcode = 0xA5
	OpIfAcmpne  Opcode = 0xA6
	OpGoto      Opcode = 0xA7
	OpIfnull    Opcode = 0xC6
	OpIfnonnull Opcode = 0xC7
)

// Returns
const (
	OpIreturn Opcode = 0xAC
	OpLreturn Opcode = 0xAD
	OpFreturn Opcode = 0xAE
	OpDreturn Opcode = 0xAF
	OpAreturn Opcode = 0xB0
	OpReturn  Opcode = 0xB1
)

// Fields and invocation (u2 pool index)
const (
	OpGetstatic       Opcode = 0xB2
	OpPutstatic       Opcode = 0xB3
	OpGetfield        Opcode = 0xB4
	OpPutfield        Opcode = 0xB5
	OpInvokevirtual   Opcode = 0xB6
	OpInvokespecial   Opcode = 0xB7
	OpInvokestatic    Opcode = 0xB8
	OpInvokeinterface Opcode = 0xB9 // u2 index, u1 count, u1 zero
)

// Objects and arrays
const (
	OpNew         Opcode = 0xBB // u2 class index
	OpNewarray    Opcode = 0xBC // u1 atype
	OpAnewarray   Opcode = 0xBD // u2 class index
	OpArraylength Opcode = 0xBE
	OpAthrow      Opcode = 0xBF
	OpCheckcast   Opcode = 0xC0 // u2 class index
	OpInstanceof  Opcode = 0xC1 // u2 class index
	OpWide        Opcode = 0xC4
)

// Primitive array type codes for OpNewarray.
const (
	ATypeBoolean byte = 4
	ATypeChar    byte = 5
	ATypeFloat   byte = 6
	ATypeDouble  byte = 7
	ATypeByte    byte = 8
	ATypeShort   byte = 9
	ATypeInt     byte = 10
	ATypeLong    byte = 11
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// VariableEffect marks opcodes whose stack effect depends on a descriptor.
const VariableEffect = -100

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // mnemonic
	OperandBytes int    // bytes after the opcode (without OpWide)
	StackEffect  int    // net words pushed; VariableEffect when descriptor-dependent
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop:        {"nop", 0, 0},
	OpAconstNull: {"aconst_null", 0, 1},
	OpIconstM1:   {"iconst_m1", 0, 1},
	OpIconst0:    {"iconst_0", 0, 1},
	OpIconst1:    {"iconst_1", 0, 1},
	OpIconst2:    {"iconst_2", 0, 1},
	OpIconst3:    {"iconst_3", 0, 1},
	OpIconst4:    {"iconst_4", 0, 1},
	OpIconst5:    {"iconst_5", 0, 1},
	OpLconst0:    {"lconst_0", 0, 2},
	OpLconst1:    {"lconst_1", 0, 2},
	OpFconst0:    {"fconst_0", 0, 1},
	OpFconst1:    {"fconst_1", 0, 1},
	OpFconst2:    {"fconst_2", 0, 1},
	OpDconst0:    {"dconst_0", 0, 2},
	OpDconst1:    {"dconst_1", 0, 2},
	OpBipush:     {"bipush", 1, 1},
	OpSipush:     {"sipush", 2, 1},
	OpLdc:        {"ldc", 1, 1},
	OpLdcW:       {"ldc_w", 2, 1},
	OpLdc2W:      {"ldc2_w", 2, 2},

	OpIload:  {"iload", 1, 1},
	OpLload:  {"lload", 1, 2},
	OpFload:  {"fload", 1, 1},
	OpDload:  {"dload", 1, 2},
	OpAload:  {"aload", 1, 1},
	OpIstore: {"istore", 1, -1},
	OpLstore: {"lstore", 1, -2},
	OpFstore: {"fstore", 1, -1},
	OpDstore: {"dstore", 1, -2},
	OpAstore: {"astore", 1, -1},

	OpIaload:  {"iaload", 0, -1},
	OpLaload:  {"laload", 0, 0},
	OpFaload:  {"faload", 0, -1},
	OpDaload:  {"daload", 0, 0},
	OpAaload:  {"aaload", 0, -1},
	OpBaload:  {"baload", 0, -1},
	OpCaload:  {"caload", 0, -1},
	OpSaload:  {"saload", 0, -1},
	OpIastore: {"iastore", 0, -3},
	OpLastore: {"lastore", 0, -4},
	OpFastore: {"fastore", 0, -3},
	OpDastore: {"dastore", 0, -4},
	OpAastore: {"aastore", 0, -3},
	OpBastore: {"bastore", 0, -3},
	OpCastore: {"castore", 0, -3},
	OpSastore: {"sastore", 0, -3},

	OpPop:  {"pop", 0, -1},
	OpPop2: {"pop2", 0, -2},
	OpDup:  {"dup", 0, 1},

	OpLcmp:      {"lcmp", 0, -3},
	OpFcmpl:     {"fcmpl", 0, -1},
	OpFcmpg:     {"fcmpg", 0, -1},
	OpDcmpl:     {"dcmpl", 0, -3},
	OpDcmpg:     {"dcmpg", 0, -3},
	OpIfeq:      {"ifeq", 2, -1},
	OpIfne:      {"ifne", 2, -1},
	OpIflt:      {"iflt", 2, -1},
	OpIfge:      {"ifge", 2, -1},
	OpIfgt:      {"ifgt", 2, -1},
	OpIfle:      {"ifle", 2, -1},
	OpIfIcmpeq:  {"if_icmpeq", 2, -2},
	OpIfIcmpne:  {"if_icmpne", 2, -2},
	OpIfIcmplt:  {"if_icmplt", 2, -2},
	OpIfIcmpge:  {"if_icmpge", 2, -2},
	OpIfIcmpgt:  {"if_icmpgt", 2, -2},
	OpIfIcmple:  {"if_icmple", 2, -2},
	OpIfAcmpeq:  {"if_acmpeq", 2, -2},
	OpIfAcmpne:  {"if_acmpne", 2, -2},
	OpGoto:      {"goto", 2, 0},
	OpIfnull:    {"ifnull", 2, -1},
	OpIfnonnull: {"ifnonnull", 2, -1},

	OpIreturn: {"ireturn", 0, -1},
	OpLreturn: {"lreturn", 0, -2},
	OpFreturn: {"freturn", 0, -1},
	OpDreturn: {"dreturn", 0, -2},
	OpAreturn: {"areturn", 0, -1},
	OpReturn:  {"return", 0, 0},

	OpGetstatic:       {"getstatic", 2, VariableEffect},
	OpPutstatic:       {"putstatic", 2, VariableEffect},
	OpGetfield:        {"getfield", 2, VariableEffect},
	OpPutfield:        {"putfield", 2, VariableEffect},
	OpInvokevirtual:   {"invokevirtual", 2, VariableEffect},
	OpInvokespecial:   {"invokespecial", 2, VariableEffect},
	OpInvokestatic:    {"invokestatic", 2, VariableEffect},
	OpInvokeinterface: {"invokeinterface", 4, VariableEffect},

	OpNew:         {"new", 2, 1},
	OpNewarray:    {"newarray", 1, 0},
	OpAnewarray:   {"anewarray", 2, 0},
	OpArraylength: {"arraylength", 0, 0},
	OpAthrow:      {"athrow", 0, -1},
	OpCheckcast:   {"checkcast", 2, 0},
	OpInstanceof:  {"instanceof", 2, 0},
	OpWide:        {"wide", 0, 0},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("unknown_%02x", byte(op))}
}

// Known reports whether op is in the supported subset.
func (op Opcode) Known() bool {
	_, ok := opcodeTable[op]
	return ok
}

// Name returns the mnemonic.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// IsBranch reports whether op carries a 16-bit branch offset.
func (op Opcode) IsBranch() bool {
	switch op {
	case OpIfeq, OpIfne, OpIflt, OpIfge, OpIfgt, OpIfle,
		OpIfIcmpeq, OpIfIcmpne, OpIfIcmplt, OpIfIcmpge, OpIfIcmpgt, OpIfIcmple,
		OpIfAcmpeq, OpIfAcmpne, OpGoto, OpIfnull, OpIfnonnull:
		return true
	}
	return false
}

// IsTerminal reports whether control never falls through op.
func (op Opcode) IsTerminal() bool {
	switch op {
	case OpIreturn, OpLreturn, OpFreturn, OpDreturn, OpAreturn, OpReturn, OpAthrow, OpGoto:
		return true
	}
	return false
}

// Negate returns the conditional branch with the opposite condition.
func (op Opcode) Negate() Opcode {
	switch op {
	case OpIfeq:
		return OpIfne
	case OpIfne:
		return OpIfeq
	case OpIflt:
		return OpIfge
	case OpIfge:
		return OpIflt
	case OpIfgt:
		return OpIfle
	case OpIfle:
		return OpIfgt
	case OpIfIcmpeq:
		return OpIfIcmpne
	case OpIfIcmpne:
		return OpIfIcmpeq
	case OpIfIcmplt:
		return OpIfIcmpge
	case OpIfIcmpge:
		return OpIfIcmplt
	case OpIfIcmpgt:
		return OpIfIcmple
	case OpIfIcmple:
		return OpIfIcmpgt
	case OpIfAcmpeq:
		return OpIfAcmpne
	case OpIfAcmpne:
		return OpIfAcmpeq
	case OpIfnull:
		return OpIfnonnull
	case OpIfnonnull:
		return OpIfnull
	}
	return op
}
