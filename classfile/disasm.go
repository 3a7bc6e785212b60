package classfile

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// Instruction is one decoded instruction.
type Instruction struct {
	Offset   int
	Op       Opcode
	Wide     bool
	Operand  int // local slot, pool index, immediate, or atype
	Target   int // absolute branch target, for branches
	ArgCount int // invokeinterface count byte
	Length   int
}

// Decode splits code into instructions. Unknown opcodes are an error since
// their length cannot be determined.
func Decode(code []byte) ([]Instruction, error) {
	var out []Instruction
	for pc := 0; pc < len(code); {
		in := Instruction{Offset: pc, Op: Opcode(code[pc])}
		at := pc + 1
		if in.Op == OpWide {
			if at >= len(code) {
				return nil, fmt.Errorf("offset %d: truncated wide", pc)
			}
			in.Wide = true
			in.Op = Opcode(code[at])
			at++
		}
		if !in.Op.Known() {
			return nil, fmt.Errorf("offset %d: unsupported opcode 0x%02x", pc, byte(in.Op))
		}
		n := in.Op.Info().OperandBytes
		if in.Wide {
			n = 2
		}
		if at+n > len(code) {
			return nil, fmt.Errorf("offset %d: truncated %s", pc, in.Op)
		}
		operands := code[at : at+n]
		switch {
		case in.Op.IsBranch():
			in.Target = pc + int(int16(binary.BigEndian.Uint16(operands)))
		case in.Op == OpInvokeinterface:
			in.Operand = int(binary.BigEndian.Uint16(operands))
			in.ArgCount = int(operands[2])
		case in.Op == OpBipush:
			in.Operand = int(int8(operands[0]))
		case in.Op == OpSipush:
			in.Operand = int(int16(binary.BigEndian.Uint16(operands)))
		case n == 1:
			in.Operand = int(operands[0])
		case n == 2:
			in.Operand = int(binary.BigEndian.Uint16(operands))
		}
		in.Length = at + n - pc
		out = append(out, in)
		pc += in.Length
	}
	return out, nil
}

// Disassemble renders code one instruction per line, resolving pool
// references when pool is non-nil.
func Disassemble(code []byte, pool *ConstantPool) string {
	insns, err := Decode(code)
	var sb strings.Builder
	for i, in := range insns {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(formatInstruction(in, pool))
	}
	if err != nil {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString("; " + err.Error())
	}
	return sb.String()
}

func formatInstruction(in Instruction, pool *ConstantPool) string {
	name := in.Op.Name()
	if in.Wide {
		name = "wide " + name
	}
	switch {
	case in.Op.IsBranch():
		return fmt.Sprintf("%04d  %s %04d", in.Offset, name, in.Target)
	case in.Op.Info().OperandBytes == 0:
		return fmt.Sprintf("%04d  %s", in.Offset, name)
	}

	switch in.Op {
	case OpLdc, OpLdcW, OpLdc2W, OpGetstatic, OpPutstatic, OpGetfield, OpPutfield,
		OpInvokevirtual, OpInvokespecial, OpInvokestatic, OpInvokeinterface,
		OpNew, OpAnewarray, OpCheckcast, OpInstanceof:
		return fmt.Sprintf("%04d  %s #%d%s", in.Offset, name, in.Operand, describeConstant(pool, uint16(in.Operand)))
	}
	return fmt.Sprintf("%04d  %s %d", in.Offset, name, in.Operand)
}

func describeConstant(pool *ConstantPool, idx uint16) string {
	if pool == nil {
		return ""
	}
	c, ok := pool.Get(idx)
	if !ok {
		return " // ?"
	}
	switch c.Tag {
	case TagClass:
		n, _ := pool.ClassName(idx)
		return " // class " + n
	case TagFieldref, TagMethodref, TagInterfaceMethodref:
		owner, name, desc, _ := pool.MemberRef(idx)
		return fmt.Sprintf(" // %s %s.%s:%s", strings.ToLower(c.Tag.String()), owner, name, desc)
	case TagString:
		s, _ := pool.Utf8(c.Ref1)
		return fmt.Sprintf(" // string %q", s)
	}
	v, err := pool.Value(idx)
	if err != nil {
		return ""
	}
	return fmt.Sprintf(" // %s %v", strings.ToLower(c.Tag.String()), v)
}

// Dump renders a javap-style listing of cf.
func Dump(cf *ClassFile) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s class %s", cf.Access.ClassString(), cf.Name())
	if s := cf.SuperName(); s != "" {
		fmt.Fprintf(&sb, " extends %s", s)
	}
	if ifaces := cf.InterfaceNames(); len(ifaces) > 0 {
		fmt.Fprintf(&sb, " implements %s", strings.Join(ifaces, ", "))
	}
	fmt.Fprintf(&sb, "\n  version %d.%d, %d constants\n", cf.Major, cf.Minor, cf.Pool.Len())

	for _, f := range cf.Fields {
		name, desc := cf.MemberName(f)
		fmt.Fprintf(&sb, "\n  field %s %s %s", f.Access.FieldString(), name, desc)
	}
	if len(cf.Fields) > 0 {
		sb.WriteByte('\n')
	}

	for _, m := range cf.Methods {
		name, desc := cf.MemberName(m)
		fmt.Fprintf(&sb, "\n  method %s %s%s\n", m.Access.MethodString(), name, desc)
		code, ok, err := cf.MethodCode(m)
		switch {
		case err != nil:
			fmt.Fprintf(&sb, "    ; %v\n", err)
		case ok:
			fmt.Fprintf(&sb, "    stack=%d locals=%d\n", code.MaxStack, code.MaxLocals)
			for _, line := range strings.Split(Disassemble(code.Code, cf.Pool), "\n") {
				sb.WriteString("    " + line + "\n")
			}
		}
	}
	return sb.String()
}
