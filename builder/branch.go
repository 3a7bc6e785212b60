package builder

import (
	"github.com/chazu/classforge/classfile"
	"github.com/chazu/classforge/descriptor"
)

// ---------------------------------------------------------------------------
// Conditional branches
// ---------------------------------------------------------------------------

// BranchResult holds the two sub-sequences of a conditional. Both must end
// in a terminal instruction; control never rejoins the enclosing sequence.
type BranchResult struct {
	True  *Code
	False *Code
}

// Comparison is the relation tested by IfIntCompare.
type Comparison int

const (
	CmpEQ Comparison = iota
	CmpNE
	CmpLT
	CmpGE
	CmpGT
	CmpLE
)

var cmpOpcodes = [...]classfile.Opcode{
	CmpEQ: classfile.OpIfIcmpeq,
	CmpNE: classfile.OpIfIcmpne,
	CmpLT: classfile.OpIfIcmplt,
	CmpGE: classfile.OpIfIcmpge,
	CmpGT: classfile.OpIfIcmpgt,
	CmpLE: classfile.OpIfIcmple,
}

func (c Comparison) String() string {
	switch c {
	case CmpEQ:
		return "=="
	case CmpNE:
		return "!="
	case CmpLT:
		return "<"
	case CmpGE:
		return ">="
	case CmpGT:
		return ">"
	case CmpLE:
		return "<="
	}
	return "?"
}

// IfNonZero runs True when cond (an int or boolean) is non-zero.
func (c *Code) IfNonZero(cond Handle) (*BranchResult, error) {
	return c.ifInt(classfile.OpIfne, cond)
}

// IfZero runs True when cond (an int or boolean) is zero.
func (c *Code) IfZero(cond Handle) (*BranchResult, error) {
	return c.ifInt(classfile.OpIfeq, cond)
}

// IfNull runs True when ref is null.
func (c *Code) IfNull(ref Handle) (*BranchResult, error) {
	return c.ifRef(classfile.OpIfnull, ref)
}

// IfNotNull runs True when ref is not null.
func (c *Code) IfNotNull(ref Handle) (*BranchResult, error) {
	return c.ifRef(classfile.OpIfnonnull, ref)
}

// IfIntCompare runs True when a op b holds.
func (c *Code) IfIntCompare(op Comparison, a, b Handle) (*BranchResult, error) {
	if op < CmpEQ || op > CmpLE {
		if err := c.begin("if_icmp"); err != nil {
			return nil, err
		}
		return nil, c.m.invalid("unknown comparison")
	}
	opc := cmpOpcodes[op]
	return c.branch(opc, func() ([]int, error) {
		ids := make([]int, 2)
		for i, h := range []Handle{a, b} {
			what := "left"
			if i == 1 {
				what = "right"
			}
			info, err := c.operand(opc.Name(), what, h)
			if err != nil {
				return nil, err
			}
			if err := c.expect(opc.Name(), what, descriptor.Int, info); err != nil {
				return nil, err
			}
			ids[i] = h.id
		}
		return ids, nil
	})
}

// IfRefEqual runs True when a and b are the same reference.
func (c *Code) IfRefEqual(a, b Handle) (*BranchResult, error) {
	return c.refPair(classfile.OpIfAcmpeq, a, b)
}

// IfRefNotEqual runs True when a and b are different references.
func (c *Code) IfRefNotEqual(a, b Handle) (*BranchResult, error) {
	return c.refPair(classfile.OpIfAcmpne, a, b)
}

func (c *Code) ifInt(opc classfile.Opcode, cond Handle) (*BranchResult, error) {
	return c.branch(opc, func() ([]int, error) {
		info, err := c.operand(opc.Name(), "condition", cond)
		if err != nil {
			return nil, err
		}
		if err := c.expect(opc.Name(), "condition", descriptor.Int, info); err != nil {
			return nil, err
		}
		return []int{cond.id}, nil
	})
}

func (c *Code) ifRef(opc classfile.Opcode, ref Handle) (*BranchResult, error) {
	return c.branch(opc, func() ([]int, error) {
		return c.refOperands(opc, ref)
	})
}

func (c *Code) refPair(opc classfile.Opcode, a, b Handle) (*BranchResult, error) {
	return c.branch(opc, func() ([]int, error) {
		return c.refOperands(opc, a, b)
	})
}

func (c *Code) refOperands(opc classfile.Opcode, hs ...Handle) ([]int, error) {
	ids := make([]int, len(hs))
	for i, h := range hs {
		what := "operand"
		if len(hs) == 2 {
			what = [...]string{"left", "right"}[i]
		}
		info, err := c.operand(opc.Name(), what, h)
		if err != nil {
			return nil, err
		}
		if !descriptor.IsReference(info.typ) {
			return nil, c.mismatch(opc.Name(), what, "reference", info.typ.String())
		}
		ids[i] = h.id
	}
	return ids, nil
}

// branch appends a conditional whose jump is laid out at assembly time:
// the operands, a jump on the negated condition to the false sequence,
// then the true sequence, then the false sequence.
func (c *Code) branch(opc classfile.Opcode, operands func() ([]int, error)) (*BranchResult, error) {
	if err := c.begin(opc.Name()); err != nil {
		return nil, err
	}
	ids, err := operands()
	if err != nil {
		return nil, err
	}
	m := c.m
	t := &sequence{parent: c.seq}
	f := &sequence{parent: c.seq}
	m.seqs = append(m.seqs, t, f)
	br := &BranchResult{True: &Code{m: m, seq: t}, False: &Code{m: m, seq: f}}
	c.append(insn{op: opBranch, args: ids, cmp: opc, branch: br}, opc.Name())
	return br, nil
}
