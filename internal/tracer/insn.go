// Package tracer symbolically executes the protector's dispatch stubs to
// recover the import each redirected call finally reaches.
package tracer

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/zboralski/vmpiat/internal/vmp"
)

// Opcode is the closed set of operations the tracer models.
type Opcode uint8

const (
	OpNop Opcode = iota // flag-only or no-effect instructions
	OpPush
	OpPop
	OpPushf
	OpPopf
	OpMov
	OpMovzx
	OpMovsx
	OpLea
	OpAdd
	OpSub
	OpXor
	OpAnd
	OpOr
	OpNot
	OpNeg
	OpInc
	OpDec
	OpXchg
	OpBswap
	OpShl
	OpShr
	OpSar
	OpRol
	OpRor
	OpJmp
	OpCall
	OpRet

	opCount
)

var opNames = [opCount]string{
	OpNop: "nop", OpPush: "push", OpPop: "pop", OpPushf: "pushf", OpPopf: "popf",
	OpMov: "mov", OpMovzx: "movzx", OpMovsx: "movsx", OpLea: "lea",
	OpAdd: "add", OpSub: "sub", OpXor: "xor", OpAnd: "and", OpOr: "or",
	OpNot: "not", OpNeg: "neg", OpInc: "inc", OpDec: "dec", OpXchg: "xchg",
	OpBswap: "bswap", OpShl: "shl", OpShr: "shr", OpSar: "sar", OpRol: "rol",
	OpRor: "ror", OpJmp: "jmp", OpCall: "call", OpRet: "ret",
}

func (op Opcode) String() string {
	if op < opCount && opNames[op] != "" {
		return opNames[op]
	}
	return fmt.Sprintf("Opcode(%d)", op)
}

// IsTransfer reports whether op changes control flow.
func (op Opcode) IsTransfer() bool {
	return op == OpJmp || op == OpCall || op == OpRet
}

func (op Opcode) usesStack() bool {
	switch op {
	case OpPush, OpPop, OpPushf, OpPopf, OpCall, OpRet:
		return true
	}
	return false
}

var liftOps = map[x86asm.Op]Opcode{
	x86asm.NOP: OpNop, x86asm.CLC: OpNop, x86asm.STC: OpNop, x86asm.CMC: OpNop,
	x86asm.TEST: OpNop, x86asm.CMP: OpNop,
	x86asm.PUSH: OpPush, x86asm.POP: OpPop,
	x86asm.PUSHF: OpPushf, x86asm.PUSHFD: OpPushf, x86asm.PUSHFQ: OpPushf,
	x86asm.POPF: OpPopf, x86asm.POPFD: OpPopf, x86asm.POPFQ: OpPopf,
	x86asm.MOV: OpMov, x86asm.MOVZX: OpMovzx, x86asm.MOVSX: OpMovsx, x86asm.MOVSXD: OpMovsx,
	x86asm.LEA: OpLea,
	x86asm.ADD: OpAdd, x86asm.SUB: OpSub, x86asm.XOR: OpXor, x86asm.AND: OpAnd, x86asm.OR: OpOr,
	x86asm.NOT: OpNot, x86asm.NEG: OpNeg, x86asm.INC: OpInc, x86asm.DEC: OpDec,
	x86asm.XCHG: OpXchg, x86asm.BSWAP: OpBswap,
	x86asm.SHL: OpShl, x86asm.SHR: OpShr, x86asm.SAR: OpSar, x86asm.ROL: OpRol, x86asm.ROR: OpRor,
	x86asm.JMP: OpJmp, x86asm.CALL: OpCall, x86asm.RET: OpRet,
}

// Kind is an operand kind.
type Kind uint8

const (
	KindNone Kind = iota
	KindReg
	KindImm
	KindMem
)

// regNone marks an absent base or index register.
const regNone = -1

// Mem is a memory reference. RIP-relative references are resolved to an
// absolute displacement at lift time.
type Mem struct {
	Base  int
	Index int
	Scale uint8
	Disp  uint64
}

// Operand is one instruction operand. Reg is a general purpose register
// index (0 = rax ... 15 = r15). High selects ah/ch/dh/bh.
type Operand struct {
	Kind Kind
	Size int // bytes
	Reg  int
	High bool
	Imm  uint64
	Mem  Mem
}

// SameReg reports whether o and p name the same register slice.
func (o Operand) SameReg(p Operand) bool {
	return o.Kind == KindReg && p.Kind == KindReg && o.Reg == p.Reg && o.Size == p.Size && o.High == p.High
}

// Insn is a lifted instruction.
type Insn struct {
	PC     uint64
	Len    int
	Op     Opcode
	OpSize int // operand size in bytes
	Dst    Operand
	Src    Operand
	Target uint64 // direct branch destination
	Direct bool
	Text   string
}

// Lift converts a decoded instruction at pc into the tracer's form.
func Lift(inst x86asm.Inst, pc uint64, arch vmp.Arch) (Insn, error) {
	op, ok := liftOps[inst.Op]
	if !ok {
		return Insn{}, &vmp.UnsupportedOpcodeError{PC: pc, Opcode: inst.Op.String()}
	}

	in := Insn{
		PC:     pc,
		Len:    inst.Len,
		Op:     op,
		OpSize: inst.DataSize / 8,
		Text:   x86asm.IntelSyntax(inst, pc, nil),
	}
	if in.OpSize == 0 || (op.usesStack() && in.OpSize != 2) {
		in.OpSize = arch.PtrSize()
	}

	var args []Operand
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		if rel, ok := a.(x86asm.Rel); ok {
			in.Target = pc + uint64(inst.Len) + uint64(int64(rel))
			if arch == vmp.ArchX86 {
				in.Target &= 0xffffffff
			}
			in.Direct = true
			continue
		}
		o, err := liftArg(a, inst, pc, arch)
		if err != nil {
			return Insn{}, err
		}
		args = append(args, o)
	}

	switch op {
	case OpPush, OpJmp, OpCall, OpRet:
		if len(args) > 0 {
			in.Src = args[0]
		}
	default:
		if len(args) > 0 {
			in.Dst = args[0]
		}
		if len(args) > 1 {
			in.Src = args[1]
		}
	}

	// immediates take the width of the operand they combine with
	if in.Src.Kind == KindImm {
		switch {
		case in.Dst.Kind != KindNone:
			in.Src.Size = in.Dst.Size
		case op == OpPush:
			in.Src.Size = in.OpSize
		}
	}
	return in, nil
}

func liftArg(a x86asm.Arg, inst x86asm.Inst, pc uint64, arch vmp.Arch) (Operand, error) {
	switch a := a.(type) {
	case x86asm.Reg:
		idx, size, high, ok := gpr(a)
		if !ok {
			return Operand{}, &vmp.UnsupportedOpcodeError{PC: pc, Opcode: inst.Op.String() + " " + a.String()}
		}
		return Operand{Kind: KindReg, Reg: idx, Size: size, High: high}, nil

	case x86asm.Imm:
		return Operand{Kind: KindImm, Imm: uint64(int64(a)), Size: 8}, nil

	case x86asm.Mem:
		if a.Segment == x86asm.FS || a.Segment == x86asm.GS {
			return Operand{}, &vmp.UnsupportedOpcodeError{PC: pc, Opcode: inst.Op.String() + " " + a.String()}
		}
		m := Mem{Base: regNone, Index: regNone, Scale: a.Scale, Disp: uint64(a.Disp)}
		switch a.Base {
		case 0:
		case x86asm.RIP, x86asm.EIP:
			m.Disp = pc + uint64(inst.Len) + uint64(a.Disp)
		default:
			idx, _, _, ok := gpr(a.Base)
			if !ok {
				return Operand{}, &vmp.UnsupportedOpcodeError{PC: pc, Opcode: inst.Op.String() + " " + a.String()}
			}
			m.Base = idx
		}
		if a.Index != 0 {
			idx, _, _, ok := gpr(a.Index)
			if !ok {
				return Operand{}, &vmp.UnsupportedOpcodeError{PC: pc, Opcode: inst.Op.String() + " " + a.String()}
			}
			m.Index = idx
		}
		size := inst.MemBytes
		if size == 0 {
			size = arch.PtrSize()
		}
		return Operand{Kind: KindMem, Mem: m, Size: size}, nil
	}
	return Operand{}, &vmp.UnsupportedOpcodeError{PC: pc, Opcode: inst.Op.String() + " " + a.String()}
}

// gpr maps an x86asm register to (index, size in bytes, high byte).
func gpr(r x86asm.Reg) (int, int, bool, bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return int(r - x86asm.AL), 1, false, true
	case r >= x86asm.AH && r <= x86asm.BH:
		return int(r - x86asm.AH), 1, true, true
	case r >= x86asm.SPB && r <= x86asm.R15B:
		return int(r-x86asm.SPB) + 4, 1, false, true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return int(r - x86asm.AX), 2, false, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return int(r - x86asm.EAX), 4, false, true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return int(r - x86asm.RAX), 8, false, true
	}
	return 0, 0, false, false
}
