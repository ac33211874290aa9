package tracer

import "math/bits"

type handler func(m *Machine, in *Insn) error

// handlers is indexed by Opcode. A nil entry is reported as unsupported.
var handlers = [opCount]handler{
	OpNop:   func(*Machine, *Insn) error { return nil },
	OpPush:  execPush,
	OpPop:   execPop,
	OpPushf: execPushf,
	OpPopf:  execPopf,
	OpMov:   execMov,
	OpMovzx: execMovzx,
	OpMovsx: execMovsx,
	OpLea:   execLea,
	OpAdd:   arith(func(a, b uint64) uint64 { return a + b }),
	OpSub:   arith(func(a, b uint64) uint64 { return a - b }),
	OpXor:   arith(func(a, b uint64) uint64 { return a ^ b }),
	OpAnd:   arith(func(a, b uint64) uint64 { return a & b }),
	OpOr:    arith(func(a, b uint64) uint64 { return a | b }),
	OpNot:   unary(func(a uint64, _ int) uint64 { return ^a }),
	OpNeg:   unary(func(a uint64, _ int) uint64 { return -a }),
	OpInc:   unary(func(a uint64, _ int) uint64 { return a + 1 }),
	OpDec:   unary(func(a uint64, _ int) uint64 { return a - 1 }),
	OpXchg:  execXchg,
	OpBswap: unary(bswap),
	OpShl:   shift(func(a uint64, n uint, size int) uint64 { return a << n }),
	OpShr:   shift(func(a uint64, n uint, size int) uint64 { return (a & mask(size)) >> n }),
	OpSar:   shift(sar),
	OpRol:   shift(rol),
	OpRor:   shift(func(a uint64, n uint, size int) uint64 { return rol(a, uint(8*size)-n%uint(8*size), size) }),
	OpJmp:   execJmp,
	OpCall:  execCall,
	OpRet:   execRet,
}

func execPush(m *Machine, in *Insn) error {
	m.push(in.OpSize, m.read(in.Src))
	return nil
}

func execPop(m *Machine, in *Insn) error {
	return m.write(in.Dst, m.pop(in.OpSize))
}

func execPushf(m *Machine, in *Insn) error {
	m.push(in.OpSize, unknown)
	return nil
}

func execPopf(m *Machine, in *Insn) error {
	m.pop(in.OpSize)
	return nil
}

func execMov(m *Machine, in *Insn) error {
	return m.write(in.Dst, m.read(in.Src))
}

func execMovzx(m *Machine, in *Insn) error {
	return m.write(in.Dst, m.read(in.Src))
}

func execMovsx(m *Machine, in *Insn) error {
	v := m.read(in.Src)
	if v.Known {
		s := uint(64 - 8*in.Src.Size)
		v.V = uint64(int64(v.V<<s) >> s)
	}
	return m.write(in.Dst, v)
}

func execLea(m *Machine, in *Insn) error {
	return m.write(in.Dst, m.ea(in.Src.Mem))
}

func arith(f func(a, b uint64) uint64) handler {
	return func(m *Machine, in *Insn) error {
		// xor r,r and sub r,r clear the register regardless of its value
		if in.Dst.SameReg(in.Src) && (in.Op == OpXor || in.Op == OpSub) {
			return m.write(in.Dst, known(0))
		}
		a, b := m.read(in.Dst), m.read(in.Src)
		if in.Op == OpAnd && ((a.Known && a.V == 0) || (b.Known && b.V == 0)) {
			return m.write(in.Dst, known(0))
		}
		if !a.Known || !b.Known {
			return m.write(in.Dst, unknown)
		}
		return m.write(in.Dst, known(f(a.V, b.V)))
	}
}

func unary(f func(a uint64, size int) uint64) handler {
	return func(m *Machine, in *Insn) error {
		a := m.read(in.Dst)
		if !a.Known {
			return m.write(in.Dst, unknown)
		}
		return m.write(in.Dst, known(f(a.V, in.Dst.Size)))
	}
}

func shift(f func(a uint64, n uint, size int) uint64) handler {
	return func(m *Machine, in *Insn) error {
		a := m.read(in.Dst)
		n := Value{V: 1, Known: true}
		if in.Src.Kind != KindNone {
			n = m.read(in.Src)
		}
		if !a.Known || !n.Known {
			return m.write(in.Dst, unknown)
		}
		cnt := uint(n.V & 31)
		if in.Dst.Size == 8 {
			cnt = uint(n.V & 63)
		}
		return m.write(in.Dst, known(f(a.V, cnt, in.Dst.Size)))
	}
}

func bswap(a uint64, size int) uint64 {
	if size == 8 {
		return bits.ReverseBytes64(a)
	}
	return uint64(bits.ReverseBytes32(uint32(a)))
}

func sar(a uint64, n uint, size int) uint64 {
	s := uint(64 - 8*size)
	return uint64((int64(a<<s) >> s) >> n)
}

func rol(a uint64, n uint, size int) uint64 {
	w := uint(8 * size)
	a &= mask(size)
	n %= w
	if n == 0 {
		return a
	}
	return (a<<n | a>>(w-n)) & mask(size)
}

func execXchg(m *Machine, in *Insn) error {
	a, b := m.read(in.Dst), m.read(in.Src)
	if err := m.write(in.Dst, b); err != nil {
		return err
	}
	return m.write(in.Src, a)
}

func (m *Machine) target(in *Insn) Value {
	if in.Direct {
		return known(in.Target)
	}
	return m.read(in.Src)
}

func execJmp(m *Machine, in *Insn) error {
	return m.jump(m.target(in), "jump")
}

func execCall(m *Machine, in *Insn) error {
	t := m.target(in)
	m.push(in.OpSize, known(in.PC+uint64(in.Len)))
	return m.jump(t, "call")
}

func execRet(m *Machine, in *Insn) error {
	t := m.pop(in.OpSize)
	if in.Src.Kind == KindImm {
		m.setSP(m.SP() + in.Src.Imm&0xffff)
	}
	return m.jump(t, "return")
}
