package tracer

import (
	"encoding/binary"

	"github.com/zboralski/vmpiat/internal/vmp"
)

const regSP = 4

// Value is a register or memory value that may be unknown.
type Value struct {
	V     uint64
	Known bool
}

func known(v uint64) Value { return Value{V: v, Known: true} }

var unknown = Value{}

// Memory is the read-only view of the mapped sections.
type Memory interface {
	ReadAvail(va uint64, n int) []byte
	Protected(va uint64) bool
}

type cell struct {
	b     byte
	known bool
}

// Machine is the symbolic register file and memory of one trace. The stack
// pointer is always concrete; everything else may be unknown.
type Machine struct {
	arch    vmp.Arch
	mem     Memory
	regs    [16]Value
	overlay map[uint64]cell

	pc          uint64
	next        uint64
	transferred bool
}

func newMachine(arch vmp.Arch, mem Memory, sp uint64) *Machine {
	m := &Machine{arch: arch, mem: mem, overlay: make(map[uint64]cell)}
	m.regs[regSP] = known(sp)
	return m
}

func mask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return 1<<(8*uint(size)) - 1
}

func (m *Machine) addrMask() uint64 {
	return mask(m.arch.PtrSize())
}

// SP returns the stack pointer.
func (m *Machine) SP() uint64 { return m.regs[regSP].V }

func (m *Machine) setSP(v uint64) { m.regs[regSP] = known(v & m.addrMask()) }

// Reg returns a full-width register value.
func (m *Machine) Reg(i int) Value { return m.regs[i] }

func (m *Machine) readReg(o Operand) Value {
	r := m.regs[o.Reg]
	if !r.Known {
		return unknown
	}
	if o.High {
		return known((r.V >> 8) & 0xff)
	}
	return known(r.V & mask(o.Size))
}

func (m *Machine) writeReg(o Operand, v Value) error {
	old := m.regs[o.Reg]
	var nv Value
	switch {
	case o.Size >= 4:
		// 32-bit writes zero-extend in long mode
		nv = Value{V: v.V & mask(o.Size), Known: v.Known}
	case old.Known && v.Known && o.High:
		nv = known(old.V&^0xff00 | (v.V&0xff)<<8)
	case old.Known && v.Known:
		nv = known(old.V&^mask(o.Size) | v.V&mask(o.Size))
	default:
		nv = unknown
	}
	nv.V &= m.addrMask()
	if o.Reg == regSP && !nv.Known {
		return &vmp.TraceError{PC: m.pc, Reason: "stack pointer became symbolic"}
	}
	m.regs[o.Reg] = nv
	return nil
}

// ea computes the effective address of a memory operand.
func (m *Machine) ea(mem Mem) Value {
	addr := mem.Disp
	if mem.Base != regNone {
		b := m.regs[mem.Base]
		if !b.Known {
			return unknown
		}
		addr += b.V
	}
	if mem.Index != regNone {
		x := m.regs[mem.Index]
		if !x.Known {
			return unknown
		}
		addr += x.V * uint64(mem.Scale)
	}
	return known(addr & m.addrMask())
}

// ReadMem reads size bytes at addr through the store overlay.
func (m *Machine) ReadMem(addr uint64, size int) Value {
	var buf [8]byte
	for i := 0; i < size; i++ {
		a := addr + uint64(i)
		if c, ok := m.overlay[a]; ok {
			if !c.known {
				return unknown
			}
			buf[i] = c.b
			continue
		}
		b := m.mem.ReadAvail(a, 1)
		if len(b) == 0 {
			return unknown
		}
		buf[i] = b[0]
	}
	return known(binary.LittleEndian.Uint64(buf[:]) & mask(size))
}

func (m *Machine) writeMem(addr uint64, size int, v Value) {
	for i := 0; i < size; i++ {
		m.overlay[addr+uint64(i)] = cell{b: byte(v.V >> (8 * uint(i))), known: v.Known}
	}
}

func (m *Machine) read(o Operand) Value {
	switch o.Kind {
	case KindReg:
		return m.readReg(o)
	case KindImm:
		return known(o.Imm & mask(o.Size))
	case KindMem:
		a := m.ea(o.Mem)
		if !a.Known {
			return unknown
		}
		return m.ReadMem(a.V, o.Size)
	}
	return unknown
}

func (m *Machine) write(o Operand, v Value) error {
	switch o.Kind {
	case KindReg:
		return m.writeReg(o, v)
	case KindMem:
		a := m.ea(o.Mem)
		if !a.Known {
			return &vmp.TraceError{PC: m.pc, Reason: "store through symbolic address"}
		}
		m.writeMem(a.V, o.Size, Value{V: v.V & mask(o.Size), Known: v.Known})
		return nil
	}
	return &vmp.TraceError{PC: m.pc, Reason: "write to non-writable operand"}
}

func (m *Machine) push(size int, v Value) {
	m.setSP(m.SP() - uint64(size))
	m.writeMem(m.SP(), size, v)
}

func (m *Machine) pop(size int) Value {
	v := m.ReadMem(m.SP(), size)
	m.setSP(m.SP() + uint64(size))
	return v
}

// jump sets the next pc and marks a control transfer.
func (m *Machine) jump(v Value, what string) error {
	if !v.Known {
		return &vmp.TraceError{PC: m.pc, Reason: "symbolic " + what + " target"}
	}
	m.next = v.V & m.addrMask()
	m.transferred = true
	return nil
}
