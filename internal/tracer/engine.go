package tracer

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/zboralski/vmpiat/internal/mapper"
	"github.com/zboralski/vmpiat/internal/trace"
	"github.com/zboralski/vmpiat/internal/vmp"
)

const (
	// DefaultMaxSteps bounds a single trace.
	DefaultMaxSteps = 10000
	// StackSize is the scratch stack reserved below StackTop.
	StackSize = 0x10000

	maxInsnLen = 15
)

// Engine traces dispatch stubs symbolically. It is safe for concurrent use
// when OnStep is.
type Engine struct {
	Arch     vmp.Arch
	Mem      Memory
	StackTop uint64
	MaxSteps int
	OnStep   func(*trace.Event)
}

// New returns an engine over the arena with its stack placed above every
// mapped section.
func New(arch vmp.Arch, arena *mapper.Arena) *Engine {
	return &Engine{
		Arch:     arch,
		Mem:      arena,
		StackTop: arena.Free(StackSize) + StackSize - 0x1000,
		MaxSteps: DefaultMaxSteps,
	}
}

// Name identifies the engine in logs and reports.
func (e *Engine) Name() string { return "symbolic" }

// Trace follows the stub entered from callSite until control leaves the
// protected sections, and returns the recovered import.
func (e *Engine) Trace(callSite, stub uint64) (vmp.ImportRecord, error) {
	rec, err := e.trace(callSite, stub)
	if err != nil {
		return vmp.ImportRecord{}, withCallSite(err, callSite)
	}
	return rec, nil
}

func (e *Engine) trace(callSite, stub uint64) (vmp.ImportRecord, error) {
	if !e.Mem.Protected(stub) {
		return vmp.ImportRecord{}, &vmp.TraceError{PC: stub, Reason: "dispatch target outside protected sections"}
	}

	ptr := e.Arch.PtrSize()
	m := newMachine(e.Arch, e.Mem, e.StackTop)
	m.push(ptr, known(callSite+vmp.CallLen))
	retSlot := m.SP()
	m.pc = stub

	budget := e.MaxSteps
	if budget <= 0 {
		budget = DefaultMaxSteps
	}

	for steps := 0; ; steps++ {
		if !e.Mem.Protected(m.pc) {
			if !m.transferred {
				return vmp.ImportRecord{}, &vmp.TraceError{PC: m.pc, Reason: "fell through out of protected code"}
			}
			ret := m.ReadMem(retSlot, ptr)
			kind, patch, err := vmp.ClassifyExit(e.Arch, callSite, retSlot, m.SP(), ret.V, ret.Known, m.pc)
			if err != nil {
				return vmp.ImportRecord{}, err
			}
			e.emit(trace.NewExit(callSite, m.pc, steps, kind.String()))
			return vmp.ImportRecord{CallSite: callSite, Target: m.pc, Kind: kind, Patch: patch}, nil
		}
		if steps >= budget {
			return vmp.ImportRecord{}, &vmp.TraceOverflowError{Steps: steps}
		}

		in, err := e.fetch(m.pc)
		if err != nil {
			return vmp.ImportRecord{}, err
		}
		if err := Step(m, &in); err != nil {
			return vmp.ImportRecord{}, err
		}
		e.emit(trace.NewStep(callSite, in.PC, steps, in.Op.String(), in.Text))
		m.pc = m.next
	}
}

// Step executes one lifted instruction through the handler table.
func Step(m *Machine, in *Insn) error {
	if in.Op >= opCount || handlers[in.Op] == nil {
		return &vmp.UnsupportedOpcodeError{PC: in.PC, Opcode: in.Op.String()}
	}
	m.pc = in.PC
	m.next = in.PC + uint64(in.Len)
	m.transferred = false
	return handlers[in.Op](m, in)
}

func (e *Engine) fetch(pc uint64) (Insn, error) {
	code := e.Mem.ReadAvail(pc, maxInsnLen)
	inst, err := x86asm.Decode(code, e.Arch.Mode())
	if err != nil {
		n := len(code)
		if n > 4 {
			n = 4
		}
		return Insn{}, &vmp.UnsupportedOpcodeError{PC: pc, Opcode: fmt.Sprintf("(bad % x)", code[:n])}
	}
	return Lift(inst, pc, e.Arch)
}

func (e *Engine) emit(ev *trace.Event) {
	if e.OnStep == nil {
		return
	}
	trace.Classify(ev)
	e.OnStep(ev)
}

func withCallSite(err error, cs uint64) error {
	switch e := err.(type) {
	case *vmp.TraceError:
		e.CallSite = cs
	case *vmp.UnsupportedOpcodeError:
		e.CallSite = cs
	case *vmp.TraceOverflowError:
		e.CallSite = cs
	}
	return err
}
