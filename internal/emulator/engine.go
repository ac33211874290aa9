package emulator

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/zboralski/vmpiat/internal/mapper"
	"github.com/zboralski/vmpiat/internal/trace"
	"github.com/zboralski/vmpiat/internal/vmp"
)

const (
	// DefaultMaxSteps bounds a single trace.
	DefaultMaxSteps = 10000
	// StackSize is the stack mapped for each trace.
	StackSize = 0x10000
)

// Engine traces dispatch stubs by running them under Unicorn. Each trace
// gets a fresh emulator, so one Engine may serve concurrent traces.
type Engine struct {
	Arch     vmp.Arch
	Arena    *mapper.Arena
	MaxSteps int
	OnStep   func(*trace.Event)
}

// NewEngine returns an engine over the arena.
func NewEngine(arch vmp.Arch, arena *mapper.Arena) *Engine {
	return &Engine{Arch: arch, Arena: arena, MaxSteps: DefaultMaxSteps}
}

// Name identifies the engine in logs and reports.
func (e *Engine) Name() string { return "unicorn" }

// run is the state of one trace.
type run struct {
	exited   bool
	exit     uint64
	steps    int
	overflow bool
}

// Trace runs the stub entered from callSite until execution leaves the
// protected sections.
func (e *Engine) Trace(callSite, stub uint64) (vmp.ImportRecord, error) {
	if !e.Arena.Protected(stub) {
		return vmp.ImportRecord{}, &vmp.TraceError{CallSite: callSite, PC: stub, Reason: "dispatch target outside protected sections"}
	}
	budget := e.MaxSteps
	if budget <= 0 {
		budget = DefaultMaxSteps
	}

	emu, err := New(e.Arch)
	if err != nil {
		return vmp.ImportRecord{}, err
	}
	defer emu.Close()

	if err := emu.LoadArena(e.Arena); err != nil {
		return vmp.ImportRecord{}, &vmp.TraceError{CallSite: callSite, PC: stub, Reason: err.Error()}
	}
	if err := emu.MapStack(e.Arena.Free(StackSize), StackSize); err != nil {
		return vmp.ImportRecord{}, &vmp.TraceError{CallSite: callSite, PC: stub, Reason: err.Error()}
	}
	if err := emu.Push(callSite + vmp.CallLen); err != nil {
		return vmp.ImportRecord{}, &vmp.TraceError{CallSite: callSite, PC: stub, Reason: "push return address: " + err.Error()}
	}
	retSlot := emu.SP()

	r := &run{}
	emu.HookCode(func(emu *Emulator, addr uint64, size uint32) {
		if !e.Arena.Protected(addr) {
			r.exited, r.exit = true, addr
			emu.Stop()
			return
		}
		if r.steps >= budget {
			r.overflow = true
			emu.Stop()
			return
		}
		e.emit(callSite, addr, r.steps)
		r.steps++
	})
	emu.HookFetchUnmapped(func(emu *Emulator, addr uint64) {
		r.exited, r.exit = true, addr
	})

	runErr := emu.Run(stub, 0, 0)
	switch {
	case r.exited:
	case r.overflow:
		return vmp.ImportRecord{}, &vmp.TraceOverflowError{CallSite: callSite, Steps: r.steps}
	case runErr != nil:
		return vmp.ImportRecord{}, &vmp.TraceError{CallSite: callSite, PC: emu.PC(), Reason: "emulation failed: " + runErr.Error()}
	default:
		return vmp.ImportRecord{}, &vmp.TraceError{CallSite: callSite, PC: emu.PC(), Reason: "emulation ended inside protected code"}
	}

	ret, err := emu.MemReadPtr(retSlot)
	kind, patch, err := vmp.ClassifyExit(e.Arch, callSite, retSlot, emu.SP(), ret, err == nil, r.exit)
	if err != nil {
		return vmp.ImportRecord{}, err
	}
	if e.OnStep != nil {
		e.OnStep(trace.NewExit(callSite, r.exit, r.steps, kind.String()))
	}
	return vmp.ImportRecord{CallSite: callSite, Target: r.exit, Kind: kind, Patch: patch}, nil
}

func (e *Engine) emit(callSite, addr uint64, step int) {
	if e.OnStep == nil {
		return
	}
	code := e.Arena.ReadAvail(addr, 15)
	name, text := "?", ""
	if inst, err := x86asm.Decode(code, e.Arch.Mode()); err == nil {
		name = strings.ToLower(inst.Op.String())
		text = x86asm.IntelSyntax(inst, addr, nil)
	}
	ev := trace.NewStep(callSite, addr, step, name, text)
	trace.Classify(ev)
	e.OnStep(ev)
}
