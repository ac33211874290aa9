// Package emulator runs dispatch stubs under Unicorn Engine.
package emulator

import (
	"encoding/binary"
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/zboralski/vmpiat/internal/vmp"
)

// PageSize is Unicorn's mapping granularity.
const PageSize = 0x1000

// CodeHookFunc is called before each instruction executes.
type CodeHookFunc func(emu *Emulator, addr uint64, size uint32)

// FetchHookFunc is called when execution reaches unmapped memory.
type FetchHookFunc func(emu *Emulator, addr uint64)

// Emulator is one x86 or x64 address space. It is not safe for concurrent
// use; tracers create one per call site.
type Emulator struct {
	uc    uc.Unicorn
	arch  vmp.Arch
	pages map[uint64]bool

	onCode  CodeHookFunc
	onFetch FetchHookFunc
	stopped bool
}

type regs struct{ sp, pc int }

var archRegs = map[vmp.Arch]regs{
	vmp.ArchX86: {uc.X86_REG_ESP, uc.X86_REG_EIP},
	vmp.ArchX64: {uc.X86_REG_RSP, uc.X86_REG_RIP},
}

var archModes = map[vmp.Arch]int{
	vmp.ArchX86: uc.MODE_32,
	vmp.ArchX64: uc.MODE_64,
}

// New creates an emulator for arch with nothing mapped.
func New(arch vmp.Arch) (*Emulator, error) {
	mode, ok := archModes[arch]
	if !ok {
		return nil, &vmp.ConfigurationError{Reason: "unsupported architecture " + arch.String()}
	}
	u, err := uc.NewUnicorn(uc.ARCH_X86, mode)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}
	e := &Emulator{uc: u, arch: arch, pages: make(map[uint64]bool)}
	if err := e.install(); err != nil {
		u.Close()
		return nil, err
	}
	return e, nil
}

func (e *Emulator) install() error {
	if _, err := e.uc.HookAdd(uc.HOOK_CODE, func(_ uc.Unicorn, addr uint64, size uint32) {
		if e.stopped {
			e.uc.Stop()
			return
		}
		if e.onCode != nil {
			e.onCode(e, addr, size)
		}
	}, 1, 0); err != nil {
		return fmt.Errorf("add code hook: %w", err)
	}

	// Returning false makes Unicorn fail the fetch and end the run.
	if _, err := e.uc.HookAdd(uc.HOOK_MEM_FETCH_UNMAPPED, func(_ uc.Unicorn, _ int, addr uint64, _ int, _ int64) bool {
		if e.onFetch != nil {
			e.onFetch(e, addr)
		}
		e.stopped = true
		return false
	}, 1, 0); err != nil {
		return fmt.Errorf("add fetch hook: %w", err)
	}
	return nil
}

func (e *Emulator) Close() error { return e.uc.Close() }

func (e *Emulator) Arch() vmp.Arch { return e.arch }

// MapRegion maps the pages covering [addr, addr+size). Pages already
// mapped are skipped, so overlapping requests are fine.
func (e *Emulator) MapRegion(addr, size uint64) error {
	start := addr &^ (PageSize - 1)
	end := (addr + size + PageSize - 1) &^ (PageSize - 1)
	for page := start; page < end; {
		if e.pages[page] {
			page += PageSize
			continue
		}
		run := page
		for run < end && !e.pages[run] {
			run += PageSize
		}
		if err := e.uc.MemMap(page, run-page); err != nil {
			return fmt.Errorf("map 0x%x (+0x%x): %w", page, run-page, err)
		}
		for p := page; p < run; p += PageSize {
			e.pages[p] = true
		}
		page = run
	}
	return nil
}

// Mapped reports whether the page holding addr is mapped.
func (e *Emulator) Mapped(addr uint64) bool {
	return e.pages[addr&^(PageSize-1)]
}

func (e *Emulator) MemWrite(addr uint64, data []byte) error {
	return e.uc.MemWrite(addr, data)
}

// MemReadPtr reads a pointer-sized little-endian value.
func (e *Emulator) MemReadPtr(addr uint64) (uint64, error) {
	data, err := e.uc.MemRead(addr, uint64(e.arch.PtrSize()))
	if err != nil {
		return 0, err
	}
	if len(data) == 4 {
		return uint64(binary.LittleEndian.Uint32(data)), nil
	}
	return binary.LittleEndian.Uint64(data), nil
}

// MemWritePtr writes a pointer-sized little-endian value.
func (e *Emulator) MemWritePtr(addr, val uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	return e.uc.MemWrite(addr, buf[:e.arch.PtrSize()])
}

func (e *Emulator) RegRead(reg int) (uint64, error) {
	return e.uc.RegRead(reg)
}

func (e *Emulator) PC() uint64 {
	pc, _ := e.uc.RegRead(archRegs[e.arch].pc)
	return pc
}

func (e *Emulator) SP() uint64 {
	sp, _ := e.uc.RegRead(archRegs[e.arch].sp)
	return sp
}

func (e *Emulator) SetSP(val uint64) error {
	return e.uc.RegWrite(archRegs[e.arch].sp, val)
}

// Push stores val below the stack pointer and moves it down.
func (e *Emulator) Push(val uint64) error {
	sp := e.SP() - uint64(e.arch.PtrSize())
	if err := e.MemWritePtr(sp, val); err != nil {
		return err
	}
	return e.SetSP(sp)
}

// HookCode installs fn as the per-instruction hook, replacing any earlier
// one.
func (e *Emulator) HookCode(fn CodeHookFunc) { e.onCode = fn }

// HookFetchUnmapped installs fn as the hook for execution leaving mapped
// memory.
func (e *Emulator) HookFetchUnmapped(fn FetchHookFunc) { e.onFetch = fn }

// Run starts emulation at start and stops at end, after count
// instructions when count is non-zero, or on Stop.
func (e *Emulator) Run(start, end, count uint64) error {
	e.stopped = false
	if count == 0 {
		return e.uc.Start(start, end)
	}
	return e.uc.StartWithOptions(start, end, &uc.UcOptions{Count: count})
}

// Stop ends the current run after the hook returns.
func (e *Emulator) Stop() {
	e.stopped = true
	e.uc.Stop()
}

// Stopped reports whether the last run was stopped by a hook or an
// unmapped fetch.
func (e *Emulator) Stopped() bool { return e.stopped }
