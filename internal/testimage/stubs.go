package testimage

import (
	"encoding/binary"

	"github.com/zboralski/vmpiat/internal/vmp"
)

// Asm accumulates hand-encoded x86 instructions at a fixed load address.
type Asm struct {
	Arch vmp.Arch
	PC   uint64
	Buf  []byte
}

// NewAsm starts assembling at pc.
func NewAsm(arch vmp.Arch, pc uint64) *Asm {
	return &Asm{Arch: arch, PC: pc}
}

func (a *Asm) emit(b ...byte) *Asm {
	a.Buf = append(a.Buf, b...)
	a.PC += uint64(len(b))
	return a
}

func (a *Asm) rex() []byte {
	if a.Arch == vmp.ArchX64 {
		return []byte{0x48}
	}
	return nil
}

func le32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

// Call emits E8 rel32 to target.
func (a *Asm) Call(target uint64) *Asm {
	rel := uint32(target - (a.PC + 5))
	return a.emit(append([]byte{0xE8}, le32(rel)...)...)
}

// Jmp emits E9 rel32 to target.
func (a *Asm) Jmp(target uint64) *Asm {
	rel := uint32(target - (a.PC + 5))
	return a.emit(append([]byte{0xE9}, le32(rel)...)...)
}

// Byte emits raw bytes.
func (a *Asm) Byte(b ...byte) *Asm { return a.emit(b...) }

// PushAcc emits push rax/eax.
func (a *Asm) PushAcc() *Asm { return a.emit(0x50) }

// LoadAcc emits mov rax,[rip+d] on x64 or mov eax,[abs] on x86.
func (a *Asm) LoadAcc(slot uint64) *Asm {
	if a.Arch == vmp.ArchX64 {
		d := uint32(slot - (a.PC + 7))
		return a.emit(append([]byte{0x48, 0x8B, 0x05}, le32(d)...)...)
	}
	return a.emit(append([]byte{0x8B, 0x05}, le32(uint32(slot))...)...)
}

// LeaAcc emits lea acc,[acc+k].
func (a *Asm) LeaAcc(k int32) *Asm {
	b := append(a.rex(), 0x8D, 0x80)
	return a.emit(append(b, le32(uint32(k))...)...)
}

// XchgTopAcc emits xchg [sp],acc.
func (a *Asm) XchgTopAcc() *Asm {
	return a.emit(append(a.rex(), 0x87, 0x04, 0x24)...)
}

// StoreTopAcc emits mov [sp],acc.
func (a *Asm) StoreTopAcc() *Asm {
	return a.emit(append(a.rex(), 0x89, 0x04, 0x24)...)
}

// IncRetSlot emits add [sp+ptr],1, bumping the saved return address.
func (a *Asm) IncRetSlot() *Asm {
	ptr := byte(a.Arch.PtrSize())
	return a.emit(append(a.rex(), 0x83, 0x44, 0x24, ptr, 0x01)...)
}

// Ret emits ret.
func (a *Asm) Ret() *Asm { return a.emit(0xC3) }

// ImportStub emits a dispatch stub that loads slot, adds k and transfers to
// the sum. With jmp set the return address is consumed; otherwise it is
// advanced past the pad byte following the call.
func ImportStub(arch vmp.Arch, pc, slot uint64, k int32, jmp bool) []byte {
	a := NewAsm(arch, pc)
	if jmp {
		a.LoadAcc(slot).LeaAcc(k).StoreTopAcc().Ret()
		return a.Buf
	}
	a.PushAcc().LoadAcc(slot).LeaAcc(k).XchgTopAcc().IncRetSlot().Ret()
	return a.Buf
}
