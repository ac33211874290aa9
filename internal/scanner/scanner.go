// Package scanner finds calls that the protector redirected into its
// dispatch stubs.
package scanner

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/zboralski/vmpiat/internal/vmp"
)

// Regions reports whether an address belongs to the protector's VM.
type Regions interface {
	Protected(va uint64) bool
}

// Scan sweeps code linearly and returns the VA of every E8 rel32 call whose
// target lies in a protected region. Undecodable bytes are skipped one at a
// time. The result is strictly increasing.
func Scan(regions Regions, code []byte, base uint64, arch vmp.Arch) []uint64 {
	var sites []uint64
	mode := arch.Mode()

	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], mode)
		if err != nil || inst.Len == 0 {
			off++
			continue
		}
		if target, ok := CallTarget(inst, base+uint64(off)); ok && regions.Protected(target) {
			sites = append(sites, base+uint64(off))
		}
		off += inst.Len
	}
	return sites
}

// CallTarget returns the destination of a direct 5-byte call at pc.
func CallTarget(inst x86asm.Inst, pc uint64) (uint64, bool) {
	if inst.Op != x86asm.CALL || inst.Len != vmp.CallLen {
		return 0, false
	}
	rel, ok := inst.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	target := pc + uint64(inst.Len) + uint64(int64(rel))
	if inst.Mode == 32 {
		target &= 0xffffffff
	}
	return target, true
}

// DecodeCall decodes the call at the start of code.
func DecodeCall(code []byte, pc uint64, arch vmp.Arch) (uint64, bool) {
	inst, err := x86asm.Decode(code, arch.Mode())
	if err != nil {
		return 0, false
	}
	return CallTarget(inst, pc)
}
