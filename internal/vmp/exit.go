package vmp

// CallLen is the length of the E8 rel32 call that enters a dispatch stub.
const CallLen = 5

// PatchLen is the length of the FF 15 / FF 25 transfer written back.
const PatchLen = 6

// ClassifyExit decides how a stub left the VM from the stack state at the
// exit transfer. retSlot is where the simulated call stored its return
// address, sp is the stack pointer after the exit, and ret is the value at
// retSlot. retKnown is false when that value is symbolic.
//
// The protector rewrites a 6-byte indirect call as a 5-byte call plus one
// pad byte, either after or before the call. The stub fixes up the return
// address accordingly, which tells us where the original instruction began.
func ClassifyExit(arch Arch, callSite, retSlot, sp, ret uint64, retKnown bool, pc uint64) (ExitKind, uint64, error) {
	ptr := uint64(arch.PtrSize())

	switch sp {
	case retSlot:
		if !retKnown {
			return 0, 0, &TraceError{CallSite: callSite, PC: pc, Reason: "symbolic return address"}
		}
		switch ret {
		case callSite + PatchLen:
			return ExitCall, callSite, nil
		case callSite + CallLen:
			return ExitCall, callSite - 1, nil
		}
		return 0, 0, &TraceError{CallSite: callSite, PC: pc, Reason: "unexpected return address"}
	case retSlot + ptr:
		return ExitJmp, callSite, nil
	}
	return 0, 0, &TraceError{CallSite: callSite, PC: pc, Reason: "unbalanced stack at exit"}
}
