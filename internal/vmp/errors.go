package vmp

import "fmt"

// ConfigurationError reports a bad or repeated context setup.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration: " + e.Reason
}

// MissingSectionError names a section absent from the static image.
type MissingSectionError struct {
	Name string
}

func (e *MissingSectionError) Error() string {
	return fmt.Sprintf("section %q not found in image", e.Name)
}

// TraceOverflowError reports a trace that exceeded its step budget.
type TraceOverflowError struct {
	CallSite uint64
	Steps    int
}

func (e *TraceOverflowError) Error() string {
	return fmt.Sprintf("trace 0x%x: no exit after %d steps", e.CallSite, e.Steps)
}

// UnsupportedOpcodeError names an instruction the tracer does not model.
type UnsupportedOpcodeError struct {
	CallSite uint64
	PC       uint64
	Opcode   string
}

func (e *UnsupportedOpcodeError) Error() string {
	return fmt.Sprintf("trace 0x%x: unsupported opcode %s at 0x%x", e.CallSite, e.Opcode, e.PC)
}

// TraceError reports a trace that reached an exit it cannot reduce.
type TraceError struct {
	CallSite uint64
	PC       uint64
	Reason   string
}

func (e *TraceError) Error() string {
	return fmt.Sprintf("trace 0x%x: %s at 0x%x", e.CallSite, e.Reason, e.PC)
}

// UnresolvedImportError reports a target that matches no known export.
type UnresolvedImportError struct {
	CallSite uint64
	Target   uint64
}

func (e *UnresolvedImportError) Error() string {
	return fmt.Sprintf("call 0x%x: target 0x%x matches no export", e.CallSite, e.Target)
}

// SnapshotError reports an unreadable page of the target module.
type SnapshotError struct {
	Addr uint64
	Size int
	Err  error
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("snapshot 0x%x (+0x%x): %v", e.Addr, e.Size, e.Err)
}

func (e *SnapshotError) Unwrap() error { return e.Err }

// IOError reports a filesystem failure.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// DuplicateSectionError reports a section name already present.
type DuplicateSectionError struct {
	Name string
}

func (e *DuplicateSectionError) Error() string {
	return fmt.Sprintf("section %q already exists", e.Name)
}

// SectionLimitError reports an exhausted section table.
type SectionLimitError struct {
	Limit int
}

func (e *SectionLimitError) Error() string {
	return fmt.Sprintf("section table full (%d entries)", e.Limit)
}
