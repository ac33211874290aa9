// Package vmp holds the per-run VM context shared by the devirtualization
// stages: architecture constants and the table of resolved import calls.
package vmp

import (
	"fmt"
	"sync"
)

// Arch identifies the instruction set of the protected image.
type Arch int

const (
	ArchUnknown Arch = iota
	ArchX86
	ArchX64
)

func (a Arch) String() string {
	switch a {
	case ArchX86:
		return "x86"
	case ArchX64:
		return "x64"
	}
	return fmt.Sprintf("Arch(%d)", int(a))
}

// Valid reports whether a is a supported architecture.
func (a Arch) Valid() bool {
	return a == ArchX86 || a == ArchX64
}

// PtrSize returns the pointer width in bytes.
func (a Arch) PtrSize() int {
	if a == ArchX64 {
		return 8
	}
	return 4
}

// Mode returns the decoder mode (32 or 64).
func (a Arch) Mode() int {
	if a == ArchX64 {
		return 64
	}
	return 32
}

// ExitKind describes how the protector stub left the VM.
type ExitKind int

const (
	// ExitCall keeps the return address on the stack: the site was a call.
	ExitCall ExitKind = iota
	// ExitJmp discards the return address: the site was a tail jump.
	ExitJmp
)

func (k ExitKind) String() string {
	if k == ExitJmp {
		return "jmp"
	}
	return "call"
}

// ImportRecord is one resolved import call.
type ImportRecord struct {
	CallSite uint64   // VA of the call into the dispatch stub
	Target   uint64   // recovered import VA in the remote process
	Kind     ExitKind // call or jmp
	Patch    uint64   // VA where the 6-byte indirect transfer is written
}

// Context is the VM context for one run. It is created by the driver and
// passed explicitly to every stage.
type Context struct {
	mu          sync.Mutex
	constructed bool
	arch        Arch
	imports     []ImportRecord
}

// NewContext returns an unconstructed context.
func NewContext() *Context {
	return &Context{}
}

// Construct fixes the architecture constants. It may be called once.
func (c *Context) Construct(arch Arch) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.constructed {
		return &ConfigurationError{Reason: "context already constructed"}
	}
	if !arch.Valid() {
		return &ConfigurationError{Reason: fmt.Sprintf("unsupported architecture %v", arch)}
	}
	c.arch = arch
	c.constructed = true
	return nil
}

// Constructed reports whether Construct succeeded.
func (c *Context) Constructed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.constructed
}

// Arch returns the constructed architecture, or ArchUnknown.
func (c *Context) Arch() Arch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.arch
}

// PtrSize returns the pointer width of the constructed architecture.
func (c *Context) PtrSize() int {
	return c.Arch().PtrSize()
}

// Require returns a ConfigurationError when the context is not constructed.
func (c *Context) Require() error {
	if !c.Constructed() {
		return &ConfigurationError{Reason: "context not constructed"}
	}
	return nil
}

// AddImport appends a resolved record.
func (c *Context) AddImport(rec ImportRecord) {
	c.mu.Lock()
	c.imports = append(c.imports, rec)
	c.mu.Unlock()
}

// Imports returns a copy of the records in append order.
func (c *Context) Imports() []ImportRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ImportRecord, len(c.imports))
	copy(out, c.imports)
	return out
}
