// Package iat rebuilds an import table from resolved import records and
// redirects the protected call sites through it.
package iat

import (
	"encoding/binary"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/zboralski/vmpiat/internal/image"
	glog "github.com/zboralski/vmpiat/internal/log"
	"github.com/zboralski/vmpiat/internal/process"
	"github.com/zboralski/vmpiat/internal/vmp"
)

// DefaultSectionName is the section created for the rebuilt table.
const DefaultSectionName = ".vmpiat"

const (
	descriptorSize = 20
	sectionChars   = image.CharInitializedData | image.CharRead | image.CharWrite
)

// Image is the part of the output builder the reconstructor writes to.
type Image interface {
	Base() uint64
	AddSection(name string, size, characteristics uint32) (*image.Section, error)
	WriteVA(va uint64, data []byte) error
	SetDataDirectory(index int, rva, size uint32) error
	ClearDllCharacteristics(mask uint16) error
}

// Import is one distinct imported symbol.
type Import struct {
	Module string
	Symbol string
	Target uint64
	// Thunk is the VA of the symbol's IAT slot.
	Thunk uint64
}

// Binding ties a call site to the import it now calls through.
type Binding struct {
	vmp.ImportRecord
	Import int
}

// Table is the result of a reconstruction.
type Table struct {
	Section  *image.Section
	Imports  []Import
	Bindings []Binding
}

// Lookup returns the first module, then the first export within it, whose
// address equals target.
func Lookup(modules []process.Module, target uint64) (module, symbol string, ok bool) {
	for _, m := range modules {
		if target < m.Base {
			continue
		}
		rva := target - m.Base
		for _, e := range m.Exports {
			if uint64(e.RVA) == rva {
				return m.Name, e.Name, true
			}
		}
	}
	return "", "", false
}

type dll struct {
	name    string
	imports []int
}

// Reconstruct resolves every import record of vm against modules, writes an
// import directory into a new section of out and patches each call site to
// transfer through its IAT slot. Nothing is written unless every record
// resolves.
func Reconstruct(vm *vmp.Context, modules []process.Module, out Image, sectionName string) (*Table, error) {
	if err := vm.Require(); err != nil {
		return nil, err
	}
	if sectionName == "" {
		sectionName = DefaultSectionName
	}
	logger := glog.Get().WithCategory("iat")

	t := &Table{}
	var dlls []*dll
	byModule := map[string]*dll{}
	byTarget := map[uint64]int{}

	for _, rec := range vm.Imports() {
		idx, seen := byTarget[rec.Target]
		if !seen {
			mod, sym, ok := Lookup(modules, rec.Target)
			if !ok {
				return nil, &vmp.UnresolvedImportError{CallSite: rec.CallSite, Target: rec.Target}
			}
			idx = len(t.Imports)
			byTarget[rec.Target] = idx
			t.Imports = append(t.Imports, Import{Module: mod, Symbol: sym, Target: rec.Target})
			d := byModule[mod]
			if d == nil {
				d = &dll{name: mod}
				byModule[mod] = d
				dlls = append(dlls, d)
			}
			d.imports = append(d.imports, idx)
		}
		t.Bindings = append(t.Bindings, Binding{ImportRecord: rec, Import: idx})
	}
	if len(t.Imports) == 0 {
		return t, nil
	}

	ptr := uint32(vm.PtrSize())
	l := layOut(dlls, t.Imports, ptr)

	sec, err := out.AddSection(sectionName, l.size, sectionChars)
	if err != nil {
		return nil, fmt.Errorf("add section %s: %w", sectionName, err)
	}
	t.Section = sec

	base := out.Base()
	data := l.encode(sec.VirtualAddress, dlls, t.Imports, ptr)
	if err := out.WriteVA(base+uint64(sec.VirtualAddress), data); err != nil {
		return nil, fmt.Errorf("write import table: %w", err)
	}
	if err := out.SetDataDirectory(image.DirImport, sec.VirtualAddress+l.desc, (uint32(len(dlls))+1)*descriptorSize); err != nil {
		return nil, err
	}
	if err := out.SetDataDirectory(image.DirIAT, sec.VirtualAddress+l.iat, l.iatSize); err != nil {
		return nil, err
	}
	for i := range t.Imports {
		t.Imports[i].Thunk = base + uint64(sec.VirtualAddress+l.thunk[i])
		logger.ImportAdded(t.Imports[i].Module, t.Imports[i].Symbol, t.Imports[i].Thunk)
	}

	arch := vm.Arch()
	for _, b := range t.Bindings {
		patch, err := Encode(arch, b.Kind, b.Patch, t.Imports[b.Import].Thunk)
		if err != nil {
			return nil, err
		}
		if err := out.WriteVA(b.Patch, patch); err != nil {
			return nil, fmt.Errorf("patch call site 0x%x: %w", b.CallSite, err)
		}
	}
	if arch == vmp.ArchX86 {
		// Patched sites hold absolute thunk addresses with no relocations.
		if err := out.ClearDllCharacteristics(image.DynamicBase); err != nil {
			return nil, err
		}
	}

	logger.Info("import table rebuilt",
		glog.Section(sectionName),
		zap.Int("modules", len(dlls)),
		zap.Int("imports", len(t.Imports)),
		zap.Int("sites", len(t.Bindings)),
	)
	return t, nil
}

// Encode returns the 6-byte indirect call or jmp through thunk placed at
// patch.
func Encode(arch vmp.Arch, kind vmp.ExitKind, patch, thunk uint64) ([]byte, error) {
	code := []byte{0xFF, 0x15, 0, 0, 0, 0}
	if kind == vmp.ExitJmp {
		code[1] = 0x25
	}
	switch arch {
	case vmp.ArchX64:
		disp := int64(thunk) - int64(patch+vmp.PatchLen)
		if disp < math.MinInt32 || disp > math.MaxInt32 {
			return nil, fmt.Errorf("patch 0x%x: thunk 0x%x out of rel32 range", patch, thunk)
		}
		binary.LittleEndian.PutUint32(code[2:], uint32(int32(disp)))
	case vmp.ArchX86:
		if thunk > math.MaxUint32 {
			return nil, fmt.Errorf("patch 0x%x: thunk 0x%x above 4GB", patch, thunk)
		}
		binary.LittleEndian.PutUint32(code[2:], uint32(thunk))
	default:
		return nil, &vmp.ConfigurationError{Reason: "unsupported architecture " + arch.String()}
	}
	return code, nil
}

// layout holds section-relative offsets of each table part.
type layout struct {
	desc    uint32
	lookup  []uint32 // per dll
	iat     uint32
	iatSize uint32
	thunk   []uint32 // per import, offset of its IAT slot
	names   []uint32 // per import, offset of its hint/name entry
	dllName []uint32
	size    uint32
}

func layOut(dlls []*dll, imports []Import, ptr uint32) *layout {
	l := &layout{
		thunk: make([]uint32, len(imports)),
		names: make([]uint32, len(imports)),
	}
	off := (uint32(len(dlls)) + 1) * descriptorSize
	off = alignUp(off, 8)

	for _, d := range dlls {
		l.lookup = append(l.lookup, off)
		off += (uint32(len(d.imports)) + 1) * ptr
	}
	l.iat = off
	for _, d := range dlls {
		for _, i := range d.imports {
			l.thunk[i] = off
			off += ptr
		}
		off += ptr
	}
	l.iatSize = off - l.iat

	for _, d := range dlls {
		for _, i := range d.imports {
			off = alignUp(off, 2)
			l.names[i] = off
			off += 2 + uint32(len(imports[i].Symbol)) + 1
		}
	}
	for _, d := range dlls {
		l.dllName = append(l.dllName, off)
		off += uint32(len(d.name)) + 1
	}
	l.size = alignUp(off, 16)
	return l
}

func (l *layout) encode(rva uint32, dlls []*dll, imports []Import, ptr uint32) []byte {
	buf := make([]byte, l.size)
	le := binary.LittleEndian
	put := func(off uint32, v uint32) {
		if ptr == 8 {
			le.PutUint64(buf[off:], uint64(v))
		} else {
			le.PutUint32(buf[off:], v)
		}
	}

	for n, d := range dlls {
		desc := buf[l.desc+uint32(n)*descriptorSize:]
		le.PutUint32(desc[0:], rva+l.lookup[n])
		le.PutUint32(desc[12:], rva+l.dllName[n])
		le.PutUint32(desc[16:], rva+l.thunk[d.imports[0]])
		copy(buf[l.dllName[n]:], d.name)

		for k, i := range d.imports {
			name := rva + l.names[i]
			put(l.lookup[n]+uint32(k)*ptr, name)
			put(l.thunk[i], name)
			copy(buf[l.names[i]+2:], imports[i].Symbol)
		}
	}
	return buf
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}
