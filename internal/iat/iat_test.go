package iat

import (
	"bytes"
	stdpe "debug/pe"
	"encoding/binary"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/zboralski/vmpiat/internal/image"
	"github.com/zboralski/vmpiat/internal/pefile"
	"github.com/zboralski/vmpiat/internal/process"
	"github.com/zboralski/vmpiat/internal/testimage"
	"github.com/zboralski/vmpiat/internal/vmp"
)

var modules = []process.Module{
	{Name: "kernel32.dll", Base: 0x7FFE0000, Size: 0x10000, Exports: []pefile.Export{
		{Name: "Sleep", RVA: 0},
		{Name: "ExitProcess", RVA: 0x40},
	}},
	{Name: "user32.dll", Base: 0x7FF00000, Size: 0x10000, Exports: []pefile.Export{
		{Name: "MessageBoxA", RVA: 0x100},
	}},
}

func TestLookupFirstMatch(t *testing.T) {
	a := process.Module{Name: "a.dll", Base: 0x10000, Exports: []pefile.Export{
		{Name: "First", RVA: 0x20},
		{Name: "Alias", RVA: 0x20},
	}}
	b := process.Module{Name: "b.dll", Base: 0x10000, Exports: []pefile.Export{
		{Name: "Other", RVA: 0x20},
	}}

	tests := []struct {
		name    string
		modules []process.Module
		target  uint64
		mod     string
		sym     string
		ok      bool
	}{
		{"module order a,b", []process.Module{a, b}, 0x10020, "a.dll", "First", true},
		{"module order b,a", []process.Module{b, a}, 0x10020, "b.dll", "Other", true},
		{"export rva", modules, 0x7FFE0040, "kernel32.dll", "ExitProcess", true},
		{"below every base", modules, 0x1000, "", "", false},
		{"no export", modules, 0x7FFE0001, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mod, sym, ok := Lookup(tt.modules, tt.target)
			if mod != tt.mod || sym != tt.sym || ok != tt.ok {
				t.Errorf("Lookup(0x%x) = %q, %q, %v; want %q, %q, %v", tt.target, mod, sym, ok, tt.mod, tt.sym, tt.ok)
			}
		})
	}
}

type fixture struct {
	base uint64
	snap []byte
	img  *image.Builder
	vm   *vmp.Context
}

func newFixture(t *testing.T, arch vmp.Arch, base uint64, recs ...vmp.ImportRecord) *fixture {
	t.Helper()
	snap := testimage.Build(testimage.Layout{
		Arch:      arch,
		ImageBase: base,
		Sections: []testimage.Section{
			{Name: ".text", RVA: 0x1000, Data: bytes.Repeat([]byte{0xCC}, 0x100), Characteristics: testimage.CharCode},
			{Name: ".vmp0", RVA: 0x2000, Data: []byte{0xC3}, Size: 0x1000, Characteristics: testimage.CharRWX},
		},
	})
	src := process.NewStatic()
	src.AddRegion(base, snap)
	img := image.New(base)
	if err := img.Initialize(uint32(len(snap)), src); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	vm := vmp.NewContext()
	if err := vm.Construct(arch); err != nil {
		t.Fatal(err)
	}
	for _, r := range recs {
		vm.AddImport(r)
	}
	return &fixture{base: base, snap: snap, img: img, vm: vm}
}

func (f *fixture) at(va uint64, n int) []byte {
	return f.img.Bytes()[va-f.base : va-f.base+uint64(n)]
}

func TestReconstructX64(t *testing.T) {
	const base = 0x140000000
	f := newFixture(t, vmp.ArchX64, base,
		vmp.ImportRecord{CallSite: base + 0x1000, Target: 0x7FFE0000, Kind: vmp.ExitCall, Patch: base + 0x1000},
		vmp.ImportRecord{CallSite: base + 0x1010, Target: 0x7FF00100, Kind: vmp.ExitCall, Patch: base + 0x100F},
		vmp.ImportRecord{CallSite: base + 0x1020, Target: 0x7FFE0000, Kind: vmp.ExitCall, Patch: base + 0x1020},
		vmp.ImportRecord{CallSite: base + 0x1030, Target: 0x7FFE0040, Kind: vmp.ExitJmp, Patch: base + 0x1030},
	)

	tab, err := Reconstruct(f.vm, modules, f.img, "")
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	if tab.Section == nil || tab.Section.Name != DefaultSectionName {
		t.Fatalf("section = %+v", tab.Section)
	}
	if len(tab.Imports) != 3 || len(tab.Bindings) != 4 {
		t.Fatalf("got %d imports, %d bindings", len(tab.Imports), len(tab.Bindings))
	}
	if tab.Bindings[0].Import != tab.Bindings[2].Import {
		t.Error("calls to the same target got different imports")
	}

	for _, b := range tab.Bindings {
		code := f.at(b.Patch, 6)
		op := byte(0x15)
		if b.Kind == vmp.ExitJmp {
			op = 0x25
		}
		if code[0] != 0xFF || code[1] != op {
			t.Errorf("site 0x%x: % x", b.CallSite, code)
			continue
		}
		disp := int32(binary.LittleEndian.Uint32(code[2:]))
		if got := uint64(int64(b.Patch+6) + int64(disp)); got != tab.Imports[b.Import].Thunk {
			t.Errorf("site 0x%x: transfers through 0x%x, want 0x%x", b.CallSite, got, tab.Imports[b.Import].Thunk)
		}
	}

	path := filepath.Join(t.TempDir(), "out.exe")
	if err := f.img.Serialize(path); err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	pf, err := stdpe.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer pf.Close()
	syms, err := pf.ImportedSymbols()
	if err != nil {
		t.Fatalf("ImportedSymbols: %v", err)
	}
	want := []string{"Sleep:kernel32.dll", "ExitProcess:kernel32.dll", "MessageBoxA:user32.dll"}
	if !reflect.DeepEqual(syms, want) {
		t.Errorf("imports = %v, want %v", syms, want)
	}
	dir := pf.OptionalHeader.(*stdpe.OptionalHeader64).DataDirectory[image.DirIAT]
	if dir.Size != 5*8 {
		t.Errorf("IAT size = %d, want 40", dir.Size)
	}
}

func TestReconstructX86(t *testing.T) {
	const base = 0x400000
	f := newFixture(t, vmp.ArchX86, base,
		vmp.ImportRecord{CallSite: base + 0x1000, Target: 0x7FFE0000, Kind: vmp.ExitCall, Patch: base + 0x1000},
	)
	tab, err := Reconstruct(f.vm, modules, f.img, ".iat2")
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	code := f.at(base+0x1000, 6)
	if code[0] != 0xFF || code[1] != 0x15 || uint64(binary.LittleEndian.Uint32(code[2:])) != tab.Imports[0].Thunk {
		t.Errorf("patched bytes % x, thunk 0x%x", code, tab.Imports[0].Thunk)
	}

	out, err := f.img.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	pf, err := stdpe.NewFile(bytes.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	oh := pf.OptionalHeader.(*stdpe.OptionalHeader32)
	if oh.DllCharacteristics&image.DynamicBase != 0 {
		t.Error("DYNAMIC_BASE still set")
	}
	syms, err := pf.ImportedSymbols()
	if err != nil || !reflect.DeepEqual(syms, []string{"Sleep:kernel32.dll"}) {
		t.Errorf("imports = %v, %v", syms, err)
	}
}

func TestReconstructUnresolved(t *testing.T) {
	const base = 0x140000000
	f := newFixture(t, vmp.ArchX64, base,
		vmp.ImportRecord{CallSite: base + 0x1000, Target: 0x7FFE0000, Patch: base + 0x1000},
		vmp.ImportRecord{CallSite: base + 0x1010, Target: 0x12345678, Patch: base + 0x1010},
	)
	before := append([]byte(nil), f.img.Bytes()...)

	_, err := Reconstruct(f.vm, modules, f.img, "")
	var uerr *vmp.UnresolvedImportError
	if !errors.As(err, &uerr) {
		t.Fatalf("got %v, want UnresolvedImportError", err)
	}
	if uerr.CallSite != base+0x1010 {
		t.Errorf("call site 0x%x", uerr.CallSite)
	}
	if !bytes.Equal(before, f.img.Bytes()) {
		t.Error("image modified by failed reconstruction")
	}
	if _, ok := f.img.FindSection(DefaultSectionName); ok {
		t.Error("section added by failed reconstruction")
	}
}

func TestReconstructDuplicateSection(t *testing.T) {
	const base = 0x140000000
	f := newFixture(t, vmp.ArchX64, base,
		vmp.ImportRecord{CallSite: base + 0x1000, Target: 0x7FFE0000, Patch: base + 0x1000},
	)
	_, err := Reconstruct(f.vm, modules, f.img, ".vmp0")
	var derr *vmp.DuplicateSectionError
	if !errors.As(err, &derr) {
		t.Fatalf("got %v, want DuplicateSectionError", err)
	}
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name  string
		arch  vmp.Arch
		kind  vmp.ExitKind
		patch uint64
		thunk uint64
		want  []byte
	}{
		{"x64 call forward", vmp.ArchX64, vmp.ExitCall, 0x140001000, 0x140005000, []byte{0xFF, 0x15, 0xFA, 0x3F, 0, 0}},
		{"x64 jmp backward", vmp.ArchX64, vmp.ExitJmp, 0x140005000, 0x140001000, []byte{0xFF, 0x25, 0xFA, 0xBF, 0xFF, 0xFF}},
		{"x86 call", vmp.ArchX86, vmp.ExitCall, 0x401000, 0x405010, []byte{0xFF, 0x15, 0x10, 0x50, 0x40, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.arch, tt.kind, tt.patch, tt.thunk)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("got % x, want % x", got, tt.want)
			}
		})
	}

	if _, err := Encode(vmp.ArchX64, vmp.ExitCall, 0x140000000, 0x7FFE0000); err == nil {
		t.Error("out-of-range displacement accepted")
	}
}
