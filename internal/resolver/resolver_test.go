package resolver

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/zboralski/vmpiat/internal/mapper"
	"github.com/zboralski/vmpiat/internal/pefile"
	"github.com/zboralski/vmpiat/internal/testimage"
	"github.com/zboralski/vmpiat/internal/tracer"
	"github.com/zboralski/vmpiat/internal/vmp"
)

const base = 0x140000000

type layout map[string]pefile.Section

func (l layout) FindSection(name string) (pefile.Section, bool) {
	s, ok := l[name]
	return s, ok
}

var sections = layout{
	".text": {Name: ".text", VirtualAddress: 0x1000, VirtualSize: 0x1000},
	".vmp0": {Name: ".vmp0", VirtualAddress: 0x3000, VirtualSize: 0x1000},
}

// fakeEngine resolves each stub to stub+0x10000 and fails on listed sites.
type fakeEngine struct {
	fail map[uint64]bool
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Trace(cs, stub uint64) (vmp.ImportRecord, error) {
	if f.fail[cs] {
		return vmp.ImportRecord{}, &vmp.TraceError{CallSite: cs, PC: stub, Reason: "forced"}
	}
	return vmp.ImportRecord{CallSite: cs, Target: stub + 0x10000, Patch: cs}, nil
}

// buildArena places n dispatch calls 8 bytes apart in .text, each to its
// own stub address in .vmp0.
func buildArena(t *testing.T, n int, stubBody func(a *testimage.Asm, stub uint64)) (*mapper.Arena, []uint64) {
	t.Helper()
	text := make([]byte, 0x1000)
	vm := make([]byte, 0x1000)
	var sites []uint64
	for i := 0; i < n; i++ {
		cs := base + 0x1000 + uint64(i)*8
		stub := base + 0x3000 + uint64(i)*0x20
		copy(text[cs-base-0x1000:], testimage.NewAsm(vmp.ArchX64, cs).Call(stub).Buf)
		if stubBody != nil {
			a := testimage.NewAsm(vmp.ArchX64, stub)
			stubBody(a, stub)
			copy(vm[stub-base-0x3000:], a.Buf)
		}
		sites = append(sites, cs)
	}
	arena := mapper.New()
	if err := arena.Map([]mapper.Request{
		{Name: ".text", Bytes: text},
		{Name: ".vmp0", Bytes: vm, Protected: true},
	}, base, sections); err != nil {
		t.Fatal(err)
	}
	return arena, sites
}

func newContext(t *testing.T) *vmp.Context {
	t.Helper()
	c := vmp.NewContext()
	if err := c.Construct(vmp.ArchX64); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestProcessImportCallsOrder(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			arena, sites := buildArena(t, 32, nil)
			vm := newContext(t)
			r := &Resolver{VM: vm, Code: arena, Engine: &fakeEngine{}, Workers: workers}

			if err := r.ProcessImportCalls(context.Background(), sites, base); err != nil {
				t.Fatalf("ProcessImportCalls: %v", err)
			}
			recs := vm.Imports()
			if len(recs) != len(sites) {
				t.Fatalf("got %d records, want %d", len(recs), len(sites))
			}
			for i, rec := range recs {
				if rec.CallSite != sites[i] {
					t.Errorf("record %d: site 0x%x, want 0x%x", i, rec.CallSite, sites[i])
				}
				if want := base + 0x3000 + uint64(i)*0x20 + 0x10000; rec.Target != want {
					t.Errorf("record %d: target 0x%x, want 0x%x", i, rec.Target, want)
				}
			}
		})
	}
}

func TestProcessImportCallsFailure(t *testing.T) {
	for _, workers := range []int{1, 8} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			arena, sites := buildArena(t, 16, nil)
			vm := newContext(t)
			eng := &fakeEngine{fail: map[uint64]bool{sites[5]: true, sites[11]: true}}
			r := &Resolver{VM: vm, Code: arena, Engine: eng, Workers: workers}

			err := r.ProcessImportCalls(context.Background(), sites, base)
			var terr *vmp.TraceError
			if !errors.As(err, &terr) {
				t.Fatalf("got %v, want TraceError", err)
			}
			if terr.CallSite != sites[5] {
				t.Errorf("failing site 0x%x, want 0x%x", terr.CallSite, sites[5])
			}
			if n := len(vm.Imports()); n != 0 {
				t.Errorf("%d records appended despite failure", n)
			}
		})
	}
}

// gatedEngine holds the first site until a later site has failed.
type gatedEngine struct {
	first, later uint64
	failed       chan struct{}
}

func (g *gatedEngine) Name() string { return "gated" }

func (g *gatedEngine) Trace(cs, stub uint64) (vmp.ImportRecord, error) {
	switch cs {
	case g.first:
		<-g.failed
		return vmp.ImportRecord{}, &vmp.TraceError{CallSite: cs, PC: stub, Reason: "slow"}
	case g.later:
		close(g.failed)
		return vmp.ImportRecord{}, &vmp.TraceError{CallSite: cs, PC: stub, Reason: "fast"}
	}
	return vmp.ImportRecord{CallSite: cs, Target: stub, Patch: cs}, nil
}

func TestProcessImportCallsReportsLowestFailure(t *testing.T) {
	arena, sites := buildArena(t, 8, nil)
	vm := newContext(t)
	eng := &gatedEngine{first: sites[0], later: sites[3], failed: make(chan struct{})}
	r := &Resolver{VM: vm, Code: arena, Engine: eng, Workers: 2}

	err := r.ProcessImportCalls(context.Background(), sites, base)
	var terr *vmp.TraceError
	if !errors.As(err, &terr) {
		t.Fatalf("got %v, want TraceError", err)
	}
	if terr.CallSite != sites[0] {
		t.Errorf("failing site 0x%x, want 0x%x", terr.CallSite, sites[0])
	}
}

func TestProcessImportCallsNotACall(t *testing.T) {
	arena, _ := buildArena(t, 1, nil)
	vm := newContext(t)
	r := &Resolver{VM: vm, Code: arena, Engine: &fakeEngine{}}

	err := r.ProcessImportCalls(context.Background(), []uint64{base + 0x1800}, base)
	var terr *vmp.TraceError
	if !errors.As(err, &terr) {
		t.Fatalf("got %v, want TraceError", err)
	}
}

func TestProcessImportCallsRequiresContext(t *testing.T) {
	arena, sites := buildArena(t, 1, nil)
	r := &Resolver{VM: vmp.NewContext(), Code: arena, Engine: &fakeEngine{}}
	err := r.ProcessImportCalls(context.Background(), sites, base)
	var cerr *vmp.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("got %v, want ConfigurationError", err)
	}
}

func TestSymbolicEngineDeterministic(t *testing.T) {
	const slot = base + 0x3f00
	arena, sites := buildArena(t, 8, func(a *testimage.Asm, stub uint64) {
		a.Buf = testimage.ImportStub(vmp.ArchX64, stub, slot, int32(stub-base), false)
	})

	run := func() []vmp.ImportRecord {
		vm := newContext(t)
		r := &Resolver{VM: vm, Code: arena, Engine: tracer.New(vmp.ArchX64, arena), Workers: 3}
		if err := r.ProcessImportCalls(context.Background(), sites, base); err != nil {
			t.Fatalf("ProcessImportCalls: %v", err)
		}
		return vm.Imports()
	}

	first, second := run(), run()
	if len(first) != len(sites) {
		t.Fatalf("got %d records", len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("record %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}
