package emulator

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/zboralski/vmpiat/internal/mapper"
	"github.com/zboralski/vmpiat/internal/pefile"
	"github.com/zboralski/vmpiat/internal/testimage"
	"github.com/zboralski/vmpiat/internal/trace"
	"github.com/zboralski/vmpiat/internal/vmp"
)

const sleepVA = 0x7FFE0000

type layout map[string]pefile.Section

func (l layout) FindSection(name string) (pefile.Section, bool) {
	s, ok := l[name]
	return s, ok
}

var sections = layout{
	".text": {Name: ".text", VirtualAddress: 0x1000, VirtualSize: 0x1000},
	".vmp0": {Name: ".vmp0", VirtualAddress: 0x3000, VirtualSize: 0x1000},
}

type stubFixture struct {
	cs, stub, slot uint64
	engine         *Engine
}

func newStubFixture(t *testing.T, arch vmp.Arch, slotValue uint64, body func(f *stubFixture) []byte) *stubFixture {
	t.Helper()
	base := uint64(0x140000000)
	if arch == vmp.ArchX86 {
		base = 0x400000
	}
	f := &stubFixture{cs: base + 0x1000, stub: base + 0x3100, slot: base + 0x3800}

	text := make([]byte, 0x1000)
	copy(text, testimage.NewAsm(arch, f.cs).Call(f.stub).Byte(0x90).Buf)
	vm := make([]byte, 0x1000)
	copy(vm[0x100:], body(f))
	binary.LittleEndian.PutUint64(vm[0x800:], slotValue)

	arena := mapper.New()
	if err := arena.Map([]mapper.Request{
		{Name: ".text", Bytes: text},
		{Name: ".vmp0", Bytes: vm, Protected: true},
	}, base, sections); err != nil {
		t.Fatalf("Map: %v", err)
	}
	f.engine = NewEngine(arch, arena)
	return f
}

func TestEngineCallStub(t *testing.T) {
	const k = 0x1234
	for _, arch := range []vmp.Arch{vmp.ArchX64, vmp.ArchX86} {
		t.Run(arch.String(), func(t *testing.T) {
			f := newStubFixture(t, arch, sleepVA-k, func(f *stubFixture) []byte {
				return testimage.ImportStub(arch, f.stub, f.slot, k, false)
			})
			var events []*trace.Event
			f.engine.OnStep = func(e *trace.Event) { events = append(events, e) }

			rec, err := f.engine.Trace(f.cs, f.stub)
			if err != nil {
				t.Fatalf("Trace: %v", err)
			}
			want := vmp.ImportRecord{CallSite: f.cs, Target: sleepVA, Kind: vmp.ExitCall, Patch: f.cs}
			if rec != want {
				t.Errorf("got %+v, want %+v", rec, want)
			}
			if len(events) == 0 || !events[len(events)-1].IsExit() {
				t.Fatal("last event is not an exit")
			}
			for i, e := range events {
				if e.CallSite != f.cs || e.Step != i {
					t.Errorf("event %d: call site %#x step %d", i, e.CallSite, e.Step)
				}
			}
		})
	}
}

func TestEngineJmpStub(t *testing.T) {
	f := newStubFixture(t, vmp.ArchX64, sleepVA+0x40, func(f *stubFixture) []byte {
		return testimage.ImportStub(vmp.ArchX64, f.stub, f.slot, -0x40, true)
	})
	rec, err := f.engine.Trace(f.cs, f.stub)
	if err != nil {
		t.Fatalf("Trace: %v", err)
	}
	if rec.Target != sleepVA || rec.Kind != vmp.ExitJmp || rec.Patch != f.cs {
		t.Errorf("got %+v", rec)
	}
}

func TestEngineOverflow(t *testing.T) {
	f := newStubFixture(t, vmp.ArchX64, 0, func(f *stubFixture) []byte {
		return []byte{0xEB, 0xFE} // jmp $
	})
	f.engine.MaxSteps = 100
	_, err := f.engine.Trace(f.cs, f.stub)
	var oerr *vmp.TraceOverflowError
	if !errors.As(err, &oerr) {
		t.Fatalf("got %v, want TraceOverflowError", err)
	}
	if oerr.Steps != 100 || oerr.CallSite != f.cs {
		t.Errorf("got %+v", oerr)
	}
}

func TestEngineStubOutsideVM(t *testing.T) {
	f := newStubFixture(t, vmp.ArchX64, 0, func(f *stubFixture) []byte { return []byte{0xC3} })
	_, err := f.engine.Trace(f.cs, f.cs+0x800)
	var terr *vmp.TraceError
	if !errors.As(err, &terr) {
		t.Fatalf("got %v, want TraceError", err)
	}
}
