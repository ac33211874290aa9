package trace

import (
	"sync"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		want Tag
	}{
		{"push", Stack},
		{"pushfq", Stack},
		{"lea", Load},
		{"bswap", Arith},
		{"xchg", Swap},
		{"jmp", Branch},
		{"call", Call},
		{"ret", Ret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewStep(0x1000, 0x3100, 0, tt.name, tt.name)
			Classify(e)
			if !e.Tags.Has(tt.want) || len(e.Tags) != 1 {
				t.Errorf("tags = %v, want [%s]", e.Tags, tt.want)
			}
			if e.IsExit() || e.Kind() != "" {
				t.Error("step reported as exit")
			}
		})
	}

	e := NewStep(0x1000, 0x3100, 0, "cpuid", "cpuid")
	Classify(e)
	if len(e.Tags) != 0 {
		t.Errorf("unknown mnemonic tagged: %v", e.Tags)
	}
}

func TestExitEvent(t *testing.T) {
	e := NewExit(0x1000, 0x7FFE0000, 12, "jmp")
	Classify(e)
	if !e.IsExit() || e.Kind() != "jmp" {
		t.Errorf("exit = %+v", e)
	}
	if len(e.Tags) != 1 {
		t.Errorf("exit event re-tagged: %v", e.Tags)
	}
	if e.CallSite != 0x1000 || e.PC != 0x7FFE0000 || e.Step != 12 {
		t.Errorf("exit = %+v", e)
	}
	if got := e.Tags.Strings(); len(got) != 1 || got[0] != "#vm-exit" {
		t.Errorf("Strings = %v", got)
	}
}

func TestCollector(t *testing.T) {
	var c Collector
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				c.Add(NewExit(uint64(i), 0x7FFE0000, 1, "call"))
				return
			}
			c.Add(NewStep(uint64(i), 0x3100, 0, "ret", "ret"))
		}(i)
	}
	wg.Wait()

	if c.Len() != 8 {
		t.Fatalf("Len = %d, want 8", c.Len())
	}
	if n := c.Count(VMExit); n != 4 {
		t.Errorf("Count(VMExit) = %d, want 4", n)
	}
	if got := c.GetAndClear(); len(got) != 8 || c.Len() != 0 {
		t.Errorf("GetAndClear returned %d, left %d", len(got), c.Len())
	}
}
