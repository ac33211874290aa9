package emulator

import (
	"fmt"

	"github.com/zboralski/vmpiat/internal/mapper"
)

// LoadArena maps every arena section page-aligned and copies its bytes.
func (e *Emulator) LoadArena(arena *mapper.Arena) error {
	for _, s := range arena.Sections() {
		if len(s.Bytes) == 0 {
			continue
		}
		if err := e.MapRegion(s.Base, uint64(len(s.Bytes))); err != nil {
			return fmt.Errorf("map section %s: %w", s.Name, err)
		}
		if err := e.MemWrite(s.Base, s.Bytes); err != nil {
			return fmt.Errorf("write section %s: %w", s.Name, err)
		}
	}
	return nil
}

// MapStack maps size bytes at base and points the stack pointer one page
// below the top.
func (e *Emulator) MapStack(base, size uint64) error {
	if err := e.MapRegion(base, size); err != nil {
		return fmt.Errorf("map stack: %w", err)
	}
	return e.SetSP(base + size - PageSize)
}
