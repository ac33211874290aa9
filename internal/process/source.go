// Package process provides read access to a target process: its memory and
// its loaded modules with their exports.
package process

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/zboralski/vmpiat/internal/pefile"
)

// ErrNotSupported is returned by Attach on hosts without live process access.
var ErrNotSupported = errors.New("live process access is not supported on this platform")

// Module is a loaded module in the target process.
type Module struct {
	Name    string
	Path    string
	Base    uint64
	Size    uint32
	Exports []pefile.Export
}

// Contains reports whether va lies inside the module image.
func (m Module) Contains(va uint64) bool {
	return va >= m.Base && va-m.Base < uint64(m.Size)
}

// Source reads a target process. Modules are returned in loader order.
type Source interface {
	Read(addr uint64, n int) ([]byte, error)
	Modules() ([]Module, error)
}

// FindModule returns the module named name (case-insensitive).
func FindModule(src Source, name string) (Module, error) {
	mods, err := src.Modules()
	if err != nil {
		return Module{}, fmt.Errorf("list modules: %w", err)
	}
	for _, m := range mods {
		if strings.EqualFold(m.Name, name) {
			return m, nil
		}
	}
	return Module{}, fmt.Errorf("module %s not loaded", name)
}

// Static is an in-memory Source built from fixed regions.
type Static struct {
	regions []region
	modules []Module
}

type region struct {
	base uint64
	data []byte
}

// NewStatic returns an empty static source.
func NewStatic() *Static {
	return &Static{}
}

// AddRegion makes data readable at base.
func (s *Static) AddRegion(base uint64, data []byte) {
	s.regions = append(s.regions, region{base: base, data: data})
	sort.Slice(s.regions, func(i, j int) bool { return s.regions[i].base < s.regions[j].base })
}

// AddModule registers a module and maps its image. Exports are parsed from
// the image when the module carries none.
func (s *Static) AddModule(name string, base uint64, image []byte) error {
	m := Module{Name: name, Path: name, Base: base, Size: uint32(len(image))}
	img, err := pefile.FromMemory(image)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	defer img.Close()
	if m.Exports, err = img.Exports(); err != nil {
		return fmt.Errorf("exports %s: %w", name, err)
	}
	s.AddRegion(base, image)
	s.modules = append(s.modules, m)
	return nil
}

// AddModuleExports registers a module with explicit exports and no image.
func (s *Static) AddModuleExports(m Module) {
	s.modules = append(s.modules, m)
}

// Read copies n bytes at addr. The range must lie inside one region.
func (s *Static) Read(addr uint64, n int) ([]byte, error) {
	for _, r := range s.regions {
		if addr >= r.base && addr-r.base+uint64(n) <= uint64(len(r.data)) {
			out := make([]byte, n)
			copy(out, r.data[addr-r.base:])
			return out, nil
		}
	}
	return nil, fmt.Errorf("read 0x%x (+0x%x): address not mapped", addr, n)
}

// Modules returns the registered modules in insertion order.
func (s *Static) Modules() ([]Module, error) {
	out := make([]Module, len(s.modules))
	copy(out, s.modules)
	return out, nil
}
