// Package mapper holds copies of the target module's sections addressed by
// their remote virtual address.
package mapper

import (
	"fmt"
	"sort"

	"github.com/zboralski/vmpiat/internal/pefile"
	"github.com/zboralski/vmpiat/internal/process"
	"github.com/zboralski/vmpiat/internal/vmp"
)

// MappedSection is a section's live bytes at its remote VA.
type MappedSection struct {
	Name      string
	Base      uint64
	Bytes     []byte
	Protected bool // part of the protector's VM
}

// End returns the VA one past the last byte.
func (s *MappedSection) End() uint64 {
	return s.Base + uint64(len(s.Bytes))
}

// Contains reports whether va lies inside the section.
func (s *MappedSection) Contains(va uint64) bool {
	return va >= s.Base && va < s.End()
}

// SectionFinder resolves section headers by name.
type SectionFinder interface {
	FindSection(name string) (pefile.Section, bool)
}

// Request asks for one section to be mapped from bytes the caller already
// copied out of the target.
type Request struct {
	Name      string
	Bytes     []byte
	Protected bool
}

// Arena owns every mapped section of a run. Downstream stages only read.
type Arena struct {
	sections []*MappedSection // sorted by Base
}

// New returns an empty arena.
func New() *Arena {
	return &Arena{}
}

// Map adds the requested sections. Either every request is mapped or none.
func (a *Arena) Map(reqs []Request, moduleBase uint64, img SectionFinder) error {
	staged := make([]*MappedSection, 0, len(reqs))
	for _, r := range reqs {
		hdr, ok := img.FindSection(r.Name)
		if !ok {
			return &vmp.MissingSectionError{Name: r.Name}
		}
		staged = append(staged, &MappedSection{
			Name:      r.Name,
			Base:      moduleBase + uint64(hdr.VirtualAddress),
			Bytes:     r.Bytes,
			Protected: r.Protected,
		})
	}

	all := append(append([]*MappedSection(nil), a.sections...), staged...)
	sort.Slice(all, func(i, j int) bool { return all[i].Base < all[j].Base })
	for i := 1; i < len(all); i++ {
		if all[i].Base < all[i-1].End() || all[i].Base == all[i-1].Base {
			return fmt.Errorf("section %s overlaps %s at 0x%x", all[i].Name, all[i-1].Name, all[i].Base)
		}
	}
	a.sections = all
	return nil
}

// Snapshot reads a section's live bytes from the target.
func Snapshot(src process.Source, moduleBase uint64, img SectionFinder, name string) ([]byte, error) {
	hdr, ok := img.FindSection(name)
	if !ok {
		return nil, &vmp.MissingSectionError{Name: name}
	}
	addr := moduleBase + uint64(hdr.VirtualAddress)
	b, err := src.Read(addr, int(hdr.VirtualSize))
	if err != nil {
		return nil, &vmp.SnapshotError{Addr: addr, Size: int(hdr.VirtualSize), Err: err}
	}
	return b, nil
}

// Sections returns the mapped sections ordered by VA.
func (a *Arena) Sections() []*MappedSection {
	return a.sections
}

// Section returns the section containing va.
func (a *Arena) Section(va uint64) *MappedSection {
	i := sort.Search(len(a.sections), func(i int) bool { return a.sections[i].End() > va })
	if i < len(a.sections) && a.sections[i].Contains(va) {
		return a.sections[i]
	}
	return nil
}

// Free returns a page-aligned base for size bytes that overlaps no mapped
// section, leaving a one-page gap above the highest section.
func (a *Arena) Free(size uint64) uint64 {
	const page = 0x1000
	var top uint64 = 0x100000
	for _, s := range a.sections {
		if e := s.End(); e > top {
			top = e
		}
	}
	return (top+page-1)&^(page-1) + page
}

// Lookup returns the section named name.
func (a *Arena) Lookup(name string) *MappedSection {
	for _, s := range a.sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Protected reports whether va lies in a protected section.
func (a *Arena) Protected(va uint64) bool {
	s := a.Section(va)
	return s != nil && s.Protected
}

// ReadAvail returns up to n bytes at va, clipped to the section end.
func (a *Arena) ReadAvail(va uint64, n int) []byte {
	s := a.Section(va)
	if s == nil {
		return nil
	}
	off := va - s.Base
	end := off + uint64(n)
	if end > uint64(len(s.Bytes)) {
		end = uint64(len(s.Bytes))
	}
	return s.Bytes[off:end:end]
}
