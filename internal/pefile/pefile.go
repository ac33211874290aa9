// Package pefile exposes the parts of a PE image the resolver needs:
// architecture, section headers and exports.
package pefile

import (
	"bytes"
	"fmt"

	"github.com/Binject/debug/pe"

	"github.com/zboralski/vmpiat/internal/vmp"
)

// Section is a section header.
type Section struct {
	Name            string
	VirtualAddress  uint32
	VirtualSize     uint32
	Characteristics uint32
}

// Contains reports whether rva lies inside the section's virtual range.
func (s Section) Contains(rva uint32) bool {
	return rva >= s.VirtualAddress && rva-s.VirtualAddress < s.VirtualSize
}

// Export is a named export with its RVA.
type Export struct {
	Name string
	RVA  uint32
}

// Image is a parsed PE image.
type Image struct {
	f *pe.File
}

// Open parses a PE file on disk.
func Open(path string) (*Image, error) {
	f, err := pe.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open PE %s: %w", path, err)
	}
	return &Image{f: f}, nil
}

// FromFile parses PE bytes in on-disk layout.
func FromFile(data []byte) (*Image, error) {
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse PE: %w", err)
	}
	return &Image{f: f}, nil
}

// FromMemory parses an image copied from a loaded module (memory layout).
func FromMemory(data []byte) (*Image, error) {
	f, err := pe.NewFileFromMemory(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse mapped PE: %w", err)
	}
	return &Image{f: f}, nil
}

// Close releases the underlying file.
func (i *Image) Close() error {
	return i.f.Close()
}

// Arch returns the image architecture.
func (i *Image) Arch() (vmp.Arch, error) {
	switch i.f.FileHeader.Machine {
	case pe.IMAGE_FILE_MACHINE_AMD64:
		return vmp.ArchX64, nil
	case pe.IMAGE_FILE_MACHINE_I386:
		return vmp.ArchX86, nil
	}
	return vmp.ArchUnknown, &vmp.ConfigurationError{
		Reason: fmt.Sprintf("machine 0x%x: only x86 and x64 images are supported", i.f.FileHeader.Machine),
	}
}

// Sections returns every section header in table order.
func (i *Image) Sections() []Section {
	out := make([]Section, 0, len(i.f.Sections))
	for _, s := range i.f.Sections {
		out = append(out, Section{
			Name:            s.Name,
			VirtualAddress:  s.VirtualAddress,
			VirtualSize:     s.VirtualSize,
			Characteristics: s.Characteristics,
		})
	}
	return out
}

// FindSection looks a section up by exact name.
func (i *Image) FindSection(name string) (Section, bool) {
	for _, s := range i.Sections() {
		if s.Name == name {
			return s, true
		}
	}
	return Section{}, false
}

// SectionAt returns the section containing rva.
func (i *Image) SectionAt(rva uint32) (Section, bool) {
	for _, s := range i.Sections() {
		if s.Contains(rva) {
			return s, true
		}
	}
	return Section{}, false
}

// Exports returns named exports in export table order.
func (i *Image) Exports() ([]Export, error) {
	exps, err := i.f.Exports()
	if err != nil {
		return nil, fmt.Errorf("read exports: %w", err)
	}
	out := make([]Export, 0, len(exps))
	for _, e := range exps {
		if e.Name == "" {
			continue
		}
		out = append(out, Export{Name: e.Name, RVA: uint32(e.VirtualAddress)})
	}
	return out, nil
}

// ImageBase returns the preferred load address from the optional header.
func (i *Image) ImageBase() uint64 {
	switch oh := i.f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		return uint64(oh.ImageBase)
	case *pe.OptionalHeader64:
		return oh.ImageBase
	}
	return 0
}

// SectionData returns the raw bytes of the named section.
func (i *Image) SectionData(name string) ([]byte, error) {
	s := i.f.Section(name)
	if s == nil {
		return nil, &vmp.MissingSectionError{Name: name}
	}
	d, err := s.Data()
	if err != nil {
		return nil, fmt.Errorf("read section %s: %w", name, err)
	}
	return d, nil
}
