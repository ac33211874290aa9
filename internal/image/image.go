// Package image rebuilds a loaded module as a PE file.
//
// The builder snapshots the module's memory, lets callers append sections
// and patch bytes by virtual address, and writes the result with every raw
// pointer equal to its virtual address so the memory layout is preserved.
package image

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/zboralski/vmpiat/internal/vmp"
)

const (
	// PageSize is the granularity of snapshot reads.
	PageSize = 0x1000

	// MaxSections is the loader's limit on NumberOfSections.
	MaxSections = 96

	// Section characteristics used by the reconstructor.
	CharInitializedData = 0x00000040
	CharRead            = 0x40000000
	CharWrite           = 0x80000000

	// Data directory indexes.
	DirImport = 1
	DirIAT    = 12

	// DllCharacteristics flag.
	DynamicBase = 0x0040

	sectionHeaderSize = 40
)

var (
	// ErrFinalized is returned by every mutating call after Serialize.
	ErrFinalized = errors.New("image already serialized")
	// ErrNotInitialized is returned before Initialize succeeds.
	ErrNotInitialized = errors.New("image not initialized")
	// ErrBadHeaders is returned when the snapshot does not start with PE headers.
	ErrBadHeaders = errors.New("malformed PE headers")
	// ErrOutOfRange is returned for writes outside the image.
	ErrOutOfRange = errors.New("address outside image")
)

// Reader reads remote memory. process.Source satisfies it.
type Reader interface {
	Read(addr uint64, n int) ([]byte, error)
}

// Section is a header in the output section table.
type Section struct {
	Name            string
	VirtualAddress  uint32
	VirtualSize     uint32
	Characteristics uint32

	index int
}

// Builder accumulates the output image. It is not safe for concurrent use.
type Builder struct {
	base uint64
	buf  []byte

	arch     vmp.Arch
	coff     int
	opt      int
	table    int
	dirs     int
	ndirs    int
	headers  uint32
	salign   uint32
	falign   uint32
	sections []*Section

	ready bool
	done  bool
}

// New returns a builder for a module loaded at base.
func New(base uint64) *Builder {
	return &Builder{base: base}
}

// Initialize snapshots size bytes at the load base one page at a time and
// parses the headers found there.
func (b *Builder) Initialize(size uint32, r Reader) error {
	if b.done {
		return ErrFinalized
	}
	if size == 0 {
		return &vmp.SnapshotError{Addr: b.base, Size: 0, Err: ErrBadHeaders}
	}
	buf := make([]byte, size)
	for off := uint32(0); off < size; off += PageSize {
		n := uint32(PageSize)
		if size-off < n {
			n = size - off
		}
		page, err := r.Read(b.base+uint64(off), int(n))
		if err != nil {
			return &vmp.SnapshotError{Addr: b.base + uint64(off), Size: int(n), Err: err}
		}
		if len(page) != int(n) {
			return &vmp.SnapshotError{Addr: b.base + uint64(off), Size: int(n),
				Err: fmt.Errorf("short read: %d of %d bytes", len(page), n)}
		}
		copy(buf[off:], page)
	}
	if err := b.parse(buf); err != nil {
		return &vmp.SnapshotError{Addr: b.base, Size: int(size), Err: err}
	}
	b.buf = buf
	b.ready = true
	return nil
}

func (b *Builder) parse(buf []byte) error {
	le := binary.LittleEndian
	if len(buf) < 0x40 || buf[0] != 'M' || buf[1] != 'Z' {
		return ErrBadHeaders
	}
	lfanew := int(le.Uint32(buf[0x3c:]))
	if lfanew+24 > len(buf) || string(buf[lfanew:lfanew+4]) != "PE\x00\x00" {
		return ErrBadHeaders
	}
	b.coff = lfanew + 4
	b.opt = b.coff + 20
	optSize := int(le.Uint16(buf[b.coff+16:]))
	nsec := int(le.Uint16(buf[b.coff+2:]))
	b.table = b.opt + optSize
	if b.table+nsec*sectionHeaderSize > len(buf) || b.opt+2 > len(buf) {
		return ErrBadHeaders
	}

	// dirs is where the data directories start, i.e. the fixed part of the
	// optional header that must be present.
	switch le.Uint16(buf[b.opt:]) {
	case 0x10b:
		b.arch = vmp.ArchX86
		b.dirs = b.opt + 96
	case 0x20b:
		b.arch = vmp.ArchX64
		b.dirs = b.opt + 112
	default:
		return fmt.Errorf("%w: optional header magic 0x%x", ErrBadHeaders, le.Uint16(buf[b.opt:]))
	}
	if b.dirs > b.table {
		return fmt.Errorf("%w: optional header truncated (%d bytes)", ErrBadHeaders, optSize)
	}
	b.ndirs = int(le.Uint32(buf[b.dirs-4:]))
	if b.dirs+b.ndirs*8 > b.table {
		return fmt.Errorf("%w: %d data directories overrun the optional header", ErrBadHeaders, b.ndirs)
	}
	b.salign = le.Uint32(buf[b.opt+32:])
	b.falign = le.Uint32(buf[b.opt+36:])
	b.headers = le.Uint32(buf[b.opt+60:])
	if b.salign == 0 || b.falign == 0 {
		return fmt.Errorf("%w: zero alignment", ErrBadHeaders)
	}

	b.sections = b.sections[:0]
	for i := 0; i < nsec; i++ {
		h := buf[b.table+i*sectionHeaderSize:]
		b.sections = append(b.sections, &Section{
			Name:            cstring(h[:8]),
			VirtualSize:     le.Uint32(h[8:]),
			VirtualAddress:  le.Uint32(h[12:]),
			Characteristics: le.Uint32(h[36:]),
			index:           i,
		})
	}
	return nil
}

// Base returns the module's load base.
func (b *Builder) Base() uint64 { return b.base }

// Size returns the current image size.
func (b *Builder) Size() uint32 { return uint32(len(b.buf)) }

// Arch returns the architecture recorded in the optional header.
func (b *Builder) Arch() vmp.Arch { return b.arch }

// Bytes returns the image buffer. Callers must not modify it.
func (b *Builder) Bytes() []byte { return b.buf }

// Sections returns the section table in header order.
func (b *Builder) Sections() []Section {
	out := make([]Section, len(b.sections))
	for i, s := range b.sections {
		out[i] = *s
	}
	return out
}

// FindSection returns the section named name.
func (b *Builder) FindSection(name string) (*Section, bool) {
	for _, s := range b.sections {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

func (b *Builder) mutable() error {
	if b.done {
		return ErrFinalized
	}
	if !b.ready {
		return ErrNotInitialized
	}
	return nil
}

// AddSection appends a zero-filled section of size bytes after the last
// one and returns its header.
func (b *Builder) AddSection(name string, size, characteristics uint32) (*Section, error) {
	if err := b.mutable(); err != nil {
		return nil, err
	}
	if name == "" || len(name) > 8 {
		return nil, &vmp.ConfigurationError{Reason: fmt.Sprintf("section name %q must be 1 to 8 bytes", name)}
	}
	if _, ok := b.FindSection(name); ok {
		return nil, &vmp.DuplicateSectionError{Name: name}
	}
	if err := b.checkHeaderSpace(); err != nil {
		return nil, err
	}

	va := alignUp(uint32(len(b.buf)), b.salign)
	for _, s := range b.sections {
		if end := alignUp(s.VirtualAddress+s.VirtualSize, b.salign); end > va {
			va = end
		}
	}
	grown := make([]byte, va+alignUp(size, b.salign))
	copy(grown, b.buf)
	b.buf = grown

	sec := &Section{
		Name:            name,
		VirtualAddress:  va,
		VirtualSize:     size,
		Characteristics: characteristics,
		index:           len(b.sections),
	}
	b.sections = append(b.sections, sec)

	le := binary.LittleEndian
	h := b.buf[b.table+sec.index*sectionHeaderSize : b.table+(sec.index+1)*sectionHeaderSize]
	clear(h)
	copy(h[0:8], name)
	le.PutUint32(h[8:], size)
	le.PutUint32(h[12:], va)
	le.PutUint32(h[36:], characteristics)
	le.PutUint16(b.buf[b.coff+2:], uint16(len(b.sections)))
	le.PutUint32(b.buf[b.opt+56:], uint32(len(b.buf)))
	return sec, nil
}

// checkHeaderSpace verifies one more header fits before the first section.
func (b *Builder) checkHeaderSpace() error {
	if len(b.sections) >= MaxSections {
		return &vmp.SectionLimitError{Limit: MaxSections}
	}
	limit := b.headers
	for _, s := range b.sections {
		if s.VirtualAddress < limit {
			limit = s.VirtualAddress
		}
	}
	end := uint32(b.table + (len(b.sections)+1)*sectionHeaderSize)
	if end > limit || int(end) > len(b.buf) {
		return &vmp.SectionLimitError{Limit: len(b.sections)}
	}
	return nil
}

// WriteVA copies data into the image at a virtual address.
func (b *Builder) WriteVA(va uint64, data []byte) error {
	if err := b.mutable(); err != nil {
		return err
	}
	if va < b.base || va-b.base+uint64(len(data)) > uint64(len(b.buf)) {
		return fmt.Errorf("write 0x%x+%d: %w", va, len(data), ErrOutOfRange)
	}
	copy(b.buf[va-b.base:], data)
	return nil
}

// SetDataDirectory sets entry index of the optional header's directory table.
func (b *Builder) SetDataDirectory(index int, rva, size uint32) error {
	if err := b.mutable(); err != nil {
		return err
	}
	if index < 0 || index >= b.ndirs {
		return fmt.Errorf("data directory %d: %w", index, ErrOutOfRange)
	}
	le := binary.LittleEndian
	le.PutUint32(b.buf[b.dirs+index*8:], rva)
	le.PutUint32(b.buf[b.dirs+index*8+4:], size)
	return nil
}

// DataDirectory returns entry index of the directory table.
func (b *Builder) DataDirectory(index int) (rva, size uint32) {
	if !b.ready || index < 0 || index >= b.ndirs {
		return 0, 0
	}
	le := binary.LittleEndian
	return le.Uint32(b.buf[b.dirs+index*8:]), le.Uint32(b.buf[b.dirs+index*8+4:])
}

// ClearDllCharacteristics removes flags from DllCharacteristics.
func (b *Builder) ClearDllCharacteristics(mask uint16) error {
	if err := b.mutable(); err != nil {
		return err
	}
	off := b.opt + 70
	v := binary.LittleEndian.Uint16(b.buf[off:])
	binary.LittleEndian.PutUint16(b.buf[off:], v&^mask)
	return nil
}

// Finalize rewrites the headers for the unmapped layout and returns the
// file bytes. The builder cannot be modified afterwards.
func (b *Builder) Finalize() ([]byte, error) {
	if err := b.mutable(); err != nil {
		return nil, err
	}
	le := binary.LittleEndian
	size := uint32(len(b.buf))
	for _, s := range b.sections {
		h := b.buf[b.table+s.index*sectionHeaderSize:]
		raw := le.Uint32(h[16:])
		if s.VirtualSize != 0 {
			raw = alignUp(s.VirtualSize, b.falign)
		}
		if s.VirtualAddress >= size {
			raw = 0
		} else if s.VirtualAddress+raw > size {
			raw = size - s.VirtualAddress
		}
		le.PutUint32(h[16:], raw)
		le.PutUint32(h[20:], s.VirtualAddress)
	}
	if b.arch == vmp.ArchX86 {
		le.PutUint32(b.buf[b.opt+28:], uint32(b.base))
	} else {
		le.PutUint64(b.buf[b.opt+24:], b.base)
	}
	le.PutUint32(b.buf[b.opt+56:], size)
	le.PutUint16(b.buf[b.coff+2:], uint16(len(b.sections)))
	b.done = true
	return b.buf, nil
}

// Serialize finalizes the image and writes it to path.
func (b *Builder) Serialize(path string) error {
	data, err := b.Finalize()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &vmp.IOError{Path: path, Err: err}
	}
	return nil
}

func alignUp(v, a uint32) uint32 {
	if a == 0 {
		return v
	}
	return (v + a - 1) / a * a
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
