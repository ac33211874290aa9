// Package testimage builds small PE images for tests.
//
// Images use identical file and memory layouts (raw pointer = RVA) so the
// same bytes can stand in for an on-disk file and a loaded module.
package testimage

import (
	"encoding/binary"
	"sort"

	"github.com/zboralski/vmpiat/internal/vmp"
)

const (
	SectionAlignment = 0x1000
	FileAlignment    = 0x200
	HeadersSize      = 0x400

	lfanew = 0x40

	CharCode = 0x60000020 // code | execute | read
	CharData = 0x40000040 // initialized | read
	CharRWX  = 0xE0000020 // code | execute | read | write
)

// Section describes one section. Size is the virtual size; when zero the
// data length is used.
type Section struct {
	Name            string
	RVA             uint32
	Data            []byte
	Size            uint32
	Characteristics uint32
}

// Export is a named export.
type Export struct {
	Name string
	RVA  uint32
}

// Layout describes an image.
type Layout struct {
	Arch      vmp.Arch
	ImageBase uint64
	DLLName   string
	Sections  []Section
	Exports   []Export
}

func align(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}

// Build lays out the image and returns its bytes.
func Build(s Layout) []byte {
	secs := append([]Section(nil), s.Sections...)
	sort.Slice(secs, func(i, j int) bool { return secs[i].RVA < secs[j].RVA })

	end := uint32(SectionAlignment)
	for _, sec := range secs {
		if e := sec.RVA + align(sec.virtualSize(), SectionAlignment); e > end {
			end = e
		}
	}

	var exportDir, exportSize uint32
	if len(s.Exports) > 0 {
		data := buildExports(end, s.DLLName, s.Exports)
		exportDir, exportSize = end, uint32(len(data))
		secs = append(secs, Section{Name: ".edata", RVA: end, Data: data, Characteristics: CharData})
		end += align(uint32(len(data)), SectionAlignment)
	}

	img := make([]byte, end)
	le := binary.LittleEndian

	img[0], img[1] = 'M', 'Z'
	le.PutUint32(img[0x3c:], lfanew)
	copy(img[lfanew:], "PE\x00\x00")

	coff := lfanew + 4
	optSize := 0xF0
	machine := uint16(0x8664)
	chars := uint16(0x0022)
	if s.Arch == vmp.ArchX86 {
		optSize = 0xE0
		machine = 0x14c
		chars = 0x0102
	}
	if len(s.Exports) > 0 {
		chars |= 0x2000
	}
	le.PutUint16(img[coff:], machine)
	le.PutUint16(img[coff+2:], uint16(len(secs)))
	le.PutUint16(img[coff+16:], uint16(optSize))
	le.PutUint16(img[coff+18:], chars)

	opt := coff + 20
	var dirs int
	if s.Arch == vmp.ArchX86 {
		le.PutUint16(img[opt:], 0x10b)
		le.PutUint32(img[opt+28:], uint32(s.ImageBase))
		le.PutUint32(img[opt+92:], 16)
		dirs = opt + 96
	} else {
		le.PutUint16(img[opt:], 0x20b)
		le.PutUint64(img[opt+24:], s.ImageBase)
		le.PutUint32(img[opt+108:], 16)
		dirs = opt + 112
	}
	le.PutUint32(img[opt+32:], SectionAlignment)
	le.PutUint32(img[opt+36:], FileAlignment)
	le.PutUint16(img[opt+48:], 6)
	le.PutUint32(img[opt+56:], end)
	le.PutUint32(img[opt+60:], HeadersSize)
	le.PutUint16(img[opt+68:], 3)
	le.PutUint16(img[opt+70:], 0x8160)
	if exportDir != 0 {
		le.PutUint32(img[dirs:], exportDir)
		le.PutUint32(img[dirs+4:], exportSize)
	}

	table := opt + optSize
	for i, sec := range secs {
		h := img[table+i*40 : table+(i+1)*40]
		copy(h[0:8], sec.Name)
		le.PutUint32(h[8:], sec.virtualSize())
		le.PutUint32(h[12:], sec.RVA)
		le.PutUint32(h[16:], align(sec.virtualSize(), FileAlignment))
		le.PutUint32(h[20:], sec.RVA)
		le.PutUint32(h[36:], sec.Characteristics)
		copy(img[sec.RVA:], sec.Data)
	}
	return img
}

func (s Section) virtualSize() uint32 {
	if s.Size != 0 {
		return s.Size
	}
	return uint32(len(s.Data))
}

func buildExports(rva uint32, dll string, exports []Export) []byte {
	sorted := append([]Export(nil), exports...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	n := uint32(len(sorted))
	funcs := uint32(40)
	names := funcs + 4*n
	ords := names + 4*n
	strs := ords + 2*n

	buf := make([]byte, strs)
	le := binary.LittleEndian
	strOff := make([]uint32, n)
	for i, e := range sorted {
		strOff[i] = uint32(len(buf))
		buf = append(buf, e.Name...)
		buf = append(buf, 0)
	}
	dllOff := uint32(len(buf))
	buf = append(buf, dll...)
	buf = append(buf, 0)

	le.PutUint32(buf[12:], rva+dllOff)
	le.PutUint32(buf[16:], 1)
	le.PutUint32(buf[20:], n)
	le.PutUint32(buf[24:], n)
	le.PutUint32(buf[28:], rva+funcs)
	le.PutUint32(buf[32:], rva+names)
	le.PutUint32(buf[36:], rva+ords)
	for i, e := range sorted {
		le.PutUint32(buf[funcs+4*uint32(i):], e.RVA)
		le.PutUint32(buf[names+4*uint32(i):], rva+strOff[i])
		le.PutUint16(buf[ords+2*uint32(i):], uint16(i))
	}
	return buf
}
