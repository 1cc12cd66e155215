// Package elfgen assembles minimal x86-64 relocatable ELF images in memory.
// It exists so callers can fabricate object files with known sections,
// symbols, and relocations without shipping binary fixtures.
package elfgen

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

type rela struct {
	off    uint64
	typ    elf.R_X86_64
	sym    *Symbol
	addend int64
}

// Section is one content section under construction.
type Section struct {
	name  string
	typ   elf.SectionType
	flags elf.SectionFlag
	align uint64
	data  []byte
	size  uint64
	relas []rela

	shndx int
}

// Reloc attaches a RELA relocation at off within the section.
func (s *Section) Reloc(off uint64, typ elf.R_X86_64, sym *Symbol, addend int64) {
	s.relas = append(s.relas, rela{off: off, typ: typ, sym: sym, addend: addend})
}

// Symbol is one symtab entry under construction. A nil section means
// undefined.
type Symbol struct {
	name    string
	sec     *Section
	value   uint64
	size    uint64
	binding elf.SymBind

	index int
}

type Builder struct {
	sections []*Section
	syms     []*Symbol
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) Progbits(name string, flags elf.SectionFlag, align uint64, data []byte) *Section {
	s := &Section{
		name:  name,
		typ:   elf.SHT_PROGBITS,
		flags: flags,
		align: align,
		data:  data,
		size:  uint64(len(data)),
	}
	b.sections = append(b.sections, s)
	return s
}

func (b *Builder) Text(name string, data []byte) *Section {
	return b.Progbits(name, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 16, data)
}

func (b *Builder) Rodata(name string, data []byte) *Section {
	return b.Progbits(name, elf.SHF_ALLOC, 8, data)
}

func (b *Builder) Data(name string, data []byte) *Section {
	return b.Progbits(name, elf.SHF_ALLOC|elf.SHF_WRITE, 8, data)
}

func (b *Builder) Bss(name string, size uint64) *Section {
	s := &Section{
		name:  name,
		typ:   elf.SHT_NOBITS,
		flags: elf.SHF_ALLOC | elf.SHF_WRITE,
		align: 8,
		size:  size,
	}
	b.sections = append(b.sections, s)
	return s
}

func (b *Builder) addSym(name string, sec *Section, value, size uint64, bind elf.SymBind) *Symbol {
	sym := &Symbol{name: name, sec: sec, value: value, size: size, binding: bind}
	b.syms = append(b.syms, sym)
	return sym
}

// Global defines an exported symbol at value within sec.
func (b *Builder) Global(name string, sec *Section, value, size uint64) *Symbol {
	return b.addSym(name, sec, value, size, elf.STB_GLOBAL)
}

// Weak defines a weakly exported symbol at value within sec.
func (b *Builder) Weak(name string, sec *Section, value, size uint64) *Symbol {
	return b.addSym(name, sec, value, size, elf.STB_WEAK)
}

// Local defines a module-private symbol at value within sec.
func (b *Builder) Local(name string, sec *Section, value, size uint64) *Symbol {
	return b.addSym(name, sec, value, size, elf.STB_LOCAL)
}

// Undef declares an undefined symbol to be satisfied at link time.
func (b *Builder) Undef(name string) *Symbol {
	return b.addSym(name, nil, 0, 0, elf.STB_GLOBAL)
}

type strtab struct {
	buf []byte
	off map[string]uint32
}

func newStrtab() *strtab {
	return &strtab{buf: []byte{0}, off: map[string]uint32{"": 0}}
}

func (t *strtab) add(s string) uint32 {
	if off, ok := t.off[s]; ok {
		return off
	}
	off := uint32(len(t.buf))
	t.buf = append(t.buf, s...)
	t.buf = append(t.buf, 0)
	t.off[s] = off
	return off
}

// Build assembles the image. Section headers follow the order the sections
// were added; the symbol table places locals before globals as the format
// requires.
func (b *Builder) Build() []byte {
	shstr := newStrtab()
	str := newStrtab()

	// Section header indexes: null, content sections, one rela section per
	// content section that has relocations, then symtab, strtab, shstrtab.
	shndx := 1
	for _, s := range b.sections {
		s.shndx = shndx
		shndx++
	}
	type relaSec struct {
		target *Section
		shndx  int
	}
	var relaSecs []relaSec
	for _, s := range b.sections {
		if len(s.relas) > 0 {
			relaSecs = append(relaSecs, relaSec{target: s, shndx: shndx})
			shndx++
		}
	}
	symtabNdx := shndx
	strtabNdx := shndx + 1
	shstrtabNdx := shndx + 2
	shnum := shndx + 3

	// Symbol order: the null entry, then locals, then globals and weaks.
	ordered := make([]*Symbol, 0, len(b.syms))
	for _, sym := range b.syms {
		if sym.binding == elf.STB_LOCAL {
			ordered = append(ordered, sym)
		}
	}
	localCount := len(ordered) + 1
	for _, sym := range b.syms {
		if sym.binding != elf.STB_LOCAL {
			ordered = append(ordered, sym)
		}
	}
	for i, sym := range ordered {
		sym.index = i + 1
	}

	var symtab bytes.Buffer
	binary.Write(&symtab, binary.LittleEndian, elf.Sym64{})
	for _, sym := range ordered {
		var typ elf.SymType
		var shn uint16
		switch {
		case sym.sec == nil:
			typ = elf.STT_NOTYPE
			shn = uint16(elf.SHN_UNDEF)
		case sym.sec.flags&elf.SHF_EXECINSTR != 0:
			typ = elf.STT_FUNC
			shn = uint16(sym.sec.shndx)
		default:
			typ = elf.STT_OBJECT
			shn = uint16(sym.sec.shndx)
		}
		binary.Write(&symtab, binary.LittleEndian, elf.Sym64{
			Name:  str.add(sym.name),
			Info:  elf.ST_INFO(sym.binding, typ),
			Shndx: shn,
			Value: sym.value,
			Size:  sym.size,
		})
	}

	relaData := make(map[*Section][]byte)
	for _, rs := range relaSecs {
		var buf bytes.Buffer
		for _, r := range rs.target.relas {
			binary.Write(&buf, binary.LittleEndian, elf.Rela64{
				Off:    r.off,
				Info:   elf.R_INFO(uint32(r.sym.index), uint32(r.typ)),
				Addend: r.addend,
			})
		}
		relaData[rs.target] = buf.Bytes()
	}

	var out bytes.Buffer
	out.Write(make([]byte, 64)) // space for the header, filled in last

	align := func(n uint64) {
		for uint64(out.Len())%n != 0 {
			out.WriteByte(0)
		}
	}

	headers := make([]elf.Section64, shnum)
	for _, s := range b.sections {
		align(s.align)
		off := uint64(out.Len())
		if s.typ != elf.SHT_NOBITS {
			out.Write(s.data)
		}
		headers[s.shndx] = elf.Section64{
			Name:      shstr.add(s.name),
			Type:      uint32(s.typ),
			Flags:     uint64(s.flags),
			Off:       off,
			Size:      s.size,
			Addralign: s.align,
		}
	}
	for _, rs := range relaSecs {
		align(8)
		off := uint64(out.Len())
		data := relaData[rs.target]
		out.Write(data)
		headers[rs.shndx] = elf.Section64{
			Name:      shstr.add(".rela" + rs.target.name),
			Type:      uint32(elf.SHT_RELA),
			Off:       off,
			Size:      uint64(len(data)),
			Link:      uint32(symtabNdx),
			Info:      uint32(rs.target.shndx),
			Addralign: 8,
			Entsize:   24,
		}
	}

	align(8)
	symtabOff := uint64(out.Len())
	out.Write(symtab.Bytes())
	headers[symtabNdx] = elf.Section64{
		Name:      shstr.add(".symtab"),
		Type:      uint32(elf.SHT_SYMTAB),
		Off:       symtabOff,
		Size:      uint64(symtab.Len()),
		Link:      uint32(strtabNdx),
		Info:      uint32(localCount),
		Addralign: 8,
		Entsize:   24,
	}

	strtabOff := uint64(out.Len())
	out.Write(str.buf)
	headers[strtabNdx] = elf.Section64{
		Name: shstr.add(".strtab"),
		Type: uint32(elf.SHT_STRTAB),
		Off:  strtabOff,
		Size: uint64(len(str.buf)),
	}

	shstr.add(".shstrtab")
	shstrtabOff := uint64(out.Len())
	out.Write(shstr.buf)
	headers[shstrtabNdx] = elf.Section64{
		Name: shstr.off[".shstrtab"],
		Type: uint32(elf.SHT_STRTAB),
		Off:  shstrtabOff,
		Size: uint64(len(shstr.buf)),
	}

	align(8)
	shoff := uint64(out.Len())
	for _, h := range headers {
		binary.Write(&out, binary.LittleEndian, h)
	}

	img := out.Bytes()
	var ident [16]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	var hdr bytes.Buffer
	binary.Write(&hdr, binary.LittleEndian, elf.Header64{
		Ident:     ident,
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shoff,
		Ehsize:    64,
		Shentsize: 64,
		Shnum:     uint16(shnum),
		Shstrndx:  uint16(shstrtabNdx),
	})
	copy(img[:64], hdr.Bytes())
	return img
}
