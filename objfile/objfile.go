// Package objfile reads relocatable ELF object files into plain descriptors.
// Parsing is a pure function of the input bytes: no memory is mapped and no
// global state is touched, so a Descriptor can be inspected or discarded
// freely before any loading happens.
package objfile

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"strings"

	"github.com/cockroachdb/errors"
)

type SectionKind int

const (
	Kind_Text SectionKind = iota
	Kind_Rodata
	Kind_Data
	Kind_Bss
)

func (k SectionKind) String() string {
	switch k {
	case Kind_Text:
		return "text"
	case Kind_Rodata:
		return "rodata"
	case Kind_Data:
		return "data"
	case Kind_Bss:
		return "bss"
	}
	return "unknown"
}

// Writable reports whether sections of this kind stay writable after commit.
func (k SectionKind) Writable() bool {
	return k == Kind_Data || k == Kind_Bss
}

type Binding int

const (
	Binding_Local Binding = iota
	Binding_Global
	Binding_Weak
)

func (b Binding) String() string {
	switch b {
	case Binding_Local:
		return "local"
	case Binding_Global:
		return "global"
	case Binding_Weak:
		return "weak"
	}
	return "unknown"
}

// Exported reports whether a symbol with this binding is visible outside its
// defining module.
func (b Binding) Exported() bool {
	return b == Binding_Global || b == Binding_Weak
}

type RelocKind uint32

const (
	R_ABS64  = RelocKind(elf.R_X86_64_64)
	R_ABS32  = RelocKind(elf.R_X86_64_32)
	R_ABS32S = RelocKind(elf.R_X86_64_32S)
	R_PC32   = RelocKind(elf.R_X86_64_PC32)
	R_PLT32  = RelocKind(elf.R_X86_64_PLT32)
	R_PC64   = RelocKind(elf.R_X86_64_PC64)
	R_SIZE32 = RelocKind(elf.R_X86_64_SIZE32)
	R_SIZE64 = RelocKind(elf.R_X86_64_SIZE64)
)

func (k RelocKind) String() string {
	return elf.R_X86_64(k).String()
}

// Width returns the byte width of the patched field.
func (k RelocKind) Width() uint64 {
	switch k {
	case R_ABS64, R_PC64, R_SIZE64:
		return 8
	case R_ABS32, R_ABS32S, R_PC32, R_PLT32, R_SIZE32:
		return 4
	}
	return 0
}

// Relative reports whether the patched value depends on the patch site's own
// address (instruction-pointer-relative displacements).
func (k RelocKind) Relative() bool {
	return k == R_PC32 || k == R_PLT32 || k == R_PC64
}

// Section is one allocatable section parsed out of an object file.
// Data is nil for Kind_Bss sections.
type Section struct {
	Index int
	Name  string
	Kind  SectionKind
	Size  uint64
	Align uint64
	Data  []byte
}

// Symbol is one symbol table entry. Section is the defining section's index,
// or -1 for references to symbols defined elsewhere.
type Symbol struct {
	Name    string
	Binding Binding
	Section int
	Value   uint64
	Size    uint64
}

// Defined reports whether the symbol is defined by this object file.
func (s *Symbol) Defined() bool { return s.Section >= 0 }

// Relocation is one explicit-addend relocation entry. Section indexes the
// section whose bytes are patched; Symbol indexes Descriptor.Symbols.
type Relocation struct {
	Section int
	Offset  uint64
	Kind    RelocKind
	Symbol  int
	Addend  int64
}

// Descriptor is the parsed, in-memory form of one object file.
type Descriptor struct {
	Sections    []Section
	Symbols     []Symbol
	Relocations []Relocation

	bySection map[int]int
}

// SectionAt returns the parsed section with the given header index.
func (d *Descriptor) SectionAt(shndx int) (*Section, bool) {
	i, ok := d.bySection[shndx]
	if !ok {
		return nil, false
	}
	return &d.Sections[i], true
}

// Exports yields the defined symbols visible outside this object.
func (d *Descriptor) Exports(yield func(*Symbol) bool) {
	for i := range d.Symbols {
		sym := &d.Symbols[i]
		if sym.Defined() && sym.Binding.Exported() {
			if !yield(sym) {
				return
			}
		}
	}
}

const relaEntrySize = 24

// Parse reads a relocatable x86-64 ELF object out of b. Structural
// inconsistencies fail with ErrMalformedObject; relocation kinds are carried
// through verbatim and validated by the resolver when they are applied.
func Parse(b []byte) (*Descriptor, error) {
	f, err := elf.NewFile(bytes.NewReader(b))
	if err != nil {
		return nil, errors.WithSecondaryError(ErrMalformedObject, err)
	}
	defer f.Close()

	if f.Type != elf.ET_REL {
		return nil, errors.Wrapf(ErrMalformedObject, "object type %v, want %v", f.Type, elf.ET_REL)
	}
	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return nil, errors.Wrapf(ErrMalformedObject, "unsupported class/machine %v/%v", f.Class, f.Machine)
	}

	d := &Descriptor{bySection: make(map[int]int)}

	for shndx, sec := range f.Sections {
		if sec.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		if strings.HasPrefix(sec.Name, ".note") || strings.HasPrefix(sec.Name, ".debug") {
			continue
		}
		kind, err := classify(sec)
		if err != nil {
			return nil, err
		}
		ps := Section{
			Index: shndx,
			Name:  sec.Name,
			Kind:  kind,
			Size:  sec.Size,
			Align: max(sec.Addralign, 1),
		}
		if kind != Kind_Bss {
			data, err := sec.Data()
			if err != nil {
				return nil, errors.Wrapf(ErrMalformedObject, "section %s: %v", sec.Name, err)
			}
			if uint64(len(data)) != sec.Size {
				return nil, errors.Wrapf(ErrMalformedObject, "section %s: size %d but %d bytes present", sec.Name, sec.Size, len(data))
			}
			ps.Data = data
		}
		d.bySection[shndx] = len(d.Sections)
		d.Sections = append(d.Sections, ps)
	}

	if err := parseSymbols(f, d); err != nil {
		return nil, err
	}
	if err := parseRelocations(f, b, d); err != nil {
		return nil, err
	}
	return d, nil
}

func classify(sec *elf.Section) (SectionKind, error) {
	switch {
	case sec.Flags&elf.SHF_EXECINSTR != 0:
		return Kind_Text, nil
	case sec.Flags&elf.SHF_WRITE != 0:
		switch sec.Type {
		case elf.SHT_PROGBITS:
			return Kind_Data, nil
		case elf.SHT_NOBITS:
			return Kind_Bss, nil
		}
		return 0, errors.Wrapf(ErrMalformedObject, "writable section %s is neither PROGBITS nor NOBITS", sec.Name)
	default:
		return Kind_Rodata, nil
	}
}

func parseSymbols(f *elf.File, d *Descriptor) error {
	syms, err := f.Symbols()
	if err != nil {
		return errors.WithSecondaryError(errors.Wrap(ErrMalformedObject, "no symbol table"), err)
	}
	// debug/elf drops the leading null entry, so symbol table index i
	// corresponds to syms[i-1]. Keep a placeholder at 0 so relocation
	// symbol indexes line up.
	d.Symbols = make([]Symbol, 0, len(syms)+1)
	d.Symbols = append(d.Symbols, Symbol{Section: -1})
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) == elf.STT_SECTION || elf.ST_TYPE(s.Info) == elf.STT_FILE {
			// Section and file symbols carry no name of their own;
			// represent section symbols by their section's slot.
			d.Symbols = append(d.Symbols, Symbol{Section: sectionIndex(s.Section), Binding: Binding_Local})
			continue
		}
		var bind Binding
		switch elf.ST_BIND(s.Info) {
		case elf.STB_GLOBAL:
			bind = Binding_Global
		case elf.STB_WEAK:
			bind = Binding_Weak
		case elf.STB_LOCAL:
			bind = Binding_Local
		default:
			return errors.Wrapf(ErrMalformedObject, "symbol %s: unsupported binding %v", s.Name, elf.ST_BIND(s.Info))
		}
		shndx := sectionIndex(s.Section)
		if shndx >= 0 {
			if _, ok := d.SectionAt(shndx); !ok {
				return errors.Wrapf(ErrMalformedObject, "symbol %s: defining section %d not loaded", s.Name, shndx)
			}
		}
		d.Symbols = append(d.Symbols, Symbol{
			Name:    s.Name,
			Binding: bind,
			Section: shndx,
			Value:   s.Value,
			Size:    s.Size,
		})
	}
	return nil
}

func sectionIndex(si elf.SectionIndex) int {
	if si == elf.SHN_UNDEF || si >= elf.SHN_LORESERVE {
		return -1
	}
	return int(si)
}

func parseRelocations(f *elf.File, raw []byte, d *Descriptor) error {
	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA || sec.Size == 0 {
			continue
		}
		if strings.HasPrefix(sec.Name, ".rela.debug") {
			continue
		}
		target := int(sec.Info)
		if _, ok := d.SectionAt(target); !ok {
			// Relocations against unloaded sections (e.g. notes) are dropped.
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return errors.Wrapf(ErrMalformedObject, "section %s: %v", sec.Name, err)
		}
		if len(data)%relaEntrySize != 0 {
			return errors.Wrapf(ErrMalformedObject, "section %s: size %d not a multiple of rela entry size", sec.Name, len(data))
		}
		for off := 0; off < len(data); off += relaEntrySize {
			var rela elf.Rela64
			rela.Off = binary.LittleEndian.Uint64(data[off:])
			rela.Info = binary.LittleEndian.Uint64(data[off+8:])
			rela.Addend = int64(binary.LittleEndian.Uint64(data[off+16:]))
			symIdx := int(elf.R_SYM64(rela.Info))
			if symIdx <= 0 || symIdx >= len(d.Symbols) {
				return errors.Wrapf(ErrMalformedObject, "section %s: relocation symbol index %d out of range", sec.Name, symIdx)
			}
			d.Relocations = append(d.Relocations, Relocation{
				Section: target,
				Offset:  rela.Off,
				Kind:    RelocKind(elf.R_TYPE64(rela.Info)),
				Symbol:  symIdx,
				Addend:  rela.Addend,
			})
		}
	}
	return nil
}
