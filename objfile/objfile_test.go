package objfile_test

import (
	"debug/elf"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp"

	"github.com/helix-os/modlink/internal/elfgen"
	"github.com/helix-os/modlink/objfile"
)

func buildObject() []byte {
	b := elfgen.NewBuilder()
	text := b.Text(".text.demo::run", []byte{0xe8, 0, 0, 0, 0, 0xc3})
	ro := b.Rodata(".rodata.demo::msg", []byte("hello\x00"))
	data := b.Data(".data.demo::count", []byte{1, 0, 0, 0, 0, 0, 0, 0})
	bss := b.Bss(".bss.demo::scratch", 32)

	b.Global("demo::run::h0101010101010101", text, 0, 6)
	b.Global("demo::msg::h0202020202020202", ro, 0, 6)
	b.Global("demo::count::h0303030303030303", data, 0, 8)
	b.Local("demo::scratch", bss, 0, 32)
	callee := b.Undef("other::callee::h0404040404040404")
	text.Reloc(1, elf.R_X86_64_PLT32, callee, -4)
	return b.Build()
}

func TestParse(t *testing.T) {
	d, err := objfile.Parse(buildObject())
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, d.Sections, qt.HasLen, 4)

	kinds := make(map[string]objfile.SectionKind)
	for _, sec := range d.Sections {
		kinds[sec.Name] = sec.Kind
	}
	qt.Assert(t, kinds[".text.demo::run"], qt.Equals, objfile.Kind_Text)
	qt.Assert(t, kinds[".rodata.demo::msg"], qt.Equals, objfile.Kind_Rodata)
	qt.Assert(t, kinds[".data.demo::count"], qt.Equals, objfile.Kind_Data)
	qt.Assert(t, kinds[".bss.demo::scratch"], qt.Equals, objfile.Kind_Bss)

	for _, sec := range d.Sections {
		if sec.Kind == objfile.Kind_Bss {
			qt.Assert(t, sec.Data, qt.IsNil)
			qt.Assert(t, sec.Size, qt.Equals, uint64(32))
		} else {
			qt.Assert(t, uint64(len(sec.Data)), qt.Equals, sec.Size)
		}
	}

	var exports []string
	d.Exports(func(sym *objfile.Symbol) bool {
		exports = append(exports, sym.Name)
		return true
	})
	qt.Assert(t, exports, qt.DeepEquals, []string{
		"demo::run::h0101010101010101",
		"demo::msg::h0202020202020202",
		"demo::count::h0303030303030303",
	})

	qt.Assert(t, d.Relocations, qt.HasLen, 1)
	r := d.Relocations[0]
	qt.Assert(t, r.Kind, qt.Equals, objfile.R_PLT32)
	qt.Assert(t, r.Offset, qt.Equals, uint64(1))
	qt.Assert(t, r.Addend, qt.Equals, int64(-4))
	sym := d.Symbols[r.Symbol]
	qt.Assert(t, sym.Name, qt.Equals, "other::callee::h0404040404040404")
	qt.Assert(t, sym.Defined(), qt.IsFalse)
}

func TestParseRejectsMalformed(t *testing.T) {
	good := buildObject()

	truncated := good[:40]

	wrongType := append([]byte(nil), good...)
	wrongType[16] = byte(elf.ET_EXEC) // e_type

	wrongMachine := append([]byte(nil), good...)
	wrongMachine[18] = byte(elf.EM_AARCH64) // e_machine

	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"garbage", []byte("definitely not an object file")},
		{"truncated", truncated},
		{"executable not relocatable", wrongType},
		{"wrong machine", wrongMachine},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := objfile.Parse(tt.in)
			qt.Assert(t, err, qt.ErrorIs, objfile.ErrMalformedObject)
		})
	}
}

func TestParseIsRepeatable(t *testing.T) {
	// Parsing owns no state: the same bytes parse the same way twice, and a
	// failed parse leaves nothing behind that changes a later attempt.
	img := buildObject()
	first, err := objfile.Parse(img)
	qt.Assert(t, err, qt.IsNil)

	_, err = objfile.Parse(img[:50])
	qt.Assert(t, err, qt.ErrorIs, objfile.ErrMalformedObject)

	second, err := objfile.Parse(img)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, cmp.Diff(first.Sections, second.Sections), qt.Equals, "")
	qt.Assert(t, cmp.Diff(first.Relocations, second.Relocations), qt.Equals, "")
}
