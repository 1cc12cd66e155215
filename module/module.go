// Package module holds the metadata for loaded modules and their sections,
// including the dependency graph that links them.
//
// If a section A references a section B, then A holds a strong Dependency on
// B and B holds a weak Dependent record pointing back at A. Strong edges pin
// the target's whole module in memory through the arena's reference counts;
// weak records exist so that unload and swap can find every patch site that
// points at a section, and they tolerate their site having been freed.
// Keeping the two directions asymmetric avoids reference cycles: A can
// always be destroyed before B, never the other way around.
package module

import (
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/helix-os/modlink/memory"
	"github.com/helix-os/modlink/objfile"
)

// IdentDelimiter separates a module's name from its build hash.
const IdentDelimiter = "-"

// HashDelimiter separates a symbol's stem from its build-specific hash
// suffix, e.g. "libx::double::h9f2c40aa11bc03de".
const HashDelimiter = "::h"

// Segment is one mapped memory region holding all of a module's sections of
// a single permission class. Bytes aliases the mapped memory for the
// lifetime of the mapping.
type Segment struct {
	Region memory.Region
	Bytes  []byte
}

// Slice returns the sub-range [off, off+size) of the segment's memory.
func (s *Segment) Slice(off, size uint64) ([]byte, error) {
	if off+size > uint64(len(s.Bytes)) || off+size < off {
		return nil, errors.Newf("range [%#x, %#x) outside segment of %#x bytes", off, off+size, len(s.Bytes))
	}
	return s.Bytes[off : off+size], nil
}

// Module is one loaded, linked object file. It owns up to three segments,
// one per permission class, and an ordered list of sections carved out of
// them. A module belongs to exactly one namespace at a time.
type Module struct {
	Name string
	Hash string

	Handle   ModuleHandle
	Sections []SectionHandle

	Text   *Segment
	Rodata *Segment
	Data   *Segment

	// holds lists the modules this module's sections keep alive through
	// strong dependency edges, one entry per edge.
	holds []ModuleHandle
}

// Ident returns the disambiguated identity, "name-hash". Two builds of
// nominally the same module never share an identity.
func (m *Module) Ident() string {
	return m.Name + IdentDelimiter + m.Hash
}

// SegmentFor returns the segment that backs sections of the given kind.
func (m *Module) SegmentFor(kind objfile.SectionKind) *Segment {
	switch kind {
	case objfile.Kind_Text:
		return m.Text
	case objfile.Kind_Rodata:
		return m.Rodata
	default:
		return m.Data
	}
}

// Segments returns the module's non-nil segments.
func (m *Module) Segments() []*Segment {
	segs := make([]*Segment, 0, 3)
	for _, s := range []*Segment{m.Text, m.Rodata, m.Data} {
		if s != nil {
			segs = append(segs, s)
		}
	}
	return segs
}

// Contains reports whether addr falls inside one of the module's segments.
func (m *Module) Contains(addr uint64) bool {
	for _, s := range m.Segments() {
		if s.Region.Contains(addr) {
			return true
		}
	}
	return false
}

// SymbolStem returns name with its trailing build hash removed. If name has
// no hash suffix it is returned unchanged.
//
// "keyboard::init::h832430094f98e56b" -> "keyboard::init"
func SymbolStem(name string) string {
	if i := strings.LastIndex(name, HashDelimiter); i >= 0 {
		return name[:i]
	}
	return name
}
