package module

import (
	"sync"

	"github.com/helix-os/modlink/objfile"
)

// RelocationEntry records one applied relocation: where the patch was
// written, what it referenced, and how the value was computed. Entries are
// retained after application so a later swap can redo them against a new
// target without re-parsing the object file.
type RelocationEntry struct {
	Kind   objfile.RelocKind
	Offset uint64
	Symbol string
	Addend int64
}

// Dependency is a strong outgoing edge: the section owning this record
// relies on Target and keeps Target's module alive.
type Dependency struct {
	Target SectionHandle
	Reloc  RelocationEntry
}

// Dependent is a weak incoming record: Site contains a patch that points at
// the section owning this record. It does not keep Site alive; a stale Site
// handle simply no longer resolves.
type Dependent struct {
	Site  SectionHandle
	Reloc RelocationEntry
}

// Section is one permission-homogeneous sub-range of its owning module's
// memory. Each section belongs to exactly one module.
type Section struct {
	Name   string
	Kind   objfile.SectionKind
	Module ModuleHandle
	Handle SectionHandle

	Seg  *Segment
	Off  uint64
	Addr uint64
	Size uint64

	mu         sync.RWMutex
	dependsOn  []Dependency
	dependents []Dependent
}

// Bytes returns the section's mapped memory.
func (s *Section) Bytes() ([]byte, error) {
	return s.Seg.Slice(s.Off, s.Size)
}

func (s *Section) AddDependency(d Dependency) {
	s.mu.Lock()
	s.dependsOn = append(s.dependsOn, d)
	s.mu.Unlock()
}

func (s *Section) AddDependent(d Dependent) {
	s.mu.Lock()
	s.dependents = append(s.dependents, d)
	s.mu.Unlock()
}

// RemoveDependent deletes the first dependent record matching site and rel.
func (s *Section) RemoveDependent(site SectionHandle, rel RelocationEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range s.dependents {
		if d.Site == site && d.Reloc == rel {
			s.dependents = append(s.dependents[:i], s.dependents[i+1:]...)
			return true
		}
	}
	return false
}

// Retarget replaces the strong dependency edge {old, oldRel} with
// {target, newRel}, so a redone patch keeps an accurate record of what it
// now references. It reports whether a matching edge was found.
func (s *Section) Retarget(old SectionHandle, oldRel RelocationEntry, target SectionHandle, newRel RelocationEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range s.dependsOn {
		if d.Target == old && d.Reloc == oldRel {
			s.dependsOn[i] = Dependency{Target: target, Reloc: newRel}
			return true
		}
	}
	return false
}

// Dependencies returns a snapshot of the section's outgoing strong edges.
func (s *Section) Dependencies() []Dependency {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Dependency, len(s.dependsOn))
	copy(out, s.dependsOn)
	return out
}

// Dependents returns a snapshot of the section's incoming weak records.
func (s *Section) Dependents() []Dependent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Dependent, len(s.dependents))
	copy(out, s.dependents)
	return out
}
