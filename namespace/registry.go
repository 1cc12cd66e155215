package namespace

import (
	"github.com/cockroachdb/errors"

	"github.com/helix-os/modlink/memory"
	"github.com/helix-os/modlink/module"
)

// Remove unlinks the module behind h from this namespace and releases its
// memory. The caller must have established that nothing outside the module
// depends on it; live dependents or outstanding references surface as
// ErrInvariantViolated and leave the namespace untouched.
func (ns *Namespace) Remove(h module.ModuleHandle) error {
	ns.mu.Lock()
	mem, ok := ns.modules[h]
	if !ok {
		ns.mu.Unlock()
		return errors.Wrapf(module.ErrInvariantViolated, "module %v not a member of %s", h, ns.name)
	}
	m := mem.mod

	// Check the invariants up front: once outgoing edges start being
	// retracted below there is no clean way back.
	if refs := ns.arena.Refs(h); refs != 0 {
		ns.mu.Unlock()
		return errors.Wrapf(module.ErrInvariantViolated, "%s still has %d strong references", m.Ident(), refs)
	}
	for _, sh := range m.Sections {
		sec, ok := ns.arena.Section(sh)
		if !ok {
			continue
		}
		for _, dep := range sec.Dependents() {
			if site, ok := ns.arena.Section(dep.Site); ok && site.Module != h {
				ns.mu.Unlock()
				return errors.Wrapf(module.ErrInvariantViolated,
					"%s section %s still has live dependent %s", m.Ident(), sec.Name, site.Name)
			}
		}
	}

	// Outgoing edges must be retracted from their targets before the arena
	// will let the module go.
	for _, sh := range m.Sections {
		sec, ok := ns.arena.Section(sh)
		if !ok {
			continue
		}
		for _, dep := range sec.Dependencies() {
			if tsec, ok := ns.arena.Section(dep.Target); ok {
				tsec.RemoveDependent(sh, dep.Reloc)
			}
		}
	}

	if err := ns.arena.Remove(h); err != nil {
		ns.mu.Unlock()
		return err
	}
	for _, name := range mem.exports {
		ns.symbols.Delete(SymbolRef{Name: name})
	}
	delete(ns.modules, h)
	ns.mu.Unlock()

	ident := m.Ident()
	if err := ns.releaseModuleMemory(m); err != nil {
		ns.log.Error().Err(err).Str("module", ident).Msg("releasing unloaded module memory")
	}
	ns.log.Info().Str("module", ident).Msg("module removed")
	return nil
}

// Exports returns the symbols the module behind h contributes to this
// namespace's map.
func (ns *Namespace) Exports(h module.ModuleHandle) []SymbolRef {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	mem, ok := ns.modules[h]
	if !ok {
		return nil
	}
	out := make([]SymbolRef, 0, len(mem.exports))
	for _, name := range mem.exports {
		if ref, ok := ns.symbols.Get(SymbolRef{Name: name}); ok {
			out = append(out, ref)
		}
	}
	return out
}

// RetargetDependent redoes the patch recorded in dep so it points at ref
// instead of the section behind from, and moves the dependency edge and the
// module reference along with it. The patch site's segment is briefly
// remapped writable when its resting permissions forbid stores.
//
// The inverse operation is another RetargetDependent with the roles of old
// and new swapped, which is how a failed swap rolls back.
func (ns *Namespace) RetargetDependent(dep module.Dependent, from module.SectionHandle, ref SymbolRef) error {
	site, ok := ns.arena.Section(dep.Site)
	if !ok {
		// The dependent module is gone; its weak record with it.
		return nil
	}
	oldSec, ok := ns.arena.Section(from)
	if !ok {
		return errors.Wrap(module.ErrInvariantViolated, "retarget away from freed section")
	}
	newSec, ok := ns.arena.Section(ref.Section)
	if !ok {
		return errors.Wrap(module.ErrInvariantViolated, "retarget toward freed section")
	}

	b, err := ns.writableBytes(site)
	if err != nil {
		return err
	}
	rel := dep.Reloc
	if err := WriteRelocation(rel.Kind, b[rel.Offset:], site.Addr+rel.Offset, ref.Addr, ref.Size, rel.Addend); err != nil {
		ns.restoreProt(site)
		return errors.Wrapf(err, "retargeting %s+%#x to %s", site.Name, rel.Offset, ref.Name)
	}
	if err := ns.restoreProt(site); err != nil {
		return err
	}

	newRel := module.RelocationEntry{Kind: rel.Kind, Offset: rel.Offset, Symbol: ref.Name, Addend: rel.Addend}
	site.Retarget(from, rel, ref.Section, newRel)
	oldSec.RemoveDependent(dep.Site, rel)
	newSec.AddDependent(module.Dependent{Site: dep.Site, Reloc: newRel})

	if siteMod, ok := ns.arena.Module(site.Module); ok && oldSec.Module != newSec.Module {
		ns.arena.Hold(siteMod, newSec.Module)
		ns.arena.Unhold(siteMod, oldSec.Module)
	}

	ns.log.Debug().
		Str("site", site.Name).
		Uint64("offset", rel.Offset).
		Str("old", rel.Symbol).
		Str("new", ref.Name).
		Msg("dependent retargeted")
	return nil
}

// writableBytes returns the patch site's memory, remapping its segment
// read-write first if the resting permissions are not writable.
func (ns *Namespace) writableBytes(sec *module.Section) ([]byte, error) {
	if !sec.Seg.Region.Prot.Writable() {
		region, err := ns.mem.Remap(sec.Seg.Region, memory.PROT_READ|memory.PROT_WRITE)
		if err != nil {
			return nil, err
		}
		sec.Seg.Region = region
	}
	return sec.Bytes()
}

// restoreProt puts a section's segment back to its resting permissions.
func (ns *Namespace) restoreProt(sec *module.Section) error {
	m, ok := ns.arena.Module(sec.Module)
	if !ok {
		return nil
	}
	var want memory.Prot
	switch sec.Seg {
	case m.Text:
		want = memory.PROT_READ | memory.PROT_EXEC
	case m.Rodata:
		want = memory.PROT_READ
	default:
		return nil
	}
	if sec.Seg.Region.Prot == want {
		return nil
	}
	region, err := ns.mem.Remap(sec.Seg.Region, want)
	if err != nil {
		return err
	}
	sec.Seg.Region = region
	return nil
}

// CopySectionData copies the live contents of src into dst. Both must be
// writable sections of equal size; a swap uses this to carry mutable state
// from the outgoing module into its replacement.
func (ns *Namespace) CopySectionData(src, dst *module.Section) error {
	if src.Size != dst.Size {
		return errors.Wrapf(module.ErrInvariantViolated,
			"data copy %s (%#x bytes) -> %s (%#x bytes): size mismatch", src.Name, src.Size, dst.Name, dst.Size)
	}
	sb, err := src.Bytes()
	if err != nil {
		return err
	}
	db, err := dst.Bytes()
	if err != nil {
		return err
	}
	copy(db, sb)
	return nil
}
