package namespace

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"

	"github.com/helix-os/modlink/memory"
	"github.com/helix-os/modlink/module"
	"github.com/helix-os/modlink/objfile"
)

// Object is one named object file to load.
type Object struct {
	Name  string
	Bytes []byte
}

// Load parses, maps, links, and commits one object file. The returned
// handle addresses the now-visible module.
//
// Everything before the final commit operates on pending state: on any
// failure all partial mappings, arena entries, and dependency edges are
// unwound before the error is returned, leaving the namespace identical to
// its pre-call state.
//
// name may carry an explicit build hash ("mymod-9f2c40aa11bc03de"); without
// one the hash is derived from the object bytes, so two different builds of
// the same source never share an identity.
func (ns *Namespace) Load(name string, b []byte) (module.ModuleHandle, error) {
	handles, err := ns.LoadMany([]Object{{Name: name, Bytes: b}})
	if err != nil {
		return 0, err
	}
	return handles[0], nil
}

// LoadMany loads a batch of object files as one transaction. All objects
// are parsed and mapped before any is relocated, and each object's
// relocations may resolve against the others' exports, so mutually
// dependent objects can be linked together. Either every module commits or
// none does.
func (ns *Namespace) LoadMany(objects []Object) ([]module.ModuleHandle, error) {
	pendings := make([]*pending, 0, len(objects))
	fail := func(err error) ([]module.ModuleHandle, error) {
		// Two passes: a batch's modules may hold each other, so every edge
		// and reference must be gone before any module can be removed.
		for _, p := range pendings {
			ns.unlink(p)
		}
		for _, p := range pendings {
			ns.destroy(p)
		}
		return nil, err
	}

	for _, obj := range objects {
		d, err := objfile.Parse(obj.Bytes)
		if err != nil {
			return fail(err)
		}
		p, err := ns.prepare(obj.Name, obj.Bytes, d)
		if err != nil {
			return fail(err)
		}
		pendings = append(pendings, p)
	}

	// Exports of the whole batch, visible to every member's relocations
	// before anything is published.
	overlay := make(map[string]SymbolRef)
	for _, p := range pendings {
		for _, ref := range p.exports {
			overlay[ref.Name] = ref
		}
	}

	for _, p := range pendings {
		if err := ns.relocate(p, overlay); err != nil {
			return fail(err)
		}
	}
	for _, p := range pendings {
		if err := ns.finalize(p); err != nil {
			return fail(err)
		}
	}
	if err := ns.commit(pendings); err != nil {
		return fail(err)
	}

	handles := make([]module.ModuleHandle, len(pendings))
	for i, p := range pendings {
		handles[i] = p.mod.Handle
		ns.log.Info().
			Str("module", p.mod.Ident()).
			Int("sections", len(p.mod.Sections)).
			Int("symbols", len(p.exports)).
			Msg("module loaded")
	}
	return handles, nil
}

type recordedEdge struct {
	site      module.SectionHandle
	target    module.SectionHandle
	targetMod module.ModuleHandle
	rel       module.RelocationEntry
}

type pending struct {
	mod     *module.Module
	desc    *objfile.Descriptor
	secs    map[int]module.SectionHandle
	exports []SymbolRef
	edges   []recordedEdge
}

func splitIdent(name string, b []byte) (string, string) {
	if i := strings.LastIndex(name, module.IdentDelimiter); i > 0 {
		if hash := name[i+1:]; len(hash) >= 8 && isHex(hash) {
			return name[:i], hash
		}
	}
	sum := sha256.Sum256(b)
	return name, hex.EncodeToString(sum[:8])
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return len(s) > 0
}

// prepare maps the object's sections into memory and registers them in the
// arena, producing a pending module that is not yet visible anywhere.
func (ns *Namespace) prepare(name string, b []byte, d *objfile.Descriptor) (*pending, error) {
	modName, hash := splitIdent(name, b)
	mod := &module.Module{Name: modName, Hash: hash}

	if _, exists := ns.ModuleByIdent(mod.Ident()); exists {
		return nil, errors.Wrapf(ErrDuplicateSymbol, "module %s already loaded", mod.Ident())
	}

	// Group allocatable sections by permission class and lay each class
	// out in one segment, honoring per-section alignment.
	type layout struct {
		total   uint64
		offsets map[int]uint64
	}
	layouts := map[objfile.SectionKind]*layout{}
	classOf := func(kind objfile.SectionKind) objfile.SectionKind {
		if kind == objfile.Kind_Bss {
			return objfile.Kind_Data
		}
		return kind
	}
	for i := range d.Sections {
		sec := &d.Sections[i]
		class := classOf(sec.Kind)
		l := layouts[class]
		if l == nil {
			l = &layout{offsets: make(map[int]uint64)}
			layouts[class] = l
		}
		l.total = memory.Align(l.total, sec.Align)
		l.offsets[sec.Index] = l.total
		l.total += sec.Size
	}

	var mapped []*module.Segment
	unwind := func(err error) (*pending, error) {
		var all *multierror.Error
		for _, seg := range mapped {
			all = multierror.Append(all, ns.releaseSegment(seg))
		}
		if relErr := all.ErrorOrNil(); relErr != nil {
			ns.log.Error().Err(relErr).Msg("failed to release partial mappings")
		}
		return nil, err
	}

	for _, class := range []objfile.SectionKind{objfile.Kind_Text, objfile.Kind_Rodata, objfile.Kind_Data} {
		l := layouts[class]
		if l == nil || l.total == 0 {
			continue
		}
		seg, err := ns.mapSegment(l.total)
		if err != nil {
			return unwind(err)
		}
		mapped = append(mapped, seg)
		switch class {
		case objfile.Kind_Text:
			mod.Text = seg
		case objfile.Kind_Rodata:
			mod.Rodata = seg
		default:
			mod.Data = seg
		}
	}

	p := &pending{
		mod:  mod,
		desc: d,
		secs: make(map[int]module.SectionHandle, len(d.Sections)),
	}
	ns.arena.AddModule(mod)

	for i := range d.Sections {
		src := &d.Sections[i]
		seg := mod.SegmentFor(src.Kind)
		off := layouts[classOf(src.Kind)].offsets[src.Index]
		dst, err := seg.Slice(off, src.Size)
		if err != nil {
			ns.discard(p)
			return nil, errors.Wrapf(objfile.ErrMalformedObject, "section %s: %v", src.Name, err)
		}
		if src.Kind == objfile.Kind_Bss {
			clear(dst)
		} else {
			copy(dst, src.Data)
		}
		sec := &module.Section{
			Name:   src.Name,
			Kind:   src.Kind,
			Module: mod.Handle,
			Seg:    seg,
			Off:    off,
			Addr:   seg.Region.Virt.Addr + off,
			Size:   src.Size,
		}
		p.secs[src.Index] = ns.arena.AddSection(sec)
		mod.Sections = append(mod.Sections, sec.Handle)
	}

	seen := make(map[string]struct{})
	var dup error
	d.Exports(func(sym *objfile.Symbol) bool {
		if _, ok := seen[sym.Name]; ok {
			dup = errors.Wrapf(ErrDuplicateSymbol, "%s exported twice by %s", sym.Name, mod.Ident())
			return false
		}
		seen[sym.Name] = struct{}{}
		sh := p.secs[sym.Section]
		sec, _ := ns.arena.Section(sh)
		p.exports = append(p.exports, SymbolRef{
			Name:    sym.Name,
			Binding: sym.Binding,
			Section: sh,
			Addr:    sec.Addr + sym.Value,
			Size:    sym.Size,
		})
		return true
	})
	if dup != nil {
		ns.discard(p)
		return nil, dup
	}
	return p, nil
}

// mapSegment obtains pages and frames for size bytes and maps them
// writable. Final permissions are applied only after relocation, so nothing
// can observe unpatched yet-executable code.
func (ns *Namespace) mapSegment(size uint64) (*module.Segment, error) {
	count := memory.PagesFor(size)
	virt, err := ns.mem.AllocPages(count)
	if err != nil {
		return nil, err
	}
	phys, err := ns.mem.AllocFrames(count)
	if err != nil {
		return nil, multierror.Append(err, ns.mem.FreePages(virt)).ErrorOrNil()
	}
	region, err := ns.mem.Map(virt, phys, memory.PROT_READ|memory.PROT_WRITE)
	if err != nil {
		return nil, multierror.Append(err, ns.mem.FreeFrames(phys), ns.mem.FreePages(virt)).ErrorOrNil()
	}
	bytes, err := ns.mem.Bytes(region)
	if err != nil {
		return nil, multierror.Append(err, ns.mem.Unmap(region), ns.mem.FreeFrames(phys), ns.mem.FreePages(virt)).ErrorOrNil()
	}
	return &module.Segment{Region: region, Bytes: bytes}, nil
}

// relocate applies every relocation of the pending module. Symbols are
// resolved against the module's own sections first, then the batch overlay,
// then this namespace and its parent chain. Cross-module resolutions record
// dependency edges in both directions.
func (ns *Namespace) relocate(p *pending, overlay map[string]SymbolRef) error {
	for _, r := range p.desc.Relocations {
		siteH := p.secs[r.Section]
		site, ok := ns.arena.Section(siteH)
		if !ok {
			return errors.Wrapf(module.ErrInvariantViolated, "pending section %d vanished", r.Section)
		}

		sym := &p.desc.Symbols[r.Symbol]
		var ref SymbolRef
		local := false
		switch {
		case sym.Defined():
			lh, ok := p.secs[sym.Section]
			if !ok {
				return errors.Wrapf(objfile.ErrMalformedObject, "symbol %q defined in unloaded section %d", sym.Name, sym.Section)
			}
			lsec, _ := ns.arena.Section(lh)
			ref = SymbolRef{
				Name:    sym.Name,
				Binding: sym.Binding,
				Section: lh,
				Addr:    lsec.Addr + sym.Value,
				Size:    sym.Size,
			}
			local = true
		case sym.Name == "":
			return errors.Wrap(objfile.ErrMalformedObject, "relocation against unnamed undefined symbol")
		default:
			if or, ok := overlay[sym.Name]; ok {
				ref = or
			} else if nr, ok := ns.Resolve(sym.Name); ok {
				ref = nr
			} else {
				return errors.Wrapf(ErrUnresolvedSymbol, "%s (needed by %s)", sym.Name, p.mod.Ident())
			}
		}

		// Overflow-safe: r.Offset comes straight from the object file and
		// may be near 2^64, where r.Offset+w would wrap past the bound.
		w := r.Kind.Width()
		if r.Offset > site.Size || (w != 0 && site.Size-r.Offset < w) {
			return errors.Wrapf(objfile.ErrMalformedObject,
				"relocation at %s+%#x overruns section of %#x bytes", site.Name, r.Offset, site.Size)
		}
		b, err := site.Bytes()
		if err != nil {
			return err
		}
		if err := WriteRelocation(r.Kind, b[r.Offset:], site.Addr+r.Offset, ref.Addr, ref.Size, r.Addend); err != nil {
			return errors.Wrapf(err, "at %s+%#x in %s", site.Name, r.Offset, p.mod.Ident())
		}
		ns.log.Trace().
			Str("module", p.mod.Ident()).
			Str("section", site.Name).
			Uint64("offset", r.Offset).
			Str("kind", r.Kind.String()).
			Str("symbol", ref.Name).
			Msg("relocation applied")

		if local {
			continue
		}
		tsec, ok := ns.arena.Section(ref.Section)
		if !ok || tsec.Module == p.mod.Handle {
			continue
		}
		rel := module.RelocationEntry{Kind: r.Kind, Offset: r.Offset, Symbol: ref.Name, Addend: r.Addend}
		site.AddDependency(module.Dependency{Target: ref.Section, Reloc: rel})
		tsec.AddDependent(module.Dependent{Site: siteH, Reloc: rel})
		ns.arena.Hold(p.mod, tsec.Module)
		p.edges = append(p.edges, recordedEdge{site: siteH, target: ref.Section, targetMod: tsec.Module, rel: rel})
	}
	return nil
}

// finalize flips each segment to its resting permissions: text becomes
// read+exec, rodata read-only. Data and bss segments stay read-write.
func (ns *Namespace) finalize(p *pending) error {
	if seg := p.mod.Text; seg != nil {
		region, err := ns.mem.Remap(seg.Region, memory.PROT_READ|memory.PROT_EXEC)
		if err != nil {
			return err
		}
		seg.Region = region
	}
	if seg := p.mod.Rodata; seg != nil {
		region, err := ns.mem.Remap(seg.Region, memory.PROT_READ)
		if err != nil {
			return err
		}
		seg.Region = region
	}
	return nil
}

// commit publishes a batch: symbol insertion plus module membership under
// one write-lock section. This is the only point where a load becomes
// externally observable.
func (ns *Namespace) commit(pendings []*pending) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	// Re-check module identity under the lock: the prepare-time check races
	// with concurrent loads of the same ident.
	idents := make(map[string]struct{})
	for _, p := range pendings {
		ident := p.mod.Ident()
		if _, exists := idents[ident]; exists {
			return errors.Wrapf(ErrDuplicateSymbol, "module %s loaded twice in one batch", ident)
		}
		idents[ident] = struct{}{}
		for _, m := range ns.modules {
			if m.mod.Ident() == ident {
				return errors.Wrapf(ErrDuplicateSymbol, "module %s already loaded", ident)
			}
		}
	}
	incoming := make(map[string]struct{})
	for _, p := range pendings {
		for _, ref := range p.exports {
			if _, exists := ns.symbols.Get(SymbolRef{Name: ref.Name}); exists {
				return errors.Wrapf(ErrDuplicateSymbol, "%s", ref.Name)
			}
			if _, exists := incoming[ref.Name]; exists {
				return errors.Wrapf(ErrDuplicateSymbol, "%s exported by two modules in one batch", ref.Name)
			}
			incoming[ref.Name] = struct{}{}
		}
	}
	for _, p := range pendings {
		names := make([]string, len(p.exports))
		for i, ref := range p.exports {
			ns.symbols.ReplaceOrInsert(ref)
			names[i] = ref.Name
		}
		ns.modules[p.mod.Handle] = &member{mod: p.mod, exports: names}
	}
	return nil
}

// discard unwinds one pending module in isolation. Batch rollback goes
// through unlink and destroy separately.
func (ns *Namespace) discard(p *pending) {
	ns.unlink(p)
	ns.destroy(p)
}

// unlink retracts a pending module's dependency edges and references.
func (ns *Namespace) unlink(p *pending) {
	for _, e := range p.edges {
		if tsec, ok := ns.arena.Section(e.target); ok {
			tsec.RemoveDependent(e.site, e.rel)
		}
	}
	p.edges = nil
	ns.arena.ReleaseHolds(p.mod)
}

// destroy frees a pending module's arena entries and mappings. Never fails;
// trouble releasing memory is logged.
func (ns *Namespace) destroy(p *pending) {
	if p.mod.Handle != 0 {
		if err := ns.arena.Remove(p.mod.Handle); err != nil {
			ns.log.Error().Err(err).Str("module", p.mod.Ident()).Msg("discarding pending module")
		}
	}
	if err := ns.releaseModuleMemory(p.mod); err != nil {
		ns.log.Error().Err(err).Str("module", p.mod.Ident()).Msg("releasing pending mappings")
	}
}

func (ns *Namespace) releaseModuleMemory(m *module.Module) error {
	var all *multierror.Error
	for _, seg := range m.Segments() {
		all = multierror.Append(all, ns.releaseSegment(seg))
	}
	m.Text, m.Rodata, m.Data = nil, nil, nil
	return all.ErrorOrNil()
}

func (ns *Namespace) releaseSegment(seg *module.Segment) error {
	var all *multierror.Error
	all = multierror.Append(all, ns.mem.Unmap(seg.Region))
	all = multierror.Append(all, ns.mem.FreeFrames(seg.Region.Phys))
	all = multierror.Append(all, ns.mem.FreePages(seg.Region.Virt))
	return all.ErrorOrNil()
}
