// Package namespace implements symbol resolution scopes and the load
// pipeline that links object files into them.
//
// A Namespace owns a symbol map and a set of member modules, and may be
// chained to a parent namespace for layered fallback lookup: a lookup walks
// the local map first and the parent chain after, so a derived namespace can
// shadow symbols of a shared base layer. Namespaces are created explicitly
// and passed by reference; the expected initialization order is one root
// namespace at startup, children chained off it afterward.
//
// All loading work happens against pending, not-yet-visible state. The final
// registry insertion is the single externally observable publish step, so a
// failed load leaves the namespace and memory exactly as they were.
package namespace

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/btree"
	"github.com/rs/zerolog"

	"github.com/helix-os/modlink/memory"
	"github.com/helix-os/modlink/module"
	"github.com/helix-os/modlink/objfile"
)

// SymbolRef is a resolved symbol: its defining section and the absolute
// address and size the symbol's name stands for.
type SymbolRef struct {
	Name    string
	Binding objfile.Binding
	Section module.SectionHandle
	Addr    uint64
	Size    uint64
}

type member struct {
	mod     *module.Module
	exports []string
}

type Namespace struct {
	name   string
	parent *Namespace
	arena  *module.Arena
	mem    memory.Manager
	log    zerolog.Logger

	// mu guards symbols and modules. Lookups take the read side and are
	// expected to vastly outnumber commits; it is never held across a
	// call into the memory manager.
	mu      sync.RWMutex
	symbols *btree.BTreeG[SymbolRef]
	modules map[module.ModuleHandle]*member
}

type Option func(*Namespace)

func WithLogger(l zerolog.Logger) Option {
	return func(ns *Namespace) { ns.log = l }
}

// New creates a root namespace over the given arena and memory manager.
func New(name string, arena *module.Arena, mem memory.Manager, opts ...Option) *Namespace {
	ns := &Namespace{
		name:    name,
		arena:   arena,
		mem:     mem,
		log:     zerolog.Nop(),
		symbols: btree.NewG(8, func(a, b SymbolRef) bool { return a.Name < b.Name }),
		modules: make(map[module.ModuleHandle]*member),
	}
	for _, opt := range opts {
		opt(ns)
	}
	ns.log = ns.log.With().Str("namespace", name).Logger()
	return ns
}

// Child creates a namespace that falls back to ns for symbol lookup. It
// shares the parent's arena and memory manager.
func (ns *Namespace) Child(name string, opts ...Option) *Namespace {
	child := New(name, ns.arena, ns.mem, opts...)
	child.parent = ns
	return child
}

func (ns *Namespace) Name() string { return ns.name }

func (ns *Namespace) Parent() *Namespace { return ns.parent }

func (ns *Namespace) Arena() *module.Arena { return ns.arena }

func (ns *Namespace) Memory() memory.Manager { return ns.mem }

// Resolve looks up an exact symbol name, walking the parent chain on a
// local miss. The nearest namespace wins.
func (ns *Namespace) Resolve(name string) (SymbolRef, bool) {
	for cur := ns; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		ref, ok := cur.symbols.Get(SymbolRef{Name: name})
		cur.mu.RUnlock()
		if ok {
			return ref, true
		}
	}
	return SymbolRef{}, false
}

// ResolvePrefix returns all symbols whose name starts with prefix, nearest
// namespace first; a name shadowed by a nearer namespace appears only once.
// Useful for hash-blind lookups, where the caller knows a symbol's stem but
// not its build hash.
func (ns *Namespace) ResolvePrefix(prefix string) []SymbolRef {
	var out []SymbolRef
	seen := make(map[string]struct{})
	for cur := ns; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		cur.symbols.AscendGreaterOrEqual(SymbolRef{Name: prefix}, func(ref SymbolRef) bool {
			if !strings.HasPrefix(ref.Name, prefix) {
				return false
			}
			if _, dup := seen[ref.Name]; !dup {
				seen[ref.Name] = struct{}{}
				out = append(out, ref)
			}
			return true
		})
		cur.mu.RUnlock()
	}
	return out
}

// SymbolCount returns the number of symbols in this namespace's local map.
func (ns *Namespace) SymbolCount() int {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.symbols.Len()
}

// DumpSymbols renders the local symbol map, one "name -> addr" per line.
func (ns *Namespace) DumpSymbols() string {
	var sb strings.Builder
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	ns.symbols.Ascend(func(ref SymbolRef) bool {
		fmt.Fprintf(&sb, "%s -> %#x\n", ref.Name, ref.Addr)
		return true
	})
	return sb.String()
}

// Module resolves a member module's handle.
func (ns *Namespace) Module(h module.ModuleHandle) (*module.Module, bool) {
	ns.mu.RLock()
	m, ok := ns.modules[h]
	ns.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return m.mod, true
}

// Modules returns the handles of this namespace's member modules.
func (ns *Namespace) Modules() []module.ModuleHandle {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	out := make([]module.ModuleHandle, 0, len(ns.modules))
	for h := range ns.modules {
		out = append(out, h)
	}
	return out
}

// ModuleByIdent finds a member module by its disambiguated "name-hash"
// identity, or by bare name if exactly one build of it is loaded.
func (ns *Namespace) ModuleByIdent(ident string) (*module.Module, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	var found *module.Module
	for _, m := range ns.modules {
		if m.mod.Ident() == ident {
			return m.mod, true
		}
		if m.mod.Name == ident {
			if found != nil {
				return nil, false
			}
			found = m.mod
		}
	}
	return found, found != nil
}

// ModuleContaining returns the member module whose memory covers addr.
func (ns *Namespace) ModuleContaining(addr uint64) (*module.Module, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	for _, m := range ns.modules {
		if m.mod.Contains(addr) {
			return m.mod, true
		}
	}
	return nil, false
}

// SectionContaining returns the loaded section whose range covers addr.
func (ns *Namespace) SectionContaining(addr uint64) (*module.Section, bool) {
	m, ok := ns.ModuleContaining(addr)
	if !ok {
		return nil, false
	}
	for _, sh := range m.Sections {
		sec, ok := ns.arena.Section(sh)
		if !ok {
			continue
		}
		if addr >= sec.Addr && addr < sec.Addr+sec.Size {
			return sec, true
		}
	}
	return nil, false
}

// LiveDependents returns the incoming dependent records on mod's sections
// whose sites still resolve and belong to a different module.
func (ns *Namespace) LiveDependents(h module.ModuleHandle) []module.Dependent {
	m, ok := ns.Module(h)
	if !ok {
		return nil
	}
	var out []module.Dependent
	for _, sh := range m.Sections {
		sec, ok := ns.arena.Section(sh)
		if !ok {
			continue
		}
		for _, dep := range sec.Dependents() {
			site, ok := ns.arena.Section(dep.Site)
			if !ok || site.Module == h {
				continue
			}
			out = append(out, dep)
		}
	}
	return out
}
