package module

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// ModuleHandle is a stable integer handle to an arena-stored module.
// The zero value is invalid.
type ModuleHandle uint64

// SectionHandle is a stable integer handle to an arena-stored section.
// The zero value is invalid.
type SectionHandle uint64

func makeHandle(idx, gen uint32) uint64 {
	return uint64(gen)<<32 | uint64(idx+1)
}

func splitHandle(h uint64) (idx, gen uint32, ok bool) {
	if uint32(h) == 0 {
		return 0, 0, false
	}
	return uint32(h) - 1, uint32(h >> 32), true
}

type slot[T any] struct {
	gen  uint32
	live bool
	refs uint32
	val  T
}

// Arena stores modules and sections behind generational handles instead of
// raw pointers. Strong dependency edges increment a module's reference
// count; weak dependent records are plain handles whose resolution returns
// "not found" once the target slot has been freed.
type Arena struct {
	mu       sync.RWMutex
	modules  []slot[*Module]
	sections []slot[*Section]
	freeMods []uint32
	freeSecs []uint32
}

func NewArena() *Arena {
	return &Arena{}
}

// AddModule stores m and stamps its Handle.
func (a *Arena) AddModule(m *Module) ModuleHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	var idx uint32
	if n := len(a.freeMods); n > 0 {
		idx = a.freeMods[n-1]
		a.freeMods = a.freeMods[:n-1]
	} else {
		idx = uint32(len(a.modules))
		a.modules = append(a.modules, slot[*Module]{})
	}
	s := &a.modules[idx]
	s.live = true
	s.refs = 0
	s.val = m
	m.Handle = ModuleHandle(makeHandle(idx, s.gen))
	return m.Handle
}

// AddSection stores sec and stamps its Handle.
func (a *Arena) AddSection(sec *Section) SectionHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	var idx uint32
	if n := len(a.freeSecs); n > 0 {
		idx = a.freeSecs[n-1]
		a.freeSecs = a.freeSecs[:n-1]
	} else {
		idx = uint32(len(a.sections))
		a.sections = append(a.sections, slot[*Section]{})
	}
	s := &a.sections[idx]
	s.live = true
	s.val = sec
	sec.Handle = SectionHandle(makeHandle(idx, s.gen))
	return sec.Handle
}

// Module resolves h, returning false for stale or freed handles.
func (a *Arena) Module(h ModuleHandle) (*Module, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.moduleLocked(h)
}

func (a *Arena) moduleLocked(h ModuleHandle) (*Module, bool) {
	idx, gen, ok := splitHandle(uint64(h))
	if !ok || int(idx) >= len(a.modules) {
		return nil, false
	}
	s := &a.modules[idx]
	if !s.live || s.gen != gen {
		return nil, false
	}
	return s.val, true
}

// Section resolves h, returning false for stale or freed handles.
func (a *Arena) Section(h SectionHandle) (*Section, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sectionLocked(h)
}

func (a *Arena) sectionLocked(h SectionHandle) (*Section, bool) {
	idx, gen, ok := splitHandle(uint64(h))
	if !ok || int(idx) >= len(a.sections) {
		return nil, false
	}
	s := &a.sections[idx]
	if !s.live || s.gen != gen {
		return nil, false
	}
	return s.val, true
}

// Retain increments h's reference count. It reports whether h was live.
func (a *Arena) Retain(h ModuleHandle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx, gen, ok := splitHandle(uint64(h))
	if !ok || int(idx) >= len(a.modules) {
		return false
	}
	s := &a.modules[idx]
	if !s.live || s.gen != gen {
		return false
	}
	s.refs++
	return true
}

// Release decrements h's reference count and returns the remaining count.
func (a *Arena) Release(h ModuleHandle) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx, gen, ok := splitHandle(uint64(h))
	if !ok || int(idx) >= len(a.modules) {
		return 0
	}
	s := &a.modules[idx]
	if !s.live || s.gen != gen || s.refs == 0 {
		return 0
	}
	s.refs--
	return s.refs
}

// Refs returns h's current reference count.
func (a *Arena) Refs(h ModuleHandle) uint32 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	idx, gen, ok := splitHandle(uint64(h))
	if !ok || int(idx) >= len(a.modules) {
		return 0
	}
	s := &a.modules[idx]
	if !s.live || s.gen != gen {
		return 0
	}
	return s.refs
}

// Remove destroys the module behind h and frees its section slots. The
// module must have a zero reference count and no live incoming dependents;
// either being violated means bookkeeping elsewhere has gone wrong, so it
// is reported as ErrInvariantViolated rather than silently ignored. The
// module's own outgoing strong references are released here, exactly once.
func (a *Arena) Remove(h ModuleHandle) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, gen, ok := splitHandle(uint64(h))
	if !ok || int(idx) >= len(a.modules) {
		return errors.Wrap(ErrInvariantViolated, "remove of unknown module handle")
	}
	ms := &a.modules[idx]
	if !ms.live || ms.gen != gen {
		return errors.Wrap(ErrInvariantViolated, "remove of stale module handle")
	}
	if ms.refs != 0 {
		return errors.Wrapf(ErrInvariantViolated, "module %s still has %d strong references", ms.val.Ident(), ms.refs)
	}
	m := ms.val
	for _, sh := range m.Sections {
		sec, ok := a.sectionLocked(sh)
		if !ok {
			continue
		}
		for _, dep := range sec.Dependents() {
			if site, ok := a.sectionLocked(dep.Site); ok {
				// A dependent within the module being removed is fine;
				// anything else still relies on this section.
				if owner, ok := a.moduleLocked(site.Module); !ok || owner != m {
					return errors.Wrapf(ErrInvariantViolated,
						"module %s section %s still has live dependent %s", m.Ident(), sec.Name, site.Name)
				}
			}
		}
	}

	for _, held := range m.holds {
		a.releaseLocked(held)
	}
	m.holds = nil

	for _, sh := range m.Sections {
		if sidx, sgen, ok := splitHandle(uint64(sh)); ok && int(sidx) < len(a.sections) {
			ss := &a.sections[sidx]
			if ss.live && ss.gen == sgen {
				ss.live = false
				ss.gen++
				ss.val = nil
				a.freeSecs = append(a.freeSecs, sidx)
			}
		}
	}
	ms.live = false
	ms.gen++
	ms.val = nil
	a.freeMods = append(a.freeMods, idx)
	return nil
}

func (a *Arena) releaseLocked(h ModuleHandle) {
	idx, gen, ok := splitHandle(uint64(h))
	if !ok || int(idx) >= len(a.modules) {
		return
	}
	s := &a.modules[idx]
	if s.live && s.gen == gen && s.refs > 0 {
		s.refs--
	}
}

// ReleaseHolds drops every strong reference m has recorded. Used when
// unwinding a failed load, where modules of one batch may hold each other
// and must all let go before any of them can be removed.
func (a *Arena) ReleaseHolds(m *Module) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, h := range m.holds {
		a.releaseLocked(h)
	}
	m.holds = nil
}

// Hold records that m's sections took a strong reference on target.
func (a *Arena) Hold(m *Module, target ModuleHandle) bool {
	if !a.Retain(target) {
		return false
	}
	m.holds = append(m.holds, target)
	return true
}

// Unhold drops one previously recorded strong reference from m to target.
func (a *Arena) Unhold(m *Module, target ModuleHandle) {
	for i, h := range m.holds {
		if h == target {
			m.holds = append(m.holds[:i], m.holds[i+1:]...)
			a.Release(target)
			return
		}
	}
}
