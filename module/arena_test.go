package module

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func newTestModule(a *Arena, name string) *Module {
	m := &Module{Name: name, Hash: "0000000000000000"}
	a.AddModule(m)
	sec := &Section{Name: ".text." + name, Module: m.Handle}
	a.AddSection(sec)
	m.Sections = append(m.Sections, sec.Handle)
	return m
}

func TestArenaHandleLifecycle(t *testing.T) {
	a := NewArena()
	m := newTestModule(a, "alpha")

	got, ok := a.Module(m.Handle)
	qt.Assert(t, ok, qt.IsTrue)
	qt.Assert(t, got, qt.Equals, m)

	sh := m.Sections[0]
	sec, ok := a.Section(sh)
	qt.Assert(t, ok, qt.IsTrue)
	qt.Assert(t, sec.Module, qt.Equals, m.Handle)

	qt.Assert(t, a.Remove(m.Handle), qt.IsNil)

	_, ok = a.Module(m.Handle)
	qt.Assert(t, ok, qt.IsFalse)
	_, ok = a.Section(sh)
	qt.Assert(t, ok, qt.IsFalse)
}

func TestArenaSlotReuseInvalidatesOldHandles(t *testing.T) {
	a := NewArena()
	m1 := newTestModule(a, "alpha")
	h1 := m1.Handle
	qt.Assert(t, a.Remove(h1), qt.IsNil)

	// The freed slot is reused with a bumped generation, so the old handle
	// must not resolve to the newcomer.
	m2 := newTestModule(a, "beta")
	qt.Assert(t, m2.Handle, qt.Not(qt.Equals), h1)

	_, ok := a.Module(h1)
	qt.Assert(t, ok, qt.IsFalse)
	got, ok := a.Module(m2.Handle)
	qt.Assert(t, ok, qt.IsTrue)
	qt.Assert(t, got.Name, qt.Equals, "beta")
}

func TestArenaRefcountBlocksRemove(t *testing.T) {
	a := NewArena()
	target := newTestModule(a, "lib")
	user := newTestModule(a, "app")

	qt.Assert(t, a.Hold(user, target.Handle), qt.IsTrue)
	qt.Assert(t, a.Refs(target.Handle), qt.Equals, uint32(1))

	err := a.Remove(target.Handle)
	qt.Assert(t, err, qt.ErrorIs, ErrInvariantViolated)

	// Removing the holder releases its strong references, after which the
	// target can go.
	qt.Assert(t, a.Remove(user.Handle), qt.IsNil)
	qt.Assert(t, a.Refs(target.Handle), qt.Equals, uint32(0))
	qt.Assert(t, a.Remove(target.Handle), qt.IsNil)
}

func TestArenaRemoveRejectsLiveDependents(t *testing.T) {
	a := NewArena()
	target := newTestModule(a, "lib")
	user := newTestModule(a, "app")

	tsec, _ := a.Section(target.Sections[0])
	rel := RelocationEntry{Kind: 2, Offset: 1, Symbol: "lib::fn::h00"}
	tsec.AddDependent(Dependent{Site: user.Sections[0], Reloc: rel})

	err := a.Remove(target.Handle)
	qt.Assert(t, err, qt.ErrorIs, ErrInvariantViolated)

	tsec.RemoveDependent(user.Sections[0], rel)
	qt.Assert(t, a.Remove(target.Handle), qt.IsNil)
}

func TestSectionRetarget(t *testing.T) {
	a := NewArena()
	m := newTestModule(a, "app")
	oldT := newTestModule(a, "lib")
	newT := newTestModule(a, "lib2")

	site, _ := a.Section(m.Sections[0])
	oldRel := RelocationEntry{Kind: 2, Offset: 4, Symbol: "lib::fn::h01"}
	site.AddDependency(Dependency{Target: oldT.Sections[0], Reloc: oldRel})

	newRel := oldRel
	newRel.Symbol = "lib::fn::h02"
	ok := site.Retarget(oldT.Sections[0], oldRel, newT.Sections[0], newRel)
	qt.Assert(t, ok, qt.IsTrue)

	deps := site.Dependencies()
	qt.Assert(t, deps, qt.HasLen, 1)
	qt.Assert(t, deps[0].Target, qt.Equals, newT.Sections[0])
	qt.Assert(t, deps[0].Reloc.Symbol, qt.Equals, "lib::fn::h02")

	// A second retarget against the already-replaced edge finds nothing.
	qt.Assert(t, site.Retarget(oldT.Sections[0], oldRel, newT.Sections[0], newRel), qt.IsFalse)
}

func TestSymbolStem(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"keyboard::init::h832430094f98e56b", "keyboard::init"},
		{"lib::fn", "lib::fn"},
		{"", ""},
		{"a::b::hdeadbeef::hcafef00d", "a::b::hdeadbeef"},
	}
	for _, tt := range tests {
		qt.Assert(t, SymbolStem(tt.in), qt.Equals, tt.want)
	}
}
