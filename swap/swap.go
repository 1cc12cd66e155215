// Package swap replaces or removes loaded modules at runtime.
//
// A swap loads the replacement module, carries over mutable state, and
// redoes every patch that pointed into the old module so it points at the
// replacement's corresponding symbol, found by comparing hash-stripped
// symbol stems. Only after every dependent has been moved is the old module
// removed. The whole correspondence is computed up front, so an impossible
// swap fails before anything observable has changed.
package swap

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/helix-os/modlink/module"
	"github.com/helix-os/modlink/namespace"
	"github.com/helix-os/modlink/objfile"
)

// Quiescer brings execution to a point where no thread is running inside,
// or holds a return address into, the modules being exchanged. The returned
// resume function undoes the quiescence and must always be called.
//
// How quiescence is achieved is the caller's business; the coordinator only
// brackets the mutation window with it.
type Quiescer interface {
	Quiesce(ctx context.Context) (resume func(), err error)
}

// NopQuiescer performs no quiescence. Suitable when the caller has already
// arranged that nothing executes inside the affected modules.
type NopQuiescer struct{}

func (NopQuiescer) Quiesce(context.Context) (func(), error) { return func() {}, nil }

// Coordinator drives swap and unload against one namespace.
type Coordinator struct {
	ns  *namespace.Namespace
	q   Quiescer
	log zerolog.Logger
}

type Option func(*Coordinator)

func WithQuiescer(q Quiescer) Option {
	return func(c *Coordinator) { c.q = q }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

func New(ns *namespace.Namespace, opts ...Option) *Coordinator {
	c := &Coordinator{
		ns:  ns,
		q:   NopQuiescer{},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// retargetStep is one dependent patch site to move from the old module to
// its counterpart in the new one. back is the old symbol, retained so a
// partial failure can be rolled back by retargeting in the other direction.
type retargetStep struct {
	dep  module.Dependent
	from module.SectionHandle
	to   namespace.SymbolRef
	back namespace.SymbolRef
}

type dataCopy struct {
	src, dst *module.Section
}

// Unload removes the module behind h. It fails with ErrModuleInUse if any
// other module still has a patch pointing into it; unloading in reverse
// dependency order always succeeds.
func (c *Coordinator) Unload(ctx context.Context, h module.ModuleHandle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m, ok := c.ns.Module(h)
	if !ok {
		return errors.Wrapf(module.ErrInvariantViolated, "unload of unknown module %v", h)
	}
	if deps := c.ns.LiveDependents(h); len(deps) > 0 {
		return errors.Wrapf(ErrModuleInUse, "%s has %d live dependents", m.Ident(), len(deps))
	}

	resume, err := c.q.Quiesce(ctx)
	if err != nil {
		return err
	}
	defer resume()
	return c.ns.Remove(h)
}

// Swap replaces the module behind old with the object file obj, loaded
// under name. Every live patch site that pointed into the old module is
// redone against the replacement's matching symbol, mutable data and bss
// state is carried over by section name, and the old module is removed. On
// any failure the replacement is discarded and every site already moved is
// moved back, so the namespace is left as it was.
func (c *Coordinator) Swap(ctx context.Context, old module.ModuleHandle, name string, obj []byte) (module.ModuleHandle, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	oldMod, ok := c.ns.Module(old)
	if !ok {
		return 0, errors.Wrapf(module.ErrInvariantViolated, "swap of unknown module %v", old)
	}

	newH, err := c.ns.Load(name, obj)
	if err != nil {
		return 0, err
	}
	newMod, _ := c.ns.Module(newH)

	steps, copies, err := c.plan(oldMod, newH, newMod)
	if err != nil {
		c.discardNew(newH)
		return 0, err
	}

	resume, err := c.q.Quiesce(ctx)
	if err != nil {
		c.discardNew(newH)
		return 0, err
	}
	defer resume()

	for _, cp := range copies {
		if err := c.ns.CopySectionData(cp.src, cp.dst); err != nil {
			c.discardNew(newH)
			return 0, err
		}
	}

	for i, step := range steps {
		if err := c.ns.RetargetDependent(step.dep, step.from, step.to); err != nil {
			c.rollback(steps[:i])
			c.discardNew(newH)
			return 0, errors.Wrapf(err, "swapping %s", oldMod.Ident())
		}
	}

	if err := c.ns.Remove(old); err != nil {
		c.rollback(steps)
		c.discardNew(newH)
		return 0, errors.Wrapf(err, "removing %s after swap", oldMod.Ident())
	}
	c.log.Info().
		Str("old", oldMod.Ident()).
		Str("new", newMod.Ident()).
		Int("retargeted", len(steps)).
		Msg("module swapped")
	return newH, nil
}

// plan computes the full correspondence between the old module's live
// dependents and the new module's exports before anything is mutated. A
// dependent symbol whose stem has no counterpart among the new exports, or
// a carried data section whose sizes differ, makes the swap impossible.
func (c *Coordinator) plan(oldMod *module.Module, newH module.ModuleHandle, newMod *module.Module) ([]retargetStep, []dataCopy, error) {
	arena := c.ns.Arena()

	byStem := make(map[string][]namespace.SymbolRef)
	for _, ref := range c.ns.Exports(newH) {
		stem := module.SymbolStem(ref.Name)
		byStem[stem] = append(byStem[stem], ref)
	}

	var steps []retargetStep
	for _, sh := range oldMod.Sections {
		sec, ok := arena.Section(sh)
		if !ok {
			continue
		}
		for _, dep := range sec.Dependents() {
			site, ok := arena.Section(dep.Site)
			if !ok || site.Module == oldMod.Handle {
				continue
			}
			stem := module.SymbolStem(dep.Reloc.Symbol)
			cands := byStem[stem]
			switch len(cands) {
			case 1:
			case 0:
				return nil, nil, errors.Wrapf(ErrInconsistentSwapTarget,
					"%s exports nothing matching %s (needed by %s)", newMod.Ident(), stem, site.Name)
			default:
				return nil, nil, errors.Wrapf(ErrInconsistentSwapTarget,
					"%s exports %d symbols matching %s", newMod.Ident(), len(cands), stem)
			}
			back, ok := c.ns.Resolve(dep.Reloc.Symbol)
			if !ok {
				return nil, nil, errors.Wrapf(module.ErrInvariantViolated,
					"dependent of %s references unpublished symbol %s", oldMod.Ident(), dep.Reloc.Symbol)
			}
			steps = append(steps, retargetStep{dep: dep, from: sh, to: cands[0], back: back})
		}
	}

	newByStem := make(map[string]*module.Section)
	for _, sh := range newMod.Sections {
		if sec, ok := arena.Section(sh); ok {
			newByStem[module.SymbolStem(sec.Name)] = sec
		}
	}
	var copies []dataCopy
	for _, sh := range oldMod.Sections {
		sec, ok := arena.Section(sh)
		if !ok || (sec.Kind != objfile.Kind_Data && sec.Kind != objfile.Kind_Bss) {
			continue
		}
		dst, ok := newByStem[module.SymbolStem(sec.Name)]
		if !ok {
			// The replacement dropped this state; nothing to carry.
			continue
		}
		if dst.Size != sec.Size {
			return nil, nil, errors.Wrapf(ErrInconsistentSwapTarget,
				"data section %s changed size: %#x -> %#x", sec.Name, sec.Size, dst.Size)
		}
		copies = append(copies, dataCopy{src: sec, dst: dst})
	}
	return steps, copies, nil
}

// rollback moves already-retargeted sites back onto the old module.
func (c *Coordinator) rollback(done []retargetStep) {
	for i := len(done) - 1; i >= 0; i-- {
		step := done[i]
		undo := module.Dependent{
			Site: step.dep.Site,
			Reloc: module.RelocationEntry{
				Kind:   step.dep.Reloc.Kind,
				Offset: step.dep.Reloc.Offset,
				Symbol: step.to.Name,
				Addend: step.dep.Reloc.Addend,
			},
		}
		if err := c.ns.RetargetDependent(undo, step.to.Section, step.back); err != nil {
			c.log.Error().Err(err).Str("site", step.to.Name).Msg("rolling back retarget")
		}
	}
}

func (c *Coordinator) discardNew(h module.ModuleHandle) {
	if err := c.ns.Remove(h); err != nil {
		c.log.Error().Err(err).Msg("discarding replacement module")
	}
}
