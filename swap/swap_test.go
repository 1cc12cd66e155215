package swap_test

import (
	"context"
	"debug/elf"
	"encoding/binary"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/helix-os/modlink/internal/elfgen"
	"github.com/helix-os/modlink/internal/hostmem"
	"github.com/helix-os/modlink/module"
	"github.com/helix-os/modlink/namespace"
	"github.com/helix-os/modlink/swap"
)

func newTestNamespace() (*namespace.Namespace, *hostmem.Manager) {
	mem := hostmem.New()
	ns := namespace.New("test", module.NewArena(), mem)
	return ns, mem
}

func buildLib(hash string, counterInit uint64) []byte {
	b := elfgen.NewBuilder()

	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, counterInit)
	dataSec := b.Data(".data.lib::counter", data)
	counter := b.Global("lib::counter::h"+hash, dataSec, 0, 8)

	text := []byte{0xff, 0x05, 0, 0, 0, 0, 0xc3}
	textSec := b.Text(".text.lib::bump", text)
	b.Global("lib::bump::h"+hash, textSec, 0, uint64(len(text)))
	textSec.Reloc(2, elf.R_X86_64_PC32, counter, -4)
	return b.Build()
}

func buildApp(hash, callee string) []byte {
	b := elfgen.NewBuilder()
	ext := b.Undef(callee)
	text := []byte{0xe8, 0, 0, 0, 0, 0xc3}
	textSec := b.Text(".text.app::run", text)
	b.Global("app::run::h"+hash, textSec, 0, uint64(len(text)))
	textSec.Reloc(1, elf.R_X86_64_PLT32, ext, -4)
	return b.Build()
}

func loadPair(t *testing.T, ns *namespace.Namespace) (libH, appH module.ModuleHandle) {
	t.Helper()
	libH, err := ns.Load("lib-1111111111111111", buildLib("1111111111111111", 7))
	qt.Assert(t, err, qt.IsNil)
	appH, err = ns.Load("app-2222222222222222", buildApp("2222222222222222", "lib::bump::h1111111111111111"))
	qt.Assert(t, err, qt.IsNil)
	return libH, appH
}

func sectionBytes(t *testing.T, ns *namespace.Namespace, ref namespace.SymbolRef) []byte {
	t.Helper()
	sec, ok := ns.Arena().Section(ref.Section)
	qt.Assert(t, ok, qt.IsTrue)
	b, err := sec.Bytes()
	qt.Assert(t, err, qt.IsNil)
	return b
}

func callTarget(t *testing.T, ns *namespace.Namespace, caller namespace.SymbolRef) uint64 {
	t.Helper()
	text := sectionBytes(t, ns, caller)
	disp := int32(binary.LittleEndian.Uint32(text[1:]))
	return uint64(caller.Addr+1+4) + uint64(disp)
}

func TestUnloadRespectsDependencyOrder(t *testing.T) {
	ns, mem := newTestNamespace()
	libH, appH := loadPair(t, ns)
	coord := swap.New(ns)
	ctx := context.Background()

	err := coord.Unload(ctx, libH)
	qt.Assert(t, err, qt.ErrorIs, swap.ErrModuleInUse)
	qt.Assert(t, ns.Modules(), qt.HasLen, 2)

	qt.Assert(t, coord.Unload(ctx, appH), qt.IsNil)
	qt.Assert(t, coord.Unload(ctx, libH), qt.IsNil)
	qt.Assert(t, ns.SymbolCount(), qt.Equals, 0)
	qt.Assert(t, mem.Mappings(), qt.Equals, 0)
	qt.Assert(t, mem.LiveFrames(), qt.Equals, uint64(0))
}

func TestSwapRetargetsDependents(t *testing.T) {
	ns, _ := newTestNamespace()
	libH, appH := loadPair(t, ns)
	coord := swap.New(ns)

	// Simulate runtime mutation of the library's state.
	counter, ok := ns.Resolve("lib::counter::h1111111111111111")
	qt.Assert(t, ok, qt.IsTrue)
	binary.LittleEndian.PutUint64(sectionBytes(t, ns, counter), 42)

	newH, err := coord.Swap(context.Background(), libH, "lib-3333333333333333", buildLib("3333333333333333", 0))
	qt.Assert(t, err, qt.IsNil)

	// The old build is gone, the new one is visible.
	_, ok = ns.ModuleByIdent("lib-1111111111111111")
	qt.Assert(t, ok, qt.IsFalse)
	_, ok = ns.Resolve("lib::bump::h1111111111111111")
	qt.Assert(t, ok, qt.IsFalse)
	newBump, ok := ns.Resolve("lib::bump::h3333333333333333")
	qt.Assert(t, ok, qt.IsTrue)

	// The app's call site now reaches the replacement.
	run, ok := ns.Resolve("app::run::h2222222222222222")
	qt.Assert(t, ok, qt.IsTrue)
	qt.Assert(t, callTarget(t, ns, run), qt.Equals, newBump.Addr)

	// Mutated state was carried over, not reset to the new initializer.
	newCounter, ok := ns.Resolve("lib::counter::h3333333333333333")
	qt.Assert(t, ok, qt.IsTrue)
	qt.Assert(t, binary.LittleEndian.Uint64(sectionBytes(t, ns, newCounter)), qt.Equals, uint64(42))

	// The dependency bookkeeping moved with the patch.
	qt.Assert(t, ns.LiveDependents(newH), qt.HasLen, 1)
	qt.Assert(t, ns.Arena().Refs(newH), qt.Equals, uint32(1))
	qt.Assert(t, ns.Arena().Refs(appH), qt.Equals, uint32(0))
}

func TestSwapMissingCounterpartFails(t *testing.T) {
	ns, _ := newTestNamespace()
	libH, _ := loadPair(t, ns)
	coord := swap.New(ns)

	// A replacement without the bump function cannot satisfy the app's
	// existing call site.
	b := elfgen.NewBuilder()
	dataSec := b.Data(".data.lib::counter", make([]byte, 8))
	b.Global("lib::counter::h3333333333333333", dataSec, 0, 8)
	incomplete := b.Build()

	symbols := ns.SymbolCount()
	oldBump, _ := ns.Resolve("lib::bump::h1111111111111111")
	run, _ := ns.Resolve("app::run::h2222222222222222")

	_, err := coord.Swap(context.Background(), libH, "lib-3333333333333333", incomplete)
	qt.Assert(t, err, qt.ErrorIs, swap.ErrInconsistentSwapTarget)

	// Nothing changed: same modules, same symbols, same call target.
	qt.Assert(t, ns.Modules(), qt.HasLen, 2)
	qt.Assert(t, ns.SymbolCount(), qt.Equals, symbols)
	qt.Assert(t, callTarget(t, ns, run), qt.Equals, oldBump.Addr)
	qt.Assert(t, ns.LiveDependents(libH), qt.HasLen, 1)
}

func TestSwapDataSizeMismatchFails(t *testing.T) {
	ns, _ := newTestNamespace()
	libH, _ := loadPair(t, ns)
	coord := swap.New(ns)

	b := elfgen.NewBuilder()
	dataSec := b.Data(".data.lib::counter", make([]byte, 16))
	counter := b.Global("lib::counter::h3333333333333333", dataSec, 0, 16)
	text := []byte{0xff, 0x05, 0, 0, 0, 0, 0xc3}
	textSec := b.Text(".text.lib::bump", text)
	b.Global("lib::bump::h3333333333333333", textSec, 0, uint64(len(text)))
	textSec.Reloc(2, elf.R_X86_64_PC32, counter, -4)

	_, err := coord.Swap(context.Background(), libH, "lib-3333333333333333", b.Build())
	qt.Assert(t, err, qt.ErrorIs, swap.ErrInconsistentSwapTarget)
	qt.Assert(t, ns.Modules(), qt.HasLen, 2)
	_, ok := ns.ModuleByIdent("lib-1111111111111111")
	qt.Assert(t, ok, qt.IsTrue)
}

type recordingQuiescer struct {
	quiesced int
	resumed  int
	fail     error
}

func (q *recordingQuiescer) Quiesce(context.Context) (func(), error) {
	if q.fail != nil {
		return nil, q.fail
	}
	q.quiesced++
	return func() { q.resumed++ }, nil
}

func TestSwapBracketsQuiescence(t *testing.T) {
	ns, _ := newTestNamespace()
	libH, _ := loadPair(t, ns)
	q := &recordingQuiescer{}
	coord := swap.New(ns, swap.WithQuiescer(q))

	_, err := coord.Swap(context.Background(), libH, "lib-3333333333333333", buildLib("3333333333333333", 0))
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, q.quiesced, qt.Equals, 1)
	qt.Assert(t, q.resumed, qt.Equals, 1)
}

func TestSwapQuiescerFailureDiscardsReplacement(t *testing.T) {
	ns, _ := newTestNamespace()
	libH, _ := loadPair(t, ns)
	q := &recordingQuiescer{fail: context.DeadlineExceeded}
	coord := swap.New(ns, swap.WithQuiescer(q))

	_, err := coord.Swap(context.Background(), libH, "lib-3333333333333333", buildLib("3333333333333333", 0))
	qt.Assert(t, err, qt.ErrorIs, context.DeadlineExceeded)

	// The replacement was unloaded again and the old build is untouched.
	qt.Assert(t, ns.Modules(), qt.HasLen, 2)
	_, ok := ns.ModuleByIdent("lib-3333333333333333")
	qt.Assert(t, ok, qt.IsFalse)
	_, ok = ns.ModuleByIdent("lib-1111111111111111")
	qt.Assert(t, ok, qt.IsTrue)
}
