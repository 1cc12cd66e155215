package hostmem

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/helix-os/modlink/memory"
)

func TestMapBytesAndRemap(t *testing.T) {
	m := New()

	v, err := m.AllocPages(2)
	qt.Assert(t, err, qt.IsNil)
	p, err := m.AllocFrames(2)
	qt.Assert(t, err, qt.IsNil)
	r, err := m.Map(v, p, memory.PROT_READ|memory.PROT_WRITE)
	qt.Assert(t, err, qt.IsNil)

	b, err := m.Bytes(r)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, b, qt.HasLen, 2*memory.PageSize)
	copy(b, "persistent")

	// Reprotecting must not disturb contents.
	r2, err := m.Remap(r, memory.PROT_READ|memory.PROT_EXEC)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, r2.Prot, qt.Equals, memory.PROT_READ|memory.PROT_EXEC)
	b2, err := m.Bytes(r2)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, string(b2[:10]), qt.Equals, "persistent")

	prot, ok := m.ProtAt(r.Virt.Addr + 100)
	qt.Assert(t, ok, qt.IsTrue)
	qt.Assert(t, prot, qt.Equals, memory.PROT_READ|memory.PROT_EXEC)

	qt.Assert(t, m.Unmap(r2), qt.IsNil)
	qt.Assert(t, m.FreeFrames(p), qt.IsNil)
	qt.Assert(t, m.FreePages(v), qt.IsNil)
	qt.Assert(t, m.Mappings(), qt.Equals, 0)
	qt.Assert(t, m.LivePages(), qt.Equals, uint64(0))
	qt.Assert(t, m.LiveFrames(), qt.Equals, uint64(0))
}

func TestFrameLimit(t *testing.T) {
	m := New(WithFrameLimit(2))

	p1, err := m.AllocFrames(2)
	qt.Assert(t, err, qt.IsNil)

	_, err = m.AllocFrames(1)
	qt.Assert(t, err, qt.ErrorIs, memory.ErrOutOfMemory)

	// Freeing makes room again.
	qt.Assert(t, m.FreeFrames(p1), qt.IsNil)
	_, err = m.AllocFrames(2)
	qt.Assert(t, err, qt.IsNil)
}

func TestInvalidOperations(t *testing.T) {
	m := New()

	_, err := m.Map(memory.VirtRange{Addr: 0x1000, Size: 0x1000}, memory.PhysRange{Addr: 0x99, Size: 0x1000}, memory.PROT_READ)
	qt.Assert(t, err, qt.IsNotNil)

	err = m.Unmap(memory.Region{Virt: memory.VirtRange{Addr: 0xdead000}})
	qt.Assert(t, err, qt.IsNotNil)

	_, err = m.Remap(memory.Region{Virt: memory.VirtRange{Addr: 0xdead000}}, memory.PROT_READ)
	qt.Assert(t, err, qt.IsNotNil)
}
