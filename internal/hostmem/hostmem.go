// Package hostmem is a memory.Manager backed by ordinary heap slices. It
// hands out bump-allocated address ranges and keeps the virtual-to-physical
// and physical-to-bytes associations so mapped regions behave like real
// memory: reprotecting a region preserves its contents, and bookkeeping
// counters expose what is still outstanding.
package hostmem

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/helix-os/modlink/memory"
)

const (
	virtBase = 0xffff_8000_0000_0000
	physBase = 0x1000_0000
)

type Manager struct {
	mu       sync.Mutex
	nextVirt uint64
	nextPhys uint64

	// frameLimit caps the number of live frames; 0 means unlimited.
	frameLimit uint64
	liveFrames uint64
	livePages  uint64

	backing map[uint64][]byte
	regions map[uint64]memory.Region
}

type Option func(*Manager)

// WithFrameLimit caps the number of simultaneously allocated frames.
// Allocations beyond the cap fail with memory.ErrOutOfMemory.
func WithFrameLimit(frames uint64) Option {
	return func(m *Manager) { m.frameLimit = frames }
}

func New(opts ...Option) *Manager {
	m := &Manager{
		nextVirt: virtBase,
		nextPhys: physBase,
		backing:  make(map[uint64][]byte),
		regions:  make(map[uint64]memory.Region),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) AllocPages(count uint64) (memory.VirtRange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if count == 0 {
		return memory.VirtRange{}, errors.New("zero-page allocation")
	}
	v := memory.VirtRange{Addr: m.nextVirt, Size: count * memory.PageSize}
	m.nextVirt += v.Size
	m.livePages += count
	return v, nil
}

func (m *Manager) FreePages(v memory.VirtRange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := v.Size / memory.PageSize
	if count > m.livePages {
		return errors.Newf("freeing %d pages with only %d outstanding", count, m.livePages)
	}
	m.livePages -= count
	return nil
}

func (m *Manager) AllocFrames(count uint64) (memory.PhysRange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if count == 0 {
		return memory.PhysRange{}, errors.New("zero-frame allocation")
	}
	if m.frameLimit != 0 && m.liveFrames+count > m.frameLimit {
		return memory.PhysRange{}, errors.Wrapf(memory.ErrOutOfMemory,
			"%d frames requested, %d of %d in use", count, m.liveFrames, m.frameLimit)
	}
	p := memory.PhysRange{Addr: m.nextPhys, Size: count * memory.PageSize}
	m.nextPhys += p.Size
	m.liveFrames += count
	m.backing[p.Addr] = make([]byte, p.Size)
	return p, nil
}

func (m *Manager) FreeFrames(p memory.PhysRange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.backing[p.Addr]; !ok {
		return errors.Newf("freeing unknown frame range at %#x", p.Addr)
	}
	delete(m.backing, p.Addr)
	m.liveFrames -= p.Size / memory.PageSize
	return nil
}

func (m *Manager) Map(v memory.VirtRange, p memory.PhysRange, prot memory.Prot) (memory.Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.backing[p.Addr]; !ok {
		return memory.Region{}, errors.Newf("mapping unallocated frames at %#x", p.Addr)
	}
	if _, ok := m.regions[v.Addr]; ok {
		return memory.Region{}, errors.Newf("virtual range at %#x already mapped", v.Addr)
	}
	r := memory.Region{Virt: v, Phys: p, Prot: prot}
	m.regions[v.Addr] = r
	return r, nil
}

func (m *Manager) Remap(r memory.Region, prot memory.Prot) (memory.Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.regions[r.Virt.Addr]
	if !ok {
		return memory.Region{}, errors.Newf("reprotecting unmapped region at %#x", r.Virt.Addr)
	}
	cur.Prot = prot
	m.regions[r.Virt.Addr] = cur
	return cur, nil
}

func (m *Manager) Unmap(r memory.Region) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.regions[r.Virt.Addr]; !ok {
		return errors.Newf("unmapping unknown region at %#x", r.Virt.Addr)
	}
	delete(m.regions, r.Virt.Addr)
	return nil
}

func (m *Manager) Bytes(r memory.Region) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.backing[r.Phys.Addr]
	if !ok {
		return nil, errors.Newf("no backing for frames at %#x", r.Phys.Addr)
	}
	if r.Virt.Size > uint64(len(b)) {
		return nil, errors.Newf("region larger than its backing")
	}
	return b[:r.Virt.Size], nil
}

// LivePages reports pages allocated and not yet freed.
func (m *Manager) LivePages() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.livePages
}

// LiveFrames reports frames allocated and not yet freed.
func (m *Manager) LiveFrames() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveFrames
}

// Mappings reports the number of live regions.
func (m *Manager) Mappings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.regions)
}

// ProtAt returns the current protection of the region mapped at addr.
func (m *Manager) ProtAt(addr uint64) (memory.Prot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regions {
		if r.Contains(addr) {
			return r.Prot, true
		}
	}
	return memory.PROT_NONE, false
}
