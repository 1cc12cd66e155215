// Package memory defines the interfaces through which the loader obtains
// and maps memory. Page allocation, frame allocation, and page-table
// manipulation are external collaborators; the loader only ever talks to
// them through the Manager interface.
package memory

import "golang.org/x/exp/constraints"

const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

type Prot int

const (
	PROT_NONE Prot = 0
	PROT_READ Prot = 1 << (iota - 1)
	PROT_WRITE
	PROT_EXEC

	PROT_ALL = PROT_READ | PROT_WRITE | PROT_EXEC
)

func (p Prot) Readable() bool   { return p&PROT_READ != 0 }
func (p Prot) Writable() bool   { return p&PROT_WRITE != 0 }
func (p Prot) Executable() bool { return p&PROT_EXEC != 0 }

func (p Prot) String() string {
	b := [3]byte{'-', '-', '-'}
	if p.Readable() {
		b[0] = 'r'
	}
	if p.Writable() {
		b[1] = 'w'
	}
	if p.Executable() {
		b[2] = 'x'
	}
	return string(b[:])
}

// VirtRange is a page-aligned span of virtual address space.
type VirtRange struct {
	Addr, Size uint64
}

// PhysRange is a page-aligned span of physical frames.
type PhysRange struct {
	Addr, Size uint64
}

// Region is one established virtual-to-physical mapping.
type Region struct {
	Virt VirtRange
	Phys PhysRange
	Prot Prot
}

func (r Region) Contains(addr uint64) bool {
	return addr >= r.Virt.Addr && addr < r.Virt.Addr+r.Virt.Size
}

type PageAllocator interface {
	AllocPages(count uint64) (VirtRange, error)
	FreePages(v VirtRange) error
}

type FrameAllocator interface {
	AllocFrames(count uint64) (PhysRange, error)
	FreeFrames(p PhysRange) error
}

// Mapper establishes, reprotects, and tears down mappings. Bytes exposes the
// mapped memory of a region so callers can materialize section contents and
// apply relocation patches directly.
type Mapper interface {
	Map(v VirtRange, p PhysRange, prot Prot) (Region, error)
	Remap(r Region, prot Prot) (Region, error)
	Unmap(r Region) error
	Bytes(r Region) ([]byte, error)
}

// Manager aggregates the three services the loader consumes. Calls may block
// and may take locks internal to the implementation; the loader never holds
// its own locks across them.
type Manager interface {
	PageAllocator
	FrameAllocator
	Mapper
}

func Align[I constraints.Integer](a, b I) I {
	return (a + b - 1) &^ (b - 1)
}

// PagesFor returns the number of pages needed to cover size bytes.
func PagesFor(size uint64) uint64 {
	return Align(size, PageSize) >> PageShift
}
