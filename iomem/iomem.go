// Package iomem implements §4.2: huge-page mempools per NUMA node, per-port
// system pools, and a vaddr<->IOVA registry. Go cannot obtain a real IOVA
// (that is a DMA-engine-assigned bus address handed out by a kernel driver
// such as VFIO); this package models the same bookkeeping discipline, one
// non-overlapping region per registration with exact-match release, over
// ordinary Go byte slices (neither pinned nor page-aligned), so the session and port packages can
// be written against the same API a poll-mode-driver binding would expose.
package iomem

import (
	"sync"
	"unsafe"

	"github.com/mediatransport/mtl/mtlerr"
)

// IOVABase is the minimum IOVA handed out, matching §4.2's "starting above a
// fixed base (>= 1 MiB)".
const IOVABase = 1 << 20

const hugePageSize = 2 << 20 // 2 MiB, the common x86 huge page size

// region is one registered (vaddr, size, iova) mapping.
type region struct {
	vaddrStart, vaddrEnd uintptr
	size                 int
	iova                 uint64
}

// Map is the process-wide IOVA registry (§4.2, §8 dma_map/dma_unmap).
type Map struct {
	mu       sync.Mutex
	regions  []region
	nextIOVA uint64
}

// NewMap creates an empty IOVA registry.
func NewMap() *Map {
	return &Map{nextIOVA: IOVABase}
}

// Register assigns an IOVA range to [vaddr, vaddr+size) and rejects any
// overlap with an already-registered region.
func (m *Map) Register(vaddr uintptr, size int) (iova uint64, err error) {
	if size <= 0 {
		return 0, mtlerr.New(mtlerr.InvalidArgument, "iomem.register", "size must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	end := vaddr + uintptr(size)
	for _, r := range m.regions {
		if vaddr < r.vaddrEnd && r.vaddrStart < end {
			return 0, mtlerr.New(mtlerr.InvalidArgument, "iomem.register", "region overlaps an existing mapping")
		}
	}
	iova = m.nextIOVA
	m.nextIOVA += uint64(size)
	m.regions = append(m.regions, region{vaddrStart: vaddr, vaddrEnd: end, size: size, iova: iova})
	return iova, nil
}

// Unregister releases a mapping. It requires an exact (vaddr, size, iova)
// match, per §4.2.
func (m *Map) Unregister(vaddr uintptr, size int, iova uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, r := range m.regions {
		if r.vaddrStart == vaddr && r.size == size && r.iova == iova {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			return nil
		}
	}
	return mtlerr.New(mtlerr.InvalidArgument, "iomem.unregister", "no exact match for (vaddr, size, iova)")
}

// Lookup returns the IOVA for a previously registered vaddr, or false.
func (m *Map) Lookup(vaddr uintptr) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regions {
		if vaddr >= r.vaddrStart && vaddr < r.vaddrEnd {
			return r.iova + uint64(vaddr-r.vaddrStart), true
		}
	}
	return 0, false
}

// Len reports the number of currently registered regions, used by tests to
// assert the registry returns to its prior state after map/unmap.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.regions)
}

// Pool is a fixed-size huge-page-backed buffer pool for one NUMA node.
type Pool struct {
	mu       sync.Mutex
	numa     int
	bufSize  int
	free     [][]byte
	iomap    *Map
	allocated int
}

// NewPool creates a Pool of count buffers of bufSize bytes each, rounding
// the pool's backing allocation up to the huge page size and registering it
// with iomap.
func NewPool(numa, count, bufSize int, iomap *Map) (*Pool, error) {
	if count <= 0 || bufSize <= 0 {
		return nil, mtlerr.New(mtlerr.InvalidArgument, "iomem.new_pool", "count and bufSize must be positive")
	}
	total := count * bufSize
	if total < hugePageSize {
		total = hugePageSize
	}
	backing := make([]byte, total)
	if iomap != nil {
		// Go slices are not guaranteed page-aligned or pinned; this
		// models the bookkeeping a real huge-page allocator would do.
		if _, err := iomap.Register(sliceAddr(backing), len(backing)); err != nil {
			return nil, mtlerr.Wrap(mtlerr.ResourceExhausted, "iomem.new_pool", err)
		}
	}
	p := &Pool{numa: numa, bufSize: bufSize, iomap: iomap}
	for i := 0; i < count; i++ {
		p.free = append(p.free, backing[i*bufSize:(i+1)*bufSize:(i+1)*bufSize])
	}
	return p, nil
}

// Alloc returns one free buffer, or ResourceExhausted if the pool is empty.
func (p *Pool) Alloc() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, mtlerr.New(mtlerr.ResourceExhausted, "iomem.alloc", "pool exhausted")
	}
	n := len(p.free) - 1
	buf := p.free[n]
	p.free = p.free[:n]
	p.allocated++
	return buf, nil
}

// Free returns a buffer to the pool.
func (p *Pool) Free(buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, buf)
	p.allocated--
}

// Available reports the number of free buffers.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// NumaSocket returns the NUMA node this pool was allocated against.
func (p *Pool) NumaSocket() int { return p.numa }

func sliceAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
