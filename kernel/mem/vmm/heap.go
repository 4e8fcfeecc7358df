package vmm

import (
	"unsafe"

	"gophernel/kernel/mem"
)

// heapHeader precedes every pointer kmalloc returns. It records the
// page-aligned start of the block kmalloc itself mapped (the header's own
// address for a plain kmalloc call, and the start of the outer
// over-allocation for a kmalloc_aligned call) plus the allocation's size in
// bytes, so kfree never needs a caller-supplied old size.
type heapHeader struct {
	origPtr uintptr
	size    mem.Size
}

const heapHeaderSize = unsafe.Sizeof(heapHeader{})

// Kmalloc bump-allocates size bytes from the kernel heap: it rounds up to
// a whole number of pages, allocates and maps them writable+global, and
// advances the heap's high-water mark. The heap never coalesces freed
// ranges; Kfree only guarantees the backing frames are returned to FA; the
// virtual range itself stays "consumed" in the bump.
func (m *Manager) Kmalloc(size mem.Size) (uintptr, error) {
	if size == 0 {
		return 0, nil
	}

	m.heapLock.Lock()
	defer m.heapLock.Unlock()

	total := size + mem.Size(heapHeaderSize)
	pages := total.Pages()
	need := mem.Size(pages) * mem.PageSize

	if m.heapCurrent+uintptr(need) > m.heapEnd {
		return 0, ErrOutOfMemory
	}

	base := m.heapCurrent
	for i := uint32(0); i < pages; i++ {
		virt := base + uintptr(i)*uintptr(mem.PageSize)
		phys, err := m.fa.AllocFrame()
		if err != nil {
			m.rollbackHeapPages(base, i)
			return 0, ErrOutOfMemory
		}
		if err := m.MapPage(virt, phys, FlagPresent|FlagWritable|FlagGlobal); err != nil {
			m.fa.FreeFrame(phys)
			m.rollbackHeapPages(base, i)
			return 0, err
		}
	}
	m.heapCurrent = base + uintptr(need)

	hdr := (*heapHeader)(unsafePointer(base))
	hdr.origPtr = base
	hdr.size = size

	return base + heapHeaderSize, nil
}

func (m *Manager) rollbackHeapPages(base uintptr, mapped uint32) {
	for j := uint32(0); j < mapped; j++ {
		virt := base + uintptr(j)*uintptr(mem.PageSize)
		_ = m.unmapPageLocked(virt)
	}
}

// KmallocAligned allocates size bytes at an address that is a multiple of
// alignment, over-allocating enough room to slide the returned pointer
// forward and recording the raw kmalloc'd pointer in the header word
// immediately preceding the aligned return address, so Kfree can recover
// it.
func (m *Manager) KmallocAligned(size mem.Size, alignment uintptr) (uintptr, error) {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return m.Kmalloc(size)
	}
	if alignment < 16 {
		alignment = 16
	}

	raw, err := m.Kmalloc(size + mem.Size(alignment-1) + mem.Size(heapHeaderSize))
	if err != nil {
		return 0, err
	}

	aligned := (raw + heapHeaderSize + (alignment - 1)) &^ (alignment - 1)

	hdr := (*heapHeader)(unsafePointer(aligned - heapHeaderSize))
	hdr.origPtr = raw - heapHeaderSize // the block Kmalloc actually returned the header for
	hdr.size = size

	return aligned, nil
}

// Kfree returns the frames backing an allocation made by Kmalloc or
// KmallocAligned to FA and unmaps the pages that made up the *original*
// (outer) allocation. Calling Kfree with nil is a no-op.
func (m *Manager) Kfree(ptr uintptr) {
	if ptr == 0 {
		return
	}

	hdr := (*heapHeader)(unsafePointer(ptr - heapHeaderSize))
	outer := hdr.origPtr

	m.heapLock.Lock()
	defer m.heapLock.Unlock()

	outerHdr := (*heapHeader)(unsafePointer(outer))
	total := outerHdr.size + mem.Size(heapHeaderSize)
	pages := total.Pages()

	for i := uint32(0); i < pages; i++ {
		virt := outer + uintptr(i)*uintptr(mem.PageSize)
		_ = m.unmapPageLocked(virt)
	}
}
