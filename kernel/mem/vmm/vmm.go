package vmm

import (
	"gophernel/kernel"
	"gophernel/kernel/cpu"
	"gophernel/kernel/mem"
	"gophernel/kernel/sync"
)

const (
	// KernelHeapBase is the start of the kernel's bump-allocated heap.
	KernelHeapBase uintptr = 0xffff_8000_0000_0000
	// KernelHeapSize bounds how far the heap's high-water mark may grow.
	KernelHeapSize uintptr = 512 * uintptr(mem.Mb)
)

var (
	// ErrAlreadyMapped is returned by MapPage when the target virtual
	// address is already present; PTM never silently remaps a slot.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "page already mapped"}
	// ErrNotMapped is returned by UnmapPage/GetPhysicalAddress when the
	// target virtual address has no mapping.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "page not mapped"}
	// ErrUnaligned is returned when a virtual or physical address is not
	// page-aligned.
	ErrUnaligned = &kernel.Error{Module: "vmm", Message: "unaligned address"}
	// ErrOutOfMemory is returned when FA cannot supply a frame for a new
	// intermediate table or a heap page.
	ErrOutOfMemory = &kernel.Error{Module: "vmm", Message: "out of memory"}
)

// FrameSource is the subset of pmm.FrameAllocator the page table manager
// depends on. Kept as an interface so tests can substitute a source
// backed by ordinary Go-allocated memory instead of real physical frames.
type FrameSource interface {
	AllocFrame() (uintptr, error)
	FreeFrame(addr uintptr)
}

// Manager owns the kernel address space, the currently active address
// space, and the kernel heap's high-water mark. There is exactly one
// Manager per kernel, created by Init.
type Manager struct {
	fa FrameSource

	kernelSpace *AddressSpace
	current     *AddressSpace

	heapLock    sync.Mutex
	heapCurrent uintptr
	heapEnd     uintptr

	// physToVirt maps a physical frame address to the virtual address
	// the kernel can dereference it through. Production kernels use a
	// direct-mapped offset; tests substitute an identity function since
	// FrameSource there hands out addresses of ordinary Go memory.
	physToVirt func(uintptr) uintptr
}

// New constructs a Manager. Init must be called once before any other
// method.
func New(fa FrameSource, physToVirt func(uintptr) uintptr) *Manager {
	if physToVirt == nil {
		physToVirt = func(p uintptr) uintptr { return p }
	}
	return &Manager{fa: fa, physToVirt: physToVirt}
}

// Init allocates and zeroes the kernel PML4 and sets up the kernel heap
// bookkeeping. It must run before any Map/Unmap call.
func (m *Manager) Init() error {
	pml4Phys, err := m.fa.AllocFrame()
	if err != nil {
		return ErrOutOfMemory
	}
	pml4 := (*table)(m.ptr(pml4Phys))
	*pml4 = table{}

	m.kernelSpace = &AddressSpace{pml4Phys: pml4Phys, refCount: 1}
	m.current = m.kernelSpace
	m.heapCurrent = KernelHeapBase
	m.heapEnd = KernelHeapBase + KernelHeapSize
	return nil
}

func (m *Manager) ptr(phys uintptr) *table {
	return (*table)(unsafePointer(m.physToVirt(phys)))
}

func (m *Manager) pml4() *table {
	return m.ptr(m.current.pml4Phys)
}

// getNextTable returns the table one level below entry, allocating and
// zeroing it from FA if absent and allocate is true. A newly created entry
// is always Present|Writable and never User: only the PML4 entry (handled
// by mapPageLocked itself for user mappings) carries the User bit, so a
// single user leaf mapping isn't blocked by a stricter ancestor.
func (m *Manager) getNextTable(entry *pageTableEntry, allocate bool) (*table, error) {
	if !entry.present() {
		if !allocate {
			return nil, nil
		}
		phys, err := m.fa.AllocFrame()
		if err != nil {
			return nil, ErrOutOfMemory
		}
		next := m.ptr(phys)
		*next = table{}

		entry.clear()
		entry.setFrame(phys)
		entry.setFlags(FlagPresent | FlagWritable)
		m.current.allocatedPages++
	}
	return m.ptr(entry.frame()), nil
}

// MapPage maps virt to phys with the given flags. Fails with
// ErrAlreadyMapped if virt is already mapped; intermediate tables are
// allocated and zeroed on demand. Only the PML4 entry's User bit is set
// from flags&FlagUser: per spec, the target's own leaf entry carries the
// full requested flag set regardless of level.
func (m *Manager) MapPage(virt, phys uintptr, flags Flags) error {
	m.current.lock.Acquire()
	defer m.current.lock.Release()
	return m.mapPageLocked(virt, phys, flags)
}

func (m *Manager) mapPageLocked(virt, phys uintptr, flags Flags) error {
	if virt%uintptr(mem.PageSize) != 0 || phys%uintptr(mem.PageSize) != 0 {
		return ErrUnaligned
	}

	idx := pageTableIndices(virt)
	cur := m.pml4()

	for level := 3; level > 0; level-- {
		entry := &cur[idx[level]]
		if level == 3 && flags&FlagUser != 0 {
			// The PML4 entry is marked User only if the target
			// mapping is user-accessible; every other level is
			// left Present|Writable regardless, matching the
			// literal invariant that PML4 alone carries this bit.
			if !entry.present() {
				phys2, err := m.fa.AllocFrame()
				if err != nil {
					return ErrOutOfMemory
				}
				next := m.ptr(phys2)
				*next = table{}
				entry.clear()
				entry.setFrame(phys2)
				entry.setFlags(FlagPresent | FlagWritable | FlagUser)
				m.current.allocatedPages++
			} else if !entryHasFlag(entry, FlagUser) {
				entry.setFlags(FlagUser)
			}
			cur = m.ptr(entry.frame())
			continue
		}

		next, err := m.getNextTable(entry, true)
		if err != nil {
			return err
		}
		cur = next
	}

	leaf := &cur[idx[0]]
	if leaf.present() {
		return ErrAlreadyMapped
	}

	leaf.clear()
	leaf.setFrame(phys)
	leaf.setFlags(flags | FlagPresent)
	m.current.mappedPages++

	cpu.FlushTLBEntry(virt)
	return nil
}

func entryHasFlag(entry *pageTableEntry, f Flags) bool {
	return uintptr(*entry)&uintptr(f) != 0
}

// UnmapPage clears the leaf mapping for virt, returns its frame to FA and
// prunes any intermediate table that became empty as a result, stopping
// before the PML4 (the kernel's higher half is never pruned).
func (m *Manager) UnmapPage(virt uintptr) error {
	m.current.lock.Acquire()
	defer m.current.lock.Release()
	return m.unmapPageLocked(virt)
}

func (m *Manager) unmapPageLocked(virt uintptr) error {
	if virt%uintptr(mem.PageSize) != 0 {
		return ErrUnaligned
	}

	idx := pageTableIndices(virt)
	var tables [4]*table
	tables[3] = m.pml4()

	for level := 3; level > 0; level-- {
		entry := &tables[level][idx[level]]
		if !entry.present() {
			return ErrNotMapped
		}
		tables[level-1] = m.ptr(entry.frame())
	}

	leaf := &tables[0][idx[0]]
	if !leaf.present() {
		return ErrNotMapped
	}

	m.fa.FreeFrame(leaf.frame())
	leaf.clear()
	m.current.mappedPages--
	cpu.FlushTLBEntry(virt)

	// Prune upward starting at the PT (level 0), the table that directly
	// held the just-cleared leaf, through the PD and PDPT. The PML4 is
	// never inspected here, and a PDPT under a higher-half PML4 slot
	// (index 256..511) is kept, so the shared kernel higher half can't be
	// pruned away.
	for level := 0; level < 3; level++ {
		if !tableEmpty(tables[level]) {
			break
		}
		if level == 2 && idx[3] >= 256 {
			break
		}
		tablePhys := tableToPhys(m, tables[level])
		m.fa.FreeFrame(tablePhys)
		m.current.allocatedPages--

		parent := &tables[level+1][idx[level+1]]
		parent.clear()
	}

	return nil
}

func tableEmpty(t *table) bool {
	for i := 0; i < entriesPerTable; i++ {
		if t[i].present() {
			return false
		}
	}
	return true
}

// tableToPhys recovers the physical address a table's contents live at.
// Since Manager only ever hands out table pointers derived from
// physToVirt(phys), and every substitution in this package uses an
// invertible mapping (identity in tests, a fixed offset in production),
// virtToPhys is just its inverse.
func tableToPhys(m *Manager, t *table) uintptr {
	return m.virtToPhys(unsafeAddr(t))
}

func (m *Manager) virtToPhys(virt uintptr) uintptr {
	// physToVirt is either identity or a fixed-offset direct map; both
	// are inverted by subtracting physToVirt(0), the offset itself —
	// callers only ever pass addresses this Manager itself produced.
	probe := m.physToVirt(0)
	return virt - probe
}

// GetPhysicalAddress walks the table for virt and returns the physical
// address it maps to, adding the huge-page offset when the walk stops
// early at a huge leaf.
func (m *Manager) GetPhysicalAddress(virt uintptr) (uintptr, error) {
	m.current.lock.Acquire()
	defer m.current.lock.Release()

	idx := pageTableIndices(virt)
	cur := m.pml4()

	for level := 3; level >= 0; level-- {
		entry := &cur[idx[level]]
		if !entry.present() {
			return 0, ErrNotMapped
		}
		if level == 0 {
			return entry.frame() + (virt & uintptr(mem.PageSize-1)), nil
		}
		if entry.huge() {
			pageSize := uintptr(mem.PageSize)
			for i := 0; i < level; i++ {
				pageSize *= entriesPerTable
			}
			return entry.frame() + (virt & (pageSize - 1)), nil
		}
		cur = m.ptr(entry.frame())
	}
	return 0, ErrNotMapped
}
