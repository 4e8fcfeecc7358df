package vmm

import (
	"gophernel/kernel/cpu"
	"gophernel/kernel/sync"
)

// AddressSpace exclusively owns a PML4 and tracks how many 4KiB pages are
// currently mapped and how many intermediate-table pages are allocated on
// its behalf. The higher half (PML4 indices 256..511) is shared with
// every other address space by value, copied once at creation from the
// kernel address space.
type AddressSpace struct {
	pml4Phys uintptr
	lock     sync.IRQSpinlock

	mappedPages    uint64
	allocatedPages uint64

	// refCount reaches zero only for non-kernel spaces; the kernel space
	// is created with refCount=1 and is never destroyed.
	refCount uint64
}

// MappedPages reports how many 4KiB leaf pages are currently mapped.
func (s *AddressSpace) MappedPages() uint64 {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.mappedPages
}

// AllocatedPages reports how many intermediate-table pages are currently
// allocated on this space's behalf. The PML4 itself is not counted.
func (s *AddressSpace) AllocatedPages() uint64 {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.allocatedPages
}

// KernelSpace returns the Manager's kernel address space.
func (m *Manager) KernelSpace() *AddressSpace {
	return m.kernelSpace
}

// CurrentSpace returns the currently active address space.
func (m *Manager) CurrentSpace() *AddressSpace {
	return m.current
}

// CreateAddressSpace allocates a fresh, zeroed PML4 and copies the kernel
// address space's higher half into it by value, so every kernel mapping
// is visible from the new space without needing to be remapped.
func (m *Manager) CreateAddressSpace() (*AddressSpace, error) {
	phys, err := m.fa.AllocFrame()
	if err != nil {
		return nil, ErrOutOfMemory
	}
	pml4 := m.ptr(phys)
	*pml4 = table{}

	m.kernelSpace.lock.Acquire()
	kernelPML4 := m.ptr(m.kernelSpace.pml4Phys)
	for i := 256; i < entriesPerTable; i++ {
		pml4[i] = kernelPML4[i]
	}
	m.kernelSpace.lock.Release()

	return &AddressSpace{pml4Phys: phys}, nil
}

// DestroyAddressSpace decrements the space's reference count and, only
// once it reaches zero, recursively frees every user-half (indices
// 0..255) intermediate table and leaf frame, then the PML4 itself. The
// kernel address space is never destroyed, even if this is called on it.
func (m *Manager) DestroyAddressSpace(space *AddressSpace) {
	if space == nil || space == m.kernelSpace {
		return
	}

	space.lock.Acquire()
	space.refCount--
	remaining := space.refCount
	space.lock.Release()
	if remaining > 0 {
		return
	}

	space.lock.Acquire()
	defer space.lock.Release()

	pml4 := m.ptr(space.pml4Phys)
	for i := 0; i < 256; i++ {
		entry := &pml4[i]
		if !entry.present() {
			continue
		}
		m.freeTable(entry.frame(), 2, space)
	}

	m.fa.FreeFrame(space.pml4Phys)
}

// freeTable recursively frees every present entry of the table at phys
// (a table at the given level: 2=PDPT, 1=PD, 0=PT) and then the table's
// own frame, updating space's allocated-page and mapped-page counters as
// it goes.
func (m *Manager) freeTable(phys uintptr, level int, space *AddressSpace) {
	t := m.ptr(phys)
	for i := 0; i < entriesPerTable; i++ {
		entry := &t[i]
		if !entry.present() {
			continue
		}
		if level > 0 {
			m.freeTable(entry.frame(), level-1, space)
			continue
		}
		m.fa.FreeFrame(entry.frame())
		space.mappedPages--
	}
	m.fa.FreeFrame(phys)
	space.allocatedPages--
}

// SwitchAddressSpace makes space the active address space, loading its
// PML4 into CR3 and flushing the TLB. Every switch increments space's
// reference count; DestroyAddressSpace is the only path that decrements
// it, so a space stays alive for as long as anything has switched to it
// without an explicit matching destroy.
func (m *Manager) SwitchAddressSpace(space *AddressSpace) {
	if space == nil {
		return
	}

	space.lock.Acquire()
	space.refCount++
	space.lock.Release()
	m.current = space

	cpu.SwitchPDT(space.pml4Phys)
}
