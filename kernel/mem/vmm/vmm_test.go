package vmm

import (
	"testing"
	"unsafe"

	"gophernel/kernel/mem"
)

// fakeFrameSource hands out addresses of ordinary Go-allocated pages so
// the page table walker can dereference them like real physical memory
// on the host running the test.
type fakeFrameSource struct {
	pages [][]byte
	freed map[uintptr]bool
}

func newFakeFrameSource() *fakeFrameSource {
	return &fakeFrameSource{freed: make(map[uintptr]bool)}
}

func (f *fakeFrameSource) AllocFrame() (uintptr, error) {
	buf := make([]byte, mem.PageSize)
	f.pages = append(f.pages, buf)
	return uintptr(unsafe.Pointer(&buf[0])), nil
}

func (f *fakeFrameSource) FreeFrame(addr uintptr) {
	f.freed[addr] = true
}

func newTestManager(t *testing.T) (*Manager, *fakeFrameSource) {
	t.Helper()
	fa := newFakeFrameSource()
	m := New(fa, nil) // identity physToVirt: our "physical" addresses are already host-dereferenceable
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return m, fa
}

func TestMapUnmapRoundTrip(t *testing.T) {
	m, fa := newTestManager(t)

	virt := uintptr(0x0000_1234_5000)
	physPage, _ := fa.AllocFrame()
	phys := physPage &^ uintptr(mem.PageSize-1)

	if err := m.MapPage(virt, phys, FlagPresent|FlagWritable); err != nil {
		t.Fatalf("MapPage: %v", err)
	}

	got, err := m.GetPhysicalAddress(virt)
	if err != nil {
		t.Fatalf("GetPhysicalAddress: %v", err)
	}
	if got != phys {
		t.Fatalf("expected phys %x; got %x", phys, got)
	}

	if err := m.MapPage(virt, phys, FlagPresent); err != ErrAlreadyMapped {
		t.Fatalf("expected ErrAlreadyMapped; got %v", err)
	}

	if err := m.UnmapPage(virt); err != nil {
		t.Fatalf("UnmapPage: %v", err)
	}

	if _, err := m.GetPhysicalAddress(virt); err != ErrNotMapped {
		t.Fatalf("expected ErrNotMapped after unmap; got %v", err)
	}
}

func TestUnmapPrunesEmptyIntermediateTables(t *testing.T) {
	m, _ := newTestManager(t)

	virt := uintptr(0x0000_2000_0000)
	physPage, _ := m.fa.AllocFrame()
	phys := physPage &^ uintptr(mem.PageSize-1)

	beforeAlloc := m.current.allocatedPages
	if err := m.MapPage(virt, phys, FlagPresent|FlagWritable); err != nil {
		t.Fatalf("MapPage: %v", err)
	}
	afterMap := m.current.allocatedPages
	if afterMap <= beforeAlloc {
		t.Fatalf("expected intermediate tables to be allocated")
	}

	if err := m.UnmapPage(virt); err != nil {
		t.Fatalf("UnmapPage: %v", err)
	}
	afterUnmap := m.current.allocatedPages
	if afterUnmap != beforeAlloc {
		t.Fatalf("expected all intermediate tables freed by pruning; before=%d after=%d", beforeAlloc, afterUnmap)
	}
}

func TestCreateSwitchDestroyAddressSpace(t *testing.T) {
	m, _ := newTestManager(t)

	space, err := m.CreateAddressSpace()
	if err != nil {
		t.Fatalf("CreateAddressSpace: %v", err)
	}

	m.SwitchAddressSpace(space)
	if m.CurrentSpace() != space {
		t.Fatal("expected CurrentSpace to be the switched-to space")
	}
	if space.refCount != 1 {
		t.Fatalf("expected refCount 1 after one switch; got %d", space.refCount)
	}

	m.SwitchAddressSpace(space)
	if space.refCount != 2 {
		t.Fatalf("expected refCount 2 after second switch; got %d", space.refCount)
	}

	m.DestroyAddressSpace(space)
	if space.refCount != 1 {
		t.Fatalf("expected refCount 1 after one destroy; got %d", space.refCount)
	}

	m.DestroyAddressSpace(space)
	if space.refCount != 0 {
		t.Fatalf("expected refCount 0 after final destroy; got %d", space.refCount)
	}
}

func TestDestroyNeverFreesKernelSpace(t *testing.T) {
	m, _ := newTestManager(t)
	m.DestroyAddressSpace(m.KernelSpace())
	if m.KernelSpace() == nil {
		t.Fatal("kernel space must never be destroyed")
	}
}

func TestKmallocKfree(t *testing.T) {
	m, _ := newTestManager(t)

	ptr, err := m.Kmalloc(128)
	if err != nil {
		t.Fatalf("Kmalloc: %v", err)
	}
	if ptr == 0 {
		t.Fatal("expected non-zero pointer")
	}

	m.Kfree(ptr)
}

func TestKmallocAlignedRecoversHeader(t *testing.T) {
	m, _ := newTestManager(t)

	ptr, err := m.KmallocAligned(64, 4096)
	if err != nil {
		t.Fatalf("KmallocAligned: %v", err)
	}
	if ptr%4096 != 0 {
		t.Fatalf("expected aligned pointer; got %x", ptr)
	}

	m.Kfree(ptr)
}
