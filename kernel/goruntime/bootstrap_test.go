package goruntime

import (
	"testing"
	"unsafe"

	"gophernel/kernel/mem"
	"gophernel/kernel/mem/vmm"
)

type fakeFrameSource struct {
	pages [][]byte
}

func (f *fakeFrameSource) AllocFrame() (uintptr, error) {
	buf := make([]byte, mem.PageSize)
	f.pages = append(f.pages, buf)
	return uintptr(unsafe.Pointer(&buf[0])), nil
}

func (f *fakeFrameSource) FreeFrame(uintptr) {}

func newTestManager(t *testing.T) *vmm.Manager {
	t.Helper()
	m := vmm.New(&fakeFrameSource{}, nil)
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return m
}

func TestSysReserveSysMapSysAlloc(t *testing.T) {
	Init(newTestManager(t))

	var reserved bool
	var stat uint64

	addr := sysReserve(nil, uintptr(mem.PageSize), &reserved)
	if addr == nil {
		t.Fatal("sysReserve returned nil")
	}
	if !reserved {
		t.Fatal("expected reserved=true")
	}

	if got := sysMap(addr, uintptr(mem.PageSize), reserved, &stat); got != addr {
		t.Fatalf("sysMap returned %p; want %p", got, addr)
	}

	allocated := sysAlloc(uintptr(mem.PageSize), &stat)
	if allocated == nil {
		t.Fatal("sysAlloc returned nil")
	}

	sysFree(allocated, uintptr(mem.PageSize), &stat)
}

func TestSysMapPanicsWithoutReservation(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic when reserved=false")
		}
	}()

	var stat uint64
	sysMap(unsafe.Pointer(uintptr(0)), 0, false, &stat)
}
