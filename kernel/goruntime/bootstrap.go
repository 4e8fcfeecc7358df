// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator.
package goruntime

import (
	"unsafe"

	"gophernel/kernel/mem"
	"gophernel/kernel/mem/vmm"
)

// manager backs sysReserve/sysMap/sysAlloc with real frames and mappings.
// Init must be called once PTM has set up the kernel address space, before
// any goroutine that might grow the Go heap runs.
var manager *vmm.Manager

// Init installs the Manager the runtime hooks in this file route their
// allocation requests through.
func Init(m *vmm.Manager) {
	manager = m
}

//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(*uint64, uintptr)

// sysReserve reserves a page-rounded region of the kernel heap. It goes
// through Kmalloc, so the region is already backed by frames and mapped
// when it is returned.
//
// This function replaces runtime.sysReserve and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	regionSize := roundUpPage(size)
	addr, err := manager.Kmalloc(mem.Size(regionSize))
	if err != nil {
		panic(err)
	}

	*reserved = true
	return unsafe.Pointer(addr)
}

// sysMap establishes a mapping for a memory region that has been reserved
// previously via a call to sysReserve. Kmalloc already maps the pages it
// hands back, so this only has accounting left to do.
//
// This function replaces runtime.sysMap and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}

	mSysStatInc(sysStat, roundUpPage(size))
	return virtAddr
}

// sysAlloc reserves enough physical frames to satisfy the allocation request
// and establishes a contiguous virtual page mapping for them, returning the
// pointer to the virtual region start.
//
// This function replaces runtime.sysAlloc and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	regionSize := roundUpPage(size)
	addr, err := manager.Kmalloc(mem.Size(regionSize))
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	mSysStatInc(sysStat, regionSize)
	return unsafe.Pointer(addr)
}

// sysFree returns a region obtained from sysReserve/sysAlloc.
//
// This function replaces runtime.sysFree.
//
//go:redirect-from runtime.sysFree
//go:nosplit
func sysFree(virtAddr unsafe.Pointer, size uintptr, sysStat *uint64) {
	manager.Kfree(uintptr(virtAddr))
	mSysStatInc(sysStat, -roundUpPage(size))
}

func roundUpPage(size uintptr) uintptr {
	pageSize := uintptr(mem.PageSize)
	return (size + pageSize - 1) &^ (pageSize - 1)
}
