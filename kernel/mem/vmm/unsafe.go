package vmm

import "unsafe"

func unsafePointer(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr) //nolint:govet
}

func unsafeAddr(t *table) uintptr {
	return uintptr(unsafe.Pointer(t))
}
