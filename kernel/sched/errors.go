package sched

import "gophernel/kernel"

var (
	// ErrOutOfMemory is returned when the kernel heap cannot satisfy an
	// allocation a thread needs (its stack or TLS block). A failed address
	// space allocation returns the vmm package's own error instead.
	ErrOutOfMemory = &kernel.Error{Module: "sched", Message: "out of memory"}

	// ErrThreadLimitReached is returned by Process.CreateThread once the
	// process's ProcessLimits.ThreadLimit has been hit.
	ErrThreadLimitReached = &kernel.Error{Module: "sched", Message: "process thread limit reached"}

	// ErrProcessLimitReached is returned by ProcessManager.CreateProcess
	// once no PID can be allocated (every value in range is in use).
	ErrProcessLimitReached = &kernel.Error{Module: "sched", Message: "no free pid available"}

	// ErrUnknownProcess is returned by ProcessManager lookups for a PID
	// that does not name a live process.
	ErrUnknownProcess = &kernel.Error{Module: "sched", Message: "unknown process"}
)
