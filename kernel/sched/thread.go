package sched

import (
	"gophernel/kernel/mem"
	"gophernel/kernel/mem/vmm"
)

// ThreadState is the lifecycle state of a Thread.
type ThreadState uint8

// nolint
const (
	ThreadCreated ThreadState = iota
	ThreadReady
	ThreadRunning
	ThreadBlocked
	ThreadSleeping
	ThreadDead
)

const defaultStackSize = mem.Size(8192)
const threadTLSSize = mem.PageSize

// Context is a snapshot of the registers a context switch must save and
// restore across a thread suspension: the callee-saved and argument
// registers, flags, stack pointer and instruction pointer. contextSwitch
// reads and writes these fields directly from assembly.
type Context struct {
	R15, R14, R13, R12, R11, R10, R9, R8 uintptr
	RDI, RSI, RBP, RBX, RDX, RCX, RAX    uintptr
	RFlags                               uintptr
	RSP                                  uintptr
	RIP                                  uintptr
}

// Thread is one schedulable unit of execution within a Process. Each
// thread owns a private kernel stack and a small thread-local block,
// both allocated from the kernel heap.
type Thread struct {
	id      uint64
	process *Process
	state   ThreadState
	// priority is only consulted by the Priority policy; every other
	// policy uses a fixed band or its process's statistics instead.
	priority uint32

	stack     uintptr
	stackSize mem.Size
	tlsBase   uintptr
	tlsSize   mem.Size

	regs Context

	sleepUntil uint64
}

var nextThreadID uint64

func allocThreadID() uint64 {
	nextThreadID++
	return nextThreadID
}

// newThread allocates a kernel stack and TLS block from mm and primes the
// thread's register snapshot to begin executing at entry. It returns nil
// if the memory manager can't satisfy either allocation, mirroring the
// null-return-on-failure contract spec's Failure clause names for thread
// creation.
func newThread(mm *vmm.Manager, process *Process, entry uintptr, stackSize mem.Size, priority uint32) *Thread {
	if stackSize == 0 {
		stackSize = defaultStackSize
	}
	stackSize = mem.Size(stackSize.Pages()) * mem.PageSize

	stack, err := mm.KmallocAligned(stackSize, uintptr(mem.PageSize))
	if err != nil {
		return nil
	}

	tlsBase, err := mm.KmallocAligned(threadTLSSize, uintptr(mem.PageSize))
	if err != nil {
		mm.Kfree(stack)
		return nil
	}

	t := &Thread{
		id:        allocThreadID(),
		process:   process,
		state:     ThreadReady,
		priority:  priority,
		stack:     stack,
		stackSize: stackSize,
		tlsBase:   tlsBase,
		tlsSize:   threadTLSSize,
	}
	t.regs.RIP = entry
	t.regs.RSP = stack + uintptr(stackSize) - 128
	t.regs.RFlags = 0x202

	return t
}

// ID returns the thread's scheduler-assigned identifier.
func (t *Thread) ID() uint64 { return t.id }

// State returns the thread's current lifecycle state.
func (t *Thread) State() ThreadState { return t.state }

// Process returns the process this thread belongs to.
func (t *Thread) Process() *Process { return t.process }

// Priority returns the thread's assigned priority band, consulted only by
// the Priority policy.
func (t *Thread) Priority() uint32 { return t.priority }

func (t *Thread) setState(s ThreadState) { t.state = s }

func (t *Thread) setSleepUntil(ts uint64) { t.sleepUntil = ts }

func (t *Thread) isSleeping() bool { return t.state == ThreadSleeping }

func (t *Thread) shouldWakeUp(now uint64) bool {
	return t.isSleeping() && now >= t.sleepUntil
}

func (t *Thread) saveContext(regs *Context) { t.regs = *regs }

func (t *Thread) restoreContext(regs *Context) { *regs = t.regs }

// free returns the thread's stack and TLS block to the kernel heap. It is
// only safe to call once a thread has left every run queue.
func (t *Thread) free(mm *vmm.Manager) {
	if t.stack != 0 {
		mm.Kfree(t.stack)
		t.stack = 0
	}
	if t.tlsBase != 0 {
		mm.Kfree(t.tlsBase)
		t.tlsBase = 0
	}
}
