package sched

import (
	"gophernel/kernel/mem"
	"gophernel/kernel/mem/vmm"
	"gophernel/kernel/sync"
)

// ProcessState is the lifecycle state of a Process.
type ProcessState uint8

// nolint
const (
	ProcessCreated ProcessState = iota
	ProcessReady
	ProcessRunning
	ProcessBlocked
	ProcessSleeping
	ProcessZombie
	ProcessDead
)

// ProcessLimits caps the resources a single process may consume.
type ProcessLimits struct {
	MemoryLimit mem.Size
	ThreadLimit int
	OpenFiles   int
}

// ProcessStatistics accumulates the runtime counters a process's threads
// contribute to as the scheduler switches through them.
type ProcessStatistics struct {
	CPUTimeUsed     uint64
	ContextSwitches uint64
	PageFaults      uint64
}

var defaultLimits = ProcessLimits{
	MemoryLimit: 256 * mem.Mb,
	ThreadLimit: 64,
	OpenFiles:   256,
}

// Process groups one or more threads under a shared address space, PID and
// resource limits.
type Process struct {
	lock sync.Mutex

	pid       uint64
	parentPID uint64
	name      string
	state     ProcessState
	exitCode  int

	mm    *vmm.Manager
	space *vmm.AddressSpace

	threads    []*Thread
	mainThread *Thread

	limits     ProcessLimits
	statistics ProcessStatistics

	argv        []string
	environment map[string]string

	creationTime    uint64
	terminationTime uint64
}

func newProcess(mm *vmm.Manager, pid, parentPID uint64, name string) (*Process, error) {
	space, err := mm.CreateAddressSpace()
	if err != nil {
		return nil, err
	}

	p := &Process{
		pid:         pid,
		parentPID:   parentPID,
		name:        name,
		state:       ProcessCreated,
		mm:          mm,
		space:       space,
		limits:      defaultLimits,
		environment: make(map[string]string),
	}
	return p, nil
}

// PID returns the process identifier.
func (p *Process) PID() uint64 { return p.pid }

// ParentPID returns the identifier of the process that created this one.
func (p *Process) ParentPID() uint64 { return p.parentPID }

// Name returns the process's name.
func (p *Process) Name() string { return p.name }

// State returns the process's current lifecycle state.
func (p *Process) State() ProcessState {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.state
}

// ExitCode returns the exit code recorded by the last call to SetExitCode.
func (p *Process) ExitCode() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.exitCode
}

// AddressSpace returns the process's address space.
func (p *Process) AddressSpace() *vmm.AddressSpace { return p.space }

// Limits returns the process's resource limits.
func (p *Process) Limits() ProcessLimits {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.limits
}

// SetLimits replaces the process's resource limits.
func (p *Process) SetLimits(limits ProcessLimits) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.limits = limits
}

// Statistics returns a snapshot of the process's accumulated runtime
// counters.
func (p *Process) Statistics() ProcessStatistics {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.statistics
}

// updateStatistics folds cpuTime (a TSC delta) into the process's counters.
// Called by the scheduler each time one of the process's threads is
// switched out.
func (p *Process) updateStatistics(cpuTime uint64) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.statistics.CPUTimeUsed += cpuTime
	p.statistics.ContextSwitches++
}

// CreateThread allocates a new thread within this process, entering at
// entry with the given stack size (0 selects a default) and priority band.
// It fails once the process's thread limit is reached or the underlying
// allocation fails.
func (p *Process) CreateThread(entry uintptr, stackSize mem.Size, priority uint32) (*Thread, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if len(p.threads) >= p.limits.ThreadLimit {
		return nil, ErrThreadLimitReached
	}

	t := newThread(p.mm, p, entry, stackSize, priority)
	if t == nil {
		return nil, ErrOutOfMemory
	}

	p.threads = append(p.threads, t)
	if p.mainThread == nil {
		p.mainThread = t
	}
	return t, nil
}

// DestroyThread marks the thread with the given id Dead so the scheduler
// drops it from its run queue and frees its stack on its next pass. The
// thread stays in the process's thread list until the process is reaped.
// It reports whether a thread with that id was found.
func (p *Process) DestroyThread(id uint64) bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	for _, t := range p.threads {
		if t.id == id {
			t.setState(ThreadDead)
			return true
		}
	}
	return false
}

// GetThread looks up one of the process's threads by id.
func (p *Process) GetThread(id uint64) (*Thread, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()

	for _, t := range p.threads {
		if t.id == id {
			return t, true
		}
	}
	return nil, false
}

// Threads returns a snapshot slice of the process's threads.
func (p *Process) Threads() []*Thread {
	p.lock.Lock()
	defer p.lock.Unlock()

	out := make([]*Thread, len(p.threads))
	copy(out, p.threads)
	return out
}

// ThreadCount returns the number of threads currently owned by the process,
// including Dead ones, which stay listed until the process is reaped.
func (p *Process) ThreadCount() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.threads)
}

// MainThread returns the first thread created for this process, if any.
func (p *Process) MainThread() *Thread {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.mainThread
}

// SetExitCode records the code a process exits with.
func (p *Process) SetExitCode(code int) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.exitCode = code
}

// Argv returns the process's launch arguments.
func (p *Process) Argv() []string {
	p.lock.Lock()
	defer p.lock.Unlock()
	out := make([]string, len(p.argv))
	copy(out, p.argv)
	return out
}

// SetArgv replaces the process's launch arguments.
func (p *Process) SetArgv(argv []string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.argv = append([]string(nil), argv...)
}

// SetEnv sets an environment variable in the process's environment,
// mirroring nanokoton's Process::set_environment.
func (p *Process) SetEnv(key, value string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.environment[key] = value
}

// GetEnv looks up an environment variable, reporting whether it is set.
func (p *Process) GetEnv(key string) (string, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	v, ok := p.environment[key]
	return v, ok
}

func (p *Process) setState(s ProcessState) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.state = s
}

func (p *Process) setTerminationTime(ts uint64) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.terminationTime = ts
}

// IsZombie reports whether the process has exited but not yet been reaped.
func (p *Process) IsZombie() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.state == ProcessZombie
}

// IsDead reports whether the process has been fully reaped.
func (p *Process) IsDead() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.state == ProcessDead
}

// removeThreads drops every thread from the process's thread list,
// returning them so the caller can free their stacks. Used only by
// ProcessManager.CleanupZombies.
func (p *Process) removeThreads() []*Thread {
	p.lock.Lock()
	defer p.lock.Unlock()
	dead := p.threads
	p.threads = nil
	p.mainThread = nil
	return dead
}
