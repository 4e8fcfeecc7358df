package sched

import (
	"gophernel/kernel/mem/vmm"
	"gophernel/kernel/sync"
)

// ProcessManager owns every live Process, hands out PIDs and reaps
// zombies. A single instance is shared by the Scheduler.
type ProcessManager struct {
	lock sync.Mutex

	mm    *vmm.Manager
	sched *Scheduler

	processes map[uint64]*Process
	nextPID   uint64

	kernelProcess *Process
}

// NewProcessManager creates a manager backed by mm. sched may be nil at
// construction time and is only consulted by CurrentProcess; Scheduler.Init
// wires the two together.
func NewProcessManager(mm *vmm.Manager) *ProcessManager {
	return &ProcessManager{
		mm:        mm,
		processes: make(map[uint64]*Process),
		nextPID:   1,
	}
}

// Init creates the kernel process (PID 0, no parent) that owns the idle
// thread and every other kernel-only thread.
func (pm *ProcessManager) Init() error {
	pm.lock.Lock()
	defer pm.lock.Unlock()

	proc, err := newProcess(pm.mm, 0, 0, "kernel")
	if err != nil {
		return err
	}
	proc.setState(ProcessRunning)
	pm.kernelProcess = proc
	pm.processes[0] = proc
	return nil
}

// setScheduler wires the manager to the scheduler that will drive
// CurrentProcess. Called once by Scheduler.Init.
func (pm *ProcessManager) setScheduler(s *Scheduler) {
	pm.sched = s
}

// KernelProcess returns the process created by Init to own kernel threads.
func (pm *ProcessManager) KernelProcess() *Process {
	pm.lock.Lock()
	defer pm.lock.Unlock()
	return pm.kernelProcess
}

// allocatePID returns the smallest PID starting from the manager's cursor
// that is not currently in use, wrapping past the max uint64 back to 1 (PID
// 0 is reserved for the kernel process) if every value ahead of it is
// taken. Callers must hold pm.lock.
func (pm *ProcessManager) allocatePID() (uint64, error) {
	start := pm.nextPID
	for {
		pid := pm.nextPID
		if pm.nextPID == ^uint64(0) {
			pm.nextPID = 1
		} else {
			pm.nextPID++
		}
		if pid != 0 {
			if _, taken := pm.processes[pid]; !taken {
				return pid, nil
			}
		}
		if pm.nextPID == start {
			return 0, ErrProcessLimitReached
		}
	}
}

// CreateProcess allocates a PID, an address space and a main thread
// entering at entry, and registers the process under the manager.
func (pm *ProcessManager) CreateProcess(name string, parentPID uint64, entry uintptr) (*Process, error) {
	pm.lock.Lock()
	defer pm.lock.Unlock()

	pid, err := pm.allocatePID()
	if err != nil {
		return nil, err
	}

	proc, err := newProcess(pm.mm, pid, parentPID, name)
	if err != nil {
		return nil, err
	}
	if _, err := proc.CreateThread(entry, 0, 1); err != nil {
		pm.mm.DestroyAddressSpace(proc.space)
		return nil, err
	}
	proc.setState(ProcessReady)

	pm.processes[pid] = proc
	return proc, nil
}

// GetProcess looks up a process by PID.
func (pm *ProcessManager) GetProcess(pid uint64) (*Process, bool) {
	pm.lock.Lock()
	defer pm.lock.Unlock()
	p, ok := pm.processes[pid]
	return p, ok
}

// ProcessCount returns the number of processes currently tracked,
// including zombies awaiting reaping.
func (pm *ProcessManager) ProcessCount() int {
	pm.lock.Lock()
	defer pm.lock.Unlock()
	return len(pm.processes)
}

// CurrentProcess returns the process owning the scheduler's currently
// running thread, or nil if no scheduler is wired in yet.
func (pm *ProcessManager) CurrentProcess() *Process {
	if pm.sched == nil {
		return nil
	}
	t := pm.sched.CurrentThread()
	if t == nil {
		return nil
	}
	return t.Process()
}

// DestroyProcess marks a process as a zombie and records its termination
// time, but does not free anything. The threads' stacks, TLS blocks and
// the process's address space are only released by a later call to
// CleanupZombies, which is how the scheduler's timer tick drives reaping.
// Destroying an already-zombie or already-dead process, or an unknown PID,
// is a no-op.
func (pm *ProcessManager) DestroyProcess(pid uint64, exitCode int, now uint64) bool {
	pm.lock.Lock()
	proc, ok := pm.processes[pid]
	pm.lock.Unlock()
	if !ok {
		return false
	}
	if proc.IsZombie() || proc.IsDead() {
		return false
	}

	proc.SetExitCode(exitCode)
	proc.setState(ProcessZombie)
	proc.setTerminationTime(now)

	for _, t := range proc.Threads() {
		t.setState(ThreadDead)
	}

	return true
}

// CleanupZombies frees the stacks, TLS blocks and address space of every
// zombie process registered with the manager and marks them Dead, removing
// them from the manager once reaped. It is safe to call with no zombies
// pending.
func (pm *ProcessManager) CleanupZombies() {
	pm.lock.Lock()
	defer pm.lock.Unlock()

	for pid, proc := range pm.processes {
		if !proc.IsZombie() {
			continue
		}

		for _, t := range proc.removeThreads() {
			t.free(pm.mm)
		}
		pm.mm.DestroyAddressSpace(proc.space)
		proc.setState(ProcessDead)

		delete(pm.processes, pid)
	}
}
