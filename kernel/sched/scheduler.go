// Package sched implements the kernel's process and thread scheduler: a
// fixed set of priority-banded run queues, a pluggable scheduling policy,
// and the process lifecycle (creation, thread management, zombie
// reaping) that sits underneath it.
package sched

import (
	"gophernel/kernel/cpu"
	"gophernel/kernel/kfmt"
	"gophernel/kernel/mem/vmm"
	"gophernel/kernel/sync"
)

// Policy selects how AddThread assigns a thread's run queue band and how
// HandleTimerTick computes the time slice a running thread is given.
type Policy uint8

// nolint
const (
	// PolicyRoundRobin gives every thread the same priority band and the
	// same fixed time slice; bands rotate purely by arrival order.
	PolicyRoundRobin Policy = iota
	// PolicyPriority bands threads by their own assigned Thread.Priority
	// and shrinks the time slice as that priority number increases (0 is
	// the highest priority).
	PolicyPriority
	// PolicyRealTime always places a thread in band 0 with double the
	// default time slice.
	PolicyRealTime
	// PolicyFair bands a thread by how much of the system's total CPU
	// time its process has already consumed: light consumers land in a
	// lower (higher-priority) band than heavy ones, so short-running
	// processes bubble up.
	PolicyFair
)

const numBands = 4

// defaultTimeSlice is the number of TSC ticks a RoundRobin thread runs for
// before the timer tick preempts it.
const defaultTimeSlice = uint64(10000)

// tscTicksPerMillisecond scales a millisecond sleep duration into TSC
// ticks. There is no calibration against the actual TSC frequency; like
// the rest of the timing in this package, it is a fixed scale factor
// rather than a measured one.
const tscTicksPerMillisecond = uint64(1000000)

// Statistics accumulates scheduler-wide counters, refreshed on every
// context switch.
type Statistics struct {
	TotalContextSwitches    uint64
	TotalProcessesScheduled uint64
	TotalCPUTime            uint64
	IdleTime                uint64
	LastSwitchTime          uint64
}

type runQueue struct {
	threads      []*Thread
	currentIndex int
}

func (q *runQueue) remove(t *Thread) {
	for i, cand := range q.threads {
		if cand == t {
			q.threads = append(q.threads[:i], q.threads[i+1:]...)
			if q.currentIndex > i {
				q.currentIndex--
			}
			return
		}
	}
}

// Scheduler multiplexes a fixed set of priority-banded run queues across a
// single CPU. All of its state is protected by an IRQSpinlock: the timer
// interrupt handler and cooperative callers (Yield, Sleep, WakeUp) both
// touch it, and an interrupt firing mid-update on the same CPU would
// deadlock a plain spinlock.
type Scheduler struct {
	lock sync.IRQSpinlock

	mm *vmm.Manager
	pm *ProcessManager

	runQueues [numBands]runQueue

	idleProcess *Process
	idleThread  *Thread
	current     *Thread

	policy           Policy
	defaultTimeSlice uint64
	lastScheduleTime uint64
	timerTicks       uint64

	stats Statistics
}

// New creates a scheduler backed by mm for thread stack/TLS allocation and
// pm for process lifecycle lookups.
func New(mm *vmm.Manager, pm *ProcessManager) *Scheduler {
	s := &Scheduler{
		mm:               mm,
		pm:               pm,
		policy:           PolicyRoundRobin,
		defaultTimeSlice: defaultTimeSlice,
	}
	for i := range s.runQueues {
		s.runQueues[i] = runQueue{}
	}
	return s
}

// Init creates the idle process and its idle thread, and installs the
// scheduler's Yield as the CPU yield point every kernel Mutex blocks on.
// It must be called exactly once before the scheduler is used.
func (s *Scheduler) Init() error {
	idleProc, err := s.pm.CreateProcess("idle", 0, 0)
	if err != nil {
		return err
	}
	idleProc.setState(ProcessRunning)

	s.pm.setScheduler(s)

	s.lock.Acquire()
	s.idleProcess = idleProc
	s.idleThread = idleProc.MainThread()
	s.idleThread.setState(ThreadRunning)
	s.current = s.idleThread
	now := cpu.ReadTSC()
	s.lastScheduleTime = now
	s.stats.LastSwitchTime = now
	s.lock.Release()

	sync.SetYieldFunc(s.Yield)
	return nil
}

// SetPolicy changes the policy used to band and time-slice newly scheduled
// threads. Threads already enqueued keep their existing band until they
// are next added back to a run queue.
func (s *Scheduler) SetPolicy(p Policy) {
	s.lock.Acquire()
	defer s.lock.Release()
	s.policy = p
}

// GetPolicy returns the scheduler's current policy.
func (s *Scheduler) GetPolicy() Policy {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.policy
}

// SetTimeSlice changes the base time slice (in TSC ticks) used by the
// RoundRobin and Fair policies.
func (s *Scheduler) SetTimeSlice(ticks uint64) {
	s.lock.Acquire()
	defer s.lock.Release()
	s.defaultTimeSlice = ticks
}

// TimeSlice returns the scheduler's current base time slice.
func (s *Scheduler) TimeSlice() uint64 {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.defaultTimeSlice
}

// Statistics returns a snapshot of the scheduler's accumulated counters.
func (s *Scheduler) Statistics() Statistics {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.stats
}

// CurrentThread returns the thread currently selected to run.
func (s *Scheduler) CurrentThread() *Thread {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.current
}

// CurrentProcess returns the process owning the currently running thread.
func (s *Scheduler) CurrentProcess() *Process {
	t := s.CurrentThread()
	if t == nil {
		return nil
	}
	return t.Process()
}

// calculatePriority returns the run queue band a thread belongs in under
// the scheduler's current policy. Band 0 is highest priority.
func (s *Scheduler) calculatePriority(t *Thread) uint32 {
	switch s.policy {
	case PolicyPriority:
		p := t.Priority()
		if p >= numBands {
			p = numBands - 1
		}
		return p
	case PolicyRealTime:
		return 0
	case PolicyFair:
		return s.fairBand(t)
	default: // PolicyRoundRobin
		return 1
	}
}

// fairBand places a thread's process into a band proportional to how much
// of the system's total recorded CPU time it has already consumed: a
// process that has used none of the total lands in band 0, one that has
// used all of it lands in the last band. This is a deliberate departure
// from a fixed priority: the goal, as with any fair-share policy, is that
// light consumers bubble up ahead of heavy ones rather than sharing a
// single band regardless of history.
func (s *Scheduler) fairBand(t *Thread) uint32 {
	proc := t.Process()
	if proc == nil {
		return numBands - 1
	}
	used := proc.Statistics().CPUTimeUsed
	total := s.stats.TotalCPUTime + 1
	band := (used * numBands) / total
	if band >= numBands {
		band = numBands - 1
	}
	return uint32(band)
}

// calculateTimeSlice returns the number of TSC ticks a thread should run
// for before being preempted, under the scheduler's current policy.
func (s *Scheduler) calculateTimeSlice(t *Thread) uint64 {
	switch s.policy {
	case PolicyPriority:
		p := uint64(t.Priority())
		if p >= numBands {
			p = numBands - 1
		}
		return s.defaultTimeSlice * (numBands - p) / numBands
	case PolicyRealTime:
		return s.defaultTimeSlice * 2
	default: // PolicyRoundRobin, PolicyFair
		return s.defaultTimeSlice
	}
}

// AddThread bands t according to the scheduler's current policy and
// enqueues it as Ready. If the CPU is currently idle, this immediately
// switches to the newly runnable thread: nothing else would ever notice a
// thread becoming Ready while the idle thread holds the CPU, since Yield
// and Sleep both refuse to run when called from idle and the idle thread
// never calls them itself.
func (s *Scheduler) AddThread(t *Thread) {
	s.lock.Acquire()
	defer s.lock.Release()
	s.addThreadLocked(t)
	s.kickIdleLocked()
}

// kickIdleLocked switches away from the idle thread if it is current and a
// runnable thread now exists. Callers must hold s.lock.
func (s *Scheduler) kickIdleLocked() {
	if s.current != s.idleThread {
		return
	}
	next := s.selectNextThreadLocked()
	s.switchToThreadLocked(next)
}

func (s *Scheduler) addThreadLocked(t *Thread) {
	if t == nil {
		return
	}
	t.setState(ThreadReady)
	s.enqueueLocked(t)
}

// enqueueLocked appends t to the run queue for its priority band without
// touching its state. Callers must hold s.lock and have already set t's
// state to whatever it should be while queued (Ready or Sleeping).
func (s *Scheduler) enqueueLocked(t *Thread) {
	band := s.calculatePriority(t)
	q := &s.runQueues[band]
	q.threads = append(q.threads, t)
}

// RemoveThread drops t from whichever run queue holds it. If t was the
// currently running thread, the scheduler falls back to the idle thread
// until the next scheduling point picks something else.
func (s *Scheduler) RemoveThread(t *Thread) {
	s.lock.Acquire()
	defer s.lock.Release()

	for i := range s.runQueues {
		s.runQueues[i].remove(t)
	}
	if s.current == t {
		s.current = s.idleThread
	}
}

// validateThread reports whether t is still eligible to run: alive, and
// owned by a process that hasn't exited.
func (s *Scheduler) validateThread(t *Thread) bool {
	if t == nil || t.state == ThreadDead {
		return false
	}
	p := t.process
	if p == nil {
		return true
	}
	return !p.IsZombie() && !p.IsDead()
}

// selectNextThreadLocked scans the run queues from highest to lowest
// priority band, round-robining within each band, and returns the first
// thread that is Ready or a Sleeping thread whose deadline has passed. It
// falls back to the idle thread if nothing is runnable. Callers must hold
// s.lock.
func (s *Scheduler) selectNextThreadLocked() *Thread {
	s.cleanupDeadThreadsLocked()

	now := cpu.ReadTSC()
	for band := 0; band < numBands; band++ {
		q := &s.runQueues[band]
		n := len(q.threads)
		if n == 0 {
			continue
		}
		q.currentIndex %= n
		for i := 0; i < n; i++ {
			idx := q.currentIndex
			q.currentIndex = (q.currentIndex + 1) % n
			t := q.threads[idx]
			if !s.validateThread(t) {
				continue
			}
			if t.state == ThreadReady {
				q.remove(t)
				return t
			}
			if t.shouldWakeUp(now) {
				t.setState(ThreadReady)
				q.remove(t)
				return t
			}
		}
	}
	return s.idleThread
}

// cleanupDeadThreadsLocked drops every Dead thread from the run queues and
// releases its stack and TLS block. Callers must hold s.lock.
func (s *Scheduler) cleanupDeadThreadsLocked() {
	for band := range s.runQueues {
		q := &s.runQueues[band]
		live := q.threads[:0]
		for _, t := range q.threads {
			if t.state == ThreadDead {
				if t == s.current {
					s.current = s.idleThread
				}
				t.free(s.mm)
				continue
			}
			live = append(live, t)
		}
		q.threads = live
	}
}

// switchToThreadLocked makes next the current thread, folding the elapsed
// time since the last switch into either the outgoing thread's process
// statistics or, if the outgoing thread was idle, the scheduler's idle
// time counter. Callers must hold s.lock.
func (s *Scheduler) switchToThreadLocked(next *Thread) {
	if next == nil || next == s.current {
		return
	}

	now := cpu.ReadTSC()
	elapsed := now - s.lastScheduleTime

	old := s.current
	s.current = next

	if old != nil && old != s.idleThread {
		// The outgoing thread was dequeued when it was selected to run, so
		// it must be re-enqueued exactly once here to keep the invariant
		// that every Ready or Sleeping thread lives in exactly one band.
		// Yield leaves it ThreadRunning (demote to Ready); Sleep already
		// set it ThreadSleeping and its state is kept as-is.
		switch old.state {
		case ThreadRunning:
			old.setState(ThreadReady)
			s.enqueueLocked(old)
		case ThreadSleeping:
			s.enqueueLocked(old)
		}
		if old.process != nil {
			old.process.updateStatistics(elapsed)
		}
		s.stats.TotalCPUTime += elapsed
	} else if old == s.idleThread {
		s.stats.IdleTime += elapsed
	}

	if old != nil && (old.process != next.process) {
		s.mm.SwitchAddressSpace(next.process.space)
	}

	next.setState(ThreadRunning)

	var oldRegs *Context
	if old != nil {
		oldRegs = &old.regs
	}
	contextSwitch(oldRegs, &next.regs)

	s.lastScheduleTime = now
	s.stats.LastSwitchTime = now
	s.stats.TotalContextSwitches++
	if next != s.idleThread {
		s.stats.TotalProcessesScheduled++
	}
}

// Yield voluntarily gives up the remainder of the current thread's time
// slice, immediately picking the next runnable thread if one exists.
func (s *Scheduler) Yield() {
	s.lock.Acquire()
	defer s.lock.Release()

	if s.current == s.idleThread {
		return
	}
	next := s.selectNextThreadLocked()
	s.switchToThreadLocked(next)
}

// Sleep suspends the current thread for at least ms milliseconds and
// switches to the next runnable thread. Calling Sleep from the idle
// thread has no effect.
func (s *Scheduler) Sleep(ms uint64) {
	s.lock.Acquire()
	defer s.lock.Release()

	if s.current == nil || s.current == s.idleThread {
		return
	}

	now := cpu.ReadTSC()
	s.current.setState(ThreadSleeping)
	s.current.setSleepUntil(now + ms*tscTicksPerMillisecond)

	next := s.selectNextThreadLocked()
	s.switchToThreadLocked(next)
}

// WakeUp makes a Sleeping thread Ready again. A sleeping thread already
// occupies a slot in its run queue band (Sleep re-enqueues it before
// returning), so this only flips its state in place; it does not enqueue a
// second entry. A running non-idle thread is not preempted, but if the idle
// thread is current, WakeUp switches to the next runnable thread
// immediately. Waking a thread that isn't Sleeping is a no-op.
func (s *Scheduler) WakeUp(t *Thread) {
	s.lock.Acquire()
	defer s.lock.Release()

	if t == nil || t.state != ThreadSleeping {
		return
	}
	t.setState(ThreadReady)
	s.kickIdleLocked()
}

// HandleTimerTick is invoked by the timer interrupt handler once per tick.
// It preempts the current thread once its time slice has elapsed, wakes
// any Sleeping threads whose deadline has passed, and drives both dead
// thread and zombie process reaping.
func (s *Scheduler) HandleTimerTick() {
	s.lock.Acquire()
	s.timerTicks++

	if s.current != nil && s.current != s.idleThread {
		now := cpu.ReadTSC()
		slice := s.calculateTimeSlice(s.current)
		if now-s.lastScheduleTime >= slice {
			next := s.selectNextThreadLocked()
			s.switchToThreadLocked(next)
		}
	}

	now := cpu.ReadTSC()
	for band := range s.runQueues {
		for _, t := range s.runQueues[band].threads {
			if t.shouldWakeUp(now) {
				t.setState(ThreadReady)
			}
		}
	}

	s.cleanupDeadThreadsLocked()
	s.lock.Release()

	if s.pm != nil {
		s.pm.CleanupZombies()
	}
}

// TimerTicks returns the number of timer ticks the scheduler has observed.
func (s *Scheduler) TimerTicks() uint64 {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.timerTicks
}

// DumpRunQueues logs the thread ids occupying each priority band, for use
// from a debug console.
func (s *Scheduler) DumpRunQueues() {
	s.lock.Acquire()
	defer s.lock.Release()

	for band := range s.runQueues {
		kfmt.Printf("band %d:", band)
		for _, t := range s.runQueues[band].threads {
			kfmt.Printf(" %d", t.ID())
		}
		kfmt.Printf("\n")
	}
}

// DumpStatistics logs the scheduler's accumulated counters.
func (s *Scheduler) DumpStatistics() {
	stats := s.Statistics()
	kfmt.Printf("context switches: %d\n", stats.TotalContextSwitches)
	kfmt.Printf("processes scheduled: %d\n", stats.TotalProcessesScheduled)
	kfmt.Printf("total cpu time: %d\n", stats.TotalCPUTime)
	kfmt.Printf("idle time: %d\n", stats.IdleTime)
}
