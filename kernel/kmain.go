package kernel

import (
	_ "unsafe" // required for go:linkname

	"gophernel/kernel/goruntime"
	"gophernel/kernel/hal"
	"gophernel/kernel/hal/boot"
	"gophernel/kernel/kfmt/early"
	"gophernel/kernel/mem/pmm"
	"gophernel/kernel/mem/vmm"
	"gophernel/kernel/net/ip"
	"gophernel/kernel/net/tcp"
	"gophernel/kernel/sched"
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the Multiboot2 info payload provided by
// the bootloader in %rbx.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr uintptr) {
	info := boot.DecodeMultiboot2(multibootInfoPtr)

	if err := hal.Init(info); err != nil {
		panic(err)
	}
	hal.ActiveTerminal.Clear()
	early.Printf("Starting gophernel\n")

	fa := pmm.New()
	if err := fa.Init(info); err != nil {
		panic(err)
	}

	mm := vmm.New(fa, identityPhysToVirt)
	if err := mm.Init(); err != nil {
		panic(err)
	}
	goruntime.Init(mm)

	early.Printf("FA: %+v\n", fa.Stats())

	pm := sched.NewProcessManager(mm)
	if err := pm.Init(); err != nil {
		panic(err)
	}

	scheduler := sched.New(mm, pm)
	if err := scheduler.Init(); err != nil {
		panic(err)
	}

	early.Printf("SCHED: policy=%d\n", uint8(scheduler.GetPolicy()))

	ipLayer := ip.New()
	if err := ipLayer.Init(); err != nil {
		panic(err)
	}

	tcpLayer := tcp.New(ipLayer, scheduler)
	if err := tcpLayer.Init(); err != nil {
		panic(err)
	}

	// Kmain never returns; once boot completes this becomes the idle loop,
	// sweeping expired IP fragments and driving TCP retransmission between
	// scheduler time slices.
	for {
		ipLayer.Poll()
		tcpLayer.PollSockets()
		scheduler.Yield()
	}
}

// identityPhysToVirt maps a physical frame to the virtual address it can be
// dereferenced through. The kernel identity-maps all usable physical memory
// during early boot, so this is a no-op translation on real hardware; tests
// substitute their own translation since they never run on identity-mapped
// memory.
func identityPhysToVirt(phys uintptr) uintptr {
	return phys
}
