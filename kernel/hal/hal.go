// Package hal wires up the platform-facing devices (console, tty) that
// the core kernel treats as external collaborators, and validates the
// boot-time handoff structure before the rest of the kernel consumes it.
package hal

import (
	"gophernel/kernel/driver/tty"
	"gophernel/kernel/driver/video/console"
	"gophernel/kernel/hal/boot"
)

var (
	egaConsole = &console.Ega{}

	// ActiveTerminal points to the currently active terminal.
	ActiveTerminal = &tty.Vt{}
)

// Init validates the boot info handoff and brings up a basic terminal so
// the kernel can emit diagnostics before FA/PTM/SCHED are initialized. A
// magic mismatch is fatal: the boot info cannot be trusted from that point
// on.
func Init(info *boot.Info) error {
	if err := info.Validate(); err != nil {
		return err
	}

	fb := info.Framebuffer
	egaConsole.Init(uint16(fb.Width), uint16(fb.Height), uintptr(fb.PhysAddr))
	ActiveTerminal.AttachTo(egaConsole)
	return nil
}
