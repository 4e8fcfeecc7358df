package sched

// contextSwitch saves the currently live general-purpose registers, flags
// and stack pointer into old (skipped if old is nil, i.e. there was no
// previously running thread), then loads the same set of registers, flags
// and stack pointer from new and resumes execution at new.RIP. Like
// cpu.SwitchPDT and its asm-backed neighbors, this has no Go body: the
// implementation lives in hand-written assembly and is only declared here.
//
// contextSwitch does not return to its caller in the usual sense: control
// returns to whatever instruction follows the contextSwitch call that most
// recently saved into the thread now being restored.
//
//go:noescape
func contextSwitch(old, new *Context)
