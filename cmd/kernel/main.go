// Command kernel is the trampoline invoked by the rt0 assembly startup
// code after it sets up the GDT and a minimal g0 struct backed by the 4K
// stack the assembly code allocated.
package main

import "gophernel/kernel"

// multibootInfoPtr is populated by rt0 before main is called. It is
// declared as a package-level variable, rather than passed as a literal
// argument, to stop the compiler from inlining main and dropping the real
// kernel code from the generated object file.
var multibootInfoPtr uintptr

// main is not expected to return. If it does, the rt0 code halts the CPU.
func main() {
	kernel.Kmain(multibootInfoPtr)
}
