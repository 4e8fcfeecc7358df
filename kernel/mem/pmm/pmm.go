// Package pmm implements the frame allocator: physical-page bookkeeping
// over the boot-time memory map via one bitmap per region, first-fit and
// aligned-first-fit scanning, adjacent-region merge, and idempotent free.
package pmm

import (
	"gophernel/kernel"
	"gophernel/kernel/errors"
	"gophernel/kernel/hal/boot"
	"gophernel/kernel/kfmt"
	"gophernel/kernel/mem"
	"gophernel/kernel/sync"
)

const (
	// maxRegions bounds the number of disjoint free regions the boot
	// memory map can carry before FA gives up ingesting more. Real
	// hardware memory maps rarely exceed a few dozen entries.
	maxRegions = 64

	// bitmapStorageSize is the total backing storage shared by every
	// region's bitmap, carved up as regions are ingested. Sized for
	// roughly 4GiB of trackable pages (1 bit per 4KiB page).
	bitmapStorageSize = 128 * 1024
)

var (
	// ErrOutOfMemory is returned when no region has enough contiguous
	// free pages to satisfy a request.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrTooManyRegions is returned when the boot memory map carries more
	// free regions than FA can track.
	ErrTooManyRegions = &kernel.Error{Module: "pmm", Message: "too many memory regions"}
)

// region describes one contiguous span of physical memory backed by its
// own bitmap. Bit i of bitmap set means page i within the region is
// allocated.
type region struct {
	base        uintptr
	totalPages  uint32
	freePages   uint32
	bitmap      []byte
	bitmapStart uint32 // offset into FrameAllocator.bitmapStorage
}

func (r *region) test(page uint32) bool {
	return r.bitmap[page/8]&(1<<(page%8)) != 0
}

func (r *region) set(page uint32, used bool) {
	if used {
		r.bitmap[page/8] |= 1 << (page % 8)
	} else {
		r.bitmap[page/8] &^= 1 << (page % 8)
	}
}

// Stats reports the allocator's running counters.
type Stats struct {
	TotalPages, FreePages, UsedPages uint32
	TotalMem, FreeMem, UsedMem       mem.Size
	FramesAllocated, FramesFreed     uint64
	Regions                          int
}

// FrameAllocator is the frame allocator. The zero value is not usable;
// construct one with New and call Init before any Alloc/Free call.
type FrameAllocator struct {
	lock sync.IRQSpinlock

	regions        [maxRegions]region
	regionCount    int
	bitmapStorage  [bitmapStorageSize]byte
	bitmapOffset   uint32
	framesAlloced  uint64
	framesFreed    uint64
}

// New returns an uninitialized FrameAllocator.
func New() *FrameAllocator {
	return &FrameAllocator{}
}

// Init ingests the boot memory map, building one bitmap-backed region per
// available entry, then merges adjacent regions together. Any entry that
// is not MemAvailable is skipped: FA never hands out reserved memory.
func (fa *FrameAllocator) Init(info *boot.Info) error {
	fa.lock.Acquire()
	defer fa.lock.Release()

	var ingestErr error
	info.VisitMemRegions(func(r *boot.MemRegion) bool {
		if r.Type != boot.MemAvailable {
			return true
		}
		if err := fa.addRegion(uintptr(r.Base), uintptr(r.Length)); err != nil {
			ingestErr = err
			return false
		}
		return true
	})
	if ingestErr != nil {
		return ingestErr
	}

	fa.mergeRegions()

	stats := fa.statsLocked()
	kfmt.Info("pmm: %d region(s), %d MiB total, %d MiB free\n",
		stats.Regions, uint64(stats.TotalMem/mem.Mb), uint64(stats.FreeMem/mem.Mb))
	return nil
}

// addRegion carves out a new region covering [base, base+size), rounded to
// page boundaries, and allocates its bitmap out of the shared backing
// array. It must be called with fa.lock held.
func (fa *FrameAllocator) addRegion(base, size uintptr) error {
	alignedBase := alignUp(base, uintptr(mem.PageSize))
	// shrink size by however much alignUp advanced base, then align the
	// remainder down to a whole number of pages.
	if alignedBase > base {
		diff := alignedBase - base
		if diff >= size {
			return nil
		}
		size -= diff
	}
	size = alignDown(size, uintptr(mem.PageSize))
	if size == 0 {
		return nil
	}

	if fa.regionCount >= maxRegions {
		return ErrTooManyRegions
	}

	totalPages := uint32(size / uintptr(mem.PageSize))
	bitmapBytes := (totalPages + 7) / 8
	if fa.bitmapOffset+bitmapBytes > bitmapStorageSize {
		return ErrTooManyRegions
	}

	r := &fa.regions[fa.regionCount]
	r.base = alignedBase
	r.totalPages = totalPages
	r.freePages = totalPages
	r.bitmapStart = fa.bitmapOffset
	r.bitmap = fa.bitmapStorage[fa.bitmapOffset : fa.bitmapOffset+bitmapBytes]
	fa.bitmapOffset += bitmapBytes
	fa.regionCount++
	return nil
}

// mergeRegions folds adjacent regions (region[i].base+size == region[j].base)
// into a single logical region with a freshly assembled bitmap, bit by bit,
// so the two regions' page counts need not be byte-aligned for the merge
// to preserve correct page-to-bit addressing.
func (fa *FrameAllocator) mergeRegions() {
	for i := 0; i < fa.regionCount; i++ {
		for j := i + 1; j < fa.regionCount; j++ {
			ri, rj := &fa.regions[i], &fa.regions[j]
			if ri.base+uintptr(ri.totalPages)*uintptr(mem.PageSize) != rj.base {
				continue
			}

			combinedPages := ri.totalPages + rj.totalPages
			combinedBytes := (combinedPages + 7) / 8
			if fa.bitmapOffset+combinedBytes > bitmapStorageSize {
				continue
			}

			newStart := fa.bitmapOffset
			newBitmap := fa.bitmapStorage[newStart : newStart+combinedBytes]
			for p := uint32(0); p < ri.totalPages; p++ {
				if ri.test(p) {
					newBitmap[p/8] |= 1 << (p % 8)
				}
			}
			for p := uint32(0); p < rj.totalPages; p++ {
				if rj.test(p) {
					dst := ri.totalPages + p
					newBitmap[dst/8] |= 1 << (dst % 8)
				}
			}
			fa.bitmapOffset += combinedBytes

			ri.bitmap = newBitmap
			ri.bitmapStart = newStart
			ri.totalPages = combinedPages
			ri.freePages += rj.freePages

			copy(fa.regions[j:fa.regionCount-1], fa.regions[j+1:fa.regionCount])
			fa.regionCount--
			j--
		}
	}
}

// AllocFrame allocates a single free page frame and returns its physical
// address.
func (fa *FrameAllocator) AllocFrame() (uintptr, error) {
	fa.lock.Acquire()
	defer fa.lock.Release()

	for i := 0; i < fa.regionCount; i++ {
		r := &fa.regions[i]
		for page := uint32(0); page < r.totalPages; page++ {
			if r.test(page) {
				continue
			}
			r.set(page, true)
			r.freePages--
			fa.framesAlloced++
			return r.base + uintptr(page)*uintptr(mem.PageSize), nil
		}
	}
	return 0, ErrOutOfMemory
}

// AllocFrames allocates count contiguous free pages and returns the
// physical address of the first one.
func (fa *FrameAllocator) AllocFrames(count uint32) (uintptr, error) {
	if count == 0 {
		return 0, errors.ErrInvalidParamValue
	}

	fa.lock.Acquire()
	defer fa.lock.Release()

	for i := 0; i < fa.regionCount; i++ {
		r := &fa.regions[i]
		if r.freePages < count {
			continue
		}
		if addr, ok := findRun(r, count, 1); ok {
			markRun(fa, r, addr, count)
			return addr, nil
		}
	}
	return 0, ErrOutOfMemory
}

// AllocAligned allocates count contiguous free pages whose starting
// physical address is a multiple of alignment (rounded up to at least
// mem.PageSize).
func (fa *FrameAllocator) AllocAligned(count uint32, alignment uintptr) (uintptr, error) {
	if count == 0 {
		return 0, errors.ErrInvalidParamValue
	}
	if alignment == 0 {
		return 0, errors.ErrInvalidParamValue
	}
	if alignment < uintptr(mem.PageSize) {
		alignment = uintptr(mem.PageSize)
	} else if alignment%uintptr(mem.PageSize) != 0 {
		alignment = alignUp(alignment, uintptr(mem.PageSize))
	}

	fa.lock.Acquire()
	defer fa.lock.Release()

	for i := 0; i < fa.regionCount; i++ {
		r := &fa.regions[i]
		if r.freePages < count {
			continue
		}
		if addr, ok := findRun(r, count, alignment); ok {
			markRun(fa, r, addr, count)
			return addr, nil
		}
	}
	return 0, ErrOutOfMemory
}

// findRun scans region r for the first run of count consecutive free pages
// whose starting address is a multiple of alignment. It does not mutate r.
func findRun(r *region, count uint32, alignment uintptr) (uintptr, bool) {
	consecutive := uint32(0)
	var startPage uint32
	for page := uint32(0); page < r.totalPages; page++ {
		if r.test(page) {
			consecutive = 0
			continue
		}
		if consecutive == 0 {
			addr := r.base + uintptr(page)*uintptr(mem.PageSize)
			if addr%alignment != 0 {
				continue
			}
			startPage = page
		}
		consecutive++
		if consecutive == count {
			return r.base + uintptr(startPage)*uintptr(mem.PageSize), true
		}
	}
	return 0, false
}

// markRun marks count pages starting at addr as allocated within region r
// and updates counters. Caller must hold fa.lock.
func markRun(fa *FrameAllocator, r *region, addr uintptr, count uint32) {
	startPage := uint32((addr - r.base) / uintptr(mem.PageSize))
	for p := startPage; p < startPage+count; p++ {
		r.set(p, true)
	}
	r.freePages -= count
	fa.framesAlloced += uint64(count)
}

// FreeFrame releases the single page frame at addr. Freeing an unaligned
// address, an address outside any tracked region, or an already-free page
// (double free) is logged as a warning and is otherwise a no-op: none of
// these are fatal conditions.
func (fa *FrameAllocator) FreeFrame(addr uintptr) {
	fa.FreeFrames(addr, 1)
}

// FreeFrames releases count page frames starting at addr.
func (fa *FrameAllocator) FreeFrames(addr uintptr, count uint32) {
	if count == 0 {
		return
	}
	if addr%uintptr(mem.PageSize) != 0 {
		kfmt.Warning("pmm: attempt to free unaligned address %x\n", uint64(addr))
		return
	}

	fa.lock.Acquire()
	defer fa.lock.Release()

	for i := 0; i < fa.regionCount; i++ {
		r := &fa.regions[i]
		regionEnd := r.base + uintptr(r.totalPages)*uintptr(mem.PageSize)
		if addr < r.base || addr >= regionEnd {
			continue
		}

		startPage := uint32((addr - r.base) / uintptr(mem.PageSize))
		if uint64(startPage)+uint64(count) > uint64(r.totalPages) {
			kfmt.Warning("pmm: attempt to free out-of-range page range at %x\n", uint64(addr))
			return
		}

		freed := uint32(0)
		for p := startPage; p < startPage+count; p++ {
			if !r.test(p) {
				kfmt.Warning("pmm: double free detected at %x\n", uint64(r.base+uintptr(p)*uintptr(mem.PageSize)))
				continue
			}
			r.set(p, false)
			freed++
		}
		r.freePages += freed
		fa.framesFreed += uint64(freed)
		return
	}

	kfmt.Warning("pmm: attempt to free unknown page at %x\n", uint64(addr))
}

// IsFrameFree reports whether the page frame at addr is currently free.
// Addresses outside every tracked region are reported as not free (they
// are implicitly reserved).
func (fa *FrameAllocator) IsFrameFree(addr uintptr) bool {
	fa.lock.Acquire()
	defer fa.lock.Release()

	for i := 0; i < fa.regionCount; i++ {
		r := &fa.regions[i]
		regionEnd := r.base + uintptr(r.totalPages)*uintptr(mem.PageSize)
		if addr < r.base || addr >= regionEnd {
			continue
		}
		page := uint32((addr - r.base) / uintptr(mem.PageSize))
		return !r.test(page)
	}
	return false
}

// Stats returns a snapshot of the allocator's running counters. Used ==
// FramesAllocated - FramesFreed always holds.
func (fa *FrameAllocator) Stats() Stats {
	fa.lock.Acquire()
	defer fa.lock.Release()
	return fa.statsLocked()
}

func (fa *FrameAllocator) statsLocked() Stats {
	var s Stats
	s.Regions = fa.regionCount
	s.FramesAllocated = fa.framesAlloced
	s.FramesFreed = fa.framesFreed
	for i := 0; i < fa.regionCount; i++ {
		r := &fa.regions[i]
		s.TotalPages += r.totalPages
		s.FreePages += r.freePages
	}
	s.UsedPages = s.TotalPages - s.FreePages
	s.TotalMem = mem.Size(s.TotalPages) * mem.PageSize
	s.FreeMem = mem.Size(s.FreePages) * mem.PageSize
	s.UsedMem = mem.Size(s.UsedPages) * mem.PageSize
	return s
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

func alignDown(v, align uintptr) uintptr {
	return v &^ (align - 1)
}
