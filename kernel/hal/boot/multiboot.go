package boot

import "unsafe"

// multibootMagic is the value the Multiboot2 loader trampoline writes into
// Info.Magic before decoding the rest of the tag stream, so downstream
// Validate calls exercise the same check regardless of loader.
const multibootMagic uint64 = Magic

type mbTagType uint32

// nolint
const (
	mbTagEnd mbTagType = iota
	mbTagBootCmdLine
	mbTagBootLoaderName
	mbTagModules
	mbTagBasicMemInfo
	mbTagBiosBootDevice
	mbTagMemoryMap
	mbTagVbeInfo
	mbTagFramebufferInfo
	mbTagElfSymbols
	mbTagApmTable
	mbTagAcpiOld
	mbTagAcpiNew
)

type mbTagHeader struct {
	tagType mbTagType
	size    uint32
}

type mbMmapHeader struct {
	entrySize    uint32
	entryVersion uint32
}

type mbMmapEntry struct {
	physAddress uint64
	length      uint64
	entryType   uint32
	reserved    uint32
}

type mbFramebufferTag struct {
	physAddr uint64
	pitch    uint32
	width    uint32
	height   uint32
	bpp      uint8
	fbType   uint8
	reserved uint16
}

type mbRSDPTag struct {
	signature [8]byte
	checksum  byte
	oemID     [6]byte
	revision  byte
	rsdtAddr  uint32
}

// DecodeMultiboot2 walks the Multiboot2 information structure at ptr
// (the physical address rt0 receives from the bootloader in %rbx) and
// returns a populated, validated Info. It is the loader-specific
// counterpart to the neutral Info shape the rest of the kernel consumes;
// a different bootloader would get its own Decode* function instead.
func DecodeMultiboot2(ptr uintptr) *Info {
	info := &Info{Magic: multibootMagic}

	if mmapPtr, size := mbFindTag(ptr, mbTagMemoryMap); size != 0 {
		hdr := (*mbMmapHeader)(unsafe.Pointer(mmapPtr))
		cur := mmapPtr + 8
		end := mmapPtr + uintptr(size)
		for cur < end {
			entry := (*mbMmapEntry)(unsafe.Pointer(cur))
			info.MemoryMap = append(info.MemoryMap, MemRegion{
				Base:   entry.physAddress,
				Length: entry.length,
				Type:   MemRegionType(entry.entryType),
			})
			cur += uintptr(hdr.entrySize)
		}
	}

	if fbPtr, size := mbFindTag(ptr, mbTagFramebufferInfo); size != 0 {
		fb := (*mbFramebufferTag)(unsafe.Pointer(fbPtr))
		info.Framebuffer = FramebufferInfo{
			PhysAddr: fb.physAddr,
			Pitch:    fb.pitch,
			Width:    fb.width,
			Height:   fb.height,
			Bpp:      fb.bpp,
			Type:     FramebufferType(fb.fbType),
		}
	}

	if rsdpPtr, size := mbFindTag(ptr, mbTagAcpiNew); size != 0 {
		info.RSDPAddr = uint64(rsdpPtr)
	} else if rsdpPtr, size := mbFindTag(ptr, mbTagAcpiOld); size != 0 {
		info.RSDPAddr = uint64(rsdpPtr)
	}

	return info
}

// mbFindTag scans the Multiboot2 info structure at base looking for a tag
// of the given type. It returns a pointer to the tag's contents (past its
// 8-byte header) and the content length, or (0, 0) if the tag is absent.
// Tags are laid out back to back, each 8-byte aligned.
func mbFindTag(base uintptr, want mbTagType) (uintptr, uint32) {
	cur := base + 8 // skip the (total_size, reserved) info header
	for {
		hdr := (*mbTagHeader)(unsafe.Pointer(cur))
		if hdr.tagType == mbTagEnd {
			return 0, 0
		}
		if hdr.tagType == want {
			return cur + 8, hdr.size - 8
		}
		cur += uintptr((hdr.size + 7) &^ 7)
	}
}
