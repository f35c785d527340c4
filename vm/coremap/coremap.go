// Package coremap implements the physical frame allocator: a first-fit
// contiguous allocator over a tag array, in the style of
// coremap_stealmem/getfreeblocksize/getppages/free_kpages from a classic
// MIPS dumbvm -- a mutex-guarded allocator struct wrapping a raw
// physical arena, with an fmt.Printf-on-bootstrap idiom.
package coremap

import (
	"sync"
	"unsafe"

	"dumbvm161/kconsole"
	"dumbvm161/ram"
)

// Tag marks one frame's membership in an allocation: 0 is free, and a
// contiguous run allocated together carries ascending tags 1..n so Free
// can find the run's extent without a separate length table.
type Tag uint32

// Coremap is the stealmem_lock-guarded frame allocator.
type Coremap struct {
	mu sync.Mutex

	ram      *ram.Arena
	pageSize int

	start     uintptr
	tags      []Tag
	available bool
}

// New creates a Coremap over arena before bootstrap: until Bootstrap is
// called, Alloc falls through to the arena's raw bump allocator, mirroring
// dumbvm's core_map_available gate.
func New(arena *ram.Arena, pageSize int) *Coremap {
	return &Coremap{ram: arena, pageSize: pageSize}
}

// PageSize reports the frame size this coremap manages.
func (cm *Coremap) PageSize() int { return cm.pageSize }

// Bootstrap reserves the frames needed to hold the tag array itself at
// the base of the managed range, then marks the remainder free. Called
// once; the array lives as an ordinary Go slice rather than literally
// inside the arena bytes, since unlike dumbvm's kernel this module's
// coremap struct already has a host process heap to live in -- it only
// needs to account for the reserved frames, not host the array in them.
func (cm *Coremap) Bootstrap() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	start, end := cm.ram.Size()
	frames := uint64(end-start) / uint64(cm.pageSize)
	tagBytes := frames * uint64(unsafe.Sizeof(Tag(0)))
	reserved := (tagBytes + uint64(cm.pageSize) - 1) / uint64(cm.pageSize)

	cm.start = start + uintptr(reserved)*uintptr(cm.pageSize)
	cm.tags = make([]Tag, frames-reserved)
	cm.available = true

	kconsole.Printf("coremap: %d frames managed, %d reserved for the tag array\n", len(cm.tags), reserved)
}

// Alloc returns the physical base address of a run of npages contiguous
// frames, or 0 if none is available.
func (cm *Coremap) Alloc(npages int) uintptr {
	if npages <= 0 {
		panic("coremap: non-positive allocation size")
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.available {
		return cm.ram.StealMem(npages)
	}
	return cm.allocLocked(npages)
}

func (cm *Coremap) allocLocked(npages int) uintptr {
	n := len(cm.tags)
	i := 0
	for i < n {
		if cm.tags[i] != 0 {
			i++
			continue
		}
		run := 0
		for i+run < n && cm.tags[i+run] == 0 {
			run++
		}
		if run >= npages {
			for j := 0; j < npages; j++ {
				cm.tags[i+j] = Tag(j + 1)
			}
			return cm.start + uintptr(i*cm.pageSize)
		}
		i += run
	}
	return 0
}

// Free releases the run of frames starting at paddr. It clears the
// ascending tags 1, 2, 3, ... from paddr's frame onward and stops at the
// first frame whose tag does not continue that sequence (a free frame or
// the first frame of the next run) or at the end of the managed range,
// so a run allocated right after this one is left alone, and a bogus
// address past the end or inside a run (harmlessly) frees nothing.
func (cm *Coremap) Free(paddr uintptr) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if !cm.available || paddr < cm.start {
		return
	}
	idx := int((paddr - cm.start) / uintptr(cm.pageSize))
	for want := Tag(1); idx >= 0 && idx < len(cm.tags) && cm.tags[idx] == want; want++ {
		cm.tags[idx] = 0
		idx++
	}
}

// Zero zero-fills npages of physical memory starting at paddr.
func (cm *Coremap) Zero(paddr uintptr, npages int) {
	b := cm.ram.Bytes(paddr, npages*cm.pageSize)
	for i := range b {
		b[i] = 0
	}
}

// CopyFrom copies npages of physical memory from src to dst.
func (cm *Coremap) CopyFrom(dst, src uintptr, npages int) {
	n := npages * cm.pageSize
	copy(cm.ram.Bytes(dst, n), cm.ram.Bytes(src, n))
}

// Bytes exposes a raw slice over physical memory, used by address-space
// copy-in/copy-out.
func (cm *Coremap) Bytes(paddr uintptr, n int) []byte {
	return cm.ram.Bytes(paddr, n)
}
