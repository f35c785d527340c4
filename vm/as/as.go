// Package as implements the three-region address space: text, data, and
// a fixed-size stack, in the style of a classic MIPS dumbvm's
// as_create/as_define_region/as_prepare_load/as_complete_load/as_copy/
// as_destroy/as_activate/as_deactivate -- a lock-guarded struct that
// panics on invariant violation.
package as

import (
	"sync"

	"dumbvm161/kconfig"
	"dumbvm161/kerr"
	"dumbvm161/vm/coremap"
)

// Region describes one mapped extent: npages pages of virtual address
// vbase mapped affinely onto physical address pbase.
type Region struct {
	VBase  uintptr
	PBase  uintptr
	NPages int
}

func (r Region) contains(vaddr uintptr, n int, pageSize uintptr) (uintptr, bool) {
	if r.NPages == 0 {
		return 0, false
	}
	lo := r.VBase
	hi := r.VBase + uintptr(r.NPages)*pageSize
	if vaddr < lo || vaddr >= hi {
		return 0, false
	}
	if vaddr+uintptr(n) > hi {
		return 0, false
	}
	return vaddr - lo + r.PBase, true
}

// TLBFlusher is the minimal surface AddressSpace needs from a TLB
// device on activation; the tlb package's TLB type satisfies it without
// either package importing the other in a cycle.
type TLBFlusher interface {
	InvalidateAll()
}

// AddressSpace is one process's three-region virtual address space.
type AddressSpace struct {
	mu sync.Mutex

	cm *coremap.Coremap

	Text  Region
	Data  Region
	Stack Region

	regionsDefined int
	loaded         bool
}

// Create returns a fresh, empty address space with no regions defined.
func Create(cm *coremap.Coremap) *AddressSpace {
	return &AddressSpace{cm: cm}
}

// DefineRegion records the first (text) and second (data) region of the
// address space, rounding vaddr down and size up to page boundaries the
// way dumbvm's as_define_region does: bytes lost to rounding vaddr down
// are folded into size before size itself is rounded up. A third call is
// EUNIMP -- this module supports exactly two loaded regions plus the
// fixed stack, by design.
func (a *AddressSpace) DefineRegion(vaddr uintptr, size int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	pageSize := uintptr(a.cm.PageSize())
	lost := vaddr & (pageSize - 1)
	sz := uintptr(size) + lost
	vaddr &^= pageSize - 1
	sz = (sz + pageSize - 1) &^ (pageSize - 1)
	npages := int(sz / pageSize)

	switch a.regionsDefined {
	case 0:
		a.Text = Region{VBase: vaddr, NPages: npages}
		a.regionsDefined = 1
	case 1:
		a.Data = Region{VBase: vaddr, NPages: npages}
		a.regionsDefined = 2
	default:
		return kerr.EUNIMP
	}
	return nil
}

// PrepareLoad allocates physical frames for all three regions and
// zero-fills them. All three must succeed; a failure partway through is
// not unwound here -- the caller is expected to Destroy the address
// space, which tolerates the still-zero PBase fields of whichever
// regions never got allocated.
func (a *AddressSpace) PrepareLoad() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	pbase1 := a.cm.Alloc(a.Text.NPages)
	if pbase1 == 0 {
		return kerr.ENOMEM
	}
	a.Text.PBase = pbase1

	pbase2 := a.cm.Alloc(a.Data.NPages)
	if pbase2 == 0 {
		return kerr.ENOMEM
	}
	a.Data.PBase = pbase2

	stackBase := a.cm.Alloc(kconfig.StackPages)
	if stackBase == 0 {
		return kerr.ENOMEM
	}
	a.Stack = Region{
		VBase:  kconfig.UserStack - uintptr(kconfig.StackPages)*uintptr(a.cm.PageSize()),
		PBase:  stackBase,
		NPages: kconfig.StackPages,
	}

	a.cm.Zero(a.Text.PBase, a.Text.NPages)
	a.cm.Zero(a.Data.PBase, a.Data.NPages)
	a.cm.Zero(a.Stack.PBase, a.Stack.NPages)
	return nil
}

// CompleteLoad flushes the TLB and marks the address space loaded, after
// which TLB entries installed for the text region are read-only (dirty
// bit cleared), so a store into text re-faults as a read-only violation.
func (a *AddressSpace) CompleteLoad(flusher TLBFlusher) {
	a.Activate(flusher)
	a.mu.Lock()
	a.loaded = true
	a.mu.Unlock()
}

// Activate invalidates every TLB entry, the way as_activate does on
// every context switch onto this address space.
func (a *AddressSpace) Activate(flusher TLBFlusher) {
	if flusher != nil {
		flusher.InvalidateAll()
	}
}

// Deactivate is a no-op placeholder for symmetry with as_deactivate;
// this module has no per-CPU "current address space" pointer to clear.
func (a *AddressSpace) Deactivate() {}

// Copy duplicates the region layout and physical contents of a into a
// freshly allocated address space, used by fork.
func (a *AddressSpace) Copy() (*AddressSpace, error) {
	a.mu.Lock()
	text, data, stack := a.Text, a.Data, a.Stack
	a.mu.Unlock()

	n := Create(a.cm)
	n.Text = Region{VBase: text.VBase, NPages: text.NPages}
	n.Data = Region{VBase: data.VBase, NPages: data.NPages}
	n.regionsDefined = 2

	if err := n.PrepareLoad(); err != nil {
		n.Destroy()
		return nil, err
	}

	a.cm.CopyFrom(n.Text.PBase, text.PBase, text.NPages)
	a.cm.CopyFrom(n.Data.PBase, data.PBase, data.NPages)
	a.cm.CopyFrom(n.Stack.PBase, stack.PBase, kconfig.StackPages)

	n.mu.Lock()
	n.loaded = true
	n.mu.Unlock()

	return n, nil
}

// Destroy frees every region's physical frames. Regions that were never
// allocated (PBase still zero) are skipped, so Destroy is safe to call
// on a partially prepared address space.
func (a *AddressSpace) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Text.PBase != 0 {
		a.cm.Free(a.Text.PBase)
	}
	if a.Data.PBase != 0 {
		a.cm.Free(a.Data.PBase)
	}
	if a.Stack.PBase != 0 {
		a.cm.Free(a.Stack.PBase)
	}
}

// Regions returns a consistent snapshot of all three regions.
func (a *AddressSpace) Regions() (text, data, stack Region) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Text, a.Data, a.Stack
}

// Loaded reports whether CompleteLoad has run.
func (a *AddressSpace) Loaded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loaded
}

// AssertInitialized panics if any region's base or size still looks
// unset -- the fatal-kernel-condition path a TLB fault takes if it's
// ever handed an address space whose regions were never defined.
func (a *AddressSpace) AssertInitialized() {
	text, data, stack := a.Regions()
	if text.VBase == 0 || text.PBase == 0 || text.NPages == 0 ||
		data.VBase == 0 || data.PBase == 0 || data.NPages == 0 ||
		stack.PBase == 0 || stack.NPages == 0 {
		panic("vm/as: address space regions not initialized")
	}
}

// TranslateRange maps a virtual range of n bytes starting at vaddr onto
// its physical address, failing with EFAULT if the range isn't wholly
// contained in exactly one of the three regions.
func (a *AddressSpace) TranslateRange(vaddr uintptr, n int) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pageSize := uintptr(a.cm.PageSize())
	if p, ok := a.Text.contains(vaddr, n, pageSize); ok {
		return p, nil
	}
	if p, ok := a.Data.contains(vaddr, n, pageSize); ok {
		return p, nil
	}
	if p, ok := a.Stack.contains(vaddr, n, pageSize); ok {
		return p, nil
	}
	return 0, kerr.EFAULT
}

// CopyOut writes src into this address space's memory at vaddr.
func (a *AddressSpace) CopyOut(vaddr uintptr, src []byte) error {
	paddr, err := a.TranslateRange(vaddr, len(src))
	if err != nil {
		return err
	}
	copy(a.cm.Bytes(paddr, len(src)), src)
	return nil
}

// CopyIn reads len(dst) bytes of this address space's memory at vaddr
// into dst.
func (a *AddressSpace) CopyIn(dst []byte, vaddr uintptr) error {
	paddr, err := a.TranslateRange(vaddr, len(dst))
	if err != nil {
		return err
	}
	copy(dst, a.cm.Bytes(paddr, len(dst)))
	return nil
}
