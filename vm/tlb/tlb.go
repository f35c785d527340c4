// Package tlb implements the software-refilled TLB fault handler, in
// the style of a classic MIPS dumbvm's vm_fault: fault-type
// classification, region lookup, random-replacement refill, and
// text-segment dirty-bit suppression once the address space has
// finished loading.
package tlb

import (
	"math/rand"
	"sync"
	"time"

	"dumbvm161/kconfig"
	"dumbvm161/kerr"
	"dumbvm161/vm/as"
)

// NumEntries is the number of simulated TLB slots.
const NumEntries = 64

// FaultType classifies why a fault handler was invoked.
type FaultType int

const (
	FaultRead FaultType = iota
	FaultWrite
	FaultReadOnly
)

type entry struct {
	valid bool
	vpn   uintptr
	ppn   uintptr
	dirty bool
}

// TLB is one simulated CPU's translation lookaside buffer. This module's
// concurrency model is uniprocessor, so a single TLB instance stands in
// for "the current CPU's TLB".
type TLB struct {
	mu      sync.Mutex
	entries [NumEntries]entry
	rnd     *rand.Rand
}

// New returns an empty TLB.
func New() *TLB {
	return &TLB{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// InvalidateAll clears every entry; called on every address-space
// activation.
func (t *TLB) InvalidateAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		t.entries[i] = entry{}
	}
}

// Snapshot is a read-only view of one TLB entry, for inspection by
// tests and callers.
type Snapshot struct {
	Valid    bool
	VPN, PPN uintptr
	Writable bool
}

// Lookup reports the entry mapping the page containing vaddr, if any.
func (t *TLB) Lookup(vaddr uintptr) (Snapshot, bool) {
	vpn := vaddr &^ uintptr(kconfig.PageSize-1)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.valid && e.vpn == vpn {
			return Snapshot{Valid: true, VPN: e.vpn, PPN: e.ppn, Writable: e.dirty}, true
		}
	}
	return Snapshot{}, false
}

// Fault resolves a TLB miss or permission fault against asp, installing
// a translation on success. asp is nil when there is no current process
// or it has no address space, which the caller is expected to arrange.
func (t *TLB) Fault(asp *as.AddressSpace, ft FaultType, faultAddr uintptr) error {
	faultAddr &^= uintptr(kconfig.PageSize - 1)

	switch ft {
	case FaultReadOnly:
		return kerr.EROFS
	case FaultRead, FaultWrite:
	default:
		return kerr.EINVAL
	}

	if asp == nil {
		return kerr.EFAULT
	}
	asp.AssertInitialized()

	text, data, stack := asp.Regions()

	var paddr uintptr
	isText := false
	switch {
	case inRegion(faultAddr, text):
		paddr = faultAddr - text.VBase + text.PBase
		isText = true
	case inRegion(faultAddr, data):
		paddr = faultAddr - data.VBase + data.PBase
	case inRegion(faultAddr, stack):
		paddr = faultAddr - stack.VBase + stack.PBase
	default:
		return kerr.EFAULT
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e := entry{valid: true, vpn: faultAddr, ppn: paddr, dirty: true}
	if isText && asp.Loaded() {
		e.dirty = false
	}

	for i := range t.entries {
		if !t.entries[i].valid {
			t.entries[i] = e
			return nil
		}
	}
	victim := t.rnd.Intn(NumEntries)
	t.entries[victim] = e
	return nil
}

func inRegion(addr uintptr, r as.Region) bool {
	if r.NPages == 0 {
		return false
	}
	lo := r.VBase
	hi := r.VBase + uintptr(r.NPages)*uintptr(kconfig.PageSize)
	return addr >= lo && addr < hi
}
