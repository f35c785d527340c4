// Package elf is the ELF-loader external collaborator: it walks
// PT_LOAD segments, defines the text and data regions they imply, and
// copies their bytes in. It uses the standard library's debug/elf
// rather than a third-party ELF library, since no such library is
// needed for plain PT_LOAD walking.
package elf

import (
	stdelf "debug/elf"
	"fmt"
	"io"

	"dumbvm161/kerr"
	"dumbvm161/vfs"
	"dumbvm161/vm/as"
)

// Image describes a loaded executable's entry point.
type Image struct {
	Entry uintptr
}

// Loader loads an executable image into a freshly created, region-free
// address space and completes its load (flushing flusher's TLB).
type Loader interface {
	Load(f vfs.File, target *as.AddressSpace, flusher as.TLBFlusher) (*Image, error)
}

// StdLoader is the debug/elf-backed Loader.
type StdLoader struct{}

// Load implements Loader.
func (StdLoader) Load(f vfs.File, target *as.AddressSpace, flusher as.TLBFlusher) (*Image, error) {
	ef, err := stdelf.NewFile(f)
	if err != nil {
		return nil, fmt.Errorf("elf: %w", err)
	}
	defer ef.Close()

	var haveText, haveData bool
	for _, prog := range ef.Progs {
		if prog.Type != stdelf.PT_LOAD {
			continue
		}
		writable := prog.Flags&stdelf.PF_W != 0
		if err := target.DefineRegion(uintptr(prog.Vaddr), int(prog.Memsz)); err != nil {
			return nil, err
		}
		if writable {
			haveData = true
		} else {
			haveText = true
		}
	}
	if !haveText || !haveData {
		return nil, kerr.EUNIMP
	}

	if err := target.PrepareLoad(); err != nil {
		return nil, err
	}

	for _, prog := range ef.Progs {
		if prog.Type != stdelf.PT_LOAD {
			continue
		}
		buf := make([]byte, prog.Filesz)
		if _, err := io.ReadFull(prog.Open(), buf); err != nil {
			return nil, fmt.Errorf("elf: read segment at %#x: %w", prog.Vaddr, err)
		}
		if err := target.CopyOut(uintptr(prog.Vaddr), buf); err != nil {
			return nil, err
		}
	}

	target.CompleteLoad(flusher)

	return &Image{Entry: uintptr(ef.Entry)}, nil
}
