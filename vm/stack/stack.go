// Package stack builds the fixed argv region at the top of a process's
// user stack, grounded in
// original_source/os161-1.99/kern/arch/mips/vm/dumbvm.c's
// as_build_stack (the packed-blob-plus-argc variant; the parallel
// as_define_stack char**-based variant is documented as a rejected
// alternative in DESIGN.md).
package stack

import (
	"encoding/binary"

	"dumbvm161/kconfig"
	"dumbvm161/vm/as"
)

const ptrSize = 4

// PackArgv concatenates args into a single NUL-separated blob, the form
// BuildStack expects, along with the argument count.
func PackArgv(args []string) ([]byte, int) {
	var buf []byte
	for _, a := range args {
		buf = append(buf, a...)
		buf = append(buf, 0)
	}
	return buf, len(args)
}

// BuildStack writes argc pointers followed by a NULL sentinel, then the
// argc strings unpacked from argsBlob, all into the fixed
// kconfig.ArgvRegionBytes region at USERSTACK-ArgvRegionBytes. It
// returns USERSTACK; the caller is responsible for the final alignment
// of the stack pointer it actually hands to user mode.
//
// BuildStack makes no size check of its own against ArgvRegionBytes.
// The region ends at USERSTACK, the top of the stack region, and
// TranslateRange bounds-checks each write against the whole stack
// region, so a pointer table plus strings larger than the region runs
// past USERSTACK and fails its CopyOut with EFAULT, which BuildStack
// returns; anything written before that failing write stays written.
func BuildStack(a *as.AddressSpace, argsBlob []byte, argc int) (uintptr, error) {
	args := splitArgs(argsBlob, argc)
	base := kconfig.UserStack - kconfig.ArgvRegionBytes

	strOff := uintptr((argc + 1) * ptrSize)
	for i, arg := range args {
		strAddr := base + strOff
		buf := make([]byte, len(arg)+1)
		copy(buf, arg)
		if err := a.CopyOut(strAddr, buf); err != nil {
			return 0, err
		}
		if err := a.CopyOut(base+uintptr(i*ptrSize), encodePtr(uint32(strAddr))); err != nil {
			return 0, err
		}
		strOff += uintptr(len(buf))
	}
	if err := a.CopyOut(base+uintptr(argc*ptrSize), encodePtr(0)); err != nil {
		return 0, err
	}
	return kconfig.UserStack, nil
}

func splitArgs(blob []byte, argc int) [][]byte {
	out := make([][]byte, 0, argc)
	start := 0
	for i := 0; i < argc; i++ {
		end := start
		for end < len(blob) && blob[end] != 0 {
			end++
		}
		out = append(out, blob[start:end])
		if end < len(blob) {
			end++
		}
		start = end
	}
	return out
}

func encodePtr(v uint32) []byte {
	b := make([]byte, ptrSize)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
