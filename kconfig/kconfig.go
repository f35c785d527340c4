// Package kconfig holds the sizing constants shared across the vm and
// proc packages, as top-level const blocks rather than a file or env
// parser -- this module has no runtime-configuration surface, so
// compile-time constants are the grounded choice (see DESIGN.md).
package kconfig

// PageSize is the size in bytes of a single physical/virtual page.
const PageSize = 4096

// StackPages is the fixed number of pages reserved for a process's user
// stack region.
const StackPages = 12

// UserStack is the top (highest address, exclusive) of the user stack
// region in every address space.
const UserStack uintptr = 0x7ffff000

// ArgvRegionBytes is the size of the fixed argv/pointer-table region
// carved out of the top of the user stack.
const ArgvRegionBytes = 128

// DefaultPIDCeiling bounds the PID registry's monotonic counter.
const DefaultPIDCeiling = 1 << 20

// ExecFatalExitCode is the exit code used when execv fails after it has
// already replaced the calling process's address space -- unrecoverable
// by design, since the old address space is already gone.
const ExecFatalExitCode = -1
