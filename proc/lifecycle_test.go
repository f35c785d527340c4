package proc

import (
	"io"
	"testing"

	"dumbvm161/elf"
	"dumbvm161/kconfig"
	"dumbvm161/kerr"
	"dumbvm161/ram"
	"dumbvm161/vfs"
	"dumbvm161/vm/as"
	"dumbvm161/vm/coremap"
	"dumbvm161/vm/tlb"
)

// syncScheduler runs "kernel threads" synchronously on the calling
// goroutine; fine for tests that don't need Fork's child to actually
// run concurrently with its parent.
type syncScheduler struct{}

func (syncScheduler) StartThread(name string, fn func()) { fn() }

// recordingEntry captures the arguments of the two points proc hands
// control to simulated user mode.
type recordingEntry struct {
	forkedTF   *Trapframe
	newEntry   uintptr
	newSP      uintptr
	newArgc    int
	newArgv    uintptr
	newCalled  bool
	forkCalled bool
}

func (e *recordingEntry) EnterForkedProcess(tf *Trapframe) {
	e.forkCalled = true
	e.forkedTF = tf
}

func (e *recordingEntry) EnterNewProcess(entry, stackptr uintptr, argc int, argv uintptr) {
	e.newCalled = true
	e.newEntry = entry
	e.newSP = stackptr
	e.newArgc = argc
	e.newArgv = argv
}

type fakeFile struct{ name string }

func (fakeFile) ReadAt(p []byte, off int64) (int, error) { return 0, io.EOF }
func (fakeFile) Close() error                            { return nil }
func (f fakeFile) Name() string                          { return f.name }

type fakeOpener struct{ opened []string }

func (o *fakeOpener) Open(path string) (vfs.File, error) {
	o.opened = append(o.opened, path)
	return fakeFile{name: path}, nil
}

// fakeLoader stands in for a real ELF loader: it defines a trivial
// text+data layout and reports a fixed entry point, without touching
// debug/elf at all.
type fakeLoader struct {
	entry uintptr
	err   error
}

func (f fakeLoader) Load(file vfs.File, target *as.AddressSpace, flusher as.TLBFlusher) (*elf.Image, error) {
	if f.err != nil {
		return nil, f.err
	}
	if err := target.DefineRegion(0x400000, kconfig.PageSize); err != nil {
		return nil, err
	}
	if err := target.DefineRegion(0x500000, kconfig.PageSize); err != nil {
		return nil, err
	}
	if err := target.PrepareLoad(); err != nil {
		return nil, err
	}
	target.CompleteLoad(flusher)
	return &elf.Image{Entry: f.entry}, nil
}

type testKernel struct {
	*Kernel
	entry  *recordingEntry
	opener *fakeOpener
}

func newTestKernel(t *testing.T, loader elf.Loader) *testKernel {
	t.Helper()
	arena, err := ram.New(512*kconfig.PageSize, kconfig.PageSize)
	if err != nil {
		t.Fatalf("ram.New: %v", err)
	}
	t.Cleanup(func() { arena.Close() })
	cm := coremap.New(arena, kconfig.PageSize)
	cm.Bootstrap()

	registry := NewRegistry(1 << 16)
	entry := &recordingEntry{}
	opener := &fakeOpener{}
	k := NewKernel(cm, registry, tlb.New(), loader, opener, syncScheduler{}, entry)
	return &testKernel{Kernel: k, entry: entry, opener: opener}
}

func mustPrepare(t *testing.T, a *as.AddressSpace) {
	t.Helper()
	if err := a.DefineRegion(0x400000, kconfig.PageSize); err != nil {
		t.Fatalf("DefineRegion(text): %v", err)
	}
	if err := a.DefineRegion(0x500000, kconfig.PageSize); err != nil {
		t.Fatalf("DefineRegion(data): %v", err)
	}
	if err := a.PrepareLoad(); err != nil {
		t.Fatalf("PrepareLoad: %v", err)
	}
}

// fork/exit/wait end to end.
func TestForkExitWait(t *testing.T) {
	k := newTestKernel(t, fakeLoader{entry: 0x400000})
	parent := k.NewInitProcess("parent")
	mustPrepare(t, parent.AddressSpace())

	childPID, err := k.Fork(parent, &Trapframe{})
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	child := k.Registry.Lookup(childPID)
	if child == nil {
		t.Fatal("forked child not registered")
	}

	done := make(chan struct{})
	go func() {
		k.Exit(child, 7)
		close(done)
	}()

	pid, status, err := k.Waitpid(parent, childPID, 0)
	if err != nil {
		t.Fatalf("Waitpid: %v", err)
	}
	<-done
	if pid != childPID {
		t.Fatalf("Waitpid returned pid %d, want %d", pid, childPID)
	}
	if got := WExitStatus(status); got != 7 {
		t.Fatalf("WEXITSTATUS(status) = %d, want 7", got)
	}
}

// Scenario 5: waiting on a process that isn't the caller's child.
func TestWaitpidNotAChild(t *testing.T) {
	k := newTestKernel(t, fakeLoader{entry: 0x400000})
	a := k.NewInitProcess("a")
	mustPrepare(t, a.AddressSpace())
	bpid, err := k.Fork(a, &Trapframe{})
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	c := k.NewInitProcess("c")
	mustPrepare(t, c.AddressSpace())

	if _, _, err := k.Waitpid(c, bpid, 0); err != kerr.ECHILD {
		t.Fatalf("Waitpid(unrelated) = %v, want ECHILD", err)
	}
}

func TestWaitpidUnknownPID(t *testing.T) {
	k := newTestKernel(t, fakeLoader{entry: 0x400000})
	a := k.NewInitProcess("a")
	mustPrepare(t, a.AddressSpace())

	if _, _, err := k.Waitpid(a, PID(99999), 0); err != kerr.ESRCH {
		t.Fatalf("Waitpid(unknown) = %v, want ESRCH", err)
	}
}

func TestWaitpidRejectsOptions(t *testing.T) {
	k := newTestKernel(t, fakeLoader{entry: 0x400000})
	a := k.NewInitProcess("a")
	mustPrepare(t, a.AddressSpace())
	cpid, _ := k.Fork(a, &Trapframe{})

	if _, _, err := k.Waitpid(a, cpid, 1); err != kerr.EINVAL {
		t.Fatalf("Waitpid(options=1) = %v, want EINVAL", err)
	}
}

// Scenario 6: orphan handling -- a parent exits before its child; the
// child's own later exit must not leak a record.
func TestOrphanedChildExitDoesNotLeak(t *testing.T) {
	k := newTestKernel(t, fakeLoader{entry: 0x400000})
	parent := k.NewInitProcess("parent")
	mustPrepare(t, parent.AddressSpace())
	childPID, err := k.Fork(parent, &Trapframe{})
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	k.Exit(parent, 0)
	if k.Registry.Lookup(parent.PID) != nil {
		t.Fatal("orphaned-without-waiter parent record not reaped on its own exit")
	}

	child := k.Registry.Lookup(childPID)
	if child == nil {
		t.Fatal("child record disappeared when its parent exited")
	}
	if got := child.Parent(); got != NoPID {
		t.Fatalf("child.Parent() = %d after parent exit, want NoPID", got)
	}

	k.Exit(child, 3)
	if k.Registry.Lookup(childPID) != nil {
		t.Fatal("orphaned child's own exit left a record behind")
	}
}

// A child that exits before its parent reaps it must stay registered
// until the parent's own exit or waitpid reaps it (no early deletion).
func TestDeadChildReapedOnParentExit(t *testing.T) {
	k := newTestKernel(t, fakeLoader{entry: 0x400000})
	parent := k.NewInitProcess("parent")
	mustPrepare(t, parent.AddressSpace())
	childPID, _ := k.Fork(parent, &Trapframe{})
	child := k.Registry.Lookup(childPID)

	k.Exit(child, 5)
	if k.Registry.Lookup(childPID) == nil {
		t.Fatal("dead, unreaped child was deleted too early")
	}

	k.Exit(parent, 0)
	if k.Registry.Lookup(childPID) != nil {
		t.Fatal("parent's exit did not reap its already-dead child")
	}
}

// Scenario 2: execv replace.
func TestExecvReplace(t *testing.T) {
	k := newTestKernel(t, fakeLoader{entry: 0x400000})
	parent := k.NewInitProcess("parent")
	mustPrepare(t, parent.AddressSpace())
	oldAS := parent.AddressSpace()

	if err := k.Execv(parent, "/bin/echo", []string{"echo", "hi"}); err != nil {
		t.Fatalf("Execv: %v", err)
	}

	if !k.entry.newCalled {
		t.Fatal("EnterNewProcess never called")
	}
	if k.entry.newEntry != 0x400000 {
		t.Fatalf("entry = %#x, want %#x", k.entry.newEntry, 0x400000)
	}
	if k.entry.newArgc != 2 {
		t.Fatalf("argc = %d, want 2", k.entry.newArgc)
	}
	wantArgv := kconfig.UserStack - kconfig.ArgvRegionBytes
	if k.entry.newArgv != wantArgv {
		t.Fatalf("argv = %#x, want %#x", k.entry.newArgv, wantArgv)
	}
	if k.entry.newSP%8 != 0 {
		t.Fatalf("stack pointer %#x not 8-byte aligned", k.entry.newSP)
	}
	if k.opener.opened[0] != "/bin/echo" {
		t.Fatalf("opened %q, want /bin/echo", k.opener.opened[0])
	}
	if parent.AddressSpace() == oldAS {
		t.Fatal("Execv did not replace the process's address space")
	}
}

// execv failure after the address-space switch is fatal: the process
// exits with kconfig.ExecFatalExitCode instead of surviving with a
// half-built address space.
func TestExecvFailureAfterSwitchIsFatal(t *testing.T) {
	k := newTestKernel(t, fakeLoader{err: kerr.EUNIMP})
	grandparent := k.NewInitProcess("grandparent")
	mustPrepare(t, grandparent.AddressSpace())
	childPID, err := k.Fork(grandparent, &Trapframe{})
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	child := k.Registry.Lookup(childPID)

	if err := k.Execv(child, "/bin/broken", []string{"broken"}); err == nil {
		t.Fatal("Execv with a failing loader returned nil error")
	}
	if k.Registry.Lookup(childPID) == nil {
		t.Fatal("process record with a live parent should survive a fatal execv failure, awaiting reap")
	}
	if !child.Dead() {
		t.Fatal("process not marked dead after fatal execv failure")
	}

	_, status, err := k.Waitpid(grandparent, childPID, 0)
	if err != nil {
		t.Fatalf("Waitpid: %v", err)
	}
	if got, want := WExitStatus(status), kconfig.ExecFatalExitCode&0xff; got != want {
		t.Fatalf("exit status = %d, want %d", got, want)
	}
}

// Regression test: execv's fatal-failure path must free the address
// space it switched away from, not just the one it failed to build.
// The arena is sized to hold exactly one process's worth of frames, so
// a leaked oldAS shows up as a subsequent allocation failure.
func TestExecvFailureFreesOldAddressSpace(t *testing.T) {
	arena, err := ram.New(15*kconfig.PageSize, kconfig.PageSize)
	if err != nil {
		t.Fatalf("ram.New: %v", err)
	}
	t.Cleanup(func() { arena.Close() })
	cm := coremap.New(arena, kconfig.PageSize)
	cm.Bootstrap()

	registry := NewRegistry(1 << 16)
	entry := &recordingEntry{}
	opener := &fakeOpener{}
	k := NewKernel(cm, registry, tlb.New(), fakeLoader{err: kerr.EUNIMP}, opener, syncScheduler{}, entry)

	parent := k.NewInitProcess("parent")
	mustPrepare(t, parent.AddressSpace())

	if p := cm.Alloc(1); p != 0 {
		cm.Free(p)
		t.Fatal("coremap not fully consumed by parent's own address space; test assumptions are wrong")
	}

	if err := k.Execv(parent, "/bin/broken", []string{"broken"}); err == nil {
		t.Fatal("Execv with a failing loader returned nil error")
	}

	if p := cm.Alloc(1); p == 0 {
		t.Fatal("execv's fatal failure path leaked the old address space's frames")
	} else {
		cm.Free(p)
	}
}

func TestGetpid(t *testing.T) {
	k := newTestKernel(t, fakeLoader{entry: 0x400000})
	p := k.NewInitProcess("solo")
	if k.Getpid(p) != p.PID {
		t.Fatalf("Getpid = %d, want %d", k.Getpid(p), p.PID)
	}
}

func TestForkTrapframeChildReturnsZero(t *testing.T) {
	k := newTestKernel(t, fakeLoader{entry: 0x400000})
	parent := k.NewInitProcess("parent")
	mustPrepare(t, parent.AddressSpace())

	tf := &Trapframe{ReturnReg: 2}
	tf.Regs[2] = 42
	if _, err := k.Fork(parent, tf); err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if !k.entry.forkCalled {
		t.Fatal("EnterForkedProcess never called")
	}
	if k.entry.forkedTF.Regs[2] != 0 {
		t.Fatalf("child trapframe return reg = %d, want 0", k.entry.forkedTF.Regs[2])
	}
	if tf.Regs[2] != 42 {
		t.Fatal("Fork mutated the parent's own trapframe")
	}
}
