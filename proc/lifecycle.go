package proc

import (
	"dumbvm161/elf"
	"dumbvm161/kconfig"
	"dumbvm161/kconsole"
	"dumbvm161/kerr"
	"dumbvm161/vfs"
	"dumbvm161/vm/as"
	"dumbvm161/vm/coremap"
	"dumbvm161/vm/stack"
)

// Kernel wires the coremap, PID registry, TLB, ELF loader and VFS
// opener into the five process-lifecycle operations: fork, execv, exit,
// waitpid, getpid. The trap/exception entry glue that tracks "the
// current process" lives outside this module, so every operation here
// takes the calling process's *Record explicitly rather than consulting
// thread-local state.
type Kernel struct {
	CM       *coremap.Coremap
	Registry *Registry
	TLB      as.TLBFlusher
	Loader   elf.Loader
	Opener   vfs.Opener
	Sched    Scheduler
	Entry    UserEntry
}

// NewKernel wires together the already-constructed collaborators.
func NewKernel(cm *coremap.Coremap, registry *Registry, tlb as.TLBFlusher, loader elf.Loader, opener vfs.Opener, sched Scheduler, entry UserEntry) *Kernel {
	return &Kernel{CM: cm, Registry: registry, TLB: tlb, Loader: loader, Opener: opener, Sched: sched, Entry: entry}
}

// NewInitProcess creates the very first process: no parent, a freshly
// created (region-less) address space, and the next PID off the
// registry. The boot path is the one place a resource-exhaustion error
// here is treated as fatal, since there is no syscall caller to report
// it to.
func (k *Kernel) NewInitProcess(name string) *Record {
	pid, err := k.Registry.Allocate()
	if err != nil {
		panic(err)
	}
	r := newRecord(pid, name, as.Create(k.CM))
	k.Registry.Register(r)
	kconsole.Printf("proc: init process %q running as pid %d\n", name, pid)
	return r
}

// Fork creates a child process record sharing self's name, an
// independent copy of self's address space, and a heap-copied
// trapframe, records the parent/child relationship in both directions,
// then starts a new kernel thread whose first action is to return to
// user mode from the copied trapframe with the child's return value
// forced to zero. Any failure before the thread starts returns the
// first error without registering the half-built child.
func (k *Kernel) Fork(self *Record, tf *Trapframe) (PID, error) {
	pid, err := k.Registry.Allocate()
	if err != nil {
		return 0, err
	}

	childAS, err := self.AddressSpace().Copy()
	if err != nil {
		return 0, err
	}

	child := newRecord(pid, self.Name, childAS)
	child.ParentPID = self.PID
	k.Registry.Register(child)
	self.addChild(pid)

	childTF := tf.Clone()
	childTF.SetReturn(0)

	k.Sched.StartThread(self.Name, func() {
		k.Entry.EnterForkedProcess(childTF)
	})

	kconsole.Printf("proc: pid %d forked child pid %d\n", self.PID, pid)
	return pid, nil
}

// Execv replaces self's address space with a freshly loaded executable.
// The new address space is created, switched into self, and activated
// (flushing the TLB) before the ELF image is loaded into it. A load
// failure after that switch is unrecoverable by design -- the old
// address space is already gone -- so it is treated as a fatal exit for
// the calling process rather than a recoverable error.
func (k *Kernel) Execv(self *Record, path string, argv []string) error {
	f, err := k.Opener.Open(path)
	if err != nil {
		return err
	}

	argsBlob, argc := stack.PackArgv(argv)

	newAS := as.Create(k.CM)
	oldAS := self.swapAS(newAS)
	newAS.Activate(k.TLB)

	img, err := k.Loader.Load(f, newAS, k.TLB)
	f.Close()
	if err != nil {
		oldAS.Destroy()
		kconsole.Printf("proc: pid %d execv %q failed after address-space switch: %v\n", self.PID, path, err)
		k.Exit(self, kconfig.ExecFatalExitCode)
		return err
	}

	sp, err := stack.BuildStack(newAS, argsBlob, argc)
	if err != nil {
		oldAS.Destroy()
		kconsole.Printf("proc: pid %d execv %q: building user stack: %v\n", self.PID, path, err)
		k.Exit(self, kconfig.ExecFatalExitCode)
		return err
	}

	oldAS.Destroy()

	argvAddr := sp - kconfig.ArgvRegionBytes
	stackptr := (argvAddr / 8) * 8

	kconsole.Printf("proc: pid %d execv %q argc=%d entry=%#x\n", self.PID, path, argc, img.Entry)
	k.Entry.EnterNewProcess(img.Entry, stackptr, argc, argvAddr)
	return nil
}

// Exit tears down self's address space, marks self dead, unconditionally
// hands off self's own children (orphaning the ones still alive,
// reaping the ones that already exited and were only waiting on self),
// and then decides whether self's own record can be reaped immediately
// (it is orphaned, or its parent is already dead) or must be kept alive
// for a parent's waitpid.
//
// self is marked dead before its parent status is consulted, and before
// its children are touched, so that a concurrently-exiting parent's own
// reapChildren call -- which inspects and possibly orphans self under
// self's own mutex -- can never race ahead of self without self then
// observing the result: if reapChildren orphans self first, self's
// Parent() read below returns NoPID and self reaps itself; if self marks
// itself dead first, reapChildren's dead-child branch reaps self
// instead. Either order converges on self being reaped (when both sides
// destroy it, Registry.destroy is idempotent), closing the leak where a
// self-exiting child decided to await a parent that had already given
// up on it.
func (k *Kernel) Exit(self *Record, code int) {
	asp := self.swapAS(nil)
	if asp != nil {
		asp.Deactivate()
		asp.Destroy()
	}

	self.markDead(code)
	k.reapChildren(self)

	parentPID := self.Parent()
	parent := k.Registry.Lookup(parentPID)
	toDelete := parent == nil || parent.Dead()

	if toDelete {
		k.Registry.destroy(self.PID)
		kconsole.Printf("proc: pid %d exited(%d), orphaned or parent dead, reaped immediately\n", self.PID, code)
		return
	}

	kconsole.Printf("proc: pid %d exited(%d), awaiting parent %d\n", self.PID, code, parentPID)
}

// reapChildren orphans self's still-alive children and destroys the
// ones that already exited and were only waiting on self to reap them.
func (k *Kernel) reapChildren(self *Record) {
	self.mu.Lock()
	children := append([]PID(nil), self.children...)
	self.mu.Unlock()

	for _, cpid := range children {
		child := k.Registry.Lookup(cpid)
		if child == nil {
			continue
		}
		child.mu.Lock()
		dead := child.dead
		if !dead {
			child.ParentPID = NoPID
		}
		child.mu.Unlock()
		if dead {
			k.Registry.destroy(cpid)
			kconsole.Printf("proc: pid %d reaped already-dead child pid %d on exit\n", self.PID, cpid)
		}
	}
}

// Waitpid blocks until target has called Exit, then reaps it (removing
// it from the registry) and returns its PID alongside its encoded wait
// status. options must be 0; WNOHANG and signal delivery are not
// implemented. The wait loop waits while the target is alive, tolerating
// spurious wakeups, rather than keying off whether its registry entry is
// still present.
func (k *Kernel) Waitpid(self *Record, pid PID, options int) (PID, int, error) {
	if options != 0 {
		return 0, 0, kerr.EINVAL
	}
	target := k.Registry.Lookup(pid)
	if target == nil {
		return 0, 0, kerr.ESRCH
	}
	if target.Parent() != self.PID {
		return 0, 0, kerr.ECHILD
	}

	target.mu.Lock()
	for !target.dead {
		target.cond.Wait()
	}
	code := target.exitCode
	target.mu.Unlock()

	k.Registry.destroy(pid)
	status := MkwaitExit(code)
	kconsole.Printf("proc: pid %d reaped child pid %d, exit status %d\n", self.PID, pid, code)
	return pid, status, nil
}

// Getpid returns self's own PID.
func (k *Kernel) Getpid(self *Record) PID { return self.PID }

// MkwaitExit encodes an exit code in the standard "exited normally"
// wait-status format: the code in the high byte, a zero low byte (the
// low byte is nonzero only for a process killed by a signal, which this
// module never produces).
func MkwaitExit(code int) int {
	return (code & 0xff) << 8
}

// WExitStatus decodes a wait status produced by MkwaitExit, mirroring
// the hosting kernel's WEXITSTATUS macro.
func WExitStatus(status int) int {
	return (status >> 8) & 0xff
}
