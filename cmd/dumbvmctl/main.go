// Command dumbvmctl boots a standalone instance of the coremap, address
// space, TLB and process-lifecycle packages and drives one of a handful
// of end-to-end scenarios against it: a small flag-and-log.Fatal tool
// built directly on top of the kernel packages it exercises rather than
// a separate test harness.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"dumbvm161/elf"
	"dumbvm161/kconfig"
	"dumbvm161/kconsole"
	"dumbvm161/proc"
	"dumbvm161/ram"
	"dumbvm161/vfs"
	"dumbvm161/vm/coremap"
	"dumbvm161/vm/tlb"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: dumbvmctl <scenario>

scenarios:
  forkwait              fork a child, child exits(7), parent waits
  orphan                parent exits before its child; child then exits
  fragmentation         alloc [3,5,2] frames, free the middle, alloc 4
  execv <path> [args]   fork, then execv an ELF binary in the child
`)
	os.Exit(2)
}

// consoleEntry logs the two points at which the process lifecycle hands
// control to simulated user mode, in place of the real trap-exit glue
// a hosted build would provide.
type consoleEntry struct{}

func (consoleEntry) EnterForkedProcess(tf *proc.Trapframe) {
	kconsole.Printf("dumbvmctl: (simulated) returning to user mode in forked child\n")
}

func (consoleEntry) EnterNewProcess(entry, stackptr uintptr, argc int, argv uintptr) {
	kconsole.Printf("dumbvmctl: (simulated) entering user mode at %#x, sp=%#x, argc=%d, argv=%#x\n",
		entry, stackptr, argc, argv)
}

func bootKernel(opener vfs.Opener) *proc.Kernel {
	const totalPages = 4096
	arena, err := ram.New(totalPages*kconfig.PageSize, kconfig.PageSize)
	if err != nil {
		log.Fatalf("ram.New: %v", err)
	}
	cm := coremap.New(arena, kconfig.PageSize)
	cm.Bootstrap()

	registry := proc.NewRegistry(kconfig.DefaultPIDCeiling)
	tlbDev := tlb.New()
	return proc.NewKernel(cm, registry, tlbDev, elf.StdLoader{}, opener, proc.GoScheduler{}, consoleEntry{})
}

func prepareDemoProcess(t *proc.Record) {
	a := t.AddressSpace()
	if err := a.DefineRegion(0x400000, kconfig.PageSize); err != nil {
		log.Fatalf("DefineRegion(text): %v", err)
	}
	if err := a.DefineRegion(0x500000, kconfig.PageSize); err != nil {
		log.Fatalf("DefineRegion(data): %v", err)
	}
	if err := a.PrepareLoad(); err != nil {
		log.Fatalf("PrepareLoad: %v", err)
	}
}

func scenarioForkWait() {
	k := bootKernel(nil)
	parent := k.NewInitProcess("parent")
	prepareDemoProcess(parent)

	childPID, err := k.Fork(parent, &proc.Trapframe{})
	if err != nil {
		log.Fatalf("fork: %v", err)
	}
	child := k.Registry.Lookup(childPID)

	go k.Exit(child, 7)

	pid, status, err := k.Waitpid(parent, childPID, 0)
	if err != nil {
		log.Fatalf("waitpid: %v", err)
	}
	fmt.Printf("waitpid(%d) = %d, WEXITSTATUS = %d\n", childPID, pid, proc.WExitStatus(status))
}

func scenarioOrphan() {
	k := bootKernel(nil)
	parent := k.NewInitProcess("parent")
	prepareDemoProcess(parent)
	childPID, err := k.Fork(parent, &proc.Trapframe{})
	if err != nil {
		log.Fatalf("fork: %v", err)
	}

	k.Exit(parent, 0)
	child := k.Registry.Lookup(childPID)
	fmt.Printf("child %d orphaned, parent pid now %d\n", childPID, child.Parent())

	k.Exit(child, 0)
	if k.Registry.Lookup(childPID) == nil {
		fmt.Printf("child %d reaped itself on exit, no leaked record\n", childPID)
	} else {
		fmt.Printf("BUG: child %d record still present after its own exit\n", childPID)
	}
}

func scenarioFragmentation() {
	arena, err := ram.New(64*kconfig.PageSize, kconfig.PageSize)
	if err != nil {
		log.Fatalf("ram.New: %v", err)
	}
	cm := coremap.New(arena, kconfig.PageSize)
	cm.Bootstrap()

	p1 := cm.Alloc(3)
	p2 := cm.Alloc(5)
	p3 := cm.Alloc(2)
	fmt.Printf("alloc(3)=%#x alloc(5)=%#x alloc(2)=%#x\n", p1, p2, p3)

	cm.Free(p2)
	fmt.Printf("freed the middle 5-page run at %#x\n", p2)

	p4 := cm.Alloc(4)
	fmt.Printf("alloc(4)=%#x (vacated slot was %#x)\n", p4, p2)
	if p4 != p2 {
		log.Fatalf("first-fit violated: alloc(4) did not reuse the vacated slot")
	}
}

func scenarioExecv(args []string) {
	if len(args) == 0 {
		usage()
	}
	path := args[0]
	argv := args

	opener, err := vfs.NewFileOpener()
	if err != nil {
		log.Fatalf("vfs.NewFileOpener: %v", err)
	}
	defer opener.Close()

	k := bootKernel(opener)
	parent := k.NewInitProcess("parent")
	prepareDemoProcess(parent)

	childPID, err := k.Fork(parent, &proc.Trapframe{})
	if err != nil {
		log.Fatalf("fork: %v", err)
	}
	child := k.Registry.Lookup(childPID)

	if err := k.Execv(child, path, argv); err != nil {
		log.Fatalf("execv: %v", err)
	}
}

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	switch args[0] {
	case "forkwait":
		scenarioForkWait()
	case "orphan":
		scenarioOrphan()
	case "fragmentation":
		scenarioFragmentation()
	case "execv":
		scenarioExecv(args[1:])
	default:
		usage()
	}
}
