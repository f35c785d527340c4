// Package proc implements the PID registry and the process lifecycle:
// fork, execv, exit, waitpid, getpid.
package proc

import (
	"sync"

	"dumbvm161/vm/as"
)

// PID identifies a process record. PIDs are never reused.
type PID int32

// NoPID marks an orphaned or not-yet-assigned parent.
const NoPID PID = -1

// Record is one process's lifecycle state: the PID registry's
// alive/dead entry and the process's own record, combined into a single
// type since they share the same mutex and condition variable.
type Record struct {
	PID  PID
	Name string

	mu   sync.Mutex
	cond *sync.Cond

	ParentPID PID
	children  []PID
	dead      bool
	exitCode  int

	AS *as.AddressSpace
}

func newRecord(pid PID, name string, space *as.AddressSpace) *Record {
	r := &Record{PID: pid, Name: name, ParentPID: NoPID, AS: space}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (p *Record) addChild(child PID) {
	p.mu.Lock()
	p.children = append(p.children, child)
	p.mu.Unlock()
}

// markDead records the exit code, flags the record dead, and wakes any
// waitpid callers blocked on it.
func (p *Record) markDead(code int) {
	p.mu.Lock()
	p.dead = true
	p.exitCode = code
	p.cond.Broadcast()
	p.mu.Unlock()
}

// swapAS atomically replaces the process's address space pointer and
// returns the previous one, so execv's address-space switch can never
// be observed half-done through p.AS.
func (p *Record) swapAS(n *as.AddressSpace) *as.AddressSpace {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.AS
	p.AS = n
	return old
}

// Parent returns the process's current parent PID, NoPID if it has been
// orphaned.
func (p *Record) Parent() PID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ParentPID
}

// Dead reports whether the process has exited.
func (p *Record) Dead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dead
}

// AddressSpace returns the process's current address space.
func (p *Record) AddressSpace() *as.AddressSpace {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.AS
}
