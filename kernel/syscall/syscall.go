// Package syscall is the kernel's semantic syscall surface: one Go function
// per syscall, each returning (int32, error) instead of the raw
// negative-errno convention a real trap return value uses. Decoding the
// EAX-indexed register trap frame that would dispatch into these functions
// on real hardware is an external, architecture-specific concern and is
// intentionally not implemented here — a trap handler would translate a
// caught error into the corresponding negative errno before returning to
// user mode.
package syscall

import (
	"github.com/ferrokernel/ferro/kernel/errors"
	"github.com/ferrokernel/ferro/kernel/mem"
	"github.com/ferrokernel/ferro/kernel/mem/vmm"
	"github.com/ferrokernel/ferro/kernel/proc"
)

var (
	// ErrNoCurrentProcess is returned by any syscall that needs a calling
	// process when the scheduler has not dispatched one.
	ErrNoCurrentProcess = errors.KernelError("syscall: no current process")

	// ErrBadFileDescriptor is returned by Write for any descriptor other
	// than stdout/stderr — this build carries no file-descriptor table or
	// driver layer.
	ErrBadFileDescriptor = errors.KernelError("syscall: bad file descriptor")

	// ErrWouldBlock is returned by Waitpid against a child that has not
	// yet exited: this surface is synchronous and never itself blocks the
	// caller (that policy belongs to whatever calls it).
	ErrWouldBlock = errors.KernelError("syscall: would block")

	// ErrNotImplemented is returned by Socketpair, which needs a socket
	// subsystem this module does not implement — see DESIGN.md.
	ErrNotImplemented = errors.KernelError("syscall: not implemented")

	// ErrFault is returned when a caller-supplied pointer does not fall
	// inside the calling process's address space.
	ErrFault = errors.KernelError("syscall: bad user pointer")

	// ErrNoChild is returned by Waitpid when the named pid is not one of
	// the caller's children (or, for -1, the caller has no children).
	ErrNoChild = errors.KernelError("syscall: no matching child")
)

// Memory-protection bits for Mmap, matching the conventional mmap(2) prot
// argument closely enough to be recognizable.
const (
	ProtRead  = 1 << iota
	ProtWrite
	ProtExec
)

func requireCurrent() (*proc.Process, error) {
	p := proc.Current()
	if p == nil {
		return nil, ErrNoCurrentProcess
	}
	return p, nil
}

// Getpid returns the calling process's pid.
func Getpid() (int32, error) {
	p, err := requireCurrent()
	if err != nil {
		return -1, err
	}
	return int32(p.Pid), nil
}

// Getppid returns the calling process's parent pid.
func Getppid() (int32, error) {
	p, err := requireCurrent()
	if err != nil {
		return -1, err
	}
	return int32(p.PPid), nil
}

// Fork clones the calling process and returns the child's pid.
func Fork() (int32, error) {
	p, err := requireCurrent()
	if err != nil {
		return -1, err
	}
	return int32(p.Clone().Pid), nil
}

// Exit terminates the calling process with the given status. It never
// returns to the caller on real hardware; here it returns 0 once the
// process has been marked terminated.
func Exit(status int32) (int32, error) {
	p, err := requireCurrent()
	if err != nil {
		return -1, err
	}
	p.Exit(status)
	return 0, nil
}

// Kill raises sig against pid (process_kill).
func Kill(pid int32, sig int32) (int32, error) {
	if err := proc.Kill(proc.Pid(pid), proc.Signal(sig)); err != nil {
		return -1, err
	}
	return 0, nil
}

// Signal installs handler as the calling process's disposition for sig. A
// nil handler restores the default disposition.
func Signal(sig int32, handler func(int32)) (int32, error) {
	p, err := requireCurrent()
	if err != nil {
		return -1, err
	}

	h := proc.SignalHandler{Kind: proc.HandlerDefault}
	if handler != nil {
		h = proc.SignalHandler{Kind: proc.HandlerCustom, Custom: func(s proc.Signal) { handler(int32(s)) }}
	}
	if err := p.Signal(proc.Signal(sig), h); err != nil {
		return -1, err
	}
	return 0, nil
}

// Waitpid reports the pid and exit status of a terminated child of the
// calling process, then reaps it — the child leaves the process table, so
// a second Waitpid never observes the same termination twice. pid == -1
// matches any child — the first already-terminated one found among the
// caller's children, the conventional "wait for any child" mode — while
// any other value matches that exact pid, which must name one of the
// caller's own children (ErrNoChild otherwise, as when -1 finds no
// children at all). This surface never itself blocks the caller: a
// synchronous ErrWouldBlock is returned when no match has terminated yet,
// leaving the choice to spin, sleep, or park the caller via a semaphore to
// whatever calls Waitpid.
func Waitpid(pid int32) (childPid int32, status int32, err error) {
	p, err := requireCurrent()
	if err != nil {
		return -1, -1, err
	}

	if pid == -1 {
		children := p.Children()
		if len(children) == 0 {
			return -1, -1, ErrNoChild
		}
		for _, child := range children {
			if child.State == proc.StateTerminated {
				return reap(p, child)
			}
		}
		return -1, -1, ErrWouldBlock
	}

	child, ok := proc.Lookup(proc.Pid(pid))
	if !ok || child.PPid != p.Pid {
		return -1, -1, ErrNoChild
	}
	if child.State != proc.StateTerminated {
		return -1, -1, ErrWouldBlock
	}
	return reap(p, child)
}

// reap consumes a terminated child's exit status and destroys it, so a
// second waitpid never observes the same termination twice.
func reap(p, child *proc.Process) (int32, int32, error) {
	pid, status := int32(child.Pid), child.ExitStatus
	if err := p.Reap(child); err != nil {
		return -1, -1, err
	}
	return pid, status, nil
}

// Write writes nbyte bytes starting at buf to fd. Only stdout (1) and
// stderr (2) are supported — there is no file-descriptor table in this
// build — and, after the descriptor check and for a non-zero nbyte, buf is
// validated against the calling process's address space before success is
// reported: every byte of [buf, buf+nbyte) must fall
// inside its regions or the call fails with ErrFault. Handing the
// validated bytes to the TTY is the out-of-scope console driver's job, so
// a valid write simply reports full success.
func Write(fd int32, buf uintptr, nbyte uint32) (int32, error) {
	p, err := requireCurrent()
	if err != nil {
		return -1, err
	}
	if fd != 1 && fd != 2 {
		return -1, ErrBadFileDescriptor
	}
	if nbyte == 0 {
		return 0, nil
	}

	if !p.MemSpace.ContainsRange(buf, uintptr(nbyte)) {
		return -1, ErrFault
	}
	return int32(nbyte), nil
}

// Mmap reserves a new region of the calling process's address space
// (mem_space_alloc), backed lazily on first access.
func Mmap(addr uintptr, length uint32, prot int32) (int32, error) {
	p, err := requireCurrent()
	if err != nil {
		return -1, err
	}

	flags := vmm.FlagUser
	if prot&ProtRead != 0 {
		flags |= vmm.FlagRead
	}
	if prot&ProtWrite != 0 {
		flags |= vmm.FlagWrite
	}
	if prot&ProtExec != 0 {
		flags |= vmm.FlagExec
	}

	region, err := p.MemSpace.Alloc(addr, mem.Size(length).Pages(), flags)
	if err != nil {
		return -1, err
	}
	return int32(region.Base), nil
}

// Munmap releases the region containing addr (mem_space_free).
func Munmap(addr uintptr, length uint32) (int32, error) {
	p, err := requireCurrent()
	if err != nil {
		return -1, err
	}

	region, ok := p.MemSpace.Contains(addr)
	if !ok {
		return -1, vmm.ErrNoSuchRegion
	}
	p.MemSpace.Free(region)
	return 0, nil
}

// Socketpair is not implemented: a socket subsystem is out of scope for
// this build (see DESIGN.md).
func Socketpair() (int32, error) {
	return -1, ErrNotImplemented
}
