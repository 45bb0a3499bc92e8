// Package proc implements the process abstraction and a round-robin
// scheduler: process lifecycle (clone/fork, state transitions, exit,
// reparenting orphaned children to init, reaping), pending-signal
// bookkeeping with per-signal default dispositions, and the ready-queue
// rotation a timer tick drives. One spinlock guards the process table and
// the ready queue together, since the two are always mutated as a pair.
package proc

import (
	"github.com/ferrokernel/ferro/kernel/errors"
	"github.com/ferrokernel/ferro/kernel/list"
	"github.com/ferrokernel/ferro/kernel/mem/vmm"
	"github.com/ferrokernel/ferro/kernel/sync/semaphore"
	"github.com/ferrokernel/ferro/kernel/sync/spinlock"
)

// Pid identifies a process. Pid 0 is never assigned; Pid 1 is reserved for
// init, the reparent target for orphaned children.
type Pid int32

// InitPid is the pid reparented children are attached to when their parent
// exits.
const InitPid Pid = 1

// State is a process's scheduling state. StateRunning is held by at most
// one process at a time — the one the scheduler most recently dispatched —
// while StateWaiting marks a runnable process queued for its next slice.
type State uint8

const (
	StateRunning State = iota
	StateWaiting
	StateBlocked
	StateStopped
	StateTerminated
)

// String implements fmt.Stringer for diagnostics.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateWaiting:
		return "waiting"
	case StateBlocked:
		return "blocked"
	case StateStopped:
		return "stopped"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Signal identifies a signal number. The set and numbering follow
// traditional Unix conventions closely enough to be recognizable, without
// claiming POSIX conformance.
type Signal uint8

const (
	SIGHUP    Signal = 1
	SIGINT    Signal = 2
	SIGQUIT   Signal = 3
	SIGKILL   Signal = 9
	SIGUSR1   Signal = 10
	SIGSEGV   Signal = 11
	SIGUSR2   Signal = 12
	SIGPIPE   Signal = 13
	SIGALRM   Signal = 14
	SIGTERM   Signal = 15
	SIGCHLD   Signal = 17
	SIGCONT   Signal = 18
	SIGSTOP   Signal = 19
	SIGTSTP   Signal = 20
	SIGTTIN   Signal = 21
	SIGTTOU   Signal = 22
	SIGURG    Signal = 23
	SIGVTALRM Signal = 26
	SIGPROF   Signal = 27
	SIGPOLL   Signal = 29
	SIGSYS    Signal = 31

	numSignals = 32
)

// Disposition is the effect a signal has on a process when it carries no
// custom handler.
type Disposition uint8

const (
	DispositionTerminate Disposition = iota
	DispositionStop
	DispositionContinue
	DispositionIgnore
)

// defaultDispositions gives every named signal's default effect.
// SIGKILL and SIGSTOP are listed and consulted like any other entry; what
// sets them apart is that no handler can ever be installed for them
// (enforced in Signal below), and Kill applies SIGKILL immediately.
var defaultDispositions = [numSignals]Disposition{
	SIGHUP:    DispositionTerminate,
	SIGINT:    DispositionTerminate,
	SIGQUIT:   DispositionTerminate,
	SIGKILL:   DispositionTerminate,
	SIGUSR1:   DispositionTerminate,
	SIGSEGV:   DispositionTerminate,
	SIGUSR2:   DispositionTerminate,
	SIGPIPE:   DispositionTerminate,
	SIGALRM:   DispositionTerminate,
	SIGTERM:   DispositionTerminate,
	SIGCHLD:   DispositionIgnore,
	SIGCONT:   DispositionContinue,
	SIGSTOP:   DispositionStop,
	SIGTSTP:   DispositionStop,
	SIGTTIN:   DispositionStop,
	SIGTTOU:   DispositionStop,
	SIGURG:    DispositionIgnore,
	SIGVTALRM: DispositionTerminate,
	SIGPROF:   DispositionTerminate,
	SIGPOLL:   DispositionTerminate,
	SIGSYS:    DispositionTerminate,
}

// HandlerKind distinguishes the three ways a process can dispose of a
// signal: fall through to the default, ignore it outright, or run a
// custom handler.
type HandlerKind uint8

const (
	HandlerDefault HandlerKind = iota
	HandlerIgnore
	HandlerCustom
)

// SignalHandler is one entry of a process's handler table.
type SignalHandler struct {
	Kind   HandlerKind
	Custom func(Signal)
}

// Registers is the saved general-purpose register set restored on a
// context switch back into this process; ESP0 is the kernel-mode stack
// pointer a real x86 TSS would reload on privilege-level transitions into
// this process. Actually performing the context switch is architecture
// assembly out of scope here; this struct is the portable state a switch
// routine would consume.
type Registers struct {
	EAX, EBX, ECX, EDX uint32
	ESI, EDI, EBP, ESP uint32
	EIP, EFLAGS        uint32
}

// Process is one schedulable unit: its register state, address space,
// family relationships, and pending/handled signals.
type Process struct {
	Pid  Pid
	PPid Pid

	State     State
	PrevState State

	Regs Registers
	ESP0 uintptr

	MemSpace *vmm.MemSpace

	ExitStatus int32

	parent   *Process
	children list.List[*Process]

	pendingSignals uint32
	handlers       [numSignals]SignalHandler

	blockedOn *semaphore.Semaphore[*Process]

	siblingNode list.Node[*Process]
	readyNode   list.Node[*Process]
	semWait     list.Node[*Process]
}

var (
	lock    spinlock.Spinlock
	table   = map[Pid]*Process{}
	nextPid = Pid(1)

	ready   list.List[*Process]
	current *Process
)

var (
	// ErrNoSuchProcess is returned when an operation names a pid with no
	// live process.
	ErrNoSuchProcess = errors.KernelError("proc: no such process")

	// ErrSignalNotDeliverable is returned by Signal when asked to install
	// a custom handler for SIGKILL or SIGSTOP, which cannot be caught,
	// blocked or ignored.
	ErrSignalNotDeliverable = errors.KernelError("proc: signal cannot be handled")
)

// ResetForTest discards every process, the ready queue and the pid
// counter. It exists for tests only; a real kernel never needs to reset
// this package's state.
func ResetForTest() {
	lock.Lock()
	defer lock.Unlock()
	table = map[Pid]*Process{}
	nextPid = 1
	ready = list.List[*Process]{}
	current = nil
}

func newProcess(ppid Pid, space *vmm.MemSpace) *Process {
	p := &Process{
		Pid:       nextPid,
		PPid:      ppid,
		State:     StateWaiting,
		PrevState: StateWaiting,
		MemSpace:  space,
	}
	nextPid++

	p.siblingNode.Value = p
	p.readyNode.Value = p
	p.semWait.Value = p

	table[p.Pid] = p
	if parent, ok := table[ppid]; ok {
		p.parent = parent
		parent.children.PushBack(&p.siblingNode)
	}
	ready.PushBack(&p.readyNode)
	return p
}

// Spawn creates a new, parentless process (used for init and other
// directly-launched processes rather than a fork of an existing one).
func Spawn(space *vmm.MemSpace) *Process {
	lock.Lock()
	defer lock.Unlock()
	return newProcess(0, space)
}

// Clone (process_clone) forks p: the child gets a copy-on-write address
// space (kernel/mem/vmm.MemSpace.Fork), a copy of p's register state and
// handler table, and is linked as one of p's children. The child starts in
// StateWaiting, queued for its first slice, with EAX zeroed so its first
// dispatch observes fork returning 0 while the parent sees the child's pid.
func (p *Process) Clone() *Process {
	lock.Lock()
	defer lock.Unlock()

	child := newProcess(p.Pid, p.MemSpace.Fork())
	child.Regs = p.Regs
	child.Regs.EAX = 0
	child.handlers = p.handlers
	return child
}

// Lookup finds a live process by pid.
func Lookup(pid Pid) (*Process, bool) {
	lock.Lock()
	defer lock.Unlock()
	p, ok := table[pid]
	return p, ok
}

// Children returns p's current children (excluding any already reaped),
// in the order they were cloned, for a waitpid(-1, ...)-style caller that
// needs to scan for any matching child rather than one specific pid.
func (p *Process) Children() []*Process {
	lock.Lock()
	defer lock.Unlock()
	out := make([]*Process, 0, p.children.Len())
	for node := p.children.Front(); node != nil; node = node.Next() {
		out = append(out, node.Value)
	}
	return out
}

// SetState (process_set_state) transitions p to a new scheduling state,
// recording the state it is leaving as PrevState and adjusting ready-queue
// membership accordingly. Transitioning to StateTerminated should go
// through Exit instead, which also handles reparenting and removal from a
// semaphore wait queue.
func (p *Process) SetState(s State) {
	lock.Lock()
	defer lock.Unlock()
	p.setStateLocked(s)
}

func (p *Process) setStateLocked(s State) {
	if p.State == s {
		return
	}
	p.PrevState = p.State
	p.State = s

	switch s {
	case StateWaiting:
		if !p.readyNode.Linked() {
			ready.PushBack(&p.readyNode)
		}
	case StateRunning:
		if p.readyNode.Linked() {
			ready.Remove(&p.readyNode)
		}
		current = p
	default:
		if p.readyNode.Linked() {
			ready.Remove(&p.readyNode)
		}
		if current == p {
			current = nil
		}
	}
}

// WaitOn blocks p on sem (sem_wait from the process side): if the
// semaphore is immediately available p keeps running, otherwise p's state
// becomes StateBlocked and it is recorded as blocked on sem so Exit/Kill
// can detach it if it is killed while still queued. setStateLocked records
// the state p is leaving as PrevState, which Wake later restores.
func (p *Process) WaitOn(sem *semaphore.Semaphore[*Process]) {
	if sem.Wait(&p.semWait) {
		return
	}
	lock.Lock()
	p.blockedOn = sem
	p.setStateLocked(StateBlocked)
	lock.Unlock()
}

// Wake makes p runnable again after a semaphore handed it a release
// (sem_post waking a waiter): p falls back to PrevState, the state it was
// in when WaitOn blocked it, rather than unconditionally to StateRunning —
// a process can block from StateWaiting as well as StateRunning. If
// PrevState is StateTerminated (the process was killed and reparented and
// something still posts to a semaphore it once queued on) it falls back to
// StateWaiting instead, since resuming a terminated process into
// StateTerminated via Wake would be a no-op that silently hides a logic
// error upstream.
func Wake(p *Process) {
	lock.Lock()
	restore := p.PrevState
	if restore == StateRunning || restore == StateTerminated {
		// A woken waiter becomes runnable, not instantly the dispatched
		// process — StateRunning belongs to whatever the scheduler is
		// currently running. StateTerminated falls back to StateWaiting
		// per the sem_remove contract.
		restore = StateWaiting
	}
	p.blockedOn = nil
	p.setStateLocked(restore)
	lock.Unlock()
}

// Signal installs a handler for sig (replacing any existing one). SIGKILL
// and SIGSTOP can never be caught, blocked or ignored.
func (p *Process) Signal(sig Signal, h SignalHandler) error {
	if sig == SIGKILL || sig == SIGSTOP {
		return ErrSignalNotDeliverable
	}
	lock.Lock()
	defer lock.Unlock()
	p.handlers[sig] = h
	return nil
}

// Kill (process_kill) raises sig against p. SIGKILL always terminates
// immediately regardless of any installed handler; SIGCONT against a
// stopped process always resumes it immediately. Every other signal is
// simply marked pending and is applied the next time the scheduler
// dispatches p (see deliverPending).
func Kill(pid Pid, sig Signal) error {
	lock.Lock()
	p, ok := table[pid]
	lock.Unlock()
	if !ok {
		return ErrNoSuchProcess
	}

	if sig == SIGKILL {
		terminate(p, 128+int32(sig))
		return nil
	}

	lock.Lock()
	p.pendingSignals |= 1 << uint(sig)
	stopped := p.State == StateStopped
	lock.Unlock()

	if sig == SIGCONT && stopped {
		p.SetState(StateWaiting)
	}
	return nil
}

// deliverPending applies every pending signal against p that a custom
// handler does not intercept, draining the pending set as it goes. Called
// by the scheduler immediately before dispatching a process, so no
// process ever observes a stale pending signal from before its last run.
func deliverPending(p *Process) {
	lock.Lock()
	pending := p.pendingSignals
	p.pendingSignals = 0
	handlers := p.handlers
	lock.Unlock()

	for sig := Signal(0); sig < numSignals; sig++ {
		bit := uint32(1) << uint(sig)
		if pending&bit == 0 {
			continue
		}

		// An earlier signal in this pass may have terminated p; nothing
		// further may be delivered to a dead process — in particular a
		// later stop disposition must not pull it back out of
		// StateTerminated, where it would be unschedulable and
		// unreapable.
		lock.Lock()
		dead := p.State == StateTerminated
		lock.Unlock()
		if dead {
			return
		}

		h := handlers[sig]
		switch h.Kind {
		case HandlerIgnore:
			continue
		case HandlerCustom:
			if h.Custom != nil {
				h.Custom(sig)
			}
			continue
		}

		switch defaultDispositions[sig] {
		case DispositionIgnore:
		case DispositionStop:
			p.SetState(StateStopped)
		case DispositionContinue:
			if p.State == StateStopped {
				p.SetState(StateWaiting)
			}
		default:
			terminate(p, 128+int32(sig))
		}
	}
}

// Exit (process_exit) terminates p voluntarily with the given status.
func (p *Process) Exit(status int32) {
	terminate(p, status)
}

// ErrNotTerminated is returned by Reap for a child that has not exited yet.
var ErrNotTerminated = errors.KernelError("proc: process has not terminated")

// Reap destroys a terminated child of p after its exit status has been
// consumed (the waitpid path): the child leaves p's children list and the
// process table, and its address space is torn down. Only the parent may
// reap, and only once the child is terminated.
func (p *Process) Reap(child *Process) error {
	lock.Lock()
	if child.parent != p {
		lock.Unlock()
		return ErrNoSuchProcess
	}
	if child.State != StateTerminated {
		lock.Unlock()
		return ErrNotTerminated
	}
	p.children.Remove(&child.siblingNode)
	delete(table, child.Pid)
	child.parent = nil
	lock.Unlock()

	if child.MemSpace != nil {
		child.MemSpace.Destroy()
	}
	return nil
}

func terminate(p *Process, status int32) {
	lock.Lock()
	if p.State == StateTerminated {
		lock.Unlock()
		return
	}
	wasBlocked := p.State == StateBlocked
	blockedOn := p.blockedOn
	p.blockedOn = nil
	p.setStateLocked(StateTerminated)
	p.ExitStatus = status

	initProc := table[InitPid]
	for node := p.children.Front(); node != nil; {
		next := node.Next()
		child := node.Value
		p.children.Remove(node)
		if initProc != nil && initProc != p {
			child.PPid = initProc.Pid
			child.parent = initProc
			initProc.children.PushBack(&child.siblingNode)
		}
		node = next
	}
	lock.Unlock()

	// sem_remove: a process can only be sitting in a semaphore's wait
	// queue while it is itself in StateBlocked, so killing it in any
	// other state never needs this step.
	if wasBlocked && blockedOn != nil {
		blockedOn.Remove(&p.semWait)
	}
}

// Tick advances the round-robin scheduler by one slice: the currently
// running process, if still runnable, goes back to StateWaiting at the tail
// of the ready queue, and the head of the queue — after having any signals
// pending against it delivered — becomes the new running process. A head
// whose pending signals terminated, stopped or blocked it is skipped rather
// than dispatched; Tick returns nil if no process is left ready to run.
func Tick() *Process {
	lock.Lock()
	if current != nil && current.State == StateRunning {
		current.setStateLocked(StateWaiting)
	}
	current = nil
	lock.Unlock()

	for {
		lock.Lock()
		front := ready.Front()
		lock.Unlock()
		if front == nil {
			return nil
		}
		next := front.Value
		deliverPending(next)

		lock.Lock()
		if next.State == StateWaiting {
			next.setStateLocked(StateRunning)
			lock.Unlock()
			return next
		}
		// The delivered signals took the head off the ready queue; try
		// whatever moved up behind it.
		lock.Unlock()
	}
}

// Current returns the process the scheduler most recently dispatched, or
// nil if none has run yet or the last one dispatched is no longer
// runnable.
func Current() *Process {
	lock.Lock()
	defer lock.Unlock()
	return current
}
