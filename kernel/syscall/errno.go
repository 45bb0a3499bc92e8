package syscall

import (
	"github.com/ferrokernel/ferro/kernel/errors"
	"github.com/ferrokernel/ferro/kernel/mem/vmm"
	"github.com/ferrokernel/ferro/kernel/proc"
)

// Errno values use the conventional Unix numbering. The trap dispatch layer
// (out of scope here) returns them negated in EAX; Errno below performs
// that translation for it.
const (
	ESRCH  int32 = 3
	EBADF  int32 = 9
	ECHILD int32 = 10
	EAGAIN int32 = 11
	ENOMEM int32 = 12
	EFAULT int32 = 14
	EINVAL int32 = 22
	ENOSYS int32 = 38
)

// Errno translates an error returned by one of this package's syscall
// functions into the negative errno a trap return value carries in EAX.
// nil maps to 0; an error no table entry covers maps to -EINVAL, since
// every such error reaching this point is a rejected argument of some kind.
// Unknown syscall numbers never get here at all — the dispatcher delivers
// SIGSYS to the caller instead of invoking anything.
func Errno(err error) int32 {
	switch err {
	case nil:
		return 0
	case errors.ErrOutOfMemory:
		return -ENOMEM
	case errors.ErrInvalidParamValue:
		return -EINVAL
	case ErrFault:
		return -EFAULT
	case ErrBadFileDescriptor:
		return -EBADF
	case ErrNoChild:
		return -ECHILD
	case ErrWouldBlock:
		return -EAGAIN
	case ErrNotImplemented:
		return -ENOSYS
	case proc.ErrNoSuchProcess:
		return -ESRCH
	case vmm.ErrNoSuchRegion, vmm.ErrOverlappingRegion:
		return -EINVAL
	default:
		return -EINVAL
	}
}
