package mcdi

import (
	"fmt"

	"github.com/frobware/go-nicctl"
)

// Errno is the error code carried by an error response.
type Errno uint32

// Firmware error codes. The values follow Linux errno numbering.
const (
	EPERM    Errno = 1
	ENOENT   Errno = 2
	EINTR    Errno = 4
	EIO      Errno = 5
	EAGAIN   Errno = 11
	EACCES   Errno = 13
	EBUSY    Errno = 16
	EEXIST   Errno = 17
	EINVAL   Errno = 22
	ENOSPC   Errno = 28
	ERANGE   Errno = 34
	ENOSYS   Errno = 38
	EALREADY Errno = 114
)

func (e Errno) String() string {
	switch e {
	case EPERM:
		return "EPERM"
	case ENOENT:
		return "ENOENT"
	case EINTR:
		return "EINTR"
	case EIO:
		return "EIO"
	case EAGAIN:
		return "EAGAIN"
	case EACCES:
		return "EACCES"
	case EBUSY:
		return "EBUSY"
	case EEXIST:
		return "EEXIST"
	case EINVAL:
		return "EINVAL"
	case ENOSPC:
		return "ENOSPC"
	case ERANGE:
		return "ERANGE"
	case ENOSYS:
		return "ENOSYS"
	case EALREADY:
		return "EALREADY"
	default:
		return fmt.Sprintf("errno(%d)", uint32(e))
	}
}

// sentinel maps a firmware errno onto the shared error taxonomy.
func (e Errno) sentinel() error {
	switch e {
	case ENOENT:
		return nicctl.ErrNotFound
	case EEXIST, EALREADY:
		return nicctl.ErrAlreadyExists
	case EPERM, EACCES:
		return nicctl.ErrPermissionDenied
	case EBUSY, EAGAIN, EINTR:
		return nicctl.ErrBusy
	case ENOSPC:
		return nicctl.ErrOutOfSpace
	case ENOSYS:
		return nicctl.ErrNotImplemented
	case EINVAL, ERANGE:
		return nicctl.ErrNotSupported
	default:
		return nil
	}
}

// CommandError is a command the controller completed with an error
// response.
type CommandError struct {
	Opcode Opcode
	Errno  Errno
}

func (e *CommandError) Error() string {
	if s := e.Errno.sentinel(); s != nil {
		return fmt.Sprintf("mcdi %s: %s: %v", e.Opcode, e.Errno, s)
	}
	return fmt.Sprintf("mcdi %s: %s", e.Opcode, e.Errno)
}

// Unwrap exposes the taxonomy sentinel for errors.Is.
func (e *CommandError) Unwrap() error { return e.Errno.sentinel() }
