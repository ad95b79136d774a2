// Package errno defines the error-kind vocabulary shared by every layer of
// the filesystem core, mirroring the POSIX error codes the original lwext4
// core returns as plain ints.
package errno

import "fmt"

// Kind identifies the class of failure a core operation reports. Callers
// match on Kind via errors.Is rather than string comparison.
type Kind int

const (
	_ Kind = iota
	EIO
	ENOENT
	EEXIST
	EISDIR
	ENOTDIR
	ENOTEMPTY
	ENOSPC
	ENOMEM
	EFBIG
	EMLINK
	EPERM
	EROFS
	ENOTSUP
	ECORRUPT
	EINVAL
)

func (k Kind) String() string {
	switch k {
	case EIO:
		return "EIO"
	case ENOENT:
		return "ENOENT"
	case EEXIST:
		return "EEXIST"
	case EISDIR:
		return "EISDIR"
	case ENOTDIR:
		return "ENOTDIR"
	case ENOTEMPTY:
		return "ENOTEMPTY"
	case ENOSPC:
		return "ENOSPC"
	case ENOMEM:
		return "ENOMEM"
	case EFBIG:
		return "EFBIG"
	case EMLINK:
		return "EMLINK"
	case EPERM:
		return "EPERM"
	case EROFS:
		return "EROFS"
	case ENOTSUP:
		return "ENOTSUP"
	case ECORRUPT:
		return "ECORRUPT"
	case EINVAL:
		return "EINVAL"
	default:
		return "EUNKNOWN"
	}
}

// Error is a Kind carrying an operation-specific message. It satisfies the
// standard error interface and unwraps to an optional underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is the same Kind, so callers can write
// errors.Is(err, errno.New(errno.ENOENT)) without type-asserting *Error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds a bare sentinel for a Kind, usable directly with errors.Is.
func New(k Kind) *Error { return &Error{Kind: k} }

// Wrap attaches a message and causal chain to a Kind.
func Wrap(k Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Of reports the Kind of err, or EIO if err does not carry one — corruption
// and I/O failures that escape a specific classification default to EIO,
// per spec's propagation policy.
func Of(err error) Kind {
	if err == nil {
		return 0
	}
	var e *Error
	for err != nil {
		if ee, ok := err.(*Error); ok {
			e = ee
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return EIO
	}
	return e.Kind
}
