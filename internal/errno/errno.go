// Package errno defines the small set of Linux-errno-shaped error values
// that cross the pseudo-process protocol boundary (spec.md §7).
package errno

import "fmt"

// Errno is a negatable POSIX-style error code. It implements error so it can
// be returned directly, and Negate() produces the wire value the protocol
// expects (spec.md §6: "responses carry an int64 return value ... negative =
// error").
type Errno int32

const (
	EPERM     Errno = 1
	ENOENT    Errno = 2
	EIO       Errno = 5
	EINTR     Errno = 4
	EAGAIN    Errno = 11
	ENOMEM    Errno = 12
	EACCES    Errno = 13
	EFAULT    Errno = 14
	EBUSY     Errno = 16
	EEXIST    Errno = 17
	ENODEV    Errno = 19
	EINVAL    Errno = 22
	ENOSPC    Errno = 28
	ESPIPE    Errno = 29
	ERANGE    Errno = 34
	ENOSYS    Errno = 38
	ENOTEMPTY Errno = 39
	ETIMEDOUT Errno = 110
	ECANCELED Errno = 125
)

var names = map[Errno]string{
	EPERM:     "EPERM",
	ENOENT:    "ENOENT",
	EIO:       "EIO",
	EINTR:     "EINTR",
	EAGAIN:    "EAGAIN",
	ENOMEM:    "ENOMEM",
	EACCES:    "EACCES",
	EFAULT:    "EFAULT",
	EBUSY:     "EBUSY",
	EEXIST:    "EEXIST",
	ENODEV:    "ENODEV",
	EINVAL:    "EINVAL",
	ENOSPC:    "ENOSPC",
	ESPIPE:    "ESPIPE",
	ERANGE:    "ERANGE",
	ENOSYS:    "ENOSYS",
	ENOTEMPTY: "ENOTEMPTY",
	ETIMEDOUT: "ETIMEDOUT",
	ECANCELED: "ECANCELED",
}

func (e Errno) Error() string {
	if name, ok := names[e]; ok {
		return name
	}
	return fmt.Sprintf("errno %d", int32(e))
}

// Negate returns the wire-protocol encoding of e: a negative int64, per
// spec.md §6's ack convention.
func (e Errno) Negate() int64 {
	return -int64(e)
}

// FromError unwraps err down to an Errno if one is present anywhere in its
// chain, otherwise returns (0, false).
func FromError(err error) (Errno, bool) {
	if err == nil {
		return 0, false
	}
	type unwrapper interface{ Unwrap() error }
	for {
		if e, ok := err.(Errno); ok {
			return e, true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return 0, false
		}
		err = u.Unwrap()
		if err == nil {
			return 0, false
		}
	}
}
