// Package errkind defines the small fixed set of error categories the
// dedup pipeline classifies failures into. Callers use errors.As to
// recover a *Error from a wrapped error chain and switch on its Kind;
// nothing in this package or its callers matches on error strings.
package errkind

import "fmt"

// Kind is one of the fixed categories a pipeline stage can fail with.
type Kind int

const (
	// Unsupported means the kernel doesn't implement the ioctl or flag
	// a feature needs. Aborts only the feature that needed it.
	Unsupported Kind = iota
	// Permission means the caller lacks privilege (not root, LSM denial).
	// Per-file: skip. Globally (e.g. no CAP_SYS_ADMIN at all): abort pass.
	Permission
	// Vanished means the file disappeared between indexing and locking.
	Vanished
	// Busy means a writer was found during the /proc sweep.
	Busy
	// Changed means the stability recheck found size/mtime drift.
	Changed
	// Mismatch means the byte comparison found the candidate unequal.
	Mismatch
	// IoError means a read or clone syscall failed unexpectedly.
	IoError
	// StoreError means a state-store commit failed; fatal to the pass.
	StoreError
)

func (k Kind) String() string {
	switch k {
	case Unsupported:
		return "unsupported"
	case Permission:
		return "permission"
	case Vanished:
		return "vanished"
	case Busy:
		return "busy"
	case Changed:
		return "changed"
	case Mismatch:
		return "mismatch"
	case IoError:
		return "io_error"
	case StoreError:
		return "store_error"
	default:
		return "unknown"
	}
}

// Error pairs a Kind with the underlying cause, if any.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Kind, e.Err)
		}
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for op/kind without an underlying cause or path.
func New(op string, kind Kind) *Error {
	return &Error{Op: op, Kind: kind}
}

// Wrap builds an *Error for op/kind with an underlying cause.
func Wrap(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// WrapPath is Wrap plus the path the failure occurred on.
func WrapPath(op string, kind Kind, path string, err error) *Error {
	return &Error{Op: op, Kind: kind, Path: path, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
