// Package rerr defines rsprof's error taxonomy: a small set of typed
// sentinel-style errors, each carrying a Code that maps directly to a
// process exit code. It wraps the standard errors package rather than
// replacing it, so callers can keep using
// errors.Is/errors.As/errors.Join/fmt.Errorf("...: %w", err) throughout.
package rerr

import (
	"errors"
	"fmt"
)

// Re-export the stdlib error helpers so callers only need to import rerr.
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	New    = errors.New
	Unwrap = errors.Unwrap
)

// Code identifies one category of rsprof's error taxonomy and maps 1:1 to a
// process exit code.
type Code int

const (
	// CodeOK is never attached to an error; it is the exit code for success.
	CodeOK Code = 0
	// CodeGeneral covers anything not classified below.
	CodeGeneral Code = 1
	// CodeInvalidArgs is returned for malformed CLI input.
	CodeInvalidArgs Code = 2
	// CodeNotFound covers target discovery failures: not found, ambiguous
	// name match, or not readable.
	CodeNotFound Code = 3
	// CodePermission covers event-open, probe-load, and attach denials.
	CodePermission Code = 4
	// CodeDebugInfo covers missing or insufficient debug information in the
	// target executable.
	CodeDebugInfo Code = 5
	// CodeStore covers store I/O errors and schema version mismatches.
	CodeStore Code = 6
)

// String returns a short human-readable label for the code, used in log
// attributes and error messages.
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeGeneral:
		return "general"
	case CodeInvalidArgs:
		return "invalid-args"
	case CodeNotFound:
		return "not-found"
	case CodePermission:
		return "permission"
	case CodeDebugInfo:
		return "debug-info"
	case CodeStore:
		return "store"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// codedError pairs a Code with an underlying error for wrapping/unwrapping.
type codedError struct {
	code Code
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

// WithCode wraps err with code so that Of(err) later recovers it. Passing a
// nil err returns nil.
func WithCode(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}

// Newf builds a new coded error from a format string, in the manner of
// fmt.Errorf.
func Newf(code Code, format string, args ...any) error {
	return &codedError{code: code, err: fmt.Errorf(format, args...)}
}

// Of recovers the Code attached to err via WithCode/Newf, walking the error
// chain with errors.As. If no coded error is found, CodeGeneral is returned.
func Of(err error) Code {
	if err == nil {
		return CodeOK
	}
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	return CodeGeneral
}

// ExitCode returns the process exit code for err: 0 for a nil error,
// otherwise the taxonomy code (defaulting to 1).
func ExitCode(err error) int {
	return int(Of(err))
}

// Sentinel errors for conditions callers frequently need to match with
// errors.Is, following the shape of jra3-system-agent's RetryableError
// marker — a small, named set of conditions rather than ad-hoc string
// matching.
var (
	// ErrProcessNotFound indicates the requested pid or process name had no
	// matching running process.
	ErrProcessNotFound = WithCode(CodeNotFound, errors.New("rsprof: process not found"))
	// ErrAmbiguousProcess indicates a --process name matched more than one
	// running process.
	ErrAmbiguousProcess = WithCode(CodeNotFound, errors.New("rsprof: ambiguous process name"))
	// ErrNoDebugInfo indicates the target executable has no usable debug
	// line-number program.
	ErrNoDebugInfo = WithCode(CodeDebugInfo, errors.New("rsprof: target has no debug information"))
	// ErrPermissionDenied indicates a perf_event_open/bpf syscall was denied
	// by kernel policy (perf_event_paranoid, missing capability, etc).
	ErrPermissionDenied = WithCode(CodePermission, errors.New("rsprof: permission denied"))
	// ErrSchemaMismatch indicates a store file's schema version does not
	// match this binary's supported version.
	ErrSchemaMismatch = WithCode(CodeStore, errors.New("rsprof: store schema version mismatch"))
)
