package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

var (
	ErrNotReady = errors.New("storage not ready")
	// A file is open for writing, so it can't be converted to a compact layout.
	ErrDownloadActive = errors.New("download active")
	ErrMoving         = errors.New("files are being moved")
	ErrBadRequest     = errors.New("bad request")
	ErrHashMismatch   = errors.New("piece hash mismatch")
)

type FaultCode int

const (
	FaultNone FaultCode = iota
	FaultInsufficientSpace
	FaultFileMissing
	FaultWriteError
	FaultStopDuringInit
	FaultOther
)

func (c FaultCode) String() string {
	switch c {
	case FaultNone:
		return "none"
	case FaultInsufficientSpace:
		return "insufficient space"
	case FaultFileMissing:
		return "file missing"
	case FaultWriteError:
		return "write error"
	case FaultStopDuringInit:
		return "stop during init"
	case FaultOther:
		return "other"
	default:
		return fmt.Sprintf("FaultCode(%d)", int(c))
	}
}

// Why the engine is Faulty.
type Fault struct {
	Code    FaultCode
	Message string
	Err     error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%v: %v", f.Code, f.Message)
	}
	return fmt.Sprintf("%v: %v: %v", f.Code, f.Message, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// The most specific code for an I/O error. Write failures that aren't about space are write
// errors.
func classifyFault(err error, writing bool) FaultCode {
	var fault *Fault
	switch {
	case errors.As(err, &fault):
		return fault.Code
	case errors.Is(err, syscall.ENOSPC):
		return FaultInsufficientSpace
	case errors.Is(err, fs.ErrNotExist):
		return FaultFileMissing
	case writing:
		return FaultWriteError
	default:
		return FaultOther
	}
}

func newFault(err error, writing bool, format string, args ...any) *Fault {
	return &Fault{
		Code:    classifyFault(err, writing),
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}
