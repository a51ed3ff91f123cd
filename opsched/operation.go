package opsched

import "fmt"

// Operation kinds in priority order. Earlier kinds are resumed first when they compete for a
// filesystem.
type Kind int

const (
	KindAllocate Kind = iota
	KindCheck
	KindMove
	KindCopy
	KindExport
)

func (k Kind) String() string {
	switch k {
	case KindAllocate:
		return "allocate"
	case KindCheck:
		return "check"
	case KindMove:
		return "move"
	case KindCopy:
		return "copy"
	case KindExport:
		return "export"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Identifies a physical filesystem, such as a device number.
type FilesystemID string

// A long-running operation that honours its pause flag at safe points. The scheduler calls
// SetPaused and SetQueueOrder while holding its lock, so they must not call back into it.
type Operation interface {
	Kind() Kind
	Filesystems() []FilesystemID
	// Key of the download the operation belongs to.
	Download() string
	Paused() bool
	SetPaused(bool)
	// Position in the longest queue the operation waits in. 0 when running.
	SetQueueOrder(int)
}
