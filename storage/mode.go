package storage

import (
	"fmt"
	"strings"
)

// Physical layout of a file's bytes.
type StorageMode int

const (
	// Contiguous, allocated up front or lazily.
	StorageLinear StorageMode = iota
	// Only downloaded ranges occupy space.
	StorageCompact
	// Pieces are written in a rotated layout so the file stays appendable.
	StorageReorder
	StorageReorderCompact
)

func (m StorageMode) String() string {
	switch m {
	case StorageLinear:
		return "linear"
	case StorageCompact:
		return "compact"
	case StorageReorder:
		return "reorder"
	case StorageReorderCompact:
		return "reorder-compact"
	default:
		return fmt.Sprintf("StorageMode(%d)", int(m))
	}
}

func (m StorageMode) IsCompact() bool {
	return m == StorageCompact || m == StorageReorderCompact
}

func (m StorageMode) IsReorder() bool {
	return m == StorageReorder || m == StorageReorderCompact
}

// The counterpart a compact file is converted to before it must exist in full.
func (m StorageMode) NonCompact() StorageMode {
	switch m {
	case StorageCompact:
		return StorageLinear
	case StorageReorderCompact:
		return StorageReorder
	default:
		return m
	}
}

func (m StorageMode) letter() byte {
	return "LCRX"[m]
}

func formatStorageModes(modes []StorageMode) string {
	var sb strings.Builder
	for _, m := range modes {
		sb.WriteByte(m.letter())
	}
	return sb.String()
}

func parseStorageModes(s string) (ret []StorageMode, err error) {
	for i := 0; i < len(s); i++ {
		m := strings.IndexByte("LCRX", s[i])
		if m < 0 {
			err = fmt.Errorf("bad storage mode %q at %v", s[i], i)
			return
		}
		ret = append(ret, StorageMode(m))
	}
	return
}

type AccessMode int

const (
	AccessRead AccessMode = iota
	AccessWrite
)

func (m AccessMode) String() string {
	if m == AccessWrite {
		return "write"
	}
	return "read"
}

// How file space is reserved during allocation.
type AllocationMode int

const (
	// Set the file length and let the filesystem fill holes.
	AllocateSparse AllocationMode = iota
	// Write zeroes over the bytes beyond the existing length.
	AllocateZeroFill
	// Ask the filesystem to reserve space, falling back to zero fill.
	AllocatePrealloc
)

func (m *AllocationMode) UnmarshalText(b []byte) error {
	for _, v := range []AllocationMode{AllocateSparse, AllocateZeroFill, AllocatePrealloc} {
		if v.String() == string(b) {
			*m = v
			return nil
		}
	}
	return fmt.Errorf("unknown allocation mode %q", b)
}

func (m AllocationMode) String() string {
	switch m {
	case AllocateSparse:
		return "sparse"
	case AllocateZeroFill:
		return "zero-fill"
	case AllocatePrealloc:
		return "prealloc"
	default:
		return fmt.Sprintf("AllocationMode(%d)", int(m))
	}
}
