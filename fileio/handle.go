package fileio

import (
	"context"
	"sync"

	"github.com/spf13/afero"

	"github.com/anacrolix/piecestore/storage"
)

type handle struct {
	io   *IO
	path string
	opts storage.OpenOpts

	mu     sync.Mutex
	f      afero.File
	mode   storage.StorageMode
	access storage.AccessMode
}

var _ storage.FileHandle = (*handle)(nil)

func (h *handle) file() afero.File {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.f
}

func (h *handle) ReadAt(b []byte, off int64) (int, error) {
	return h.file().ReadAt(b, off)
}

func (h *handle) WriteAt(b []byte, off int64) (int, error) {
	return h.file().WriteAt(b, off)
}

func (h *handle) Length() (int64, error) {
	fi, err := h.file().Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (h *handle) SetLength(n int64) error {
	return h.file().Truncate(n)
}

func (h *handle) Allocate(ctx context.Context, mode storage.AllocationMode, from, to int64) error {
	switch mode {
	case storage.AllocateSparse:
		return h.SetLength(to)
	case storage.AllocatePrealloc:
		err := preallocate(h.file(), from, to-from)
		if err == nil {
			return nil
		}
		h.io.logger.Debug("preallocation failed, zero filling", "path", h.path, "err", err)
	}
	return h.zeroFill(ctx, from, to)
}

// Writes zeroes over [from, to).
func (h *handle) zeroFill(ctx context.Context, from, to int64) error {
	f := h.file()
	zeroes := make([]byte, min(copyBufferSize, max(to-from, 0)))
	for off := from; off < to; {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		n, err := f.WriteAt(zeroes[:min(int64(len(zeroes)), to-off)], off)
		if err != nil {
			return err
		}
		off += int64(n)
	}
	return nil
}

func (h *handle) Flush() error {
	f := h.file()
	if h.AccessMode() != storage.AccessWrite {
		return nil
	}
	return f.Sync()
}

func (h *handle) Close() error {
	return h.file().Close()
}

func (h *handle) StorageMode() storage.StorageMode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mode
}

// Layouts are logical here: data stays where it is, so nothing is discarded.
func (h *handle) SetStorageMode(mode storage.StorageMode) (cleared int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mode = mode
	return 0, nil
}

func (h *handle) AccessMode() storage.AccessMode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.access
}

// Reopens the file with the new access.
func (h *handle) SetAccessMode(access storage.AccessMode) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if access == h.access {
		return nil
	}
	if h.access == storage.AccessWrite {
		if err := h.f.Sync(); err != nil {
			return err
		}
	}
	f, err := h.io.openFileExtra(h.path, accessFlag(access))
	if err != nil {
		return err
	}
	err = h.f.Close()
	h.f = f
	h.access = access
	return err
}
