package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/piecestore/opsched"
)

type allocCall struct {
	path     string
	mode     AllocationMode
	from, to int64
}

// Files held in memory. Bytes beyond what's been written read as zero, so large lengths are cheap.
type fakeIO struct {
	mu    sync.Mutex
	files map[string]*fakeFile
	dirs  map[string]bool

	allocCalls []allocCall
	// Hooks for failure injection. Called without mu.
	openErr    func(path string, opts OpenOpts) error
	allocErr   func(path string) error
	moveErr    func(from, to string) error
	convertErr func(path string, mode StorageMode) error
	// Pieces reported cleared by layout conversions.
	cleared int
}

type fakeFile struct {
	data     []byte
	size     int64
	readOnly bool
}

var _ FileIO = (*fakeIO)(nil)

func newFakeIO() *fakeIO {
	return &fakeIO{
		files: make(map[string]*fakeFile),
		dirs:  make(map[string]bool),
	}
}

func notExist(op, path string) error {
	return &fs.PathError{Op: op, Path: path, Err: fs.ErrNotExist}
}

// Creates a file of the given length holding data at the start.
func (me *fakeIO) put(path string, size int64, data []byte) {
	me.mu.Lock()
	defer me.mu.Unlock()
	f, ok := me.files[path]
	if !ok {
		f = &fakeFile{}
		me.files[path] = f
	}
	// In place, so open handles see it.
	f.data = append([]byte(nil), data...)
	f.size = max(size, int64(len(data)))
}

func (me *fakeIO) exists(path string) bool {
	me.mu.Lock()
	defer me.mu.Unlock()
	_, ok := me.files[path]
	return ok
}

func (me *fakeIO) size(path string) int64 {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.files[path].size
}

func (me *fakeIO) hasDir(path string) bool {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.dirs[path]
}

func (me *fakeIO) paths() (ret []string) {
	me.mu.Lock()
	defer me.mu.Unlock()
	for p := range me.files {
		ret = append(ret, p)
	}
	return
}

func (me *fakeIO) Open(path string, opts OpenOpts) (FileHandle, error) {
	if me.openErr != nil {
		if err := me.openErr(path, opts); err != nil {
			return nil, err
		}
	}
	me.mu.Lock()
	defer me.mu.Unlock()
	f, ok := me.files[path]
	if !ok {
		if opts.Access != AccessWrite {
			return nil, notExist("open", path)
		}
		f = &fakeFile{}
		me.files[path] = f
	}
	return &fakeHandle{io: me, path: path, f: f, mode: opts.Mode, access: opts.Access}, nil
}

type fakeFileInfo struct {
	name  string
	size  int64
	isDir bool
}

func (fi fakeFileInfo) Name() string { return fi.name }
func (fi fakeFileInfo) Size() int64  { return fi.size }
func (fi fakeFileInfo) Mode() fs.FileMode {
	if fi.isDir {
		return fs.ModeDir | 0o755
	}
	return 0o644
}
func (fi fakeFileInfo) ModTime() time.Time { return time.Time{} }
func (fi fakeFileInfo) IsDir() bool        { return fi.isDir }
func (fi fakeFileInfo) Sys() any           { return nil }

func (me *fakeIO) Stat(path string) (fs.FileInfo, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	if f, ok := me.files[path]; ok {
		return fakeFileInfo{name: filepath.Base(path), size: f.size}, nil
	}
	if me.dirs[path] {
		return fakeFileInfo{name: filepath.Base(path), isDir: true}, nil
	}
	return nil, notExist("stat", path)
}

func (me *fakeIO) Rename(from, to string) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	f, ok := me.files[from]
	if !ok {
		return notExist("rename", from)
	}
	if _, ok := me.files[to]; ok {
		return &fs.PathError{Op: "rename", Path: to, Err: fs.ErrExist}
	}
	delete(me.files, from)
	me.files[to] = f
	return nil
}

func (me *fakeIO) Move(ctx context.Context, from, to string, progress func(int64)) error {
	if me.moveErr != nil {
		if err := me.moveErr(from, to); err != nil {
			return err
		}
	}
	if err := me.Rename(from, to); err != nil {
		return err
	}
	progress(me.size(to))
	return nil
}

func (me *fakeIO) Remove(path string) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	if _, ok := me.files[path]; !ok {
		return notExist("remove", path)
	}
	delete(me.files, path)
	return nil
}

func (me *fakeIO) RemoveEmptyDirs(dir string) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	for d := range me.dirs {
		if !isSubPath(dir, d) {
			continue
		}
		empty := true
		for p := range me.files {
			if isSubPath(d, p) {
				empty = false
				break
			}
		}
		if empty {
			delete(me.dirs, d)
		}
	}
	return nil
}

func (me *fakeIO) MkdirAll(path string) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	for p := filepath.Clean(path); ; p = filepath.Dir(p) {
		me.dirs[p] = true
		if p == filepath.Dir(p) {
			return nil
		}
	}
}

func (me *fakeIO) SetReadOnly(path string, readOnly bool) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	f, ok := me.files[path]
	if !ok {
		return notExist("chmod", path)
	}
	f.readOnly = readOnly
	return nil
}

// Top-level directories are filesystems.
func (me *fakeIO) FilesystemID(path string) (opsched.FilesystemID, error) {
	first, _, _ := strings.Cut(strings.TrimPrefix(filepath.ToSlash(path), "/"), "/")
	return opsched.FilesystemID(first), nil
}

type fakeHandle struct {
	io     *fakeIO
	path   string
	f      *fakeFile
	mode   StorageMode
	access AccessMode
	closed bool
}

var _ FileHandle = (*fakeHandle)(nil)

func (h *fakeHandle) ReadAt(b []byte, off int64) (n int, err error) {
	h.io.mu.Lock()
	defer h.io.mu.Unlock()
	if off >= h.f.size {
		return 0, io.EOF
	}
	n = int(min(int64(len(b)), h.f.size-off))
	clear(b[:n])
	if off < int64(len(h.f.data)) {
		copy(b[:n], h.f.data[off:])
	}
	if n < len(b) {
		err = io.EOF
	}
	return
}

func (h *fakeHandle) WriteAt(b []byte, off int64) (int, error) {
	h.io.mu.Lock()
	defer h.io.mu.Unlock()
	if h.access != AccessWrite {
		return 0, fmt.Errorf("%v opened read only", h.path)
	}
	end := off + int64(len(b))
	if int64(len(h.f.data)) < end {
		h.f.data = append(h.f.data, make([]byte, end-int64(len(h.f.data)))...)
	}
	copy(h.f.data[off:], b)
	h.f.size = max(h.f.size, end)
	return len(b), nil
}

func (h *fakeHandle) Length() (int64, error) {
	h.io.mu.Lock()
	defer h.io.mu.Unlock()
	return h.f.size, nil
}

func (h *fakeHandle) SetLength(n int64) error {
	h.io.mu.Lock()
	defer h.io.mu.Unlock()
	h.f.size = n
	if int64(len(h.f.data)) > n {
		h.f.data = h.f.data[:n]
	}
	return nil
}

func (h *fakeHandle) Allocate(ctx context.Context, mode AllocationMode, from, to int64) error {
	if h.io.allocErr != nil {
		if err := h.io.allocErr(h.path); err != nil {
			return err
		}
	}
	h.io.mu.Lock()
	defer h.io.mu.Unlock()
	h.io.allocCalls = append(h.io.allocCalls, allocCall{h.path, mode, from, to})
	h.f.size = max(h.f.size, to)
	return nil
}

func (h *fakeHandle) Flush() error {
	return nil
}

func (h *fakeHandle) Close() error {
	h.closed = true
	return nil
}

func (h *fakeHandle) StorageMode() StorageMode {
	return h.mode
}

func (h *fakeHandle) SetStorageMode(mode StorageMode) (int, error) {
	if h.io.convertErr != nil {
		if err := h.io.convertErr(h.path, mode); err != nil {
			return 0, err
		}
	}
	h.mode = mode
	return h.io.cleared, nil
}

func (h *fakeHandle) AccessMode() AccessMode {
	return h.access
}

func (h *fakeHandle) SetAccessMode(access AccessMode) error {
	h.access = access
	return nil
}
