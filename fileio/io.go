// Package fileio is the default file collaborator for the storage engine, over an afero
// filesystem.
package fileio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/anacrolix/log"
	"github.com/spf13/afero"

	"github.com/anacrolix/piecestore/opsched"
	"github.com/anacrolix/piecestore/storage"
)

// Default file permissions for writable files.
const (
	filePerm     os.FileMode = 0o644
	dirPerm      os.FileMode = 0o755
	readOnlyPerm os.FileMode = 0o444
)

const copyBufferSize = 1 << 20

type IO struct {
	fs     afero.Fs
	logger *slog.Logger
}

var _ storage.FileIO = (*IO)(nil)

func New(fs afero.Fs) *IO {
	return &IO{
		fs:     fs,
		logger: log.Default.WithNames("fileio").Slogger(),
	}
}

// Files on the OS filesystem.
func NewOS() *IO {
	return New(afero.NewOsFs())
}

func (me *IO) Fs() afero.Fs {
	return me.fs
}

// Opens file, creating dirs and fixing permissions as necessary for writes.
func (me *IO) openFileExtra(p string, flag int) (f afero.File, err error) {
	f, err = me.fs.OpenFile(p, flag, filePerm)
	if err == nil || flag&os.O_CREATE == 0 {
		return
	}
	if errors.Is(err, fs.ErrNotExist) {
		err = me.fs.MkdirAll(filepath.Dir(p), dirPerm)
		if err != nil {
			return
		}
	} else if errors.Is(err, fs.ErrPermission) {
		err = me.fs.Chmod(p, filePerm)
		if err != nil {
			return
		}
	} else {
		return
	}
	return me.fs.OpenFile(p, flag, filePerm)
}

func accessFlag(access storage.AccessMode) int {
	if access == storage.AccessWrite {
		return os.O_RDWR | os.O_CREATE
	}
	return os.O_RDONLY
}

func (me *IO) Open(path string, opts storage.OpenOpts) (storage.FileHandle, error) {
	f, err := me.openFileExtra(path, accessFlag(opts.Access))
	if err != nil {
		return nil, err
	}
	return &handle{
		io:     me,
		path:   path,
		f:      f,
		opts:   opts,
		mode:   opts.Mode,
		access: opts.Access,
	}, nil
}

func (me *IO) Stat(path string) (fs.FileInfo, error) {
	return me.fs.Stat(path)
}

func (me *IO) Rename(from, to string) error {
	return me.fs.Rename(from, to)
}

// Renames if possible, otherwise copies and removes the source.
func (me *IO) Move(ctx context.Context, from, to string, progress func(n int64)) error {
	fi, err := me.fs.Stat(from)
	if err != nil {
		return err
	}
	if _, err := me.fs.Stat(to); err == nil {
		return fmt.Errorf("%q: %w", to, fs.ErrExist)
	}
	err = me.fs.Rename(from, to)
	if err == nil {
		progress(fi.Size())
		return nil
	}
	me.logger.Debug("rename failed, copying", "from", from, "to", to, "err", err)
	if err := me.copyFile(ctx, from, to, fi.Mode().Perm(), progress); err != nil {
		me.fs.Remove(to)
		return err
	}
	return me.fs.Remove(from)
}

func (me *IO) copyFile(ctx context.Context, from, to string, perm fs.FileMode, progress func(int64)) error {
	src, err := me.fs.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := me.fs.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	buf := make([]byte, copyBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			dst.Close()
			return context.Cause(ctx)
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				dst.Close()
				return err
			}
			progress(int64(n))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			dst.Close()
			return readErr
		}
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func (me *IO) Remove(path string) error {
	return me.fs.Remove(path)
}

// Removes dir and the empty directories beneath it. Directories holding files are kept.
func (me *IO) RemoveEmptyDirs(dir string) error {
	_, err := me.removeEmptyDirs(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (me *IO) removeEmptyDirs(dir string) (removed bool, err error) {
	entries, err := afero.ReadDir(me.fs, dir)
	if err != nil {
		return
	}
	empty := true
	for _, fi := range entries {
		if !fi.IsDir() {
			empty = false
			continue
		}
		childRemoved, err := me.removeEmptyDirs(filepath.Join(dir, fi.Name()))
		if err != nil {
			return false, err
		}
		if !childRemoved {
			empty = false
		}
	}
	if !empty {
		return
	}
	err = me.fs.Remove(dir)
	removed = err == nil
	return
}

func (me *IO) MkdirAll(path string) error {
	return me.fs.MkdirAll(path, dirPerm)
}

func (me *IO) SetReadOnly(path string, readOnly bool) error {
	perm := filePerm
	if readOnly {
		perm = readOnlyPerm
	}
	return me.fs.Chmod(path, perm)
}

// The device holding path, or the nearest existing ancestor. Non-OS filesystems are one
// filesystem.
func (me *IO) FilesystemID(path string) (opsched.FilesystemID, error) {
	if _, ok := me.fs.(*afero.OsFs); !ok {
		return opsched.FilesystemID(fmt.Sprintf("%T", me.fs)), nil
	}
	for {
		id, err := osFilesystemID(path)
		if !errors.Is(err, fs.ErrNotExist) {
			return id, err
		}
		parent := filepath.Dir(path)
		if parent == path {
			return "", err
		}
		path = parent
	}
}
