package fileio

import (
	"errors"
	"os"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

func preallocate(f afero.File, off, n int64) error {
	osFile, ok := f.(*os.File)
	if !ok {
		return errors.ErrUnsupported
	}
	if n <= 0 {
		return nil
	}
	return unix.Fallocate(int(osFile.Fd()), 0, off, n)
}
