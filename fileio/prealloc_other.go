//go:build !linux

package fileio

import (
	"errors"

	"github.com/spf13/afero"
)

func preallocate(f afero.File, off, n int64) error {
	return errors.ErrUnsupported
}
