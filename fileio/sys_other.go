//go:build !unix

package fileio

import (
	"os"
	"path/filepath"

	"github.com/anacrolix/piecestore/opsched"
)

func osFilesystemID(path string) (opsched.FilesystemID, error) {
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return opsched.FilesystemID("vol:" + filepath.VolumeName(abs)), nil
}
