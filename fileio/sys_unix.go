//go:build unix

package fileio

import (
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/anacrolix/piecestore/opsched"
)

func osFilesystemID(path string) (opsched.FilesystemID, error) {
	var st unix.Stat_t
	err := unix.Stat(path, &st)
	if err != nil {
		return "", &os.PathError{Op: "stat", Path: path, Err: err}
	}
	return opsched.FilesystemID("dev:" + strconv.FormatUint(uint64(st.Dev), 10)), nil
}
