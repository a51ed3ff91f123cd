package storage

import (
	"context"
	"io"
	"io/fs"

	g "github.com/anacrolix/generics"

	"github.com/anacrolix/piecestore/metainfo"
	"github.com/anacrolix/piecestore/opsched"
)

// Filesystem access used by the engine. Paths are OS paths.
type FileIO interface {
	Open(path string, opts OpenOpts) (FileHandle, error)
	Stat(path string) (fs.FileInfo, error)
	Rename(from, to string) error
	// Moves a file, possibly across filesystems. Progress receives bytes moved since the last
	// call.
	Move(ctx context.Context, from, to string, progress func(n int64)) error
	Remove(path string) error
	// Removes dir and any descendants that contain no files.
	RemoveEmptyDirs(dir string) error
	MkdirAll(path string) error
	SetReadOnly(path string, readOnly bool) error
	FilesystemID(path string) (opsched.FilesystemID, error)
}

type OpenOpts struct {
	// The logical length of the file.
	Length int64
	// Lets layouts that work in pieces relate file offsets to them.
	PieceLength int64
	// Offset of the file in the content, for layouts aligned on piece boundaries.
	TorrentOffset int64
	Mode          StorageMode
	Access        AccessMode
}

// An open file. Offsets are logical, whatever the storage mode.
type FileHandle interface {
	io.ReaderAt
	io.WriterAt
	Length() (int64, error)
	SetLength(int64) error
	// Makes [from, to) occupy space on disk.
	Allocate(ctx context.Context, mode AllocationMode, from, to int64) error
	Flush() error
	Close() error
	StorageMode() StorageMode
	// Converts the layout, returning the number of pieces whose data was discarded.
	SetStorageMode(StorageMode) (cleared int, err error)
	AccessMode() AccessMode
	SetAccessMode(AccessMode) error
}

type PieceChecker interface {
	// Reports whether the piece data read through r, which is relative to the piece start, matches
	// the piece hash.
	CheckPiece(ctx context.Context, p metainfo.Piece, r io.ReaderAt) (bool, error)
}

// Durable key-value attributes, namespaced per download.
type AttributeStore interface {
	Get(namespace, name string) (g.Option[[]byte], error)
	Set(namespace, name string, value []byte) error
	// Sets all values atomically.
	SetBatch(namespace string, values map[string][]byte) error
	Close() error
}
