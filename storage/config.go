package storage

import (
	"log/slog"

	"github.com/anacrolix/piecestore/allocgate"
	"github.com/anacrolix/piecestore/metainfo"
	"github.com/anacrolix/piecestore/opsched"
	"github.com/anacrolix/piecestore/recheck"
)

const DefaultBlockSize = 16 << 10

type Config struct {
	// Unit of writes within a piece.
	BlockSize  int64
	Allocation AllocationMode
	// Verify pieces when starting.
	CheckOnStart bool
	// Ignore fast-resume data and verify every piece when starting.
	FullCheckOnStart bool
	// Verify a piece as soon as all its blocks are written.
	CheckOnWrite bool
	// Appended to the names of files until they complete.
	IncompleteSuffix string
	// Skipped files are moved into this subfolder of the content directory.
	DndSubfolder string
	// Prepended to the names of skipped files.
	DndPrefix string
	// Use reorder layouts for new files of at least ReorderMinSize.
	ReorderMode    bool
	ReorderMinSize int64
	// Where completed downloads may have been moved to. Content found complete there is used
	// instead of allocating at the download directory.
	CompletedDir string
	// Register rechecks as low priority, so they yield to realtime activity.
	LowPriorityRecheck bool
}

func DefaultConfig() Config {
	return Config{
		BlockSize:      DefaultBlockSize,
		Allocation:     AllocateSparse,
		CheckOnStart:   true,
		CheckOnWrite:   true,
		ReorderMinSize: 64 << 20,
	}
}

type Opts struct {
	Info *metainfo.Info
	// Namespace for persisted attributes, usually the hex infohash. Defaults to a hash of the
	// piece hashes.
	Key string
	// Directory the content is stored under. Multi-file content goes in a subdirectory named by
	// Info.Name.
	Dir    string
	Config Config
	// Required.
	FileIO  FileIO
	Checker PieceChecker
	Attrs   AttributeStore
	// Shared between engines to serialize allocation.
	AllocGate *allocgate.Gate
	// Shared between engines to schedule verification.
	Rechecker *recheck.Scheduler
	// Optional. Serializes heavy operations per filesystem.
	OpScheduler *opsched.Scheduler
	Callbacks   Callbacks
	Logger      *slog.Logger
}
