package storage

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	g "github.com/anacrolix/generics"
)

// Descriptor for a file of the content.
type File struct {
	e          *Engine
	index      int
	relPath    string
	display    string
	length     int64
	offset     int64
	firstPiece int
	// Inclusive. Less than firstPiece for empty files.
	lastPiece int
	padding   bool
	ext       string

	// Guarded by the engine's file/piece lock.
	priority   int32
	skipped    bool
	downloaded int64
	lastErr    g.Option[string]
	booked     allocBooking

	mu sync.Mutex
	// Guarded by mu.
	root       string
	link       g.Option[string]
	incomplete bool
	mode       StorageMode
	access     AccessMode
	handle     FileHandle
}

func (f *File) String() string {
	return fmt.Sprintf("file %v (%v)", f.index, f.display)
}

func (f *File) Index() int {
	return f.index
}

func (f *File) DisplayPath() string {
	return f.display
}

func (f *File) Length() int64 {
	return f.length
}

// Offset of the file in the content.
func (f *File) Offset() int64 {
	return f.offset
}

func (f *File) FirstPiece() int {
	return f.firstPiece
}

func (f *File) LastPiece() int {
	return f.lastPiece
}

func (f *File) IsPadding() bool {
	return f.padding
}

// Lower-cased extension including the dot.
func (f *File) Extension() string {
	return f.ext
}

func (f *File) Priority() int32 {
	f.e.fpMu.Lock()
	defer f.e.fpMu.Unlock()
	return f.priority
}

func (f *File) Skipped() bool {
	f.e.fpMu.Lock()
	defer f.e.fpMu.Unlock()
	return f.skipped
}

func (f *File) Downloaded() int64 {
	f.e.fpMu.Lock()
	defer f.e.fpMu.Unlock()
	return f.downloaded
}

func (f *File) LastError() g.Option[string] {
	f.e.fpMu.Lock()
	defer f.e.fpMu.Unlock()
	return f.lastErr
}

func (f *File) StorageMode() StorageMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

func (f *File) AccessMode() AccessMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.access
}

func (f *File) Link() g.Option[string] {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.link
}

// Where the file's bytes are on disk now.
func (f *File) Path() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pathLocked()
}

func (f *File) pathLocked() string {
	if f.link.Ok {
		return f.link.Value
	}
	p := f.normalPathLocked()
	if f.incomplete {
		p += f.e.config.IncompleteSuffix
	}
	return p
}

// The path the file has when complete and not relocated.
func (f *File) normalPathLocked() string {
	return filepath.Join(f.root, f.relPath)
}

// Whether the file is linked into the do-not-download folder.
func (f *File) dndLinkedLocked() bool {
	return f.link.Ok && f.link.Value == f.dndPathLocked()
}

func (f *File) dndPathLocked() string {
	cfg := &f.e.config
	dir, base := filepath.Split(f.normalPathLocked())
	if cfg.DndSubfolder != "" {
		dir = filepath.Join(dir, cfg.DndSubfolder)
	}
	return filepath.Join(dir, cfg.DndPrefix+base)
}

func (f *File) openOptsLocked(access AccessMode) OpenOpts {
	return OpenOpts{
		Length:        f.length,
		PieceLength:   f.e.info.PieceLength,
		TorrentOffset: f.offset,
		Mode:          f.mode,
		Access:        access,
	}
}

// Returns the open handle, opening it or upgrading it to write access as required.
func (f *File) handleLocked(access AccessMode) (FileHandle, error) {
	if f.handle != nil {
		if access == AccessWrite && f.handle.AccessMode() != AccessWrite {
			if err := f.handle.SetAccessMode(AccessWrite); err != nil {
				return nil, fmt.Errorf("upgrading %v to write access: %w", f, err)
			}
			f.access = AccessWrite
		}
		return f.handle, nil
	}
	path := f.pathLocked()
	if access == AccessWrite {
		if err := f.e.fileIO.MkdirAll(filepath.Dir(path)); err != nil {
			return nil, err
		}
	}
	h, err := f.e.fileIO.Open(path, f.openOptsLocked(access))
	if err != nil {
		return nil, err
	}
	f.handle = h
	f.access = access
	return h, nil
}

func (f *File) closeHandleLocked() error {
	if f.handle == nil {
		return nil
	}
	h := f.handle
	f.handle = nil
	err := h.Flush()
	if closeErr := h.Close(); err == nil {
		err = closeErr
	}
	return err
}

func (f *File) isOpenForWrite() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handle != nil && f.handle.AccessMode() == AccessWrite
}

// Pieces that hold some of the file.
func (f *File) pieces() []*Piece {
	if f.lastPiece < f.firstPiece {
		return nil
	}
	return f.e.pieces[f.firstPiece : f.lastPiece+1]
}

func fileExtension(p string) string {
	return strings.ToLower(filepath.Ext(p))
}
