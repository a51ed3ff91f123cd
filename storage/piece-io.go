package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/anacrolix/piecestore/segments"
)

// Piece-relative I/O spread across the files holding the piece.
type pieceIO struct {
	e *Engine
	p *Piece
}

var (
	_ io.ReaderAt = pieceIO{}
	_ io.WriterAt = pieceIO{}
)

func (me pieceIO) extent(off int64, n int) (segments.Extent, error) {
	if off < 0 || off+int64(n) > me.p.length {
		return segments.Extent{}, fmt.Errorf("%w: [%v, %v) outside %v of length %v",
			ErrBadRequest, off, off+int64(n), me.p, me.p.length)
	}
	return segments.Extent{Start: me.p.offset + off, Length: int64(n)}, nil
}

func (me pieceIO) ReadAt(b []byte, off int64) (n int, err error) {
	extent, err := me.extent(off, len(b))
	if err != nil {
		return
	}
	for i, fileExtent := range me.e.segIndex.LocateIter(extent) {
		chunk := b[n : n+int(fileExtent.Length)]
		err = me.e.files[i].readAt(chunk, fileExtent.Start)
		if err != nil {
			return
		}
		n += len(chunk)
	}
	if n != len(b) {
		err = io.ErrUnexpectedEOF
	}
	return
}

func (me pieceIO) WriteAt(b []byte, off int64) (n int, err error) {
	extent, err := me.extent(off, len(b))
	if err != nil {
		return
	}
	for i, fileExtent := range me.e.segIndex.LocateIter(extent) {
		chunk := b[n : n+int(fileExtent.Length)]
		err = me.e.files[i].writeAt(chunk, fileExtent.Start)
		if err != nil {
			return
		}
		n += len(chunk)
	}
	if n != len(b) {
		err = io.ErrShortWrite
	}
	return
}

// Reads fill with zeroes where the file doesn't hold data: padding, and compact or skipped files
// that are missing or short.
func (f *File) readAt(b []byte, off int64) error {
	if f.padding {
		clear(b)
		return nil
	}
	sparse := f.Skipped()
	f.mu.Lock()
	defer f.mu.Unlock()
	sparse = sparse || f.mode.IsCompact()
	h, err := f.handleLocked(AccessRead)
	if err != nil {
		if sparse && errors.Is(err, fs.ErrNotExist) {
			clear(b)
			return nil
		}
		return err
	}
	n, err := h.ReadAt(b, off)
	if err == io.EOF && (sparse || n == len(b)) {
		clear(b[n:])
		err = nil
	}
	return err
}

// Writes to padding are discarded.
func (f *File) writeAt(b []byte, off int64) error {
	if f.padding {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	h, err := f.handleLocked(AccessWrite)
	if err != nil {
		return err
	}
	_, err = h.WriteAt(b, off)
	return err
}
