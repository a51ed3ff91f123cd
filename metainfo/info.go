// Package metainfo holds the content descriptor the storage engine is built from: piece geometry,
// piece hashes and the ordered list of files. Parsing torrent files is left to callers.
package metainfo

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/anacrolix/piecestore/segments"
)

// The content descriptor. It's immutable once handed to the storage engine.
type Info struct {
	// Advisory name. For multi-file content it's usually the directory the files are stored under.
	Name        string
	PieceLength int64
	// Concatenated SHA-1 hashes, HashSize bytes per piece.
	Pieces []byte
	// Length of single-file content. Mutually exclusive with Files.
	Length int64
	Files  []FileInfo
}

// Checks the piece geometry is consistent with the files.
func (info *Info) Validate() error {
	if info.PieceLength <= 0 {
		return errors.New("piece length must be positive")
	}
	if len(info.Pieces)%HashSize != 0 {
		return fmt.Errorf("pieces field length %v is not a multiple of %v", len(info.Pieces), HashSize)
	}
	if info.Length != 0 && len(info.Files) != 0 {
		return errors.New("length and files are mutually exclusive")
	}
	total := info.TotalLength()
	expected := int((total + info.PieceLength - 1) / info.PieceLength)
	if info.NumPieces() != expected {
		return fmt.Errorf("have %v piece hashes, expected %v for %v bytes", info.NumPieces(), expected, total)
	}
	for i, fi := range info.Files {
		if fi.Length < 0 {
			return fmt.Errorf("file %v has negative length", i)
		}
		for _, c := range fi.Path {
			if c == "" || c == "." || c == ".." || strings.ContainsAny(c, `/\`) {
				return fmt.Errorf("file %v has bad path component %q", i, c)
			}
		}
	}
	return nil
}

func (info *Info) TotalLength() (ret int64) {
	for fi := range info.UpvertedFilesIter() {
		ret += fi.Length
	}
	return
}

func (info *Info) NumPieces() int {
	return len(info.Pieces) / HashSize
}

// Whether the content is stored as a directory of files named by Info.Name.
func (info *Info) IsDir() bool {
	return len(info.Files) != 0
}

// The files, with single-file content converted to a single file entry with no path, and torrent
// offsets filled in.
func (info *Info) UpvertedFiles() []FileInfo {
	return slices.Collect(info.UpvertedFilesIter())
}

func (info *Info) UpvertedFilesIter() iter.Seq[FileInfo] {
	return func(yield func(FileInfo) bool) {
		if len(info.Files) == 0 {
			// Callers should determine that Info.Name is the basename.
			yield(FileInfo{Length: info.Length})
			return
		}
		var offset int64
		for _, fi := range info.Files {
			fi.TorrentOffset = offset
			offset += fi.Length
			if !yield(fi) {
				return
			}
		}
	}
}

func (info *Info) Piece(index int) Piece {
	return Piece{info, index}
}

// The length of the final piece, which is shorter than the others unless the total length is a
// multiple of the piece length.
func (info *Info) LastPieceLength() int64 {
	n := info.NumPieces()
	if n == 0 {
		return 0
	}
	return info.TotalLength() - int64(n-1)*info.PieceLength
}

func (info *Info) FileSegmentsIndex() segments.Index {
	return segments.NewIndexFromSegments(slices.Collect(func(yield func(segments.Extent) bool) {
		for fi := range info.UpvertedFilesIter() {
			if !yield(segments.Extent{Start: fi.TorrentOffset, Length: fi.Length}) {
				return
			}
		}
	}))
}

func (info *Info) PieceHash(index int) (ret Hash) {
	copy(ret[:], info.Pieces[index*HashSize:(index+1)*HashSize])
	return
}
