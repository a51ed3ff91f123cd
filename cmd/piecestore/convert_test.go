package main

import (
	"testing"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/go-quicktest/qt"
)

func TestConvertInfo(t *testing.T) {
	info := metainfo.Info{
		Name:        "dir",
		PieceLength: 16 << 10,
		Pieces:      make([]byte, 2*20),
		Files: []metainfo.FileInfo{
			{Length: 10000, Path: []string{"a"}},
			{Length: 6384, Path: []string{".pad", "6384"}, ExtendedFileAttrs: metainfo.ExtendedFileAttrs{Attr: "p"}},
			{Length: 100, Path: []string{"sub", "b"}, PathUtf8: []string{"sub", "ß"}},
		},
	}
	got, err := convertInfo(&info)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.Equals(got.Name, "dir"))
	qt.Check(t, qt.Equals(got.TotalLength(), int64(16484)))
	qt.Check(t, qt.Equals(got.NumPieces(), 2))
	qt.Assert(t, qt.HasLen(got.Files, 3))
	qt.Check(t, qt.IsFalse(got.Files[0].Padding))
	qt.Check(t, qt.IsTrue(got.Files[1].Padding))
	qt.Check(t, qt.DeepEquals(got.Files[2].Path, []string{"sub", "ß"}))
}

func TestConvertInfoSingleFile(t *testing.T) {
	info := metainfo.Info{
		Name:        "file",
		PieceLength: 16 << 10,
		Pieces:      make([]byte, 20),
		Length:      100,
	}
	got, err := convertInfo(&info)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsFalse(got.IsDir()))
	qt.Check(t, qt.Equals(got.Length, int64(100)))
}

func TestConvertInfoRequiresV1Pieces(t *testing.T) {
	_, err := convertInfo(&metainfo.Info{Name: "v2", PieceLength: 16 << 10, Length: 1})
	qt.Check(t, qt.IsNotNil(err))
}
