package main

import (
	"fmt"
	"strings"

	"github.com/anacrolix/torrent/metainfo"

	ps "github.com/anacrolix/piecestore/metainfo"
)

// Converts a v1 info dictionary to the storage content descriptor.
func convertInfo(info *metainfo.Info) (*ps.Info, error) {
	if len(info.Pieces) == 0 {
		return nil, fmt.Errorf("info %q has no v1 piece hashes", info.BestName())
	}
	ret := &ps.Info{
		Name:        info.BestName(),
		PieceLength: info.PieceLength,
		Pieces:      info.Pieces,
	}
	if !info.IsDir() {
		ret.Length = info.Length
	}
	for _, fi := range info.Files {
		ret.Files = append(ret.Files, ps.FileInfo{
			Length: fi.Length,
			Path:   fi.BestPath(),
			// BEP 47
			Padding: strings.ContainsRune(fi.Attr, 'p'),
		})
	}
	return ret, ret.Validate()
}
