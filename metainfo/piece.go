package metainfo

import (
	"fmt"

	"github.com/anacrolix/missinggo/v2/panicif"
)

type Piece struct {
	Info *Info
	i    PieceIndex
}

type PieceIndex = int

func (p Piece) String() string {
	return fmt.Sprintf("metainfo.Piece(Info.Name=%q, i=%v)", p.Info.Name, p.i)
}

func (p Piece) Length() int64 {
	lastPiece := p.Info.NumPieces() - 1
	switch {
	case 0 <= p.i && p.i < lastPiece:
		return p.Info.PieceLength
	case p.i == lastPiece:
		length := p.Info.LastPieceLength()
		panicif.True(length <= 0 || length > p.Info.PieceLength)
		return length
	default:
		panic(p.i)
	}
}

func (p Piece) Offset() int64 {
	return int64(p.i) * p.Info.PieceLength
}

func (p Piece) Hash() Hash {
	return p.Info.PieceHash(p.i)
}

func (p Piece) Index() int {
	return p.i
}
