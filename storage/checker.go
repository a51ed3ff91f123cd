package storage

import (
	"context"
	"crypto/sha1"
	"io"

	"github.com/anacrolix/piecestore/metainfo"
)

type sha1Checker struct{}

// Checks pieces against their SHA-1 hashes.
func NewSha1Checker() PieceChecker {
	return sha1Checker{}
}

func (sha1Checker) CheckPiece(ctx context.Context, p metainfo.Piece, r io.ReaderAt) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, context.Cause(ctx)
	}
	h := sha1.New()
	_, err := io.Copy(h, io.NewSectionReader(r, 0, p.Length()))
	if err != nil {
		return false, err
	}
	var sum metainfo.Hash
	h.Sum(sum[:0])
	return sum == p.Hash(), nil
}
