package metainfo

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
)

const HashSize = sha1.Size

// SHA-1 of a piece.
type Hash [HashSize]byte

func (h Hash) HexString() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) String() string {
	return h.HexString()
}

// Hashes successive pieces of r, returning the concatenated hashes.
func GeneratePieces(r io.Reader, pieceLength int64) (pieces []byte, err error) {
	if pieceLength <= 0 {
		return nil, errors.New("piece length must be positive")
	}
	for {
		h := sha1.New()
		var n int64
		n, err = io.CopyN(h, r, pieceLength)
		if n != 0 {
			pieces = h.Sum(pieces)
		}
		if err == io.EOF {
			return pieces, nil
		}
		if err != nil {
			return
		}
	}
}
