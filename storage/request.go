package storage

import (
	"context"
	"fmt"
)

type RequestKind int

const (
	RequestRead RequestKind = iota
	RequestWrite
	RequestCheck
)

func (k RequestKind) String() string {
	switch k {
	case RequestRead:
		return "read"
	case RequestWrite:
		return "write"
	case RequestCheck:
		return "check"
	default:
		return fmt.Sprintf("RequestKind(%d)", int(k))
	}
}

// A validated read, write or check of a range within a piece.
type Request struct {
	Kind   RequestKind
	Piece  int
	Offset int64
	Length int64
	// The bytes to write, or the bytes read once enqueued.
	Data []byte
	// Result of a check.
	Passed bool
}

func (e *Engine) validateRange(piece int, offset, length int64) error {
	if piece < 0 || piece >= len(e.pieces) {
		return fmt.Errorf("%w: piece %v out of range", ErrBadRequest, piece)
	}
	if offset < 0 || length <= 0 {
		return fmt.Errorf("%w: offset %v, length %v", ErrBadRequest, offset, length)
	}
	if pl := e.pieces[piece].length; offset+length > pl {
		return fmt.Errorf("%w: offset %v + length %v exceeds piece %v length %v",
			ErrBadRequest, offset, length, piece, pl)
	}
	return nil
}

// Reads require the piece to be done.
func (e *Engine) NewReadRequest(piece int, offset, length int64) (*Request, error) {
	if err := e.validateRange(piece, offset, length); err != nil {
		return nil, err
	}
	if !e.pieces[piece].IsDone() {
		return nil, fmt.Errorf("%w: piece %v not done", ErrBadRequest, piece)
	}
	return &Request{Kind: RequestRead, Piece: piece, Offset: offset, Length: length}, nil
}

// Writes cover whole blocks, the last of which may be short at the end of the piece.
func (e *Engine) NewWriteRequest(piece int, offset int64, data []byte) (*Request, error) {
	length := int64(len(data))
	if err := e.validateRange(piece, offset, length); err != nil {
		return nil, err
	}
	blockSize := e.config.BlockSize
	end := offset + length
	if offset%blockSize != 0 || (end%blockSize != 0 && end != e.pieces[piece].length) {
		return nil, fmt.Errorf("%w: write [%v, %v) not block aligned", ErrBadRequest, offset, end)
	}
	return &Request{Kind: RequestWrite, Piece: piece, Offset: offset, Length: length, Data: data}, nil
}

func (e *Engine) NewCheckRequest(piece int) (*Request, error) {
	if piece < 0 || piece >= len(e.pieces) {
		return nil, fmt.Errorf("%w: piece %v out of range", ErrBadRequest, piece)
	}
	return &Request{Kind: RequestCheck, Piece: piece, Length: e.pieces[piece].length}, nil
}

// Executes the request. Writes that complete a piece are checked if CheckOnWrite is set, returning
// ErrHashMismatch if the piece fails.
func (e *Engine) Enqueue(ctx context.Context, req *Request) error {
	if err := e.requireState(StateReady); err != nil {
		return err
	}
	if e.moving.Load() {
		return ErrMoving
	}
	p := e.pieces[req.Piece]
	switch req.Kind {
	case RequestRead:
		req.Data = make([]byte, req.Length)
		_, err := pieceIO{e, p}.ReadAt(req.Data, req.Offset)
		return err
	case RequestWrite:
		return e.write(ctx, p, req)
	case RequestCheck:
		passed, err := e.checkPiece(ctx, p)
		req.Passed = passed
		return err
	default:
		return fmt.Errorf("%w: kind %v", ErrBadRequest, req.Kind)
	}
}

func (e *Engine) write(ctx context.Context, p *Piece, req *Request) error {
	if p.IsDone() {
		return fmt.Errorf("%w: %v already done", ErrBadRequest, p)
	}
	if _, err := (pieceIO{e, p}).WriteAt(req.Data, req.Offset); err != nil {
		return err
	}
	blockSize := e.config.BlockSize
	for b := req.Offset / blockSize; b*blockSize < req.Offset+req.Length; b++ {
		p.SetWritten(int(b))
	}
	if !e.config.CheckOnWrite || !p.IsWritten() {
		return nil
	}
	passed, err := e.checkPiece(ctx, p)
	if err != nil {
		return err
	}
	if !passed {
		return fmt.Errorf("%w: %v", ErrHashMismatch, p)
	}
	return nil
}
