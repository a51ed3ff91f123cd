package storage

import (
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/missinggo/v2/panicif"

	"github.com/anacrolix/piecestore/metainfo"
)

type pieceFlags uint8

const (
	flagNeeded pieceFlags = 1 << iota
	// All blocks are present.
	flagWritten
	flagChecking
	// Some but not all blocks are present.
	flagPartial

	downloadableMask = flagNeeded | flagWritten | flagChecking | flagPartial
)

// Ledger entry for a piece. Done is authoritative, and only the Engine changes it.
type Piece struct {
	e         *Engine
	index     int
	offset    int64
	length    int64
	numBlocks int
	// Non-empty files that hold some of the piece, in content order.
	files []*File

	mu    sync.Mutex
	flags pieceFlags
	done  bool
	// Blocks written while the piece is partial. Nil when nothing or everything is written.
	written    *roaring.Bitmap
	mergeRead  bool
	mergeWrite bool
	readCount  uint16
}

func newPiece(e *Engine, mp metainfo.Piece, blockSize int64) *Piece {
	length := mp.Length()
	return &Piece{
		e:         e,
		index:     mp.Index(),
		offset:    mp.Offset(),
		length:    length,
		numBlocks: int((length + blockSize - 1) / blockSize),
	}
}

func (p *Piece) String() string {
	return fmt.Sprintf("piece %v", p.index)
}

func (p *Piece) Index() int {
	return p.index
}

func (p *Piece) Length() int64 {
	return p.length
}

func (p *Piece) BlockCount() int {
	return p.numBlocks
}

func (p *Piece) BlockLength(block int) int64 {
	panicif.True(block < 0 || block >= p.numBlocks)
	blockSize := p.e.config.BlockSize
	return min(blockSize, p.length-int64(block)*blockSize)
}

// Whether more than one stored file holds the piece's bytes.
func (p *Piece) SpansFiles() bool {
	n := 0
	for _, f := range p.files {
		if !f.padding {
			n++
		}
	}
	return n > 1
}

func (p *Piece) SetWritten(block int) {
	panicif.True(block < 0 || block >= p.numBlocks)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done || p.flags&flagWritten != 0 {
		return
	}
	if p.written == nil {
		p.written = roaring.New()
	}
	p.written.Add(uint32(block))
	if p.written.GetCardinality() == uint64(p.numBlocks) {
		p.written = nil
		p.flags |= flagWritten
		p.flags &^= flagPartial
	} else {
		p.flags |= flagPartial
	}
}

func (p *Piece) ClearWritten(block int) {
	panicif.True(block < 0 || block >= p.numBlocks)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		// Only the engine undoes verified pieces.
		return
	}
	if p.flags&flagWritten != 0 {
		p.written = roaring.New()
		p.written.AddRange(0, uint64(p.numBlocks))
		p.flags &^= flagWritten
	}
	if p.written == nil {
		return
	}
	p.written.Remove(uint32(block))
	if p.written.IsEmpty() {
		p.written = nil
		p.flags &^= flagPartial
	} else {
		p.flags |= flagPartial
	}
}

func (p *Piece) SetNeeded(needed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setNeededLocked(needed)
}

func (p *Piece) setNeededLocked(needed bool) {
	if needed {
		p.flags |= flagNeeded
	} else {
		p.flags &^= flagNeeded
	}
}

// Recomputes whether the piece is needed from the state of its files.
func (p *Piece) CalcNeeded() bool {
	p.e.fpMu.Lock()
	defer p.e.fpMu.Unlock()
	return p.calcNeededLocked()
}

// Requires the engine's file/piece lock.
func (p *Piece) calcNeededLocked() bool {
	needed := false
	for _, f := range p.files {
		if !f.padding && !f.skipped && f.downloaded < f.length {
			needed = true
			break
		}
	}
	p.SetNeeded(needed)
	return needed
}

// Not done, wanted, and untouched by writes or checks.
func (p *Piece) IsDownloadable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.done && p.flags&downloadableMask == flagNeeded
}

// Marks a hash check in flight. It's cleared when done changes or the piece is reset.
func (p *Piece) SetChecking() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flags |= flagChecking
}

func (p *Piece) clearChecking() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flags &^= flagChecking
}

// Returns the piece to downloadable after a failed check.
func (p *Piece) Reset() {
	p.e.setPieceDone(p, false)
	p.e.fpMu.Lock()
	defer p.e.fpMu.Unlock()
	p.mu.Lock()
	p.flags &^= downloadableMask
	p.written = nil
	p.mu.Unlock()
	p.calcNeededLocked()
}

// Requires the engine's file/piece lock.
func (p *Piece) setDone(done bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = done
	p.written = nil
	p.flags &^= flagChecking | flagPartial
	if done {
		p.flags |= flagWritten
	} else {
		p.flags &^= flagWritten
	}
}

func (p *Piece) IsDone() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

func (p *Piece) IsNeeded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flags&flagNeeded != 0
}

// All blocks are present, whether or not the piece has been verified.
func (p *Piece) IsWritten() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done || p.flags&flagWritten != 0
}

func (p *Piece) IsChecking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flags&flagChecking != 0
}

func (p *Piece) IsBlockWritten(block int) bool {
	panicif.True(block < 0 || block >= p.numBlocks)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done || p.flags&flagWritten != 0 {
		return true
	}
	return p.written != nil && p.written.Contains(uint32(block))
}

func (p *Piece) NumBlocksWritten() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.done || p.flags&flagWritten != 0:
		return p.numBlocks
	case p.written != nil:
		return int(p.written.GetCardinality())
	default:
		return 0
	}
}

// Whether the write bitmap is held. Only partially written pieces have one.
func (p *Piece) hasWriteBitmap() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written != nil
}

func (p *Piece) MergeRead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mergeRead
}

func (p *Piece) SetMergeRead(b bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mergeRead = b
}

func (p *Piece) MergeWrite() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mergeWrite
}

func (p *Piece) SetMergeWrite(b bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mergeWrite = b
}

// Outstanding reads, maintained by callers.
func (p *Piece) ReadCount() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readCount
}

func (p *Piece) SetReadCount(n uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readCount = n
}
