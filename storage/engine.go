package storage

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/chansync"
	"github.com/anacrolix/chansync/events"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/sync"

	"github.com/anacrolix/piecestore/allocgate"
	"github.com/anacrolix/piecestore/metainfo"
	"github.com/anacrolix/piecestore/recheck"
	"github.com/anacrolix/piecestore/segments"
)

type State int

const (
	StateInitializing State = iota
	StateAllocating
	StateChecking
	StateReady
	StateFaulty
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateAllocating:
		return "allocating"
	case StateChecking:
		return "checking"
	case StateReady:
		return "ready"
	case StateFaulty:
		return "faulty"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Stores the content of one download on disk.
type Engine struct {
	info      *metainfo.Info
	key       string
	config    Config
	logger    *slog.Logger
	fileIO    FileIO
	checker   PieceChecker
	attrs     AttributeStore
	gate      *allocgate.Gate
	rechecker *recheck.Scheduler
	opts      Opts
	callbacks Callbacks

	dispatcher *dispatcher
	segIndex   segments.Index
	pieces     []*Piece
	files      []*File
	fileSet    *FileSet
	total      int64

	// Serializes start, stop, move and rechecks.
	lifeMu sync.Mutex
	// Guards done flips, byte counters and bulk file edits. Taken before File.mu and Piece.mu.
	fpMu                  sync.Mutex
	remaining             int64
	remainingExcludingDND int64
	sizeExcludingDND      int64
	allocated             int64
	allocateNotRequired   int64
	bulkDepth             int
	saveDeferred          bool

	stateMu      sync.Mutex
	state        State
	fault        *Fault
	stateChanged chansync.BroadcastCond

	stopping atomic.Bool
	moving   atomic.Bool
	// Background work: start and rechecks. Guarded by lifeMu.
	bgCtx    context.Context
	bgCancel context.CancelCauseFunc
	bg       sync.WaitGroup
	// Fast-resume data restored from the attribute store.
	resumed             *roaring.Bitmap
	persistedDownloaded []int64
}

func New(opts Opts) (e *Engine, err error) {
	if opts.Info == nil {
		return nil, errors.New("info is required")
	}
	if opts.FileIO == nil {
		return nil, errors.New("file io is required")
	}
	if err = opts.Info.Validate(); err != nil {
		return nil, fmt.Errorf("validating info: %w", err)
	}
	config := opts.Config
	if config.BlockSize <= 0 {
		config.BlockSize = DefaultBlockSize
	}
	if opts.Key == "" {
		sum := sha1.Sum(opts.Info.Pieces)
		opts.Key = hex.EncodeToString(sum[:])
	}
	if opts.Logger == nil {
		opts.Logger = log.Default.WithNames("storage").Slogger()
	}
	if opts.Checker == nil {
		opts.Checker = NewSha1Checker()
	}
	if opts.Attrs == nil {
		opts.Attrs = NewMapAttributeStore()
	}
	if opts.AllocGate == nil {
		opts.AllocGate = allocgate.New()
	}
	if opts.Rechecker == nil {
		opts.Rechecker = recheck.New(recheck.DefaultConfig())
	}
	logger := opts.Logger.With("key", opts.Key)
	e = &Engine{
		info:       opts.Info,
		key:        opts.Key,
		config:     config,
		logger:     logger,
		fileIO:     opts.FileIO,
		checker:    opts.Checker,
		attrs:      opts.Attrs,
		gate:       opts.AllocGate,
		rechecker:  opts.Rechecker,
		opts:       opts,
		callbacks:  opts.Callbacks,
		dispatcher: newDispatcher(logger),
		segIndex:   opts.Info.FileSegmentsIndex(),
		total:      opts.Info.TotalLength(),
	}
	e.buildPieces()
	e.buildFiles(opts.Dir)
	e.fileSet = &FileSet{e: e}
	if err = e.restore(); err != nil {
		return nil, fmt.Errorf("restoring attributes: %w", err)
	}
	e.fpMu.Lock()
	e.resetAccountingLocked()
	e.applyResumeLocked()
	e.fpMu.Unlock()
	return e, nil
}

func (e *Engine) buildPieces() {
	e.pieces = make([]*Piece, e.info.NumPieces())
	for i := range e.pieces {
		e.pieces[i] = newPiece(e, e.info.Piece(i), e.config.BlockSize)
	}
}

func (e *Engine) buildFiles(dir string) {
	infoFiles := e.info.UpvertedFiles()
	e.files = make([]*File, len(infoFiles))
	pieceLength := e.info.PieceLength
	for i, fi := range infoFiles {
		f := &File{
			e:          e,
			index:      i,
			relPath:    fi.RelativePath(e.info),
			display:    fi.DisplayPath(e.info),
			length:     fi.Length,
			offset:     fi.TorrentOffset,
			firstPiece: int(fi.TorrentOffset / pieceLength),
			padding:    fi.Padding,
			root:       dir,
		}
		f.lastPiece = int((fi.TorrentOffset+fi.Length+pieceLength-1)/pieceLength) - 1
		f.ext = fileExtension(f.relPath)
		for _, p := range f.pieces() {
			p.files = append(p.files, f)
		}
		e.files[i] = f
	}
}

// Zeroes the counters and recomputes per-file and per-piece derived state. Requires fpMu.
func (e *Engine) resetAccountingLocked() {
	e.remaining = e.total
	for _, p := range e.pieces {
		if p.IsDone() {
			e.remaining -= p.length
		}
	}
	e.recomputeDNDLocked()
	for _, p := range e.pieces {
		p.calcNeededLocked()
	}
}

// Requires fpMu.
func (e *Engine) recomputeDNDLocked() {
	e.sizeExcludingDND = 0
	e.remainingExcludingDND = 0
	for _, f := range e.files {
		if f.padding || f.skipped {
			continue
		}
		e.sizeExcludingDND += f.length
		e.remainingExcludingDND += f.length - f.downloaded
	}
}

func (e *Engine) Key() string {
	return e.key
}

func (e *Engine) Info() *metainfo.Info {
	return e.info
}

func (e *Engine) NumPieces() int {
	return len(e.pieces)
}

func (e *Engine) PieceLength() int64 {
	return e.info.PieceLength
}

// The length of piece i, which is shorter for the last piece.
func (e *Engine) PieceLengthAt(i int) int64 {
	return e.pieces[i].length
}

func (e *Engine) TotalLength() int64 {
	return e.total
}

func (e *Engine) Piece(i int) *Piece {
	return e.pieces[i]
}

func (e *Engine) Files() *FileSet {
	return e.fileSet
}

func (e *Engine) Remaining() int64 {
	e.fpMu.Lock()
	defer e.fpMu.Unlock()
	return e.remaining
}

// Bytes still to be downloaded for files that aren't skipped.
func (e *Engine) RemainingExcludingDND() int64 {
	e.fpMu.Lock()
	defer e.fpMu.Unlock()
	return e.remainingExcludingDND
}

// Total length of the files that aren't skipped.
func (e *Engine) SizeExcludingDND() int64 {
	e.fpMu.Lock()
	defer e.fpMu.Unlock()
	return e.sizeExcludingDND
}

func (e *Engine) PercentDone() float64 {
	if e.total == 0 {
		return 100
	}
	return float64(e.total-e.Remaining()) * 100 / float64(e.total)
}

func (e *Engine) PercentAllocated() float64 {
	if e.total == 0 {
		return 100
	}
	e.fpMu.Lock()
	defer e.fpMu.Unlock()
	return float64(e.allocated+e.allocateNotRequired) * 100 / float64(e.total)
}

// Done pieces.
func (e *Engine) Availability() *roaring.Bitmap {
	ret := roaring.New()
	for i, p := range e.pieces {
		if p.IsDone() {
			ret.Add(uint32(i))
		}
	}
	return ret
}

func (e *Engine) State() State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

// Why the engine is Faulty, or nil.
func (e *Engine) Fault() *Fault {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.fault
}

// Signaled on the next state change.
func (e *Engine) StateChanged() events.Signaled {
	return e.stateChanged.Signaled()
}

// Waits until the engine is in one of states, returning the state reached.
func (e *Engine) WaitState(ctx context.Context, states ...State) (State, error) {
	for {
		changed := e.stateChanged.Signaled()
		s := e.State()
		for _, want := range states {
			if s == want {
				return s, nil
			}
		}
		select {
		case <-ctx.Done():
			return s, context.Cause(ctx)
		case <-changed:
		}
	}
}

func (e *Engine) setState(s State) {
	e.stateMu.Lock()
	old := e.state
	switch {
	case old == s:
		e.stateMu.Unlock()
		return
	case old == StateFaulty:
		e.stateMu.Unlock()
		e.logger.Error("ignoring attempt to leave faulty state", "to", s)
		return
	}
	e.state = s
	e.stateMu.Unlock()
	e.logger.Debug("state changed", "from", old, "to", s)
	e.notifyStateChanged(StateChange{Old: old, New: s})
	e.stateChanged.Broadcast()
}

// Moves the engine to Faulty. The first fault is kept.
func (e *Engine) setFault(fault *Fault) {
	panicif.Nil(fault)
	e.stateMu.Lock()
	if e.fault == nil {
		e.fault = fault
	}
	e.stateMu.Unlock()
	e.logger.Error("storage fault", "code", fault.Code, "err", fault)
	faults.WithLabelValues(fault.Code.String()).Inc()
	e.setState(StateFaulty)
}

func (e *Engine) requireState(states ...State) error {
	s := e.State()
	for _, want := range states {
		if s == want {
			return nil
		}
	}
	return fmt.Errorf("%w: state is %v", ErrNotReady, s)
}

// The directory holding the content: the root for single files, the named subdirectory
// otherwise.
func (e *Engine) contentDir(root string) string {
	if e.info.IsDir() {
		return filepath.Join(root, e.info.Name)
	}
	return root
}

func (e *Engine) root() string {
	f := e.files[0]
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.root
}
