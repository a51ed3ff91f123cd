package storage

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/anacrolix/piecestore/opsched"
)

// Hash checks pieces in parallel once the recheck scheduler allows, marking them done or
// resetting them.
func (e *Engine) verify(ctx context.Context, pieces []int) (err error) {
	ctx, span := tracer.Start(ctx, "verify", trace.WithAttributes(
		attribute.String("key", e.key),
		attribute.Int("pieces", len(pieces)),
	))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	if len(pieces) == 0 {
		return nil
	}
	ticket := e.rechecker.Register(e.total, e.info.PieceLength, e.config.LowPriorityRecheck)
	defer ticket.Unregister()
	op := e.startOperation(opsched.KindCheck, e.root())
	defer op.finish()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ticket.PieceConcurrency())
	var loopErr error
	for _, i := range pieces {
		if e.stopping.Load() {
			loopErr = errStopping
			break
		}
		if loopErr = ticket.Wait(gctx); loopErr != nil {
			break
		}
		if loopErr = op.waitResumed(gctx); loopErr != nil {
			break
		}
		p := e.pieces[i]
		// Pieces already being checked finish even if we're stopped.
		checkCtx := context.WithoutCancel(gctx)
		g.Go(func() error {
			_, err := e.checkPiece(checkCtx, p)
			if err != nil {
				return newFault(err, false, "verifying %v", p)
			}
			return nil
		})
	}
	err = g.Wait()
	if err == nil {
		err = loopErr
	}
	return
}

// Hashes the piece, setting it done or resetting it.
func (e *Engine) checkPiece(ctx context.Context, p *Piece) (passed bool, err error) {
	p.SetChecking()
	passed, err = e.checker.CheckPiece(ctx, e.info.Piece(p.index), pieceIO{e, p})
	if err != nil {
		p.clearChecking()
		return
	}
	if passed {
		piecesChecked.WithLabelValues("pass").Inc()
		e.setPieceDone(p, true)
		// Already done pieces don't change.
		p.clearChecking()
	} else {
		piecesChecked.WithLabelValues("fail").Inc()
		p.Reset()
	}
	return
}

// Verifies every piece again. The engine is Checking until it's done.
func (e *Engine) StartRecheck() error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if err := e.requireState(StateReady); err != nil {
		return err
	}
	if e.moving.Load() {
		return ErrMoving
	}
	e.setState(StateChecking)
	e.goBackground(context.Background(), func(ctx context.Context) {
		all := make([]int, 0, len(e.pieces))
		for _, p := range e.pieces {
			all = append(all, p.index)
		}
		err := e.verify(ctx, all)
		switch {
		case err == nil:
			e.savePiecesDone()
			e.setState(StateReady)
		case e.stopping.Load():
		default:
			e.setFault(faultFor(err, "rechecking"))
		}
	})
	return nil
}

// Verifies the pieces of files whose layout conversion failed. Done pieces that fail are undone,
// which corrects the file byte counts.
func (e *Engine) recheckFiles(files []*File) {
	var pieces []int
	for _, f := range files {
		for _, p := range f.pieces() {
			if len(pieces) == 0 || pieces[len(pieces)-1] < p.index {
				pieces = append(pieces, p.index)
			}
		}
	}
	if len(pieces) == 0 {
		return
	}
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.requireState(StateReady) != nil {
		// Start verifies anyway.
		return
	}
	e.goBackground(context.Background(), func(ctx context.Context) {
		err := e.verify(ctx, pieces)
		if err != nil && !e.stopping.Load() {
			e.logger.Warn("rechecking files", "err", err)
		}
		e.savePiecesDone()
	})
}

func faultFor(err error, format string, args ...any) *Fault {
	var fault *Fault
	if errors.As(err, &fault) {
		return fault
	}
	return newFault(err, false, format, args...)
}

func (e *Engine) String() string {
	return fmt.Sprintf("storage engine %v", e.key)
}
