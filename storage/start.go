package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var errStopping = errors.New("stopping")

// Starts allocation and verification in the background. The engine is Ready when they're done.
// Cancelling ctx before then faults the engine with FaultStopDuringInit. Use Stop for a clean stop.
func (e *Engine) Start(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if err := e.requireState(StateInitializing, StateStopped); err != nil {
		return fmt.Errorf("starting: %w", err)
	}
	if e.moving.Load() {
		return ErrMoving
	}
	e.stopping.Store(false)
	e.setState(StateInitializing)
	e.goBackground(ctx, func(ctx context.Context) {
		err := e.runStart(ctx)
		switch {
		case err == nil:
			if !e.stopping.Load() {
				e.setState(StateReady)
			}
		case e.stopping.Load():
			e.logger.Info("stopped while starting", "err", err)
		case ctx.Err() != nil:
			e.setFault(&Fault{Code: FaultStopDuringInit, Message: "start interrupted", Err: err})
		default:
			e.setFault(faultFor(err, "starting"))
		}
	})
	return nil
}

// Runs f in the background until Stop. Requires lifeMu.
func (e *Engine) goBackground(ctx context.Context, f func(ctx context.Context)) {
	if e.bgCtx == nil || e.bgCtx.Err() != nil {
		e.bgCtx, e.bgCancel = context.WithCancelCause(ctx)
	}
	bgCtx := e.bgCtx
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		f(bgCtx)
	}()
}

func (e *Engine) runStart(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "start", trace.WithAttributes(
		attribute.String("key", e.key),
		attribute.Int64("length", e.total),
	))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	if err = e.useCompletedDir(); err != nil {
		return
	}
	e.setState(StateAllocating)
	created, err := e.allocate(ctx)
	if err != nil {
		return
	}
	e.forgetCreated(created)
	if e.stopping.Load() {
		return errStopping
	}
	if e.config.CheckOnStart {
		e.setState(StateChecking)
		err = e.verify(ctx, e.startCheckPieces(created))
		if err != nil {
			return
		}
	}
	e.savePiecesDone()
	if err := e.saveAttrs(); err != nil {
		e.logger.Warn("saving attributes after start", "err", err)
	}
	return nil
}

// Switches to the completed directory if every stored file is already there and not at the
// download directory.
func (e *Engine) useCompletedDir() error {
	dir := e.config.CompletedDir
	if dir == "" || dir == e.root() {
		return nil
	}
	for _, f := range e.files {
		if f.padding {
			continue
		}
		f.mu.Lock()
		normal := f.normalPathLocked()
		linked := f.link.Ok
		f.mu.Unlock()
		if linked {
			return nil
		}
		if _, err := e.fileIO.Stat(normal); err == nil {
			return nil
		}
		fi, err := e.fileIO.Stat(e.withRoot(f, dir))
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return newFault(err, false, "checking completed location of %v", f)
		}
		if fi.Size() != f.length {
			return nil
		}
	}
	e.logger.Info("using content found at completed directory", "dir", dir)
	for _, f := range e.files {
		f.mu.Lock()
		f.root = dir
		f.incomplete = false
		f.mu.Unlock()
	}
	return nil
}

func (e *Engine) withRoot(f *File, root string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	saved := f.root
	f.root = root
	p := f.normalPathLocked()
	f.root = saved
	return p
}

// Pieces resumed as done whose files were just created can't be done.
func (e *Engine) forgetCreated(created []bool) {
	for _, p := range e.pieces {
		if !p.IsDone() {
			continue
		}
		for _, f := range p.files {
			if created[f.index] {
				e.setPieceDone(p, false)
				break
			}
		}
	}
}

// Pieces to verify at start. Pieces entirely in newly created files are skipped. Done pieces from
// fast-resume data are trusted unless their files' byte counts disagree with the persisted ones,
// or a full check is configured.
func (e *Engine) startCheckPieces(created []bool) (ret []int) {
	untrusted := make([]bool, len(e.files))
	if e.resumed == nil || e.config.FullCheckOnStart {
		for i := range untrusted {
			untrusted[i] = true
		}
	} else if e.persistedDownloaded != nil {
		for i, f := range e.files {
			if f.Downloaded() != e.persistedDownloaded[i] {
				e.logger.Info("file not fully accounted for by fast resume data", "file", f)
				untrusted[i] = true
			}
		}
	}
	for _, p := range e.pieces {
		anyExisting := false
		trusted := true
		for _, f := range p.files {
			if f.padding {
				continue
			}
			if !created[f.index] {
				anyExisting = true
			}
			if untrusted[f.index] {
				trusted = false
			}
		}
		if p.IsDone() && !trusted {
			e.setPieceDone(p, false)
		}
		if anyExisting && !p.IsDone() {
			ret = append(ret, p.index)
		}
	}
	return
}

// Stops background work, closes files and persists state. Returns when the in-flight step of any
// start or recheck has finished, or ctx is done.
func (e *Engine) Stop(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	e.stopping.Store(true)
	if e.bgCancel != nil {
		e.bgCancel(errStopping)
	}
	done := make(chan struct{})
	go func() {
		e.bg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-done:
	}
	var closeErr error
	for _, f := range e.files {
		f.mu.Lock()
		err := f.closeHandleLocked()
		f.mu.Unlock()
		if err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("closing %v: %w", f, err))
		}
	}
	e.savePiecesDone()
	saveErr := e.saveAttrs()
	if e.State() != StateFaulty {
		e.setState(StateStopped)
	}
	return errors.Join(closeErr, saveErr)
}

// Stops the engine if needed and waits for notifications to be delivered. Collaborators are owned
// by the caller and left open.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if s := e.State(); s != StateStopped && s != StateInitializing {
		errs = append(errs, e.Stop(ctx))
	}
	errs = append(errs, e.dispatcher.flush(ctx))
	return errors.Join(errs...)
}
