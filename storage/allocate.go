package storage

import (
	"context"
	"errors"
	"io/fs"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/anacrolix/piecestore/opsched"
)

// Makes every file that must exist occupy its full length, one file at a time, after getting the
// allocation gate. Returns which files were created.
func (e *Engine) allocate(ctx context.Context) (created []bool, err error) {
	ctx, span := tracer.Start(ctx, "allocate", trace.WithAttributes(attribute.String("key", e.key)))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	ticket := e.gate.Register(e.key)
	defer ticket.Unregister()
	if err = ticket.Wait(ctx); err != nil {
		return
	}
	op := e.startOperation(opsched.KindAllocate, e.root())
	defer op.finish()
	e.fpMu.Lock()
	e.allocated = 0
	e.allocateNotRequired = 0
	for _, f := range e.files {
		f.booked = bookedNone
	}
	e.fpMu.Unlock()
	created = make([]bool, len(e.files))
	for _, f := range e.files {
		if e.stopping.Load() {
			return created, errStopping
		}
		if err = op.waitResumed(ctx); err != nil {
			return
		}
		// The file in hand is finished even if we're stopped.
		created[f.index], err = e.allocateFile(context.WithoutCancel(ctx), f)
		if err != nil {
			err = newFault(err, true, "allocating %v", f)
			return
		}
	}
	e.fpMu.Lock()
	allocated, notRequired := e.allocated, e.allocateNotRequired
	e.fpMu.Unlock()
	if allocated+notRequired != e.total {
		// TODO: Find the miscount behind this and fail allocation instead of warning.
		e.logger.Warn("allocation accounting mismatch",
			"allocated", allocated,
			"not required", notRequired,
			"total", e.total)
	}
	e.logger.Debug("allocated", "bytes", humanize.Bytes(uint64(allocated)))
	return
}

// How a file's length is counted towards the allocation totals.
type allocBooking int

const (
	bookedNone allocBooking = iota
	bookedAllocated
	bookedNotRequired
)

// Counts the file's length under b, taking back whatever it was counted as before.
func (e *Engine) book(f *File, b allocBooking) {
	e.fpMu.Lock()
	defer e.fpMu.Unlock()
	switch f.booked {
	case bookedAllocated:
		e.allocated -= f.length
	case bookedNotRequired:
		e.allocateNotRequired -= f.length
	}
	switch b {
	case bookedAllocated:
		e.allocated += f.length
	case bookedNotRequired:
		e.allocateNotRequired += f.length
	}
	f.booked = b
}

// Finds the file on disk, fixing up the incomplete suffix state. Requires f.mu.
func (e *Engine) statFileLocked(f *File) (fi fs.FileInfo, err error) {
	if f.link.Ok {
		return e.fileIO.Stat(f.link.Value)
	}
	normal := f.normalPathLocked()
	if suffix := e.config.IncompleteSuffix; suffix != "" {
		fi, err = e.fileIO.Stat(normal + suffix)
		if err == nil {
			f.incomplete = true
			return
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return
		}
	}
	fi, err = e.fileIO.Stat(normal)
	if err == nil {
		f.incomplete = false
	}
	return
}

func (e *Engine) allocateFile(ctx context.Context, f *File) (created bool, err error) {
	created, booking, err := e.allocateFileData(ctx, f)
	if err == nil {
		e.book(f, booking)
	}
	return
}

func (e *Engine) allocateFileData(ctx context.Context, f *File) (created bool, booking allocBooking, err error) {
	if f.padding {
		return false, bookedNotRequired, nil
	}
	skipped := f.Skipped()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mode.IsCompact() {
		// Compact layouts only hold what's downloaded.
		return false, bookedNotRequired, nil
	}
	fi, err := e.statFileLocked(f)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return
	}
	if !exists {
		if skipped {
			return false, bookedNotRequired, nil
		}
		created = true
		if e.config.ReorderMode && f.mode == StorageLinear && f.length >= e.config.ReorderMinSize {
			f.mode = StorageReorder
		}
		f.incomplete = e.config.IncompleteSuffix != "" && !f.link.Ok && f.length != 0
	} else if fi.Size() == f.length {
		return false, bookedAllocated, nil
	}
	h, err := f.handleLocked(AccessWrite)
	if err != nil {
		return
	}
	defer func() {
		closeErr := f.closeHandleLocked()
		if err == nil {
			err = closeErr
		}
	}()
	existing, err := h.Length()
	if err != nil {
		return
	}
	switch {
	case existing > f.length:
		err = h.SetLength(f.length)
	case existing < f.length:
		if e.config.Allocation == AllocateSparse {
			err = h.SetLength(f.length)
		} else {
			err = h.Allocate(ctx, e.config.Allocation, existing, f.length)
		}
		if err == nil {
			bytesAllocated.Add(float64(f.length - existing))
		}
	}
	if err != nil {
		return
	}
	booking = bookedAllocated
	return
}

// Creates missing files that became wanted while running, in the background once the allocation
// gate allows. Allocation failures fault the engine.
func (e *Engine) allocateWanted(files []*File) {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.stopping.Load() || e.State() != StateReady {
		return
	}
	e.goBackground(context.Background(), func(ctx context.Context) {
		err := e.allocateMissing(ctx, files)
		switch {
		case err == nil:
		case e.stopping.Load():
			e.logger.Debug("stopped while allocating newly wanted files", "err", err)
		default:
			e.setFault(faultFor(err, "allocating newly wanted files"))
		}
	})
}

func (e *Engine) allocateMissing(ctx context.Context, files []*File) (err error) {
	var missing []*File
	for _, f := range files {
		if f.padding || f.Skipped() {
			continue
		}
		f.mu.Lock()
		_, statErr := e.statFileLocked(f)
		compact := f.mode.IsCompact()
		f.mu.Unlock()
		if statErr == nil || compact {
			continue
		}
		if !errors.Is(statErr, fs.ErrNotExist) {
			return newFault(statErr, false, "finding %v", f)
		}
		missing = append(missing, f)
	}
	if len(missing) == 0 {
		return nil
	}
	ctx, span := tracer.Start(ctx, "allocate wanted", trace.WithAttributes(
		attribute.String("key", e.key),
		attribute.Int("files", len(missing)),
	))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	ticket := e.gate.Register(e.key)
	defer ticket.Unregister()
	if err = ticket.Wait(ctx); err != nil {
		return
	}
	op := e.startOperation(opsched.KindAllocate, e.root())
	defer op.finish()
	for _, f := range missing {
		if e.stopping.Load() {
			return errStopping
		}
		if err = op.waitResumed(ctx); err != nil {
			return
		}
		if f.Skipped() {
			continue
		}
		e.logger.Debug("allocating newly wanted file", "file", f)
		if _, err = e.allocateFile(context.WithoutCancel(ctx), f); err != nil {
			return newFault(err, true, "allocating %v", f)
		}
	}
	return nil
}
