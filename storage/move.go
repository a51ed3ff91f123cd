package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	g "github.com/anacrolix/generics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/anacrolix/piecestore/opsched"
)

type MoveProgress struct {
	// The file being moved.
	File int
	// Bytes moved of the current file and over all files.
	FileDone, FileTotal int64
	Done, Total         int64
}

type moveStep struct {
	f        *File
	from, to string
	length   int64
	// The file's new link, if it had one.
	link g.Option[string]
}

// Whether p is base or inside it.
func isSubPath(base, p string) bool {
	rel, err := filepath.Rel(base, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Moves the content to a new root directory. None of the destination files may exist. If a file
// fails to move, the files already moved are moved back and empty directories created at the
// destination are removed.
func (e *Engine) MoveFiles(ctx context.Context, dest string, readOnly bool, progress func(MoveProgress)) (err error) {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if err = e.requireState(StateReady, StateStopped); err != nil {
		return
	}
	if !e.moving.CompareAndSwap(false, true) {
		return ErrMoving
	}
	defer e.moving.Store(false)
	oldRoot := e.root()
	if filepath.Clean(dest) == filepath.Clean(oldRoot) {
		return nil
	}
	ctx, span := tracer.Start(ctx, "move", trace.WithAttributes(
		attribute.String("key", e.key),
		attribute.String("from", oldRoot),
		attribute.String("to", dest),
	))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	oldContent := e.contentDir(oldRoot)
	newContent := e.contentDir(dest)
	if e.info.IsDir() && (isSubPath(oldContent, newContent) || isSubPath(newContent, oldContent)) {
		return fmt.Errorf("destination %q overlaps %q", newContent, oldContent)
	}
	steps, total, err := e.planMove(oldContent, dest)
	if err != nil {
		return
	}
	op := e.startOperation(opsched.KindMove, oldRoot, dest)
	defer op.finish()
	_, statErr := e.fileIO.Stat(dest)
	destExisted := statErr == nil
	for _, f := range e.files {
		f.mu.Lock()
		closeErr := f.closeHandleLocked()
		f.mu.Unlock()
		if closeErr != nil {
			return fmt.Errorf("closing %v: %w", f, closeErr)
		}
	}
	var done int64
	for i, step := range steps {
		err = op.waitResumed(ctx)
		if err == nil {
			err = e.moveFile(ctx, step, done, total, progress)
		}
		if err != nil {
			err = fmt.Errorf("moving %v: %w", step.f, err)
			e.rollbackMove(steps[:i])
			if destExisted {
				if e.info.IsDir() {
					e.removeEmptyDir(newContent)
				}
			} else {
				e.removeEmptyDir(dest)
			}
			return
		}
		done += step.length
	}
	for _, f := range e.files {
		f.mu.Lock()
		f.root = dest
		f.mu.Unlock()
	}
	for _, step := range steps {
		step.f.mu.Lock()
		if step.f.link.Ok {
			step.f.link = step.link
		}
		step.f.mu.Unlock()
		if readOnly {
			if roErr := e.fileIO.SetReadOnly(step.to, true); roErr != nil {
				e.logger.Warn("making moved file read only", "file", step.f, "err", roErr)
			}
		}
	}
	if e.info.IsDir() {
		e.removeEmptyDir(oldContent)
	}
	e.logger.Info("moved files", "from", oldRoot, "to", dest)
	return e.saveAttrs()
}

// Works out where each stored file goes, and checks none of the destinations exist.
func (e *Engine) planMove(oldContent, dest string) (steps []moveStep, total int64, err error) {
	for _, f := range e.files {
		if f.padding {
			continue
		}
		f.mu.Lock()
		from := f.pathLocked()
		link := f.link
		saved := f.root
		f.root = dest
		to := f.pathLocked()
		f.root = saved
		f.mu.Unlock()
		if link.Ok {
			if !isSubPath(oldContent, link.Value) {
				// Linked outside the content. It stays where it is.
				continue
			}
			rel, _ := filepath.Rel(oldContent, link.Value)
			to = filepath.Join(e.contentDir(dest), rel)
			link = g.Some(to)
		}
		fi, statErr := e.fileIO.Stat(from)
		if errors.Is(statErr, fs.ErrNotExist) {
			continue
		}
		if statErr != nil {
			err = statErr
			return
		}
		if _, statErr := e.fileIO.Stat(to); statErr == nil {
			err = fmt.Errorf("destination file %q exists", to)
			return
		} else if !errors.Is(statErr, fs.ErrNotExist) {
			err = statErr
			return
		}
		steps = append(steps, moveStep{f: f, from: from, to: to, length: fi.Size(), link: link})
		total += fi.Size()
	}
	return
}

func (e *Engine) moveFile(ctx context.Context, step moveStep, done, total int64, progress func(MoveProgress)) error {
	if err := e.fileIO.MkdirAll(filepath.Dir(step.to)); err != nil {
		return err
	}
	var fileDone int64
	return e.fileIO.Move(ctx, step.from, step.to, func(n int64) {
		fileDone += n
		if progress != nil {
			progress(MoveProgress{
				File:      step.f.index,
				FileDone:  fileDone,
				FileTotal: step.length,
				Done:      done + fileDone,
				Total:     total,
			})
		}
	})
}

// Best effort.
func (e *Engine) rollbackMove(moved []moveStep) {
	for i := len(moved) - 1; i >= 0; i-- {
		step := moved[i]
		err := e.fileIO.Move(context.Background(), step.to, step.from, func(int64) {})
		if err != nil {
			e.logger.Error("moving file back after failed move", "file", step.f, "err", err)
		}
	}
}
