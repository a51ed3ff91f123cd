package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"path/filepath"

	g "github.com/anacrolix/generics"
)

// Passed to SetPriorities for files whose priority shouldn't change.
const NoPriorityChange = math.MinInt32

// The files of a download. Bulk edits persist attributes once, when they're done.
type FileSet struct {
	e *Engine
}

func (me *FileSet) Len() int {
	return len(me.e.files)
}

func (me *FileSet) File(i int) *File {
	return me.e.files[i]
}

func (me *FileSet) All() []*File {
	return me.e.files
}

func (me *FileSet) checkLen(n int) error {
	if n != len(me.e.files) {
		return fmt.Errorf("%w: have %v values for %v files", ErrBadRequest, n, len(me.e.files))
	}
	return nil
}

// Sets file priorities. NoPriorityChange leaves a file as it is. Values aren't interpreted.
func (me *FileSet) SetPriorities(values []int32) error {
	if err := me.checkLen(len(values)); err != nil {
		return err
	}
	e := me.e
	var changed []int
	e.fpMu.Lock()
	e.beginBulkLocked()
	for i, v := range values {
		f := e.files[i]
		if v == NoPriorityChange || f.priority == v {
			continue
		}
		f.priority = v
		changed = append(changed, i)
	}
	attrs, err := e.endBulkLocked()
	e.fpMu.Unlock()
	if len(changed) == 0 {
		return nil
	}
	if err == nil && attrs != nil {
		err = e.writeAttrs(attrs)
	}
	e.notifyPriorityChanged(changed)
	return err
}

// Sets or clears the skipped flag of the files in mask, returning which files changed.
//
// Unskipping converts compact files to their non-compact layout first. If any conversion fails,
// the files already converted are converted back and nothing else changes. Skipping moves files into the do-not-download folder if one is configured,
// keeping a file where it is if the destination exists or can't be made. Files that become
// wanted while the engine is running are allocated in the background if they're missing.
func (me *FileSet) SetSkipped(mask []bool, skip bool) (modified []bool, err error) {
	if err = me.checkLen(len(mask)); err != nil {
		return
	}
	e := me.e
	modified = make([]bool, len(mask))
	var changed []int
	var toAllocate, unconverted []*File
	e.fpMu.Lock()
	e.beginBulkLocked()
	err = func() error {
		if !skip {
			var converted []fileMode
			for i, f := range e.files {
				if !mask[i] || f.padding || !f.skipped {
					continue
				}
				mode := f.StorageMode()
				if !mode.IsCompact() {
					continue
				}
				if _, err := e.convertLocked(f, mode.NonCompact()); err != nil {
					unconverted = e.revertConversionsLocked(converted)
					return fmt.Errorf("converting %v to %v before unskipping: %w", f, mode.NonCompact(), err)
				}
				converted = append(converted, fileMode{f, mode})
			}
		}
		for i, f := range e.files {
			if !mask[i] || f.padding || f.skipped == skip {
				continue
			}
			f.skipped = skip
			modified[i] = true
			changed = append(changed, i)
			if skip {
				e.relocateToDNDLocked(f)
			} else {
				e.relocateFromDNDLocked(f)
			}
		}
		return nil
	}()
	if err == nil && len(changed) != 0 {
		e.recomputeDNDLocked()
		neighbours := make(map[*File]struct{})
		for _, i := range changed {
			for _, p := range e.files[i].pieces() {
				p.calcNeededLocked()
				for _, nf := range p.files {
					neighbours[nf] = struct{}{}
				}
			}
		}
		if e.State() == StateReady {
			for f := range neighbours {
				toAllocate = append(toAllocate, f)
			}
		}
	}
	attrs, attrsErr := e.endBulkLocked()
	e.fpMu.Unlock()
	if err != nil {
		clear(modified)
		if len(unconverted) != 0 {
			e.recheckFiles(unconverted)
		}
		return
	}
	if attrsErr == nil && attrs != nil {
		attrsErr = e.writeAttrs(attrs)
	}
	if len(changed) != 0 {
		e.notifyPriorityChanged(changed)
	}
	if len(toAllocate) != 0 {
		e.allocateWanted(toAllocate)
	}
	err = attrsErr
	return
}

type fileMode struct {
	f    *File
	mode StorageMode
}

// Converts files back to the modes they had, returning those that couldn't be. Requires fpMu.
func (e *Engine) revertConversionsLocked(converted []fileMode) (failed []*File) {
	for _, c := range converted {
		f := c.f
		if _, err := e.convertLocked(f, c.mode); err != nil {
			e.logger.Warn("reverting storage mode conversion", "file", f, "err", err)
			f.lastErr = g.Some(err.Error())
			failed = append(failed, f)
		}
	}
	return
}

// Requires fpMu.
func (e *Engine) relocateToDNDLocked(f *File) {
	if e.config.DndSubfolder == "" && e.config.DndPrefix == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.link.Ok {
		// Already relocated, or linked elsewhere by the user.
		return
	}
	from := f.pathLocked()
	to := f.dndPathLocked()
	_, err := e.fileIO.Stat(to)
	if err == nil {
		e.logger.Warn("not moving skipped file to do not download folder: destination exists", "file", f, "to", to)
		return
	}
	if !errors.Is(err, fs.ErrNotExist) {
		e.logger.Warn("not moving skipped file to do not download folder", "file", f, "err", err)
		return
	}
	if err := e.fileIO.MkdirAll(filepath.Dir(to)); err != nil {
		e.logger.Warn("creating do not download folder", "file", f, "err", err)
		return
	}
	if err := f.closeHandleLocked(); err != nil {
		e.logger.Warn("closing skipped file", "file", f, "err", err)
	}
	if _, err := e.fileIO.Stat(from); err == nil {
		if err := e.fileIO.Rename(from, to); err != nil {
			e.logger.Warn("moving skipped file to do not download folder", "file", f, "err", err)
			return
		}
	}
	f.link = g.Some(to)
	f.incomplete = false
}

// Requires fpMu.
func (e *Engine) relocateFromDNDLocked(f *File) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dndLinkedLocked() {
		return
	}
	from := f.link.Value
	f.link.SetNone()
	f.incomplete = e.config.IncompleteSuffix != "" && f.downloaded < f.length
	to := f.pathLocked()
	if err := f.closeHandleLocked(); err != nil {
		e.logger.Warn("closing unskipped file", "file", f, "err", err)
	}
	if _, err := e.fileIO.Stat(from); err != nil {
		return
	}
	if _, err := e.fileIO.Stat(to); err == nil {
		e.logger.Warn("leaving unskipped file in do not download folder: destination exists", "file", f)
		f.link = g.Some(from)
		return
	}
	if err := e.fileIO.Rename(from, to); err != nil {
		e.logger.Warn("moving unskipped file out of do not download folder", "file", f, "err", err)
		f.link = g.Some(from)
		return
	}
	if e.config.DndSubfolder != "" {
		e.removeEmptyDir(filepath.Dir(from))
	}
}

// Converts the storage mode of the files in mask, returning which files changed.
//
// Compact targets are refused with ErrDownloadActive while any target is open for writing. Unless
// forced, files already in mode are left alone, as are wanted incomplete files when the target is
// compact. If a conversion fails the remaining files are left, the failed file is scheduled for
// verification, and the changes so far are returned with the error.
func (me *FileSet) SetStorageModes(mask []bool, mode StorageMode, force bool) (modified []bool, err error) {
	if err = me.checkLen(len(mask)); err != nil {
		return
	}
	e := me.e
	if mode.IsCompact() {
		for i, f := range e.files {
			if mask[i] && f.isOpenForWrite() {
				return make([]bool, len(mask)), fmt.Errorf("%w: %v open for writing", ErrDownloadActive, f)
			}
		}
	}
	modified = make([]bool, len(mask))
	var failed *File
	e.fpMu.Lock()
	e.beginBulkLocked()
	for i, f := range e.files {
		if !mask[i] || f.padding {
			continue
		}
		current := f.StorageMode()
		if !force {
			if current == mode {
				continue
			}
			if mode.IsCompact() && !f.skipped && f.downloaded < f.length {
				continue
			}
		}
		var cleared int
		cleared, err = e.convertLocked(f, mode)
		if err != nil {
			err = fmt.Errorf("converting %v to %v: %w", f, mode, err)
			f.lastErr = g.Some(err.Error())
			failed = f
			break
		}
		if cleared != 0 {
			f.downloaded = max(0, f.downloaded-int64(cleared)*e.info.PieceLength)
		}
		modified[i] = true
	}
	e.recomputeDNDLocked()
	attrs, attrsErr := e.endBulkLocked()
	e.fpMu.Unlock()
	if attrsErr == nil && attrs != nil {
		attrsErr = e.writeAttrs(attrs)
	}
	if failed != nil {
		e.logger.Warn("storage mode conversion failed", "file", failed, "err", err)
		e.recheckFiles([]*File{failed})
	}
	if err == nil {
		err = attrsErr
	}
	return
}

// Converts the file's layout through the file collaborator. Files that don't exist yet just take
// the new mode. Requires fpMu.
func (e *Engine) convertLocked(f *File, mode StorageMode) (cleared int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mode == mode && f.handle == nil {
		return
	}
	if f.handle == nil {
		if _, err = e.fileIO.Stat(f.pathLocked()); errors.Is(err, fs.ErrNotExist) {
			f.mode = mode
			return 0, nil
		} else if err != nil {
			return
		}
	}
	h, err := f.handleLocked(f.access)
	if err != nil {
		return
	}
	cleared, err = h.SetStorageMode(mode)
	if err != nil {
		return
	}
	f.mode = mode
	return
}

// Sets the priority of the file.
func (f *File) SetPriority(priority int32) error {
	values := make([]int32, len(f.e.files))
	for i := range values {
		values[i] = NoPriorityChange
	}
	values[f.index] = priority
	return f.e.fileSet.SetPriorities(values)
}

func (f *File) SetSkipped(skip bool) error {
	mask := make([]bool, len(f.e.files))
	mask[f.index] = true
	_, err := f.e.fileSet.SetSkipped(mask, skip)
	return err
}

func (f *File) SetStorageMode(mode StorageMode, force bool) error {
	mask := make([]bool, len(f.e.files))
	mask[f.index] = true
	_, err := f.e.fileSet.SetStorageModes(mask, mode, force)
	return err
}

// Stores the file at target instead of its normal path, moving it there if it exists. An empty
// target restores the normal path.
func (f *File) SetLink(target string) error {
	e := f.e
	if e.moving.Load() {
		return ErrMoving
	}
	f.mu.Lock()
	from := f.pathLocked()
	var newLink g.Option[string]
	if target != "" {
		newLink = g.Some(target)
	}
	saved := f.link
	f.link = newLink
	to := f.pathLocked()
	err := func() error {
		if from == to {
			return nil
		}
		if _, err := e.fileIO.Stat(from); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if _, err := e.fileIO.Stat(to); err == nil {
			return fmt.Errorf("%v already exists", to)
		}
		if err := f.closeHandleLocked(); err != nil {
			return err
		}
		if err := e.fileIO.MkdirAll(filepath.Dir(to)); err != nil {
			return err
		}
		return e.fileIO.Rename(from, to)
	}()
	if err != nil {
		f.link = saved
	}
	f.mu.Unlock()
	if err != nil {
		return fmt.Errorf("linking %v to %q: %w", f, target, err)
	}
	return e.saveAttrs()
}
