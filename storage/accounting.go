package storage

import (
	"path/filepath"

	"github.com/anacrolix/piecestore/segments"
)

// The only way a piece's done flag changes. Counters for the piece and its files are updated in
// the same critical section, so anyone seeing done also sees the counters.
func (e *Engine) setPieceDone(p *Piece, done bool) {
	var completed, fullnessChanged []*File
	e.fpMu.Lock()
	if p.IsDone() == done {
		e.fpMu.Unlock()
		return
	}
	sign := int64(1)
	if !done {
		sign = -1
	}
	e.remaining -= sign * p.length
	if e.remaining < 0 || e.remaining > e.total {
		e.logger.Error("internal accounting fault: remaining out of range",
			"piece", p.index, "remaining", e.remaining)
		e.remaining = min(max(e.remaining, 0), e.total)
	}
	for _, f := range p.files {
		if f.padding {
			continue
		}
		old := f.downloaded
		raw := old + sign*pieceFileOverlap(p, f)
		f.downloaded = min(max(raw, 0), f.length)
		if f.downloaded != raw {
			e.logger.Error("internal accounting fault: file downloaded out of range",
				"file", f.index, "piece", p.index, "raw", raw, "length", f.length)
		}
		if !f.skipped {
			e.remainingExcludingDND -= f.downloaded - old
			if e.remainingExcludingDND < 0 {
				e.logger.Error("internal accounting fault: remaining excluding dnd negative",
					"value", e.remainingExcludingDND)
				e.remainingExcludingDND = 0
			}
		}
		if (old == f.length) != (f.downloaded == f.length) {
			fullnessChanged = append(fullnessChanged, f)
			if done {
				completed = append(completed, f)
			}
		}
	}
	p.setDone(done)
	p.calcNeededLocked()
	for _, f := range fullnessChanged {
		for _, q := range f.pieces() {
			q.calcNeededLocked()
		}
	}
	e.fpMu.Unlock()
	if done {
		piecesDone.Inc()
	}
	e.notifyPieceDoneChanged(p.index, done)
	for _, f := range completed {
		e.fileCompleted(f)
	}
}

func pieceFileOverlap(p *Piece, f *File) int64 {
	return segments.Overlap(
		segments.Extent{Start: p.offset, Length: p.length},
		segments.Extent{Start: f.offset, Length: f.length},
	)
}

// Side effects of a file becoming complete.
func (e *Engine) fileCompleted(f *File) {
	skipped := f.Skipped()
	f.mu.Lock()
	dndDir := e.completeFileLocked(f, skipped)
	f.mu.Unlock()
	if dndDir != "" {
		e.removeEmptyDir(dndDir)
	}
	e.saveAttrs()
	e.notifyFileCompleted(f.index)
}

// Strips the incomplete suffix, moves a wanted file out of the do-not-download folder and
// switches to read access. Returns the folder the file left, if any.
func (e *Engine) completeFileLocked(f *File, skipped bool) (leftDir string) {
	if f.handle != nil && (f.incomplete || f.dndLinkedLocked() && !skipped) {
		if err := f.closeHandleLocked(); err != nil {
			e.logger.Warn("closing completed file", "file", f, "err", err)
		}
	}
	if f.incomplete && !f.link.Ok {
		from := f.pathLocked()
		to := f.normalPathLocked()
		if err := e.fileIO.Rename(from, to); err != nil {
			e.logger.Warn("removing incomplete suffix", "file", f, "err", err)
		} else {
			f.incomplete = false
		}
	}
	if f.dndLinkedLocked() && !skipped {
		from := f.link.Value
		to := f.normalPathLocked()
		if err := e.fileIO.Rename(from, to); err != nil {
			e.logger.Warn("moving completed file out of do not download folder", "file", f, "err", err)
		} else {
			f.link.SetNone()
			f.incomplete = false
			if e.config.DndSubfolder != "" {
				leftDir = filepath.Dir(from)
			}
		}
	}
	if f.handle != nil {
		if err := f.handle.SetAccessMode(AccessRead); err != nil {
			e.logger.Warn("switching completed file to read access", "file", f, "err", err)
			return
		}
	}
	f.access = AccessRead
	return
}

func (e *Engine) removeEmptyDir(dir string) {
	if dir == "" || dir == "." || dir == string(filepath.Separator) {
		return
	}
	if err := e.fileIO.RemoveEmptyDirs(dir); err != nil {
		e.logger.Debug("removing empty dirs", "dir", dir, "err", err)
	}
}
