package storage

import (
	"encoding/json"
	"fmt"

	"github.com/RoaringBitmap/roaring"
	g "github.com/anacrolix/generics"
)

const (
	attrPriorities   = "priorities"
	attrSkipped      = "skipped"
	attrStorageModes = "storage-modes"
	attrDownloaded   = "downloaded"
	attrLinks        = "links"
	attrPiecesDone   = "pieces-done"
)

func (e *Engine) getJSONAttr(name string, v any) (ok bool, err error) {
	b, err := e.attrs.Get(e.key, name)
	if err != nil || !b.Ok {
		return
	}
	err = json.Unmarshal(b.Value, v)
	if err != nil {
		err = fmt.Errorf("decoding %v: %w", name, err)
		return
	}
	ok = true
	return
}

// Applies persisted attributes to the freshly built files and pieces.
func (e *Engine) restore() (err error) {
	var priorities []int32
	if ok, err := e.getJSONAttr(attrPriorities, &priorities); err != nil {
		return err
	} else if ok && e.checkAttrLen(attrPriorities, len(priorities)) {
		for i, p := range priorities {
			e.files[i].priority = p
		}
	}
	var skipped []bool
	if ok, err := e.getJSONAttr(attrSkipped, &skipped); err != nil {
		return err
	} else if ok && e.checkAttrLen(attrSkipped, len(skipped)) {
		for i, s := range skipped {
			e.files[i].skipped = s && !e.files[i].padding
		}
	}
	modesAttr, err := e.attrs.Get(e.key, attrStorageModes)
	if err != nil {
		return
	}
	if modesAttr.Ok {
		modes, err := parseStorageModes(string(modesAttr.Value))
		if err != nil {
			return err
		}
		if e.checkAttrLen(attrStorageModes, len(modes)) {
			for i, m := range modes {
				e.files[i].mode = m
			}
		}
	}
	var links map[int]string
	if ok, err := e.getJSONAttr(attrLinks, &links); err != nil {
		return err
	} else if ok {
		for i, l := range links {
			if i < 0 || i >= len(e.files) {
				e.logger.Warn("ignoring link for unknown file", "file", i)
				continue
			}
			e.files[i].link = g.Some(l)
		}
	}
	var downloaded []int64
	if ok, err := e.getJSONAttr(attrDownloaded, &downloaded); err != nil {
		return err
	} else if ok && e.checkAttrLen(attrDownloaded, len(downloaded)) {
		e.persistedDownloaded = downloaded
	}
	piecesDone, err := e.attrs.Get(e.key, attrPiecesDone)
	if err != nil {
		return
	}
	if piecesDone.Ok {
		bm := roaring.New()
		if err = bm.UnmarshalBinary(piecesDone.Value); err != nil {
			return fmt.Errorf("decoding %v: %w", attrPiecesDone, err)
		}
		if bm.IsEmpty() || bm.Maximum() < uint32(len(e.pieces)) {
			e.resumed = bm
		} else {
			e.logger.Warn("ignoring fast resume data for too many pieces", "max", bm.Maximum())
		}
	}
	return nil
}

func (e *Engine) checkAttrLen(name string, n int) bool {
	if n == len(e.files) {
		return true
	}
	e.logger.Warn("ignoring persisted attribute with wrong length", "attr", name, "len", n, "files", len(e.files))
	return false
}

// Marks the fast-resume pieces done without side effects. Requires fpMu.
func (e *Engine) applyResumeLocked() {
	if e.resumed == nil {
		return
	}
	e.resumed.Iterate(func(i uint32) bool {
		p := e.pieces[i]
		p.setDone(true)
		e.remaining -= p.length
		for _, f := range p.files {
			if f.padding {
				continue
			}
			f.downloaded = min(f.length, f.downloaded+pieceFileOverlap(p, f))
		}
		return true
	})
	e.recomputeDNDLocked()
	for _, p := range e.pieces {
		p.calcNeededLocked()
	}
}

// Requires fpMu.
func (e *Engine) attrValuesLocked() (map[string][]byte, error) {
	n := len(e.files)
	priorities := make([]int32, n)
	skipped := make([]bool, n)
	downloaded := make([]int64, n)
	modes := make([]StorageMode, n)
	links := make(map[int]string)
	for i, f := range e.files {
		priorities[i] = f.priority
		skipped[i] = f.skipped
		downloaded[i] = f.downloaded
		f.mu.Lock()
		modes[i] = f.mode
		if f.link.Ok {
			links[i] = f.link.Value
		}
		f.mu.Unlock()
	}
	values := map[string][]byte{
		attrStorageModes: []byte(formatStorageModes(modes)),
	}
	for name, v := range map[string]any{
		attrPriorities: priorities,
		attrSkipped:    skipped,
		attrDownloaded: downloaded,
		attrLinks:      links,
	} {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding %v: %w", name, err)
		}
		values[name] = b
	}
	return values, nil
}

// Persists file attributes, unless a batch is in progress, in which case they're written when it
// ends.
func (e *Engine) saveAttrs() error {
	e.fpMu.Lock()
	if e.bulkDepth > 0 {
		e.saveDeferred = true
		e.fpMu.Unlock()
		return nil
	}
	values, err := e.attrValuesLocked()
	e.fpMu.Unlock()
	if err != nil {
		return err
	}
	return e.writeAttrs(values)
}

func (e *Engine) writeAttrs(values map[string][]byte) error {
	err := e.attrs.SetBatch(e.key, values)
	if err != nil {
		e.logger.Warn("saving attributes", "err", err)
		return fmt.Errorf("saving attributes: %w", err)
	}
	return nil
}

// Requires fpMu.
func (e *Engine) beginBulkLocked() {
	e.bulkDepth++
}

// Ends a bulk edit. Returns the attributes to write once fpMu is released, if this ends the
// outermost edit. Requires fpMu.
func (e *Engine) endBulkLocked() (values map[string][]byte, err error) {
	e.bulkDepth--
	if e.bulkDepth > 0 {
		e.saveDeferred = true
		return
	}
	e.saveDeferred = false
	return e.attrValuesLocked()
}

// Runs edits as one bulk edit, persisting once at the end.
func (e *Engine) Batch(edits func() error) error {
	e.fpMu.Lock()
	e.beginBulkLocked()
	e.fpMu.Unlock()
	editErr := edits()
	e.fpMu.Lock()
	e.bulkDepth--
	deferred := e.bulkDepth == 0 && e.saveDeferred
	if deferred {
		e.saveDeferred = false
	}
	e.fpMu.Unlock()
	if deferred {
		if err := e.saveAttrs(); err != nil && editErr == nil {
			return err
		}
	}
	return editErr
}

func (e *Engine) savePiecesDone() {
	b, err := e.Availability().MarshalBinary()
	if err == nil {
		err = e.attrs.Set(e.key, attrPiecesDone, b)
	}
	if err != nil {
		e.logger.Warn("saving fast resume data", "err", err)
	}
}
