package storage

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/go-quicktest/qt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/piecestore/allocgate"
)

func getAttr(t *testing.T, e *Engine, name string) string {
	v, err := e.attrs.Get(e.key, name)
	require.NoError(t, err)
	require.True(t, v.Ok, name)
	return string(v.Value)
}

func TestSetPriorities(t *testing.T) {
	info := makeUnhashedContent(16<<10, 100, 200, 300)
	var changes [][]int
	e := newTestEngine(t, info, newFakeIO(), DefaultConfig(), func(o *Opts) {
		o.Callbacks.PriorityChanged = append(o.Callbacks.PriorityChanged, func(files []int) {
			changes = append(changes, files)
		})
	})
	files := e.Files()
	require.NoError(t, files.SetPriorities([]int32{5, NoPriorityChange, -3}))
	assert.EqualValues(t, 5, files.File(0).Priority())
	assert.EqualValues(t, 0, files.File(1).Priority())
	assert.EqualValues(t, -3, files.File(2).Priority())
	assert.Equal(t, "[5,0,-3]", getAttr(t, e, attrPriorities))
	require.NoError(t, files.File(1).SetPriority(math.MaxInt32))
	assert.EqualValues(t, math.MaxInt32, files.File(1).Priority())
	assert.ErrorIs(t, files.SetPriorities([]int32{1}), ErrBadRequest)
	require.NoError(t, e.dispatcher.flush(context.Background()))
	assert.Equal(t, [][]int{{0, 2}, {1}}, changes)
}

func TestSkipIdempotent(t *testing.T) {
	info := makeUnhashedContent(16<<10, 16<<10, 16<<10)
	io := newFakeIO()
	config := DefaultConfig()
	config.DndSubfolder = ".dnd"
	config.DndPrefix = "~"
	e := newTestEngine(t, info, io, config)
	io.put("/dl/content/f1", 16<<10, nil)
	mask := []bool{false, true}

	modified, err := e.Files().SetSkipped(mask, true)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true}, modified)
	f1 := e.Files().File(1)
	link := f1.Link()
	assert.Equal(t, "/dl/content/.dnd/~f1", link.Value)
	assert.True(t, io.exists("/dl/content/.dnd/~f1"))
	assert.False(t, io.exists("/dl/content/f1"))
	skippedAttr := getAttr(t, e, attrSkipped)
	linksAttr := getAttr(t, e, attrLinks)
	paths := io.paths()

	modified, err = e.Files().SetSkipped(mask, true)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false}, modified)
	assert.Equal(t, link, f1.Link())
	assert.Equal(t, skippedAttr, getAttr(t, e, attrSkipped))
	assert.Equal(t, linksAttr, getAttr(t, e, attrLinks))
	assert.ElementsMatch(t, paths, io.paths())

	modified, err = e.Files().SetSkipped(mask, false)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true}, modified)
	assert.False(t, f1.Link().Ok)
	assert.True(t, io.exists("/dl/content/f1"))
	assert.False(t, io.hasDir("/dl/content/.dnd"))
	assert.Equal(t, "{}", getAttr(t, e, attrLinks))
}

func TestSkipKeepsFileWhenDestinationExists(t *testing.T) {
	info := makeUnhashedContent(16<<10, 16<<10, 16<<10)
	io := newFakeIO()
	config := DefaultConfig()
	config.DndPrefix = "~"
	e := newTestEngine(t, info, io, config)
	io.put("/dl/content/f0", 16<<10, nil)
	io.put("/dl/content/~f0", 1, nil)
	require.NoError(t, e.Files().File(0).SetSkipped(true))
	f0 := e.Files().File(0)
	assert.True(t, f0.Skipped())
	assert.False(t, f0.Link().Ok)
	assert.True(t, io.exists("/dl/content/f0"))
}

func TestUnskipAllocatesWhileRunning(t *testing.T) {
	info := makeUnhashedContent(16<<10, 16<<10, 16<<10)
	io := newFakeIO()
	e := newTestEngine(t, info, io, DefaultConfig())
	require.NoError(t, e.Files().File(1).SetSkipped(true))
	require.Equal(t, StateReady, startAndWait(t, e))
	assert.False(t, io.exists("/dl/content/f1"))
	assert.Equal(t, 100.0, e.PercentAllocated())
	require.NoError(t, e.Files().File(1).SetSkipped(false))
	// Allocation runs in the background.
	e.bg.Wait()
	assert.True(t, io.exists("/dl/content/f1"))
	assert.EqualValues(t, 16<<10, io.size("/dl/content/f1"))
	assert.True(t, e.Piece(1).IsNeeded())
	assert.Equal(t, 100.0, e.PercentAllocated())
	e.fpMu.Lock()
	assert.EqualValues(t, 32<<10, e.allocated)
	assert.EqualValues(t, 0, e.allocateNotRequired)
	e.fpMu.Unlock()
	assert.Equal(t, StateReady, e.State())
}

func TestUnskipWaitsForAllocationGate(t *testing.T) {
	info := makeUnhashedContent(16<<10, 16<<10, 16<<10)
	io := newFakeIO()
	gate := allocgate.New()
	e := newTestEngine(t, info, io, DefaultConfig(), func(o *Opts) { o.AllocGate = gate })
	require.NoError(t, e.Files().File(1).SetSkipped(true))
	require.Equal(t, StateReady, startAndWait(t, e))
	other := gate.Register("other")
	require.NoError(t, e.Files().File(1).SetSkipped(false))
	assert.Never(t, func() bool { return io.exists("/dl/content/f1") }, 100*time.Millisecond, 5*time.Millisecond)
	other.Unregister()
	e.bg.Wait()
	assert.True(t, io.exists("/dl/content/f1"))
	assert.Equal(t, 0, gate.Len())
	assert.Equal(t, 100.0, e.PercentAllocated())
}

func TestStopWhileUnskipWaitsForAllocationGate(t *testing.T) {
	info := makeUnhashedContent(16<<10, 16<<10, 16<<10)
	io := newFakeIO()
	gate := allocgate.New()
	e := newTestEngine(t, info, io, DefaultConfig(), func(o *Opts) { o.AllocGate = gate })
	require.NoError(t, e.Files().File(1).SetSkipped(true))
	require.Equal(t, StateReady, startAndWait(t, e))
	other := gate.Register("other")
	defer other.Unregister()
	require.NoError(t, e.Files().File(1).SetSkipped(false))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx))
	assert.Equal(t, StateStopped, e.State())
	assert.False(t, io.exists("/dl/content/f1"))
	assert.Equal(t, 1, gate.Len())
}

func TestStorageModeRoundTrip(t *testing.T) {
	info := makeUnhashedContent(16<<10, 16<<10, 100, 16<<10)
	info.Files[1].Padding = true
	io := newFakeIO()
	e := newTestEngine(t, info, io, DefaultConfig())
	io.put("/dl/content/f0", 16<<10, nil)
	files := e.Files()
	mask := []bool{true, true, true}
	require.NoError(t, files.SetPriorities([]int32{0, 0, 0}))
	before := getAttr(t, e, attrStorageModes)
	assert.Equal(t, "LLL", before)

	for _, mode := range []StorageMode{StorageReorder, StorageCompact, StorageReorderCompact} {
		modified, err := files.SetStorageModes(mask, mode, true)
		require.NoError(t, err)
		assert.Equal(t, []bool{true, false, true}, modified, mode)
		assert.Equal(t, mode, files.File(0).StorageMode())
		assert.Equal(t, mode, files.File(2).StorageMode())
		_, err = files.SetStorageModes(mask, StorageLinear, false)
		require.NoError(t, err)
		assert.Equal(t, before, getAttr(t, e, attrStorageModes), mode)
	}
}

func TestCompactSkipsWantedIncompleteFiles(t *testing.T) {
	info := makeUnhashedContent(16<<10, 16<<10, 16<<10)
	e := newTestEngine(t, info, newFakeIO(), DefaultConfig())
	files := e.Files()
	require.NoError(t, files.File(1).SetSkipped(true))
	modified, err := files.SetStorageModes([]bool{true, true}, StorageCompact, false)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true}, modified)
	assert.Equal(t, "LC", getAttr(t, e, attrStorageModes))
	// Equal modes are left alone unless forced.
	modified, err = files.SetStorageModes([]bool{true, true}, StorageCompact, false)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false}, modified)
}

func TestCompactRefusedWhileWriting(t *testing.T) {
	info := makeUnhashedContent(16<<10, 16<<10, 16<<10)
	e := newTestEngine(t, info, newFakeIO(), DefaultConfig())
	f := e.Files().File(0)
	f.mu.Lock()
	_, err := f.handleLocked(AccessWrite)
	f.mu.Unlock()
	require.NoError(t, err)
	modified, err := e.Files().SetStorageModes([]bool{true, true}, StorageCompact, true)
	qt.Assert(t, qt.ErrorIs(err, ErrDownloadActive))
	qt.Check(t, qt.DeepEquals(modified, []bool{false, false}))
	qt.Check(t, qt.Equals(f.StorageMode(), StorageLinear))
	// Non-compact targets are fine.
	_, err = e.Files().SetStorageModes([]bool{true, false}, StorageReorder, false)
	qt.Check(t, qt.IsNil(err))
}

func TestStorageModeConversionFailureStops(t *testing.T) {
	info := makeUnhashedContent(16<<10, 16<<10, 16<<10, 16<<10)
	io := newFakeIO()
	e := newTestEngine(t, info, io, DefaultConfig())
	for _, f := range e.Files().All() {
		io.put(f.Path(), f.Length(), nil)
	}
	convertErr := errors.New("disk on fire")
	io.convertErr = func(path string, mode StorageMode) error {
		if path == "/dl/content/f1" {
			return convertErr
		}
		return nil
	}
	files := e.Files()
	modified, err := files.SetStorageModes([]bool{true, true, true}, StorageReorder, false)
	assert.ErrorIs(t, err, convertErr)
	assert.Equal(t, []bool{true, false, false}, modified)
	assert.Equal(t, "RLL", getAttr(t, e, attrStorageModes))
	assert.True(t, files.File(1).LastError().Ok)
	assert.False(t, files.File(0).LastError().Ok)
}

func TestConversionClearsDownloaded(t *testing.T) {
	info := makeUnhashedContent(16<<10, 48<<10)
	io := newFakeIO()
	io.cleared = 2
	e := newTestEngine(t, info, io, DefaultConfig())
	io.put("/dl/content/f0", 48<<10, nil)
	e.setPieceDone(e.Piece(0), true)
	e.setPieceDone(e.Piece(1), true)
	require.NoError(t, e.Files().File(0).SetStorageMode(StorageReorder, false))
	assert.EqualValues(t, 0, e.Files().File(0).Downloaded())
}

func TestUnskipConversionFailureChangesNothing(t *testing.T) {
	info := makeUnhashedContent(16<<10, 16<<10, 16<<10)
	io := newFakeIO()
	e := newTestEngine(t, info, io, DefaultConfig())
	files := e.Files()
	_, err := files.SetSkipped([]bool{true, true}, true)
	require.NoError(t, err)
	_, err = files.SetStorageModes([]bool{true, true}, StorageCompact, false)
	require.NoError(t, err)
	require.Equal(t, "CC", getAttr(t, e, attrStorageModes))
	io.put("/dl/content/f0", 16<<10, nil)
	io.put("/dl/content/f1", 16<<10, nil)
	var f0Modes []StorageMode
	io.convertErr = func(path string, mode StorageMode) error {
		if path == "/dl/content/f1" {
			return errors.New("nope")
		}
		f0Modes = append(f0Modes, mode)
		return nil
	}
	modified, err := files.SetSkipped([]bool{true, true}, false)
	assert.Error(t, err)
	assert.Equal(t, []bool{false, false}, modified)
	assert.True(t, files.File(0).Skipped())
	assert.True(t, files.File(1).Skipped())
	// The file converted before the failure is converted back.
	assert.Equal(t, []StorageMode{StorageLinear, StorageCompact}, f0Modes)
	assert.Equal(t, StorageCompact, files.File(0).StorageMode())
	assert.Equal(t, StorageCompact, files.File(1).StorageMode())
	assert.Equal(t, "CC", getAttr(t, e, attrStorageModes))
}

func TestBatchPersistsOnce(t *testing.T) {
	info := makeUnhashedContent(16<<10, 100, 200)
	attrs := &countingAttrs{AttributeStore: NewMapAttributeStore()}
	e := newTestEngine(t, info, newFakeIO(), DefaultConfig(), func(o *Opts) { o.Attrs = attrs })
	err := e.Batch(func() error {
		if err := e.Files().File(0).SetPriority(1); err != nil {
			return err
		}
		return e.Files().File(1).SetSkipped(true)
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, attrs.batches)
	assert.Equal(t, "[1,0]", getAttr(t, e, attrPriorities))
	assert.Equal(t, "[false,true]", getAttr(t, e, attrSkipped))
}

type countingAttrs struct {
	AttributeStore
	batches int
}

func (me *countingAttrs) SetBatch(namespace string, values map[string][]byte) error {
	me.batches++
	return me.AttributeStore.SetBatch(namespace, values)
}

func TestAttributesRestored(t *testing.T) {
	info := makeUnhashedContent(16<<10, 100, 200)
	attrs := NewMapAttributeStore()
	io := newFakeIO()
	e := newTestEngine(t, info, io, DefaultConfig(), func(o *Opts) { o.Attrs = attrs })
	files := e.Files()
	require.NoError(t, files.SetPriorities([]int32{7, 8}))
	require.NoError(t, files.File(1).SetSkipped(true))
	require.NoError(t, files.File(0).SetStorageMode(StorageReorder, false))
	require.NoError(t, files.File(0).SetLink("/elsewhere/f0"))

	e2 := newTestEngine(t, info, io, DefaultConfig(), func(o *Opts) { o.Attrs = attrs })
	files = e2.Files()
	assert.EqualValues(t, 7, files.File(0).Priority())
	assert.EqualValues(t, 8, files.File(1).Priority())
	assert.True(t, files.File(1).Skipped())
	assert.Equal(t, StorageReorder, files.File(0).StorageMode())
	assert.Equal(t, "/elsewhere/f0", files.File(0).Path())
	assert.EqualValues(t, 100, e2.SizeExcludingDND())
}
