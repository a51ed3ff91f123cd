package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMoveEngine(t *testing.T) (*Engine, *fakeIO) {
	info := makeUnhashedContent(16<<10, 1000, 2000, 3000, 4000, 5000)
	io := newFakeIO()
	config := DefaultConfig()
	config.CheckOnStart = false
	e := newTestEngine(t, info, io, config)
	for _, f := range e.Files().All() {
		io.put(f.Path(), f.Length(), nil)
	}
	require.Equal(t, StateReady, startAndWait(t, e))
	return e, io
}

// Scenario E.
func TestMoveFailureRollsBack(t *testing.T) {
	e, io := newMoveEngine(t)
	moveErr := errors.New("device gone")
	io.moveErr = func(from, to string) error {
		if from == "/dl/content/f2" {
			return moveErr
		}
		return nil
	}
	err := e.MoveFiles(context.Background(), "/dest", false, nil)
	require.ErrorIs(t, err, moveErr)
	for _, f := range e.Files().All() {
		assert.Equal(t, "/dl/content/"+f.DisplayPath(), f.Path())
		assert.True(t, io.exists(f.Path()), f.Path())
	}
	assert.False(t, io.exists("/dest/content/f0"))
	assert.False(t, io.exists("/dest/content/f1"))
	assert.False(t, io.hasDir("/dest/content"))
	assert.False(t, io.hasDir("/dest"))
	assert.Equal(t, StateReady, e.State())
}

func TestMoveFiles(t *testing.T) {
	e, io := newMoveEngine(t)
	var last MoveProgress
	calls := 0
	err := e.MoveFiles(context.Background(), "/dest", true, func(p MoveProgress) {
		calls++
		last = p
	})
	require.NoError(t, err)
	assert.Equal(t, 5, calls)
	assert.EqualValues(t, e.TotalLength(), last.Total)
	assert.Equal(t, last.Total, last.Done)
	assert.Equal(t, 4, last.File)
	for _, f := range e.Files().All() {
		assert.Equal(t, "/dest/content/"+f.DisplayPath(), f.Path())
		assert.True(t, io.exists(f.Path()))
		assert.True(t, io.files[f.Path()].readOnly)
	}
	assert.Len(t, io.paths(), 5)
	// Files are reopened at the new location.
	e.setPieceDone(e.Piece(0), true)
	req, err := e.NewReadRequest(0, 0, 100)
	require.NoError(t, err)
	require.NoError(t, e.Enqueue(context.Background(), req))
}

func TestMoveRejectsExistingDestination(t *testing.T) {
	e, io := newMoveEngine(t)
	io.put("/dest/content/f3", 1, nil)
	err := e.MoveFiles(context.Background(), "/dest", false, nil)
	require.Error(t, err)
	assert.True(t, io.exists("/dl/content/f0"))
	assert.False(t, io.exists("/dest/content/f0"))
}

func TestMoveRejectsOverlap(t *testing.T) {
	e, _ := newMoveEngine(t)
	require.Error(t, e.MoveFiles(context.Background(), "/dl/content", false, nil))
	require.NoError(t, e.MoveFiles(context.Background(), "/dl", false, nil))
}

func TestMoveKeepsOutsideLinks(t *testing.T) {
	e, io := newMoveEngine(t)
	f := e.Files().File(0)
	require.NoError(t, f.SetLink("/elsewhere/f0"))
	assert.True(t, io.exists("/elsewhere/f0"))
	require.NoError(t, e.MoveFiles(context.Background(), "/dest", false, nil))
	assert.Equal(t, "/elsewhere/f0", f.Path())
	assert.True(t, io.exists("/dest/content/f1"))
}

func TestIsSubPath(t *testing.T) {
	assert.True(t, isSubPath("/a", "/a"))
	assert.True(t, isSubPath("/a", "/a/b"))
	assert.False(t, isSubPath("/a", "/ab"))
	assert.False(t, isSubPath("/a/b", "/a"))
	assert.True(t, isSubPath("/a", "/a/..b"))
}
