package recheck

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-quicktest/qt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSmallestFirstWindow(t *testing.T) {
	s := New(Config{MaxActive: 1, SmallestFirst: true})
	big := s.Register(100<<20, 1<<20, false)
	small := s.Register(1<<20, 1<<20, false)
	qt.Check(t, qt.IsTrue(small.Poll()))
	qt.Check(t, qt.IsFalse(big.Poll()))
	small.Unregister()
	qt.Check(t, qt.IsTrue(big.Poll()))
	big.Unregister()
}

func TestRegistrationOrderWithoutSmallestFirst(t *testing.T) {
	s := New(Config{MaxActive: 1})
	big := s.Register(100<<20, 1<<20, false)
	small := s.Register(1<<20, 1<<20, false)
	qt.Check(t, qt.IsTrue(big.Poll()))
	qt.Check(t, qt.IsFalse(small.Poll()))
	big.Unregister()
	small.Unregister()
}

func TestLowPrioritySortsLast(t *testing.T) {
	s := New(Config{MaxActive: 1, SmallestFirst: true})
	low := s.Register(1, 1<<20, true)
	normal := s.Register(1<<30, 1<<20, false)
	qt.Check(t, qt.IsTrue(normal.Poll()))
	qt.Check(t, qt.IsFalse(low.Poll()))
	normal.Unregister()
	low.Unregister()
}

func TestLowPriorityHeldWhileRealtime(t *testing.T) {
	var realtime atomic.Bool
	realtime.Store(true)
	s := New(Config{MaxActive: 2, RealtimeActive: realtime.Load})
	low := s.Register(1, 1<<20, true)
	qt.Check(t, qt.IsFalse(low.Poll()))
	realtime.Store(false)
	qt.Check(t, qt.IsTrue(low.Poll()))
	low.Unregister()
}

func TestMaxActiveWindow(t *testing.T) {
	s := New(Config{MaxActive: 2})
	a := s.Register(1, 1, false)
	b := s.Register(1, 1, false)
	c := s.Register(1, 1, false)
	qt.Check(t, qt.IsTrue(a.Poll()))
	qt.Check(t, qt.IsTrue(b.Poll()))
	qt.Check(t, qt.IsFalse(c.Poll()))
	a.Unregister()
	qt.Check(t, qt.IsTrue(c.Poll()))
	b.Unregister()
	c.Unregister()
	qt.Check(t, qt.Equals(s.Len(), 0))
}

func TestSizeScaledDelayClamped(t *testing.T) {
	s := New(Config{Throttle: ThrottleSizeScaled})
	tiny := s.Register(1, 16<<10, false)
	huge := s.Register(1, 64<<20, false)
	mid := s.Register(1, 1<<20, false)
	qt.Check(t, qt.Equals(tiny.Delay(), MinScaledDelay))
	qt.Check(t, qt.Equals(huge.Delay(), MaxScaledDelay))
	qt.Check(t, qt.Equals(mid.Delay(), 16*time.Millisecond))
	for _, ticket := range []*Ticket{tiny, huge, mid} {
		ticket.Unregister()
	}
	none := New(Config{}).Register(1, 1<<20, false)
	qt.Check(t, qt.Equals(none.Delay(), time.Duration(0)))
}

func TestPieceConcurrency(t *testing.T) {
	s := New(Config{BasePieceConcurrency: 2})
	for _, c := range []struct {
		pieceLength int64
		expected    int
	}{
		{16 << 10, 8},
		{256 << 10, 8},
		{512 << 10, 4},
		{2 << 20, 2},
		{16 << 20, 1},
	} {
		ticket := s.Register(1, c.pieceLength, false)
		assert.Equal(t, c.expected, ticket.PieceConcurrency(), "piece length %v", c.pieceLength)
		ticket.Unregister()
	}
}

func TestWaitWokenByUnregister(t *testing.T) {
	s := New(Config{RepollInterval: time.Hour})
	first := s.Register(1, 1, false)
	second := s.Register(2, 1, false)
	done := make(chan error, 1)
	go func() {
		done <- second.Wait(context.Background())
	}()
	first.Unregister()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("wait not woken")
	}
	second.Unregister()
}

func TestUnregisterTwicePanics(t *testing.T) {
	s := New(Config{})
	ticket := s.Register(1, 1, false)
	ticket.Unregister()
	assert.Panics(t, ticket.Unregister)
}
