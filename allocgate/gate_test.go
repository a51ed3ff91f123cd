package allocgate

import (
	"context"
	"testing"
	"time"

	"github.com/go-quicktest/qt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecondWaitsForFirstUnregister(t *testing.T) {
	g := New()
	first := g.Register("first")
	second := g.Register("second")
	qt.Check(t, qt.IsTrue(first.Poll()))
	qt.Check(t, qt.IsFalse(second.Poll()))
	qt.Check(t, qt.IsFalse(second.Poll()))
	first.Unregister()
	qt.Check(t, qt.IsTrue(second.Poll()))
	second.Unregister()
	qt.Check(t, qt.Equals(g.Len(), 0))
}

func TestFifoOrder(t *testing.T) {
	g := New()
	var tickets []*Ticket
	for _, name := range []string{"a", "b", "c"} {
		tickets = append(tickets, g.Register(name))
	}
	// Removing from the middle doesn't promote anyone past the head.
	tickets[1].Unregister()
	qt.Check(t, qt.IsTrue(tickets[0].Poll()))
	qt.Check(t, qt.IsFalse(tickets[2].Poll()))
	tickets[0].Unregister()
	qt.Check(t, qt.IsTrue(tickets[2].Poll()))
	tickets[2].Unregister()
}

func TestDoubleUnregisterPanics(t *testing.T) {
	g := New()
	ticket := g.Register("x")
	ticket.Unregister()
	assert.Panics(t, ticket.Unregister)
}

func TestWaitWokenByUnregister(t *testing.T) {
	g := &Gate{RepollInterval: time.Hour}
	first := g.Register("first")
	second := g.Register("second")
	done := make(chan error, 1)
	go func() {
		done <- second.Wait(context.Background())
	}()
	select {
	case <-done:
		t.Fatal("second ticket granted while first registered")
	case <-time.After(10 * time.Millisecond):
	}
	first.Unregister()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("wait not woken")
	}
	second.Unregister()
}

func TestWaitContextCancelled(t *testing.T) {
	g := New()
	first := g.Register("first")
	defer first.Unregister()
	second := g.Register("second")
	defer second.Unregister()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := second.Wait(ctx)
	qt.Check(t, qt.ErrorIs(err, context.DeadlineExceeded))
}
