package storage

import (
	"context"
	"log/slog"
	"sync"

	"github.com/anacrolix/chansync"
	list "github.com/bahlo/generic-list-go"
)

type StateChange struct {
	Old, New State
}

// Listeners for engine events. They're called asynchronously in order on a dispatcher goroutine.
// A panicking listener is logged and doesn't affect the others.
type Callbacks struct {
	StateChanged     []func(StateChange)
	PriorityChanged  []func(files []int)
	PieceDoneChanged []func(piece int, done bool)
	FileCompleted    []func(file int)
}

type dispatcher struct {
	logger  *slog.Logger
	mu      sync.Mutex
	queue   *list.List[func()]
	running bool
	idle    chansync.BroadcastCond
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	return &dispatcher{
		logger: logger,
		queue:  list.New[func()](),
	}
}

func (d *dispatcher) post(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue.PushBack(f)
	if !d.running {
		d.running = true
		go d.run()
	}
}

func (d *dispatcher) run() {
	for {
		d.mu.Lock()
		front := d.queue.Front()
		if front == nil {
			d.running = false
			d.idle.Broadcast()
			d.mu.Unlock()
			return
		}
		d.queue.Remove(front)
		d.mu.Unlock()
		d.call(front.Value)
	}
}

func (d *dispatcher) call(f func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("notification listener panicked", "panic", r)
		}
	}()
	f()
}

// Waits until every posted notification has been delivered.
func (d *dispatcher) flush(ctx context.Context) error {
	for {
		d.mu.Lock()
		if !d.running && d.queue.Len() == 0 {
			d.mu.Unlock()
			return nil
		}
		idle := d.idle.Signaled()
		d.mu.Unlock()
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-idle:
		}
	}
}

func (e *Engine) notifyStateChanged(change StateChange) {
	for _, f := range e.callbacks.StateChanged {
		e.dispatcher.post(func() { f(change) })
	}
}

func (e *Engine) notifyPriorityChanged(files []int) {
	for _, f := range e.callbacks.PriorityChanged {
		e.dispatcher.post(func() { f(files) })
	}
}

func (e *Engine) notifyPieceDoneChanged(piece int, done bool) {
	for _, f := range e.callbacks.PieceDoneChanged {
		e.dispatcher.post(func() { f(piece, done) })
	}
}

func (e *Engine) notifyFileCompleted(file int) {
	for _, f := range e.callbacks.FileCompleted {
		e.dispatcher.post(func() { f(file) })
	}
}
