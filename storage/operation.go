package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/anacrolix/chansync"

	"github.com/anacrolix/piecestore/opsched"
)

// A heavy engine phase registered with the operation scheduler. A nil operation is never paused.
type operation struct {
	e     *Engine
	kind  opsched.Kind
	fss   []opsched.FilesystemID
	sched *opsched.Scheduler

	mu         sync.Mutex
	paused     bool
	queueOrder int
	changed    chansync.BroadcastCond
}

var _ opsched.Operation = (*operation)(nil)

// Registers an operation over the filesystems holding dirs, if there's a scheduler.
func (e *Engine) startOperation(kind opsched.Kind, dirs ...string) *operation {
	sched := e.opts.OpScheduler
	if sched == nil {
		return nil
	}
	op := &operation{
		e:     e,
		kind:  kind,
		sched: sched,
	}
	for _, dir := range dirs {
		id, err := e.fileIO.FilesystemID(dir)
		if err != nil {
			e.logger.Warn("getting filesystem id", "dir", dir, "err", err)
			continue
		}
		if !slices.Contains(op.fss, id) {
			op.fss = append(op.fss, id)
		}
	}
	sched.Add(op)
	return op
}

func (op *operation) Kind() opsched.Kind {
	return op.kind
}

func (op *operation) Filesystems() []opsched.FilesystemID {
	return op.fss
}

func (op *operation) Download() string {
	return op.e.key
}

func (op *operation) Paused() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.paused
}

func (op *operation) SetPaused(paused bool) {
	op.mu.Lock()
	op.paused = paused
	op.mu.Unlock()
	op.changed.Broadcast()
}

func (op *operation) SetQueueOrder(i int) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.queueOrder = i
}

func (op *operation) QueueOrder() int {
	if op == nil {
		return 0
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.queueOrder
}

// Blocks at a safe point until the scheduler lets the operation run.
func (op *operation) waitResumed(ctx context.Context) error {
	if op == nil {
		return nil
	}
	for {
		changed := op.changed.Signaled()
		if !op.Paused() {
			return nil
		}
		timer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return context.Cause(ctx)
		case <-changed:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (op *operation) finish() {
	if op == nil {
		return
	}
	op.sched.Remove(op)
}
