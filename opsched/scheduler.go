// Package opsched keeps heavy filesystem operations (allocate, check, move, copy, export) from
// competing for the same physical filesystem. It never blocks: it pauses and resumes cooperative
// operations and hints their queue positions.
package opsched

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/multiless"
	"github.com/tidwall/btree"
)

type Config struct {
	// Checks don't serialize per filesystem, but each download runs at most one operation.
	ConcurrentReads bool
	// Period of Run. Defaults to a second.
	TickInterval time.Duration
	Logger       *slog.Logger
}

type entry struct {
	op   Operation
	kind Kind
	seq  int64
	// The scheduler controls the pause flag. Cleared when something else flips it.
	owned bool
	// The pause value the scheduler last set.
	setPaused bool
}

func (l *entry) less(r *entry) bool {
	return multiless.New().Int(
		int(l.kind), int(r.kind),
	).Int64(
		l.seq, r.seq,
	).Less()
}

type Scheduler struct {
	config  Config
	mu      sync.Mutex
	ordered *btree.BTreeG[*entry]
	byOp    map[Operation]*entry
	nextSeq int64
}

func New(config Config) *Scheduler {
	if config.TickInterval <= 0 {
		config.TickInterval = time.Second
	}
	if config.Logger == nil {
		config.Logger = log.Default.WithNames("opsched").Slogger()
	}
	return &Scheduler{
		config: config,
		ordered: btree.NewBTreeGOptions(
			func(a, b *entry) bool {
				return a.less(b)
			},
			btree.Options{NoLocks: true}),
		byOp: make(map[Operation]*entry),
	}
}

// Adds an operation. It's paused and left for Schedule to resume when its filesystems are free.
func (me *Scheduler) Add(op Operation) {
	me.mu.Lock()
	defer me.mu.Unlock()
	_, ok := me.byOp[op]
	panicif.True(ok)
	e := &entry{
		op:        op,
		kind:      op.Kind(),
		seq:       me.nextSeq,
		owned:     true,
		setPaused: true,
	}
	me.nextSeq++
	op.SetPaused(true)
	me.byOp[op] = e
	me.ordered.Set(e)
	operationsGauge.Set(float64(me.ordered.Len()))
	me.scheduleLocked()
}

func (me *Scheduler) Remove(op Operation) {
	me.mu.Lock()
	defer me.mu.Unlock()
	e, ok := me.byOp[op]
	if !ok {
		return
	}
	delete(me.byOp, op)
	_, deleted := me.ordered.Delete(e)
	panicif.False(deleted)
	operationsGauge.Set(float64(me.ordered.Len()))
	me.scheduleLocked()
}

func (me *Scheduler) Len() int {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.ordered.Len()
}

// Calls Schedule periodically until ctx is done.
func (me *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(me.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-ticker.C:
			me.Schedule()
		}
	}
}

func (me *Scheduler) Schedule() {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.scheduleLocked()
}

func (me *Scheduler) setPaused(e *entry, paused bool) {
	e.setPaused = paused
	e.op.SetPaused(paused)
	if !paused {
		e.op.SetQueueOrder(0)
	}
}

// Whether the operation takes a slot in its filesystems' queues.
func (me *Scheduler) serializesOnFilesystem(e *entry) bool {
	return !(me.config.ConcurrentReads && e.kind == KindCheck)
}

func (me *Scheduler) scheduleLocked() {
	var entries []*entry
	me.ordered.Scan(func(e *entry) bool {
		entries = append(entries, e)
		return true
	})
	// Something else paused or resumed these. Leave them alone.
	for _, e := range entries {
		if e.owned && e.op.Paused() != e.setPaused {
			me.config.Logger.Debug("operation pause changed externally",
				"kind", e.kind, "download", e.op.Download(), "paused", e.op.Paused())
			e.owned = false
		}
	}
	// Only the first check per filesystem may run.
	if !me.config.ConcurrentReads {
		claimed := make(map[FilesystemID]struct{})
		for _, e := range entries {
			if e.kind != KindCheck {
				continue
			}
			if !e.owned && e.op.Paused() {
				continue
			}
			conflict := false
			for _, fs := range e.op.Filesystems() {
				if _, ok := claimed[fs]; ok {
					conflict = true
				}
			}
			if conflict {
				if e.owned && !e.op.Paused() {
					me.setPaused(e, true)
				}
				continue
			}
			for _, fs := range e.op.Filesystems() {
				claimed[fs] = struct{}{}
			}
		}
	}
	queues := make(map[FilesystemID]int)
	activeDownloads := make(map[string]struct{})
	for _, e := range entries {
		if e.op.Paused() {
			continue
		}
		if me.config.ConcurrentReads {
			if _, ok := activeDownloads[e.op.Download()]; ok && e.owned {
				me.setPaused(e, true)
				continue
			}
			activeDownloads[e.op.Download()] = struct{}{}
		}
		if me.serializesOnFilesystem(e) {
			for _, fs := range e.op.Filesystems() {
				queues[fs]++
			}
		}
	}
	for _, e := range entries {
		if !e.owned || !e.op.Paused() {
			continue
		}
		pos := 0
		if me.serializesOnFilesystem(e) {
			for _, fs := range e.op.Filesystems() {
				pos = max(pos, queues[fs])
			}
		}
		if me.config.ConcurrentReads {
			if _, ok := activeDownloads[e.op.Download()]; ok {
				pos = max(pos, 1)
			}
		}
		if pos == 0 {
			me.config.Logger.Debug("resuming operation", "kind", e.kind, "download", e.op.Download())
			me.setPaused(e, false)
			if me.config.ConcurrentReads {
				activeDownloads[e.op.Download()] = struct{}{}
			}
		} else {
			e.op.SetQueueOrder(pos)
		}
		if me.serializesOnFilesystem(e) {
			for _, fs := range e.op.Filesystems() {
				queues[fs]++
			}
		}
	}
}
