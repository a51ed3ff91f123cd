// Package recheck decides which downloads may hash verify their pieces, and how fast. Tickets are
// granted in a window of the first MaxActive registrations, optionally smallest content first.
package recheck

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/multiless"
	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"
)

type Throttle int

const (
	// Verify as fast as the disk allows.
	ThrottleNone Throttle = iota
	// Yield briefly between pieces.
	ThrottleSmidge
	// Delay proportional to piece length, clamped to [MinScaledDelay, MaxScaledDelay].
	ThrottleSizeScaled
)

const (
	smidgeDelay    = 500 * time.Microsecond
	MinScaledDelay = time.Millisecond
	MaxScaledDelay = 25 * time.Millisecond
	// Piece bytes per millisecond of delay under ThrottleSizeScaled.
	scaledBytesPerMs = 64 << 10
)

type Config struct {
	// Tickets that may verify at once. Defaults to 1.
	MaxActive int
	// Order tickets by content size rather than registration.
	SmallestFirst bool
	Throttle      Throttle
	// When this reports true, low priority tickets are held back.
	RealtimeActive func() bool
	// Pieces verified in parallel for a ticket with 1-4 MiB pieces. Defaults to 2.
	BasePieceConcurrency int
	RepollInterval       time.Duration
	Logger               *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		MaxActive:            1,
		SmallestFirst:        true,
		Throttle:             ThrottleNone,
		BasePieceConcurrency: 2,
		RepollInterval:       250 * time.Millisecond,
	}
}

type Scheduler struct {
	config  Config
	mu      sync.Mutex
	tickets []*Ticket
	nextSeq int64
	changed chansync.BroadcastCond
}

func New(config Config) *Scheduler {
	def := DefaultConfig()
	if config.MaxActive <= 0 {
		config.MaxActive = def.MaxActive
	}
	if config.BasePieceConcurrency <= 0 {
		config.BasePieceConcurrency = def.BasePieceConcurrency
	}
	if config.RepollInterval <= 0 {
		config.RepollInterval = def.RepollInterval
	}
	if config.Logger == nil {
		config.Logger = log.Default.WithNames("recheck").Slogger()
	}
	return &Scheduler{config: config}
}

func (me *Scheduler) Register(contentSize, pieceLength int64, lowPriority bool) *Ticket {
	t := &Ticket{
		s:           me,
		size:        contentSize,
		pieceLength: pieceLength,
		low:         lowPriority,
	}
	me.mu.Lock()
	t.seq = me.nextSeq
	me.nextSeq++
	me.tickets = append(me.tickets, t)
	if me.config.SmallestFirst {
		me.sortLocked()
	}
	n := len(me.tickets)
	me.mu.Unlock()
	queueLength.Set(float64(n))
	me.config.Logger.Debug("registered recheck",
		"size", humanize.Bytes(uint64(contentSize)),
		"low priority", lowPriority,
		"queue", n)
	me.changed.Broadcast()
	return t
}

func (me *Scheduler) sortLocked() {
	slices.SortStableFunc(me.tickets, func(l, r *Ticket) int {
		return multiless.New().Bool(
			l.low, r.low,
		).Int64(
			l.size, r.size,
		).Int64(
			l.seq, r.seq,
		).OrderingInt()
	})
}

// Number of registered tickets.
func (me *Scheduler) Len() int {
	me.mu.Lock()
	defer me.mu.Unlock()
	return len(me.tickets)
}

func (me *Scheduler) realtimeActive() bool {
	return me.config.RealtimeActive != nil && me.config.RealtimeActive()
}

type Ticket struct {
	s           *Scheduler
	size        int64
	pieceLength int64
	low         bool
	seq         int64
	// Guarded by the scheduler mutex.
	unregistered bool
	waitLog      rate.Sometimes
}

func (me *Ticket) Poll() bool {
	s := me.s
	s.mu.Lock()
	i := slices.Index(s.tickets, me)
	s.mu.Unlock()
	if i < 0 || i >= s.config.MaxActive {
		return false
	}
	if me.low && s.realtimeActive() {
		return false
	}
	return true
}

// Delay applied after each granted poll.
func (me *Ticket) Delay() time.Duration {
	switch me.s.config.Throttle {
	case ThrottleSmidge:
		return smidgeDelay
	case ThrottleSizeScaled:
		return min(max(time.Duration(me.pieceLength/scaledBytesPerMs)*time.Millisecond, MinScaledDelay), MaxScaledDelay)
	default:
		return 0
	}
}

// Waits for permission to verify the next piece. The throttle delay is applied before returning.
func (me *Ticket) Wait(ctx context.Context) error {
	me.waitLog = rate.Sometimes{Interval: 10 * time.Second}
	for {
		signaled := me.s.changed.Signaled()
		if me.Poll() {
			break
		}
		me.waitLog.Do(func() {
			me.s.config.Logger.Info("waiting for recheck turn", "size", humanize.Bytes(uint64(me.size)))
		})
		if err := sleep(ctx, me.s.config.RepollInterval, signaled); err != nil {
			return err
		}
	}
	if d := me.Delay(); d > 0 {
		return sleep(ctx, d, nil)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-wake:
	case <-timer.C:
	}
	return nil
}

// Number of pieces to verify in parallel. Coarser pieces get less.
func (me *Ticket) PieceConcurrency() int {
	base := me.s.config.BasePieceConcurrency
	var n int
	switch {
	case me.pieceLength <= 256<<10:
		n = base * 4
	case me.pieceLength <= 1<<20:
		n = base * 2
	case me.pieceLength <= 4<<20:
		n = base
	default:
		n = max(1, base/2)
	}
	return min(n, base*4)
}

func (me *Ticket) Unregister() {
	s := me.s
	s.mu.Lock()
	panicif.True(me.unregistered)
	me.unregistered = true
	i := slices.Index(s.tickets, me)
	panicif.True(i < 0)
	s.tickets = slices.Delete(s.tickets, i, i+1)
	n := len(s.tickets)
	s.mu.Unlock()
	queueLength.Set(float64(n))
	s.changed.Broadcast()
}
