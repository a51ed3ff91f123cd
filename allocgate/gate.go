// Package allocgate serializes disk space allocation across the downloads sharing a process. One
// registered ticket at a time, the head of a FIFO, may allocate.
package allocgate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
	list "github.com/bahlo/generic-list-go"
	"golang.org/x/time/rate"
)

// Waiters re-poll at least this often even without a signal.
const DefaultRepollInterval = 250 * time.Millisecond

type Gate struct {
	// Upper bound between polls in Ticket.Wait.
	RepollInterval time.Duration
	Logger         *slog.Logger

	mu       sync.Mutex
	queue    *list.List[*Ticket]
	changed  chansync.BroadcastCond
	initOnce sync.Once
}

func New() *Gate {
	return &Gate{}
}

func (me *Gate) init() {
	me.initOnce.Do(func() {
		me.queue = list.New[*Ticket]()
		if me.RepollInterval <= 0 {
			me.RepollInterval = DefaultRepollInterval
		}
		if me.Logger == nil {
			me.Logger = log.Default.WithNames("allocgate").Slogger()
		}
	})
}

// Appends a ticket for owner to the queue. Owner is only used for logging.
func (me *Gate) Register(owner string) *Ticket {
	me.init()
	t := &Ticket{
		gate:  me,
		owner: owner,
	}
	me.mu.Lock()
	t.elem = me.queue.PushBack(t)
	n := me.queue.Len()
	me.mu.Unlock()
	me.Logger.Debug("registered", "owner", owner, "queue", n)
	queueLength.Set(float64(n))
	return t
}

// Number of registered tickets.
func (me *Gate) Len() int {
	me.init()
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.queue.Len()
}

func (me *Gate) isHead(t *Ticket) bool {
	me.mu.Lock()
	defer me.mu.Unlock()
	front := me.queue.Front()
	return front != nil && front.Value == t
}

func (me *Gate) remove(t *Ticket) {
	me.mu.Lock()
	panicif.Nil(t.elem)
	me.queue.Remove(t.elem)
	t.elem = nil
	n := me.queue.Len()
	me.mu.Unlock()
	queueLength.Set(float64(n))
	me.changed.Broadcast()
}

type Ticket struct {
	gate  *Gate
	owner string
	// Guarded by the gate mutex. Nil once unregistered.
	elem         *list.Element[*Ticket]
	unregistered bool
	waitLog      rate.Sometimes
}

// Returns true if the ticket may allocate now. The answer can change only when another ticket
// unregisters.
func (me *Ticket) Poll() bool {
	return me.gate.isHead(me)
}

// Waits until Poll returns true or ctx is done.
func (me *Ticket) Wait(ctx context.Context) error {
	me.waitLog = rate.Sometimes{Interval: 10 * time.Second}
	for {
		// Get the signal before polling so a removal in between isn't missed.
		signaled := me.gate.changed.Signaled()
		if me.Poll() {
			return nil
		}
		me.waitLog.Do(func() {
			me.gate.Logger.Info("waiting for allocation turn", "owner", me.owner, "queue", me.gate.Len())
		})
		timer := time.NewTimer(me.gate.RepollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return context.Cause(ctx)
		case <-signaled:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Removes the ticket from the gate. Must be called exactly once.
func (me *Ticket) Unregister() {
	me.gate.mu.Lock()
	panicif.True(me.unregistered)
	me.unregistered = true
	me.gate.mu.Unlock()
	me.gate.remove(me)
	me.gate.Logger.Debug("unregistered", "owner", me.owner)
}
