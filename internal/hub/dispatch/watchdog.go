package dispatch

import (
	"container/heap"
	"context"
	"time"

	"github.com/afehub-io/afehub/internal/hub/core/model"
	"github.com/afehub-io/afehub/internal/pkg/metrics"
)

// timerEntry schedules one future action for a correlation ID: deadline
// expiry (evict=false) or post-grace eviction (evict=true). Entries are
// never removed early; a popped deadline entry for an already-resolved
// command is simply a no-op.
type timerEntry struct {
	at            time.Time
	correlationID string
	evict         bool
}

// deadlineHeap is a min-heap of timerEntry ordered by at. Mutated only
// under the dispatcher lock.
type deadlineHeap []timerEntry

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x interface{}) { *h = append(*h, x.(timerEntry)) }
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

func (h *deadlineHeap) push(e timerEntry) { heap.Push(h, e) }

// Start runs the watchdog loop until ctx ends. A single goroutine serves
// every pending command: it sleeps until the earliest scheduled entry,
// fires due timeouts and evictions, then re-arms. Inserting a nearer
// entry wakes it through the nudge channel.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("Command watchdog started",
		"defaultTimeout", d.opts.DefaultTimeout, "retentionGrace", d.opts.RetentionGrace)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		d.fireDue(time.Now())

		wait := d.nextWait(time.Now())
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			d.logger.Info("Command watchdog stopped")
			return nil
		case <-timer.C:
		case <-d.wake:
		}
	}
}

// nextWait returns how long to sleep before the earliest scheduled entry,
// or a long idle interval when nothing is scheduled.
func (d *Dispatcher) nextWait(now time.Time) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer.Len() == 0 {
		return time.Hour
	}
	wait := d.timer[0].at.Sub(now)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

// fireDue pops every entry whose time has come. Timeouts are resolved
// outside the lock so Resolve can take it again.
func (d *Dispatcher) fireDue(now time.Time) {
	var timedOut []string

	d.mu.Lock()
	for d.timer.Len() > 0 && !d.timer[0].at.After(now) {
		e := heap.Pop(&d.timer).(timerEntry)
		p, ok := d.table[e.correlationID]
		if !ok {
			continue
		}
		if e.evict {
			delete(d.table, e.correlationID)
			metrics.PendingCommands.Dec()
			continue
		}
		if p.result == nil {
			timedOut = append(timedOut, e.correlationID)
		}
	}
	d.mu.Unlock()

	for _, id := range timedOut {
		d.logger.Debug("Command deadline expired", "correlationID", id)
		d.Resolve(id, model.Result{Outcome: model.OutcomeTimeout, Detail: "no reply before deadline"})
	}
}
