package participant

import (
	"time"

	"github.com/gracetech-services/jicofo-sub000/pkg/conference/source"
)

// MaxSignalDelay caps how long a source update may sit in the queue.
const MaxSignalDelay = 200 * time.Millisecond

// SignalDelay scales the coalescing window with conference size: small
// rooms signal almost immediately, large rooms batch harder.
func SignalDelay(participants int) time.Duration {
	delay := time.Duration(participants) * 20 * time.Millisecond
	if delay > MaxSignalDelay {
		return MaxSignalDelay
	}
	return delay
}

// SignalQueue coalesces pending source updates for one participant. Queued
// adds and removes of the same source cancel out instead of being signaled
// in sequence, so a flush is at most one add batch plus one remove batch and
// can never reorder operations observably.
//
// The queue is owned by the conference goroutine. The timer started by
// Schedule only fires the notify callback; the actual Flush happens back on
// the owner when it processes the notification.
type SignalQueue struct {
	toAdd    source.Sources
	toRemove source.Sources
	timer    *time.Timer
}

func NewSignalQueue() *SignalQueue {
	return &SignalQueue{
		toAdd:    source.Sources{},
		toRemove: source.Sources{},
	}
}

// QueueAdd merges sources into the pending add batch. A source still in the
// pending remove batch is cancelled out and never signaled at all.
func (q *SignalQueue) QueueAdd(sources source.Sources) {
	for owner, set := range sources {
		for _, s := range set.Sources {
			if _, found := q.toRemove[owner].Get(s.Key()); found {
				q.toRemove.Remove(owner, source.EndpointSources{Sources: []source.Source{s}})
				continue
			}
			q.toAdd.Add(owner, source.EndpointSources{Sources: []source.Source{s}})
		}
		for _, g := range set.Groups {
			if q.toRemove[owner].HasGroup(g) {
				q.toRemove.Remove(owner, source.EndpointSources{Groups: []source.Group{g}})
				continue
			}
			q.toAdd.Add(owner, source.EndpointSources{Groups: []source.Group{g}})
		}
	}
}

// QueueRemove merges sources into the pending remove batch, cancelling any
// matching pending adds.
func (q *SignalQueue) QueueRemove(sources source.Sources) {
	for owner, set := range sources {
		for _, s := range set.Sources {
			if _, found := q.toAdd[owner].Get(s.Key()); found {
				q.toAdd.Remove(owner, source.EndpointSources{Sources: []source.Source{s}})
				continue
			}
			q.toRemove.Add(owner, source.EndpointSources{Sources: []source.Source{s}})
		}
		for _, g := range set.Groups {
			if q.toAdd[owner].HasGroup(g) {
				q.toAdd.Remove(owner, source.EndpointSources{Groups: []source.Group{g}})
				continue
			}
			q.toRemove.Add(owner, source.EndpointSources{Groups: []source.Group{g}})
		}
	}
}

// Empty reports whether nothing is pending.
func (q *SignalQueue) Empty() bool {
	return len(q.toAdd) == 0 && len(q.toRemove) == 0
}

// Schedule arms the flush timer unless one is already running. notify must
// hand control back to the queue's owner, which then calls Flush.
func (q *SignalQueue) Schedule(delay time.Duration, notify func()) {
	if q.timer != nil {
		return
	}
	q.timer = time.AfterFunc(delay, notify)
}

// Flush disarms the timer and returns the pending batches, leaving the
// queue empty.
func (q *SignalQueue) Flush() (toAdd, toRemove source.Sources) {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	toAdd, toRemove = q.toAdd, q.toRemove
	q.toAdd = source.Sources{}
	q.toRemove = source.Sources{}
	return toAdd, toRemove
}

// Stop disarms the timer and drops anything pending.
func (q *SignalQueue) Stop() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.toAdd = source.Sources{}
	q.toRemove = source.Sources{}
}
