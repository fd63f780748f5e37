package participant

import (
	"testing"
	"time"

	"github.com/gracetech-services/jicofo-sub000/pkg/conference/source"
)

func audioSource(ssrc uint32) source.Source {
	return source.Source{MediaType: source.MediaAudio, SSRC: ssrc, MSID: "m"}
}

func oneSource(owner string, s source.Source) source.Sources {
	return source.Sources{owner: {Sources: []source.Source{s}}}
}

func TestSignalDelayScalesWithConferenceSize(t *testing.T) {
	if SignalDelay(1) != 20*time.Millisecond {
		t.Fatalf("small room delay = %s", SignalDelay(1))
	}
	if SignalDelay(5) != 100*time.Millisecond {
		t.Fatalf("mid room delay = %s", SignalDelay(5))
	}
	if SignalDelay(1000) != MaxSignalDelay {
		t.Fatalf("delay must be capped, got %s", SignalDelay(1000))
	}
}

func TestQueueCoalescesAdds(t *testing.T) {
	q := NewSignalQueue()
	q.QueueAdd(oneSource("alice", audioSource(1)))
	q.QueueAdd(oneSource("alice", audioSource(2)))
	q.QueueAdd(oneSource("bob", audioSource(3)))

	toAdd, toRemove := q.Flush()
	if len(toRemove) != 0 {
		t.Fatalf("nothing was removed, got %v", toRemove)
	}
	if len(toAdd["alice"].Sources) != 2 || len(toAdd["bob"].Sources) != 1 {
		t.Fatalf("adds not merged: %v", toAdd)
	}
	if !q.Empty() {
		t.Fatal("flush must leave the queue empty")
	}
}

func TestQueuedAddAndRemoveCancelOut(t *testing.T) {
	q := NewSignalQueue()
	q.QueueAdd(oneSource("alice", audioSource(1)))
	q.QueueRemove(oneSource("alice", audioSource(1)))

	if !q.Empty() {
		toAdd, toRemove := q.Flush()
		t.Fatalf("add+remove of the same source must vanish, add=%v remove=%v", toAdd, toRemove)
	}
}

func TestQueuedRemoveAndAddCancelOut(t *testing.T) {
	q := NewSignalQueue()
	q.QueueRemove(oneSource("alice", audioSource(1)))
	q.QueueAdd(oneSource("alice", audioSource(1)))

	if !q.Empty() {
		t.Fatal("remove+add of the same source must vanish")
	}
}

func TestQueueCancelsGroupsToo(t *testing.T) {
	g := source.Group{Semantics: source.SemanticsFid, MediaType: source.MediaVideo, SSRCs: []uint32{1, 2}}
	q := NewSignalQueue()
	q.QueueAdd(source.Sources{"alice": {Groups: []source.Group{g}}})
	q.QueueRemove(source.Sources{"alice": {Groups: []source.Group{g.Copy()}}})

	if !q.Empty() {
		t.Fatal("add+remove of the same group must vanish")
	}
}

func TestPartialCancellation(t *testing.T) {
	q := NewSignalQueue()
	q.QueueAdd(source.Sources{"alice": {Sources: []source.Source{audioSource(1), audioSource(2)}}})
	q.QueueRemove(oneSource("alice", audioSource(1)))

	toAdd, toRemove := q.Flush()
	if len(toRemove) != 0 {
		t.Fatalf("remove of a pending add must not survive, got %v", toRemove)
	}
	set := toAdd["alice"]
	if len(set.Sources) != 1 || set.Sources[0].SSRC != 2 {
		t.Fatalf("only ssrc 2 should remain queued, got %v", set)
	}
}

func TestScheduleFiresOnceAndFlushDisarms(t *testing.T) {
	q := NewSignalQueue()
	q.QueueAdd(oneSource("alice", audioSource(1)))

	fired := make(chan struct{}, 2)
	q.Schedule(time.Millisecond, func() { fired <- struct{}{} })
	// A second schedule while the timer is armed is a no-op.
	q.Schedule(time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	select {
	case <-fired:
		t.Fatal("the second schedule should not have armed another timer")
	case <-time.After(20 * time.Millisecond):
	}

	q.Flush()

	// After a flush the queue can be armed again.
	q.QueueAdd(oneSource("alice", audioSource(2)))
	q.Schedule(time.Millisecond, func() { fired <- struct{}{} })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("re-armed timer never fired")
	}
}

func TestStopDropsEverything(t *testing.T) {
	q := NewSignalQueue()
	q.QueueAdd(oneSource("alice", audioSource(1)))
	q.Schedule(time.Hour, func() { t.Error("stopped timer fired") })
	q.Stop()
	if !q.Empty() {
		t.Fatal("stop must drop pending batches")
	}
}
