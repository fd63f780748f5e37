package common_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gracetech-services/jicofo-sub000/pkg/common"
)

func TestWorkerProcessesTasksInOrder(t *testing.T) {
	var mutex sync.Mutex
	var got []int
	done := make(chan struct{})

	w := common.StartWorker(common.WorkerConfig[int]{
		ChannelSize: 16,
		Timeout:     time.Minute,
		OnTimeout:   func() {},
		OnTask: func(n int) {
			mutex.Lock()
			got = append(got, n)
			if len(got) == 5 {
				close(done)
			}
			mutex.Unlock()
		},
	})

	for i := 0; i < 5; i++ {
		if err := w.Send(i); err != nil {
			t.Fatalf("Send(%d): %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("tasks were not processed")
	}
	w.Stop()

	mutex.Lock()
	defer mutex.Unlock()
	for i, n := range got {
		if n != i {
			t.Fatalf("order broken: %v", got)
		}
	}
}

func TestWorkerDrainsQueueOnStop(t *testing.T) {
	var mutex sync.Mutex
	processed := 0
	done := make(chan struct{})

	w := common.StartWorker(common.WorkerConfig[int]{
		ChannelSize: 16,
		Timeout:     time.Minute,
		OnTimeout:   func() {},
		OnTask: func(int) {
			time.Sleep(time.Millisecond)
			mutex.Lock()
			processed++
			if processed == 10 {
				close(done)
			}
			mutex.Unlock()
		},
	})

	for i := 0; i < 10; i++ {
		if err := w.Send(i); err != nil {
			t.Fatalf("Send(%d): %v", i, err)
		}
	}
	w.Stop()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("enqueued tasks must survive Stop")
	}
}

func TestWorkerErrors(t *testing.T) {
	block := make(chan struct{})
	w := common.StartWorker(common.WorkerConfig[int]{
		ChannelSize: 1,
		Timeout:     time.Minute,
		OnTimeout:   func() {},
		OnTask:      func(int) { <-block },
	})
	defer close(block)

	// Saturate the worker: one task in flight, one queued.
	for w.Send(0) == nil {
	}
	if err := w.Send(1); !errors.Is(err, common.ErrWorkerTooBusy) {
		t.Fatalf("full queue: %v", err)
	}

	w.Stop()
	w.Stop() // idempotent
	if err := w.Send(2); !errors.Is(err, common.ErrWorkerClosed) {
		t.Fatalf("after Stop: %v", err)
	}
}

func TestWorkerTimeout(t *testing.T) {
	fired := make(chan struct{}, 4)
	w := common.StartWorker(common.WorkerConfig[struct{}]{
		ChannelSize: 1,
		Timeout:     10 * time.Millisecond,
		OnTimeout: func() {
			select {
			case fired <- struct{}{}:
			default:
			}
		},
		OnTask:      func(struct{}) {},
	})
	defer w.Stop()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("idle timeout never fired")
	}
}

func BenchmarkWorkerSend(b *testing.B) {
	w := common.StartWorker(common.WorkerConfig[struct{}]{
		ChannelSize: 1024,
		Timeout:     2 * time.Second,
		OnTimeout:   func() {},
		OnTask:      func(struct{}) {},
	})

	for n := 0; n < b.N; n++ {
		w.Send(struct{}{})
	}

	w.Stop()
}
