package common

import (
	"errors"
	"sync"
	"time"
)

// Errors that may occur when sending tasks to a worker.
var (
	ErrWorkerClosed  = errors.New("worker is closed")
	ErrWorkerTooBusy = errors.New("worker queue is full")
)

// WorkerConfig configures a Worker.
type WorkerConfig[T any] struct {
	// The size of the bounded task channel.
	ChannelSize int
	// Timeout after which OnTimeout is called if no task arrived.
	Timeout time.Duration
	// Called when Timeout elapses without a task.
	OnTimeout func()
	// Called for every received task, in order, one at a time.
	OnTask func(T)
}

// Worker processes tasks strictly serially on its own goroutine. The
// per-participant IQ queue and the outbound stanza queue are both workers:
// the serial processing is what gives the "one inbound IQ in flight at a
// time" and "outbound order preserved" guarantees.
type Worker[T any] struct {
	channel chan<- T
	mutex   sync.Mutex
	closed  bool
}

// StartWorker launches the worker goroutine and returns a handle for
// submitting tasks to it.
func StartWorker[T any](c WorkerConfig[T]) *Worker[T] {
	incoming := make(chan T, c.ChannelSize)

	go func() {
		for {
			select {
			case task, ok := <-incoming:
				if !ok {
					return
				}
				c.OnTask(task)
			case <-time.After(c.Timeout):
				c.OnTimeout()
			}
		}
	}()

	return &Worker[T]{channel: incoming}
}

// Send enqueues a task without blocking. Returns ErrWorkerTooBusy when the
// queue is full and ErrWorkerClosed after Stop.
func (w *Worker[T]) Send(task T) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return ErrWorkerClosed
	}

	select {
	case w.channel <- task:
		return nil
	default:
		return ErrWorkerTooBusy
	}
}

// Stop closes the queue. Tasks already enqueued are still processed.
func (w *Worker[T]) Stop() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.closed {
		close(w.channel)
		w.closed = true
	}
}
