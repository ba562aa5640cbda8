package controller

import (
	"fmt"
	"sync"
)

// eventQueue runs tasks one at a time, in the order they were pushed.
type eventQueue struct {
	mu      sync.Mutex
	tasks   []func()
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	onPanic func(any)
}

func newEventQueue(onPanic func(any)) *eventQueue {
	q := &eventQueue{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		onPanic: onPanic,
	}
	go q.run()
	return q
}

// push schedules fn and reports whether the queue accepted it.
func (q *eventQueue) push(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// do runs fn on the queue and waits for its result. It must not be called
// from a task.
func (q *eventQueue) do(fn func() error) error {
	result := make(chan error, 1)
	ok := q.push(func() {
		defer func() {
			if r := recover(); r != nil {
				q.onPanic(r)
				result <- fmt.Errorf("panic: %v", r)
			}
		}()
		result <- fn()
	})
	if !ok {
		return ErrClosed
	}

	select {
	case err := <-result:
		return err
	case <-q.done:
		return ErrClosed
	}
}

// close stops the queue. Tasks that have not started are dropped.
func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.tasks = nil
	close(q.done)
}

func (q *eventQueue) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}

		for {
			q.mu.Lock()
			if q.closed || len(q.tasks) == 0 {
				q.mu.Unlock()
				break
			}
			fn := q.tasks[0]
			q.tasks[0] = nil
			q.tasks = q.tasks[1:]
			q.mu.Unlock()

			q.runTask(fn)
		}
	}
}

func (q *eventQueue) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.onPanic(r)
		}
	}()
	fn()
}
