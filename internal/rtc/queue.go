package rtc

import "sync"

// taskQueue serializes all negotiation work for one session. Every mailbox
// delivery and every peer callback enqueues a task; tasks run strictly
// one-at-a-time on a single consumer goroutine, so orchestrator state needs
// no locking and snapshot handling can never re-enter itself.
//
// Intake is unbounded: a running task may itself enqueue (an answer write
// echoes back as a snapshot delivery), and a blocking Enqueue under the
// consumer's own lock would deadlock it.
type taskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	done   chan struct{}
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *taskQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()
		task()
	}
}

// Enqueue schedules fn on the consumer goroutine. Never blocks. Returns
// false once the queue is closed; late tasks are dropped, not run.
func (q *taskQueue) Enqueue(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.cond.Signal()
	return true
}

// Close stops intake, drains already queued tasks, and waits for the
// consumer to exit.
func (q *taskQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
	<-q.done
}
