package terminal

import "sync"

// Size is one resize event: PTY column/row geometry.
type Size struct {
	Cols uint32
	Rows uint32
}

// ResizeQueue is a bounded, concurrency-safe queue of PTY resize
// events, reusing core.TerminalSizeQueue's shape (drop-oldest-on-full,
// idempotent Close) retargeted from a remotecommand.TerminalSize
// consumer to an ssh.Session.WindowChange call (see pipe.go).
type ResizeQueue struct {
	mu     sync.Mutex
	ch     chan Size
	closed bool
}

// NewResizeQueue returns a ResizeQueue with a small buffer so resize
// events can be enqueued without blocking the caller.
func NewResizeQueue() *ResizeQueue {
	return &ResizeQueue{ch: make(chan Size, 4)}
}

// Next blocks until a resize event is available or the queue is
// closed, in which case it returns (Size{}, false).
func (q *ResizeQueue) Next() (Size, bool) {
	size, ok := <-q.ch
	return size, ok
}

// Set enqueues a resize event, dropping the oldest queued event to
// make room if the buffer is full. Calls after Close are ignored.
func (q *ResizeQueue) Set(s Size) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.ch <- s:
	default:
		<-q.ch
		q.ch <- s
	}
}

// Close closes the underlying channel, causing Next to return false.
// Safe to call multiple times.
func (q *ResizeQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
