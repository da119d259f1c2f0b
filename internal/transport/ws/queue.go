package ws

import "sync"

type frame struct {
	data []byte
	// final frames are followed by a close handshake.
	final bool
}

// sendQueue is a bounded outbound buffer for one connection. push never
// blocks: when the buffer is full the oldest frame is discarded. Nothing is
// accepted after a final frame.
type sendQueue struct {
	mu     sync.Mutex
	ch     chan frame
	sealed bool
	closed bool
}

func newSendQueue(size int) *sendQueue {
	if size <= 0 {
		size = 1
	}
	return &sendQueue{ch: make(chan frame, size)}
}

// push enqueues f and reports whether an older frame was dropped.
func (q *sendQueue) push(f frame) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.sealed {
		return false
	}
	q.sealed = f.final
	for {
		select {
		case q.ch <- f:
			return dropped
		default:
		}
		select {
		case <-q.ch:
			dropped = true
		default:
		}
	}
}

func (q *sendQueue) frames() <-chan frame { return q.ch }

func (q *sendQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
