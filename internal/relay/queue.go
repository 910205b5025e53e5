package relay

import (
	"context"
	"sync"
)

// inboundQueue is an unbounded FIFO of client text messages. The reader
// pushes; the session loop pops.
type inboundQueue struct {
	mu     sync.Mutex
	items  []string
	err    error
	closed bool
	notify chan struct{}
}

func newInboundQueue() *inboundQueue {
	return &inboundQueue{notify: make(chan struct{}, 1)}
}

func (q *inboundQueue) push(msg string) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.signal()
}

// close ends the queue with err. Items already queued are still delivered.
func (q *inboundQueue) close(err error) {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.err = err
	}
	q.mu.Unlock()
	q.signal()
}

func (q *inboundQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks until a message is available, the queue is closed or ctx is
// done.
func (q *inboundQueue) pop(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = ""
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, nil
		}
		if q.closed {
			err := q.err
			q.mu.Unlock()
			return "", err
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (q *inboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
