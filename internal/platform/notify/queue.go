package notify

import (
	"sync"
	"time"

	"github.com/ehr/notify/internal/domain/subscription"
)

// Request is one unit of dispatch work.
type Request struct {
	Store      subscription.Store
	Args       subscription.SendEventArgs
	EnqueuedAt time.Time
}

// RequestQueue is an unbounded FIFO safe for concurrent producers and
// consumers. Enqueue never blocks.
type RequestQueue struct {
	mu    sync.Mutex
	items []Request
	head  int
}

// NewRequestQueue returns an empty queue.
func NewRequestQueue() *RequestQueue {
	return &RequestQueue{}
}

// Enqueue appends req.
func (q *RequestQueue) Enqueue(req Request) {
	q.mu.Lock()
	q.items = append(q.items, req)
	q.mu.Unlock()
}

// TryDequeue removes and returns the oldest request, if any.
func (q *RequestQueue) TryDequeue() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == len(q.items) {
		return Request{}, false
	}
	req := q.items[q.head]
	q.items[q.head] = Request{}
	q.head++

	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head > 64 && q.head*2 >= len(q.items):
		n := copy(q.items, q.items[q.head:])
		for i := n; i < len(q.items); i++ {
			q.items[i] = Request{}
		}
		q.items = q.items[:n]
		q.head = 0
	}
	return req, true
}

// Len reports the number of queued requests.
func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}
