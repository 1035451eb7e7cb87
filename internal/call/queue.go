package call

import (
	"container/heap"
	"fmt"
	"sync"
	"time"
)

// DefaultQueueTimeout is how long a call may wait before it is evicted.
const DefaultQueueTimeout = 300 * time.Second

// estimatedWaitPerPosition feeds the X-Queue-Wait-Time hint.
const estimatedWaitPerPosition = 30 * time.Second

// QueuedCall is one waiting call.
type QueuedCall struct {
	CallID     string    `json:"call_id"`
	QueueName  string    `json:"queue_name"`
	Priority   Priority  `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	index int
}

// callHeap orders by priority descending, then enqueue time ascending,
// so equal-priority calls leave in arrival order.
type callHeap []*QueuedCall

func (h callHeap) Len() int { return len(h) }

func (h callHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}

func (h callHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *callHeap) Push(x any) {
	qc := x.(*QueuedCall)
	qc.index = len(*h)
	*h = append(*h, qc)
}

func (h *callHeap) Pop() any {
	old := *h
	n := len(old)
	qc := old[n-1]
	old[n-1] = nil
	qc.index = -1
	*h = old[:n-1]
	return qc
}

// Queue holds calls waiting for capacity. One Queue instance carries
// every named queue; positions and dequeue order are computed per
// queue name.
type Queue struct {
	mu      sync.Mutex
	maxSize int
	timeout time.Duration
	heap    callHeap
	byID    map[string]*QueuedCall
}

// NewQueue returns a queue capped at maxSize entries across all queue
// names. timeout <= 0 uses DefaultQueueTimeout.
func NewQueue(maxSize int, timeout time.Duration) *Queue {
	if timeout <= 0 {
		timeout = DefaultQueueTimeout
	}
	return &Queue{
		maxSize: maxSize,
		timeout: timeout,
		byID:    make(map[string]*QueuedCall),
	}
}

// Enqueue adds a call and returns its 1-based position within its
// queue name. Fails when the queue is at capacity or the call is
// already queued.
func (q *Queue) Enqueue(callID, queueName string, prio Priority) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) >= q.maxSize {
		return 0, fmt.Errorf("queue is full (%d waiting)", len(q.heap))
	}
	if _, ok := q.byID[callID]; ok {
		return 0, fmt.Errorf("call %s already queued", callID)
	}
	qc := &QueuedCall{
		CallID:     callID,
		QueueName:  queueName,
		Priority:   prio,
		EnqueuedAt: time.Now(),
	}
	heap.Push(&q.heap, qc)
	q.byID[callID] = qc
	return q.positionLocked(qc), nil
}

// Dequeue removes and returns the best waiting call for queueName. An
// empty queueName takes the best call across all queues. Expired
// entries encountered first are skipped and dropped.
func (q *Queue) Dequeue(queueName string) (*QueuedCall, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().Add(-q.timeout)
	for {
		best := q.bestLocked(queueName)
		if best == nil {
			return nil, false
		}
		heap.Remove(&q.heap, best.index)
		delete(q.byID, best.CallID)
		if best.EnqueuedAt.Before(cutoff) {
			continue
		}
		return best, true
	}
}

// Remove drops a call from the queue, for cleanup when it ends while
// still waiting.
func (q *Queue) Remove(callID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	qc, ok := q.byID[callID]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, qc.index)
	delete(q.byID, callID)
	return true
}

// Position returns the 1-based position of a call within its queue
// name, or 0 if it is not queued.
func (q *Queue) Position(callID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	qc, ok := q.byID[callID]
	if !ok {
		return 0
	}
	return q.positionLocked(qc)
}

// EstimatedWait predicts the wait for a queued call from its position.
func (q *Queue) EstimatedWait(callID string) time.Duration {
	pos := q.Position(callID)
	if pos == 0 {
		return 0
	}
	return time.Duration(pos) * estimatedWaitPerPosition
}

// RemoveExpired evicts calls queued longer than the timeout and
// returns them so the manager can cancel the sessions.
func (q *Queue) RemoveExpired() []*QueuedCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().Add(-q.timeout)
	var expired []*QueuedCall
	for _, qc := range q.byID {
		if qc.EnqueuedAt.Before(cutoff) {
			expired = append(expired, qc)
		}
	}
	for _, qc := range expired {
		heap.Remove(&q.heap, qc.index)
		delete(q.byID, qc.CallID)
	}
	return expired
}

// Len returns the number of waiting calls across all queue names.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// bestLocked finds the highest-ranked entry for queueName without
// disturbing the heap. Caller holds q.mu.
func (q *Queue) bestLocked(queueName string) *QueuedCall {
	var best *QueuedCall
	for _, qc := range q.heap {
		if queueName != "" && qc.QueueName != queueName {
			continue
		}
		if best == nil || q.heap.Less(qc.index, best.index) {
			best = qc
		}
	}
	return best
}

// positionLocked counts entries in the same queue ranked ahead of qc.
// Caller holds q.mu.
func (q *Queue) positionLocked(qc *QueuedCall) int {
	pos := 1
	for _, other := range q.heap {
		if other == qc || other.QueueName != qc.QueueName {
			continue
		}
		if q.heap.Less(other.index, qc.index) {
			pos++
		}
	}
	return pos
}
