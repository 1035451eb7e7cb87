package sms

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// rateWindow is the rolling interval both rate limits are measured
// over.
const rateWindow = time.Minute

var (
	// ErrQueueFull is returned when the queue is at capacity.
	ErrQueueFull = errors.New("sms queue is full")
	// ErrRateLimited is returned when an enqueue would exceed the
	// global or per-number rate limit.
	ErrRateLimited = errors.New("sms rate limit exceeded")
)

type queuedMessage struct {
	msg        *Message
	enqueuedAt time.Time

	index int
}

// messageHeap orders by priority descending, then enqueue time
// ascending, so equal-priority messages leave in arrival order.
type messageHeap []*queuedMessage

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].enqueuedAt.Before(h[j].enqueuedAt)
}

func (h messageHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *messageHeap) Push(x any) {
	qm := x.(*queuedMessage)
	qm.index = len(*h)
	*h = append(*h, qm)
}

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	qm := old[n-1]
	old[n-1] = nil
	qm.index = -1
	*h = old[:n-1]
	return qm
}

// QueuedInfo describes one waiting message for status listings.
type QueuedInfo struct {
	MessageID  string    `json:"message_id"`
	From       string    `json:"from_number"`
	To         string    `json:"to_number"`
	Priority   Priority  `json:"priority"`
	Segments   int       `json:"segments"`
	RetryCount int       `json:"retry_count"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	WaitS      float64   `json:"wait_seconds"`
}

// QueueStats is a point-in-time snapshot of queue counters.
type QueueStats struct {
	Size           int    `json:"size"`
	MaxSize        int    `json:"max_size"`
	Enqueued       uint64 `json:"enqueued"`
	Dequeued       uint64 `json:"dequeued"`
	Dropped        uint64 `json:"dropped"`
	TrackedNumbers int    `json:"tracked_numbers"`
}

// Queue holds outbound messages waiting for a delivery slot. Enqueue
// enforces the queue cap and both rate limits; the heap and the id
// lookup are always mutated together under one lock.
type Queue struct {
	mu              sync.Mutex
	maxSize         int
	globalPerMin    int
	perNumberPerMin int

	heap messageHeap
	byID map[string]*queuedMessage

	globalSends []time.Time
	numberSends map[string][]time.Time

	enqueued, dequeued, dropped uint64
}

// NewQueue returns a queue capped at maxSize with the given per-minute
// rate limits.
func NewQueue(maxSize, globalPerMin, perNumberPerMin int) *Queue {
	return &Queue{
		maxSize:         maxSize,
		globalPerMin:    globalPerMin,
		perNumberPerMin: perNumberPerMin,
		byID:            make(map[string]*queuedMessage),
		numberSends:     make(map[string][]time.Time),
	}
}

// Enqueue admits a message. It fails when the queue is at capacity,
// when the message is already queued, or when the sender would exceed
// a rate limit within the rolling window.
func (q *Queue) Enqueue(msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) >= q.maxSize {
		q.dropped++
		return fmt.Errorf("%w (%d waiting)", ErrQueueFull, len(q.heap))
	}
	if _, ok := q.byID[msg.ID]; ok {
		return fmt.Errorf("message %s already queued", msg.ID)
	}
	now := time.Now()
	if !q.withinLimitsLocked(msg.From, now) {
		q.dropped++
		return fmt.Errorf("%w for %s", ErrRateLimited, msg.From)
	}
	qm := &queuedMessage{msg: msg, enqueuedAt: now}
	heap.Push(&q.heap, qm)
	q.byID[msg.ID] = qm
	q.globalSends = append(q.globalSends, now)
	q.numberSends[msg.From] = append(q.numberSends[msg.From], now)
	q.enqueued++
	return nil
}

// Dequeue pops the best waiting message. Expired entries encountered
// first are dropped; the owner's sweep marks their status.
func (q *Queue) Dequeue() (*Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.heap) > 0 {
		qm := heap.Pop(&q.heap).(*queuedMessage)
		delete(q.byID, qm.msg.ID)
		if qm.msg.Expired() {
			continue
		}
		q.dequeued++
		return qm.msg, true
	}
	return nil, false
}

// Remove drops a message from the queue, for cancellation.
func (q *Queue) Remove(messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	qm, ok := q.byID[messageID]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, qm.index)
	delete(q.byID, messageID)
	return true
}

// Contains reports whether a message is waiting in the queue.
func (q *Queue) Contains(messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[messageID]
	return ok
}

// RemoveExpired evicts messages past their expiry and returns them so
// the owner can mark them expired.
func (q *Queue) RemoveExpired() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	var stale []*queuedMessage
	for _, qm := range q.byID {
		if qm.msg.Expired() {
			stale = append(stale, qm)
		}
	}
	out := make([]*Message, 0, len(stale))
	for _, qm := range stale {
		heap.Remove(&q.heap, qm.index)
		delete(q.byID, qm.msg.ID)
		out = append(out, qm.msg)
	}
	return out
}

// Len returns the number of waiting messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Contents lists waiting messages in drain order.
func (q *Queue) Contents() []QueuedInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	out := make([]QueuedInfo, 0, len(q.heap))
	for _, qm := range q.heap {
		out = append(out, QueuedInfo{
			MessageID:  qm.msg.ID,
			From:       qm.msg.From,
			To:         qm.msg.To,
			Priority:   qm.msg.Priority,
			Segments:   qm.msg.Segments,
			RetryCount: qm.msg.RetryCount,
			EnqueuedAt: qm.enqueuedAt,
			WaitS:      now.Sub(qm.enqueuedAt).Seconds(),
		})
	}
	sortQueuedInfo(out)
	return out
}

// PruneRateWindows drops rate bookkeeping for numbers with no sends
// inside the window. Called from the owner's periodic sweep.
func (q *Queue) PruneRateWindows() {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().Add(-rateWindow)
	q.globalSends = pruneBefore(q.globalSends, cutoff)
	for number, times := range q.numberSends {
		times = pruneBefore(times, cutoff)
		if len(times) == 0 {
			delete(q.numberSends, number)
			continue
		}
		q.numberSends[number] = times
	}
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Size:           len(q.heap),
		MaxSize:        q.maxSize,
		Enqueued:       q.enqueued,
		Dequeued:       q.dequeued,
		Dropped:        q.dropped,
		TrackedNumbers: len(q.numberSends),
	}
}

// withinLimitsLocked prunes the rolling windows and checks both rate
// limits for number. Caller holds q.mu.
func (q *Queue) withinLimitsLocked(number string, now time.Time) bool {
	cutoff := now.Add(-rateWindow)
	q.globalSends = pruneBefore(q.globalSends, cutoff)
	q.numberSends[number] = pruneBefore(q.numberSends[number], cutoff)
	if len(q.numberSends[number]) >= q.perNumberPerMin {
		return false
	}
	return len(q.globalSends) < q.globalPerMin
}

// pruneBefore removes leading entries at or before cutoff. Timestamps
// are appended in order, so only a prefix can be stale.
func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}

// sortQueuedInfo orders listings by priority descending then enqueue
// time ascending, matching drain order.
func sortQueuedInfo(infos []QueuedInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Priority != infos[j].Priority {
			return infos[i].Priority > infos[j].Priority
		}
		return infos[i].EnqueuedAt.Before(infos[j].EnqueuedAt)
	})
}
