// Package queue implements the Priority Work Queue (spec §4.D): a
// multi-level priority structure with FIFO ordering within a level, bounded
// concurrency admission, and in-flight accounting.
package queue

import (
	"container/heap"
	"sync"

	"github.com/swarmguard/taskforge/model"
	"github.com/swarmguard/taskforge/observability"
)

// item is one entry in the priority heap: a task id ordered by priority
// then insertion sequence, giving FIFO-within-priority without storing the
// whole Task in the heap (the Queue keeps ids only; the owning Task Manager
// holds the Task values).
type item struct {
	id       string
	priority model.Priority
	seq      uint64
}

type itemHeap []item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(item)) }
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Queue is the thread-safe priority work queue. Enqueue never blocks;
// Dequeue blocks (via the caller polling TryDequeue / waiting on Changed)
// once in-flight reaches MaxConcurrent — the bounded resource is
// concurrency, not queue depth, per the spec's backpressure policy.
type Queue struct {
	mu             sync.Mutex
	heap           itemHeap
	seq            uint64
	inFlight       map[string]struct{}
	maxConcurrent  int
	totalAdmitted  int
	completedCount int
	failedCount    int
	cancelledCount int
	changed        chan struct{}
	gauges         *observability.QueueGauges
	priorityCounts map[model.Priority]int
}

// New creates a queue with the given concurrency bound. maxConcurrent <= 0
// means unbounded.
func New(maxConcurrent int, gauges *observability.QueueGauges) *Queue {
	q := &Queue{
		heap:          itemHeap{},
		inFlight:      map[string]struct{}{},
		maxConcurrent: maxConcurrent,
		changed:        make(chan struct{}, 1),
		gauges:         gauges,
		priorityCounts: map[model.Priority]int{},
	}
	heap.Init(&q.heap)
	return q
}

func (q *Queue) notify() {
	select {
	case q.changed <- struct{}{}:
	default:
	}
}

// Changed returns a channel that receives a value whenever queue state
// changes (enqueue, requeue, discard, completion) — the dispatcher's wakeup
// signal. TryDequeue does not signal it.
func (q *Queue) Changed() <-chan struct{} { return q.changed }

// Enqueue admits a task id at the given priority. Never blocks.
func (q *Queue) Enqueue(id string, priority model.Priority) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.heap, item{id: id, priority: priority, seq: q.seq})
	q.totalAdmitted++
	q.priorityCounts[priority]++
	q.mu.Unlock()
	q.reportGauges()
	q.notify()
}

// TryDequeue pops the highest-priority queued id if in-flight capacity
// allows, marking it in-flight. Returns ("", false) if the queue is empty
// or concurrency is saturated.
func (q *Queue) TryDequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maxConcurrent > 0 && len(q.inFlight) >= q.maxConcurrent {
		return "", false
	}
	if q.heap.Len() == 0 {
		return "", false
	}
	it := heap.Pop(&q.heap).(item)
	q.inFlight[it.id] = struct{}{}
	q.priorityCounts[it.priority]--
	go q.reportGauges()
	return it.id, true
}

// Remove drops a queued (not yet dequeued) id from the heap, for cancelling
// a QUEUED task before it is dispatched.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeFromHeapLocked(id)
}

func (q *Queue) removeFromHeapLocked(id string) bool {
	for i, it := range q.heap {
		if it.id == id {
			heap.Remove(&q.heap, i)
			q.priorityCounts[it.priority]--
			q.cancelledCount++
			return true
		}
	}
	return false
}

// Requeue re-admits id directly into the priority heap without treating it
// as a fresh admission (no TotalAdmitted increment): the id was already
// counted once by the Enqueue that first put it into the system. Used for
// continuations of an already-admitted task — resuming a PAUSED task, and
// re-dispatching a task after an automatic retry's backoff — where the
// task never passed through a terminal Complete call and so must not be
// double-counted against the queue_size+running+terminal==total_admitted
// fingerprint. Any in-flight bookkeeping for id is cleared first, since a
// requeued id moves from in-flight straight back into the heap.
func (q *Queue) Requeue(id string, priority model.Priority) {
	q.mu.Lock()
	delete(q.inFlight, id)
	q.seq++
	heap.Push(&q.heap, item{id: id, priority: priority, seq: q.seq})
	q.priorityCounts[priority]++
	q.mu.Unlock()
	q.reportGauges()
	q.notify()
}

// Discard cancels id from wherever it currently resides — the queued heap,
// or in-flight (which also covers a PAUSED task or a task backing off
// before an automatic retry, both of which are kept in-flight rather than
// completed until they resume or retry) — and records it as cancelled.
// It is a no-op if id is owned by neither (e.g. an actively running task,
// whose own completion path calls Complete once its handler returns).
func (q *Queue) Discard(id string) {
	q.mu.Lock()
	if _, ok := q.inFlight[id]; ok {
		delete(q.inFlight, id)
		q.cancelledCount++
		q.mu.Unlock()
		q.reportGauges()
		q.notify()
		return
	}
	q.removeFromHeapLocked(id)
	q.mu.Unlock()
	q.reportGauges()
	q.notify()
}

// Complete releases in-flight capacity for id and records its terminal
// outcome in the running totals.
func (q *Queue) Complete(id string, status model.Status) {
	q.mu.Lock()
	delete(q.inFlight, id)
	switch status {
	case model.Completed:
		q.completedCount++
	case model.Failed:
		q.failedCount++
	case model.Cancelled:
		q.cancelledCount++
	}
	q.mu.Unlock()
	q.reportGauges()
	q.notify()
}

// Stats is a point-in-time snapshot satisfying the invariant
// queue_size + running + terminal_count == total_admitted.
type Stats struct {
	QueueSize     int
	Running       int
	Completed     int
	Failed        int
	Cancelled     int
	TotalAdmitted int
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		QueueSize:     q.heap.Len(),
		Running:       len(q.inFlight),
		Completed:     q.completedCount,
		Failed:        q.failedCount,
		Cancelled:     q.cancelledCount,
		TotalAdmitted: q.totalAdmitted,
	}
}

func (q *Queue) reportGauges() {
	if q.gauges == nil {
		return
	}
	s := q.Stats()
	q.gauges.Running.Set(float64(s.Running))
	q.gauges.TotalAdmitted.Set(float64(s.TotalAdmitted))
	q.gauges.Completed.Set(float64(s.Completed))
	q.gauges.Failed.Set(float64(s.Failed))

	q.mu.Lock()
	counts := make(map[model.Priority]int, len(q.priorityCounts))
	for p, c := range q.priorityCounts {
		counts[p] = c
	}
	q.mu.Unlock()
	for p, c := range counts {
		q.gauges.QueuedByPrio.WithLabelValues(p.String()).Set(float64(c))
	}
}
