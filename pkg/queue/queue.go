// Package queue implements the durable objective queue: a priority min-heap
// ordered by (priority desc, enqueue time asc) with crash-safe snapshot
// persistence and at-least-once delivery. Dequeued objectives stay in an
// in-flight set until acked; on restart un-acked objectives are re-offered
// with their attempt count incremented.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hephaestus-ai/hephaestus/pkg/clock"
)

// Objective is a unit of user work. Payload is opaque to the queue; the cycle
// runner hands it to the planner.
type Objective struct {
	ID          string
	Payload     []byte
	Priority    int
	EnqueuedAt  time.Time
	Attempts    uint32
	MaxAttempts uint32

	seq uint64 // FIFO tie-break within equal (priority, enqueuedAt)
}

// Queue errors.
var (
	ErrClosed          = errors.New("queue is closed")
	ErrNotInFlight     = errors.New("objective is not in flight")
	ErrDuplicateID     = errors.New("objective ID already enqueued")
	ErrPayloadTooLarge = errors.New("objective payload exceeds snapshot limit")
)

// Stats is a point-in-time queue snapshot for the health surface.
type Stats struct {
	Depth        int    `json:"depth"`
	InFlight     int    `json:"in_flight"`
	DeadLettered uint64 `json:"dead_lettered"`
	Reoffered    uint64 `json:"reoffered_on_open"`
}

// Queue is the durable priority queue. All operations are safe for concurrent
// use; persistence happens under the queue lock so the snapshot always
// reflects a consistent heap + in-flight set.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	items    objectiveHeap
	inflight map[string]*Objective
	nextSeq  uint64
	closed   bool

	path         string
	clk          clock.Clock
	deadLettered uint64
	reoffered    uint64
}

// Open loads (or creates) a queue backed by the snapshot file at path.
// In-flight objectives found in the snapshot are re-enqueued with attempts+1.
// A snapshot with a corrupt tail is truncated to the last valid record; a
// snapshot whose header is unreadable returns ErrCorruptSnapshot.
func Open(path string, clk clock.Clock) (*Queue, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	q := &Queue{
		inflight: make(map[string]*Objective),
		path:     path,
		clk:      clk,
	}
	q.notEmpty = sync.NewCond(&q.mu)

	heapItems, inflightItems, err := loadSnapshot(path)
	if err != nil {
		return nil, err
	}
	for _, obj := range heapItems {
		obj.seq = q.nextSeq
		q.nextSeq++
		heap.Push(&q.items, obj)
	}
	for _, obj := range inflightItems {
		obj.Attempts++
		obj.seq = q.nextSeq
		q.nextSeq++
		heap.Push(&q.items, obj)
		q.reoffered++
	}
	if q.reoffered > 0 {
		slog.Info("Re-offered un-acked objectives from snapshot",
			"path", path, "count", q.reoffered)
	}
	if err := q.persistLocked(); err != nil {
		return nil, fmt.Errorf("writing initial snapshot: %w", err)
	}
	return q, nil
}

// Enqueue adds an objective. Zero EnqueuedAt is stamped with the current time.
func (q *Queue) Enqueue(obj *Objective) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.containsLocked(obj.ID) {
		return fmt.Errorf("%w: %s", ErrDuplicateID, obj.ID)
	}
	if len(obj.Payload) > maxPayloadLen {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(obj.Payload))
	}
	if obj.EnqueuedAt.IsZero() {
		obj.EnqueuedAt = q.clk.Now()
	}
	obj.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.items, obj)
	if err := q.persistLocked(); err != nil {
		return err
	}
	q.notEmpty.Signal()
	return nil
}

// Dequeue blocks until an objective is available or ctx is done. The returned
// objective moves to the in-flight set and must be Acked or Nacked.
func (q *Queue) Dequeue(ctx context.Context) (*Objective, error) {
	// Wake the cond wait when the context fires.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q.items.Len() > 0 {
			break
		}
		q.notEmpty.Wait()
	}

	obj := heap.Pop(&q.items).(*Objective)
	q.inflight[obj.ID] = obj
	if err := q.persistLocked(); err != nil {
		// Undo the claim so the objective is not lost in memory either.
		heap.Push(&q.items, obj)
		delete(q.inflight, obj.ID)
		return nil, err
	}
	return obj, nil
}

// Ack removes a completed objective from the in-flight set.
func (q *Queue) Ack(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotInFlight, id)
	}
	delete(q.inflight, id)
	return q.persistLocked()
}

// Nack reports a failed objective. Its attempt count is incremented; under
// the max it is re-enqueued, otherwise it is written to the dead-letter log
// and dropped.
func (q *Queue) Nack(id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	obj, ok := q.inflight[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotInFlight, id)
	}
	delete(q.inflight, id)

	obj.Attempts++
	if obj.Attempts >= obj.MaxAttempts {
		if err := appendDeadLetter(q.path+deadLetterSuffix, obj, reason, q.clk.Now()); err != nil {
			slog.Error("Failed to write dead letter", "objective_id", id, "error", err)
		}
		q.deadLettered++
		slog.Warn("Objective dead-lettered",
			"objective_id", id, "attempts", obj.Attempts, "reason", reason)
		return q.persistLocked()
	}

	obj.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.items, obj)
	if err := q.persistLocked(); err != nil {
		return err
	}
	q.notEmpty.Signal()
	return nil
}

// Stats returns queue depth and in-flight counts.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Depth:        q.items.Len(),
		InFlight:     len(q.inflight),
		DeadLettered: q.deadLettered,
		Reoffered:    q.reoffered,
	}
}

// Close flushes a final snapshot and wakes all blocked Dequeue calls.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.notEmpty.Broadcast()
	return q.persistLocked()
}

func (q *Queue) containsLocked(id string) bool {
	if _, ok := q.inflight[id]; ok {
		return true
	}
	for _, obj := range q.items {
		if obj.ID == id {
			return true
		}
	}
	return false
}

func (q *Queue) persistLocked() error {
	heapItems := make([]*Objective, len(q.items))
	copy(heapItems, q.items)
	inflightItems := make([]*Objective, 0, len(q.inflight))
	for _, obj := range q.inflight {
		inflightItems = append(inflightItems, obj)
	}
	return writeSnapshot(q.path, heapItems, inflightItems)
}

// objectiveHeap orders by priority desc, then enqueue time asc, then
// insertion sequence (FIFO within equal priority).
type objectiveHeap []*Objective

func (h objectiveHeap) Len() int { return len(h) }

func (h objectiveHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	if !h[i].EnqueuedAt.Equal(h[j].EnqueuedAt) {
		return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h objectiveHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *objectiveHeap) Push(x any) {
	*h = append(*h, x.(*Objective))
}

func (h *objectiveHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
