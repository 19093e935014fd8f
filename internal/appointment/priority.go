package appointment

import (
	"container/heap"
	"time"
)

// Rank maps an urgency to its sort rank. Lower ranks are served first and
// unknown values rank with UrgencyNormal.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyCritical:
		return 1
	case UrgencyMedium:
		return 2
	default:
		return 3
	}
}

// Compare orders appointments by urgency rank, then scheduled date and time,
// then ID. It returns a negative number when a comes first, a positive
// number when b comes first and zero only for equal keys.
func Compare(a, b *Appointment) int {
	if ra, rb := a.Urgency.Rank(), b.Urgency.Rank(); ra != rb {
		return ra - rb
	}
	// Both sides share a location so only relative order matters.
	ta, tb := a.ScheduledAt(time.UTC), b.ScheduledAt(time.UTC)
	if !ta.Equal(tb) {
		if ta.Before(tb) {
			return -1
		}
		return 1
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

// Less reports whether a has strictly higher priority than b.
func Less(a, b *Appointment) bool {
	return Compare(a, b) < 0
}

// queueEntry is the ordering key precomputed for one appointment.
type queueEntry struct {
	rank int
	at   time.Time
	id   int64
	appt *Appointment
}

func newQueueEntry(a *Appointment) queueEntry {
	return queueEntry{
		rank: a.Urgency.Rank(),
		at:   a.ScheduledAt(time.UTC),
		id:   a.ID,
		appt: a,
	}
}

func (e queueEntry) less(o queueEntry) bool {
	if e.rank != o.rank {
		return e.rank < o.rank
	}
	if !e.at.Equal(o.at) {
		return e.at.Before(o.at)
	}
	return e.id < o.id
}

type entryHeap []queueEntry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].less(h[j]) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) {
	*h = append(*h, x.(queueEntry))
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = queueEntry{}
	*h = old[:n-1]
	return e
}

// PriorityQueue is a min-heap of appointments ordered by Compare. It holds
// pointers to the caller's appointments and never modifies them. The zero
// value is an empty queue. It is not safe for concurrent use.
type PriorityQueue struct {
	h entryHeap
}

// NewPriorityQueue returns a queue loaded with appts.
func NewPriorityQueue(appts []*Appointment) *PriorityQueue {
	q := &PriorityQueue{}
	q.Load(appts)
	return q
}

// Load inserts every appointment in appts.
func (q *PriorityQueue) Load(appts []*Appointment) {
	if len(q.h) == 0 {
		q.h = make(entryHeap, 0, len(appts))
		for _, a := range appts {
			q.h = append(q.h, newQueueEntry(a))
		}
		heap.Init(&q.h)
		return
	}
	for _, a := range appts {
		q.Insert(a)
	}
}

// Insert adds a to the queue.
func (q *PriorityQueue) Insert(a *Appointment) {
	heap.Push(&q.h, newQueueEntry(a))
}

// Peek returns the highest priority appointment without removing it.
func (q *PriorityQueue) Peek() (*Appointment, bool) {
	if len(q.h) == 0 {
		return nil, false
	}
	return q.h[0].appt, true
}

// Pop removes and returns the highest priority appointment.
func (q *PriorityQueue) Pop() (*Appointment, bool) {
	if len(q.h) == 0 {
		return nil, false
	}
	e := heap.Pop(&q.h).(queueEntry)
	return e.appt, true
}

// DrainSorted returns every queued appointment from highest to lowest
// priority. It works on a copy of the heap and leaves q unchanged.
func (q *PriorityQueue) DrainSorted() []*Appointment {
	cp := make(entryHeap, len(q.h))
	copy(cp, q.h)

	out := make([]*Appointment, 0, len(cp))
	for len(cp) > 0 {
		e := heap.Pop(&cp).(queueEntry)
		out = append(out, e.appt)
	}
	return out
}

// Size returns the number of queued appointments.
func (q *PriorityQueue) Size() int {
	return len(q.h)
}

// IsEmpty reports whether the queue holds no appointments.
func (q *PriorityQueue) IsEmpty() bool {
	return len(q.h) == 0
}

// SortByPriority returns appts in priority order without modifying the
// input slice.
func SortByPriority(appts []Appointment) []Appointment {
	ptrs := make([]*Appointment, len(appts))
	for i := range appts {
		ptrs[i] = &appts[i]
	}
	sorted := NewPriorityQueue(ptrs).DrainSorted()

	out := make([]Appointment, len(sorted))
	for i, a := range sorted {
		out[i] = *a
	}
	return out
}
