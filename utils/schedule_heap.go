package utils

import "golang.org/x/exp/constraints"

// ScheduleHeap is a min-heap of values keyed by an ordered priority,
// typically a unix timestamp of the next time the value is due.
type ScheduleHeap[P constraints.Ordered, T any] struct {
	buf []scheduled[P, T]
}

type scheduled[P constraints.Ordered, T any] struct {
	at  P
	val T
}

func (h *ScheduleHeap[P, T]) Len() int {
	return len(h.buf)
}

// Push adds val with priority at.
// The complexity is O(log n) where n = h.Len().
func (h *ScheduleHeap[P, T]) Push(at P, val T) {
	h.buf = append(h.buf, scheduled[P, T]{at: at, val: val})
	h.up(h.Len() - 1)
}

// Peek returns the priority of the minimum element without removing it.
func (h *ScheduleHeap[P, T]) Peek() (at P, ok bool) {
	if len(h.buf) == 0 {
		return at, false
	}
	return h.buf[0].at, true
}

// Pop removes and returns the minimum element.
// The complexity is O(log n) where n = h.Len().
func (h *ScheduleHeap[P, T]) Pop() (at P, val T) {
	min := h.buf[0]
	n := h.Len() - 1
	h.swap(0, n)
	h.down(0, n)
	h.buf = h.buf[0:n]
	return min.at, min.val
}

func (h *ScheduleHeap[P, T]) swap(i, j int) {
	h.buf[i], h.buf[j] = h.buf[j], h.buf[i]
}

func (h ScheduleHeap[P, T]) up(j int) {
	for {
		i := (j - 1) / 2 // parent
		if i == j || !(h.buf[j].at < h.buf[i].at) {
			break
		}
		h.buf[i], h.buf[j] = h.buf[j], h.buf[i]
		j = i
	}
}

func (h ScheduleHeap[P, T]) down(i0, n int) bool {
	i := i0
	for {
		j1 := 2*i + 1
		if j1 >= n || j1 < 0 { // j1 < 0 after int overflow
			break
		}
		j := j1 // left child
		if j2 := j1 + 1; j2 < n && h.buf[j2].at < h.buf[j1].at {
			j = j2 // = 2*i + 2  // right child
		}
		if !(h.buf[j].at < h.buf[i].at) {
			break
		}
		h.buf[i], h.buf[j] = h.buf[j], h.buf[i]
		i = j
	}
	return i > i0
}
