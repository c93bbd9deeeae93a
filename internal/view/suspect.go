package view

import (
	"container/heap"
	"time"
)

// suspectHeap orders suspect entries by expiry so the sweep pops only what
// is due. Entries are lazy: a popped item is authoritative only when it
// still matches the suspects map (the map may have been refreshed with a
// later expiry since the push).
type suspectHeap []suspectHeapItem

type suspectHeapItem struct {
	Expiry time.Time
	Path   string
}

func (h suspectHeap) Len() int            { return len(h) }
func (h suspectHeap) Less(i, j int) bool  { return h[i].Expiry.Before(h[j].Expiry) }
func (h suspectHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *suspectHeap) Push(x interface{}) { *h = append(*h, x.(suspectHeapItem)) }

func (h *suspectHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// markSuspect inserts or refreshes the suspect entry for n.
func (s *State) markSuspect(n *Node, recordedMtime float64, expiry time.Time) {
	s.suspects[n.Path] = suspectEntry{Expiry: expiry, RecordedMtime: recordedMtime}
	heap.Push(&s.suspectHeap, suspectHeapItem{Expiry: expiry, Path: n.Path})
	n.IntegritySuspect = true
}

// clearSuspect drops the suspect entry for n if one exists. Stale heap
// items are discarded lazily by the sweep.
func (s *State) clearSuspect(n *Node) {
	delete(s.suspects, n.Path)
	n.IntegritySuspect = false
}

// dueSuspects pops every heap item whose expiry has passed and whose entry
// is still current, returning the candidate paths for re-verification.
func (s *State) dueSuspects(now time.Time) []string {
	var due []string
	for s.suspectHeap.Len() > 0 {
		top := s.suspectHeap[0]
		if top.Expiry.After(now) {
			break
		}
		heap.Pop(&s.suspectHeap)
		entry, ok := s.suspects[top.Path]
		if !ok || !entry.Expiry.Equal(top.Expiry) {
			continue // refreshed or cleared since the push
		}
		due = append(due, top.Path)
	}
	return due
}

