package groove

import "container/heap"

// The scheduler keeps every live LSM tree in two heaps at once: one
// ordered by dump urgency, one by compaction benefit. Each tree stores
// its position in both heaps so that updates and removals are O(log n).

// dumpHeap surfaces the LSM tree that should be dumped next. Trees that
// are already dumping or pinned sink to the bottom; among the eligible
// ones the tree with the oldest data wins. Within a space the primary
// index dumps last: on WAL replay after a crash, secondary indexes must
// not be behind the primary, or the primary lookup for an overwritten
// tuple would miss.
type dumpHeap []*LSM

func (h dumpHeap) Len() int { return len(h) }

func (h dumpHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.isDumping != b.isDumping {
		return !a.isDumping
	}
	if a.pinCount != b.pinCount {
		return a.pinCount < b.pinCount
	}
	ag, bg := a.generation(), b.generation()
	if ag != bg {
		return ag < bg
	}
	return a.indexID > b.indexID
}

func (h dumpHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].dumpPos = i
	h[j].dumpPos = j
}

func (h *dumpHeap) Push(x interface{}) {
	lsm := x.(*LSM)
	lsm.dumpPos = len(*h)
	*h = append(*h, lsm)
}

func (h *dumpHeap) Pop() interface{} {
	old := *h
	n := len(old)
	lsm := old[n-1]
	lsm.dumpPos = heapSentinel
	*h = old[:n-1]
	return lsm
}

func (h *dumpHeap) insert(lsm *LSM) { heap.Push(h, lsm) }
func (h *dumpHeap) update(lsm *LSM) { heap.Fix(h, lsm.dumpPos) }
func (h *dumpHeap) delete(lsm *LSM) { heap.Remove(h, lsm.dumpPos) }

func (h dumpHeap) top() *LSM {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// compactHeap surfaces the LSM tree whose compaction would reduce read
// amplification the most.
type compactHeap []*LSM

func (h compactHeap) Len() int { return len(h) }

func (h compactHeap) Less(i, j int) bool {
	return h[i].compactPriority() > h[j].compactPriority()
}

func (h compactHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].compactPos = i
	h[j].compactPos = j
}

func (h *compactHeap) Push(x interface{}) {
	lsm := x.(*LSM)
	lsm.compactPos = len(*h)
	*h = append(*h, lsm)
}

func (h *compactHeap) Pop() interface{} {
	old := *h
	n := len(old)
	lsm := old[n-1]
	lsm.compactPos = heapSentinel
	*h = old[:n-1]
	return lsm
}

func (h *compactHeap) insert(lsm *LSM) { heap.Push(h, lsm) }
func (h *compactHeap) update(lsm *LSM) { heap.Fix(h, lsm.compactPos) }
func (h *compactHeap) delete(lsm *LSM) { heap.Remove(h, lsm.compactPos) }

func (h compactHeap) top() *LSM {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
