package groove

import (
	"container/heap"
	"fmt"
	"os"

	"github.com/miretskiy/groove/runfile"
)

// Run is an immutable sorted file on disk produced by a dump or a
// compaction. All fields are guarded by the scheduler mutex once the
// run is attached to an LSM tree; until then the run is owned by the
// task that writes it.
type Run struct {
	id      int64
	dumpLSN int64
	path    string
	info    runfile.Info

	// sliceCount is the number of live slices of this run across all
	// ranges. compactedSliceCount is scratch space used while a
	// compaction figures out which runs became garbage.
	sliceCount          int
	compactedSliceCount int

	refs int
}

func (r *Run) ID() int64 { return r.id }

// DumpLSN returns the max LSN of the data stored in the run.
func (r *Run) DumpLSN() int64 { return r.dumpLSN }

func (r *Run) isEmpty() bool { return r.info.Count == 0 }

func (r *Run) ref() { r.refs++ }

func (r *Run) unref() {
	r.refs--
	if r.refs < 0 {
		panic(fmt.Sprintf("run %d: reference underflow", r.id))
	}
}

// removeFiles deletes the run file from disk. Returns nil if the file
// is already gone.
func (r *Run) removeFiles() error {
	if r.path == "" {
		return nil
	}
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Slice is a half-open key interval [begin, end) of a run, attached to
// exactly one range. Nil bounds mean unbounded.
type Slice struct {
	id    int64
	run   *Run
	begin []byte
	end   []byte
	pins  int
}

func newSlice(id int64, run *Run, begin, end []byte) *Slice {
	run.sliceCount++
	return &Slice{id: id, run: run, begin: begin, end: end}
}

// size estimates the bytes of run data covered by the slice. A slice
// spanning the whole run accounts the full file.
func (s *Slice) size() int64 {
	if s.begin == nil && s.end == nil {
		return s.run.info.Size
	}
	// A bounded slice shares the run with its siblings.
	if s.run.sliceCount > 0 {
		return s.run.info.Size / int64(s.run.sliceCount)
	}
	return s.run.info.Size
}

func (s *Slice) drop() {
	s.run.sliceCount--
}

// Range is a contiguous key span of an LSM tree holding a list of
// slices, newest first. Ranges are what compaction operates on.
type Range struct {
	id    int64
	begin []byte
	end   []byte

	// slices are ordered newest first. During a compaction the
	// contiguous sub-list being compacted is frozen: slices may be
	// prepended by a concurrent dump but never removed.
	slices []*Slice

	compactPriority int
	needsCompaction bool
	nCompactions    int
	version         int64

	// heapPos is the position in the LSM tree's range heap, or
	// heapSentinel while the range is being compacted.
	heapPos int
}

func newRange(id int64, begin, end []byte) *Range {
	return &Range{id: id, begin: begin, end: end, heapPos: heapSentinel}
}

func (r *Range) String() string {
	return fmt.Sprintf("range %d [%q, %q)", r.id, r.begin, r.end)
}

func (r *Range) sliceCount() int { return len(r.slices) }

func (r *Range) size() int64 {
	var total int64
	for _, s := range r.slices {
		total += s.size()
	}
	return total
}

// addSlice prepends a slice; the newest data sits at the head.
func (r *Range) addSlice(s *Slice) {
	r.slices = append([]*Slice{s}, r.slices...)
}

// addSliceBefore inserts s immediately before pos. Compaction uses it
// to put the output run at the position of the slices it replaced: a
// concurrent dump may have prepended newer slices above them.
func (r *Range) addSliceBefore(s *Slice, pos int) {
	r.slices = append(r.slices, nil)
	copy(r.slices[pos+1:], r.slices[pos:])
	r.slices[pos] = s
}

// removeSlice detaches the slice at pos.
func (r *Range) removeSlice(pos int) *Slice {
	s := r.slices[pos]
	r.slices = append(r.slices[:pos], r.slices[pos+1:]...)
	s.drop()
	return s
}

func (r *Range) sliceIndex(s *Slice) int {
	for i, cur := range r.slices {
		if cur == s {
			return i
		}
	}
	return -1
}

// updateCompactPriority recomputes how many of the newest slices should
// be merged. Slices are grouped into levels of geometrically growing
// size; once a level accumulates more than runCountPerLevel runs,
// merging it (and everything newer) reduces read amplification the
// most. Priority 1 means the range does not need compaction.
func (r *Range) updateCompactPriority(runCountPerLevel int) {
	if r.needsCompaction && len(r.slices) > 1 {
		r.compactPriority = len(r.slices)
		return
	}
	priority := 1
	var levelBase int64
	levelCount := 0
	for i, s := range r.slices {
		sz := s.size()
		if levelBase == 0 || sz > levelBase*int64(runCountPerLevel) {
			levelBase = sz
			levelCount = 1
		} else {
			levelCount++
		}
		if levelCount > runCountPerLevel {
			priority = i + 1
		}
	}
	r.compactPriority = priority
}

const heapSentinel = -1

// rangeHeap orders an LSM tree's ranges by compaction priority, highest
// first. Ranges being compacted are removed so a second task cannot
// target them.
type rangeHeap []*Range

func (h rangeHeap) Len() int { return len(h) }
func (h rangeHeap) Less(i, j int) bool {
	return h[i].compactPriority > h[j].compactPriority
}
func (h rangeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapPos = i
	h[j].heapPos = j
}

func (h *rangeHeap) Push(x interface{}) {
	r := x.(*Range)
	r.heapPos = len(*h)
	*h = append(*h, r)
}

func (h *rangeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	r := old[n-1]
	r.heapPos = heapSentinel
	*h = old[:n-1]
	return r
}

func (h *rangeHeap) insert(r *Range)   { heap.Push(h, r) }
func (h *rangeHeap) update(r *Range)   { heap.Fix(h, r.heapPos) }
func (h *rangeHeap) deleteAt(r *Range) { heap.Remove(h, r.heapPos) }

func (h rangeHeap) top() *Range {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
