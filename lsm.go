package groove

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/miretskiy/groove/vylog"
)

// LSMStats aggregates per-tree dump and compaction accounting.
type LSMStats struct {
	Dumps              int   `json:"dumps"`
	DumpInStmts        int   `json:"dumpInStmts"`
	DumpOutStmts       int   `json:"dumpOutStmts"`
	Compactions        int   `json:"compactions"`
	CompactionInStmts  int   `json:"compactionInStmts"`
	CompactionOutStmts int   `json:"compactionOutStmts"`
	RunCount           int   `json:"runCount"`
	RangeCount         int   `json:"rangeCount"`
	SliceBytes         int64 `json:"sliceBytes"`
}

// LSM is one log-structured merge index: an active in-memory tree, a
// list of sealed in-memory trees awaiting dump, and an ordered set of
// ranges of on-disk runs. All fields are guarded by the scheduler
// mutex.
type LSM struct {
	id      int64
	spaceID uint32
	indexID uint32

	// pk links a secondary index to the primary index of its space.
	// Nil for the primary itself.
	pk *LSM

	keyDef *KeyDef
	cmpDef *KeyDef

	bloomFPR         float64
	pageSize         int
	runCountPerLevel int
	rangeSize        int64

	mem    *memTree
	sealed []*memTree // oldest first

	ranges    []*Range // ordered by begin key
	rangeHeap rangeHeap
	runCount  int

	// dumpLSN is the LSN up to which the tree has been dumped.
	dumpLSN int64

	isDropped bool
	isDumping bool
	// pinCount blocks dump scheduling; used to hold the primary back
	// while its secondary indexes are being dumped.
	pinCount int

	// Positions in the scheduler's dump and compact heaps.
	dumpPos    int
	compactPos int

	refs  int
	stats LSMStats
}

// NewLSM creates an LSM tree with a single unbounded range and an empty
// active in-memory tree. Identifiers come from the metadata log.
func NewLSM(log *vylog.Log, spaceID, indexID uint32, pk *LSM, cfg Config) *LSM {
	lsm := &LSM{
		id:               log.NextID(),
		spaceID:          spaceID,
		indexID:          indexID,
		pk:               pk,
		keyDef:           NewKeyDef(),
		cmpDef:           NewKeyDef(),
		bloomFPR:         cfg.BloomFPR,
		pageSize:         cfg.PageSize,
		runCountPerLevel: cfg.RunCountPerLevel,
		rangeSize:        int64(cfg.RangeSizeMB) << 20,
		mem:              newMemTree(0),
		dumpLSN:          noDumpLSN,
		dumpPos:          heapSentinel,
		compactPos:       heapSentinel,
	}
	rng := newRange(log.NextID(), nil, nil)
	rng.compactPriority = 1
	lsm.ranges = []*Range{rng}
	lsm.rangeHeap.insert(rng)
	lsm.stats.RangeCount = 1
	return lsm
}

// ID returns the tree's metadata log identifier.
func (l *LSM) ID() int64 { return l.id }

// IndexID returns the index ordinal; 0 is the primary index.
func (l *LSM) IndexID() uint32 { return l.indexID }

// SpaceID returns the space the index belongs to.
func (l *LSM) SpaceID() uint32 { return l.spaceID }

// DumpLSN returns the LSN up to which the tree has been dumped.
func (l *LSM) DumpLSN() int64 { return l.dumpLSN }

// Stats returns a copy of the tree's accounting counters.
func (l *LSM) Stats() LSMStats { return l.stats }

func (l *LSM) name() string {
	return fmt.Sprintf("%d/%d", l.spaceID, l.indexID)
}

func (l *LSM) ref() { l.refs++ }

func (l *LSM) unref() {
	l.refs--
	if l.refs < 0 {
		panic(fmt.Sprintf("lsm %s: reference underflow", l.name()))
	}
}

// generation returns the generation of the oldest in-memory data. The
// scheduler dumps trees in generation order.
func (l *LSM) generation() int64 {
	if len(l.sealed) > 0 {
		return l.sealed[0].generation
	}
	return l.mem.generation
}

// rotateMem seals the active in-memory tree and opens a fresh one at
// generation.
func (l *LSM) rotateMem(generation int64) {
	l.sealed = append(l.sealed, l.mem)
	l.mem = newMemTree(generation)
}

// deleteMem removes a sealed tree and releases its statements.
func (l *LSM) deleteMem(mem *memTree) {
	for i, m := range l.sealed {
		if m == mem {
			l.sealed = append(l.sealed[:i], l.sealed[i+1:]...)
			mem.release()
			return
		}
	}
	panic(fmt.Sprintf("lsm %s: deleting unknown mem", l.name()))
}

// insert adds a statement to the active in-memory tree, taking over the
// caller's reference.
func (l *LSM) insert(st *Statement) {
	l.mem.insert(st)
}

// memSize returns the bytes held by the active and sealed in-memory
// trees.
func (l *LSM) memSize() int64 {
	total := l.mem.size()
	for _, m := range l.sealed {
		total += m.size()
	}
	return total
}

// compactPriority returns the priority of the most compactable range,
// or 0 when every range is being compacted. A clean range has
// priority 1.
func (l *LSM) compactPriority() int {
	if top := l.rangeHeap.top(); top != nil {
		return top.compactPriority
	}
	return 0
}

// rangesIntersecting returns the bounds [lo, hi] of the ranges whose
// key span intersects [minKey, maxKey].
func (l *LSM) rangesIntersecting(minKey, maxKey []byte) (lo, hi int) {
	lo = l.psearch(minKey)
	hi = l.psearch(maxKey)
	return lo, hi
}

// psearch returns the index of the last range whose begin key is at or
// below key. The first range has a nil (unbounded) begin key, so the
// result is always valid.
func (l *LSM) psearch(key []byte) int {
	idx := sort.Search(len(l.ranges), func(i int) bool {
		begin := l.ranges[i].begin
		return begin != nil && bytes.Compare(begin, key) > 0
	})
	if idx == 0 {
		return 0
	}
	return idx - 1
}

func (l *LSM) rangeIndex(rng *Range) int {
	for i, r := range l.ranges {
		if r == rng {
			return i
		}
	}
	return -1
}

// addRun accounts a run that now belongs to the tree.
func (l *LSM) addRun(run *Run) {
	run.ref()
	l.runCount++
	l.stats.RunCount = l.runCount
}

// removeRun unaccounts an unused run.
func (l *LSM) removeRun(run *Run) {
	run.unref()
	l.runCount--
	l.stats.RunCount = l.runCount
}

func (l *LSM) acctRange(rng *Range) {
	l.stats.SliceBytes += rng.size()
}

func (l *LSM) unacctRange(rng *Range) {
	l.stats.SliceBytes -= rng.size()
}

func (l *LSM) acctDump(inStmts, outStmts int) {
	l.stats.Dumps++
	l.stats.DumpInStmts += inStmts
	l.stats.DumpOutStmts += outStmts
}

func (l *LSM) acctCompaction(inStmts, outStmts int) {
	l.stats.Compactions++
	l.stats.CompactionInStmts += inStmts
	l.stats.CompactionOutStmts += outStmts
}

// forceCompaction marks every multi-slice range as needing compaction
// regardless of its level shape.
func (l *LSM) forceCompaction() {
	for _, rng := range l.ranges {
		if rng.sliceCount() > 1 {
			rng.needsCompaction = true
			rng.updateCompactPriority(l.runCountPerLevel)
			if rng.heapPos != heapSentinel {
				l.rangeHeap.update(rng)
			}
		}
	}
}

// splitRange splits rng in two at the median page key of its newest
// slice's run when the range has grown past twice the target size.
// Returns true if the tree was restructured, in which case the caller
// must retry range selection.
func (l *LSM) splitRange(log *vylog.Log, rng *Range) bool {
	if rng.size() < 2*l.rangeSize || len(rng.slices) == 0 {
		return false
	}
	pageKeys := rng.slices[0].run.info.PageKeys
	if len(pageKeys) < 2 {
		return false
	}
	mid := pageKeys[len(pageKeys)/2]
	if (rng.begin != nil && bytes.Compare(mid, rng.begin) <= 0) ||
		(rng.end != nil && bytes.Compare(mid, rng.end) >= 0) {
		return false
	}

	left := newRange(log.NextID(), rng.begin, append([]byte(nil), mid...))
	right := newRange(log.NextID(), append([]byte(nil), mid...), rng.end)

	tx := log.Begin()
	for _, s := range rng.slices {
		tx.DeleteSlice(s.id)
		ls := newSlice(log.NextID(), s.run, s.begin, left.end)
		rs := newSlice(log.NextID(), s.run, right.begin, s.end)
		left.slices = append(left.slices, ls)
		right.slices = append(right.slices, rs)
		tx.InsertSlice(left.id, s.run.id, ls.id, ls.begin, ls.end)
		tx.InsertSlice(right.id, s.run.id, rs.id, rs.begin, rs.end)
	}
	if err := tx.Commit(); err != nil {
		for _, s := range left.slices {
			s.drop()
		}
		for _, s := range right.slices {
			s.drop()
		}
		return false
	}

	l.unacctRange(rng)
	for _, s := range rng.slices {
		s.drop()
	}
	idx := l.rangeIndex(rng)
	l.ranges = append(l.ranges[:idx], append([]*Range{left, right}, l.ranges[idx+1:]...)...)
	if rng.heapPos != heapSentinel {
		l.rangeHeap.deleteAt(rng)
	}
	for _, nr := range []*Range{left, right} {
		nr.updateCompactPriority(l.runCountPerLevel)
		l.rangeHeap.insert(nr)
		l.acctRange(nr)
	}
	l.stats.RangeCount = len(l.ranges)
	return true
}

// coalesceRange merges rng with its right neighbor when both have
// shrunk far below the target range size. Slices keep their bounds, so
// no metadata changes are needed. Returns true if the tree was
// restructured.
func (l *LSM) coalesceRange(rng *Range) bool {
	if rng.size() >= l.rangeSize/4 {
		return false
	}
	idx := l.rangeIndex(rng)
	if idx < 0 || idx+1 >= len(l.ranges) {
		return false
	}
	next := l.ranges[idx+1]
	if next.heapPos == heapSentinel {
		// Neighbor is being compacted.
		return false
	}
	if rng.size()+next.size() >= l.rangeSize/2 {
		return false
	}

	l.unacctRange(rng)
	l.unacctRange(next)
	merged := newRange(rng.id, rng.begin, next.end)
	merged.slices = append(merged.slices, rng.slices...)
	merged.slices = append(merged.slices, next.slices...)
	// Newest first across both halves.
	sort.SliceStable(merged.slices, func(i, j int) bool {
		return merged.slices[i].run.dumpLSN > merged.slices[j].run.dumpLSN
	})
	merged.updateCompactPriority(l.runCountPerLevel)
	l.ranges = append(l.ranges[:idx], append([]*Range{merged}, l.ranges[idx+2:]...)...)
	if rng.heapPos != heapSentinel {
		l.rangeHeap.deleteAt(rng)
	}
	l.rangeHeap.deleteAt(next)
	l.rangeHeap.insert(merged)
	l.acctRange(merged)
	l.stats.RangeCount = len(l.ranges)
	return true
}
