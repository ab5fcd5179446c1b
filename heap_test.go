package groove

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/miretskiy/groove/vylog"
)

func testLSM(t *testing.T, log *vylog.Log, spaceID, indexID uint32, pk *LSM) *LSM {
	t.Helper()
	return NewLSM(log, spaceID, indexID, pk, DefaultConfig())
}

func TestDumpHeapOrder(t *testing.T) {
	log := vylog.New()
	var h dumpHeap

	old := testLSM(t, log, 1, 0, nil)
	older := testLSM(t, log, 2, 0, nil)
	older.mem.generation = 0
	old.mem.generation = 1

	dumping := testLSM(t, log, 3, 0, nil)
	dumping.mem.generation = 0
	dumping.isDumping = true

	pinned := testLSM(t, log, 4, 0, nil)
	pinned.mem.generation = 0
	pinned.pinCount = 1

	for _, lsm := range []*LSM{old, dumping, pinned, older} {
		h.insert(lsm)
	}

	// Dumping and pinned trees sink below eligible ones; the oldest
	// eligible tree surfaces.
	require.Same(t, older, h.top())

	// Within a space and generation the primary index dumps last.
	secondary := testLSM(t, log, 2, 1, older)
	secondary.mem.generation = 0
	h.insert(secondary)
	require.Same(t, secondary, h.top())
}

func TestDumpHeapPositions(t *testing.T) {
	log := vylog.New()
	var h dumpHeap

	trees := []*LSM{
		testLSM(t, log, 1, 0, nil),
		testLSM(t, log, 2, 0, nil),
		testLSM(t, log, 3, 0, nil),
	}
	for _, lsm := range trees {
		require.Equal(t, heapSentinel, lsm.dumpPos)
		h.insert(lsm)
	}
	for _, lsm := range trees {
		require.NotEqual(t, heapSentinel, lsm.dumpPos)
		require.Same(t, lsm, h[lsm.dumpPos])
	}
	for _, lsm := range trees {
		h.delete(lsm)
		require.Equal(t, heapSentinel, lsm.dumpPos)
	}
}

func TestCompactHeapOrder(t *testing.T) {
	log := vylog.New()
	var h compactHeap

	low := testLSM(t, log, 1, 0, nil)
	low.ranges[0].compactPriority = 2
	high := testLSM(t, log, 2, 0, nil)
	high.ranges[0].compactPriority = 5

	h.insert(low)
	h.insert(high)
	require.Same(t, high, h.top())

	// Priority change reorders on update.
	low.ranges[0].compactPriority = 9
	h.update(low)
	require.Same(t, low, h.top())
}

func TestRangeHeapScheduledRangeExcluded(t *testing.T) {
	log := vylog.New()
	lsm := testLSM(t, log, 1, 0, nil)
	rng := lsm.ranges[0]
	rng.compactPriority = 4
	lsm.rangeHeap.update(rng)
	require.Equal(t, 4, lsm.compactPriority())

	lsm.rangeHeap.deleteAt(rng)
	require.Equal(t, heapSentinel, rng.heapPos)
	require.Equal(t, 0, lsm.compactPriority())
}

func TestUpdateCompactPriority(t *testing.T) {
	tests := []struct {
		name       string
		sliceSizes []int64 // newest first
		perLevel   int
		want       int
	}{
		{name: "empty range", sliceSizes: nil, perLevel: 2, want: 1},
		{name: "single slice", sliceSizes: []int64{100}, perLevel: 2, want: 1},
		{name: "two equal below threshold", sliceSizes: []int64{100, 100}, perLevel: 2, want: 1},
		{name: "three equal overflow", sliceSizes: []int64{100, 100, 100}, perLevel: 2, want: 3},
		{name: "deep level untouched", sliceSizes: []int64{100, 100000}, perLevel: 2, want: 1},
		{name: "tiered", sliceSizes: []int64{100, 100, 100, 100000}, perLevel: 2, want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := newRange(1, nil, nil)
			for _, sz := range tt.sliceSizes {
				run := &Run{id: 1, info: runInfoWithSize(sz)}
				run.sliceCount = 1
				rng.slices = append(rng.slices, &Slice{run: run})
			}
			rng.updateCompactPriority(tt.perLevel)
			require.Equal(t, tt.want, rng.compactPriority)
		})
	}
}

func TestForceCompactionPriority(t *testing.T) {
	rng := newRange(1, nil, nil)
	for i := 0; i < 2; i++ {
		run := &Run{id: int64(i), info: runInfoWithSize(100)}
		run.sliceCount = 1
		rng.slices = append(rng.slices, &Slice{run: run})
	}
	rng.updateCompactPriority(2)
	require.Equal(t, 1, rng.compactPriority)

	rng.needsCompaction = true
	rng.updateCompactPriority(2)
	require.Equal(t, 2, rng.compactPriority)
}
