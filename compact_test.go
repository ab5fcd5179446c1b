package groove

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/miretskiy/groove/runfile"
	"github.com/miretskiy/groove/vylog"
)

// dumpKeys writes keys with ascending LSNs starting at base and waits
// for the dump to land on disk.
func dumpKeys(t *testing.T, te *testEnv, lsm *LSM, n int, base int64) {
	t.Helper()
	for i := 0; i < n; i++ {
		te.write(lsm, keyf(i), base+int64(i))
	}
	require.NoError(t, te.sched.Dump())
}

func runFiles(t *testing.T, dir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "*.run"))
	require.NoError(t, err)
	return files
}

func TestCompactionMergesSlices(t *testing.T) {
	te := newTestEnv(t)
	lsm := te.newLSM(t, 512, 0, nil)

	// Three dumps of the same keys stack three slices; with
	// runCountPerLevel 2 the third one tips the range over.
	dumpKeys(t, te, lsm, 10, 1)
	dumpKeys(t, te, lsm, 10, 101)
	dumpKeys(t, te, lsm, 10, 201)

	waitFor(t, func() bool {
		counts := te.sliceCounts(lsm)
		return len(counts) == 1 && counts[0] == 1
	}, "compaction never merged the slices")

	// Only the newest version of each key survived.
	te.sched.mu.Lock()
	out := lsm.ranges[0].slices[0]
	path := out.run.path
	te.sched.mu.Unlock()
	r, err := runfile.Open(path)
	require.NoError(t, err)
	recs, err := r.All()
	require.NoError(t, err)
	require.Len(t, recs, 10)
	for i, rec := range recs {
		require.Equal(t, keyf(i), string(rec.Key))
		require.EqualValues(t, 201+i, rec.LSN)
	}

	// The compacted runs became garbage: dropped, their files removed
	// and forgotten since no checkpoint references them.
	require.Equal(t, 3, te.log.CountByType(vylog.RecordDeleteSlice))
	require.Equal(t, 3, te.log.CountByType(vylog.RecordDropRun))
	require.Equal(t, 3, te.log.CountByType(vylog.RecordForgetRun))
	require.Len(t, runFiles(t, te.dir), 1)

	te.sched.mu.Lock()
	require.Equal(t, 1, lsm.runCount)
	require.Equal(t, 1, lsm.Stats().Compactions)
	te.sched.mu.Unlock()
}

func TestCompactionPublishesDeferredDeletes(t *testing.T) {
	te := newTestEnv(t)
	lsm := te.newLSM(t, 512, 0, nil)

	dumpKeys(t, te, lsm, 10, 1)
	dumpKeys(t, te, lsm, 10, 101)
	dumpKeys(t, te, lsm, 10, 201)

	waitFor(t, func() bool {
		counts := te.sliceCounts(lsm)
		return len(counts) == 1 && counts[0] == 1
	}, "compaction never ran")

	// Every overwritten REPLACE produced a deferred DELETE carrying
	// the key of the old tuple and the LSN of the overwriting
	// statement.
	recs, _ := te.dml.snapshot()
	require.Len(t, recs, 20)
	byKey := map[string][]int64{}
	for _, rec := range recs {
		require.EqualValues(t, 512, rec.SpaceID)
		require.Equal(t, OpDelete, rec.Delete.Op)
		byKey[string(rec.Delete.Key)] = append(byKey[string(rec.Delete.Key)], rec.LSN)
	}
	for i := 0; i < 10; i++ {
		require.ElementsMatch(t, []int64{int64(101 + i), int64(201 + i)}, byKey[keyf(i)])
	}
}

func TestSecondaryCompactionNoDeferredDeletes(t *testing.T) {
	te := newTestEnv(t)
	pk := te.newLSM(t, 512, 0, nil)
	sk := te.newLSM(t, 512, 1, pk)

	for round := 0; round < 3; round++ {
		for i := 0; i < 10; i++ {
			te.write(sk, keyf(i), int64(round*100+i+1))
		}
		require.NoError(t, te.sched.Dump())
	}
	waitFor(t, func() bool {
		counts := te.sliceCounts(sk)
		return len(counts) == 1 && counts[0] == 1
	}, "secondary compaction never ran")

	recs, _ := te.dml.snapshot()
	require.Empty(t, recs)
}

func TestDeferredDeleteBackPressure(t *testing.T) {
	te := newTestEnv(t, func(c *Config) { c.RunCountPerLevel = 1 })
	lsm := te.newLSM(t, 512, 0, nil)

	// Two generations of 2,500 keys produce 2,500 deferred DELETEs in
	// 25 batches; tx is slowed down so the worker gets ahead.
	te.dml.delay = time.Millisecond
	dumpKeys(t, te, lsm, 2500, 1)
	dumpKeys(t, te, lsm, 2500, 10001)

	waitFor(t, func() bool {
		counts := te.sliceCounts(lsm)
		return len(counts) == 1 && counts[0] == 1
	}, "compaction never ran")

	recs, batches := te.dml.snapshot()
	require.Len(t, recs, 2500)
	require.Equal(t, 25, batches)

	// The worker was never allowed more than 10 batches in flight.
	st := te.sched.Stats()
	require.Greater(t, st.DeferredMaxInFlight, 0)
	require.LessOrEqual(t, st.DeferredMaxInFlight, 10)
}

func TestDeferredDeleteFailureCancelsTask(t *testing.T) {
	te := newTestEnv(t, func(c *Config) { c.RunCountPerLevel = 1 })
	lsm := te.newLSM(t, 512, 0, nil)

	dumpKeys(t, te, lsm, 200, 1)

	te.dml.mu.Lock()
	te.dml.err = errors.New("wal is full")
	te.dml.mu.Unlock()
	te.sched.ErrInj().SchedTimeoutNs.Store(int64(5 * time.Millisecond))

	dumpKeys(t, te, lsm, 200, 10001)

	// The compaction keeps failing: its deferred DELETE batches bounce
	// on tx, which cancels the task fiber.
	waitFor(t, func() bool { return te.sched.Stats().TasksFailed >= 1 }, "task never failed")
	require.Equal(t, []int{2}, te.sliceCounts(lsm))

	// Clearing the fault lets the retry succeed.
	te.dml.mu.Lock()
	te.dml.err = nil
	te.dml.mu.Unlock()
	waitFor(t, func() bool {
		counts := te.sliceCounts(lsm)
		return len(counts) == 1 && counts[0] == 1
	}, "compaction never recovered")
}

func TestCompactionKeepsNewerSlices(t *testing.T) {
	te := newTestEnv(t)
	lsm := te.newLSM(t, 512, 0, nil)

	dumpKeys(t, te, lsm, 10, 1)
	dumpKeys(t, te, lsm, 10, 101)

	// Slow the writers down and kick off the compaction with a dump of
	// a third generation racing it.
	te.sched.ErrInj().RunWriteStmtDelayNs.Store(int64(5 * time.Millisecond))
	te.sched.ForceCompaction(lsm)
	dumpKeys(t, te, lsm, 10, 201)
	te.sched.ErrInj().RunWriteStmtDelayNs.Store(0)

	waitFor(t, func() bool {
		counts := te.sliceCounts(lsm)
		return len(counts) == 1 && counts[0] == 2
	}, "compaction output misplaced")

	// Whichever finished first, the dump's slice is newer and must sit
	// above the compacted one.
	te.sched.mu.Lock()
	slices := lsm.ranges[0].slices
	require.Greater(t, slices[0].run.dumpLSN, slices[1].run.dumpLSN)
	te.sched.mu.Unlock()
}

func TestStatementRefsReleased(t *testing.T) {
	te := newTestEnv(t, func(c *Config) { c.RunCountPerLevel = 1 })
	lsm := te.newLSM(t, 512, 0, nil)

	st := NewStatement(OpReplace, []byte("watched"), []byte("v1"), 1)
	st.Ref() // keep it alive past the mem teardown
	te.sched.Write(lsm, st)
	require.NoError(t, te.sched.Dump())

	te.write(lsm, "watched", 2)
	require.NoError(t, te.sched.Dump())

	waitFor(t, func() bool {
		counts := te.sliceCounts(lsm)
		return len(counts) == 1 && counts[0] == 1
	}, "compaction never ran")

	// The mem reference was dropped by the dump; only ours remains.
	require.EqualValues(t, 1, st.Refs())
}

func TestOrphanRunDetectedAfterDiscardFailure(t *testing.T) {
	te := newTestEnv(t)
	lsm := te.newLSM(t, 512, 0, nil)
	te.write(lsm, "a", 1)

	te.sched.ErrInj().RunWrite.Store(true)
	te.sched.ErrInj().RunDiscard.Store(true)
	te.sched.ErrInj().SchedTimeoutNs.Store(int64(5 * time.Millisecond))

	te.sched.TriggerDump()
	waitFor(t, func() bool { return te.sched.Stats().TasksFailed >= 1 }, "task never failed")

	// The drop_run record was suppressed: recovery must report the
	// prepared run as an orphan so its file can be deleted.
	waitFor(t, func() bool { return len(te.log.Orphans()) >= 1 }, "orphan not detected")

	te.sched.ErrInj().RunWrite.Store(false)
	te.sched.ErrInj().RunDiscard.Store(false)
	waitFor(t, func() bool { return !te.sched.DumpInProgress() }, "dump never recovered")
}

func TestRunFilesRemovedOnlyWhenUnreferenced(t *testing.T) {
	te := newTestEnv(t)
	lsm := te.newLSM(t, 512, 0, nil)

	dumpKeys(t, te, lsm, 10, 1)

	// Pretend a checkpoint was taken at a signature above every LSN
	// this test writes, so it references all runs, later ones too.
	te.log.Rotate(1 << 40)

	dumpKeys(t, te, lsm, 10, 101)
	dumpKeys(t, te, lsm, 10, 201)

	waitFor(t, func() bool {
		counts := te.sliceCounts(lsm)
		return len(counts) == 1 && counts[0] == 1
	}, "compaction never ran")

	// All inputs were dropped, but none forgotten: their dump LSNs are
	// below the checkpoint signature, so the files must stay.
	require.Equal(t, 3, te.log.CountByType(vylog.RecordDropRun))
	require.Equal(t, 0, te.log.CountByType(vylog.RecordForgetRun))
	require.Len(t, runFiles(t, te.dir), 4)
	for _, f := range runFiles(t, te.dir) {
		_, err := os.Stat(f)
		require.NoError(t, err)
	}
}
