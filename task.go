package groove

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/miretskiy/groove/runfile"
)

// taskOps is the per-kind contract of a background task.
//
// execute runs on a worker and does the heavy lifting: it drains the
// write iterator into a run file. complete runs on tx and publishes the
// result into the LSM tree and the metadata log. abort runs on tx when
// execute or complete failed and must undo the preparation; it is not
// allowed to fail itself.
type taskOps interface {
	execute(*Task) error
	complete(*Task) error
	abort(*Task)
}

// Task is one unit of background work: a dump or a compaction of a
// single LSM tree. A task owns the run it produces, its key definition
// copies and its deferred DELETE batch; it borrows the LSM tree (by
// reference count) and the worker it runs on.
type Task struct {
	sched  *Scheduler
	ops    taskOps
	lsm    *LSM
	worker *worker

	// Copies of the tree's key definitions, so a schema change on tx
	// cannot race with comparator reads on the worker.
	cmpDef *KeyDef
	keyDef *KeyDef

	// Options snapshotted from the LSM tree at task creation.
	bloomFPR float64
	pageSize int

	newRun *Run
	wi     *WriteIterator

	// Compaction only: the range and the frozen sub-list of slices
	// being merged.
	rng        *Range
	firstSlice *Slice
	lastSlice  *Slice

	// Cancellation of the task fiber. cancel carries the cause.
	ctx    context.Context
	cancel context.CancelCauseFunc

	// Deferred DELETE channel state, guarded by batchMu. failed/err
	// are also set by the execute path on the task fiber.
	batchMu          sync.Mutex
	batchCond        *sync.Cond
	deferredBatch    *deferredBatch
	deferredInFlight int
	deferredMaxSeen  int

	failed bool
	err    error

	started time.Time
}

// newTask allocates a task and pins the LSM tree so a concurrent drop
// cannot free it from under the worker.
func newTask(s *Scheduler, w *worker, lsm *LSM, ops taskOps) *Task {
	t := &Task{
		sched:    s,
		ops:      ops,
		lsm:      lsm,
		worker:   w,
		cmpDef:   lsm.cmpDef.Dup(),
		keyDef:   lsm.keyDef.Dup(),
		bloomFPR: lsm.bloomFPR,
		pageSize: lsm.pageSize,
		started:  time.Now(),
	}
	t.batchCond = sync.NewCond(&t.batchMu)
	t.ctx, t.cancel = context.WithCancelCause(context.Background())
	lsm.ref()
	return t
}

// release drops the task's borrowed references. Runs on tx after
// complete or abort.
func (t *Task) release() {
	if t.deferredBatch != nil || t.deferredInFlight != 0 {
		panic("task released with deferred batches outstanding")
	}
	t.cancel(nil)
	t.lsm.unref()
}

// setFailed captures the first error of the task fiber.
func (t *Task) setFailed(err error) {
	t.batchMu.Lock()
	if !t.failed {
		t.failed = true
		t.err = err
	}
	t.batchMu.Unlock()
}

func (t *Task) failedErr() (bool, error) {
	t.batchMu.Lock()
	defer t.batchMu.Unlock()
	return t.failed, t.err
}

// runPath returns the file name for a run of the task's LSM tree.
func runPath(dir string, lsm *LSM, runID int64) string {
	return filepath.Join(dir, fmt.Sprintf("%d_%d_%012d.run", lsm.spaceID, lsm.indexID, runID))
}

// writeRun is the shared execute body of dump and compaction: it drives
// the write iterator into a run file writer and commits it. The loop
// yields every 32 statements to keep the task fiber cooperative and
// checks for cancellation after every statement.
func (t *Task) writeRun() error {
	const yieldLoops = 32

	if t.sched.errinj.RunWrite.Load() {
		return fmt.Errorf("%w: run write", errInjected)
	}

	expected := uint(1)
	for _, src := range t.wi.sources {
		if src.mem != nil {
			expected += uint(src.mem.count())
		} else if src.slice != nil {
			expected += uint(src.slice.run.info.Count)
		}
	}

	w, err := runfile.NewWriter(t.newRun.path, t.pageSize, expected, t.bloomFPR)
	if err != nil {
		return err
	}

	if err := t.wi.Start(); err != nil {
		w.Abort()
		t.wi.Stop()
		return err
	}

	loops := 0
	for st := t.wi.Next(); st != nil; st = t.wi.Next() {
		if delay := t.sched.errinj.RunWriteStmtDelayNs.Load(); delay > 0 {
			time.Sleep(time.Duration(delay))
		}
		op := runfile.OpReplace
		if st.Op == OpDelete {
			op = runfile.OpDelete
		}
		if err := w.Append(runfile.Rec{Key: st.Key, LSN: st.LSN, Op: op, Value: st.Value}); err != nil {
			w.Abort()
			t.wi.Stop()
			return err
		}
		if loops++; loops%yieldLoops == 0 {
			runtime.Gosched()
		}
		if err := context.Cause(t.ctx); err != nil {
			w.Abort()
			t.wi.Stop()
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}
	}
	if err := t.wi.Stop(); err != nil {
		w.Abort()
		return err
	}

	info, err := w.Commit()
	if err != nil {
		return err
	}
	t.newRun.info = info
	return nil
}
