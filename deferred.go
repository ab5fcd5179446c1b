package groove

import "context"

const (
	// deferredBatchMax is the max number of statements shipped to tx in
	// one batch.
	deferredBatchMax = 100
	// deferredMaxInFlight bounds the batches a task may have pending on
	// tx. The task fiber suspends when the cap is reached, which keeps
	// memory consumption of a long compaction bounded.
	deferredMaxInFlight = 10
)

// DeferredDelete is one deferred DELETE as published to the
// _deferred_delete system space: a REPLACE with the space id, the LSN
// of the overwriting statement and the surrogate DELETE of the old
// tuple. The on-replace trigger of that space propagates the DELETE to
// the secondary indexes through the normal write path, so it reaches
// the WAL even if the compaction output is lost.
type DeferredDelete struct {
	SpaceID uint32
	LSN     int64
	Delete  *Statement
}

// DeferredDeleteDML is the tx-side sink for deferred DELETE batches.
// Replay must apply the whole batch atomically.
type DeferredDeleteDML interface {
	Replay(recs []DeferredDelete) error
}

// deferredStmt is an {old, new} pair accumulated during primary-index
// compaction.
type deferredStmt struct {
	old *Statement
	new *Statement
}

// deferredBatch is a bounded batch of deferred DELETEs travelling
// worker -> tx -> worker. The batch holds a plain task handle, not an
// ownership edge; the task tracks the number of outstanding batches and
// stays alive until all of them have returned.
type deferredBatch struct {
	task  *Task
	stmts []deferredStmt

	// Set by tx if batch processing failed.
	failed bool
	err    error
}

// taskDeferredHandler adapts a task to the write iterator's deferred
// DELETE handler interface. All methods run on the task fiber.
type taskDeferredHandler struct {
	t *Task
}

// Process appends an overwritten-tuple pair to the current batch,
// allocating one on demand. A full batch is flushed to tx; if too many
// batches are already in flight the task fiber suspends until tx
// acknowledges one.
func (h taskDeferredHandler) Process(old, new *Statement) error {
	t := h.t

	t.batchMu.Lock()
	for t.deferredInFlight >= deferredMaxInFlight && t.ctx.Err() == nil {
		t.batchCond.Wait()
	}
	if err := context.Cause(t.ctx); err != nil {
		t.batchMu.Unlock()
		return err
	}
	batch := t.deferredBatch
	if batch == nil {
		batch = &deferredBatch{task: t}
		t.deferredBatch = batch
	}
	old.Ref()
	new.Ref()
	batch.stmts = append(batch.stmts, deferredStmt{old: old, new: new})
	full := len(batch.stmts) == deferredBatchMax
	t.batchMu.Unlock()

	if full {
		t.flushDeferred()
	}
	return nil
}

// Destroy flushes the partial batch and waits until every in-flight
// batch has been freed. Called when the write iterator stops.
func (h taskDeferredHandler) Destroy() error {
	t := h.t
	t.flushDeferred()
	t.batchMu.Lock()
	for t.deferredInFlight > 0 && context.Cause(t.ctx) != ErrShutdown {
		t.batchCond.Wait()
	}
	t.batchMu.Unlock()
	return context.Cause(t.ctx)
}

// flushDeferred ships the current batch to tx on the deferred-DELETE
// route.
func (t *Task) flushDeferred() {
	t.batchMu.Lock()
	batch := t.deferredBatch
	if batch == nil {
		t.batchMu.Unlock()
		return
	}
	t.deferredBatch = nil
	t.deferredInFlight++
	if t.deferredInFlight > t.deferredMaxSeen {
		t.deferredMaxSeen = t.deferredInFlight
	}
	t.batchMu.Unlock()

	t.sched.enqueueDeferred(batch)
}

// processDeferredBatch runs on tx. It encodes each pair as a REPLACE
// into the _deferred_delete space and commits them in one transaction.
// If the primary LSM tree was dropped meanwhile the batch succeeds
// silently; the statements are still released by the worker-side free
// hop.
func (s *Scheduler) processDeferredBatch(batch *deferredBatch) {
	task := batch.task
	pk := task.lsm
	if pk.isDropped {
		return
	}
	recs := make([]DeferredDelete, 0, len(batch.stmts))
	for _, ds := range batch.stmts {
		recs = append(recs, DeferredDelete{
			SpaceID: pk.spaceID,
			LSN:     ds.new.LSN,
			Delete:  surrogateDelete(ds.old, ds.new.LSN),
		})
	}
	if err := s.dml.Replay(recs); err != nil {
		batch.failed = true
		batch.err = err
	}
}

// freeDeferredBatch runs on the worker that produced the batch.
// Statement references must be released on the thread that acquired
// them. If tx failed to process the batch the task fiber is cancelled.
func (w *worker) freeDeferredBatch(batch *deferredBatch) {
	task := batch.task
	for _, ds := range batch.stmts {
		ds.old.Unref()
		ds.new.Unref()
	}

	task.batchMu.Lock()
	if batch.failed && !task.failed {
		task.failed = true
		task.err = batch.err
		task.cancel(batch.err)
	}
	task.deferredInFlight--
	task.batchCond.Broadcast()
	task.batchMu.Unlock()
}
