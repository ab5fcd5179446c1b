package groove

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/miretskiy/groove/vylog"
)

// Throttle back-off bounds after a failed task.
const (
	schedTimeoutMin = 1 * time.Second
	schedTimeoutMax = 60 * time.Second
)

// Env carries the scheduler's external collaborators.
type Env struct {
	// Dir is where run files are written.
	Dir string
	// Log is the metadata log. A fresh in-memory log is used if nil.
	Log *vylog.Log
	// DML publishes deferred DELETE batches to the _deferred_delete
	// space. Batches are dropped if nil.
	DML DeferredDeleteDML
	// ReadViews returns the LSNs of open read views the write iterator
	// must preserve. May be nil.
	ReadViews func() []int64
	// DumpCompleteCB is invoked when a dump round finishes, with the
	// generation the round dumped and its duration. Called with the
	// scheduler locked; it must not call back into the scheduler.
	DumpCompleteCB func(generation int64, duration time.Duration)
	// Logger defaults to the standard logger.
	Logger *log.Logger
}

// nopDML drops deferred DELETE batches.
type nopDML struct{}

func (nopDML) Replay([]DeferredDelete) error { return nil }

// Scheduler orchestrates background dump and compaction tasks over a
// pool of workers while the tx side keeps serving foreground writes.
// All mutable state, including every LSM tree it manages, is guarded by
// mu; worker threads communicate with tx exclusively through the
// processed-task and deferred-batch queues.
type Scheduler struct {
	mu            sync.Mutex
	schedulerCond *sync.Cond
	dumpCond      *sync.Cond
	pinCond       *sync.Cond

	cfg    Config
	runDir string
	log    *vylog.Log
	dml    DeferredDeleteDML
	logger *log.Logger
	errinj *ErrInj

	readViews      func() []int64
	dumpCompleteCB func(generation int64, duration time.Duration)

	// generation is the current dump round number; dumpGeneration is
	// the oldest round with data still in memory. A dump round is in
	// progress iff dumpGeneration < generation.
	generation     int64
	dumpGeneration int64

	dumpTaskCount        int
	dumpStart            time.Time
	checkpointInProgress bool
	// dumpPending remembers a dump triggered while a checkpoint held
	// it off; honored at end of checkpoint.
	dumpPending bool

	isThrottled bool
	timeout     time.Duration
	// lastErr is the diagnostic slot holding the last fatal task
	// error; reported to checkpoint and dump callers while throttled.
	lastErr error

	processedTasks  []*Task
	deferredBatches []*deferredBatch

	dumpHeap    dumpHeap
	compactHeap compactHeap

	dumpPool    *workerPool
	compactPool *workerPool

	stats Stats

	stopCh   chan struct{}
	stopped  bool
	loopDone chan struct{}
}

// NewScheduler creates a scheduler. Worker threads are split between a
// dump pool of max(1, writeThreads/4) and a compaction pool holding the
// rest: dumps must never be starved by long compactions, since a
// stalled dump stalls foreground writes waiting on memory quota.
func NewScheduler(cfg Config, env Env) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		cfg:            cfg,
		runDir:         env.Dir,
		log:            env.Log,
		dml:            env.DML,
		logger:         env.Logger,
		errinj:         newErrInj(),
		readViews:      env.ReadViews,
		dumpCompleteCB: env.DumpCompleteCB,
		stopCh:         make(chan struct{}),
		loopDone:       make(chan struct{}),
	}
	if s.log == nil {
		s.log = vylog.New()
	}
	if s.dml == nil {
		s.dml = nopDML{}
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	s.schedulerCond = sync.NewCond(&s.mu)
	s.dumpCond = sync.NewCond(&s.mu)
	s.pinCond = sync.NewCond(&s.mu)

	dumpThreads := cfg.WriteThreads / 4
	if dumpThreads < 1 {
		dumpThreads = 1
	}
	s.dumpPool = newWorkerPool("dump", dumpThreads)
	s.compactPool = newWorkerPool("compact", cfg.WriteThreads-dumpThreads)
	return s, nil
}

// ErrInj returns the scheduler's fault-insertion switches.
func (s *Scheduler) ErrInj() *ErrInj { return s.errinj }

// MetaLog returns the metadata log.
func (s *Scheduler) MetaLog() *vylog.Log { return s.log }

// Start launches the scheduler loop.
func (s *Scheduler) Start() {
	go s.loop()
}

// Close stops the scheduler loop, cancels running tasks and joins the
// worker pools.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.schedulerCond.Broadcast()
	s.dumpCond.Broadcast()
	s.mu.Unlock()
	<-s.loopDone

	// Free deferred batches the loop never got to, so task fibers
	// waiting on the in-flight cap can observe shutdown and finish.
	s.mu.Lock()
	batches := s.deferredBatches
	s.deferredBatches = nil
	s.mu.Unlock()
	for _, b := range batches {
		b.task.worker.ch <- workerMsg{batch: b}
	}

	s.dumpPool.destroy()
	s.compactPool.destroy()
}

// AddLSM registers an LSM tree with both scheduling heaps.
func (s *Scheduler) AddLSM(lsm *LSM) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lsm.dumpPos != heapSentinel || lsm.compactPos != heapSentinel {
		panic(fmt.Sprintf("%s: already scheduled", lsm.name()))
	}
	// A tree created mid-flight has seen none of the past rounds.
	if lsm.mem.count() == 0 && len(lsm.sealed) == 0 {
		lsm.mem.generation = s.generation
	}
	s.dumpHeap.insert(lsm)
	s.compactHeap.insert(lsm)
}

// RemoveLSM drops an LSM tree from scheduling. In-flight tasks for the
// tree are aborted silently when they complete.
func (s *Scheduler) RemoveLSM(lsm *LSM) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lsm.dumpPos == heapSentinel || lsm.compactPos == heapSentinel {
		panic(fmt.Sprintf("%s: not scheduled", lsm.name()))
	}
	lsm.isDropped = true
	s.dumpHeap.delete(lsm)
	s.compactHeap.delete(lsm)
}

// Write inserts a statement into the tree's active in-memory tree,
// rotating it first if it predates the current generation.
func (s *Scheduler) Write(lsm *LSM, st *Statement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lsm.mem.generation < s.generation {
		lsm.rotateMem(s.generation)
	}
	lsm.insert(st)
}

// updateLSM repositions a tree in both heaps after its state changed.
func (s *Scheduler) updateLSM(lsm *LSM) {
	if lsm.isDropped {
		if lsm.dumpPos != heapSentinel || lsm.compactPos != heapSentinel {
			panic(fmt.Sprintf("%s: dropped tree still scheduled", lsm.name()))
		}
		return
	}
	s.dumpHeap.update(lsm)
	s.compactHeap.update(lsm)
}

// pinLSM holds a tree back from dump scheduling.
func (s *Scheduler) pinLSM(lsm *LSM) {
	if lsm.isDumping {
		panic(fmt.Sprintf("%s: pinning a dumping tree", lsm.name()))
	}
	lsm.pinCount++
	if lsm.pinCount == 1 {
		s.updateLSM(lsm)
	}
}

func (s *Scheduler) unpinLSM(lsm *LSM) {
	if lsm.isDumping || lsm.pinCount <= 0 {
		panic(fmt.Sprintf("%s: bad unpin", lsm.name()))
	}
	lsm.pinCount--
	if lsm.pinCount == 0 {
		s.updateLSM(lsm)
	}
}

func (s *Scheduler) pinMem(mem *memTree)   { mem.pins++ }
func (s *Scheduler) unpinMem(mem *memTree) { mem.pins--; s.pinCond.Broadcast() }

// waitMemPinned blocks until every writer that started before the tree
// was sealed has finished.
func (s *Scheduler) waitMemPinned(mem *memTree) {
	for mem.pins > 0 {
		s.pinCond.Wait()
	}
}

func (s *Scheduler) waitSlicePinned(sl *Slice) {
	for sl.pins > 0 {
		s.pinCond.Wait()
	}
}

// DumpInProgress reports whether a dump round is running.
func (s *Scheduler) DumpInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dumpInProgressLocked()
}

func (s *Scheduler) dumpInProgressLocked() bool {
	return s.dumpGeneration < s.generation
}

// TriggerDump starts a new dump round unless one is already running. If
// a checkpoint is active the dump is postponed until the checkpoint
// ends: statements inserted after WAL rotation must not reach the
// snapshot.
func (s *Scheduler) TriggerDump() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggerDumpLocked()
}

func (s *Scheduler) triggerDumpLocked() {
	if s.dumpInProgressLocked() {
		return
	}
	if s.checkpointInProgress {
		s.dumpPending = true
		return
	}
	s.dumpStart = time.Now()
	s.generation++
	s.dumpPending = false
	s.schedulerCond.Signal()
}

// Dump triggers a dump round and blocks until it completes. Returns the
// scheduler's cached error if the round fails and the scheduler starts
// throttling.
func (s *Scheduler) Dump() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A dump must not start while a checkpoint is in progress.
	for s.checkpointInProgress {
		s.dumpCond.Wait()
	}

	if !s.dumpInProgressLocked() {
		s.dumpStart = time.Now()
	}
	s.generation++
	s.schedulerCond.Signal()

	for s.dumpInProgressLocked() {
		if s.isThrottled {
			return s.lastErr
		}
		if s.stopped {
			return ErrShutdown
		}
		s.dumpCond.Wait()
	}
	return nil
}

// ForceCompaction makes every range of the tree eligible for compaction
// and wakes the scheduler.
func (s *Scheduler) ForceCompaction(lsm *LSM) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lsm.forceCompaction()
	s.updateLSM(lsm)
	s.schedulerCond.Signal()
}

// BeginCheckpoint opens a new dump round for the checkpoint. It fails
// immediately with the cached error if the scheduler is throttled:
// waiting out the back-off could take up to a minute.
func (s *Scheduler) BeginCheckpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkpointInProgress {
		panic("checkpoint already in progress")
	}
	if s.isThrottled {
		s.logger.Printf("cannot checkpoint, scheduler is throttled with: %v", s.lastErr)
		return s.lastErr
	}
	if !s.dumpInProgressLocked() {
		s.dumpStart = time.Now()
	}
	s.generation++
	s.checkpointInProgress = true
	s.schedulerCond.Signal()
	s.logger.Printf("checkpoint started")
	return nil
}

// WaitCheckpoint blocks until every in-memory tree created before the
// checkpoint began has been dumped.
func (s *Scheduler) WaitCheckpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.checkpointInProgress {
		return nil
	}
	for s.dumpInProgressLocked() {
		if s.isThrottled {
			s.logger.Printf("checkpoint failed: %v", s.lastErr)
			return s.lastErr
		}
		if s.stopped {
			return ErrShutdown
		}
		s.dumpCond.Wait()
	}
	s.logger.Printf("checkpoint completed")
	return nil
}

// EndCheckpoint closes the checkpoint and starts the dump round that
// was postponed by it, if any.
func (s *Scheduler) EndCheckpoint() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.checkpointInProgress {
		return
	}
	s.checkpointInProgress = false
	s.dumpCond.Broadcast()
	if s.dumpPending {
		s.triggerDumpLocked()
	}
}

// completeDump checks whether the current dump round is over: no dump
// task in flight and no tree left whose oldest data belongs to the
// round. If so, it advances dumpGeneration and notifies waiters.
func (s *Scheduler) completeDump() {
	if !s.dumpInProgressLocked() {
		return
	}
	if s.dumpTaskCount > 0 {
		return
	}
	minGeneration := s.generation
	if top := s.dumpHeap.top(); top != nil {
		minGeneration = top.generation()
	}
	if minGeneration == s.dumpGeneration {
		// Some tree still has data of the current round.
		return
	}

	now := time.Now()
	duration := now.Sub(s.dumpStart)
	s.dumpStart = now
	s.dumpGeneration = minGeneration
	s.stats.DumpRounds++
	s.stats.LastDumpDuration = duration
	if s.dumpCompleteCB != nil {
		s.dumpCompleteCB(minGeneration-1, duration)
	}
	s.dumpCond.Broadcast()
}

// prepareRun allocates a run id and journals the intent to write it, so
// an interrupted run can be found and deleted after a crash.
func (s *Scheduler) prepareRun(lsm *LSM) (*Run, error) {
	id := s.log.NextID()
	run := &Run{id: id, dumpLSN: noDumpLSN, path: runPath(s.runDir, lsm, id), refs: 1}
	tx := s.log.Begin()
	tx.PrepareRun(lsm.id, id)
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return run, nil
}

// discardRun drops an unused run: the file is removed and a drop_run
// record journaled. On a journal error the record stays buffered; if it
// never reaches disk, recovery deletes the orphaned file instead.
func (s *Scheduler) discardRun(run *Run) {
	run.unref()

	if s.errinj.RunDiscard.Load() {
		s.logger.Printf("error injection: run %d not discarded", run.id)
		return
	}

	run.removeFiles()
	tx := s.log.Begin()
	// The run was never referenced by a checkpoint, gc_lsn 0.
	tx.DropRun(run.id, 0)
	tx.TryCommit()
}

// enqueueProcessed ships an executed task back to tx. Called from the
// task fiber; completions of one worker stay in order.
func (s *Scheduler) enqueueProcessed(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processedTasks = append(s.processedTasks, t)
	s.schedulerCond.Signal()
}

// enqueueDeferred ships a deferred DELETE batch to tx.
func (s *Scheduler) enqueueDeferred(b *deferredBatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deferredBatches = append(s.deferredBatches, b)
	s.schedulerCond.Signal()
}

// completeTask finishes a processed task on tx. Returns false if the
// task failed.
func (s *Scheduler) completeTask(t *Task) bool {
	if t.lsm.isDropped {
		// Not an error: abort silently without alerting.
		t.ops.abort(t)
		return true
	}
	if failed, err := t.failedErr(); failed {
		t.ops.abort(t)
		s.lastErr = err
		return false
	}
	if s.errinj.TaskComplete.Load() {
		t.setFailed(fmt.Errorf("%w: task completion", errInjected))
		t.ops.abort(t)
		_, s.lastErr = t.failedErr()
		return false
	}
	if err := t.ops.complete(t); err != nil {
		t.setFailed(err)
		t.ops.abort(t)
		s.lastErr = err
		return false
	}
	return true
}

// peekDump builds a dump task for the most urgent tree of the current
// round, or returns nil if there is no round, no eligible tree, or no
// idle dump worker.
func (s *Scheduler) peekDump() (*Task, error) {
	var w *worker
	putBack := func() {
		if w != nil {
			s.dumpPool.put(w)
		}
	}
	for {
		if !s.dumpInProgressLocked() {
			putBack()
			return nil, nil
		}
		top := s.dumpHeap.top()
		if top == nil {
			// No trees at all: the round is trivially over.
			s.completeDump()
			putBack()
			return nil, nil
		}
		if top.isDumping || top.pinCount > 0 || top.generation() != s.dumpGeneration {
			// Every tree of the round is already being dumped; wait
			// for the round to finish.
			putBack()
			return nil, nil
		}
		if w == nil {
			if w = s.dumpPool.get(); w == nil {
				return nil, nil // all dump workers are busy
			}
		}
		task, err := s.newDumpTask(w, top)
		if err != nil {
			putBack()
			return nil, err
		}
		if task != nil {
			return task, nil
		}
		// The tree had only empty trees to dump; try the next one.
	}
}

// peekCompact builds a compaction task for the tree whose compaction
// pays off most, or returns nil when nothing reaches the priority bar
// or no idle compaction worker is left.
func (s *Scheduler) peekCompact() (*Task, error) {
	var w *worker
	putBack := func() {
		if w != nil {
			s.compactPool.put(w)
		}
	}
	for {
		top := s.compactHeap.top()
		if top == nil || top.compactPriority() <= 1 {
			putBack()
			return nil, nil
		}
		if w == nil {
			if w = s.compactPool.get(); w == nil {
				return nil, nil // all compaction workers are busy
			}
		}
		task, err := s.newCompactTask(w, top)
		if err != nil {
			putBack()
			return nil, err
		}
		if task != nil {
			return task, nil
		}
		// Range was split or coalesced; selection must be redone.
	}
}

// schedule picks the next task: dumps always go first.
func (s *Scheduler) schedule() (*Task, error) {
	if task, err := s.peekDump(); task != nil || err != nil {
		return task, err
	}
	return s.peekCompact()
}

// loop is the scheduler fiber: it drains deferred DELETE batches and
// completed tasks, dispatches new work, and throttles after failures.
func (s *Scheduler) loop() {
	s.mu.Lock()
	defer func() {
		close(s.loopDone)
		s.mu.Unlock()
	}()

	for !s.stopped {
		// Deferred DELETE batches jump the queue: a compaction fiber
		// may be suspended waiting for one to come back.
		if len(s.deferredBatches) > 0 {
			batches := s.deferredBatches
			s.deferredBatches = nil
			for _, b := range batches {
				s.processDeferredBatch(b)
				b.task.worker.ch <- workerMsg{batch: b}
			}
			continue
		}

		if len(s.processedTasks) > 0 {
			tasks := s.processedTasks
			s.processedTasks = nil
			done, failed := 0, 0
			for _, t := range tasks {
				if s.completeTask(t) {
					done++
				} else {
					failed++
				}
				if t.deferredMaxSeen > s.stats.DeferredMaxInFlight {
					s.stats.DeferredMaxInFlight = t.deferredMaxSeen
				}
				t.worker.pool.put(t.worker)
				t.release()
			}
			s.stats.TasksCompleted += done
			s.stats.TasksFailed += failed
			if done > 0 {
				// Completion may have unblocked more work; reset the
				// back-off and recheck the queues before waiting.
				s.timeout = 0
				continue
			}
			if failed > 0 {
				s.throttle()
			}
			continue
		}

		task, err := s.schedule()
		if err != nil {
			s.lastErr = err
			s.throttle()
			continue
		}
		if task == nil {
			s.schedulerCond.Wait()
			continue
		}
		task.worker.ch <- workerMsg{task: task}
	}
}

// throttle backs off exponentially after a task failure: the next task
// is likely to fail the same way, be it disk or memory.
func (s *Scheduler) throttle() {
	s.timeout *= 2
	if s.timeout < schedTimeoutMin {
		s.timeout = schedTimeoutMin
	}
	if s.timeout > schedTimeoutMax {
		s.timeout = schedTimeoutMax
	}
	sleep := s.timeout
	if d, ok := s.errinj.schedTimeout(); ok {
		sleep = d
	}
	s.logger.Printf("throttling scheduler for %v", s.timeout)
	s.isThrottled = true
	s.stats.Throttles++
	// Wake dump and checkpoint waiters so they can fail fast with the
	// cached error instead of sitting out the back-off.
	s.dumpCond.Broadcast()

	s.mu.Unlock()
	select {
	case <-time.After(sleep):
	case <-s.stopCh:
	}
	s.mu.Lock()
	s.isThrottled = false
}
