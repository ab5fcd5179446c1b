package groove

import "fmt"

// compactOps implements the compaction task: merging the top
// compact_priority slices of one range into a single new run and
// retiring the inputs.
type compactOps struct{}

func (compactOps) execute(t *Task) error {
	return t.writeRun()
}

func (compactOps) complete(t *Task) error {
	s := t.sched
	lsm := t.lsm
	rng := t.rng
	newRun := t.newRun

	first := rng.sliceIndex(t.firstSlice)
	last := rng.sliceIndex(t.lastSlice)
	if first < 0 || last < first {
		panic(fmt.Sprintf("%s: compacted slices vanished from %s", lsm.name(), rng))
	}
	compacted := rng.slices[first : last+1]

	// If the new run is empty no slice is inserted, but the compacted
	// runs still have to be deleted.
	var newSl *Slice
	if !newRun.isEmpty() {
		newSl = newSlice(s.log.NextID(), newRun, rng.begin, rng.end)
	}

	// Find the runs whose every slice participated in this compaction:
	// they are garbage once the inputs are detached.
	var unusedRuns []*Run
	for _, sl := range compacted {
		sl.run.compactedSliceCount++
	}
	for _, sl := range compacted {
		run := sl.run
		if run.compactedSliceCount == run.sliceCount {
			unusedRuns = append(unusedRuns, run)
		}
		run.compactedSliceCount = 0
	}

	tx := s.log.Begin()
	for _, sl := range compacted {
		tx.DeleteSlice(sl.id)
	}
	gcLSN := s.log.Signature()
	for _, run := range unusedRuns {
		tx.DropRun(run.id, gcLSN)
	}
	if newSl != nil {
		tx.CreateRun(lsm.id, newRun.id, newRun.dumpLSN)
		tx.InsertSlice(rng.id, newRun.id, newSl.id, newSl.begin, newSl.end)
	}
	if err := tx.Commit(); err != nil {
		if newSl != nil {
			newSl.drop()
		}
		return err
	}

	// Compacted runs created after the last checkpoint are referenced
	// by nothing; remove their files right away to save disk space. A
	// crash between the removal and the forget_run record is tolerated.
	tx = s.log.Begin()
	for _, run := range unusedRuns {
		if run.dumpLSN > gcLSN && run.removeFiles() == nil {
			tx.ForgetRun(run.id)
		}
	}
	tx.TryCommit()

	if newSl != nil {
		lsm.addRun(newRun)
		newRun.unref()
	} else {
		s.discardRun(newRun)
	}

	// Replace the compacted slices with the new one at the same list
	// position: a concurrent dump may have prepended newer slices
	// above them while the compaction was running.
	lsm.unacctRange(rng)
	compactIn := 0
	for _, sl := range compacted {
		compactIn += sl.run.info.Count
	}
	removed := make([]*Slice, len(compacted))
	copy(removed, compacted)
	rng.slices = append(rng.slices[:first], rng.slices[last+1:]...)
	if newSl != nil {
		rng.addSliceBefore(newSl, first)
	}
	for _, sl := range removed {
		sl.drop()
	}
	rng.nCompactions++
	rng.version++
	rng.updateCompactPriority(lsm.runCountPerLevel)
	lsm.acctRange(rng)
	lsm.acctCompaction(compactIn, newRun.info.Count)

	for _, run := range unusedRuns {
		lsm.removeRun(run)
	}
	for _, sl := range removed {
		s.waitSlicePinned(sl)
	}

	t.wi.Close()

	if rng.heapPos != heapSentinel {
		panic(fmt.Sprintf("%s: compacted %s still in range heap", lsm.name(), rng))
	}
	lsm.rangeHeap.insert(rng)
	s.updateLSM(lsm)

	s.logger.Printf("%s: completed compacting %s", lsm.name(), rng)
	return nil
}

func (compactOps) abort(t *Task) {
	s := t.sched
	lsm := t.lsm
	rng := t.rng

	t.wi.Close()

	if !lsm.isDropped {
		_, err := t.failedErr()
		s.logger.Printf("%s: failed to compact %s: %v", lsm.name(), rng, err)
	}

	s.discardRun(t.newRun)

	if rng.heapPos != heapSentinel {
		panic(fmt.Sprintf("%s: aborted %s still in range heap", lsm.name(), rng))
	}
	lsm.rangeHeap.insert(rng)
	s.updateLSM(lsm)
}

// newCompactTask prepares a compaction of the most compactable range of
// lsm. Returns (nil, nil) if the range was split or coalesced first, in
// which case the scheduler should retry selection.
func (s *Scheduler) newCompactTask(w *worker, lsm *LSM) (*Task, error) {
	if lsm.isDropped {
		panic(fmt.Sprintf("%s: compacting a dropped tree", lsm.name()))
	}

	rng := lsm.rangeHeap.top()
	if rng == nil {
		return nil, nil
	}
	if rng.compactPriority <= 1 {
		panic(fmt.Sprintf("%s: compacting %s with nothing to merge", lsm.name(), rng))
	}

	if lsm.splitRange(s.log, rng) || lsm.coalesceRange(rng) {
		s.updateLSM(lsm)
		return nil, nil
	}

	task := newTask(s, w, lsm, compactOps{})
	task.rng = rng

	newRun, err := s.prepareRun(lsm)
	if err != nil {
		task.release()
		return nil, err
	}

	// Merge the newest compactPriority slices. If every slice of the
	// range participates there is nothing below the output: committed
	// tombstones can be dropped.
	isLastLevel := rng.compactPriority == rng.sliceCount()
	var handler DeferredDeleteHandler
	if lsm.indexID == 0 {
		handler = taskDeferredHandler{t: task}
	}
	wi := newWriteIterator(task.cmpDef, lsm.indexID == 0, isLastLevel, s.readViews, handler)
	for i := 0; i < rng.compactPriority; i++ {
		sl := rng.slices[i]
		wi.addSlice(sl)
		if sl.run.dumpLSN > newRun.dumpLSN {
			newRun.dumpLSN = sl.run.dumpLSN
		}
		if task.firstSlice == nil {
			task.firstSlice = sl
		}
		task.lastSlice = sl
	}
	if newRun.dumpLSN < 0 {
		panic(fmt.Sprintf("%s: compaction input has no dump LSN", lsm.name()))
	}

	rng.needsCompaction = false

	task.newRun = newRun
	task.wi = wi

	// Take the range off the heap so a second task cannot target it.
	lsm.rangeHeap.deleteAt(rng)
	s.updateLSM(lsm)

	s.logger.Printf("%s: started compacting %s, runs %d/%d",
		lsm.name(), rng, rng.compactPriority, rng.sliceCount())
	return task, nil
}
