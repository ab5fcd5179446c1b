package groove

import "fmt"

// dumpOps implements the dump task: flushing every sealed in-memory
// tree of the current dump generation into one new run.
type dumpOps struct{}

func (dumpOps) execute(t *Task) error {
	return t.writeRun()
}

func (dumpOps) complete(t *Task) error {
	s := t.sched
	lsm := t.lsm
	newRun := t.newRun
	dumpLSN := newRun.dumpLSN

	if !lsm.isDumping {
		panic(fmt.Sprintf("%s: dump completion without dump in progress", lsm.name()))
	}

	if newRun.isEmpty() {
		// Everything eligible for dump was overwritten or was a
		// tombstone at the last level. The dump itself must still be
		// journaled so recovery knows the memory level is gone.
		tx := s.log.Begin()
		tx.DumpLSM(lsm.id, dumpLSN)
		if err := tx.Commit(); err != nil {
			return err
		}
		s.discardRun(newRun)
	} else {
		// Split the new run into per-range slices.
		lo, hi := lsm.rangesIntersecting(newRun.info.MinKey, newRun.info.MaxKey)
		slices := make([]*Slice, 0, hi-lo+1)
		tx := s.log.Begin()
		tx.CreateRun(lsm.id, newRun.id, dumpLSN)
		for i := lo; i <= hi; i++ {
			rng := lsm.ranges[i]
			sl := newSlice(s.log.NextID(), newRun, rng.begin, rng.end)
			slices = append(slices, sl)
			tx.InsertSlice(rng.id, newRun.id, sl.id, sl.begin, sl.end)
		}
		tx.DumpLSM(lsm.id, dumpLSN)
		if err := tx.Commit(); err != nil {
			for _, sl := range slices {
				sl.drop()
			}
			return err
		}

		lsm.addRun(newRun)
		newRun.unref()

		// Attach the slices to their ranges. Nothing below may block:
		// a reader observing some ranges with the new slice and some
		// without would see the same statement twice, in memory and on
		// disk.
		for i := lo; i <= hi; i++ {
			rng := lsm.ranges[i]
			lsm.unacctRange(rng)
			rng.addSlice(slices[i-lo])
			rng.updateCompactPriority(lsm.runCountPerLevel)
			lsm.acctRange(rng)
			if rng.heapPos != heapSentinel {
				lsm.rangeHeap.update(rng)
			}
			rng.version++
		}
	}

	// Delete the dumped in-memory trees.
	dumpIn := 0
	for _, mem := range append([]*memTree(nil), lsm.sealed...) {
		if mem.generation > s.dumpGeneration {
			continue
		}
		dumpIn += mem.count()
		lsm.deleteMem(mem)
	}
	if dumpLSN > lsm.dumpLSN {
		lsm.dumpLSN = dumpLSN
	}
	lsm.acctDump(dumpIn, newRun.info.Count)

	t.wi.Close()

	lsm.isDumping = false
	s.updateLSM(lsm)

	if lsm.indexID != 0 {
		s.unpinLSM(lsm.pk)
	}

	if s.dumpTaskCount <= 0 {
		panic("dump task count underflow")
	}
	s.dumpTaskCount--

	s.logger.Printf("%s: dump completed", lsm.name())

	s.completeDump()
	return nil
}

func (dumpOps) abort(t *Task) {
	s := t.sched
	lsm := t.lsm

	if !lsm.isDumping {
		panic(fmt.Sprintf("%s: dump abort without dump in progress", lsm.name()))
	}

	t.wi.Close()

	// No use alerting the user if the tree was dropped under the task.
	if !lsm.isDropped {
		_, err := t.failedErr()
		s.logger.Printf("%s: dump failed: %v", lsm.name(), err)
	}

	s.discardRun(t.newRun)

	lsm.isDumping = false
	s.updateLSM(lsm)

	if lsm.indexID != 0 {
		s.unpinLSM(lsm.pk)
	}

	if s.dumpTaskCount <= 0 {
		panic("dump task count underflow")
	}
	s.dumpTaskCount--

	// A dropped tree may have been the last one of the round; without
	// this poke the round would never be declared complete and the
	// memory level would never be released.
	s.completeDump()
}

// newDumpTask prepares a dump of lsm at the current dump generation.
// Returns (nil, nil) when the tree turned out to have nothing to dump,
// in which case the scheduler should pick another tree.
func (s *Scheduler) newDumpTask(w *worker, lsm *LSM) (*Task, error) {
	if lsm.isDropped || lsm.isDumping || lsm.pinCount != 0 {
		panic(fmt.Sprintf("%s: dump task preconditions violated", lsm.name()))
	}
	if lsm.generation() != s.dumpGeneration || s.dumpGeneration >= s.generation {
		panic(fmt.Sprintf("%s: dump task scheduled outside its round", lsm.name()))
	}

	if int32(lsm.indexID) == s.errinj.DumpIndexID.Load() {
		return nil, fmt.Errorf("%w: index dump", errInjected)
	}

	// Rotate the active tree if it belongs to the round being dumped.
	if lsm.mem.generation == s.dumpGeneration {
		lsm.rotateMem(s.generation)
	}

	// Wait until writers are done with the eligible trees; drop the
	// empty ones right away, they need no worker.
	dumpLSN := int64(noDumpLSN)
	for _, mem := range append([]*memTree(nil), lsm.sealed...) {
		if mem.generation > s.dumpGeneration {
			continue
		}
		s.waitMemPinned(mem)
		if mem.count() == 0 {
			lsm.deleteMem(mem)
			continue
		}
		if mem.dumpLSN > dumpLSN {
			dumpLSN = mem.dumpLSN
		}
	}

	if dumpLSN == noDumpLSN {
		// Nothing to dump this round. Journal the vacuous dump so the
		// tree's dump record still moves with the round, and let the
		// scheduler pick another tree.
		tx := s.log.Begin()
		tx.DumpLSM(lsm.id, noDumpLSN)
		tx.TryCommit()
		s.updateLSM(lsm)
		s.completeDump()
		return nil, nil
	}

	task := newTask(s, w, lsm, dumpOps{})

	newRun, err := s.prepareRun(lsm)
	if err != nil {
		task.release()
		return nil, err
	}
	newRun.dumpLSN = dumpLSN

	// Deferred DELETEs are generated on commit when the overwritten
	// tuple is found in memory, so a dump never produces them and no
	// handler is attached.
	isLastLevel := lsm.runCount == 0
	wi := newWriteIterator(task.cmpDef, lsm.indexID == 0, isLastLevel, s.readViews, nil)
	for _, mem := range lsm.sealed {
		if mem.generation > s.dumpGeneration {
			continue
		}
		wi.addMem(mem)
	}

	task.newRun = newRun
	task.wi = wi

	lsm.isDumping = true
	s.updateLSM(lsm)

	if lsm.indexID != 0 {
		// The primary must be dumped after every secondary index of
		// the space; pin it so the scheduler cannot pick it until this
		// dump finishes.
		s.pinLSM(lsm.pk)
	}

	s.dumpTaskCount++

	s.logger.Printf("%s: dump started", lsm.name())
	return task, nil
}
