package groove

import (
	"bytes"
	"sort"

	"github.com/miretskiy/groove/runfile"
)

// DeferredDeleteHandler consumes deferred DELETE statements generated
// while the primary index is compacted. Process is called on the worker
// for every overwritten tuple; Destroy is called when the iterator
// stops and must not return before every handed-off statement has been
// processed.
type DeferredDeleteHandler interface {
	Process(old, new *Statement) error
	Destroy() error
}

// wiSource is one input of the write iterator: either a sealed
// in-memory tree or a slice of a run.
type wiSource struct {
	mem   *memTree
	slice *Slice
}

// WriteIterator merges sealed in-memory trees and run slices into a
// single sorted stream, newest version first within a key. The heavy
// part — reading slice files and merging — happens in Start, which runs
// on a worker thread.
type WriteIterator struct {
	cmp       *KeyDef
	isPrimary bool
	// isLastLevel drops committed DELETE tombstones: there is nothing
	// below the output run they could shadow.
	isLastLevel bool
	readViews   func() []int64
	handler     DeferredDeleteHandler

	sources []wiSource
	out     []*Statement
	pos     int
}

// newWriteIterator creates an empty iterator; sources are added with
// addMem and addSlice before Start.
func newWriteIterator(cmp *KeyDef, isPrimary, isLastLevel bool,
	readViews func() []int64, handler DeferredDeleteHandler) *WriteIterator {
	return &WriteIterator{
		cmp:         cmp,
		isPrimary:   isPrimary,
		isLastLevel: isLastLevel,
		readViews:   readViews,
		handler:     handler,
	}
}

func (wi *WriteIterator) addMem(mem *memTree) {
	wi.sources = append(wi.sources, wiSource{mem: mem})
}

func (wi *WriteIterator) addSlice(slice *Slice) {
	wi.sources = append(wi.sources, wiSource{slice: slice})
}

// Start loads the sources and performs the merge.
func (wi *WriteIterator) Start() error {
	var all []*Statement
	for _, src := range wi.sources {
		if src.mem != nil {
			all = append(all, src.mem.sorted()...)
			continue
		}
		stmts, err := wi.loadSlice(src.slice)
		if err != nil {
			return err
		}
		all = append(all, stmts...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		c := wi.cmp.Compare(all[i].Key, all[j].Key)
		if c != 0 {
			return c < 0
		}
		return all[i].LSN > all[j].LSN
	})

	var views []int64
	if wi.readViews != nil {
		views = append([]int64(nil), wi.readViews()...)
		sort.Slice(views, func(i, j int) bool { return views[i] > views[j] })
	}

	for lo := 0; lo < len(all); {
		hi := lo + 1
		for hi < len(all) && wi.cmp.Compare(all[hi].Key, all[lo].Key) == 0 {
			hi++
		}
		if err := wi.emitKey(all[lo:hi], views); err != nil {
			return err
		}
		lo = hi
	}
	return nil
}

// loadSlice reads the statements of a run slice, clipped to the slice
// bounds.
func (wi *WriteIterator) loadSlice(slice *Slice) ([]*Statement, error) {
	r, err := runfile.Open(slice.run.path)
	if err != nil {
		return nil, err
	}
	recs, err := r.All()
	if err != nil {
		return nil, err
	}
	var out []*Statement
	for _, rec := range recs {
		if slice.begin != nil && bytes.Compare(rec.Key, slice.begin) < 0 {
			continue
		}
		if slice.end != nil && bytes.Compare(rec.Key, slice.end) >= 0 {
			continue
		}
		op := OpReplace
		if rec.Op == runfile.OpDelete {
			op = OpDelete
		}
		out = append(out, NewStatement(op, rec.Key, rec.Value, rec.LSN))
	}
	return out, nil
}

// emitKey processes one key's history (newest first). The newest
// version is emitted, plus any older version still visible to an open
// read view. During primary-index compaction every overwritten REPLACE
// yields a deferred DELETE for the secondary indexes: the overwrite had
// no in-memory witness, so this is the only place the old tuple is
// seen.
func (wi *WriteIterator) emitKey(history []*Statement, views []int64) error {
	if wi.handler != nil && wi.isPrimary {
		for i := 1; i < len(history); i++ {
			if history[i].Op == OpReplace {
				if err := wi.handler.Process(history[i], history[i-1]); err != nil {
					return err
				}
			}
		}
	}

	keep := []*Statement{history[0]}
	// An older version is kept if it is the newest one visible to some
	// read view that cannot see anything younger.
	for _, v := range views {
		for _, st := range history {
			if st.LSN <= v {
				if st != keep[len(keep)-1] && st.LSN < keep[len(keep)-1].LSN {
					keep = append(keep, st)
				}
				break
			}
		}
	}

	for _, st := range keep {
		if wi.isLastLevel && st.Op == OpDelete && st == keep[len(keep)-1] {
			// A tombstone at the bottom of the tree shadows nothing.
			continue
		}
		wi.out = append(wi.out, st)
	}
	return nil
}

// Next returns the next statement of the merged stream, or nil at the
// end.
func (wi *WriteIterator) Next() *Statement {
	if wi.pos >= len(wi.out) {
		return nil
	}
	st := wi.out[wi.pos]
	wi.pos++
	return st
}

// Stop finishes iteration on the worker side. It flushes the deferred
// DELETE handler and waits for in-flight batches.
func (wi *WriteIterator) Stop() error {
	if wi.handler != nil {
		return wi.handler.Destroy()
	}
	return nil
}

// Close releases the iterator. Called on tx after the task completes.
func (wi *WriteIterator) Close() {
	wi.sources = nil
	wi.out = nil
}
