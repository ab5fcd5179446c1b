package groove

import (
	"bytes"
	"sort"
)

// noDumpLSN marks an in-memory tree (or a dump round) with no data.
const noDumpLSN = -1

// memTree is an in-memory tree of statements. The active tree of an
// LSM tree accepts writes; once sealed it becomes immutable except for
// its pin count, which tracks writers that started before the seal.
// All fields are guarded by the scheduler mutex.
type memTree struct {
	// generation the tree was created at. Trees with generation at or
	// below the scheduler's dump generation must be dumped in the
	// current round.
	generation int64
	// dumpLSN is the max LSN inserted, noDumpLSN when empty.
	dumpLSN int64
	// pins counts writers still appending to the tree.
	pins int

	stmts []*Statement
	bytes int64
}

func newMemTree(generation int64) *memTree {
	return &memTree{generation: generation, dumpLSN: noDumpLSN}
}

// insert takes over the caller's reference to st.
func (m *memTree) insert(st *Statement) {
	m.stmts = append(m.stmts, st)
	m.bytes += st.Size()
	if st.LSN > m.dumpLSN {
		m.dumpLSN = st.LSN
	}
}

func (m *memTree) count() int  { return len(m.stmts) }
func (m *memTree) size() int64 { return m.bytes }

// sorted returns the statements ordered by key ascending, newest LSN
// first within a key. Sealed trees are immutable, so the result may be
// cached by the caller.
func (m *memTree) sorted() []*Statement {
	out := make([]*Statement, len(m.stmts))
	copy(out, m.stmts)
	sort.SliceStable(out, func(i, j int) bool {
		c := bytes.Compare(out[i].Key, out[j].Key)
		if c != 0 {
			return c < 0
		}
		return out[i].LSN > out[j].LSN
	})
	return out
}

func (m *memTree) release() {
	for _, st := range m.stmts {
		st.Unref()
	}
	m.stmts = nil
	m.bytes = 0
}
