package groove

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func memWith(generation int64, stmts ...*Statement) *memTree {
	m := newMemTree(generation)
	for _, st := range stmts {
		m.insert(st)
	}
	return m
}

func drain(t *testing.T, wi *WriteIterator) []*Statement {
	t.Helper()
	require.NoError(t, wi.Start())
	var out []*Statement
	for st := wi.Next(); st != nil; st = wi.Next() {
		out = append(out, st)
	}
	require.NoError(t, wi.Stop())
	return out
}

func TestWriteIteratorNewestWins(t *testing.T) {
	mem := memWith(0,
		NewStatement(OpReplace, []byte("a"), []byte("v1"), 1),
		NewStatement(OpReplace, []byte("a"), []byte("v2"), 5),
		NewStatement(OpReplace, []byte("b"), []byte("v1"), 2),
	)
	wi := newWriteIterator(NewKeyDef(), true, false, nil, nil)
	wi.addMem(mem)

	out := drain(t, wi)
	require.Len(t, out, 2)
	require.Equal(t, []byte("v2"), out[0].Value)
	require.EqualValues(t, 5, out[0].LSN)
	require.Equal(t, []byte("b"), out[1].Key)
}

func TestWriteIteratorMergesSources(t *testing.T) {
	older := memWith(0,
		NewStatement(OpReplace, []byte("a"), []byte("old"), 1),
		NewStatement(OpReplace, []byte("c"), []byte("keep"), 2),
	)
	newer := memWith(1,
		NewStatement(OpReplace, []byte("a"), []byte("new"), 7),
		NewStatement(OpReplace, []byte("b"), []byte("only"), 8),
	)
	wi := newWriteIterator(NewKeyDef(), true, false, nil, nil)
	wi.addMem(older)
	wi.addMem(newer)

	out := drain(t, wi)
	require.Len(t, out, 3)
	require.Equal(t, []byte("new"), out[0].Value)
	require.Equal(t, []byte("only"), out[1].Value)
	require.Equal(t, []byte("keep"), out[2].Value)
}

func TestWriteIteratorTombstones(t *testing.T) {
	mem := memWith(0,
		NewStatement(OpReplace, []byte("a"), []byte("v1"), 1),
		NewStatement(OpDelete, []byte("a"), nil, 5),
	)

	// On an intermediate level the tombstone must survive: it shadows
	// older versions further down the tree.
	wi := newWriteIterator(NewKeyDef(), true, false, nil, nil)
	wi.addMem(mem)
	out := drain(t, wi)
	require.Len(t, out, 1)
	require.Equal(t, OpDelete, out[0].Op)

	// At the last level there is nothing to shadow.
	wi = newWriteIterator(NewKeyDef(), true, true, nil, nil)
	wi.addMem(mem)
	out = drain(t, wi)
	require.Empty(t, out)
}

func TestWriteIteratorReadViews(t *testing.T) {
	mem := memWith(0,
		NewStatement(OpReplace, []byte("a"), []byte("v1"), 1),
		NewStatement(OpReplace, []byte("a"), []byte("v2"), 5),
		NewStatement(OpReplace, []byte("a"), []byte("v3"), 9),
	)
	readViews := func() []int64 { return []int64{2} }
	wi := newWriteIterator(NewKeyDef(), true, false, readViews, nil)
	wi.addMem(mem)

	out := drain(t, wi)
	// Newest version plus the version visible to the read view at 2.
	require.Len(t, out, 2)
	require.Equal(t, []byte("v3"), out[0].Value)
	require.Equal(t, []byte("v1"), out[1].Value)
}

// collectHandler records deferred DELETE pairs.
type collectHandler struct {
	pairs [][2]*Statement
}

func (h *collectHandler) Process(old, new *Statement) error {
	h.pairs = append(h.pairs, [2]*Statement{old, new})
	return nil
}

func (h *collectHandler) Destroy() error { return nil }

func TestWriteIteratorDeferredDeletes(t *testing.T) {
	mem := memWith(0,
		NewStatement(OpReplace, []byte("a"), []byte("v1"), 1),
		NewStatement(OpReplace, []byte("a"), []byte("v2"), 5),
		NewStatement(OpReplace, []byte("b"), []byte("only"), 3),
		NewStatement(OpReplace, []byte("c"), []byte("v1"), 2),
		NewStatement(OpDelete, []byte("c"), nil, 6),
	)
	h := &collectHandler{}
	wi := newWriteIterator(NewKeyDef(), true, false, nil, h)
	wi.addMem(mem)
	drain(t, wi)

	// One pair per overwritten REPLACE: a@1 overwritten by a@5 and c@2
	// overwritten by the DELETE at 6.
	require.Len(t, h.pairs, 2)
	require.Equal(t, []byte("a"), h.pairs[0][0].Key)
	require.EqualValues(t, 1, h.pairs[0][0].LSN)
	require.EqualValues(t, 5, h.pairs[0][1].LSN)
	require.Equal(t, []byte("c"), h.pairs[1][0].Key)
	require.EqualValues(t, 6, h.pairs[1][1].LSN)
}

func TestWriteIteratorSecondaryNoDeferred(t *testing.T) {
	mem := memWith(0,
		NewStatement(OpReplace, []byte("a"), []byte("v1"), 1),
		NewStatement(OpReplace, []byte("a"), []byte("v2"), 5),
	)
	h := &collectHandler{}
	wi := newWriteIterator(NewKeyDef(), false, false, nil, h)
	wi.addMem(mem)
	drain(t, wi)
	require.Empty(t, h.pairs)
}
