package vylog

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextIDMonotonic(t *testing.T) {
	l := New()
	a := l.NextID()
	b := l.NextID()
	require.Less(t, a, b)
}

func TestTxCommitAtomic(t *testing.T) {
	l := New()

	tx := l.Begin()
	tx.PrepareRun(1, 10)
	tx.CreateRun(1, 10, 100)
	require.NoError(t, tx.Commit())
	require.Len(t, l.Records(), 2)

	l.FailNextCommit()
	tx = l.Begin()
	tx.DropRun(10, 0)
	tx.DumpLSM(1, 100)
	require.Error(t, tx.Commit())
	// Nothing of the failed transaction became visible.
	require.Len(t, l.Records(), 2)
	require.Equal(t, 0, l.CountByType(RecordDropRun))
}

func TestTryCommitNeverFails(t *testing.T) {
	l := New()
	l.FailNextCommit()

	tx := l.Begin()
	tx.DropRun(7, 0)
	tx.TryCommit()
	require.Equal(t, 1, l.CountByType(RecordDropRun))
}

// failingWriter fails the first n writes.
type failingWriter struct {
	buf  bytes.Buffer
	fail int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.fail > 0 {
		w.fail--
		return 0, errors.New("disk full")
	}
	return w.buf.Write(p)
}

func TestSinkRetry(t *testing.T) {
	w := &failingWriter{fail: 1}
	l := New(WithSink(w))

	tx := l.Begin()
	tx.PrepareRun(1, 2)
	tx.CreateRun(1, 2, 5)
	require.NoError(t, tx.Commit())

	// The first record missed the sink but stayed in the journal.
	require.Len(t, l.Records(), 2)
	require.NoError(t, l.Flush())
	require.Equal(t, 2, strings.Count(w.buf.String(), "\n"))
}

func TestOrphans(t *testing.T) {
	l := New()

	tx := l.Begin()
	tx.PrepareRun(1, 10) // committed later
	tx.PrepareRun(1, 11) // dropped
	tx.PrepareRun(1, 12) // orphaned
	tx.CreateRun(1, 10, 100)
	tx.DropRun(11, 0)
	require.NoError(t, tx.Commit())

	orphans := l.Orphans()
	require.Equal(t, []int64{12}, orphans)
}

func TestSignatureRotate(t *testing.T) {
	l := New()
	require.EqualValues(t, 0, l.Signature())
	l.Rotate(42)
	require.EqualValues(t, 42, l.Signature())
	// Rotation never goes back.
	l.Rotate(7)
	require.EqualValues(t, 42, l.Signature())
}
