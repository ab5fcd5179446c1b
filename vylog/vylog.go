// Package vylog implements the metadata log for the groove storage
// engine. It journals run and slice lifecycle events (prepare, create,
// drop, forget) so that the on-disk state can be reconstructed after a
// restart. Records are grouped into transactions; a transaction is
// applied atomically or not at all.
package vylog

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// RecordType identifies a metadata log record.
type RecordType int

const (
	// RecordPrepareRun is written before a dump or compaction task
	// starts writing a new run, so an interrupted run can be found
	// and deleted on recovery.
	RecordPrepareRun RecordType = iota
	// RecordCreateRun marks a run as committed to an LSM tree.
	RecordCreateRun
	// RecordInsertSlice attaches a slice of a run to a range.
	RecordInsertSlice
	// RecordDeleteSlice detaches a slice from its range.
	RecordDeleteSlice
	// RecordDropRun marks a run as unused. The run files may still be
	// needed by checkpoints taken before GCLSN.
	RecordDropRun
	// RecordForgetRun marks a dropped run's files as physically removed.
	RecordForgetRun
	// RecordDumpLSM records the LSN up to which an LSM tree has been
	// dumped to disk.
	RecordDumpLSM
)

func (t RecordType) String() string {
	switch t {
	case RecordPrepareRun:
		return "prepare_run"
	case RecordCreateRun:
		return "create_run"
	case RecordInsertSlice:
		return "insert_slice"
	case RecordDeleteSlice:
		return "delete_slice"
	case RecordDropRun:
		return "drop_run"
	case RecordForgetRun:
		return "forget_run"
	case RecordDumpLSM:
		return "dump_lsm"
	default:
		return "unknown"
	}
}

// Record is a single metadata log entry. Fields that do not apply to a
// record type are left zero.
type Record struct {
	Type    RecordType `json:"type"`
	LSMID   int64      `json:"lsmId,omitempty"`
	RunID   int64      `json:"runId,omitempty"`
	RangeID int64      `json:"rangeId,omitempty"`
	SliceID int64      `json:"sliceId,omitempty"`
	DumpLSN int64      `json:"dumpLsn,omitempty"`
	GCLSN   int64      `json:"gcLsn,omitempty"`
	Begin   []byte     `json:"begin,omitempty"`
	End     []byte     `json:"end,omitempty"`
}

func (r Record) String() string {
	return fmt.Sprintf("%s(lsm=%d run=%d range=%d slice=%d)",
		r.Type, r.LSMID, r.RunID, r.RangeID, r.SliceID)
}

// Log is the metadata journal. Committed records are kept in memory and
// optionally mirrored to a sink as JSON lines. The log also hands out
// object identifiers for runs, slices and ranges.
type Log struct {
	mu        sync.Mutex
	records   []Record
	nextID    int64
	signature int64
	sink      io.Writer

	// Records that failed to reach the sink. They are still part of
	// the in-memory journal and are retried on the next Flush.
	unflushed []Record

	// failNext makes the next Commit fail. Test hook.
	failNext bool
}

// Option configures a Log.
type Option func(*Log)

// WithSink mirrors committed records to w, one JSON object per line.
func WithSink(w io.Writer) Option {
	return func(l *Log) { l.sink = w }
}

// New creates an empty metadata log.
func New(opts ...Option) *Log {
	l := &Log{nextID: 1}
	for _, o := range opts {
		o(l)
	}
	return l
}

// NextID returns a fresh object identifier. Identifiers are unique
// across runs, slices and ranges.
func (l *Log) NextID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	return id
}

// Signature returns the signature of the last checkpoint the log was
// rotated at. Runs dropped with DumpLSN above this value are not
// referenced by any checkpoint.
func (l *Log) Signature() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.signature
}

// Rotate advances the log signature. Called when a checkpoint is taken.
func (l *Log) Rotate(signature int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if signature > l.signature {
		l.signature = signature
	}
}

// FailNextCommit makes the next transaction commit return an error.
// Used by tests to exercise abort paths.
func (l *Log) FailNextCommit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = true
}

// Tx accumulates records for an atomic commit.
type Tx struct {
	log     *Log
	records []Record
}

// Begin starts a new transaction.
func (l *Log) Begin() *Tx {
	return &Tx{log: l}
}

func (tx *Tx) append(r Record) { tx.records = append(tx.records, r) }

// PrepareRun records that run runID is about to be written for lsmID.
func (tx *Tx) PrepareRun(lsmID, runID int64) {
	tx.append(Record{Type: RecordPrepareRun, LSMID: lsmID, RunID: runID})
}

// CreateRun records that run runID containing data up to dumpLSN now
// belongs to lsmID.
func (tx *Tx) CreateRun(lsmID, runID, dumpLSN int64) {
	tx.append(Record{Type: RecordCreateRun, LSMID: lsmID, RunID: runID, DumpLSN: dumpLSN})
}

// InsertSlice records that slice sliceID of run runID covering
// [begin, end) was attached to range rangeID.
func (tx *Tx) InsertSlice(rangeID, runID, sliceID int64, begin, end []byte) {
	tx.append(Record{Type: RecordInsertSlice, RangeID: rangeID, RunID: runID,
		SliceID: sliceID, Begin: begin, End: end})
}

// DeleteSlice records that slice sliceID was detached from its range.
func (tx *Tx) DeleteSlice(sliceID int64) {
	tx.append(Record{Type: RecordDeleteSlice, SliceID: sliceID})
}

// DropRun records that run runID is unused. Its files must be kept
// while a checkpoint with signature below gcLSN may still need them.
func (tx *Tx) DropRun(runID, gcLSN int64) {
	tx.append(Record{Type: RecordDropRun, RunID: runID, GCLSN: gcLSN})
}

// ForgetRun records that run runID's files were removed from disk.
func (tx *Tx) ForgetRun(runID int64) {
	tx.append(Record{Type: RecordForgetRun, RunID: runID})
}

// DumpLSM records that lsmID has been dumped up to dumpLSN.
func (tx *Tx) DumpLSM(lsmID, dumpLSN int64) {
	tx.append(Record{Type: RecordDumpLSM, LSMID: lsmID, DumpLSN: dumpLSN})
}

// Commit applies the transaction atomically. On error no record of the
// transaction becomes visible.
func (tx *Tx) Commit() error {
	l := tx.log
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext {
		l.failNext = false
		return fmt.Errorf("vylog: commit failed")
	}
	l.commitLocked(tx.records)
	tx.records = nil
	return nil
}

// TryCommit applies the transaction and never fails: if the sink write
// errors out, the records stay in the in-memory journal and are written
// on the next Flush. This matches the abort path contract, where losing
// a drop_run record would leak a run file forever.
func (tx *Tx) TryCommit() {
	l := tx.log
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = false
	l.commitLocked(tx.records)
	tx.records = nil
}

func (l *Log) commitLocked(records []Record) {
	l.records = append(l.records, records...)
	if l.sink == nil {
		return
	}
	enc := json.NewEncoder(l.sink)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			l.unflushed = append(l.unflushed, r)
		}
	}
}

// Flush retries writing records that previously failed to reach the
// sink.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sink == nil || len(l.unflushed) == 0 {
		return nil
	}
	enc := json.NewEncoder(l.sink)
	for i, r := range l.unflushed {
		if err := enc.Encode(r); err != nil {
			l.unflushed = l.unflushed[i:]
			return err
		}
	}
	l.unflushed = nil
	return nil
}

// Records returns a snapshot of the committed journal.
func (l *Log) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// CountByType returns the number of committed records of type t.
func (l *Log) CountByType(t RecordType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.records {
		if r.Type == t {
			n++
		}
	}
	return n
}

// Orphans returns ids of runs that were prepared but never created nor
// dropped. After a crash these runs have files on disk that no LSM tree
// references; recovery must delete them.
func (l *Log) Orphans() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := make(map[int64]RecordType)
	for _, r := range l.records {
		switch r.Type {
		case RecordPrepareRun, RecordCreateRun, RecordDropRun:
			if prev, ok := state[r.RunID]; !ok || r.Type > prev {
				state[r.RunID] = r.Type
			}
		}
	}
	var orphans []int64
	for id, t := range state {
		if t == RecordPrepareRun {
			orphans = append(orphans, id)
		}
	}
	return orphans
}
