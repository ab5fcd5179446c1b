package groove

import (
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/miretskiy/groove/runfile"
	"github.com/miretskiy/groove/vylog"
)

func runInfoWithSize(sz int64) runfile.Info {
	return runfile.Info{Size: sz}
}

// recordingDML captures deferred DELETE batches published to the
// _deferred_delete space.
type recordingDML struct {
	mu      sync.Mutex
	recs    []DeferredDelete
	batches int
	delay   time.Duration
	err     error
}

func (d *recordingDML) Replay(recs []DeferredDelete) error {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.batches++
	d.recs = append(d.recs, recs...)
	return nil
}

func (d *recordingDML) snapshot() ([]DeferredDelete, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	recs := make([]DeferredDelete, len(d.recs))
	copy(recs, d.recs)
	return recs, d.batches
}

type testEnv struct {
	sched *Scheduler
	log   *vylog.Log
	dml   *recordingDML
	dir   string

	dumpCBMu    sync.Mutex
	dumpCBCalls []int64
}

func newTestEnv(t *testing.T, mods ...func(*Config)) *testEnv {
	t.Helper()
	cfg := DefaultConfig()
	for _, mod := range mods {
		mod(&cfg)
	}
	te := &testEnv{
		log: vylog.New(),
		dml: &recordingDML{},
		dir: t.TempDir(),
	}
	s, err := NewScheduler(cfg, Env{
		Dir:    te.dir,
		Log:    te.log,
		DML:    te.dml,
		Logger: log.New(io.Discard, "", 0),
		DumpCompleteCB: func(generation int64, duration time.Duration) {
			te.dumpCBMu.Lock()
			te.dumpCBCalls = append(te.dumpCBCalls, generation)
			te.dumpCBMu.Unlock()
		},
	})
	require.NoError(t, err)
	te.sched = s
	s.Start()
	t.Cleanup(s.Close)
	return te
}

func (te *testEnv) dumpCompletions() []int64 {
	te.dumpCBMu.Lock()
	defer te.dumpCBMu.Unlock()
	out := make([]int64, len(te.dumpCBCalls))
	copy(out, te.dumpCBCalls)
	return out
}

func (te *testEnv) newLSM(t *testing.T, spaceID, indexID uint32, pk *LSM) *LSM {
	t.Helper()
	lsm := NewLSM(te.log, spaceID, indexID, pk, te.sched.cfg)
	te.sched.AddLSM(lsm)
	return lsm
}

func (te *testEnv) write(lsm *LSM, key string, lsn int64) {
	te.sched.Write(lsm, NewStatement(OpReplace, []byte(key), []byte(fmt.Sprintf("val-%d", lsn)), lsn))
}

// sliceCounts returns the number of slices per range, under the
// scheduler lock.
func (te *testEnv) sliceCounts(lsm *LSM) []int {
	te.sched.mu.Lock()
	defer te.sched.mu.Unlock()
	out := make([]int, len(lsm.ranges))
	for i, rng := range lsm.ranges {
		out[i] = rng.sliceCount()
	}
	return out
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 10*time.Second, 2*time.Millisecond, msg)
}
