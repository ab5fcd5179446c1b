package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/miretskiy/groove"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for development
		return true
	},
}

// ServerMessage is one state update streamed to the client.
type ServerMessage struct {
	Type  string           `json:"type"`
	Stats *groove.Stats    `json:"stats,omitempty"`
	State *engineState     `json:"state,omitempty"`
	LSM   *groove.LSMStats `json:"lsm,omitempty"`
}

// engineState summarizes the demo engine for the UI.
type engineState struct {
	MemBytes   int64 `json:"memBytes"`
	RunCount   int   `json:"runCount"`
	Writes     int64 `json:"writes"`
	WriteRate  int   `json:"writeRate"`
	MemLimitMB int   `json:"memLimitMB"`
}

// engine drives a write workload against a primary/secondary index pair
// and triggers dumps on memory pressure, the way the transactional
// engine would.
type engine struct {
	sched *groove.Scheduler
	pk    *groove.LSM
	sk    *groove.LSM

	mu        sync.Mutex
	writes    int64
	nextLSN   int64
	writeRate int // statements per second
	memLimit  int64

	stopCh chan struct{}
}

func newEngine(cfg groove.Config, dir string, writeRate, memLimitMB int) (*engine, error) {
	sched, err := groove.NewScheduler(cfg, groove.Env{
		Dir:    dir,
		Logger: log.New(os.Stderr, "groove: ", log.LstdFlags),
	})
	if err != nil {
		return nil, err
	}
	pk := groove.NewLSM(sched.MetaLog(), 100, 0, nil, cfg)
	sk := groove.NewLSM(sched.MetaLog(), 100, 1, pk, cfg)
	sched.AddLSM(pk)
	sched.AddLSM(sk)
	sched.Start()
	return &engine{
		sched:     sched,
		pk:        pk,
		sk:        sk,
		writeRate: writeRate,
		memLimit:  int64(memLimitMB) << 20,
		stopCh:    make(chan struct{}),
	}, nil
}

// writeLoop feeds random statements into both indexes and triggers a
// dump whenever the in-memory level crosses the limit.
func (e *engine) writeLoop() {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
		}
		e.mu.Lock()
		n := e.writeRate / 100
		if n < 1 {
			n = 1
		}
		for i := 0; i < n; i++ {
			e.nextLSN++
			key := []byte(fmt.Sprintf("user-%06d", rand.Intn(100000)))
			val := []byte(fmt.Sprintf("payload-%d", e.nextLSN))
			e.sched.Write(e.pk, groove.NewStatement(groove.OpReplace, key, val, e.nextLSN))
			e.sched.Write(e.sk, groove.NewStatement(groove.OpReplace, key, nil, e.nextLSN))
			e.writes++
		}
		e.mu.Unlock()

		if e.memBytes() > e.memLimit {
			e.sched.TriggerDump()
		}
	}
}

func (e *engine) memBytes() int64 {
	return e.sched.MemBytes(e.pk) + e.sched.MemBytes(e.sk)
}

func (e *engine) state() engineState {
	mem := e.memBytes()
	runs := e.sched.LSMStats(e.pk).RunCount + e.sched.LSMStats(e.sk).RunCount
	e.mu.Lock()
	defer e.mu.Unlock()
	return engineState{
		MemBytes:   mem,
		RunCount:   runs,
		Writes:     e.writes,
		WriteRate:  e.writeRate,
		MemLimitMB: int(e.memLimit >> 20),
	}
}

func (e *engine) stop() {
	close(e.stopCh)
	e.sched.Close()
}

// safeConn serializes websocket writes.
type safeConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *safeConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// streamLoop periodically pushes scheduler and engine state to the
// client.
func streamLoop(conn *safeConn, e *engine) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
		}
		stats := e.sched.Stats()
		state := e.state()
		pkStats := e.sched.LSMStats(e.pk)
		updatePrometheusMetrics(stats, state)
		msg := ServerMessage{Type: "update", Stats: &stats, State: &state, LSM: &pkStats}
		if err := conn.writeJSON(msg); err != nil {
			log.Printf("websocket write failed: %v", err)
			return
		}
	}
}

func wsHandler(e *engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("websocket upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		log.Printf("client connected: %s", r.RemoteAddr)
		streamLoop(&safeConn{conn: conn}, e)
	}
}

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	dir := flag.String("dir", "", "run file directory (temp dir if empty)")
	writeRate := flag.Int("write-rate", 2000, "statements per second")
	memLimitMB := flag.Int("mem-limit-mb", 16, "in-memory level size triggering a dump")
	writeThreads := flag.Int("write-threads", 4, "background worker threads")
	flag.Parse()

	cfg := groove.DefaultConfig()
	cfg.WriteThreads = *writeThreads

	runDir := *dir
	if runDir == "" {
		var err error
		runDir, err = os.MkdirTemp("", "groove")
		if err != nil {
			log.Fatalf("creating run directory: %v", err)
		}
	}

	e, err := newEngine(cfg, runDir, *writeRate, *memLimitMB)
	if err != nil {
		log.Fatalf("starting engine: %v", err)
	}
	defer e.stop()
	go e.writeLoop()

	initPrometheusMetrics()

	http.HandleFunc("/ws", wsHandler(e))
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"generation":%d,"dumpGeneration":%d,"dumpRounds":%d}`,
			e.sched.Stats().Generation, e.sched.Stats().DumpGeneration, e.sched.Stats().DumpRounds)
	})

	log.Printf("groove monitor listening on %s (runs in %s)", *addr, runDir)
	log.Fatal(http.ListenAndServe(*addr, nil))
}
