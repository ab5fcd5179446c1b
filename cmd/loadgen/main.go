package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/miretskiy/groove"
)

// loadgen runs a timed write workload against the engine and reports
// the scheduler's counters as JSON. Useful for eyeballing dump and
// compaction behavior under different configurations without the
// monitor server.
func main() {
	configFile := flag.String("config", "", "Path to JSON configuration file (defaults used if empty)")
	durationSec := flag.Int("duration", 30, "Workload duration in seconds")
	keys := flag.Int("keys", 100000, "Key space size")
	writeRate := flag.Int("write-rate", 5000, "Statements per second")
	dumpEveryMB := flag.Int("dump-every-mb", 8, "Trigger a dump when the memory level reaches this size")
	outputFile := flag.String("output", "", "Path to output JSON file (stdout if empty)")
	verbose := flag.Bool("verbose", false, "Enable scheduler logging")
	flag.Parse()

	config := groove.DefaultConfig()
	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
			os.Exit(1)
		}
		if err := json.Unmarshal(data, &config); err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing config JSON: %v\n", err)
			os.Exit(1)
		}
	}
	if err := config.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	dir, err := os.MkdirTemp("", "groove-loadgen")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating run directory: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	env := groove.Env{Dir: dir}
	if *verbose {
		env.Logger = log.New(os.Stderr, "[groove] ", log.Ltime)
	} else {
		env.Logger = log.New(io.Discard, "", 0)
	}

	sched, err := groove.NewScheduler(config, env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating scheduler: %v\n", err)
		os.Exit(1)
	}
	defer sched.Close()

	lsm := groove.NewLSM(sched.MetaLog(), 1, 0, nil, config)
	sched.AddLSM(lsm)
	sched.Start()

	fmt.Fprintf(os.Stderr, "Running workload for %d seconds...\n", *durationSec)
	start := time.Now()
	deadline := start.Add(time.Duration(*durationSec) * time.Second)
	memLimit := int64(*dumpEveryMB) << 20

	var lsn int64
	interval := time.Second / time.Duration(*writeRate)
	if interval <= 0 {
		interval = time.Microsecond
	}
	for time.Now().Before(deadline) {
		lsn++
		key := []byte(fmt.Sprintf("key-%08d", rand.Intn(*keys)))
		sched.Write(lsm, groove.NewStatement(groove.OpReplace, key, []byte("v"), lsn))
		if sched.MemBytes(lsm) > memLimit {
			sched.TriggerDump()
		}
		time.Sleep(interval)
	}

	// Flush whatever is left so the final counters are stable.
	if err := sched.Dump(); err != nil {
		fmt.Fprintf(os.Stderr, "Final dump failed: %v\n", err)
		os.Exit(1)
	}

	result := struct {
		Config    groove.Config   `json:"config"`
		Elapsed   float64         `json:"elapsedSeconds"`
		Writes    int64           `json:"writes"`
		Scheduler groove.Stats    `json:"scheduler"`
		LSM       groove.LSMStats `json:"lsm"`
	}{
		Config:    config,
		Elapsed:   time.Since(start).Seconds(),
		Writes:    lsn,
		Scheduler: sched.Stats(),
		LSM:       sched.LSMStats(lsm),
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding result: %v\n", err)
		os.Exit(1)
	}
	if *outputFile != "" {
		if err := os.WriteFile(*outputFile, out, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing output file: %v\n", err)
			os.Exit(1)
		}
	} else {
		fmt.Println(string(out))
	}
}
