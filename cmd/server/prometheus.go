package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/miretskiy/groove"
)

var (
	// Prometheus metrics (gauges)
	promMetrics = struct {
		generation     prometheus.Gauge
		dumpGeneration prometheus.Gauge
		dumpTasks      prometheus.Gauge
		dumpRounds     prometheus.Gauge
		isThrottled    prometheus.Gauge
		backoffSeconds prometheus.Gauge
		tasksCompleted prometheus.Gauge
		tasksFailed    prometheus.Gauge
		memBytes       prometheus.Gauge
		runCount       prometheus.Gauge
	}{
		generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "groove_generation",
			Help: "Current dump round number",
		}),
		dumpGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "groove_dump_generation",
			Help: "Oldest round with data still in memory",
		}),
		dumpTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "groove_dump_tasks",
			Help: "Dump tasks currently running",
		}),
		dumpRounds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "groove_dump_rounds_total",
			Help: "Completed dump rounds",
		}),
		isThrottled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "groove_scheduler_throttled",
			Help: "Scheduler back-off state (0=normal, 1=throttled)",
		}),
		backoffSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "groove_scheduler_backoff_seconds",
			Help: "Current scheduler back-off duration",
		}),
		tasksCompleted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "groove_tasks_completed_total",
			Help: "Background tasks completed",
		}),
		tasksFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "groove_tasks_failed_total",
			Help: "Background tasks failed",
		}),
		memBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "groove_mem_bytes",
			Help: "Bytes held by in-memory trees",
		}),
		runCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "groove_run_count",
			Help: "Runs on disk",
		}),
	}
)

func initPrometheusMetrics() {
	prometheus.MustRegister(
		promMetrics.generation,
		promMetrics.dumpGeneration,
		promMetrics.dumpTasks,
		promMetrics.dumpRounds,
		promMetrics.isThrottled,
		promMetrics.backoffSeconds,
		promMetrics.tasksCompleted,
		promMetrics.tasksFailed,
		promMetrics.memBytes,
		promMetrics.runCount,
	)
}

func updatePrometheusMetrics(stats groove.Stats, state engineState) {
	promMetrics.generation.Set(float64(stats.Generation))
	promMetrics.dumpGeneration.Set(float64(stats.DumpGeneration))
	promMetrics.dumpTasks.Set(float64(stats.DumpTaskCount))
	promMetrics.dumpRounds.Set(float64(stats.DumpRounds))
	if stats.Throttled {
		promMetrics.isThrottled.Set(1)
	} else {
		promMetrics.isThrottled.Set(0)
	}
	promMetrics.backoffSeconds.Set(stats.TimeoutSeconds)
	promMetrics.tasksCompleted.Set(float64(stats.TasksCompleted))
	promMetrics.tasksFailed.Set(float64(stats.TasksFailed))
	promMetrics.memBytes.Set(float64(state.MemBytes))
	promMetrics.runCount.Set(float64(state.RunCount))
}
