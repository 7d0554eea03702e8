package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codebot_poll_ticks_total",
			Help: "Poll ticks by result (ok, tracker_error, ledger_error)",
		},
		[]string{"result"},
	)

	issuesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codebot_issues_processed_total",
			Help: "Issues recorded in the ledger by outcome",
		},
		[]string{"outcome"},
	)

	agentRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codebot_agent_runs_total",
			Help: "Agent runs by exit status (success, failure, timeout, error)",
		},
		[]string{"status"},
	)

	agentRunSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "codebot_agent_run_duration_seconds",
			Help:    "Wall-clock duration of agent runs",
			Buckets: []float64{30, 60, 120, 300, 600, 900, 1200, 1800, 3600},
		},
	)

	ledgerEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codebot_ledger_entries",
			Help: "Number of entries in the processed-issue ledger",
		},
	)
)
