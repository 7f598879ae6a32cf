package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/whep-bench/whepbench/internal/sysmon"
)

var (
	SessionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "whepbench",
		Name:      "sessions_started_total",
		Help:      "Total sessions the ramp started.",
	})

	SessionsConnected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "whepbench",
		Name:      "sessions_connected_total",
		Help:      "Total sessions that reached media connectivity.",
	})

	SessionsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "whepbench",
		Name:      "sessions_ended_total",
		Help:      "Total sessions ended by outcome (ok or the failure class).",
	}, []string{"outcome"})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "whepbench",
		Name:      "active_sessions",
		Help:      "Sessions started and not yet ended.",
	})

	ConnectedSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "whepbench",
		Name:      "connected_sessions",
		Help:      "Sessions currently connected.",
	})

	TimeToConnect = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "whepbench",
		Name:      "time_to_connect_seconds",
		Help:      "Time from session start to media connectivity.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	RecvKbps = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "whepbench",
		Name:      "recv_kbps",
		Help:      "Per-session receive bitrate samples in kbit/s.",
		Buckets:   prometheus.ExponentialBuckets(64, 2, 10),
	})

	SendKbps = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "whepbench",
		Name:      "send_kbps",
		Help:      "Per-session send bitrate samples in kbit/s.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	RTTMillis = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "whepbench",
		Name:      "rtt_milliseconds",
		Help:      "Per-session round-trip time samples.",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	})

	LossFraction = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "whepbench",
		Name:      "loss_fraction",
		Help:      "Latest ingress loss fraction per session.",
	}, []string{"session"})

	HarnessCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "whepbench",
		Name:      "harness_cpu_percent",
		Help:      "CPU used by the load generator itself.",
	})

	HarnessRSSBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "whepbench",
		Name:      "harness_rss_bytes",
		Help:      "Resident memory of the load generator itself.",
	})

	HarnessGoroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "whepbench",
		Name:      "harness_goroutines",
		Help:      "Goroutines in the load generator.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		SessionsStarted,
		SessionsConnected,
		SessionsEnded,
		ActiveSessions,
		ConnectedSessions,
		TimeToConnect,
		RecvKbps,
		SendKbps,
		RTTMillis,
		LossFraction,
		HarnessCPUPercent,
		HarnessRSSBytes,
		HarnessGoroutines,
	)
}

// RecordSysmon publishes a harness sample.
func RecordSysmon(s sysmon.Sample) {
	HarnessCPUPercent.Set(s.CPUPercent)
	HarnessRSSBytes.Set(float64(s.RSSBytes))
	HarnessGoroutines.Set(float64(s.Goroutines))
}
