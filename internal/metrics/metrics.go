package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	ActiveConsumers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tsbridge_active_consumers",
		Help: "Number of running stream consumers by variant",
	}, []string{"variant"})
	ActiveRecordings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tsbridge_active_recordings",
		Help: "Number of recordings currently registered",
	})
	ScansRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tsbridge_scans_running",
		Help: "Number of offline channel scans in progress",
	})
)

// Counters
var (
	BytesStreamedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tsbridge_bytes_streamed_total",
		Help: "Bytes accepted by output sinks by consumer variant",
	}, []string{"variant"})
	SwitchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tsbridge_switches_total",
		Help: "Completed output switches by split strategy",
	}, []string{"boundary"})
	StallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tsbridge_stalls_total",
		Help: "Consumer runs that ended stalled by reason",
	}, []string{"reason"})
	SinkReopensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsbridge_sink_reopens_total",
		Help: "Direct file sinks re-created after a write failure or deletion",
	})
	UploadReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsbridge_upload_reconnects_total",
		Help: "Upload sessions re-established after a write failure",
	})
	RecordingsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsbridge_recordings_rejected_total",
		Help: "Recordings rejected due to capacity limit",
	})
	ScannedChannelsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tsbridge_scanned_channels_total",
		Help: "Channels probed by offline scans by result",
	}, []string{"result"})
	ConfigReloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tsbridge_config_reloads_total",
		Help: "Config file reloads by outcome",
	}, []string{"outcome"})
)

// Histograms
var (
	ProbeAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tsbridge_probe_attempts",
		Help:    "Format detection attempts needed before streaming",
		Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16},
	})
	ChannelScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tsbridge_channel_scan_duration_ms",
		Help:    "Time spent probing a single channel in milliseconds",
		Buckets: []float64{250, 500, 1000, 2000, 5000, 10000, 20000},
	})
)
