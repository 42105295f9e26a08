// Package metrics counts dispatch outcomes with Prometheus collectors.
//
// The process is usually a short-lived CLI invocation, so instead of serving
// /metrics the registry is flushed to a node_exporter textfile after each run.
package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Suppression reasons used as the "reason" label.
const (
	ReasonMarketHours = "market_hours"
	ReasonInvalid     = "invalid_condition"
	ReasonUnknownKind = "unknown_kind"
	ReasonDedup       = "dedup"
)

// Recorder owns a private registry; several recorders can live in one
// process (tests) without colliding on the default registerer.
type Recorder struct {
	reg *prometheus.Registry

	deliveries *prometheus.CounterVec
	suppressed *prometheus.CounterVec
	dispatches *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	lastRun    prometheus.Gauge
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		deliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradealert_channel_deliveries_total",
				Help: "Channel delivery attempts by outcome",
			},
			[]string{"channel", "outcome"},
		),
		suppressed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradealert_suppressed_total",
				Help: "Notifications dropped before dispatch",
			},
			[]string{"reason"},
		),
		dispatches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradealert_dispatches_total",
				Help: "Dispatches by aggregate result",
			},
			[]string{"result"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tradealert_channel_duration_seconds",
				Help:    "Time spent waiting on a channel",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
		lastRun: f.NewGauge(prometheus.GaugeOpts{
			Name: "tradealert_last_run_timestamp_seconds",
			Help: "Unix time of the last flush",
		}),
	}
}

// RecordDelivery records one channel outcome (sent, failed or skipped).
func (r *Recorder) RecordDelivery(channel, outcome string, took time.Duration) {
	if r == nil {
		return
	}
	r.deliveries.WithLabelValues(channel, outcome).Inc()
	if outcome != "skipped" {
		r.latency.WithLabelValues(channel).Observe(took.Seconds())
	}
}

// RecordDispatch records the aggregate of one dispatch.
func (r *Recorder) RecordDispatch(anySucceeded bool) {
	if r == nil {
		return
	}
	res := "failed"
	if anySucceeded {
		res = "delivered"
	}
	r.dispatches.WithLabelValues(res).Inc()
}

func (r *Recorder) RecordSuppressed(reason string) {
	if r == nil {
		return
	}
	r.suppressed.WithLabelValues(reason).Inc()
}

// WriteTextfile flushes the registry to path in the text exposition format.
// Empty path is a no-op.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil {
		return nil
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if !strings.HasSuffix(path, ".prom") {
		return errors.New("metrics textfile must end in .prom")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	r.lastRun.SetToCurrentTime()
	return prometheus.WriteToTextfile(path, r.reg)
}
