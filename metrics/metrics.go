// Package metrics exposes Prometheus counters and histograms for unsealing,
// decryption and key file erasure.
package metrics

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tpmdecrypt"

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	unsealTotal      *prometheus.CounterVec
	unsealDuration   prometheus.Histogram
	decryptTotal     *prometheus.CounterVec
	decryptDuration  prometheus.Histogram
	decryptBytes     prometheus.Counter
	eraseTotal       *prometheus.CounterVec
	erasePassesTotal prometheus.Counter
}

// New registers all collectors on reg, or on a fresh registry when reg is nil.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		unsealTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unseal_total",
				Help:      "Total number of TPM unseal attempts",
			},
			[]string{"result"},
		),
		unsealDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "unseal_duration_seconds",
				Help:      "TPM unseal duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		decryptTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decrypt_total",
				Help:      "Total number of file decryptions by outcome",
			},
			[]string{"result"},
		),
		decryptDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "decrypt_duration_seconds",
				Help:      "File decryption duration in seconds, key file lifetime included",
				Buckets:   prometheus.DefBuckets,
			},
		),
		decryptBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decrypt_bytes_total",
				Help:      "Total plaintext bytes produced",
			},
		),
		eraseTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "erase_total",
				Help:      "Total number of key file erasures by outcome",
			},
			[]string{"result"},
		),
		erasePassesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "erase_passes_total",
				Help:      "Total number of completed overwrite passes",
			},
		),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveUnseal records one unseal attempt. result is a short error kind
// or ResultSuccess.
func (m *Metrics) ObserveUnseal(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.unsealTotal.WithLabelValues(result).Inc()
	m.unsealDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveDecrypt(result string, d time.Duration, plaintextBytes int) {
	if m == nil {
		return
	}
	m.decryptTotal.WithLabelValues(result).Inc()
	m.decryptDuration.Observe(d.Seconds())
	if plaintextBytes > 0 {
		m.decryptBytes.Add(float64(plaintextBytes))
	}
}

// ObserveErase satisfies keyfile.EraseObserver.
func (m *Metrics) ObserveErase(completedPasses int, err error) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	m.eraseTotal.WithLabelValues(result).Inc()
	m.erasePassesTotal.Add(float64(completedPasses))
}

// WriteTextfile dumps the registry in the text exposition format for the
// node_exporter textfile collector. The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return errors.Wrap(err, "metrics: write textfile")
	}
	return nil
}
