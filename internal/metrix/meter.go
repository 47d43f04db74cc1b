// Package metrix implements stats-related functionality.
package metrix

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// New initializes and returns a new [Meter].
func New() (m *Meter) {
	initializedAt := time.Now()

	m = &Meter{
		uptime: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts(opts(
				"",
				"uptime_seconds",
				"Number of seconds since the engine started",
			)),
			func() float64 {
				return float64(time.Since(initializedAt) / time.Second)
			},
		),
		requests: &requestInstruments{
			encoded: newCounterVec("request", "encoded_total", "Number of requests encoded",
				"kind",
				"success",
			),
			submitted: newCounterVec("request", "submitted_total", "Number of requests submitted to a CA",
				"status",
				"success",
			),
			installed: newCounterVec("response", "installed_total", "Number of responses installed",
				"success",
			),
		},
		policy: newCounterVec("policy", "refreshed_total", "Number of policy loads from a policy server",
			"server",
			"success",
		),
		kms: &kms{
			signed: prometheus.NewCounter(prometheus.CounterOpts(opts("kms", "signed", "Number of signatures made by key providers"))),
			errors: prometheus.NewCounter(prometheus.CounterOpts(opts("kms", "errors", "Number of key provider errors"))),
		},
	}

	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(
		m.uptime,
		m.requests.encoded,
		m.requests.submitted,
		m.requests.installed,
		m.policy,
		m.kms.signed,
		m.kms.errors,
	)

	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		Registry:            m.registry,
		Timeout:             5 * time.Second,
		MaxRequestsInFlight: 10,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	m.Handler = mux

	return
}

// Meter wraps the functionality of a Prometheus-compatible HTTP handler. A nil
// Meter discards every observation.
type Meter struct {
	http.Handler

	registry *prometheus.Registry
	uptime   prometheus.GaugeFunc
	requests *requestInstruments
	policy   *prometheus.CounterVec
	kms      *kms
}

// Gatherer returns the registry with the enrollment metrics.
func (m *Meter) Gatherer() prometheus.Gatherer {
	return m.registry
}

// RequestEncoded implements [enroll.Meter] for [Meter].
func (m *Meter) RequestEncoded(kind string, err error) {
	if m == nil {
		return
	}
	m.requests.encoded.WithLabelValues(kind, success(err)).Inc()
}

// RequestSubmitted implements [enroll.Meter] for [Meter].
func (m *Meter) RequestSubmitted(status string, err error) {
	if m == nil {
		return
	}
	m.requests.submitted.WithLabelValues(status, success(err)).Inc()
}

// ResponseInstalled implements [enroll.Meter] for [Meter].
func (m *Meter) ResponseInstalled(err error) {
	if m == nil {
		return
	}
	m.requests.installed.WithLabelValues(success(err)).Inc()
}

// PolicyRefreshed implements [policyserver.Meter] for [Meter].
func (m *Meter) PolicyRefreshed(server string, err error) {
	if m == nil {
		return
	}
	m.policy.WithLabelValues(server, success(err)).Inc()
}

// KMSSigned implements [enroll.Meter] for [Meter].
func (m *Meter) KMSSigned(err error) {
	if m == nil {
		return
	}
	if err == nil {
		m.kms.signed.Inc()
	} else {
		m.kms.errors.Inc()
	}
}

func success(err error) string {
	return strconv.FormatBool(err == nil)
}

// requestInstruments wraps the counters of the request lifecycle.
type requestInstruments struct {
	encoded   *prometheus.CounterVec
	submitted *prometheus.CounterVec
	installed *prometheus.CounterVec
}

type kms struct {
	signed prometheus.Counter
	errors prometheus.Counter
}

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	opts := opts(subsystem, name, help)

	return prometheus.NewCounterVec(prometheus.CounterOpts(opts), labels)
}

func opts(subsystem, name, help string) prometheus.Opts {
	return prometheus.Opts{
		Namespace: "enrollment",
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}
}
