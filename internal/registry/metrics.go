package registry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instrumentation for a Registry. A nil
// *Metrics is valid and records nothing, which keeps metrics optional
// for embedders and tests.
type Metrics struct {
	ModulesLoaded    prometheus.Gauge
	LoadsTotal       *prometheus.CounterVec
	ReloadsTotal     *prometheus.CounterVec
	UnloadsTotal     prometheus.Counter
	ScansTotal       prometheus.Counter
	ScanDuration     prometheus.Histogram
	InitFailures     prometheus.Counter
	ShutdownFailures prometheus.Counter
}

// NewMetrics creates and registers all registry metrics.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		ModulesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hotmod_modules_loaded",
			Help: "Number of modules currently registered",
		}),
		LoadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotmod_loads_total",
			Help: "Module load attempts by result",
		}, []string{"result"}),
		ReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotmod_reloads_total",
			Help: "Module reload attempts by result",
		}, []string{"result"}),
		UnloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hotmod_unloads_total",
			Help: "Modules shut down and removed",
		}),
		ScansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hotmod_scans_total",
			Help: "Module tree scans",
		}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hotmod_scan_duration_seconds",
			Help:    "Module tree scan duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		InitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hotmod_init_failures_total",
			Help: "Module init calls that returned an error",
		}),
		ShutdownFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hotmod_shutdown_failures_total",
			Help: "Module shutdown calls that returned an error",
		}),
	}

	registerer.MustRegister(
		m.ModulesLoaded,
		m.LoadsTotal,
		m.ReloadsTotal,
		m.UnloadsTotal,
		m.ScansTotal,
		m.ScanDuration,
		m.InitFailures,
		m.ShutdownFailures,
	)
	return m
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) setLoaded(n int) {
	if m == nil {
		return
	}
	m.ModulesLoaded.Set(float64(n))
}

func (m *Metrics) recordLoad(err error) {
	if m == nil {
		return
	}
	m.LoadsTotal.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) recordReload(err error) {
	if m == nil {
		return
	}
	m.ReloadsTotal.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) recordUnload() {
	if m == nil {
		return
	}
	m.UnloadsTotal.Inc()
}

func (m *Metrics) recordScan(d time.Duration) {
	if m == nil {
		return
	}
	m.ScansTotal.Inc()
	m.ScanDuration.Observe(d.Seconds())
}

func (m *Metrics) recordInitFailure() {
	if m == nil {
		return
	}
	m.InitFailures.Inc()
}

func (m *Metrics) recordShutdownFailure() {
	if m == nil {
		return
	}
	m.ShutdownFailures.Inc()
}
