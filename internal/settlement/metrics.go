package settlement

import (
  "github.com/prometheus/client_golang/prometheus"
  "github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics lives on its own registry so several services (and tests) can
// coexist in one process.
type Metrics struct {
  registry *prometheus.Registry

  invoicesIssued *prometheus.CounterVec
  receipts       *prometheus.CounterVec
  sweepRuns      prometheus.Counter
  sweepOutcomes  *prometheus.CounterVec
  sweepDuration  prometheus.Histogram
  activeWatchers prometheus.Gauge
}

func NewMetrics() *Metrics {
  m := &Metrics{
    registry: prometheus.NewRegistry(),
    invoicesIssued: prometheus.NewCounterVec(
      prometheus.CounterOpts{
        Name: "zaps_invoices_issued_total",
        Help: "Invoices issued, by kind (zap or plain).",
      },
      []string{"kind"},
    ),
    receipts: prometheus.NewCounterVec(
      prometheus.CounterOpts{
        Name: "zaps_receipts_total",
        Help: "Zap receipt broadcasts, by result.",
      },
      []string{"result"},
    ),
    sweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
      Name: "zaps_sweep_runs_total",
      Help: "Reconciliation sweeps started.",
    }),
    sweepOutcomes: prometheus.NewCounterVec(
      prometheus.CounterOpts{
        Name: "zaps_sweep_records_total",
        Help: "Records handled by the sweep, by outcome.",
      },
      []string{"outcome"},
    ),
    sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
      Name:    "zaps_sweep_duration_seconds",
      Help:    "Wall time of one sweep.",
      Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
    }),
    activeWatchers: prometheus.NewGauge(prometheus.GaugeOpts{
      Name: "zaps_active_watchers",
      Help: "Settlement watchers currently polling.",
    }),
  }
  m.registry.MustRegister(
    m.invoicesIssued,
    m.receipts,
    m.sweepRuns,
    m.sweepOutcomes,
    m.sweepDuration,
    m.activeWatchers,
    collectors.NewGoCollector(),
    collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
  )
  return m
}

func (m *Metrics) Registry() *prometheus.Registry {
  return m.registry
}

func (m *Metrics) issued(zap bool) {
  if m == nil {
    return
  }
  kind := "plain"
  if zap {
    kind = "zap"
  }
  m.invoicesIssued.WithLabelValues(kind).Inc()
}

func (m *Metrics) receipt(result string) {
  if m == nil {
    return
  }
  m.receipts.WithLabelValues(result).Inc()
}

func (m *Metrics) sweep(res SweepResult, seconds float64) {
  if m == nil {
    return
  }
  m.sweepRuns.Inc()
  m.sweepDuration.Observe(seconds)
  m.sweepOutcomes.WithLabelValues("settled").Add(float64(res.Settled))
  m.sweepOutcomes.WithLabelValues("expired").Add(float64(res.Expired))
  m.sweepOutcomes.WithLabelValues("pending").Add(float64(res.Pending))
  m.sweepOutcomes.WithLabelValues("error").Add(float64(res.Errors))
}

func (m *Metrics) watcherStarted() {
  if m != nil {
    m.activeWatchers.Inc()
  }
}

func (m *Metrics) watcherDone() {
  if m != nil {
    m.activeWatchers.Dec()
  }
}
