package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gauges exports the queue counts as Prometheus gauges.
type Gauges struct {
	dead    prometheus.Gauge
	total   prometheus.Gauge
	pending prometheus.Gauge
}

// NewGauges registers the queue gauges on reg.
func NewGauges(reg prometheus.Registerer) (*Gauges, error) {
	g := &Gauges{
		dead: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "email_queue_dead",
			Help: "Messages marked permanently undeliverable.",
		}),
		total: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "email_queue_total",
			Help: "Messages currently stored, pending or dead.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "email_queue_pending",
			Help: "Messages awaiting the next flush.",
		}),
	}
	for _, c := range []prometheus.Collector{g.dead, g.total, g.pending} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *Gauges) Observe(c Counts) {
	g.dead.Set(float64(c.Dead))
	g.total.Set(float64(c.Total))
	g.pending.Set(float64(c.Total - c.Dead))
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
