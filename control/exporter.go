package control

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter publishes per-stage forward/backward timings pulled out of
// control records as Prometheus gauges. Spec §1 explicitly keeps the
// repartitioning decision engine external ("the telemetry is exported; the
// decision engine is external"); Exporter is the export side only.
type Exporter struct {
	timing *prometheus.GaugeVec
}

// NewExporter registers the pipestage_stage_timing_microseconds gauge with
// the given registerer, grounded directly on Chapter13/prom_http/main.go's
// promauto.NewCounter + promhttp.Handler() pattern, generalized to a vector
// keyed by stage index and pass direction.
func NewExporter(reg prometheus.Registerer) *Exporter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Exporter{
		timing: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipestage_stage_timing_microseconds",
			Help: "Most recently observed forward/backward compute time per stage.",
		}, []string{"stage", "direction"}),
	}
}

// Observe pushes every populated (fwd_us, bwd_us) pair in r as gauge
// samples, one per stage in forward-pipeline order.
func (e *Exporter) Observe(r Record) {
	for stage, pair := range r.Pairs() {
		stageLabel := strconv.Itoa(stage)
		e.timing.WithLabelValues(stageLabel, "forward").Set(float64(pair[0]))
		e.timing.WithLabelValues(stageLabel, "backward").Set(float64(pair[1]))
	}
}

// Handler returns the standard /metrics HTTP handler for scraping by the
// external repartitioning planner. It serves prometheus.DefaultGatherer, so
// it exposes the timing gauge only when NewExporter was given a nil or the
// default registerer; a custom registry is not served by it.
func (e *Exporter) Handler() http.Handler {
	return promhttp.Handler()
}
