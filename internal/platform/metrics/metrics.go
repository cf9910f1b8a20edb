package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the stream switcher.
type Metrics struct {
	registry *prometheus.Registry

	switchesTotal        prometheus.Counter
	resolutionFailures   *prometheus.CounterVec
	feederRestartsTotal  prometheus.Counter
	encoderRestartsTotal prometheus.Counter
	previewRequestsTotal prometheus.Counter
	previewErrorsTotal   prometheus.Counter
	streaming            prometheus.Gauge
	degraded             prometheus.Gauge
	skippedCameras       prometheus.Gauge
}

// New creates and registers Prometheus metrics for the switcher.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	switchesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "switcher_camera_switches_total",
		Help: "Total number of successful camera switches",
	})
	resolutionFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "switcher_resolution_failures_total",
		Help: "Total number of failed source resolutions by reason",
	}, []string{"reason"})
	feederRestartsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "switcher_feeder_restarts_total",
		Help: "Total number of feeder process restarts after unexpected exit",
	})
	encoderRestartsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "switcher_encoder_restarts_total",
		Help: "Total number of encoder process restarts after unexpected exit",
	})
	previewRequestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "switcher_preview_requests_total",
		Help: "Total number of HTTP requests to the preview server",
	})
	previewErrorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "switcher_preview_errors_total",
		Help: "Total number of preview HTTP responses with error status (4xx or 5xx)",
	})
	streaming := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "switcher_streaming",
		Help: "1 while a camera feed is live, 0 otherwise",
	})
	degraded := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "switcher_degraded",
		Help: "1 while every configured camera is unreachable",
	})
	skippedCameras := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "switcher_skipped_cameras",
		Help: "Number of cameras currently marked unhealthy",
	})

	registry.MustRegister(
		switchesTotal,
		resolutionFailures,
		feederRestartsTotal,
		encoderRestartsTotal,
		previewRequestsTotal,
		previewErrorsTotal,
		streaming,
		degraded,
		skippedCameras,
	)

	return &Metrics{
		registry:             registry,
		switchesTotal:        switchesTotal,
		resolutionFailures:   resolutionFailures,
		feederRestartsTotal:  feederRestartsTotal,
		encoderRestartsTotal: encoderRestartsTotal,
		previewRequestsTotal: previewRequestsTotal,
		previewErrorsTotal:   previewErrorsTotal,
		streaming:            streaming,
		degraded:             degraded,
		skippedCameras:       skippedCameras,
	}
}

// IncSwitches increments the camera switch counter.
func (m *Metrics) IncSwitches() {
	m.switchesTotal.Inc()
}

// IncResolutionFailure increments the resolution failure counter for a reason.
func (m *Metrics) IncResolutionFailure(reason string) {
	m.resolutionFailures.WithLabelValues(reason).Inc()
}

// IncFeederRestarts increments the feeder restart counter.
func (m *Metrics) IncFeederRestarts() {
	m.feederRestartsTotal.Inc()
}

// IncEncoderRestarts increments the encoder restart counter.
func (m *Metrics) IncEncoderRestarts() {
	m.encoderRestartsTotal.Inc()
}

// IncRequests increments the preview request counter.
func (m *Metrics) IncRequests() {
	m.previewRequestsTotal.Inc()
}

// IncErrors increments the preview error counter.
func (m *Metrics) IncErrors() {
	m.previewErrorsTotal.Inc()
}

// SetStreaming records whether a camera feed is currently live.
func (m *Metrics) SetStreaming(v bool) {
	m.streaming.Set(boolGauge(v))
}

// SetDegraded records whether the switcher is in the degraded state.
func (m *Metrics) SetDegraded(v bool) {
	m.degraded.Set(boolGauge(v))
}

// SetSkippedCameras sets the unhealthy camera gauge.
func (m *Metrics) SetSkippedCameras(n int) {
	m.skippedCameras.Set(float64(n))
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges, if non-nil, is called before each scrape to refresh gauges.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
