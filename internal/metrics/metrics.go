// Package metrics exposes engine measurements to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Yi-XIE/PBL.AI/internal/domain"
)

// Collector records engine activity. It implements the workflow Observer.
type Collector struct {
	registry *prometheus.Registry

	actions      *prometheus.CounterVec
	generations  *prometheus.HistogramVec
	invalidated  prometheus.Counter
	activeTasks  prometheus.Gauge
	deltasPushed prometheus.Counter
}

// NewCollector registers every metric on a fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pblai",
			Name:      "actions_total",
			Help:      "Actions applied to tasks, by action and result code.",
		}, []string{"action", "code"}),
		generations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pblai",
			Name:      "generation_seconds",
			Help:      "Latency of generation calls, by stage and outcome.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"stage", "outcome"}),
		invalidated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pblai",
			Name:      "stages_invalidated_total",
			Help:      "Stages invalidated by cascading edits or regenerations.",
		}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pblai",
			Name:      "active_tasks",
			Help:      "Tasks currently held by the registry.",
		}),
		deltasPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pblai",
			Name:      "deltas_published_total",
			Help:      "Committed states pushed to viewers.",
		}),
	}
	c.registry.MustRegister(c.actions, c.generations, c.invalidated, c.activeTasks, c.deltasPushed,
		collectors.NewGoCollector())
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ActionApplied counts one action and its result code ("0" on success).
func (c *Collector) ActionApplied(action domain.ActionType, err error) {
	c.actions.WithLabelValues(string(action), codeOf(err)).Inc()
}

// GenerationFinished observes one generation call.
func (c *Collector) GenerationFinished(stage domain.Stage, elapsed time.Duration, err error) {
	outcome := "ok"
	switch {
	case errors.Is(err, domain.ErrGenerationTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	c.generations.WithLabelValues(string(stage), outcome).Observe(elapsed.Seconds())
}

// StagesInvalidated counts stages cleared by a cascade.
func (c *Collector) StagesInvalidated(n int) {
	c.invalidated.Add(float64(n))
}

// SetActiveTasks reports the registry size.
func (c *Collector) SetActiveTasks(n int) {
	c.activeTasks.Set(float64(n))
}

// DeltaPublished counts one state pushed to viewers.
func (c *Collector) DeltaPublished() {
	c.deltasPushed.Inc()
}

func codeOf(err error) string {
	if err == nil {
		return "0"
	}
	var ee *domain.EngineError
	if errors.As(err, &ee) {
		return strconv.Itoa(ee.Code)
	}
	if errors.Is(err, domain.ErrGenerationTimeout) {
		return strconv.Itoa(domain.ErrGenerationTimeout.Code)
	}
	if errors.Is(err, domain.ErrGenerationBackend) {
		return strconv.Itoa(domain.ErrGenerationBackend.Code)
	}
	return "unknown"
}
