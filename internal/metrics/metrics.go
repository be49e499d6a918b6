// Package metrics implements the Metrics Collector on Prometheus.
//
// The collector subscribes to the event bus and counts intents, slot
// statuses, invocation outcomes, retries and escalations. All counters are
// safe under concurrent increments. Each Collector owns its registry so tests
// and embedded servers do not collide on the global one.
package metrics

import (
	"net/http"
	"strings"

	"github.com/halbridge/halbridge/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "halbridge"

// Collector records pipeline metrics.
type Collector struct {
	registry *prometheus.Registry

	intents     *prometheus.CounterVec
	slots       *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	retries     *prometheus.CounterVec
	escalations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// New creates a collector with its own registry. Process and Go runtime
// collectors are included when withRuntime is set.
func New(withRuntime bool) *Collector {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(collectors.NewGoCollector())
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		intents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_total",
			Help:      "Recognized intents by label",
		}, []string{"label"}),
		slots: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slots_total",
			Help:      "Extracted slots by intent and status",
		}, []string{"intent", "status"}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Invocation outcomes by capability and outcome class",
		}, []string{"capability", "outcome"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Same-capability retries",
		}, []string{"capability"}),
		escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalations to an alternate capability",
		}, []string{"from", "to"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Invocation latency in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"capability", "outcome"}),
	}
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ── Recording ────────────────────────────────────────────────

func (c *Collector) RecordIntent(label string) {
	c.intents.WithLabelValues(label).Inc()
}

func (c *Collector) RecordSlot(intent string, status models.SlotStatus) {
	c.slots.WithLabelValues(intent, string(status)).Inc()
}

func (c *Collector) RecordOutcome(capability string, kind models.OutcomeKind, durationMs int64) {
	c.outcomes.WithLabelValues(capability, string(kind)).Inc()
	c.duration.WithLabelValues(capability, string(kind)).Observe(float64(durationMs) / 1000)
}

func (c *Collector) RecordRetry(capability string) {
	c.retries.WithLabelValues(capability).Inc()
}

func (c *Collector) RecordEscalation(from, to string) {
	c.escalations.WithLabelValues(from, to).Inc()
}

// OnEvent implements contracts.Listener.
func (c *Collector) OnEvent(ev models.Event) {
	switch ev.Type {
	case models.EventIntentRecognized:
		c.RecordIntent(ev.Intent)
	case models.EventSlotsExtracted:
		statuses, _ := ev.Data["statuses"].(map[string]string)
		for _, status := range statuses {
			c.RecordSlot(ev.Intent, models.SlotStatus(status))
		}
	case models.EventToolInvoked:
		kind, _ := ev.Data["outcome"].(string)
		ms, _ := ev.Data["duration_ms"].(int64)
		c.RecordOutcome(ev.Capability, models.OutcomeKind(kind), ms)
	case models.EventRetryDecided:
		if ev.Retry == nil {
			return
		}
		switch ev.Retry.Action {
		case models.RetryRetry:
			c.RecordRetry(ev.Retry.Capability)
		case models.RetryEscalate:
			c.RecordEscalation(ev.Retry.Capability, ev.Retry.NextCapability)
		}
	}
}

// ── Snapshot ─────────────────────────────────────────────────

// Snapshot is a point-in-time copy of the pipeline metrics, keyed by
// label values joined with "/".
type Snapshot struct {
	Intents     map[string]float64 `json:"intents"`
	Slots       map[string]float64 `json:"slots"`
	Outcomes    map[string]float64 `json:"outcomes"`
	Retries     map[string]float64 `json:"retries"`
	Escalations map[string]float64 `json:"escalations"`
	Invocations map[string]uint64  `json:"invocations"`
}

// Snapshot gathers the current values.
func (c *Collector) Snapshot() (*Snapshot, error) {
	families, err := c.registry.Gather()
	if err != nil {
		return nil, err
	}
	s := &Snapshot{
		Intents:     map[string]float64{},
		Slots:       map[string]float64{},
		Outcomes:    map[string]float64{},
		Retries:     map[string]float64{},
		Escalations: map[string]float64{},
		Invocations: map[string]uint64{},
	}
	for _, mf := range families {
		var target map[string]float64
		switch mf.GetName() {
		case namespace + "_intents_total":
			target = s.Intents
		case namespace + "_slots_total":
			target = s.Slots
		case namespace + "_outcomes_total":
			target = s.Outcomes
		case namespace + "_retries_total":
			target = s.Retries
		case namespace + "_escalations_total":
			target = s.Escalations
		case namespace + "_invocation_duration_seconds":
			for _, m := range mf.GetMetric() {
				s.Invocations[labelKey(m)] += m.GetHistogram().GetSampleCount()
			}
			continue
		default:
			continue
		}
		for _, m := range mf.GetMetric() {
			target[labelKey(m)] += m.GetCounter().GetValue()
		}
	}
	return s, nil
}

func labelKey(m *dto.Metric) string {
	parts := make([]string, 0, len(m.GetLabel()))
	for _, l := range m.GetLabel() {
		parts = append(parts, l.GetValue())
	}
	return strings.Join(parts, "/")
}
