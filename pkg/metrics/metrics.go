// Package metrics exposes the process Prometheus registry. Counters ride the
// same Increment(kind, outcome) shape as the daily database rollups so the
// worker pools feed both sinks through one seam; lifecycle counters are fed
// by a bus observer so the kernel itself stays metrics-free.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trunkline-io/trunkline/pkg/events"
	"github.com/trunkline-io/trunkline/pkg/models"
)

// Sink mirrors the services.MetricService increment surface. Both the
// Prometheus counters here and the daily rollup rows implement it.
type Sink interface {
	Increment(ctx context.Context, kind, outcome string) error
}

// Metrics owns the registry and every collector the process exports.
type Metrics struct {
	registry *prometheus.Registry

	busEvents  *prometheus.CounterVec
	callsEnded *prometheus.CounterVec
	fanout     *prometheus.CounterVec
	delivery   *prometheus.CounterVec
}

// New builds the registry with the Go and process collectors plus the
// trunkline counters.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		busEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trunkline_bus_events_total",
			Help: "Events published on the call-plane bus, by event type.",
		}, []string{"type"}),
		callsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trunkline_calls_ended_total",
			Help: "Calls reaching a terminal state, by status.",
		}, []string{"status"}),
		fanout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trunkline_notifications_total",
			Help: "Notification fan-out attempts, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		delivery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trunkline_messages_total",
			Help: "SMS/email delivery attempts, by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}
	reg.MustRegister(m.busEvents, m.callsEnded, m.fanout, m.delivery)
	return m
}

// Handler serves the registry for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gauge registers a pull-style gauge backed by fn (active calls, SSE
// subscriptions, dropped bus events).
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: name,
		Help: help,
	}, fn))
}

// FanoutSink returns the Sink the notification workers report outcomes to.
func (m *Metrics) FanoutSink() Sink { return counterSink{m.fanout} }

// DeliverySink returns the Sink the delivery workers report outcomes to.
func (m *Metrics) DeliverySink() Sink { return counterSink{m.delivery} }

type counterSink struct {
	vec *prometheus.CounterVec
}

func (s counterSink) Increment(_ context.Context, kind, outcome string) error {
	s.vec.WithLabelValues(kind, outcome).Inc()
	return nil
}

// Tee fans one Increment out to several sinks. The first error wins but
// every sink is still invoked; a full counter page beats a consistent one.
func Tee(sinks ...Sink) Sink { return teeSink(sinks) }

type teeSink []Sink

func (t teeSink) Increment(ctx context.Context, kind, outcome string) error {
	var first error
	for _, s := range t {
		if err := s.Increment(ctx, kind, outcome); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// callStatusEnvelope is the slice of the call.status payload the observer
// needs. Everything else in the envelope stays opaque.
type callStatusEnvelope struct {
	Status string `json:"status"`
}

// WatchBus counts every firehose event by type and terminal call statuses by
// outcome. It returns a stop function that closes the subscription and waits
// for the observer goroutine to exit.
func (m *Metrics) WatchBus(hub *events.Hub) (func(), error) {
	sub, err := hub.Subscribe(events.ChannelAll)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for raw := range sub.C() {
			var evt models.Event
			if err := json.Unmarshal(raw, &evt); err != nil {
				continue
			}
			m.busEvents.WithLabelValues(evt.Type).Inc()

			if evt.Type != events.EventTypeCallStatus {
				continue
			}
			var payload callStatusEnvelope
			if err := json.Unmarshal(evt.Payload, &payload); err != nil {
				continue
			}
			if models.CallStatus(payload.Status).IsTerminal() {
				m.callsEnded.WithLabelValues(payload.Status).Inc()
			}
		}
	}()

	return func() {
		sub.Close()
		<-done
	}, nil
}
