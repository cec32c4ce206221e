// Package metrics holds the Prometheus collectors for the control
// plane. Every collector set is registered against a caller-supplied
// registry so tests can use a private one; a nil collector set is a
// valid no-op.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nicctl"

// Transport counts command traffic.
type Transport struct {
	commands *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	reboots  prometheus.Counter
	timeouts prometheus.Counter
}

// NewTransport registers the transport collectors with reg.
func NewTransport(reg prometheus.Registerer) *Transport {
	f := promauto.With(reg)
	return &Transport{
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "commands_total",
			Help:      "Commands submitted to the management controller, by opcode and result.",
		}, []string{"opcode", "result"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "command_duration_seconds",
			Help:      "Time from doorbell to response.",
			Buckets:   prometheus.ExponentialBuckets(50e-6, 4, 10),
		}, []string{"opcode"}),
		reboots: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "controller_reboots_total",
			Help:      "Controller reboots detected.",
		}),
		timeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "timeouts_total",
			Help:      "Commands that received no response within their timeout.",
		}),
	}
}

// Command records one completed command.
func (m *Transport) Command(opcode, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(opcode, result).Inc()
	m.latency.WithLabelValues(opcode).Observe(d.Seconds())
}

// Reboot records a detected controller reboot.
func (m *Transport) Reboot() {
	if m == nil {
		return
	}
	m.reboots.Inc()
}

// Timeout records a command timeout.
func (m *Transport) Timeout() {
	if m == nil {
		return
	}
	m.timeouts.Inc()
}

// Dispatcher counts completion events.
type Dispatcher struct {
	events    *prometheus.CounterVec
	unclaimed prometheus.Counter
	overflows prometheus.Counter
}

// NewDispatcher registers the dispatcher collectors with reg.
func NewDispatcher(reg prometheus.Registerer) *Dispatcher {
	f := promauto.With(reg)
	return &Dispatcher{
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "events_total",
			Help:      "Completion events drained, by event code.",
		}, []string{"code"}),
		unclaimed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "unclaimed_events_total",
			Help:      "Events no registered collaborator handled.",
		}),
		overflows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "overflows_total",
			Help:      "Completion ring overflows.",
		}),
	}
}

// Event records one drained event.
func (m *Dispatcher) Event(code string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(code).Inc()
}

// Unclaimed records an event nobody handled.
func (m *Dispatcher) Unclaimed() {
	if m == nil {
		return
	}
	m.unclaimed.Inc()
}

// Overflow records a ring overflow.
func (m *Dispatcher) Overflow() {
	if m == nil {
		return
	}
	m.overflows.Inc()
}

// Filter tracks filter table activity.
type Filter struct {
	ops       *prometheus.CounterVec
	occupied  prometheus.Gauge
	busyWaits prometheus.Counter
	cascades  prometheus.Counter
}

// NewFilter registers the filter table collectors with reg.
func NewFilter(reg prometheus.Registerer) *Filter {
	f := promauto.With(reg)
	return &Filter{
		ops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "filter",
			Name:      "operations_total",
			Help:      "Filter table operations, by operation and result.",
		}, []string{"op", "result"}),
		occupied: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "filter",
			Name:      "occupied_slots",
			Help:      "Slots holding a live filter.",
		}),
		busyWaits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "filter",
			Name:      "busy_waits_total",
			Help:      "Times a caller slept on a slot with a mutation in flight.",
		}),
		cascades: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "filter",
			Name:      "cascade_removals_total",
			Help:      "Lower-priority filters removed by a multicast-recipient insert.",
		}),
	}
}

// Op records one filter operation.
func (m *Filter) Op(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ops.WithLabelValues(op, result).Inc()
}

// Occupied sets the occupied slot gauge.
func (m *Filter) Occupied(n int) {
	if m == nil {
		return
	}
	m.occupied.Set(float64(n))
}

// BusyWait records a wait on a busy slot.
func (m *Filter) BusyWait() {
	if m == nil {
		return
	}
	m.busyWaits.Inc()
}

// Cascade records n cascade removals.
func (m *Filter) Cascade(n int) {
	if m == nil {
		return
	}
	m.cascades.Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
