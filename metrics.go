package highway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Label values used by Metrics.
const (
	kindControl = "control"
	kindData    = "data"

	eventAck        = "ack"
	eventDisconnect = "disconnect"
	eventUnknown    = "unknown"
	eventMalformed  = "malformed"

	reasonNoSession    = "no_session"
	reasonRejected     = "rejected"
	reasonDuplicate    = "duplicate"
	reasonZeroConv     = "zero_conv"
	reasonConvInUse    = "conv_in_use"
	reasonSubmitFailed = "submit_failed"
	reasonPanic        = "panic"
)

// Metrics holds the gateway's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Datagrams       *prometheus.CounterVec
	Handshakes      *prometheus.CounterVec
	Dropped         *prometheus.CounterVec
	SessionsCreated prometheus.Counter
	TaskPanics      prometheus.Counter

	namespace string
	reg       prometheus.Registerer
}

// NewMetrics creates the collectors and registers them with reg.
// If reg is nil the collectors are created but not registered.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Datagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_total",
			Help:      "Datagrams received, by kind.",
		}, []string{"kind"}),
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Control packets interpreted, by event.",
		}, []string{"event"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Datagrams or sessions dropped, by reason.",
		}, []string{"reason"}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions registered after a handshake.",
		}),
		TaskPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_panics_total",
			Help:      "Worker tasks that panicked.",
		}),
		namespace: namespace,
		reg:       reg,
	}
	if reg != nil {
		reg.MustRegister(m.Datagrams, m.Handshakes, m.Dropped, m.SessionsCreated, m.TaskPanics)
	}
	return m
}

// observeRegistry exports the registry size as a gauge.
func (m *Metrics) observeRegistry(r Registry) {
	if m == nil || m.reg == nil {
		return
	}
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "sessions_active",
		Help:      "Sessions currently registered.",
	}, func() float64 { return float64(r.Len()) })
	// A second gateway on the same registerer keeps the first gauge.
	_ = m.reg.Register(gauge)
}

func (m *Metrics) datagram(kind string) {
	if m == nil {
		return
	}
	m.Datagrams.WithLabelValues(kind).Inc()
}

func (m *Metrics) handshake(event string) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(event).Inc()
}

func (m *Metrics) dropped(reason string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) sessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

func (m *Metrics) taskPanic() {
	if m == nil {
		return
	}
	m.TaskPanics.Inc()
}
