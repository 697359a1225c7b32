// Package metrics exposes the call client's Prometheus instruments. All
// methods are safe to call on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "callsession"

type Metrics struct {
	connectAttempts   *prometheus.CounterVec
	reconnectAttempts *prometheus.CounterVec
	connectDuration   prometheus.Histogram
	participants      prometheus.Gauge
	callState         prometheus.Gauge
	mediaAcquisitions *prometheus.CounterVec
	screenShares      *prometheus.CounterVec
	dataMessages      *prometheus.CounterVec
	roundTripTime     prometheus.Gauge
}

// New registers every instrument on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Transport connect attempts by result",
		}, []string{"result"}),

		reconnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnect attempts by result",
		}, []string{"result"}),

		connectDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_duration_seconds",
			Help:      "Time from connect request to connected",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),

		participants: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants",
			Help:      "Participants in the current call, including the local one",
		}),

		callState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "call_state",
			Help:      "Current call state (0 idle, 1 connecting, 2 connected, 3 reconnecting, 4 disconnected)",
		}),

		mediaAcquisitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_acquisitions_total",
			Help:      "Local capture acquisitions by kind and result",
		}, []string{"kind", "result"}),

		screenShares: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "screenshare_sessions_total",
			Help:      "Finished local screen-share sessions by stop reason",
		}, []string{"reason"}),

		dataMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_messages_total",
			Help:      "Data channel sends by reliability and result",
		}, []string{"reliability", "result"}),

		roundTripTime: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "round_trip_time_seconds",
			Help:      "Latest ICE round trip time to the media server",
		}),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (m *Metrics) ConnectAttempt(err error, took time.Duration) {
	if m == nil {
		return
	}
	m.connectAttempts.WithLabelValues(result(err)).Inc()
	if err == nil {
		m.connectDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) ReconnectAttempt(err error) {
	if m == nil {
		return
	}
	m.reconnectAttempts.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) SetParticipants(n int) {
	if m == nil {
		return
	}
	m.participants.Set(float64(n))
}

func (m *Metrics) SetCallState(state int) {
	if m == nil {
		return
	}
	m.callState.Set(float64(state))
}

func (m *Metrics) MediaAcquisition(kind string, err error) {
	if m == nil {
		return
	}
	m.mediaAcquisitions.WithLabelValues(kind, result(err)).Inc()
}

func (m *Metrics) ScreenShareEnded(reason string) {
	if m == nil {
		return
	}
	m.screenShares.WithLabelValues(reason).Inc()
}

func (m *Metrics) DataMessage(reliability string, err error) {
	if m == nil {
		return
	}
	m.dataMessages.WithLabelValues(reliability, result(err)).Inc()
}

func (m *Metrics) SetRoundTripTime(rtt time.Duration) {
	if m == nil {
		return
	}
	m.roundTripTime.Set(rtt.Seconds())
}
