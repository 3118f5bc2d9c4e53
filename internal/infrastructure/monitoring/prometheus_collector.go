package monitoring

import (
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meshcall"

// PrometheusCollector records call and relay metrics.
type PrometheusCollector struct {
	// call
	sessionsOpen       prometheus.Gauge
	sessionsOpened     prometheus.Counter
	sessionsClosed     *prometheus.CounterVec
	negotiationSeconds prometheus.Histogram
	negotiationRetries prometheus.Counter
	signalsSent        *prometheus.CounterVec
	signalsReceived    *prometheus.CounterVec
	signalsDiscarded   *prometheus.CounterVec
	callState          *prometheus.GaugeVec

	// relay
	relayConnections prometheus.Gauge
	relayConnsOpened prometheus.Counter
	relayMessages    *prometheus.CounterVec
	relaySignals     *prometheus.CounterVec

	registerer prometheus.Registerer
}

var (
	_ ports.CallMetrics  = (*PrometheusCollector)(nil)
	_ ports.RelayMetrics = (*PrometheusCollector)(nil)
)

// NewPrometheusCollector registers its metrics with reg, or with the default
// registerer when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &PrometheusCollector{
		sessionsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peer_sessions_open",
			Help:      "Number of open peer sessions",
		}),

		sessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_sessions_opened_total",
			Help:      "Total number of peer sessions opened",
		}),

		sessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_sessions_closed_total",
			Help:      "Total number of peer sessions closed, by reason",
		}, []string{"reason"}),

		negotiationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "negotiation_duration_seconds",
			Help:      "Time from session open to stable",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		negotiationRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiation_retries_total",
			Help:      "Total number of negotiations retried after failure or timeout",
		}),

		signalsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_sent_total",
			Help:      "Signals sent, by kind",
		}, []string{"kind"}),

		signalsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_received_total",
			Help:      "Signals received, by kind",
		}, []string{"kind"}),

		signalsDiscarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_discarded_total",
			Help:      "Signals discarded, by reason",
		}, []string{"reason"}),

		callState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "call_state",
			Help:      "1 for the current call state, 0 otherwise",
		}, []string{"state"}),

		relayConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connections",
			Help:      "Number of open relay websocket connections",
		}),

		relayConnsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_connections_total",
			Help:      "Total number of relay websocket connections accepted",
		}),

		relayMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Relay requests handled, by type and outcome",
		}, []string{"type", "outcome"}),

		relaySignals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_signals_total",
			Help:      "Signals relayed, by kind",
		}, []string{"kind"}),

		registerer: reg,
	}
}

func (p *PrometheusCollector) SessionOpened() {
	p.sessionsOpen.Inc()
	p.sessionsOpened.Inc()
}

func (p *PrometheusCollector) SessionClosed(reason string) {
	p.sessionsOpen.Dec()
	p.sessionsClosed.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) SessionStable(negotiation time.Duration) {
	p.negotiationSeconds.Observe(negotiation.Seconds())
}

func (p *PrometheusCollector) NegotiationRetried() {
	p.negotiationRetries.Inc()
}

func (p *PrometheusCollector) SignalSent(kind domain.SignalKind) {
	p.signalsSent.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) SignalReceived(kind domain.SignalKind) {
	p.signalsReceived.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) SignalDiscarded(reason string) {
	p.signalsDiscarded.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) CallStateChanged(state domain.CallState) {
	for _, s := range []domain.CallState{domain.CallNotJoined, domain.CallJoining, domain.CallInCall, domain.CallLeaving} {
		v := 0.0
		if s == state {
			v = 1
		}
		p.callState.WithLabelValues(s.String()).Set(v)
	}
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.relayConnections.Inc()
	p.relayConnsOpened.Inc()
}

func (p *PrometheusCollector) ConnectionClosed() {
	p.relayConnections.Dec()
}

func (p *PrometheusCollector) MessageHandled(msgType string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	if msgType == "" {
		msgType = "none"
	}
	p.relayMessages.WithLabelValues(msgType, outcome).Inc()
}

func (p *PrometheusCollector) SignalRelayed(kind domain.SignalKind) {
	p.relaySignals.WithLabelValues(string(kind)).Inc()
}

// TransportStats is the media counter surface of a peer transport.
type TransportStats interface {
	PictureLossCount() uint64
	RTPPacketCount() uint64
	OpenConnections() int64
}

// RegisterTransport exports the transport's counters, read at scrape time.
func (p *PrometheusCollector) RegisterTransport(stats TransportStats) {
	f := promauto.With(p.registerer)

	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rtcp_picture_loss_total",
		Help:      "PLI and FIR requests received from remote peers",
	}, func() float64 { return float64(stats.PictureLossCount()) })

	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rtp_packets_received_total",
		Help:      "RTP packets received on remote tracks",
	}, func() float64 { return float64(stats.RTPPacketCount()) })

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peer_connections_open",
		Help:      "Peer connections not yet closed",
	}, func() float64 { return float64(stats.OpenConnections()) })
}
