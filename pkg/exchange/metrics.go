package exchange

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the per-peer and aggregate accounting counters required so
// an operator or UI can diagnose hot peers.
type Metrics struct {
	RequestsSent     *prometheus.CounterVec
	RequestsReceived *prometheus.CounterVec
	ResponsesSent    *prometheus.CounterVec
	ResponsesReceived *prometheus.CounterVec
	BytesSent        *prometheus.CounterVec
	BytesReceived    *prometheus.CounterVec
}

// NewMetrics constructs and registers exchange counters against reg. Pass
// prometheus.NewRegistry() (or prometheus.DefaultRegisterer) from the
// caller so tests can use an isolated registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hashtree_exchange_requests_sent_total",
			Help: "REQUEST frames sent, by peer.",
		}, []string{"peer"}),
		RequestsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hashtree_exchange_requests_received_total",
			Help: "REQUEST frames received, by peer.",
		}, []string{"peer"}),
		ResponsesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hashtree_exchange_responses_sent_total",
			Help: "RESPONSE frames sent, by peer.",
		}, []string{"peer"}),
		ResponsesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hashtree_exchange_responses_received_total",
			Help: "RESPONSE frames received, by peer.",
		}, []string{"peer"}),
		BytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hashtree_exchange_bytes_sent_total",
			Help: "Block bytes sent in RESPONSE frames, by peer.",
		}, []string{"peer"}),
		BytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hashtree_exchange_bytes_received_total",
			Help: "Block bytes received in RESPONSE frames, by peer.",
		}, []string{"peer"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.RequestsSent, m.RequestsReceived,
			m.ResponsesSent, m.ResponsesReceived,
			m.BytesSent, m.BytesReceived,
		)
	}
	return m
}

func (m *Metrics) requestSent(peer string) {
	if m != nil {
		m.RequestsSent.WithLabelValues(peer).Inc()
	}
}
func (m *Metrics) requestReceived(peer string) {
	if m != nil {
		m.RequestsReceived.WithLabelValues(peer).Inc()
	}
}
func (m *Metrics) responseSent(peer string, bytes int) {
	if m != nil {
		m.ResponsesSent.WithLabelValues(peer).Inc()
		m.BytesSent.WithLabelValues(peer).Add(float64(bytes))
	}
}
func (m *Metrics) responseReceived(peer string, bytes int) {
	if m != nil {
		m.ResponsesReceived.WithLabelValues(peer).Inc()
		m.BytesReceived.WithLabelValues(peer).Add(float64(bytes))
	}
}
