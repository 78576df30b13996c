package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every collector of the process; the binary may serve it.
var Registry = prometheus.NewRegistry()

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "siprtmp",
		Name:      "rtmp_connections",
		Help:      "Open streaming connections.",
	})
	Sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "siprtmp",
		Name:      "rtmfp_sessions",
		Help:      "Established rendezvous sessions.",
	})
	Cookies = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "siprtmp",
		Name:      "rtmfp_cookies",
		Help:      "Pending handshake cookies.",
	})
	CryptoDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "siprtmp",
		Name:      "rtmfp_crypto_drops_total",
		Help:      "Packets dropped for checksum or decryption failures.",
	})
	HandshakeDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "siprtmp",
		Name:      "rtmfp_handshake_drops_total",
		Help:      "Handshake packets dropped (unknown cookie, bad marker, flood).",
	})
	FanoutMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "siprtmp",
		Name:      "rtmp_fanout_messages_total",
		Help:      "Media messages copied to players.",
	})
)

func init() {
	Registry.MustRegister(Connections, Sessions, Cookies, CryptoDrops, HandshakeDrops, FanoutMessages)
}
