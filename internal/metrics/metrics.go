// Package metrics exposes prometheus collectors for frame traffic and
// server connections.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	framesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sfp",
		Name:      "frames_read_total",
		Help:      "Frames decoded by readers.",
	})
	framesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sfp",
		Name:      "frames_written_total",
		Help:      "Frames encoded by writers.",
	})
	bytesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sfp",
		Name:      "frame_bytes_read_total",
		Help:      "Payload bytes decoded by readers.",
	})
	bytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sfp",
		Name:      "frame_bytes_written_total",
		Help:      "Payload bytes encoded by writers.",
	})
	connections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sfp",
			Subsystem: "server",
			Name:      "connections_total",
			Help:      "Connections accepted by servers.",
		},
		[]string{"scheme"},
	)
	activeConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sfp",
			Subsystem: "server",
			Name:      "connections_active",
			Help:      "Connections currently being handled.",
		},
		[]string{"scheme"},
	)
	handlerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sfp",
			Subsystem: "server",
			Name:      "handler_errors_total",
			Help:      "Connection handlers that returned an error or panicked.",
		},
		[]string{"scheme"},
	)
)

// Register adds the collectors to the default prometheus registry. It is
// safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesRead, framesWritten, bytesRead, bytesWritten,
			connections, activeConnections, handlerErrors,
		)
	})
}

// Handler serves the default registry in the prometheus text format.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// RecordFrameRead counts one decoded frame of n payload bytes.
func RecordFrameRead(n int) {
	framesRead.Inc()
	bytesRead.Add(float64(n))
}

// RecordFrameWritten counts one encoded frame of n payload bytes.
func RecordFrameWritten(n int) {
	framesWritten.Inc()
	bytesWritten.Add(float64(n))
}

// ConnectionOpened counts an accepted connection and returns the func that
// marks it finished.
func ConnectionOpened(scheme string) (done func()) {
	connections.WithLabelValues(scheme).Inc()
	g := activeConnections.WithLabelValues(scheme)
	g.Inc()
	return g.Dec
}

// RecordHandlerError counts a handler that failed or panicked.
func RecordHandlerError(scheme string) {
	handlerErrors.WithLabelValues(scheme).Inc()
}
