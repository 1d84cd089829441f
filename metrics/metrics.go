// Package metrics registers the proxy's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Requests counts terminated requests by destination and status code.
	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mithril_requests_total",
		Help: "Proxied requests by destination and status code.",
	}, []string{"destination", "status"})

	// Detections counts detector verdicts that fired.
	Detections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mithril_detections_total",
		Help: "Detection verdicts by engine and action.",
	}, []string{"engine", "action"})

	// SubprocessRestarts counts stdio subprocess restarts.
	SubprocessRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mithril_subprocess_restarts_total",
		Help: "Stdio subprocess restarts by destination.",
	}, []string{"destination"})

	// SubprocessExhaustions counts bridges torn down after exhausting retries.
	SubprocessExhaustions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mithril_subprocess_exhaustions_total",
		Help: "Stdio bridges that exhausted their restart budget.",
	}, []string{"destination"})

	// DroppedNotifications counts notifications dropped on full stream queues.
	DroppedNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mithril_dropped_notifications_total",
		Help: "Notifications dropped because a stream queue was full.",
	}, []string{"destination"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
